// Package attach decides when delayed playback runs.
//
// The Monitor owns the pipeline configuration and turns attachment signals
// (full-screen entry, play events, full-screen exit) into session start and
// stop calls. The Runner is the single goroutine that owns the Monitor and
// drives the session's refresh and poll channels.
//
// Every operation is best-effort: missing sources, missing full-screen state
// and disabled configuration are normal conditions and never errors.
package attach

import (
	"image"
	"log/slog"
	"time"

	"github.com/e7canasta/orion-delayline/modules/playback"
)

// PipelineConfig is the process-wide delay configuration.
type PipelineConfig struct {
	DelayMs uint
	Enabled bool
}

// Delay returns the configured window as a duration.
func (c PipelineConfig) Delay() time.Duration {
	return time.Duration(c.DelayMs) * time.Millisecond
}

// Armed reports whether this configuration should listen for attachments.
func (c PipelineConfig) Armed() bool {
	return c.Enabled && c.DelayMs > 0
}

// Session is the playback session the Monitor controls.
// *playback.Scheduler implements it.
type Session interface {
	Start(src playback.Source, delay time.Duration, autoplay bool) bool
	Stop()
	Active() bool
	State() playback.State
}

// Options configures a Monitor.
type Options struct {
	// Viewport returns the current viewport size for the autoplay heuristic
	Viewport func() image.Point

	// Reload returns the persisted configuration used to re-arm after an
	// autoplay exit. When nil or failing, the current configuration is kept.
	Reload func() (PipelineConfig, error)
}

// MonitorStats is a snapshot of monitor counters.
type MonitorStats struct {
	Config   PipelineConfig
	Armed    bool
	State    playback.State
	Attached bool

	Reconfigures  uint64
	Triggers      uint64
	Starts        uint64
	AutoplayStart uint64
	Declined      uint64
	Detachments   uint64
	AutoplayExits uint64
}

// Monitor is the attachment/mode state machine.
//
// Not safe for concurrent use: call it only from the Runner goroutine.
type Monitor struct {
	session Session
	opts    Options

	cfg      PipelineConfig
	armed    bool
	attached playback.Source

	stats MonitorStats
}

// NewMonitor creates a disarmed monitor.
func NewMonitor(session Session, opts Options) *Monitor {
	if opts.Viewport == nil {
		opts.Viewport = func() image.Point { return image.Point{} }
	}
	return &Monitor{session: session, opts: opts}
}

// Reconfigure applies a new configuration: any active session is stopped
// fully first, then the monitor arms only if enabled with a positive delay.
// It never starts capture itself.
func (m *Monitor) Reconfigure(delayMs uint, enabled bool) {
	m.stats.Reconfigures++

	if m.session.Active() {
		m.session.Stop()
	}
	m.attached = nil

	m.cfg = PipelineConfig{DelayMs: delayMs, Enabled: enabled}
	m.armed = m.cfg.Armed()

	slog.Info("attach: reconfigured",
		"delay_ms", delayMs,
		"enabled", enabled,
		"armed", m.armed,
	)
}

// OnAttachmentTrigger starts a session for src once.
//
// No-op when disarmed, when src is nil, or while a session is Warming or
// Delayed. A full-screen trigger starts a normal session; otherwise the
// session starts in heuristic-autoplay mode only if the source looks like it
// is playing full-bleed.
func (m *Monitor) OnAttachmentTrigger(src playback.Source, fullscreen bool) {
	m.stats.Triggers++

	if !m.armed || src == nil || m.session.Active() {
		return
	}

	autoplay := false
	if !fullscreen {
		if !LooksAutoplaying(src.DisplayedSize(), m.opts.Viewport()) {
			return
		}
		autoplay = true
	}

	if !m.session.Start(src, m.cfg.Delay(), autoplay) {
		m.stats.Declined++
		return
	}

	m.attached = src
	m.stats.Starts++
	if autoplay {
		m.stats.AutoplayStart++
	}
}

// OnDetachment stops the session and clears attachment state.
func (m *Monitor) OnDetachment() {
	m.stats.Detachments++
	m.session.Stop()
	m.attached = nil
}

// OnAutoplayExit re-arms after a heuristic-autoplay session stopped itself.
// The persisted configuration is re-read when a Reload hook is set.
func (m *Monitor) OnAutoplayExit() {
	m.stats.AutoplayExits++
	m.attached = nil

	cfg := m.cfg
	if m.opts.Reload != nil {
		reloaded, err := m.opts.Reload()
		if err != nil {
			slog.Warn("attach: reload failed, keeping current config", "error", err)
		} else {
			cfg = reloaded
		}
	}
	m.Reconfigure(cfg.DelayMs, cfg.Enabled)
}

// Config returns the current configuration.
func (m *Monitor) Config() PipelineConfig {
	return m.cfg
}

// Armed reports whether attachment triggers are honored.
func (m *Monitor) Armed() bool {
	return m.armed
}

// Stats returns monitor counters.
func (m *Monitor) Stats() MonitorStats {
	st := m.stats
	st.Config = m.cfg
	st.Armed = m.armed
	st.State = m.session.State()
	st.Attached = m.attached != nil
	return st
}

// LooksAutoplaying reports whether a source fills the viewport in both
// dimensions (within one pixel).
func LooksAutoplaying(displayed, viewport image.Point) bool {
	if viewport.X <= 0 || viewport.Y <= 0 {
		return false
	}
	return displayed.X >= viewport.X-1 && displayed.Y >= viewport.Y-1
}
