// Package control is the outer surface of the delay line.
//
// A Controller turns viewer and operator commands (set delay, full-screen,
// play, geometry) into Monitor events on the runner goroutine. Settings
// changes are persisted first, then applied as a Reconfigure; bursts of
// changes are rate limited and coalesced into the latest value.
//
// Three transports share one Controller: the iris HTTP API, the viewer
// WebSocket and the MQTT command channel.
package control

import (
	"context"
	"errors"
	"fmt"
	"image"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"

	"github.com/e7canasta/orion-delayline/modules/attach"
	"github.com/e7canasta/orion-delayline/modules/framebus"
	"github.com/e7canasta/orion-delayline/modules/playback"
	"github.com/e7canasta/orion-delayline/modules/settings"
)

// ErrNotRunning is returned by commands before Start or after Stop.
var ErrNotRunning = errors.New("control: controller not running")

// Executor runs events on the goroutine that owns the Monitor.
// *attach.Runner implements it.
type Executor interface {
	Do(ctx context.Context, fn func(m *attach.Monitor)) error
	Submit(fn func(m *attach.Monitor)) bool
}

// Store persists settings. *settings.Store implements it.
type Store interface {
	Load(ctx context.Context) (settings.Settings, error)
	Save(ctx context.Context, s settings.Settings) error
	SaveFullscreen(ctx context.Context, active bool) error
}

// Source is the live source the viewer reports geometry for.
// *livesource.Source implements it.
type Source interface {
	playback.Source
	ReportGeometry(displayed, viewport image.Point)
}

// Viewport receives viewer resizes. *compositor.Compositor implements it.
type Viewport interface {
	SetViewport(p image.Point)
}

// Config configures a Controller.
type Config struct {
	Executor Executor
	Store    Store
	Source   Source
	Viewport Viewport // optional
	Bus      framebus.Bus

	// ReconfigureRate bounds applied reconfigurations per second (default 4)
	ReconfigureRate float64

	// Extra adds transport-independent fields to Status (optional)
	Extra func() map[string]any
}

// PipelineConfigFor maps persisted settings to the Monitor configuration.
// Only video mode enables the pipeline.
func PipelineConfigFor(s settings.Settings) attach.PipelineConfig {
	return attach.PipelineConfig{
		DelayMs: s.DelayMs,
		Enabled: s.Enabled && s.Mode == settings.ModeVideo,
	}
}

// Status is the snapshot served to every transport.
type Status struct {
	Settings   settings.Settings `json:"settings"`
	Armed      bool              `json:"armed"`
	State      string            `json:"state"`
	Attached   bool              `json:"attached"`
	Fullscreen bool              `json:"fullscreen"`

	Monitor MonitorCounters `json:"monitor"`
	Frames  FrameCounters   `json:"frames"`
	Control ControlCounters `json:"control"`

	Extra map[string]any `json:"extra,omitempty"`
}

// MonitorCounters mirrors attach.MonitorStats.
type MonitorCounters struct {
	Reconfigures  uint64 `json:"reconfigures"`
	Triggers      uint64 `json:"triggers"`
	Starts        uint64 `json:"starts"`
	AutoplayStart uint64 `json:"autoplay_starts"`
	Declined      uint64 `json:"declined"`
	Detachments   uint64 `json:"detachments"`
	AutoplayExits uint64 `json:"autoplay_exits"`
}

// FrameCounters summarizes the output bus.
type FrameCounters struct {
	Published   uint64  `json:"published"`
	Sent        uint64  `json:"sent"`
	Dropped     uint64  `json:"dropped"`
	DropRate    float64 `json:"drop_rate"`
	Subscribers int     `json:"subscribers"`
}

// ControlCounters counts controller activity.
type ControlCounters struct {
	Requested uint64 `json:"reconfigure_requested"`
	Applied   uint64 `json:"reconfigure_applied"`
	Coalesced uint64 `json:"reconfigure_coalesced"`
}

// Controller dispatches commands to the runner goroutine.
type Controller struct {
	exec     Executor
	store    Store
	source   Source
	viewport Viewport
	bus      framebus.Bus
	extra    func() map[string]any
	limiter  *rate.Limiter

	pendingMu sync.Mutex
	pending   *attach.PipelineConfig
	wake      chan struct{}

	fullscreen atomic.Bool

	settingsMu sync.Mutex // Serializes settings read-modify-write

	mu      sync.Mutex // Protects ctx, cancel
	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	running atomic.Bool

	requested atomic.Uint64
	applied   atomic.Uint64
	coalesced atomic.Uint64
}

// New validates cfg and creates a stopped controller.
func New(cfg Config) (*Controller, error) {
	if cfg.Executor == nil {
		return nil, fmt.Errorf("control: executor is required")
	}
	if cfg.Store == nil {
		return nil, fmt.Errorf("control: settings store is required")
	}
	if cfg.Source == nil {
		return nil, fmt.Errorf("control: source is required")
	}
	if cfg.Bus == nil {
		return nil, fmt.Errorf("control: frame bus is required")
	}
	if cfg.ReconfigureRate < 0 {
		return nil, fmt.Errorf("control: reconfigure rate must be positive, got %.2f", cfg.ReconfigureRate)
	}
	if cfg.ReconfigureRate == 0 {
		cfg.ReconfigureRate = 4
	}

	return &Controller{
		exec:     cfg.Executor,
		store:    cfg.Store,
		source:   cfg.Source,
		viewport: cfg.Viewport,
		bus:      cfg.Bus,
		extra:    cfg.Extra,
		limiter:  rate.NewLimiter(rate.Limit(cfg.ReconfigureRate), 1),
		wake:     make(chan struct{}, 1),
	}, nil
}

// Start loads the persisted settings, applies them and starts the
// reconfigure loop.
func (c *Controller) Start(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.running.Load() {
		return fmt.Errorf("control: controller already started")
	}

	st, err := c.store.Load(ctx)
	if err != nil {
		slog.Warn("control: failed to load settings, using defaults", "error", err)
		st = settings.Default()
	}

	c.ctx, c.cancel = context.WithCancel(ctx)
	c.running.Store(true)

	c.wg.Add(1)
	go c.reconfigureLoop()

	c.request(PipelineConfigFor(st))

	slog.Info("control: started",
		"delay_ms", st.DelayMs,
		"enabled", st.Enabled,
		"mode", st.Mode,
	)
	return nil
}

// Stop cancels the reconfigure loop. Idempotent.
func (c *Controller) Stop() error {
	c.mu.Lock()
	if !c.running.Load() {
		c.mu.Unlock()
		return nil
	}
	c.cancel()
	c.mu.Unlock()

	done := make(chan struct{})
	go func() {
		c.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		c.running.Store(false)
		slog.Info("control: stopped")
		return nil
	case <-time.After(3 * time.Second):
		return fmt.Errorf("control: stop timeout")
	}
}

// Reload reads the persisted configuration. Used by the Monitor to re-arm
// after an autoplay exit.
func (c *Controller) Reload() (attach.PipelineConfig, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	st, err := c.store.Load(ctx)
	if err != nil {
		return attach.PipelineConfig{}, err
	}
	return PipelineConfigFor(st), nil
}

// Settings returns the persisted settings.
func (c *Controller) Settings(ctx context.Context) (settings.Settings, error) {
	return c.store.Load(ctx)
}

// SetDelay persists st and then requests a reconfiguration.
func (c *Controller) SetDelay(ctx context.Context, st settings.Settings) error {
	if !c.running.Load() {
		return ErrNotRunning
	}
	c.settingsMu.Lock()
	defer c.settingsMu.Unlock()
	return c.saveLocked(ctx, st)
}

// UpdateSettings merges req into the persisted settings, saves the result
// and requests a reconfiguration. Updates from every transport are applied
// one at a time, so concurrent partial updates all land.
func (c *Controller) UpdateSettings(ctx context.Context, req SettingsRequest) (settings.Settings, error) {
	if !c.running.Load() {
		return settings.Settings{}, ErrNotRunning
	}
	c.settingsMu.Lock()
	defer c.settingsMu.Unlock()

	current, err := c.store.Load(ctx)
	if err != nil {
		return current, err
	}
	next, err := req.apply(current)
	if err != nil {
		return current, err
	}
	if err := c.saveLocked(ctx, next); err != nil {
		return current, err
	}
	return next, nil
}

func (c *Controller) saveLocked(ctx context.Context, st settings.Settings) error {
	if err := c.store.Save(ctx, st); err != nil {
		return err
	}
	c.request(PipelineConfigFor(st))
	return nil
}

// request records cfg as the latest wanted configuration and wakes the loop.
func (c *Controller) request(cfg attach.PipelineConfig) {
	c.requested.Add(1)

	c.pendingMu.Lock()
	if c.pending != nil {
		c.coalesced.Add(1)
	}
	c.pending = &cfg
	c.pendingMu.Unlock()

	select {
	case c.wake <- struct{}{}:
	default:
	}
}

func (c *Controller) reconfigureLoop() {
	defer c.wg.Done()

	for {
		select {
		case <-c.ctx.Done():
			return
		case <-c.wake:
		}

		if err := c.limiter.Wait(c.ctx); err != nil {
			return
		}

		c.pendingMu.Lock()
		cfg := c.pending
		c.pending = nil
		c.pendingMu.Unlock()
		if cfg == nil {
			continue
		}

		if c.exec.Submit(func(m *attach.Monitor) { m.Reconfigure(cfg.DelayMs, cfg.Enabled) }) {
			c.applied.Add(1)
		}
	}
}

// Fullscreen reports a full-screen change. Entering triggers an attachment
// of the live source; leaving detaches.
func (c *Controller) Fullscreen(ctx context.Context, active bool) error {
	if !c.running.Load() {
		return ErrNotRunning
	}
	c.fullscreen.Store(active)
	if err := c.store.SaveFullscreen(ctx, active); err != nil {
		slog.Warn("control: failed to persist full-screen state", "error", err)
	}

	src := c.source
	return c.exec.Do(ctx, func(m *attach.Monitor) {
		if active {
			m.OnAttachmentTrigger(src, true)
		} else {
			m.OnDetachment()
		}
	})
}

// Play reports that the viewer started playback inline; the Monitor applies
// the autoplay heuristic.
func (c *Controller) Play(ctx context.Context) error {
	if !c.running.Load() {
		return ErrNotRunning
	}
	src := c.source
	return c.exec.Do(ctx, func(m *attach.Monitor) {
		m.OnAttachmentTrigger(src, c.fullscreen.Load())
	})
}

// Geometry records the viewer's laid-out video size and viewport.
func (c *Controller) Geometry(displayed, viewport image.Point) {
	c.source.ReportGeometry(displayed, viewport)
	if c.viewport != nil && viewport.X > 0 && viewport.Y > 0 {
		c.viewport.SetViewport(viewport)
	}
}

// Status collects a snapshot from the runner goroutine and the bus.
func (c *Controller) Status(ctx context.Context) (Status, error) {
	var st Status

	s, err := c.store.Load(ctx)
	if err != nil {
		return st, err
	}
	st.Settings = s
	st.Fullscreen = c.fullscreen.Load()

	var ms attach.MonitorStats
	if err := c.exec.Do(ctx, func(m *attach.Monitor) { ms = m.Stats() }); err != nil {
		return st, err
	}
	st.Armed = ms.Armed
	st.State = ms.State.String()
	st.Attached = ms.Attached
	st.Monitor = MonitorCounters{
		Reconfigures:  ms.Reconfigures,
		Triggers:      ms.Triggers,
		Starts:        ms.Starts,
		AutoplayStart: ms.AutoplayStart,
		Declined:      ms.Declined,
		Detachments:   ms.Detachments,
		AutoplayExits: ms.AutoplayExits,
	}

	bs := c.bus.Stats()
	st.Frames = FrameCounters{
		Published:   bs.TotalPublished,
		Sent:        bs.TotalSent,
		Dropped:     bs.TotalDropped,
		DropRate:    framebus.CalculateDropRate(bs),
		Subscribers: len(bs.Subscribers),
	}
	st.Control = ControlCounters{
		Requested: c.requested.Load(),
		Applied:   c.applied.Load(),
		Coalesced: c.coalesced.Load(),
	}

	if c.extra != nil {
		st.Extra = c.extra()
	}
	return st, nil
}
