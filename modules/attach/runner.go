package attach

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/e7canasta/orion-delayline/modules/playback"
)

var (
	// ErrNotRunning is returned by Do when the runner loop is not running.
	ErrNotRunning = errors.New("attach: runner not running")

	// ErrBusy is returned when the event queue is full.
	ErrBusy = errors.New("attach: event queue full")
)

// Driver is the per-tick side of a session. *playback.Scheduler implements it.
type Driver interface {
	Tick()
	Poll()
	Active() bool
}

// RunnerConfig configures a Runner.
type RunnerConfig struct {
	Monitor *Monitor
	Driver  Driver

	// Clock drives both tickers (default: real clock)
	Clock clock.Clock

	// RefreshHz is the display refresh rate driving Tick (default 60)
	RefreshHz float64

	// PollInterval is the discovery / geometry period (default 100ms)
	PollInterval time.Duration

	// Idle runs on refresh ticks while no session is active (passthrough)
	Idle func()

	// QueueSize bounds pending events (default 64)
	QueueSize int
}

// RunnerStats is a snapshot of runner counters.
type RunnerStats struct {
	Ticks     uint64
	IdleTicks uint64
	Polls     uint64
	Events    uint64
	Dropped   uint64
	Running   bool
}

// Runner is the single goroutine that owns the Monitor and the session.
//
// Every tick, poll and posted event runs to completion before the next, so
// the Monitor, Scheduler, frame store and caption queue need no locks.
type Runner struct {
	monitor *Monitor
	driver  Driver
	clock   clock.Clock
	refresh time.Duration
	poll    time.Duration
	idle    func()
	events  chan func()

	mu      sync.Mutex // Protects ctx, cancel
	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	running atomic.Bool

	ticks     atomic.Uint64
	idleTicks atomic.Uint64
	polls     atomic.Uint64
	handled   atomic.Uint64
	dropped   atomic.Uint64
}

// NewRunner validates cfg and creates a stopped runner.
func NewRunner(cfg RunnerConfig) (*Runner, error) {
	if cfg.Monitor == nil {
		return nil, fmt.Errorf("attach: monitor is required")
	}
	if cfg.Driver == nil {
		return nil, fmt.Errorf("attach: driver is required")
	}
	if cfg.RefreshHz < 0 || cfg.RefreshHz > 240 {
		return nil, fmt.Errorf("attach: refresh rate must be between 0 and 240 Hz, got %.2f", cfg.RefreshHz)
	}
	if cfg.RefreshHz == 0 {
		cfg.RefreshHz = 60
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = playback.PollInterval
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 64
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.New()
	}

	return &Runner{
		monitor: cfg.Monitor,
		driver:  cfg.Driver,
		clock:   cfg.Clock,
		refresh: time.Duration(float64(time.Second) / cfg.RefreshHz),
		poll:    cfg.PollInterval,
		idle:    cfg.Idle,
		events:  make(chan func(), cfg.QueueSize),
	}, nil
}

// Start spawns the loop. Returns an error if already running.
func (r *Runner) Start(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.running.Load() {
		return fmt.Errorf("attach: runner already started")
	}

	r.ctx, r.cancel = context.WithCancel(ctx)
	r.running.Store(true)

	r.wg.Add(1)
	go r.loop()

	slog.Info("attach: runner started",
		"refresh", r.refresh,
		"poll", r.poll,
	)
	return nil
}

// Stop cancels the loop, stops any active session and waits up to 3 seconds.
// Idempotent.
func (r *Runner) Stop() error {
	r.mu.Lock()
	if !r.running.Load() {
		r.mu.Unlock()
		return nil
	}
	r.cancel()
	r.mu.Unlock()

	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		r.mu.Lock()
		r.running.Store(false)
		r.mu.Unlock()
		slog.Info("attach: runner stopped")
		return nil
	case <-time.After(3 * time.Second):
		return fmt.Errorf("attach: runner stop timeout")
	}
}

func (r *Runner) loop() {
	defer r.wg.Done()

	refresh := r.clock.Ticker(r.refresh)
	defer refresh.Stop()
	poll := r.clock.Ticker(r.poll)
	defer poll.Stop()

	for {
		select {
		case <-r.ctx.Done():
			r.monitor.OnDetachment()
			return

		case f := <-r.events:
			r.handled.Add(1)
			f()

		case <-refresh.C:
			r.ticks.Add(1)
			if r.driver.Active() {
				r.driver.Tick()
			} else if r.idle != nil {
				r.idleTicks.Add(1)
				r.idle()
			}

		case <-poll.C:
			r.polls.Add(1)
			r.driver.Poll()
		}
	}
}

// Post queues f to run on the runner goroutine without waiting.
// Returns false when the queue is full; the event is dropped.
func (r *Runner) Post(f func()) bool {
	select {
	case r.events <- f:
		return true
	default:
		r.dropped.Add(1)
		slog.Warn("attach: event queue full, dropping event")
		return false
	}
}

// Submit queues fn against the Monitor without waiting.
func (r *Runner) Submit(fn func(m *Monitor)) bool {
	return r.Post(func() { fn(r.monitor) })
}

// Do runs fn against the Monitor on the runner goroutine and waits for it.
func (r *Runner) Do(ctx context.Context, fn func(m *Monitor)) error {
	r.mu.Lock()
	running, loopCtx := r.running.Load(), r.ctx
	r.mu.Unlock()
	if !running {
		return ErrNotRunning
	}

	done := make(chan struct{})
	if !r.Post(func() {
		defer close(done)
		fn(r.monitor)
	}) {
		return ErrBusy
	}

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-loopCtx.Done():
		return ErrNotRunning
	}
}

// Stats returns runner counters. Safe from any goroutine.
func (r *Runner) Stats() RunnerStats {
	return RunnerStats{
		Ticks:     r.ticks.Load(),
		IdleTicks: r.idleTicks.Load(),
		Polls:     r.polls.Load(),
		Events:    r.handled.Load(),
		Dropped:   r.dropped.Load(),
		Running:   r.running.Load(),
	}
}
