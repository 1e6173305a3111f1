package attach

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
)

// fakeDriver counts ticks and polls from the runner goroutine.
type fakeDriver struct {
	active atomic.Bool
	ticks  atomic.Int64
	polls  atomic.Int64
}

func (d *fakeDriver) Tick()        { d.ticks.Add(1) }
func (d *fakeDriver) Poll()        { d.polls.Add(1) }
func (d *fakeDriver) Active() bool { return d.active.Load() }

// eventually polls cond for up to a second.
func eventually(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func startRunner(t *testing.T, cfg RunnerConfig) *Runner {
	t.Helper()
	r, err := NewRunner(cfg)
	if err != nil {
		t.Fatalf("NewRunner: %v", err)
	}
	if err := r.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	t.Cleanup(func() { r.Stop() })

	// A completed Do proves the loop created its tickers
	if err := r.Do(context.Background(), func(*Monitor) {}); err != nil {
		t.Fatalf("Do: %v", err)
	}
	return r
}

func TestNewRunnerValidation(t *testing.T) {
	m := newTestMonitor(&fakeSession{})
	d := &fakeDriver{}

	tests := []struct {
		name    string
		cfg     RunnerConfig
		wantErr bool
	}{
		{"valid defaults", RunnerConfig{Monitor: m, Driver: d}, false},
		{"missing monitor", RunnerConfig{Driver: d}, true},
		{"missing driver", RunnerConfig{Monitor: m}, true},
		{"negative refresh", RunnerConfig{Monitor: m, Driver: d, RefreshHz: -1}, true},
		{"absurd refresh", RunnerConfig{Monitor: m, Driver: d, RefreshHz: 1000}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewRunner(tt.cfg)
			if (err != nil) != tt.wantErr {
				t.Errorf("NewRunner() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestRunnerDoBeforeStart(t *testing.T) {
	r, err := NewRunner(RunnerConfig{Monitor: newTestMonitor(&fakeSession{}), Driver: &fakeDriver{}})
	if err != nil {
		t.Fatal(err)
	}
	if err := r.Do(context.Background(), func(*Monitor) {}); !errors.Is(err, ErrNotRunning) {
		t.Errorf("expected ErrNotRunning, got %v", err)
	}
	if err := r.Stop(); err != nil {
		t.Errorf("stop of a never-started runner: %v", err)
	}
}

func TestRunnerDoReachesMonitor(t *testing.T) {
	m := newTestMonitor(&fakeSession{})
	r := startRunner(t, RunnerConfig{Monitor: m, Driver: &fakeDriver{}, Clock: clock.NewMock()})

	var armed bool
	err := r.Do(context.Background(), func(m *Monitor) {
		m.Reconfigure(1200, true)
		armed = m.Armed()
	})
	if err != nil {
		t.Fatalf("Do: %v", err)
	}
	if !armed {
		t.Error("reconfigure through the runner did not arm")
	}

	done := make(chan struct{})
	if !r.Submit(func(m *Monitor) { close(done) }) {
		t.Fatal("submit rejected")
	}
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("submitted event never ran")
	}
}

func TestRunnerTicksDriverOrIdle(t *testing.T) {
	clk := clock.NewMock()
	d := &fakeDriver{}
	var idle atomic.Int64

	r := startRunner(t, RunnerConfig{
		Monitor: newTestMonitor(&fakeSession{}),
		Driver:  d,
		Clock:   clk,
		Idle:    func() { idle.Add(1) },
	})

	clk.Add(20 * time.Millisecond)
	eventually(t, "idle tick", func() bool { return idle.Load() > 0 })
	if d.ticks.Load() != 0 {
		t.Error("inactive driver was ticked")
	}

	d.active.Store(true)
	clk.Add(20 * time.Millisecond)
	eventually(t, "driver tick", func() bool { return d.ticks.Load() > 0 })

	clk.Add(100 * time.Millisecond)
	eventually(t, "poll", func() bool { return d.polls.Load() > 0 })

	if st := r.Stats(); st.Ticks == 0 || !st.Running {
		t.Errorf("unexpected stats %+v", st)
	}
}

func TestRunnerStopDetachesSession(t *testing.T) {
	s := &fakeSession{}
	m := newTestMonitor(s)
	r := startRunner(t, RunnerConfig{Monitor: m, Driver: &fakeDriver{}, Clock: clock.NewMock()})

	r.Do(context.Background(), func(m *Monitor) {
		m.Reconfigure(1000, true)
		m.OnAttachmentTrigger(&fakeSource{}, true)
	})

	if err := r.Stop(); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if s.active {
		t.Error("runner shutdown left the session active")
	}
	if err := r.Stop(); err != nil {
		t.Errorf("second Stop: %v", err)
	}
	if err := r.Do(context.Background(), func(*Monitor) {}); !errors.Is(err, ErrNotRunning) {
		t.Errorf("expected ErrNotRunning after stop, got %v", err)
	}
}

func TestRunnerPostDropsWhenFull(t *testing.T) {
	r, err := NewRunner(RunnerConfig{
		Monitor:   newTestMonitor(&fakeSession{}),
		Driver:    &fakeDriver{},
		QueueSize: 2,
	})
	if err != nil {
		t.Fatal(err)
	}

	// Not started: nothing drains the queue
	r.Post(func() {})
	r.Post(func() {})
	if r.Post(func() {}) {
		t.Error("post accepted beyond queue capacity")
	}
	if r.Stats().Dropped != 1 {
		t.Errorf("expected 1 dropped event, got %d", r.Stats().Dropped)
	}
}
