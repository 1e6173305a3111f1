package control

import (
	"context"
	"errors"
	"image"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/e7canasta/orion-delayline/modules/attach"
	"github.com/e7canasta/orion-delayline/modules/framebus"
	"github.com/e7canasta/orion-delayline/modules/playback"
	"github.com/e7canasta/orion-delayline/modules/settings"
)

// syncExecutor runs events inline under a lock, standing in for the runner.
type syncExecutor struct {
	mu sync.Mutex
	m  *attach.Monitor
}

func (e *syncExecutor) Do(_ context.Context, fn func(m *attach.Monitor)) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	fn(e.m)
	return nil
}

func (e *syncExecutor) Submit(fn func(m *attach.Monitor)) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	fn(e.m)
	return true
}

func (e *syncExecutor) config() attach.PipelineConfig {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.m.Config()
}

// fakeSession records starts and stops.
type fakeSession struct {
	active   bool
	starts   int
	autoplay bool
	src      playback.Source
}

func (s *fakeSession) Start(src playback.Source, _ time.Duration, autoplay bool) bool {
	s.active, s.autoplay, s.src = true, autoplay, src
	s.starts++
	return true
}
func (s *fakeSession) Stop()        { s.active = false }
func (s *fakeSession) Active() bool { return s.active }
func (s *fakeSession) State() playback.State {
	if s.active {
		return playback.Warming
	}
	return playback.Stopped
}

// fakeSource is a live source whose geometry the viewer reports.
type fakeSource struct {
	mu        sync.Mutex
	displayed image.Point
}

func (s *fakeSource) Ready() bool                           { return true }
func (s *fakeSource) IntrinsicSize() image.Point            { return image.Pt(16, 9) }
func (s *fakeSource) CopyInto(*image.RGBA) error            { return nil }
func (s *fakeSource) Presentation() playback.Presentation   { return playback.Presentation{Opacity: 1} }
func (s *fakeSource) SetPresentation(playback.Presentation) {}
func (s *fakeSource) DisplayedSize() image.Point {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.displayed
}
func (s *fakeSource) ReportGeometry(p, _ image.Point) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.displayed = p
}

type fakeViewport struct {
	mu sync.Mutex
	p  image.Point
}

func (v *fakeViewport) SetViewport(p image.Point) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.p = p
}

func (v *fakeViewport) get() image.Point {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.p
}

var testViewport = image.Pt(1280, 720)

type fixture struct {
	c        *Controller
	exec     *syncExecutor
	session  *fakeSession
	source   *fakeSource
	viewport *fakeViewport
	store    *settings.Store
	bus      framebus.Bus
}

func newFixture(t *testing.T, rateHz float64) *fixture {
	t.Helper()

	store, err := settings.Open(filepath.Join(t.TempDir(), "settings.db"))
	if err != nil {
		t.Fatalf("settings.Open: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	bus := framebus.New()
	t.Cleanup(bus.Close)

	f := &fixture{
		session:  &fakeSession{},
		source:   &fakeSource{},
		viewport: &fakeViewport{},
		store:    store,
		bus:      bus,
	}
	f.exec = &syncExecutor{m: attach.NewMonitor(f.session, attach.Options{
		Viewport: func() image.Point { return testViewport },
	})}

	c, err := New(Config{
		Executor:        f.exec,
		Store:           store,
		Source:          f.source,
		Viewport:        f.viewport,
		Bus:             bus,
		ReconfigureRate: rateHz,
		Extra:           func() map[string]any { return map[string]any{"source": "test"} },
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	f.c = c
	return f
}

func (f *fixture) start(t *testing.T) {
	t.Helper()
	if err := f.c.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	t.Cleanup(func() { f.c.Stop() })
}

// eventually polls cond for up to two seconds.
func eventually(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestPipelineConfigFor(t *testing.T) {
	tests := []struct {
		in   settings.Settings
		want attach.PipelineConfig
	}{
		{settings.Settings{DelayMs: 1000, Enabled: true, Mode: settings.ModeVideo}, attach.PipelineConfig{DelayMs: 1000, Enabled: true}},
		{settings.Settings{DelayMs: 1000, Enabled: true, Mode: settings.ModeAudio}, attach.PipelineConfig{DelayMs: 1000, Enabled: false}},
		{settings.Settings{DelayMs: 1000, Enabled: false, Mode: settings.ModeVideo}, attach.PipelineConfig{DelayMs: 1000, Enabled: false}},
		{settings.Default(), attach.PipelineConfig{}},
	}
	for _, tt := range tests {
		if got := PipelineConfigFor(tt.in); got != tt.want {
			t.Errorf("PipelineConfigFor(%+v) = %+v, want %+v", tt.in, got, tt.want)
		}
	}
}

func TestNewValidation(t *testing.T) {
	f := newFixture(t, 0)

	tests := []struct {
		name string
		cfg  Config
	}{
		{"no executor", Config{Store: f.store, Source: f.source, Bus: f.bus}},
		{"no store", Config{Executor: f.exec, Source: f.source, Bus: f.bus}},
		{"no source", Config{Executor: f.exec, Store: f.store, Bus: f.bus}},
		{"no bus", Config{Executor: f.exec, Store: f.store, Source: f.source}},
		{"negative rate", Config{Executor: f.exec, Store: f.store, Source: f.source, Bus: f.bus, ReconfigureRate: -1}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := New(tt.cfg); err == nil {
				t.Error("expected an error")
			}
		})
	}
}

func TestStartAppliesPersistedSettings(t *testing.T) {
	f := newFixture(t, 0)
	if err := f.store.Save(context.Background(), settings.Settings{DelayMs: 1200, Enabled: true, Mode: settings.ModeVideo}); err != nil {
		t.Fatal(err)
	}

	f.start(t)
	eventually(t, "persisted config applied", func() bool {
		return f.exec.config() == attach.PipelineConfig{DelayMs: 1200, Enabled: true}
	})

	if err := f.c.Start(context.Background()); err == nil {
		t.Error("second Start succeeded")
	}
}

func TestSetDelay(t *testing.T) {
	f := newFixture(t, 0)
	ctx := context.Background()

	if err := f.c.SetDelay(ctx, settings.Settings{DelayMs: 500, Enabled: true}); !errors.Is(err, ErrNotRunning) {
		t.Fatalf("SetDelay before Start: %v", err)
	}

	f.start(t)

	if err := f.c.SetDelay(ctx, settings.Settings{DelayMs: 800, Enabled: true, Mode: settings.ModeVideo}); err != nil {
		t.Fatalf("SetDelay: %v", err)
	}
	eventually(t, "reconfigure", func() bool {
		return f.exec.config() == attach.PipelineConfig{DelayMs: 800, Enabled: true}
	})
	if got, _ := f.store.Load(ctx); got.DelayMs != 800 || !got.Enabled {
		t.Errorf("settings not persisted: %+v", got)
	}

	err := f.c.SetDelay(ctx, settings.Settings{DelayMs: settings.MaxDelayMs + 1, Enabled: true})
	if !errors.Is(err, settings.ErrInvalid) {
		t.Errorf("expected ErrInvalid, got %v", err)
	}
	if got, _ := f.store.Load(ctx); got.DelayMs != 800 {
		t.Errorf("invalid settings persisted: %+v", got)
	}
}

func TestConcurrentPartialUpdatesAllLand(t *testing.T) {
	f := newFixture(t, 0)
	f.start(t)
	ctx := context.Background()

	delay := uint(1500)
	enabled := true
	mode := "audio"
	reqs := []SettingsRequest{{Delay: &delay}, {Enabled: &enabled}, {Mode: &mode}}

	for round := 0; round < 20; round++ {
		if err := f.c.SetDelay(ctx, settings.Default()); err != nil {
			t.Fatal(err)
		}

		var wg sync.WaitGroup
		errs := make(chan error, len(reqs))
		for _, req := range reqs {
			wg.Add(1)
			go func(req SettingsRequest) {
				defer wg.Done()
				if _, err := f.c.UpdateSettings(ctx, req); err != nil {
					errs <- err
				}
			}(req)
		}
		wg.Wait()
		close(errs)
		for err := range errs {
			t.Fatalf("UpdateSettings: %v", err)
		}

		got, err := f.store.Load(ctx)
		if err != nil {
			t.Fatal(err)
		}
		want := settings.Settings{DelayMs: 1500, Enabled: true, Mode: settings.ModeAudio}
		if got != want {
			t.Fatalf("round %d: lost an update, got %+v want %+v", round, got, want)
		}
	}
}

func TestUpdateSettingsRejectsInvalid(t *testing.T) {
	f := newFixture(t, 0)
	ctx := context.Background()

	delay := uint(300)
	if _, err := f.c.UpdateSettings(ctx, SettingsRequest{Delay: &delay}); !errors.Is(err, ErrNotRunning) {
		t.Fatalf("UpdateSettings before Start: %v", err)
	}
	f.start(t)

	bad := "hologram"
	if _, err := f.c.UpdateSettings(ctx, SettingsRequest{Delay: &delay, Mode: &bad}); !errors.Is(err, settings.ErrInvalid) {
		t.Errorf("expected ErrInvalid, got %v", err)
	}
	if got, _ := f.store.Load(ctx); got.DelayMs != 0 {
		t.Errorf("rejected update persisted: %+v", got)
	}
}

func TestReconfigureCoalesces(t *testing.T) {
	f := newFixture(t, 5)
	f.start(t)
	ctx := context.Background()

	for i := 1; i <= 10; i++ {
		if err := f.c.SetDelay(ctx, settings.Settings{DelayMs: uint(i * 100), Enabled: true, Mode: settings.ModeVideo}); err != nil {
			t.Fatal(err)
		}
	}

	eventually(t, "latest value applied", func() bool {
		return f.exec.config().DelayMs == 1000
	})

	st, err := f.c.Status(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if st.Control.Requested != 11 {
		t.Errorf("requested = %d, want 11", st.Control.Requested)
	}
	if st.Control.Applied >= st.Control.Requested || st.Control.Coalesced == 0 {
		t.Errorf("burst was not coalesced: %+v", st.Control)
	}
}

func TestFullscreenAttachesAndDetaches(t *testing.T) {
	f := newFixture(t, 0)
	ctx := context.Background()
	f.start(t)

	if err := f.c.SetDelay(ctx, settings.Settings{DelayMs: 1000, Enabled: true, Mode: settings.ModeVideo}); err != nil {
		t.Fatal(err)
	}
	eventually(t, "armed", func() bool { return f.exec.config().Enabled })

	if err := f.c.Fullscreen(ctx, true); err != nil {
		t.Fatalf("Fullscreen(true): %v", err)
	}
	if !f.session.active || f.session.autoplay || f.session.src != f.source {
		t.Fatalf("full-screen entry did not start a normal session: %+v", f.session)
	}
	if fs, _ := f.store.Fullscreen(ctx); !fs {
		t.Error("full-screen state not persisted")
	}

	if err := f.c.Fullscreen(ctx, false); err != nil {
		t.Fatalf("Fullscreen(false): %v", err)
	}
	if f.session.active {
		t.Error("full-screen exit did not stop the session")
	}
}

func TestPlayUsesAutoplayHeuristic(t *testing.T) {
	f := newFixture(t, 0)
	ctx := context.Background()
	f.start(t)

	if err := f.c.SetDelay(ctx, settings.Settings{DelayMs: 1000, Enabled: true, Mode: settings.ModeVideo}); err != nil {
		t.Fatal(err)
	}
	eventually(t, "armed", func() bool { return f.exec.config().Enabled })

	f.c.Geometry(image.Pt(640, 360), testViewport)
	if err := f.c.Play(ctx); err != nil {
		t.Fatal(err)
	}
	if f.session.starts != 0 {
		t.Fatal("inline play started a session")
	}

	f.c.Geometry(testViewport, testViewport)
	if err := f.c.Play(ctx); err != nil {
		t.Fatal(err)
	}
	if f.session.starts != 1 || !f.session.autoplay {
		t.Errorf("full-bleed play did not start an autoplay session: %+v", f.session)
	}
}

func TestAudioModeNeverArms(t *testing.T) {
	f := newFixture(t, 0)
	ctx := context.Background()
	f.start(t)

	if err := f.c.SetDelay(ctx, settings.Settings{DelayMs: 1000, Enabled: true, Mode: settings.ModeAudio}); err != nil {
		t.Fatal(err)
	}
	eventually(t, "reconfigure", func() bool { return f.exec.config().DelayMs == 1000 })

	f.c.Fullscreen(ctx, true)
	if f.session.starts != 0 {
		t.Error("audio mode started a video session")
	}
}

func TestGeometry(t *testing.T) {
	f := newFixture(t, 0)

	f.c.Geometry(image.Pt(800, 450), image.Pt(1920, 1080))
	if f.source.DisplayedSize() != image.Pt(800, 450) {
		t.Errorf("displayed size = %v", f.source.DisplayedSize())
	}
	if f.viewport.get() != image.Pt(1920, 1080) {
		t.Errorf("viewport = %v", f.viewport.get())
	}

	f.c.Geometry(image.Pt(10, 10), image.Point{})
	if f.viewport.get() != image.Pt(1920, 1080) {
		t.Error("empty viewport overwrote the last one")
	}
}

func TestStatus(t *testing.T) {
	f := newFixture(t, 0)
	ctx := context.Background()
	f.start(t)

	f.bus.Publish(framebus.Frame{JPEG: []byte{1}})
	st, err := f.c.Status(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if st.State != "stopped" || st.Settings != settings.Default() {
		t.Errorf("unexpected status %+v", st)
	}
	if st.Frames.Published != 1 {
		t.Errorf("frames published = %d", st.Frames.Published)
	}
	if st.Extra["source"] != "test" {
		t.Errorf("extra status missing: %v", st.Extra)
	}

	cfg, err := f.c.Reload()
	if err != nil || cfg != (attach.PipelineConfig{}) {
		t.Errorf("Reload() = %+v, %v", cfg, err)
	}
}
