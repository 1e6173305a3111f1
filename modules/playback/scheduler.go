package playback

import (
	"image"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/e7canasta/orion-delayline/modules/cadence"
	"github.com/e7canasta/orion-delayline/modules/captions"
	"github.com/e7canasta/orion-delayline/modules/framestore"
)

// PollInterval is the period of the discovery / geometry channel.
const PollInterval = 100 * time.Millisecond

// Options configures a Scheduler.
type Options struct {
	// Clock is the monotonic time source (default: real clock)
	Clock clock.Clock

	// Pool backs captured frames (default: a private pool)
	Pool *framestore.Pool

	// Captions locates caption containers; nil means no captions
	Captions captions.Locator
	Criteria captions.Criteria

	// Post runs f on the goroutine that drives Tick. Caption release timers
	// use it to render on release. When nil, releases are only counted and
	// picked up by the next Tick.
	Post func(f func())

	// OnAutoplayExit is called after a heuristic-autoplay session stopped
	// itself because the source shrank back to its original size.
	OnAutoplayExit func()
}

// Stats is a snapshot of scheduler counters.
type Stats struct {
	State    State
	Autoplay bool
	Delay    time.Duration
	Sessions uint64

	FrameInterval time.Duration
	DetectedRate  float64
	Buffered      int

	Ticks           uint64
	Captured        uint64
	CaptureFailures uint64
	Expired         uint64
	Overflow        uint64
	FramesDrawn     uint64

	CaptionsAttached  bool
	CaptionsScheduled uint64
	CaptionTimerFires uint64
	CaptionRenders    uint64

	Pool framestore.PoolStats
}

// Scheduler runs delayed-playback sessions against one Display.
type Scheduler struct {
	display Display
	opts    Options
	clock   clock.Clock

	state atomic.Int32
	gen   atomic.Uint64

	// Session state (nil / zero while Stopped)
	src         Source
	surface     Surface
	store       *framestore.Store
	capturer    *framestore.Capturer
	queue       *captions.Queue
	extractor   *captions.Extractor
	detector    *cadence.Detector
	delay       time.Duration
	autoplay    bool
	startTime   time.Time
	lastCapture time.Time
	captured    bool
	placeholder *framestore.Frame
	frameRect   image.Rectangle
	original    Presentation

	tmu     sync.Mutex
	timers  map[uint64]*clock.Timer
	timerID uint64

	sessions        uint64
	ticks           uint64
	captureFailures uint64
	framesDrawn     uint64
	captionRenders  uint64
	timerFires      atomic.Uint64
}

// NewScheduler creates a stopped scheduler drawing into display.
func NewScheduler(display Display, opts Options) *Scheduler {
	if opts.Clock == nil {
		opts.Clock = clock.New()
	}
	if opts.Pool == nil {
		opts.Pool = framestore.NewPool()
	}
	return &Scheduler{
		display: display,
		opts:    opts,
		clock:   opts.Clock,
		timers:  make(map[uint64]*clock.Timer),
	}
}

// State returns the current lifecycle state. Safe from any goroutine.
func (s *Scheduler) State() State {
	return State(s.state.Load())
}

// Active reports whether a session is Warming or Delayed.
func (s *Scheduler) Active() bool {
	return s.State() != Stopped
}

// Start begins a session delaying src by delay.
//
// Returns false, leaving the source untouched, when a session is already
// running, src is nil, or the display cannot open a surface (the source
// keeps playing live).
func (s *Scheduler) Start(src Source, delay time.Duration, autoplay bool) bool {
	if s.Active() || src == nil || delay <= 0 {
		return false
	}

	surface, err := s.display.Open(src.IntrinsicSize())
	if err != nil {
		slog.Warn("playback: render surface unavailable, staying in passthrough",
			"error", err,
		)
		return false
	}

	now := s.clock.Now()

	s.src = src
	s.surface = surface
	s.store = framestore.NewStore()
	s.capturer = framestore.NewCapturer(s.opts.Pool)
	s.queue = captions.NewQueue()
	s.extractor = captions.NewExtractor(s.opts.Captions, s.opts.Criteria)
	s.detector = cadence.NewDetector(now)
	s.delay = delay
	s.autoplay = autoplay
	s.startTime = now
	s.lastCapture = time.Time{}
	s.captured = false
	s.frameRect = image.Rectangle{}

	s.original = src.Presentation()
	covered := s.original
	covered.Opacity = 0
	covered.Hidden = true
	src.SetPresentation(covered)

	s.gen.Add(1)
	s.sessions++
	s.state.Store(int32(Warming))

	slog.Info("playback: session started",
		"delay", delay,
		"autoplay", autoplay,
		"original_size", s.original.Size,
	)
	return true
}

// Tick runs one refresh step: pace capture, evict, select, present, and
// render captions. No-op while Stopped.
func (s *Scheduler) Tick() {
	if !s.Active() {
		return
	}
	now := s.clock.Now()
	s.ticks++

	s.detector.Observe(now)
	interval := s.detector.FrameInterval()

	drawn := false
	if !s.captured || now.Sub(s.lastCapture) >= interval {
		drawn = s.captureFrame(now, interval)
	}

	if f := s.store.SelectForDisplay(now, s.startTime, s.delay); f != nil {
		if s.State() == Warming {
			s.state.Store(int32(Delayed))
			slog.Info("playback: delay window filled",
				"buffered", s.store.Len(),
				"interval", interval,
			)
		}
		s.store.Present(f)
		s.drawFrame(f)
	} else if !drawn && s.placeholder != nil {
		s.drawFrame(s.placeholder)
	}

	s.pollCaptions(now)
	s.renderCaptions(now)

	s.surface.Flush()
}

// captureFrame captures, appends and evicts. Returns true when it drew the
// session's first frame as the placeholder.
func (s *Scheduler) captureFrame(now time.Time, interval time.Duration) bool {
	f, err := s.capturer.Capture(s.src, now)
	if err != nil {
		s.captureFailures++
		slog.Debug("playback: capture dropped", "error", err)
		return false
	}
	if f == nil {
		return false
	}

	s.lastCapture = now
	first := !s.captured
	s.captured = true

	s.store.Append(f)
	s.store.EvictExpired(now, s.delay)
	s.store.EvictOverflow(framestore.MaxSize(s.delay, interval))

	if first {
		s.placeholder = f.Retain()
		s.drawFrame(s.placeholder)
		return true
	}
	return false
}

func (s *Scheduler) drawFrame(f *framestore.Frame) {
	if f == nil || f.Image == nil {
		return
	}
	s.frameRect = s.surface.DrawFrame(f.Image)
	s.framesDrawn++
}

// pollCaptions schedules changed caption snapshots and arms one release
// timer per snapshot.
func (s *Scheduler) pollCaptions(now time.Time) {
	if !s.extractor.Attached() {
		return
	}
	snap, changed := s.extractor.Poll(now)
	if !changed {
		return
	}
	s.queue.Schedule(now, snap, s.delay)
	s.armReleaseTimer()
}

func (s *Scheduler) armReleaseTimer() {
	gen := s.gen.Load()

	s.tmu.Lock()
	defer s.tmu.Unlock()

	s.timerID++
	id := s.timerID
	s.timers[id] = s.clock.AfterFunc(s.delay, func() {
		s.timerFires.Add(1)
		s.forgetTimer(id)
		if s.opts.Post != nil {
			s.opts.Post(func() { s.onCaptionRelease(gen) })
		}
	})
}

func (s *Scheduler) forgetTimer(id uint64) {
	s.tmu.Lock()
	delete(s.timers, id)
	s.tmu.Unlock()
}

// onCaptionRelease renders and publishes the released snapshot over the
// frame on screen without waiting for the next tick. Stale releases from a
// stopped session are ignored.
func (s *Scheduler) onCaptionRelease(gen uint64) {
	if gen != s.gen.Load() || s.State() != Delayed {
		return
	}
	s.renderCaptions(s.clock.Now())
	s.surface.Flush()
}

func (s *Scheduler) renderCaptions(now time.Time) {
	if s.State() != Delayed {
		s.surface.ClearCaptions()
		return
	}

	before := s.queue.Stats().Released
	snap, ok := s.queue.Current(now)
	if s.queue.Stats().Released != before {
		s.captionRenders++
	}

	if !ok || snap.Empty() {
		s.surface.ClearCaptions()
		return
	}
	s.surface.DrawCaptions(snap.Lines(), s.frameRect)
}

// Poll runs the slow channel: caption discovery until found and, for
// heuristic-autoplay sessions, the geometry exit check.
func (s *Scheduler) Poll() {
	if !s.Active() {
		return
	}

	if !s.extractor.Attached() {
		s.extractor.Discover()
	}

	if !s.autoplay {
		return
	}
	displayed := s.src.DisplayedSize()
	if !AutoplayExited(displayed, s.original.Size, s.display.Viewport()) {
		return
	}

	slog.Info("playback: source left autoplay geometry",
		"displayed", displayed,
		"original", s.original.Size,
	)
	s.Stop()
	if s.opts.OnAutoplayExit != nil {
		s.opts.OnAutoplayExit()
	}
}

// AutoplayExited reports whether the displayed width is strictly closer to
// the original width than to the viewport width.
func AutoplayExited(displayed, original, viewport image.Point) bool {
	return absInt(displayed.X-original.X) < absInt(displayed.X-viewport.X)
}

func absInt(v int) int {
	if v < 0 {
		return -v
	}
	return v
}

// Stop ends the session and releases every resource it holds.
// Safe in any state; calling it twice is the same as calling it once.
func (s *Scheduler) Stop() {
	if !s.Active() {
		return
	}

	// Timers first: nothing scheduled may observe partial teardown
	s.gen.Add(1)
	s.tmu.Lock()
	for id, t := range s.timers {
		t.Stop()
		delete(s.timers, id)
	}
	s.tmu.Unlock()

	released := s.store.Drain()
	s.placeholder.Release()
	s.placeholder = nil

	s.queue.Reset()
	s.extractor.Restore()

	s.src.SetPresentation(s.original)
	s.surface.ClearCaptions()
	s.surface.Close()

	s.state.Store(int32(Stopped))

	slog.Info("playback: session stopped",
		"released_frames", released,
		"captured", s.capturer.Stats().Captured,
		"outstanding_buffers", s.opts.Pool.Stats().Outstanding,
	)

	s.src = nil
	s.surface = nil
}

// PendingTimers returns the number of armed caption release timers.
func (s *Scheduler) PendingTimers() int {
	s.tmu.Lock()
	defer s.tmu.Unlock()
	return len(s.timers)
}

// Stats returns a snapshot of scheduler counters. Call from the goroutine
// that drives Tick.
func (s *Scheduler) Stats() Stats {
	st := Stats{
		State:             s.State(),
		Autoplay:          s.autoplay,
		Delay:             s.delay,
		Sessions:          s.sessions,
		FrameInterval:     cadence.IntervalFor(cadence.DefaultRate),
		Ticks:             s.ticks,
		CaptureFailures:   s.captureFailures,
		FramesDrawn:       s.framesDrawn,
		CaptionTimerFires: s.timerFires.Load(),
		CaptionRenders:    s.captionRenders,
		Pool:              s.opts.Pool.Stats(),
	}

	if s.detector != nil {
		st.FrameInterval = s.detector.FrameInterval()
		st.DetectedRate = s.detector.Rate()
	}
	if s.store != nil {
		ss := s.store.Stats()
		st.Buffered = ss.Len
		st.Expired = ss.Expired
		st.Overflow = ss.Overflow
	}
	if s.capturer != nil {
		st.Captured = s.capturer.Stats().Captured
	}
	if s.queue != nil {
		st.CaptionsScheduled = s.queue.Stats().Scheduled
	}
	if s.extractor != nil {
		st.CaptionsAttached = s.extractor.Attached()
	}
	return st
}
