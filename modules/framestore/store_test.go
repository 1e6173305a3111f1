package framestore

import (
	"errors"
	"image"
	"testing"
	"testing/quick"
	"time"
)

// fakeSource is a solid-color Source whose readiness and failures are scripted.
type fakeSource struct {
	ready bool
	size  image.Point
	fail  error
	fill  uint8
}

func (s *fakeSource) Ready() bool                { return s.ready }
func (s *fakeSource) IntrinsicSize() image.Point { return s.size }
func (s *fakeSource) CopyInto(dst *image.RGBA) error {
	if s.fail != nil {
		return s.fail
	}
	for i := range dst.Pix {
		dst.Pix[i] = s.fill
	}
	return nil
}

func newTestSource() *fakeSource {
	return &fakeSource{ready: true, size: image.Pt(8, 6), fill: 0x7f}
}

func mustCapture(t *testing.T, c *Capturer, src Source, at time.Time) *Frame {
	t.Helper()
	f, err := c.Capture(src, at)
	if err != nil {
		t.Fatalf("capture failed: %v", err)
	}
	if f == nil {
		t.Fatal("capture returned no frame for a ready source")
	}
	return f
}

func TestCaptureNotReady(t *testing.T) {
	c := NewCapturer(NewPool())

	src := newTestSource()
	src.ready = false
	f, err := c.Capture(src, time.Unix(0, 0))
	if f != nil || err != nil {
		t.Fatalf("expected (nil, nil) for unready source, got (%v, %v)", f, err)
	}

	src.ready = true
	src.size = image.Point{}
	if f, _ := c.Capture(src, time.Unix(0, 0)); f != nil {
		t.Fatal("expected no frame for an empty intrinsic size")
	}

	if f, _ := c.Capture(nil, time.Unix(0, 0)); f != nil {
		t.Fatal("expected no frame for a nil source")
	}

	if got := c.Stats().NotReady; got != 3 {
		t.Errorf("expected 3 not-ready captures, got %d", got)
	}
	if out := c.Pool().Stats().Outstanding; out != 0 {
		t.Errorf("not-ready captures leaked %d buffers", out)
	}
}

func TestCaptureTransientFailure(t *testing.T) {
	c := NewCapturer(NewPool())
	src := newTestSource()
	src.fail = errors.New("decoder busy")

	f, err := c.Capture(src, time.Unix(0, 0))
	if f != nil {
		t.Fatal("expected no frame on copy failure")
	}
	if !errors.Is(err, src.fail) {
		t.Fatalf("expected wrapped copy error, got %v", err)
	}
	if out := c.Pool().Stats().Outstanding; out != 0 {
		t.Errorf("failed capture kept %d buffers outstanding", out)
	}

	// Next tick retries normally
	src.fail = nil
	f = mustCapture(t, c, src, time.Unix(0, 0))
	if f.Image.Pix[0] != 0x7f {
		t.Errorf("expected copied pixels, got %#x", f.Image.Pix[0])
	}
	f.Release()
}

func TestFrameRefcount(t *testing.T) {
	pool := NewPool()
	c := NewCapturer(pool)
	f := mustCapture(t, c, newTestSource(), time.Unix(0, 0))

	f.Retain()
	f.Release()
	if f.Released() {
		t.Fatal("frame released while a reference remains")
	}
	if pool.Stats().Outstanding != 1 {
		t.Fatalf("expected 1 outstanding buffer, got %d", pool.Stats().Outstanding)
	}

	f.Release()
	if !f.Released() || f.Image != nil {
		t.Fatal("last release did not free the image")
	}
	if pool.Stats().Outstanding != 0 {
		t.Errorf("expected buffer back in pool, outstanding=%d", pool.Stats().Outstanding)
	}

	f.Release()
	if got := pool.Stats().DoubleReleases; got != 1 {
		t.Errorf("expected the extra release to be counted, got %d", got)
	}
}

func TestPoolReuse(t *testing.T) {
	pool := NewPool()
	c := NewCapturer(pool)
	src := newTestSource()

	for i := 0; i < 5; i++ {
		mustCapture(t, c, src, time.Unix(int64(i), 0)).Release()
	}

	st := pool.Stats()
	if st.Allocated != 1 || st.Reused != 4 {
		t.Errorf("expected 1 allocation and 4 reuses, got %+v", st)
	}
}

// TestStoreDelayedSelection30fps: delay 2000ms, frames every 33ms from t=0.
// At t=2050 the selected frame is the oldest still inside the window, captured
// between 33 and 66 ms.
func TestStoreDelayedSelection30fps(t *testing.T) {
	pool := NewPool()
	c := NewCapturer(pool)
	src := newTestSource()
	s := NewStore()

	start := time.Unix(0, 0)
	delay := 2000 * time.Millisecond
	interval := 33 * time.Millisecond
	max := MaxSize(delay, interval)

	for at := time.Duration(0); at <= 2050*time.Millisecond; at += interval {
		now := start.Add(at)
		s.Append(mustCapture(t, c, src, now))
		s.EvictExpired(now, delay)
		s.EvictOverflow(max)

		if at < delay {
			if f := s.SelectForDisplay(now, start, delay); f != nil {
				t.Fatalf("frame selected at %v, before the delay elapsed", at)
			}
		}
	}

	now := start.Add(2050 * time.Millisecond)
	s.EvictExpired(now, delay)
	got := s.SelectForDisplay(now, start, delay)
	if got == nil {
		t.Fatal("expected a frame at t=2050ms")
	}

	capturedAt := got.CapturedAt.Sub(start)
	if capturedAt < 33*time.Millisecond || capturedAt > 66*time.Millisecond {
		t.Errorf("expected frame captured in [33ms, 66ms], got %v", capturedAt)
	}
	if got != s.Head() {
		t.Error("selection is not the oldest buffered frame")
	}

	s.Drain()
	if out := pool.Stats().Outstanding; out != 0 {
		t.Errorf("drain leaked %d buffers", out)
	}
}

// Property: after EvictExpired every remaining frame is within the delay
// window, and nothing inside the window was removed.
func TestStoreProperty_EvictExpired(t *testing.T) {
	f := func(gaps []uint8, delayRaw uint16, nowRaw uint16) bool {
		pool := NewPool()
		c := NewCapturer(pool)
		src := newTestSource()
		s := NewStore()

		start := time.Unix(0, 0)
		delay := time.Duration(delayRaw%3000) * time.Millisecond

		at := start
		for _, g := range gaps {
			at = at.Add(time.Duration(g) * time.Millisecond)
			fr, _ := c.Capture(src, at)
			s.Append(fr)
		}
		now := at.Add(time.Duration(nowRaw%4000) * time.Millisecond)

		inWindow := 0
		for _, fr := range s.frames {
			if now.Sub(fr.CapturedAt) <= delay {
				inWindow++
			}
		}

		s.EvictExpired(now, delay)

		for _, fr := range s.frames {
			if now.Sub(fr.CapturedAt) > delay {
				return false
			}
		}
		ok := s.Len() == inWindow

		s.Drain()
		return ok && pool.Stats().Outstanding == 0 && pool.Stats().DoubleReleases == 0
	}

	if err := quick.Check(f, &quick.Config{MaxCount: 300}); err != nil {
		t.Error(err)
	}
}

// Property: Len() never exceeds MaxSize after EvictOverflow.
func TestStoreProperty_OverflowBound(t *testing.T) {
	f := func(count uint8, delayRaw uint16, intervalRaw uint8) bool {
		delay := time.Duration(delayRaw%5000+1) * time.Millisecond
		interval := time.Duration(intervalRaw%100+1) * time.Millisecond
		max := MaxSize(delay, interval)

		pool := NewPool()
		c := NewCapturer(pool)
		src := newTestSource()
		s := NewStore()

		at := time.Unix(0, 0)
		for i := 0; i < int(count); i++ {
			fr, _ := c.Capture(src, at)
			s.Append(fr)
			s.EvictOverflow(max)
			if s.Len() > max {
				return false
			}
			at = at.Add(time.Millisecond)
		}

		s.Drain()
		return pool.Stats().Outstanding == 0
	}

	if err := quick.Check(f, &quick.Config{MaxCount: 300}); err != nil {
		t.Error(err)
	}
}

func TestMaxSize(t *testing.T) {
	tests := []struct {
		delay, interval time.Duration
		want            int
	}{
		{2000 * time.Millisecond, 33 * time.Millisecond, 91},
		{1000 * time.Millisecond, 40 * time.Millisecond, 38},
		{100 * time.Millisecond, 100 * time.Millisecond, 2},
		{0, 16 * time.Millisecond, 1},
		{time.Second, 0, 1},
	}
	for _, tt := range tests {
		if got := MaxSize(tt.delay, tt.interval); got != tt.want {
			t.Errorf("MaxSize(%v, %v) = %d, want %d", tt.delay, tt.interval, got, tt.want)
		}
	}
}

// TestPresentKeepsEvictedFrameAlive: a frame evicted while on screen stays
// valid until the next Present, and is then freed exactly once.
func TestPresentKeepsEvictedFrameAlive(t *testing.T) {
	pool := NewPool()
	c := NewCapturer(pool)
	src := newTestSource()
	s := NewStore()

	start := time.Unix(0, 0)
	first := mustCapture(t, c, src, start)
	second := mustCapture(t, c, src, start.Add(10*time.Millisecond))
	s.Append(first)
	s.Append(second)

	s.Present(s.SelectForDisplay(start.Add(time.Second), start, 0))
	if s.OnScreen() != first {
		t.Fatal("expected head frame on screen")
	}

	s.EvictOverflow(1)
	if first.Released() || first.Image == nil {
		t.Fatal("on-screen frame was freed by eviction")
	}

	s.Present(first)
	if first.Refs() != 1 {
		t.Errorf("re-presenting the same frame changed its refs: %d", first.Refs())
	}

	s.Present(s.Head())
	if !first.Released() {
		t.Error("superseded frame was not freed")
	}

	s.Drain()
	st := pool.Stats()
	if st.Outstanding != 0 || st.DoubleReleases != 0 {
		t.Errorf("expected clean pool after drain, got %+v", st)
	}
	if s.OnScreen() != nil {
		t.Error("drain kept the on-screen handle")
	}
}

func TestDrainIdempotent(t *testing.T) {
	pool := NewPool()
	c := NewCapturer(pool)
	s := NewStore()
	for i := 0; i < 4; i++ {
		s.Append(mustCapture(t, c, newTestSource(), time.Unix(0, int64(i))))
	}
	s.Present(s.Head())

	if n := s.Drain(); n != 4 {
		t.Errorf("expected 4 frames drained, got %d", n)
	}
	if n := s.Drain(); n != 0 {
		t.Errorf("second drain released %d frames", n)
	}

	st := pool.Stats()
	if st.Outstanding != 0 || st.DoubleReleases != 0 {
		t.Errorf("expected clean pool, got %+v", st)
	}
}
