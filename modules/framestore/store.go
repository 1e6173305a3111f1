package framestore

import (
	"math"
	"time"
)

// Store is the ordered frame buffer of one playback session.
//
// Frames are kept oldest-first in capture order. The buffer owns one
// reference per frame; the on-screen handle owns another, so a frame evicted
// while displayed stays valid until the next Present supersedes it.
//
// Not safe for concurrent use: the session goroutine owns it.
type Store struct {
	frames   []*Frame
	onScreen *Frame

	appended uint64
	expired  uint64
	overflow uint64
	drained  uint64
}

// StoreStats is a snapshot of buffer counters.
type StoreStats struct {
	Len      int
	Appended uint64
	Expired  uint64
	Overflow uint64
	Drained  uint64
	// OnScreenSeq is the Seq of the frame currently on screen (0 if none)
	OnScreenSeq uint64
}

// NewStore creates an empty store.
func NewStore() *Store {
	return &Store{}
}

// MaxSize returns ceil(delay / interval × 1.5), the overflow bound for a
// delay window at the given capture interval. Never below 1.
func MaxSize(delay, interval time.Duration) int {
	if interval <= 0 || delay <= 0 {
		return 1
	}
	n := int(math.Ceil(float64(delay) / float64(interval) * 1.5))
	if n < 1 {
		return 1
	}
	return n
}

// Append pushes f to the tail. The store takes over the caller's reference.
func (s *Store) Append(f *Frame) {
	if f == nil {
		return
	}
	s.frames = append(s.frames, f)
	s.appended++
}

// EvictExpired releases every head frame older than delay and returns how
// many were removed. Stops at the first frame still inside the window.
func (s *Store) EvictExpired(now time.Time, delay time.Duration) int {
	n := 0
	for n < len(s.frames) && now.Sub(s.frames[n].CapturedAt) > delay {
		n++
	}
	s.popHead(n)
	s.expired += uint64(n)
	return n
}

// EvictOverflow releases head frames until Len() <= maxSize.
func (s *Store) EvictOverflow(maxSize int) int {
	if maxSize < 0 {
		maxSize = 0
	}
	n := len(s.frames) - maxSize
	if n <= 0 {
		return 0
	}
	s.popHead(n)
	s.overflow += uint64(n)
	return n
}

// SelectForDisplay returns the head frame once the delay window has
// elapsed since start, nil before that or when the buffer is empty.
// The returned frame is still owned by the store; call Present to hold it.
func (s *Store) SelectForDisplay(now, start time.Time, delay time.Duration) *Frame {
	if now.Sub(start) < delay || len(s.frames) == 0 {
		return nil
	}
	return s.frames[0]
}

// Present moves the last-rendered handle to f.
//
// f gains a reference and the previous on-screen frame loses one. Presenting
// the frame already on screen is a no-op.
func (s *Store) Present(f *Frame) {
	if f == s.onScreen {
		return
	}
	prev := s.onScreen
	s.onScreen = f.Retain()
	prev.Release()
}

// OnScreen returns the frame currently held by the last-rendered handle.
func (s *Store) OnScreen() *Frame {
	return s.onScreen
}

// Drain releases every buffered frame and the on-screen handle.
// Returns the number of buffered frames released.
func (s *Store) Drain() int {
	n := len(s.frames)
	s.popHead(n)
	s.drained += uint64(n)

	s.onScreen.Release()
	s.onScreen = nil
	return n
}

// Len returns the number of buffered frames.
func (s *Store) Len() int {
	return len(s.frames)
}

// Head returns the oldest buffered frame, or nil.
func (s *Store) Head() *Frame {
	if len(s.frames) == 0 {
		return nil
	}
	return s.frames[0]
}

// Stats returns buffer counters.
func (s *Store) Stats() StoreStats {
	st := StoreStats{
		Len:      len(s.frames),
		Appended: s.appended,
		Expired:  s.expired,
		Overflow: s.overflow,
		Drained:  s.drained,
	}
	if s.onScreen != nil {
		st.OnScreenSeq = s.onScreen.Seq
	}
	return st
}

func (s *Store) popHead(n int) {
	if n <= 0 {
		return
	}
	for i := 0; i < n; i++ {
		s.frames[i].Release()
		s.frames[i] = nil
	}
	s.frames = s.frames[n:]

	// Compact once the dead prefix dominates so the backing array doesn't grow
	if len(s.frames) == 0 {
		s.frames = s.frames[:0:0]
	} else if cap(s.frames) > 4*len(s.frames)+64 {
		s.frames = append([]*Frame(nil), s.frames...)
	}
}
