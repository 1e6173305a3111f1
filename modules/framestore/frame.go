package framestore

import (
	"image"
	"log/slog"
	"sync/atomic"
	"time"
)

// Frame is an owned snapshot of the source image.
//
// OWNERSHIP CONTRACT:
//   - Capture returns a Frame holding one reference
//   - Retain adds a reference (on-screen handle, placeholder)
//   - Release drops one; the pixel buffer returns to the Pool when the last
//     reference is dropped, exactly once
//   - Image MUST NOT be read after the owner's Release
//
// Releasing more times than retained is counted in PoolStats.DoubleReleases
// and otherwise ignored.
type Frame struct {
	// Image holds the captured pixels (pool-backed)
	Image *image.RGBA

	// CapturedAt is the monotonic clock reading at capture time
	CapturedAt time.Time

	// Seq is the per-Capturer capture sequence number
	Seq uint64

	// TraceID identifies the frame across logs
	TraceID string

	refs atomic.Int32
	pool *Pool
}

// Retain adds a reference and returns the frame for chaining.
func (f *Frame) Retain() *Frame {
	if f == nil {
		return nil
	}
	f.refs.Add(1)
	return f
}

// Release drops a reference, freeing the pixel buffer on the last one.
func (f *Frame) Release() {
	if f == nil {
		return
	}

	n := f.refs.Add(-1)
	switch {
	case n == 0:
		if f.pool != nil {
			f.pool.put(f.Image)
		}
		f.Image = nil
	case n < 0:
		f.refs.Store(0)
		if f.pool != nil {
			f.pool.doubleReleases.Add(1)
		}
		slog.Warn("framestore: frame released more times than retained",
			"seq", f.Seq,
			"trace_id", f.TraceID,
		)
	}
}

// Released reports whether the pixel buffer has been returned.
func (f *Frame) Released() bool {
	return f.refs.Load() <= 0
}

// Refs returns the live reference count.
func (f *Frame) Refs() int {
	return int(f.refs.Load())
}

// Age returns how long ago the frame was captured.
func (f *Frame) Age(now time.Time) time.Duration {
	return now.Sub(f.CapturedAt)
}
