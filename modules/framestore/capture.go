package framestore

import (
	"fmt"
	"image"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

// Source is the capture-facing side of a live visual source.
type Source interface {
	// Ready reports whether enough decoded data exists to capture
	Ready() bool
	// IntrinsicSize returns the natural pixel size of the source
	IntrinsicSize() image.Point
	// CopyInto draws the current source image into dst (same size as IntrinsicSize)
	CopyInto(dst *image.RGBA) error
}

// Capturer produces pool-backed Frames from a Source.
type Capturer struct {
	pool *Pool

	seq      atomic.Uint64
	captured atomic.Uint64
	notReady atomic.Uint64
	failures atomic.Uint64
}

// CaptureStats is a snapshot of capture counters.
type CaptureStats struct {
	Captured uint64
	NotReady uint64
	Failures uint64
}

// NewCapturer creates a capturer drawing buffers from pool.
func NewCapturer(pool *Pool) *Capturer {
	if pool == nil {
		pool = NewPool()
	}
	return &Capturer{pool: pool}
}

// Capture snapshots src at time now.
//
// Returns (nil, nil) when the source is not ready, which is a normal outcome.
// Returns (nil, err) on a transient copy failure; the buffer is returned to
// the pool and the caller should retry on the next tick.
func (c *Capturer) Capture(src Source, now time.Time) (*Frame, error) {
	if src == nil || !src.Ready() {
		c.notReady.Add(1)
		return nil, nil
	}

	size := src.IntrinsicSize()
	if size.X <= 0 || size.Y <= 0 {
		c.notReady.Add(1)
		return nil, nil
	}

	img := c.pool.Get(size.X, size.Y)
	if err := src.CopyInto(img); err != nil {
		c.pool.put(img)
		c.failures.Add(1)
		return nil, fmt.Errorf("framestore: capture failed: %w", err)
	}

	f := &Frame{
		Image:      img,
		CapturedAt: now,
		Seq:        c.seq.Add(1),
		TraceID:    uuid.New().String(),
		pool:       c.pool,
	}
	f.refs.Store(1)
	c.captured.Add(1)

	return f, nil
}

// Pool returns the backing pool.
func (c *Capturer) Pool() *Pool {
	return c.pool
}

// Stats returns capture counters.
func (c *Capturer) Stats() CaptureStats {
	return CaptureStats{
		Captured: c.captured.Load(),
		NotReady: c.notReady.Load(),
		Failures: c.failures.Load(),
	}
}
