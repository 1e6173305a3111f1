package framestore

import (
	"image"
	"sync"
	"sync/atomic"
)

// maxFreePerSize bounds the idle buffers kept per image size.
const maxFreePerSize = 32

// Pool recycles RGBA pixel buffers and accounts for every buffer handed out.
//
// Outstanding reaching zero after a session stop is the leak check used by
// tests and the stats display.
type Pool struct {
	mu   sync.Mutex
	free map[image.Point][]*image.RGBA

	allocated      atomic.Uint64
	reused         atomic.Uint64
	returned       atomic.Uint64
	doubleReleases atomic.Uint64
}

// PoolStats is a snapshot of pool counters.
type PoolStats struct {
	// Allocated is the number of buffers created
	Allocated uint64
	// Reused is the number of Get calls served from the free list
	Reused uint64
	// Outstanding is the number of buffers handed out and not yet returned
	Outstanding uint64
	// DoubleReleases counts Release calls past the last reference
	DoubleReleases uint64
}

// NewPool creates an empty pool.
func NewPool() *Pool {
	return &Pool{free: make(map[image.Point][]*image.RGBA)}
}

// Get returns a w×h buffer, reusing an idle one when available.
// Pixel contents of a reused buffer are unspecified.
func (p *Pool) Get(w, h int) *image.RGBA {
	size := image.Pt(w, h)

	p.mu.Lock()
	list := p.free[size]
	if n := len(list); n > 0 {
		img := list[n-1]
		p.free[size] = list[:n-1]
		p.mu.Unlock()
		p.reused.Add(1)
		return img
	}
	p.mu.Unlock()

	p.allocated.Add(1)
	return image.NewRGBA(image.Rect(0, 0, w, h))
}

func (p *Pool) put(img *image.RGBA) {
	if img == nil {
		return
	}
	p.returned.Add(1)

	size := img.Rect.Size()
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.free[size]) < maxFreePerSize {
		p.free[size] = append(p.free[size], img)
	}
}

// Stats returns current pool counters.
func (p *Pool) Stats() PoolStats {
	allocated := p.allocated.Load()
	reused := p.reused.Load()
	returned := p.returned.Load()

	var outstanding uint64
	if handed := allocated + reused; handed > returned {
		outstanding = handed - returned
	}

	return PoolStats{
		Allocated:      allocated,
		Reused:         reused,
		Outstanding:    outstanding,
		DoubleReleases: p.doubleReleases.Load(),
	}
}
