// Package compositor renders delayed playback into JPEG frames on a framebus.
//
// A Compositor is the playback.Display: it owns an RGBA canvas sized to the
// viewport times the device pixel ratio. Each session gets one Surface with
// a frame layer and a caption overlay; Flush composes both, encodes JPEG and
// publishes the result. Outside a session the live frame is published
// directly through RenderPassthrough.
package compositor

import (
	"bytes"
	"errors"
	"fmt"
	"image"
	"image/draw"
	"image/jpeg"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/benbjohnson/clock"
	xdraw "golang.org/x/image/draw"

	"github.com/e7canasta/orion-delayline/modules/framebus"
	"github.com/e7canasta/orion-delayline/modules/playback"
)

// FallbackSize is the fit target used when a source has no intrinsic size.
var FallbackSize = image.Pt(640, 360)

var (
	// ErrSurfaceOpen is returned by Open while another session owns the output.
	ErrSurfaceOpen = errors.New("compositor: surface already open")

	// ErrClosed is returned by Open after Close.
	ErrClosed = errors.New("compositor: closed")
)

// Config configures a Compositor.
type Config struct {
	Bus framebus.Bus

	// Viewport is the visible area in pre-DPR pixels
	Viewport image.Point
	// DPR is the device pixel ratio (default 1, max 4)
	DPR float64
	// JPEGQuality is 1-100 (default 80)
	JPEGQuality int

	// State labels published frames (optional)
	State func() playback.State
	Clock clock.Clock
}

// Stats is a snapshot of compositor counters.
type Stats struct {
	Viewport     image.Point
	Canvas       image.Point
	SurfaceOpen  bool
	Opened       uint64
	Rejected     uint64
	Published    uint64
	Passthrough  uint64
	CleanFlushes uint64
	CaptionDraws uint64
	EncodeErrors uint64
	LastJPEGSize int
}

// Compositor implements playback.Display.
type Compositor struct {
	bus     framebus.Bus
	dpr     float64
	quality int
	state   func() playback.State
	clock   clock.Clock

	mu       sync.Mutex
	viewport image.Point
	surface  *Surface
	closed   bool

	seq    uint64
	encBuf bytes.Buffer
	pass   *image.RGBA

	opened       atomic.Uint64
	rejected     atomic.Uint64
	published    atomic.Uint64
	passthrough  atomic.Uint64
	cleanFlushes atomic.Uint64
	captionDraws atomic.Uint64
	encodeErrors atomic.Uint64
	lastJPEGSize atomic.Int64
}

var _ playback.Display = (*Compositor)(nil)

// New validates cfg and creates a compositor.
func New(cfg Config) (*Compositor, error) {
	if cfg.Bus == nil {
		return nil, fmt.Errorf("compositor: frame bus is required")
	}
	if cfg.Viewport.X <= 0 || cfg.Viewport.Y <= 0 {
		return nil, fmt.Errorf("compositor: invalid viewport %v", cfg.Viewport)
	}
	if cfg.DPR == 0 {
		cfg.DPR = 1
	}
	if cfg.DPR < 0 || cfg.DPR > 4 {
		return nil, fmt.Errorf("compositor: invalid device pixel ratio %.2f", cfg.DPR)
	}
	if cfg.JPEGQuality == 0 {
		cfg.JPEGQuality = 80
	}
	if cfg.JPEGQuality < 1 || cfg.JPEGQuality > 100 {
		return nil, fmt.Errorf("compositor: invalid JPEG quality %d", cfg.JPEGQuality)
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.New()
	}

	return &Compositor{
		bus:      cfg.Bus,
		dpr:      cfg.DPR,
		quality:  cfg.JPEGQuality,
		state:    cfg.State,
		clock:    cfg.Clock,
		viewport: cfg.Viewport,
	}, nil
}

// Viewport returns the visible area in pre-DPR pixels.
func (c *Compositor) Viewport() image.Point {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.viewport
}

// SetViewport records a viewer resize. An open surface keeps its canvas
// until the next session.
func (c *Compositor) SetViewport(p image.Point) {
	if p.X <= 0 || p.Y <= 0 {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.viewport = p
}

// canvasSize is the viewport in device pixels.
func (c *Compositor) canvasSize() image.Point {
	return image.Pt(int(float64(c.viewport.X)*c.dpr), int(float64(c.viewport.Y)*c.dpr))
}

// Open creates the single output surface for a session. The canvas starts
// black so something is shown before the first frame.
func (c *Compositor) Open(intrinsic image.Point) (playback.Surface, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		c.rejected.Add(1)
		return nil, ErrClosed
	}
	if c.surface != nil {
		c.rejected.Add(1)
		return nil, ErrSurfaceOpen
	}

	size := c.canvasSize()
	s := newSurface(c, size, intrinsic)
	c.surface = s
	c.opened.Add(1)

	slog.Debug("compositor: surface opened",
		"canvas", size,
		"intrinsic", intrinsic,
		"frame_rect", s.rect,
	)
	return s, nil
}

func (c *Compositor) release(s *Surface) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.surface == s {
		c.surface = nil
	}
}

// RenderPassthrough publishes img, scaled to fit, as an undelayed frame.
// Ignored while a session owns the output.
func (c *Compositor) RenderPassthrough(img *image.RGBA) {
	if img == nil {
		return
	}

	c.mu.Lock()
	busy := c.surface != nil || c.closed
	size := c.canvasSize()
	c.mu.Unlock()
	if busy {
		return
	}

	if c.pass == nil || c.pass.Rect.Size() != size {
		c.pass = image.NewRGBA(image.Rectangle{Max: size})
	}
	draw.Draw(c.pass, c.pass.Rect, image.Black, image.Point{}, draw.Src)
	rect := FitRect(img.Rect.Size(), size)
	xdraw.ApproxBiLinear.Scale(c.pass, rect, img, img.Rect, draw.Src, nil)

	if c.publish(c.pass, false) {
		c.passthrough.Add(1)
	}
}

// publish encodes img and hands it to the bus. Runs on the runner goroutine.
func (c *Compositor) publish(img *image.RGBA, delayed bool) bool {
	c.encBuf.Reset()
	if err := jpeg.Encode(&c.encBuf, img, &jpeg.Options{Quality: c.quality}); err != nil {
		c.encodeErrors.Add(1)
		slog.Warn("compositor: JPEG encode failed", "error", err)
		return false
	}

	data := make([]byte, c.encBuf.Len())
	copy(data, c.encBuf.Bytes())

	state := playback.Stopped
	if c.state != nil {
		state = c.state()
	}

	c.seq++
	c.bus.Publish(framebus.Frame{
		JPEG:      data,
		Width:     img.Rect.Dx(),
		Height:    img.Rect.Dy(),
		Sequence:  c.seq,
		Timestamp: c.clock.Now(),
		Delayed:   delayed,
		State:     state.String(),
	})
	c.published.Add(1)
	c.lastJPEGSize.Store(int64(len(data)))
	return true
}

// Close rejects further surfaces. The open surface, if any, stays usable
// until its session closes it.
func (c *Compositor) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
}

// Stats returns compositor counters. Safe from any goroutine.
func (c *Compositor) Stats() Stats {
	c.mu.Lock()
	viewport, canvas, open := c.viewport, c.canvasSize(), c.surface != nil
	c.mu.Unlock()

	return Stats{
		Viewport:     viewport,
		Canvas:       canvas,
		SurfaceOpen:  open,
		Opened:       c.opened.Load(),
		Rejected:     c.rejected.Load(),
		Published:    c.published.Load(),
		Passthrough:  c.passthrough.Load(),
		CleanFlushes: c.cleanFlushes.Load(),
		CaptionDraws: c.captionDraws.Load(),
		EncodeErrors: c.encodeErrors.Load(),
		LastJPEGSize: int(c.lastJPEGSize.Load()),
	}
}

// FitRect scales intrinsic to fit inside canvas preserving aspect ratio and
// centers it. An unknown intrinsic size fits FallbackSize instead.
func FitRect(intrinsic, canvas image.Point) image.Rectangle {
	if canvas.X <= 0 || canvas.Y <= 0 {
		return image.Rectangle{}
	}
	if intrinsic.X <= 0 || intrinsic.Y <= 0 {
		intrinsic = FallbackSize
	}

	w, h := canvas.X, canvas.X*intrinsic.Y/intrinsic.X
	if h > canvas.Y {
		w, h = canvas.Y*intrinsic.X/intrinsic.Y, canvas.Y
	}

	x := (canvas.X - w) / 2
	y := (canvas.Y - h) / 2
	return image.Rect(x, y, x+w, y+h)
}
