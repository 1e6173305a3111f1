// Package livesource adapts decoded stream frames into a playback.Source.
//
// Frames arrive on the capture goroutine through a single-slot mailbox:
// Publish never blocks and a newer frame replaces one nobody has copied yet.
// The playback goroutine copies the latest frame out on its own schedule.
// Displayed size and presentation are whatever the viewer last reported.
package livesource

import (
	"context"
	"errors"
	"fmt"
	"image"
	"sync"
	"sync/atomic"
	"time"

	"github.com/e7canasta/orion-delayline/modules/playback"
	"github.com/e7canasta/orion-delayline/modules/streamcapture"
)

var (
	// ErrNoFrame is returned by CopyInto before the first frame arrives.
	ErrNoFrame = errors.New("livesource: no frame available")

	// ErrSizeMismatch is returned when the destination does not match the
	// frame's intrinsic size (the stream changed size mid-session).
	ErrSizeMismatch = errors.New("livesource: destination size mismatch")
)

// Stats is a snapshot of mailbox counters.
type Stats struct {
	Published uint64
	// Overwritten counts frames replaced before anyone copied them
	Overwritten uint64
	Copies      uint64
	Ready       bool
	Intrinsic   image.Point
	Displayed   image.Point
}

// Source is a live video element backed by a frame mailbox.
//
// Safe for concurrent use.
type Source struct {
	mu     sync.Mutex
	cond   *sync.Cond
	latest *streamcapture.Frame
	// unconsumed is true until the latest frame has been copied once
	unconsumed bool

	displayed image.Point
	viewport  image.Point
	pres      playback.Presentation

	published   atomic.Uint64
	overwritten atomic.Uint64
	copies      atomic.Uint64
}

var _ playback.Source = (*Source)(nil)

// New creates a source whose element is laid out at size until the viewer
// reports otherwise.
func New(size image.Point) *Source {
	s := &Source{
		displayed: size,
		pres:      playback.Presentation{Size: size, Opacity: 1},
	}
	s.cond = sync.NewCond(&s.mu)
	return s
}

// Publish hands a new frame to the mailbox. Never blocks.
//
// The frame's Data must not be modified after Publish.
func (s *Source) Publish(frame *streamcapture.Frame) {
	if frame == nil {
		return
	}

	s.mu.Lock()
	if s.unconsumed {
		s.overwritten.Add(1)
	}
	s.latest = frame
	s.unconsumed = true
	s.cond.Broadcast()
	s.mu.Unlock()

	s.published.Add(1)
}

// Pump publishes every frame from frames until the channel closes or ctx
// ends.
func (s *Source) Pump(ctx context.Context, frames <-chan streamcapture.Frame) {
	for {
		select {
		case <-ctx.Done():
			return
		case f, ok := <-frames:
			if !ok {
				return
			}
			s.Publish(&f)
		}
	}
}

// WaitReady blocks until the first frame arrives or ctx ends.
func (s *Source) WaitReady(ctx context.Context) error {
	stop := context.AfterFunc(ctx, func() {
		s.mu.Lock()
		s.cond.Broadcast()
		s.mu.Unlock()
	})
	defer stop()

	s.mu.Lock()
	defer s.mu.Unlock()
	for s.latest == nil {
		if err := ctx.Err(); err != nil {
			return err
		}
		s.cond.Wait()
	}
	return nil
}

// Latest returns the newest frame, or nil before the first one.
func (s *Source) Latest() *streamcapture.Frame {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.latest
}

// Position returns the presentation timestamp of the newest frame, or 0.
func (s *Source) Position() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.latest == nil || s.latest.PTS < 0 {
		return 0
	}
	return s.latest.PTS
}

// Ready reports whether a frame has arrived.
func (s *Source) Ready() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.latest != nil
}

// IntrinsicSize returns the size of the newest frame.
func (s *Source) IntrinsicSize() image.Point {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.latest == nil {
		return image.Point{}
	}
	return image.Pt(s.latest.Width, s.latest.Height)
}

// CopyInto converts the newest frame from RGB into dst, which must match its
// size exactly.
func (s *Source) CopyInto(dst *image.RGBA) error {
	s.mu.Lock()
	f := s.latest
	s.unconsumed = false
	s.mu.Unlock()

	if f == nil {
		return ErrNoFrame
	}
	if dst.Rect.Dx() != f.Width || dst.Rect.Dy() != f.Height {
		return fmt.Errorf("%w: frame %dx%d, buffer %v", ErrSizeMismatch, f.Width, f.Height, dst.Rect.Size())
	}
	if err := RGBToRGBA(dst, f.Data, f.Width, f.Height); err != nil {
		return err
	}
	s.copies.Add(1)
	return nil
}

// RGBToRGBA expands packed RGB pixels into dst, setting alpha to opaque.
func RGBToRGBA(dst *image.RGBA, rgb []byte, width, height int) error {
	if len(rgb) < width*height*3 {
		return fmt.Errorf("livesource: short frame: %d bytes for %dx%d", len(rgb), width, height)
	}
	for y := 0; y < height; y++ {
		src := rgb[y*width*3 : (y+1)*width*3]
		row := dst.Pix[y*dst.Stride : y*dst.Stride+width*4]
		for x, j := 0, 0; x < width*3; x, j = x+3, j+4 {
			row[j] = src[x]
			row[j+1] = src[x+1]
			row[j+2] = src[x+2]
			row[j+3] = 0xff
		}
	}
	return nil
}

// ReportGeometry records the element's on-screen size as measured by the
// viewer, along with the viewport it was measured in (zero keeps the last
// known viewport).
//
// The laid-out size follows the reports only while the element is neither
// covered nor filling the viewport, so it keeps the inline size an autoplay
// session shrinks back to.
func (s *Source) ReportGeometry(displayed, viewport image.Point) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.displayed = displayed
	if viewport.X > 0 && viewport.Y > 0 {
		s.viewport = viewport
	}
	if s.coveredLocked() || fills(displayed, s.viewport) {
		return
	}
	s.pres.Size = displayed
}

// fills reports whether displayed covers viewport in both dimensions,
// within one pixel. An unknown viewport is never filled.
func fills(displayed, viewport image.Point) bool {
	if viewport.X <= 0 || viewport.Y <= 0 {
		return false
	}
	return displayed.X >= viewport.X-1 && displayed.Y >= viewport.Y-1
}

func (s *Source) coveredLocked() bool {
	return s.pres.Hidden || s.pres.Opacity < 1
}

// DisplayedSize returns the last reported on-screen size.
func (s *Source) DisplayedSize() image.Point {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.displayed
}

// Presentation returns the element's current presentation.
func (s *Source) Presentation() playback.Presentation {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pres
}

// SetPresentation replaces the element's presentation.
func (s *Source) SetPresentation(p playback.Presentation) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pres = p
}

// Covered reports whether a delayed session is hiding the live element.
func (s *Source) Covered() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.coveredLocked()
}

// Stats returns mailbox counters.
func (s *Source) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := Stats{
		Published:   s.published.Load(),
		Overwritten: s.overwritten.Load(),
		Copies:      s.copies.Load(),
		Ready:       s.latest != nil,
		Displayed:   s.displayed,
	}
	if s.latest != nil {
		st.Intrinsic = image.Pt(s.latest.Width, s.latest.Height)
	}
	return st
}
