package compositor

import (
	"image"
	"image/draw"
	"reflect"

	xdraw "golang.org/x/image/draw"

	"github.com/e7canasta/orion-delayline/modules/captions"
	"github.com/e7canasta/orion-delayline/modules/playback"
)

// Surface is one session's output. Not safe for concurrent use; the session
// drives it from the runner goroutine.
type Surface struct {
	c *Compositor

	canvas  *image.RGBA // frame layer
	overlay *image.RGBA // caption layer, transparent where empty
	out     *image.RGBA // composed frame handed to the encoder
	rect    image.Rectangle

	lines       [][]captions.Segment
	linesRect   image.Rectangle
	hasCaptions bool

	dirty  bool
	closed bool
}

var _ playback.Surface = (*Surface)(nil)

func newSurface(c *Compositor, size, intrinsic image.Point) *Surface {
	bounds := image.Rectangle{Max: size}
	s := &Surface{
		c:       c,
		canvas:  image.NewRGBA(bounds),
		overlay: image.NewRGBA(bounds),
		out:     image.NewRGBA(bounds),
		rect:    FitRect(intrinsic, size),
		dirty:   true,
	}
	draw.Draw(s.canvas, bounds, image.Black, image.Point{}, draw.Src)
	return s
}

// DrawFrame scales img into the fitted rectangle and returns it.
func (s *Surface) DrawFrame(img *image.RGBA) image.Rectangle {
	if s.closed || img == nil {
		return s.rect
	}

	if rect := FitRect(img.Rect.Size(), s.canvas.Rect.Size()); rect != s.rect {
		draw.Draw(s.canvas, s.canvas.Rect, image.Black, image.Point{}, draw.Src)
		s.rect = rect
	}
	xdraw.ApproxBiLinear.Scale(s.canvas, s.rect, img, img.Rect, draw.Src, nil)
	s.dirty = true
	return s.rect
}

// DrawCaptions renders lines at the bottom of frame. Redrawing the same
// lines into the same rectangle is a no-op.
func (s *Surface) DrawCaptions(lines [][]captions.Segment, frame image.Rectangle) {
	if s.closed {
		return
	}
	if s.hasCaptions && frame == s.linesRect && reflect.DeepEqual(lines, s.lines) {
		return
	}

	clearImage(s.overlay)
	renderCaptions(s.overlay, lines, frame)

	s.lines = lines
	s.linesRect = frame
	s.hasCaptions = true
	s.dirty = true
	s.c.captionDraws.Add(1)
}

// ClearCaptions empties the caption layer.
func (s *Surface) ClearCaptions() {
	if s.closed || !s.hasCaptions {
		return
	}
	clearImage(s.overlay)
	s.lines = nil
	s.hasCaptions = false
	s.dirty = true
}

// Flush composes both layers and publishes a delayed frame if anything
// changed since the last flush.
func (s *Surface) Flush() {
	if s.closed {
		return
	}
	if !s.dirty {
		s.c.cleanFlushes.Add(1)
		return
	}

	copy(s.out.Pix, s.canvas.Pix)
	if s.hasCaptions {
		draw.Draw(s.out, s.out.Rect, s.overlay, image.Point{}, draw.Over)
	}
	if s.c.publish(s.out, true) {
		s.dirty = false
	}
}

// Close releases the surface. Idempotent.
func (s *Surface) Close() {
	if s.closed {
		return
	}
	s.closed = true
	s.c.release(s)
}

// FrameRect returns where frames are drawn on the canvas.
func (s *Surface) FrameRect() image.Rectangle {
	return s.rect
}

func clearImage(img *image.RGBA) {
	for i := range img.Pix {
		img.Pix[i] = 0
	}
}
