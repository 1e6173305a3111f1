package compositor

import (
	"image"
	"image/color"
	"image/draw"

	xdraw "golang.org/x/image/draw"
	"golang.org/x/image/font"
	"golang.org/x/image/font/basicfont"
	"golang.org/x/image/math/f64"
	"golang.org/x/image/math/fixed"

	"github.com/e7canasta/orion-delayline/modules/captions"
)

const (
	// glyph cell of basicfont.Face7x13
	cellHeight = 13
	ascent     = 11

	linePadX = 4
	linePadY = 2

	// italicShear is the horizontal offset per pixel of height
	italicShear = 0.2

	// linesPerFrame sets the caption scale: about this many lines fit the frame
	linesPerFrame = 16
)

var (
	captionBand = color.RGBA{0, 0, 0, 170}
	captionText = image.White
)

// captionScale returns the integer upscale of the 7x13 face for a frame.
func captionScale(frame image.Rectangle) int {
	k := frame.Dy() / (cellHeight * linesPerFrame)
	if k < 1 {
		k = 1
	}
	return k
}

// renderCaptions draws lines bottom-aligned and centered in frame, each on
// its own translucent band.
func renderCaptions(dst *image.RGBA, lines [][]captions.Segment, frame image.Rectangle) {
	if len(lines) == 0 || frame.Empty() {
		return
	}

	k := captionScale(frame)
	margin := frame.Dy() / 20

	rendered := make([]*image.RGBA, 0, len(lines))
	total := 0
	for _, line := range lines {
		img := renderLine(line)
		if img == nil {
			continue
		}
		rendered = append(rendered, img)
		total += img.Rect.Dy() * k
	}

	y := frame.Max.Y - margin - total
	for _, img := range rendered {
		w, h := img.Rect.Dx()*k, img.Rect.Dy()*k
		x := frame.Min.X + (frame.Dx()-w)/2
		dr := image.Rect(x, y, x+w, y+h)
		if dr.Overlaps(dst.Rect) {
			xdraw.NearestNeighbor.Scale(dst, dr, img, img.Rect, draw.Over, nil)
		}
		y += h
	}
}

// renderLine draws one caption line at 1x on its band. Returns nil for a
// line with no visible text.
func renderLine(line []captions.Segment) *image.RGBA {
	face := basicfont.Face7x13

	width := 0
	for _, seg := range line {
		width += font.MeasureString(face, seg.Text).Ceil()
		if seg.Styles.Bold {
			width++
		}
	}
	if width == 0 {
		return nil
	}

	img := image.NewRGBA(image.Rect(0, 0, width+2*linePadX, cellHeight+2*linePadY))
	draw.Draw(img, img.Rect, image.NewUniform(captionBand), image.Point{}, draw.Src)

	x := linePadX
	baseline := linePadY + ascent
	for _, seg := range line {
		if seg.Text == "" {
			continue
		}
		run := renderRun(seg)
		dr := image.Rect(x, linePadY, x+run.Rect.Dx(), linePadY+run.Rect.Dy())
		if seg.Styles.Italic {
			shearInto(img, run, x)
		} else {
			draw.Draw(img, dr, run, image.Point{}, draw.Over)
		}
		if seg.Styles.Underline {
			ul := image.Rect(x, baseline+1, x+run.Rect.Dx(), baseline+2)
			draw.Draw(img, ul, captionText, image.Point{}, draw.Over)
		}
		x += run.Rect.Dx()
	}
	return img
}

// renderRun draws one styled run on a transparent background. Bold is a
// one-pixel double strike.
func renderRun(seg captions.Segment) *image.RGBA {
	face := basicfont.Face7x13
	w := font.MeasureString(face, seg.Text).Ceil()
	if seg.Styles.Bold {
		w++
	}

	run := image.NewRGBA(image.Rect(0, 0, w, cellHeight))
	d := &font.Drawer{
		Dst:  run,
		Src:  captionText,
		Face: face,
		Dot:  fixed.Point26_6{X: 0, Y: fixed.I(ascent)},
	}
	d.DrawString(seg.Text)
	if seg.Styles.Bold {
		d.Dot = fixed.Point26_6{X: fixed.I(1), Y: fixed.I(ascent)}
		d.DrawString(seg.Text)
	}
	return run
}

// shearInto draws run slanted right at x on dst: the top row moves right by
// italicShear·height, the baseline stays put.
func shearInto(dst, run *image.RGBA, x int) {
	h := float64(run.Rect.Dy())
	m := f64.Aff3{
		1, -italicShear, float64(x) + italicShear*h,
		0, 1, float64(linePadY),
	}
	xdraw.ApproxBiLinear.Transform(dst, m, run, run.Rect, draw.Over, nil)
}
