package main

import (
	"image"
	"log/slog"

	"github.com/e7canasta/orion-delayline/modules/livesource"
	"github.com/e7canasta/orion-delayline/modules/streamcapture"
)

// frameSource yields the newest live frame.
type frameSource interface {
	Latest() *streamcapture.Frame
}

// frameRenderer receives undelayed output. *compositor.Compositor implements it.
type frameRenderer interface {
	RenderPassthrough(img *image.RGBA)
}

// passthrough forwards live frames to the output while no session runs.
// Render is the runner's idle hook and runs on the runner goroutine.
type passthrough struct {
	source   frameSource
	renderer frameRenderer

	buf     *image.RGBA
	lastSeq uint64
	started bool
}

func newPassthrough(source frameSource, renderer frameRenderer) *passthrough {
	return &passthrough{source: source, renderer: renderer}
}

// Render converts and publishes the newest frame once.
func (p *passthrough) Render() {
	f := p.source.Latest()
	if f == nil {
		return
	}
	if p.started && f.Seq == p.lastSeq {
		return
	}

	if p.buf == nil || p.buf.Rect.Dx() != f.Width || p.buf.Rect.Dy() != f.Height {
		p.buf = image.NewRGBA(image.Rect(0, 0, f.Width, f.Height))
	}
	if err := livesource.RGBToRGBA(p.buf, f.Data, f.Width, f.Height); err != nil {
		slog.Debug("passthrough: dropping frame", "seq", f.Seq, "error", err)
		return
	}

	p.started = true
	p.lastSeq = f.Seq
	p.renderer.RenderPassthrough(p.buf)
}
