package main

import (
	"image"
	"testing"

	"github.com/e7canasta/orion-delayline/modules/streamcapture"
)

type stubSource struct{ frame *streamcapture.Frame }

func (s *stubSource) Latest() *streamcapture.Frame { return s.frame }

type countingRenderer struct {
	renders int
	last    image.Point
	pixel   [4]uint8
}

func (r *countingRenderer) RenderPassthrough(img *image.RGBA) {
	r.renders++
	r.last = img.Rect.Size()
	copy(r.pixel[:], img.Pix[:4])
}

func rgbFrame(seq uint64, w, h int) *streamcapture.Frame {
	data := make([]byte, w*h*3)
	for i := 0; i < len(data); i += 3 {
		data[i], data[i+1], data[i+2] = 10, 20, 30
	}
	return &streamcapture.Frame{Seq: seq, Width: w, Height: h, Data: data}
}

func TestPassthroughRendersEachFrameOnce(t *testing.T) {
	src := &stubSource{}
	r := &countingRenderer{}
	p := newPassthrough(src, r)

	p.Render()
	if r.renders != 0 {
		t.Fatal("rendered without a frame")
	}

	src.frame = rgbFrame(0, 4, 2)
	p.Render()
	p.Render()
	if r.renders != 1 {
		t.Fatalf("expected one render for one frame, got %d", r.renders)
	}
	if r.last != image.Pt(4, 2) {
		t.Errorf("unexpected size %v", r.last)
	}
	if r.pixel != [4]uint8{10, 20, 30, 255} {
		t.Errorf("unexpected first pixel %v", r.pixel)
	}

	src.frame = rgbFrame(1, 8, 4)
	p.Render()
	if r.renders != 2 || r.last != image.Pt(8, 4) {
		t.Errorf("new frame not rendered at its size: renders=%d size=%v", r.renders, r.last)
	}
}

func TestPassthroughSkipsShortFrames(t *testing.T) {
	f := rgbFrame(3, 4, 4)
	f.Data = f.Data[:10]
	r := &countingRenderer{}
	newPassthrough(&stubSource{frame: f}, r).Render()
	if r.renders != 0 {
		t.Error("short frame was rendered")
	}
}
