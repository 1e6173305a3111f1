package main

import (
	"bytes"
	"context"
	"fmt"
	"image/jpeg"
	"image/png"
	"log/slog"
	"os"
	"path/filepath"
	"sync/atomic"

	"github.com/e7canasta/orion-delayline/modules/framebus"
)

// FrameSaver writes output frames from the bus to disk (optional feature).
//
// Frames arrive as JPEG; "jpeg" writes them verbatim and "png" re-encodes.
type FrameSaver struct {
	outputDir     string
	format        string
	every         uint64
	seen          atomic.Uint64
	framesSaved   atomic.Uint64
	framesDropped atomic.Uint64
}

// NewFrameSaver creates a frame saver writing every n-th frame to outputDir.
func NewFrameSaver(outputDir, format string, every int) (*FrameSaver, error) {
	if err := os.MkdirAll(outputDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create output directory: %w", err)
	}
	if format != "png" && format != "jpeg" {
		return nil, fmt.Errorf("unsupported format: %s (must be png or jpeg)", format)
	}
	if every < 1 {
		every = 1
	}
	return &FrameSaver{
		outputDir: outputDir,
		format:    format,
		every:     uint64(every),
	}, nil
}

// Run saves frames from the bus until ctx is cancelled.
func (fs *FrameSaver) Run(ctx context.Context, bus framebus.Bus) error {
	ch := make(chan framebus.Frame, 8)
	if err := bus.Subscribe("frame-saver", ch); err != nil {
		return fmt.Errorf("failed to subscribe frame saver: %w", err)
	}
	defer bus.Unsubscribe("frame-saver")

	for {
		select {
		case <-ctx.Done():
			return nil
		case f := <-ch:
			if fs.seen.Add(1)%fs.every != 0 {
				continue
			}
			if err := fs.SaveFrame(f); err != nil {
				slog.Warn("frame saver: failed to save frame", "seq", f.Sequence, "error", err)
			}
		}
	}
}

// SaveFrame writes one frame.
//
// Filename format: frame_{seq:06d}_{live|delayed}_{timestamp}.{ext}
// Example: frame_000042_delayed_20251105_234517.123.png
func (fs *FrameSaver) SaveFrame(f framebus.Frame) error {
	kind := "live"
	if f.Delayed {
		kind = "delayed"
	}
	filename := fmt.Sprintf("frame_%06d_%s_%s.%s",
		f.Sequence,
		kind,
		f.Timestamp.Format("20060102_150405.000"),
		fs.format)
	path := filepath.Join(fs.outputDir, filename)

	data := f.JPEG
	if fs.format == "png" {
		img, err := jpeg.Decode(bytes.NewReader(f.JPEG))
		if err != nil {
			fs.framesDropped.Add(1)
			return fmt.Errorf("JPEG decode failed: %w", err)
		}
		var buf bytes.Buffer
		if err := png.Encode(&buf, img); err != nil {
			fs.framesDropped.Add(1)
			return fmt.Errorf("PNG encode failed: %w", err)
		}
		data = buf.Bytes()
	}

	if err := os.WriteFile(path, data, 0644); err != nil {
		fs.framesDropped.Add(1)
		return fmt.Errorf("failed to write file: %w", err)
	}

	fs.framesSaved.Add(1)
	return nil
}

// Stats returns current save statistics.
func (fs *FrameSaver) Stats() (saved, dropped uint64) {
	return fs.framesSaved.Load(), fs.framesDropped.Load()
}
