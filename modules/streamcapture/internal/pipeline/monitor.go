package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/tinyzimmer/go-gst/gst"
)

// ErrorCounters holds atomic counters per error category.
type ErrorCounters struct {
	Network uint64
	Codec   uint64
	Auth    uint64
	Unknown uint64
}

// Count increments the counter for category.
func (c *ErrorCounters) Count(category ErrorCategory) {
	switch category {
	case ErrCategoryNetwork:
		atomic.AddUint64(&c.Network, 1)
	case ErrCategoryCodec:
		atomic.AddUint64(&c.Codec, 1)
	case ErrCategoryAuth:
		atomic.AddUint64(&c.Auth, 1)
	default:
		atomic.AddUint64(&c.Unknown, 1)
	}
}

// MonitorMetrics carries stream context for bus log lines.
type MonitorMetrics struct {
	URI        string
	Resolution string
	FrameCount *uint64
	StartedAt  time.Time
}

// MonitorBus polls the pipeline bus until ctx ends (nil), EOS
// (ErrEndOfStream) or an error message (classified and counted).
// Reaching PLAYING resets the reconnect state.
func MonitorBus(ctx context.Context, pipeline *gst.Pipeline, counters *ErrorCounters, state *ReconnectState, metrics MonitorMetrics) error {
	if pipeline == nil {
		return fmt.Errorf("pipeline not initialized")
	}

	bus := pipeline.GetPipelineBus()

	for {
		select {
		case <-ctx.Done():
			slog.Debug("pipeline: context cancelled, stopping bus monitor")
			return nil
		default:
		}

		msg := bus.TimedPop(50 * time.Millisecond)
		if msg == nil {
			continue
		}

		switch msg.Type() {
		case gst.MessageEOS:
			slog.Info("pipeline: end of stream",
				"uri", metrics.URI,
				"uptime", time.Since(metrics.StartedAt),
				"frames_processed", atomic.LoadUint64(metrics.FrameCount),
			)
			return ErrEndOfStream

		case gst.MessageError:
			gerr := msg.ParseError()
			category := ClassifyGStreamerError(gerr)
			counters.Count(category)

			slog.Error("pipeline: error",
				"error", gerr.Error(),
				"debug", gerr.DebugString(),
				"category", category.String(),
				"uri", metrics.URI,
				"resolution", metrics.Resolution,
				"uptime", time.Since(metrics.StartedAt),
				"frames_processed", atomic.LoadUint64(metrics.FrameCount),
				"reconnects", atomic.LoadUint32(state.Reconnects),
			)
			return fmt.Errorf("pipeline error [%s]: %s", category, gerr.Error())

		case gst.MessageStateChanged:
			if msg.Source() != pipeline.GetName() {
				continue
			}
			oldState, newState := msg.ParseStateChanged()
			slog.Debug("pipeline: state changed", "from", oldState, "to", newState)
			if newState == gst.StatePlaying {
				state.Reset()
			}
		}
	}
}
