package pipeline

import (
	"log/slog"
	"strings"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/tinyzimmer/go-gst/gst"
	"github.com/tinyzimmer/go-gst/gst/app"
)

// Frame is the internal frame type handed from the appsink callback to the
// parent package.
type Frame struct {
	Seq       uint64
	Timestamp time.Time
	PTS       time.Duration // -1 when the buffer carries no timestamp
	Width     int
	Height    int
	Data      []byte
	TraceID   string
}

// CallbackContext holds state needed by GStreamer callbacks
type CallbackContext struct {
	FrameChan     chan<- Frame
	FrameCounter  *uint64 // atomic, also the sequence source
	BytesRead     *uint64
	FramesDropped *uint64
	Width         int
	Height        int
}

// OnNewSample copies the newest appsink sample into a Frame and sends it
// without blocking. A bad sample is skipped, never fatal.
func OnNewSample(sink *app.Sink, ctx *CallbackContext) gst.FlowReturn {
	sample := sink.PullSample()
	if sample == nil {
		slog.Warn("pipeline: failed to pull sample, skipping frame")
		return gst.FlowOK
	}

	buffer := sample.GetBuffer()
	if buffer == nil {
		slog.Warn("pipeline: sample without buffer, skipping frame")
		return gst.FlowOK
	}

	mapInfo := buffer.Map(gst.MapRead)
	data := mapInfo.Bytes()
	if len(data) == 0 {
		buffer.Unmap()
		slog.Warn("pipeline: empty buffer received")
		return gst.FlowOK
	}
	if want := ctx.Width * ctx.Height * 3; len(data) < want {
		buffer.Unmap()
		slog.Warn("pipeline: short buffer, skipping frame", "bytes", len(data), "want", want)
		return gst.FlowOK
	}

	frameData := make([]byte, len(data))
	copy(frameData, data)
	buffer.Unmap()

	seq := atomic.AddUint64(ctx.FrameCounter, 1)
	atomic.AddUint64(ctx.BytesRead, uint64(len(frameData)))

	frame := Frame{
		Seq:       seq,
		Timestamp: time.Now(),
		PTS:       normalizePTS(int64(buffer.PresentationTimestamp())),
		Width:     ctx.Width,
		Height:    ctx.Height,
		Data:      frameData,
		TraceID:   uuid.New().String(),
	}

	select {
	case ctx.FrameChan <- frame:
	default:
		atomic.AddUint64(ctx.FramesDropped, 1)
		slog.Debug("pipeline: dropping frame, channel full",
			"seq", frame.Seq,
			"trace_id", frame.TraceID,
		)
	}

	return gst.FlowOK
}

// normalizePTS maps GST_CLOCK_TIME_NONE (and anything negative) to -1.
func normalizePTS(pts int64) time.Duration {
	if pts < 0 {
		return -1
	}
	return time.Duration(pts)
}

// OnPadAdded links a dynamic source pad to the sink pad of sinkElement.
//
// rtspsrc exposes one pad per RTP stream; uridecodebin one per decoded
// stream. Only the first video pad is linked, audio pads are left alone.
func OnPadAdded(srcPad *gst.Pad, sinkElement *gst.Element) {
	name := srcPad.GetName()

	if kind := padMediaKind(srcPad); kind != "" && !acceptsMedia(kind) {
		slog.Debug("pipeline: ignoring non-video pad", "pad", name, "media", kind)
		return
	}

	sinkPad := sinkElement.GetStaticPad("sink")
	if sinkPad == nil {
		slog.Error("pipeline: failed to get sink pad", "element", sinkElement.GetName())
		return
	}
	if sinkPad.IsLinked() {
		slog.Debug("pipeline: sink already linked, ignoring pad", "pad", name)
		return
	}

	if ret := srcPad.Link(sinkPad); ret != gst.PadLinkOK {
		slog.Error("pipeline: failed to link pads",
			"src_pad", name,
			"sink_pad", sinkPad.GetName(),
			"ret", ret,
		)
		return
	}

	slog.Debug("pipeline: pads linked", "src_pad", name, "sink_pad", sinkPad.GetName())
}

// padMediaKind returns the caps structure name of pad ("video/x-raw",
// "application/x-rtp", ...) or "" when caps are not negotiated yet.
func padMediaKind(pad *gst.Pad) string {
	caps := pad.GetCurrentCaps()
	if caps == nil || caps.GetSize() == 0 {
		return ""
	}
	st := caps.GetStructureAt(0)
	if st == nil {
		return ""
	}
	if st.Name() == "application/x-rtp" {
		if media, err := st.GetValue("media"); err == nil {
			if s, ok := media.(string); ok {
				return s
			}
		}
	}
	return st.Name()
}

func acceptsMedia(kind string) bool {
	return kind == "video" || strings.HasPrefix(kind, "video/") || kind == "application/x-rtp"
}
