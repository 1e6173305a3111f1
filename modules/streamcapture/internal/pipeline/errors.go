package pipeline

import (
	"errors"
	"strings"

	"github.com/tinyzimmer/go-gst/gst"
)

// ErrEndOfStream is returned by MonitorBus when the pipeline posts EOS.
var ErrEndOfStream = errors.New("end of stream")

// ErrorCategory classifies GStreamer errors for telemetry
type ErrorCategory int

const (
	ErrCategoryNetwork ErrorCategory = iota
	ErrCategoryCodec
	ErrCategoryAuth
	ErrCategoryUnknown
)

func (e ErrorCategory) String() string {
	switch e {
	case ErrCategoryNetwork:
		return "network"
	case ErrCategoryCodec:
		return "codec"
	case ErrCategoryAuth:
		return "auth"
	default:
		return "unknown"
	}
}

var (
	authKeywords = []string{
		"unauthorized", "401", "403", "forbidden",
		"authentication", "credentials", "password", "username",
	}
	codecKeywords = []string{
		"codec", "decode", "encode", "format", "negotiation", "caps",
		"h264", "h265", "mjpeg", "jpeg", "not negotiated", "no decoder",
		"missing plugin", "demux", "type not found",
	}
	networkKeywords = []string{
		"connection", "timeout", "timed out", "unreachable", "network",
		"dns", "resolve", "socket", "tcp", "udp", "rtsp", "http",
		"not found", "could not connect", "failed to connect",
		"could not open resource",
	}
)

// ClassifyGStreamerError categorizes a GStreamer error by message heuristics.
// go-gst's GError does not expose the domain, so only strings are available.
func ClassifyGStreamerError(gerr *gst.GError) ErrorCategory {
	if gerr == nil {
		return ErrCategoryUnknown
	}
	return Classify(gerr.Error(), gerr.DebugString())
}

// Classify categorizes an error message and its debug string.
// Auth is checked first (most specific), then codec, then network.
func Classify(message, debug string) ErrorCategory {
	combined := strings.ToLower(message + " " + debug)
	switch {
	case containsAny(combined, authKeywords):
		return ErrCategoryAuth
	case containsAny(combined, codecKeywords):
		return ErrCategoryCodec
	case containsAny(combined, networkKeywords):
		return ErrCategoryNetwork
	default:
		return ErrCategoryUnknown
	}
}

func containsAny(s string, keywords []string) bool {
	for _, kw := range keywords {
		if strings.Contains(s, kw) {
			return true
		}
	}
	return false
}
