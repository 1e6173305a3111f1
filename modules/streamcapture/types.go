package streamcapture

import (
	"fmt"
	"strings"
	"time"
)

// Frame is a single decoded video frame.
type Frame struct {
	Seq       uint64
	Timestamp time.Time // wall time the appsink delivered it
	// PTS is the buffer presentation timestamp, -1 when unknown
	PTS    time.Duration
	Width  int
	Height int
	// Data is interleaved RGB, Width*Height*3 bytes
	Data         []byte
	SourceStream string
	TraceID      string
}

// StreamStats contains current stream statistics
type StreamStats struct {
	FrameCount    uint64
	FramesDropped uint64
	DropRate      float64 // percent
	FPSTarget     float64
	FPSReal       float64
	LatencyMS     int64 // time since the last frame
	SourceStream  string
	Resolution    string
	Reconnects    uint32
	BytesRead     uint64
	IsConnected   bool
	Live          bool
	UsingVAAPI    bool
	Position      time.Duration

	ErrorsNetwork uint64
	ErrorsCodec   uint64
	ErrorsAuth    uint64
	ErrorsUnknown uint64
}

// Resolution is a named output size preset.
type Resolution int

const (
	Res360p Resolution = iota
	Res512p
	Res720p
	Res1080p
)

// Dimensions returns the width and height for the resolution
func (r Resolution) Dimensions() (width, height int) {
	switch r {
	case Res360p:
		return 640, 360
	case Res512p:
		return 910, 512
	case Res1080p:
		return 1920, 1080
	default:
		return 1280, 720
	}
}

func (r Resolution) String() string {
	switch r {
	case Res360p:
		return "360p"
	case Res512p:
		return "512p"
	case Res1080p:
		return "1080p"
	default:
		return "720p"
	}
}

// ParseResolution parses "360p", "512p", "720p" or "1080p".
func ParseResolution(s string) (Resolution, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "360p":
		return Res360p, nil
	case "512p":
		return Res512p, nil
	case "720p":
		return Res720p, nil
	case "1080p":
		return Res1080p, nil
	default:
		return Res720p, fmt.Errorf("streamcapture: unknown resolution %q", s)
	}
}

// HardwareAccel selects the H.264 decoder for RTSP sources.
type HardwareAccel int

const (
	// AccelAuto tries VAAPI and falls back to software
	AccelAuto HardwareAccel = iota
	// AccelVAAPI requires VAAPI and fails fast without it
	AccelVAAPI
	// AccelSoftware forces avdec_h264
	AccelSoftware
)

func (h HardwareAccel) String() string {
	switch h {
	case AccelVAAPI:
		return "vaapi"
	case AccelSoftware:
		return "software"
	default:
		return "auto"
	}
}

// ParseHardwareAccel parses "auto", "vaapi" or "software". Empty means auto.
func ParseHardwareAccel(s string) (HardwareAccel, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "auto":
		return AccelAuto, nil
	case "vaapi":
		return AccelVAAPI, nil
	case "software":
		return AccelSoftware, nil
	default:
		return AccelAuto, fmt.Errorf("streamcapture: unknown acceleration %q", s)
	}
}

// Config configures a Stream.
type Config struct {
	// URL is any GStreamer URI; rtsp:// and rtsps:// select the camera branch
	URL string

	Width  int
	Height int

	// TargetFPS caps the output rate (0.1 - 60); NTSC rates are kept exact
	TargetFPS float64

	// SourceStream labels frames and stats (e.g. "main")
	SourceStream string

	Acceleration HardwareAccel

	// Reconnect tuning; zero values use 5 attempts, 1s initial, 30s cap
	MaxReconnectAttempts  int
	ReconnectInitialDelay time.Duration
	ReconnectMaxDelay     time.Duration
}
