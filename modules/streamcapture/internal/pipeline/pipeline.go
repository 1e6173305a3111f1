package pipeline

import (
	"fmt"
	"log/slog"
	"math"
	"strings"
	"time"

	"github.com/tinyzimmer/go-gst/gst"
	"github.com/tinyzimmer/go-gst/gst/app"
)

// Acceleration modes, mirrored from streamcapture.HardwareAccel.
const (
	AccelAuto = iota
	AccelVAAPI
	AccelSoftware
)

// Config contains configuration for GStreamer pipeline creation
type Config struct {
	URI          string
	Width        int
	Height       int
	TargetFPS    float64
	Acceleration int
}

// Live reports whether the URI is a network camera stream handled by rtspsrc.
func (c Config) Live() bool {
	return IsRTSP(c.URI)
}

// IsRTSP reports whether uri uses the rtsp or rtsps scheme.
func IsRTSP(uri string) bool {
	lower := strings.ToLower(uri)
	return strings.HasPrefix(lower, "rtsp://") || strings.HasPrefix(lower, "rtsps://")
}

// Elements holds references to GStreamer pipeline elements
// needed for hot-reload, dynamic pad linking and cleanup.
type Elements struct {
	Pipeline   *gst.Pipeline
	AppSink    *app.Sink
	VideoRate  *gst.Element
	CapsFilter *gst.Element

	// Source has dynamic pads; Entry is the element they link to
	Source *gst.Element
	Entry  *gst.Element

	UsingVAAPI bool
}

// Create builds a pipeline for cfg.URI without starting it.
//
// RTSP:
//
//	rtspsrc → rtph264depay → decoder → videoconvert → videoscale →
//	videorate → capsfilter → appsink
//
// Anything else (file://, http://, ...):
//
//	uridecodebin → videoconvert → videoscale → videorate → capsfilter → appsink
func Create(cfg Config) (*Elements, error) {
	gst.Init(nil)

	pipeline, err := gst.NewPipeline("")
	if err != nil {
		return nil, fmt.Errorf("failed to create pipeline: %w", err)
	}

	converter, err := newElement("videoconvert", map[string]interface{}{
		"n-threads": 0,
	})
	if err != nil {
		return nil, err
	}
	scaler, err := gst.NewElement("videoscale")
	if err != nil {
		return nil, fmt.Errorf("failed to create videoscale: %w", err)
	}

	videorate, err := newElement("videorate", map[string]interface{}{
		"drop-only":     true,
		"skip-to-first": true,
	})
	if err != nil {
		return nil, err
	}

	capsfilter, err := gst.NewElement("capsfilter")
	if err != nil {
		return nil, fmt.Errorf("failed to create capsfilter: %w", err)
	}
	capsfilter.SetProperty("caps", gst.NewCapsFromString(buildFramerateCaps(cfg.Width, cfg.Height, cfg.TargetFPS)))

	appsink, err := app.NewAppSink()
	if err != nil {
		return nil, fmt.Errorf("failed to create appsink: %w", err)
	}
	appsink.SetProperty("sync", !cfg.Live()) // files play at their own pace
	appsink.SetProperty("max-buffers", 1)
	appsink.SetProperty("drop", true)
	appsink.SetProperty("qos", true)

	tail := []*gst.Element{converter, scaler, videorate, capsfilter, appsink.Element}

	elems := &Elements{
		Pipeline:   pipeline,
		AppSink:    appsink,
		VideoRate:  videorate,
		CapsFilter: capsfilter,
	}

	if cfg.Live() {
		if err := buildRTSPHead(cfg, elems, tail); err != nil {
			return nil, err
		}
	} else {
		if err := buildURIHead(cfg, elems, tail); err != nil {
			return nil, err
		}
	}

	slog.Info("pipeline: created",
		"uri", cfg.URI,
		"live", cfg.Live(),
		"vaapi", elems.UsingVAAPI,
		"caps", buildFramerateCaps(cfg.Width, cfg.Height, cfg.TargetFPS),
	)
	return elems, nil
}

func buildRTSPHead(cfg Config, elems *Elements, tail []*gst.Element) error {
	latency := 200
	if cfg.TargetFPS <= 2.0 {
		latency = 50
	}
	rtspsrc, err := newElement("rtspsrc", map[string]interface{}{
		"location":    cfg.URI,
		"protocols":   4, // TCP only
		"latency":     latency,
		"buffer-mode": 3,
		"ntp-sync":    false,
		"tcp-timeout": uint64(10 * time.Second / time.Microsecond),
	})
	if err != nil {
		return err
	}

	depay, err := newElement("rtph264depay", map[string]interface{}{
		"request-keyframe": true,
	})
	if err != nil {
		return err
	}

	decoders, usingVAAPI, err := newDecoder(cfg)
	if err != nil {
		return err
	}

	chain := append([]*gst.Element{depay}, decoders...)
	chain = append(chain, tail...)

	if err := elems.Pipeline.AddMany(append([]*gst.Element{rtspsrc}, chain...)...); err != nil {
		return fmt.Errorf("failed to add rtsp elements: %w", err)
	}
	if err := gst.ElementLinkMany(chain...); err != nil {
		return fmt.Errorf("failed to link rtsp elements: %w", err)
	}

	if err := addDecodeLatencyProbe(decoders[len(decoders)-1]); err != nil {
		slog.Warn("pipeline: decode latency probe not installed", "error", err)
	}

	elems.Source = rtspsrc
	elems.Entry = depay
	elems.UsingVAAPI = usingVAAPI
	return nil
}

func buildURIHead(cfg Config, elems *Elements, tail []*gst.Element) error {
	decodebin, err := newElement("uridecodebin", map[string]interface{}{
		"uri": cfg.URI,
	})
	if err != nil {
		return err
	}

	if err := elems.Pipeline.AddMany(append([]*gst.Element{decodebin}, tail...)...); err != nil {
		return fmt.Errorf("failed to add uri elements: %w", err)
	}
	if err := gst.ElementLinkMany(tail...); err != nil {
		return fmt.Errorf("failed to link uri elements: %w", err)
	}

	elems.Source = decodebin
	elems.Entry = tail[0]
	return nil
}

// newDecoder returns the decode chain for H.264 and whether it runs on VAAPI.
func newDecoder(cfg Config) ([]*gst.Element, bool, error) {
	switch cfg.Acceleration {
	case AccelVAAPI, AccelAuto:
		dec, err := gst.NewElement("vaapih264dec")
		if err == nil {
			dec.SetProperty("low-latency", true)
			post, perr := newElement("vaapipostproc", map[string]interface{}{
				"format":       "nv12",
				"width":        cfg.Width,
				"height":       cfg.Height,
				"scale-method": 2,
			})
			if perr == nil {
				return []*gst.Element{dec, post}, true, nil
			}
			err = perr
		}
		if cfg.Acceleration == AccelVAAPI {
			return nil, false, fmt.Errorf("VAAPI decoder required: %w", err)
		}
		slog.Warn("pipeline: VAAPI unavailable, using software decoder", "error", err)
		fallthrough

	case AccelSoftware:
		dec, err := newElement("avdec_h264", map[string]interface{}{
			"max-threads":    0,
			"output-corrupt": false,
		})
		if err != nil {
			return nil, false, err
		}
		return []*gst.Element{dec}, false, nil

	default:
		return nil, false, fmt.Errorf("invalid acceleration mode: %d", cfg.Acceleration)
	}
}

func newElement(factory string, props map[string]interface{}) (*gst.Element, error) {
	elem, err := gst.NewElement(factory)
	if err != nil {
		return nil, fmt.Errorf("failed to create %s: %w", factory, err)
	}
	for name, value := range props {
		if err := elem.SetProperty(name, value); err != nil {
			return nil, fmt.Errorf("failed to set %s.%s: %w", factory, name, err)
		}
	}
	return elem, nil
}

// UpdateFramerateCaps updates the capsfilter framerate without restarting
// the pipeline.
func UpdateFramerateCaps(capsfilter *gst.Element, fps float64, width, height int) error {
	if capsfilter == nil {
		return fmt.Errorf("capsfilter is nil")
	}
	return capsfilter.SetProperty("caps", gst.NewCapsFromString(buildFramerateCaps(width, height, fps)))
}

// Restart cycles the pipeline through NULL back to PLAYING.
func Restart(elems *Elements) error {
	if elems == nil || elems.Pipeline == nil {
		return fmt.Errorf("pipeline not initialized")
	}
	if err := elems.Pipeline.SetState(gst.StateNull); err != nil {
		return fmt.Errorf("failed to reset pipeline: %w", err)
	}
	if err := elems.Pipeline.SetState(gst.StatePlaying); err != nil {
		return fmt.Errorf("failed to restart pipeline: %w", err)
	}
	return nil
}

// Destroy sets the pipeline to NULL. Safe on a nil or destroyed pipeline.
func Destroy(elems *Elements) error {
	if elems == nil || elems.Pipeline == nil {
		return nil
	}
	if err := elems.Pipeline.SetState(gst.StateNull); err != nil {
		return fmt.Errorf("failed to set pipeline to NULL: %w", err)
	}
	return nil
}

// Position returns the current media position, or false when the pipeline
// cannot answer (not prerolled, live source without a clock).
func Position(elems *Elements) (time.Duration, bool) {
	if elems == nil || elems.Pipeline == nil {
		return 0, false
	}
	ok, pos := elems.Pipeline.QueryPosition(gst.FormatTime)
	if !ok || pos < 0 {
		return 0, false
	}
	return time.Duration(pos), true
}

// addDecodeLatencyProbe stamps each buffer leaving element with the wall
// time, read back in OnNewSample as decode latency.
func addDecodeLatencyProbe(element *gst.Element) error {
	srcPad := element.GetStaticPad("src")
	if srcPad == nil {
		return fmt.Errorf("failed to get src pad from %s", element.GetName())
	}

	decodeExitCaps := gst.NewCapsFromString("timestamp/x-decode-exit")
	srcPad.AddProbe(gst.PadProbeTypeBuffer, func(pad *gst.Pad, info *gst.PadProbeInfo) gst.PadProbeReturn {
		buffer := info.GetBuffer()
		if buffer == nil {
			return gst.PadProbeOK
		}
		buffer.AddReferenceTimestampMeta(decodeExitCaps, time.Duration(time.Now().UnixNano()), 0)
		return gst.PadProbeOK
	})

	slog.Debug("pipeline: decode latency probe installed", "element", element.GetName())
	return nil
}

// ntscRates are the broadcast rates expressed as N*1000/1001.
var ntscRates = []int{24, 30, 48, 60}

// buildFramerateCaps builds the RGB caps string with a framerate constraint.
//
//   - fps < 1: 1/round(1/fps) (0.5 → 1/2)
//   - NTSC rates: N*1000/1001 (29.97 → 30000/1001)
//   - otherwise: round(fps)/1
func buildFramerateCaps(width, height int, fps float64) string {
	num, den := framerateFraction(fps)
	return fmt.Sprintf(
		"video/x-raw,format=RGB,width=%d,height=%d,framerate=%d/%d",
		width, height, num, den,
	)
}

func framerateFraction(fps float64) (int, int) {
	if fps <= 0 {
		return 0, 1
	}
	if fps < 1.0 {
		return 1, int(math.Round(1.0 / fps))
	}
	for _, n := range ntscRates {
		if math.Abs(fps-float64(n)*1000/1001) < 0.005 {
			return n * 1000, 1001
		}
	}
	return int(math.Round(fps)), 1
}
