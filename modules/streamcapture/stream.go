package streamcapture

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"sync"
	"sync/atomic"
	"time"

	"github.com/tinyzimmer/go-gst/gst"
	"github.com/tinyzimmer/go-gst/gst/app"

	"github.com/e7canasta/orion-delayline/modules/streamcapture/internal/pipeline"
)

// Limits enforced by NewStream.
const (
	MinFPS    = 0.1
	MaxFPS    = 60.0
	MaxWidth  = 7680
	MaxHeight = 4320
)

// ErrNotRunning is returned by operations that need a started stream.
var ErrNotRunning = errors.New("streamcapture: stream not running")

// Stream implements StreamProvider on a GStreamer pipeline.
type Stream struct {
	uri          string
	live         bool
	width        int
	height       int
	targetFPS    float64
	sourceStream string
	acceleration HardwareAccel

	elements *pipeline.Elements

	frames chan Frame
	mu     sync.RWMutex

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	frameCount    uint64
	framesDropped uint64
	bytesRead     uint64
	started       time.Time
	lastFrameAt   atomic.Int64 // unix nanos
	lastPTS       atomic.Int64

	errCounters pipeline.ErrorCounters

	reconnectState *pipeline.ReconnectState
	reconnectCfg   pipeline.ReconnectConfig

	framesClosed atomic.Bool
}

// NewStream validates cfg (fail-fast) and checks that GStreamer is usable.
func NewStream(cfg Config) (*Stream, error) {
	if err := validate(cfg); err != nil {
		return nil, err
	}

	if err := checkGStreamerAvailable(); err != nil {
		return nil, fmt.Errorf("streamcapture: GStreamer not available: %w", err)
	}

	reconnectCfg := pipeline.DefaultReconnectConfig()
	if cfg.MaxReconnectAttempts > 0 {
		reconnectCfg.MaxRetries = cfg.MaxReconnectAttempts
	}
	if cfg.ReconnectInitialDelay > 0 {
		reconnectCfg.RetryDelay = cfg.ReconnectInitialDelay
	}
	if cfg.ReconnectMaxDelay > 0 {
		reconnectCfg.MaxRetryDelay = cfg.ReconnectMaxDelay
	}

	s := &Stream{
		uri:            cfg.URL,
		live:           pipeline.IsRTSP(cfg.URL),
		width:          cfg.Width,
		height:         cfg.Height,
		targetFPS:      cfg.TargetFPS,
		sourceStream:   cfg.SourceStream,
		acceleration:   cfg.Acceleration,
		frames:         make(chan Frame, 10),
		reconnectCfg:   reconnectCfg,
		reconnectState: pipeline.NewReconnectState(),
	}
	s.lastPTS.Store(-1)

	slog.Info("streamcapture: stream created",
		"url", cfg.URL,
		"live", s.live,
		"resolution", s.resolution(),
		"target_fps", cfg.TargetFPS,
		"source_stream", cfg.SourceStream,
		"acceleration", cfg.Acceleration.String(),
	)

	return s, nil
}

func validate(cfg Config) error {
	if cfg.URL == "" {
		return fmt.Errorf("streamcapture: URL is required")
	}
	u, err := url.Parse(cfg.URL)
	if err != nil {
		return fmt.Errorf("streamcapture: invalid URL: %w", err)
	}
	if u.Scheme == "" {
		return fmt.Errorf("streamcapture: URL %q has no scheme", cfg.URL)
	}
	if cfg.TargetFPS < MinFPS || cfg.TargetFPS > MaxFPS {
		return fmt.Errorf("streamcapture: invalid FPS %.2f (must be %.1f-%.0f)", cfg.TargetFPS, MinFPS, MaxFPS)
	}
	if cfg.Width <= 0 || cfg.Height <= 0 || cfg.Width > MaxWidth || cfg.Height > MaxHeight {
		return fmt.Errorf("streamcapture: invalid size %dx%d", cfg.Width, cfg.Height)
	}
	switch cfg.Acceleration {
	case AccelAuto, AccelVAAPI, AccelSoftware:
	default:
		return fmt.Errorf("streamcapture: invalid acceleration %d", cfg.Acceleration)
	}
	return nil
}

func (s *Stream) resolution() string {
	return fmt.Sprintf("%dx%d", s.width, s.height)
}

// Start builds and plays the pipeline and returns the frame channel.
// It returns as soon as the pipeline is set to PLAYING.
func (s *Stream) Start(ctx context.Context) (<-chan Frame, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.cancel != nil {
		return nil, fmt.Errorf("streamcapture: stream already started")
	}

	elements, err := pipeline.Create(pipeline.Config{
		URI:          s.uri,
		Width:        s.width,
		Height:       s.height,
		TargetFPS:    s.targetFPS,
		Acceleration: int(s.acceleration),
	})
	if err != nil {
		return nil, fmt.Errorf("streamcapture: failed to create pipeline: %w", err)
	}

	s.ctx, s.cancel = context.WithCancel(ctx)
	s.started = time.Now()
	s.elements = elements

	internalFrames := make(chan pipeline.Frame, 10)
	callbackCtx := &pipeline.CallbackContext{
		FrameChan:     internalFrames,
		FrameCounter:  &s.frameCount,
		BytesRead:     &s.bytesRead,
		FramesDropped: &s.framesDropped,
		Width:         s.width,
		Height:        s.height,
	}

	localCtx, out := s.ctx, s.frames
	s.wg.Add(1)
	go s.forward(localCtx, internalFrames, out)

	elements.AppSink.SetCallbacks(&app.SinkCallbacks{
		NewSampleFunc: func(sink *app.Sink) gst.FlowReturn {
			return pipeline.OnNewSample(sink, callbackCtx)
		},
	})

	entry := elements.Entry
	elements.Source.Connect("pad-added", func(self *gst.Element, srcPad *gst.Pad) {
		pipeline.OnPadAdded(srcPad, entry)
	})

	if err := elements.Pipeline.SetState(gst.StatePlaying); err != nil {
		s.abortStart()
		return nil, fmt.Errorf("streamcapture: failed to start pipeline: %w", err)
	}

	s.wg.Add(1)
	go s.runPipeline(localCtx, elements)

	slog.Info("streamcapture: stream started",
		"url", s.uri,
		"vaapi", elements.UsingVAAPI,
	)

	return s.frames, nil
}

// abortStart undoes a partial Start. Caller holds s.mu.
func (s *Stream) abortStart() {
	s.cancel()
	s.wg.Wait()
	_ = pipeline.Destroy(s.elements)
	s.elements = nil
	s.cancel = nil
	s.ctx = nil
}

// forward converts internal frames and hands them to out without blocking.
// It exits on ctx cancellation; the callback side may still send into in,
// which is simply abandoned with the pipeline.
func (s *Stream) forward(ctx context.Context, in <-chan pipeline.Frame, out chan<- Frame) {
	defer s.wg.Done()

	for {
		select {
		case <-ctx.Done():
			return
		case f := <-in:
			frame := Frame{
				Seq:          f.Seq,
				Timestamp:    f.Timestamp,
				PTS:          f.PTS,
				Width:        f.Width,
				Height:       f.Height,
				Data:         f.Data,
				SourceStream: s.sourceStream,
				TraceID:      f.TraceID,
			}

			s.lastFrameAt.Store(f.Timestamp.UnixNano())
			if f.PTS >= 0 {
				s.lastPTS.Store(int64(f.PTS))
			}

			select {
			case out <- frame:
			case <-ctx.Done():
				return
			default:
				atomic.AddUint64(&s.framesDropped, 1)
				slog.Debug("streamcapture: dropping frame, channel full",
					"seq", frame.Seq,
					"trace_id", frame.TraceID,
				)
			}
		}
	}
}

// runPipeline watches the bus and restarts the pipeline on failure.
// A file reaching EOS ends the stream; a live source reconnects.
func (s *Stream) runPipeline(ctx context.Context, elements *pipeline.Elements) {
	defer s.wg.Done()

	metrics := pipeline.MonitorMetrics{
		URI:        s.uri,
		Resolution: s.resolution(),
		FrameCount: &s.frameCount,
		StartedAt:  s.started,
	}

	connect := func(ctx context.Context, attempt int) error {
		if attempt > 0 {
			if err := pipeline.Restart(elements); err != nil {
				return err
			}
		}
		err := pipeline.MonitorBus(ctx, elements.Pipeline, &s.errCounters, s.reconnectState, metrics)
		if errors.Is(err, pipeline.ErrEndOfStream) && !s.live {
			return nil
		}
		return err
	}

	err := pipeline.RunWithReconnect(ctx, connect, s.reconnectCfg, s.reconnectState)
	switch {
	case err == nil:
		slog.Info("streamcapture: source finished", "url", s.uri, "frames", atomic.LoadUint64(&s.frameCount))
	case errors.Is(err, context.Canceled):
	default:
		slog.Error("streamcapture: pipeline stopped after reconnection failure",
			"error", err,
			"url", s.uri,
			"resolution", s.resolution(),
			"uptime", time.Since(s.started),
			"frames_processed", atomic.LoadUint64(&s.frameCount),
			"reconnects", atomic.LoadUint32(s.reconnectState.Reconnects),
		)
	}
}

// Stop shuts the stream down, waiting up to 3 seconds for goroutines.
// Idempotent; a stopped stream can be started again.
func (s *Stream) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.cancel == nil {
		slog.Debug("streamcapture: stream not started, nothing to stop")
		return nil
	}

	slog.Info("streamcapture: stopping stream")
	s.cancel()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		slog.Debug("streamcapture: goroutines stopped cleanly")
	case <-time.After(3 * time.Second):
		slog.Warn("streamcapture: stop timeout exceeded, some goroutines may still be running")
	}

	if err := pipeline.Destroy(s.elements); err != nil {
		slog.Error("streamcapture: failed to destroy pipeline", "error", err)
	}
	s.elements = nil

	if s.framesClosed.CompareAndSwap(false, true) {
		close(s.frames)
	}

	slog.Info("streamcapture: stream stopped",
		"frames_captured", atomic.LoadUint64(&s.frameCount),
		"reconnects", atomic.LoadUint32(s.reconnectState.Reconnects),
		"uptime", time.Since(s.started),
	)

	s.cancel = nil
	s.ctx = nil
	s.frames = make(chan Frame, 10)
	s.framesClosed.Store(false)
	s.lastPTS.Store(-1)

	return nil
}

// Stats returns current stream statistics. Safe from any goroutine.
func (s *Stream) Stats() StreamStats {
	s.mu.RLock()
	defer s.mu.RUnlock()

	frameCount := atomic.LoadUint64(&s.frameCount)
	framesDropped := atomic.LoadUint64(&s.framesDropped)

	var fpsReal float64
	if !s.started.IsZero() {
		if uptime := time.Since(s.started).Seconds(); uptime > 0 {
			fpsReal = float64(frameCount) / uptime
		}
	}

	var dropRate float64
	if total := frameCount + framesDropped; total > 0 {
		dropRate = float64(framesDropped) / float64(total) * 100.0
	}

	var latencyMS int64
	if last := s.lastFrameAt.Load(); last != 0 {
		latencyMS = time.Since(time.Unix(0, last)).Milliseconds()
	}

	return StreamStats{
		FrameCount:    frameCount,
		FramesDropped: framesDropped,
		DropRate:      dropRate,
		FPSTarget:     s.targetFPS,
		FPSReal:       fpsReal,
		LatencyMS:     latencyMS,
		SourceStream:  s.sourceStream,
		Resolution:    s.resolution(),
		Reconnects:    atomic.LoadUint32(s.reconnectState.Reconnects),
		BytesRead:     atomic.LoadUint64(&s.bytesRead),
		IsConnected:   s.elements != nil && s.cancel != nil,
		Live:          s.live,
		UsingVAAPI:    s.elements != nil && s.elements.UsingVAAPI,
		Position:      s.positionLocked(),
		ErrorsNetwork: atomic.LoadUint64(&s.errCounters.Network),
		ErrorsCodec:   atomic.LoadUint64(&s.errCounters.Codec),
		ErrorsAuth:    atomic.LoadUint64(&s.errCounters.Auth),
		ErrorsUnknown: atomic.LoadUint64(&s.errCounters.Unknown),
	}
}

// Position returns the media position from a pipeline query, falling back
// to the PTS of the latest frame. 0 when the stream is not running.
func (s *Stream) Position() time.Duration {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.positionLocked()
}

func (s *Stream) positionLocked() time.Duration {
	if pos, ok := pipeline.Position(s.elements); ok {
		return pos
	}
	if pts := s.lastPTS.Load(); pts >= 0 {
		return time.Duration(pts)
	}
	return 0
}

// SetTargetFPS updates the capsfilter framerate in place, rolling back on
// failure or after a 5 second timeout.
func (s *Stream) SetTargetFPS(fps float64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if fps < MinFPS || fps > MaxFPS {
		return fmt.Errorf("streamcapture: invalid FPS %.2f (must be %.1f-%.0f)", fps, MinFPS, MaxFPS)
	}
	if s.elements == nil || s.elements.CapsFilter == nil {
		return ErrNotRunning
	}

	oldFPS := s.targetFPS
	capsfilter := s.elements.CapsFilter

	slog.Info("streamcapture: updating target FPS", "old_fps", oldFPS, "new_fps", fps)

	errChan := make(chan error, 1)
	go func() {
		errChan <- pipeline.UpdateFramerateCaps(capsfilter, fps, s.width, s.height)
	}()

	var err error
	select {
	case err = <-errChan:
	case <-time.After(5 * time.Second):
		err = fmt.Errorf("timeout after 5 seconds")
	}

	if err != nil {
		slog.Warn("streamcapture: FPS update failed, rolling back",
			"error", err,
			"old_fps", oldFPS,
			"failed_fps", fps,
		)
		if rbErr := pipeline.UpdateFramerateCaps(capsfilter, oldFPS, s.width, s.height); rbErr != nil {
			slog.Error("streamcapture: rollback failed, pipeline may be inconsistent",
				"rollback_error", rbErr,
				"original_error", err,
			)
		}
		return fmt.Errorf("streamcapture: failed to update FPS: %w", err)
	}

	s.targetFPS = fps
	return nil
}

// checkGStreamerAvailable initializes GStreamer and creates a throwaway
// element to prove the runtime is installed.
func checkGStreamerAvailable() error {
	gst.Init(nil)

	elem, err := gst.NewElement("fakesrc")
	if err != nil {
		return fmt.Errorf("GStreamer not available or not properly installed: %w", err)
	}
	elem.SetState(gst.StateNull)
	return nil
}
