package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"image"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/kataras/iris/v12"
	"golang.org/x/sync/errgroup"

	"github.com/e7canasta/orion-delayline/modules/attach"
	"github.com/e7canasta/orion-delayline/modules/captions"
	"github.com/e7canasta/orion-delayline/modules/compositor"
	"github.com/e7canasta/orion-delayline/modules/control"
	"github.com/e7canasta/orion-delayline/modules/framebus"
	"github.com/e7canasta/orion-delayline/modules/framestore"
	"github.com/e7canasta/orion-delayline/modules/livesource"
	"github.com/e7canasta/orion-delayline/modules/playback"
	"github.com/e7canasta/orion-delayline/modules/settings"
	"github.com/e7canasta/orion-delayline/modules/statsview"
	"github.com/e7canasta/orion-delayline/modules/streamcapture"
)

const (
	version = "v0.1.0"
)

// flags override the configuration file.
type flags struct {
	configPath string
	url        string
	captions   string
	delayMs    int
	listen     string
	debug      bool
	statsview  bool
}

func main() {
	f := parseFlags()

	cfg, err := Load(f.configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	if err := applyFlags(cfg, f); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		flag.Usage()
		os.Exit(1)
	}

	logger := newLogger(cfg.Log)
	slog.SetDefault(logger)

	printBanner(cfg)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, f.statsview); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("Delay line failed", "error", err)
		os.Exit(1)
	}

	logger.Info("Delay line stopped gracefully")
}

func parseFlags() flags {
	var f flags

	flag.StringVar(&f.configPath, "config", "", "YAML configuration file (optional)")
	flag.StringVar(&f.url, "url", "", "Stream URL (rtsp://, file://, http://); overrides source.url")
	flag.StringVar(&f.captions, "captions", "", "WebVTT caption track; overrides captions.path")
	flag.IntVar(&f.delayMs, "delay", -1, "Delay in milliseconds; persisted and overrides stored settings")
	flag.StringVar(&f.listen, "listen", "", "HTTP listen address; overrides http.listen")
	flag.BoolVar(&f.debug, "debug", false, "Enable debug logging")
	flag.BoolVar(&f.statsview, "statsview", false, "Launch the runtime stats server (needs -tags statsview)")

	flag.Parse()
	return f
}

// applyFlags merges command-line overrides into cfg.
func applyFlags(cfg *Config, f flags) error {
	if f.url != "" {
		cfg.Source.URL = f.url
	}
	if f.captions != "" {
		cfg.Captions.Path = f.captions
	}
	if f.listen != "" {
		cfg.HTTP.Listen = f.listen
	}
	if f.debug {
		cfg.Log.Level = "debug"
	}
	if f.delayMs >= 0 {
		if f.delayMs > settings.MaxDelayMs {
			return fmt.Errorf("--delay must be at most %d", settings.MaxDelayMs)
		}
		d := uint(f.delayMs)
		cfg.Pipeline.DelayMs = &d
	}
	if cfg.Source.URL == "" {
		return fmt.Errorf("--url or source.url is required")
	}
	return nil
}

func newLogger(cfg LogConfig) *slog.Logger {
	var level slog.Level
	switch cfg.Level {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{Level: level}
	if cfg.Format == "json" {
		return slog.New(slog.NewJSONHandler(os.Stdout, opts))
	}
	return slog.New(slog.NewTextHandler(os.Stdout, opts))
}

// applyStartupOverrides persists delay/enabled overrides from the
// configuration so that every transport and the autoplay reload see them.
func applyStartupOverrides(ctx context.Context, store *settings.Store, p PipelineConfig) error {
	if p.DelayMs == nil && p.Enabled == nil {
		return nil
	}

	st, err := store.Load(ctx)
	if err != nil {
		return err
	}
	if p.DelayMs != nil {
		st.DelayMs = *p.DelayMs
	}
	if p.Enabled != nil {
		st.Enabled = *p.Enabled
	}
	if err := st.Validate(); err != nil {
		return err
	}
	return store.Save(ctx, st)
}

// loadCaptions builds the caption locator for the configured track, nil
// when captions are off.
func loadCaptions(path string, position func() time.Duration) (captions.Locator, error) {
	if path == "" {
		return nil, nil
	}
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open captions: %w", err)
	}
	defer file.Close()

	track, err := captions.ParseVTT(file)
	if err != nil {
		return nil, fmt.Errorf("failed to parse captions: %w", err)
	}
	slog.Info("Captions loaded", "path", path, "cues", len(track.Cues))
	return captions.StaticLocator{captions.NewTrackContainer(track, position)}, nil
}

func run(ctx context.Context, cfg *Config, withStatsview bool) error {
	// 1. Settings store
	store, err := settings.Open(cfg.Settings.DBPath)
	if err != nil {
		return fmt.Errorf("failed to open settings: %w", err)
	}
	defer store.Close()

	if err := applyStartupOverrides(ctx, store, cfg.Pipeline); err != nil {
		return fmt.Errorf("failed to apply startup settings: %w", err)
	}

	// 2. Stream provider and live source
	accel, _ := streamcapture.ParseHardwareAccel(cfg.Source.Acceleration)
	slog.Info("Creating stream provider", "url", cfg.Source.URL)
	stream, err := streamcapture.NewStream(streamcapture.Config{
		URL:                   cfg.Source.URL,
		Width:                 cfg.Source.Width,
		Height:                cfg.Source.Height,
		TargetFPS:             cfg.Source.TargetFPS,
		SourceStream:          "main",
		Acceleration:          accel,
		MaxReconnectAttempts:  cfg.Source.Reconnect.MaxAttempts,
		ReconnectInitialDelay: time.Duration(cfg.Source.Reconnect.InitialDelayMs) * time.Millisecond,
		ReconnectMaxDelay:     time.Duration(cfg.Source.Reconnect.MaxDelayMs) * time.Millisecond,
	})
	if err != nil {
		return fmt.Errorf("failed to create stream provider: %w", err)
	}
	live := livesource.New(image.Pt(cfg.Source.Width, cfg.Source.Height))

	locator, err := loadCaptions(cfg.Captions.Path, live.Position)
	if err != nil {
		return err
	}

	// 3. Output side
	bus := framebus.New()
	defer bus.Close()

	clk := clock.New()
	var sched *playback.Scheduler
	comp, err := compositor.New(compositor.Config{
		Bus:         bus,
		Viewport:    image.Pt(cfg.Output.ViewportWidth, cfg.Output.ViewportHeight),
		DPR:         cfg.Output.DPR,
		JPEGQuality: cfg.Output.JPEGQuality,
		State:       func() playback.State { return sched.State() },
		Clock:       clk,
	})
	if err != nil {
		return fmt.Errorf("failed to create compositor: %w", err)
	}
	defer comp.Close()

	// 4. Scheduler, monitor and the runner that owns them
	var (
		runner  *attach.Runner
		monitor *attach.Monitor
		ctrl    *control.Controller
	)
	sched = playback.NewScheduler(comp, playback.Options{
		Clock:          clk,
		Pool:           framestore.NewPool(),
		Captions:       locator,
		Criteria:       captions.Criteria{Kinds: cfg.Captions.Kinds},
		Post:           func(f func()) { runner.Post(f) },
		OnAutoplayExit: func() { monitor.OnAutoplayExit() },
	})
	monitor = attach.NewMonitor(sched, attach.Options{
		Viewport: comp.Viewport,
		Reload:   func() (attach.PipelineConfig, error) { return ctrl.Reload() },
	})

	pass := newPassthrough(live, comp)
	runner, err = attach.NewRunner(attach.RunnerConfig{
		Monitor:      monitor,
		Driver:       sched,
		Clock:        clk,
		RefreshHz:    cfg.Pipeline.RefreshHz,
		PollInterval: time.Duration(cfg.Pipeline.PollMs) * time.Millisecond,
		Idle:         pass.Render,
	})
	if err != nil {
		return fmt.Errorf("failed to create runner: %w", err)
	}

	// 5. Controller
	ctrl, err = control.New(control.Config{
		Executor: runner,
		Store:    store,
		Source:   live,
		Viewport: comp,
		Bus:      bus,
		Extra: func() map[string]any {
			st := stream.Stats()
			return map[string]any{
				"stream_connected": st.IsConnected,
				"stream_fps":       st.FPSReal,
				"stream_frames":    st.FrameCount,
				"reconnects":       st.Reconnects,
			}
		},
	})
	if err != nil {
		return fmt.Errorf("failed to create controller: %w", err)
	}

	if err := runner.Start(ctx); err != nil {
		return fmt.Errorf("failed to start runner: %w", err)
	}
	defer runner.Stop()

	if err := ctrl.Start(ctx); err != nil {
		return fmt.Errorf("failed to start controller: %w", err)
	}
	defer ctrl.Stop()

	// 6. Stream → live source
	frames, err := stream.Start(ctx)
	if err != nil {
		return fmt.Errorf("failed to start stream: %w", err)
	}
	defer func() {
		if err := stream.Stop(); err != nil {
			slog.Error("Failed to stop stream gracefully", "error", err)
		}
	}()
	slog.Info("Stream provider started")

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		live.Pump(gctx, frames)
		return nil
	})

	// 7. Transports
	app := control.NewApp(ctrl)
	g.Go(func() error {
		slog.Info("Control API listening", "addr", cfg.HTTP.Listen)
		if err := app.Listen(cfg.HTTP.Listen, iris.WithoutServerError(iris.ErrServerClosed)); err != nil {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		return app.Shutdown(shutdownCtx)
	})

	if cfg.MQTT.Broker != "" {
		mq, err := control.NewMQTTHandler(control.MQTTConfig{
			Broker:       cfg.MQTT.Broker,
			ClientID:     "delayline-" + cfg.MQTT.InstanceID,
			ControlTopic: cfg.MQTT.Topics.Control,
			StatusTopic:  cfg.MQTT.Topics.Status,
			QoS:          cfg.MQTT.QoS,
		}, ctrl)
		if err != nil {
			return fmt.Errorf("failed to create mqtt handler: %w", err)
		}
		if err := mq.Connect(ctx); err != nil {
			return fmt.Errorf("failed to connect mqtt: %w", err)
		}
		if err := mq.Start(ctx); err != nil {
			return fmt.Errorf("failed to start mqtt: %w", err)
		}
		defer mq.Stop()
	}

	// 8. Optional consumers
	var saver *FrameSaver
	if cfg.Output.SaveDir != "" {
		saver, err = NewFrameSaver(cfg.Output.SaveDir, cfg.Output.SaveFormat, cfg.Output.SaveEvery)
		if err != nil {
			return fmt.Errorf("failed to create frame saver: %w", err)
		}
		slog.Info("Frame saving enabled",
			"output_dir", cfg.Output.SaveDir,
			"format", cfg.Output.SaveFormat,
			"every", cfg.Output.SaveEvery)
		g.Go(func() error { return saver.Run(gctx, bus) })
	}

	comps := &components{
		stream:     stream,
		live:       live,
		runner:     runner,
		scheduler:  sched,
		compositor: comp,
		bus:        bus,
		frameSaver: saver,
	}
	if cfg.Stats.IntervalS > 0 {
		interval := time.Duration(cfg.Stats.IntervalS) * time.Second
		g.Go(func() error { return reportStats(gctx, interval, comps) })
	}

	if withStatsview {
		statsview.Launch()
	}

	err = g.Wait()
	printFinalStats(comps)
	if err != nil {
		return err
	}
	return ctx.Err()
}

func printBanner(cfg *Config) {
	fmt.Println("╔═══════════════════════════════════════════════════════════════╗")
	fmt.Println("║          Orion Delay Line - Delayed Video Playback           ║")
	fmt.Printf("║                    Version %-30s ║\n", version)
	fmt.Println("╚═══════════════════════════════════════════════════════════════╝")
	fmt.Println()
	fmt.Println("Configuration:")

	fmt.Printf("  Stream Source:   %s\n", cfg.Source.URL)
	fmt.Printf("  Size:            %dx%d @ %.2f fps\n", cfg.Source.Width, cfg.Source.Height, cfg.Source.TargetFPS)
	if cfg.Pipeline.DelayMs != nil {
		fmt.Printf("  Delay Override:  %d ms\n", *cfg.Pipeline.DelayMs)
	}
	if cfg.Captions.Path != "" {
		fmt.Printf("  Captions:        %s (%s)\n", cfg.Captions.Path, strings.Join(cfg.Captions.Kinds, ", "))
	}
	fmt.Printf("  Viewport:        %dx%d (dpr %.2f)\n", cfg.Output.ViewportWidth, cfg.Output.ViewportHeight, cfg.Output.DPR)
	fmt.Printf("  Control API:     %s\n", cfg.HTTP.Listen)
	if cfg.MQTT.Broker != "" {
		fmt.Printf("  MQTT:            %s (%s)\n", cfg.MQTT.Broker, cfg.MQTT.Topics.Control)
	}
	fmt.Printf("  Settings DB:     %s\n", cfg.Settings.DBPath)
	fmt.Println()
	fmt.Println("Pipeline:")
	fmt.Println("  stream-capture → live source → scheduler → compositor → frame bus")
	fmt.Println()
	fmt.Println("Press Ctrl+C to stop gracefully")
	fmt.Println("═══════════════════════════════════════════════════════════════")
	fmt.Println()
}
