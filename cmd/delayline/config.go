package main

import (
	"fmt"
	"os"
	"regexp"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/e7canasta/orion-delayline/modules/settings"
	"github.com/e7canasta/orion-delayline/modules/streamcapture"
)

// Config is the complete delayline configuration.
type Config struct {
	Source   SourceConfig   `yaml:"source"`
	Pipeline PipelineConfig `yaml:"pipeline"`
	Captions CaptionsConfig `yaml:"captions"`
	Output   OutputConfig   `yaml:"output"`
	HTTP     HTTPConfig     `yaml:"http"`
	MQTT     MQTTConfig     `yaml:"mqtt"`
	Settings SettingsConfig `yaml:"settings"`
	Log      LogConfig      `yaml:"log"`
	Stats    StatsConfig    `yaml:"stats"`
}

// SourceConfig selects and shapes the live stream.
type SourceConfig struct {
	URL          string          `yaml:"url"`
	Resolution   string          `yaml:"resolution"` // 360p, 512p, 720p, 1080p; overrides width/height
	Width        int             `yaml:"width"`
	Height       int             `yaml:"height"`
	TargetFPS    float64         `yaml:"target_fps"`
	Acceleration string          `yaml:"acceleration"` // auto, vaapi, software
	Reconnect    ReconnectConfig `yaml:"reconnect"`
}

// ReconnectConfig tunes stream reconnection.
type ReconnectConfig struct {
	MaxAttempts    int `yaml:"max_attempts"`
	InitialDelayMs int `yaml:"initial_delay_ms"`
	MaxDelayMs     int `yaml:"max_delay_ms"`
}

// PipelineConfig drives the delay line itself.
type PipelineConfig struct {
	// DelayMs and Enabled override the persisted settings at startup when set
	DelayMs *uint `yaml:"delay_ms"`
	Enabled *bool `yaml:"enabled"`

	RefreshHz float64 `yaml:"refresh_hz"`
	PollMs    int     `yaml:"poll_ms"`
}

// CaptionsConfig points at an optional WebVTT track.
type CaptionsConfig struct {
	Path  string   `yaml:"path"`
	Kinds []string `yaml:"kinds"`
}

// OutputConfig shapes the composed output.
type OutputConfig struct {
	ViewportWidth  int     `yaml:"viewport_width"`
	ViewportHeight int     `yaml:"viewport_height"`
	DPR            float64 `yaml:"dpr"`
	JPEGQuality    int     `yaml:"jpeg_quality"`

	// SaveDir enables writing output frames to disk
	SaveDir    string `yaml:"save_dir"`
	SaveFormat string `yaml:"save_format"` // jpeg or png
	SaveEvery  int    `yaml:"save_every"`
}

// HTTPConfig is the control API listener.
type HTTPConfig struct {
	Listen string `yaml:"listen"`
}

// MQTTConfig enables the MQTT command channel when Broker is set.
type MQTTConfig struct {
	Broker     string     `yaml:"broker"`
	InstanceID string     `yaml:"instance_id"`
	Topics     MQTTTopics `yaml:"topics"`
	QoS        byte       `yaml:"qos"`
}

// MQTTTopics names the command and response topics.
type MQTTTopics struct {
	Control string `yaml:"control"`
	Status  string `yaml:"status"`
}

// SettingsConfig locates the settings database.
type SettingsConfig struct {
	DBPath string `yaml:"db_path"`
}

// LogConfig selects level and handler.
type LogConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // text or json
}

// StatsConfig controls the periodic statistics report.
type StatsConfig struct {
	IntervalS int `yaml:"interval_s"` // 0 disables
}

// Load reads and parses a YAML configuration file. An empty path yields
// the defaults.
func Load(path string) (*Config, error) {
	var cfg Config
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config: %w", err)
		}
	}

	if err := Validate(&cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return &cfg, nil
}

var instanceIDPattern = regexp.MustCompile(`^[a-z0-9\-]+$`)

// Validate fills defaults and rejects bad values. The source URL is checked
// separately because flags may still provide it.
func Validate(cfg *Config) error {
	src := &cfg.Source
	if src.Resolution != "" {
		res, err := streamcapture.ParseResolution(src.Resolution)
		if err != nil {
			return fmt.Errorf("source.resolution: %w", err)
		}
		src.Width, src.Height = res.Dimensions()
	}
	if src.Width == 0 && src.Height == 0 {
		src.Width, src.Height = streamcapture.Res720p.Dimensions()
	}
	if src.Width <= 0 || src.Height <= 0 {
		return fmt.Errorf("source size must be positive, got %dx%d", src.Width, src.Height)
	}
	if src.TargetFPS == 0 {
		src.TargetFPS = 30
	}
	if src.TargetFPS < streamcapture.MinFPS || src.TargetFPS > streamcapture.MaxFPS {
		return fmt.Errorf("source.target_fps must be between %.1f and %.0f", streamcapture.MinFPS, streamcapture.MaxFPS)
	}
	if _, err := streamcapture.ParseHardwareAccel(src.Acceleration); err != nil {
		return fmt.Errorf("source.acceleration: %w", err)
	}
	if src.Reconnect.MaxAttempts < 0 || src.Reconnect.InitialDelayMs < 0 || src.Reconnect.MaxDelayMs < 0 {
		return fmt.Errorf("source.reconnect values must not be negative")
	}

	p := &cfg.Pipeline
	if p.DelayMs != nil && *p.DelayMs > settings.MaxDelayMs {
		return fmt.Errorf("pipeline.delay_ms must be at most %d", settings.MaxDelayMs)
	}
	if p.RefreshHz == 0 {
		p.RefreshHz = 60
	}
	if p.RefreshHz < 1 || p.RefreshHz > 240 {
		return fmt.Errorf("pipeline.refresh_hz must be between 1 and 240")
	}
	if p.PollMs == 0 {
		p.PollMs = 100
	}
	if p.PollMs < 10 {
		return fmt.Errorf("pipeline.poll_ms must be >= 10")
	}

	if len(cfg.Captions.Kinds) == 0 {
		cfg.Captions.Kinds = []string{"captions", "subtitles"}
	}

	out := &cfg.Output
	if out.ViewportWidth == 0 && out.ViewportHeight == 0 {
		out.ViewportWidth, out.ViewportHeight = 1280, 720
	}
	if out.ViewportWidth <= 0 || out.ViewportHeight <= 0 {
		return fmt.Errorf("output viewport must be positive")
	}
	if out.DPR == 0 {
		out.DPR = 1
	}
	if out.DPR < 0 || out.DPR > 4 {
		return fmt.Errorf("output.dpr must be between 0 and 4")
	}
	if out.JPEGQuality == 0 {
		out.JPEGQuality = 80
	}
	if out.JPEGQuality < 1 || out.JPEGQuality > 100 {
		return fmt.Errorf("output.jpeg_quality must be 1-100")
	}
	if out.SaveFormat == "" {
		out.SaveFormat = "jpeg"
	}
	if out.SaveFormat != "jpeg" && out.SaveFormat != "png" {
		return fmt.Errorf("output.save_format must be jpeg or png, got %q", out.SaveFormat)
	}
	if out.SaveEvery <= 0 {
		out.SaveEvery = 1
	}

	if cfg.HTTP.Listen == "" {
		cfg.HTTP.Listen = ":8080"
	}

	m := &cfg.MQTT
	if m.InstanceID == "" {
		m.InstanceID = "delayline"
	}
	if !instanceIDPattern.MatchString(m.InstanceID) {
		return fmt.Errorf("mqtt.instance_id must match pattern [a-z0-9-]+")
	}
	if m.Topics.Control == "" {
		m.Topics.Control = fmt.Sprintf("delayline/control/%s", m.InstanceID)
	}
	if m.Topics.Status == "" {
		m.Topics.Status = fmt.Sprintf("delayline/status/%s", m.InstanceID)
	}
	if m.QoS > 2 {
		return fmt.Errorf("mqtt.qos must be 0, 1 or 2")
	}

	if cfg.Settings.DBPath == "" {
		cfg.Settings.DBPath = "delayline.db"
	}

	cfg.Log.Level = strings.ToLower(cfg.Log.Level)
	switch cfg.Log.Level {
	case "":
		cfg.Log.Level = "info"
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("log.level must be debug, info, warn or error")
	}
	switch cfg.Log.Format {
	case "":
		cfg.Log.Format = "text"
	case "text", "json":
	default:
		return fmt.Errorf("log.format must be text or json")
	}

	if cfg.Stats.IntervalS < 0 {
		return fmt.Errorf("stats.interval_s must not be negative")
	}
	return nil
}
