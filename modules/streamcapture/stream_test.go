package streamcapture

import (
	"strings"
	"testing"
)

func validConfig() Config {
	return Config{
		URL:          "rtsp://camera.local/stream",
		Width:        1280,
		Height:       720,
		TargetFPS:    30,
		SourceStream: "main",
	}
}

func TestValidateFailFast(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{"valid rtsp", func(*Config) {}, ""},
		{"valid file", func(c *Config) { c.URL = "file:///media/match.mp4" }, ""},
		{"ntsc rate", func(c *Config) { c.TargetFPS = 59.94 }, ""},
		{"empty url", func(c *Config) { c.URL = "" }, "URL is required"},
		{"no scheme", func(c *Config) { c.URL = "/media/match.mp4" }, "no scheme"},
		{"fps too low", func(c *Config) { c.TargetFPS = 0.05 }, "invalid FPS"},
		{"fps too high", func(c *Config) { c.TargetFPS = 120 }, "invalid FPS"},
		{"zero width", func(c *Config) { c.Width = 0 }, "invalid size"},
		{"huge height", func(c *Config) { c.Height = 10000 }, "invalid size"},
		{"bad accel", func(c *Config) { c.Acceleration = HardwareAccel(9) }, "invalid acceleration"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validConfig()
			tt.mutate(&cfg)
			err := validate(cfg)
			if tt.wantErr == "" {
				if err != nil {
					t.Fatalf("unexpected error: %v", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Fatalf("expected error containing %q, got %v", tt.wantErr, err)
			}
			if !strings.HasPrefix(err.Error(), "streamcapture: ") {
				t.Errorf("error lacks package prefix: %v", err)
			}
		})
	}
}

func TestParseResolution(t *testing.T) {
	tests := []struct {
		in     string
		w, h   int
		wantOK bool
	}{
		{"360p", 640, 360, true},
		{"720P", 1280, 720, true},
		{" 1080p ", 1920, 1080, true},
		{"4k", 1280, 720, false},
	}
	for _, tt := range tests {
		r, err := ParseResolution(tt.in)
		if (err == nil) != tt.wantOK {
			t.Errorf("ParseResolution(%q) err = %v", tt.in, err)
		}
		if w, h := r.Dimensions(); w != tt.w || h != tt.h {
			t.Errorf("ParseResolution(%q) = %dx%d, want %dx%d", tt.in, w, h, tt.w, tt.h)
		}
	}
}

func TestHardwareAccelRoundTrip(t *testing.T) {
	for _, a := range []HardwareAccel{AccelAuto, AccelVAAPI, AccelSoftware} {
		got, err := ParseHardwareAccel(a.String())
		if err != nil || got != a {
			t.Errorf("ParseHardwareAccel(%q) = %v, %v", a.String(), got, err)
		}
	}
	if got, _ := ParseHardwareAccel(""); got != AccelAuto {
		t.Error("empty acceleration must mean auto")
	}
	if _, err := ParseHardwareAccel("cuda"); err == nil {
		t.Error("expected error for unknown acceleration")
	}
}

func newTestStream(t *testing.T) *Stream {
	t.Helper()
	s, err := NewStream(validConfig())
	if err != nil {
		if strings.Contains(err.Error(), "GStreamer not available") {
			t.Skipf("GStreamer not available: %v", err)
		}
		t.Fatalf("NewStream: %v", err)
	}
	return s
}

func TestStreamStopIdempotent(t *testing.T) {
	s := newTestStream(t)

	for i := 0; i < 3; i++ {
		if err := s.Stop(); err != nil {
			t.Fatalf("Stop #%d: %v", i+1, err)
		}
	}
}

func TestStreamNotRunning(t *testing.T) {
	s := newTestStream(t)

	if err := s.SetTargetFPS(15); err != ErrNotRunning {
		t.Errorf("SetTargetFPS on stopped stream: %v", err)
	}
	if err := s.SetTargetFPS(500); err == nil || err == ErrNotRunning {
		t.Errorf("expected range error before running check, got %v", err)
	}
	if pos := s.Position(); pos != 0 {
		t.Errorf("Position on stopped stream = %v", pos)
	}

	st := s.Stats()
	if st.IsConnected || !st.Live || st.Resolution != "1280x720" || st.FPSTarget != 30 {
		t.Errorf("unexpected stats %+v", st)
	}
}
