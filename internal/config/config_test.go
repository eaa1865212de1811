package config

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/bryanchriswhite/CamStreamer/internal/mediaerr"
)

func TestDefaultsValidate(t *testing.T) {
	cfg := Defaults()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("defaults invalid: %v", err)
	}
}

func TestValidateRejects(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		key    string
	}{
		{"empty device", func(c *Config) { c.Capture.Device = "" }, "capture.device"},
		{"zero width", func(c *Config) { c.Capture.Width = 0 }, "resolution"},
		{"unknown format", func(c *Config) { c.Capture.Format = "P010" }, "capture.format"},
		{"one buffer", func(c *Config) { c.Capture.BufferCount = 1 }, "buffer_count"},
		{"vp9", func(c *Config) { c.Encoder.Codec = "vp9" }, "encoder.codec"},
		{"zero bitrate", func(c *Config) { c.Encoder.Bitrate = 0 }, "encoder"},
		{"half display size", func(c *Config) { c.Display.Width = 100 }, "display.width"},
		{"overlay layer", func(c *Config) { c.Display.Layer = 1 }, "display.layer"},
		{"jpeg quality", func(c *Config) { c.Preview.Quality = 101 }, "preview.quality"},
		{"port", func(c *Config) { c.ServerPort = 70000 }, "server_port"},
		{"log level", func(c *Config) { c.LogLevel = "loud" }, "log_level"},
		{"log format", func(c *Config) { c.LogFormat = "xml" }, "log_format"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Defaults()
			tt.mutate(&cfg)
			err := cfg.Validate()
			if !errors.Is(err, mediaerr.ErrConfiguration) {
				t.Fatalf("Validate() = %v, want configuration error", err)
			}
			if !strings.Contains(err.Error(), tt.key) {
				t.Errorf("error %q does not name %s", err, tt.key)
			}
		})
	}
}

func newTestManager(t *testing.T) *Manager {
	t.Helper()
	m, err := NewManager(filepath.Join(t.TempDir(), "sub", "config.yaml"))
	if err != nil {
		t.Fatal(err)
	}
	return m
}

func TestNewManagerCreatesDefaults(t *testing.T) {
	m := newTestManager(t)
	if _, err := os.Stat(m.Path()); err != nil {
		t.Fatalf("config file not created: %v", err)
	}
	if got := m.Get(); got != Defaults() {
		t.Errorf("Get() = %+v, want defaults", got)
	}
}

// TestPartialFileKeepsDefaults loads a file naming only a few keys.
func TestPartialFileKeepsDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	data := "capture:\n  device: /dev/video2\n  width: 1920\n  height: 1080\nserver_port: 9090\n"
	if err := os.WriteFile(path, []byte(data), 0644); err != nil {
		t.Fatal(err)
	}

	m, err := NewManager(path)
	if err != nil {
		t.Fatal(err)
	}
	cfg := m.Get()
	if cfg.Capture.Device != "/dev/video2" || cfg.Capture.Width != 1920 || cfg.ServerPort != 9090 {
		t.Errorf("file values not applied: %+v", cfg)
	}
	if cfg.Capture.Format != "NV12" || cfg.Capture.BufferCount != 4 || cfg.Preview.Quality != 75 {
		t.Errorf("defaults lost: %+v", cfg)
	}
}

func TestInvalidFileIsRejected(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte("capture:\n  buffer_count: 1\n"), 0644); err != nil {
		t.Fatal(err)
	}
	if _, err := NewManager(path); !errors.Is(err, mediaerr.ErrConfiguration) {
		t.Fatalf("NewManager() = %v, want configuration error", err)
	}
}

func TestSetAndValue(t *testing.T) {
	m := newTestManager(t)

	if err := m.Set("capture.width", "1920"); err != nil {
		t.Fatal(err)
	}
	if err := m.Set("display.enabled", "true"); err != nil {
		t.Fatal(err)
	}
	if err := m.Set("capture.format", "yuyv"); err != nil {
		t.Fatal(err)
	}

	v, err := m.Value("capture.width")
	if err != nil {
		t.Fatal(err)
	}
	if v != 1920 {
		t.Errorf("capture.width = %v", v)
	}

	reloaded, err := NewManager(m.Path())
	if err != nil {
		t.Fatal(err)
	}
	cfg := reloaded.Get()
	if cfg.Capture.Width != 1920 || !cfg.Display.Enabled || cfg.Capture.Format != "yuyv" {
		t.Errorf("changes not persisted: %+v", cfg)
	}
}

func TestSetRejects(t *testing.T) {
	m := newTestManager(t)
	before := m.Get()

	cases := map[string][2]string{
		"unknown key":    {"capture.zoom", "2"},
		"section":        {"capture", "x"},
		"not a number":   {"capture.width", "wide"},
		"not a bool":     {"display.enabled", "maybe"},
		"fails validate": {"capture.buffer_count", "1"},
	}
	for name, kv := range cases {
		t.Run(name, func(t *testing.T) {
			if err := m.Set(kv[0], kv[1]); !errors.Is(err, mediaerr.ErrConfiguration) {
				t.Fatalf("Set(%s, %s) = %v, want configuration error", kv[0], kv[1], err)
			}
		})
	}
	if m.Get() != before {
		t.Error("rejected Set changed the configuration")
	}
}

func TestOverrideIsNotSaved(t *testing.T) {
	m := newTestManager(t)
	if err := m.Override(func(c *Config) { c.ServerPort = 9999 }); err != nil {
		t.Fatal(err)
	}
	if m.Get().ServerPort != 9999 {
		t.Fatal("override not applied")
	}
	if err := m.Override(func(c *Config) { c.Capture.Width = -1 }); err == nil {
		t.Fatal("invalid override accepted")
	}

	reloaded, err := NewManager(m.Path())
	if err != nil {
		t.Fatal(err)
	}
	if reloaded.Get().ServerPort != 8080 {
		t.Error("override was written to disk")
	}
}
