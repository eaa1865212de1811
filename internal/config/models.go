package config

import (
	"fmt"
	"strings"

	"github.com/bryanchriswhite/CamStreamer/internal/frame"
	"github.com/bryanchriswhite/CamStreamer/internal/mediaerr"
)

// Config is the whole camstreamer configuration
type Config struct {
	Capture  CaptureConfig  `json:"capture" yaml:"capture"`
	Encoder  EncoderConfig  `json:"encoder" yaml:"encoder"`
	Display  DisplayConfig  `json:"display" yaml:"display"`
	Raw      RawConfig      `json:"raw" yaml:"raw"`
	Preview  PreviewConfig  `json:"preview" yaml:"preview"`
	X11      X11Config      `json:"x11" yaml:"x11"`
	Services ServicesConfig `json:"services" yaml:"services"`

	ServerPort int    `json:"server_port" yaml:"server_port"`
	LogLevel   string `json:"log_level" yaml:"log_level"`
	// LogFormat is auto, pretty or json; auto picks pretty on a terminal
	LogFormat string `json:"log_format" yaml:"log_format"`
}

// CaptureConfig selects and negotiates the capture device
type CaptureConfig struct {
	Device           string `json:"device" yaml:"device"`
	Width            int    `json:"width" yaml:"width"`
	Height           int    `json:"height" yaml:"height"`
	Format           string `json:"format" yaml:"format"`
	BufferCount      int    `json:"buffer_count" yaml:"buffer_count"`
	DequeueTimeoutMs int    `json:"dequeue_timeout_ms" yaml:"dequeue_timeout_ms"`
}

// EncoderConfig represents the H.264/H.265 encoder service
type EncoderConfig struct {
	Enabled bool   `json:"enabled" yaml:"enabled"`
	Codec   string `json:"codec" yaml:"codec"`
	Bitrate int    `json:"bitrate" yaml:"bitrate"` // kbit/s
	FPS     int    `json:"fps" yaml:"fps"`
	GOP     int    `json:"gop" yaml:"gop"`
	// Output receives the Annex B byte stream; empty discards packets
	Output string `json:"output" yaml:"output"`
}

// DisplayConfig represents the KMS display output
type DisplayConfig struct {
	Enabled bool `json:"enabled" yaml:"enabled"`
	// Device is a DRM card node; empty scans /dev/dri/card*
	Device       string `json:"device" yaml:"device"`
	ConnectorID  uint32 `json:"connector_id" yaml:"connector_id"`
	CrtcID       uint32 `json:"crtc_id" yaml:"crtc_id"`
	TargetWidth  int    `json:"target_width" yaml:"target_width"`
	TargetHeight int    `json:"target_height" yaml:"target_height"`
	X            int    `json:"x" yaml:"x"`
	Y            int    `json:"y" yaml:"y"`
	Width        int    `json:"width" yaml:"width"`
	Height       int    `json:"height" yaml:"height"`
	Layer        int    `json:"layer" yaml:"layer"`
	Visible      bool   `json:"visible" yaml:"visible"`
	UseLogind    bool   `json:"use_logind" yaml:"use_logind"`
}

// RawConfig represents the raw frame callback service
type RawConfig struct {
	Enabled bool `json:"enabled" yaml:"enabled"`
	// Output receives raw frames back to back; empty only counts them
	Output string `json:"output" yaml:"output"`
}

// PreviewConfig represents the browser MJPEG preview
type PreviewConfig struct {
	Enabled bool `json:"enabled" yaml:"enabled"`
	Width   int  `json:"width" yaml:"width"`
	Height  int  `json:"height" yaml:"height"`
	FPS     int  `json:"fps" yaml:"fps"`
	Quality int  `json:"quality" yaml:"quality"`
	OSD     bool `json:"osd" yaml:"osd"`
}

// X11Config represents the desktop preview window
type X11Config struct {
	Enabled bool `json:"enabled" yaml:"enabled"`
	Width   int  `json:"width" yaml:"width"`
	Height  int  `json:"height" yaml:"height"`
	OSD     bool `json:"osd" yaml:"osd"`
}

// ServicesConfig is the queue policy shared by every consumer service
type ServicesConfig struct {
	QueueDepth           int  `json:"queue_depth" yaml:"queue_depth"`
	DrainOnStop          bool `json:"drain_on_stop" yaml:"drain_on_stop"`
	MaxConsecutiveErrors int  `json:"max_consecutive_errors" yaml:"max_consecutive_errors"`
	WaitTimeoutMs        int  `json:"wait_timeout_ms" yaml:"wait_timeout_ms"`
}

// Defaults returns the default configuration
func Defaults() Config {
	return Config{
		Capture: CaptureConfig{
			Device:           "/dev/video0",
			Width:            1280,
			Height:           720,
			Format:           "NV12",
			BufferCount:      4,
			DequeueTimeoutMs: 2000,
		},
		Encoder: EncoderConfig{
			Enabled: false,
			Codec:   "h264",
			Bitrate: 2000,
			FPS:     30,
			GOP:     30,
		},
		Display: DisplayConfig{
			Enabled:      false,
			TargetWidth:  1080,
			TargetHeight: 1920,
			Visible:      true,
			UseLogind:    true,
		},
		Preview: PreviewConfig{
			Enabled: true,
			Width:   640,
			Height:  360,
			FPS:     15,
			Quality: 75,
			OSD:     true,
		},
		X11: X11Config{
			Width:  1280,
			Height: 720,
			OSD:    true,
		},
		Services: ServicesConfig{
			QueueDepth:           4,
			MaxConsecutiveErrors: 30,
			WaitTimeoutMs:        33,
		},
		ServerPort: 8080,
		LogLevel:   "info",
		LogFormat:  "auto",
	}
}

var validLogLevels = map[string]bool{"trace": true, "debug": true, "info": true, "warn": true, "error": true}

// Validate checks every section and reports the first problem as a
// configuration error naming the key.
func (c *Config) Validate() error {
	const op = "validate config"

	if c.Capture.Device == "" {
		return mediaerr.Config(op, "capture.device must be set")
	}
	if c.Capture.Width <= 0 || c.Capture.Height <= 0 {
		return mediaerr.Config(op, "capture resolution %dx%d must be positive", c.Capture.Width, c.Capture.Height)
	}
	if _, err := frame.ParsePixelFormat(c.Capture.Format); err != nil {
		return mediaerr.Config(op, "capture.format: %v", err)
	}
	if c.Capture.BufferCount < 2 {
		return mediaerr.Config(op, "capture.buffer_count must be at least 2, got %d", c.Capture.BufferCount)
	}
	if c.Capture.DequeueTimeoutMs <= 0 {
		return mediaerr.Config(op, "capture.dequeue_timeout_ms must be positive")
	}

	switch strings.ToLower(c.Encoder.Codec) {
	case "h264", "h265":
	default:
		return mediaerr.Config(op, "encoder.codec %q must be h264 or h265", c.Encoder.Codec)
	}
	if c.Encoder.Bitrate <= 0 || c.Encoder.FPS <= 0 || c.Encoder.GOP <= 0 {
		return mediaerr.Config(op, "encoder bitrate, fps and gop must be positive")
	}

	d := c.Display
	if d.X < 0 || d.Y < 0 || d.Width < 0 || d.Height < 0 {
		return mediaerr.Config(op, "display geometry must not be negative")
	}
	if (d.Width == 0) != (d.Height == 0) {
		return mediaerr.Config(op, "display.width and display.height must be set together")
	}
	if d.Layer != 0 {
		return mediaerr.Config(op, "display.layer %d not supported, only the primary plane (0) is", d.Layer)
	}
	if d.TargetWidth < 0 || d.TargetHeight < 0 {
		return mediaerr.Config(op, "display target mode must not be negative")
	}

	if c.Preview.Quality < 1 || c.Preview.Quality > 100 {
		return mediaerr.Config(op, "preview.quality must be in 1..100, got %d", c.Preview.Quality)
	}
	if c.Preview.Width < 0 || c.Preview.Height < 0 || c.Preview.FPS < 0 {
		return mediaerr.Config(op, "preview geometry and fps must not be negative")
	}
	if c.X11.Width < 0 || c.X11.Height < 0 {
		return mediaerr.Config(op, "x11 geometry must not be negative")
	}

	if c.Services.QueueDepth < 0 || c.Services.MaxConsecutiveErrors < 0 || c.Services.WaitTimeoutMs < 0 {
		return mediaerr.Config(op, "services settings must not be negative")
	}

	if c.ServerPort < 0 || c.ServerPort > 65535 {
		return mediaerr.Config(op, "server_port %d out of range", c.ServerPort)
	}
	if !validLogLevels[strings.ToLower(c.LogLevel)] {
		return mediaerr.Config(op, "log_level %q (use: trace, debug, info, warn, error)", c.LogLevel)
	}
	switch c.LogFormat {
	case "auto", "pretty", "json":
	default:
		return mediaerr.Config(op, "log_format %q (use: auto, pretty, json)", c.LogFormat)
	}
	return nil
}

// String renders the capture mode, e.g. "1280x720 NV12".
func (c CaptureConfig) String() string {
	return fmt.Sprintf("%dx%d %s", c.Width, c.Height, c.Format)
}
