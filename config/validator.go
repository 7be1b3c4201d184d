package config

import (
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/topqaz/nvr/capture"
	"github.com/topqaz/nvr/media"
)

// Validate checks the configuration, filling defaults for optional fields.
func Validate(cfg *Config) error {
	def := Default()

	// Camera
	switch cfg.Camera.Backend {
	case "":
		cfg.Camera.Backend = "gstreamer"
	case "gstreamer", "opencv":
	default:
		return fmt.Errorf("camera.backend must be 'gstreamer' or 'opencv', got %q", cfg.Camera.Backend)
	}
	if cfg.Camera.Backend == "gstreamer" && cfg.Camera.Device == "" {
		return fmt.Errorf("camera.device is required for the gstreamer backend")
	}
	if cfg.Camera.Index < 0 {
		return fmt.Errorf("camera.index must be >= 0")
	}
	if cfg.Camera.Width <= 0 || cfg.Camera.Height <= 0 {
		res, err := capture.ParseResolution(cfg.Camera.Resolution)
		if err != nil {
			return fmt.Errorf("camera.resolution: %w", err)
		}
		cfg.Camera.Width, cfg.Camera.Height = res.Dimensions()
	}
	if cfg.Camera.CaptureInterval <= 0 {
		return fmt.Errorf("camera.capture_interval must be > 0")
	}
	if cfg.Camera.ReopenDelay <= 0 {
		cfg.Camera.ReopenDelay = def.Camera.ReopenDelay
	}

	// Recording
	if cfg.Recording.Dir == "" {
		return fmt.Errorf("recording.dir is required")
	}
	// Segment names have second resolution.
	if cfg.Recording.SegmentDuration < time.Second {
		return fmt.Errorf("recording.segment_duration must be >= 1s, got %v", cfg.Recording.SegmentDuration)
	}
	if cfg.Recording.PollInterval <= 0 {
		cfg.Recording.PollInterval = def.Recording.PollInterval
	}
	if cfg.Recording.FPS <= 0 {
		return fmt.Errorf("recording.fps must be > 0")
	}
	if len(cfg.Recording.Codecs) == 0 {
		cfg.Recording.Codecs = media.DefaultCodecs()
	}
	for i, c := range cfg.Recording.Codecs {
		if len(c.FourCC) != 4 {
			return fmt.Errorf("recording.codecs[%d]: fourcc must be 4 characters, got %q", i, c.FourCC)
		}
		if c.Extension == "" {
			return fmt.Errorf("recording.codecs[%d]: extension is required", i)
		}
	}

	// Stream
	if cfg.Stream.JPEGQuality < 1 || cfg.Stream.JPEGQuality > 100 {
		return fmt.Errorf("stream.jpeg_quality must be in 1..100, got %d", cfg.Stream.JPEGQuality)
	}
	if cfg.Stream.LiveInterval <= 0 {
		return fmt.Errorf("stream.live_interval must be > 0")
	}
	if cfg.Stream.DefaultFPS <= 0 {
		cfg.Stream.DefaultFPS = def.Stream.DefaultFPS
	}
	if cfg.Stream.MaxReadFailures <= 0 {
		cfg.Stream.MaxReadFailures = def.Stream.MaxReadFailures
	}
	if cfg.Stream.Width < 0 || cfg.Stream.Height < 0 {
		return fmt.Errorf("stream.width and stream.height must be >= 0")
	}

	// HTTP
	if cfg.HTTP.Addr == "" {
		return fmt.Errorf("http.addr is required")
	}
	for user, pass := range cfg.HTTP.Users {
		if user == "" || pass == "" {
			return fmt.Errorf("http.users: empty user name or password")
		}
	}

	// MQTT is optional
	if cfg.MQTT.Enabled() {
		switch cfg.MQTT.Encoding {
		case "":
			cfg.MQTT.Encoding = "json"
		case "json", "msgpack":
		default:
			return fmt.Errorf("mqtt.encoding must be 'json' or 'msgpack', got %q", cfg.MQTT.Encoding)
		}
		if cfg.MQTT.QoS > 2 {
			return fmt.Errorf("mqtt.qos must be 0, 1 or 2")
		}
		if cfg.MQTT.TopicPrefix == "" {
			cfg.MQTT.TopicPrefix = "nvr"
		}
		if cfg.MQTT.HealthInterval <= 0 {
			cfg.MQTT.HealthInterval = def.MQTT.HealthInterval
		}
	}

	// Logging
	if _, err := ParseLevel(cfg.Logging.Level); err != nil {
		return err
	}

	if cfg.ShutdownTimeout <= 0 {
		cfg.ShutdownTimeout = def.ShutdownTimeout
	}

	return nil
}

// ParseLevel maps logging.level to a slog level ("" means info).
func ParseLevel(s string) (slog.Level, error) {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug, nil
	case "info", "":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return slog.LevelInfo, fmt.Errorf("logging.level: unknown level %q", s)
	}
}
