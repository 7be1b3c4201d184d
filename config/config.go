// Package config loads the nvr YAML configuration.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/topqaz/nvr/media"
)

// Config represents the complete nvr configuration
type Config struct {
	Camera          CameraConfig    `yaml:"camera"`
	Recording       RecordingConfig `yaml:"recording"`
	Stream          StreamConfig    `yaml:"stream"`
	HTTP            HTTPConfig      `yaml:"http"`
	MQTT            MQTTConfig      `yaml:"mqtt"`
	Logging         LoggingConfig   `yaml:"logging"`
	ShutdownTimeout time.Duration   `yaml:"shutdown_timeout"` // graceful shutdown budget (default: 5s)
}

// CameraConfig contains capture device settings
type CameraConfig struct {
	Backend         string        `yaml:"backend"`    // gstreamer, opencv
	Device          string        `yaml:"device"`     // v4l2 device path (gstreamer)
	Index           int           `yaml:"index"`      // camera index (opencv)
	Resolution      string        `yaml:"resolution"` // 480p, 720p, 1080p; used when width/height are unset
	Width           int           `yaml:"width"`
	Height          int           `yaml:"height"`
	CaptureInterval time.Duration `yaml:"capture_interval"`
	ReopenDelay     time.Duration `yaml:"reopen_delay"`
	Watermark       *bool         `yaml:"watermark,omitempty"`
}

// RecordingConfig contains segment recorder settings
type RecordingConfig struct {
	Dir             string        `yaml:"dir"`
	SegmentDuration time.Duration `yaml:"segment_duration"`
	PollInterval    time.Duration `yaml:"poll_interval"`
	FPS             int           `yaml:"fps"`
	Codecs          []media.Codec `yaml:"codecs"` // tried in order
	Watermark       *bool         `yaml:"watermark,omitempty"`
}

// StreamConfig contains live and playback streaming settings
type StreamConfig struct {
	JPEGQuality     int           `yaml:"jpeg_quality"`
	LiveInterval    time.Duration `yaml:"live_interval"`
	KeepAlive       time.Duration `yaml:"keepalive"`
	DefaultFPS      float64       `yaml:"default_fps"`       // playback pacing when the file reports none
	MaxReadFailures int           `yaml:"max_read_failures"` // consecutive failures before restart
	RetryWait       time.Duration `yaml:"retry_wait"`
	Width           int           `yaml:"width"` // playback output size
	Height          int           `yaml:"height"`
}

// HTTPConfig contains API server settings
type HTTPConfig struct {
	Addr  string            `yaml:"addr"`
	Users map[string]string `yaml:"users"` // basic auth accounts: user -> password
}

// MQTTConfig contains optional event publishing settings. Empty broker
// disables MQTT.
type MQTTConfig struct {
	Broker         string        `yaml:"broker"`
	ClientID       string        `yaml:"client_id"`
	TopicPrefix    string        `yaml:"topic_prefix"`
	Encoding       string        `yaml:"encoding"` // json, msgpack
	QoS            byte          `yaml:"qos"`
	HealthInterval time.Duration `yaml:"health_interval"`
}

// LoggingConfig contains log settings
type LoggingConfig struct {
	Level string `yaml:"level"` // debug, info, warn, error
}

// Enabled reports whether MQTT publishing is configured.
func (m MQTTConfig) Enabled() bool {
	return m.Broker != ""
}

// WatermarkEnabled reports whether capture stamps frames (default: true).
func (c CameraConfig) WatermarkEnabled() bool {
	return c.Watermark == nil || *c.Watermark
}

// WatermarkEnabled reports whether recorded frames are re-stamped (default: true).
func (r RecordingConfig) WatermarkEnabled() bool {
	return r.Watermark == nil || *r.Watermark
}

// Default returns a configuration that runs with a local /dev/video0.
func Default() *Config {
	return &Config{
		Camera: CameraConfig{
			Backend:         "gstreamer",
			Device:          "/dev/video0",
			Resolution:      "720p",
			CaptureInterval: 30 * time.Millisecond,
			ReopenDelay:     time.Second,
		},
		Recording: RecordingConfig{
			Dir:             "recordings",
			SegmentDuration: 60 * time.Second,
			PollInterval:    50 * time.Millisecond,
			FPS:             20,
			Codecs:          media.DefaultCodecs(),
		},
		Stream: StreamConfig{
			JPEGQuality:     85,
			LiveInterval:    33 * time.Millisecond,
			KeepAlive:       time.Second,
			DefaultFPS:      20,
			MaxReadFailures: 10,
			RetryWait:       100 * time.Millisecond,
			Width:           1280,
			Height:          720,
		},
		HTTP: HTTPConfig{
			Addr: ":5000",
		},
		MQTT: MQTTConfig{
			TopicPrefix:    "nvr",
			Encoding:       "json",
			HealthInterval: 30 * time.Second,
		},
		Logging: LoggingConfig{
			Level: "info",
		},
		ShutdownTimeout: 5 * time.Second,
	}
}

// Load reads a YAML configuration file over Default and validates it.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: failed to read config file: %w", err)
	}
	return Parse(data)
}

// Parse decodes YAML over Default and validates the result.
func Parse(data []byte) (*Config, error) {
	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("config: failed to parse config: %w", err)
	}

	if err := Validate(cfg); err != nil {
		return nil, fmt.Errorf("config: invalid configuration: %w", err)
	}

	return cfg, nil
}
