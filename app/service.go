// Package app wires capture, recording, streaming and the HTTP API into one
// service.
package app

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/topqaz/nvr/api"
	"github.com/topqaz/nvr/capture"
	"github.com/topqaz/nvr/capture/cvdevice"
	"github.com/topqaz/nvr/capture/gstdevice"
	"github.com/topqaz/nvr/config"
	"github.com/topqaz/nvr/events"
	"github.com/topqaz/nvr/framebus"
	"github.com/topqaz/nvr/media"
	"github.com/topqaz/nvr/media/cvmedia"
	"github.com/topqaz/nvr/rangefile"
	"github.com/topqaz/nvr/recorder"
	"github.com/topqaz/nvr/segment"
	"github.com/topqaz/nvr/stream"
)

// staleFrameAge marks capture as degraded when no frame arrived for this long.
const staleFrameAge = 5 * time.Second

// Option customizes a Service.
type Option func(*Service)

// WithDevice replaces the configured camera backend.
func WithDevice(dev capture.Device) Option {
	return func(s *Service) { s.device = dev }
}

// WithMedia replaces the OpenCV encoder and decoder backends.
func WithMedia(enc media.EncoderFactory, dec media.DecoderFactory) Option {
	return func(s *Service) {
		s.encoders = enc
		s.decoders = dec
	}
}

// Service is the nvr orchestrator
type Service struct {
	cfg *config.Config

	// Core components
	bus      *framebus.Bus
	device   capture.Device
	loop     *capture.Loop
	encoders media.EncoderFactory
	decoders media.DecoderFactory
	store    *segment.Store
	recorder *recorder.Recorder
	live     *stream.Live
	playback *stream.Playback
	emitter  *events.Emitter
	api      *api.Server

	// Lifecycle management
	started   time.Time
	mu        sync.RWMutex
	wg        sync.WaitGroup
	isRunning bool
}

// New builds every component from cfg. Nothing runs until Run.
func New(cfg *config.Config, opts ...Option) (*Service, error) {
	if cfg == nil {
		return nil, fmt.Errorf("app: config is required")
	}

	s := &Service{cfg: cfg, bus: framebus.New()}
	for _, opt := range opts {
		opt(s)
	}

	if s.device == nil {
		dev, err := newDevice(cfg.Camera)
		if err != nil {
			return nil, fmt.Errorf("app: failed to create camera device: %w", err)
		}
		s.device = dev
	}
	if s.encoders == nil || s.decoders == nil {
		backend := cvmedia.New()
		s.encoders, s.decoders = backend, backend
	}

	loop, err := capture.NewLoop(s.device, s.bus, capture.Config{
		Interval:    cfg.Camera.CaptureInterval,
		ReopenDelay: cfg.Camera.ReopenDelay,
		Watermark:   cfg.Camera.WatermarkEnabled(),
	})
	if err != nil {
		return nil, fmt.Errorf("app: failed to create capture loop: %w", err)
	}
	s.loop = loop

	store, err := segment.NewStore(cfg.Recording.Dir, s.decoders)
	if err != nil {
		return nil, fmt.Errorf("app: failed to open recordings: %w", err)
	}
	s.store = store

	rec, err := recorder.New(recorder.Config{
		SegmentDuration: cfg.Recording.SegmentDuration,
		PollInterval:    cfg.Recording.PollInterval,
		FPS:             float64(cfg.Recording.FPS),
		Width:           cfg.Camera.Width,
		Height:          cfg.Camera.Height,
		Codecs:          cfg.Recording.Codecs,
		Watermark:       cfg.Recording.WatermarkEnabled(),
	}, s.bus, s.encoders, store)
	if err != nil {
		return nil, fmt.Errorf("app: failed to create recorder: %w", err)
	}
	s.recorder = rec

	s.live = stream.NewLive(s.bus, stream.LiveConfig{
		Quality:   cfg.Stream.JPEGQuality,
		Interval:  cfg.Stream.LiveInterval,
		KeepAlive: cfg.Stream.KeepAlive,
	})
	s.playback = stream.NewPlayback(store, s.decoders, stream.PlaybackConfig{
		Width:           cfg.Stream.Width,
		Height:          cfg.Stream.Height,
		Quality:         cfg.Stream.JPEGQuality,
		DefaultFPS:      cfg.Stream.DefaultFPS,
		MaxReadFailures: cfg.Stream.MaxReadFailures,
		RetryWait:       cfg.Stream.RetryWait,
	})

	if cfg.MQTT.Enabled() {
		emitter, err := events.NewEmitter(events.Config{
			Broker:      cfg.MQTT.Broker,
			ClientID:    cfg.MQTT.ClientID,
			TopicPrefix: cfg.MQTT.TopicPrefix,
			Encoding:    cfg.MQTT.Encoding,
			QoS:         cfg.MQTT.QoS,
		})
		if err != nil {
			return nil, fmt.Errorf("app: failed to create mqtt emitter: %w", err)
		}
		s.emitter = emitter
		rec.SetObserver(emitter)
	}

	srv, err := api.NewServer(cfg.HTTP.Addr, api.Deps{
		Live:     s.live,
		Playback: s.playback,
		Store:    store,
		Files:    rangefile.New(store),
		Health:   s,
		Users:    cfg.HTTP.Users,
	})
	if err != nil {
		return nil, fmt.Errorf("app: failed to create api server: %w", err)
	}
	s.api = srv

	slog.Info("app: service configured",
		"device", s.device.Name(),
		"recordings", store.Dir(),
		"http_addr", cfg.HTTP.Addr,
		"mqtt_enabled", s.emitter != nil,
	)
	return s, nil
}

// newDevice selects the camera backend from config.
func newDevice(cfg config.CameraConfig) (capture.Device, error) {
	switch cfg.Backend {
	case "opencv":
		return cvdevice.New(cvdevice.Config{
			Index:  cfg.Index,
			Width:  cfg.Width,
			Height: cfg.Height,
		})
	case "gstreamer", "":
		return gstdevice.New(gstdevice.Config{
			Device: cfg.Device,
			Width:  cfg.Width,
			Height: cfg.Height,
		})
	default:
		return nil, fmt.Errorf("unknown camera backend %q", cfg.Backend)
	}
}

// Run starts the API, capture, recorder and health publisher, and blocks
// until ctx is cancelled.
func (s *Service) Run(ctx context.Context) error {
	s.mu.Lock()
	if s.isRunning {
		s.mu.Unlock()
		return fmt.Errorf("app: service is already running")
	}
	s.isRunning = true
	s.started = time.Now()
	s.mu.Unlock()

	slog.Info("app: service starting")

	if err := s.api.Start(); err != nil {
		s.setRunning(false)
		return err
	}

	// MQTT is best effort: the client keeps retrying in the background.
	if s.emitter != nil {
		if err := s.emitter.Connect(ctx); err != nil {
			slog.Warn("app: mqtt not connected yet", "error", err)
		}
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.loop.Run(ctx)
	}()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.recorder.Run(ctx)
	}()

	if s.emitter != nil {
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.publishHealth(ctx, s.cfg.MQTT.HealthInterval)
		}()
	}

	slog.Info("app: service running")

	<-ctx.Done()

	slog.Info("app: service run loop exiting")
	return nil
}

// Shutdown stops the API, waits for the background loops and disconnects
// MQTT. The capture and recorder loops stop when Run's context is cancelled.
func (s *Service) Shutdown(ctx context.Context) error {
	s.mu.RLock()
	running := s.isRunning
	s.mu.RUnlock()
	if !running {
		return nil
	}

	slog.Info("app: shutting down")

	// 1. Cancel open streams and stop accepting requests
	var firstErr error
	if err := s.api.Shutdown(ctx); err != nil {
		slog.Error("app: failed to stop api server", "error", err)
		firstErr = err
	}

	// 2. Wait for capture and the recorder to finish the current segment
	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		slog.Info("app: all goroutines finished")
	case <-ctx.Done():
		slog.Error("app: timed out waiting for goroutines", "error", ctx.Err())
		if firstErr == nil {
			firstErr = fmt.Errorf("app: shutdown: %w", ctx.Err())
		}
	}

	// 3. Disconnect MQTT
	if s.emitter != nil {
		s.emitter.Disconnect()
	}

	s.mu.Lock()
	uptime := time.Since(s.started)
	s.isRunning = false
	s.mu.Unlock()

	slog.Info("app: shutdown complete", "uptime", uptime.Round(time.Second))
	return firstErr
}

// ShutdownTimeout returns the configured graceful shutdown budget.
func (s *Service) ShutdownTimeout() time.Duration {
	return s.cfg.ShutdownTimeout
}

func (s *Service) setRunning(v bool) {
	s.mu.Lock()
	s.isRunning = v
	s.mu.Unlock()
}
