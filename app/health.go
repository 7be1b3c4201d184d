package app

import (
	"context"
	"log/slog"
	"time"

	"github.com/topqaz/nvr/api"
)

// HealthCheck returns the current health status of the service
func (s *Service) HealthCheck() api.HealthStatus {
	s.mu.RLock()
	running := s.isRunning
	started := s.started
	s.mu.RUnlock()

	cs := s.loop.Stats()
	rs := s.recorder.Stats()

	status := api.HealthStatus{
		Status:           api.StatusHealthy,
		Device:           cs.Device,
		CameraOpen:       cs.IsOpen,
		FramesCaptured:   cs.FramesCaptured,
		FPSReal:          cs.FPSReal,
		LastFrameAt:      cs.LastFrameAt,
		SegmentsWritten:  rs.SegmentsWritten,
		InvalidSegments:  rs.InvalidSegments,
		SkippedWindows:   rs.SkippedWindows,
		CurrentSegment:   rs.Current,
		LiveSessions:     s.live.Stats().ActiveSessions,
		PlaybackSessions: s.playback.Stats().ActiveSessions,
		MQTTEnabled:      s.emitter != nil,
	}
	if running {
		status.UptimeSeconds = int64(time.Since(started).Seconds())
	}
	if s.emitter != nil {
		status.MQTTConnected = s.emitter.Stats().Connected
	}

	// Determine overall health status
	stale := cs.LastFrameAt.IsZero() || time.Since(cs.LastFrameAt) > staleFrameAge
	switch {
	case !running:
		status.Status = api.StatusUnhealthy
	case !status.CameraOpen || stale:
		status.Status = api.StatusDegraded
	case status.MQTTEnabled && !status.MQTTConnected:
		status.Status = api.StatusDegraded
	}

	return status
}

// publishHealth publishes HealthCheck to MQTT every interval.
func (s *Service) publishHealth(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			health := s.HealthCheck()
			if err := s.emitter.PublishHealth(health); err != nil {
				slog.Debug("app: health not published", "error", err)
				continue
			}
			slog.Debug("app: health published",
				"status", health.Status,
				"frames_captured", health.FramesCaptured,
				"segments_written", health.SegmentsWritten,
			)
		}
	}
}
