package api

import "time"

// Health states
const (
	StatusHealthy   = "healthy"
	StatusDegraded  = "degraded"
	StatusUnhealthy = "unhealthy"
)

// HealthStatus represents the health state of the nvr service
type HealthStatus struct {
	Status           string    `json:"status" msgpack:"status"` // healthy, degraded, unhealthy
	UptimeSeconds    int64     `json:"uptime_seconds" msgpack:"uptime_seconds"`
	Device           string    `json:"device" msgpack:"device"`
	CameraOpen       bool      `json:"camera_open" msgpack:"camera_open"`
	FramesCaptured   uint64    `json:"frames_captured" msgpack:"frames_captured"`
	FPSReal          float64   `json:"fps_real" msgpack:"fps_real"`
	LastFrameAt      time.Time `json:"last_frame_at" msgpack:"last_frame_at"`
	SegmentsWritten  uint64    `json:"segments_written" msgpack:"segments_written"`
	InvalidSegments  uint64    `json:"invalid_segments" msgpack:"invalid_segments"`
	SkippedWindows   uint64    `json:"skipped_windows" msgpack:"skipped_windows"`
	CurrentSegment   string    `json:"current_segment" msgpack:"current_segment"`
	LiveSessions     int64     `json:"live_sessions" msgpack:"live_sessions"`
	PlaybackSessions int64     `json:"playback_sessions" msgpack:"playback_sessions"`
	MQTTEnabled      bool      `json:"mqtt_enabled" msgpack:"mqtt_enabled"`
	MQTTConnected    bool      `json:"mqtt_connected" msgpack:"mqtt_connected"`
}
