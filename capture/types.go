package capture

import (
	"fmt"
	"strings"
	"time"
)

// Resolution represents supported capture resolutions
type Resolution int

const (
	// Res480p represents 640x480 resolution (VGA)
	Res480p Resolution = iota
	// Res720p represents 1280x720 resolution (HD)
	Res720p
	// Res1080p represents 1920x1080 resolution (Full HD)
	Res1080p
)

// Dimensions returns the width and height for the resolution
func (r Resolution) Dimensions() (width, height int) {
	switch r {
	case Res480p:
		return 640, 480
	case Res720p:
		return 1280, 720
	case Res1080p:
		return 1920, 1080
	default:
		// Safe default: 720p
		return 1280, 720
	}
}

// String returns a human-readable string representation of the resolution
func (r Resolution) String() string {
	switch r {
	case Res480p:
		return "480p"
	case Res720p:
		return "720p"
	case Res1080p:
		return "1080p"
	default:
		return "720p"
	}
}

// ParseResolution maps "480p", "720p" or "1080p" to a Resolution.
func ParseResolution(s string) (Resolution, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "480p":
		return Res480p, nil
	case "720p", "":
		return Res720p, nil
	case "1080p":
		return Res1080p, nil
	default:
		return Res720p, fmt.Errorf("capture: unknown resolution %q", s)
	}
}

// Config contains configuration for the capture loop
type Config struct {
	// Interval is the pause after each successful read (default: 30ms)
	Interval time.Duration
	// ReopenDelay is the fixed pause before reopening a failed device (default: 1s)
	ReopenDelay time.Duration
	// Watermark burns the capture time into each frame (default: true via DefaultConfig)
	Watermark bool
}

// DefaultConfig returns the default loop configuration
func DefaultConfig() Config {
	return Config{
		Interval:    30 * time.Millisecond,
		ReopenDelay: 1 * time.Second,
		Watermark:   true,
	}
}

// Stats contains current capture statistics
type Stats struct {
	// Device is the backend name (e.g. "gstreamer:/dev/video0")
	Device string
	// FramesCaptured is the total number of frames published
	FramesCaptured uint64
	// ReadFailures is the number of failed reads
	ReadFailures uint64
	// Reopens counts failed opens plus reopen cycles after read failures
	Reopens uint32
	// IsOpen indicates if the device is currently open
	IsOpen bool
	// LastFrameAt is when the last frame was published
	LastFrameAt time.Time
	// Resolution of the last frame (e.g., "1280x720")
	Resolution string
	// FPSReal is the measured publish rate since Run started
	FPSReal float64
	// Error counters by category
	ErrorsDevice     uint64
	ErrorsPermission uint64
	ErrorsBusy       uint64
	ErrorsFormat     uint64
	ErrorsUnknown    uint64
}
