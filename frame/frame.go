// Package frame defines the raw video frame shared by capture, the frame bus,
// the segment recorder and the streamers, plus the pixel helpers they use
// (watermark, resize, JPEG encoding).
//
// Frames carry packed RGB24 pixels, row-major, 3 bytes per pixel with no row
// padding. This is the format produced by the capture backends.
//
// IMMUTABILITY CONTRACT:
//   - A frame handed to the bus MUST NOT be modified afterwards.
//   - Consumers MUST treat frames returned by the bus as read-only, or Clone()
//     them before drawing.
package frame

import (
	"errors"
	"fmt"
	"time"
)

// BytesPerPixel is the size of one packed RGB24 pixel.
const BytesPerPixel = 3

// ErrInvalidFrame is returned when pixel data does not match the dimensions.
var ErrInvalidFrame = errors.New("frame: invalid frame")

// Frame is a single RGB24 video frame with capture metadata.
type Frame struct {
	// Seq is the monotonic sequence number assigned by the producer
	Seq uint64
	// Timestamp is when the frame was captured or decoded
	Timestamp time.Time
	// Width in pixels
	Width int
	// Height in pixels
	Height int
	// Data contains packed RGB24 pixels (len == Width*Height*3)
	Data []byte
	// TraceID correlates a frame across log lines
	TraceID string
}

// Empty reports whether the frame carries no pixels.
func (f Frame) Empty() bool {
	return len(f.Data) == 0
}

// Validate checks that the pixel buffer matches the declared dimensions.
func (f Frame) Validate() error {
	if f.Width <= 0 || f.Height <= 0 {
		return fmt.Errorf("%w: dimensions %dx%d", ErrInvalidFrame, f.Width, f.Height)
	}
	if want := f.Width * f.Height * BytesPerPixel; len(f.Data) != want {
		return fmt.Errorf("%w: got %d bytes, expected %d", ErrInvalidFrame, len(f.Data), want)
	}
	return nil
}

// Clone returns a deep copy of the frame.
func (f Frame) Clone() Frame {
	c := f
	if f.Data != nil {
		c.Data = make([]byte, len(f.Data))
		copy(c.Data, f.Data)
	}
	return c
}

// Resolution returns "WxH".
func (f Frame) Resolution() string {
	return fmt.Sprintf("%dx%d", f.Width, f.Height)
}
