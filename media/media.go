// Package media defines the encoder and decoder contracts used by the segment
// recorder, the segment store and the playback streamer.
//
// The concrete implementation lives in media/cvmedia (OpenCV via gocv).
// Tests use in-memory fakes of these interfaces.
package media

import (
	"errors"
	"math"
	"strings"
	"time"

	"github.com/topqaz/nvr/frame"
)

var (
	// ErrEncoderUnavailable is returned when no writer could be opened for a codec.
	ErrEncoderUnavailable = errors.New("media: encoder unavailable")

	// ErrDecode is returned when a file cannot be opened or read as video.
	ErrDecode = errors.New("media: decode error")
)

// Codec describes one encoder attempt: the FOURCC handed to the writer and
// the container extension used when it succeeds.
type Codec struct {
	FourCC    string `yaml:"fourcc"`
	Extension string `yaml:"extension"`
}

// String returns "FOURCC/.ext".
func (c Codec) String() string {
	return c.FourCC + "/" + c.Ext()
}

// Ext returns the extension with a leading dot.
func (c Codec) Ext() string {
	if c.Extension == "" || strings.HasPrefix(c.Extension, ".") {
		return c.Extension
	}
	return "." + c.Extension
}

// DefaultCodecs is the negotiation order used when none is configured.
func DefaultCodecs() []Codec {
	return []Codec{
		{FourCC: "MJPG", Extension: ".avi"},
		{FourCC: "XVID", Extension: ".avi"},
		{FourCC: "mp4v", Extension: ".mp4"},
	}
}

// Encoder appends frames to a video file.
type Encoder interface {
	Write(f frame.Frame) error
	Close() error
}

// EncoderFactory opens encoders.
type EncoderFactory interface {
	// OpenEncoder creates path with the given codec. It returns an error
	// wrapping ErrEncoderUnavailable if the codec cannot be used.
	OpenEncoder(path string, codec Codec, fps float64, width, height int) (Encoder, error)
}

// Info is what a decoder reports about a file.
type Info struct {
	FrameCount int
	FPS        float64
	Width      int
	Height     int
}

// Duration is FrameCount/FPS, or zero when either is non-positive.
func (i Info) Duration() time.Duration {
	if i.FrameCount <= 0 || i.FPS <= 0 {
		return 0
	}
	return time.Duration(float64(i.FrameCount) / i.FPS * float64(time.Second))
}

// FrameAt returns floor(offset·fps).
func FrameAt(offset time.Duration, fps float64) int {
	if fps <= 0 || offset <= 0 {
		return 0
	}
	return int(math.Floor(offset.Seconds() * fps))
}

// Decoder reads frames sequentially from a file.
//
// A decoder is owned by one goroutine.
type Decoder interface {
	Info() Info
	// SeekTime positions the decoder at offset. It returns false if the
	// backend cannot seek by time for this file.
	SeekTime(offset time.Duration) bool
	// SeekFrame positions the decoder at a zero-based frame index.
	SeekFrame(index int) bool
	// Position is the index of the next frame Read returns.
	Position() int
	// Read decodes the next frame. ok is false on failure or end of file.
	Read() (f frame.Frame, ok bool)
	Close() error
}

// DecoderFactory opens decoders.
type DecoderFactory interface {
	// OpenDecoder opens path for reading. It returns an error wrapping
	// ErrDecode if the file cannot be decoded.
	OpenDecoder(path string) (Decoder, error)
}
