// Package cvmedia implements media encoders and decoders with OpenCV (gocv).
package cvmedia

import (
	"fmt"
	"log/slog"
	"math"
	"time"

	"gocv.io/x/gocv"

	"github.com/topqaz/nvr/frame"
	"github.com/topqaz/nvr/media"
)

// Backend opens OpenCV VideoWriters and VideoCaptures.
type Backend struct{}

var (
	_ media.EncoderFactory = (*Backend)(nil)
	_ media.DecoderFactory = (*Backend)(nil)
)

// New returns an OpenCV media backend.
func New() *Backend {
	return &Backend{}
}

// Encoder writes frames through a gocv.VideoWriter.
type Encoder struct {
	writer *gocv.VideoWriter
	path   string
	width  int
	height int
}

// OpenEncoder opens a VideoWriter for codec. A writer that reports
// !IsOpened() means the FOURCC is not usable on this host.
func (b *Backend) OpenEncoder(path string, codec media.Codec, fps float64, width, height int) (media.Encoder, error) {
	if len(codec.FourCC) != 4 {
		return nil, fmt.Errorf("%w: invalid fourcc %q", media.ErrEncoderUnavailable, codec.FourCC)
	}

	w, err := gocv.VideoWriterFile(path, codec.FourCC, fps, width, height, true)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", media.ErrEncoderUnavailable, codec, err)
	}
	if !w.IsOpened() {
		w.Close()
		return nil, fmt.Errorf("%w: %s: writer not opened", media.ErrEncoderUnavailable, codec)
	}

	return &Encoder{writer: w, path: path, width: width, height: height}, nil
}

// Write appends one frame, scaling it to the writer size if needed.
func (e *Encoder) Write(f frame.Frame) error {
	if f.Width != e.width || f.Height != e.height {
		resized, err := frame.Resize(f, e.width, e.height)
		if err != nil {
			return fmt.Errorf("cvmedia: resize for %s: %w", e.path, err)
		}
		f = resized
	}

	mat, err := MatFromFrame(f)
	if err != nil {
		return err
	}
	defer mat.Close()

	if err := e.writer.Write(mat); err != nil {
		return fmt.Errorf("cvmedia: write %s: %w", e.path, err)
	}
	return nil
}

// Close finalizes the container.
func (e *Encoder) Close() error {
	if e.writer == nil {
		return nil
	}
	err := e.writer.Close()
	e.writer = nil
	return err
}

// Decoder reads frames through a gocv.VideoCapture.
type Decoder struct {
	capture *gocv.VideoCapture
	info    media.Info
	mat     gocv.Mat
}

// OpenDecoder opens path with VideoCapture.
func (b *Backend) OpenDecoder(path string) (media.Decoder, error) {
	vc, err := gocv.VideoCaptureFile(path)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", media.ErrDecode, path, err)
	}
	if !vc.IsOpened() {
		vc.Close()
		return nil, fmt.Errorf("%w: %s: capture not opened", media.ErrDecode, path)
	}

	info := media.Info{
		FrameCount: int(vc.Get(gocv.VideoCaptureFrameCount)),
		FPS:        vc.Get(gocv.VideoCaptureFPS),
		Width:      int(vc.Get(gocv.VideoCaptureFrameWidth)),
		Height:     int(vc.Get(gocv.VideoCaptureFrameHeight)),
	}

	return &Decoder{capture: vc, info: info, mat: gocv.NewMat()}, nil
}

// Info returns the container metadata read at open time.
func (d *Decoder) Info() media.Info {
	return d.info
}

// SeekTime sets the millisecond position and accepts it when the reported
// position lands within one frame of the target.
func (d *Decoder) SeekTime(offset time.Duration) bool {
	target := float64(offset.Milliseconds())
	d.capture.Set(gocv.VideoCapturePosMsec, target)

	got := d.capture.Get(gocv.VideoCapturePosMsec)
	tolerance := 1000.0
	if d.info.FPS > 0 {
		tolerance = 1000.0 / d.info.FPS
	}
	if math.Abs(got-target) > tolerance {
		slog.Debug("cvmedia: time seek not honored",
			"target_ms", target,
			"position_ms", got,
		)
		return false
	}
	return true
}

// SeekFrame sets the frame position.
func (d *Decoder) SeekFrame(index int) bool {
	if index < 0 {
		return false
	}
	d.capture.Set(gocv.VideoCapturePosFrames, float64(index))
	return d.Position() == index
}

// Position is the index of the next frame.
func (d *Decoder) Position() int {
	return int(d.capture.Get(gocv.VideoCapturePosFrames))
}

// Read decodes the next frame into a fresh RGB buffer.
func (d *Decoder) Read() (frame.Frame, bool) {
	if ok := d.capture.Read(&d.mat); !ok || d.mat.Empty() {
		return frame.Frame{}, false
	}
	f, err := FrameFromMat(d.mat)
	if err != nil {
		return frame.Frame{}, false
	}
	f.Timestamp = time.Now()
	return f, true
}

// Close releases the capture.
func (d *Decoder) Close() error {
	d.mat.Close()
	return d.capture.Close()
}

// FrameFromMat converts a BGR Mat to an RGB frame with its own buffer.
func FrameFromMat(mat gocv.Mat) (frame.Frame, error) {
	if mat.Empty() {
		return frame.Frame{}, fmt.Errorf("%w: empty mat", media.ErrDecode)
	}
	if mat.Channels() != 3 {
		return frame.Frame{}, fmt.Errorf("%w: expected 3 channels, got %d", media.ErrDecode, mat.Channels())
	}

	rgb := gocv.NewMat()
	defer rgb.Close()
	gocv.CvtColor(mat, &rgb, gocv.ColorBGRToRGB)

	f := frame.Frame{
		Width:  rgb.Cols(),
		Height: rgb.Rows(),
		Data:   rgb.ToBytes(),
	}
	if err := f.Validate(); err != nil {
		return frame.Frame{}, err
	}
	return f, nil
}

// MatFromFrame converts an RGB frame to a new BGR Mat. The caller closes it.
func MatFromFrame(f frame.Frame) (gocv.Mat, error) {
	if err := f.Validate(); err != nil {
		return gocv.Mat{}, err
	}

	rgb, err := gocv.NewMatFromBytes(f.Height, f.Width, gocv.MatTypeCV8UC3, f.Data)
	if err != nil {
		return gocv.Mat{}, fmt.Errorf("cvmedia: mat from frame: %w", err)
	}
	defer rgb.Close()

	bgr := gocv.NewMat()
	gocv.CvtColor(rgb, &bgr, gocv.ColorRGBToBGR)
	return bgr, nil
}
