// Package cvdevice is an OpenCV capture backend that opens a camera by index.
package cvdevice

import (
	"context"
	"fmt"
	"log/slog"

	"gocv.io/x/gocv"

	"github.com/topqaz/nvr/capture"
	"github.com/topqaz/nvr/frame"
	"github.com/topqaz/nvr/media/cvmedia"
)

// Config contains configuration for an OpenCV camera
type Config struct {
	// Index is the OpenCV camera index (0 = first camera)
	Index int
	// Width and Height are the requested capture dimensions
	Width  int
	Height int
}

// Device captures frames with gocv.VideoCapture.
type Device struct {
	cfg Config
	vc  *gocv.VideoCapture
	mat gocv.Mat
}

var _ capture.Device = (*Device)(nil)

// New creates an OpenCV device. The camera is not opened until Open.
func New(cfg Config) (*Device, error) {
	if cfg.Index < 0 {
		return nil, fmt.Errorf("cvdevice: invalid camera index %d", cfg.Index)
	}
	if cfg.Width <= 0 || cfg.Height <= 0 {
		return nil, fmt.Errorf("cvdevice: invalid resolution %dx%d", cfg.Width, cfg.Height)
	}
	return &Device{cfg: cfg}, nil
}

// Name identifies the device in logs.
func (d *Device) Name() string {
	return fmt.Sprintf("opencv:%d", d.cfg.Index)
}

// Open opens the camera and requests the configured resolution.
func (d *Device) Open(ctx context.Context) error {
	if d.vc != nil {
		return nil
	}

	vc, err := gocv.OpenVideoCapture(d.cfg.Index)
	if err != nil {
		return capture.NewDeviceError(capture.ErrDeviceUnavailable, err.Error(), "")
	}
	if !vc.IsOpened() {
		vc.Close()
		return capture.NewDeviceError(capture.ErrDeviceUnavailable, "could not open camera", d.Name())
	}

	vc.Set(gocv.VideoCaptureFrameWidth, float64(d.cfg.Width))
	vc.Set(gocv.VideoCaptureFrameHeight, float64(d.cfg.Height))

	d.vc = vc
	d.mat = gocv.NewMat()

	slog.Info("cvdevice: camera opened",
		"index", d.cfg.Index,
		"requested", fmt.Sprintf("%dx%d", d.cfg.Width, d.cfg.Height),
		"actual", fmt.Sprintf("%dx%d",
			int(vc.Get(gocv.VideoCaptureFrameWidth)),
			int(vc.Get(gocv.VideoCaptureFrameHeight))),
	)
	return nil
}

// Read grabs one frame. The driver may deliver a different size than
// requested; frames are passed on at their native size.
func (d *Device) Read(ctx context.Context) (frame.Frame, error) {
	if d.vc == nil {
		return frame.Frame{}, fmt.Errorf("%w: device not open", capture.ErrReadFailed)
	}
	if ok := d.vc.Read(&d.mat); !ok || d.mat.Empty() {
		return frame.Frame{}, capture.NewDeviceError(capture.ErrReadFailed, "empty frame", "device disconnected")
	}

	f, err := cvmedia.FrameFromMat(d.mat)
	if err != nil {
		return frame.Frame{}, fmt.Errorf("%w: %w", capture.ErrReadFailed, err)
	}
	return f, nil
}

// Close releases the camera.
func (d *Device) Close() error {
	if d.vc == nil {
		return nil
	}
	d.mat.Close()
	err := d.vc.Close()
	d.vc = nil
	return err
}
