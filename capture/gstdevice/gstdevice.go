// Package gstdevice is a GStreamer capture backend for V4L2 cameras.
//
// Pipeline structure:
//
//	v4l2src → videoconvert → videoscale → capsfilter(RGB, WxH) → appsink
//
// The appsink keeps only the latest buffer (max-buffers=1, drop=true) so a
// slow reader never sees stale frames.
package gstdevice

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/tinyzimmer/go-gst/gst"
	"github.com/tinyzimmer/go-gst/gst/app"

	"github.com/topqaz/nvr/capture"
	"github.com/topqaz/nvr/frame"
)

// Config contains configuration for the V4L2 pipeline
type Config struct {
	// Device is the V4L2 device path (default: /dev/video0)
	Device string
	// Width and Height are the requested output dimensions
	Width  int
	Height int
	// PullTimeout bounds a single Read (default: 2s)
	PullTimeout time.Duration
}

// Device captures RGB frames from a V4L2 camera through GStreamer.
type Device struct {
	cfg      Config
	pipeline *gst.Pipeline
	sink     *app.Sink
}

var _ capture.Device = (*Device)(nil)

// New creates a GStreamer device with fail-fast validation.
//
// Returns an error if the configuration is invalid or GStreamer is not
// available. The camera itself is not touched until Open.
func New(cfg Config) (*Device, error) {
	if cfg.Device == "" {
		cfg.Device = "/dev/video0"
	}
	if cfg.Width <= 0 || cfg.Height <= 0 {
		return nil, fmt.Errorf("gstdevice: invalid resolution %dx%d", cfg.Width, cfg.Height)
	}
	if cfg.PullTimeout <= 0 {
		cfg.PullTimeout = 2 * time.Second
	}

	if err := checkGStreamerAvailable(); err != nil {
		return nil, fmt.Errorf("gstdevice: GStreamer not available: %w", err)
	}

	return &Device{cfg: cfg}, nil
}

// Name identifies the device in logs.
func (d *Device) Name() string {
	return "gstreamer:" + d.cfg.Device
}

// Open builds the pipeline and sets it to PLAYING.
func (d *Device) Open(ctx context.Context) error {
	if d.pipeline != nil {
		return nil
	}

	pipeline, sink, err := createPipeline(d.cfg)
	if err != nil {
		return capture.NewDeviceError(capture.ErrDeviceUnavailable, err.Error(), "")
	}

	if err := pipeline.SetState(gst.StatePlaying); err != nil {
		// the bus usually carries the real reason (missing device, EBUSY...)
		derr := busError(pipeline, capture.ErrDeviceUnavailable)
		pipeline.SetState(gst.StateNull)
		if derr != nil {
			return derr
		}
		return capture.NewDeviceError(capture.ErrDeviceUnavailable, err.Error(), "")
	}

	d.pipeline = pipeline
	d.sink = sink

	slog.Info("gstdevice: pipeline playing",
		"device", d.cfg.Device,
		"resolution", fmt.Sprintf("%dx%d", d.cfg.Width, d.cfg.Height),
	)
	return nil
}

// Read pulls one RGB frame from the appsink.
func (d *Device) Read(ctx context.Context) (frame.Frame, error) {
	if d.sink == nil {
		return frame.Frame{}, fmt.Errorf("%w: device not open", capture.ErrReadFailed)
	}

	sample := d.sink.TryPullSample(d.cfg.PullTimeout)
	if sample == nil {
		if derr := busError(d.pipeline, capture.ErrReadFailed); derr != nil {
			return frame.Frame{}, derr
		}
		if d.sink.IsEOS() {
			return frame.Frame{}, capture.NewDeviceError(capture.ErrReadFailed, "end of stream", "device disconnected")
		}
		return frame.Frame{}, fmt.Errorf("%w: no sample within %v", capture.ErrReadFailed, d.cfg.PullTimeout)
	}

	buffer := sample.GetBuffer()
	if buffer == nil {
		return frame.Frame{}, fmt.Errorf("%w: sample without buffer", capture.ErrReadFailed)
	}

	mapInfo := buffer.Map(gst.MapRead)
	data := mapInfo.Bytes()
	if len(data) == 0 {
		buffer.Unmap()
		return frame.Frame{}, fmt.Errorf("%w: empty buffer", capture.ErrReadFailed)
	}

	// GStreamer reuses the buffer
	pixels := make([]byte, len(data))
	copy(pixels, data)
	buffer.Unmap()

	return frame.Frame{
		Width:  d.cfg.Width,
		Height: d.cfg.Height,
		Data:   pixels,
	}, nil
}

// Close stops the pipeline and releases the camera.
func (d *Device) Close() error {
	if d.pipeline == nil {
		return nil
	}
	err := d.pipeline.SetState(gst.StateNull)
	d.pipeline = nil
	d.sink = nil
	if err != nil {
		return fmt.Errorf("gstdevice: failed to set pipeline to NULL: %w", err)
	}
	return nil
}

func createPipeline(cfg Config) (*gst.Pipeline, *app.Sink, error) {
	gst.Init(nil)

	pipeline, err := gst.NewPipeline("")
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create pipeline: %w", err)
	}

	src, err := gst.NewElement("v4l2src")
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create v4l2src: %w", err)
	}
	src.SetProperty("device", cfg.Device)

	converter, err := gst.NewElement("videoconvert")
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create videoconvert: %w", err)
	}

	scaler, err := gst.NewElement("videoscale")
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create videoscale: %w", err)
	}

	capsfilter, err := gst.NewElement("capsfilter")
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create capsfilter: %w", err)
	}
	capsfilter.SetProperty("caps", gst.NewCapsFromString(buildCaps(cfg.Width, cfg.Height)))

	sink, err := app.NewAppSink()
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create appsink: %w", err)
	}
	sink.SetProperty("sync", false)    // No sync with clock (real-time)
	sink.SetProperty("max-buffers", 1) // Keep only latest frame
	sink.SetProperty("drop", true)     // Drop old frames

	pipeline.AddMany(src, converter, scaler, capsfilter, sink.Element)
	if err := gst.ElementLinkMany(src, converter, scaler, capsfilter, sink.Element); err != nil {
		return nil, nil, fmt.Errorf("failed to link pipeline elements: %w", err)
	}

	return pipeline, sink, nil
}

// buildCaps returns the raw RGB caps for the capsfilter.
func buildCaps(width, height int) string {
	return fmt.Sprintf("video/x-raw,format=RGB,width=%d,height=%d", width, height)
}

// busError drains pending bus messages and returns the first error, classified.
func busError(pipeline *gst.Pipeline, kind error) error {
	if pipeline == nil {
		return nil
	}
	bus := pipeline.GetPipelineBus()
	for {
		msg := bus.TimedPop(10 * time.Millisecond)
		if msg == nil {
			return nil
		}
		if msg.Type() != gst.MessageError {
			continue
		}
		gerr := msg.ParseError()
		derr := capture.NewDeviceError(kind, gerr.Error(), gerr.DebugString())
		slog.Error("gstdevice: pipeline error",
			"error", gerr.Error(),
			"debug", gerr.DebugString(),
			"category", derr.Category.String(),
		)
		return derr
	}
}

// checkGStreamerAvailable checks if GStreamer and v4l2src are available
func checkGStreamerAvailable() error {
	gst.Init(nil)

	elem, err := gst.NewElement("v4l2src")
	if err != nil {
		return fmt.Errorf("v4l2src not available (install gstreamer1.0-plugins-good): %w", err)
	}
	elem.SetState(gst.StateNull)

	return nil
}
