// Package capture drives a camera device and publishes its frames to the
// frame bus.
//
// # Overview
//
// A Loop owns exactly one Device. It reads a frame, stamps it (sequence,
// wall-clock time, trace id and a burned-in timestamp watermark) and publishes
// it. After every successful read it sleeps a fixed interval (~30 fps by
// default).
//
// # Failure Recovery
//
// The loop never gives up:
//
//   - read failure: nothing is published, the device is closed, the loop
//     pauses for ReopenDelay and reopens it
//   - open failure: retried forever with a fixed delay (RunWithReconnect with
//     RetryDelay == MaxRetryDelay and MaxRetries == 0)
//
// Only cancelling the context passed to Run stops the loop.
//
// # Device Backends
//
//   - capture/gstdevice: GStreamer v4l2src pipeline (default)
//   - capture/cvdevice: OpenCV VideoCapture by index
//
// Both classify native error messages (device, permission, busy, format) so
// logs say why a camera is unavailable.
package capture
