// Package stream delivers multipart MJPEG streams over HTTP.
//
// Two producers share the same wire format (boundary "frame", one
// image/jpeg part per frame):
//
//   - Live reads the latest frame from the frame bus for every connected
//     viewer, each at its own pace. A new bus version is encoded once per
//     session; when nothing new arrived the previous part is re-sent after
//     the keep-alive interval.
//   - Playback decodes a recorded segment, optionally seeking first, and
//     paces parts at the file's frame rate. Read failures are retried a
//     bounded number of times, then the file restarts from frame 0, so a
//     playback stream only ends when the client goes away.
//
// Streams end on the first failed write or when the request context is
// cancelled. No stream ever blocks another viewer.
package stream
