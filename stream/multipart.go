package stream

import (
	"fmt"
	"io"
	"net/http"
)

// Boundary is the multipart boundary used by every stream.
const Boundary = "frame"

// ContentType is the response Content-Type of every stream.
const ContentType = "multipart/x-mixed-replace; boundary=" + Boundary

// SetHeaders prepares a streaming response.
func SetHeaders(h http.Header) {
	h.Set("Content-Type", ContentType)
	h.Set("Cache-Control", "no-cache, no-store, must-revalidate")
	h.Set("Pragma", "no-cache")
	h.Set("Connection", "keep-alive")
	h.Set("X-Accel-Buffering", "no") // Disable nginx buffering if behind proxy
}

// PartWriter writes JPEG parts and flushes after each one.
type PartWriter struct {
	w       io.Writer
	flusher http.Flusher
	parts   uint64
}

// NewPartWriter wraps w. If w is an http.Flusher every part is flushed.
func NewPartWriter(w io.Writer) *PartWriter {
	pw := &PartWriter{w: w}
	if f, ok := w.(http.Flusher); ok {
		pw.flusher = f
	}
	return pw
}

// WriteJPEG writes one part. An error means the client is gone.
func (p *PartWriter) WriteJPEG(jpeg []byte) error {
	if _, err := fmt.Fprintf(p.w, "--%s\r\nContent-Type: image/jpeg\r\nContent-Length: %d\r\n\r\n", Boundary, len(jpeg)); err != nil {
		return err
	}
	if _, err := p.w.Write(jpeg); err != nil {
		return err
	}
	if _, err := io.WriteString(p.w, "\r\n"); err != nil {
		return err
	}
	if p.flusher != nil {
		p.flusher.Flush()
	}
	p.parts++
	return nil
}

// Parts returns the number of parts written.
func (p *PartWriter) Parts() uint64 {
	return p.parts
}
