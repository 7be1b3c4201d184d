// Package mediatest provides an in-memory media backend for tests.
//
// Files use a trivial container: one header line followed by raw RGB24
// frames. That keeps recorder, store and playback tests independent of
// OpenCV while still exercising real files on disk.
package mediatest

import (
	"bufio"
	"bytes"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/topqaz/nvr/frame"
	"github.com/topqaz/nvr/media"
)

const magic = "FAKEVID"

// Backend implements media.EncoderFactory and media.DecoderFactory.
type Backend struct {
	// Unavailable lists FOURCCs whose encoders fail to open
	Unavailable map[string]bool
	// NoTimeSeek makes Decoder.SeekTime report false
	NoTimeSeek bool
	// FailReads makes Read fail at these frame positions (once per position)
	FailReads map[int]bool
	// PanicOnOpen makes OpenDecoder panic
	PanicOnOpen bool

	mu       sync.Mutex
	attempts []media.Codec
	decoders []*Decoder
}

var (
	_ media.EncoderFactory = (*Backend)(nil)
	_ media.DecoderFactory = (*Backend)(nil)
)

// Attempts returns every codec passed to OpenEncoder, in order.
func (b *Backend) Attempts() []media.Codec {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]media.Codec(nil), b.attempts...)
}

// Decoders returns every decoder opened so far.
func (b *Backend) Decoders() []*Decoder {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]*Decoder(nil), b.decoders...)
}

// Encoder appends frames to a fake container file.
type Encoder struct {
	f      *os.File
	w      *bufio.Writer
	width  int
	height int
	frames int
}

// OpenEncoder creates path unless codec.FourCC is marked unavailable.
func (b *Backend) OpenEncoder(path string, codec media.Codec, fps float64, width, height int) (media.Encoder, error) {
	b.mu.Lock()
	b.attempts = append(b.attempts, codec)
	unavailable := b.Unavailable[codec.FourCC]
	b.mu.Unlock()

	if unavailable {
		return nil, fmt.Errorf("%w: %s", media.ErrEncoderUnavailable, codec)
	}

	f, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", media.ErrEncoderUnavailable, err)
	}
	w := bufio.NewWriter(f)
	fmt.Fprintf(w, "%s %g %d %d\n", magic, fps, width, height)

	return &Encoder{f: f, w: w, width: width, height: height}, nil
}

// Write appends one frame, scaled to the encoder size.
func (e *Encoder) Write(f frame.Frame) error {
	if f.Width != e.width || f.Height != e.height {
		r, err := frame.Resize(f, e.width, e.height)
		if err != nil {
			return err
		}
		f = r
	}
	if _, err := e.w.Write(f.Data); err != nil {
		return err
	}
	e.frames++
	return nil
}

// Frames returns the number of frames written.
func (e *Encoder) Frames() int { return e.frames }

// Close flushes and closes the file.
func (e *Encoder) Close() error {
	if err := e.w.Flush(); err != nil {
		e.f.Close()
		return err
	}
	return e.f.Close()
}

// Decoder reads a fake container file held in memory.
type Decoder struct {
	backend *Backend
	info    media.Info
	data    []byte
	pos     int
	failed  map[int]bool

	mu     sync.Mutex
	closed bool
	seeks  []string
}

// OpenDecoder parses the header of path.
func (b *Backend) OpenDecoder(path string) (media.Decoder, error) {
	if b.PanicOnOpen {
		panic("mediatest: decoder crashed")
	}

	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", media.ErrDecode, err)
	}

	nl := bytes.IndexByte(raw, '\n')
	if nl < 0 {
		return nil, fmt.Errorf("%w: %s: no header", media.ErrDecode, path)
	}
	var (
		tag           string
		fps           float64
		width, height int
	)
	if _, err := fmt.Sscanf(string(raw[:nl]), "%s %g %d %d", &tag, &fps, &width, &height); err != nil || tag != magic {
		return nil, fmt.Errorf("%w: %s: bad header", media.ErrDecode, path)
	}

	data := raw[nl+1:]
	count := 0
	if size := width * height * frame.BytesPerPixel; size > 0 {
		count = len(data) / size
	}

	d := &Decoder{
		backend: b,
		info:    media.Info{FrameCount: count, FPS: fps, Width: width, Height: height},
		data:    data,
		failed:  make(map[int]bool),
	}

	b.mu.Lock()
	b.decoders = append(b.decoders, d)
	b.mu.Unlock()
	return d, nil
}

func (d *Decoder) Info() media.Info { return d.info }

func (d *Decoder) SeekTime(offset time.Duration) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.seeks = append(d.seeks, "time")
	if d.backend.NoTimeSeek || d.info.FPS <= 0 {
		return false
	}
	d.pos = media.FrameAt(offset, d.info.FPS)
	return true
}

func (d *Decoder) SeekFrame(index int) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.seeks = append(d.seeks, fmt.Sprintf("frame:%d", index))
	if index < 0 || index > d.info.FrameCount {
		return false
	}
	d.pos = index
	return true
}

func (d *Decoder) Position() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.pos
}

func (d *Decoder) Read() (frame.Frame, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.pos >= d.info.FrameCount {
		return frame.Frame{}, false
	}
	if d.backend.FailReads[d.pos] && !d.failed[d.pos] {
		d.failed[d.pos] = true
		return frame.Frame{}, false
	}

	size := d.info.Width * d.info.Height * frame.BytesPerPixel
	buf := make([]byte, size)
	copy(buf, d.data[d.pos*size:(d.pos+1)*size])
	d.pos++

	return frame.Frame{
		Seq:       uint64(d.pos),
		Timestamp: time.Now(),
		Width:     d.info.Width,
		Height:    d.info.Height,
		Data:      buf,
	}, true
}

func (d *Decoder) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.closed = true
	return nil
}

// Closed reports whether Close was called.
func (d *Decoder) Closed() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.closed
}

// Seeks returns the seek calls made, as "time" or "frame:N".
func (d *Decoder) Seeks() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]string(nil), d.seeks...)
}

// Frames returns n frames of w x h where every byte of frame i equals byte(i).
func Frames(n, w, h int) []frame.Frame {
	out := make([]frame.Frame, n)
	for i := range out {
		data := make([]byte, w*h*frame.BytesPerPixel)
		for j := range data {
			data[j] = byte(i)
		}
		out[i] = frame.Frame{Seq: uint64(i + 1), Width: w, Height: h, Data: data}
	}
	return out
}

// WriteClip writes frames to path in the fake container format.
func WriteClip(path string, fps float64, frames []frame.Frame) error {
	if len(frames) == 0 {
		return os.WriteFile(path, []byte(fmt.Sprintf("%s %g %d %d\n", magic, fps, 1, 1)), 0o644)
	}
	b := &Backend{}
	enc, err := b.OpenEncoder(path, media.Codec{FourCC: "FAKE", Extension: ".avi"}, fps, frames[0].Width, frames[0].Height)
	if err != nil {
		return err
	}
	for _, f := range frames {
		if err := enc.Write(f); err != nil {
			enc.Close()
			return err
		}
	}
	return enc.Close()
}
