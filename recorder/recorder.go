// Package recorder persists rotating, fixed-duration video segments.
//
// # Overview
//
// The recorder runs in its own goroutine and polls the frame bus on its own
// cadence, independent of capture. Each window:
//
//  1. names the segment from the wall clock (20060102_150405)
//  2. negotiates an encoder over the ordered codec list; the first writer
//     that opens wins and its codec decides the extension
//  3. every PollInterval, snapshots the bus and appends a freshly
//     watermarked copy of the frame
//  4. closes the writer when the window elapses
//  5. renames the hidden in-progress file to its final name and validates it
//
// If no codec opens, the window is skipped: the recorder logs, waits one
// window and tries again. An invalid segment is logged and left on disk;
// it never stops recording.
package recorder

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/topqaz/nvr/frame"
	"github.com/topqaz/nvr/framebus"
	"github.com/topqaz/nvr/media"
	"github.com/topqaz/nvr/segment"
)

// Source is where the recorder takes frames from. *framebus.Bus implements it.
type Source interface {
	Snapshot() (framebus.Snapshot, bool)
}

// Observer is notified of every closed segment, valid or not. Under Run,
// notifications arrive on a separate goroutine in close order; a slow
// observer loses notifications rather than delaying the next window.
type Observer interface {
	SegmentClosed(seg Segment)
}

// Config contains recorder configuration
type Config struct {
	// SegmentDuration is the length of one window (default: 60s)
	SegmentDuration time.Duration
	// PollInterval is the bus polling cadence (default: 50ms)
	PollInterval time.Duration
	// FPS is the nominal frame rate written to the container (default: 20)
	FPS float64
	// Width and Height of the written video (default: 1280x720)
	Width  int
	Height int
	// Codecs is the negotiation order (default: media.DefaultCodecs())
	Codecs []media.Codec
	// Watermark re-stamps the write time on each recorded frame
	Watermark bool
}

// DefaultConfig returns the default recorder configuration
func DefaultConfig() Config {
	return Config{
		SegmentDuration: 60 * time.Second,
		PollInterval:    50 * time.Millisecond,
		FPS:             20,
		Width:           1280,
		Height:          720,
		Codecs:          media.DefaultCodecs(),
		Watermark:       true,
	}
}

// Segment describes one recording window.
type Segment struct {
	Name     string
	Path     string
	Start    time.Time
	Duration time.Duration
	Codec    media.Codec
	Frames   int
	Size     int64
	Validity segment.Validity
}

// Stats contains recorder statistics
type Stats struct {
	// SegmentsWritten counts closed segments (valid or not)
	SegmentsWritten uint64
	// InvalidSegments counts segments that failed validation
	InvalidSegments uint64
	// SkippedWindows counts windows with no usable encoder
	SkippedWindows uint64
	// FramesWritten is the total across all segments
	FramesWritten uint64
	// WriteErrors counts frames the encoder rejected
	WriteErrors uint64
	// DroppedNotifications counts closed segments the observer never saw
	// because its queue was full
	DroppedNotifications uint64
	// Current is the in-progress segment name ("" when idle)
	Current string
	// Last is the most recently closed segment
	Last Segment
}

// Recorder writes segments from a Source.
type Recorder struct {
	cfg      Config
	src      Source
	encoders media.EncoderFactory
	store    *segment.Store
	now      func() time.Time

	mu       sync.RWMutex
	observer Observer
	queue    chan Segment // non-nil while Run dispatches notifications
	current  string
	last     Segment

	segmentsWritten uint64
	invalidSegments uint64
	skippedWindows  uint64
	framesWritten   uint64
	writeErrors     uint64
	droppedNotify   uint64
}

// notifyQueueSize bounds closed segments waiting for a slow observer.
const notifyQueueSize = 16

// New creates a recorder with fail-fast validation.
func New(cfg Config, src Source, encoders media.EncoderFactory, store *segment.Store) (*Recorder, error) {
	if src == nil {
		return nil, fmt.Errorf("recorder: source is required")
	}
	if encoders == nil {
		return nil, fmt.Errorf("recorder: encoder factory is required")
	}
	if store == nil {
		return nil, fmt.Errorf("recorder: segment store is required")
	}
	if cfg.SegmentDuration <= 0 {
		return nil, fmt.Errorf("recorder: invalid segment duration %v", cfg.SegmentDuration)
	}
	if cfg.PollInterval <= 0 || cfg.PollInterval > cfg.SegmentDuration {
		return nil, fmt.Errorf("recorder: invalid poll interval %v", cfg.PollInterval)
	}
	if cfg.FPS <= 0 {
		return nil, fmt.Errorf("recorder: invalid fps %.2f", cfg.FPS)
	}
	if cfg.Width <= 0 || cfg.Height <= 0 {
		return nil, fmt.Errorf("recorder: invalid resolution %dx%d", cfg.Width, cfg.Height)
	}
	if len(cfg.Codecs) == 0 {
		cfg.Codecs = media.DefaultCodecs()
	}

	return &Recorder{
		cfg:      cfg,
		src:      src,
		encoders: encoders,
		store:    store,
		now:      time.Now,
	}, nil
}

// SetObserver installs the closed-segment observer (nil removes it).
func (r *Recorder) SetObserver(o Observer) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.observer = o
}

// Run records back-to-back windows until ctx is cancelled. It always
// returns ctx.Err(). A window in progress at cancellation is still closed,
// renamed and validated.
func (r *Recorder) Run(ctx context.Context) error {
	slog.Info("recorder: started",
		"dir", r.store.Dir(),
		"segment_duration", r.cfg.SegmentDuration,
		"poll_interval", r.cfg.PollInterval,
		"fps", r.cfg.FPS,
		"resolution", fmt.Sprintf("%dx%d", r.cfg.Width, r.cfg.Height),
		"codecs", len(r.cfg.Codecs),
	)

	queue := make(chan Segment, notifyQueueSize)
	dispatched := make(chan struct{})
	go r.dispatch(queue, dispatched)

	r.mu.Lock()
	r.queue = queue
	r.mu.Unlock()

	for {
		if ctx.Err() != nil {
			break
		}

		_, err := r.RecordWindow(ctx)
		if errors.Is(err, media.ErrEncoderUnavailable) {
			atomic.AddUint64(&r.skippedWindows, 1)
			slog.Error("recorder: no codec available, skipping window",
				"error", err,
				"retry_in", r.cfg.SegmentDuration,
			)
			select {
			case <-time.After(r.cfg.SegmentDuration):
			case <-ctx.Done():
			}
		}
	}

	// Deliver what is queued, including the window closed at cancellation.
	r.mu.Lock()
	r.queue = nil
	r.mu.Unlock()
	close(queue)
	<-dispatched

	slog.Info("recorder: stopped",
		"segments_written", atomic.LoadUint64(&r.segmentsWritten),
		"frames_written", atomic.LoadUint64(&r.framesWritten),
	)
	return ctx.Err()
}

// RecordWindow records exactly one segment. It returns an error wrapping
// media.ErrEncoderUnavailable when no codec opens.
func (r *Recorder) RecordWindow(ctx context.Context) (Segment, error) {
	start := r.now()

	enc, seg, tmpPath, err := r.negotiate(start)
	if err != nil {
		return Segment{}, err
	}

	r.setCurrent(seg.Name)
	slog.Info("recorder: segment started",
		"name", seg.Name,
		"codec", seg.Codec.FourCC,
	)

	seg.Frames = r.fill(ctx, enc)

	if err := enc.Close(); err != nil {
		slog.Warn("recorder: encoder close failed", "name", seg.Name, "error", err)
	}
	r.setCurrent("")

	r.finalize(&seg, tmpPath)
	return seg, nil
}

// negotiate tries each codec in order on the hidden in-progress path.
func (r *Recorder) negotiate(start time.Time) (media.Encoder, Segment, string, error) {
	var lastErr error
	for i, codec := range r.cfg.Codecs {
		name := segment.Name(start, codec)
		tmpPath := r.store.Path(segment.InProgressName(name))

		enc, err := r.encoders.OpenEncoder(tmpPath, codec, r.cfg.FPS, r.cfg.Width, r.cfg.Height)
		if err != nil {
			lastErr = err
			os.Remove(tmpPath)
			slog.Warn("recorder: codec unavailable",
				"codec", codec.String(),
				"attempt", i+1,
				"error", err,
			)
			continue
		}

		return enc, Segment{
			Name:     name,
			Path:     r.store.Path(name),
			Start:    start,
			Duration: r.cfg.SegmentDuration,
			Codec:    codec,
		}, tmpPath, nil
	}

	return nil, Segment{}, "", fmt.Errorf("%w: all %d codecs failed: %v", media.ErrEncoderUnavailable, len(r.cfg.Codecs), lastErr)
}

// fill appends frames until the window elapses or ctx is cancelled.
func (r *Recorder) fill(ctx context.Context, enc media.Encoder) int {
	window := time.NewTimer(r.cfg.SegmentDuration)
	defer window.Stop()
	poll := time.NewTicker(r.cfg.PollInterval)
	defer poll.Stop()

	frames := 0
	for {
		if snap, ok := r.src.Snapshot(); ok {
			// snapshot is a private copy, safe to draw on
			f := snap.Frame
			if r.cfg.Watermark {
				frame.DrawTimestamp(f, r.now())
			}
			if err := enc.Write(f); err != nil {
				atomic.AddUint64(&r.writeErrors, 1)
				slog.Debug("recorder: frame write failed", "error", err)
			} else {
				frames++
			}
		}

		select {
		case <-window.C:
			return frames
		case <-ctx.Done():
			return frames
		case <-poll.C:
		}
	}
}

// finalize renames, validates, logs and notifies.
func (r *Recorder) finalize(seg *Segment, tmpPath string) {
	if err := os.Rename(tmpPath, seg.Path); err != nil {
		slog.Error("recorder: rename failed", "from", tmpPath, "to", seg.Path, "error", err)
		seg.Path = tmpPath
		seg.Validity = segment.Validity{Status: segment.StatusInvalid, Reason: "rename failed"}
	} else {
		seg.Validity = r.store.Validate(seg.Path)
	}

	if st, err := os.Stat(seg.Path); err == nil {
		seg.Size = st.Size()
	}

	atomic.AddUint64(&r.segmentsWritten, 1)
	atomic.AddUint64(&r.framesWritten, uint64(seg.Frames))

	if seg.Validity.Valid() {
		slog.Info("recorder: segment complete",
			"name", seg.Name,
			"frames", seg.Frames,
			"size", humanize.Bytes(uint64(seg.Size)),
			"codec", seg.Codec.FourCC,
		)
	} else {
		atomic.AddUint64(&r.invalidSegments, 1)
		slog.Warn("recorder: segment may be incomplete",
			"name", seg.Name,
			"frames", seg.Frames,
			"reason", seg.Validity.Reason,
		)
	}

	r.mu.Lock()
	r.last = *seg
	observer := r.observer
	queue := r.queue
	r.mu.Unlock()

	if observer == nil {
		return
	}
	if queue == nil {
		observer.SegmentClosed(*seg)
		return
	}
	// Never wait on the observer: the next window starts now.
	select {
	case queue <- *seg:
	default:
		atomic.AddUint64(&r.droppedNotify, 1)
		slog.Warn("recorder: observer queue full, notification dropped", "name", seg.Name)
	}
}

// dispatch delivers queued segments to the observer until queue is closed.
func (r *Recorder) dispatch(queue <-chan Segment, done chan<- struct{}) {
	defer close(done)
	for seg := range queue {
		r.mu.RLock()
		observer := r.observer
		r.mu.RUnlock()
		if observer != nil {
			observer.SegmentClosed(seg)
		}
	}
}

func (r *Recorder) setCurrent(name string) {
	r.mu.Lock()
	r.current = name
	r.mu.Unlock()
}

// Stats returns current recorder statistics
func (r *Recorder) Stats() Stats {
	r.mu.RLock()
	current := r.current
	last := r.last
	r.mu.RUnlock()

	return Stats{
		SegmentsWritten:      atomic.LoadUint64(&r.segmentsWritten),
		InvalidSegments:      atomic.LoadUint64(&r.invalidSegments),
		SkippedWindows:       atomic.LoadUint64(&r.skippedWindows),
		FramesWritten:        atomic.LoadUint64(&r.framesWritten),
		WriteErrors:          atomic.LoadUint64(&r.writeErrors),
		DroppedNotifications: atomic.LoadUint64(&r.droppedNotify),
		Current:              current,
		Last:                 last,
	}
}
