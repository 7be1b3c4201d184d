package stream

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/topqaz/nvr/frame"
	"github.com/topqaz/nvr/media"
	"github.com/topqaz/nvr/segment"
)

// PlaybackConfig contains playback configuration
type PlaybackConfig struct {
	// Width and Height every delivered frame is scaled to (default: 1280x720)
	Width  int
	Height int
	// Quality is the JPEG quality (default: 85)
	Quality int
	// DefaultFPS paces files that report no frame rate (default: 20)
	DefaultFPS float64
	// MaxReadFailures is how many consecutive failed reads are tolerated
	// before restarting from frame 0 (default: 10)
	MaxReadFailures int
	// RetryWait is the pause after a failed read (default: 100ms)
	RetryWait time.Duration
}

// DefaultPlaybackConfig returns the default playback configuration
func DefaultPlaybackConfig() PlaybackConfig {
	return PlaybackConfig{
		Width:           1280,
		Height:          720,
		Quality:         frame.DefaultJPEGQuality,
		DefaultFPS:      20,
		MaxReadFailures: 10,
		RetryWait:       100 * time.Millisecond,
	}
}

// PlaybackStats contains playback statistics
type PlaybackStats struct {
	ActiveSessions int64
	TotalSessions  uint64
	Restarts       uint64
	FramesServed   uint64
}

// Playback re-streams recorded segments.
type Playback struct {
	store    *segment.Store
	decoders media.DecoderFactory
	cfg      PlaybackConfig

	active   atomic.Int64
	total    atomic.Uint64
	restarts atomic.Uint64
	served   atomic.Uint64
}

// NewPlayback creates a playback streamer over store.
func NewPlayback(store *segment.Store, decoders media.DecoderFactory, cfg PlaybackConfig) *Playback {
	def := DefaultPlaybackConfig()
	if cfg.Width <= 0 || cfg.Height <= 0 {
		cfg.Width, cfg.Height = def.Width, def.Height
	}
	if cfg.Quality <= 0 || cfg.Quality > 100 {
		cfg.Quality = def.Quality
	}
	if cfg.DefaultFPS <= 0 {
		cfg.DefaultFPS = def.DefaultFPS
	}
	if cfg.MaxReadFailures <= 0 {
		cfg.MaxReadFailures = def.MaxReadFailures
	}
	if cfg.RetryWait <= 0 {
		cfg.RetryWait = def.RetryWait
	}
	return &Playback{store: store, decoders: decoders, cfg: cfg}
}

// Session is one open playback of a segment. It is owned by one goroutine.
type Session struct {
	ID   string
	Name string

	p        *Playback
	dec      media.Decoder
	info     media.Info
	fps      float64
	failures int
	frames   uint64
	restarts uint64
}

// Open resolves name, opens a decoder and seeks to offset.
//
// Unknown names and undecodable files both return an error wrapping
// segment.ErrNotFound. Seek failures are not errors: playback starts from
// wherever the decoder ended up.
func (p *Playback) Open(name string, offset time.Duration) (*Session, error) {
	path, err := p.store.Resolve(name)
	if err != nil {
		return nil, err
	}

	dec, err := p.decoders.OpenDecoder(path)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", segment.ErrNotFound, err)
	}

	info := dec.Info()
	fps := info.FPS
	if fps <= 0 {
		fps = p.cfg.DefaultFPS
		slog.Warn("stream: frame rate unavailable, using default", "name", name, "fps", fps)
	}

	s := &Session{
		ID:   uuid.New().String(),
		Name: name,
		p:    p,
		dec:  dec,
		info: info,
		fps:  fps,
	}

	duration := time.Duration(float64(info.FrameCount) / fps * float64(time.Second))
	if offset > 0 && offset < duration {
		s.seek(offset)
	}

	return s, nil
}

// seek tries a time seek first, then falls back to floor(offset·fps).
func (s *Session) seek(offset time.Duration) {
	if s.dec.SeekTime(offset) {
		slog.Debug("stream: time seek ok", "name", s.Name, "offset", offset, "position", s.dec.Position())
		return
	}

	index := media.FrameAt(offset, s.fps)
	if !s.dec.SeekFrame(index) {
		slog.Warn("stream: seek failed, playing from current position",
			"name", s.Name,
			"offset", offset,
			"frame", index,
		)
		return
	}
	slog.Debug("stream: frame seek ok", "name", s.Name, "frame", index, "position", s.dec.Position())
}

// FrameDelay is the pacing interval, 1/fps.
func (s *Session) FrameDelay() time.Duration {
	return time.Duration(float64(time.Second) / s.fps)
}

// FPS is the effective frame rate (defaulted when the file has none).
func (s *Session) FPS() float64 {
	return s.fps
}

// Position is the decoder position of the next frame.
func (s *Session) Position() int {
	return s.dec.Position()
}

// Restarts returns how many times the session looped back to frame 0.
func (s *Session) Restarts() uint64 {
	return s.restarts
}

// Next returns the next frame as a JPEG. Failed reads are retried; after
// MaxReadFailures consecutive failures the decoder restarts at frame 0.
// Next only returns an error when ctx is done.
func (s *Session) Next(ctx context.Context) ([]byte, error) {
	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		f, ok := s.dec.Read()
		if !ok {
			s.failures++
			if s.failures > s.p.cfg.MaxReadFailures {
				s.restart()
				continue
			}
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(s.p.cfg.RetryWait):
			}
			continue
		}
		s.failures = 0

		jpeg, err := s.p.render(f)
		if err != nil {
			slog.Debug("stream: playback frame dropped", "name", s.Name, "error", err)
			continue
		}
		s.frames++
		s.p.served.Add(1)
		return jpeg, nil
	}
}

func (s *Session) restart() {
	s.failures = 0
	s.restarts++
	s.p.restarts.Add(1)
	slog.Info("stream: consecutive read failures, restarting from first frame",
		"session_id", s.ID,
		"name", s.Name,
		"frames_served", s.frames,
	)
	if !s.dec.SeekFrame(0) {
		slog.Warn("stream: restart seek failed", "name", s.Name)
	}
}

// Close releases the decoder.
func (s *Session) Close() error {
	return s.dec.Close()
}

// Stream writes the session to w at 1/fps until a write fails or ctx is
// done. It closes the session.
func (p *Playback) Stream(ctx context.Context, w io.Writer, s *Session) error {
	defer s.Close()

	p.active.Add(1)
	p.total.Add(1)
	defer p.active.Add(-1)

	slog.Info("stream: playback session started",
		"session_id", s.ID,
		"name", s.Name,
		"fps", s.fps,
		"frames", s.info.FrameCount,
		"position", s.dec.Position(),
	)

	pw := NewPartWriter(w)
	err := pump(ctx, pw, s)

	slog.Info("stream: playback session ended",
		"session_id", s.ID,
		"name", s.Name,
		"parts", pw.Parts(),
		"restarts", s.restarts,
		"reason", endReason(err),
	)
	return err
}

func pump(ctx context.Context, pw *PartWriter, s *Session) error {
	pace := time.NewTicker(s.FrameDelay())
	defer pace.Stop()

	for {
		jpeg, err := s.Next(ctx)
		if err != nil {
			return err
		}
		if err := pw.WriteJPEG(jpeg); err != nil {
			return err
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-pace.C:
		}
	}
}

// Frame grabs the single frame at offset as a JPEG.
//
// Returns an error wrapping segment.ErrNotFound if the file is unknown,
// cannot be decoded or has no frame at offset.
func (p *Playback) Frame(name string, offset time.Duration) ([]byte, error) {
	path, err := p.store.Resolve(name)
	if err != nil {
		return nil, err
	}

	dec, err := p.decoders.OpenDecoder(path)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", segment.ErrNotFound, err)
	}
	defer dec.Close()

	if offset > 0 && !dec.SeekTime(offset) {
		fps := dec.Info().FPS
		if fps <= 0 {
			fps = p.cfg.DefaultFPS
		}
		dec.SeekFrame(media.FrameAt(offset, fps))
	}

	f, ok := dec.Read()
	if !ok {
		return nil, fmt.Errorf("%w: no frame at %v in %q", segment.ErrNotFound, offset, name)
	}

	jpeg, err := p.render(f)
	if err != nil {
		return nil, fmt.Errorf("stream: frame %q: %w", name, err)
	}
	return jpeg, nil
}

// render scales f to the output size and encodes it.
func (p *Playback) render(f frame.Frame) ([]byte, error) {
	scaled, err := frame.Resize(f, p.cfg.Width, p.cfg.Height)
	if err != nil {
		return nil, err
	}
	return frame.EncodeJPEG(scaled, p.cfg.Quality)
}

// Stats returns playback statistics
func (p *Playback) Stats() PlaybackStats {
	return PlaybackStats{
		ActiveSessions: p.active.Load(),
		TotalSessions:  p.total.Load(),
		Restarts:       p.restarts.Load(),
		FramesServed:   p.served.Load(),
	}
}
