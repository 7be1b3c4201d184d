package stream

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/topqaz/nvr/frame"
	"github.com/topqaz/nvr/framebus"
)

// LiveConfig contains live stream configuration
type LiveConfig struct {
	// Quality is the JPEG quality (default: 85)
	Quality int
	// Interval is the minimum time between parts for one viewer (default: 33ms)
	Interval time.Duration
	// KeepAlive re-sends the last part when no new frame arrived (default: 1s)
	KeepAlive time.Duration
}

// DefaultLiveConfig returns the default live configuration
func DefaultLiveConfig() LiveConfig {
	return LiveConfig{
		Quality:   frame.DefaultJPEGQuality,
		Interval:  33 * time.Millisecond,
		KeepAlive: time.Second,
	}
}

// LiveStats contains live streaming statistics
type LiveStats struct {
	ActiveSessions int64
	TotalSessions  uint64
	PartsSent      uint64
	EncodeErrors   uint64
}

// Live streams the latest bus frame to any number of viewers.
type Live struct {
	bus *framebus.Bus
	cfg LiveConfig

	active       atomic.Int64
	total        atomic.Uint64
	partsSent    atomic.Uint64
	encodeErrors atomic.Uint64
}

// NewLive creates a live streamer over bus.
func NewLive(bus *framebus.Bus, cfg LiveConfig) *Live {
	def := DefaultLiveConfig()
	if cfg.Quality <= 0 || cfg.Quality > 100 {
		cfg.Quality = def.Quality
	}
	if cfg.Interval <= 0 {
		cfg.Interval = def.Interval
	}
	if cfg.KeepAlive <= 0 {
		cfg.KeepAlive = def.KeepAlive
	}
	return &Live{bus: bus, cfg: cfg}
}

// ServeHTTP streams until the client disconnects.
func (l *Live) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	SetHeaders(w.Header())
	w.WriteHeader(http.StatusOK)
	l.Stream(r.Context(), w)
}

// Stream writes parts to w until a write fails or ctx is done.
func (l *Live) Stream(ctx context.Context, w io.Writer) error {
	sessionID := uuid.New().String()
	l.active.Add(1)
	l.total.Add(1)
	defer l.active.Add(-1)

	slog.Info("stream: live session started", "session_id", sessionID, "active", l.active.Load())

	pw := NewPartWriter(w)
	err := l.run(ctx, pw)

	slog.Info("stream: live session ended",
		"session_id", sessionID,
		"parts", pw.Parts(),
		"reason", endReason(err),
	)
	return err
}

func (l *Live) run(ctx context.Context, pw *PartWriter) error {
	var (
		version  uint64
		cached   []byte
		lastSent time.Time
	)

	pace := time.NewTicker(l.cfg.Interval)
	defer pace.Stop()

	for {
		// taken before the snapshot so a publish in between is not missed
		updated := l.bus.Updated()

		var part []byte
		if snap, ok := l.bus.SnapshotSince(version); ok {
			jpeg, err := frame.EncodeJPEG(snap.Frame, l.cfg.Quality)
			if err != nil {
				l.encodeErrors.Add(1)
				slog.Debug("stream: live encode failed", "error", err)
			} else {
				cached = jpeg
				part = jpeg
			}
			version = snap.Version
		} else if cached != nil && time.Since(lastSent) >= l.cfg.KeepAlive {
			part = cached
		}

		if part != nil {
			if err := pw.WriteJPEG(part); err != nil {
				return err
			}
			lastSent = time.Now()
			l.partsSent.Add(1)
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-pace.C:
		}

		// idle until a new frame or the keep-alive is due
		if cached == nil {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-updated:
			}
			continue
		}
		keepAlive := time.NewTimer(time.Until(lastSent.Add(l.cfg.KeepAlive)))
		select {
		case <-ctx.Done():
			keepAlive.Stop()
			return ctx.Err()
		case <-updated:
		case <-keepAlive.C:
		}
		keepAlive.Stop()
	}
}

// Stats returns live streaming statistics
func (l *Live) Stats() LiveStats {
	return LiveStats{
		ActiveSessions: l.active.Load(),
		TotalSessions:  l.total.Load(),
		PartsSent:      l.partsSent.Load(),
		EncodeErrors:   l.encodeErrors.Load(),
	}
}

func endReason(err error) string {
	switch {
	case err == nil:
		return "done"
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return "client gone"
	default:
		return "write failed"
	}
}
