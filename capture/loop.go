package capture

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/topqaz/nvr/frame"
)

// Device is a camera backend.
//
// Implementations are used from a single goroutine and need not be safe for
// concurrent use. Read must return a frame backed by a fresh buffer the
// caller owns.
type Device interface {
	// Open acquires the device. Errors should wrap ErrDeviceUnavailable.
	Open(ctx context.Context) error
	// Read blocks until one frame is available. Errors should wrap ErrReadFailed.
	Read(ctx context.Context) (frame.Frame, error)
	// Close releases the device. Safe to call on a closed device.
	Close() error
	// Name identifies the device in logs.
	Name() string
}

// Publisher receives captured frames. *framebus.Bus implements it.
type Publisher interface {
	Publish(f frame.Frame)
}

// Loop reads frames from a Device and publishes them.
type Loop struct {
	dev Device
	pub Publisher
	cfg Config
	now func() time.Time

	mu          sync.RWMutex
	lastFrameAt time.Time
	resolution  string
	started     time.Time
	running     bool

	isOpen         atomic.Bool
	seq            uint64
	framesCaptured uint64
	readFailures   uint64
	reconnectState *ReconnectState

	errorsDevice     uint64
	errorsPermission uint64
	errorsBusy       uint64
	errorsFormat     uint64
	errorsUnknown    uint64
}

// NewLoop creates a capture loop with fail-fast validation.
func NewLoop(dev Device, pub Publisher, cfg Config) (*Loop, error) {
	if dev == nil {
		return nil, fmt.Errorf("capture: device is required")
	}
	if pub == nil {
		return nil, fmt.Errorf("capture: publisher is required")
	}
	if cfg.Interval < 0 {
		return nil, fmt.Errorf("capture: invalid interval %v", cfg.Interval)
	}
	if cfg.ReopenDelay <= 0 {
		cfg.ReopenDelay = DefaultConfig().ReopenDelay
	}

	return &Loop{
		dev: dev,
		pub: pub,
		cfg: cfg,
		now: time.Now,
		reconnectState: &ReconnectState{
			Reconnects: new(uint32),
		},
	}, nil
}

// Run captures until ctx is cancelled. It always returns ctx.Err().
func (l *Loop) Run(ctx context.Context) error {
	l.mu.Lock()
	if l.running {
		l.mu.Unlock()
		return fmt.Errorf("capture: loop already running")
	}
	l.running = true
	l.started = l.now()
	l.mu.Unlock()

	defer func() {
		l.closeDevice()
		l.mu.Lock()
		l.running = false
		l.mu.Unlock()
	}()

	slog.Info("capture: loop started",
		"device", l.dev.Name(),
		"interval", l.cfg.Interval,
		"reopen_delay", l.cfg.ReopenDelay,
	)

	for {
		err := RunWithReconnect(ctx, l.openDevice, FixedDelay(l.cfg.ReopenDelay), l.reconnectState)
		if err != nil {
			slog.Info("capture: loop stopped",
				"device", l.dev.Name(),
				"frames_captured", atomic.LoadUint64(&l.framesCaptured),
			)
			return ctx.Err()
		}

		err = l.readFrames(ctx)
		l.closeDevice()
		if ctx.Err() != nil {
			slog.Info("capture: loop stopped",
				"device", l.dev.Name(),
				"frames_captured", atomic.LoadUint64(&l.framesCaptured),
			)
			return ctx.Err()
		}

		l.countError(err)
		atomic.AddUint32(l.reconnectState.Reconnects, 1)
		slog.Warn("capture: read failed, reopening device",
			"device", l.dev.Name(),
			"error", err,
			"category", CategoryOf(err).String(),
			"delay", l.cfg.ReopenDelay,
		)

		select {
		case <-time.After(l.cfg.ReopenDelay):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (l *Loop) openDevice(ctx context.Context) error {
	if err := l.dev.Open(ctx); err != nil {
		l.countError(err)
		if !errors.Is(err, ErrDeviceUnavailable) {
			err = fmt.Errorf("%w: %w", ErrDeviceUnavailable, err)
		}
		return err
	}
	l.isOpen.Store(true)
	slog.Info("capture: device opened", "device", l.dev.Name())
	return nil
}

func (l *Loop) closeDevice() {
	if !l.isOpen.Swap(false) {
		return
	}
	if err := l.dev.Close(); err != nil {
		slog.Warn("capture: device close failed", "device", l.dev.Name(), "error", err)
	}
}

// readFrames reads until the first failure or ctx cancellation.
func (l *Loop) readFrames(ctx context.Context) error {
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		f, err := l.dev.Read(ctx)
		if err != nil {
			atomic.AddUint64(&l.readFailures, 1)
			return err
		}
		if err := f.Validate(); err != nil {
			atomic.AddUint64(&l.readFailures, 1)
			return fmt.Errorf("%w: %w", ErrReadFailed, err)
		}

		l.publish(f)

		if l.cfg.Interval > 0 {
			select {
			case <-time.After(l.cfg.Interval):
			case <-ctx.Done():
				return ctx.Err()
			}
		}
	}
}

func (l *Loop) publish(f frame.Frame) {
	now := l.now()
	f.Seq = atomic.AddUint64(&l.seq, 1)
	f.Timestamp = now
	f.TraceID = uuid.New().String()

	if l.cfg.Watermark {
		frame.DrawTimestamp(f, now)
	}

	l.pub.Publish(f)
	atomic.AddUint64(&l.framesCaptured, 1)

	l.mu.Lock()
	l.lastFrameAt = now
	l.resolution = f.Resolution()
	l.mu.Unlock()

	slog.Debug("capture: frame published",
		"seq", f.Seq,
		"trace_id", f.TraceID,
	)
}

func (l *Loop) countError(err error) {
	switch CategoryOf(err) {
	case ErrCategoryDevice:
		atomic.AddUint64(&l.errorsDevice, 1)
	case ErrCategoryPermission:
		atomic.AddUint64(&l.errorsPermission, 1)
	case ErrCategoryBusy:
		atomic.AddUint64(&l.errorsBusy, 1)
	case ErrCategoryFormat:
		atomic.AddUint64(&l.errorsFormat, 1)
	default:
		atomic.AddUint64(&l.errorsUnknown, 1)
	}
}

// Stats returns current capture statistics
//
// Thread-safe - uses atomic operations for counters.
func (l *Loop) Stats() Stats {
	l.mu.RLock()
	lastFrameAt := l.lastFrameAt
	resolution := l.resolution
	started := l.started
	l.mu.RUnlock()

	frames := atomic.LoadUint64(&l.framesCaptured)

	var fpsReal float64
	if !started.IsZero() {
		uptime := l.now().Sub(started).Seconds()
		if uptime > 0 {
			fpsReal = float64(frames) / uptime
		}
	}

	return Stats{
		Device:           l.dev.Name(),
		FramesCaptured:   frames,
		ReadFailures:     atomic.LoadUint64(&l.readFailures),
		Reopens:          atomic.LoadUint32(l.reconnectState.Reconnects),
		IsOpen:           l.isOpen.Load(),
		LastFrameAt:      lastFrameAt,
		Resolution:       resolution,
		FPSReal:          fpsReal,
		ErrorsDevice:     atomic.LoadUint64(&l.errorsDevice),
		ErrorsPermission: atomic.LoadUint64(&l.errorsPermission),
		ErrorsBusy:       atomic.LoadUint64(&l.errorsBusy),
		ErrorsFormat:     atomic.LoadUint64(&l.errorsFormat),
		ErrorsUnknown:    atomic.LoadUint64(&l.errorsUnknown),
	}
}
