package framebus

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/topqaz/nvr/frame"
)

// Snapshot is a reader's private copy of the bus slot.
type Snapshot struct {
	// Frame is a deep copy of the published frame
	Frame frame.Frame

	// CapturedAt is the publish-time timestamp of the frame
	CapturedAt time.Time

	// Version is the number of publishes up to and including this frame
	Version uint64
}

// Stats is a point-in-time view of bus activity.
type Stats struct {
	// Published is the number of Publish() calls
	Published uint64

	// Snapshots is the number of snapshots handed out (empty reads excluded)
	Snapshots uint64

	// Version is the current version counter
	Version uint64

	// LastPublish is when the current frame was published (zero if none)
	LastPublish time.Time
}

// Bus is the single-slot latest-frame holder.
//
// The zero value is not usable, create one with New.
type Bus struct {
	mu         sync.Mutex
	frame      frame.Frame
	capturedAt time.Time
	version    uint64
	updated    chan struct{}

	published atomic.Uint64
	snapshots atomic.Uint64
}

// New creates an empty bus.
func New() *Bus {
	return &Bus{
		updated: make(chan struct{}),
	}
}

// Publish replaces the current frame and bumps the version.
//
// The bus takes ownership of f.Data; the caller MUST NOT modify it afterwards.
func (b *Bus) Publish(f frame.Frame) {
	capturedAt := f.Timestamp
	if capturedAt.IsZero() {
		capturedAt = time.Now()
	}

	b.mu.Lock()
	b.frame = f
	b.capturedAt = capturedAt
	b.version++
	wake := b.updated
	b.updated = make(chan struct{})
	b.mu.Unlock()

	close(wake)
	b.published.Add(1)
}

// Snapshot returns a copy of the current frame, or false if nothing has been
// published yet.
func (b *Bus) Snapshot() (Snapshot, bool) {
	return b.SnapshotSince(0)
}

// SnapshotSince returns a copy of the current frame only if its version is
// newer than version. It lets a consumer skip the copy when it has already
// seen the current frame.
func (b *Bus) SnapshotSince(version uint64) (Snapshot, bool) {
	b.mu.Lock()
	if b.version == 0 || b.version <= version || b.frame.Empty() {
		b.mu.Unlock()
		return Snapshot{}, false
	}
	snap := Snapshot{
		Frame:      b.frame.Clone(),
		CapturedAt: b.capturedAt,
		Version:    b.version,
	}
	b.mu.Unlock()

	b.snapshots.Add(1)
	return snap, true
}

// Version returns the current version counter (0 means empty).
func (b *Bus) Version() uint64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.version
}

// Updated returns a channel that is closed by the next Publish.
func (b *Bus) Updated() <-chan struct{} {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.updated
}

// Stats returns current bus statistics.
func (b *Bus) Stats() Stats {
	b.mu.Lock()
	version := b.version
	last := b.capturedAt
	b.mu.Unlock()

	return Stats{
		Published:   b.published.Load(),
		Snapshots:   b.snapshots.Load(),
		Version:     version,
		LastPublish: last,
	}
}
