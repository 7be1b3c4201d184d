// Package framebus holds the single most recent camera frame.
//
// FrameBus is the hand-off point between the one capture goroutine and any
// number of readers (live viewers, the segment recorder). It is a single slot,
// not a queue:
//
//	"Latest frame wins. Readers never see a backlog."
//
// # Basic Usage
//
//	bus := framebus.New()
//
//	// producer
//	bus.Publish(frame)
//
//	// consumer
//	snap, ok := bus.Snapshot()
//	if ok {
//	    encode(snap.Frame)
//	}
//
// # Waiting for new frames
//
// Updated() returns a channel that is closed on the next Publish, so a
// consumer can block without polling:
//
//	select {
//	case <-bus.Updated():
//	case <-ctx.Done():
//	}
//
// # Thread Safety
//
// All methods are safe for concurrent use. The internal lock is held only for
// the time it takes to copy one frame buffer and is never held across I/O or
// encoding. Snapshots are deep copies, so readers can never observe a frame
// that mixes pixels of two publishes.
package framebus
