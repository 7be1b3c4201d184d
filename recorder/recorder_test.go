package recorder

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/topqaz/nvr/framebus"
	"github.com/topqaz/nvr/media"
	"github.com/topqaz/nvr/media/mediatest"
	"github.com/topqaz/nvr/segment"
)

// steppingClock advances one second on every call so consecutive windows
// never share a file name.
type steppingClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *steppingClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(time.Second)
	return c.t
}

type collectingObserver struct {
	mu   sync.Mutex
	segs []Segment
}

func (o *collectingObserver) SegmentClosed(seg Segment) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.segs = append(o.segs, seg)
}

func (o *collectingObserver) all() []Segment {
	o.mu.Lock()
	defer o.mu.Unlock()
	return append([]Segment(nil), o.segs...)
}

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.SegmentDuration = 80 * time.Millisecond
	cfg.PollInterval = 5 * time.Millisecond
	cfg.Width = 32
	cfg.Height = 24
	return cfg
}

func newRecorder(t *testing.T, backend *mediatest.Backend, src Source, cfg Config) (*Recorder, *segment.Store) {
	t.Helper()
	store, err := segment.NewStore(t.TempDir(), backend)
	if err != nil {
		t.Fatalf("NewStore failed: %v", err)
	}
	rec, err := New(cfg, src, backend, store)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	clock := &steppingClock{t: time.Date(2024, 6, 1, 12, 0, 0, 0, time.Local)}
	rec.now = clock.Now
	return rec, store
}

func busWithFrame() *framebus.Bus {
	bus := framebus.New()
	bus.Publish(mediatest.Frames(1, 32, 24)[0])
	return bus
}

func hiddenFiles(t *testing.T, dir string) []string {
	t.Helper()
	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatal(err)
	}
	var hidden []string
	for _, e := range entries {
		if strings.HasPrefix(e.Name(), ".") {
			hidden = append(hidden, e.Name())
		}
	}
	return hidden
}

func TestNewValidation(t *testing.T) {
	store, _ := segment.NewStore(t.TempDir(), &mediatest.Backend{})
	backend := &mediatest.Backend{}
	bus := framebus.New()

	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"zero duration", func(c *Config) { c.SegmentDuration = 0 }},
		{"zero poll", func(c *Config) { c.PollInterval = 0 }},
		{"poll longer than window", func(c *Config) { c.PollInterval = time.Hour }},
		{"zero fps", func(c *Config) { c.FPS = 0 }},
		{"zero size", func(c *Config) { c.Width = 0 }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := testConfig()
			tt.mutate(&cfg)
			if _, err := New(cfg, bus, backend, store); err == nil {
				t.Error("expected validation error")
			}
		})
	}

	if _, err := New(testConfig(), nil, backend, store); err == nil {
		t.Error("expected error for nil source")
	}
}

// TestCodecFallback verifies the first codec that opens wins and decides
// the extension.
func TestCodecFallback(t *testing.T) {
	tests := []struct {
		name         string
		unavailable  []string
		wantFourCC   string
		wantExt      string
		wantAttempts []string
	}{
		{"first wins", nil, "MJPG", ".avi", []string{"MJPG"}},
		{"second", []string{"MJPG"}, "XVID", ".avi", []string{"MJPG", "XVID"}},
		{"last resort", []string{"MJPG", "XVID"}, "mp4v", ".mp4", []string{"MJPG", "XVID", "mp4v"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			backend := &mediatest.Backend{Unavailable: map[string]bool{}}
			for _, c := range tt.unavailable {
				backend.Unavailable[c] = true
			}
			rec, store := newRecorder(t, backend, busWithFrame(), testConfig())

			seg, err := rec.RecordWindow(context.Background())
			if err != nil {
				t.Fatalf("RecordWindow failed: %v", err)
			}

			if seg.Codec.FourCC != tt.wantFourCC {
				t.Errorf("codec = %s, want %s", seg.Codec.FourCC, tt.wantFourCC)
			}
			if filepath.Ext(seg.Name) != tt.wantExt {
				t.Errorf("name = %s, want extension %s", seg.Name, tt.wantExt)
			}

			var got []string
			for _, c := range backend.Attempts() {
				got = append(got, c.FourCC)
			}
			if strings.Join(got, ",") != strings.Join(tt.wantAttempts, ",") {
				t.Errorf("attempts = %v, want %v", got, tt.wantAttempts)
			}

			if _, err := store.Resolve(seg.Name); err != nil {
				t.Errorf("final segment not resolvable: %v", err)
			}
			if h := hiddenFiles(t, store.Dir()); len(h) != 0 {
				t.Errorf("in-progress files left behind: %v", h)
			}
		})
	}
}

func TestAllCodecsUnavailable(t *testing.T) {
	backend := &mediatest.Backend{Unavailable: map[string]bool{"MJPG": true, "XVID": true, "mp4v": true}}
	rec, store := newRecorder(t, backend, busWithFrame(), testConfig())

	_, err := rec.RecordWindow(context.Background())
	if !errors.Is(err, media.ErrEncoderUnavailable) {
		t.Fatalf("RecordWindow() = %v, want ErrEncoderUnavailable", err)
	}

	entries, _ := os.ReadDir(store.Dir())
	if len(entries) != 0 {
		t.Errorf("expected empty directory, found %d entries", len(entries))
	}
}

func TestRecordWindowWritesValidSegment(t *testing.T) {
	backend := &mediatest.Backend{}
	rec, store := newRecorder(t, backend, busWithFrame(), testConfig())
	obs := &collectingObserver{}
	rec.SetObserver(obs)

	seg, err := rec.RecordWindow(context.Background())
	if err != nil {
		t.Fatalf("RecordWindow failed: %v", err)
	}

	if seg.Frames < 2 {
		t.Errorf("Frames = %d, expected several polls per window", seg.Frames)
	}
	if !seg.Validity.Valid() {
		t.Errorf("Validity = %+v, want valid", seg.Validity)
	}
	if seg.Path != store.Path(seg.Name) {
		t.Errorf("Path = %s", seg.Path)
	}
	if _, ok := segment.ParseStart(seg.Name); !ok {
		t.Errorf("name %q does not encode start time", seg.Name)
	}

	// frame count on disk matches what was appended
	info, err := store.Info(seg.Name)
	if err != nil {
		t.Fatalf("Info failed: %v", err)
	}
	if info.FrameCount != seg.Frames {
		t.Errorf("file has %d frames, recorder counted %d", info.FrameCount, seg.Frames)
	}

	if got := obs.all(); len(got) != 1 || got[0].Name != seg.Name {
		t.Errorf("observer got %+v", got)
	}

	st := rec.Stats()
	if st.SegmentsWritten != 1 || st.InvalidSegments != 0 || st.Last.Name != seg.Name {
		t.Errorf("unexpected stats %+v", st)
	}
	if st.FramesWritten != uint64(seg.Frames) {
		t.Errorf("FramesWritten = %d, want %d", st.FramesWritten, seg.Frames)
	}
}

// TestEmptyBusYieldsInvalidSegment verifies validation failure keeps the file
// and does not stop recording.
func TestEmptyBusYieldsInvalidSegment(t *testing.T) {
	backend := &mediatest.Backend{}
	rec, store := newRecorder(t, backend, framebus.New(), testConfig())

	seg, err := rec.RecordWindow(context.Background())
	if err != nil {
		t.Fatalf("RecordWindow failed: %v", err)
	}
	if seg.Frames != 0 {
		t.Errorf("Frames = %d, want 0", seg.Frames)
	}
	if seg.Validity.Valid() {
		t.Error("expected invalid segment")
	}
	if _, err := os.Stat(store.Path(seg.Name)); err != nil {
		t.Errorf("invalid segment was removed: %v", err)
	}

	entries, _ := store.List()
	if len(entries) != 0 {
		t.Errorf("invalid segment listed: %+v", entries)
	}
	if rec.Stats().InvalidSegments != 1 {
		t.Errorf("InvalidSegments = %d, want 1", rec.Stats().InvalidSegments)
	}
}

func TestRunRotatesAndStops(t *testing.T) {
	backend := &mediatest.Backend{}
	rec, store := newRecorder(t, backend, busWithFrame(), testConfig())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- rec.Run(ctx) }()

	deadline := time.Now().Add(3 * time.Second)
	for rec.Stats().SegmentsWritten < 2 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	cancel()

	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Fatalf("Run() = %v, want context.Canceled", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not stop after cancel")
	}

	entries, err := store.List()
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) < 2 {
		t.Errorf("got %d listed segments, want >= 2", len(entries))
	}
	if h := hiddenFiles(t, store.Dir()); len(h) != 0 {
		t.Errorf("in-progress files left after shutdown: %v", h)
	}
}

func TestRunSkipsWindowWithoutCodec(t *testing.T) {
	backend := &mediatest.Backend{Unavailable: map[string]bool{"MJPG": true, "XVID": true, "mp4v": true}}
	cfg := testConfig()
	cfg.SegmentDuration = 20 * time.Millisecond
	rec, _ := newRecorder(t, backend, busWithFrame(), cfg)

	ctx, cancel := context.WithTimeout(context.Background(), 150*time.Millisecond)
	defer cancel()
	rec.Run(ctx)

	st := rec.Stats()
	if st.SkippedWindows < 2 {
		t.Errorf("SkippedWindows = %d, want >= 2", st.SkippedWindows)
	}
	if st.SegmentsWritten != 0 {
		t.Errorf("SegmentsWritten = %d, want 0", st.SegmentsWritten)
	}
}

// blockingObserver holds every notification until release is closed.
type blockingObserver struct {
	release chan struct{}
	mu      sync.Mutex
	calls   int
}

func (o *blockingObserver) SegmentClosed(Segment) {
	o.mu.Lock()
	o.calls++
	o.mu.Unlock()
	<-o.release
}

func (o *blockingObserver) count() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.calls
}

func waitSegments(t *testing.T, rec *Recorder, n uint64, timeout time.Duration) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for rec.Stats().SegmentsWritten < n {
		if time.Now().After(deadline) {
			t.Fatalf("SegmentsWritten = %d after %v, want >= %d", rec.Stats().SegmentsWritten, timeout, n)
		}
		time.Sleep(2 * time.Millisecond)
	}
}

func TestSlowObserverDoesNotDelayRotation(t *testing.T) {
	backend := &mediatest.Backend{}
	rec, _ := newRecorder(t, backend, busWithFrame(), testConfig())
	obs := &blockingObserver{release: make(chan struct{})}
	rec.SetObserver(obs)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	started := time.Now()
	go func() { done <- rec.Run(ctx) }()

	// Three 80ms windows while the first notification is still held.
	waitSegments(t, rec, 3, 2*time.Second)
	if elapsed := time.Since(started); elapsed > time.Second {
		t.Errorf("three windows took %v with a blocked observer", elapsed)
	}
	if got := obs.count(); got > 1 {
		t.Errorf("observer entered %d times while blocked, want <= 1", got)
	}

	close(obs.release)
	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not stop after cancel")
	}

	st := rec.Stats()
	if want := int(st.SegmentsWritten - st.DroppedNotifications); obs.count() != want {
		t.Errorf("observer saw %d segments, want %d", obs.count(), want)
	}
}

func TestFullObserverQueueDrops(t *testing.T) {
	backend := &mediatest.Backend{}
	cfg := testConfig()
	cfg.SegmentDuration = 2 * time.Millisecond
	cfg.PollInterval = time.Millisecond
	rec, _ := newRecorder(t, backend, busWithFrame(), cfg)
	obs := &blockingObserver{release: make(chan struct{})}
	rec.SetObserver(obs)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- rec.Run(ctx) }()

	// One notification held by the observer plus a full queue.
	waitSegments(t, rec, notifyQueueSize+3, 5*time.Second)
	if st := rec.Stats(); st.DroppedNotifications == 0 {
		t.Errorf("DroppedNotifications = 0 after %d segments with a blocked observer", st.SegmentsWritten)
	}

	close(obs.release)
	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not stop after cancel")
	}
}
