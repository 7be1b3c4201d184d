package app

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/topqaz/nvr/api"
	"github.com/topqaz/nvr/config"
	"github.com/topqaz/nvr/frame"
	"github.com/topqaz/nvr/media/mediatest"
)

func init() {
	gin.SetMode(gin.TestMode)
}

// testDevice produces uniform gray frames.
type testDevice struct {
	seq atomic.Uint64
}

func (d *testDevice) Open(ctx context.Context) error { return nil }
func (d *testDevice) Close() error                   { return nil }
func (d *testDevice) Name() string                   { return "test" }

func (d *testDevice) Read(ctx context.Context) (frame.Frame, error) {
	seq := d.seq.Add(1)
	data := make([]byte, 32*24*frame.BytesPerPixel)
	for i := range data {
		data[i] = 128
	}
	return frame.Frame{Seq: seq, Timestamp: time.Now(), Width: 32, Height: 24, Data: data}, nil
}

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg := config.Default()
	cfg.Camera.Width, cfg.Camera.Height = 32, 24
	cfg.Camera.CaptureInterval = 5 * time.Millisecond
	cfg.Recording.Dir = t.TempDir()
	cfg.Recording.SegmentDuration = time.Second
	cfg.Recording.PollInterval = 10 * time.Millisecond
	cfg.HTTP.Addr = "127.0.0.1:0"
	if err := config.Validate(cfg); err != nil {
		t.Fatalf("Validate: %v", err)
	}
	return cfg
}

func newTestService(t *testing.T, cfg *config.Config) *Service {
	t.Helper()
	backend := &mediatest.Backend{}
	s, err := New(cfg, WithDevice(&testDevice{}), WithMedia(backend, backend))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return s
}

func TestNewRejectsNilConfig(t *testing.T) {
	if _, err := New(nil); err == nil {
		t.Fatal("expected error for nil config")
	}
}

func TestNewCreatesRecordingsDir(t *testing.T) {
	cfg := testConfig(t)
	cfg.Recording.Dir = cfg.Recording.Dir + "/nested/recordings"
	newTestService(t, cfg)

	if st, err := os.Stat(cfg.Recording.Dir); err != nil || !st.IsDir() {
		t.Fatalf("recordings dir not created: %v", err)
	}
}

func TestServiceRecordsAndShutsDown(t *testing.T) {
	cfg := testConfig(t)
	s := newTestService(t, cfg)

	if got := s.HealthCheck().Status; got != api.StatusUnhealthy {
		t.Errorf("status before Run = %q, want unhealthy", got)
	}

	ctx, cancel := context.WithCancel(context.Background())
	runErr := make(chan error, 1)
	go func() { runErr <- s.Run(ctx) }()

	deadline := time.Now().Add(5 * time.Second)
	for s.recorder.Stats().SegmentsWritten == 0 {
		if time.Now().After(deadline) {
			t.Fatal("no segment written within 5s")
		}
		time.Sleep(20 * time.Millisecond)
	}

	health := s.HealthCheck()
	if health.Status != api.StatusHealthy {
		t.Errorf("status while running = %q, want healthy (%+v)", health.Status, health)
	}
	if health.FramesCaptured == 0 || !health.CameraOpen {
		t.Errorf("capture not reported: %+v", health)
	}

	last := s.recorder.Stats().Last
	if !last.Validity.Valid() {
		t.Errorf("first segment invalid: %s", last.Validity.Reason)
	}

	// The API serves what was recorded.
	rec := httptest.NewRecorder()
	s.api.Router().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/video_info/"+last.Name, nil))
	if rec.Code != http.StatusOK {
		t.Errorf("video_info status = %d, body %s", rec.Code, rec.Body)
	}

	cancel()
	select {
	case err := <-runErr:
		if err != nil {
			t.Errorf("Run returned %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after cancel")
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	if err := s.Shutdown(shutdownCtx); err != nil {
		t.Errorf("Shutdown: %v", err)
	}
	if got := s.HealthCheck().Status; got != api.StatusUnhealthy {
		t.Errorf("status after Shutdown = %q, want unhealthy", got)
	}
}

func TestRunTwice(t *testing.T) {
	s := newTestService(t, testConfig(t))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		s.Run(ctx)
		close(done)
	}()

	deadline := time.Now().Add(2 * time.Second)
	for {
		s.mu.RLock()
		running := s.isRunning
		s.mu.RUnlock()
		if running {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("service did not start")
		}
		time.Sleep(5 * time.Millisecond)
	}

	if err := s.Run(ctx); err == nil {
		t.Error("second Run should fail")
	}

	cancel()
	<-done
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	s.Shutdown(shutdownCtx)
}
