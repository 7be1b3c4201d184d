package api

import (
	"context"
	"encoding/json"
	"io"
	"mime"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/topqaz/nvr/frame"
	"github.com/topqaz/nvr/framebus"
	"github.com/topqaz/nvr/media/mediatest"
	"github.com/topqaz/nvr/rangefile"
	"github.com/topqaz/nvr/segment"
	"github.com/topqaz/nvr/stream"
)

func init() {
	gin.SetMode(gin.TestMode)
}

type staticHealth HealthStatus

func (h staticHealth) HealthCheck() HealthStatus { return HealthStatus(h) }

type fixture struct {
	server *Server
	store  *segment.Store
	bus    *framebus.Bus
}

func newFixture(t *testing.T, users map[string]string) *fixture {
	t.Helper()
	backend := &mediatest.Backend{}
	store, err := segment.NewStore(t.TempDir(), backend)
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}

	bus := framebus.New()
	playback := stream.NewPlayback(store, backend, stream.PlaybackConfig{
		Width:      32,
		Height:     24,
		Quality:    80,
		DefaultFPS: 20,
		RetryWait:  time.Millisecond,
	})
	live := stream.NewLive(bus, stream.LiveConfig{Quality: 80, Interval: 5 * time.Millisecond})

	srv, err := NewServer("127.0.0.1:0", Deps{
		Live:     live,
		Playback: playback,
		Store:    store,
		Files:    rangefile.New(store),
		Health:   staticHealth{Status: StatusHealthy, FramesCaptured: 7},
		Users:    users,
	})
	if err != nil {
		t.Fatalf("NewServer: %v", err)
	}
	return &fixture{server: srv, store: store, bus: bus}
}

func (f *fixture) writeClip(t *testing.T, name string, n int, mtime time.Time) {
	t.Helper()
	path := f.store.Path(name)
	if err := mediatest.WriteClip(path, 20, mediatest.Frames(n, 16, 12)); err != nil {
		t.Fatalf("WriteClip: %v", err)
	}
	if !mtime.IsZero() {
		if err := os.Chtimes(path, mtime, mtime); err != nil {
			t.Fatal(err)
		}
	}
}

func (f *fixture) do(t *testing.T, method, target string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, target, nil)
	rec := httptest.NewRecorder()
	f.server.Router().ServeHTTP(rec, req)
	return rec
}

func TestNewServerValidation(t *testing.T) {
	if _, err := NewServer("", Deps{}); err == nil {
		t.Error("expected error for empty address")
	}
	if _, err := NewServer(":0", Deps{}); err == nil {
		t.Error("expected error for missing deps")
	}
}

func TestHealthEndpoints(t *testing.T) {
	f := newFixture(t, map[string]string{"admin": "secret"})

	rec := f.do(t, http.MethodGet, "/health")
	if rec.Code != http.StatusOK {
		t.Fatalf("/health status = %d", rec.Code)
	}

	rec = f.do(t, http.MethodGet, "/readiness")
	if rec.Code != http.StatusOK {
		t.Fatalf("/readiness status = %d", rec.Code)
	}
	var h HealthStatus
	if err := json.Unmarshal(rec.Body.Bytes(), &h); err != nil {
		t.Fatal(err)
	}
	if h.Status != StatusHealthy || h.FramesCaptured != 7 {
		t.Errorf("health = %+v", h)
	}
}

func TestReadinessUnhealthy(t *testing.T) {
	f := newFixture(t, nil)
	f.server.deps.Health = staticHealth{Status: StatusUnhealthy}

	if rec := f.do(t, http.MethodGet, "/readiness"); rec.Code != http.StatusServiceUnavailable {
		t.Errorf("status = %d, want 503", rec.Code)
	}
}

func TestBasicAuth(t *testing.T) {
	f := newFixture(t, map[string]string{"admin": "secret"})
	f.writeClip(t, "20260101_120000.avi", 10, time.Time{})

	tests := []struct {
		name string
		user string
		pass string
		want int
	}{
		{"no credentials", "", "", http.StatusUnauthorized},
		{"wrong password", "admin", "nope", http.StatusUnauthorized},
		{"valid", "admin", "secret", http.StatusOK},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/api/video_info/20260101_120000.avi", nil)
			if tt.user != "" {
				req.SetBasicAuth(tt.user, tt.pass)
			}
			rec := httptest.NewRecorder()
			f.server.Router().ServeHTTP(rec, req)
			if rec.Code != tt.want {
				t.Errorf("status = %d, want %d", rec.Code, tt.want)
			}
		})
	}
}

func TestVideoInfo(t *testing.T) {
	f := newFixture(t, nil)
	f.writeClip(t, "20260101_120000.avi", 40, time.Time{})
	// Large enough to be a file, but not a decodable clip.
	if err := os.WriteFile(f.store.Path("20260101_130000.avi"), make([]byte, 2048), 0o644); err != nil {
		t.Fatal(err)
	}

	tests := []struct {
		name string
		file string
		want int
	}{
		{"valid", "20260101_120000.avi", http.StatusOK},
		{"missing", "20260101_140000.avi", http.StatusNotFound},
		{"undecodable", "20260101_130000.avi", http.StatusBadRequest},
		{"hidden", ".20260101_120000.avi", http.StatusNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := f.do(t, http.MethodGet, "/api/video_info/"+tt.file)
			if rec.Code != tt.want {
				t.Fatalf("status = %d, want %d (body %s)", rec.Code, tt.want, rec.Body)
			}
			if tt.want != http.StatusOK {
				if !strings.Contains(rec.Body.String(), `"error"`) {
					t.Errorf("body = %s, want error field", rec.Body)
				}
				return
			}
			var info segment.VideoInfo
			if err := json.Unmarshal(rec.Body.Bytes(), &info); err != nil {
				t.Fatal(err)
			}
			if info.FrameCount != 40 || info.FPS != 20 || info.Duration != 2 {
				t.Errorf("info = %+v", info)
			}
		})
	}
}

func TestRecordingsListing(t *testing.T) {
	f := newFixture(t, nil)

	base := time.Date(2026, 3, 4, 10, 0, 0, 0, time.Local)
	for i := 0; i < 12; i++ {
		name := base.Add(time.Duration(i) * time.Minute).Format(segment.TimeLayout) + ".avi"
		f.writeClip(t, name, 10, base.Add(time.Duration(i)*time.Minute))
	}
	f.writeClip(t, "20260305_090000.avi", 10, time.Date(2026, 3, 5, 9, 0, 0, 0, time.Local))
	// Invalid: too small.
	if err := os.WriteFile(f.store.Path("20260304_100500.mp4"), []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}

	tests := []struct {
		name      string
		query     string
		wantCount int
		wantTotal int
		wantPages int
		wantFirst string
	}{
		{"first page", "", 10, 13, 2, "20260305_090000.avi"},
		{"second page", "?page=2", 3, 13, 2, "20260304_100200.avi"},
		{"date filter", "?date=2026-03-05", 1, 1, 1, "20260305_090000.avi"},
		{"hour filter", "?date=2026-03-04&hour=10", 10, 12, 2, "20260304_101100.avi"},
		{"no match", "?hour=23", 0, 0, 0, ""},
		{"bad page", "?page=abc", 10, 13, 2, "20260305_090000.avi"},
		{"past end", "?page=9", 0, 13, 2, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := f.do(t, http.MethodGet, "/api/recordings"+tt.query)
			if rec.Code != http.StatusOK {
				t.Fatalf("status = %d", rec.Code)
			}
			var page RecordingsPage
			if err := json.Unmarshal(rec.Body.Bytes(), &page); err != nil {
				t.Fatal(err)
			}
			if len(page.Recordings) != tt.wantCount || page.Total != tt.wantTotal || page.TotalPages != tt.wantPages {
				t.Fatalf("got %d recordings, total %d, pages %d", len(page.Recordings), page.Total, page.TotalPages)
			}
			if tt.wantFirst != "" && page.Recordings[0].Name != tt.wantFirst {
				t.Errorf("first = %q, want %q", page.Recordings[0].Name, tt.wantFirst)
			}
			for _, r := range page.Recordings {
				if r.Extension != "avi" || r.MIMEType != "video/x-msvideo" || r.Validation != "ok" {
					t.Errorf("unexpected entry %+v", r)
				}
				if r.SizeHuman == "" {
					t.Errorf("missing human size for %s", r.Name)
				}
			}
		})
	}
}

func TestRecordingRange(t *testing.T) {
	f := newFixture(t, nil)
	f.writeClip(t, "20260101_120000.avi", 10, time.Time{})

	req := httptest.NewRequest(http.MethodGet, "/recordings/20260101_120000.avi", nil)
	req.Header.Set("Range", "bytes=0-99")
	rec := httptest.NewRecorder()
	f.server.Router().ServeHTTP(rec, req)

	if rec.Code != http.StatusPartialContent {
		t.Fatalf("status = %d, want 206", rec.Code)
	}
	if rec.Body.Len() != 100 {
		t.Errorf("body length = %d, want 100", rec.Body.Len())
	}

	if rec := f.do(t, http.MethodGet, "/recordings/missing.avi"); rec.Code != http.StatusNotFound {
		t.Errorf("missing file status = %d", rec.Code)
	}
}

func TestVideoFrame(t *testing.T) {
	f := newFixture(t, nil)
	f.writeClip(t, "20260101_120000.avi", 40, time.Time{})

	rec := f.do(t, http.MethodGet, "/video_frame/20260101_120000.avi?t=1")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	if ct := rec.Header().Get("Content-Type"); ct != "image/jpeg" {
		t.Errorf("content type = %q", ct)
	}

	if rec := f.do(t, http.MethodGet, "/video_frame/nope.avi"); rec.Code != http.StatusNotFound {
		t.Errorf("missing frame status = %d", rec.Code)
	}
}

func TestOffsetParam(t *testing.T) {
	tests := []struct {
		query string
		want  time.Duration
	}{
		{"", 0},
		{"t=1.5", 1500 * time.Millisecond},
		{"t=-3", 0},
		{"t=abc", 0},
		{"t=NaN", 0},
		{"t=1e12", time.Duration(maxOffsetSeconds) * time.Second},
		{"t=1e300", time.Duration(maxOffsetSeconds) * time.Second},
	}
	for _, tt := range tests {
		t.Run(tt.query, func(t *testing.T) {
			c, _ := gin.CreateTestContext(httptest.NewRecorder())
			c.Request = httptest.NewRequest(http.MethodGet, "/x?"+tt.query, nil)
			if got := offsetParam(c); got != tt.want {
				t.Errorf("offsetParam = %v, want %v", got, tt.want)
			}
		})
	}
}

// firstPart opens a multipart stream and returns its first part body.
func firstPart(t *testing.T, url string) []byte {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	req, _ := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("GET %s: %v", url, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	_, params, err := mime.ParseMediaType(resp.Header.Get("Content-Type"))
	if err != nil {
		t.Fatal(err)
	}
	mr := multipart.NewReader(resp.Body, params["boundary"])
	part, err := mr.NextPart()
	if err != nil {
		t.Fatalf("NextPart: %v", err)
	}
	data, err := io.ReadAll(part)
	if err != nil {
		t.Fatal(err)
	}
	return data
}

func TestStreams(t *testing.T) {
	f := newFixture(t, nil)
	f.writeClip(t, "20260101_120000.avi", 10, time.Time{})
	f.bus.Publish(frame.Frame{Seq: 1, Width: 16, Height: 12, Data: make([]byte, 16*12*3), Timestamp: time.Now()})

	ts := httptest.NewServer(f.server.Router())
	defer ts.Close()

	for _, path := range []string{"/video_feed", "/video_stream/20260101_120000.avi?t=0.2"} {
		t.Run(path, func(t *testing.T) {
			data := firstPart(t, ts.URL+path)
			if len(data) < 2 || data[0] != 0xFF || data[1] != 0xD8 {
				t.Errorf("first part is not a JPEG")
			}
		})
	}

	resp, err := http.Get(ts.URL + "/video_stream/missing.avi")
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("missing stream status = %d", resp.StatusCode)
	}
}

func TestStartShutdown(t *testing.T) {
	f := newFixture(t, nil)
	if err := f.server.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := f.server.Shutdown(ctx); err != nil {
		t.Errorf("Shutdown: %v", err)
	}
}

func TestShutdownEndsOpenStreams(t *testing.T) {
	f := newFixture(t, nil)
	f.bus.Publish(frame.Frame{Seq: 1, Width: 16, Height: 12, Data: make([]byte, 16*12*3), Timestamp: time.Now()})
	if err := f.server.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}

	client := &http.Client{Timeout: 10 * time.Second}
	resp, err := client.Get("http://" + f.server.Addr() + "/video_feed")
	if err != nil {
		t.Fatalf("GET /video_feed: %v", err)
	}
	defer resp.Body.Close()

	_, params, err := mime.ParseMediaType(resp.Header.Get("Content-Type"))
	if err != nil {
		t.Fatal(err)
	}
	mr := multipart.NewReader(resp.Body, params["boundary"])
	if _, err := mr.NextPart(); err != nil {
		t.Fatalf("NextPart: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	start := time.Now()
	if err := f.server.Shutdown(ctx); err != nil {
		t.Errorf("Shutdown with open viewer: %v", err)
	}
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Errorf("Shutdown took %v with open viewer", elapsed)
	}

	// The stream body terminates once the handler returns.
	if _, err := io.Copy(io.Discard, resp.Body); err != nil {
		t.Logf("stream ended with %v", err)
	}
}
