package api

import (
	"errors"
	"log/slog"
	"math"
	"net/http"
	"strconv"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/gin-gonic/gin"

	"github.com/topqaz/nvr/media"
	"github.com/topqaz/nvr/segment"
	"github.com/topqaz/nvr/stream"
)

// Recording is one entry of the recordings listing.
type Recording struct {
	Name       string    `json:"name"`
	Size       int64     `json:"size"`
	SizeMB     float64   `json:"size_mb"`
	SizeHuman  string    `json:"size_human"`
	Modified   time.Time `json:"modified"`
	TimeStr    string    `json:"time_str"`
	MIMEType   string    `json:"mime_type"`
	Extension  string    `json:"extension"`
	Validation string    `json:"validation"`
}

// RecordingsPage is the response of GET /api/recordings.
type RecordingsPage struct {
	Recordings []Recording `json:"recordings"`
	Page       int         `json:"page"`
	TotalPages int         `json:"total_pages"`
	Total      int         `json:"total"`
	Date       string      `json:"date,omitempty"`
	Hour       *int        `json:"hour,omitempty"`
}

// handleVideoStream handles GET /video_stream/:name?t=<seconds>
func (s *Server) handleVideoStream(c *gin.Context) {
	name := c.Param("name")

	sess, err := s.deps.Playback.Open(name, offsetParam(c))
	if err != nil {
		s.abortSegmentError(c, name, err)
		return
	}

	stream.SetHeaders(c.Writer.Header())
	c.Status(http.StatusOK)
	c.Writer.WriteHeaderNow()

	// Ends when the client disconnects; nothing left to report.
	_ = s.deps.Playback.Stream(c.Request.Context(), c.Writer, sess)
}

// handleVideoFrame handles GET /video_frame/:name?t=<seconds>
func (s *Server) handleVideoFrame(c *gin.Context) {
	name := c.Param("name")

	jpeg, err := s.deps.Playback.Frame(name, offsetParam(c))
	if err != nil {
		s.abortSegmentError(c, name, err)
		return
	}

	c.Data(http.StatusOK, "image/jpeg", jpeg)
}

// handleVideoInfo handles GET /api/video_info/:name
func (s *Server) handleVideoInfo(c *gin.Context) {
	name := c.Param("name")

	info, err := s.deps.Store.Info(name)
	switch {
	case err == nil:
		c.JSON(http.StatusOK, info)
	case errors.Is(err, segment.ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "file not found"})
	case errors.Is(err, media.ErrDecode):
		c.JSON(http.StatusBadRequest, gin.H{"error": "cannot open video file"})
	default:
		slog.Error("api: video info failed", "name", name, "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
	}
}

// handleRecording handles GET /recordings/:name with Range support
func (s *Server) handleRecording(c *gin.Context) {
	s.deps.Files.Serve(c.Writer, c.Request, c.Param("name"))
}

// handleRecordings handles GET /api/recordings?date=YYYY-MM-DD&hour=H&page=N
func (s *Server) handleRecordings(c *gin.Context) {
	entries, err := s.deps.Store.List()
	if err != nil {
		slog.Error("api: listing failed", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	date := c.Query("date")
	var hour *int
	if h, err := strconv.Atoi(c.Query("hour")); err == nil && h >= 0 {
		hour = &h
	}

	filtered := make([]Recording, 0, len(entries))
	for _, e := range entries {
		mtime := e.ModTime.Local()
		if date != "" && mtime.Format("2006-01-02") != date {
			continue
		}
		if hour != nil && mtime.Hour() != *hour {
			continue
		}
		filtered = append(filtered, toRecording(e))
	}

	page := 1
	if p, err := strconv.Atoi(c.Query("page")); err == nil && p > 0 {
		page = p
	}
	total := len(filtered)
	start := min((page-1)*PageSize, total)
	end := min(start+PageSize, total)

	c.JSON(http.StatusOK, RecordingsPage{
		Recordings: filtered[start:end],
		Page:       page,
		TotalPages: (total + PageSize - 1) / PageSize,
		Total:      total,
		Date:       date,
		Hour:       hour,
	})
}

// handleHealth handles /health (liveness)
func (s *Server) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status": "alive",
		"uptime": int64(time.Since(s.started).Seconds()),
	})
}

// handleReadiness handles /readiness; 503 only when unhealthy
func (s *Server) handleReadiness(c *gin.Context) {
	if s.deps.Health == nil {
		c.JSON(http.StatusOK, gin.H{"status": StatusHealthy})
		return
	}

	health := s.deps.Health.HealthCheck()
	code := http.StatusOK
	if health.Status == StatusUnhealthy {
		code = http.StatusServiceUnavailable
	}
	c.JSON(code, health)
}

// abortSegmentError maps playback errors to 404 or 500.
func (s *Server) abortSegmentError(c *gin.Context, name string, err error) {
	if errors.Is(err, segment.ErrNotFound) {
		slog.Debug("api: segment not found", "name", name, "error", err)
		c.AbortWithStatusJSON(http.StatusNotFound, gin.H{"error": "not found"})
		return
	}
	slog.Error("api: playback failed", "name", name, "error", err)
	c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
}

// maxOffsetSeconds keeps t*time.Second inside int64.
const maxOffsetSeconds = math.MaxInt64 / int64(time.Second)

// offsetParam parses ?t= seconds. Missing, malformed or negative values
// mean the start of the file; huge values saturate.
func offsetParam(c *gin.Context) time.Duration {
	t, err := strconv.ParseFloat(c.Query("t"), 64)
	if err != nil || t <= 0 || math.IsInf(t, 0) || math.IsNaN(t) {
		return 0
	}
	if t >= float64(maxOffsetSeconds) {
		return time.Duration(maxOffsetSeconds) * time.Second
	}
	return time.Duration(t * float64(time.Second))
}

func toRecording(e segment.Entry) Recording {
	mtime := e.ModTime.Local()
	return Recording{
		Name:       e.Name,
		Size:       e.Size,
		SizeMB:     math.Round(float64(e.Size)/1024/1024*100) / 100,
		SizeHuman:  humanize.Bytes(uint64(e.Size)),
		Modified:   mtime,
		TimeStr:    mtime.Format("2006-01-02 15:04:05"),
		MIMEType:   e.MIMEType,
		Extension:  e.Extension,
		Validation: e.Validity.Reason,
	}
}
