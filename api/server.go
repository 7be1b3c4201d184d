// Package api exposes the recorder over HTTP with gin.
package api

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/topqaz/nvr/rangefile"
	"github.com/topqaz/nvr/segment"
	"github.com/topqaz/nvr/stream"
)

// PageSize is the number of recordings per listing page.
const PageSize = 10

// HealthReporter reports service health for /health and /readiness.
type HealthReporter interface {
	HealthCheck() HealthStatus
}

// Deps are the components served by the API.
type Deps struct {
	Live     http.Handler
	Playback *stream.Playback
	Store    *segment.Store
	Files    *rangefile.Server
	Health   HealthReporter
	// Users are basic auth accounts (user -> password). Empty disables auth.
	Users map[string]string
}

// Server represents the API server
type Server struct {
	router  *gin.Engine
	addr    string
	deps    Deps
	httpSrv *http.Server
	ln      net.Listener
	started time.Time

	// Parent of every request context; cancelled first on Shutdown so
	// live and playback streams return.
	baseCtx    context.Context
	cancelBase context.CancelFunc
}

// NewServer creates a new API server instance
func NewServer(addr string, deps Deps) (*Server, error) {
	if addr == "" {
		return nil, fmt.Errorf("api: listen address is required")
	}
	if deps.Live == nil || deps.Playback == nil || deps.Store == nil || deps.Files == nil {
		return nil, fmt.Errorf("api: live, playback, store and files are required")
	}

	router := gin.New()
	router.Use(requestLogger())
	router.Use(gin.Recovery())

	s := &Server{
		router:  router,
		addr:    addr,
		deps:    deps,
		started: time.Now(),
	}
	s.SetupRoutes()
	return s, nil
}

// SetupRoutes configures all API routes
func (s *Server) SetupRoutes() {
	s.router.GET("/health", s.handleHealth)
	s.router.GET("/readiness", s.handleReadiness)

	var protected *gin.RouterGroup
	if len(s.deps.Users) > 0 {
		protected = s.router.Group("/", gin.BasicAuth(gin.Accounts(s.deps.Users)))
	} else {
		slog.Warn("api: no http users configured, endpoints are unauthenticated")
		protected = s.router.Group("/")
	}

	protected.GET("/video_feed", gin.WrapH(s.deps.Live))
	protected.GET("/video_stream/:name", s.handleVideoStream)
	protected.GET("/video_frame/:name", s.handleVideoFrame)
	protected.GET("/recordings/:name", s.handleRecording)

	api := protected.Group("/api")
	{
		api.GET("/video_info/:name", s.handleVideoInfo)
		api.GET("/recordings", s.handleRecordings)
	}
}

// Start listens on the configured address and serves in the background.
// Listen errors are returned; serve errors are logged.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("api: listen %s: %w", s.addr, err)
	}

	s.ln = ln
	s.baseCtx, s.cancelBase = context.WithCancel(context.Background())

	// No write timeout: streams are long-lived.
	s.httpSrv = &http.Server{
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return s.baseCtx },
	}

	go func() {
		if err := s.httpSrv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("api: server error", "error", err)
		}
	}()

	slog.Info("api: server started", "addr", ln.Addr().String())
	return nil
}

// Shutdown cancels every request context, which ends open streams, then
// waits for handlers to return until ctx is done.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.httpSrv == nil {
		return nil
	}
	s.cancelBase()
	if err := s.httpSrv.Shutdown(ctx); err != nil {
		// Streams may outlive the grace period; force them closed.
		s.httpSrv.Close()
		return fmt.Errorf("api: shutdown: %w", err)
	}
	slog.Info("api: server stopped")
	return nil
}

// Addr returns the bound listen address, or the configured one before Start.
func (s *Server) Addr() string {
	if s.ln == nil {
		return s.addr
	}
	return s.ln.Addr().String()
}

// Router returns the gin router (for testing)
func (s *Server) Router() *gin.Engine {
	return s.router
}

// requestLogger logs one line per request via slog.
func requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		slog.Debug("api: request",
			"method", c.Request.Method,
			"path", c.Request.URL.Path,
			"status", c.Writer.Status(),
			"bytes", c.Writer.Size(),
			"latency_ms", time.Since(start).Milliseconds(),
			"client_ip", c.ClientIP(),
		)
	}
}
