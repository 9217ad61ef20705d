package httpserver

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/isdmx/runbox/config"
	"github.com/isdmx/runbox/dispatcher"
	"github.com/isdmx/runbox/metrics"
	"github.com/isdmx/runbox/sandbox"
	"github.com/isdmx/runbox/session"
)

const (
	// maxRunBody bounds the size of a POST /run body
	maxRunBody = 1 << 20
	// writeWait bounds one websocket write
	writeWait = 10 * time.Second
)

// Sessions opens and closes client event channels
type Sessions interface {
	Connect(ctx context.Context) (*session.Session, error)
	Disconnect(id int64)
	Len() int
}

// Submitter accepts jobs for background execution
type Submitter interface {
	Submit(ctx context.Context, req dispatcher.Request) (dispatcher.Ack, error)
}

// response is the envelope of every JSON reply
type response struct {
	Errno   int    `json:"errno"`
	Message string `json:"message,omitempty"`
	Data    any    `json:"data,omitempty"`
}

func failure(message string) response {
	return response{Errno: 1, Message: message}
}

func success(data any) response {
	return response{Data: data}
}

// runRequest is the body of POST /run
type runRequest struct {
	Language   string `json:"language"`
	Version    string `json:"version"`
	Code       string `json:"code"`
	SessionID  int64  `json:"sessionId"`
	StreamMode bool   `json:"streamMode"`
}

// Server is the HTTP surface: event channels over SSE or WebSocket, job
// submission, and the operational endpoints
type Server struct {
	logger   *zap.Logger
	cfg      *config.Config
	metrics  *metrics.Metrics
	sessions Sessions
	jobs     Submitter
	mcp      http.Handler
	logLevel http.Handler
	upgrader websocket.Upgrader
	router   *gin.Engine

	// streams is canceled on Stop so open event channels end before shutdown
	streams      context.Context
	closeStreams context.CancelFunc

	mu       sync.Mutex
	srv      *http.Server
	listener net.Listener
}

// Option defines a functional option for Server
type Option func(*Server)

// WithMCPHandler mounts an MCP endpoint at the configured path
func WithMCPHandler(h http.Handler) Option {
	return func(s *Server) {
		s.mcp = h
	}
}

// WithLogLevelHandler exposes the logger's adjustable level at
// /debug/log-level
func WithLogLevelHandler(h http.Handler) Option {
	return func(s *Server) {
		s.logLevel = h
	}
}

// New creates a Server and its routes
func New(logger *zap.Logger, cfg *config.Config, m *metrics.Metrics, sessions Sessions, jobs Submitter, opts ...Option) *Server {
	streams, closeStreams := context.WithCancel(context.Background())
	s := &Server{
		logger:       logger.With(zap.String("component", "http")),
		cfg:          cfg,
		metrics:      m,
		sessions:     sessions,
		jobs:         jobs,
		streams:      streams,
		closeStreams: closeStreams,
	}
	for _, opt := range opts {
		opt(s)
	}

	s.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 4096,
		CheckOrigin:     s.checkOrigin,
	}
	s.router = s.routes()
	return s
}

func (s *Server) routes() *gin.Engine {
	r := gin.New()
	r.Use(
		Recovery(s.logger),
		RequestID(),
		Logger(s.logger),
		CORS(s.cfg.Server.CORSOrigin),
		s.metrics.Middleware(),
	)

	run := []gin.HandlerFunc{s.handleRun}
	if s.cfg.Server.RateLimitRPS > 0 {
		limiter := NewIPRateLimiter(s.cfg.Server.RateLimitRPS, s.cfg.Server.RateLimitBurst)
		run = append([]gin.HandlerFunc{RateLimit(limiter, s.metrics)}, run...)
	}

	r.GET("/events", s.handleEvents)
	r.GET("/events/ws", s.handleWebSocket)
	r.POST("/run", run...)
	// paths of the first release
	r.GET("/sse", s.handleEvents)
	r.POST("/runner", run...)

	r.GET("/languages", s.handleLanguages)
	r.GET("/healthz", s.handleHealth)
	r.GET("/metrics", gin.WrapH(s.metrics.Handler()))

	if s.logLevel != nil {
		r.GET("/debug/log-level", gin.WrapH(s.logLevel))
		r.PUT("/debug/log-level", gin.WrapH(s.logLevel))
	}
	if s.mcp != nil && s.cfg.MCP.Enabled {
		r.Any(s.cfg.MCP.Path, gin.WrapH(s.mcp))
	}

	r.NoRoute(func(c *gin.Context) {
		c.JSON(http.StatusNotFound, failure("not found"))
	})
	return r
}

// Handler returns the routed handler
func (s *Server) Handler() http.Handler {
	return s.router
}

// Start listens on the configured port and serves in the background
func (s *Server) Start() error {
	addr := fmt.Sprintf(":%d", s.cfg.Server.HTTPPort)
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", addr, err)
	}

	srv := &http.Server{
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	s.mu.Lock()
	s.srv = srv
	s.listener = ln
	s.mu.Unlock()

	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("http server stopped", zap.Error(err))
		}
	}()

	s.logger.Info("http server listening", zap.String("addr", ln.Addr().String()))
	return nil
}

// Addr returns the listening address once started
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

// Stop ends open event channels and shuts the server down gracefully
func (s *Server) Stop(ctx context.Context) error {
	s.closeStreams()

	s.mu.Lock()
	srv := s.srv
	s.mu.Unlock()
	if srv == nil {
		return nil
	}
	if err := srv.Shutdown(ctx); err != nil {
		return fmt.Errorf("failed to shut down http server: %w", err)
	}
	s.logger.Info("http server stopped")
	return nil
}

// handleEvents serves a session as a server-sent event stream
func (s *Server) handleEvents(c *gin.Context) {
	sess, err := s.sessions.Connect(c.Request.Context())
	if err != nil {
		s.logger.Warn("failed to open session", zap.Error(err))
		c.JSON(http.StatusServiceUnavailable, failure(err.Error()))
		return
	}
	defer s.sessions.Disconnect(sess.ID)
	s.metrics.SessionsOpened.Inc()

	h := c.Writer.Header()
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	h.Set("X-Accel-Buffering", "no")
	c.Status(http.StatusOK)
	c.Writer.Flush()

	s.pump(c.Request.Context(), sess, nil, func(frame []byte) error {
		if _, err := c.Writer.Write(frame); err != nil {
			return err
		}
		c.Writer.Flush()
		return nil
	})
}

// handleWebSocket serves a session over a websocket, one frame per text
// message. Client messages are ignored.
func (s *Server) handleWebSocket(c *gin.Context) {
	conn, err := s.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		s.logger.Debug("websocket upgrade failed", zap.Error(err))
		return
	}
	defer conn.Close()

	sess, err := s.sessions.Connect(c.Request.Context())
	if err != nil {
		s.logger.Warn("failed to open session", zap.Error(err))
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseTryAgainLater, err.Error()),
			time.Now().Add(writeWait))
		return
	}
	defer s.sessions.Disconnect(sess.ID)
	s.metrics.SessionsOpened.Inc()

	gone := make(chan struct{})
	go func() {
		defer close(gone)
		for {
			if _, _, err := conn.NextReader(); err != nil {
				return
			}
		}
	}()

	s.pump(c.Request.Context(), sess, gone, func(frame []byte) error {
		_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
		return conn.WriteMessage(websocket.TextMessage, frame)
	})
}

// pump writes the session's frames until the client, the session or the
// server goes away
func (s *Server) pump(ctx context.Context, sess *session.Session, gone <-chan struct{}, write func([]byte) error) {
	log := s.logger.With(zap.Int64("session_id", sess.ID))
	for {
		select {
		case <-ctx.Done():
			return
		case <-gone:
			return
		case <-sess.Done():
			return
		case <-s.streams.Done():
			return
		case frame := <-sess.Frames():
			if err := write(frame); err != nil {
				log.Debug("client went away", zap.Error(err))
				return
			}
		}
	}
}

// handleRun accepts a job. The reply only acknowledges it; every result,
// validation errors included, arrives on the session.
func (s *Server) handleRun(c *gin.Context) {
	c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, maxRunBody)

	var req runRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusOK, failure(fmt.Sprintf("invalid request body: %v", err)))
		return
	}

	mode := sandbox.ModeBuffered
	if req.StreamMode {
		mode = sandbox.ModeStreaming
	}

	ack, err := s.jobs.Submit(c.Request.Context(), dispatcher.Request{
		Language:  req.Language,
		Version:   req.Version,
		Code:      req.Code,
		SessionID: req.SessionID,
		Mode:      mode,
	})
	if err != nil {
		c.JSON(http.StatusOK, failure(err.Error()))
		return
	}
	c.JSON(http.StatusOK, success(gin.H{"jobId": ack.JobID}))
}

func (s *Server) handleLanguages(c *gin.Context) {
	c.JSON(http.StatusOK, success(sandbox.Languages()))
}

func (s *Server) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":   "ok",
		"sessions": s.sessions.Len(),
	})
}

func (s *Server) checkOrigin(r *http.Request) bool {
	allowed := s.cfg.Server.CORSOrigin
	if allowed == "*" {
		return true
	}
	origin := r.Header.Get("Origin")
	return origin == "" || origin == allowed
}
