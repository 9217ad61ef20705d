package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/isdmx/runbox/config"
)

// ErrSessionNotFound is reported when a session id is not registered here
var ErrSessionNotFound = errors.New("session not found")

// ErrClosed is returned by Connect after Close
var ErrClosed = errors.New("registry closed")

// ErrStalled is returned by Deliver when a session's buffer stayed full for
// the send timeout. The session is disconnected.
var ErrStalled = errors.New("session stopped reading")

// Defaults used when the corresponding option is not set
const (
	DefaultHeartbeatInterval = 5 * time.Second
	DefaultBufferSize        = 64
	DefaultSendTimeout       = 10 * time.Second
)

// Notifier delivers an event to a session. Delivering to an unknown or
// disconnected session is not an error.
type Notifier interface {
	Send(id int64, event Event, payload any) error
}

// IDSource hands out session ids
type IDSource interface {
	NextID(ctx context.Context) (int64, error)
}

// counter is the in-process IDSource
type counter struct {
	last atomic.Int64
}

func (c *counter) NextID(context.Context) (int64, error) {
	return c.last.Add(1), nil
}

// NewCounter returns an in-process IDSource starting at 1
func NewCounter() IDSource {
	return &counter{}
}

// Session is one client's event channel
type Session struct {
	ID        int64
	CreatedAt time.Time

	frames    chan []byte
	done      chan struct{}
	closeOnce sync.Once
	ticker    *time.Ticker
}

// Frames yields encoded frames in the order they were produced. It is never
// closed; readers stop on Done.
func (s *Session) Frames() <-chan []byte {
	return s.frames
}

// Done is closed once the session is disconnected
func (s *Session) Done() <-chan struct{} {
	return s.done
}

func (s *Session) close() {
	s.closeOnce.Do(func() {
		s.ticker.Stop()
		close(s.done)
	})
}

// push waits for room in the buffer, so a slow reader slows its producers
// down. It gives up after timeout and reports false.
func (s *Session) push(frame []byte, timeout time.Duration) bool {
	select {
	case s.frames <- frame:
		return true
	case <-s.done:
		return true
	default:
	}

	t := time.NewTimer(timeout)
	defer t.Stop()
	select {
	case s.frames <- frame:
	case <-s.done:
	case <-t.C:
		return false
	}
	return true
}

// offer drops the frame instead of waiting
func (s *Session) offer(frame []byte) {
	select {
	case <-s.done:
		return
	default:
	}
	select {
	case s.frames <- frame:
	default:
	}
}

func (s *Session) heartbeat() {
	for {
		select {
		case <-s.ticker.C:
			s.offer(Heartbeat)
		case <-s.done:
			return
		}
	}
}

// Registry tracks the live sessions of this process
type Registry struct {
	logger            *zap.Logger
	heartbeatInterval time.Duration
	bufferSize        int
	sendTimeout       time.Duration
	ids               IDSource

	mu       sync.Mutex
	sessions map[int64]*Session
	closed   bool
}

// Option defines a functional option for Registry
type Option func(*Registry)

// WithHeartbeatInterval sets the keep-alive period
func WithHeartbeatInterval(d time.Duration) Option {
	return func(r *Registry) {
		if d > 0 {
			r.heartbeatInterval = d
		}
	}
}

// WithBufferSize sets the number of frames queued per session
func WithBufferSize(n int) Option {
	return func(r *Registry) {
		if n >= 2 {
			r.bufferSize = n
		}
	}
}

// WithSendTimeout bounds how long Deliver waits on a full buffer
func WithSendTimeout(d time.Duration) Option {
	return func(r *Registry) {
		if d > 0 {
			r.sendTimeout = d
		}
	}
}

// WithIDSource replaces the in-process id counter
func WithIDSource(ids IDSource) Option {
	return func(r *Registry) {
		if ids != nil {
			r.ids = ids
		}
	}
}

// NewRegistry creates an empty Registry
func NewRegistry(logger *zap.Logger, opts ...Option) *Registry {
	r := &Registry{
		logger:            logger,
		heartbeatInterval: DefaultHeartbeatInterval,
		bufferSize:        DefaultBufferSize,
		sendTimeout:       DefaultSendTimeout,
		ids:               NewCounter(),
		sessions:          make(map[int64]*Session),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// New creates a Registry from the application configuration
func New(logger *zap.Logger, cfg *config.Config, opts ...Option) *Registry {
	base := []Option{
		WithHeartbeatInterval(cfg.HeartbeatInterval()),
		WithBufferSize(cfg.Session.BufferSize),
		WithSendTimeout(cfg.SendTimeout()),
	}
	return NewRegistry(logger, append(base, opts...)...)
}

// Connect registers a new session. Its first frames are the connect event,
// carrying the session id, and one heartbeat; further heartbeats follow on
// every interval until Disconnect.
func (r *Registry) Connect(ctx context.Context) (*Session, error) {
	id, err := r.ids.NextID(ctx)
	if err != nil {
		return nil, fmt.Errorf("allocate session id: %w", err)
	}

	connect, err := Encode(EventConnect, id)
	if err != nil {
		return nil, err
	}

	s := &Session{
		ID:        id,
		CreatedAt: time.Now(),
		frames:    make(chan []byte, r.bufferSize),
		done:      make(chan struct{}),
	}
	s.frames <- connect
	s.frames <- Heartbeat

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil, ErrClosed
	}
	if _, taken := r.sessions[id]; taken {
		r.mu.Unlock()
		return nil, fmt.Errorf("allocate session id: %d already in use", id)
	}
	s.ticker = time.NewTicker(r.heartbeatInterval)
	r.sessions[id] = s
	r.mu.Unlock()

	go s.heartbeat()

	r.logger.Debug("session connected", zap.Int64("session_id", id))
	return s, nil
}

// Send encodes and delivers one event. An unknown session id is not an
// error: the client may have gone away while its job was running.
func (r *Registry) Send(id int64, event Event, payload any) error {
	frame, err := Encode(event, payload)
	if err != nil {
		return err
	}
	return r.Deliver(id, frame)
}

// Deliver queues an already encoded frame. A session whose reader stalls
// for the send timeout is disconnected, so its producers never wait longer.
func (r *Registry) Deliver(id int64, frame []byte) error {
	s, err := r.lookup(id)
	if err != nil {
		r.logger.Debug("dropping frame", zap.Int64("session_id", id), zap.Error(err))
		return nil
	}
	if !s.push(frame, r.sendTimeout) {
		r.logger.Warn("disconnecting stalled session",
			zap.Int64("session_id", id),
			zap.Duration("send_timeout", r.sendTimeout))
		r.Disconnect(id)
		return fmt.Errorf("%w: %d", ErrStalled, id)
	}
	return nil
}

// Disconnect unregisters a session and stops its heartbeat. Repeated calls
// are no-ops.
func (r *Registry) Disconnect(id int64) {
	r.mu.Lock()
	s, ok := r.sessions[id]
	delete(r.sessions, id)
	r.mu.Unlock()

	if !ok {
		return
	}
	s.close()
	r.logger.Debug("session disconnected",
		zap.Int64("session_id", id),
		zap.Duration("duration", time.Since(s.CreatedAt)))
}

// Len returns the number of connected sessions
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions)
}

// Close disconnects every session and refuses new ones
func (r *Registry) Close() {
	r.mu.Lock()
	r.closed = true
	sessions := r.sessions
	r.sessions = make(map[int64]*Session)
	r.mu.Unlock()

	for _, s := range sessions {
		s.close()
	}
	r.logger.Info("session registry closed", zap.Int("sessions", len(sessions)))
}

func (r *Registry) lookup(id int64) (*Session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[id]
	if !ok {
		return nil, fmt.Errorf("%w: %d", ErrSessionNotFound, id)
	}
	return s, nil
}
