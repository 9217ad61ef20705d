package relay

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/isdmx/runbox/config"
	"github.com/isdmx/runbox/metrics"
	"github.com/isdmx/runbox/session"
)

// publishTimeout bounds one publish
const publishTimeout = 2 * time.Second

// Message is the wire form of a relayed frame
type Message struct {
	Session int64  `json:"session"`
	Frame   string `json:"frame"`
}

// Deliverer queues an encoded frame on a local session
type Deliverer interface {
	Deliver(id int64, frame []byte) error
}

// Relay fans session frames out through a Broker, so a job may run on an
// instance other than the one holding the client's connection. Every
// instance delivers what it receives to its own sessions; frames for
// sessions held elsewhere are dropped there.
type Relay struct {
	logger  *zap.Logger
	metrics *metrics.Metrics
	broker  Broker
	channel string
	idKey   string
	jobIDs  keyCounter
	local   Deliverer

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

var (
	_ session.Notifier = (*Relay)(nil)
	_ session.IDSource = (*Relay)(nil)
)

// New creates a Relay on broker delivering to local
func New(logger *zap.Logger, m *metrics.Metrics, broker Broker, cfg config.RelayConfig, local Deliverer) *Relay {
	return &Relay{
		logger:  logger.With(zap.String("channel", cfg.Channel)),
		metrics: m,
		broker:  broker,
		channel: cfg.Channel,
		idKey:   cfg.IDKey,
		jobIDs:  keyCounter{broker: broker, key: cfg.JobIDKey},
		local:   local,
	}
}

// SetLocal sets the sessions received frames are delivered to
func (r *Relay) SetLocal(local Deliverer) {
	r.mu.Lock()
	r.local = local
	r.mu.Unlock()
}

// Send implements session.Notifier by publishing the encoded frame
func (r *Relay) Send(id int64, event session.Event, payload any) error {
	frame, err := session.Encode(event, payload)
	if err != nil {
		return err
	}

	data, err := json.Marshal(Message{Session: id, Frame: string(frame)})
	if err != nil {
		return fmt.Errorf("failed to marshal frame: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), publishTimeout)
	defer cancel()
	if err := r.broker.Publish(ctx, r.channel, data); err != nil {
		return err
	}
	r.metrics.RelayFrames.WithLabelValues("out").Inc()
	return nil
}

// NextID implements session.IDSource with a counter shared by all instances
func (r *Relay) NextID(ctx context.Context) (int64, error) {
	return r.broker.Incr(ctx, r.idKey)
}

// JobIDs returns the job id counter shared by all instances, so artifacts
// and container names never collide on a shared host
func (r *Relay) JobIDs() session.IDSource {
	return r.jobIDs
}

// keyCounter is an IDSource on one broker key
type keyCounter struct {
	broker Broker
	key    string
}

func (c keyCounter) NextID(ctx context.Context) (int64, error) {
	return c.broker.Incr(ctx, c.key)
}

// Start subscribes to the channel and delivers frames until Stop. ctx only
// bounds the subscription handshake.
func (r *Relay) Start(ctx context.Context) error {
	subCtx, cancel := context.WithCancel(context.Background())
	stopHandshake := context.AfterFunc(ctx, cancel)
	frames, closeSub, err := r.broker.Subscribe(subCtx, r.channel)
	if err == nil && !stopHandshake() {
		_ = closeSub()
		err = ctx.Err()
	}
	if err != nil {
		cancel()
		return err
	}

	done := make(chan struct{})
	r.mu.Lock()
	r.cancel = cancel
	r.done = done
	r.mu.Unlock()

	go func() {
		defer close(done)
		defer func() {
			if err := closeSub(); err != nil {
				r.logger.Warn("failed to close subscription", zap.Error(err))
			}
		}()

		for {
			select {
			case <-subCtx.Done():
				return
			case payload, ok := <-frames:
				if !ok {
					return
				}
				r.deliver(payload)
			}
		}
	}()

	r.logger.Info("relay subscribed")
	return nil
}

// Stop ends the subscription and waits for the delivery loop
func (r *Relay) Stop() {
	r.mu.Lock()
	cancel, done := r.cancel, r.done
	r.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	<-done
}

func (r *Relay) deliver(payload []byte) {
	var msg Message
	if err := json.Unmarshal(payload, &msg); err != nil {
		r.logger.Error("failed to unmarshal relayed frame", zap.Error(err))
		return
	}
	r.metrics.RelayFrames.WithLabelValues("in").Inc()

	r.mu.Lock()
	local := r.local
	r.mu.Unlock()
	if local == nil {
		return
	}
	if err := local.Deliver(msg.Session, []byte(msg.Frame)); err != nil {
		r.logger.Warn("failed to deliver relayed frame", zap.Int64("session_id", msg.Session), zap.Error(err))
	}
}
