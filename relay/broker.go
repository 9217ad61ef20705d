package relay

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// Broker is the pub/sub and counter store the relay runs on
type Broker interface {
	Publish(ctx context.Context, channel string, payload []byte) error
	// Subscribe delivers the payloads published on channel until the
	// returned close function is called or ctx is done
	Subscribe(ctx context.Context, channel string) (<-chan []byte, func() error, error)
	Incr(ctx context.Context, key string) (int64, error)
	Close() error
}

// RedisBroker implements Broker with Redis pub/sub and INCR
type RedisBroker struct {
	client *redis.Client
}

var _ Broker = (*RedisBroker)(nil)

// NewRedisBroker connects to addr and checks the connection
func NewRedisBroker(ctx context.Context, addr string) (*RedisBroker, error) {
	client := redis.NewClient(&redis.Options{
		Addr: addr,
	})

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to redis at %s: %w", addr, err)
	}

	return &RedisBroker{client: client}, nil
}

// Publish sends payload to every subscriber of channel
func (b *RedisBroker) Publish(ctx context.Context, channel string, payload []byte) error {
	if err := b.client.Publish(ctx, channel, payload).Err(); err != nil {
		return fmt.Errorf("redis publish failed: %w", err)
	}
	return nil
}

// Subscribe implements Broker
func (b *RedisBroker) Subscribe(ctx context.Context, channel string) (<-chan []byte, func() error, error) {
	pubsub := b.client.Subscribe(ctx, channel)

	// Wait for confirmation that we are subscribed
	if _, err := pubsub.Receive(ctx); err != nil {
		_ = pubsub.Close()
		return nil, nil, fmt.Errorf("failed to subscribe to %s: %w", channel, err)
	}

	out := make(chan []byte)
	go func() {
		defer close(out)

		ch := pubsub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-ch:
				if !ok {
					return
				}
				select {
				case out <- []byte(msg.Payload):
				case <-ctx.Done():
					return
				}
			}
		}
	}()

	return out, pubsub.Close, nil
}

// Incr atomically increments key and returns the new value
func (b *RedisBroker) Incr(ctx context.Context, key string) (int64, error) {
	n, err := b.client.Incr(ctx, key).Result()
	if err != nil {
		return 0, fmt.Errorf("redis incr %s failed: %w", key, err)
	}
	return n, nil
}

// Close closes the client
func (b *RedisBroker) Close() error {
	return b.client.Close()
}
