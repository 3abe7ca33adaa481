// Package notify pushes "conversation changed" signals between server
// instances so pollers refresh without waiting for the next tick.
package notify

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/redis/go-redis/v9"
)

// Channel is the Redis pub/sub channel carrying conversation IDs.
const Channel = "open_dialogue:conversation_changed"

// ListChanged is published when the conversation list itself changed.
const ListChanged = "*"

// Notifier publishes and receives conversation change signals.
type Notifier interface {
	Publish(ctx context.Context, conversationID string) error
	Subscribe(ctx context.Context) (<-chan string, error)
	Close() error
}

// Noop is a Notifier that never delivers anything.
type Noop struct{}

// Publish implements Notifier.
func (Noop) Publish(context.Context, string) error { return nil }

// Subscribe implements Notifier. The channel closes when ctx is done.
func (Noop) Subscribe(ctx context.Context) (<-chan string, error) {
	ch := make(chan string)
	go func() {
		<-ctx.Done()
		close(ch)
	}()
	return ch, nil
}

// Close implements Notifier.
func (Noop) Close() error { return nil }

// Redis is a Notifier backed by Redis pub/sub.
type Redis struct {
	rdb    *redis.Client
	logger *slog.Logger

	mu     sync.Mutex
	subs   []*redis.PubSub
	closed bool
}

// NewRedis connects to addr and verifies the connection.
func NewRedis(ctx context.Context, addr string, logger *slog.Logger) (*Redis, error) {
	rdb := redis.NewClient(&redis.Options{Addr: addr})
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("ping redis at %s: %w", addr, err)
	}
	return NewRedisWithClient(rdb, logger), nil
}

// NewRedisWithClient wraps an existing client.
func NewRedisWithClient(rdb *redis.Client, logger *slog.Logger) *Redis {
	if logger == nil {
		logger = slog.Default()
	}
	return &Redis{rdb: rdb, logger: logger}
}

// Publish implements Notifier.
func (r *Redis) Publish(ctx context.Context, conversationID string) error {
	if err := r.rdb.Publish(ctx, Channel, conversationID).Err(); err != nil {
		return fmt.Errorf("publish change: %w", err)
	}
	return nil
}

// Subscribe implements Notifier. The returned channel closes when ctx is
// done or the notifier is closed.
func (r *Redis) Subscribe(ctx context.Context) (<-chan string, error) {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil, redis.ErrClosed
	}
	ps := r.rdb.Subscribe(ctx, Channel)
	r.subs = append(r.subs, ps)
	r.mu.Unlock()

	// Wait for the subscription confirmation so no publish is missed.
	if _, err := ps.Receive(ctx); err != nil {
		_ = ps.Close()
		return nil, fmt.Errorf("subscribe %s: %w", Channel, err)
	}

	out := make(chan string, 16)
	go func() {
		defer close(out)
		defer func() {
			_ = ps.Close()
		}()
		msgs := ps.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-msgs:
				if !ok {
					return
				}
				select {
				case out <- msg.Payload:
				default:
					r.logger.Warn("change notification dropped, subscriber is slow", "conversation_id", msg.Payload)
				}
			}
		}
	}()
	return out, nil
}

// Close implements Notifier.
func (r *Redis) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil
	}
	r.closed = true
	for _, ps := range r.subs {
		_ = ps.Close()
	}
	return r.rdb.Close()
}
