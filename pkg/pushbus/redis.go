package pushbus

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/redis/go-redis/v9"
)

// RedisBus maps topics onto Redis pub/sub channels under a prefix.
type RedisBus struct {
	client *redis.Client
	prefix string
}

// NewRedisBus wraps a shared Redis client.
func NewRedisBus(client *redis.Client, prefix string) *RedisBus {
	prefix = strings.TrimSpace(prefix)
	if prefix == "" {
		prefix = "chat:bus"
	}
	return &RedisBus{client: client, prefix: prefix}
}

func (b *RedisBus) channel(topic string) string {
	return b.prefix + ":" + topic
}

func (b *RedisBus) Publish(ctx context.Context, topic string, payload []byte) error {
	if err := b.client.Publish(ctx, b.channel(topic), payload).Err(); err != nil {
		return fmt.Errorf("publish %s: %w", topic, err)
	}
	return nil
}

func (b *RedisBus) Subscribe(ctx context.Context, topics ...string) (*Subscription, error) {
	if len(topics) == 0 {
		return nil, errors.New("pushbus: at least one topic required")
	}
	channels := make([]string, 0, len(topics))
	for _, t := range topics {
		channels = append(channels, b.channel(t))
	}
	ps := b.client.Subscribe(ctx, channels...)
	// Wait for the subscription to be confirmed so no publish is missed.
	for range channels {
		if _, err := ps.Receive(ctx); err != nil {
			_ = ps.Close()
			return nil, fmt.Errorf("subscribe: %w", err)
		}
	}

	ctx, cancel := context.WithCancel(ctx)
	out := make(chan Message, 64)
	go func() {
		defer close(out)
		defer ps.Close()
		msgs := ps.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-msgs:
				if !ok {
					return
				}
				topic := strings.TrimPrefix(msg.Channel, b.prefix+":")
				select {
				case out <- Message{Topic: topic, Payload: []byte(msg.Payload)}:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return &Subscription{C: out, stop: cancel}, nil
}

// Close is a no-op; the shared client is owned by the caller.
func (b *RedisBus) Close() error { return nil }
