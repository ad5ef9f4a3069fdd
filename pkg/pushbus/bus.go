// Package pushbus delivers topic-addressed events to live sessions.
package pushbus

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"sync"

	"github.com/redis/go-redis/v9"
)

var ErrClosed = errors.New("pushbus: closed")

// Message is one event received on a topic.
type Message struct {
	Topic   string
	Payload []byte
}

// Bus publishes payloads on topics and fans them out to subscribers.
// Delivery is best effort; nothing is stored for absent subscribers.
type Bus interface {
	Publish(ctx context.Context, topic string, payload []byte) error
	Subscribe(ctx context.Context, topics ...string) (*Subscription, error)
	Close() error
}

// Subscription receives messages until Close or until its context ends.
type Subscription struct {
	C    <-chan Message
	once sync.Once
	stop func()
}

// Close detaches the subscription and closes C.
func (s *Subscription) Close() {
	if s == nil {
		return
	}
	s.once.Do(func() {
		if s.stop != nil {
			s.stop()
		}
	})
}

// ChatTopic addresses messages for a recipient.
func ChatTopic(userID string) string { return "chat/" + userID }

// TypingTopic addresses typing indicators for a recipient.
func TypingTopic(userID string) string { return "chat/" + userID + "/typing" }

// Config selects a backend by URL scheme: memory://, redis:// or amqp://.
type Config struct {
	URL    string
	Prefix string
	// Redis reuses an existing client for redis:// instead of dialing.
	Redis *redis.Client
}

// Open builds the bus named by cfg.URL.
func Open(ctx context.Context, cfg Config) (Bus, error) {
	raw := strings.TrimSpace(cfg.URL)
	u, err := url.Parse(raw)
	if err != nil || raw == "" {
		return nil, fmt.Errorf("invalid bus url %q", raw)
	}
	switch u.Scheme {
	case "memory":
		return NewMemoryBus(), nil
	case "redis", "rediss":
		client := cfg.Redis
		if client == nil {
			opts, err := redis.ParseURL(raw)
			if err != nil {
				return nil, fmt.Errorf("parse bus url: %w", err)
			}
			client = redis.NewClient(opts)
		}
		return NewRedisBus(client, cfg.Prefix), nil
	case "amqp", "amqps":
		return DialAMQP(ctx, raw, cfg.Prefix)
	default:
		return nil, fmt.Errorf("unsupported bus url scheme %q", u.Scheme)
	}
}

// MemoryBus is an in-process bus for single-instance runs and tests.
type MemoryBus struct {
	mu     sync.RWMutex
	subs   map[string]map[chan Message]struct{}
	closed bool
}

// NewMemoryBus returns an empty in-process bus.
func NewMemoryBus() *MemoryBus {
	return &MemoryBus{subs: make(map[string]map[chan Message]struct{})}
}

func (b *MemoryBus) Publish(ctx context.Context, topic string, payload []byte) error {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return ErrClosed
	}
	for ch := range b.subs[topic] {
		select {
		case ch <- Message{Topic: topic, Payload: append([]byte(nil), payload...)}:
		case <-ctx.Done():
			return ctx.Err()
		default:
			slog.Warn("pushbus subscriber full, dropping message", "topic", topic)
		}
	}
	return nil
}

func (b *MemoryBus) Subscribe(ctx context.Context, topics ...string) (*Subscription, error) {
	if len(topics) == 0 {
		return nil, errors.New("pushbus: at least one topic required")
	}
	ch := make(chan Message, 64)
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil, ErrClosed
	}
	for _, t := range topics {
		if b.subs[t] == nil {
			b.subs[t] = make(map[chan Message]struct{})
		}
		b.subs[t][ch] = struct{}{}
	}
	b.mu.Unlock()

	ctx, cancel := context.WithCancel(ctx)
	sub := &Subscription{C: ch, stop: cancel}
	go func() {
		<-ctx.Done()
		b.mu.Lock()
		for _, t := range topics {
			delete(b.subs[t], ch)
			if len(b.subs[t]) == 0 {
				delete(b.subs, t)
			}
		}
		b.mu.Unlock()
		close(ch)
	}()
	return sub, nil
}

func (b *MemoryBus) Close() error {
	b.mu.Lock()
	b.closed = true
	b.mu.Unlock()
	return nil
}
