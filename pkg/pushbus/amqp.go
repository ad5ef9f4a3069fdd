package pushbus

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	amqp "github.com/rabbitmq/amqp091-go"
)

// AMQPBus publishes on a RabbitMQ topic exchange. Each subscription owns an
// exclusive auto-delete queue bound to its topics.
type AMQPBus struct {
	conn     *amqp.Connection
	exchange string

	mu  sync.Mutex
	pub *amqp.Channel
}

// DialAMQP connects and declares the topic exchange.
func DialAMQP(ctx context.Context, url, exchange string) (*AMQPBus, error) {
	exchange = strings.TrimSpace(exchange)
	if exchange == "" {
		exchange = "chat.events"
	}
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("dial amqp: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("open amqp channel: %w", err)
	}
	if err := ch.ExchangeDeclare(exchange, amqp.ExchangeTopic, true, false, false, false, nil); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("declare exchange: %w", err)
	}
	return &AMQPBus{conn: conn, exchange: exchange, pub: ch}, nil
}

// RoutingKey converts a "/" topic into an AMQP "." routing key.
func RoutingKey(topic string) string {
	return strings.ReplaceAll(strings.Trim(topic, "/"), "/", ".")
}

// TopicFromRoutingKey reverses RoutingKey.
func TopicFromRoutingKey(key string) string {
	return strings.ReplaceAll(key, ".", "/")
}

func (b *AMQPBus) Publish(ctx context.Context, topic string, payload []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.pub == nil {
		return ErrClosed
	}
	err := b.pub.PublishWithContext(ctx, b.exchange, RoutingKey(topic), false, false, amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Transient,
		Body:         payload,
	})
	if err != nil {
		return fmt.Errorf("publish %s: %w", topic, err)
	}
	return nil
}

func (b *AMQPBus) Subscribe(ctx context.Context, topics ...string) (*Subscription, error) {
	if len(topics) == 0 {
		return nil, errors.New("pushbus: at least one topic required")
	}
	ch, err := b.conn.Channel()
	if err != nil {
		return nil, fmt.Errorf("open amqp channel: %w", err)
	}
	q, err := ch.QueueDeclare("", false, true, true, false, nil)
	if err != nil {
		_ = ch.Close()
		return nil, fmt.Errorf("declare queue: %w", err)
	}
	for _, t := range topics {
		if err := ch.QueueBind(q.Name, RoutingKey(t), b.exchange, false, nil); err != nil {
			_ = ch.Close()
			return nil, fmt.Errorf("bind %s: %w", t, err)
		}
	}
	deliveries, err := ch.Consume(q.Name, "", true, true, false, false, nil)
	if err != nil {
		_ = ch.Close()
		return nil, fmt.Errorf("consume: %w", err)
	}

	ctx, cancel := context.WithCancel(ctx)
	out := make(chan Message, 64)
	go func() {
		defer close(out)
		defer ch.Close()
		for {
			select {
			case <-ctx.Done():
				return
			case d, ok := <-deliveries:
				if !ok {
					return
				}
				select {
				case out <- Message{Topic: TopicFromRoutingKey(d.RoutingKey), Payload: d.Body}:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return &Subscription{C: out, stop: cancel}, nil
}

func (b *AMQPBus) Close() error {
	b.mu.Lock()
	b.pub = nil
	b.mu.Unlock()
	return b.conn.Close()
}
