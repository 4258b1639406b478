package events

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/streadway/amqp"
)

// Connect dials the broker, retrying while it comes up.
func Connect(url string, retries int, delay time.Duration) (*amqp.Connection, error) {
	if retries <= 0 {
		retries = 1
	}
	var err error
	for i := 0; i < retries; i++ {
		var conn *amqp.Connection
		conn, err = amqp.Dial(url)
		if err == nil {
			return conn, nil
		}
		time.Sleep(delay)
	}
	return nil, fmt.Errorf("connecting to amqp broker: %w", err)
}

// AMQPPublisher publishes JSON events to a durable topic exchange using the
// event type as routing key.
type AMQPPublisher struct {
	conn     *amqp.Connection
	mu       sync.Mutex
	ch       *amqp.Channel
	exchange string
}

// NewAMQPPublisher opens a channel on conn and declares exchange.
func NewAMQPPublisher(conn *amqp.Connection, exchange string) (*AMQPPublisher, error) {
	ch, err := conn.Channel()
	if err != nil {
		return nil, fmt.Errorf("opening amqp channel: %w", err)
	}
	if err := ch.ExchangeDeclare(exchange, "topic", true, false, false, false, nil); err != nil {
		ch.Close()
		return nil, fmt.Errorf("declaring exchange %s: %w", exchange, err)
	}
	return &AMQPPublisher{conn: conn, ch: ch, exchange: exchange}, nil
}

func (p *AMQPPublisher) Publish(ctx context.Context, e Event) error {
	return p.PublishBatch(ctx, []Event{e})
}

// PublishBatch publishes events in order and stops at the first failure.
func (p *AMQPPublisher) PublishBatch(ctx context.Context, batch []Event) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	for _, e := range batch {
		if err := ctx.Err(); err != nil {
			return err
		}
		msg, err := encode(e)
		if err != nil {
			return err
		}
		if err := p.ch.Publish(p.exchange, e.Type, false, false, msg); err != nil {
			return fmt.Errorf("publishing %s: %w", e.Type, err)
		}
	}
	return nil
}

// Close closes the channel and the connection.
func (p *AMQPPublisher) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.ch.Close(); err != nil {
		p.conn.Close()
		return err
	}
	return p.conn.Close()
}

func encode(e Event) (amqp.Publishing, error) {
	body, err := json.Marshal(e)
	if err != nil {
		return amqp.Publishing{}, fmt.Errorf("encoding event %s: %w", e.Type, err)
	}
	return amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		Timestamp:    e.OccurredAt,
		Type:         e.Type,
		Body:         body,
	}, nil
}
