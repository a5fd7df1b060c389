package events

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"
)

const (
	// TypeThreadCreated is the routing key for new threads.
	TypeThreadCreated = "thread.created"
	// TypeThreadDeleted is the routing key for destroyed threads.
	TypeThreadDeleted = "thread.deleted"

	exchangeKindTopic     = "topic"
	defaultPublishTimeout = 3 * time.Second
)

var errMissingExchange = errors.New("events: exchange name is required")

// Event is a content-free lifecycle notification.
type Event struct {
	Type       string `json:"type"`
	ThreadID   string `json:"threadId"`
	Reason     string `json:"reason,omitempty"`
	TimerHours int    `json:"timerHours,omitempty"`
	OccurredAt int64  `json:"occurredAt"`
}

type Publisher interface {
	Publish(ctx context.Context, event Event) error
	Close() error
}

// Noop discards every event. It is used when no broker is configured.
type Noop struct{}

func NewNoop() Publisher { return Noop{} }

func (Noop) Publish(context.Context, Event) error { return nil }

func (Noop) Close() error { return nil }

// Rabbit publishes events to a durable topic exchange, keyed by event type.
type Rabbit struct {
	conn     *amqp.Connection
	ch       *amqp.Channel
	exchange string
}

func NewRabbit(url, exchange string) (*Rabbit, error) {
	if exchange == "" {
		return nil, errMissingExchange
	}
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("events: dial: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("events: open channel: %w", err)
	}
	if err := ch.ExchangeDeclare(exchange, exchangeKindTopic, true, false, false, false, nil); err != nil {
		_ = ch.Close()
		_ = conn.Close()
		return nil, fmt.Errorf("events: declare exchange: %w", err)
	}
	return &Rabbit{conn: conn, ch: ch, exchange: exchange}, nil
}

func (p *Rabbit) Publish(ctx context.Context, event Event) error {
	if p == nil || p.ch == nil {
		return nil
	}
	publishing, err := newPublishing(event)
	if err != nil {
		return err
	}

	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, defaultPublishTimeout)
		defer cancel()
	}
	return p.ch.PublishWithContext(ctx, p.exchange, event.Type, false, false, publishing)
}

func (p *Rabbit) Close() error {
	if p == nil {
		return nil
	}
	var errs []error
	if p.ch != nil {
		errs = append(errs, p.ch.Close())
	}
	if p.conn != nil {
		errs = append(errs, p.conn.Close())
	}
	return errors.Join(errs...)
}

func newPublishing(event Event) (amqp.Publishing, error) {
	body, err := json.Marshal(event)
	if err != nil {
		return amqp.Publishing{}, fmt.Errorf("events: encode %s: %w", event.Type, err)
	}
	return amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		Body:         body,
		MessageId:    uuid.NewString(),
		Timestamp:    time.UnixMilli(event.OccurredAt),
		Type:         event.Type,
	}, nil
}
