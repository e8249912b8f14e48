package events

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	jsoniter "github.com/json-iterator/go"
	"github.com/rabbitmq/amqp091-go"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// Publisher sends events keyed by routing key.
type Publisher interface {
	Publish(ctx context.Context, key string, msg Envelope) error
	Close() error
}

type rmqPublisher struct {
	conn     *amqp091.Connection
	exchange string
	log      *slog.Logger
}

// NewRabbit declares a durable topic exchange on conn and returns a
// publisher that waits for broker confirmation of every message.
func NewRabbit(conn *amqp091.Connection, exchange string, logger *slog.Logger) (Publisher, error) {
	ch, err := conn.Channel()
	if err != nil {
		return nil, fmt.Errorf("open channel: %w", err)
	}
	defer func() { _ = ch.Close() }()

	if err := ch.ExchangeDeclare(exchange, "topic", true, false, false, false, nil); err != nil {
		return nil, fmt.Errorf("declare exchange %s: %w", exchange, err)
	}

	return &rmqPublisher{conn: conn, exchange: exchange, log: logger}, nil
}

func (r *rmqPublisher) Publish(ctx context.Context, key string, msg Envelope) error {
	ch, err := r.conn.Channel()
	if err != nil {
		return fmt.Errorf("open channel: %w", err)
	}
	defer func() { _ = ch.Close() }()

	if err := ch.Confirm(false); err != nil {
		return fmt.Errorf("enable confirms: %w", err)
	}

	body, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("encode event: %w", err)
	}

	msgID := msg.Meta.ID
	if msgID == "" {
		msgID = uuid.NewString()
	}
	cid := ""
	if msg.Meta.CorrelationID != nil {
		cid = *msg.Meta.CorrelationID
	}

	confirm, err := ch.PublishWithDeferredConfirmWithContext(
		ctx, r.exchange, key, false, false,
		amqp091.Publishing{
			ContentType:   "application/json",
			DeliveryMode:  amqp091.Persistent,
			MessageId:     msgID,
			CorrelationId: cid,
			Timestamp:     time.Now(),
			Body:          body,
		},
	)
	if err != nil {
		return fmt.Errorf("publish %s: %w", key, err)
	}

	acked, err := confirm.WaitContext(ctx)
	if err != nil {
		return fmt.Errorf("confirm %s: %w", key, err)
	}
	if !acked {
		return fmt.Errorf("publish %s: broker nacked message %s", key, msgID)
	}

	r.log.Info("published", slog.String("key", key), slog.String("exchange", r.exchange))
	return nil
}

func (r *rmqPublisher) Close() error {
	return r.conn.Close()
}

// FallbackPublisher drops events, logging each one.
type FallbackPublisher struct {
	log *slog.Logger
}

// NewFallback returns a publisher that only logs.
func NewFallback(logger *slog.Logger) Publisher {
	return &FallbackPublisher{log: logger}
}

func (p *FallbackPublisher) Publish(_ context.Context, key string, _ Envelope) error {
	p.log.Warn("FallbackPublisher: skipped publish", slog.String("key", key))
	return nil
}

func (p *FallbackPublisher) Close() error {
	return nil
}
