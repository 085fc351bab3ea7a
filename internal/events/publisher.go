// Package events publishes domain events (chat created, message sent/edited/deleted) to an
// AMQP topic exchange. Delivery is best effort: the messaging core never fails on it.
package events

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/bandhub/messenger/internal/logger"
	"github.com/bandhub/messenger/internal/observability"
)

const (
	ChatCreated    = "chat.created"
	MessageSent    = "message.sent"
	MessageEdited  = "message.edited"
	MessageDeleted = "message.deleted"
)

// Envelope wraps every event payload on the wire.
type Envelope struct {
	EventID    string    `json:"event_id"`
	EventType  string    `json:"event_type"`
	OccurredAt time.Time `json:"occurred_at"`
	ActorID    string    `json:"actor_id,omitempty"`
	ChatID     string    `json:"chat_id"`
	Data       any       `json:"data,omitempty"`
}

type Publisher interface {
	Publish(ctx context.Context, routingKey string, event any) error
	Close() error
}

// NewPublisher dials amqpURL and declares a durable topic exchange. An empty URL or any
// connection failure yields a noop publisher that only logs.
func NewPublisher(amqpURL, exchange string) Publisher {
	if amqpURL == "" {
		logger.Info("events: amqp disabled, empty url")
		return noopPublisher{reason: "empty amqp url"}
	}

	conn, err := amqp.Dial(amqpURL)
	if err != nil {
		logger.Errorf("events: amqp disabled: %v", err)
		return noopPublisher{reason: err.Error()}
	}
	ch, err := conn.Channel()
	if err != nil {
		logger.Errorf("events: amqp disabled: %v", err)
		_ = conn.Close()
		return noopPublisher{reason: err.Error()}
	}
	if err := ch.ExchangeDeclare(exchange, "topic", true, false, false, false, nil); err != nil {
		logger.Errorf("events: amqp disabled: %v", err)
		_ = ch.Close()
		_ = conn.Close()
		return noopPublisher{reason: err.Error()}
	}

	logger.Infof("events: amqp connected exchange=%s", exchange)
	return &amqpPublisher{conn: conn, ch: ch, exchange: exchange}
}

// NewEnvelope stamps a fresh id and time on data.
func NewEnvelope(eventType, actorID, chatID string, data any) Envelope {
	return Envelope{
		EventID:    uuid.New().String(),
		EventType:  eventType,
		OccurredAt: time.Now().UTC(),
		ActorID:    actorID,
		ChatID:     chatID,
		Data:       data,
	}
}

type amqpPublisher struct {
	conn     *amqp.Connection
	ch       *amqp.Channel
	exchange string
}

func (p *amqpPublisher) Publish(ctx context.Context, routingKey string, event any) error {
	body, err := json.Marshal(event)
	if err != nil {
		return err
	}
	err = p.ch.PublishWithContext(ctx, p.exchange, routingKey, false, false, amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		Timestamp:    time.Now(),
		Body:         body,
	})
	if err != nil {
		observability.IncEventPublishError()
		logger.Errorf("events: publish %s: %v", routingKey, err)
	}
	return err
}

func (p *amqpPublisher) Close() error {
	if p.ch != nil {
		_ = p.ch.Close()
	}
	if p.conn != nil {
		return p.conn.Close()
	}
	return nil
}

type noopPublisher struct {
	reason string
}

func (noopPublisher) Publish(ctx context.Context, routingKey string, event any) error {
	if env, ok := event.(Envelope); ok {
		logger.Debugf("events: noop publish key=%s chat=%s id=%s", routingKey, env.ChatID, env.EventID)
		return nil
	}
	logger.Debugf("events: noop publish key=%s", routingKey)
	return nil
}

func (noopPublisher) Close() error { return nil }

// Mode reports "amqp" or "noop" for startup logging.
func Mode(p Publisher) string {
	switch p.(type) {
	case *amqpPublisher:
		return "amqp"
	case noopPublisher:
		return "noop"
	}
	return "unknown"
}

// NoopReason explains why p does not publish, or returns "".
func NoopReason(p Publisher) string {
	if n, ok := p.(noopPublisher); ok {
		return n.reason
	}
	return ""
}
