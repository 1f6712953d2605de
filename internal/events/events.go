// Package events publishes notifications about messages we relayed.
package events

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rabbitmq/amqp091-go"
	"github.com/rs/zerolog"
)

const TypeMessageRelayed = "message.relayed"

// Event describes one successfully relayed message.
type Event struct {
	ID        string    `json:"id"`
	Type      string    `json:"type"`
	MessageID string    `json:"message_id"`
	To        string    `json:"to"`
	Kind      string    `json:"kind"`
	Devices   int       `json:"devices"`
	Timestamp time.Time `json:"timestamp"`
}

// RoutingKey is the topic the event is published under.
func (e Event) RoutingKey() string {
	return e.Type + "." + e.Kind
}

type Publisher interface {
	Publish(ctx context.Context, ev Event) error
	Close() error
}

// AMQPPublisher publishes events as persistent JSON messages on a topic
// exchange.
type AMQPPublisher struct {
	conn     *amqp091.Connection
	exchange string
	logger   zerolog.Logger
}

// NewAMQP dials url and declares exchange as a durable topic exchange.
func NewAMQP(url, exchange string, logger zerolog.Logger) (*AMQPPublisher, error) {
	conn, err := amqp091.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("events: dial: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("events: channel: %w", err)
	}
	defer ch.Close()
	if err := ch.ExchangeDeclare(exchange, "topic", true, false, false, false, nil); err != nil {
		conn.Close()
		return nil, fmt.Errorf("events: declare exchange: %w", err)
	}
	return &AMQPPublisher{
		conn:     conn,
		exchange: exchange,
		logger:   logger.With().Str("component", "events").Logger(),
	}, nil
}

func (p *AMQPPublisher) Publish(ctx context.Context, ev Event) error {
	msg, err := publishing(ev)
	if err != nil {
		return err
	}
	ch, err := p.conn.Channel()
	if err != nil {
		return fmt.Errorf("events: channel: %w", err)
	}
	defer ch.Close()
	if err := ch.PublishWithContext(ctx, p.exchange, ev.RoutingKey(), false, false, msg); err != nil {
		return fmt.Errorf("events: publish: %w", err)
	}
	p.logger.Debug().Str("key", ev.RoutingKey()).Str("message_id", ev.MessageID).Msg("published")
	return nil
}

func (p *AMQPPublisher) Close() error {
	return p.conn.Close()
}

// publishing fills in the id and timestamp when unset and encodes ev.
func publishing(ev Event) (amqp091.Publishing, error) {
	if ev.ID == "" {
		ev.ID = uuid.NewString()
	}
	if ev.Type == "" {
		ev.Type = TypeMessageRelayed
	}
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now()
	}
	body, err := json.Marshal(ev)
	if err != nil {
		return amqp091.Publishing{}, fmt.Errorf("events: marshal: %w", err)
	}
	return amqp091.Publishing{
		ContentType:   "application/json",
		DeliveryMode:  amqp091.Persistent,
		MessageId:     ev.ID,
		CorrelationId: ev.MessageID,
		Timestamp:     ev.Timestamp,
		Type:          ev.Type,
		Body:          body,
	}, nil
}

// Memory keeps published events in memory.
type Memory struct {
	mu     sync.Mutex
	events []Event
}

func (m *Memory) Publish(_ context.Context, ev Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = append(m.events, ev)
	return nil
}

func (m *Memory) Close() error { return nil }

// Events returns a copy of everything published so far.
func (m *Memory) Events() []Event {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Event(nil), m.events...)
}
