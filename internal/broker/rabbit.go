// Package broker mirrors normalized chat events to RabbitMQ so the rest
// of the platform (audit, analytics, notification fan-out) can consume
// them without touching the chat backend. Publishing is best-effort and
// never fails a chat operation.
package broker

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/rabbitmq/amqp091-go"
	"github.com/rs/zerolog/log"

	"livechat/internal/models"
	"livechat/internal/transport"
)

// Publisher publishes chat event envelopes to a durable queue. A nil
// Publisher is valid and drops everything, so callers can wire it
// unconditionally.
type Publisher struct {
	conn    *amqp091.Connection
	channel *amqp091.Channel
	queue   string
}

// envelope is the published payload.
type envelope struct {
	EventID   string          `json:"eventId"`
	SessionID string          `json:"sessionId"`
	Role      models.Role     `json:"role"`
	Timestamp time.Time       `json:"timestamp"`
	Event     transport.Event `json:"event"`
}

// NewPublisher connects to RabbitMQ and declares the queue. An empty URL
// disables publishing and returns (nil, nil).
func NewPublisher(url, queue string) (*Publisher, error) {
	if url == "" {
		log.Info().Msg("RabbitMQ URL not set, event publishing disabled")
		return nil, nil
	}
	if queue == "" {
		queue = "livechat_events"
	}

	conn, err := amqp091.Dial(url)
	if err != nil {
		log.Error().Err(err).Msg("Could not connect to RabbitMQ")
		return nil, err
	}
	channel, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		log.Error().Err(err).Msg("Could not open RabbitMQ channel")
		return nil, err
	}

	if _, err := channel.QueueDeclare(
		queue,
		true,  // durable
		false, // auto-delete
		false, // exclusive
		false, // no-wait
		nil,   // arguments
	); err != nil {
		_ = conn.Close()
		log.Error().Err(err).Str("queue", queue).Msg("Could not declare RabbitMQ queue")
		return nil, err
	}

	log.Info().Str("queue", queue).Msg("RabbitMQ connection established")
	return &Publisher{conn: conn, channel: channel, queue: queue}, nil
}

// PublishEvent ships one normalized session event. Failures are logged
// and swallowed.
func (p *Publisher) PublishEvent(sessionID string, role models.Role, ev transport.Event) {
	if p == nil {
		return
	}

	body, err := json.Marshal(envelope{
		EventID:   uuid.NewString(),
		SessionID: sessionID,
		Role:      role,
		Timestamp: time.Now().UTC(),
		Event:     ev,
	})
	if err != nil {
		log.Error().Err(err).Msg("Failed to marshal event envelope")
		return
	}

	err = p.channel.Publish(
		"",      // exchange (default)
		p.queue, // routing key = queue
		false,   // mandatory
		false,   // immediate
		amqp091.Publishing{
			ContentType: "application/json",
			Body:        body,
		},
	)
	if err != nil {
		log.Error().Err(err).Str("queue", p.queue).Str("sessionID", sessionID).Msg("Could not publish event to RabbitMQ")
	} else {
		log.Debug().Str("queue", p.queue).Str("sessionID", sessionID).Str("eventType", string(ev.Type)).Msg("Published event to RabbitMQ")
	}
}

// Close releases the connection.
func (p *Publisher) Close() {
	if p == nil {
		return
	}
	_ = p.channel.Close()
	_ = p.conn.Close()
}
