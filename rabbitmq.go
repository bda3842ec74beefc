package main

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/rabbitmq/amqp091-go"
	"github.com/rs/zerolog/log"
)

// RabbitPublisher publishes sync results to durable queues.
type RabbitPublisher struct {
	mu             sync.Mutex
	conn           *amqp091.Connection
	channel        *amqp091.Channel
	queue          string
	queuePrefix    string
	specificEvents map[string]bool
	declared       map[string]bool
}

// NewRabbitPublisher connects to url. It returns nil, nil when url is empty.
func NewRabbitPublisher(url, queue, prefix string, specificEvents []string) (*RabbitPublisher, error) {
	if url == "" {
		log.Info().Msg("RABBITMQ_URL is not set. RabbitMQ publishing disabled.")
		return nil, nil
	}

	p := newRabbitPublisher(queue, prefix, specificEvents)

	conn, err := amqp091.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("could not connect to RabbitMQ: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("could not open RabbitMQ channel: %w", err)
	}
	p.conn, p.channel = conn, ch

	log.Info().
		Str("queue", p.queue).
		Str("prefix", p.queuePrefix).
		Msg("RabbitMQ connection established.")
	return p, nil
}

func newRabbitPublisher(queue, prefix string, specificEvents []string) *RabbitPublisher {
	if queue == "" {
		queue = "sync_results"
	}
	if prefix == "" {
		prefix = "chatsync"
	}
	p := &RabbitPublisher{
		queue:          queue,
		queuePrefix:    prefix,
		specificEvents: make(map[string]bool),
		declared:       make(map[string]bool),
	}
	for _, event := range specificEvents {
		event = strings.TrimSpace(event)
		if !isValidEventType(event) {
			log.Warn().Str("event", event).Msg("Ignoring unknown RabbitMQ specific event")
			continue
		}
		p.specificEvents[event] = true
	}
	if len(p.specificEvents) > 0 {
		log.Info().Interface("specificEvents", p.specificEvents).Msg("Specific RabbitMQ events configured")
	}
	return p
}

// QueueName returns the queue an event type is routed to.
func (p *RabbitPublisher) QueueName(eventType string) string {
	if p.specificEvents[eventType] || p.specificEvents["All"] {
		return p.queuePrefix + "_" + strings.ToLower(eventType)
	}
	return p.queuePrefix + "_" + p.queue
}

// Publish declares the event's queue once and publishes data to it.
func (p *RabbitPublisher) Publish(ctx context.Context, eventType string, data []byte) error {
	queueName := p.QueueName(eventType)

	p.mu.Lock()
	defer p.mu.Unlock()

	if p.channel == nil {
		return fmt.Errorf("RabbitMQ channel not open")
	}
	if !p.declared[queueName] {
		_, err := p.channel.QueueDeclare(
			queueName,
			true,  // durable
			false, // auto-delete
			false, // exclusive
			false, // no-wait
			nil,
		)
		if err != nil {
			return fmt.Errorf("could not declare queue %s: %w", queueName, err)
		}
		p.declared[queueName] = true
	}

	err := p.channel.PublishWithContext(ctx,
		"",        // default exchange
		queueName, // routing key = queue
		false,
		false,
		amqp091.Publishing{
			ContentType:  "application/json",
			DeliveryMode: amqp091.Persistent,
			Type:         eventType,
			Body:         data,
		},
	)
	if err != nil {
		return fmt.Errorf("could not publish to %s: %w", queueName, err)
	}
	log.Debug().Str("eventType", eventType).Str("queue", queueName).Msg("Published message to RabbitMQ")
	return nil
}

// Close releases the channel and connection.
func (p *RabbitPublisher) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.channel != nil {
		p.channel.Close()
		p.channel = nil
	}
	if p.conn != nil {
		return p.conn.Close()
	}
	return nil
}
