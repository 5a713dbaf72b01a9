// Package mailqueue hands magic-link emails to a RabbitMQ queue. A separate
// worker renders and delivers them.
package mailqueue

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

// DefaultQueue is used when no queue name is configured.
const DefaultQueue = "email_Jobs"

// Job is the message body consumed by the email worker.
type Job struct {
	Kind       string `json:"kind"`
	To         string `json:"to"`
	Link       string `json:"link"`
	TTLMinutes int    `json:"ttlMinutes"`
}

// Channel is the subset of *amqp.Channel we use.
type Channel interface {
	QueueDeclare(name string, durable, autoDelete, exclusive, noWait bool, args amqp.Table) (amqp.Queue, error)
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
	Close() error
}

// Mailer implements magiclink.Mailer on top of a durable queue.
type Mailer struct {
	conn  *amqp.Connection
	chn   Channel
	queue string
}

// Dial connects to url and declares queue.
func Dial(url, queue string) (*Mailer, error) {
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, err
	}
	chn, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("open channel: %w", err)
	}
	m, err := NewWithChannel(chn, queue)
	if err != nil {
		conn.Close()
		return nil, err
	}
	m.conn = conn
	return m, nil
}

// NewWithChannel allows injecting a test channel.
func NewWithChannel(chn Channel, queue string) (*Mailer, error) {
	if queue == "" {
		queue = DefaultQueue
	}
	if _, err := chn.QueueDeclare(
		queue,
		true,  // durable
		false, // delete when unused
		false, // exclusive
		false, // no-wait
		nil,
	); err != nil {
		return nil, fmt.Errorf("declare queue %s: %w", queue, err)
	}
	return &Mailer{chn: chn, queue: queue}, nil
}

func (m *Mailer) SendMagicLink(ctx context.Context, to, link string, ttl time.Duration) error {
	body, err := json.Marshal(Job{
		Kind:       "magic_link",
		To:         to,
		Link:       link,
		TTLMinutes: int(ttl / time.Minute),
	})
	if err != nil {
		return err
	}
	if err := m.chn.PublishWithContext(ctx,
		"",      // default exchange
		m.queue, // routing key
		false,   // mandatory
		false,   // immediate
		amqp.Publishing{
			ContentType:  "application/json",
			DeliveryMode: amqp.Persistent,
			Timestamp:    time.Now().UTC(),
			Body:         body,
		},
	); err != nil {
		return fmt.Errorf("publish to %s: %w", m.queue, err)
	}
	log.Printf("[MAILQUEUE] queued magic link for %s", to)
	return nil
}

func (m *Mailer) Close() error {
	if err := m.chn.Close(); err != nil {
		return err
	}
	if m.conn != nil {
		return m.conn.Close()
	}
	return nil
}
