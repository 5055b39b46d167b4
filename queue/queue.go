// Package queue publishes domain events and admin escalations to the
// message broker. Publishing is best-effort fan-out: order processing never
// blocks on, or fails because of, the broker. Without a broker URL the Nop
// publisher stands in and drops everything.
package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	log "github.com/sirupsen/logrus"
)

// Exchange carries every event this process emits; consumers bind queues by
// routing key ("order.*", "admin.*").
const Exchange = "mandi.events"

// Publisher sends one JSON-encoded message under a routing key.
type Publisher interface {
	Publish(ctx context.Context, routingKey string, v interface{}) error
	Close() error
}

// AMQP is the broker-backed Publisher.
type AMQP struct {
	conn *amqp.Connection

	mu sync.Mutex // amqp channels do not allow concurrent publish
	ch *amqp.Channel
}

// Dial connects and declares the exchange.
func Dial(url string) (*AMQP, error) {
	var conn, err = amqp.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("dialing broker: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("opening broker channel: %w", err)
	}
	if err = ch.ExchangeDeclare(Exchange, "topic", true, false, false, false, nil); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("declaring exchange %s: %w", Exchange, err)
	}
	return &AMQP{conn: conn, ch: ch}, nil
}

func (p *AMQP) Publish(ctx context.Context, routingKey string, v interface{}) error {
	var body, err = json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encoding %s event: %w", routingKey, err)
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	err = p.ch.PublishWithContext(ctx, Exchange, routingKey, false, false, amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		Timestamp:    time.Now().UTC(),
		Body:         body,
	})
	if err != nil {
		return fmt.Errorf("publishing %s: %w", routingKey, err)
	}
	return nil
}

func (p *AMQP) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.ch.Close(); err != nil {
		_ = p.conn.Close()
		return fmt.Errorf("closing broker channel: %w", err)
	}
	return p.conn.Close()
}

// Nop drops every publish. Used when BROKER_URL is unset.
type Nop struct{}

func (Nop) Publish(context.Context, string, interface{}) error { return nil }
func (Nop) Close() error                                       { return nil }

var _ Publisher = (*AMQP)(nil)
var _ Publisher = Nop{}

// logPublishErr is shared by the fire-and-forget emitters below.
func logPublishErr(err error, key string) {
	if err != nil {
		log.WithField("routing_key", key).WithError(err).Warn("dropping broker publish")
	}
}
