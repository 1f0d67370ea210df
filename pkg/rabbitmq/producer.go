/**
 * @description
 * This package provides a producer for publishing sync lifecycle events to
 * RabbitMQ. Downstream consumers (dashboard cache invalidation, analytics)
 * react to these events instead of polling the ledger.
 *
 * @dependencies
 * - context, encoding/json, time: Standard Go libraries.
 * - github.com/rabbitmq/amqp091-go: The RabbitMQ client library.
 */
package rabbitmq

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"net/url"
	"strings"
	"time"

	"github.com/ledgerline/sync-service/internal/domain"
	"github.com/rabbitmq/amqp091-go"
)

// SyncEventsExchange is the durable topic exchange all sync events land on.
const SyncEventsExchange = "ledger_sync_events"

// Publisher is the interface implemented by types that can publish events.
type Publisher interface {
	Publish(ctx context.Context, exchange, routingKey string, body interface{}) error
	PublishSyncCompleted(ctx context.Context, event domain.SyncCompletedEvent) error
	PublishSyncFailed(ctx context.Context, event domain.SyncFailedEvent) error
	PublishConnectionLifecycle(ctx context.Context, event domain.ConnectionLifecycleEvent) error
	Close()
}

// EventProducer holds the RabbitMQ connection and channel for publishing messages.
type EventProducer struct {
	conn    *amqp091.Connection
	channel *amqp091.Channel
}

// EventProducerFallback is a minimal no-op publisher used when RabbitMQ is
// unavailable at startup. Sync must keep working without the broker.
type EventProducerFallback struct{}

func (p *EventProducerFallback) Publish(ctx context.Context, exchange, routingKey string, body interface{}) error {
	log.Printf("level=warn component=rabbitmq_producer mode=fallback msg=\"publish skipped\" exchange=%s routing_key=%s", exchange, routingKey)
	return nil
}

func (p *EventProducerFallback) PublishSyncCompleted(ctx context.Context, event domain.SyncCompletedEvent) error {
	log.Printf("level=warn component=rabbitmq_producer mode=fallback msg=\"sync completed event skipped\" connection_id=%s", event.ConnectionID)
	return nil
}

func (p *EventProducerFallback) PublishSyncFailed(ctx context.Context, event domain.SyncFailedEvent) error {
	log.Printf("level=warn component=rabbitmq_producer mode=fallback msg=\"sync failed event skipped\" connection_id=%s", event.ConnectionID)
	return nil
}

func (p *EventProducerFallback) PublishConnectionLifecycle(ctx context.Context, event domain.ConnectionLifecycleEvent) error {
	log.Printf("level=warn component=rabbitmq_producer mode=fallback msg=\"connection lifecycle event skipped\" connection_id=%s", event.ConnectionID)
	return nil
}

func (p *EventProducerFallback) Close() {}

func sanitizeAMQPURL(raw string) (string, error) {
	clean := strings.TrimSpace(raw)
	clean = strings.Trim(clean, "\"'")
	// If any stray characters precede the scheme, slice from first occurrence of amqp
	idx := strings.Index(strings.ToLower(clean), "amqp")
	if idx > 0 {
		clean = clean[idx:]
	}
	u, err := url.Parse(clean)
	if err != nil {
		return "", err
	}
	if u.Scheme != "amqp" && u.Scheme != "amqps" {
		return "", errors.New("AMQP scheme must be either 'amqp://' or 'amqps://'")
	}
	return clean, nil
}

// NewEventProducer creates and returns a new EventProducer.
func NewEventProducer(amqpURL string) (*EventProducer, error) {
	cleanURL, err := sanitizeAMQPURL(amqpURL)
	if err != nil {
		return nil, err
	}

	// Use a bounded dial timeout so startup does not hang indefinitely
	conn, err := amqp091.DialConfig(cleanURL, amqp091.Config{Dial: amqp091.DefaultDial(10 * time.Second)})
	if err != nil {
		return nil, err
	}

	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, err
	}

	return &EventProducer{conn: conn, channel: ch}, nil
}

// Publish sends a message to a specific exchange with a routing key.
func (p *EventProducer) Publish(ctx context.Context, exchange, routingKey string, body interface{}) error {
	// Ensure the exchange exists (durable topic)
	if err := p.channel.ExchangeDeclare(exchange, "topic", true, false, false, false, nil); err != nil {
		log.Printf("level=warn component=rabbitmq_producer msg=\"exchange declare failed; reopening channel\" exchange=%s err=%v", exchange, err)
		if p.conn == nil {
			return err
		}
		ch, chErr := p.conn.Channel()
		if chErr != nil {
			return chErr
		}
		p.channel = ch
		if err2 := p.channel.ExchangeDeclare(exchange, "topic", true, false, false, false, nil); err2 != nil {
			return err2
		}
	}

	jsonBody, err := json.Marshal(body)
	if err != nil {
		log.Printf("level=error component=rabbitmq_producer msg=\"json marshal failed\" exchange=%s routing_key=%s err=%v", exchange, routingKey, err)
		return err
	}

	publishing := amqp091.Publishing{
		ContentType: "application/json",
		Timestamp:   time.Now(),
		Body:        jsonBody,
	}

	err = p.channel.PublishWithContext(ctx, exchange, routingKey, false, false, publishing)
	if err != nil {
		log.Printf("level=warn component=rabbitmq_producer msg=\"publish failed; reopening channel\" exchange=%s routing_key=%s err=%v", exchange, routingKey, err)
		// One-shot retry: reopen channel and try again
		if p.conn != nil {
			if ch, chErr := p.conn.Channel(); chErr == nil {
				p.channel = ch
				if exErr := p.channel.ExchangeDeclare(exchange, "topic", true, false, false, false, nil); exErr == nil {
					if err = p.channel.PublishWithContext(ctx, exchange, routingKey, false, false, publishing); err == nil {
						return nil
					}
				}
			}
		}
		return err
	}
	return nil
}

// PublishSyncCompleted publishes a successful run summary.
func (p *EventProducer) PublishSyncCompleted(ctx context.Context, event domain.SyncCompletedEvent) error {
	return p.Publish(ctx, SyncEventsExchange, "sync.completed", event)
}

// PublishSyncFailed publishes an aborted run notice.
func (p *EventProducer) PublishSyncFailed(ctx context.Context, event domain.SyncFailedEvent) error {
	return p.Publish(ctx, SyncEventsExchange, "sync.failed", event)
}

// PublishConnectionLifecycle publishes connection metadata changes driven by
// ITEM webhooks.
func (p *EventProducer) PublishConnectionLifecycle(ctx context.Context, event domain.ConnectionLifecycleEvent) error {
	return p.Publish(ctx, SyncEventsExchange, "connection."+strings.ToLower(event.EventType), event)
}

// Close gracefully closes the channel and connection to RabbitMQ.
func (p *EventProducer) Close() {
	if p.channel != nil {
		p.channel.Close()
	}
	if p.conn != nil {
		p.conn.Close()
	}
}
