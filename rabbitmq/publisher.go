package rabbitmq

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/apex/log"
	"github.com/streadway/amqp"

	"physique-analyze-pipeline/metrics"
	"physique-analyze-pipeline/models"
)

// CompletedEvent is published after an analysis finishes, successfully or not.
type CompletedEvent struct {
	RequestID   string                 `json:"request_id"`
	Fingerprint string                 `json:"fingerprint"`
	Source      string                 `json:"source"`
	Cached      bool                   `json:"cached"`
	Success     bool                   `json:"success"`
	ErrorCode   string                 `json:"error_code,omitempty"`
	Result      *models.AnalysisResult `json:"result,omitempty"`
	CompletedAt time.Time              `json:"completed_at"`
}

// Publisher fans analysis-completed events out to RabbitMQ. A nil Publisher
// is valid and drops every event, so callers never branch on whether
// messaging is configured.
type Publisher struct {
	mu         sync.Mutex
	amqpURL    string
	conn       *amqp.Connection
	channel    *amqp.Channel
	exchange   string
	routingKey string
}

// NewPublisher connects to RabbitMQ and declares the exchange. An empty URL
// disables publishing and returns a nil Publisher.
func NewPublisher(amqpURL, exchange, routingKey string) (*Publisher, error) {
	if amqpURL == "" {
		return nil, nil
	}
	p := &Publisher{
		amqpURL:    amqpURL,
		exchange:   exchange,
		routingKey: routingKey,
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.connectLocked(); err != nil {
		return nil, err
	}
	return p, nil
}

// PublishCompleted sends the event with the configured routing key. Failures
// are counted and logged but never propagated; messaging is best-effort.
func (p *Publisher) PublishCompleted(event CompletedEvent) {
	if p == nil {
		return
	}
	body, err := json.Marshal(event)
	if err != nil {
		log.WithError(err).Error("failed to marshal completed event")
		metrics.PublishErrorTotal.Inc()
		return
	}
	publishing := amqp.Publishing{
		ContentType:  "application/json",
		Body:         body,
		DeliveryMode: amqp.Persistent,
		Timestamp:    time.Now(),
	}
	if err := p.publish(p.routingKey, publishing); err != nil {
		log.WithError(err).Errorf("failed to publish completed event for request %s", event.RequestID)
		metrics.PublishErrorTotal.Inc()
	}
}

func (p *Publisher) publish(routingKey string, publishing amqp.Publishing) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.conn == nil || p.conn.IsClosed() || p.channel == nil {
		p.closeLocked()
		if err := p.connectLocked(); err != nil {
			return err
		}
	}

	err := p.channel.Publish(p.exchange, routingKey, false, false, publishing)
	if err != nil {
		// One reconnect attempt covers broker restarts without a retry loop.
		p.closeLocked()
		if connErr := p.connectLocked(); connErr != nil {
			return fmt.Errorf("publish failed: %w (reconnect failed: %v)", err, connErr)
		}
		err = p.channel.Publish(p.exchange, routingKey, false, false, publishing)
	}
	if err != nil {
		return fmt.Errorf("publish failed: %w", err)
	}
	return nil
}

func (p *Publisher) connectLocked() error {
	conn, err := amqp.Dial(p.amqpURL)
	if err != nil {
		return fmt.Errorf("failed to connect to RabbitMQ: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return fmt.Errorf("failed to open channel: %w", err)
	}
	if err := ch.ExchangeDeclare(p.exchange, "direct", true, false, false, false, nil); err != nil {
		ch.Close()
		conn.Close()
		return fmt.Errorf("failed to declare exchange: %w", err)
	}
	p.conn = conn
	p.channel = ch
	return nil
}

func (p *Publisher) closeLocked() {
	if p.channel != nil {
		_ = p.channel.Close()
		p.channel = nil
	}
	if p.conn != nil {
		_ = p.conn.Close()
		p.conn = nil
	}
}

// Close shuts the channel and connection down.
func (p *Publisher) Close() error {
	if p == nil {
		return nil
	}
	p.mu.Lock()
	defer p.mu.Unlock()

	var err error
	if p.channel != nil {
		if cerr := p.channel.Close(); cerr != nil {
			err = cerr
		}
		p.channel = nil
	}
	if p.conn != nil {
		if cerr := p.conn.Close(); cerr != nil && err == nil {
			err = cerr
		}
		p.conn = nil
	}
	return err
}
