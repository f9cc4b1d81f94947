package wire

import (
	"context"
	"log/slog"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/relayq/relayq-go/contracts"
)

// Publisher sends messages to the broker data plane through the channel
// pool.
type Publisher struct {
	pool           *ChannelPool
	publishTimeout time.Duration
	logger         *slog.Logger

	mu     sync.RWMutex
	closed bool
}

// PublisherOption configures the publisher
type PublisherOption func(*Publisher)

// WithPublishTimeout bounds a single publish operation
func WithPublishTimeout(timeout time.Duration) PublisherOption {
	return func(p *Publisher) {
		p.publishTimeout = timeout
	}
}

// WithPublisherLogger sets the logger
func WithPublisherLogger(logger *slog.Logger) PublisherOption {
	return func(p *Publisher) {
		p.logger = logger
	}
}

// NewPublisher creates a publisher over pool.
func NewPublisher(pool *ChannelPool, options ...PublisherOption) *Publisher {
	p := &Publisher{
		pool:           pool,
		publishTimeout: 10 * time.Second,
		logger:         slog.Default(),
	}
	for _, opt := range options {
		opt(p)
	}
	return p
}

// Publish sends msg to topic. The message key becomes the routing key.
func (p *Publisher) Publish(ctx context.Context, topic string, msg *contracts.Message) error {
	p.mu.RLock()
	if p.closed {
		p.mu.RUnlock()
		return contracts.NewError(contracts.KindProducer, "publish", ErrPublisherClosed)
	}
	p.mu.RUnlock()

	ch, err := p.pool.Get(ctx)
	if err != nil {
		return contracts.NewError(contracts.KindProducer, "publish", err)
	}
	defer p.pool.Put(ch)

	publishCtx, cancel := context.WithTimeout(ctx, p.publishTimeout)
	defer cancel()

	headers := make(amqp.Table, len(msg.Headers))
	for k, v := range msg.Headers {
		headers[k] = v
	}

	err = ch.PublishWithContext(
		publishCtx,
		topic,
		msg.Key,
		false, // mandatory
		false, // immediate
		amqp.Publishing{
			MessageId:    msg.ID,
			Timestamp:    msg.Timestamp,
			ContentType:  "application/octet-stream",
			DeliveryMode: amqp.Persistent,
			Headers:      headers,
			Body:         msg.Payload,
		},
	)
	if err != nil {
		if cerr := ctx.Err(); cerr != nil {
			return cerr
		}
		return contracts.NewError(contracts.KindProducer, "publish", err)
	}

	p.logger.Debug("message published", "topic", topic, "messageId", msg.ID)
	return nil
}

// Close marks the publisher closed. The shared channel pool is owned by
// the transport and left open.
func (p *Publisher) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closed = true
	return nil
}
