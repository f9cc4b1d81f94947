package wire

import (
	"context"
	"log/slog"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/relayq/relayq-go/contracts"
)

// DeliveryHandler processes one incoming delivery. Returning an error
// rejects the delivery with requeue.
type DeliveryHandler func(ctx context.Context, delivery amqp.Delivery) error

// Consumer manages data-plane subscriptions through the channel pool.
type Consumer struct {
	pool          *ChannelPool
	prefetchCount int
	logger        *slog.Logger

	mu   sync.Mutex
	subs map[string]*subscription
}

type subscription struct {
	channel *PooledChannel
	cancel  context.CancelFunc
	done    chan struct{}
}

// ConsumerOption configures the consumer
type ConsumerOption func(*Consumer)

// WithPrefetchCount sets the per-subscription prefetch count
func WithPrefetchCount(count int) ConsumerOption {
	return func(c *Consumer) {
		c.prefetchCount = count
	}
}

// WithConsumerLogger sets the logger
func WithConsumerLogger(logger *slog.Logger) ConsumerOption {
	return func(c *Consumer) {
		c.logger = logger
	}
}

// NewConsumer creates a consumer over pool.
func NewConsumer(pool *ChannelPool, options ...ConsumerOption) *Consumer {
	c := &Consumer{
		pool:          pool,
		prefetchCount: 10,
		logger:        slog.Default(),
		subs:          make(map[string]*subscription),
	}
	for _, opt := range options {
		opt(c)
	}
	return c
}

// Subscribe starts consuming deliveries from queue. At most one
// subscription per queue is allowed. The queue slot is reserved before
// any broker I/O so two concurrent calls for the same queue cannot
// both set up a consumer.
func (c *Consumer) Subscribe(ctx context.Context, queue string, handler DeliveryHandler) error {
	subCtx, cancel := context.WithCancel(context.Background())
	sub := &subscription{cancel: cancel, done: make(chan struct{})}

	c.mu.Lock()
	if _, exists := c.subs[queue]; exists {
		c.mu.Unlock()
		cancel()
		return contracts.NewError(contracts.KindConsumer, "subscribe", ErrAlreadySubscribed)
	}
	c.subs[queue] = sub
	c.mu.Unlock()

	// Roll the reservation back when setup fails.
	fail := func(err error) error {
		cancel()
		close(sub.done)
		c.mu.Lock()
		if c.subs[queue] == sub {
			delete(c.subs, queue)
		}
		c.mu.Unlock()
		return contracts.NewError(contracts.KindConsumer, "subscribe", err)
	}

	ch, err := c.pool.Get(ctx)
	if err != nil {
		return fail(err)
	}

	if err := ch.Qos(c.prefetchCount, 0, false); err != nil {
		c.pool.Put(ch)
		return fail(err)
	}

	deliveries, err := ch.Consume(
		queue,
		"",    // generated consumer tag
		false, // manual ack
		false, // exclusive
		false, // no-local
		false, // no-wait
		nil,
	)
	if err != nil {
		c.pool.Put(ch)
		return fail(err)
	}

	sub.channel = ch
	go c.consume(subCtx, queue, deliveries, handler, sub)
	c.logger.Info("subscribed", "queue", queue)
	return nil
}

func (c *Consumer) consume(ctx context.Context, queue string, deliveries <-chan amqp.Delivery, handler DeliveryHandler, sub *subscription) {
	defer close(sub.done)

	for {
		select {
		case <-ctx.Done():
			return
		case delivery, ok := <-deliveries:
			if !ok {
				c.logger.Warn("delivery channel closed", "queue", queue)
				return
			}
			c.handle(ctx, queue, delivery, handler)
		}
	}
}

func (c *Consumer) handle(ctx context.Context, queue string, delivery amqp.Delivery, handler DeliveryHandler) {
	start := time.Now()
	if err := handler(ctx, delivery); err != nil {
		c.logger.Warn("handler failed, requeueing",
			"queue", queue,
			"messageId", delivery.MessageId,
			"error", err)
		delivery.Nack(false, true)
		return
	}

	if err := delivery.Ack(false); err != nil {
		c.logger.Error("ack failed", "queue", queue, "messageId", delivery.MessageId, "error", err)
		return
	}
	c.logger.Debug("message processed", "queue", queue, "duration", time.Since(start))
}

// Unsubscribe stops the subscription for queue and returns its channel
// to the pool.
func (c *Consumer) Unsubscribe(queue string) error {
	c.mu.Lock()
	sub, exists := c.subs[queue]
	if exists {
		delete(c.subs, queue)
	}
	c.mu.Unlock()

	if !exists {
		return nil
	}

	sub.cancel()
	<-sub.done
	c.pool.Put(sub.channel)
	return nil
}

// Close stops all subscriptions.
func (c *Consumer) Close() error {
	c.mu.Lock()
	queues := make([]string, 0, len(c.subs))
	for q := range c.subs {
		queues = append(queues, q)
	}
	c.mu.Unlock()

	for _, q := range queues {
		c.Unsubscribe(q)
	}
	return nil
}
