// Package amqp implements messaging.Transport for the RelayQ data
// plane over the AMQP wire protocol.
package amqp

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	amqp091 "github.com/rabbitmq/amqp091-go"

	"github.com/relayq/relayq-go/contracts"
	"github.com/relayq/relayq-go/internal/wire"
	"github.com/relayq/relayq-go/messaging"
)

// Transport binds the wire primitives into the messaging.Transport
// interface. Topics map to fanout-per-group exchanges: each consumer
// group gets its own queue bound to the topic exchange.
type Transport struct {
	dataConn  *wire.DataConn
	pool      *wire.ChannelPool
	publisher *wire.Publisher
	consumer  *wire.Consumer
	logger    *slog.Logger

	mu       sync.Mutex
	declared map[string]bool
}

// TransportConfig holds transport construction settings
type TransportConfig struct {
	PoolSize       int
	DialTimeout    time.Duration
	PublishTimeout time.Duration
	PrefetchCount  int
	Logger         *slog.Logger
}

// TransportOption configures the transport
type TransportOption func(*TransportConfig)

// WithPoolSize sets the channel pool capacity
func WithPoolSize(size int) TransportOption {
	return func(cfg *TransportConfig) {
		cfg.PoolSize = size
	}
}

// WithDialTimeout bounds the data-plane dial
func WithDialTimeout(timeout time.Duration) TransportOption {
	return func(cfg *TransportConfig) {
		cfg.DialTimeout = timeout
	}
}

// WithPublishTimeout bounds a single publish
func WithPublishTimeout(timeout time.Duration) TransportOption {
	return func(cfg *TransportConfig) {
		cfg.PublishTimeout = timeout
	}
}

// WithPrefetchCount sets the per-subscription prefetch count
func WithPrefetchCount(count int) TransportOption {
	return func(cfg *TransportConfig) {
		cfg.PrefetchCount = count
	}
}

// WithTransportLogger sets the logger for all transport components
func WithTransportLogger(logger *slog.Logger) TransportOption {
	return func(cfg *TransportConfig) {
		cfg.Logger = logger
	}
}

// NewTransport creates an unconnected transport for the data plane at
// url. Call Connect before publishing or subscribing.
func NewTransport(url string, options ...TransportOption) (*Transport, error) {
	cfg := &TransportConfig{
		PoolSize:       10,
		DialTimeout:    30 * time.Second,
		PublishTimeout: 10 * time.Second,
		PrefetchCount:  10,
		Logger:         slog.Default(),
	}
	for _, opt := range options {
		opt(cfg)
	}

	dataConn := wire.NewDataConn(url,
		wire.WithDialTimeout(cfg.DialTimeout),
		wire.WithDataLogger(cfg.Logger))

	pool, err := wire.NewChannelPool(dataConn, cfg.PoolSize)
	if err != nil {
		return nil, fmt.Errorf("failed to create channel pool: %w", err)
	}

	return &Transport{
		dataConn: dataConn,
		pool:     pool,
		publisher: wire.NewPublisher(pool,
			wire.WithPublishTimeout(cfg.PublishTimeout),
			wire.WithPublisherLogger(cfg.Logger)),
		consumer: wire.NewConsumer(pool,
			wire.WithPrefetchCount(cfg.PrefetchCount),
			wire.WithConsumerLogger(cfg.Logger)),
		logger:   cfg.Logger,
		declared: make(map[string]bool),
	}, nil
}

// Connect dials the data plane. A no-op when already connected.
func (t *Transport) Connect(ctx context.Context) error {
	return t.dataConn.Dial(ctx)
}

// Publish sends msg to topic, declaring the topic exchange on first
// use.
func (t *Transport) Publish(ctx context.Context, topic string, msg *contracts.Message) error {
	if err := t.declareTopic(ctx, topic); err != nil {
		return err
	}
	return t.publisher.Publish(ctx, topic, msg)
}

// Subscribe binds a group queue to the topic exchange and starts
// consuming into handler.
func (t *Transport) Subscribe(ctx context.Context, topic, group string, handler messaging.Handler) error {
	if err := t.declareTopic(ctx, topic); err != nil {
		return err
	}

	queue := groupQueue(topic, group)
	if err := t.declareQueue(ctx, queue, topic); err != nil {
		return err
	}

	return t.consumer.Subscribe(ctx, queue, func(ctx context.Context, delivery amqp091.Delivery) error {
		return handler(ctx, deliveryToMessage(topic, delivery))
	})
}

// Unsubscribe stops consuming for the group on topic.
func (t *Transport) Unsubscribe(topic, group string) error {
	return t.consumer.Unsubscribe(groupQueue(topic, group))
}

// Close releases all transport resources.
func (t *Transport) Close() error {
	t.consumer.Close()
	t.publisher.Close()
	t.pool.Close()
	return t.dataConn.Close()
}

// declareTopic declares the topic exchange once per transport lifetime.
func (t *Transport) declareTopic(ctx context.Context, topic string) error {
	t.mu.Lock()
	if t.declared[topic] {
		t.mu.Unlock()
		return nil
	}
	t.mu.Unlock()

	ch, err := t.pool.Get(ctx)
	if err != nil {
		return contracts.NewError(contracts.KindConnection, "declare topic", err)
	}
	defer t.pool.Put(ch)

	err = ch.ExchangeDeclare(
		topic,
		"fanout",
		true,  // durable
		false, // auto-delete
		false, // internal
		false, // no-wait
		nil,
	)
	if err != nil {
		return contracts.NewError(contracts.KindConnection, "declare topic", err)
	}

	t.mu.Lock()
	t.declared[topic] = true
	t.mu.Unlock()
	return nil
}

func (t *Transport) declareQueue(ctx context.Context, queue, topic string) error {
	ch, err := t.pool.Get(ctx)
	if err != nil {
		return contracts.NewError(contracts.KindConsumer, "declare queue", err)
	}
	defer t.pool.Put(ch)

	if _, err := ch.QueueDeclare(queue, true, false, false, false, nil); err != nil {
		return contracts.NewError(contracts.KindConsumer, "declare queue", err)
	}
	if err := ch.QueueBind(queue, "", topic, false, nil); err != nil {
		return contracts.NewError(contracts.KindConsumer, "declare queue", err)
	}
	return nil
}

func groupQueue(topic, group string) string {
	if group == "" {
		return topic
	}
	return group + "." + topic
}

func deliveryToMessage(topic string, delivery amqp091.Delivery) *contracts.Message {
	var headers map[string]string
	if len(delivery.Headers) > 0 {
		headers = make(map[string]string, len(delivery.Headers))
		for k, v := range delivery.Headers {
			if s, ok := v.(string); ok {
				headers[k] = s
			}
		}
	}

	return &contracts.Message{
		ID:        delivery.MessageId,
		Topic:     topic,
		Key:       delivery.RoutingKey,
		Payload:   delivery.Body,
		Headers:   headers,
		Timestamp: delivery.Timestamp,
	}
}
