package messaging

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/relayq/relayq-go/contracts"
)

// Consumer subscribes to topics through a transport. Like Producer it
// delegates all delivery mechanics to the wire protocol client.
type Consumer struct {
	transport Transport
	logger    *slog.Logger
}

// ConsumerOption configures the consumer
type ConsumerOption func(*Consumer)

// WithConsumerLogger sets the logger
func WithConsumerLogger(logger *slog.Logger) ConsumerOption {
	return func(c *Consumer) {
		c.logger = logger
	}
}

// NewConsumer creates a consumer over transport.
func NewConsumer(transport Transport, options ...ConsumerOption) *Consumer {
	c := &Consumer{
		transport: transport,
		logger:    slog.Default(),
	}
	for _, opt := range options {
		opt(c)
	}
	return c
}

// Subscribe registers handler for messages on topic within group.
func (c *Consumer) Subscribe(ctx context.Context, topic, group string, handler Handler) error {
	if topic == "" {
		return contracts.NewError(contracts.KindConsumer, "subscribe", fmt.Errorf("topic must not be empty"))
	}
	if handler == nil {
		return contracts.NewError(contracts.KindConsumer, "subscribe", fmt.Errorf("handler must not be nil"))
	}

	if err := c.transport.Subscribe(ctx, topic, group, handler); err != nil {
		return err
	}

	c.logger.Info("consumer subscribed", "topic", topic, "group", group)
	return nil
}

// Unsubscribe removes the subscription for topic within group.
func (c *Consumer) Unsubscribe(topic, group string) error {
	return c.transport.Unsubscribe(topic, group)
}
