package messaging

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/relayq/relayq-go/contracts"
)

// Producer publishes messages through a transport. It is a thin facade:
// delivery semantics belong to the wire protocol client.
type Producer struct {
	transport Transport
	logger    *slog.Logger
}

// ProducerOption configures the producer
type ProducerOption func(*Producer)

// WithProducerLogger sets the logger
func WithProducerLogger(logger *slog.Logger) ProducerOption {
	return func(p *Producer) {
		p.logger = logger
	}
}

// NewProducer creates a producer over transport.
func NewProducer(transport Transport, options ...ProducerOption) *Producer {
	p := &Producer{
		transport: transport,
		logger:    slog.Default(),
	}
	for _, opt := range options {
		opt(p)
	}
	return p
}

// Send publishes payload to topic.
func (p *Producer) Send(ctx context.Context, topic string, payload []byte, options ...MessageOption) error {
	if topic == "" {
		return contracts.NewError(contracts.KindProducer, "send", fmt.Errorf("topic must not be empty"))
	}

	msg := NewMessage(topic, payload, options...)
	if err := p.transport.Publish(ctx, topic, msg); err != nil {
		return err
	}

	p.logger.Debug("message sent", "topic", topic, "messageId", msg.ID)
	return nil
}

// SendMessage publishes a caller-constructed message to its topic.
func (p *Producer) SendMessage(ctx context.Context, msg *contracts.Message) error {
	if msg == nil {
		return contracts.NewError(contracts.KindProducer, "send", fmt.Errorf("message must not be nil"))
	}
	if msg.Topic == "" {
		return contracts.NewError(contracts.KindProducer, "send", fmt.Errorf("message topic must not be empty"))
	}
	return p.transport.Publish(ctx, msg.Topic, msg)
}
