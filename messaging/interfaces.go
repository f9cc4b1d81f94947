package messaging

import (
	"context"

	"github.com/relayq/relayq-go/contracts"
)

// Handler processes one received message. Returning an error requeues
// the message on the broker.
type Handler func(ctx context.Context, msg *contracts.Message) error

// Transport moves messages to and from the broker data plane. The
// concrete implementation lives in transports/amqp.
type Transport interface {
	// Publish sends a message to a topic
	Publish(ctx context.Context, topic string, msg *contracts.Message) error

	// Subscribe registers a handler for messages on topic within group
	Subscribe(ctx context.Context, topic, group string, handler Handler) error

	// Unsubscribe removes the subscription for topic within group
	Unsubscribe(topic, group string) error

	// Close releases all transport resources
	Close() error
}
