package messaging

import (
	"time"

	"github.com/google/uuid"

	"github.com/relayq/relayq-go/contracts"
)

// MessageOption customizes a message built by NewMessage
type MessageOption func(*contracts.Message)

// WithKey sets the partitioning/routing key
func WithKey(key string) MessageOption {
	return func(m *contracts.Message) {
		m.Key = key
	}
}

// WithHeader adds a header
func WithHeader(key, value string) MessageOption {
	return func(m *contracts.Message) {
		m.SetHeader(key, value)
	}
}

// NewMessage builds a message for topic with a generated ID and the
// current timestamp.
func NewMessage(topic string, payload []byte, options ...MessageOption) *contracts.Message {
	msg := &contracts.Message{
		ID:        uuid.NewString(),
		Topic:     topic,
		Payload:   payload,
		Timestamp: time.Now().UTC(),
	}
	for _, opt := range options {
		opt(msg)
	}
	return msg
}
