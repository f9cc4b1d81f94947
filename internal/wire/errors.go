package wire

import (
	"errors"
	"fmt"
	"time"
)

var (
	ErrNotDialed         = errors.New("relayq: data plane not connected")
	ErrPoolClosed        = errors.New("relayq: channel pool is closed")
	ErrPoolExhausted     = errors.New("relayq: channel pool exhausted")
	ErrPublisherClosed   = errors.New("relayq: publisher is closed")
	ErrAlreadySubscribed = errors.New("relayq: queue already has an active subscription")
)

// ChannelError represents a data-plane channel failure.
type ChannelError struct {
	Op        string
	ChannelID string
	Err       error
	Timestamp time.Time
}

func (e *ChannelError) Error() string {
	return fmt.Sprintf("relayq channel error: %s on channel %s: %v", e.Op, e.ChannelID, e.Err)
}

func (e *ChannelError) Unwrap() error {
	return e.Err
}

// IsRetryable marks channel failures as transient; a fresh channel from
// the pool usually succeeds.
func (e *ChannelError) IsRetryable() bool {
	return true
}
