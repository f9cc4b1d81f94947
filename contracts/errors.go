package contracts

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"
)

// ErrorKind classifies client errors into broad categories that callers
// can branch on without inspecting the underlying cause.
type ErrorKind string

const (
	KindConnection     ErrorKind = "connection"
	KindTimeout        ErrorKind = "timeout"
	KindAuthentication ErrorKind = "authentication"
	KindAuthorization  ErrorKind = "authorization"
	KindTopicNotFound  ErrorKind = "topic_not_found"
	KindProducer       ErrorKind = "producer"
	KindConsumer       ErrorKind = "consumer"
	KindSerialization  ErrorKind = "serialization"
	KindConfiguration  ErrorKind = "configuration"
)

// Retryable reports whether errors of this kind are transient by default.
func (k ErrorKind) Retryable() bool {
	switch k {
	case KindConnection, KindTimeout, KindProducer, KindConsumer:
		return true
	default:
		return false
	}
}

// Error is a broker client error carrying its kind and the operation
// that produced it.
type Error struct {
	Kind      ErrorKind
	Op        string
	Err       error
	Timestamp time.Time
}

// NewError wraps err as a client error of the given kind.
func NewError(kind ErrorKind, op string, err error) *Error {
	return &Error{
		Kind:      kind,
		Op:        op,
		Err:       err,
		Timestamp: time.Now(),
	}
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("relayq: %s error: %s: %v", e.Kind, e.Op, e.Err)
	}
	return fmt.Sprintf("relayq: %s error: %s", e.Kind, e.Op)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// IsRetryable reports whether this error is transient.
func (e *Error) IsRetryable() bool {
	return e.Kind.Retryable()
}

// KindOf returns the kind of err, or an empty kind when err does not
// carry one.
func KindOf(err error) ErrorKind {
	var ce *Error
	if errors.As(err, &ce) {
		return ce.Kind
	}
	return ""
}

// IsRetryable is the default retryability classification: an error is
// retried when it declares itself retryable, or when it is a
// transport-level connectivity failure. The error's own metadata wins
// over the context sentinels it may wrap; a timeout error carries
// context.DeadlineExceeded in its chain without being a cancellation.
// Bare cancellation is never retried.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}

	type retryable interface {
		IsRetryable() bool
	}
	var r retryable
	if errors.As(err, &r) {
		return r.IsRetryable()
	}

	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}

	var netErr net.Error
	return errors.As(err, &netErr)
}
