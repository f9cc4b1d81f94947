package broker

import (
	"errors"
	"fmt"
	"time"
)

var (
	// ErrNotConnected is returned by Send when the manager is disconnected.
	// It is deliberately not retryable: the background loop is the only
	// path out of the disconnected state once started.
	ErrNotConnected = errors.New("relayq: not connected")

	// ErrManagerClosed is returned after Close has been called
	ErrManagerClosed = errors.New("relayq: connection manager is closed")

	// ErrProbeFailed indicates the control plane answered outside 2xx
	ErrProbeFailed = errors.New("relayq: health probe failed")
)

// ConnectionError represents a connectivity-level failure against the
// control plane.
type ConnectionError struct {
	Op        string    // Operation that failed
	Endpoint  string    // Control-plane base address
	Err       error     // Underlying error
	Timestamp time.Time // When the error occurred
}

func (e *ConnectionError) Error() string {
	return fmt.Sprintf("relayq connection error: %s against %s: %v", e.Op, e.Endpoint, e.Err)
}

func (e *ConnectionError) Unwrap() error {
	return e.Err
}

// IsRetryable marks connectivity failures as transient for the retry
// policy's default predicate.
func (e *ConnectionError) IsRetryable() bool {
	return true
}

func newConnectionError(op, endpoint string, err error) *ConnectionError {
	return &ConnectionError{
		Op:        op,
		Endpoint:  endpoint,
		Err:       err,
		Timestamp: time.Now(),
	}
}
