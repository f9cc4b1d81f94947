package wire

import (
	"context"
	"log/slog"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/relayq/relayq-go/contracts"
)

// DataConn owns the AMQP connection to the broker's data plane. The
// wire protocol itself is handled entirely by the amqp091 client.
type DataConn struct {
	url         string
	dialTimeout time.Duration
	logger      *slog.Logger

	mu   sync.Mutex
	conn *amqp.Connection
}

// DataConnOption configures the DataConn
type DataConnOption func(*DataConn)

// WithDialTimeout bounds the data-plane dial
func WithDialTimeout(timeout time.Duration) DataConnOption {
	return func(d *DataConn) {
		d.dialTimeout = timeout
	}
}

// WithDataLogger sets the logger
func WithDataLogger(logger *slog.Logger) DataConnOption {
	return func(d *DataConn) {
		d.logger = logger
	}
}

// NewDataConn creates an undialed data-plane connection holder.
func NewDataConn(url string, options ...DataConnOption) *DataConn {
	d := &DataConn{
		url:         url,
		dialTimeout: 30 * time.Second,
		logger:      slog.Default(),
	}
	for _, opt := range options {
		opt(d)
	}
	return d
}

// Dial establishes the data-plane connection. A no-op when already
// connected.
func (d *DataConn) Dial(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.conn != nil && !d.conn.IsClosed() {
		return nil
	}

	dialCtx, cancel := context.WithTimeout(ctx, d.dialTimeout)
	defer cancel()

	// The handoff is unbuffered: when the dial outlives the timeout the
	// goroutine finds no receiver and closes the late connection itself
	// instead of leaking it.
	connChan := make(chan *amqp.Connection)
	errChan := make(chan error, 1)
	go func() {
		conn, err := amqp.Dial(d.url)
		if err != nil {
			errChan <- err
			return
		}
		select {
		case connChan <- conn:
		case <-dialCtx.Done():
			conn.Close()
		}
	}()

	select {
	case conn := <-connChan:
		d.conn = conn
		d.logger.Info("data plane connected", "url", d.url)
		return nil
	case err := <-errChan:
		return contracts.NewError(contracts.KindConnection, "data plane dial", err)
	case <-dialCtx.Done():
		return dialCtx.Err()
	}
}

// Connection returns the live AMQP connection.
func (d *DataConn) Connection() (*amqp.Connection, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.conn == nil || d.conn.IsClosed() {
		return nil, ErrNotDialed
	}
	return d.conn, nil
}

// Close releases the data-plane connection. Safe to call when never
// dialed.
func (d *DataConn) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.conn == nil {
		return nil
	}
	conn := d.conn
	d.conn = nil
	if conn.IsClosed() {
		return nil
	}
	return conn.Close()
}
