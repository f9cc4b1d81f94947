package wire

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"
)

const poolWaitTimeout = 5 * time.Second

// ConnectionProvider supplies a live AMQP connection to the pool.
type ConnectionProvider interface {
	Connection() (*amqp.Connection, error)
}

// ChannelPool maintains a bounded set of reusable AMQP channels so
// concurrent publishers and consumers do not open a channel per
// operation.
type ChannelPool struct {
	provider ConnectionProvider
	channels chan *PooledChannel
	maxSize  int

	mu          sync.Mutex
	closed      bool
	activeCount int
}

// PooledChannel wraps an AMQP channel with pool metadata
type PooledChannel struct {
	*amqp.Channel
	id       string
	lastUsed time.Time
}

// ID returns the pool-assigned channel identifier.
func (pc *PooledChannel) ID() string {
	return pc.id
}

// NewChannelPool creates a pool drawing channels from provider.
// maxSize bounds the number of concurrently open channels.
func NewChannelPool(provider ConnectionProvider, maxSize int) (*ChannelPool, error) {
	if provider == nil {
		return nil, &ChannelError{Op: "pool initialization", ChannelID: "pool",
			Err: ErrNotDialed, Timestamp: time.Now()}
	}
	if maxSize < 1 {
		maxSize = 1
	}

	return &ChannelPool{
		provider: provider,
		channels: make(chan *PooledChannel, maxSize),
		maxSize:  maxSize,
	}, nil
}

// Get retrieves a channel, creating one when the pool is under
// capacity, or waiting for a returned channel otherwise.
func (cp *ChannelPool) Get(ctx context.Context) (*PooledChannel, error) {
	cp.mu.Lock()
	if cp.closed {
		cp.mu.Unlock()
		return nil, ErrPoolClosed
	}
	cp.mu.Unlock()

	select {
	case ch := <-cp.channels:
		if ch.IsClosed() {
			cp.discard()
			return cp.create()
		}
		ch.lastUsed = time.Now()
		return ch, nil
	default:
	}

	cp.mu.Lock()
	if cp.activeCount < cp.maxSize {
		cp.mu.Unlock()
		return cp.create()
	}
	cp.mu.Unlock()

	select {
	case ch := <-cp.channels:
		if ch.IsClosed() {
			cp.discard()
			return cp.create()
		}
		ch.lastUsed = time.Now()
		return ch, nil
	case <-ctx.Done():
		return nil, &ChannelError{Op: "get channel", ChannelID: "pool",
			Err: ctx.Err(), Timestamp: time.Now()}
	case <-time.After(poolWaitTimeout):
		return nil, &ChannelError{Op: "get channel", ChannelID: "pool",
			Err: ErrPoolExhausted, Timestamp: time.Now()}
	}
}

// Put returns a channel to the pool. Closed channels are discarded and
// overflow channels released.
func (cp *ChannelPool) Put(ch *PooledChannel) {
	if ch == nil {
		return
	}

	cp.mu.Lock()
	if cp.closed {
		cp.mu.Unlock()
		ch.Close()
		return
	}
	cp.mu.Unlock()

	if ch.IsClosed() {
		cp.discard()
		return
	}

	ch.lastUsed = time.Now()
	select {
	case cp.channels <- ch:
	default:
		ch.Close()
		cp.discard()
	}
}

// Size returns the number of channels currently checked out or pooled.
func (cp *ChannelPool) Size() int {
	cp.mu.Lock()
	defer cp.mu.Unlock()
	return cp.activeCount
}

// Close drains and closes all pooled channels. The pool channel itself
// is never closed: a Get or Put racing teardown then just sees the
// closed flag, instead of a nil receive or a send on a closed channel.
func (cp *ChannelPool) Close() error {
	cp.mu.Lock()
	if cp.closed {
		cp.mu.Unlock()
		return nil
	}
	cp.closed = true
	cp.mu.Unlock()

	for {
		select {
		case ch := <-cp.channels:
			ch.Close()
		default:
			return nil
		}
	}
}

func (cp *ChannelPool) create() (*PooledChannel, error) {
	conn, err := cp.provider.Connection()
	if err != nil {
		return nil, &ChannelError{Op: "create channel", ChannelID: "pool",
			Err: err, Timestamp: time.Now()}
	}

	ch, err := conn.Channel()
	if err != nil {
		return nil, &ChannelError{Op: "create channel", ChannelID: "pool",
			Err: err, Timestamp: time.Now()}
	}

	cp.mu.Lock()
	cp.activeCount++
	cp.mu.Unlock()

	return &PooledChannel{
		Channel:  ch,
		id:       uuid.NewString(),
		lastUsed: time.Now(),
	}, nil
}

func (cp *ChannelPool) discard() {
	cp.mu.Lock()
	cp.activeCount--
	cp.mu.Unlock()
}
