// Copyright 2024 RelayQ Contributors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package relayq

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/relayq/relayq-go/admin"
	"github.com/relayq/relayq-go/internal/broker"
	"github.com/relayq/relayq-go/internal/reliability"
	"github.com/relayq/relayq-go/messaging"
	amqptransport "github.com/relayq/relayq-go/transports/amqp"
)

// ConnectionState is the lifecycle state of the broker connection.
type ConnectionState = broker.State

// Re-exported connection states.
const (
	StateDisconnected ConnectionState = broker.StateDisconnected
	StateConnected    ConnectionState = broker.StateConnected
	StateReconnecting ConnectionState = broker.StateReconnecting
)

// Client is the main entry point for relayq-go. It owns the control
// plane connection manager, the data plane transport, and the producer
// and consumer facades built on top of them.
type Client struct {
	cfg    broker.Config
	logger *slog.Logger
	policy *reliability.Policy

	conn  *broker.ConnectionManager
	admin *admin.Admin

	transport *amqptransport.Transport
	producer  *messaging.Producer
	consumer  *messaging.Consumer

	mu     sync.Mutex
	dialed bool
	closed bool
}

type clientConfig struct {
	logger              *slog.Logger
	retryOpts           reliability.Options
	httpClient          *http.Client
	connectTimeout      time.Duration
	requestTimeout      time.Duration
	healthCheckInterval time.Duration
	poolSize            int
}

// ClientOption configures the client
type ClientOption func(*clientConfig)

// WithLogger sets the logger used by every client component
func WithLogger(logger *slog.Logger) ClientOption {
	return func(cfg *clientConfig) {
		cfg.logger = logger
	}
}

// WithRetryOptions overrides the retry policy applied to connect,
// request and reconnection paths.
func WithRetryOptions(opts reliability.Options) ClientOption {
	return func(cfg *clientConfig) {
		cfg.retryOpts = opts
	}
}

// WithHTTPClient supplies an externally owned control-plane transport
// handle. The client will not release it on Close.
func WithHTTPClient(client *http.Client) ClientOption {
	return func(cfg *clientConfig) {
		cfg.httpClient = client
	}
}

// WithConnectTimeout bounds the data-plane dial
func WithConnectTimeout(timeout time.Duration) ClientOption {
	return func(cfg *clientConfig) {
		cfg.connectTimeout = timeout
	}
}

// WithRequestTimeout bounds individual control-plane requests
func WithRequestTimeout(timeout time.Duration) ClientOption {
	return func(cfg *clientConfig) {
		cfg.requestTimeout = timeout
	}
}

// WithHealthCheckInterval sets the period of the background health loop
func WithHealthCheckInterval(interval time.Duration) ClientOption {
	return func(cfg *clientConfig) {
		cfg.healthCheckInterval = interval
	}
}

// WithPoolSize sets the data-plane channel pool capacity
func WithPoolSize(size int) ClientOption {
	return func(cfg *clientConfig) {
		cfg.poolSize = size
	}
}

// NewClient creates a client for the broker at bootstrapServers, a
// comma-separated list of host:port pairs. Construction validates the
// configuration but performs no network I/O; call Connect to establish
// the connection.
func NewClient(bootstrapServers string, options ...ClientOption) (*Client, error) {
	defaults := broker.DefaultConfig()
	cc := &clientConfig{
		logger:              slog.Default(),
		retryOpts:           reliability.DefaultOptions(),
		connectTimeout:      defaults.ConnectTimeout,
		requestTimeout:      defaults.RequestTimeout,
		healthCheckInterval: defaults.HealthCheckInterval,
		poolSize:            defaults.PoolSize,
	}
	for _, opt := range options {
		opt(cc)
	}

	cfg := broker.Config{
		BootstrapServers:    bootstrapServers,
		ConnectTimeout:      cc.connectTimeout,
		RequestTimeout:      cc.requestTimeout,
		PoolSize:            cc.poolSize,
		HealthCheckInterval: cc.healthCheckInterval,
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	policy, err := reliability.NewPolicy(cc.retryOpts, reliability.WithLogger(cc.logger))
	if err != nil {
		return nil, err
	}

	controlURL, err := cfg.ControlPlaneURL()
	if err != nil {
		return nil, err
	}

	connOpts := []broker.ConnectionOption{
		broker.WithConnectionLogger(cc.logger),
		broker.WithRetryPolicy(policy),
		broker.WithHealthCheckInterval(cfg.HealthCheckInterval),
		broker.WithRequestTimeout(cfg.RequestTimeout),
	}
	if cc.httpClient != nil {
		connOpts = append(connOpts, broker.WithHTTPClient(cc.httpClient))
	}
	conn := broker.NewConnectionManager(controlURL, connOpts...)

	dataURL, err := cfg.DataPlaneURL()
	if err != nil {
		conn.Close()
		return nil, err
	}

	transport, err := amqptransport.NewTransport(dataURL,
		amqptransport.WithPoolSize(cfg.PoolSize),
		amqptransport.WithDialTimeout(cfg.ConnectTimeout),
		amqptransport.WithPublishTimeout(cfg.RequestTimeout),
		amqptransport.WithTransportLogger(cc.logger))
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to create transport: %w", err)
	}

	return &Client{
		cfg:       cfg,
		logger:    cc.logger,
		policy:    policy,
		conn:      conn,
		admin:     admin.New(conn, admin.WithLogger(cc.logger)),
		transport: transport,
		producer:  messaging.NewProducer(transport),
		consumer:  messaging.NewConsumer(transport),
	}, nil
}

// Connect establishes the control-plane connection, retrying through
// the retry policy, and starts the background health-check loop. The
// data plane is dialed lazily on first Producer or Consumer use.
func (c *Client) Connect(ctx context.Context) error {
	return c.conn.Connect(ctx)
}

// ConnectionState returns the current control-plane connection state.
func (c *Client) ConnectionState() ConnectionState {
	return c.conn.State()
}

// OnStateChange registers a listener invoked synchronously on every
// connection state transition. The returned function removes it.
func (c *Client) OnStateChange(listener func(ConnectionState)) (remove func()) {
	return c.conn.OnStateChange(broker.StateListener(listener))
}

// CheckHealth probes the broker control plane once and reports
// reachability.
func (c *Client) CheckHealth(ctx context.Context) bool {
	return c.conn.CheckHealth(ctx)
}

// Producer returns the message producer, dialing the data plane on
// first use.
func (c *Client) Producer(ctx context.Context) (*messaging.Producer, error) {
	if err := c.dialData(ctx); err != nil {
		return nil, err
	}
	return c.producer, nil
}

// Consumer returns the message consumer, dialing the data plane on
// first use.
func (c *Client) Consumer(ctx context.Context) (*messaging.Consumer, error) {
	if err := c.dialData(ctx); err != nil {
		return nil, err
	}
	return c.consumer, nil
}

// Admin returns the control-plane admin interface. Admin calls require
// a connected client.
func (c *Client) Admin() *admin.Admin {
	return c.admin
}

func (c *Client) dialData(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return broker.ErrManagerClosed
	}
	if c.dialed {
		return nil
	}
	if err := c.transport.Connect(ctx); err != nil {
		return err
	}
	c.dialed = true
	return nil
}

// Close releases all client resources: the data-plane transport when it
// was dialed, then the connection manager and its health loop. Safe to
// call multiple times.
func (c *Client) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	dialed := c.dialed
	c.mu.Unlock()

	var errs []error
	if dialed {
		if err := c.transport.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	if err := c.conn.Close(); err != nil {
		errs = append(errs, err)
	}

	if len(errs) > 0 {
		return fmt.Errorf("failed to close client: %v", errs)
	}
	c.logger.Info("client closed")
	return nil
}
