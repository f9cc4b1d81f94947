package broker

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/relayq/relayq-go/internal/reliability"
)

const healthPath = "/health"

// State is the connection lifecycle state of a ConnectionManager.
type State int

const (
	// StateDisconnected is the initial state; Send fast-fails here.
	StateDisconnected State = iota
	// StateConnected means the last health probe succeeded.
	StateConnected
	// StateReconnecting means connectivity was lost and recovery is in
	// progress. Send is still allowed through so a prolonged outage
	// surfaces as repeated connection errors rather than a hang.
	StateReconnecting
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnected:
		return "connected"
	case StateReconnecting:
		return "reconnecting"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// StateListener receives connection state transitions
type StateListener func(State)

// Request is an opaque control-plane request routed through Send.
type Request struct {
	Method string
	Path   string
	Body   []byte
}

// Response is the control-plane reply to a Request.
type Response struct {
	StatusCode int
	Body       []byte
}

// ConnectionManager owns a single logical connection to the broker's
// control endpoint. It tracks connection state, runs a background
// health-check loop, and routes outbound requests through the retry
// policy.
type ConnectionManager struct {
	baseURL    string
	client     *http.Client
	ownsClient bool

	policy *reliability.Policy
	logger *slog.Logger

	healthCheckInterval time.Duration

	mu     sync.Mutex
	state  State
	closed bool

	listenersMu    sync.Mutex
	listeners      map[int]StateListener
	nextListenerID int

	loopMu     sync.Mutex
	loopCancel context.CancelFunc
	loopDone   chan struct{}

	closeOnce sync.Once
}

// ConnectionOption configures the ConnectionManager
type ConnectionOption func(*ConnectionManager)

// WithConnectionLogger sets the logger
func WithConnectionLogger(logger *slog.Logger) ConnectionOption {
	return func(cm *ConnectionManager) {
		cm.logger = logger
	}
}

// WithHTTPClient supplies an externally owned transport handle. The
// manager will not release it on Close.
func WithHTTPClient(client *http.Client) ConnectionOption {
	return func(cm *ConnectionManager) {
		cm.client = client
		cm.ownsClient = false
	}
}

// WithRetryPolicy sets the policy used for Connect, Send and
// reconnection probes.
func WithRetryPolicy(policy *reliability.Policy) ConnectionOption {
	return func(cm *ConnectionManager) {
		cm.policy = policy
	}
}

// WithHealthCheckInterval sets the background probe period. Must be set
// before Connect; the running loop does not pick up changes.
func WithHealthCheckInterval(interval time.Duration) ConnectionOption {
	return func(cm *ConnectionManager) {
		cm.healthCheckInterval = interval
	}
}

// WithRequestTimeout bounds individual control-plane requests on the
// internally created transport handle.
func WithRequestTimeout(timeout time.Duration) ConnectionOption {
	return func(cm *ConnectionManager) {
		if cm.ownsClient {
			cm.client.Timeout = timeout
		}
	}
}

// NewConnectionManager creates a manager for the control endpoint at
// baseURL. Unless WithHTTPClient is given, the manager creates and owns
// its own transport handle.
func NewConnectionManager(baseURL string, options ...ConnectionOption) *ConnectionManager {
	cm := &ConnectionManager{
		baseURL:             baseURL,
		client:              &http.Client{Timeout: 10 * time.Second},
		ownsClient:          true,
		logger:              slog.Default(),
		healthCheckInterval: 30 * time.Second,
		state:               StateDisconnected,
		listeners:           make(map[int]StateListener),
	}

	for _, opt := range options {
		opt(cm)
	}

	if cm.policy == nil {
		// DefaultOptions always validates
		cm.policy, _ = reliability.NewPolicy(reliability.DefaultOptions(),
			reliability.WithLogger(cm.logger))
	}

	return cm
}

// State returns the current connection state.
func (cm *ConnectionManager) State() State {
	cm.mu.Lock()
	defer cm.mu.Unlock()
	return cm.state
}

// OnStateChange registers a listener invoked synchronously on every
// state transition. The returned function removes the listener.
func (cm *ConnectionManager) OnStateChange(listener StateListener) (remove func()) {
	cm.listenersMu.Lock()
	id := cm.nextListenerID
	cm.nextListenerID++
	cm.listeners[id] = listener
	cm.listenersMu.Unlock()

	return func() {
		cm.listenersMu.Lock()
		delete(cm.listeners, id)
		cm.listenersMu.Unlock()
	}
}

// setState transitions to next and notifies listeners. Reaching the
// same state again is a no-op. Listeners run outside the state lock so
// they may call back into the manager.
func (cm *ConnectionManager) setState(next State) {
	cm.mu.Lock()
	if cm.state == next {
		cm.mu.Unlock()
		return
	}
	prev := cm.state
	cm.state = next
	cm.mu.Unlock()

	cm.logger.Info("connection state changed", "from", prev, "to", next)
	cm.notify(next)
}

func (cm *ConnectionManager) notify(state State) {
	cm.listenersMu.Lock()
	listeners := make([]StateListener, 0, len(cm.listeners))
	for _, l := range cm.listeners {
		listeners = append(listeners, l)
	}
	cm.listenersMu.Unlock()

	for _, l := range listeners {
		l(state)
	}
}

// Connect establishes the connection by probing the control plane,
// retrying through the policy. A no-op when already connected. On first
// success the background health-check loop is started exactly once.
func (cm *ConnectionManager) Connect(ctx context.Context) error {
	cm.mu.Lock()
	if cm.closed {
		cm.mu.Unlock()
		return ErrManagerClosed
	}
	if cm.state == StateConnected {
		cm.mu.Unlock()
		return nil
	}
	cm.mu.Unlock()

	if err := cm.policy.Do(ctx, cm.probe); err != nil {
		cm.logger.Warn("connect failed", "endpoint", cm.baseURL, "error", err)
		cm.setState(StateDisconnected)
		return err
	}

	cm.setState(StateConnected)
	cm.startHealthLoop()
	return nil
}

// probe issues a single health request. Any non-2xx status or transport
// failure is reported as a retryable connection error; cancellation
// propagates unchanged.
func (cm *ConnectionManager) probe(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, cm.baseURL+healthPath, nil)
	if err != nil {
		return newConnectionError("health probe", cm.baseURL, err)
	}

	resp, err := cm.client.Do(req)
	if err != nil {
		if cerr := ctx.Err(); cerr != nil {
			return cerr
		}
		return newConnectionError("health probe", cm.baseURL, err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return newConnectionError("health probe", cm.baseURL,
			fmt.Errorf("%w: status %s", ErrProbeFailed, resp.Status))
	}
	return nil
}

// CheckHealth probes the control plane once and reports reachability as
// a boolean. Success transitions to Connected, failure to Disconnected;
// the underlying error is swallowed. Cancellation yields false without
// a state transition.
func (cm *ConnectionManager) CheckHealth(ctx context.Context) bool {
	err := cm.probe(ctx)
	if err != nil {
		if ctx.Err() != nil {
			return false
		}
		cm.logger.Warn("health check failed", "endpoint", cm.baseURL, "error", err)
		cm.setState(StateDisconnected)
		return false
	}

	cm.setState(StateConnected)
	return true
}

// Send routes an opaque request to the control plane through the retry
// policy. A disconnected manager fails fast without touching the
// transport. A connectivity failure transitions to Reconnecting and
// surfaces as a retryable connection error; everything else passes
// through unchanged.
func (cm *ConnectionManager) Send(ctx context.Context, req Request) (*Response, error) {
	return reliability.Execute(ctx, cm.policy, func(ctx context.Context) (*Response, error) {
		return cm.send(ctx, req)
	})
}

func (cm *ConnectionManager) send(ctx context.Context, req Request) (*Response, error) {
	if cm.State() == StateDisconnected {
		return nil, ErrNotConnected
	}

	method := req.Method
	if method == "" {
		method = http.MethodGet
	}
	var body io.Reader
	if len(req.Body) > 0 {
		body = bytes.NewReader(req.Body)
	}

	httpReq, err := http.NewRequestWithContext(ctx, method, cm.baseURL+req.Path, body)
	if err != nil {
		return nil, err
	}
	if len(req.Body) > 0 {
		httpReq.Header.Set("Content-Type", "application/json")
	}

	resp, err := cm.client.Do(httpReq)
	if err != nil {
		if cerr := ctx.Err(); cerr != nil {
			return nil, cerr
		}
		cm.setState(StateReconnecting)
		return nil, newConnectionError("send", cm.baseURL, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		cm.setState(StateReconnecting)
		return nil, newConnectionError("send", cm.baseURL, err)
	}

	return &Response{StatusCode: resp.StatusCode, Body: data}, nil
}

// startHealthLoop starts the background loop once. The loop owns its
// own cancellation source so teardown terminates it regardless of any
// caller-supplied token.
func (cm *ConnectionManager) startHealthLoop() {
	cm.loopMu.Lock()
	defer cm.loopMu.Unlock()

	if cm.loopDone != nil {
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	cm.loopCancel = cancel
	cm.loopDone = make(chan struct{})

	go cm.healthLoop(ctx, cm.loopDone)
}

// healthLoop periodically probes the control plane and drives
// reconnection. It exits only when the manager is closed.
func (cm *ConnectionManager) healthLoop(ctx context.Context, done chan<- struct{}) {
	defer close(done)

	cm.logger.Info("health check loop started", "interval", cm.healthCheckInterval)
	for {
		select {
		case <-ctx.Done():
			cm.logger.Info("health check loop stopped")
			return
		case <-time.After(cm.healthCheckInterval):
		}
		cm.runHealthCheck(ctx)
	}
}

// runHealthCheck is one supervised iteration. A panic must not kill the
// loop; the loop's availability is part of the reliability contract.
func (cm *ConnectionManager) runHealthCheck(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			cm.logger.Error("health check iteration panicked", "panic", r)
		}
	}()

	if cm.CheckHealth(ctx) || ctx.Err() != nil {
		return
	}

	cm.setState(StateReconnecting)
	if err := cm.policy.Do(ctx, cm.probe); err != nil {
		if ctx.Err() == nil {
			cm.logger.Warn("reconnect failed", "endpoint", cm.baseURL, "error", err)
			cm.setState(StateDisconnected)
		}
		return
	}
	cm.setState(StateConnected)
}

// Close tears the manager down: stops the health loop, waits for it to
// exit, and releases the transport handle if the manager created it.
// Safe to call multiple times; only the first call performs work.
func (cm *ConnectionManager) Close() error {
	cm.closeOnce.Do(func() {
		cm.mu.Lock()
		cm.closed = true
		cm.mu.Unlock()

		cm.loopMu.Lock()
		cancel := cm.loopCancel
		done := cm.loopDone
		cm.loopMu.Unlock()

		if cancel != nil {
			cancel()
			<-done
		}

		if cm.ownsClient {
			cm.client.CloseIdleConnections()
		}

		cm.setState(StateDisconnected)
		cm.logger.Info("connection manager closed", "endpoint", cm.baseURL)
	})
	return nil
}
