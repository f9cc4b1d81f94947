package broker

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/relayq/relayq-go/internal/reliability"
)

func fastPolicy(t *testing.T, maxRetries int) *reliability.Policy {
	t.Helper()
	policy, err := reliability.NewPolicy(reliability.Options{
		MaxRetries: maxRetries,
		BaseDelay:  time.Millisecond,
		MaxDelay:   5 * time.Millisecond,
		Multiplier: 2.0,
	})
	require.NoError(t, err)
	return policy
}

// controlPlane is a fake broker control endpoint with a switchable
// health status.
type controlPlane struct {
	*httptest.Server
	healthy    atomic.Bool
	failProbes atomic.Int32
	probes     atomic.Int32
	sends      atomic.Int32
}

func newControlPlane(t *testing.T) *controlPlane {
	t.Helper()
	cp := &controlPlane{}
	cp.healthy.Store(true)
	cp.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/health" {
			cp.probes.Add(1)
			if !cp.healthy.Load() || cp.failProbes.Add(-1) >= 0 {
				w.WriteHeader(http.StatusInternalServerError)
				return
			}
			w.WriteHeader(http.StatusOK)
			return
		}
		cp.sends.Add(1)
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{"ok":true}`))
	}))
	t.Cleanup(cp.Close)
	return cp
}

func newTestManager(t *testing.T, cp *controlPlane, opts ...ConnectionOption) *ConnectionManager {
	t.Helper()
	opts = append([]ConnectionOption{WithRetryPolicy(fastPolicy(t, 2))}, opts...)
	cm := NewConnectionManager(cp.URL, opts...)
	t.Cleanup(func() { cm.Close() })
	return cm
}

func TestConnectionManagerState(t *testing.T) {
	t.Run("starts disconnected", func(t *testing.T) {
		cm := newTestManager(t, newControlPlane(t))
		assert.Equal(t, StateDisconnected, cm.State())
	})

	t.Run("State strings", func(t *testing.T) {
		assert.Equal(t, "disconnected", StateDisconnected.String())
		assert.Equal(t, "connected", StateConnected.String())
		assert.Equal(t, "reconnecting", StateReconnecting.String())
	})

	t.Run("listeners observe transitions synchronously", func(t *testing.T) {
		cm := newTestManager(t, newControlPlane(t))

		var mu sync.Mutex
		var seen []State
		cm.OnStateChange(func(s State) {
			mu.Lock()
			seen = append(seen, s)
			mu.Unlock()
		})

		assert.True(t, cm.CheckHealth(context.Background()))

		mu.Lock()
		defer mu.Unlock()
		assert.Equal(t, []State{StateConnected}, seen)
	})

	t.Run("reaching the same state fires no notification", func(t *testing.T) {
		cm := newTestManager(t, newControlPlane(t))

		var notifications atomic.Int32
		cm.OnStateChange(func(State) { notifications.Add(1) })

		assert.True(t, cm.CheckHealth(context.Background()))
		assert.True(t, cm.CheckHealth(context.Background()))

		assert.Equal(t, int32(1), notifications.Load())
	})

	t.Run("removed listener is not notified", func(t *testing.T) {
		cm := newTestManager(t, newControlPlane(t))

		var notifications atomic.Int32
		remove := cm.OnStateChange(func(State) { notifications.Add(1) })
		remove()

		cm.CheckHealth(context.Background())
		assert.Equal(t, int32(0), notifications.Load())
	})

	t.Run("listener may call back into the manager", func(t *testing.T) {
		cm := newTestManager(t, newControlPlane(t))

		var observed State
		cm.OnStateChange(func(State) {
			observed = cm.State()
		})

		cm.CheckHealth(context.Background())
		assert.Equal(t, StateConnected, observed)
	})
}

func TestCheckHealth(t *testing.T) {
	t.Run("healthy probe connects", func(t *testing.T) {
		cm := newTestManager(t, newControlPlane(t))

		assert.True(t, cm.CheckHealth(context.Background()))
		assert.Equal(t, StateConnected, cm.State())
	})

	t.Run("500 response returns false and disconnects without error", func(t *testing.T) {
		cp := newControlPlane(t)
		cm := newTestManager(t, cp)

		require.True(t, cm.CheckHealth(context.Background()))
		cp.healthy.Store(false)

		assert.False(t, cm.CheckHealth(context.Background()))
		assert.Equal(t, StateDisconnected, cm.State())
	})

	t.Run("unreachable endpoint returns false", func(t *testing.T) {
		cp := newControlPlane(t)
		cm := newTestManager(t, cp)
		cp.Close()

		assert.False(t, cm.CheckHealth(context.Background()))
		assert.Equal(t, StateDisconnected, cm.State())
	})

	t.Run("cancellation causes false without state change", func(t *testing.T) {
		cp := newControlPlane(t)
		cm := newTestManager(t, cp)
		require.True(t, cm.CheckHealth(context.Background()))

		ctx, cancel := context.WithCancel(context.Background())
		cancel()

		assert.False(t, cm.CheckHealth(ctx))
		assert.Equal(t, StateConnected, cm.State())
	})
}

func TestConnect(t *testing.T) {
	t.Run("connects on healthy control plane", func(t *testing.T) {
		cm := newTestManager(t, newControlPlane(t))

		require.NoError(t, cm.Connect(context.Background()))
		assert.Equal(t, StateConnected, cm.State())
	})

	t.Run("no-op when already connected", func(t *testing.T) {
		cp := newControlPlane(t)
		cm := newTestManager(t, cp)

		require.NoError(t, cm.Connect(context.Background()))
		probesAfterFirst := cp.probes.Load()

		require.NoError(t, cm.Connect(context.Background()))
		assert.Equal(t, probesAfterFirst, cp.probes.Load())
	})

	t.Run("retries the probe until success", func(t *testing.T) {
		cp := newControlPlane(t)
		cp.failProbes.Store(2)
		cm := newTestManager(t, cp)

		require.NoError(t, cm.Connect(context.Background()))
		assert.Equal(t, StateConnected, cm.State())
		assert.Equal(t, int32(3), cp.probes.Load())
	})

	t.Run("stays disconnected after exhausting retries", func(t *testing.T) {
		cp := newControlPlane(t)
		cp.healthy.Store(false)
		cm := newTestManager(t, cp)

		err := cm.Connect(context.Background())
		require.Error(t, err)
		var connErr *ConnectionError
		assert.ErrorAs(t, err, &connErr)
		assert.Equal(t, StateDisconnected, cm.State())
		assert.Equal(t, int32(3), cp.probes.Load()) // initial + 2 retries
	})

	t.Run("cancelled context propagates", func(t *testing.T) {
		cm := newTestManager(t, newControlPlane(t))
		ctx, cancel := context.WithCancel(context.Background())
		cancel()

		err := cm.Connect(ctx)
		assert.ErrorIs(t, err, context.Canceled)
	})

	t.Run("fails after close", func(t *testing.T) {
		cm := newTestManager(t, newControlPlane(t))
		require.NoError(t, cm.Close())

		err := cm.Connect(context.Background())
		assert.ErrorIs(t, err, ErrManagerClosed)
	})
}

func TestSend(t *testing.T) {
	t.Run("fails fast while disconnected without touching the transport", func(t *testing.T) {
		cp := newControlPlane(t)
		cm := newTestManager(t, cp)

		_, err := cm.Send(context.Background(), Request{Path: "/topics"})
		assert.ErrorIs(t, err, ErrNotConnected)
		assert.Equal(t, int32(0), cp.sends.Load())
	})

	t.Run("forwards request and returns response", func(t *testing.T) {
		cp := newControlPlane(t)
		cm := newTestManager(t, cp)
		require.NoError(t, cm.Connect(context.Background()))

		resp, err := cm.Send(context.Background(), Request{Method: http.MethodGet, Path: "/topics"})
		require.NoError(t, err)
		assert.Equal(t, http.StatusOK, resp.StatusCode)
		assert.Equal(t, `{"ok":true}`, string(resp.Body))
	})

	t.Run("non-2xx responses pass through without error", func(t *testing.T) {
		cp := newControlPlane(t)
		cp.Config.Handler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.URL.Path == "/health" {
				w.WriteHeader(http.StatusOK)
				return
			}
			w.WriteHeader(http.StatusNotFound)
		})
		cm := newTestManager(t, cp)
		require.NoError(t, cm.Connect(context.Background()))

		resp, err := cm.Send(context.Background(), Request{Path: "/topics/missing"})
		require.NoError(t, err)
		assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	})

	t.Run("connectivity failure transitions to reconnecting", func(t *testing.T) {
		cp := newControlPlane(t)
		cm := newTestManager(t, cp)
		require.NoError(t, cm.Connect(context.Background()))

		cp.Close()

		_, err := cm.Send(context.Background(), Request{Path: "/topics"})
		require.Error(t, err)
		var connErr *ConnectionError
		assert.ErrorAs(t, err, &connErr)
		assert.NotEqual(t, StateConnected, cm.State())
	})

	t.Run("cancellation propagates unchanged", func(t *testing.T) {
		cp := newControlPlane(t)
		cm := newTestManager(t, cp)
		require.NoError(t, cm.Connect(context.Background()))

		ctx, cancel := context.WithCancel(context.Background())
		cancel()

		_, err := cm.Send(ctx, Request{Path: "/topics"})
		assert.ErrorIs(t, err, context.Canceled)
	})
}

func TestHealthLoop(t *testing.T) {
	t.Run("recovers after an outage", func(t *testing.T) {
		cp := newControlPlane(t)
		cm := newTestManager(t, cp, WithHealthCheckInterval(10*time.Millisecond))
		require.NoError(t, cm.Connect(context.Background()))

		cp.healthy.Store(false)
		assert.Eventually(t, func() bool {
			return cm.State() != StateConnected
		}, time.Second, time.Millisecond, "loop should notice the outage")

		cp.healthy.Store(true)
		assert.Eventually(t, func() bool {
			return cm.State() == StateConnected
		}, time.Second, time.Millisecond, "loop should reconnect")
	})

	t.Run("repeated Connect starts a single loop", func(t *testing.T) {
		cp := newControlPlane(t)
		cm := newTestManager(t, cp, WithHealthCheckInterval(time.Hour))

		require.NoError(t, cm.Connect(context.Background()))
		done := cm.loopDone
		require.NoError(t, cm.Connect(context.Background()))

		assert.Equal(t, done, cm.loopDone)
	})
}

func TestClose(t *testing.T) {
	t.Run("stops the loop and disconnects", func(t *testing.T) {
		cp := newControlPlane(t)
		cm := newTestManager(t, cp, WithHealthCheckInterval(5*time.Millisecond))
		require.NoError(t, cm.Connect(context.Background()))

		done := cm.loopDone
		require.NoError(t, cm.Close())

		select {
		case <-done:
		default:
			t.Fatal("health loop still running after Close")
		}
		assert.Equal(t, StateDisconnected, cm.State())
	})

	t.Run("is idempotent", func(t *testing.T) {
		cm := newTestManager(t, newControlPlane(t))
		require.NoError(t, cm.Connect(context.Background()))

		assert.NoError(t, cm.Close())
		assert.NoError(t, cm.Close())
	})

	t.Run("close before connect is safe", func(t *testing.T) {
		cm := newTestManager(t, newControlPlane(t))
		assert.NoError(t, cm.Close())
	})

	t.Run("borrowed transport handle is not released", func(t *testing.T) {
		cp := newControlPlane(t)
		client := &http.Client{Timeout: time.Second}
		cm := NewConnectionManager(cp.URL,
			WithRetryPolicy(fastPolicy(t, 1)),
			WithHTTPClient(client))

		require.NoError(t, cm.Connect(context.Background()))
		require.NoError(t, cm.Close())

		// The borrowed client remains usable after manager teardown.
		resp, err := client.Get(cp.URL + "/health")
		require.NoError(t, err)
		resp.Body.Close()
	})
}

func TestSendDuringReconnecting(t *testing.T) {
	// Reconnecting does not fast-fail Send: the guard only blocks the
	// disconnected state, so calls during recovery go to the transport.
	cp := newControlPlane(t)
	cm := newTestManager(t, cp)
	require.NoError(t, cm.Connect(context.Background()))

	cm.setState(StateReconnecting)

	resp, err := cm.Send(context.Background(), Request{Path: "/topics"})
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, int32(1), cp.sends.Load())
}

func TestProbeErrors(t *testing.T) {
	t.Run("connection error carries endpoint and unwraps", func(t *testing.T) {
		inner := errors.New("refused")
		err := newConnectionError("health probe", "http://broker1:15672", inner)

		assert.ErrorIs(t, err, inner)
		assert.Contains(t, err.Error(), "health probe")
		assert.Contains(t, err.Error(), "http://broker1:15672")
		assert.True(t, err.IsRetryable())
	})
}
