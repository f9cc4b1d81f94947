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
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/relayq/relayq-go/contracts"
	"github.com/relayq/relayq-go/internal/reliability"
)

// newControlPlane starts a healthy control-plane fake and returns its
// bootstrap address.
func newControlPlane(t *testing.T) (*httptest.Server, string) {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	t.Cleanup(srv.Close)
	return srv, strings.TrimPrefix(srv.URL, "http://")
}

func fastRetryOptions() reliability.Options {
	return reliability.Options{
		MaxRetries:  1,
		BaseDelay:   time.Millisecond,
		MaxDelay:    5 * time.Millisecond,
		Multiplier:  2.0,
		IsRetryable: contracts.IsRetryable,
	}
}

func TestNewClient(t *testing.T) {
	t.Run("creates a disconnected client without network IO", func(t *testing.T) {
		client, err := NewClient("broker1.example.com:9090")

		require.NoError(t, err)
		defer client.Close()

		assert.Equal(t, StateDisconnected, client.ConnectionState())
		assert.NotNil(t, client.Admin())
	})

	t.Run("rejects empty bootstrap servers", func(t *testing.T) {
		_, err := NewClient("")

		require.Error(t, err)
		assert.Equal(t, contracts.KindConfiguration, contracts.KindOf(err))
	})

	t.Run("rejects bootstrap address without a port", func(t *testing.T) {
		_, err := NewClient("broker1.example.com")

		require.Error(t, err)
		assert.Equal(t, contracts.KindConfiguration, contracts.KindOf(err))
	})

	t.Run("rejects invalid retry options", func(t *testing.T) {
		_, err := NewClient("broker1.example.com:9090",
			WithRetryOptions(reliability.Options{
				MaxRetries: -1,
				BaseDelay:  time.Second,
				MaxDelay:   time.Second,
				Multiplier: 2.0,
			}))

		require.Error(t, err)
		assert.Equal(t, contracts.KindConfiguration, contracts.KindOf(err))
	})

	t.Run("rejects non-positive pool size", func(t *testing.T) {
		_, err := NewClient("broker1.example.com:9090", WithPoolSize(0))

		require.Error(t, err)
		assert.Equal(t, contracts.KindConfiguration, contracts.KindOf(err))
	})
}

func TestClientConnect(t *testing.T) {
	t.Run("reaches connected against a healthy control plane", func(t *testing.T) {
		_, addr := newControlPlane(t)
		client, err := NewClient(addr, WithRetryOptions(fastRetryOptions()))
		require.NoError(t, err)
		defer client.Close()

		require.NoError(t, client.Connect(context.Background()))
		assert.Equal(t, StateConnected, client.ConnectionState())
		assert.True(t, client.CheckHealth(context.Background()))
	})

	t.Run("surfaces a retryable connection error when unreachable", func(t *testing.T) {
		client, err := NewClient("127.0.0.1:1", WithRetryOptions(fastRetryOptions()))
		require.NoError(t, err)
		defer client.Close()

		err = client.Connect(context.Background())

		require.Error(t, err)
		assert.True(t, contracts.IsRetryable(err))
		assert.Equal(t, StateDisconnected, client.ConnectionState())
	})

	t.Run("notifies state listeners", func(t *testing.T) {
		_, addr := newControlPlane(t)
		client, err := NewClient(addr, WithRetryOptions(fastRetryOptions()))
		require.NoError(t, err)
		defer client.Close()

		var states []ConnectionState
		remove := client.OnStateChange(func(s ConnectionState) {
			states = append(states, s)
		})
		defer remove()

		require.NoError(t, client.Connect(context.Background()))
		assert.Equal(t, []ConnectionState{StateConnected}, states)
	})
}

func TestClientAdmin(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	mux.HandleFunc("/topics", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`[{"name":"orders","partitions":6}]`))
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	client, err := NewClient(strings.TrimPrefix(srv.URL, "http://"),
		WithRetryOptions(fastRetryOptions()))
	require.NoError(t, err)
	defer client.Close()
	require.NoError(t, client.Connect(context.Background()))

	topics, err := client.Admin().ListTopics(context.Background())

	require.NoError(t, err)
	require.Len(t, topics, 1)
	assert.Equal(t, "orders", topics[0].Name)
}

func TestClientClose(t *testing.T) {
	t.Run("is idempotent", func(t *testing.T) {
		_, addr := newControlPlane(t)
		client, err := NewClient(addr, WithRetryOptions(fastRetryOptions()))
		require.NoError(t, err)
		require.NoError(t, client.Connect(context.Background()))

		assert.NoError(t, client.Close())
		assert.NoError(t, client.Close())
		assert.Equal(t, StateDisconnected, client.ConnectionState())
	})

	t.Run("before connect is safe", func(t *testing.T) {
		client, err := NewClient("broker1.example.com:9090")
		require.NoError(t, err)
		assert.NoError(t, client.Close())
	})

	t.Run("rejects data-plane dial after close", func(t *testing.T) {
		client, err := NewClient("broker1.example.com:9090")
		require.NoError(t, err)
		require.NoError(t, client.Close())

		_, err = client.Producer(context.Background())
		assert.Error(t, err)
	})
}
