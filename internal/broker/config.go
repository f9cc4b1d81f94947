package broker

import (
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/relayq/relayq-go/contracts"
)

const defaultDataPort = "5672"

// Config holds the connection settings supplied by the client facade.
type Config struct {
	// BootstrapServers is a comma-separated list of host:port pairs for
	// the broker control plane. Only the first entry is used to derive
	// the control-plane base address.
	BootstrapServers string

	// ConnectTimeout bounds the initial connect sequence
	ConnectTimeout time.Duration

	// RequestTimeout bounds individual control-plane requests
	RequestTimeout time.Duration

	// PoolSize is the data-plane channel pool capacity
	PoolSize int

	// HealthCheckInterval is the period of the background probe loop
	HealthCheckInterval time.Duration
}

// DefaultConfig returns the settings used when the caller supplies none.
func DefaultConfig() Config {
	return Config{
		ConnectTimeout:      30 * time.Second,
		RequestTimeout:      10 * time.Second,
		PoolSize:            10,
		HealthCheckInterval: 30 * time.Second,
	}
}

// Validate rejects unusable configurations up front.
func (c Config) Validate() error {
	if strings.TrimSpace(c.BootstrapServers) == "" {
		return contracts.NewError(contracts.KindConfiguration, "config",
			fmt.Errorf("BootstrapServers must not be empty"))
	}
	if _, err := c.firstServer(); err != nil {
		return err
	}
	if c.ConnectTimeout <= 0 {
		return contracts.NewError(contracts.KindConfiguration, "config",
			fmt.Errorf("ConnectTimeout must be positive, got %v", c.ConnectTimeout))
	}
	if c.RequestTimeout <= 0 {
		return contracts.NewError(contracts.KindConfiguration, "config",
			fmt.Errorf("RequestTimeout must be positive, got %v", c.RequestTimeout))
	}
	if c.PoolSize <= 0 {
		return contracts.NewError(contracts.KindConfiguration, "config",
			fmt.Errorf("PoolSize must be positive, got %d", c.PoolSize))
	}
	if c.HealthCheckInterval <= 0 {
		return contracts.NewError(contracts.KindConfiguration, "config",
			fmt.Errorf("HealthCheckInterval must be positive, got %v", c.HealthCheckInterval))
	}
	return nil
}

func (c Config) firstServer() (string, error) {
	first := strings.TrimSpace(strings.Split(c.BootstrapServers, ",")[0])
	if first == "" {
		return "", contracts.NewError(contracts.KindConfiguration, "config",
			fmt.Errorf("BootstrapServers has an empty first entry"))
	}
	if _, _, err := net.SplitHostPort(first); err != nil {
		return "", contracts.NewError(contracts.KindConfiguration, "config",
			fmt.Errorf("invalid bootstrap address %q: %w", first, err))
	}
	return first, nil
}

// ControlPlaneURL derives the HTTP control-plane base address from the
// first bootstrap entry.
func (c Config) ControlPlaneURL() (string, error) {
	first, err := c.firstServer()
	if err != nil {
		return "", err
	}
	return "http://" + first, nil
}

// DataPlaneURL derives the AMQP data-plane address from the first
// bootstrap entry's host and the standard data port.
func (c Config) DataPlaneURL() (string, error) {
	first, err := c.firstServer()
	if err != nil {
		return "", err
	}
	host, _, err := net.SplitHostPort(first)
	if err != nil {
		return "", contracts.NewError(contracts.KindConfiguration, "config", err)
	}
	return "amqp://" + net.JoinHostPort(host, defaultDataPort), nil
}
