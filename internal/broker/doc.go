// Package broker implements the connection lifecycle core of the
// RelayQ client.
//
// This package includes:
//   - ConnectionManager: tracks connection state against the broker's
//     HTTP control plane, runs a periodic background health-check loop,
//     and self-heals by re-running the retried connect sequence
//   - Config: bootstrap-address parsing and timeout/pool settings
//
// State transitions are serialized under a single lock and published
// synchronously to registered listeners. All outbound control-plane
// requests flow through the retry policy in internal/reliability.
package broker
