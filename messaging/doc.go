// Package messaging provides the producer and consumer facades of the
// RelayQ client. Both are thin pass-throughs over a Transport; the
// resilience logic lives in the connection manager and retry policy
// underneath the transport.
package messaging
