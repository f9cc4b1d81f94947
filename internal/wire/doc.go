// Package wire adapts the external AMQP protocol client to the RelayQ
// data plane: connection ownership, a bounded channel pool, and thin
// publish/consume primitives. Binary framing and delivery semantics are
// entirely the protocol client's concern.
package wire
