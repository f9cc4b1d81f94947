// Package contracts defines the shared types exchanged between the
// RelayQ client packages: the message unit carried over the data plane
// and the error taxonomy used for retryability classification.
package contracts
