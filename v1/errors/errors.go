// Package errors holds the transport-level sentinels shared by the store
// backends and sync buses.
package errors

import "errors"

var (
	ErrTimeout          = errors.New("timeout")
	ErrConnectionClosed = errors.New("connection closed")
	// ErrCircuitOpen is returned by circuit breaker decorators while open.
	ErrCircuitOpen = errors.New("circuit breaker is open")
)
