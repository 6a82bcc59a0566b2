// Package transport defines the handle the core uses to reach a peer,
// whether it is a WebSocket client or an SSE subscriber.
package transport

import "errors"

var (
	ErrClosed       = errors.New("transport closed")
	ErrBackpressure = errors.New("transport send buffer full")
)

// Transport is a one-way delivery handle.
//
// Send must not block: implementations queue the frame or fail fast, so it
// is safe to call while holding a room lock. Close is idempotent.
type Transport interface {
	Send(data []byte) error
	Close() error
}
