// Package transport owns the physical duplex connection to the Neosphere
// server. It moves opaque frames and signals disconnects; message semantics
// live upstream in the session.
package transport

import (
	"context"
	"fmt"
)

// Frame is one unit delivered by a Transport's receive sequence. Exactly one
// of Data or Err is set; a frame with Err set is terminal and the sequence
// ends after it.
type Frame struct {
	Data []byte
	Err  error
}

// Transport is a single open duplex connection. A Transport is owned
// exclusively by one session; it is never shared and is replaced wholesale
// on reconnect.
type Transport interface {
	// Send writes one frame. A failed write means the connection is lost;
	// there are no recoverable per-frame send errors.
	Send(ctx context.Context, data []byte) error

	// Frames returns the inbound frame sequence. The channel delivers at
	// most one Frame with Err set and is then closed. The first error must
	// be treated as connection loss, never as a droppable per-message fault.
	Frames() <-chan Frame

	// Close releases the connection. It is idempotent and safe to call
	// from a different goroutine than the one reading.
	Close() error
}

// Dialer opens fresh Transports. The session holds one Dialer for the
// lifetime of the connection and redials through it on reconnect.
type Dialer interface {
	Dial(ctx context.Context, addr string) (Transport, error)
}

// ConnectError reports a failure to open a Transport: DNS, TCP, TLS, or the
// WebSocket handshake. Connect errors are retriable.
type ConnectError struct {
	Addr string
	Err  error
}

func (e *ConnectError) Error() string {
	return fmt.Sprintf("connect to %s: %v", e.Addr, e.Err)
}

func (e *ConnectError) Unwrap() error { return e.Err }
