package session

import (
	"errors"
	"fmt"

	"github.com/niopub/neosphere-go/wire"
)

// Sentinel errors returned by session operations. Connection-level faults
// are healed internally by the reconnection supervisor; callers only see a
// typed recoverable error or, once the session reaches Closed, the terminal
// error for every pending and future operation.
var (
	// ErrNotReady reports an operation attempted outside the Ready state
	// under the fail-fast policy.
	ErrNotReady = errors.New("session: not ready")

	// ErrClosed reports an operation attempted or interrupted after Close.
	ErrClosed = errors.New("session: closed")

	// ErrTimeout reports a request with no reply within its bound. Requests
	// that expire while the session is degraded fail with ErrTimeout too,
	// keeping the error taxonomy uniform regardless of cause.
	ErrTimeout = errors.New("session: request timed out")

	// ErrQueueFull reports a queued send rejected because the bounded
	// outbound queue is at capacity.
	ErrQueueFull = errors.New("session: send queue full")

	// ErrDuplicateQueryID reports a request envelope reusing a correlation
	// id that already has a pending request.
	ErrDuplicateQueryID = errors.New("session: duplicate query id")

	// ErrAlreadyConnected reports Connect called on a session that has
	// left the Idle state.
	ErrAlreadyConnected = errors.New("session: already connected")

	// ErrRetriesExhausted is the terminal error when the reconnection
	// supervisor runs out of attempts.
	ErrRetriesExhausted = errors.New("session: reconnect attempts exhausted")

	// ErrServerClosed is the terminal error when the server orders the
	// agent to disconnect permanently.
	ErrServerClosed = errors.New("session: server ordered close")
)

// AuthError reports a rejected or timed-out auth handshake. Permanent
// rejections (revoked credential, server-ordered close) drive the session
// straight to Closed; retriable ones hand control to the supervisor.
type AuthError struct {
	Reason    string
	Permanent bool
	Err       error
}

func (e *AuthError) Error() string {
	kind := "retriable"
	if e.Permanent {
		kind = "permanent"
	}
	if e.Err != nil {
		return fmt.Sprintf("session: auth failed (%s): %s: %v", kind, e.Reason, e.Err)
	}
	return fmt.Sprintf("session: auth failed (%s): %s", kind, e.Reason)
}

func (e *AuthError) Unwrap() error { return e.Err }

// RemoteError reports a request that the remote peer answered with an error
// envelope. The full envelope is kept for callers that need the details.
type RemoteError struct {
	From     string
	Text     string
	Envelope *wire.Envelope
}

func (e *RemoteError) Error() string {
	return fmt.Sprintf("session: remote error from %s: %s", e.From, e.Text)
}
