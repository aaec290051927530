package session

import (
	"log/slog"
	"time"

	"github.com/niopub/neosphere-go/internal/backoff"
	"github.com/niopub/neosphere-go/transport"
)

// Identity is the agent credential bound to a session at construction. It is
// immutable for the session's lifetime.
type Identity struct {
	// AgentID is the agent's share id, as shown on its Neosphere profile.
	AgentID string
	// ConnectionCode authenticates the first connection. Reconnects use the
	// token the server issues in the auth acknowledgement.
	ConnectionCode string
	// ClientName is the display name reported to the server.
	ClientName string
}

// QueueMode selects what Send does outside the Ready state.
type QueueMode int

const (
	// FailFast rejects sends outside Ready with ErrNotReady.
	FailFast QueueMode = iota
	// Queue holds up to QueueDepth envelopes and replays them in order
	// when the session returns to Ready.
	Queue
)

// BackoffConfig bounds the reconnection supervisor's retry schedule.
type BackoffConfig struct {
	Base        time.Duration
	Max         time.Duration
	MaxAttempts int // 0 = unlimited
}

// SendQueueConfig controls outbound behavior outside Ready.
type SendQueueConfig struct {
	Mode QueueMode
	// QueueDepth bounds the replay queue when Mode is Queue.
	QueueDepth int
	// QueueTimeout bounds how long a request-style send waits for the
	// session to become Ready before failing with ErrNotReady.
	QueueTimeout time.Duration
}

// Config tunes a session. Zero fields take the defaults below.
type Config struct {
	// DialTimeout bounds each transport open, initial and reconnect alike.
	DialTimeout time.Duration
	// AuthTimeout bounds the wait for the server's auth acknowledgement.
	AuthTimeout time.Duration
	// HeartbeatInterval is the longest silence tolerated while Ready. No
	// inbound envelope within it degrades the session, bounding detection
	// latency for half-open connections.
	HeartbeatInterval time.Duration
	Backoff           BackoffConfig
	SendQueue         SendQueueConfig
	// DispatchQueueDepth bounds the queue feeding the handler goroutine,
	// keeping slow handlers off the read loop's critical path. When the
	// queue is full the read loop waits for space; the wait counts as
	// connection activity, so handler backpressure never trips the
	// heartbeat watchdog.
	DispatchQueueDepth int
	// DisableReconnect turns off the supervisor: the first connection loss
	// or failed open closes the session.
	DisableReconnect bool

	// Dialer opens transports. Nil uses a transport.WebSocketDialer.
	// Tests inject an in-memory dialer here.
	Dialer transport.Dialer
	// Logger for session events. Nil uses slog.Default().
	Logger *slog.Logger
}

const (
	defaultDialTimeout        = 10 * time.Second
	defaultAuthTimeout        = 10 * time.Second
	defaultHeartbeatInterval  = 30 * time.Second
	defaultBackoffBase        = time.Second
	defaultBackoffMax         = 30 * time.Second
	defaultQueueDepth         = 64
	defaultQueueTimeout       = 10 * time.Second
	defaultRequestTimeout     = 10 * time.Second
	defaultDispatchDepth      = 64
)

func (c Config) withDefaults() Config {
	if c.DialTimeout <= 0 {
		c.DialTimeout = defaultDialTimeout
	}
	if c.AuthTimeout <= 0 {
		c.AuthTimeout = defaultAuthTimeout
	}
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = defaultHeartbeatInterval
	}
	if c.Backoff.Base <= 0 {
		c.Backoff.Base = defaultBackoffBase
	}
	if c.Backoff.Max <= 0 {
		c.Backoff.Max = defaultBackoffMax
	}
	if c.Backoff.MaxAttempts < 0 {
		c.Backoff.MaxAttempts = 0
	}
	if c.SendQueue.QueueDepth <= 0 {
		c.SendQueue.QueueDepth = defaultQueueDepth
	}
	if c.SendQueue.QueueTimeout <= 0 {
		c.SendQueue.QueueTimeout = defaultQueueTimeout
	}
	if c.DispatchQueueDepth <= 0 {
		c.DispatchQueueDepth = defaultDispatchDepth
	}
	if c.Dialer == nil {
		c.Dialer = &transport.WebSocketDialer{Logger: c.Logger}
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	return c
}

func (c Config) backoffPolicy() backoff.Policy {
	return backoff.New(c.Backoff.Base, c.Backoff.Max, c.Backoff.MaxAttempts)
}
