// Package session implements the Neosphere session core: one long-lived,
// authenticated, bidirectional connection that the agent's handlers and
// request/response calls multiplex over. The session heals transparently
// from connection loss; callers holding a Session observe recovery without
// re-registering handlers.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/niopub/neosphere-go/transport"
	"github.com/niopub/neosphere-go/wire"
)

// State is the session lifecycle state.
type State int

const (
	// StateIdle is the initial state: no transport yet.
	StateIdle State = iota
	// StateConnecting means a transport open is in flight.
	StateConnecting
	// StateAuthenticating means the auth handshake is awaiting the server.
	StateAuthenticating
	// StateReady means full send/receive is enabled.
	StateReady
	// StateDegraded means the transport is lost and the reconnection
	// supervisor is working to replace it. The logical session persists.
	StateDegraded
	// StateClosed is terminal.
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateConnecting:
		return "connecting"
	case StateAuthenticating:
		return "authenticating"
	case StateReady:
		return "ready"
	case StateDegraded:
		return "degraded"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Handler processes one inbound envelope. Handlers run on the session's
// dispatch goroutine in connection order; a slow handler delays subsequent
// dispatch but never the read loop or heartbeat detection. Handlers must not
// call Close directly (spawn a goroutine to do so).
type Handler func(env *wire.Envelope)

// Stats is a snapshot of session counters.
type Stats struct {
	State           State
	ConnectAttempts uint64
	LastActivity    time.Time
}

// Session is the aggregate root: it owns exactly one current Transport at
// any instant and replaces it wholesale on reconnect. Create with New,
// start with Connect, and always Close.
type Session struct {
	identity Identity
	addr     string
	cfg      Config
	logger   *slog.Logger

	// ctx is the cancellation root: Close cancels it, which unblocks every
	// outstanding request, halts the loops, and stops the supervisor.
	ctx       context.Context
	cancel    context.CancelFunc
	closeOnce sync.Once
	done      chan struct{}

	mu           sync.Mutex
	state        State
	tr           transport.Transport
	gen          uint64             // transport generation, rejects stale degrades
	connCancel   context.CancelFunc // stops the current connection's watchdog
	readyCh      chan struct{}      // closed while Ready, replaced on leaving it
	token        string             // reconnection token from the auth ack
	queue        []*wire.Envelope   // bounded replay queue (Queue mode)
	flushing     bool               // replay from the last recovery still draining
	terminalErr  error
	reconnecting bool

	attempts     atomic.Uint64
	lastActivity atomic.Int64 // unix nanos of the last inbound envelope
	nextQueryID  atomic.Uint64

	handlersMu sync.RWMutex
	handlers   map[wire.Kind]Handler

	dispatchCh chan *wire.Envelope

	pendingMu sync.Mutex
	pending   map[string]chan *wire.Envelope

	wg sync.WaitGroup
}

// New constructs a session bound to the given identity and endpoint. The
// identity is immutable for the session's lifetime.
func New(identity Identity, addr string, cfg Config) *Session {
	cfg = cfg.withDefaults()
	ctx, cancel := context.WithCancel(context.Background())
	return &Session{
		identity:   identity,
		addr:       addr,
		cfg:        cfg,
		logger:     cfg.Logger,
		ctx:        ctx,
		cancel:     cancel,
		done:       make(chan struct{}),
		state:      StateIdle,
		readyCh:    make(chan struct{}),
		handlers:   make(map[wire.Kind]Handler),
		dispatchCh: make(chan *wire.Envelope, cfg.DispatchQueueDepth),
		pending:    make(map[string]chan *wire.Envelope),
	}
}

// Connect opens the transport and runs the auth handshake. With reconnection
// enabled (the default), a failed open or a retriable auth rejection leaves
// the session degraded and recovering in the background, and Connect returns
// nil; only permanent failures are returned, after driving the session to
// Closed.
func (s *Session) Connect(ctx context.Context) error {
	s.mu.Lock()
	switch s.state {
	case StateIdle:
	case StateClosed:
		s.mu.Unlock()
		return ErrClosed
	default:
		s.mu.Unlock()
		return ErrAlreadyConnected
	}
	s.state = StateConnecting
	s.mu.Unlock()

	s.wg.Add(1)
	go s.dispatchLoop()

	tr, err := s.dial(ctx)
	if err != nil {
		if s.cfg.DisableReconnect {
			s.shutdown(err)
			return err
		}
		s.logger.Warn("Initial connect failed, recovering in background", "error", err)
		s.toDegraded()
		return nil
	}

	if err := s.authenticate(tr); err != nil {
		var authErr *AuthError
		if errors.As(err, &authErr) && authErr.Permanent {
			s.shutdown(err)
			return err
		}
		if s.cfg.DisableReconnect || errors.Is(err, ErrClosed) {
			s.shutdown(err)
			return err
		}
		s.logger.Warn("Initial auth failed, recovering in background", "error", err)
		s.toDegraded()
		return nil
	}
	return nil
}

// dial opens one fresh transport, bumping the attempt counter.
func (s *Session) dial(ctx context.Context) (transport.Transport, error) {
	s.attempts.Add(1)
	dialCtx, cancel := context.WithTimeout(ctx, s.cfg.DialTimeout)
	defer cancel()
	return s.cfg.Dialer.Dial(dialCtx, s.addr)
}

// authenticate runs the handshake on a freshly opened transport: send the
// auth envelope (connection code first time, reconnection token after) and
// wait for the server's acknowledgement. On success the session is promoted
// to Ready and owns tr; on any failure tr is closed before returning.
func (s *Session) authenticate(tr transport.Transport) error {
	s.setState(StateAuthenticating)

	s.mu.Lock()
	token := s.token
	s.mu.Unlock()

	var req *wire.Envelope
	if token != "" {
		req = wire.NewReconnectRequest(token, s.identity.AgentID)
	} else {
		req = wire.NewAuthRequest(s.identity.ConnectionCode, s.identity.AgentID, s.identity.ClientName)
	}
	data, err := wire.Encode(req)
	if err != nil {
		tr.Close()
		return err
	}

	writeCtx, cancel := context.WithTimeout(s.ctx, s.cfg.AuthTimeout)
	err = tr.Send(writeCtx, data)
	cancel()
	if err != nil {
		tr.Close()
		return &AuthError{Reason: "sending auth request", Err: err}
	}

	timer := time.NewTimer(s.cfg.AuthTimeout)
	defer timer.Stop()

	for {
		select {
		case frame, ok := <-tr.Frames():
			if !ok || frame.Err != nil {
				tr.Close()
				return &AuthError{Reason: "connection lost during handshake", Err: frame.Err}
			}
			env, err := wire.Decode(frame.Data)
			if err != nil {
				s.logger.Warn("Dropping undecodable envelope during auth", "error", err)
				continue
			}
			switch env.Kind() {
			case wire.KindAuthAck:
				s.mu.Lock()
				s.token = env.Token
				s.mu.Unlock()
				if !s.promote(tr) {
					tr.Close()
					return ErrClosed
				}
				// Hand the ack to handlers too: the agent layer derives
				// its media and contacts clients from the token.
				s.enqueue(env)
				return nil
			case wire.KindPullThePlug:
				tr.Close()
				return &AuthError{Reason: "server ordered close", Permanent: true}
			case wire.KindSystemError:
				tr.Close()
				return &AuthError{Reason: env.Text, Permanent: env.PermanentReason()}
			default:
				// Traffic arriving before Ready is discarded rather than
				// buffered; the server resends anything that matters once
				// the agent is authenticated.
				s.logger.Debug("Discarding pre-ready envelope", "kind", env.Kind().String())
			}
		case <-timer.C:
			tr.Close()
			return &AuthError{Reason: "timeout waiting for acknowledgement"}
		case <-s.ctx.Done():
			tr.Close()
			return ErrClosed
		}
	}
}

// promote installs tr as the current transport and enters Ready. The swap
// happens under the same lock that sends snapshot the transport through, so
// no send ever targets a stale connection. A session that already reached
// Closed refuses the promotion: an auth ack racing Close must not resurrect
// the session or install a transport shutdown can no longer reach.
func (s *Session) promote(tr transport.Transport) bool {
	connCtx, connCancel := context.WithCancel(s.ctx)

	s.mu.Lock()
	if s.state == StateClosed {
		s.mu.Unlock()
		connCancel()
		return false
	}
	s.gen++
	gen := s.gen
	s.tr = tr
	s.connCancel = connCancel
	s.state = StateReady
	s.flushing = len(s.queue) > 0
	close(s.readyCh)
	s.mu.Unlock()

	s.touch()
	s.wg.Add(3)
	go s.readLoop(tr, gen)
	go s.watchdog(connCtx, gen)
	go s.flushQueue()

	s.logger.Info("Session ready", "agent_id", s.identity.AgentID, "attempts", s.attempts.Load())
	return true
}

// degrade takes the session out of Ready after a connection-level fault.
// Stale calls (an older transport's read loop or watchdog racing a swap)
// are ignored via the generation counter.
func (s *Session) degrade(gen uint64, cause error) {
	s.mu.Lock()
	if s.state != StateReady || gen != s.gen {
		s.mu.Unlock()
		return
	}
	s.state = StateDegraded
	s.readyCh = make(chan struct{})
	tr := s.tr
	s.tr = nil
	if s.connCancel != nil {
		s.connCancel()
		s.connCancel = nil
	}
	s.mu.Unlock()

	if tr != nil {
		tr.Close()
	}
	s.logger.Warn("Connection lost, session degraded", "cause", cause)

	if s.cfg.DisableReconnect {
		s.shutdown(cause)
		return
	}
	s.startSupervisor()
}

// readLoop consumes the transport's frame sequence until it ends. One
// envelope is decoded and routed at a time, preserving inbound order.
func (s *Session) readLoop(tr transport.Transport, gen uint64) {
	defer s.wg.Done()
	for frame := range tr.Frames() {
		if frame.Err != nil {
			s.degrade(gen, frame.Err)
			return
		}
		s.touch()
		env, err := wire.Decode(frame.Data)
		if err != nil {
			// Per-message fault: drop the offending envelope, keep the
			// connection up.
			s.logger.Warn("Dropping undecodable envelope", "error", err)
			continue
		}
		s.route(env)
	}
}

// watchdog degrades the session when the server goes silent for longer than
// the heartbeat interval. Any inbound envelope counts as activity, so a
// half-open connection is detected within 1.5x the interval.
func (s *Session) watchdog(ctx context.Context, gen uint64) {
	defer s.wg.Done()
	interval := s.cfg.HeartbeatInterval
	ticker := time.NewTicker(interval / 2)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			idle := time.Since(time.Unix(0, s.lastActivity.Load()))
			if idle > interval {
				s.degrade(gen, fmt.Errorf("no server activity for %v", idle.Round(time.Millisecond)))
				return
			}
		case <-ctx.Done():
			return
		}
	}
}

func (s *Session) touch() {
	s.lastActivity.Store(time.Now().UnixNano())
}

func (s *Session) setState(st State) {
	s.mu.Lock()
	if s.state != StateClosed {
		s.state = st
	}
	s.mu.Unlock()
}

// shutdown drives the session to Closed exactly once. cause becomes the
// terminal error every pending and future operation reports.
func (s *Session) shutdown(cause error) {
	s.closeOnce.Do(func() {
		s.mu.Lock()
		s.state = StateClosed
		s.terminalErr = cause
		tr := s.tr
		s.tr = nil
		if s.connCancel != nil {
			s.connCancel()
			s.connCancel = nil
		}
		s.queue = nil
		s.flushing = false
		s.mu.Unlock()

		s.cancel()
		if tr != nil {
			tr.Close()
		}

		s.pendingMu.Lock()
		clear(s.pending)
		s.pendingMu.Unlock()

		s.logger.Info("Session closed", "cause", cause)
		go func() {
			s.wg.Wait()
			close(s.done)
		}()
	})
}

// Close tears the session down: it cancels any scheduled reconnect, unblocks
// every outstanding SendRequest with ErrClosed, halts the read loop, and
// releases the transport. It does not return until all background activity
// has stopped. Close is idempotent.
func (s *Session) Close() error {
	s.shutdown(ErrClosed)
	<-s.done
	return nil
}

// Done is closed once the session is fully torn down.
func (s *Session) Done() <-chan struct{} { return s.done }

// State returns the current lifecycle state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Err returns the terminal error once the session is Closed, nil before.
func (s *Session) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.terminalErr
}

// Token returns the reconnection token issued by the server, empty until the
// first auth acknowledgement arrives.
func (s *Session) Token() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.token
}

// Stats returns a snapshot of the session's counters.
func (s *Session) Stats() Stats {
	s.mu.Lock()
	st := s.state
	s.mu.Unlock()
	return Stats{
		State:           st,
		ConnectAttempts: s.attempts.Load(),
		LastActivity:    time.Unix(0, s.lastActivity.Load()),
	}
}
