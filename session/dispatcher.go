package session

import (
	"context"
	"fmt"
	"time"

	"github.com/niopub/neosphere-go/wire"
)

// RegisterHandler binds a handler to an envelope kind. The last registration
// for a kind wins. A handler registered for wire.KindUnrecognized doubles as
// the catch-all for kinds with no handler of their own. Registration is safe
// while the session runs and survives reconnects.
func (s *Session) RegisterHandler(kind wire.Kind, h Handler) {
	s.handlersMu.Lock()
	s.handlers[kind] = h
	s.handlersMu.Unlock()
}

// route classifies one inbound envelope and either resolves a pending
// request, updates session state, or queues the envelope for the handler
// goroutine. Runs on the read loop; must not block on handler work.
func (s *Session) route(env *wire.Envelope) {
	switch env.Kind() {
	case wire.KindPullThePlug:
		s.logger.Info("Server ordered close")
		s.shutdown(ErrServerClosed)
	case wire.KindAuthAck:
		// Token refresh mid-session; keep it for the next reconnect.
		s.mu.Lock()
		s.token = env.Token
		s.mu.Unlock()
		s.enqueue(env)
	case wire.KindQueryResponse:
		if s.resolvePending(env) {
			return
		}
		// No pending request tracks this id; hand it to the handlers so
		// the agent layer can send the lost-query backoff signal.
		s.enqueue(env)
	case wire.KindKeepAlive:
		// Activity was already recorded by the read loop.
	default:
		s.enqueue(env)
	}
}

func (s *Session) resolvePending(env *wire.Envelope) bool {
	s.pendingMu.Lock()
	ch, ok := s.pending[env.QueryID]
	if ok {
		delete(s.pending, env.QueryID)
	}
	s.pendingMu.Unlock()
	if !ok {
		return false
	}
	ch <- env // buffered, never blocks
	return true
}

// enqueue hands an envelope to the dispatch goroutine. When the dispatch
// queue is full the read loop waits here for space, and that wait counts as
// connection activity: backpressure from a slow handler is not server
// silence, so the watchdog must not degrade a healthy connection over it.
func (s *Session) enqueue(env *wire.Envelope) {
	select {
	case s.dispatchCh <- env:
		return
	case <-s.ctx.Done():
		return
	default:
	}

	s.logger.Warn("Dispatch queue full, read loop waiting", "depth", cap(s.dispatchCh))
	ticker := time.NewTicker(s.cfg.HeartbeatInterval / 4)
	defer ticker.Stop()
	for {
		select {
		case s.dispatchCh <- env:
			return
		case <-s.ctx.Done():
			return
		case <-ticker.C:
			s.touch()
		}
	}
}

// dispatchLoop invokes handlers one envelope at a time, preserving the order
// received on the connection.
func (s *Session) dispatchLoop() {
	defer s.wg.Done()
	for {
		select {
		case env := <-s.dispatchCh:
			s.invoke(env)
		case <-s.ctx.Done():
			return
		}
	}
}

func (s *Session) invoke(env *wire.Envelope) {
	kind := env.Kind()
	s.handlersMu.RLock()
	h, ok := s.handlers[kind]
	if !ok {
		h, ok = s.handlers[wire.KindUnrecognized]
	}
	s.handlersMu.RUnlock()
	if !ok {
		s.logger.Debug("No handler for envelope", "kind", kind.String())
		return
	}
	h(env)
}

// Send transmits a fire-and-forget envelope. Outside Ready it fails fast
// with ErrNotReady, unless the queue policy is enabled, in which case the
// envelope joins the bounded replay queue and is sent, in order, once the
// session recovers. Envelopes accepted while a replay is still draining join
// behind it, so send order is preserved across the recovery.
func (s *Session) Send(ctx context.Context, env *wire.Envelope) error {
	data, err := wire.Encode(env)
	if err != nil {
		return err
	}

	s.mu.Lock()
	switch s.state {
	case StateClosed:
		s.mu.Unlock()
		return ErrClosed
	case StateReady:
		if s.cfg.SendQueue.Mode == Queue && (s.flushing || len(s.queue) > 0) {
			// Replay from the last recovery is still draining. Join the
			// back of the queue so envelopes leave in the order they were
			// accepted, not interleaved with the replay.
			defer s.mu.Unlock()
			if len(s.queue) >= s.cfg.SendQueue.QueueDepth {
				return ErrQueueFull
			}
			s.queue = append(s.queue, env)
			return nil
		}
		tr := s.tr
		s.mu.Unlock()
		if err := tr.Send(ctx, data); err != nil {
			// The read loop will degrade the session; the caller sees the
			// same not-ready error a racing send would.
			return fmt.Errorf("%w: write failed: %v", ErrNotReady, err)
		}
		return nil
	default:
		defer s.mu.Unlock()
		if s.cfg.SendQueue.Mode != Queue {
			return ErrNotReady
		}
		if len(s.queue) >= s.cfg.SendQueue.QueueDepth {
			return ErrQueueFull
		}
		s.queue = append(s.queue, env)
		return nil
	}
}

// flushQueue replays envelopes queued while degraded. Runs once per
// promotion; a write failure puts the envelope back for the next recovery.
// While the flushing flag is up, fresh sends append behind the replay
// instead of writing directly, so the connection order matches the order
// Send accepted the envelopes in.
func (s *Session) flushQueue() {
	defer s.wg.Done()
	for {
		s.mu.Lock()
		if s.state != StateReady {
			s.mu.Unlock()
			return
		}
		if len(s.queue) == 0 {
			s.flushing = false
			s.mu.Unlock()
			return
		}
		env := s.queue[0]
		s.queue = s.queue[1:]
		tr := s.tr
		s.mu.Unlock()

		data, err := wire.Encode(env)
		if err != nil {
			s.logger.Warn("Dropping unencodable queued envelope", "error", err)
			continue
		}
		if err := tr.Send(s.ctx, data); err != nil {
			s.mu.Lock()
			s.queue = append([]*wire.Envelope{env}, s.queue...)
			s.mu.Unlock()
			return
		}
	}
}

// SendRequest transmits a request-style envelope and suspends the caller
// until the correlated reply arrives, the timeout elapses, ctx is cancelled,
// or the session closes — whichever comes first. The pending entry is
// removed in every case. A request in flight across a short disconnect
// survives transparently: its timeout clock keeps running while the
// supervisor reconnects, so an expiry while degraded still reports
// ErrTimeout. An empty QueryID is filled with a fresh correlation id, unique
// for the session's lifetime.
func (s *Session) SendRequest(ctx context.Context, env *wire.Envelope, timeout time.Duration) (*wire.Envelope, error) {
	if timeout <= 0 {
		timeout = defaultRequestTimeout
	}

	req := *env
	if req.QueryID == "" {
		req.QueryID = fmt.Sprintf("%s-%d", s.identity.AgentID, s.nextQueryID.Add(1))
	}
	data, err := wire.Encode(&req)
	if err != nil {
		return nil, err
	}

	replyCh := make(chan *wire.Envelope, 1)
	s.pendingMu.Lock()
	if _, exists := s.pending[req.QueryID]; exists {
		s.pendingMu.Unlock()
		return nil, ErrDuplicateQueryID
	}
	s.pending[req.QueryID] = replyCh
	s.pendingMu.Unlock()
	defer func() {
		s.pendingMu.Lock()
		delete(s.pending, req.QueryID)
		s.pendingMu.Unlock()
	}()

	deadline := time.NewTimer(timeout)
	defer deadline.Stop()

	if err := s.writeWhenReady(ctx, deadline.C, data); err != nil {
		return nil, err
	}

	select {
	case reply := <-replyCh:
		if reply.IsErr {
			return nil, &RemoteError{From: reply.FromID, Text: reply.Text, Envelope: reply}
		}
		return reply, nil
	case <-deadline.C:
		return nil, ErrTimeout
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-s.ctx.Done():
		return nil, ErrClosed
	}
}

// writeWhenReady sends data on the current transport, waiting up to the
// queue timeout for the session to (re)enter Ready first.
func (s *Session) writeWhenReady(ctx context.Context, deadline <-chan time.Time, data []byte) error {
	queueTimer := time.NewTimer(s.cfg.SendQueue.QueueTimeout)
	defer queueTimer.Stop()

	for {
		s.mu.Lock()
		st := s.state
		tr := s.tr
		ready := s.readyCh
		s.mu.Unlock()

		switch st {
		case StateClosed:
			return ErrClosed
		case StateReady:
			err := tr.Send(ctx, data)
			if err == nil {
				return nil
			}
			// The transport died under us; the read loop will degrade the
			// session shortly. Back off briefly and wait for recovery.
			s.logger.Debug("Request write failed, awaiting recovery", "error", err)
			select {
			case <-time.After(10 * time.Millisecond):
			case <-deadline:
				return ErrTimeout
			case <-ctx.Done():
				return ctx.Err()
			case <-s.ctx.Done():
				return ErrClosed
			}
		default:
			select {
			case <-ready:
			case <-queueTimer.C:
				return ErrNotReady
			case <-deadline:
				return ErrTimeout
			case <-ctx.Done():
				return ctx.Err()
			case <-s.ctx.Done():
				return ErrClosed
			}
		}
	}
}
