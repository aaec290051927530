package session

import (
	"errors"
	"fmt"
	"time"
)

// toDegraded marks the session degraded without a transport to tear down
// (the initial connect path) and starts the supervisor.
func (s *Session) toDegraded() {
	s.mu.Lock()
	if s.state == StateClosed {
		s.mu.Unlock()
		return
	}
	s.state = StateDegraded
	s.mu.Unlock()
	s.startSupervisor()
}

// startSupervisor launches the reconnect loop, at most one at a time.
func (s *Session) startSupervisor() {
	s.mu.Lock()
	if s.reconnecting || s.state == StateClosed {
		s.mu.Unlock()
		return
	}
	s.reconnecting = true
	s.mu.Unlock()

	s.wg.Add(1)
	go s.superviseReconnect()
}

// superviseReconnect retries until a replacement transport authenticates,
// the attempt budget is spent, the rejection turns permanent, or the session
// closes. Pending requests are left untouched throughout: their timers keep
// running, so an in-flight request rides out a short blip transparently.
func (s *Session) superviseReconnect() {
	defer s.wg.Done()
	defer func() {
		s.mu.Lock()
		s.reconnecting = false
		s.mu.Unlock()
	}()

	policy := s.cfg.backoffPolicy()
	var lastErr error

	for attempt := 0; ; attempt++ {
		if policy.Exhausted(attempt) {
			err := ErrRetriesExhausted
			if lastErr != nil {
				err = fmt.Errorf("%w: last error: %v", ErrRetriesExhausted, lastErr)
			}
			s.shutdown(err)
			return
		}

		delay := policy.Delay(attempt)
		s.logger.Info("Scheduling reconnect", "attempt", attempt+1, "delay", delay)
		timer := time.NewTimer(delay)
		select {
		case <-timer.C:
		case <-s.ctx.Done():
			timer.Stop()
			return
		}

		tr, err := s.dial(s.ctx)
		if err != nil {
			lastErr = err
			s.logger.Warn("Reconnect attempt failed", "attempt", attempt+1, "error", err)
			continue
		}

		if err := s.authenticate(tr); err != nil {
			if errors.Is(err, ErrClosed) {
				return
			}
			var authErr *AuthError
			if errors.As(err, &authErr) && authErr.Permanent {
				s.shutdown(err)
				return
			}
			lastErr = err
			s.logger.Warn("Re-authentication failed", "attempt", attempt+1, "error", err)
			continue
		}

		s.logger.Info("Session recovered", "attempt", attempt+1)
		return
	}
}
