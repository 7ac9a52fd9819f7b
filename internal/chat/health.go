package chat

import (
	"context"
	"errors"
	"time"

	"github.com/horizon-agent/internal/event"
	"github.com/horizon-agent/internal/reconnect"
)

const healthCheckTimeout = 30 * time.Second

func (s *Session) healthLoop(ctx context.Context) {
	defer s.wg.Done()

	t := time.NewTicker(s.cfg.HealthInterval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
		}

		err := s.checkHealth(ctx)
		if err == nil {
			continue
		}
		if ctx.Err() != nil {
			return
		}
		s.log.Warn("health check failed: %v", err)
		if !s.recover(ctx) {
			return
		}
	}
}

func (s *Session) checkHealth(ctx context.Context) error {
	s.mu.Lock()
	p := s.provider
	s.mu.Unlock()
	if p == nil {
		return ErrNotConnected
	}
	ctx, cancel := context.WithTimeout(ctx, healthCheckTimeout)
	defer cancel()
	return p.Validate(ctx)
}

// recover re-validates with backoff until it succeeds, the ceiling is hit or
// ctx ends. It reports whether the session is healthy again.
func (s *Session) recover(ctx context.Context) bool {
	for {
		attempt, err := s.retrier.Wait(ctx)
		if errors.Is(err, reconnect.ErrExhausted) {
			s.giveUp()
			return false
		}
		if err != nil {
			return false
		}

		s.connectMu.Lock()
		p, err := s.dial(ctx)
		if err == nil {
			s.mu.Lock()
			s.provider = p
			s.state = StateConnected
			s.mu.Unlock()
		}
		s.connectMu.Unlock()

		if err == nil {
			s.log.Info("reconnected after %d attempt(s)", attempt)
			s.retrier.Reset()
			return true
		}
		if ctx.Err() != nil {
			return false
		}
		s.log.Warn("reconnect attempt %d failed: %v", attempt, err)
	}
}

// giveUp parks the session until the next manual Connect.
func (s *Session) giveUp() {
	s.mu.Lock()
	wasUp := s.state != StateDisconnected
	s.state = StateDisconnected
	s.provider = nil
	s.maintain = false
	s.mu.Unlock()

	s.log.Error("giving up after %d reconnect attempts", s.retrier.Attempts())
	if wasUp {
		s.bus.Publish(event.ConnectionChanged, false)
	}
}
