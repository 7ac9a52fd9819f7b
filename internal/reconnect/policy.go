// Package reconnect computes reconnection delays and enforces attempt ceilings.
package reconnect

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
)

var ErrExhausted = errors.New("reconnect attempts exhausted")

// Policy describes one session's reconnection shape. MaxAttempts == 0 means
// no ceiling.
type Policy struct {
	Base        time.Duration
	Max         time.Duration
	MaxAttempts int
	Fixed       bool
}

// Exponential doubles from base up to max, giving up after attempts tries.
func Exponential(base, max time.Duration, attempts int) Policy {
	return Policy{Base: base, Max: max, MaxAttempts: attempts}
}

// Constant waits delay between tries and never gives up.
func Constant(delay time.Duration) Policy {
	return Policy{Base: delay, Max: delay, Fixed: true}
}

func (p Policy) backOff() backoff.BackOff {
	var b backoff.BackOff
	if p.Fixed {
		b = backoff.NewConstantBackOff(p.Base)
	} else {
		eb := backoff.NewExponentialBackOff()
		eb.InitialInterval = p.Base
		eb.MaxInterval = p.Max
		eb.MaxElapsedTime = 0
		eb.RandomizationFactor = 0
		eb.Multiplier = 2.0
		eb.Reset()
		b = eb
	}
	if p.MaxAttempts > 0 {
		b = backoff.WithMaxRetries(b, uint64(p.MaxAttempts))
	}
	return b
}

// Retrier tracks attempts for one session. It is safe for concurrent use.
type Retrier struct {
	policy Policy

	mu       sync.Mutex
	b        backoff.BackOff
	attempts int
}

func NewRetrier(p Policy) *Retrier {
	return &Retrier{policy: p, b: p.backOff()}
}

func (r *Retrier) Policy() Policy { return r.policy }

// Next counts an attempt and returns the delay to wait before it.
func (r *Retrier) Next() (time.Duration, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	d := r.b.NextBackOff()
	if d == backoff.Stop {
		return 0, ErrExhausted
	}
	r.attempts++
	return d, nil
}

// Reset zeroes the attempt counter; called on connect and manual disconnect.
func (r *Retrier) Reset() {
	r.mu.Lock()
	r.b.Reset()
	r.attempts = 0
	r.mu.Unlock()
}

func (r *Retrier) Attempts() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.attempts
}

// Wait sleeps for the next delay. It returns the attempt number, ErrExhausted
// past the ceiling, or ctx.Err() if ctx ends first.
func (r *Retrier) Wait(ctx context.Context) (int, error) {
	d, err := r.Next()
	if err != nil {
		return r.Attempts(), err
	}
	attempt := r.Attempts()
	if err := Sleep(ctx, d); err != nil {
		return attempt, err
	}
	return attempt, nil
}

// Sleep waits d or until ctx is done.
func Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
