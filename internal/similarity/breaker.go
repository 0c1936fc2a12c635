package similarity

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/sony/gobreaker"
)

// Breaker states as reported by State.
const (
	StateClosed   = "closed"
	StateHalfOpen = "half-open"
	StateOpen     = "open"
)

// BreakerSettings configures a Breaker. Zero values take the defaults
// (3 consecutive failures, 30s cool-down).
type BreakerSettings struct {
	Name     string
	Failures int
	Cooldown time.Duration
	Logger   *slog.Logger

	// OnStateChange, when set, is called after every transition.
	OnStateChange func(name, from, to string)
}

// Breaker is a closed -> open -> half-open state machine around one backend.
// It opens after Failures consecutive errors, or immediately when a single
// call overruns its deadline. While open every call fails fast with
// ErrUnavailable until the cool-down elapses and one trial call is let through.
type Breaker struct {
	cb       *gobreaker.CircuitBreaker
	timedOut atomic.Bool
}

func NewBreaker(s BreakerSettings) *Breaker {
	if s.Failures <= 0 {
		s.Failures = 3
	}
	if s.Cooldown <= 0 {
		s.Cooldown = 30 * time.Second
	}
	if s.Logger == nil {
		s.Logger = slog.Default()
	}
	if s.Name == "" {
		s.Name = "similarity"
	}

	b := &Breaker{}
	failures := uint32(s.Failures)
	b.cb = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        s.Name,
		MaxRequests: 1,
		Timeout:     s.Cooldown,
		ReadyToTrip: func(c gobreaker.Counts) bool {
			return b.timedOut.Swap(false) || c.ConsecutiveFailures >= failures
		},
		IsSuccessful: func(err error) bool {
			// A caller walking away is not the backend's fault.
			return err == nil || errors.Is(err, context.Canceled)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			if to == gobreaker.StateOpen {
				b.timedOut.Store(false)
			}
			s.Logger.Warn("circuit breaker state change", "breaker", name, "from", from.String(), "to", to.String())
			if s.OnStateChange != nil {
				s.OnStateChange(name, from.String(), to.String())
			}
		},
	})
	return b
}

// Do runs fn with a deadline of timeout (when positive) through the breaker.
// Any failure, including the breaker refusing the call with
// gobreaker.ErrOpenState, is wrapped in ErrUnavailable.
func (b *Breaker) Do(ctx context.Context, timeout time.Duration, fn func(ctx context.Context) error) error {
	_, err := b.cb.Execute(func() (interface{}, error) {
		callCtx := ctx
		if timeout > 0 {
			var cancel context.CancelFunc
			callCtx, cancel = context.WithTimeout(ctx, timeout)
			defer cancel()
		}
		err := fn(callCtx)
		if err != nil && errors.Is(callCtx.Err(), context.DeadlineExceeded) {
			b.timedOut.Store(true)
			return nil, context.DeadlineExceeded
		}
		return nil, err
	})
	if err != nil {
		return fmt.Errorf("%w: %w", ErrUnavailable, err)
	}
	return nil
}

// State reports "closed", "half-open" or "open".
func (b *Breaker) State() string {
	return b.cb.State().String()
}
