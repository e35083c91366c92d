// Package retry runs operations that may fail transiently under a bounded
// exponential backoff schedule.
package retry

import (
	"context"
	"errors"
	"fmt"
	"time"

	"comicgen/internal/domain"
)

// ErrExhausted is returned once every attempt failed transiently. It wraps
// the last error seen.
var ErrExhausted = errors.New("retry attempts exhausted")

// Policy bounds a retry loop. Attempt k (0-based) that fails transiently is
// followed by a sleep of min(Base*2^k, Cap) when another attempt remains.
type Policy struct {
	Attempts int           `yaml:"attempts"`
	Base     time.Duration `yaml:"base"`
	Cap      time.Duration `yaml:"cap"`
}

// CommitPolicy is the default schedule for persistence commits.
var CommitPolicy = Policy{Attempts: 5, Base: time.Second, Cap: 30 * time.Second}

// ProviderPolicy is the default schedule for rate-limited provider calls.
var ProviderPolicy = Policy{Attempts: 3, Base: 2 * time.Second, Cap: 30 * time.Second}

// Delay returns the backoff applied after the given failed attempt.
func (p Policy) Delay(attempt int) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	if p.Base <= 0 {
		return 0
	}
	d := p.Base
	for i := 0; i < attempt; i++ {
		d *= 2
		if p.Cap > 0 && d >= p.Cap {
			return p.Cap
		}
	}
	if p.Cap > 0 && d > p.Cap {
		return p.Cap
	}
	return d
}

// Schedule lists every delay the policy can produce, in order.
func (p Policy) Schedule() []time.Duration {
	n := p.attempts()
	out := make([]time.Duration, 0, n)
	for i := 0; i < n; i++ {
		out = append(out, p.Delay(i))
	}
	return out
}

func (p Policy) attempts() int {
	if p.Attempts <= 0 {
		return 1
	}
	return p.Attempts
}

// SleepFunc blocks for d or until ctx is done.
type SleepFunc func(ctx context.Context, d time.Duration) error

type settings struct {
	transient func(error) bool
	onRetry   func(attempt int, err error, delay time.Duration)
	sleep     SleepFunc
}

// Option customizes a single Do call.
type Option func(*settings)

// WithClassifier replaces domain.IsTransient as the retry decision.
func WithClassifier(fn func(error) bool) Option {
	return func(s *settings) {
		if fn != nil {
			s.transient = fn
		}
	}
}

// OnRetry registers a hook that runs after a transient failure and before the
// backoff sleep. Rollback of local state belongs here.
func OnRetry(fn func(attempt int, err error, delay time.Duration)) Option {
	return func(s *settings) { s.onRetry = fn }
}

// WithSleep overrides how the executor waits between attempts.
func WithSleep(fn SleepFunc) Option {
	return func(s *settings) {
		if fn != nil {
			s.sleep = fn
		}
	}
}

// Do runs op until it succeeds, fails permanently, or the policy is spent.
func Do(ctx context.Context, p Policy, op func(ctx context.Context) error, opts ...Option) error {
	s := settings{transient: domain.IsTransient, sleep: Sleep}
	for _, opt := range opts {
		opt(&s)
	}

	attempts := p.attempts()
	var lastErr error
	for attempt := 0; attempt < attempts; attempt++ {
		if err := ctx.Err(); err != nil {
			if lastErr != nil {
				return fmt.Errorf("%w: %w", err, lastErr)
			}
			return err
		}
		lastErr = op(ctx)
		if lastErr == nil {
			return nil
		}
		if !s.transient(lastErr) {
			return lastErr
		}
		if attempt == attempts-1 {
			break
		}
		delay := p.Delay(attempt)
		if s.onRetry != nil {
			s.onRetry(attempt, lastErr, delay)
		}
		if err := s.sleep(ctx, delay); err != nil {
			return fmt.Errorf("%w: %w", err, lastErr)
		}
	}
	return fmt.Errorf("%w after %d attempts: %w", ErrExhausted, attempts, lastErr)
}

// Sleep waits for d honoring ctx cancellation.
func Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
