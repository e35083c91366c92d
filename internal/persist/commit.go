// Package persist applies job mutations durably, retrying transient commit
// failures and batching per-item patches.
package persist

import (
	"context"
	"fmt"
	"time"

	"comicgen/internal/domain"
	"comicgen/internal/infra"
	"comicgen/internal/retry"
)

// Committer runs units of work against a store under a retry policy.
type Committer struct {
	store  domain.JobStore
	policy retry.Policy
	logger infra.Logger
	sleep  retry.SleepFunc
}

// NewCommitter builds a Committer. A zero policy falls back to retry.CommitPolicy.
func NewCommitter(store domain.JobStore, policy retry.Policy, logger infra.Logger) *Committer {
	if policy.Attempts <= 0 {
		policy = retry.CommitPolicy
	}
	return &Committer{store: store, policy: policy, logger: logger, sleep: retry.Sleep}
}

// WithSleep swaps the backoff sleeper, mostly for tests.
func (c *Committer) WithSleep(fn retry.SleepFunc) *Committer {
	if fn != nil {
		c.sleep = fn
	}
	return c
}

// Store exposes the underlying store for reads.
func (c *Committer) Store() domain.JobStore {
	return c.store
}

// Commit opens a session, stages apply on it and commits. A transient
// failure at any point rolls the session back and replays apply on a fresh
// session, so apply must only stage operations.
func (c *Committer) Commit(ctx context.Context, apply func(context.Context, domain.Session) error) error {
	return retry.Do(ctx, c.policy, func(ctx context.Context) error {
		session, err := c.store.Begin(ctx)
		if err != nil {
			return fmt.Errorf("begin session: %w", err)
		}
		if err := apply(ctx, session); err != nil {
			c.rollback(ctx, session)
			return err
		}
		if err := session.Commit(ctx); err != nil {
			c.rollback(ctx, session)
			return fmt.Errorf("commit session: %w", err)
		}
		return nil
	}, retry.WithSleep(c.sleep), retry.OnRetry(func(attempt int, err error, delay time.Duration) {
		c.logger.Warn().Err(err).Int("attempt", attempt+1).Dur("backoff", delay).Msg("persist: transient commit failure, retrying")
	}))
}

// Retry runs a store call that does not need a session, such as an insert,
// under the same policy as Commit.
func (c *Committer) Retry(ctx context.Context, op func(context.Context) error) error {
	return retry.Do(ctx, c.policy, op, retry.WithSleep(c.sleep), retry.OnRetry(func(attempt int, err error, delay time.Duration) {
		c.logger.Warn().Err(err).Int("attempt", attempt+1).Dur("backoff", delay).Msg("persist: transient store failure, retrying")
	}))
}

func (c *Committer) rollback(ctx context.Context, session domain.Session) {
	// Must run even when ctx is already cancelled.
	rbCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	if err := session.Rollback(rbCtx); err != nil {
		c.logger.Debug().Err(err).Msg("persist: rollback failed")
	}
}

// CommitWithRetry runs a single unit of work under policy without keeping a
// Committer around.
func CommitWithRetry(ctx context.Context, store domain.JobStore, policy retry.Policy, logger infra.Logger, apply func(context.Context, domain.Session) error) error {
	return NewCommitter(store, policy, logger).Commit(ctx, apply)
}
