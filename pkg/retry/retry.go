// Package retry wraps operations with capped exponential backoff and
// jitter. Its main customer is the optimistic-commit path: a version
// conflict is retried against a fresh session read until an attempt wins or
// the budget runs out.
package retry

import (
	"context"
	"math/rand"
	"time"

	"github.com/rmedina/waflow/internal/logger"
	"github.com/rmedina/waflow/pkg/session"
	"github.com/rmedina/waflow/pkg/session/store"
)

// Options controls the retry budget and backoff shape.
type Options struct {
	// MaxAttempts bounds total attempts, first try included. Default: 3.
	MaxAttempts int

	// BaseDelay seeds the exponential backoff. Default: 100ms.
	BaseDelay time.Duration

	// MaxDelay caps the backoff before jitter. Default: 2s.
	MaxDelay time.Duration

	// ShouldRetry decides which errors are worth another attempt. Default:
	// only *session.ConcurrencyError.
	ShouldRetry func(error) bool

	// OnRetry is called before each sleep with the attempt that just
	// failed. Optional.
	OnRetry func(attempt int, err error)
}

// ApplyDefaults fills in missing options with default values.
func (o *Options) ApplyDefaults() {
	if o.MaxAttempts == 0 {
		o.MaxAttempts = 3
	}
	if o.BaseDelay == 0 {
		o.BaseDelay = 100 * time.Millisecond
	}
	if o.MaxDelay == 0 {
		o.MaxDelay = 2 * time.Second
	}
	if o.ShouldRetry == nil {
		o.ShouldRetry = session.IsConcurrencyError
	}
}

// Do runs op up to MaxAttempts times. Errors rejected by ShouldRetry
// propagate immediately; the context cancels waits between attempts.
func Do(ctx context.Context, op func() error, opts Options) error {
	opts.ApplyDefaults()

	var err error
	for attempt := 1; attempt <= opts.MaxAttempts; attempt++ {
		err = op()
		if err == nil {
			return nil
		}
		if !opts.ShouldRetry(err) {
			return err
		}
		if attempt == opts.MaxAttempts {
			break
		}

		if opts.OnRetry != nil {
			opts.OnRetry(attempt, err)
		}
		logger.DebugCtx(ctx, "retrying after backoff",
			logger.Attempt(attempt),
			logger.MaxRetries(opts.MaxAttempts),
			logger.Err(err),
		)

		if werr := sleep(ctx, backoff(attempt, opts)); werr != nil {
			return werr
		}
	}
	return err
}

// WithSession runs op against a fresh session read per attempt, so a retry
// after a version conflict always sees the winner's state. Handlers invoked
// through this path must be replay-safe: side effects before the final
// commit can happen more than once.
func WithSession(ctx context.Context, st store.Store, identity string, op func(*session.Session) error, opts Options) error {
	return Do(ctx, func() error {
		fresh, err := st.LoadFresh(ctx, identity)
		if err != nil {
			return err
		}
		return op(fresh)
	}, opts)
}

// backoff computes baseDelay * 2^(attempt-1), capped, plus up to 20%
// additive jitter to spread competing retries.
func backoff(attempt int, opts Options) time.Duration {
	d := opts.BaseDelay << (attempt - 1)
	if d > opts.MaxDelay || d <= 0 {
		d = opts.MaxDelay
	}
	jitter := time.Duration(rand.Int63n(int64(d)/5 + 1))
	return d + jitter
}

func sleep(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
