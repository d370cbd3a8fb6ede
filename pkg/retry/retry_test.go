package retry

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/rmedina/waflow/pkg/session"
	"github.com/rmedina/waflow/pkg/session/store"
)

// fastOpts keeps test runtime negligible.
func fastOpts() Options {
	return Options{MaxAttempts: 3, BaseDelay: time.Millisecond, MaxDelay: 5 * time.Millisecond}
}

func TestDo(t *testing.T) {
	ctx := context.Background()

	t.Run("success on first attempt", func(t *testing.T) {
		calls := 0
		err := Do(ctx, func() error { calls++; return nil }, fastOpts())
		if err != nil || calls != 1 {
			t.Errorf("expected one call, got %d calls, err=%v", calls, err)
		}
	})

	t.Run("retries concurrency errors until success", func(t *testing.T) {
		calls := 0
		err := Do(ctx, func() error {
			calls++
			if calls < 3 {
				return &session.ConcurrencyError{Identity: "+52155", ExpectedVersion: 1}
			}
			return nil
		}, fastOpts())
		if err != nil {
			t.Fatalf("expected success, got %v", err)
		}
		if calls != 3 {
			t.Errorf("expected 3 calls, got %d", calls)
		}
	})

	t.Run("exhausted budget returns the last error", func(t *testing.T) {
		calls := 0
		conflict := &session.ConcurrencyError{Identity: "+52155", ExpectedVersion: 1}
		err := Do(ctx, func() error { calls++; return conflict }, fastOpts())
		if !session.IsConcurrencyError(err) {
			t.Fatalf("expected ConcurrencyError, got %v", err)
		}
		if calls != 3 {
			t.Errorf("expected 3 calls, got %d", calls)
		}
	})

	t.Run("non-retryable errors propagate immediately", func(t *testing.T) {
		calls := 0
		boom := errors.New("validation failed")
		err := Do(ctx, func() error { calls++; return boom }, fastOpts())
		if !errors.Is(err, boom) || calls != 1 {
			t.Errorf("expected immediate propagation, got %d calls, err=%v", calls, err)
		}
	})

	t.Run("OnRetry observes each failed attempt", func(t *testing.T) {
		var attempts []int
		opts := fastOpts()
		opts.OnRetry = func(attempt int, _ error) { attempts = append(attempts, attempt) }
		_ = Do(ctx, func() error {
			return &session.ConcurrencyError{Identity: "x", ExpectedVersion: 0}
		}, opts)
		if len(attempts) != 2 || attempts[0] != 1 || attempts[1] != 2 {
			t.Errorf("unexpected OnRetry calls: %v", attempts)
		}
	})

	t.Run("cancelled context stops the backoff wait", func(t *testing.T) {
		cctx, cancel := context.WithCancel(ctx)
		cancel()
		opts := fastOpts()
		opts.BaseDelay = time.Minute
		opts.MaxDelay = time.Minute
		err := Do(cctx, func() error {
			return &session.ConcurrencyError{Identity: "x", ExpectedVersion: 0}
		}, opts)
		if !errors.Is(err, context.Canceled) {
			t.Errorf("expected context.Canceled, got %v", err)
		}
	})
}

func TestBackoffShape(t *testing.T) {
	opts := Options{BaseDelay: 100 * time.Millisecond, MaxDelay: 400 * time.Millisecond}
	opts.ApplyDefaults()

	cases := []struct {
		attempt int
		min     time.Duration
		max     time.Duration
	}{
		{1, 100 * time.Millisecond, 120 * time.Millisecond},
		{2, 200 * time.Millisecond, 240 * time.Millisecond},
		{3, 400 * time.Millisecond, 480 * time.Millisecond},
		{4, 400 * time.Millisecond, 480 * time.Millisecond}, // capped
	}
	for _, tc := range cases {
		for i := 0; i < 20; i++ {
			d := backoff(tc.attempt, opts)
			if d < tc.min || d > tc.max {
				t.Fatalf("attempt %d: backoff %v outside [%v, %v]", tc.attempt, d, tc.min, tc.max)
			}
		}
	}
}

func TestWithSession(t *testing.T) {
	st, err := store.New(&store.Config{
		Type:   store.DatabaseTypeSQLite,
		SQLite: store.SQLiteConfig{Path: ":memory:"},
	}, nil)
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}
	defer st.Close()

	ctx := context.Background()
	identity := "+52199"
	if _, err := st.LoadFresh(ctx, identity); err != nil {
		t.Fatalf("setup failed: %v", err)
	}

	// First attempt loses to a competing writer; the retry sees the fresh
	// version and wins.
	raced := false
	err = WithSession(ctx, st, identity, func(sess *session.Session) error {
		if !raced {
			raced = true
			competitor, _ := st.LoadFresh(ctx, identity)
			if cerr := st.Commit(ctx, store.CommitRequest{
				Identity:        identity,
				NewState:        "REFRI_ESPERA_SAP",
				Origin:          "race",
				ExpectedVersion: competitor.Version,
			}); cerr != nil {
				return cerr
			}
		}
		return st.Commit(ctx, store.CommitRequest{
			Identity:        identity,
			NewState:        "REPORTE_CAPTURA",
			Origin:          "op",
			ExpectedVersion: sess.Version,
		})
	}, fastOpts())
	if err != nil {
		t.Fatalf("expected retry to win, got %v", err)
	}

	final, _ := st.LoadFresh(ctx, identity)
	if final.State != "REPORTE_CAPTURA" {
		t.Errorf("expected final state from the retried op, got %q", final.State)
	}
	if final.Version != 2 {
		t.Errorf("expected version 2 (race + retry), got %d", final.Version)
	}
}
