package store

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/rmedina/waflow/pkg/session"
)

// createTestStore creates an in-memory SQLite store for testing.
func createTestStore(t *testing.T) *GORMStore {
	t.Helper()
	st, err := New(&Config{
		Type: DatabaseTypeSQLite,
		SQLite: SQLiteConfig{
			Path: ":memory:",
		},
	}, nil)
	if err != nil {
		t.Fatalf("failed to create test store: %v", err)
	}
	t.Cleanup(func() { st.Close() })
	return st
}

func TestNew(t *testing.T) {
	t.Run("default config uses sqlite", func(t *testing.T) {
		config := &Config{}
		config.ApplyDefaults()

		if config.Type != DatabaseTypeSQLite {
			t.Errorf("expected SQLite, got %s", config.Type)
		}
		if config.Cache.MaxEntries != 1000 {
			t.Errorf("expected default cache size 1000, got %d", config.Cache.MaxEntries)
		}
	})

	t.Run("invalid config returns error", func(t *testing.T) {
		_, err := New(&Config{Type: "invalid"}, nil)
		if err == nil {
			t.Error("expected error for invalid config")
		}
	})
}

func TestLoadCreatesLazily(t *testing.T) {
	st := createTestStore(t)
	ctx := context.Background()

	sess, err := st.Load(ctx, "+5215512345678")
	if err != nil {
		t.Fatalf("failed to load session: %v", err)
	}
	if sess.State != session.StateInicio {
		t.Errorf("expected state INICIO, got %q", sess.State)
	}
	if sess.Version != 0 {
		t.Errorf("expected version 0, got %d", sess.Version)
	}
	if sess.TempData != "{}" {
		t.Errorf("expected empty temp data, got %q", sess.TempData)
	}
}

func TestCommit(t *testing.T) {
	st := createTestStore(t)
	ctx := context.Background()
	identity := "+5215500000001"

	sess, err := st.LoadFresh(ctx, identity)
	if err != nil {
		t.Fatalf("failed to load: %v", err)
	}

	t.Run("successful commit increments version", func(t *testing.T) {
		err := st.Commit(ctx, CommitRequest{
			Identity:        identity,
			NewState:        "CONSULTA_DOCUMENTOS",
			NewTempData:     map[string]any{"paso": 1},
			Origin:          "test",
			ExpectedVersion: sess.Version,
		})
		if err != nil {
			t.Fatalf("commit failed: %v", err)
		}

		fresh, err := st.LoadFresh(ctx, identity)
		if err != nil {
			t.Fatalf("reload failed: %v", err)
		}
		if fresh.Version != sess.Version+1 {
			t.Errorf("expected version %d, got %d", sess.Version+1, fresh.Version)
		}
		if fresh.State != "CONSULTA_DOCUMENTOS" {
			t.Errorf("expected new state, got %q", fresh.State)
		}
	})

	t.Run("stale version fails with ConcurrencyError", func(t *testing.T) {
		err := st.Commit(ctx, CommitRequest{
			Identity:        identity,
			NewState:        "OTRO_ESTADO",
			Origin:          "test",
			ExpectedVersion: 0, // already at 1
		})
		var ce *session.ConcurrencyError
		if !errors.As(err, &ce) {
			t.Fatalf("expected ConcurrencyError, got %v", err)
		}
		if ce.Identity != identity || ce.ExpectedVersion != 0 {
			t.Errorf("unexpected error details: %+v", ce)
		}

		fresh, _ := st.LoadFresh(ctx, identity)
		if fresh.State != "CONSULTA_DOCUMENTOS" {
			t.Errorf("failed commit must not change state, got %q", fresh.State)
		}
	})

	t.Run("terminal commit clears scratchpad", func(t *testing.T) {
		fresh, _ := st.LoadFresh(ctx, identity)
		equipo := "eq-123"
		err := st.Commit(ctx, CommitRequest{
			Identity:        identity,
			NewState:        session.StateFinalizado,
			NewTempData:     map[string]any{"left": "over"},
			EquipoID:        &equipo,
			Origin:          "test",
			ExpectedVersion: fresh.Version,
		})
		if err != nil {
			t.Fatalf("commit failed: %v", err)
		}

		final, _ := st.LoadFresh(ctx, identity)
		if final.TempData != "{}" {
			t.Errorf("terminal state must clear temp data, got %q", final.TempData)
		}
		if final.EquipoID != nil {
			t.Errorf("terminal state must clear equipo id, got %v", *final.EquipoID)
		}
	})
}

func TestConcurrentCommitExactlyOneWins(t *testing.T) {
	st := createTestStore(t)
	ctx := context.Background()
	identity := "+5215500000002"

	sess, err := st.LoadFresh(ctx, identity)
	if err != nil {
		t.Fatalf("failed to load: %v", err)
	}

	const writers = 8
	var wg sync.WaitGroup
	results := make([]error, writers)

	for i := range writers {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			results[n] = st.Commit(ctx, CommitRequest{
				Identity:        identity,
				NewState:        "REPORTE_CAPTURA",
				Origin:          "test",
				ExpectedVersion: sess.Version,
			})
		}(i)
	}
	wg.Wait()

	var wins, conflicts int
	for _, err := range results {
		switch {
		case err == nil:
			wins++
		case session.IsConcurrencyError(err):
			conflicts++
		default:
			t.Fatalf("unexpected error: %v", err)
		}
	}
	if wins != 1 {
		t.Errorf("expected exactly one winner, got %d", wins)
	}
	if conflicts != writers-1 {
		t.Errorf("expected %d conflicts, got %d", writers-1, conflicts)
	}

	fresh, _ := st.LoadFresh(ctx, identity)
	if fresh.Version != sess.Version+1 {
		t.Errorf("expected version %d after one win, got %d", sess.Version+1, fresh.Version)
	}
}

func TestClaimMessage(t *testing.T) {
	st := createTestStore(t)
	ctx := context.Background()

	t.Run("first claim wins", func(t *testing.T) {
		res, err := st.ClaimMessage(ctx, "wamid.m1", "+52155")
		if err != nil {
			t.Fatalf("claim failed: %v", err)
		}
		if res.IsDuplicate {
			t.Error("first claim must not be a duplicate")
		}
	})

	t.Run("second claim reports duplicate with retry count", func(t *testing.T) {
		res, err := st.ClaimMessage(ctx, "wamid.m1", "+52155")
		if err != nil {
			t.Fatalf("claim failed: %v", err)
		}
		if !res.IsDuplicate {
			t.Error("second claim must be a duplicate")
		}
		if res.RetryCount != 1 {
			t.Errorf("expected retry count 1, got %d", res.RetryCount)
		}

		res, _ = st.ClaimMessage(ctx, "wamid.m1", "+52155")
		if res.RetryCount != 2 {
			t.Errorf("expected retry count 2, got %d", res.RetryCount)
		}
	})

	t.Run("prune removes old records", func(t *testing.T) {
		// Backdate the record past the retention window.
		err := st.DB().Model(&session.ProcessedMessage{}).
			Where("message_id = ?", "wamid.m1").
			Update("received_at", time.Now().UTC().Add(-48*time.Hour)).Error
		if err != nil {
			t.Fatalf("backdate failed: %v", err)
		}

		n, err := st.PruneProcessedMessages(ctx, 24*time.Hour)
		if err != nil {
			t.Fatalf("prune failed: %v", err)
		}
		if n != 1 {
			t.Errorf("expected 1 pruned row, got %d", n)
		}

		res, _ := st.ClaimMessage(ctx, "wamid.m1", "+52155")
		if res.IsDuplicate {
			t.Error("claim after prune should win again")
		}
	})
}

func TestClaimMessageLocalFallbackWhenStoreDown(t *testing.T) {
	st := createTestStore(t)
	ctx := context.Background()

	if res, err := st.ClaimMessage(ctx, "wamid.up", "+5215500000009"); err != nil || res.IsDuplicate {
		t.Fatalf("first claim failed: res=%+v err=%v", res, err)
	}

	// Take the database away; redeliveries must still be recognized.
	if err := st.Close(); err != nil {
		t.Fatalf("close failed: %v", err)
	}

	res, err := st.ClaimMessage(ctx, "wamid.up", "+5215500000009")
	if err != nil {
		t.Fatalf("expected local duplicate, got error: %v", err)
	}
	if !res.IsDuplicate {
		t.Error("redelivery during outage must be reported as duplicate")
	}

	// An unseen id still errors (the payload parks once), but its second
	// delivery is a duplicate.
	if _, err := st.ClaimMessage(ctx, "wamid.new", "+5215500000009"); err == nil {
		t.Error("expected error for unseen id while store is down")
	}
	res, err = st.ClaimMessage(ctx, "wamid.new", "+5215500000009")
	if err != nil || !res.IsDuplicate {
		t.Errorf("expected second delivery to dedup locally, got res=%+v err=%v", res, err)
	}
}

func TestDedupFallbackBatchEviction(t *testing.T) {
	f := newDedupFallback(8)
	for i := 0; i < 8; i++ {
		f.remember(fmt.Sprintf("wamid.%d", i))
	}
	f.remember("wamid.8")

	if f.contains("wamid.0") || f.contains("wamid.1") {
		t.Error("expected the oldest batch to be evicted")
	}
	if !f.contains("wamid.2") || !f.contains("wamid.8") {
		t.Error("expected newer ids to survive eviction")
	}
}

func TestTouchActivityClearsWarning(t *testing.T) {
	st := createTestStore(t)
	ctx := context.Background()
	identity := "+5215500000003"

	if _, err := st.LoadFresh(ctx, identity); err != nil {
		t.Fatalf("load failed: %v", err)
	}
	if err := st.MarkWarningSent(ctx, identity); err != nil {
		t.Fatalf("mark warning failed: %v", err)
	}

	sess, _ := st.LoadFresh(ctx, identity)
	if !sess.WarningSent {
		t.Fatal("expected warning flag set")
	}

	if err := st.TouchActivity(ctx, identity); err != nil {
		t.Fatalf("touch failed: %v", err)
	}

	sess, _ = st.LoadFresh(ctx, identity)
	if sess.WarningSent {
		t.Error("touch must clear the warning flag")
	}
}

func TestReaperQueries(t *testing.T) {
	st := createTestStore(t)
	ctx := context.Background()

	mkSession := func(identity, state string, idle time.Duration, warned bool) {
		t.Helper()
		if _, err := st.LoadFresh(ctx, identity); err != nil {
			t.Fatalf("load failed: %v", err)
		}
		updates := map[string]any{
			"state":            state,
			"last_activity_at": time.Now().UTC().Add(-idle),
			"warning_sent":     warned,
		}
		if err := st.DB().Model(&session.Session{}).Where("identity = ?", identity).Updates(updates).Error; err != nil {
			t.Fatalf("setup failed: %v", err)
		}
		st.InvalidateCache(identity)
	}

	mkSession("+521-active", "ENCUESTA_P1", 5*time.Minute, false)
	mkSession("+521-idle", "ENCUESTA_P1", 26*time.Minute, false)
	mkSession("+521-warned", "ENCUESTA_P2", 31*time.Minute, true)
	mkSession("+521-terminal", session.StateFinalizado, 60*time.Minute, false)

	t.Run("needing warning excludes active and terminal", func(t *testing.T) {
		sessions, err := st.NeedingWarning(ctx, 25*time.Minute)
		if err != nil {
			t.Fatalf("query failed: %v", err)
		}
		if len(sessions) != 1 || sessions[0].Identity != "+521-idle" {
			t.Errorf("expected only +521-idle, got %d sessions", len(sessions))
		}
	})

	t.Run("needing close returns only warned", func(t *testing.T) {
		sessions, err := st.NeedingClose(ctx, 30*time.Minute)
		if err != nil {
			t.Fatalf("query failed: %v", err)
		}
		if len(sessions) != 1 || sessions[0].Identity != "+521-warned" {
			t.Errorf("expected only +521-warned, got %d sessions", len(sessions))
		}
	})

	t.Run("close by timeout resets and bumps version", func(t *testing.T) {
		before, _ := st.LoadFresh(ctx, "+521-warned")
		if err := st.CloseByTimeout(ctx, "+521-warned"); err != nil {
			t.Fatalf("close failed: %v", err)
		}
		after, _ := st.LoadFresh(ctx, "+521-warned")
		if after.State != session.StateInicio {
			t.Errorf("expected INICIO, got %q", after.State)
		}
		if after.Version != before.Version+1 {
			t.Errorf("expected version bump %d -> %d, got %d", before.Version, before.Version+1, after.Version)
		}
		if after.WarningSent {
			t.Error("close must clear the warning flag")
		}
	})
}

func TestDeadLetters(t *testing.T) {
	st := createTestStore(t)
	ctx := context.Background()

	id, err := st.InsertDeadLetter(ctx, `{"entry":[]}`, "handler timeout")
	if err != nil {
		t.Fatalf("insert failed: %v", err)
	}

	t.Run("get", func(t *testing.T) {
		dl, err := st.GetDeadLetter(ctx, id)
		if err != nil {
			t.Fatalf("get failed: %v", err)
		}
		if dl.Status != session.DeadLetterPending {
			t.Errorf("expected pending, got %q", dl.Status)
		}
		if dl.Error != "handler timeout" {
			t.Errorf("unexpected error text: %q", dl.Error)
		}
	})

	t.Run("list filters by status", func(t *testing.T) {
		letters, err := st.ListDeadLetters(ctx, session.DeadLetterPending, 10)
		if err != nil {
			t.Fatalf("list failed: %v", err)
		}
		if len(letters) != 1 {
			t.Errorf("expected 1 pending letter, got %d", len(letters))
		}
	})

	t.Run("mark and delete", func(t *testing.T) {
		if err := st.MarkDeadLetter(ctx, id, session.DeadLetterFailed); err != nil {
			t.Fatalf("mark failed: %v", err)
		}
		if err := st.DeleteDeadLetter(ctx, id); err != nil {
			t.Fatalf("delete failed: %v", err)
		}
		if err := st.DeleteDeadLetter(ctx, id); !errors.Is(err, session.ErrDeadLetterNotFound) {
			t.Errorf("expected not-found on second delete, got %v", err)
		}
	})
}

func TestCacheBehavior(t *testing.T) {
	st := createTestStore(t)
	ctx := context.Background()
	identity := "+5215500000004"

	first, err := st.Load(ctx, identity)
	if err != nil {
		t.Fatalf("load failed: %v", err)
	}

	// Mutating the returned snapshot must not leak into the cache.
	first.State = "MUTATED"
	again, _ := st.Load(ctx, identity)
	if again.State == "MUTATED" {
		t.Error("cache returned an aliased snapshot")
	}

	// A successful commit replaces the cached entry.
	if err := st.Commit(ctx, CommitRequest{
		Identity:        identity,
		NewState:        "ENCUESTA_P1",
		Origin:          "test",
		ExpectedVersion: 0,
	}); err != nil {
		t.Fatalf("commit failed: %v", err)
	}
	cached, _ := st.Load(ctx, identity)
	if cached.State != "ENCUESTA_P1" || cached.Version != 1 {
		t.Errorf("cache not refreshed after commit: %+v", cached)
	}
}

func TestCommitKeepsUntouchedFieldsInCache(t *testing.T) {
	st := createTestStore(t)
	ctx := context.Background()
	identity := "+5215500000005"

	if _, err := st.Load(ctx, identity); err != nil {
		t.Fatalf("load failed: %v", err)
	}
	if err := st.UpdateContactName(ctx, identity, "Rosa"); err != nil {
		t.Fatalf("update name failed: %v", err)
	}
	fresh, err := st.LoadFresh(ctx, identity)
	if err != nil {
		t.Fatalf("load failed: %v", err)
	}

	if err := st.Commit(ctx, CommitRequest{
		Identity:        identity,
		NewState:        "REPORTE_CAPTURA",
		Origin:          "test",
		ExpectedVersion: fresh.Version,
	}); err != nil {
		t.Fatalf("commit failed: %v", err)
	}

	// The cached snapshot must agree with the database row on fields the
	// commit never touches.
	cached, err := st.Load(ctx, identity)
	if err != nil {
		t.Fatalf("load failed: %v", err)
	}
	if cached.ContactName != "Rosa" {
		t.Errorf("commit dropped ContactName from the cache: %+v", cached)
	}
	if !cached.CreatedAt.Equal(fresh.CreatedAt) {
		t.Errorf("commit changed CreatedAt in the cache: %v vs %v", cached.CreatedAt, fresh.CreatedAt)
	}
}
