// Package store persists sessions, processed-message records, and dead
// letters. It enforces the optimistic-lock commit protocol and fronts reads
// with a bounded TTL cache.
package store

import (
	"context"
	"time"

	"github.com/rmedina/waflow/pkg/session"
)

// CommitRequest describes one compare-and-set state transition.
//
// Origin and Reason are audit fields (which subsystem committed and why);
// they are logged, not persisted. ReportID threads an external report
// reference for flows that file one.
type CommitRequest struct {
	Identity        string
	NewState        string
	NewTempData     map[string]any
	EquipoID        *string
	Origin          string
	Reason          string
	ReportID        *string
	ExpectedVersion int64
}

// Store is the session persistence contract.
//
// Load may serve a cached snapshot and is suitable for read-mostly paths.
// Any commit must be preceded by LoadFresh within the retry loop, so the
// expected version is never taken from a stale cache entry.
type Store interface {
	// Load returns the session for identity, creating it lazily in state
	// INICIO on first contact. May return a cached copy.
	Load(ctx context.Context, identity string) (*session.Session, error)

	// LoadFresh bypasses the cache, refreshes it, and returns the current
	// persisted session. Required before any version-dependent commit.
	LoadFresh(ctx context.Context, identity string) (*session.Session, error)

	// Commit atomically applies the transition when the stored version
	// still equals ExpectedVersion, incrementing the version by one.
	// Returns *session.ConcurrencyError on a version mismatch.
	Commit(ctx context.Context, req CommitRequest) error

	// TouchActivity updates LastActivityAt and clears the timeout warning
	// flag. No version check; any user event counts as activity.
	TouchActivity(ctx context.Context, identity string) error

	// UpdateContactName records the provider profile name. Fire-and-forget
	// semantics; no version check.
	UpdateContactName(ctx context.Context, identity, name string) error

	// ClaimMessage atomically claims an inbound message id. The first
	// caller wins; later callers observe a duplicate with the retry count.
	ClaimMessage(ctx context.Context, messageID, identity string) (session.ClaimResult, error)

	// InvalidateCache drops the cached entry for identity, or every entry
	// when identity is empty.
	InvalidateCache(identity string)

	// NeedingWarning returns non-terminal sessions idle at least the given
	// duration that have not been warned yet.
	NeedingWarning(ctx context.Context, idle time.Duration) ([]*session.Session, error)

	// NeedingClose returns warned sessions idle at least the given duration.
	NeedingClose(ctx context.Context, idle time.Duration) ([]*session.Session, error)

	// MarkWarningSent flags the session as warned. No version check.
	MarkWarningSent(ctx context.Context, identity string) error

	// CloseByTimeout resets the session to INICIO, clearing scratchpad and
	// warning state. Bumps the version so in-flight commits lose.
	CloseByTimeout(ctx context.Context, identity string) error

	// InsertDeadLetter persists a failed inbound payload and returns the row id.
	InsertDeadLetter(ctx context.Context, payload, errMsg string) (string, error)
	GetDeadLetter(ctx context.Context, id string) (*session.DeadLetter, error)
	ListDeadLetters(ctx context.Context, status string, limit int) ([]*session.DeadLetter, error)
	MarkDeadLetter(ctx context.Context, id, status string) error
	DeleteDeadLetter(ctx context.Context, id string) error

	// PruneProcessedMessages deletes dedup records older than the retention
	// window. Returns the number of rows removed.
	PruneProcessedMessages(ctx context.Context, retention time.Duration) (int64, error)

	// Healthcheck verifies database connectivity.
	Healthcheck(ctx context.Context) error

	Close() error
}

// Observer receives store-level signals for metrics. All methods must be
// cheap; a nil Observer disables observation entirely.
type Observer interface {
	SessionCacheAccess(hit bool)
	VersionConflict(origin string)
}
