package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/rmedina/waflow/internal/logger"
	"github.com/rmedina/waflow/pkg/session"
)

// ============================================
// SESSION OPERATIONS
// ============================================

// Load returns the session for identity, creating it lazily on first
// contact. Cached snapshots may be up to the cache TTL stale; commit paths
// must use LoadFresh instead.
func (s *GORMStore) Load(ctx context.Context, identity string) (*session.Session, error) {
	if cached, ok := s.cache.get(identity); ok {
		s.observeCache(true)
		return cached, nil
	}
	s.observeCache(false)
	return s.LoadFresh(ctx, identity)
}

// LoadFresh bypasses the cache and returns the persisted session, creating
// it in state INICIO with version 0 when the identity is new. The cache
// entry is replaced with the fresh snapshot.
func (s *GORMStore) LoadFresh(ctx context.Context, identity string) (*session.Session, error) {
	var sess session.Session
	err := s.db.WithContext(ctx).Where("identity = ?", identity).First(&sess).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		sess = session.Session{
			Identity:       identity,
			State:          session.StateInicio,
			TempData:       "{}",
			LastActivityAt: time.Now().UTC(),
		}
		// Concurrent first contacts race on the insert; the loser re-reads.
		if createErr := s.db.WithContext(ctx).Clauses(clause.OnConflict{DoNothing: true}).Create(&sess).Error; createErr != nil {
			return nil, fmt.Errorf("failed to create session %s: %w", identity, createErr)
		}
		if err := s.db.WithContext(ctx).Where("identity = ?", identity).First(&sess).Error; err != nil {
			return nil, fmt.Errorf("failed to load session %s after create: %w", identity, err)
		}
	} else if err != nil {
		return nil, fmt.Errorf("failed to load session %s: %w", identity, err)
	}

	s.cache.put(&sess)
	return sess.Clone(), nil
}

// Commit applies a compare-and-set transition. The UPDATE is guarded on the
// expected version; zero affected rows means another writer got there first
// and the caller receives *session.ConcurrencyError with nothing changed.
//
// Entering a terminal state forcibly clears TempData and EquipoID, keeping
// the terminal-state invariant independent of what the handler passed.
func (s *GORMStore) Commit(ctx context.Context, req CommitRequest) error {
	next := session.Session{Identity: req.Identity, State: req.NewState}
	if err := next.SetData(req.NewTempData); err != nil {
		return err
	}

	equipoID := req.EquipoID
	if session.IsTerminal(req.NewState) {
		next.TempData = "{}"
		equipoID = nil
	}

	now := time.Now().UTC()
	updates := map[string]any{
		"state":            next.State,
		"temp_data":        next.TempData,
		"equipo_id":        equipoID,
		"version":          gorm.Expr("version + 1"),
		"last_activity_at": now,
		"warning_sent":     false,
		"warning_at":       nil,
	}

	result := s.db.WithContext(ctx).
		Model(&session.Session{}).
		Where("identity = ? AND version = ?", req.Identity, req.ExpectedVersion).
		Updates(updates)
	if result.Error != nil {
		return fmt.Errorf("failed to commit session %s: %w", req.Identity, result.Error)
	}

	if result.RowsAffected == 0 {
		// Either the row is missing or the version moved. Both surface as a
		// concurrency conflict; the fresh-read retry loop resolves which.
		s.cache.remove(req.Identity)
		if s.observer != nil {
			s.observer.VersionConflict(req.Origin)
		}
		return &session.ConcurrencyError{Identity: req.Identity, ExpectedVersion: req.ExpectedVersion}
	}

	// Refresh the cache from the snapshot it already holds so fields the
	// commit does not touch (ContactName, CreatedAt) survive. A snapshot at
	// any other version is stale in unknown ways; drop it instead.
	if cached, ok := s.cache.get(req.Identity); ok && cached.Version == req.ExpectedVersion {
		cached.State = next.State
		cached.TempData = next.TempData
		cached.EquipoID = equipoID
		cached.Version = req.ExpectedVersion + 1
		cached.LastActivityAt = now
		cached.WarningSent = false
		cached.WarningAt = nil
		s.cache.put(cached)
	} else {
		s.cache.remove(req.Identity)
	}

	logger.DebugCtx(ctx, "session committed",
		logger.Identity(req.Identity),
		logger.State(req.NewState),
		logger.Version(req.ExpectedVersion+1),
		logger.Origin(req.Origin),
		"reason", req.Reason,
	)
	return nil
}

// TouchActivity updates LastActivityAt and clears the warning flag without a
// version check. Any user-initiated event counts, regardless of whether the
// dispatch changed state.
func (s *GORMStore) TouchActivity(ctx context.Context, identity string) error {
	err := s.db.WithContext(ctx).
		Model(&session.Session{}).
		Where("identity = ?", identity).
		Updates(map[string]any{
			"last_activity_at": time.Now().UTC(),
			"warning_sent":     false,
			"warning_at":       nil,
		}).Error
	if err != nil {
		return fmt.Errorf("failed to touch session %s: %w", identity, err)
	}
	s.cache.remove(identity)
	return nil
}

// UpdateContactName records the provider profile display name.
func (s *GORMStore) UpdateContactName(ctx context.Context, identity, name string) error {
	if name == "" {
		return nil
	}
	err := s.db.WithContext(ctx).
		Model(&session.Session{}).
		Where("identity = ?", identity).
		Update("contact_name", name).Error
	if err != nil {
		return fmt.Errorf("failed to update contact name for %s: %w", identity, err)
	}
	s.cache.remove(identity)
	return nil
}

// InvalidateCache drops the cached entry for identity, or everything when
// identity is empty.
func (s *GORMStore) InvalidateCache(identity string) {
	if identity == "" {
		s.cache.purge()
		return
	}
	s.cache.remove(identity)
}

func (s *GORMStore) observeCache(hit bool) {
	if s.observer != nil {
		s.observer.SessionCacheAccess(hit)
	}
}

// ============================================
// MESSAGE DEDUPLICATION
// ============================================

// ClaimMessage atomically claims an inbound message id. The insert is the
// linearization point: exactly one caller sees IsDuplicate=false across all
// provider retries. Duplicate claims bump and report the retry count.
func (s *GORMStore) ClaimMessage(ctx context.Context, messageID, identity string) (session.ClaimResult, error) {
	record := session.ProcessedMessage{
		MessageID:  messageID,
		Identity:   identity,
		ReceivedAt: time.Now().UTC(),
	}

	err := s.db.WithContext(ctx).Create(&record).Error
	if err == nil {
		s.dedup.remember(messageID)
		return session.ClaimResult{}, nil
	}
	if !isUniqueConstraintError(err) {
		// The store cannot answer. The bounded local set still knows the ids
		// this process claimed, so redeliveries during an outage are dropped
		// instead of parked again.
		if s.dedup.contains(messageID) {
			logger.WarnCtx(ctx, "dedup store unavailable, duplicate recognized locally",
				logger.Err(err),
			)
			return session.ClaimResult{IsDuplicate: true}, nil
		}
		s.dedup.remember(messageID)
		return session.ClaimResult{}, fmt.Errorf("failed to claim message %s: %w", messageID, err)
	}

	var existing session.ProcessedMessage
	txErr := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Model(&session.ProcessedMessage{}).
			Where("message_id = ?", messageID).
			Update("retry_count", gorm.Expr("retry_count + 1")).Error; err != nil {
			return err
		}
		return tx.Where("message_id = ?", messageID).First(&existing).Error
	})
	if txErr != nil {
		return session.ClaimResult{}, fmt.Errorf("failed to record duplicate of %s: %w", messageID, txErr)
	}

	return session.ClaimResult{IsDuplicate: true, RetryCount: existing.RetryCount}, nil
}

// PruneProcessedMessages deletes dedup records older than the retention
// window. Called periodically; retention must exceed the provider's retry
// horizon or retried deliveries would be processed twice.
func (s *GORMStore) PruneProcessedMessages(ctx context.Context, retention time.Duration) (int64, error) {
	cutoff := time.Now().UTC().Add(-retention)
	result := s.db.WithContext(ctx).
		Where("received_at < ?", cutoff).
		Delete(&session.ProcessedMessage{})
	if result.Error != nil {
		return 0, fmt.Errorf("failed to prune processed messages: %w", result.Error)
	}
	return result.RowsAffected, nil
}

// ============================================
// TIMEOUT REAPER QUERIES
// ============================================

// NeedingWarning returns active (non-terminal) sessions idle at least the
// given duration that have not been warned yet.
func (s *GORMStore) NeedingWarning(ctx context.Context, idle time.Duration) ([]*session.Session, error) {
	cutoff := time.Now().UTC().Add(-idle)
	var sessions []*session.Session
	err := s.db.WithContext(ctx).
		Where("warning_sent = ? AND last_activity_at <= ? AND state NOT IN ?",
			false, cutoff, []string{session.StateInicio, session.StateCancelado, session.StateFinalizado}).
		Find(&sessions).Error
	if err != nil {
		return nil, fmt.Errorf("failed to query sessions needing warning: %w", err)
	}
	return sessions, nil
}

// NeedingClose returns warned sessions idle at least the given duration.
func (s *GORMStore) NeedingClose(ctx context.Context, idle time.Duration) ([]*session.Session, error) {
	cutoff := time.Now().UTC().Add(-idle)
	var sessions []*session.Session
	err := s.db.WithContext(ctx).
		Where("warning_sent = ? AND last_activity_at <= ?", true, cutoff).
		Find(&sessions).Error
	if err != nil {
		return nil, fmt.Errorf("failed to query sessions needing close: %w", err)
	}
	return sessions, nil
}

// MarkWarningSent flags the session as warned. Intentionally no version
// check: the warning races with user activity, and TouchActivity clearing
// the flag is the tiebreaker.
func (s *GORMStore) MarkWarningSent(ctx context.Context, identity string) error {
	now := time.Now().UTC()
	err := s.db.WithContext(ctx).
		Model(&session.Session{}).
		Where("identity = ?", identity).
		Updates(map[string]any{
			"warning_sent": true,
			"warning_at":   now,
		}).Error
	if err != nil {
		return fmt.Errorf("failed to mark warning for %s: %w", identity, err)
	}
	s.cache.remove(identity)
	return nil
}

// CloseByTimeout resets an abandoned session to INICIO. The version is
// bumped so any in-flight handler commit against the old version loses.
func (s *GORMStore) CloseByTimeout(ctx context.Context, identity string) error {
	err := s.db.WithContext(ctx).
		Model(&session.Session{}).
		Where("identity = ?", identity).
		Updates(map[string]any{
			"state":        session.StateInicio,
			"temp_data":    "{}",
			"equipo_id":    nil,
			"warning_sent": false,
			"warning_at":   nil,
			"version":      gorm.Expr("version + 1"),
		}).Error
	if err != nil {
		return fmt.Errorf("failed to close session %s by timeout: %w", identity, err)
	}
	s.cache.remove(identity)
	return nil
}
