package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/rmedina/waflow/pkg/session"
)

// ============================================
// DEAD LETTER OPERATIONS
// ============================================

// InsertDeadLetter persists a failed inbound payload together with the
// error description and returns the generated row id.
func (s *GORMStore) InsertDeadLetter(ctx context.Context, payload, errMsg string) (string, error) {
	dl := session.DeadLetter{
		ID:      uuid.New().String(),
		Payload: payload,
		Error:   errMsg,
		Status:  session.DeadLetterPending,
	}
	if err := s.db.WithContext(ctx).Create(&dl).Error; err != nil {
		return "", fmt.Errorf("failed to insert dead letter: %w", err)
	}
	return dl.ID, nil
}

// GetDeadLetter returns one dead letter by id.
func (s *GORMStore) GetDeadLetter(ctx context.Context, id string) (*session.DeadLetter, error) {
	var dl session.DeadLetter
	if err := s.db.WithContext(ctx).Where("id = ?", id).First(&dl).Error; err != nil {
		return nil, convertNotFoundError(err, session.ErrDeadLetterNotFound)
	}
	return &dl, nil
}

// ListDeadLetters returns dead letters, newest first, optionally filtered
// by status. limit <= 0 means no limit.
func (s *GORMStore) ListDeadLetters(ctx context.Context, status string, limit int) ([]*session.DeadLetter, error) {
	q := s.db.WithContext(ctx).Order("created_at DESC")
	if status != "" {
		q = q.Where("status = ?", status)
	}
	if limit > 0 {
		q = q.Limit(limit)
	}
	var letters []*session.DeadLetter
	if err := q.Find(&letters).Error; err != nil {
		return nil, fmt.Errorf("failed to list dead letters: %w", err)
	}
	return letters, nil
}

// MarkDeadLetter updates the status of a dead letter.
func (s *GORMStore) MarkDeadLetter(ctx context.Context, id, status string) error {
	result := s.db.WithContext(ctx).
		Model(&session.DeadLetter{}).
		Where("id = ?", id).
		Update("status", status)
	if result.Error != nil {
		return fmt.Errorf("failed to mark dead letter %s: %w", id, result.Error)
	}
	if result.RowsAffected == 0 {
		return session.ErrDeadLetterNotFound
	}
	return nil
}

// DeleteDeadLetter removes a dead letter.
func (s *GORMStore) DeleteDeadLetter(ctx context.Context, id string) error {
	result := s.db.WithContext(ctx).Where("id = ?", id).Delete(&session.DeadLetter{})
	if result.Error != nil {
		return fmt.Errorf("failed to delete dead letter %s: %w", id, result.Error)
	}
	if result.RowsAffected == 0 {
		return session.ErrDeadLetterNotFound
	}
	return nil
}

// convertNotFoundError converts gorm.ErrRecordNotFound to the appropriate domain error.
func convertNotFoundError(err error, notFoundErr error) error {
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return notFoundErr
	}
	return err
}
