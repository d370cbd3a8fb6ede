// Package session defines the persistent data model of the workflow engine:
// per-user sessions with optimistic-lock versions, the processed-message
// dedup records, and the dead-letter queue rows.
package session

import (
	"encoding/json"
	"fmt"
	"time"
)

// Terminal state codes. A session in a terminal state has no active flow;
// the commit that enters a terminal state clears TempData and EquipoID.
const (
	StateInicio     = "INICIO"
	StateCancelado  = "CANCELADO"
	StateFinalizado = "FINALIZADO"
)

// IsTerminal reports whether the state code is one of the terminal states.
func IsTerminal(state string) bool {
	return state == StateInicio || state == StateCancelado || state == StateFinalizado
}

// Session is the single persistent conversation record for one end-user
// identity (normalized E.164 phone number).
//
// State transitions happen only through the store's compare-and-set Commit:
// every successful commit increments Version by exactly one, and a commit
// whose expected version no longer matches fails with ConcurrencyError.
type Session struct {
	Identity       string     `gorm:"primaryKey;size:32" json:"identity"`
	State          string     `gorm:"not null;default:INICIO;size:64;index" json:"state"`
	TempData       string     `gorm:"type:text;not null;default:'{}'" json:"-"`
	EquipoID       *string    `gorm:"size:36" json:"equipo_id,omitempty"`
	ContactName    string     `gorm:"size:255" json:"contact_name,omitempty"`
	Version        int64      `gorm:"not null;default:0" json:"version"`
	LastActivityAt time.Time  `gorm:"index" json:"last_activity_at"`
	WarningSent    bool       `gorm:"not null;default:false" json:"warning_sent"`
	WarningAt      *time.Time `json:"warning_at,omitempty"`
	CreatedAt      time.Time  `gorm:"autoCreateTime" json:"created_at"`
}

// TableName returns the table name for Session.
func (Session) TableName() string {
	return "sessions"
}

// Data unmarshals the TempData scratchpad. An empty column yields an empty
// map, never nil.
func (s *Session) Data() (map[string]any, error) {
	data := make(map[string]any)
	if s.TempData == "" || s.TempData == "{}" {
		return data, nil
	}
	if err := json.Unmarshal([]byte(s.TempData), &data); err != nil {
		return nil, fmt.Errorf("session %s has malformed temp data: %w", s.Identity, err)
	}
	return data, nil
}

// SetData replaces the TempData scratchpad. A nil map clears it.
func (s *Session) SetData(data map[string]any) error {
	if len(data) == 0 {
		s.TempData = "{}"
		return nil
	}
	raw, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("failed to marshal temp data: %w", err)
	}
	s.TempData = string(raw)
	return nil
}

// Clone returns a deep copy. The store hands out clones so that callers
// mutating a snapshot cannot corrupt the cache entry.
func (s *Session) Clone() *Session {
	if s == nil {
		return nil
	}
	clone := *s
	if s.EquipoID != nil {
		id := *s.EquipoID
		clone.EquipoID = &id
	}
	if s.WarningAt != nil {
		at := *s.WarningAt
		clone.WarningAt = &at
	}
	return &clone
}

// IdleFor reports whether the session has been idle at least d, measured
// from LastActivityAt.
func (s *Session) IdleFor(d time.Duration) bool {
	return time.Since(s.LastActivityAt) >= d
}

// ProcessedMessage records an inbound provider message id that has been
// claimed. Uniqueness on MessageID is the at-most-once linearization point:
// the first writer wins, later deliveries observe a duplicate.
type ProcessedMessage struct {
	MessageID  string    `gorm:"primaryKey;size:128" json:"message_id"`
	Identity   string    `gorm:"size:32;index" json:"identity"`
	ReceivedAt time.Time `gorm:"index" json:"received_at"`
	RetryCount int       `gorm:"not null;default:0" json:"retry_count"`
}

// TableName returns the table name for ProcessedMessage.
func (ProcessedMessage) TableName() string {
	return "processed_messages"
}

// ClaimResult is the outcome of claiming a message id.
type ClaimResult struct {
	IsDuplicate bool
	RetryCount  int
}

// Dead-letter status values.
const (
	DeadLetterPending = "pending"
	DeadLetterFailed  = "failed"
)

// DeadLetter persists an inbound payload whose handler failed, together with
// the error description, so that operators can inspect and replay it.
type DeadLetter struct {
	ID        string    `gorm:"primaryKey;size:36" json:"id"`
	Payload   string    `gorm:"type:text;not null" json:"payload"`
	Error     string    `gorm:"type:text" json:"error"`
	Status    string    `gorm:"size:16;not null;default:pending;index" json:"status"`
	CreatedAt time.Time `gorm:"autoCreateTime;index" json:"created_at"`
}

// TableName returns the table name for DeadLetter.
func (DeadLetter) TableName() string {
	return "dead_letters"
}

// AllModels returns the models for schema migration.
func AllModels() []any {
	return []any{
		&Session{},
		&ProcessedMessage{},
		&DeadLetter{},
	}
}
