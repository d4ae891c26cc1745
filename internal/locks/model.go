package locks

import (
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"
)

const maxIdentifierLength = 190

var (
	// ErrInvalidSectionID indicates an empty or oversized section identifier.
	ErrInvalidSectionID = errors.New("locks: invalid section id")
	// ErrInvalidDocumentID indicates an empty or oversized document identifier.
	ErrInvalidDocumentID = errors.New("locks: invalid document id")
	// ErrInvalidUserID indicates an empty or oversized user identifier.
	ErrInvalidUserID = errors.New("locks: invalid user id")
)

func normalizeIdentifier(raw string, sentinel error) (string, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return "", fmt.Errorf("%w: empty", sentinel)
	}
	if len(trimmed) > maxIdentifierLength {
		return "", fmt.Errorf("%w: exceeds %d characters", sentinel, maxIdentifierLength)
	}
	return trimmed, nil
}

// SectionLock is the persisted exclusive editing right on one section.
// ExpiresAtMs always equals LastHeartbeatAtMs plus the lease duration.
type SectionLock struct {
	SectionID         string `gorm:"column:section_id;primaryKey;size:190;not null" json:"section_id"`
	DocumentID        string `gorm:"column:document_id;size:190;not null;index:idx_section_locks_document" json:"document_id"`
	OwnerUserID       string `gorm:"column:owner_user_id;size:190;not null" json:"owner_user_id"`
	LockID            string `gorm:"column:lock_id;size:64;not null" json:"lock_id"`
	AcquiredAtMs      int64  `gorm:"column:acquired_at_ms;not null" json:"acquired_at_ms"`
	ExpiresAtMs       int64  `gorm:"column:expires_at_ms;not null;index:idx_section_locks_expiry" json:"expires_at_ms"`
	LastHeartbeatAtMs int64  `gorm:"column:last_heartbeat_at_ms;not null" json:"last_heartbeat_at_ms"`
}

// TableName provides the explicit table binding for GORM.
func (SectionLock) TableName() string {
	return "section_locks"
}

// ActiveAt reports whether the lease is still running at the given instant.
func (l SectionLock) ActiveAt(now time.Time) bool {
	return l.ExpiresAtMs > now.UnixMilli()
}

// AcquiredAt converts the acquisition timestamp.
func (l SectionLock) AcquiredAt() time.Time {
	return time.UnixMilli(l.AcquiredAtMs).UTC()
}

// ExpiresAt converts the expiry timestamp.
func (l SectionLock) ExpiresAt() time.Time {
	return time.UnixMilli(l.ExpiresAtMs).UTC()
}

// AcquireResult reports the outcome of an acquire attempt. A failed attempt
// names the current holder in LockedBy.
type AcquireResult struct {
	Success  bool         `json:"success"`
	Lock     *SectionLock `json:"lock,omitempty"`
	LockedBy string       `json:"locked_by,omitempty"`
}

// ReleaseResult reports whether a lock was removed.
type ReleaseResult struct {
	Released bool `json:"released"`
}

// HeartbeatResult reports whether the caller still owns the lease.
type HeartbeatResult struct {
	Success bool         `json:"success"`
	Lock    *SectionLock `json:"lock,omitempty"`
}

// Status is the read-only view of a section's lock with lazy expiry applied.
type Status struct {
	SectionID  string    `json:"section_id"`
	DocumentID string    `json:"document_id,omitempty"`
	IsLocked   bool      `json:"is_locked"`
	LockedBy   string    `json:"locked_by,omitempty"`
	LockID     string    `json:"lock_id,omitempty"`
	LockedAt   time.Time `json:"locked_at,omitempty"`
	ExpiresAt  time.Time `json:"expires_at,omitempty"`
}

// StatusFromLock builds a locked status from a lock row.
func StatusFromLock(lock SectionLock) Status {
	return Status{
		SectionID:  lock.SectionID,
		DocumentID: lock.DocumentID,
		IsLocked:   true,
		LockedBy:   lock.OwnerUserID,
		LockID:     lock.LockID,
		LockedAt:   lock.AcquiredAt(),
		ExpiresAt:  lock.ExpiresAt(),
	}
}

func sortLocksBySection(locks []SectionLock) {
	slices.SortFunc(locks, func(left, right SectionLock) int {
		return strings.Compare(left.SectionID, right.SectionID)
	})
}
