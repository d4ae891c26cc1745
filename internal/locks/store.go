package locks

import (
	"context"
	"errors"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

var errMissingDatabase = errors.New("locks: database handle is required")

// AcquireOutcome is what a store reports after a conditional acquire.
type AcquireOutcome struct {
	// Lock is the caller's lock on success or the current holder's lock on contention.
	Lock     SectionLock
	Acquired bool
	// Renewed is set when the caller already held an unexpired lease.
	Renewed bool
	// Replaced holds the expired lease of a different user that the acquire overwrote.
	Replaced *SectionLock
}

// Store persists section locks. Acquire must be an atomic check-and-set:
// it succeeds only when no unexpired lock of a different owner exists.
type Store interface {
	Acquire(ctx context.Context, candidate SectionLock) (AcquireOutcome, error)
	Heartbeat(ctx context.Context, sectionID, userID string, now time.Time, lease time.Duration) (SectionLock, bool, error)
	Release(ctx context.Context, sectionID, userID string) (SectionLock, bool, error)
	Get(ctx context.Context, sectionID string, now time.Time) (SectionLock, bool, error)
	ListActive(ctx context.Context, documentID string, now time.Time) ([]SectionLock, error)
	DeleteExpired(ctx context.Context, now time.Time) ([]SectionLock, error)
}

// GormStore keeps locks in the section_locks table of a SQLite or Postgres database.
type GormStore struct {
	db *gorm.DB
}

// NewGormStore constructs a database-backed store.
func NewGormStore(db *gorm.DB) (*GormStore, error) {
	if db == nil {
		return nil, errMissingDatabase
	}
	return &GormStore{db: db}, nil
}

// Acquire runs INSERT ... ON CONFLICT(section_id) DO UPDATE ... WHERE the
// existing row belongs to the caller or has expired. The candidate's
// LastHeartbeatAtMs is the acquisition instant.
func (s *GormStore) Acquire(ctx context.Context, candidate SectionLock) (AcquireOutcome, error) {
	var outcome AcquireOutcome
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var previous *SectionLock
		var existing SectionLock
		err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			Where("section_id = ?", candidate.SectionID).
			Take(&existing).Error
		switch {
		case errors.Is(err, gorm.ErrRecordNotFound):
		case err != nil:
			return err
		default:
			previous = &existing
		}

		insert := tx.Clauses(clause.OnConflict{
			Columns: []clause.Column{{Name: "section_id"}},
			DoUpdates: clause.Set{
				{Column: clause.Column{Name: "document_id"}, Value: gorm.Expr("excluded.document_id")},
				{Column: clause.Column{Name: "lock_id"}, Value: gorm.Expr(
					"CASE WHEN section_locks.owner_user_id = excluded.owner_user_id AND section_locks.expires_at_ms > excluded.last_heartbeat_at_ms THEN section_locks.lock_id ELSE excluded.lock_id END")},
				{Column: clause.Column{Name: "acquired_at_ms"}, Value: gorm.Expr(
					"CASE WHEN section_locks.owner_user_id = excluded.owner_user_id AND section_locks.expires_at_ms > excluded.last_heartbeat_at_ms THEN section_locks.acquired_at_ms ELSE excluded.acquired_at_ms END")},
				{Column: clause.Column{Name: "owner_user_id"}, Value: gorm.Expr("excluded.owner_user_id")},
				{Column: clause.Column{Name: "expires_at_ms"}, Value: gorm.Expr("excluded.expires_at_ms")},
				{Column: clause.Column{Name: "last_heartbeat_at_ms"}, Value: gorm.Expr("excluded.last_heartbeat_at_ms")},
			},
			Where: clause.Where{Exprs: []clause.Expression{
				gorm.Expr("section_locks.owner_user_id = excluded.owner_user_id OR section_locks.expires_at_ms <= excluded.last_heartbeat_at_ms"),
			}},
		}).Create(&candidate)
		if insert.Error != nil {
			return insert.Error
		}

		var current SectionLock
		if err := tx.Where("section_id = ?", candidate.SectionID).Take(&current).Error; err != nil {
			return err
		}
		outcome.Lock = current
		if insert.RowsAffected == 0 {
			return nil
		}
		outcome.Acquired = true
		if previous != nil {
			if previous.OwnerUserID == candidate.OwnerUserID && previous.ExpiresAtMs > candidate.LastHeartbeatAtMs {
				outcome.Renewed = true
			} else if previous.OwnerUserID != candidate.OwnerUserID {
				replaced := *previous
				outcome.Replaced = &replaced
			}
		}
		return nil
	})
	if err != nil {
		return AcquireOutcome{}, err
	}
	return outcome, nil
}

// Heartbeat extends the lease when the caller owns an unexpired lock.
func (s *GormStore) Heartbeat(ctx context.Context, sectionID, userID string, now time.Time, lease time.Duration) (SectionLock, bool, error) {
	nowMs := now.UnixMilli()
	update := s.db.WithContext(ctx).
		Model(&SectionLock{}).
		Where("section_id = ? AND owner_user_id = ? AND expires_at_ms > ?", sectionID, userID, nowMs).
		Updates(map[string]any{
			"last_heartbeat_at_ms": nowMs,
			"expires_at_ms":        nowMs + lease.Milliseconds(),
		})
	if update.Error != nil {
		return SectionLock{}, false, update.Error
	}
	if update.RowsAffected == 0 {
		return SectionLock{}, false, nil
	}
	var current SectionLock
	if err := s.db.WithContext(ctx).Where("section_id = ?", sectionID).Take(&current).Error; err != nil {
		return SectionLock{}, false, err
	}
	return current, true, nil
}

// Release deletes the caller's lock. Locks of other owners are left untouched.
func (s *GormStore) Release(ctx context.Context, sectionID, userID string) (SectionLock, bool, error) {
	var released SectionLock
	found := false
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			Where("section_id = ? AND owner_user_id = ?", sectionID, userID).
			Take(&released).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		deletion := tx.Where("section_id = ? AND owner_user_id = ?", sectionID, userID).Delete(&SectionLock{})
		if deletion.Error != nil {
			return deletion.Error
		}
		found = deletion.RowsAffected > 0
		return nil
	})
	if err != nil {
		return SectionLock{}, false, err
	}
	return released, found, nil
}

// Get returns the unexpired lock on a section.
func (s *GormStore) Get(ctx context.Context, sectionID string, now time.Time) (SectionLock, bool, error) {
	var current SectionLock
	err := s.db.WithContext(ctx).
		Where("section_id = ? AND expires_at_ms > ?", sectionID, now.UnixMilli()).
		Take(&current).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return SectionLock{}, false, nil
	}
	if err != nil {
		return SectionLock{}, false, err
	}
	return current, true, nil
}

// ListActive returns the unexpired locks of a document ordered by section.
func (s *GormStore) ListActive(ctx context.Context, documentID string, now time.Time) ([]SectionLock, error) {
	var active []SectionLock
	if err := s.db.WithContext(ctx).
		Where("document_id = ? AND expires_at_ms > ?", documentID, now.UnixMilli()).
		Order("section_id ASC").
		Find(&active).Error; err != nil {
		return nil, err
	}
	return active, nil
}

// DeleteExpired removes every lapsed lock and returns the removed rows.
func (s *GormStore) DeleteExpired(ctx context.Context, now time.Time) ([]SectionLock, error) {
	nowMs := now.UnixMilli()
	var expired []SectionLock
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			Where("expires_at_ms <= ?", nowMs).
			Order("section_id ASC").
			Find(&expired).Error; err != nil {
			return err
		}
		if len(expired) == 0 {
			return nil
		}
		sectionIDs := make([]string, 0, len(expired))
		for _, lock := range expired {
			sectionIDs = append(sectionIDs, lock.SectionID)
		}
		return tx.Where("section_id IN ? AND expires_at_ms <= ?", sectionIDs, nowMs).Delete(&SectionLock{}).Error
	})
	if err != nil {
		return nil, err
	}
	return expired, nil
}
