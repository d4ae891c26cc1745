package database

import (
	"errors"
	"time"

	"github.com/bidroom/collab/internal/locks"
	"github.com/bidroom/collab/internal/notifications"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const (
	migrationBackfillNotificationReadAt = "2026-03-02_backfill_notification_read_at"
	migrationPurgeExpiredSectionLocks   = "2026-03-09_purge_expired_section_locks"
)

type migrationRecord struct {
	Name             string `gorm:"column:name;primaryKey;size:190;not null"`
	AppliedAtSeconds int64  `gorm:"column:applied_at_s;not null"`
}

func (migrationRecord) TableName() string {
	return "db_migrations"
}

type migrationDefinition struct {
	name  string
	apply func(*gorm.DB) error
}

func applyMigrations(db *gorm.DB, logger *zap.Logger) error {
	migrations := []migrationDefinition{
		{name: migrationBackfillNotificationReadAt, apply: backfillNotificationReadAt},
		{name: migrationPurgeExpiredSectionLocks, apply: purgeExpiredSectionLocks},
	}

	for _, migration := range migrations {
		var record migrationRecord
		err := db.Where("name = ?", migration.name).Take(&record).Error
		if err == nil {
			continue
		}
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			return err
		}
		if err := migration.apply(db); err != nil {
			return err
		}
		appliedAt := time.Now().UTC().Unix()
		if err := db.Create(&migrationRecord{Name: migration.name, AppliedAtSeconds: appliedAt}).Error; err != nil {
			return err
		}
		if logger != nil {
			logger.Info("database migration applied", zap.String("migration", migration.name))
		}
	}
	return nil
}

// Rows read before read_at_ms existed take their creation time.
func backfillNotificationReadAt(db *gorm.DB) error {
	return db.Model(&notifications.Notification{}).
		Where("is_read = ? AND read_at_ms = 0", true).
		Update("read_at_ms", gorm.Expr("created_at_ms")).Error
}

func purgeExpiredSectionLocks(db *gorm.DB) error {
	nowMs := time.Now().UTC().UnixMilli()
	return db.Where("expires_at_ms <= ?", nowMs).Delete(&locks.SectionLock{}).Error
}
