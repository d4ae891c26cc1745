// Package database opens the gorm connection for the configured driver and
// brings the schema up to date.
package database

import (
	"fmt"
	"strings"

	"github.com/bidroom/collab/internal/config"
	"github.com/bidroom/collab/internal/conflicts"
	"github.com/bidroom/collab/internal/locks"
	"github.com/bidroom/collab/internal/messages"
	"github.com/bidroom/collab/internal/notifications"
	"github.com/bidroom/collab/internal/users"
	sqlite "github.com/glebarez/sqlite"
	"go.uber.org/zap"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
)

// Models lists every table owned by the service.
func Models() []any {
	return []any{
		&locks.SectionLock{},
		&conflicts.Document{},
		&conflicts.Revision{},
		&conflicts.Record{},
		&notifications.Notification{},
		&messages.Message{},
		&messages.Receipt{},
		&users.Identity{},
		&migrationRecord{},
	}
}

// Open connects with the configured driver and performs schema migrations.
func Open(cfg config.AppConfig, logger *zap.Logger) (*gorm.DB, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	gormConfig := &gorm.Config{Logger: gormlogger.Default.LogMode(gormlogger.Silent)}

	var (
		db     *gorm.DB
		err    error
		target string
	)
	switch cfg.DatabaseDriver {
	case config.DatabaseDriverSQLite:
		if strings.TrimSpace(cfg.DatabasePath) == "" {
			return nil, fmt.Errorf("database path is required")
		}
		target = cfg.DatabasePath
		db, err = gorm.Open(sqlite.Open(cfg.DatabasePath), gormConfig)
	case config.DatabaseDriverPostgres:
		if strings.TrimSpace(cfg.DatabaseDSN) == "" {
			return nil, fmt.Errorf("database dsn is required")
		}
		target = "postgres"
		db, err = gorm.Open(postgres.Open(cfg.DatabaseDSN), gormConfig)
	default:
		return nil, fmt.Errorf("database driver %q is not supported", cfg.DatabaseDriver)
	}
	if err != nil {
		return nil, err
	}

	if cfg.DatabaseDriver == config.DatabaseDriverSQLite {
		sqlDB, err := db.DB()
		if err != nil {
			return nil, err
		}
		sqlDB.SetMaxOpenConns(1)
	}

	if err := Migrate(db, logger); err != nil {
		return nil, err
	}

	logger.Info("database initialized", zap.String("driver", cfg.DatabaseDriver), zap.String("target", target))
	return db, nil
}

// Migrate creates or updates every table and applies pending named migrations.
func Migrate(db *gorm.DB, logger *zap.Logger) error {
	if err := db.AutoMigrate(Models()...); err != nil {
		return err
	}
	return applyMigrations(db, logger)
}
