// Package notifications stores per-user notifications and relays their
// changes to connected clients over the change feed.
package notifications

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/bidroom/collab/internal/apperr"
	"github.com/bidroom/collab/internal/feed"
	"github.com/bidroom/collab/internal/ids"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// FeedEntity is the feed entity for notification rows; the scope is the user id.
const FeedEntity = "notifications"

const (
	defaultListLimit = 50
	maxListLimit     = 200

	opServiceNew  = "notifications.service.new"
	opCreate      = "notifications.create"
	opList        = "notifications.list"
	opListSince   = "notifications.list_since"
	opMarkRead    = "notifications.mark_read"
	opMarkAllRead = "notifications.mark_all_read"
	opDelete      = "notifications.delete"
)

var (
	errMissingDatabase     = errors.New("notifications: database handle is required")
	errMissingIDProvider   = errors.New("notifications: id provider is required")
	errMissingUserID       = errors.New("notifications: user id is required")
	errMissingID           = errors.New("notifications: notification id is required")
	errMissingTitle        = errors.New("notifications: title is required")
	errUnknownType         = errors.New("notifications: unknown type")
	ErrNotificationMissing = errors.New("notifications: notification not found")
)

// Topic returns the feed topic of a user's notifications.
func Topic(userID string) (feed.Topic, error) {
	return feed.NewTopic(FeedEntity, userID)
}

// ServiceConfig describes the dependencies of the notification store.
type ServiceConfig struct {
	Database   *gorm.DB
	Publisher  feed.Publisher
	IDProvider ids.Provider
	Clock      func() time.Time
	Logger     *zap.Logger
}

// Service is the notification read model and its write operations. Every
// committed change is published on the owner's feed topic.
type Service struct {
	db         *gorm.DB
	publisher  feed.Publisher
	idProvider ids.Provider
	clock      func() time.Time
	logger     *zap.Logger
}

// NewService validates the configuration and constructs a Service.
func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Database == nil {
		return nil, apperr.New(opServiceNew, "missing_database", errMissingDatabase)
	}
	if cfg.IDProvider == nil {
		return nil, apperr.New(opServiceNew, "missing_id_provider", errMissingIDProvider)
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{
		db:         cfg.Database,
		publisher:  cfg.Publisher,
		idProvider: cfg.IDProvider,
		clock:      clock,
		logger:     logger,
	}, nil
}

// Create stores a notification and publishes an INSERT.
func (s *Service) Create(ctx context.Context, request CreateRequest) (Notification, error) {
	userID := strings.TrimSpace(request.UserID)
	if userID == "" {
		return Notification{}, apperr.New(opCreate, "missing_user_id", errMissingUserID)
	}
	if !request.Type.Valid() {
		return Notification{}, apperr.New(opCreate, "invalid_type", fmt.Errorf("%w: %q", errUnknownType, request.Type))
	}
	title := strings.TrimSpace(request.Title)
	if title == "" {
		return Notification{}, apperr.New(opCreate, "missing_title", errMissingTitle)
	}
	payload := Payload("{}")
	if request.Data != nil {
		encoded, err := json.Marshal(request.Data)
		if err != nil {
			return Notification{}, apperr.New(opCreate, "invalid_data", err)
		}
		payload = Payload(encoded)
	}
	id, err := s.idProvider.NewID()
	if err != nil {
		s.logError(opCreate, "id_generation_failed", err, zap.String("user_id", userID))
		return Notification{}, apperr.New(opCreate, "id_generation_failed", err)
	}

	notification := Notification{
		ID:          id,
		UserID:      userID,
		Type:        request.Type,
		Title:       title,
		Body:        request.Body,
		Data:        payload,
		CreatedAtMs: s.clock().UTC().UnixMilli(),
	}
	if err := s.db.WithContext(ctx).Create(&notification).Error; err != nil {
		s.logError(opCreate, "insert_failed", err, zap.String("user_id", userID))
		return Notification{}, apperr.New(opCreate, "insert_failed", err)
	}
	s.publish(ctx, feed.OperationInsert, userID, &notification, nil)
	return notification, nil
}

// List returns the newest notifications of a user.
func (s *Service) List(ctx context.Context, userID string, limit int) ([]Notification, error) {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return nil, apperr.New(opList, "missing_user_id", errMissingUserID)
	}
	if limit <= 0 {
		limit = defaultListLimit
	}
	if limit > maxListLimit {
		limit = maxListLimit
	}
	var rows []Notification
	if err := s.db.WithContext(ctx).
		Where("user_id = ?", userID).
		Order("created_at_ms DESC").
		Order("id DESC").
		Limit(limit).
		Find(&rows).Error; err != nil {
		s.logError(opList, "query_failed", err, zap.String("user_id", userID))
		return nil, apperr.New(opList, "query_failed", err)
	}
	return rows, nil
}

// ListSince returns the notifications created strictly after since, oldest first.
func (s *Service) ListSince(ctx context.Context, userID string, since time.Time) ([]Notification, error) {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return nil, apperr.New(opListSince, "missing_user_id", errMissingUserID)
	}
	var rows []Notification
	if err := s.db.WithContext(ctx).
		Where("user_id = ? AND created_at_ms > ?", userID, since.UnixMilli()).
		Order("created_at_ms ASC").
		Order("id ASC").
		Find(&rows).Error; err != nil {
		s.logError(opListSince, "query_failed", err, zap.String("user_id", userID))
		return nil, apperr.New(opListSince, "query_failed", err)
	}
	return rows, nil
}

// MarkRead flips one notification to read. It reports false without
// publishing when the notification was already read.
func (s *Service) MarkRead(ctx context.Context, userID, notificationID string) (Notification, bool, error) {
	userID = strings.TrimSpace(userID)
	notificationID = strings.TrimSpace(notificationID)
	if userID == "" {
		return Notification{}, false, apperr.New(opMarkRead, "missing_user_id", errMissingUserID)
	}
	if notificationID == "" {
		return Notification{}, false, apperr.New(opMarkRead, "missing_id", errMissingID)
	}

	var before, after Notification
	changed := false
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			Where("id = ? AND user_id = ?", notificationID, userID).
			Take(&before).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return apperr.New(opMarkRead, "not_found", ErrNotificationMissing)
		}
		if err != nil {
			return apperr.New(opMarkRead, "query_failed", err)
		}
		after = before
		if before.Read {
			return nil
		}
		after.Read = true
		after.ReadAtMs = s.clock().UTC().UnixMilli()
		update := tx.Model(&Notification{}).
			Where("id = ? AND user_id = ? AND is_read = ?", notificationID, userID, false).
			Updates(map[string]any{"is_read": true, "read_at_ms": after.ReadAtMs})
		if update.Error != nil {
			return apperr.New(opMarkRead, "update_failed", update.Error)
		}
		changed = update.RowsAffected > 0
		return nil
	})
	if err != nil {
		reason, _ := apperr.Reason(err)
		if reason != "not_found" {
			s.logError(opMarkRead, reason, err, zap.String("user_id", userID), zap.String("notification_id", notificationID))
		}
		return Notification{}, false, err
	}
	if changed {
		s.publish(ctx, feed.OperationUpdate, userID, &after, &before)
	}
	return after, changed, nil
}

// MarkAllRead flips every unread notification of the user and returns how many changed.
func (s *Service) MarkAllRead(ctx context.Context, userID string) (int, error) {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return 0, apperr.New(opMarkAllRead, "missing_user_id", errMissingUserID)
	}
	readAt := s.clock().UTC().UnixMilli()
	var unread []Notification
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			Where("user_id = ? AND is_read = ?", userID, false).
			Order("created_at_ms ASC").
			Find(&unread).Error; err != nil {
			return err
		}
		if len(unread) == 0 {
			return nil
		}
		identifiers := make([]string, 0, len(unread))
		for _, row := range unread {
			identifiers = append(identifiers, row.ID)
		}
		return tx.Model(&Notification{}).
			Where("user_id = ? AND id IN ? AND is_read = ?", userID, identifiers, false).
			Updates(map[string]any{"is_read": true, "read_at_ms": readAt}).Error
	})
	if err != nil {
		s.logError(opMarkAllRead, "update_failed", err, zap.String("user_id", userID))
		return 0, apperr.New(opMarkAllRead, "update_failed", err)
	}
	for index := range unread {
		before := unread[index]
		after := before
		after.Read = true
		after.ReadAtMs = readAt
		s.publish(ctx, feed.OperationUpdate, userID, &after, &before)
	}
	return len(unread), nil
}

// Delete removes one of the user's notifications.
func (s *Service) Delete(ctx context.Context, userID, notificationID string) (bool, error) {
	userID = strings.TrimSpace(userID)
	notificationID = strings.TrimSpace(notificationID)
	if userID == "" {
		return false, apperr.New(opDelete, "missing_user_id", errMissingUserID)
	}
	if notificationID == "" {
		return false, apperr.New(opDelete, "missing_id", errMissingID)
	}
	var removed Notification
	found := false
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			Where("id = ? AND user_id = ?", notificationID, userID).
			Take(&removed).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		deletion := tx.Where("id = ? AND user_id = ?", notificationID, userID).Delete(&Notification{})
		if deletion.Error != nil {
			return deletion.Error
		}
		found = deletion.RowsAffected > 0
		return nil
	})
	if err != nil {
		s.logError(opDelete, "delete_failed", err, zap.String("user_id", userID), zap.String("notification_id", notificationID))
		return false, apperr.New(opDelete, "delete_failed", err)
	}
	if found {
		s.publish(ctx, feed.OperationDelete, userID, nil, &removed)
	}
	return found, nil
}

func (s *Service) publish(ctx context.Context, operation feed.Operation, userID string, newRow, oldRow *Notification) {
	if s.publisher == nil {
		return
	}
	topic, err := Topic(userID)
	if err != nil {
		s.logger.Warn("notification topic invalid", zap.Error(err), zap.String("user_id", userID))
		return
	}
	var newRecord, oldRecord any
	if newRow != nil {
		newRecord = newRow
	}
	if oldRow != nil {
		oldRecord = oldRow
	}
	event, err := feed.NewEvent(topic, operation, newRecord, oldRecord, s.clock())
	if err == nil {
		err = s.publisher.Publish(ctx, event)
	}
	if err != nil {
		s.logger.Warn("notification event publish failed",
			zap.Error(err),
			zap.String("user_id", userID),
			zap.String("operation", string(operation)))
	}
}

func (s *Service) logError(operation, reason string, err error, fields ...zap.Field) {
	apperr.Log(s.logger, "notifications service error", operation, reason, err, fields...)
}
