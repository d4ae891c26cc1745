// Package messages stores project messages and per-user read receipts, the
// source of the unread counters.
package messages

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/bidroom/collab/internal/apperr"
	"github.com/bidroom/collab/internal/feed"
	"github.com/bidroom/collab/internal/ids"
	"github.com/bidroom/collab/internal/notifications"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// FeedEntity is the feed entity for message changes; the scope is the project id.
const FeedEntity = "messages"

const (
	maxBodyLength = 8000
	previewLength = 140

	opServiceNew  = "messages.service.new"
	opSend        = "messages.send"
	opCountUnread = "messages.count_unread"
	opUnreadIDs   = "messages.unread_ids"
	opMarkRead    = "messages.mark_read"
)

var (
	errMissingDatabase   = errors.New("messages: database handle is required")
	errMissingIDProvider = errors.New("messages: id provider is required")
	errMissingProjectID  = errors.New("messages: project id is required")
	errMissingSenderID   = errors.New("messages: sender id is required")
	errMissingViewerID   = errors.New("messages: viewer id is required")
	errEmptyBody         = errors.New("messages: body is required")
	errBodyTooLong       = errors.New("messages: body is too long")
)

// Topic returns the feed topic of a project's messages.
func Topic(projectID string) (feed.Topic, error) {
	return feed.NewTopic(FeedEntity, projectID)
}

// NotificationCreator stores user notifications.
type NotificationCreator interface {
	Create(ctx context.Context, request notifications.CreateRequest) (notifications.Notification, error)
}

// ServiceConfig describes the dependencies of the message service.
type ServiceConfig struct {
	Database      *gorm.DB
	Publisher     feed.Publisher
	Notifications NotificationCreator
	IDProvider    ids.Provider
	Clock         func() time.Time
	Logger        *zap.Logger
}

// Service persists messages and read receipts and publishes both.
type Service struct {
	db            *gorm.DB
	publisher     feed.Publisher
	notifications NotificationCreator
	idProvider    ids.Provider
	clock         func() time.Time
	logger        *zap.Logger
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
		db:            cfg.Database,
		publisher:     cfg.Publisher,
		notifications: cfg.Notifications,
		idProvider:    cfg.IDProvider,
		clock:         clock,
		logger:        logger,
	}, nil
}

// Send stores a message, publishes an INSERT on the project topic and
// notifies the recipients.
func (s *Service) Send(ctx context.Context, request SendRequest) (Message, error) {
	projectID := strings.TrimSpace(request.ProjectID)
	senderID := strings.TrimSpace(request.SenderID)
	body := strings.TrimSpace(request.Body)
	switch {
	case projectID == "":
		return Message{}, apperr.New(opSend, "missing_project_id", errMissingProjectID)
	case senderID == "":
		return Message{}, apperr.New(opSend, "missing_sender_id", errMissingSenderID)
	case body == "":
		return Message{}, apperr.New(opSend, "empty_body", errEmptyBody)
	case len(body) > maxBodyLength:
		return Message{}, apperr.New(opSend, "body_too_long", errBodyTooLong)
	}
	id, err := s.idProvider.NewID()
	if err != nil {
		s.logError(opSend, "id_generation_failed", err, zap.String("project_id", projectID))
		return Message{}, apperr.New(opSend, "id_generation_failed", err)
	}
	message := Message{
		ID:          id,
		ProjectID:   projectID,
		ProposalID:  strings.TrimSpace(request.ProposalID),
		SenderID:    senderID,
		Body:        body,
		CreatedAtMs: s.clock().UTC().UnixMilli(),
	}
	if err := s.db.WithContext(ctx).Create(&message).Error; err != nil {
		s.logError(opSend, "insert_failed", err, zap.String("project_id", projectID))
		return Message{}, apperr.New(opSend, "insert_failed", err)
	}
	s.publish(ctx, feed.OperationInsert, projectID, message)
	s.notifyRecipients(ctx, message, request.Recipients)
	return message, nil
}

// CountUnread counts the scope's messages the viewer has no receipt for.
func (s *Service) CountUnread(ctx context.Context, scope Scope) (int64, error) {
	scope, err := normalizeScope(scope)
	if err != nil {
		return 0, apperr.New(opCountUnread, "invalid_scope", err)
	}
	var count int64
	if err := s.unreadQuery(s.db.WithContext(ctx), scope).Count(&count).Error; err != nil {
		s.logError(opCountUnread, "query_failed", err, zap.String("project_id", scope.ProjectID))
		return 0, apperr.New(opCountUnread, "query_failed", err)
	}
	return count, nil
}

// UnreadIDs lists the identifiers CountUnread counts, oldest first.
func (s *Service) UnreadIDs(ctx context.Context, scope Scope) ([]string, error) {
	scope, err := normalizeScope(scope)
	if err != nil {
		return nil, apperr.New(opUnreadIDs, "invalid_scope", err)
	}
	var identifiers []string
	err = s.unreadQuery(s.db.WithContext(ctx), scope).
		Order("project_messages.created_at_ms ASC").
		Pluck("project_messages.id", &identifiers).Error
	if err != nil {
		s.logError(opUnreadIDs, "query_failed", err, zap.String("project_id", scope.ProjectID))
		return nil, apperr.New(opUnreadIDs, "query_failed", err)
	}
	return identifiers, nil
}

// MarkRead writes receipts for every unread message in the scope and
// publishes an UPDATE carrying a ReadMarker.
func (s *Service) MarkRead(ctx context.Context, scope Scope) (int, error) {
	scope, err := normalizeScope(scope)
	if err != nil {
		return 0, apperr.New(opMarkRead, "invalid_scope", err)
	}
	readAt := s.clock().UTC().UnixMilli()
	marked := 0
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var unread []string
		if err := s.unreadQuery(tx, scope).Pluck("project_messages.id", &unread).Error; err != nil {
			return err
		}
		if len(unread) == 0 {
			return nil
		}
		receipts := make([]Receipt, 0, len(unread))
		for _, messageID := range unread {
			receipts = append(receipts, Receipt{MessageID: messageID, UserID: scope.ViewerID, ReadAtMs: readAt})
		}
		result := tx.Clauses(clause.OnConflict{DoNothing: true}).Create(&receipts)
		if result.Error != nil {
			return result.Error
		}
		marked = int(result.RowsAffected)
		return nil
	})
	if err != nil {
		s.logError(opMarkRead, "update_failed", err, zap.String("project_id", scope.ProjectID))
		return 0, apperr.New(opMarkRead, "update_failed", err)
	}
	if marked > 0 {
		s.publish(ctx, feed.OperationUpdate, scope.ProjectID, ReadMarker{Scope: scope, Marked: marked, ReadAtMs: readAt})
	}
	return marked, nil
}

func (s *Service) unreadQuery(db *gorm.DB, scope Scope) *gorm.DB {
	query := db.Model(&Message{}).
		Where("project_messages.project_id = ? AND project_messages.sender_id <> ?", scope.ProjectID, scope.ViewerID).
		Where("NOT EXISTS (SELECT 1 FROM message_receipts WHERE message_receipts.message_id = project_messages.id AND message_receipts.user_id = ?)", scope.ViewerID)
	if scope.ProposalID != "" {
		query = query.Where("project_messages.proposal_id = ?", scope.ProposalID)
	}
	return query
}

func (s *Service) notifyRecipients(ctx context.Context, message Message, recipients []string) {
	if s.notifications == nil {
		return
	}
	unique := make([]string, 0, len(recipients))
	for _, recipient := range recipients {
		recipient = strings.TrimSpace(recipient)
		if recipient == "" || recipient == message.SenderID || slices.Contains(unique, recipient) {
			continue
		}
		unique = append(unique, recipient)
	}
	for _, recipient := range unique {
		_, err := s.notifications.Create(ctx, notifications.CreateRequest{
			UserID: recipient,
			Type:   notifications.TypeMessageReceived,
			Title:  "New message",
			Body:   preview(message.Body),
			Data: map[string]string{
				"message_id":  message.ID,
				"project_id":  message.ProjectID,
				"proposal_id": message.ProposalID,
				"sender_id":   message.SenderID,
			},
		})
		if err != nil {
			s.logger.Warn("message notification failed",
				zap.Error(err),
				zap.String("message_id", message.ID),
				zap.String("user_id", recipient))
		}
	}
}

func (s *Service) publish(ctx context.Context, operation feed.Operation, projectID string, record any) {
	if s.publisher == nil {
		return
	}
	topic, err := Topic(projectID)
	if err != nil {
		s.logger.Warn("message topic invalid", zap.Error(err), zap.String("project_id", projectID))
		return
	}
	event, err := feed.NewEvent(topic, operation, record, nil, s.clock())
	if err == nil {
		err = s.publisher.Publish(ctx, event)
	}
	if err != nil {
		s.logger.Warn("message event publish failed",
			zap.Error(err),
			zap.String("project_id", projectID),
			zap.String("operation", string(operation)))
	}
}

func (s *Service) logError(operation, reason string, err error, fields ...zap.Field) {
	apperr.Log(s.logger, "messages service error", operation, reason, err, fields...)
}

func normalizeScope(scope Scope) (Scope, error) {
	scope.ProjectID = strings.TrimSpace(scope.ProjectID)
	scope.ProposalID = strings.TrimSpace(scope.ProposalID)
	scope.ViewerID = strings.TrimSpace(scope.ViewerID)
	if scope.ProjectID == "" {
		return Scope{}, errMissingProjectID
	}
	if scope.ViewerID == "" {
		return Scope{}, errMissingViewerID
	}
	return scope, nil
}

func preview(body string) string {
	runes := []rune(body)
	if len(runes) <= previewLength {
		return body
	}
	return fmt.Sprintf("%s...", string(runes[:previewLength]))
}
