// Package conflicts detects divergent saves of a document and keeps the
// authoritative copy, its revision history and the open conflict records.
package conflicts

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/bidroom/collab/internal/apperr"
	"github.com/bidroom/collab/internal/ids"
	"github.com/bidroom/collab/internal/locks"
	"github.com/bidroom/collab/internal/notifications"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const (
	opServiceNew  = "conflicts.service.new"
	opSave        = "conflicts.save"
	opResolve     = "conflicts.resolve"
	opResolveAll  = "conflicts.resolve_all"
	opListOpen    = "conflicts.list_open"
	opGetDocument = "conflicts.get_document"
)

var (
	// ErrConflictMissing indicates an unknown conflict or one owned by another user.
	ErrConflictMissing = errors.New("conflicts: conflict not found")
	// ErrAlreadyResolved indicates a conflict that was settled before.
	ErrAlreadyResolved = errors.New("conflicts: conflict already resolved")
	// ErrBaseVersionAhead indicates a save based on a version the server never had.
	ErrBaseVersionAhead = errors.New("conflicts: base version is ahead of the server")
	// ErrInvalidContent indicates a body that is not a JSON document.
	ErrInvalidContent = errors.New("conflicts: content is not valid JSON")

	errMissingDatabase     = errors.New("conflicts: database handle is required")
	errMissingIDProvider   = errors.New("conflicts: id provider is required")
	errMissingDocumentID   = errors.New("conflicts: document id is required")
	errMissingUserID       = errors.New("conflicts: user id is required")
	errMissingConflictID   = errors.New("conflicts: conflict id is required")
	errInvalidResolution   = errors.New("conflicts: resolution must be local or server")
	errNegativeBaseVersion = errors.New("conflicts: base version must not be negative")
)

// NotificationCreator stores user notifications.
type NotificationCreator interface {
	Create(ctx context.Context, request notifications.CreateRequest) (notifications.Notification, error)
}

// LockReleaser releases a section lock on behalf of its owner.
type LockReleaser interface {
	Release(ctx context.Context, sectionID, userID string) (locks.ReleaseResult, error)
}

// ServiceConfig describes the dependencies of the conflict service.
type ServiceConfig struct {
	Database      *gorm.DB
	Detector      *Detector
	Notifications NotificationCreator
	Locks         LockReleaser
	IDProvider    ids.Provider
	Clock         func() time.Time
	Logger        *zap.Logger
}

// Service saves documents and records the conflicts saves run into.
type Service struct {
	db            *gorm.DB
	detector      *Detector
	notifications NotificationCreator
	locks         LockReleaser
	idProvider    ids.Provider
	clock         func() time.Time
	logger        *zap.Logger
}

// ResolveResult is the outcome of settling one conflict.
type ResolveResult struct {
	Conflict Record   `json:"conflict"`
	Document Document `json:"document"`
}

// ResolveAllResult is the outcome of settling every open conflict of a user on a document.
type ResolveAllResult struct {
	Resolved int      `json:"resolved"`
	Document Document `json:"document"`
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
	detector := cfg.Detector
	if detector == nil {
		detector = NewDetector(clock, logger)
	}
	return &Service{
		db:            cfg.Database,
		detector:      detector,
		notifications: cfg.Notifications,
		locks:         cfg.Locks,
		idProvider:    cfg.IDProvider,
		clock:         clock,
		logger:        logger,
	}, nil
}

// Save commits request.Content as the next version unless the server copy
// moved since BaseVersion in a way the content does not account for, in
// which case a conflict record is stored and returned instead.
func (s *Service) Save(ctx context.Context, request SaveRequest) (SaveResult, error) {
	documentID := strings.TrimSpace(request.DocumentID)
	userID := strings.TrimSpace(request.UserID)
	sectionID := strings.TrimSpace(request.SectionID)
	if documentID == "" {
		return SaveResult{}, apperr.New(opSave, "missing_document_id", errMissingDocumentID)
	}
	if userID == "" {
		return SaveResult{}, apperr.New(opSave, "missing_user_id", errMissingUserID)
	}
	if request.BaseVersion < 0 {
		return SaveResult{}, apperr.New(opSave, "invalid_base_version", errNegativeBaseVersion)
	}
	local := json.RawMessage(strings.TrimSpace(string(request.Content)))
	if !json.Valid(local) {
		return SaveResult{}, apperr.New(opSave, "invalid_content", ErrInvalidContent)
	}

	now := s.clock().UTC()
	var result SaveResult
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		current, err := lockDocument(tx, documentID)
		if err != nil {
			return apperr.New(opSave, "query_failed", err)
		}
		if request.BaseVersion > current.Version {
			return apperr.New(opSave, "invalid_base_version",
				fmt.Errorf("%w: base %d, server %d", ErrBaseVersionAhead, request.BaseVersion, current.Version))
		}
		if request.BaseVersion < current.Version {
			detection, err := s.detect(tx, documentID, request.BaseVersion, local, current)
			if err != nil {
				return apperr.New(opSave, "query_failed", err)
			}
			if detection != nil {
				id, err := s.idProvider.NewID()
				if err != nil {
					return apperr.New(opSave, "id_generation_failed", err)
				}
				record := Record{
					ID:            id,
					DocumentID:    documentID,
					SectionID:     sectionID,
					UserID:        userID,
					LocalContent:  Content(detection.LocalContent),
					ServerContent: Content(detection.ServerContent),
					BaseVersion:   request.BaseVersion,
					ServerVersion: current.Version,
					DetectedAtMs:  detection.DetectedAt.UnixMilli(),
				}
				if err := tx.Create(&record).Error; err != nil {
					return apperr.New(opSave, "insert_failed", err)
				}
				result = SaveResult{Document: current, Conflict: &record}
				return nil
			}
		}
		next, err := commitVersion(tx, current, local, userID, now)
		if err != nil {
			return apperr.New(opSave, "update_failed", err)
		}
		result = SaveResult{Saved: true, Document: next}
		return nil
	})
	if err != nil {
		s.logFailure(opSave, err, zap.String("document_id", documentID), zap.String("user_id", userID))
		return SaveResult{}, err
	}

	if result.Conflict != nil {
		result.Ranges = MarkRanges(result.Conflict.LocalContent.Raw(), result.Conflict.ServerContent.Raw())
		s.notifyConflict(ctx, *result.Conflict)
		return result, nil
	}
	if request.ReleaseLock && sectionID != "" && s.locks != nil {
		if _, err := s.locks.Release(ctx, sectionID, userID); err != nil {
			s.logger.Warn("lock release after save failed",
				zap.Error(err),
				zap.String("section_id", sectionID),
				zap.String("user_id", userID))
		}
	}
	return result, nil
}

// ResolveConflict stores content as the new authoritative version and marks
// the conflict resolved. The resolution is local or server when content
// matches that side, otherwise merged.
func (s *Service) ResolveConflict(ctx context.Context, userID, conflictID string, content json.RawMessage) (ResolveResult, error) {
	userID = strings.TrimSpace(userID)
	conflictID = strings.TrimSpace(conflictID)
	if userID == "" {
		return ResolveResult{}, apperr.New(opResolve, "missing_user_id", errMissingUserID)
	}
	if conflictID == "" {
		return ResolveResult{}, apperr.New(opResolve, "missing_conflict_id", errMissingConflictID)
	}
	resolved := json.RawMessage(strings.TrimSpace(string(content)))
	if !json.Valid(resolved) {
		return ResolveResult{}, apperr.New(opResolve, "invalid_content", ErrInvalidContent)
	}

	now := s.clock().UTC()
	var result ResolveResult
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var record Record
		err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			Where("id = ? AND user_id = ?", conflictID, userID).
			Take(&record).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return apperr.New(opResolve, "not_found", ErrConflictMissing)
		}
		if err != nil {
			return apperr.New(opResolve, "query_failed", err)
		}
		if record.Resolved {
			return apperr.New(opResolve, "already_resolved", ErrAlreadyResolved)
		}
		current, err := lockDocument(tx, record.DocumentID)
		if err != nil {
			return apperr.New(opResolve, "query_failed", err)
		}
		next, err := commitVersion(tx, current, resolved, userID, now)
		if err != nil {
			return apperr.New(opResolve, "update_failed", err)
		}
		record.Resolved = true
		record.ResolvedAtMs = now.UnixMilli()
		record.Resolution = classifyResolution(resolved, record)
		if err := markResolved(tx, []Record{record}, record.Resolution, now); err != nil {
			return apperr.New(opResolve, "update_failed", err)
		}
		result = ResolveResult{Conflict: record, Document: next}
		return nil
	})
	if err != nil {
		s.logFailure(opResolve, err, zap.String("conflict_id", conflictID), zap.String("user_id", userID))
		return ResolveResult{}, err
	}
	return result, nil
}

// ResolveAllConflicts settles every open conflict of userID on documentID
// the same way. Keeping local writes each local copy in detection order so
// the newest one ends up authoritative; keeping server only closes the records.
func (s *Service) ResolveAllConflicts(ctx context.Context, userID, documentID string, resolution Resolution) (ResolveAllResult, error) {
	userID = strings.TrimSpace(userID)
	documentID = strings.TrimSpace(documentID)
	if userID == "" {
		return ResolveAllResult{}, apperr.New(opResolveAll, "missing_user_id", errMissingUserID)
	}
	if documentID == "" {
		return ResolveAllResult{}, apperr.New(opResolveAll, "missing_document_id", errMissingDocumentID)
	}
	if resolution != ResolutionLocal && resolution != ResolutionServer {
		return ResolveAllResult{}, apperr.New(opResolveAll, "invalid_resolution", errInvalidResolution)
	}

	now := s.clock().UTC()
	var result ResolveAllResult
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var open []Record
		if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			Where("document_id = ? AND user_id = ? AND resolved = ?", documentID, userID, false).
			Order("detected_at_ms ASC").
			Order("id ASC").
			Find(&open).Error; err != nil {
			return apperr.New(opResolveAll, "query_failed", err)
		}
		current, err := lockDocument(tx, documentID)
		if err != nil {
			return apperr.New(opResolveAll, "query_failed", err)
		}
		if resolution == ResolutionLocal {
			for _, record := range open {
				current, err = commitVersion(tx, current, record.LocalContent.Raw(), userID, now)
				if err != nil {
					return apperr.New(opResolveAll, "update_failed", err)
				}
			}
		}
		if err := markResolved(tx, open, resolution, now); err != nil {
			return apperr.New(opResolveAll, "update_failed", err)
		}
		result = ResolveAllResult{Resolved: len(open), Document: current}
		return nil
	})
	if err != nil {
		s.logFailure(opResolveAll, err, zap.String("document_id", documentID), zap.String("user_id", userID))
		return ResolveAllResult{}, err
	}
	return result, nil
}

// ListOpen returns the user's unresolved conflicts on a document, oldest first.
func (s *Service) ListOpen(ctx context.Context, userID, documentID string) ([]Record, error) {
	userID = strings.TrimSpace(userID)
	documentID = strings.TrimSpace(documentID)
	if userID == "" {
		return nil, apperr.New(opListOpen, "missing_user_id", errMissingUserID)
	}
	if documentID == "" {
		return nil, apperr.New(opListOpen, "missing_document_id", errMissingDocumentID)
	}
	var open []Record
	if err := s.db.WithContext(ctx).
		Where("document_id = ? AND user_id = ? AND resolved = ?", documentID, userID, false).
		Order("detected_at_ms ASC").
		Order("id ASC").
		Find(&open).Error; err != nil {
		s.logError(opListOpen, "query_failed", err, zap.String("document_id", documentID))
		return nil, apperr.New(opListOpen, "query_failed", err)
	}
	return open, nil
}

// GetDocument returns the server copy; an unknown document is an empty doc at version 0.
func (s *Service) GetDocument(ctx context.Context, documentID string) (Document, error) {
	documentID = strings.TrimSpace(documentID)
	if documentID == "" {
		return Document{}, apperr.New(opGetDocument, "missing_document_id", errMissingDocumentID)
	}
	var document Document
	err := s.db.WithContext(ctx).Where("document_id = ?", documentID).Take(&document).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return Document{DocumentID: documentID}, nil
	}
	if err != nil {
		s.logError(opGetDocument, "query_failed", err, zap.String("document_id", documentID))
		return Document{}, apperr.New(opGetDocument, "query_failed", err)
	}
	return document, nil
}

// detect compares local against the current copy using the revision the
// client started from. Without that revision the comparison is strict.
func (s *Service) detect(tx *gorm.DB, documentID string, baseVersion int64, local json.RawMessage, current Document) (*Detection, error) {
	server := current.Content.Raw()
	if baseVersion == 0 {
		return s.detector.DetectWithBase(documentID, EmptyDocumentJSON(), local, server), nil
	}
	var base Revision
	err := tx.Where("document_id = ? AND version = ?", documentID, baseVersion).Take(&base).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return s.detector.DetectConflict(documentID, local, server), nil
	}
	if err != nil {
		return nil, err
	}
	return s.detector.DetectWithBase(documentID, base.Content.Raw(), local, server), nil
}

func (s *Service) notifyConflict(ctx context.Context, record Record) {
	if s.notifications == nil {
		return
	}
	_, err := s.notifications.Create(ctx, notifications.CreateRequest{
		UserID: record.UserID,
		Type:   notifications.TypeConflictDetected,
		Title:  "Edit conflict detected",
		Body:   fmt.Sprintf("Your changes to %s conflict with version %d.", record.DocumentID, record.ServerVersion),
		Data: map[string]any{
			"conflict_id": record.ID,
			"document_id": record.DocumentID,
			"section_id":  record.SectionID,
		},
	})
	if err != nil {
		s.logger.Warn("conflict notification failed",
			zap.Error(err),
			zap.String("conflict_id", record.ID),
			zap.String("user_id", record.UserID))
	}
}

func (s *Service) logFailure(operation string, err error, fields ...zap.Field) {
	reason, ok := apperr.Reason(err)
	if !ok {
		reason = "unknown"
	}
	switch reason {
	case "not_found", "already_resolved", "invalid_base_version":
		return
	}
	s.logError(operation, reason, err, fields...)
}

func (s *Service) logError(operation, reason string, err error, fields ...zap.Field) {
	apperr.Log(s.logger, "conflicts service error", operation, reason, err, fields...)
}

// EmptyDocumentJSON is the serialized empty doc node.
func EmptyDocumentJSON() json.RawMessage {
	return json.RawMessage(`{"type":"doc"}`)
}

// lockDocument row-locks the document, creating an empty version 0 row first
// so concurrent first saves queue on the same lock. The placeholder reads
// back exactly like an unknown document.
func lockDocument(tx *gorm.DB, documentID string) (Document, error) {
	placeholder := Document{DocumentID: documentID}
	if err := tx.Clauses(clause.OnConflict{DoNothing: true}).Create(&placeholder).Error; err != nil {
		return Document{}, err
	}
	var current Document
	err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("document_id = ?", documentID).
		Take(&current).Error
	return current, err
}

func commitVersion(tx *gorm.DB, current Document, content json.RawMessage, userID string, now time.Time) (Document, error) {
	next := Document{
		DocumentID:  current.DocumentID,
		Content:     Content(content),
		Version:     current.Version + 1,
		UpdatedBy:   userID,
		UpdatedAtMs: now.UnixMilli(),
	}
	upsert := tx.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "document_id"}},
		DoUpdates: clause.AssignmentColumns([]string{"content", "version", "updated_by", "updated_at_ms"}),
	}).Create(&next)
	if upsert.Error != nil {
		return Document{}, upsert.Error
	}
	revision := Revision{
		DocumentID:  next.DocumentID,
		Version:     next.Version,
		Content:     next.Content,
		CreatedBy:   userID,
		CreatedAtMs: next.UpdatedAtMs,
	}
	if err := tx.Create(&revision).Error; err != nil {
		return Document{}, err
	}
	return next, nil
}

func markResolved(tx *gorm.DB, records []Record, resolution Resolution, now time.Time) error {
	if len(records) == 0 {
		return nil
	}
	identifiers := make([]string, 0, len(records))
	for _, record := range records {
		identifiers = append(identifiers, record.ID)
	}
	return tx.Model(&Record{}).
		Where("id IN ? AND resolved = ?", identifiers, false).
		Updates(map[string]any{
			"resolved":       true,
			"resolved_at_ms": now.UnixMilli(),
			"resolution":     string(resolution),
		}).Error
}

func classifyResolution(content json.RawMessage, record Record) Resolution {
	resolvedNode, err := ParseContent(content)
	if err != nil {
		return ResolutionMerged
	}
	if sameContent(resolvedNode, record.LocalContent.Raw()) {
		return ResolutionLocal
	}
	if sameContent(resolvedNode, record.ServerContent.Raw()) {
		return ResolutionServer
	}
	return ResolutionMerged
}

func sameContent(node Node, raw json.RawMessage) bool {
	other, err := ParseContent(raw)
	if err != nil {
		return false
	}
	equal, err := StructurallyEqual(node, other)
	return err == nil && equal
}
