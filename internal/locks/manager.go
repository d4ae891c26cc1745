// Package locks arbitrates exclusive, lease-based editing rights on document
// sections and broadcasts lock transitions on the change feed.
package locks

import (
	"context"
	"errors"
	"time"

	"github.com/bidroom/collab/internal/apperr"
	"github.com/bidroom/collab/internal/feed"
	"github.com/bidroom/collab/internal/ids"
	"go.uber.org/zap"
)

const (
	defaultLeaseDuration = 30 * time.Second
	defaultSweepInterval = 5 * time.Second

	opManagerNew = "locks.manager.new"
	opAcquire    = "locks.acquire"
	opRelease    = "locks.release"
	opHeartbeat  = "locks.heartbeat"
	opStatus     = "locks.status"
	opListActive = "locks.list_active"
	opSweep      = "locks.sweep"
)

var (
	errMissingStore      = errors.New("locks: store is required")
	errMissingIDProvider = errors.New("locks: id provider is required")
)

// ManagerConfig describes the dependencies of a Manager.
type ManagerConfig struct {
	Store         Store
	Publisher     feed.Publisher
	IDProvider    ids.Provider
	LeaseDuration time.Duration
	SweepInterval time.Duration
	Clock         func() time.Time
	Logger        *zap.Logger
}

// Manager is the authoritative lock service.
type Manager struct {
	store         Store
	publisher     feed.Publisher
	idProvider    ids.Provider
	leaseDuration time.Duration
	sweepInterval time.Duration
	clock         func() time.Time
	logger        *zap.Logger
}

// NewManager validates the configuration and constructs a Manager.
func NewManager(cfg ManagerConfig) (*Manager, error) {
	if cfg.Store == nil {
		return nil, apperr.New(opManagerNew, "missing_store", errMissingStore)
	}
	if cfg.IDProvider == nil {
		return nil, apperr.New(opManagerNew, "missing_id_provider", errMissingIDProvider)
	}
	lease := cfg.LeaseDuration
	if lease <= 0 {
		lease = defaultLeaseDuration
	}
	sweep := cfg.SweepInterval
	if sweep <= 0 {
		sweep = defaultSweepInterval
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Manager{
		store:         cfg.Store,
		publisher:     cfg.Publisher,
		idProvider:    cfg.IDProvider,
		leaseDuration: lease,
		sweepInterval: sweep,
		clock:         clock,
		logger:        logger,
	}, nil
}

// LeaseDuration exposes the configured lease.
func (m *Manager) LeaseDuration() time.Duration {
	return m.leaseDuration
}

// Acquire grants the section to userID unless another user holds an
// unexpired lease. Re-acquiring an owned lock extends it and keeps its id.
func (m *Manager) Acquire(ctx context.Context, sectionID, documentID, userID string) (AcquireResult, error) {
	section, document, user, err := m.validateAcquire(sectionID, documentID, userID)
	if err != nil {
		return AcquireResult{}, err
	}
	lockID, err := m.idProvider.NewID()
	if err != nil {
		m.logError(opAcquire, "id_generation_failed", err, zap.String("section_id", section))
		return AcquireResult{}, apperr.New(opAcquire, "id_generation_failed", err)
	}

	now := m.clock().UTC()
	nowMs := now.UnixMilli()
	candidate := SectionLock{
		SectionID:         section,
		DocumentID:        document,
		OwnerUserID:       user,
		LockID:            lockID,
		AcquiredAtMs:      nowMs,
		ExpiresAtMs:       nowMs + m.leaseDuration.Milliseconds(),
		LastHeartbeatAtMs: nowMs,
	}
	outcome, err := m.store.Acquire(ctx, candidate)
	if err != nil {
		m.logError(opAcquire, "store_failed", err,
			zap.String("section_id", section),
			zap.String("user_id", user))
		return AcquireResult{}, apperr.New(opAcquire, "store_failed", err)
	}
	if !outcome.Acquired {
		return AcquireResult{Success: false, LockedBy: outcome.Lock.OwnerUserID}, nil
	}

	if outcome.Replaced != nil {
		m.publish(ctx, ActionExpired, *outcome.Replaced, now)
	}
	action := ActionAcquired
	if outcome.Renewed {
		action = ActionRenewed
	}
	m.publish(ctx, action, outcome.Lock, now)

	lock := outcome.Lock
	return AcquireResult{Success: true, Lock: &lock}, nil
}

// Release deletes the lock when userID owns it; otherwise it is a no-op.
func (m *Manager) Release(ctx context.Context, sectionID, userID string) (ReleaseResult, error) {
	section, err := normalizeIdentifier(sectionID, ErrInvalidSectionID)
	if err != nil {
		return ReleaseResult{}, apperr.New(opRelease, "invalid_section_id", err)
	}
	user, err := normalizeIdentifier(userID, ErrInvalidUserID)
	if err != nil {
		return ReleaseResult{}, apperr.New(opRelease, "invalid_user_id", err)
	}
	released, found, err := m.store.Release(ctx, section, user)
	if err != nil {
		m.logError(opRelease, "store_failed", err,
			zap.String("section_id", section),
			zap.String("user_id", user))
		return ReleaseResult{}, apperr.New(opRelease, "store_failed", err)
	}
	if !found {
		return ReleaseResult{Released: false}, nil
	}
	m.publish(ctx, ActionReleased, released, m.clock().UTC())
	return ReleaseResult{Released: true}, nil
}

// Heartbeat extends the lease of the current, unexpired owner. Any other
// caller gets an unsuccessful result rather than an error.
func (m *Manager) Heartbeat(ctx context.Context, sectionID, userID string) (HeartbeatResult, error) {
	section, err := normalizeIdentifier(sectionID, ErrInvalidSectionID)
	if err != nil {
		return HeartbeatResult{}, apperr.New(opHeartbeat, "invalid_section_id", err)
	}
	user, err := normalizeIdentifier(userID, ErrInvalidUserID)
	if err != nil {
		return HeartbeatResult{}, apperr.New(opHeartbeat, "invalid_user_id", err)
	}
	lock, extended, err := m.store.Heartbeat(ctx, section, user, m.clock().UTC(), m.leaseDuration)
	if err != nil {
		m.logError(opHeartbeat, "store_failed", err,
			zap.String("section_id", section),
			zap.String("user_id", user))
		return HeartbeatResult{}, apperr.New(opHeartbeat, "store_failed", err)
	}
	if !extended {
		return HeartbeatResult{Success: false}, nil
	}
	return HeartbeatResult{Success: true, Lock: &lock}, nil
}

// Status reports the section's lock, treating a lapsed lease as unlocked.
func (m *Manager) Status(ctx context.Context, sectionID string) (Status, error) {
	section, err := normalizeIdentifier(sectionID, ErrInvalidSectionID)
	if err != nil {
		return Status{}, apperr.New(opStatus, "invalid_section_id", err)
	}
	lock, found, err := m.store.Get(ctx, section, m.clock().UTC())
	if err != nil {
		m.logError(opStatus, "store_failed", err, zap.String("section_id", section))
		return Status{}, apperr.New(opStatus, "store_failed", err)
	}
	if !found {
		return Status{SectionID: section}, nil
	}
	return StatusFromLock(lock), nil
}

// ListActive returns the unexpired locks of a document.
func (m *Manager) ListActive(ctx context.Context, documentID string) ([]SectionLock, error) {
	document, err := normalizeIdentifier(documentID, ErrInvalidDocumentID)
	if err != nil {
		return nil, apperr.New(opListActive, "invalid_document_id", err)
	}
	active, err := m.store.ListActive(ctx, document, m.clock().UTC())
	if err != nil {
		m.logError(opListActive, "store_failed", err, zap.String("document_id", document))
		return nil, apperr.New(opListActive, "store_failed", err)
	}
	return active, nil
}

// Sweep deletes lapsed locks and broadcasts an expired event for each.
func (m *Manager) Sweep(ctx context.Context) (int, error) {
	now := m.clock().UTC()
	expired, err := m.store.DeleteExpired(ctx, now)
	if err != nil {
		m.logError(opSweep, "store_failed", err)
		return 0, apperr.New(opSweep, "store_failed", err)
	}
	for _, lock := range expired {
		m.publish(ctx, ActionExpired, lock, now)
	}
	if len(expired) > 0 {
		m.logger.Debug("expired section locks swept", zap.Int("count", len(expired)))
	}
	return len(expired), nil
}

// Run sweeps on the configured interval until ctx ends.
func (m *Manager) Run(ctx context.Context) {
	ticker := time.NewTicker(m.sweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := m.Sweep(ctx); err != nil && ctx.Err() == nil {
				m.logger.Warn("lock sweep failed", zap.Error(err))
			}
		}
	}
}

// ForUser binds the manager to one caller so it satisfies Client.
func (m *Manager) ForUser(userID string) Client {
	return &userClient{manager: m, userID: userID}
}

func (m *Manager) validateAcquire(sectionID, documentID, userID string) (string, string, string, error) {
	section, err := normalizeIdentifier(sectionID, ErrInvalidSectionID)
	if err != nil {
		return "", "", "", apperr.New(opAcquire, "invalid_section_id", err)
	}
	document, err := normalizeIdentifier(documentID, ErrInvalidDocumentID)
	if err != nil {
		return "", "", "", apperr.New(opAcquire, "invalid_document_id", err)
	}
	user, err := normalizeIdentifier(userID, ErrInvalidUserID)
	if err != nil {
		return "", "", "", apperr.New(opAcquire, "invalid_user_id", err)
	}
	return section, document, user, nil
}

func (m *Manager) publish(ctx context.Context, action Action, lock SectionLock, at time.Time) {
	if m.publisher == nil {
		return
	}
	event := newLockEvent(action, lock, at)
	feedEvent, err := toFeedEvent(event, lock)
	if err == nil {
		err = m.publisher.Publish(ctx, feedEvent)
	}
	if err != nil {
		m.logger.Warn("lock event publish failed",
			zap.Error(err),
			zap.String("action", string(action)),
			zap.String("section_id", lock.SectionID),
			zap.String("document_id", lock.DocumentID))
	}
}

func (m *Manager) logError(operation, reason string, err error, fields ...zap.Field) {
	apperr.Log(m.logger, "locks service error", operation, reason, err, fields...)
}

type userClient struct {
	manager *Manager
	userID  string
}

func (c *userClient) Acquire(ctx context.Context, sectionID, documentID string) (AcquireResult, error) {
	return c.manager.Acquire(ctx, sectionID, documentID, c.userID)
}

func (c *userClient) Release(ctx context.Context, sectionID string) (ReleaseResult, error) {
	return c.manager.Release(ctx, sectionID, c.userID)
}

func (c *userClient) Heartbeat(ctx context.Context, sectionID string) (HeartbeatResult, error) {
	return c.manager.Heartbeat(ctx, sectionID, c.userID)
}
