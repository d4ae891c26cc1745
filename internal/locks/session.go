package locks

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/bidroom/collab/internal/retry"
	"go.uber.org/zap"
)

const (
	defaultHeartbeatInterval = 10 * time.Second
	defaultReleaseDelay      = 2 * time.Second
)

var (
	// ErrSessionClosed is returned by Focus after Close.
	ErrSessionClosed = errors.New("locks: edit session closed")
	errMissingClient = errors.New("locks: client is required")
)

// Client is the caller-scoped lock API. The identity comes from the
// transport (session token or a Manager bound with ForUser), never from
// arguments.
type Client interface {
	Acquire(ctx context.Context, sectionID, documentID string) (AcquireResult, error)
	Release(ctx context.Context, sectionID string) (ReleaseResult, error)
	Heartbeat(ctx context.Context, sectionID string) (HeartbeatResult, error)
}

// EditSessionConfig configures an EditSession.
type EditSessionConfig struct {
	Client            Client
	SectionID         string
	DocumentID        string
	HeartbeatInterval time.Duration
	ReleaseDelay      time.Duration
	RetryPolicy       retry.Policy
	// OnLost is called when a heartbeat reports that the lease is gone.
	OnLost func(sectionID string)
	Logger *zap.Logger
}

// EditSession holds one section for one user while it is focused: it
// acquires on focus, heartbeats while held, and releases after a short delay
// on blur unless the section is focused again first.
type EditSession struct {
	client            Client
	sectionID         string
	documentID        string
	heartbeatInterval time.Duration
	releaseDelay      time.Duration
	policy            retry.Policy
	onLost            func(string)
	logger            *zap.Logger

	mu              sync.Mutex
	held            bool
	lock            *SectionLock
	closed          bool
	releaseTimer    *time.Timer
	releaseGen      uint64
	heartbeatCancel context.CancelFunc
	wg              sync.WaitGroup
}

// NewEditSession validates the configuration and constructs an idle session.
func NewEditSession(cfg EditSessionConfig) (*EditSession, error) {
	if cfg.Client == nil {
		return nil, errMissingClient
	}
	sectionID, err := normalizeIdentifier(cfg.SectionID, ErrInvalidSectionID)
	if err != nil {
		return nil, err
	}
	documentID, err := normalizeIdentifier(cfg.DocumentID, ErrInvalidDocumentID)
	if err != nil {
		return nil, err
	}
	heartbeat := cfg.HeartbeatInterval
	if heartbeat <= 0 {
		heartbeat = defaultHeartbeatInterval
	}
	releaseDelay := cfg.ReleaseDelay
	if releaseDelay <= 0 {
		releaseDelay = defaultReleaseDelay
	}
	policy := cfg.RetryPolicy
	if policy.MaxAttempts == 0 && policy.BaseDelay == 0 {
		policy = retry.Policy{MaxAttempts: 2, BaseDelay: time.Second, MaxDelay: 2 * time.Second, Multiplier: 2}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &EditSession{
		client:            cfg.Client,
		sectionID:         sectionID,
		documentID:        documentID,
		heartbeatInterval: heartbeat,
		releaseDelay:      releaseDelay,
		policy:            policy,
		onLost:            cfg.OnLost,
		logger:            logger,
	}, nil
}

// Focus acquires the section, or cancels a pending release when it is
// already held. A contended section yields an unsuccessful result.
func (s *EditSession) Focus(ctx context.Context) (AcquireResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return AcquireResult{}, ErrSessionClosed
	}
	s.cancelPendingReleaseLocked()
	if s.held && s.lock != nil {
		lock := *s.lock
		return AcquireResult{Success: true, Lock: &lock}, nil
	}

	result, err := s.client.Acquire(ctx, s.sectionID, s.documentID)
	if err != nil {
		return AcquireResult{}, err
	}
	if !result.Success {
		return result, nil
	}
	s.held = true
	s.lock = result.Lock
	s.startHeartbeatLocked()
	return result, nil
}

// Blur schedules the release after the configured delay.
func (s *EditSession) Blur() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed || !s.held || s.releaseTimer != nil {
		return
	}
	s.releaseGen++
	generation := s.releaseGen
	s.releaseTimer = time.AfterFunc(s.releaseDelay, func() {
		s.releaseScheduled(generation)
	})
}

// Held reports whether the session currently owns the section.
func (s *EditSession) Held() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.held
}

// ReleasePending reports whether a blur release is scheduled.
func (s *EditSession) ReleasePending() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.releaseTimer != nil
}

// Close releases immediately, stops every timer and waits for the heartbeat
// loop to exit. The session cannot be reused.
func (s *EditSession) Close(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.cancelPendingReleaseLocked()
	wasHeld := s.held
	s.held = false
	s.lock = nil
	s.stopHeartbeatLocked()
	s.mu.Unlock()

	s.wg.Wait()
	if !wasHeld {
		return nil
	}
	_, err := s.client.Release(ctx, s.sectionID)
	return err
}

func (s *EditSession) releaseScheduled(generation uint64) {
	s.mu.Lock()
	if s.releaseGen != generation || s.releaseTimer == nil {
		s.mu.Unlock()
		return
	}
	s.releaseTimer = nil
	if !s.held {
		s.mu.Unlock()
		return
	}
	s.held = false
	s.lock = nil
	s.stopHeartbeatLocked()
	s.mu.Unlock()

	if _, err := s.client.Release(context.Background(), s.sectionID); err != nil {
		s.logger.Warn("section release failed",
			zap.Error(err),
			zap.String("section_id", s.sectionID))
	}
}

func (s *EditSession) cancelPendingReleaseLocked() {
	if s.releaseTimer == nil {
		return
	}
	s.releaseTimer.Stop()
	s.releaseTimer = nil
	s.releaseGen++
}

func (s *EditSession) startHeartbeatLocked() {
	s.stopHeartbeatLocked()
	ctx, cancel := context.WithCancel(context.Background())
	s.heartbeatCancel = cancel
	s.wg.Add(1)
	go s.heartbeatLoop(ctx)
}

func (s *EditSession) stopHeartbeatLocked() {
	if s.heartbeatCancel != nil {
		s.heartbeatCancel()
		s.heartbeatCancel = nil
	}
}

func (s *EditSession) heartbeatLoop(ctx context.Context) {
	defer s.wg.Done()
	ticker := time.NewTicker(s.heartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		var lost bool
		err := retry.Do(ctx, s.policy, func(ctx context.Context, _ int) error {
			result, err := s.client.Heartbeat(ctx, s.sectionID)
			if err != nil {
				return err
			}
			if !result.Success {
				lost = true
				return nil
			}
			s.mu.Lock()
			if s.held && result.Lock != nil {
				s.lock = result.Lock
			}
			s.mu.Unlock()
			return nil
		})
		if ctx.Err() != nil {
			return
		}
		if err != nil {
			s.logger.Warn("section heartbeat failed",
				zap.Error(err),
				zap.String("section_id", s.sectionID))
			continue
		}
		if lost {
			s.handleLost(ctx)
			return
		}
	}
}

func (s *EditSession) handleLost(ctx context.Context) {
	s.mu.Lock()
	if ctx.Err() != nil || !s.held {
		s.mu.Unlock()
		return
	}
	s.held = false
	s.lock = nil
	s.cancelPendingReleaseLocked()
	s.stopHeartbeatLocked()
	onLost := s.onLost
	s.mu.Unlock()

	s.logger.Info("section lease lost", zap.String("section_id", s.sectionID))
	if onLost != nil {
		onLost(s.sectionID)
	}
}
