package locks

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/bidroom/collab/internal/feed"
	"github.com/bidroom/collab/internal/retry"
	"go.uber.org/zap"
)

const defaultPollInterval = 15 * time.Second

var (
	errMissingSource = errors.New("locks: feed source is required")
	errMissingLister = errors.New("locks: active lock lister is required")
)

// ObservationSource names where an observation came from.
type ObservationSource string

const (
	SourceFeed ObservationSource = "feed"
	SourcePoll ObservationSource = "poll"
)

// Observation is one input to the viewer-side lock state.
type Observation struct {
	SectionID  string
	DocumentID string
	Locked     bool
	LockedBy   string
	LockID     string
	ExpiresAt  time.Time
	ObservedAt time.Time
	Source     ObservationSource
}

// SectionView is the reconciled lock state of one section as a viewer sees it.
type SectionView struct {
	SectionID  string    `json:"section_id"`
	DocumentID string    `json:"document_id"`
	Locked     bool      `json:"locked"`
	LockedBy   string    `json:"locked_by,omitempty"`
	LockID     string    `json:"lock_id,omitempty"`
	ExpiresAt  time.Time `json:"expires_at,omitempty"`
	ObservedAt time.Time `json:"observed_at"`
}

// LockedAt reports whether the view shows the section locked at the instant,
// applying lazy expiry.
func (v SectionView) LockedAt(now time.Time) bool {
	return v.Locked && (v.ExpiresAt.IsZero() || v.ExpiresAt.After(now))
}

func (v SectionView) sameState(other SectionView) bool {
	return v.Locked == other.Locked &&
		v.LockedBy == other.LockedBy &&
		v.LockID == other.LockID &&
		v.ExpiresAt.Equal(other.ExpiresAt)
}

// ActiveLister lists the unexpired locks of a document.
type ActiveLister interface {
	ListActive(ctx context.Context, documentID string) ([]SectionLock, error)
}

// WatcherConfig configures a Watcher.
type WatcherConfig struct {
	DocumentID   string
	Source       feed.Source
	Lister       ActiveLister
	PollInterval time.Duration
	// OnChange receives every view that Reconcile actually changed.
	OnChange func(SectionView)
	Clock    func() time.Time
	Logger   *zap.Logger
}

// Watcher keeps a document's section lock views current from two independent
// inputs, feed events and a periodic poll, merged by one idempotent Reconcile.
type Watcher struct {
	documentID   string
	source       feed.Source
	lister       ActiveLister
	pollInterval time.Duration
	onChange     func(SectionView)
	clock        func() time.Time
	logger       *zap.Logger

	mu    sync.Mutex
	views map[string]SectionView
}

// NewWatcher constructs a watcher for one document.
func NewWatcher(cfg WatcherConfig) (*Watcher, error) {
	documentID, err := normalizeIdentifier(cfg.DocumentID, ErrInvalidDocumentID)
	if err != nil {
		return nil, err
	}
	if cfg.Source == nil {
		return nil, errMissingSource
	}
	if cfg.Lister == nil {
		return nil, errMissingLister
	}
	pollInterval := cfg.PollInterval
	if pollInterval <= 0 {
		pollInterval = defaultPollInterval
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Watcher{
		documentID:   documentID,
		source:       cfg.Source,
		lister:       cfg.Lister,
		pollInterval: pollInterval,
		onChange:     cfg.OnChange,
		clock:        clock,
		logger:       logger,
		views:        make(map[string]SectionView),
	}, nil
}

// Reconcile applies one observation. Observations older than the current view
// are ignored and repeated observations of the same state change nothing, so
// feed and poll inputs can arrive in any order.
func (w *Watcher) Reconcile(observation Observation) (SectionView, bool) {
	next := SectionView{
		SectionID:  observation.SectionID,
		DocumentID: observation.DocumentID,
		Locked:     observation.Locked,
		ObservedAt: observation.ObservedAt,
	}
	if observation.Locked {
		next.LockedBy = observation.LockedBy
		next.LockID = observation.LockID
		next.ExpiresAt = observation.ExpiresAt
	}

	w.mu.Lock()
	current, known := w.views[observation.SectionID]
	if known && observation.ObservedAt.Before(current.ObservedAt) {
		w.mu.Unlock()
		return current, false
	}
	if known && current.sameState(next) {
		current.ObservedAt = observation.ObservedAt
		w.views[observation.SectionID] = current
		w.mu.Unlock()
		return current, false
	}
	if !known && !next.Locked {
		w.views[observation.SectionID] = next
		w.mu.Unlock()
		return next, false
	}
	w.views[observation.SectionID] = next
	onChange := w.onChange
	w.mu.Unlock()

	if onChange != nil {
		onChange(next)
	}
	return next, true
}

// Snapshot returns the current views ordered by section.
func (w *Watcher) Snapshot() []SectionView {
	w.mu.Lock()
	defer w.mu.Unlock()
	views := make([]SectionView, 0, len(w.views))
	for _, view := range w.views {
		views = append(views, view)
	}
	sort.Slice(views, func(i, j int) bool {
		return views[i].SectionID < views[j].SectionID
	})
	return views
}

// View returns the view of one section.
func (w *Watcher) View(sectionID string) (SectionView, bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	view, ok := w.views[sectionID]
	return view, ok
}

// ApplyEvent converts a lock event into an observation and reconciles it.
func (w *Watcher) ApplyEvent(event Event) (SectionView, bool) {
	observation := Observation{
		SectionID:  event.SectionID,
		DocumentID: event.DocumentID,
		Locked:     event.Holds(),
		LockedBy:   event.UserID,
		LockID:     event.LockID,
		ObservedAt: event.Timestamp,
		Source:     SourceFeed,
	}
	if event.ExpiresAtMs > 0 {
		observation.ExpiresAt = time.UnixMilli(event.ExpiresAtMs).UTC()
	}
	return w.Reconcile(observation)
}

// Poll lists the active locks and reconciles them. Known sections missing from
// the listing are observed as unlocked at the instant the query started.
func (w *Watcher) Poll(ctx context.Context) error {
	observedAt := w.clock().UTC()
	active, err := w.lister.ListActive(ctx, w.documentID)
	if err != nil {
		return err
	}
	seen := make(map[string]struct{}, len(active))
	for _, lock := range active {
		seen[lock.SectionID] = struct{}{}
		w.Reconcile(Observation{
			SectionID:  lock.SectionID,
			DocumentID: lock.DocumentID,
			Locked:     true,
			LockedBy:   lock.OwnerUserID,
			LockID:     lock.LockID,
			ExpiresAt:  lock.ExpiresAt(),
			ObservedAt: observedAt,
			Source:     SourcePoll,
		})
	}
	for _, view := range w.Snapshot() {
		if _, ok := seen[view.SectionID]; ok || !view.Locked {
			continue
		}
		w.Reconcile(Observation{
			SectionID:  view.SectionID,
			DocumentID: view.DocumentID,
			Locked:     false,
			ObservedAt: observedAt,
			Source:     SourcePoll,
		})
	}
	return nil
}

// Run polls once, then consumes feed events and polls on the interval until
// ctx ends. A dropped feed subscription is reopened with the retry policy.
func (w *Watcher) Run(ctx context.Context, policy retry.Policy) error {
	topic, err := Topic(w.documentID)
	if err != nil {
		return err
	}
	if err := w.Poll(ctx); err != nil && ctx.Err() == nil {
		w.logger.Warn("lock poll failed", zap.Error(err), zap.String("document_id", w.documentID))
	}

	ticker := time.NewTicker(w.pollInterval)
	defer ticker.Stop()

	for ctx.Err() == nil {
		var subscription *feed.Subscription
		err := retry.Do(ctx, policy, func(ctx context.Context, _ int) error {
			opened, err := w.source.Subscribe(ctx, topic)
			if err != nil {
				return err
			}
			subscription = opened
			return nil
		})
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
		w.consume(ctx, subscription, ticker.C)
		subscription.Close()
		if ctx.Err() == nil {
			if err := w.Poll(ctx); err != nil && ctx.Err() == nil {
				w.logger.Warn("lock poll after resubscribe failed", zap.Error(err))
			}
		}
	}
	return nil
}

func (w *Watcher) consume(ctx context.Context, subscription *feed.Subscription, ticks <-chan time.Time) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-subscription.Done():
			w.logger.Info("lock feed subscription ended",
				zap.Error(subscription.Err()),
				zap.String("document_id", w.documentID))
			return
		case <-ticks:
			if err := w.Poll(ctx); err != nil && ctx.Err() == nil {
				w.logger.Warn("lock poll failed", zap.Error(err), zap.String("document_id", w.documentID))
			}
		case raw := <-subscription.Events():
			event, err := DecodeEvent(raw)
			if err != nil {
				w.logger.Warn("lock event dropped", zap.Error(err))
				continue
			}
			w.ApplyEvent(event)
		}
	}
}
