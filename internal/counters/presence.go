package counters

import (
	"context"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/bidroom/collab/internal/feed"
	"github.com/bidroom/collab/internal/locks"
	"go.uber.org/zap"
)

// Editor is a user holding a section of the document.
type Editor struct {
	UserID    string    `json:"user_id"`
	SectionID string    `json:"section_id"`
	Since     time.Time `json:"since"`
	ExpiresAt time.Time `json:"expires_at"`
}

// PresenceConfig describes a Presence model.
type PresenceConfig struct {
	DocumentID string
	Lister     locks.ActiveLister
	Source     feed.Source
	OnChange   func([]Editor)
	Logger     *zap.Logger
}

// Presence is the set of users currently editing a document, derived from
// lock events and seeded from the active locks.
type Presence struct {
	documentID string
	lister     locks.ActiveLister
	source     feed.Source
	onChange   func([]Editor)
	logger     *zap.Logger

	mu      sync.Mutex
	editors map[string]Editor

	runMu  sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

// NewPresence validates the configuration.
func NewPresence(cfg PresenceConfig) (*Presence, error) {
	documentID := strings.TrimSpace(cfg.DocumentID)
	if documentID == "" {
		return nil, locks.ErrInvalidDocumentID
	}
	if cfg.Lister == nil {
		return nil, errMissingLister
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Presence{
		documentID: documentID,
		lister:     cfg.Lister,
		source:     cfg.Source,
		onChange:   cfg.OnChange,
		logger:     logger,
		editors:    make(map[string]Editor),
	}, nil
}

// Seed replaces the model with the document's active locks.
func (p *Presence) Seed(ctx context.Context) error {
	active, err := p.lister.ListActive(ctx, p.documentID)
	if err != nil {
		return err
	}
	p.mu.Lock()
	p.editors = make(map[string]Editor, len(active))
	for _, lock := range active {
		p.editors[lock.SectionID] = Editor{
			UserID:    lock.OwnerUserID,
			SectionID: lock.SectionID,
			Since:     lock.AcquiredAt(),
			ExpiresAt: lock.ExpiresAt(),
		}
	}
	p.mu.Unlock()
	p.changed()
	return nil
}

// Apply folds one lock event into the model.
func (p *Presence) Apply(event locks.Event) {
	if event.DocumentID != p.documentID {
		return
	}
	p.mu.Lock()
	if event.Holds() {
		editor := Editor{
			UserID:    event.UserID,
			SectionID: event.SectionID,
			Since:     event.Timestamp,
			ExpiresAt: time.UnixMilli(event.ExpiresAtMs).UTC(),
		}
		if previous, ok := p.editors[event.SectionID]; ok && previous.UserID == event.UserID {
			editor.Since = previous.Since
		}
		p.editors[event.SectionID] = editor
	} else {
		previous, ok := p.editors[event.SectionID]
		if !ok || previous.UserID != event.UserID {
			p.mu.Unlock()
			return
		}
		delete(p.editors, event.SectionID)
	}
	p.mu.Unlock()
	p.changed()
}

// Editors lists the section holders ordered by section.
func (p *Presence) Editors() []Editor {
	p.mu.Lock()
	defer p.mu.Unlock()
	editors := make([]Editor, 0, len(p.editors))
	for _, editor := range p.editors {
		editors = append(editors, editor)
	}
	slices.SortFunc(editors, func(left, right Editor) int {
		return strings.Compare(left.SectionID, right.SectionID)
	})
	return editors
}

// ActiveUsers lists the distinct users holding at least one section.
func (p *Presence) ActiveUsers() []string {
	editors := p.Editors()
	users := make([]string, 0, len(editors))
	for _, editor := range editors {
		users = append(users, editor.UserID)
	}
	slices.Sort(users)
	return slices.Compact(users)
}

// Start seeds the model and follows the document's lock feed until ctx ends
// or Close is called. The subscription is opened before seeding so no event
// between the two is missed.
func (p *Presence) Start(ctx context.Context) error {
	if p.source == nil {
		return errMissingSource
	}
	topic, err := locks.Topic(p.documentID)
	if err != nil {
		return err
	}
	p.runMu.Lock()
	if p.cancel != nil {
		p.runMu.Unlock()
		return errAlreadyStarted
	}
	runCtx, cancel := context.WithCancel(ctx)
	subscription, err := p.source.Subscribe(runCtx, topic)
	if err != nil {
		p.runMu.Unlock()
		cancel()
		return err
	}
	p.cancel = cancel
	p.done = make(chan struct{})
	done := p.done
	p.runMu.Unlock()

	if err := p.Seed(runCtx); err != nil {
		p.logger.Warn("presence seed failed", zap.Error(err), zap.String("document_id", p.documentID))
	}
	go p.follow(runCtx, subscription, done)
	return nil
}

// Close stops following the feed and waits for the follower to exit.
func (p *Presence) Close() {
	p.runMu.Lock()
	cancel, done := p.cancel, p.done
	p.runMu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	<-done
}

func (p *Presence) follow(ctx context.Context, subscription *feed.Subscription, done chan struct{}) {
	defer close(done)
	defer subscription.Close()
	for {
		select {
		case <-ctx.Done():
			return
		case <-subscription.Done():
			if ctx.Err() == nil {
				p.logger.Info("presence feed ended", zap.Error(subscription.Err()), zap.String("document_id", p.documentID))
			}
			return
		case event := <-subscription.Events():
			decoded, err := locks.DecodeEvent(event)
			if err != nil {
				p.logger.Warn("lock event dropped", zap.Error(err))
				continue
			}
			p.Apply(decoded)
		}
	}
}

func (p *Presence) changed() {
	if p.onChange != nil {
		p.onChange(p.Editors())
	}
}
