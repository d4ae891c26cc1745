// Package counters keeps client-side read models that follow the change
// feed: unread message counts and the active editors of a document.
package counters

import (
	"context"
	"encoding/json"
	"errors"
	"sync"

	"github.com/bidroom/collab/internal/feed"
	"github.com/bidroom/collab/internal/messages"
	"github.com/bidroom/collab/internal/retry"
	"go.uber.org/zap"
)

var (
	errMissingStore   = errors.New("counters: unread store is required")
	errMissingSource  = errors.New("counters: feed source is required")
	errMissingLister  = errors.New("counters: active lock lister is required")
	errAlreadyStarted = errors.New("counters: already started")
)

// MutationState is the lifecycle of an optimistic update.
type MutationState string

const (
	MutationPending    MutationState = "pending"
	MutationCommitted  MutationState = "committed"
	MutationRolledBack MutationState = "rolled_back"
)

// Mutation records one optimistic change and the snapshot it replaced.
type Mutation struct {
	mu       sync.Mutex
	state    MutationState
	snapshot int64
	err      error
}

// State reports where the mutation is in its lifecycle.
func (m *Mutation) State() MutationState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Snapshot is the count captured before the optimistic write.
func (m *Mutation) Snapshot() int64 {
	return m.snapshot
}

// Err is the failure that caused a rollback.
func (m *Mutation) Err() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.err
}

func (m *Mutation) settle(state MutationState, err error) {
	m.mu.Lock()
	m.state = state
	m.err = err
	m.mu.Unlock()
}

// UnreadStore is the authoritative side of the counter.
type UnreadStore interface {
	UnreadIDs(ctx context.Context, scope messages.Scope) ([]string, error)
	MarkRead(ctx context.Context, scope messages.Scope) (int, error)
}

// UnreadConfig describes an UnreadCounter.
type UnreadConfig struct {
	Scope    messages.Scope
	Store    UnreadStore
	Source   feed.Source
	Policy   retry.Policy
	OnChange func(count int64)
	Logger   *zap.Logger
}

// UnreadCounter is the unread message count of one viewer in one scope,
// fetched from the store and then kept current from the project feed.
type UnreadCounter struct {
	scope    messages.Scope
	store    UnreadStore
	source   feed.Source
	policy   retry.Policy
	onChange func(int64)
	logger   *zap.Logger

	mu      sync.Mutex
	count   int64
	seen    map[string]struct{}
	pending *Mutation

	runMu  sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

// NewUnreadCounter validates the configuration.
func NewUnreadCounter(cfg UnreadConfig) (*UnreadCounter, error) {
	if cfg.Store == nil {
		return nil, errMissingStore
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	policy := cfg.Policy
	if policy.MaxAttempts == 0 && policy.BaseDelay == 0 {
		policy = retry.DefaultPolicy()
	}
	return &UnreadCounter{
		scope:    cfg.Scope,
		store:    cfg.Store,
		source:   cfg.Source,
		policy:   policy,
		onChange: cfg.OnChange,
		logger:   logger,
		seen:     make(map[string]struct{}),
	}, nil
}

// Count returns the current local count.
func (c *UnreadCounter) Count() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.count
}

// Pending reports whether a MarkRead is waiting for the store.
func (c *UnreadCounter) Pending() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.pending != nil
}

// FetchCount replaces the local count with the store's. The fetched messages
// are remembered so their INSERT events, still queued on the feed, are not
// counted a second time.
func (c *UnreadCounter) FetchCount(ctx context.Context) (int64, error) {
	identifiers, err := c.store.UnreadIDs(ctx, c.scope)
	if err != nil {
		return 0, err
	}
	count := int64(len(identifiers))
	c.mu.Lock()
	for _, identifier := range identifiers {
		c.seen[identifier] = struct{}{}
	}
	c.count = count
	c.mu.Unlock()
	c.changed(count)
	return count, nil
}

// MarkRead optimistically resets the count to zero and commits it to the
// store. On failure the count returns to the snapshot taken before the reset
// and the mutation is rolled back.
func (c *UnreadCounter) MarkRead(ctx context.Context) (*Mutation, error) {
	c.mu.Lock()
	mutation := &Mutation{state: MutationPending, snapshot: c.count}
	c.pending = mutation
	c.count = 0
	c.mu.Unlock()
	c.changed(0)

	if _, err := c.store.MarkRead(ctx, c.scope); err != nil {
		c.mu.Lock()
		c.count = mutation.snapshot
		c.pending = nil
		c.mu.Unlock()
		mutation.settle(MutationRolledBack, err)
		c.changed(mutation.snapshot)
		c.logger.Warn("mark read rolled back",
			zap.Error(err),
			zap.String("project_id", c.scope.ProjectID),
			zap.String("viewer_id", c.scope.ViewerID))
		return mutation, err
	}
	c.mu.Lock()
	c.pending = nil
	c.mu.Unlock()
	mutation.settle(MutationCommitted, nil)
	return mutation, nil
}

// Start fetches the count and follows the project feed until ctx ends or
// Close is called.
func (c *UnreadCounter) Start(ctx context.Context) error {
	if c.source == nil {
		return errMissingSource
	}
	topic, err := messages.Topic(c.scope.ProjectID)
	if err != nil {
		return err
	}
	c.runMu.Lock()
	if c.cancel != nil {
		c.runMu.Unlock()
		return errAlreadyStarted
	}
	runCtx, cancel := context.WithCancel(ctx)
	subscription, err := c.source.Subscribe(runCtx, topic)
	if err != nil {
		c.runMu.Unlock()
		cancel()
		return err
	}
	c.cancel = cancel
	c.done = make(chan struct{})
	done := c.done
	c.runMu.Unlock()

	if _, err := c.FetchCount(runCtx); err != nil {
		c.logger.Warn("unread count fetch failed", zap.Error(err), zap.String("project_id", c.scope.ProjectID))
	}
	go c.follow(runCtx, topic, subscription, done)
	return nil
}

// Close stops following the feed and waits for the follower to exit.
func (c *UnreadCounter) Close() {
	c.runMu.Lock()
	cancel, done := c.cancel, c.done
	c.runMu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	<-done
}

func (c *UnreadCounter) follow(ctx context.Context, topic feed.Topic, subscription *feed.Subscription, done chan struct{}) {
	defer close(done)
	for {
		lost := c.consume(ctx, subscription)
		subscription.Close()
		if !lost {
			return
		}
		err := retry.Do(ctx, c.policy, func(ctx context.Context, _ int) error {
			opened, err := c.source.Subscribe(ctx, topic)
			if err != nil {
				return err
			}
			subscription = opened
			return nil
		}, retry.DelayFirst())
		if err != nil {
			if ctx.Err() == nil {
				c.logger.Warn("unread counter feed lost", zap.Error(err), zap.String("project_id", c.scope.ProjectID))
			}
			return
		}
		if _, err := c.FetchCount(ctx); err != nil {
			c.logger.Warn("unread count refetch failed", zap.Error(err), zap.String("project_id", c.scope.ProjectID))
		}
	}
}

func (c *UnreadCounter) consume(ctx context.Context, subscription *feed.Subscription) bool {
	for {
		select {
		case <-ctx.Done():
			return false
		case <-subscription.Done():
			return ctx.Err() == nil
		case event := <-subscription.Events():
			c.apply(ctx, event)
		}
	}
}

// apply counts each in-scope message from another sender once; read
// markers trigger a refetch.
func (c *UnreadCounter) apply(ctx context.Context, event feed.Event) {
	switch event.Operation {
	case feed.OperationInsert:
		var message messages.Message
		if err := json.Unmarshal(event.New, &message); err != nil {
			c.logger.Warn("message event dropped", zap.Error(err))
			return
		}
		if !c.scope.Matches(message) {
			return
		}
		c.mu.Lock()
		if _, ok := c.seen[message.ID]; ok {
			c.mu.Unlock()
			return
		}
		c.seen[message.ID] = struct{}{}
		c.count++
		count := c.count
		c.mu.Unlock()
		c.changed(count)
	case feed.OperationUpdate:
		if _, err := c.FetchCount(ctx); err != nil && ctx.Err() == nil {
			c.logger.Warn("unread count refetch failed", zap.Error(err), zap.String("project_id", c.scope.ProjectID))
		}
	}
}

func (c *UnreadCounter) changed(count int64) {
	if c.onChange != nil {
		c.onChange(count)
	}
}
