package notifications

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/bidroom/collab/internal/feed"
	"github.com/bidroom/collab/internal/retry"
	"go.uber.org/zap"
)

var (
	// ErrRelayDisposed is returned once Dispose has run.
	ErrRelayDisposed = errors.New("notifications: relay disposed")
	// ErrNotSubscribed is returned for users without an active relay session.
	ErrNotSubscribed = errors.New("notifications: user not subscribed")
	errMissingSource = errors.New("notifications: feed source is required")
	errMissingStore  = errors.New("notifications: missing-notification store is required")
)

// MissedStore fetches notifications created after a point in time.
type MissedStore interface {
	ListSince(ctx context.Context, userID string, since time.Time) ([]Notification, error)
}

// Handlers receive one user's notification changes. They run on the user's
// relay goroutine and must not call Unsubscribe, Reconnect or Dispose.
type Handlers struct {
	OnNewNotification     func(Notification)
	OnNotificationRead    func(Notification)
	OnNotificationDeleted func(Notification)
	OnStatusChange        func(ConnectionState)
}

// RelayConfig describes the dependencies of a Relay.
type RelayConfig struct {
	Source feed.Source
	Store  MissedStore
	Policy retry.Policy
	Clock  func() time.Time
	Logger *zap.Logger
}

// Relay keeps one feed subscription per user, reconnects with capped
// exponential backoff and backfills what was missed while disconnected.
type Relay struct {
	source feed.Source
	store  MissedStore
	policy retry.Policy
	clock  func() time.Time
	logger *zap.Logger

	mu       sync.Mutex
	sessions map[string]*relaySession
	disposed bool
}

type relaySession struct {
	userID   string
	handlers Handlers
	cancel   context.CancelFunc
	done     chan struct{}

	mu        sync.Mutex
	state     ConnectionState
	delivered map[string]int64
	syncFirst bool
}

// NewRelay validates the configuration and constructs a Relay.
func NewRelay(cfg RelayConfig) (*Relay, error) {
	if cfg.Source == nil {
		return nil, errMissingSource
	}
	if cfg.Store == nil {
		return nil, errMissingStore
	}
	policy := cfg.Policy
	if policy.MaxAttempts == 0 && policy.BaseDelay == 0 {
		policy = retry.DefaultPolicy()
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Relay{
		source:   cfg.Source,
		store:    cfg.Store,
		policy:   policy,
		clock:    clock,
		logger:   logger,
		sessions: make(map[string]*relaySession),
	}, nil
}

// Subscribe starts relaying userID's notifications to handlers until the
// returned function, Unsubscribe, Dispose or the end of ctx. An existing
// session for the user is replaced.
func (r *Relay) Subscribe(ctx context.Context, userID string, handlers Handlers) (func(), error) {
	return r.start(ctx, userID, handlers, nil)
}

// SubscribeSince is Subscribe for a client resuming from a known point:
// notifications created after since are delivered once connected.
func (r *Relay) SubscribeSince(ctx context.Context, userID string, since time.Time, handlers Handlers) (func(), error) {
	resumeAt := since.UTC()
	return r.start(ctx, userID, handlers, &resumeAt)
}

// Reconnect resets the retry budget and subscribes again. Notifications
// created since the previous session's last sync are delivered once connected.
func (r *Relay) Reconnect(ctx context.Context, userID string, handlers Handlers) (func(), error) {
	userID = strings.TrimSpace(userID)
	var lastSync *time.Time
	r.mu.Lock()
	if previous, ok := r.sessions[userID]; ok {
		state := previous.snapshot()
		lastSync = &state.LastSyncAt
	}
	r.mu.Unlock()
	r.Unsubscribe(userID)
	return r.start(ctx, userID, handlers, lastSync)
}

// Unsubscribe stops the user's session, cancels its retry timers and waits
// for its goroutine to exit.
func (r *Relay) Unsubscribe(userID string) {
	userID = strings.TrimSpace(userID)
	r.mu.Lock()
	session, ok := r.sessions[userID]
	if ok {
		delete(r.sessions, userID)
	}
	r.mu.Unlock()
	if !ok {
		return
	}
	session.cancel()
	<-session.done
}

// State reports the connection state of a user's session.
func (r *Relay) State(userID string) (ConnectionState, bool) {
	r.mu.Lock()
	session, ok := r.sessions[strings.TrimSpace(userID)]
	r.mu.Unlock()
	if !ok {
		return ConnectionState{Status: StatusDisconnected}, false
	}
	return session.snapshot(), true
}

// SyncMissedNotifications returns the user's notifications created strictly
// after the session's last sync, oldest first.
func (r *Relay) SyncMissedNotifications(ctx context.Context, userID string) ([]Notification, error) {
	r.mu.Lock()
	session, ok := r.sessions[strings.TrimSpace(userID)]
	r.mu.Unlock()
	if !ok {
		return nil, ErrNotSubscribed
	}
	return r.store.ListSince(ctx, session.userID, session.snapshot().LastSyncAt)
}

// Dispose stops every session and rejects further subscriptions.
func (r *Relay) Dispose() {
	r.mu.Lock()
	r.disposed = true
	sessions := make([]*relaySession, 0, len(r.sessions))
	for userID, session := range r.sessions {
		sessions = append(sessions, session)
		delete(r.sessions, userID)
	}
	r.mu.Unlock()
	for _, session := range sessions {
		session.cancel()
	}
	for _, session := range sessions {
		<-session.done
	}
}

func (r *Relay) start(ctx context.Context, userID string, handlers Handlers, lastSync *time.Time) (func(), error) {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return nil, errMissingUserID
	}
	r.Unsubscribe(userID)

	sessionCtx, cancel := context.WithCancel(ctx)
	session := &relaySession{
		userID:    userID,
		handlers:  handlers,
		cancel:    cancel,
		done:      make(chan struct{}),
		delivered: make(map[string]int64),
		state: ConnectionState{
			Status:     StatusConnecting,
			LastSyncAt: r.clock().UTC(),
		},
	}
	if lastSync != nil {
		session.state.LastSyncAt = *lastSync
		session.syncFirst = true
	}

	r.mu.Lock()
	if r.disposed {
		r.mu.Unlock()
		cancel()
		return nil, ErrRelayDisposed
	}
	r.sessions[userID] = session
	r.mu.Unlock()

	go r.run(sessionCtx, session)
	return func() {
		r.mu.Lock()
		current, ok := r.sessions[userID]
		if ok && current == session {
			delete(r.sessions, userID)
		}
		r.mu.Unlock()
		session.cancel()
		<-session.done
	}, nil
}

func (r *Relay) run(ctx context.Context, session *relaySession) {
	defer close(session.done)
	defer r.forget(session)

	topic, err := Topic(session.userID)
	if err != nil {
		r.logger.Warn("notification relay topic invalid", zap.Error(err))
		return
	}

	r.emit(session, session.update(func(state *ConnectionState) {
		state.Status = StatusConnecting
	}))
	openedAt := r.clock().UTC()
	subscription, err := r.source.Subscribe(ctx, topic)
	syncAfterConnect := session.syncFirst
	if err != nil {
		subscription = nil
		r.logger.Warn("notification relay subscribe failed", zap.Error(err), zap.String("user_id", session.userID))
	}

	for {
		if subscription != nil {
			r.emit(session, session.update(func(state *ConnectionState) {
				state.Status = StatusConnected
				state.ReconnectAttempt = 0
				state.Exhausted = false
			}))
			if syncAfterConnect {
				r.syncAfterConnect(ctx, session, openedAt)
			} else {
				session.advanceSync(openedAt)
			}
			lost := r.consume(ctx, session, subscription)
			subscription.Close()
			subscription = nil
			if !lost {
				return
			}
		}
		if ctx.Err() != nil {
			return
		}

		r.emit(session, session.update(func(state *ConnectionState) {
			state.Status = StatusDisconnected
		}))
		syncAfterConnect = true
		err := retry.Do(ctx, r.policy, func(ctx context.Context, attempt int) error {
			r.emit(session, session.update(func(state *ConnectionState) {
				state.Status = StatusConnecting
				state.ReconnectAttempt = attempt
			}))
			openedAt = r.clock().UTC()
			opened, err := r.source.Subscribe(ctx, topic)
			if err != nil {
				if ctx.Err() == nil {
					r.emit(session, session.update(func(state *ConnectionState) {
						state.Status = StatusDisconnected
					}))
				}
				return err
			}
			subscription = opened
			return nil
		}, retry.DelayFirst())
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			r.logger.Warn("notification relay reconnect exhausted",
				zap.Error(err),
				zap.String("user_id", session.userID))
			r.emit(session, session.update(func(state *ConnectionState) {
				state.Status = StatusDisconnected
				state.Exhausted = true
			}))
			<-ctx.Done()
			return
		}
	}
}

// consume relays events until the subscription ends (true) or ctx ends (false).
func (r *Relay) consume(ctx context.Context, session *relaySession, subscription *feed.Subscription) bool {
	for {
		select {
		case <-ctx.Done():
			return false
		case <-subscription.Done():
			if ctx.Err() != nil {
				return false
			}
			r.drain(session, subscription)
			r.logger.Info("notification feed lost",
				zap.Error(subscription.Err()),
				zap.String("user_id", session.userID))
			return true
		case event := <-subscription.Events():
			r.dispatch(session, event)
		}
	}
}

func (r *Relay) drain(session *relaySession, subscription *feed.Subscription) {
	for {
		select {
		case event := <-subscription.Events():
			r.dispatch(session, event)
		default:
			return
		}
	}
}

func (r *Relay) dispatch(session *relaySession, event feed.Event) {
	switch event.Operation {
	case feed.OperationInsert:
		notification, ok := r.decode(event.New)
		if !ok {
			return
		}
		r.deliverNew(session, notification)
	case feed.OperationUpdate:
		updated, ok := r.decode(event.New)
		if !ok || !updated.Read {
			return
		}
		if len(event.Old) > 0 {
			previous, ok := r.decode(event.Old)
			if ok && previous.Read {
				return
			}
		}
		if session.handlers.OnNotificationRead != nil {
			session.handlers.OnNotificationRead(updated)
		}
	case feed.OperationDelete:
		removed, ok := r.decode(event.Old)
		if !ok {
			return
		}
		if session.handlers.OnNotificationDeleted != nil {
			session.handlers.OnNotificationDeleted(removed)
		}
	}
}

func (r *Relay) decode(raw json.RawMessage) (Notification, bool) {
	if len(raw) == 0 {
		return Notification{}, false
	}
	var notification Notification
	if err := json.Unmarshal(raw, &notification); err != nil {
		r.logger.Warn("notification event dropped", zap.Error(err))
		return Notification{}, false
	}
	return notification, true
}

func (r *Relay) deliverNew(session *relaySession, notification Notification) {
	if !session.markDelivered(notification) {
		return
	}
	if session.handlers.OnNewNotification != nil {
		session.handlers.OnNewNotification(notification)
	}
}

func (r *Relay) syncAfterConnect(ctx context.Context, session *relaySession, openedAt time.Time) {
	missed, err := r.store.ListSince(ctx, session.userID, session.snapshot().LastSyncAt)
	if err != nil {
		if ctx.Err() == nil {
			r.logger.Warn("missed notification sync failed", zap.Error(err), zap.String("user_id", session.userID))
		}
		return
	}
	for _, notification := range missed {
		r.deliverNew(session, notification)
	}
	session.advanceSync(openedAt)
}

func (r *Relay) emit(session *relaySession, state ConnectionState) {
	if session.handlers.OnStatusChange != nil {
		session.handlers.OnStatusChange(state)
	}
}

func (r *Relay) forget(session *relaySession) {
	r.mu.Lock()
	if current, ok := r.sessions[session.userID]; ok && current == session {
		delete(r.sessions, session.userID)
	}
	r.mu.Unlock()
}

func (s *relaySession) snapshot() ConnectionState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *relaySession) update(mutate func(*ConnectionState)) ConnectionState {
	s.mu.Lock()
	defer s.mu.Unlock()
	mutate(&s.state)
	return s.state
}

// markDelivered records the id and reports whether it was new.
func (s *relaySession) markDelivered(notification Notification) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, seen := s.delivered[notification.ID]; seen {
		return false
	}
	s.delivered[notification.ID] = notification.CreatedAtMs
	return true
}

// advanceSync moves the sync point forward and forgets delivered ids that
// no later sync can return.
func (s *relaySession) advanceSync(at time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !at.After(s.state.LastSyncAt) {
		return
	}
	s.state.LastSyncAt = at
	cutoff := at.UnixMilli()
	for id, createdAtMs := range s.delivered {
		if createdAtMs <= cutoff {
			delete(s.delivered, id)
		}
	}
}
