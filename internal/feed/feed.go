// Package feed implements the change feed that stores publish row changes to
// and realtime consumers subscribe to. Topics are keyed "entity:scopeID" where
// the scope is the single equality filter the feed supports.
package feed

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"
)

// Operation enumerates the row change kinds carried by the feed.
type Operation string

const (
	// OperationInsert reports a newly created record.
	OperationInsert Operation = "INSERT"
	// OperationUpdate reports a modified record; Old carries the prior row.
	OperationUpdate Operation = "UPDATE"
	// OperationDelete reports a removed record; Old carries the deleted row.
	OperationDelete Operation = "DELETE"
)

const defaultBufferSize = 32

var (
	// ErrBrokerClosed terminates subscriptions when the broker shuts down.
	ErrBrokerClosed = errors.New("feed: broker closed")
	// ErrSlowSubscriber terminates a subscription whose buffer overflowed.
	ErrSlowSubscriber = errors.New("feed: subscriber fell behind")
	// ErrTransportLost terminates subscriptions when the shared transport drops.
	ErrTransportLost = errors.New("feed: transport lost")
	// ErrInvalidTopic indicates an empty entity or scope.
	ErrInvalidTopic = errors.New("feed: invalid topic")
)

// Topic addresses the events of one entity filtered by one scope value.
type Topic struct {
	Entity  string
	ScopeID string
}

// NewTopic validates and returns a topic.
func NewTopic(entity, scopeID string) (Topic, error) {
	entity = strings.TrimSpace(entity)
	scopeID = strings.TrimSpace(scopeID)
	if entity == "" || scopeID == "" || strings.Contains(entity, ":") {
		return Topic{}, fmt.Errorf("%w: %q/%q", ErrInvalidTopic, entity, scopeID)
	}
	return Topic{Entity: entity, ScopeID: scopeID}, nil
}

// ParseTopic parses the "entity:scopeID" form.
func ParseTopic(raw string) (Topic, error) {
	entity, scopeID, found := strings.Cut(raw, ":")
	if !found {
		return Topic{}, fmt.Errorf("%w: %q", ErrInvalidTopic, raw)
	}
	return NewTopic(entity, scopeID)
}

// String renders the topic key.
func (t Topic) String() string {
	return t.Entity + ":" + t.ScopeID
}

// Event is a single committed row change.
type Event struct {
	Topic       string          `json:"topic"`
	Operation   Operation       `json:"operation"`
	New         json.RawMessage `json:"new,omitempty"`
	Old         json.RawMessage `json:"old,omitempty"`
	CommittedAt time.Time       `json:"committed_at"`
}

// NewEvent marshals the new and old rows into an event. Nil rows are omitted.
func NewEvent(topic Topic, operation Operation, newRecord, oldRecord any, committedAt time.Time) (Event, error) {
	event := Event{
		Topic:       topic.String(),
		Operation:   operation,
		CommittedAt: committedAt.UTC(),
	}
	if newRecord != nil {
		encoded, err := json.Marshal(newRecord)
		if err != nil {
			return Event{}, fmt.Errorf("feed: encode new record: %w", err)
		}
		event.New = encoded
	}
	if oldRecord != nil {
		encoded, err := json.Marshal(oldRecord)
		if err != nil {
			return Event{}, fmt.Errorf("feed: encode old record: %w", err)
		}
		event.Old = encoded
	}
	return event, nil
}

// Publisher accepts committed changes.
type Publisher interface {
	Publish(ctx context.Context, event Event) error
}

// Source opens subscriptions on a topic.
type Source interface {
	Subscribe(ctx context.Context, topic Topic) (*Subscription, error)
}

// Subscription is a live stream of events for one topic. Events is never
// closed; consumers select on Done and inspect Err once it fires.
type Subscription struct {
	id      int64
	topic   string
	stream  chan Event
	done    chan struct{}
	once    sync.Once
	mu      sync.Mutex
	err     error
	release func()
}

// Topic returns the subscribed topic key.
func (s *Subscription) Topic() string {
	return s.topic
}

// Events exposes the buffered event stream.
func (s *Subscription) Events() <-chan Event {
	return s.stream
}

// Done closes when the subscription ends for any reason.
func (s *Subscription) Done() <-chan struct{} {
	return s.done
}

// Err reports why the subscription ended; nil while active or after Close.
func (s *Subscription) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Close ends the subscription without an error.
func (s *Subscription) Close() {
	s.terminate(nil)
}

func (s *Subscription) terminate(reason error) {
	s.once.Do(func() {
		s.mu.Lock()
		s.err = reason
		s.mu.Unlock()
		close(s.done)
		if s.release != nil {
			s.release()
		}
	})
}

// Broker fans events out to in-process subscribers.
type Broker struct {
	mu          sync.RWMutex
	subscribers map[string]map[int64]*Subscription
	nextID      int64
	bufferSize  int
	closed      bool
}

// BrokerOption customises a Broker.
type BrokerOption func(*Broker)

// WithBufferSize overrides the per-subscriber buffer.
func WithBufferSize(size int) BrokerOption {
	return func(b *Broker) {
		if size > 0 {
			b.bufferSize = size
		}
	}
}

// NewBroker constructs an empty broker.
func NewBroker(opts ...BrokerOption) *Broker {
	broker := &Broker{
		subscribers: make(map[string]map[int64]*Subscription),
		bufferSize:  defaultBufferSize,
	}
	for _, opt := range opts {
		opt(broker)
	}
	return broker
}

// Subscribe registers a subscriber that lives until ctx ends or Close is called.
func (b *Broker) Subscribe(ctx context.Context, topic Topic) (*Subscription, error) {
	if topic.Entity == "" || topic.ScopeID == "" {
		return nil, ErrInvalidTopic
	}
	key := topic.String()

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil, ErrBrokerClosed
	}
	b.nextID++
	subscription := &Subscription{
		id:     b.nextID,
		topic:  key,
		stream: make(chan Event, b.bufferSize),
		done:   make(chan struct{}),
	}
	subscriberID := subscription.id
	subscription.release = func() {
		b.unregister(key, subscriberID)
	}
	if _, ok := b.subscribers[key]; !ok {
		b.subscribers[key] = make(map[int64]*Subscription)
	}
	b.subscribers[key][subscription.id] = subscription
	b.mu.Unlock()

	go func() {
		select {
		case <-ctx.Done():
			subscription.terminate(ctx.Err())
		case <-subscription.done:
		}
	}()
	return subscription, nil
}

// Publish delivers the event to every subscriber of its topic. Subscribers
// whose buffer is full are dropped with ErrSlowSubscriber.
func (b *Broker) Publish(_ context.Context, event Event) error {
	if event.Topic == "" || event.Operation == "" {
		return ErrInvalidTopic
	}
	b.mu.RLock()
	if b.closed {
		b.mu.RUnlock()
		return ErrBrokerClosed
	}
	subscribers := b.subscribers[event.Topic]
	copies := make([]*Subscription, 0, len(subscribers))
	for _, subscriber := range subscribers {
		copies = append(copies, subscriber)
	}
	b.mu.RUnlock()

	for _, subscriber := range copies {
		select {
		case <-subscriber.done:
		case subscriber.stream <- event:
		default:
			subscriber.terminate(ErrSlowSubscriber)
		}
	}
	return nil
}

// DropAll terminates every live subscription with reason, keeping the broker open.
func (b *Broker) DropAll(reason error) int {
	b.mu.RLock()
	victims := make([]*Subscription, 0)
	for _, subscribers := range b.subscribers {
		for _, subscriber := range subscribers {
			victims = append(victims, subscriber)
		}
	}
	b.mu.RUnlock()
	for _, subscriber := range victims {
		subscriber.terminate(reason)
	}
	return len(victims)
}

// SubscriberCount reports the live subscribers of a topic.
func (b *Broker) SubscriberCount(topic Topic) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subscribers[topic.String()])
}

// Close terminates all subscriptions and rejects further use.
func (b *Broker) Close() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	b.mu.Unlock()
	b.DropAll(ErrBrokerClosed)
}

func (b *Broker) unregister(key string, subscriberID int64) {
	b.mu.Lock()
	subscribers := b.subscribers[key]
	if subscribers != nil {
		delete(subscribers, subscriberID)
		if len(subscribers) == 0 {
			delete(b.subscribers, key)
		}
	}
	b.mu.Unlock()
}
