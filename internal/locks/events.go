package locks

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/bidroom/collab/internal/feed"
)

// FeedEntity is the feed entity name for lock events; the scope is the document id.
const FeedEntity = "locks"

// Action enumerates lock lifecycle transitions broadcast to listeners.
type Action string

const (
	ActionAcquired Action = "acquired"
	ActionReleased Action = "released"
	ActionExpired  Action = "expired"
	// ActionRenewed is emitted when an owner re-acquires its own lock.
	// Heartbeats are not broadcast.
	ActionRenewed Action = "renewed"
)

// Event is the lock change payload carried in feed events.
type Event struct {
	Action      Action    `json:"action"`
	SectionID   string    `json:"section_id"`
	DocumentID  string    `json:"document_id"`
	UserID      string    `json:"user_id"`
	LockID      string    `json:"lock_id"`
	ExpiresAtMs int64     `json:"expires_at_ms,omitempty"`
	Timestamp   time.Time `json:"timestamp"`
}

// Holds reports whether the event leaves the section locked.
func (e Event) Holds() bool {
	return e.Action == ActionAcquired || e.Action == ActionRenewed
}

// Topic returns the feed topic for a document's lock events.
func Topic(documentID string) (feed.Topic, error) {
	return feed.NewTopic(FeedEntity, documentID)
}

func newLockEvent(action Action, lock SectionLock, timestamp time.Time) Event {
	event := Event{
		Action:     action,
		SectionID:  lock.SectionID,
		DocumentID: lock.DocumentID,
		UserID:     lock.OwnerUserID,
		LockID:     lock.LockID,
		Timestamp:  timestamp.UTC(),
	}
	if event.Holds() {
		event.ExpiresAtMs = lock.ExpiresAtMs
	}
	return event
}

func feedOperation(action Action) feed.Operation {
	switch action {
	case ActionAcquired:
		return feed.OperationInsert
	case ActionRenewed:
		return feed.OperationUpdate
	default:
		return feed.OperationDelete
	}
}

func toFeedEvent(event Event, lock SectionLock) (feed.Event, error) {
	topic, err := Topic(event.DocumentID)
	if err != nil {
		return feed.Event{}, err
	}
	var oldRecord any
	if !event.Holds() {
		oldRecord = lock
	}
	return feed.NewEvent(topic, feedOperation(event.Action), event, oldRecord, event.Timestamp)
}

// DecodeEvent extracts the lock event carried by a feed event.
func DecodeEvent(event feed.Event) (Event, error) {
	var decoded Event
	if len(event.New) == 0 {
		return Event{}, fmt.Errorf("locks: feed event without payload")
	}
	if err := json.Unmarshal(event.New, &decoded); err != nil {
		return Event{}, fmt.Errorf("locks: decode feed event: %w", err)
	}
	return decoded, nil
}
