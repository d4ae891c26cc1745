package notifications

import (
	"encoding/json"
	"time"
)

// Type enumerates notification kinds.
type Type string

const (
	TypeMessageReceived   Type = "message_received"
	TypeProposalSubmitted Type = "proposal_submitted"
	TypeProposalAccepted  Type = "proposal_accepted"
	TypeProposalRejected  Type = "proposal_rejected"
	TypeSectionAssigned   Type = "section_assigned"
	TypeSectionUnlocked   Type = "section_unlocked"
	TypeConflictDetected  Type = "conflict_detected"
	TypeSystem            Type = "system"
)

// Valid reports whether t is a known notification type.
func (t Type) Valid() bool {
	switch t {
	case TypeMessageReceived, TypeProposalSubmitted, TypeProposalAccepted, TypeProposalRejected,
		TypeSectionAssigned, TypeSectionUnlocked, TypeConflictDetected, TypeSystem:
		return true
	default:
		return false
	}
}

// Payload is opaque JSON stored as text and emitted verbatim.
type Payload string

// MarshalJSON emits the stored JSON document, or an empty object.
func (p Payload) MarshalJSON() ([]byte, error) {
	if p == "" {
		return []byte("{}"), nil
	}
	if !json.Valid([]byte(p)) {
		return json.Marshal(string(p))
	}
	return []byte(p), nil
}

// UnmarshalJSON keeps the raw JSON document.
func (p *Payload) UnmarshalJSON(data []byte) error {
	if string(data) == "null" {
		*p = ""
		return nil
	}
	*p = Payload(data)
	return nil
}

// Notification is a per-user notification row. Read only ever moves from
// false to true.
type Notification struct {
	ID          string  `gorm:"column:id;primaryKey;size:64;not null" json:"id"`
	UserID      string  `gorm:"column:user_id;size:190;not null;index:idx_notifications_user_created,priority:1" json:"user_id"`
	Type        Type    `gorm:"column:type;size:64;not null" json:"type"`
	Title       string  `gorm:"column:title;size:512;not null" json:"title"`
	Body        string  `gorm:"column:body;type:text;not null;default:''" json:"body"`
	Data        Payload `gorm:"column:data_json;type:text;not null;default:'{}'" json:"data"`
	Read        bool    `gorm:"column:is_read;not null;default:false" json:"read"`
	ReadAtMs    int64   `gorm:"column:read_at_ms;not null;default:0" json:"read_at_ms,omitempty"`
	CreatedAtMs int64   `gorm:"column:created_at_ms;not null;index:idx_notifications_user_created,priority:2" json:"created_at_ms"`
}

// TableName provides the explicit table binding for GORM.
func (Notification) TableName() string {
	return "notifications"
}

// CreatedAt converts the creation timestamp.
func (n Notification) CreatedAt() time.Time {
	return time.UnixMilli(n.CreatedAtMs).UTC()
}

// CreateRequest describes a notification to deliver.
type CreateRequest struct {
	UserID string
	Type   Type
	Title  string
	Body   string
	Data   any
}

// ConnectionStatus is the relay state of one user.
type ConnectionStatus string

const (
	StatusDisconnected ConnectionStatus = "disconnected"
	StatusConnecting   ConnectionStatus = "connecting"
	StatusConnected    ConnectionStatus = "connected"
)

// ConnectionState describes one user's relay subscription. ReconnectAttempt
// resets to zero on every successful connection; Exhausted is set once the
// automatic retry budget is spent.
type ConnectionState struct {
	Status           ConnectionStatus `json:"status"`
	ReconnectAttempt int              `json:"reconnect_attempt"`
	LastSyncAt       time.Time        `json:"last_sync_at"`
	Exhausted        bool             `json:"exhausted"`
}
