package messages

import (
	"time"
)

// Message is a project (optionally proposal scoped) chat message.
type Message struct {
	ID          string `gorm:"column:id;primaryKey;size:64;not null" json:"id"`
	ProjectID   string `gorm:"column:project_id;size:190;not null;index:idx_project_messages_scope,priority:1" json:"project_id"`
	ProposalID  string `gorm:"column:proposal_id;size:190;not null;default:'';index:idx_project_messages_scope,priority:2" json:"proposal_id,omitempty"`
	SenderID    string `gorm:"column:sender_id;size:190;not null" json:"sender_id"`
	Body        string `gorm:"column:body;type:text;not null" json:"body"`
	CreatedAtMs int64  `gorm:"column:created_at_ms;not null" json:"created_at_ms"`
}

// TableName provides the explicit table binding for GORM.
func (Message) TableName() string {
	return "project_messages"
}

// CreatedAt converts the creation timestamp.
func (m Message) CreatedAt() time.Time {
	return time.UnixMilli(m.CreatedAtMs).UTC()
}

// Receipt marks one message as read by one user.
type Receipt struct {
	MessageID string `gorm:"column:message_id;primaryKey;size:64;not null" json:"message_id"`
	UserID    string `gorm:"column:user_id;primaryKey;size:190;not null" json:"user_id"`
	ReadAtMs  int64  `gorm:"column:read_at_ms;not null" json:"read_at_ms"`
}

// TableName provides the explicit table binding for GORM.
func (Receipt) TableName() string {
	return "message_receipts"
}

// Scope selects the messages a viewer counts as unread: those of the
// project, of the proposal when set, not sent by the viewer.
type Scope struct {
	ProjectID  string `json:"project_id"`
	ProposalID string `json:"proposal_id,omitempty"`
	ViewerID   string `json:"viewer_id"`
}

// Matches reports whether a message from the feed falls in the scope.
func (s Scope) Matches(message Message) bool {
	if message.ProjectID != s.ProjectID || message.SenderID == s.ViewerID {
		return false
	}
	return s.ProposalID == "" || message.ProposalID == s.ProposalID
}

// ReadMarker is the UPDATE payload published when a viewer reads a scope.
type ReadMarker struct {
	Scope    Scope `json:"scope"`
	Marked   int   `json:"marked"`
	ReadAtMs int64 `json:"read_at_ms"`
}

// SendRequest describes a new message. Recipients receive a
// message_received notification; the sender is skipped.
type SendRequest struct {
	ProjectID  string
	ProposalID string
	SenderID   string
	Body       string
	Recipients []string
}
