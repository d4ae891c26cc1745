package conflicts

import (
	"encoding/json"
	"time"
)

// Resolution records how a conflict was settled.
type Resolution string

const (
	ResolutionNone   Resolution = ""
	ResolutionLocal  Resolution = "local"
	ResolutionServer Resolution = "server"
	ResolutionMerged Resolution = "merged"
)

// Content is a document body stored as text and emitted as raw JSON.
type Content string

// MarshalJSON emits the stored document, or an empty doc node.
func (c Content) MarshalJSON() ([]byte, error) {
	if c == "" {
		return []byte(`{"type":"doc"}`), nil
	}
	if !json.Valid([]byte(c)) {
		return json.Marshal(string(c))
	}
	return []byte(c), nil
}

// UnmarshalJSON keeps the raw JSON document.
func (c *Content) UnmarshalJSON(data []byte) error {
	if string(data) == "null" {
		*c = ""
		return nil
	}
	*c = Content(data)
	return nil
}

// Raw returns the content as a JSON document.
func (c Content) Raw() json.RawMessage {
	if c == "" {
		return json.RawMessage(`{"type":"doc"}`)
	}
	return json.RawMessage(c)
}

// Record is a persisted conflict between a user's save and the server copy.
type Record struct {
	ID            string     `gorm:"column:id;primaryKey;size:64;not null" json:"id"`
	DocumentID    string     `gorm:"column:document_id;size:190;not null;index:idx_document_conflicts_open,priority:1" json:"document_id"`
	SectionID     string     `gorm:"column:section_id;size:190;not null;default:''" json:"section_id,omitempty"`
	UserID        string     `gorm:"column:user_id;size:190;not null;index:idx_document_conflicts_open,priority:2" json:"user_id"`
	LocalContent  Content    `gorm:"column:local_content;type:text;not null" json:"local_content"`
	ServerContent Content    `gorm:"column:server_content;type:text;not null" json:"server_content"`
	BaseVersion   int64      `gorm:"column:base_version;not null" json:"base_version"`
	ServerVersion int64      `gorm:"column:server_version;not null" json:"server_version"`
	DetectedAtMs  int64      `gorm:"column:detected_at_ms;not null" json:"detected_at_ms"`
	Resolved      bool       `gorm:"column:resolved;not null;default:false;index:idx_document_conflicts_open,priority:3" json:"resolved"`
	ResolvedAtMs  int64      `gorm:"column:resolved_at_ms;not null;default:0" json:"resolved_at_ms,omitempty"`
	Resolution    Resolution `gorm:"column:resolution;size:16;not null;default:''" json:"resolution,omitempty"`
}

// TableName provides the explicit table binding for GORM.
func (Record) TableName() string {
	return "document_conflicts"
}

// DetectedAt converts the detection timestamp.
func (r Record) DetectedAt() time.Time {
	return time.UnixMilli(r.DetectedAtMs).UTC()
}

// Document is the authoritative server copy of a document.
type Document struct {
	DocumentID  string  `gorm:"column:document_id;primaryKey;size:190;not null" json:"document_id"`
	Content     Content `gorm:"column:content;type:text;not null" json:"content"`
	Version     int64   `gorm:"column:version;not null" json:"version"`
	UpdatedBy   string  `gorm:"column:updated_by;size:190;not null;default:''" json:"updated_by,omitempty"`
	UpdatedAtMs int64   `gorm:"column:updated_at_ms;not null" json:"updated_at_ms"`
}

// TableName provides the explicit table binding for GORM.
func (Document) TableName() string {
	return "documents"
}

// Revision keeps every committed version so a save can be compared against
// the copy its author started from.
type Revision struct {
	DocumentID  string  `gorm:"column:document_id;primaryKey;size:190;not null" json:"document_id"`
	Version     int64   `gorm:"column:version;primaryKey;not null" json:"version"`
	Content     Content `gorm:"column:content;type:text;not null" json:"content"`
	CreatedBy   string  `gorm:"column:created_by;size:190;not null;default:''" json:"created_by"`
	CreatedAtMs int64   `gorm:"column:created_at_ms;not null" json:"created_at_ms"`
}

// TableName provides the explicit table binding for GORM.
func (Revision) TableName() string {
	return "document_revisions"
}

// SaveRequest is a client's attempt to replace a document body.
type SaveRequest struct {
	DocumentID  string
	SectionID   string
	UserID      string
	BaseVersion int64
	Content     json.RawMessage
	ReleaseLock bool
}

// SaveResult reports either the committed document or the stored conflict.
type SaveResult struct {
	Saved    bool     `json:"saved"`
	Document Document `json:"document"`
	Conflict *Record  `json:"conflict,omitempty"`
	Ranges   []Range  `json:"ranges,omitempty"`
}
