package users

import (
	"strings"
)

// Identity maps a provider login to the canonical collaborator id and the
// profile shown to other editors.
type Identity struct {
	Provider     string `gorm:"column:provider;primaryKey;size:32;not null"`
	Subject      string `gorm:"column:subject;primaryKey;size:190;not null"`
	UserID       string `gorm:"column:user_id;size:190;not null;index"`
	Email        string `gorm:"column:user_email;size:320"`
	DisplayName  string `gorm:"column:user_display_name;size:320"`
	AvatarURL    string `gorm:"column:user_avatar_url;size:512"`
	LastSeenAtMs int64  `gorm:"column:last_seen_at_ms;not null"`
	CreatedAtMs  int64  `gorm:"column:created_at_ms;not null"`
}

// TableName exposes the table backing user identities.
func (Identity) TableName() string {
	return "user_identities"
}

// Profile is the public view of a collaborator.
type Profile struct {
	UserID      string `json:"user_id"`
	DisplayName string `json:"display_name"`
	AvatarURL   string `json:"avatar_url,omitempty"`
}

// Name returns the display name, or the user id when none is known.
func (p Profile) Name() string {
	if p.DisplayName != "" {
		return p.DisplayName
	}
	return p.UserID
}

func normalize(value string) string {
	return strings.TrimSpace(value)
}
