package users

import (
	"strings"
	"time"
)

// Identity maps a provider-specific login to the canonical int64 user id used as
// owner id and permission identity.
type Identity struct {
	UserID      int64     `gorm:"column:user_id;primaryKey;autoIncrement"`
	Provider    string    `gorm:"column:provider;size:32;not null;uniqueIndex:idx_user_identities_login"`
	Subject     string    `gorm:"column:subject;size:190;not null;uniqueIndex:idx_user_identities_login"`
	Email       string    `gorm:"column:user_email;size:320"`
	DisplayName string    `gorm:"column:user_display_name;size:320"`
	LastSeenAt  time.Time `gorm:"column:last_seen_at"`
	CreatedAt   time.Time `gorm:"column:created_at;autoCreateTime"`
	UpdatedAt   time.Time `gorm:"column:updated_at;autoUpdateTime"`
}

// TableName exposes the table backing user identities.
func (Identity) TableName() string {
	return "user_identities"
}

func normalize(value string) string {
	return strings.TrimSpace(value)
}
