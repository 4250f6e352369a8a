package participants

import "strings"

// Participant captures the profile of a collaborator seen on any document
// channel. Version records store only the author id; this table supplies the
// display name when histories are rendered.
type Participant struct {
	UserID      string `gorm:"column:user_id;primaryKey;size:190;not null"`
	DisplayName string `gorm:"column:display_name;size:320"`
	Email       string `gorm:"column:email;size:320"`
	FirstSeenS  int64  `gorm:"column:first_seen_s;not null"`
	LastSeenS   int64  `gorm:"column:last_seen_s;not null"`
}

// TableName exposes the table backing collaborator profiles.
func (Participant) TableName() string {
	return "participants"
}

func normalize(value string) string {
	return strings.TrimSpace(value)
}
