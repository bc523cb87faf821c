package users

import (
	"strings"
	"time"
)

const maxNicknameLength = 64

// User is the minimal account record the notification core reads: existence and display name.
type User struct {
	ID        string    `gorm:"column:user_id;primaryKey;size:190;not null"`
	Nickname  string    `gorm:"column:nickname;size:64;not null;default:''"`
	CreatedAt time.Time `gorm:"column:created_at;not null"`
}

// TableName exposes the table backing user accounts.
func (User) TableName() string {
	return "users"
}

// Profile is the sender summary rendered into notifications.
type Profile struct {
	UserID   string
	Nickname string
}

func normalize(value string) string {
	return strings.TrimSpace(value)
}
