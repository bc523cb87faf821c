package social

import (
	"time"

	"gorm.io/gorm"
)

const dayLayout = "2006-01-02"

// Feed is a shared travel journal owned by one user.
type Feed struct {
	ID        string         `gorm:"column:feed_id;primaryKey;size:64;not null"`
	OwnerID   string         `gorm:"column:owner_id;size:190;not null;index"`
	Title     string         `gorm:"column:title;size:255;not null"`
	CreatedAt time.Time      `gorm:"column:created_at;not null"`
	DeletedAt gorm.DeletedAt `gorm:"column:deleted_at;index"`
}

func (Feed) TableName() string {
	return "feeds"
}

// FeedInvitation records that a user was invited to a feed. One row per (feed, invitee).
type FeedInvitation struct {
	ID        string    `gorm:"column:invitation_id;primaryKey;size:64;not null"`
	FeedID    string    `gorm:"column:feed_id;size:64;not null;uniqueIndex:idx_feed_invitations_pair,priority:1"`
	InviteeID string    `gorm:"column:invitee_id;size:190;not null;uniqueIndex:idx_feed_invitations_pair,priority:2"`
	InviterID string    `gorm:"column:inviter_id;size:190;not null"`
	CreatedAt time.Time `gorm:"column:created_at;not null"`
}

func (FeedInvitation) TableName() string {
	return "feed_invitations"
}

// Record is one journal entry. Sequence orders the records of a feed within a day.
type Record struct {
	ID        string         `gorm:"column:record_id;primaryKey;size:64;not null"`
	FeedID    string         `gorm:"column:feed_id;size:64;not null;index:idx_records_feed_day,priority:1"`
	AuthorID  string         `gorm:"column:author_id;size:190;not null"`
	Title     string         `gorm:"column:title;size:255;not null"`
	Day       string         `gorm:"column:day;size:10;not null;index:idx_records_feed_day,priority:2"`
	Sequence  int64          `gorm:"column:sequence;not null"`
	CreatedAt time.Time      `gorm:"column:created_at;not null"`
	DeletedAt gorm.DeletedAt `gorm:"column:deleted_at;index"`
}

func (Record) TableName() string {
	return "records"
}

// Like marks that a user likes a record. One row per (record, user).
type Like struct {
	ID        string    `gorm:"column:like_id;primaryKey;size:64;not null"`
	RecordID  string    `gorm:"column:record_id;size:64;not null;uniqueIndex:idx_likes_pair,priority:1"`
	UserID    string    `gorm:"column:user_id;size:190;not null;uniqueIndex:idx_likes_pair,priority:2"`
	CreatedAt time.Time `gorm:"column:created_at;not null"`
}

func (Like) TableName() string {
	return "record_likes"
}

type Comment struct {
	ID        string         `gorm:"column:comment_id;primaryKey;size:64;not null"`
	RecordID  string         `gorm:"column:record_id;size:64;not null;index"`
	AuthorID  string         `gorm:"column:author_id;size:190;not null"`
	Body      string         `gorm:"column:body;type:text;not null"`
	CreatedAt time.Time      `gorm:"column:created_at;not null"`
	DeletedAt gorm.DeletedAt `gorm:"column:deleted_at;index"`
}

func (Comment) TableName() string {
	return "comments"
}

// Models lists the tables owned by this package, for migrations.
func Models() []interface{} {
	return []interface{}{&Feed{}, &FeedInvitation{}, &Record{}, &Like{}, &Comment{}}
}
