package notifications

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"gorm.io/gorm"
)

// Kind enumerates the facts a notification can describe.
type Kind string

const (
	KindComment         Kind = "COMMENT"
	KindRecordLike      Kind = "RECORD_LIKE"
	KindFeedInvitation  Kind = "FEED_INVITATION"
	KindMention         Kind = "MENTION"
	KindShare           Kind = "SHARE"
	KindSystem          Kind = "SYSTEM"
	KindEventInvitation Kind = "EVENT_INVITATION"
	KindFriendRequest   Kind = "FRIEND_REQUEST"
)

var knownKinds = []Kind{
	KindComment,
	KindRecordLike,
	KindFeedInvitation,
	KindMention,
	KindShare,
	KindSystem,
	KindEventInvitation,
	KindFriendRequest,
}

// Status is the read state of a notification. It only ever moves from unread to read.
type Status string

const (
	StatusUnread Status = "UNREAD"
	StatusRead   Status = "READ"
)

// ErrInvalidKind indicates an unknown notification kind.
var ErrInvalidKind = errors.New("notifications: invalid kind")

// ParseKind converts raw input into a Kind, case-insensitively.
func ParseKind(raw string) (Kind, error) {
	candidate := Kind(strings.ToUpper(strings.TrimSpace(raw)))
	for _, kind := range knownKinds {
		if kind == candidate {
			return kind, nil
		}
	}
	return "", fmt.Errorf("%w: %q", ErrInvalidKind, raw)
}

// Valid reports whether the kind is one of the known kinds.
func (k Kind) Valid() bool {
	for _, kind := range knownKinds {
		if kind == k {
			return true
		}
	}
	return false
}

// Payload holds the ids of the entities a notification refers to.
// Which fields are set depends on the kind; content is rendered from them at read time.
type Payload struct {
	FeedID         string `gorm:"column:feed_id;size:190;not null;default:'';index"`
	RecordID       string `gorm:"column:record_id;size:190;not null;default:'';index"`
	CommentID      string `gorm:"column:comment_id;size:190;not null;default:''"`
	CommentExcerpt string `gorm:"column:comment_excerpt;size:512;not null;default:''"`
}

// Notification is a single fact directed at one recipient.
type Notification struct {
	ID          string         `gorm:"column:notification_id;primaryKey;size:64;not null"`
	RecipientID string         `gorm:"column:recipient_id;size:190;not null;index:idx_notifications_recipient_created,priority:1"`
	ActorID     *string        `gorm:"column:actor_id;size:190"`
	Kind        Kind           `gorm:"column:kind;size:32;not null;index"`
	Status      Status         `gorm:"column:status;size:16;not null;default:'UNREAD'"`
	Payload     Payload        `gorm:"embedded"`
	CreatedAt   time.Time      `gorm:"column:created_at;not null;index:idx_notifications_recipient_created,priority:2"`
	DeletedAt   gorm.DeletedAt `gorm:"column:deleted_at;index"`
}

// TableName provides the explicit table binding for GORM.
func (Notification) TableName() string {
	return "notifications"
}

// Actor returns the actor identifier, or an empty string for system notifications.
func (n Notification) Actor() string {
	if n.ActorID == nil {
		return ""
	}
	return *n.ActorID
}

// CreateRequest describes a notification to persist.
type CreateRequest struct {
	RecipientID string
	ActorID     string
	Kind        Kind
	Payload     Payload
}

// ListQuery selects one page of a recipient's notifications. An empty Kind lists every kind.
type ListQuery struct {
	UserID   string
	Kind     Kind
	Page     int
	PageSize int
}

// Page is one page of notifications ordered newest first.
type Page struct {
	Items    []Notification
	Page     int
	PageSize int
	Total    int64
	HasNext  bool
}
