package social

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/MarcoPoloResearchLab/wanderlog/backend/internal/events"
	"github.com/MarcoPoloResearchLab/wanderlog/backend/internal/guards"
	"github.com/MarcoPoloResearchLab/wanderlog/backend/internal/notifications"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const (
	excerptLength   = 30
	recordNamespace = "record"
)

var (
	ErrInvalidInput   = errors.New("social: invalid input")
	ErrFeedNotFound   = errors.New("social: feed not found")
	ErrRecordNotFound = errors.New("social: record not found")
	ErrForbidden      = errors.New("social: action not permitted")
)

// Publisher hands domain events to the notification pipeline without waiting on it.
type Publisher interface {
	Publish(event events.DomainEvent) bool
}

// NotificationCascader hides notifications that reference deleted entities.
type NotificationCascader interface {
	CascadeDeleteByRecord(ctx context.Context, recordID string) (int64, error)
	CascadeDeleteByFeed(ctx context.Context, feedID string) (int64, error)
}

type ServiceConfig struct {
	Database      *gorm.DB
	Publisher     Publisher
	Notifications NotificationCascader
	IDProvider    notifications.IDProvider
	Clock         func() time.Time
	Logger        *zap.Logger
}

// Service implements the feed, record, like and comment actions that produce notifications.
// Each action commits its own effect first and publishes its event afterwards.
type Service struct {
	db            *gorm.DB
	publisher     Publisher
	notifications NotificationCascader
	ids           notifications.IDProvider
	clock         func() time.Time
	logger        *zap.Logger
}

func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Database == nil {
		return nil, fmt.Errorf("social: database connection required")
	}
	if cfg.Notifications == nil {
		return nil, fmt.Errorf("social: notification cascader required")
	}
	ids := cfg.IDProvider
	if ids == nil {
		ids = notifications.NewUUIDProvider()
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{
		db:            cfg.Database,
		publisher:     cfg.Publisher,
		notifications: cfg.Notifications,
		ids:           ids,
		clock:         clock,
		logger:        logger,
	}, nil
}

// CreateFeed creates a feed owned by ownerID.
func (s *Service) CreateFeed(ctx context.Context, ownerID, title string) (Feed, error) {
	owner := strings.TrimSpace(ownerID)
	name := strings.TrimSpace(title)
	if owner == "" || name == "" {
		return Feed{}, fmt.Errorf("%w: owner and title are required", ErrInvalidInput)
	}
	id, err := s.ids.NewID()
	if err != nil {
		return Feed{}, err
	}
	feed := Feed{ID: id, OwnerID: owner, Title: name, CreatedAt: s.clock().UTC()}
	if err := s.db.WithContext(ctx).Create(&feed).Error; err != nil {
		return Feed{}, err
	}
	return feed, nil
}

// InviteToFeed invites inviteeID to the feed. Repeated or concurrent invitations of the
// same user converge on one row; only the call that created it publishes an event.
func (s *Service) InviteToFeed(ctx context.Context, inviterID, feedID, inviteeID string) (guards.Outcome, error) {
	inviter := strings.TrimSpace(inviterID)
	invitee := strings.TrimSpace(inviteeID)
	if inviter == "" || invitee == "" || inviter == invitee {
		return 0, fmt.Errorf("%w: inviter and a different invitee are required", ErrInvalidInput)
	}
	feed, err := s.loadFeed(ctx, s.db, feedID)
	if err != nil {
		return 0, err
	}
	if feed.OwnerID != inviter {
		return 0, ErrForbidden
	}
	id, err := s.ids.NewID()
	if err != nil {
		return 0, err
	}
	outcome, err := guards.CreateOnce(ctx, s.db, &FeedInvitation{
		ID:        id,
		FeedID:    feed.ID,
		InviteeID: invitee,
		InviterID: inviter,
		CreatedAt: s.clock().UTC(),
	})
	if err != nil {
		return 0, err
	}
	if outcome == guards.OutcomeCreated {
		s.publish(events.DomainEvent{
			RecipientID: invitee,
			ActorID:     inviter,
			Kind:        notifications.KindFeedInvitation,
			Payload:     notifications.Payload{FeedID: feed.ID},
		})
	}
	return outcome, nil
}

// CreateRecord adds a record to the feed for the given day. Its sequence is the next
// position among that feed's records for the day.
func (s *Service) CreateRecord(ctx context.Context, authorID, feedID, title string, day time.Time) (Record, error) {
	author := strings.TrimSpace(authorID)
	name := strings.TrimSpace(title)
	if author == "" || name == "" || day.IsZero() {
		return Record{}, fmt.Errorf("%w: author, title and day are required", ErrInvalidInput)
	}
	id, err := s.ids.NewID()
	if err != nil {
		return Record{}, err
	}
	dayKey := day.Format(dayLayout)

	var record Record
	txErr := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		feed, err := s.loadFeed(ctx, tx, feedID)
		if err != nil {
			return err
		}
		sequence, err := guards.NextIn(ctx, tx, guards.CounterKey{
			Namespace: recordNamespace,
			Scope:     guards.ScopeKey(feed.ID, dayKey),
		})
		if err != nil {
			return err
		}
		record = Record{
			ID:        id,
			FeedID:    feed.ID,
			AuthorID:  author,
			Title:     name,
			Day:       dayKey,
			Sequence:  sequence,
			CreatedAt: s.clock().UTC(),
		}
		return tx.Create(&record).Error
	})
	if txErr != nil {
		return Record{}, txErr
	}
	return record, nil
}

// DeleteRecord soft-deletes the record and every notification about it.
// The record author and the feed owner may delete.
func (s *Service) DeleteRecord(ctx context.Context, actorID, recordID string) error {
	actor := strings.TrimSpace(actorID)
	record, err := s.loadRecord(ctx, s.db, recordID)
	if err != nil {
		return err
	}
	if record.AuthorID != actor {
		feed, err := s.loadFeed(ctx, s.db, record.FeedID)
		if err != nil {
			return err
		}
		if feed.OwnerID != actor {
			return ErrForbidden
		}
	}
	if err := s.db.WithContext(ctx).Delete(&Record{}, "record_id = ?", record.ID).Error; err != nil {
		return err
	}
	if _, err := s.notifications.CascadeDeleteByRecord(ctx, record.ID); err != nil {
		return fmt.Errorf("social: cascade notifications for record %s: %w", record.ID, err)
	}
	return nil
}

// DeleteFeed soft-deletes the feed, its records and every notification referencing either.
func (s *Service) DeleteFeed(ctx context.Context, actorID, feedID string) error {
	feed, err := s.loadFeed(ctx, s.db, feedID)
	if err != nil {
		return err
	}
	if feed.OwnerID != strings.TrimSpace(actorID) {
		return ErrForbidden
	}

	var recordIDs []string
	txErr := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Model(&Record{}).Where("feed_id = ?", feed.ID).Pluck("record_id", &recordIDs).Error; err != nil {
			return err
		}
		if err := tx.Where("feed_id = ?", feed.ID).Delete(&Record{}).Error; err != nil {
			return err
		}
		return tx.Delete(&Feed{}, "feed_id = ?", feed.ID).Error
	})
	if txErr != nil {
		return txErr
	}

	if _, err := s.notifications.CascadeDeleteByFeed(ctx, feed.ID); err != nil {
		return fmt.Errorf("social: cascade notifications for feed %s: %w", feed.ID, err)
	}
	for _, recordID := range recordIDs {
		if _, err := s.notifications.CascadeDeleteByRecord(ctx, recordID); err != nil {
			return fmt.Errorf("social: cascade notifications for record %s: %w", recordID, err)
		}
	}
	return nil
}

// Like records that userID likes the record. Concurrent identical likes converge
// on one row and one notification.
func (s *Service) Like(ctx context.Context, userID, recordID string) (guards.Outcome, error) {
	user := strings.TrimSpace(userID)
	if user == "" {
		return 0, fmt.Errorf("%w: user is required", ErrInvalidInput)
	}
	record, err := s.loadRecord(ctx, s.db, recordID)
	if err != nil {
		return 0, err
	}
	id, err := s.ids.NewID()
	if err != nil {
		return 0, err
	}
	outcome, err := guards.CreateOnce(ctx, s.db, &Like{
		ID:        id,
		RecordID:  record.ID,
		UserID:    user,
		CreatedAt: s.clock().UTC(),
	})
	if err != nil {
		return 0, err
	}
	if outcome == guards.OutcomeCreated {
		s.publish(events.DomainEvent{
			RecipientID: record.AuthorID,
			ActorID:     user,
			Kind:        notifications.KindRecordLike,
			Payload:     notifications.Payload{FeedID: record.FeedID, RecordID: record.ID},
		})
	}
	return outcome, nil
}

// Unlike removes the user's like. It reports whether a like existed.
func (s *Service) Unlike(ctx context.Context, userID, recordID string) (bool, error) {
	result := s.db.WithContext(ctx).
		Where("record_id = ? AND user_id = ?", strings.TrimSpace(recordID), strings.TrimSpace(userID)).
		Delete(&Like{})
	if result.Error != nil {
		return false, result.Error
	}
	return result.RowsAffected > 0, nil
}

// ToggleLike likes the record when the user has not, and unlikes it otherwise.
// It reports whether the record is liked afterwards.
func (s *Service) ToggleLike(ctx context.Context, userID, recordID string) (bool, error) {
	removed, err := s.Unlike(ctx, userID, recordID)
	if err != nil {
		return false, err
	}
	if removed {
		return false, nil
	}
	if _, err := s.Like(ctx, userID, recordID); err != nil {
		return false, err
	}
	return true, nil
}

// CreateComment stores a comment and notifies the record author.
func (s *Service) CreateComment(ctx context.Context, authorID, recordID, body string) (Comment, error) {
	author := strings.TrimSpace(authorID)
	text := strings.TrimSpace(body)
	if author == "" || text == "" {
		return Comment{}, fmt.Errorf("%w: author and body are required", ErrInvalidInput)
	}
	record, err := s.loadRecord(ctx, s.db, recordID)
	if err != nil {
		return Comment{}, err
	}
	id, err := s.ids.NewID()
	if err != nil {
		return Comment{}, err
	}
	comment := Comment{
		ID:        id,
		RecordID:  record.ID,
		AuthorID:  author,
		Body:      text,
		CreatedAt: s.clock().UTC(),
	}
	if err := s.db.WithContext(ctx).Create(&comment).Error; err != nil {
		return Comment{}, err
	}
	s.publish(events.DomainEvent{
		RecipientID: record.AuthorID,
		ActorID:     author,
		Kind:        notifications.KindComment,
		Payload: notifications.Payload{
			FeedID:         record.FeedID,
			RecordID:       record.ID,
			CommentID:      comment.ID,
			CommentExcerpt: excerpt(text, excerptLength),
		},
	})
	return comment, nil
}

// ReferencesLive reports whether every feed, record and comment the payload names
// still exists. Empty ids are ignored.
func (s *Service) ReferencesLive(ctx context.Context, payload notifications.Payload) (bool, error) {
	checks := []struct {
		model  interface{}
		column string
		id     string
	}{
		{&Feed{}, "feed_id", payload.FeedID},
		{&Record{}, "record_id", payload.RecordID},
		{&Comment{}, "comment_id", payload.CommentID},
	}
	for _, check := range checks {
		id := strings.TrimSpace(check.id)
		if id == "" {
			continue
		}
		var count int64
		if err := s.db.WithContext(ctx).Model(check.model).Where(check.column+" = ?", id).Count(&count).Error; err != nil {
			return false, err
		}
		if count == 0 {
			return false, nil
		}
	}
	return true, nil
}

func (s *Service) loadFeed(ctx context.Context, db *gorm.DB, feedID string) (Feed, error) {
	id := strings.TrimSpace(feedID)
	if id == "" {
		return Feed{}, ErrFeedNotFound
	}
	var feed Feed
	err := db.WithContext(ctx).Where("feed_id = ?", id).Take(&feed).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return Feed{}, ErrFeedNotFound
	}
	return feed, err
}

func (s *Service) loadRecord(ctx context.Context, db *gorm.DB, recordID string) (Record, error) {
	id := strings.TrimSpace(recordID)
	if id == "" {
		return Record{}, ErrRecordNotFound
	}
	var record Record
	err := db.WithContext(ctx).Where("record_id = ?", id).Take(&record).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return Record{}, ErrRecordNotFound
	}
	return record, err
}

func (s *Service) publish(event events.DomainEvent) {
	if s.publisher == nil {
		return
	}
	if !s.publisher.Publish(event) {
		s.logger.Warn("notification event not accepted",
			zap.String("kind", string(event.Kind)),
			zap.String("recipient_id", event.RecipientID))
	}
}

func excerpt(text string, limit int) string {
	if utf8.RuneCountInString(text) <= limit {
		return text
	}
	runes := []rune(text)
	return string(runes[:limit]) + "..."
}
