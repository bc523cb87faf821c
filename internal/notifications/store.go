package notifications

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"
)

const (
	defaultPageSize = 20
	defaultMaxPage  = 50
)

var (
	// ErrRecipientNotFound indicates the notification recipient does not exist.
	ErrRecipientNotFound = errors.New("notifications: recipient not found")
	// ErrNotFound indicates no live notification matched the recipient and identifier.
	ErrNotFound = errors.New("notifications: notification not found")

	errMissingDatabase   = errors.New("database handle is required")
	errMissingDirectory  = errors.New("user directory is required")
	errMissingIDProvider = errors.New("id provider is required")
	errMissingUserID     = errors.New("user identifier is required")
	errMissingEntityID   = errors.New("entity identifier is required")
	noOpLogger           = zap.NewNop()
)

const (
	opStoreNew      = "notifications.store.new"
	opCreate        = "notifications.create"
	opHasUnread     = "notifications.has_unread"
	opList          = "notifications.list"
	opDelete        = "notifications.delete"
	opCascadeRecord = "notifications.cascade_record"
	opCascadeFeed   = "notifications.cascade_feed"

	columnRecipientID = "recipient_id"
	queryRecipient    = columnRecipientID + " = ?"
	queryUnread       = columnRecipientID + " = ? AND status = ?"
	orderNewestFirst  = "created_at DESC, notification_id DESC"
)

// ServiceError carries a stable "<operation>.<reason>" code around the underlying cause.
type ServiceError struct {
	code string
	err  error
}

func (e *ServiceError) Error() string {
	if e.err == nil {
		return e.code
	}
	return fmt.Sprintf("%s: %v", e.code, e.err)
}

func (e *ServiceError) Unwrap() error {
	return e.err
}

func (e *ServiceError) Code() string {
	return e.code
}

func newServiceError(operation, reason string, cause error) error {
	code := fmt.Sprintf("%s.%s", operation, reason)
	return &ServiceError{code: code, err: cause}
}

// UserDirectory answers whether a recipient exists.
type UserDirectory interface {
	Exists(ctx context.Context, userID string) (bool, error)
}

type StoreConfig struct {
	Database        *gorm.DB
	Directory       UserDirectory
	Clock           func() time.Time
	IDProvider      IDProvider
	Logger          *zap.Logger
	DefaultPageSize int
	MaxPageSize     int
}

// Store is the durable record of notifications.
type Store struct {
	db              *gorm.DB
	directory       UserDirectory
	clock           func() time.Time
	idProvider      IDProvider
	logger          *zap.Logger
	defaultPageSize int
	maxPageSize     int
}

func NewStore(cfg StoreConfig) (*Store, error) {
	if cfg.Database == nil {
		return nil, newServiceError(opStoreNew, "missing_database", errMissingDatabase)
	}
	if cfg.Directory == nil {
		return nil, newServiceError(opStoreNew, "missing_directory", errMissingDirectory)
	}
	idProvider := cfg.IDProvider
	if idProvider == nil {
		idProvider = NewUUIDProvider()
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}
	maxPageSize := cfg.MaxPageSize
	if maxPageSize <= 0 {
		maxPageSize = defaultMaxPage
	}
	pageSize := cfg.DefaultPageSize
	if pageSize <= 0 {
		pageSize = defaultPageSize
	}
	if pageSize > maxPageSize {
		pageSize = maxPageSize
	}
	return &Store{
		db:              cfg.Database,
		directory:       cfg.Directory,
		clock:           clock,
		idProvider:      idProvider,
		logger:          logger,
		defaultPageSize: pageSize,
		maxPageSize:     maxPageSize,
	}, nil
}

// Create persists an unread notification for an existing recipient.
func (s *Store) Create(ctx context.Context, request CreateRequest) (Notification, error) {
	recipientID := strings.TrimSpace(request.RecipientID)
	if recipientID == "" {
		return Notification{}, newServiceError(opCreate, "missing_recipient", errMissingUserID)
	}
	if !request.Kind.Valid() {
		return Notification{}, newServiceError(opCreate, "invalid_kind", fmt.Errorf("%w: %q", ErrInvalidKind, request.Kind))
	}

	exists, err := s.directory.Exists(ctx, recipientID)
	if err != nil {
		s.logError(opCreate, "recipient_lookup_failed", err, zap.String(columnRecipientID, recipientID))
		return Notification{}, newServiceError(opCreate, "recipient_lookup_failed", err)
	}
	if !exists {
		return Notification{}, newServiceError(opCreate, "recipient_not_found", ErrRecipientNotFound)
	}

	id, err := s.idProvider.NewID()
	if err != nil {
		s.logError(opCreate, "id_generation_failed", err, zap.String(columnRecipientID, recipientID))
		return Notification{}, newServiceError(opCreate, "id_generation_failed", err)
	}

	notification := Notification{
		ID:          id,
		RecipientID: recipientID,
		Kind:        request.Kind,
		Status:      StatusUnread,
		Payload:     request.Payload,
		CreatedAt:   s.clock().UTC(),
	}
	if actor := strings.TrimSpace(request.ActorID); actor != "" {
		notification.ActorID = &actor
	}

	if err := s.db.WithContext(ctx).Create(&notification).Error; err != nil {
		s.logError(opCreate, "insert_failed", err, zap.String(columnRecipientID, recipientID))
		return Notification{}, newServiceError(opCreate, "insert_failed", err)
	}
	return notification, nil
}

// HasUnread reports whether the user owns at least one unread notification.
func (s *Store) HasUnread(ctx context.Context, userID string) (bool, error) {
	recipientID := strings.TrimSpace(userID)
	if recipientID == "" {
		return false, newServiceError(opHasUnread, "missing_user_id", errMissingUserID)
	}
	var probe []Notification
	err := s.db.WithContext(ctx).
		Select("notification_id").
		Where(queryUnread, recipientID, StatusUnread).
		Limit(1).
		Find(&probe).Error
	if err != nil {
		s.logError(opHasUnread, "query_failed", err, zap.String(columnRecipientID, recipientID))
		return false, newServiceError(opHasUnread, "query_failed", err)
	}
	return len(probe) > 0, nil
}

// List returns one page of the user's notifications, newest first. In the same
// transaction every unread notification the user owns is marked read, whatever
// the kind filter. Returned items keep the status they had before the update.
func (s *Store) List(ctx context.Context, query ListQuery) (Page, error) {
	recipientID := strings.TrimSpace(query.UserID)
	if recipientID == "" {
		return Page{}, newServiceError(opList, "missing_user_id", errMissingUserID)
	}
	if query.Kind != "" && !query.Kind.Valid() {
		return Page{}, newServiceError(opList, "invalid_kind", fmt.Errorf("%w: %q", ErrInvalidKind, query.Kind))
	}
	pageIndex := query.Page
	if pageIndex < 0 {
		pageIndex = 0
	}
	pageSize := s.clampPageSize(query.PageSize)

	filter := func(db *gorm.DB) *gorm.DB {
		db = db.Where(queryRecipient, recipientID)
		if query.Kind != "" {
			db = db.Where("kind = ?", query.Kind)
		}
		return db
	}

	page := Page{Page: pageIndex, PageSize: pageSize}
	txErr := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Model(&Notification{}).Scopes(filter).Count(&page.Total).Error; err != nil {
			s.logError(opList, "count_failed", err, zap.String(columnRecipientID, recipientID))
			return newServiceError(opList, "count_failed", err)
		}
		if err := tx.Scopes(filter).
			Order(orderNewestFirst).
			Offset(pageIndex * pageSize).
			Limit(pageSize).
			Find(&page.Items).Error; err != nil {
			s.logError(opList, "query_failed", err, zap.String(columnRecipientID, recipientID))
			return newServiceError(opList, "query_failed", err)
		}
		if err := tx.Model(&Notification{}).
			Where(queryUnread, recipientID, StatusUnread).
			Update("status", StatusRead).Error; err != nil {
			s.logError(opList, "mark_read_failed", err, zap.String(columnRecipientID, recipientID))
			return newServiceError(opList, "mark_read_failed", err)
		}
		return nil
	})
	if txErr != nil {
		return Page{}, txErr
	}
	if page.Items == nil {
		page.Items = []Notification{}
	}
	page.HasNext = int64((pageIndex+1)*pageSize) < page.Total
	return page, nil
}

// DeleteByRecipientAndID soft-deletes one of the user's notifications.
func (s *Store) DeleteByRecipientAndID(ctx context.Context, userID, notificationID string) error {
	recipientID := strings.TrimSpace(userID)
	if recipientID == "" {
		return newServiceError(opDelete, "missing_user_id", errMissingUserID)
	}
	id := strings.TrimSpace(notificationID)
	if id == "" {
		return newServiceError(opDelete, "not_found", ErrNotFound)
	}
	result := s.db.WithContext(ctx).
		Where("notification_id = ? AND "+queryRecipient, id, recipientID).
		Delete(&Notification{})
	if result.Error != nil {
		s.logError(opDelete, "delete_failed", result.Error,
			zap.String(columnRecipientID, recipientID),
			zap.String("notification_id", id))
		return newServiceError(opDelete, "delete_failed", result.Error)
	}
	if result.RowsAffected == 0 {
		return newServiceError(opDelete, "not_found", ErrNotFound)
	}
	return nil
}

// CascadeDeleteByRecord soft-deletes every notification that references the record.
func (s *Store) CascadeDeleteByRecord(ctx context.Context, recordID string) (int64, error) {
	return s.cascade(ctx, opCascadeRecord, "record_id", recordID)
}

// CascadeDeleteByFeed soft-deletes every notification that references the feed.
func (s *Store) CascadeDeleteByFeed(ctx context.Context, feedID string) (int64, error) {
	return s.cascade(ctx, opCascadeFeed, "feed_id", feedID)
}

func (s *Store) cascade(ctx context.Context, operation, column, entityID string) (int64, error) {
	id := strings.TrimSpace(entityID)
	if id == "" {
		return 0, newServiceError(operation, "missing_entity_id", errMissingEntityID)
	}
	result := s.db.WithContext(ctx).Where(column+" = ?", id).Delete(&Notification{})
	if result.Error != nil {
		s.logError(operation, "delete_failed", result.Error, zap.String(column, id))
		return 0, newServiceError(operation, "delete_failed", result.Error)
	}
	return result.RowsAffected, nil
}

func (s *Store) clampPageSize(requested int) int {
	if requested <= 0 {
		return s.defaultPageSize
	}
	if requested > s.maxPageSize {
		return s.maxPageSize
	}
	return requested
}

func (s *Store) logError(operation, reason string, err error, fields ...zap.Field) {
	attrs := []zap.Field{
		zap.String("operation", operation),
		zap.String("reason", reason),
	}
	if err != nil {
		attrs = append(attrs, zap.Error(err))
	}
	attrs = append(attrs, fields...)
	s.logger.Error("notification store error", attrs...)
}
