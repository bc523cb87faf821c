package users

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"
	"unicode/utf8"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

var (
	// ErrInvalidUser indicates the supplied identifier or nickname is unusable.
	ErrInvalidUser = errors.New("users: invalid user")
	// ErrUserNotFound indicates no account exists for the identifier.
	ErrUserNotFound = errors.New("users: user not found")
)

// ServiceConfig describes the dependencies required for the user directory.
type ServiceConfig struct {
	Database *gorm.DB
	Clock    func() time.Time
}

// Service answers existence and profile lookups for user accounts.
type Service struct {
	db    *gorm.DB
	now   func() time.Time
	cache sync.Map
}

// NewService constructs the user directory.
func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Database == nil {
		return nil, fmt.Errorf("users: database connection required")
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	return &Service{
		db:    cfg.Database,
		now:   clock,
		cache: sync.Map{},
	}, nil
}

// Register creates the account or refreshes its nickname when it already exists.
func (s *Service) Register(ctx context.Context, userID, nickname string) (User, error) {
	user := User{
		ID:        normalize(userID),
		Nickname:  normalize(nickname),
		CreatedAt: s.now().UTC(),
	}
	if user.ID == "" || utf8.RuneCountInString(user.Nickname) > maxNicknameLength {
		return User{}, ErrInvalidUser
	}
	err := s.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "user_id"}},
			DoUpdates: clause.AssignmentColumns([]string{"nickname"}),
		}).
		Create(&user).
		Error
	if err != nil {
		return User{}, err
	}
	s.cache.Store(user.ID, Profile{UserID: user.ID, Nickname: user.Nickname})
	return user, nil
}

// Exists reports whether an account exists for the identifier.
func (s *Service) Exists(ctx context.Context, userID string) (bool, error) {
	id := normalize(userID)
	if id == "" {
		return false, nil
	}
	if _, ok := s.cache.Load(id); ok {
		return true, nil
	}
	var count int64
	if err := s.db.WithContext(ctx).Model(&User{}).Where("user_id = ?", id).Count(&count).Error; err != nil {
		return false, err
	}
	return count > 0, nil
}

// Lookup returns the profile for the identifier.
func (s *Service) Lookup(ctx context.Context, userID string) (Profile, error) {
	id := normalize(userID)
	if id == "" {
		return Profile{}, ErrUserNotFound
	}
	if cached, ok := s.cache.Load(id); ok {
		if profile, ok := cached.(Profile); ok {
			return profile, nil
		}
	}
	var user User
	err := s.db.WithContext(ctx).Where("user_id = ?", id).Take(&user).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return Profile{}, ErrUserNotFound
	}
	if err != nil {
		return Profile{}, err
	}
	profile := Profile{UserID: user.ID, Nickname: user.Nickname}
	s.cache.Store(id, profile)
	return profile, nil
}
