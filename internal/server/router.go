package server

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/MarcoPoloResearchLab/wanderlog/backend/internal/auth"
	"github.com/MarcoPoloResearchLab/wanderlog/backend/internal/guards"
	"github.com/MarcoPoloResearchLab/wanderlog/backend/internal/notifications"
	"github.com/MarcoPoloResearchLab/wanderlog/backend/internal/realtime"
	"github.com/MarcoPoloResearchLab/wanderlog/backend/internal/social"
	"github.com/MarcoPoloResearchLab/wanderlog/backend/internal/users"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"go.uber.org/zap"
)

const userIDContextKey = "wanderlog_user_id"

var (
	errMissingTokenValidator = errors.New("token validator dependency required")
	errMissingNotifications  = errors.New("notification service dependency required")
	errMissingSocialService  = errors.New("social service dependency required")
	errMissingRegistry       = errors.New("connection registry dependency required")
	errInvalidAuthorization  = errors.New("authorization header missing or invalid")
)

type TokenValidator interface {
	ValidateRequest(r *http.Request) (string, error)
}

// NotificationService is the read side of the notification store used by the API.
type NotificationService interface {
	HasUnread(ctx context.Context, userID string) (bool, error)
	List(ctx context.Context, query notifications.ListQuery) (notifications.Page, error)
	DeleteByRecipientAndID(ctx context.Context, userID, notificationID string) error
}

type SocialService interface {
	CreateFeed(ctx context.Context, ownerID, title string) (social.Feed, error)
	DeleteFeed(ctx context.Context, actorID, feedID string) error
	InviteToFeed(ctx context.Context, inviterID, feedID, inviteeID string) (guards.Outcome, error)
	CreateRecord(ctx context.Context, authorID, feedID, title string, day time.Time) (social.Record, error)
	DeleteRecord(ctx context.Context, actorID, recordID string) error
	Like(ctx context.Context, userID, recordID string) (guards.Outcome, error)
	Unlike(ctx context.Context, userID, recordID string) (bool, error)
	ToggleLike(ctx context.Context, userID, recordID string) (bool, error)
	CreateComment(ctx context.Context, authorID, recordID, body string) (social.Comment, error)
}

// ConnectionRegistry admits and retires push channels for streaming subscribers.
type ConnectionRegistry interface {
	Register(userID string, channel realtime.Channel) error
	Release(userID string, channel realtime.Channel) bool
}

type ProfileLookup interface {
	Lookup(ctx context.Context, userID string) (users.Profile, error)
}

// StreamSettings tunes the server-sent event endpoint.
type StreamSettings struct {
	Timeout           time.Duration
	HeartbeatInterval time.Duration
	BufferSize        int
}

type Dependencies struct {
	TokenValidator TokenValidator
	Notifications  NotificationService
	Social         SocialService
	Registry       ConnectionRegistry
	Profiles       ProfileLookup
	Stream         StreamSettings
	Logger         *zap.Logger
}

func NewHTTPHandler(deps Dependencies) (http.Handler, error) {
	if deps.TokenValidator == nil {
		return nil, errMissingTokenValidator
	}
	if deps.Notifications == nil {
		return nil, errMissingNotifications
	}
	if deps.Social == nil {
		return nil, errMissingSocialService
	}
	if deps.Registry == nil {
		return nil, errMissingRegistry
	}

	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(corsMiddleware())

	handler := &httpHandler{
		tokens:        deps.TokenValidator,
		notifications: deps.Notifications,
		social:        deps.Social,
		registry:      deps.Registry,
		profiles:      deps.Profiles,
		stream:        normalizeStreamSettings(deps.Stream),
		logger:        logger,
	}

	router.GET("/healthz", handler.handleHealth)

	protected := router.Group("/")
	protected.Use(handler.authorizeRequest)

	protected.GET("/notifications/stream", handler.handleStream)
	protected.GET("/notifications/unread", handler.handleHasUnread)
	protected.GET("/notifications", handler.handleListNotifications)
	protected.DELETE("/notifications/:notificationID", handler.handleDeleteNotification)

	protected.POST("/feeds", handler.handleCreateFeed)
	protected.DELETE("/feeds/:feedID", handler.handleDeleteFeed)
	protected.POST("/feeds/:feedID/invitations", handler.handleInviteToFeed)
	protected.POST("/feeds/:feedID/records", handler.handleCreateRecord)
	protected.DELETE("/records/:recordID", handler.handleDeleteRecord)
	protected.POST("/records/:recordID/likes", handler.handleLike)
	protected.DELETE("/records/:recordID/likes", handler.handleUnlike)
	protected.POST("/records/:recordID/likes/toggle", handler.handleToggleLike)
	protected.POST("/records/:recordID/comments", handler.handleCreateComment)

	return router, nil
}

func corsMiddleware() gin.HandlerFunc {
	return cors.New(cors.Config{
		AllowOriginFunc:  func(string) bool { return true },
		AllowMethods:     []string{http.MethodGet, http.MethodPost, http.MethodDelete, http.MethodOptions},
		AllowHeaders:     []string{"Authorization", "Content-Type", "Last-Event-ID"},
		ExposeHeaders:    []string{"Content-Type"},
		AllowCredentials: true,
		MaxAge:           12 * time.Hour,
	})
}

type httpHandler struct {
	tokens        TokenValidator
	notifications NotificationService
	social        SocialService
	registry      ConnectionRegistry
	profiles      ProfileLookup
	stream        StreamSettings
	logger        *zap.Logger
}

func (h *httpHandler) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (h *httpHandler) authorizeRequest(c *gin.Context) {
	subject, err := h.tokens.ValidateRequest(c.Request)
	if errors.Is(err, auth.ErrMissingToken) {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": errInvalidAuthorization.Error()})
		return
	}
	if err != nil {
		if errors.Is(err, auth.ErrExpiredToken) || errors.Is(err, jwt.ErrTokenExpired) {
			h.logger.Info("token validation failed", zap.Error(err))
		} else {
			h.logger.Warn("token validation failed", zap.Error(err))
		}
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}
	c.Set(userIDContextKey, subject)
	c.Next()
}

// currentUser returns the authenticated user or writes a 401.
func currentUser(c *gin.Context) (string, bool) {
	userID := c.GetString(userIDContextKey)
	if userID == "" {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return "", false
	}
	return userID, true
}

func normalizeStreamSettings(settings StreamSettings) StreamSettings {
	if settings.Timeout <= 0 {
		settings.Timeout = time.Hour
	}
	if settings.HeartbeatInterval <= 0 || settings.HeartbeatInterval >= settings.Timeout {
		settings.HeartbeatInterval = 25 * time.Second
	}
	if settings.BufferSize <= 0 {
		settings.BufferSize = 16
	}
	return settings
}
