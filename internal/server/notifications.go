package server

import (
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/wanderlog/backend/internal/delivery"
	"github.com/MarcoPoloResearchLab/wanderlog/backend/internal/notifications"
	"github.com/MarcoPoloResearchLab/wanderlog/backend/internal/users"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

type unreadResponsePayload struct {
	HasUnread bool `json:"has_unread"`
}

type notificationPayload struct {
	ID             string    `json:"id"`
	Kind           string    `json:"kind"`
	Status         string    `json:"status"`
	Content        string    `json:"content"`
	CreatedAt      time.Time `json:"createdAt"`
	SenderID       string    `json:"senderId,omitempty"`
	SenderNickname string    `json:"senderNickname,omitempty"`
	FeedID         string    `json:"feedId,omitempty"`
	RecordID       string    `json:"recordId,omitempty"`
	CommentID      string    `json:"commentId,omitempty"`
}

type listResponsePayload struct {
	Items    []notificationPayload `json:"items"`
	Page     int                   `json:"page"`
	PageSize int                   `json:"page_size"`
	Total    int64                 `json:"total"`
	HasNext  bool                  `json:"has_next"`
}

func (h *httpHandler) handleHasUnread(c *gin.Context) {
	userID, ok := currentUser(c)
	if !ok {
		return
	}
	hasUnread, err := h.notifications.HasUnread(c.Request.Context(), userID)
	if err != nil {
		h.logger.Error("failed to probe unread notifications", zap.String("user_id", userID), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "unread_lookup_failed"})
		return
	}
	c.JSON(http.StatusOK, unreadResponsePayload{HasUnread: hasUnread})
}

func (h *httpHandler) handleListNotifications(c *gin.Context) {
	userID, ok := currentUser(c)
	if !ok {
		return
	}

	query := notifications.ListQuery{UserID: userID}
	if rawKind := strings.TrimSpace(c.Query("kind")); rawKind != "" {
		kind, err := notifications.ParseKind(rawKind)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_kind"})
			return
		}
		query.Kind = kind
	}
	page, err := optionalInt(c.Query("page"))
	if err != nil || page < 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_page"})
		return
	}
	size, err := optionalInt(c.Query("size"))
	if err != nil || size < 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_size"})
		return
	}
	query.Page = page
	query.PageSize = size

	result, err := h.notifications.List(c.Request.Context(), query)
	if err != nil {
		h.logger.Error("failed to list notifications", zap.String("user_id", userID), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "list_failed"})
		return
	}

	response := listResponsePayload{
		Items:    make([]notificationPayload, 0, len(result.Items)),
		Page:     result.Page,
		PageSize: result.PageSize,
		Total:    result.Total,
		HasNext:  result.HasNext,
	}
	profiles := make(map[string]users.Profile)
	for _, notification := range result.Items {
		sender := h.senderProfile(c, profiles, notification.Actor())
		message := delivery.RenderPush(notification, sender)
		response.Items = append(response.Items, notificationPayload{
			ID:             notification.ID,
			Kind:           message.Kind,
			Status:         message.Status,
			Content:        message.Content,
			CreatedAt:      message.CreatedAt,
			SenderID:       message.SenderID,
			SenderNickname: message.SenderNickname,
			FeedID:         message.FeedID,
			RecordID:       message.RecordID,
			CommentID:      message.CommentID,
		})
	}
	c.JSON(http.StatusOK, response)
}

func (h *httpHandler) handleDeleteNotification(c *gin.Context) {
	userID, ok := currentUser(c)
	if !ok {
		return
	}
	notificationID := c.Param("notificationID")
	err := h.notifications.DeleteByRecipientAndID(c.Request.Context(), userID, notificationID)
	switch {
	case err == nil:
		c.Status(http.StatusNoContent)
	case errors.Is(err, notifications.ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "not_found"})
	default:
		h.logger.Error("failed to delete notification",
			zap.String("user_id", userID),
			zap.String("notification_id", notificationID),
			zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "delete_failed"})
	}
}

// senderProfile resolves an actor once per request. Unknown actors render anonymously.
func (h *httpHandler) senderProfile(c *gin.Context, cache map[string]users.Profile, actorID string) users.Profile {
	if actorID == "" || h.profiles == nil {
		return users.Profile{UserID: actorID}
	}
	if profile, ok := cache[actorID]; ok {
		return profile
	}
	profile, err := h.profiles.Lookup(c.Request.Context(), actorID)
	if err != nil {
		if !errors.Is(err, users.ErrUserNotFound) {
			h.logger.Warn("sender lookup failed", zap.String("actor_id", actorID), zap.Error(err))
		}
		profile = users.Profile{UserID: actorID}
	}
	cache[actorID] = profile
	return profile
}

func optionalInt(raw string) (int, error) {
	value := strings.TrimSpace(raw)
	if value == "" {
		return 0, nil
	}
	return strconv.Atoi(value)
}
