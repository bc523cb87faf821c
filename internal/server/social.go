package server

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/wanderlog/backend/internal/guards"
	"github.com/MarcoPoloResearchLab/wanderlog/backend/internal/social"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

const dayLayout = "2006-01-02"

type createFeedRequest struct {
	Title string `json:"title"`
}

type feedResponsePayload struct {
	ID        string    `json:"id"`
	OwnerID   string    `json:"owner_id"`
	Title     string    `json:"title"`
	CreatedAt time.Time `json:"created_at"`
}

type inviteRequest struct {
	InviteeID string `json:"invitee_id"`
}

type createRecordRequest struct {
	Title string `json:"title"`
	Day   string `json:"day"`
}

type recordResponsePayload struct {
	ID       string `json:"id"`
	FeedID   string `json:"feed_id"`
	AuthorID string `json:"author_id"`
	Title    string `json:"title"`
	Day      string `json:"day"`
	Sequence int64  `json:"sequence"`
}

type createCommentRequest struct {
	Body string `json:"body"`
}

type commentResponsePayload struct {
	ID       string `json:"id"`
	RecordID string `json:"record_id"`
	AuthorID string `json:"author_id"`
	Body     string `json:"body"`
}

type outcomeResponsePayload struct {
	Outcome string `json:"outcome"`
}

type toggleLikeResponsePayload struct {
	Liked bool `json:"liked"`
}

func (h *httpHandler) handleCreateFeed(c *gin.Context) {
	userID, ok := currentUser(c)
	if !ok {
		return
	}
	var request createFeedRequest
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	feed, err := h.social.CreateFeed(c.Request.Context(), userID, request.Title)
	if err != nil {
		h.respondSocialError(c, "create feed", err)
		return
	}
	c.JSON(http.StatusCreated, feedResponsePayload{
		ID:        feed.ID,
		OwnerID:   feed.OwnerID,
		Title:     feed.Title,
		CreatedAt: feed.CreatedAt,
	})
}

func (h *httpHandler) handleDeleteFeed(c *gin.Context) {
	userID, ok := currentUser(c)
	if !ok {
		return
	}
	if err := h.social.DeleteFeed(c.Request.Context(), userID, c.Param("feedID")); err != nil {
		h.respondSocialError(c, "delete feed", err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *httpHandler) handleInviteToFeed(c *gin.Context) {
	userID, ok := currentUser(c)
	if !ok {
		return
	}
	var request inviteRequest
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	outcome, err := h.social.InviteToFeed(c.Request.Context(), userID, c.Param("feedID"), request.InviteeID)
	if err != nil {
		h.respondSocialError(c, "invite to feed", err)
		return
	}
	c.JSON(outcomeStatus(outcome), outcomeResponsePayload{Outcome: outcome.String()})
}

func (h *httpHandler) handleCreateRecord(c *gin.Context) {
	userID, ok := currentUser(c)
	if !ok {
		return
	}
	var request createRecordRequest
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	day := time.Now().UTC()
	if raw := strings.TrimSpace(request.Day); raw != "" {
		parsed, err := time.Parse(dayLayout, raw)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_day"})
			return
		}
		day = parsed
	}
	record, err := h.social.CreateRecord(c.Request.Context(), userID, c.Param("feedID"), request.Title, day)
	if err != nil {
		h.respondSocialError(c, "create record", err)
		return
	}
	c.JSON(http.StatusCreated, recordResponsePayload{
		ID:       record.ID,
		FeedID:   record.FeedID,
		AuthorID: record.AuthorID,
		Title:    record.Title,
		Day:      record.Day,
		Sequence: record.Sequence,
	})
}

func (h *httpHandler) handleDeleteRecord(c *gin.Context) {
	userID, ok := currentUser(c)
	if !ok {
		return
	}
	if err := h.social.DeleteRecord(c.Request.Context(), userID, c.Param("recordID")); err != nil {
		h.respondSocialError(c, "delete record", err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *httpHandler) handleLike(c *gin.Context) {
	userID, ok := currentUser(c)
	if !ok {
		return
	}
	outcome, err := h.social.Like(c.Request.Context(), userID, c.Param("recordID"))
	if err != nil {
		h.respondSocialError(c, "like record", err)
		return
	}
	c.JSON(outcomeStatus(outcome), outcomeResponsePayload{Outcome: outcome.String()})
}

func (h *httpHandler) handleUnlike(c *gin.Context) {
	userID, ok := currentUser(c)
	if !ok {
		return
	}
	if _, err := h.social.Unlike(c.Request.Context(), userID, c.Param("recordID")); err != nil {
		h.respondSocialError(c, "unlike record", err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *httpHandler) handleToggleLike(c *gin.Context) {
	userID, ok := currentUser(c)
	if !ok {
		return
	}
	liked, err := h.social.ToggleLike(c.Request.Context(), userID, c.Param("recordID"))
	if err != nil {
		h.respondSocialError(c, "toggle like", err)
		return
	}
	c.JSON(http.StatusOK, toggleLikeResponsePayload{Liked: liked})
}

func (h *httpHandler) handleCreateComment(c *gin.Context) {
	userID, ok := currentUser(c)
	if !ok {
		return
	}
	var request createCommentRequest
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	comment, err := h.social.CreateComment(c.Request.Context(), userID, c.Param("recordID"), request.Body)
	if err != nil {
		h.respondSocialError(c, "create comment", err)
		return
	}
	c.JSON(http.StatusCreated, commentResponsePayload{
		ID:       comment.ID,
		RecordID: comment.RecordID,
		AuthorID: comment.AuthorID,
		Body:     comment.Body,
	})
}

func (h *httpHandler) respondSocialError(c *gin.Context, action string, err error) {
	switch {
	case errors.Is(err, social.ErrInvalidInput):
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
	case errors.Is(err, social.ErrFeedNotFound), errors.Is(err, social.ErrRecordNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "not_found"})
	case errors.Is(err, social.ErrForbidden):
		c.JSON(http.StatusForbidden, gin.H{"error": "forbidden"})
	default:
		h.logger.Error("social action failed", zap.String("action", action), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error"})
	}
}

func outcomeStatus(outcome guards.Outcome) int {
	if outcome == guards.OutcomeCreated {
		return http.StatusCreated
	}
	return http.StatusOK
}
