package server

import (
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/MarcoPoloResearchLab/wanderlog/backend/internal/realtime"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

const (
	streamEventConnected    = "connected"
	streamEventNotification = "notification"
	streamEventHeartbeat    = "heartbeat"
)

type streamStatusPayload struct {
	Timestamp time.Time `json:"timestamp"`
}

// handleStream subscribes the caller to real-time notifications over server-sent events.
// A newer stream for the same user replaces this one; the replaced stream is closed.
func (h *httpHandler) handleStream(c *gin.Context) {
	userID, ok := currentUser(c)
	if !ok {
		return
	}

	channel := realtime.NewStreamChannel(h.stream.BufferSize)
	if err := h.registry.Register(userID, channel); err != nil {
		if errors.Is(err, realtime.ErrCapacityExceeded) {
			h.logger.Warn("stream rejected: capacity exceeded", zap.String("user_id", userID))
			c.JSON(http.StatusServiceUnavailable, gin.H{"error": "capacity_exceeded"})
			return
		}
		h.logger.Error("stream registration failed", zap.String("user_id", userID), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "stream_failed"})
		return
	}
	defer func() {
		h.registry.Release(userID, channel)
		channel.Close()
	}()

	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Header("X-Accel-Buffering", "no")

	c.SSEvent(streamEventConnected, streamStatusPayload{Timestamp: time.Now().UTC()})
	c.Writer.Flush()

	timeout := time.NewTimer(h.stream.Timeout)
	defer timeout.Stop()
	heartbeat := time.NewTicker(h.stream.HeartbeatInterval)
	defer heartbeat.Stop()

	requestContext := c.Request.Context()
	c.Stream(func(io.Writer) bool {
		select {
		case <-requestContext.Done():
			return false
		case <-timeout.C:
			return false
		case <-heartbeat.C:
			c.SSEvent(streamEventHeartbeat, streamStatusPayload{Timestamp: time.Now().UTC()})
			return true
		case message, open := <-channel.Messages():
			if !open {
				return false
			}
			c.SSEvent(streamEventNotification, message)
			return true
		}
	})
}
