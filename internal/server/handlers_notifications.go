package server

import (
	"context"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/bidroom/collab/internal/notifications"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

type notificationChangePayload struct {
	Notification notifications.Notification `json:"notification"`
}

func parseSince(raw string) (time.Time, bool, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return time.Time{}, false, nil
	}
	sinceMs, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || sinceMs < 0 {
		return time.Time{}, false, strconv.ErrSyntax
	}
	return time.UnixMilli(sinceMs).UTC(), true, nil
}

func (h *httpHandler) handleListNotifications(c *gin.Context) {
	ctx := c.Request.Context()
	userID := c.GetString(userIDContextKey)
	since, hasSince, err := parseSince(c.Query("since"))
	if err != nil {
		badRequest(c, "invalid_since")
		return
	}

	var rows []notifications.Notification
	if hasSince {
		rows, err = h.notifications.ListSince(ctx, userID, since)
	} else {
		limit, _ := strconv.Atoi(c.Query("limit"))
		rows, err = h.notifications.List(ctx, userID, limit)
	}
	if err != nil {
		h.writeServiceError(c, err)
		return
	}
	if rows == nil {
		rows = []notifications.Notification{}
	}
	c.JSON(http.StatusOK, gin.H{"notifications": rows})
}

func (h *httpHandler) handleMarkNotificationRead(c *gin.Context) {
	notification, changed, err := h.notifications.MarkRead(c.Request.Context(), c.GetString(userIDContextKey), c.Param("notificationID"))
	if err != nil {
		h.writeServiceError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"notification": notification, "changed": changed})
}

func (h *httpHandler) handleMarkAllNotificationsRead(c *gin.Context) {
	marked, err := h.notifications.MarkAllRead(c.Request.Context(), c.GetString(userIDContextKey))
	if err != nil {
		h.writeServiceError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"marked": marked})
}

func (h *httpHandler) handleDeleteNotification(c *gin.Context) {
	deleted, err := h.notifications.Delete(c.Request.Context(), c.GetString(userIDContextKey), c.Param("notificationID"))
	if err != nil {
		h.writeServiceError(c, err)
		return
	}
	if !deleted {
		c.JSON(http.StatusNotFound, gin.H{"error": "notifications.delete.not_found"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"deleted": true})
}

// handleNotificationStream relays the caller's notification changes. With
// ?since=<ms> the notifications created after that instant are replayed
// first. The stream ends once the relay gives up reconnecting.
func (h *httpHandler) handleNotificationStream(c *gin.Context) {
	since, hasSince, err := parseSince(c.Query("since"))
	if err != nil {
		badRequest(c, "invalid_since")
		return
	}
	userID := c.GetString(userIDContextKey)

	ctx, cancel := context.WithCancel(c.Request.Context())
	defer cancel()

	relay, err := notifications.NewRelay(notifications.RelayConfig{
		Source: h.feed,
		Store:  h.notifications,
		Policy: h.retryPolicy,
		Clock:  h.clock,
		Logger: h.logger,
	})
	if err != nil {
		h.logger.Error("notification relay unavailable", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "relay_unavailable"})
		return
	}
	defer relay.Dispose()

	stream := NewRealtimeStream(h.streamBufferSize)
	publish := func(eventType string) func(notifications.Notification) {
		return func(notification notifications.Notification) {
			stream.Publish(RealtimeMessage{
				EventType: eventType,
				Payload:   notificationChangePayload{Notification: notification},
			})
		}
	}
	handlers := notifications.Handlers{
		OnNewNotification:     publish(RealtimeEventNotification),
		OnNotificationRead:    publish(RealtimeEventNotificationRead),
		OnNotificationDeleted: publish(RealtimeEventNotificationDeleted),
		OnStatusChange: func(state notifications.ConnectionState) {
			stream.Publish(RealtimeMessage{EventType: RealtimeEventConnectionStatus, Payload: state})
			if state.Exhausted {
				cancel()
			}
		},
	}

	if hasSince {
		_, err = relay.SubscribeSince(ctx, userID, since, handlers)
	} else {
		_, err = relay.Subscribe(ctx, userID, handlers)
	}
	if err != nil {
		h.logger.Error("notification relay subscribe failed", zap.Error(err), zap.String("user_id", userID))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "relay_unavailable"})
		return
	}
	serveRealtime(ctx, c, stream, h.streamHeartbeat)
}
