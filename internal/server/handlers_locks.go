package server

import (
	"context"
	"net/http"

	"github.com/bidroom/collab/internal/counters"
	"github.com/bidroom/collab/internal/locks"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

type acquireLockRequest struct {
	DocumentID string `json:"document_id" binding:"required"`
}

type lockStatusPayload struct {
	locks.Status
	LockedByName string `json:"locked_by_name,omitempty"`
}

type lockViewPayload struct {
	locks.SectionView
	LockedByName string `json:"locked_by_name,omitempty"`
}

type editorPayload struct {
	counters.Editor
	DisplayName string `json:"display_name"`
}

type activeUserPayload struct {
	UserID      string `json:"user_id"`
	DisplayName string `json:"display_name"`
}

type documentLocksPayload struct {
	DocumentID  string              `json:"document_id"`
	Editors     []editorPayload     `json:"editors"`
	ActiveUsers []activeUserPayload `json:"active_users"`
}

func (h *httpHandler) handleAcquireLock(c *gin.Context) {
	var request acquireLockRequest
	if err := c.ShouldBindJSON(&request); err != nil {
		badRequest(c, "invalid_request")
		return
	}
	ctx := c.Request.Context()
	result, err := h.locks.Acquire(ctx, c.Param("sectionID"), request.DocumentID, c.GetString(userIDContextKey))
	if err != nil {
		h.writeServiceError(c, err)
		return
	}
	if !result.Success {
		c.JSON(http.StatusConflict, gin.H{
			"error":          "section_locked",
			"success":        false,
			"locked_by":      result.LockedBy,
			"locked_by_name": h.displayName(ctx, result.LockedBy),
		})
		return
	}
	c.JSON(http.StatusOK, result)
}

func (h *httpHandler) handleHeartbeatLock(c *gin.Context) {
	result, err := h.locks.Heartbeat(c.Request.Context(), c.Param("sectionID"), c.GetString(userIDContextKey))
	if err != nil {
		h.writeServiceError(c, err)
		return
	}
	if !result.Success {
		c.JSON(http.StatusConflict, gin.H{"error": "lock_not_held", "success": false})
		return
	}
	c.JSON(http.StatusOK, result)
}

func (h *httpHandler) handleReleaseLock(c *gin.Context) {
	result, err := h.locks.Release(c.Request.Context(), c.Param("sectionID"), c.GetString(userIDContextKey))
	if err != nil {
		h.writeServiceError(c, err)
		return
	}
	c.JSON(http.StatusOK, result)
}

func (h *httpHandler) handleLockStatus(c *gin.Context) {
	ctx := c.Request.Context()
	status, err := h.locks.Status(ctx, c.Param("sectionID"))
	if err != nil {
		h.writeServiceError(c, err)
		return
	}
	c.JSON(http.StatusOK, lockStatusPayload{Status: status, LockedByName: h.displayName(ctx, status.LockedBy)})
}

func (h *httpHandler) handleDocumentLocks(c *gin.Context) {
	ctx := c.Request.Context()
	documentID := c.Param("documentID")
	presence, err := counters.NewPresence(counters.PresenceConfig{
		DocumentID: documentID,
		Lister:     h.locks,
		Logger:     h.logger,
	})
	if err != nil {
		badRequest(c, "invalid_document_id")
		return
	}
	if err := presence.Seed(ctx); err != nil {
		h.writeServiceError(c, err)
		return
	}

	activeUsers := presence.ActiveUsers()
	names := h.displayNames(ctx, activeUsers...)
	payload := documentLocksPayload{
		DocumentID:  documentID,
		Editors:     []editorPayload{},
		ActiveUsers: make([]activeUserPayload, 0, len(activeUsers)),
	}
	for _, editor := range presence.Editors() {
		payload.Editors = append(payload.Editors, editorPayload{Editor: editor, DisplayName: names[editor.UserID]})
	}
	for _, userID := range activeUsers {
		payload.ActiveUsers = append(payload.ActiveUsers, activeUserPayload{UserID: userID, DisplayName: names[userID]})
	}
	c.JSON(http.StatusOK, payload)
}

// handleLockStream streams reconciled section views of a document. Lock
// changes arrive from the feed and a periodic poll covers missed events.
func (h *httpHandler) handleLockStream(c *gin.Context) {
	ctx, cancel := context.WithCancel(c.Request.Context())
	defer cancel()

	stream := NewRealtimeStream(h.streamBufferSize)
	watcher, err := locks.NewWatcher(locks.WatcherConfig{
		DocumentID:   c.Param("documentID"),
		Source:       h.feed,
		Lister:       h.locks,
		PollInterval: h.lockPollInterval,
		OnChange: func(view locks.SectionView) {
			stream.Publish(RealtimeMessage{
				EventType: RealtimeEventLock,
				Payload:   lockViewPayload{SectionView: view, LockedByName: h.displayName(ctx, view.LockedBy)},
				Timestamp: view.ObservedAt,
			})
		},
		Clock:  h.clock,
		Logger: h.logger,
	})
	if err != nil {
		badRequest(c, "invalid_document_id")
		return
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		if err := watcher.Run(ctx, h.retryPolicy); err != nil {
			h.logger.Warn("lock stream feed unavailable", zap.Error(err), zap.String("document_id", c.Param("documentID")))
			cancel()
		}
	}()
	serveRealtime(ctx, c, stream, h.streamHeartbeat)
	cancel()
	<-done
}
