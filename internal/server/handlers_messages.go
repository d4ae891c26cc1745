package server

import (
	"context"
	"net/http"

	"github.com/bidroom/collab/internal/counters"
	"github.com/bidroom/collab/internal/messages"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

type sendMessageRequest struct {
	ProposalID string   `json:"proposal_id"`
	Body       string   `json:"body" binding:"required"`
	Recipients []string `json:"recipients"`
}

type markMessagesReadRequest struct {
	ProposalID string `json:"proposal_id"`
}

type unreadPayload struct {
	ProjectID  string `json:"project_id"`
	ProposalID string `json:"proposal_id,omitempty"`
	Count      int64  `json:"count"`
}

func (h *httpHandler) handleSendMessage(c *gin.Context) {
	var request sendMessageRequest
	if err := c.ShouldBindJSON(&request); err != nil {
		badRequest(c, "invalid_request")
		return
	}
	message, err := h.messages.Send(c.Request.Context(), messages.SendRequest{
		ProjectID:  c.Param("projectID"),
		ProposalID: request.ProposalID,
		SenderID:   c.GetString(userIDContextKey),
		Body:       request.Body,
		Recipients: request.Recipients,
	})
	if err != nil {
		h.writeServiceError(c, err)
		return
	}
	c.JSON(http.StatusCreated, message)
}

func (h *httpHandler) scopeFromRequest(c *gin.Context, proposalID string) messages.Scope {
	return messages.Scope{
		ProjectID:  c.Param("projectID"),
		ProposalID: proposalID,
		ViewerID:   c.GetString(userIDContextKey),
	}
}

func (h *httpHandler) handleUnreadCount(c *gin.Context) {
	scope := h.scopeFromRequest(c, c.Query("proposal_id"))
	count, err := h.messages.CountUnread(c.Request.Context(), scope)
	if err != nil {
		h.writeServiceError(c, err)
		return
	}
	c.JSON(http.StatusOK, unreadPayload{ProjectID: scope.ProjectID, ProposalID: scope.ProposalID, Count: count})
}

func (h *httpHandler) handleMarkMessagesRead(c *gin.Context) {
	var request markMessagesReadRequest
	if c.Request.ContentLength != 0 {
		if err := c.ShouldBindJSON(&request); err != nil {
			badRequest(c, "invalid_request")
			return
		}
	}
	marked, err := h.messages.MarkRead(c.Request.Context(), h.scopeFromRequest(c, request.ProposalID))
	if err != nil {
		h.writeServiceError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"marked": marked})
}

// handleUnreadStream pushes the caller's unread count for the scope every
// time it changes.
func (h *httpHandler) handleUnreadStream(c *gin.Context) {
	ctx, cancel := context.WithCancel(c.Request.Context())
	defer cancel()

	scope := h.scopeFromRequest(c, c.Query("proposal_id"))
	stream := NewRealtimeStream(h.streamBufferSize)
	counter, err := counters.NewUnreadCounter(counters.UnreadConfig{
		Scope:  scope,
		Store:  h.messages,
		Source: h.feed,
		Policy: h.retryPolicy,
		OnChange: func(count int64) {
			stream.Publish(RealtimeMessage{
				EventType: RealtimeEventUnread,
				Payload:   unreadPayload{ProjectID: scope.ProjectID, ProposalID: scope.ProposalID, Count: count},
			})
		},
		Logger: h.logger,
	})
	if err != nil {
		badRequest(c, "invalid_scope")
		return
	}
	if err := counter.Start(ctx); err != nil {
		h.logger.Warn("unread counter unavailable", zap.Error(err), zap.String("project_id", scope.ProjectID))
		h.writeServiceError(c, err)
		return
	}
	defer counter.Close()
	serveRealtime(ctx, c, stream, h.streamHeartbeat)
}
