package server

import (
	"encoding/json"
	"net/http"

	"github.com/bidroom/collab/internal/conflicts"
	"github.com/gin-gonic/gin"
)

type saveDocumentRequest struct {
	SectionID   string          `json:"section_id"`
	BaseVersion *int64          `json:"base_version" binding:"required"`
	Content     json.RawMessage `json:"content" binding:"required"`
	ReleaseLock bool            `json:"release_lock"`
}

type resolveConflictRequest struct {
	Content json.RawMessage `json:"content" binding:"required"`
}

type resolveAllRequest struct {
	Resolution string `json:"resolution" binding:"required,oneof=local server"`
}

func (h *httpHandler) handleGetDocument(c *gin.Context) {
	document, err := h.conflicts.GetDocument(c.Request.Context(), c.Param("documentID"))
	if err != nil {
		h.writeServiceError(c, err)
		return
	}
	c.JSON(http.StatusOK, document)
}

// handleSaveDocument answers 409 with the stored conflict and its highlight
// ranges when the save ran into a concurrent edit.
func (h *httpHandler) handleSaveDocument(c *gin.Context) {
	var request saveDocumentRequest
	if err := c.ShouldBindJSON(&request); err != nil {
		badRequest(c, "invalid_request")
		return
	}
	result, err := h.conflicts.Save(c.Request.Context(), conflicts.SaveRequest{
		DocumentID:  c.Param("documentID"),
		SectionID:   request.SectionID,
		UserID:      c.GetString(userIDContextKey),
		BaseVersion: *request.BaseVersion,
		Content:     request.Content,
		ReleaseLock: request.ReleaseLock,
	})
	if err != nil {
		h.writeServiceError(c, err)
		return
	}
	if !result.Saved {
		c.JSON(http.StatusConflict, result)
		return
	}
	c.JSON(http.StatusOK, result)
}

func (h *httpHandler) handleListConflicts(c *gin.Context) {
	records, err := h.conflicts.ListOpen(c.Request.Context(), c.GetString(userIDContextKey), c.Param("documentID"))
	if err != nil {
		h.writeServiceError(c, err)
		return
	}
	if records == nil {
		records = []conflicts.Record{}
	}
	c.JSON(http.StatusOK, gin.H{"conflicts": records})
}

func (h *httpHandler) handleResolveConflict(c *gin.Context) {
	var request resolveConflictRequest
	if err := c.ShouldBindJSON(&request); err != nil {
		badRequest(c, "invalid_request")
		return
	}
	result, err := h.conflicts.ResolveConflict(c.Request.Context(), c.GetString(userIDContextKey), c.Param("conflictID"), request.Content)
	if err != nil {
		h.writeServiceError(c, err)
		return
	}
	c.JSON(http.StatusOK, result)
}

func (h *httpHandler) handleResolveAllConflicts(c *gin.Context) {
	var request resolveAllRequest
	if err := c.ShouldBindJSON(&request); err != nil {
		badRequest(c, "invalid_request")
		return
	}
	result, err := h.conflicts.ResolveAllConflicts(
		c.Request.Context(),
		c.GetString(userIDContextKey),
		c.Param("documentID"),
		conflicts.Resolution(request.Resolution),
	)
	if err != nil {
		h.writeServiceError(c, err)
		return
	}
	c.JSON(http.StatusOK, result)
}
