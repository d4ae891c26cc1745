// Package server exposes the coordination services over HTTP: lock RPCs,
// document saves and conflicts, notifications and messages, plus
// server-sent event streams for lock and notification changes.
package server

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/bidroom/collab/internal/apperr"
	"github.com/bidroom/collab/internal/auth"
	"github.com/bidroom/collab/internal/conflicts"
	"github.com/bidroom/collab/internal/feed"
	"github.com/bidroom/collab/internal/locks"
	"github.com/bidroom/collab/internal/messages"
	"github.com/bidroom/collab/internal/notifications"
	"github.com/bidroom/collab/internal/retry"
	"github.com/bidroom/collab/internal/users"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

const userIDContextKey = "collab_user_id"

var (
	errMissingSessionValidator    = errors.New("session validator dependency required")
	errMissingLockManager         = errors.New("lock manager dependency required")
	errMissingConflictService     = errors.New("conflict service dependency required")
	errMissingNotificationService = errors.New("notification service dependency required")
	errMissingMessageService      = errors.New("message service dependency required")
	errMissingFeedSource          = errors.New("feed source dependency required")
)

// SessionValidator authenticates a request from its bearer token or cookie.
type SessionValidator interface {
	ValidateRequest(r *http.Request) (auth.SessionClaims, error)
}

// UserDirectory maps session claims to canonical users and names them.
type UserDirectory interface {
	Resolve(ctx context.Context, claims auth.SessionClaims) (users.Profile, error)
	DisplayNames(ctx context.Context, userIDs []string) (map[string]string, error)
}

// Dependencies wires the HTTP handler. Users and RateLimiter are optional.
type Dependencies struct {
	Sessions      SessionValidator
	Users         UserDirectory
	Locks         *locks.Manager
	Conflicts     *conflicts.Service
	Notifications *notifications.Service
	Messages      *messages.Service
	Feed          feed.Source
	RateLimiter   *UserRateLimiter

	AllowedOrigins   []string
	LockPollInterval time.Duration
	RetryPolicy      retry.Policy
	StreamHeartbeat  time.Duration
	StreamBufferSize int
	Clock            func() time.Time
	Logger           *zap.Logger
}

// NewHTTPHandler builds the gin engine serving the API.
func NewHTTPHandler(deps Dependencies) (http.Handler, error) {
	if deps.Sessions == nil {
		return nil, errMissingSessionValidator
	}
	if deps.Locks == nil {
		return nil, errMissingLockManager
	}
	if deps.Conflicts == nil {
		return nil, errMissingConflictService
	}
	if deps.Notifications == nil {
		return nil, errMissingNotificationService
	}
	if deps.Messages == nil {
		return nil, errMissingMessageService
	}
	if deps.Feed == nil {
		return nil, errMissingFeedSource
	}

	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	clock := deps.Clock
	if clock == nil {
		clock = time.Now
	}
	policy := deps.RetryPolicy
	if policy.MaxAttempts == 0 && policy.BaseDelay == 0 {
		policy = retry.DefaultPolicy()
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(corsMiddleware(deps.AllowedOrigins...))

	handler := &httpHandler{
		sessions:         deps.Sessions,
		users:            deps.Users,
		locks:            deps.Locks,
		conflicts:        deps.Conflicts,
		notifications:    deps.Notifications,
		messages:         deps.Messages,
		feed:             deps.Feed,
		limiter:          deps.RateLimiter,
		lockPollInterval: deps.LockPollInterval,
		retryPolicy:      policy,
		streamHeartbeat:  deps.StreamHeartbeat,
		streamBufferSize: deps.StreamBufferSize,
		clock:            clock,
		logger:           logger,
	}

	router.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	protected := router.Group("/")
	protected.Use(handler.authorizeRequest, handler.limitRequests)

	protected.POST("/sections/:sectionID/lock", handler.handleAcquireLock)
	protected.POST("/sections/:sectionID/lock/heartbeat", handler.handleHeartbeatLock)
	protected.DELETE("/sections/:sectionID/lock", handler.handleReleaseLock)
	protected.GET("/sections/:sectionID/lock", handler.handleLockStatus)
	protected.GET("/documents/:documentID/locks", handler.handleDocumentLocks)
	protected.GET("/documents/:documentID/locks/stream", handler.handleLockStream)

	protected.GET("/documents/:documentID", handler.handleGetDocument)
	protected.POST("/documents/:documentID/save", handler.handleSaveDocument)
	protected.GET("/documents/:documentID/conflicts", handler.handleListConflicts)
	protected.POST("/documents/:documentID/conflicts/resolve-all", handler.handleResolveAllConflicts)
	protected.POST("/conflicts/:conflictID/resolve", handler.handleResolveConflict)

	protected.GET("/notifications", handler.handleListNotifications)
	protected.GET("/notifications/stream", handler.handleNotificationStream)
	protected.POST("/notifications/read-all", handler.handleMarkAllNotificationsRead)
	protected.POST("/notifications/:notificationID/read", handler.handleMarkNotificationRead)
	protected.DELETE("/notifications/:notificationID", handler.handleDeleteNotification)

	protected.POST("/projects/:projectID/messages", handler.handleSendMessage)
	protected.GET("/projects/:projectID/messages/unread", handler.handleUnreadCount)
	protected.GET("/projects/:projectID/messages/unread/stream", handler.handleUnreadStream)
	protected.POST("/projects/:projectID/messages/read", handler.handleMarkMessagesRead)

	return router, nil
}

type httpHandler struct {
	sessions         SessionValidator
	users            UserDirectory
	locks            *locks.Manager
	conflicts        *conflicts.Service
	notifications    *notifications.Service
	messages         *messages.Service
	feed             feed.Source
	limiter          *UserRateLimiter
	lockPollInterval time.Duration
	retryPolicy      retry.Policy
	streamHeartbeat  time.Duration
	streamBufferSize int
	clock            func() time.Time
	logger           *zap.Logger
}

func corsMiddleware(allowedOrigins ...string) gin.HandlerFunc {
	config := cors.Config{
		AllowMethods:     []string{http.MethodGet, http.MethodPost, http.MethodDelete, http.MethodOptions},
		AllowHeaders:     []string{"Authorization", "Content-Type", "Last-Event-ID"},
		AllowCredentials: true,
		MaxAge:           12 * time.Hour,
	}
	if len(allowedOrigins) == 0 {
		config.AllowOriginFunc = func(string) bool { return true }
	} else {
		config.AllowOrigins = allowedOrigins
	}
	return cors.New(config)
}

func (h *httpHandler) authorizeRequest(c *gin.Context) {
	claims, err := h.sessions.ValidateRequest(c.Request)
	if err != nil {
		if errors.Is(err, auth.ErrExpiredSessionToken) || errors.Is(err, auth.ErrMissingSessionToken) {
			h.logger.Info("token validation failed", zap.Error(err))
		} else {
			h.logger.Warn("token validation failed", zap.Error(err))
		}
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}

	userID := strings.TrimSpace(claims.UserID)
	if h.users != nil {
		profile, err := h.users.Resolve(c.Request.Context(), claims)
		if err != nil {
			if errors.Is(err, users.ErrInvalidIdentity) {
				c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
				return
			}
			h.logger.Error("identity resolution failed", zap.Error(err))
			c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "identity_unavailable"})
			return
		}
		userID = profile.UserID
	}
	c.Set(userIDContextKey, userID)
	c.Next()
}

func (h *httpHandler) limitRequests(c *gin.Context) {
	if h.limiter != nil && !h.limiter.Allow(c.GetString(userIDContextKey)) {
		c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{"error": "rate_limited"})
		return
	}
	c.Next()
}

// displayNames resolves names for the ids, falling back to the ids.
func (h *httpHandler) displayNames(ctx context.Context, userIDs ...string) map[string]string {
	names := make(map[string]string, len(userIDs))
	for _, userID := range userIDs {
		names[userID] = userID
	}
	if h.users == nil || len(userIDs) == 0 {
		return names
	}
	resolved, err := h.users.DisplayNames(ctx, userIDs)
	if err != nil {
		h.logger.Warn("display name lookup failed", zap.Error(err))
	}
	for userID, name := range resolved {
		names[userID] = name
	}
	return names
}

func (h *httpHandler) displayName(ctx context.Context, userID string) string {
	if userID == "" {
		return ""
	}
	return h.displayNames(ctx, userID)[userID]
}

func (h *httpHandler) writeServiceError(c *gin.Context, err error) {
	code := "internal_error"
	var serviceErr *apperr.ServiceError
	if errors.As(err, &serviceErr) {
		code = serviceErr.Code()
	}
	reason, _ := apperr.Reason(err)
	status := statusForReason(reason)
	if status >= http.StatusInternalServerError {
		h.logger.Error("request failed",
			zap.String("path", c.FullPath()),
			zap.String("user_id", c.GetString(userIDContextKey)),
			zap.Error(err))
	}
	c.JSON(status, gin.H{"error": code})
}

func statusForReason(reason string) int {
	switch {
	case reason == "not_found":
		return http.StatusNotFound
	case reason == "already_resolved":
		return http.StatusConflict
	case strings.HasPrefix(reason, "invalid_"),
		strings.HasPrefix(reason, "missing_"),
		reason == "empty_body",
		reason == "body_too_long":
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

func badRequest(c *gin.Context, code string) {
	c.JSON(http.StatusBadRequest, gin.H{"error": code})
}
