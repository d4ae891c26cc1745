package server

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/bidroom/collab/internal/auth"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func TestAuthorizeRequestLogsExpiredTokenAtInfoLevel(t *testing.T) {
	gin.SetMode(gin.TestMode)
	recorder := httptest.NewRecorder()
	ctx, _ := gin.CreateTestContext(recorder)
	request := httptest.NewRequest(http.MethodGet, "/notifications", http.NoBody)
	request.Header.Set("Authorization", "Bearer expired-token")
	ctx.Request = request

	core, logs := observer.New(zapcore.DebugLevel)
	handler := &httpHandler{
		sessions: stubSessionValidator{err: auth.ErrExpiredSessionToken},
		logger:   zap.New(core),
	}

	handler.authorizeRequest(ctx)

	if recorder.Code != http.StatusUnauthorized {
		t.Fatalf("unexpected status code: got %d, want %d", recorder.Code, http.StatusUnauthorized)
	}
	entries := logs.All()
	if len(entries) != 1 {
		t.Fatalf("expected exactly one log entry, got %d", len(entries))
	}
	entry := entries[0]
	if entry.Level != zapcore.InfoLevel {
		t.Fatalf("expected info level for expired token, got %s", entry.Level)
	}
	if entry.Message != "token validation failed" {
		t.Fatalf("unexpected log message: %q", entry.Message)
	}
	hasExpired := false
	for _, field := range entry.Context {
		if field.Type == zapcore.ErrorType && errors.Is(field.Interface.(error), auth.ErrExpiredSessionToken) {
			hasExpired = true
			break
		}
	}
	if !hasExpired {
		t.Fatalf("expected expired token error context, got %v", entry.Context)
	}
}

func TestAuthorizeRequestLogsUnexpectedTokenErrorAtWarnLevel(t *testing.T) {
	gin.SetMode(gin.TestMode)
	recorder := httptest.NewRecorder()
	ctx, _ := gin.CreateTestContext(recorder)
	request := httptest.NewRequest(http.MethodGet, "/notifications", http.NoBody)
	request.Header.Set("Authorization", "Bearer invalid-token")
	ctx.Request = request

	core, logs := observer.New(zapcore.DebugLevel)
	handler := &httpHandler{
		sessions: stubSessionValidator{err: errors.New("signature mismatch")},
		logger:   zap.New(core),
	}

	handler.authorizeRequest(ctx)

	if recorder.Code != http.StatusUnauthorized {
		t.Fatalf("unexpected status code: got %d, want %d", recorder.Code, http.StatusUnauthorized)
	}
	entries := logs.All()
	if len(entries) != 1 {
		t.Fatalf("expected exactly one log entry, got %d", len(entries))
	}
	if entries[0].Level != zapcore.WarnLevel {
		t.Fatalf("expected warn level for unexpected error, got %s", entries[0].Level)
	}
}

func TestAuthorizeRequestTakesIdentityFromToken(t *testing.T) {
	gin.SetMode(gin.TestMode)
	recorder := httptest.NewRecorder()
	ctx, _ := gin.CreateTestContext(recorder)
	ctx.Request = httptest.NewRequest(http.MethodGet, "/notifications?user_id=someone-else", http.NoBody)

	handler := &httpHandler{
		sessions: stubSessionValidator{claims: auth.SessionClaims{UserID: "user-123"}},
		logger:   zap.NewNop(),
	}
	handler.authorizeRequest(ctx)

	if ctx.IsAborted() {
		t.Fatalf("expected the request to pass, got %d", recorder.Code)
	}
	if got := ctx.GetString(userIDContextKey); got != "user-123" {
		t.Fatalf("expected the token identity, got %q", got)
	}
}

func TestProtectedRoutesRequireSession(t *testing.T) {
	server := newTestServer(t)
	expectStatus(t, server.do(t, http.MethodGet, "/notifications", "", nil), http.StatusUnauthorized)
	expectStatus(t, server.do(t, http.MethodPost, "/sections/intro/lock", "", map[string]string{"document_id": "doc-1"}), http.StatusUnauthorized)
	expectStatus(t, server.do(t, http.MethodGet, "/healthz", "", nil), http.StatusOK)

	request := httptest.NewRequest(http.MethodGet, "/notifications", http.NoBody)
	request.AddCookie(&http.Cookie{Name: testCookieName, Value: server.token(t, "user-a", "Ada")})
	recorder := httptest.NewRecorder()
	server.handler.ServeHTTP(recorder, request)
	expectStatus(t, recorder, http.StatusOK)
}

func TestRateLimiterRejectsBurstOverflow(t *testing.T) {
	server := newTestServer(t, func(deps *Dependencies) {
		deps.RateLimiter = NewUserRateLimiter(0.001, 2, nil)
	})
	alice := server.token(t, "user-a", "Ada")
	bob := server.token(t, "user-b", "Bob")

	expectStatus(t, server.do(t, http.MethodGet, "/notifications", alice, nil), http.StatusOK)
	expectStatus(t, server.do(t, http.MethodGet, "/notifications", alice, nil), http.StatusOK)
	limited := server.do(t, http.MethodGet, "/notifications", alice, nil)
	expectStatus(t, limited, http.StatusTooManyRequests)
	expectStatus(t, server.do(t, http.MethodGet, "/notifications", bob, nil), http.StatusOK)
}

type stubSessionValidator struct {
	claims auth.SessionClaims
	err    error
}

func (s stubSessionValidator) ValidateRequest(*http.Request) (auth.SessionClaims, error) {
	return s.claims, s.err
}
