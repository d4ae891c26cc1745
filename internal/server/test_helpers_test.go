package server

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/bidroom/collab/internal/auth"
	"github.com/bidroom/collab/internal/conflicts"
	"github.com/bidroom/collab/internal/database"
	"github.com/bidroom/collab/internal/feed"
	"github.com/bidroom/collab/internal/ids"
	"github.com/bidroom/collab/internal/locks"
	"github.com/bidroom/collab/internal/messages"
	"github.com/bidroom/collab/internal/notifications"
	"github.com/bidroom/collab/internal/retry"
	"github.com/bidroom/collab/internal/users"
	"github.com/gin-gonic/gin"
	sqlite "github.com/glebarez/sqlite"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const (
	testSigningSecret = "test-signing-secret"
	testCookieName    = "app_session"
)

type testServer struct {
	handler       http.Handler
	issuer        *auth.TokenIssuer
	broker        *feed.Broker
	locks         *locks.Manager
	notifications *notifications.Service
	messages      *messages.Service
}

func openTestDatabase(t *testing.T) *gorm.DB {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(filepath.Join(t.TempDir(), "server.db")), &gorm.Config{})
	if err != nil {
		t.Fatalf("failed to open sqlite: %v", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		t.Fatalf("failed to access sql db: %v", err)
	}
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() {
		_ = sqlDB.Close()
	})
	if err := database.Migrate(db, zap.NewNop()); err != nil {
		t.Fatalf("failed to migrate schema: %v", err)
	}
	return db
}

func newTestServer(t *testing.T, configure ...func(*Dependencies)) testServer {
	t.Helper()
	gin.SetMode(gin.TestMode)

	db := openTestDatabase(t)
	broker := feed.NewBroker()
	t.Cleanup(broker.Close)
	idProvider := ids.NewUUIDProvider()

	lockStore, err := locks.NewGormStore(db)
	if err != nil {
		t.Fatalf("failed to create lock store: %v", err)
	}
	lockManager, err := locks.NewManager(locks.ManagerConfig{Store: lockStore, Publisher: broker, IDProvider: idProvider})
	if err != nil {
		t.Fatalf("failed to create lock manager: %v", err)
	}
	notificationService, err := notifications.NewService(notifications.ServiceConfig{Database: db, Publisher: broker, IDProvider: idProvider})
	if err != nil {
		t.Fatalf("failed to create notification service: %v", err)
	}
	conflictService, err := conflicts.NewService(conflicts.ServiceConfig{
		Database:      db,
		Notifications: notificationService,
		Locks:         lockManager,
		IDProvider:    idProvider,
	})
	if err != nil {
		t.Fatalf("failed to create conflict service: %v", err)
	}
	messageService, err := messages.NewService(messages.ServiceConfig{
		Database:      db,
		Publisher:     broker,
		Notifications: notificationService,
		IDProvider:    idProvider,
	})
	if err != nil {
		t.Fatalf("failed to create message service: %v", err)
	}
	userDirectory, err := users.NewService(users.ServiceConfig{Database: db})
	if err != nil {
		t.Fatalf("failed to create user directory: %v", err)
	}
	validator, err := auth.NewSessionValidator(auth.SessionValidatorConfig{
		SigningSecret: []byte(testSigningSecret),
		CookieName:    testCookieName,
	})
	if err != nil {
		t.Fatalf("failed to create session validator: %v", err)
	}
	issuer, err := auth.NewTokenIssuer(auth.TokenIssuerConfig{
		SigningSecret: []byte(testSigningSecret),
		Issuer:        "bidroom-auth",
		TokenTTL:      time.Hour,
	})
	if err != nil {
		t.Fatalf("failed to create token issuer: %v", err)
	}

	deps := Dependencies{
		Sessions:         validator,
		Users:            userDirectory,
		Locks:            lockManager,
		Conflicts:        conflictService,
		Notifications:    notificationService,
		Messages:         messageService,
		Feed:             broker,
		LockPollInterval: time.Hour,
		RetryPolicy:      retry.Policy{MaxAttempts: 3, BaseDelay: 2 * time.Millisecond, MaxDelay: 5 * time.Millisecond, Multiplier: 2},
		StreamHeartbeat:  time.Hour,
	}
	for _, apply := range configure {
		apply(&deps)
	}
	handler, err := NewHTTPHandler(deps)
	if err != nil {
		t.Fatalf("failed to construct http handler: %v", err)
	}
	return testServer{
		handler:       handler,
		issuer:        issuer,
		broker:        broker,
		locks:         lockManager,
		notifications: notificationService,
		messages:      messageService,
	}
}

func (s testServer) token(t *testing.T, userID, displayName string) string {
	t.Helper()
	token, _, err := s.issuer.Issue(auth.Identity{UserID: userID, DisplayName: displayName})
	if err != nil {
		t.Fatalf("failed to issue token: %v", err)
	}
	return token
}

func (s testServer) do(t *testing.T, method, path, token string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	switch typed := body.(type) {
	case nil:
		reader = bytes.NewReader(nil)
	case string:
		reader = bytes.NewReader([]byte(typed))
	default:
		encoded, err := json.Marshal(typed)
		if err != nil {
			t.Fatalf("failed to encode body: %v", err)
		}
		reader = bytes.NewReader(encoded)
	}
	request := httptest.NewRequest(method, path, reader)
	if body != nil {
		request.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		request.Header.Set("Authorization", "Bearer "+token)
	}
	recorder := httptest.NewRecorder()
	s.handler.ServeHTTP(recorder, request)
	return recorder
}

func decodeBody(t *testing.T, recorder *httptest.ResponseRecorder, target any) {
	t.Helper()
	if err := json.Unmarshal(recorder.Body.Bytes(), target); err != nil {
		t.Fatalf("failed to decode response %q: %v", recorder.Body.String(), err)
	}
}

func expectStatus(t *testing.T, recorder *httptest.ResponseRecorder, status int) {
	t.Helper()
	if recorder.Code != status {
		t.Fatalf("expected status %d, got %d: %s", status, recorder.Code, recorder.Body.String())
	}
}

func paragraphs(texts ...string) json.RawMessage {
	content := `{"type":"doc","content":[`
	for index, text := range texts {
		if index > 0 {
			content += ","
		}
		content += fmt.Sprintf(`{"type":"paragraph","content":[{"type":"text","text":%q}]}`, text)
	}
	return json.RawMessage(content + "]}")
}
