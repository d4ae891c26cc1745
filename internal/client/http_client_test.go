package client

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/bidroom/collab/internal/apperr"
	"github.com/bidroom/collab/internal/locks"
)

type fakeLockAPI struct {
	mu        sync.Mutex
	owner     string
	documents map[string]string
	calls     []string
}

func (f *fakeLockAPI) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, r.Method+" "+r.URL.Path)

	token := r.Header.Get("Authorization")
	if token != "Bearer token-ada" && token != "Bearer token-bob" {
		writeJSON(w, http.StatusUnauthorized, map[string]any{"error": "unauthorized"})
		return
	}
	user := token[len("Bearer token-"):]

	switch {
	case r.Method == http.MethodPost && r.URL.Path == "/sections/intro/lock":
		var body struct {
			DocumentID string `json:"document_id"`
		}
		_ = json.NewDecoder(r.Body).Decode(&body)
		if f.owner != "" && f.owner != user {
			writeJSON(w, http.StatusConflict, map[string]any{"error": "section_locked", "success": false, "locked_by": f.owner})
			return
		}
		f.owner = user
		writeJSON(w, http.StatusOK, locks.AcquireResult{Success: true, Lock: &locks.SectionLock{
			SectionID:   "intro",
			DocumentID:  body.DocumentID,
			OwnerUserID: user,
			LockID:      "lock-1",
		}})
	case r.Method == http.MethodPost && r.URL.Path == "/sections/intro/lock/heartbeat":
		if f.owner != user {
			writeJSON(w, http.StatusConflict, map[string]any{"error": "lock_not_held", "success": false})
			return
		}
		writeJSON(w, http.StatusOK, locks.HeartbeatResult{Success: true})
	case r.Method == http.MethodDelete && r.URL.Path == "/sections/intro/lock":
		released := f.owner == user
		if released {
			f.owner = ""
		}
		writeJSON(w, http.StatusOK, locks.ReleaseResult{Released: released})
	default:
		writeJSON(w, http.StatusInternalServerError, map[string]any{"error": "locks.acquire.query_failed"})
	}
}

func (f *fakeLockAPI) callCount(call string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	count := 0
	for _, recorded := range f.calls {
		if recorded == call {
			count++
		}
	}
	return count
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func newTestClient(t *testing.T, baseURL, token string) *HTTPClient {
	t.Helper()
	client, err := New(Config{BaseURL: baseURL + "/", Token: token})
	if err != nil {
		t.Fatalf("failed to construct client: %v", err)
	}
	return client
}

func TestHTTPClientLockLifecycle(t *testing.T) {
	api := &fakeLockAPI{}
	server := httptest.NewServer(api)
	t.Cleanup(server.Close)
	ada := newTestClient(t, server.URL, "token-ada")
	bob := newTestClient(t, server.URL, "token-bob")
	ctx := context.Background()

	acquired, err := ada.Acquire(ctx, "intro", "doc-1")
	if err != nil {
		t.Fatalf("acquire failed: %v", err)
	}
	if !acquired.Success || acquired.Lock == nil || acquired.Lock.DocumentID != "doc-1" {
		t.Fatalf("unexpected acquire result %#v", acquired)
	}

	contended, err := bob.Acquire(ctx, "intro", "doc-1")
	if err != nil {
		t.Fatalf("contention must not be an error: %v", err)
	}
	if contended.Success || contended.LockedBy != "ada" {
		t.Fatalf("unexpected contention result %#v", contended)
	}

	beat, err := bob.Heartbeat(ctx, "intro")
	if err != nil || beat.Success {
		t.Fatalf("expected an unsuccessful heartbeat for the non-owner, got %#v %v", beat, err)
	}
	beat, err = ada.Heartbeat(ctx, "intro")
	if err != nil || !beat.Success {
		t.Fatalf("expected a successful heartbeat, got %#v %v", beat, err)
	}

	released, err := ada.Release(ctx, "intro")
	if err != nil || !released.Released {
		t.Fatalf("expected release, got %#v %v", released, err)
	}
}

func TestHTTPClientReportsUnexpectedStatus(t *testing.T) {
	api := &fakeLockAPI{}
	server := httptest.NewServer(api)
	t.Cleanup(server.Close)
	ctx := context.Background()

	_, err := newTestClient(t, server.URL, "token-eve").Acquire(ctx, "intro", "doc-1")
	if reason, _ := apperr.Reason(err); reason != "unauthorized" {
		t.Fatalf("expected unauthorized, got %v", err)
	}

	_, err = newTestClient(t, server.URL, "token-ada").Release(ctx, "other")
	var statusErr *StatusError
	if !errors.As(err, &statusErr) || statusErr.StatusCode != http.StatusInternalServerError || statusErr.Code != "locks.acquire.query_failed" {
		t.Fatalf("expected a status error, got %v", err)
	}
}

func TestNewRequiresBaseURLAndToken(t *testing.T) {
	if _, err := New(Config{Token: "token"}); err == nil {
		t.Fatalf("expected missing base url error")
	}
	if _, err := New(Config{BaseURL: "http://localhost:8080"}); err == nil {
		t.Fatalf("expected missing token error")
	}
}

func TestEditSessionHoldsRemoteLock(t *testing.T) {
	api := &fakeLockAPI{}
	server := httptest.NewServer(api)
	t.Cleanup(server.Close)

	session, err := locks.NewEditSession(locks.EditSessionConfig{
		Client:            newTestClient(t, server.URL, "token-ada"),
		SectionID:         "intro",
		DocumentID:        "doc-1",
		HeartbeatInterval: 10 * time.Millisecond,
		ReleaseDelay:      time.Hour,
	})
	if err != nil {
		t.Fatalf("failed to construct session: %v", err)
	}
	result, err := session.Focus(context.Background())
	if err != nil || !result.Success {
		t.Fatalf("expected focus to acquire, got %#v %v", result, err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for api.callCount("POST /sections/intro/lock/heartbeat") < 2 {
		if time.Now().After(deadline) {
			t.Fatalf("expected heartbeats over HTTP")
		}
		time.Sleep(5 * time.Millisecond)
	}

	if err := session.Close(context.Background()); err != nil {
		t.Fatalf("close failed: %v", err)
	}
	if api.callCount("DELETE /sections/intro/lock") != 1 {
		t.Fatalf("expected close to release the lock once")
	}
}
