package server

import (
	"net/http"
	"testing"
)

func TestLockRoutesReportContentionWithDisplayName(t *testing.T) {
	server := newTestServer(t)
	ada := server.token(t, "user-a", "Ada")
	bob := server.token(t, "user-b", "Bob")

	acquired := server.do(t, http.MethodPost, "/sections/intro/lock", ada, map[string]string{"document_id": "doc-1"})
	expectStatus(t, acquired, http.StatusOK)
	var acquireBody struct {
		Success bool `json:"success"`
		Lock    struct {
			OwnerUserID string `json:"owner_user_id"`
			DocumentID  string `json:"document_id"`
		} `json:"lock"`
	}
	decodeBody(t, acquired, &acquireBody)
	if !acquireBody.Success || acquireBody.Lock.OwnerUserID != "user-a" || acquireBody.Lock.DocumentID != "doc-1" {
		t.Fatalf("unexpected acquire response %s", acquired.Body.String())
	}

	contended := server.do(t, http.MethodPost, "/sections/intro/lock", bob, map[string]string{"document_id": "doc-1"})
	expectStatus(t, contended, http.StatusConflict)
	var contendedBody struct {
		Error        string `json:"error"`
		LockedBy     string `json:"locked_by"`
		LockedByName string `json:"locked_by_name"`
	}
	decodeBody(t, contended, &contendedBody)
	if contendedBody.Error != "section_locked" || contendedBody.LockedBy != "user-a" || contendedBody.LockedByName != "Ada" {
		t.Fatalf("unexpected contention response %s", contended.Body.String())
	}

	expectStatus(t, server.do(t, http.MethodPost, "/sections/intro/lock/heartbeat", bob, nil), http.StatusConflict)
	expectStatus(t, server.do(t, http.MethodPost, "/sections/intro/lock/heartbeat", ada, nil), http.StatusOK)

	status := server.do(t, http.MethodGet, "/sections/intro/lock", bob, nil)
	expectStatus(t, status, http.StatusOK)
	var statusBody struct {
		IsLocked     bool   `json:"is_locked"`
		LockedBy     string `json:"locked_by"`
		LockedByName string `json:"locked_by_name"`
	}
	decodeBody(t, status, &statusBody)
	if !statusBody.IsLocked || statusBody.LockedBy != "user-a" || statusBody.LockedByName != "Ada" {
		t.Fatalf("unexpected status response %s", status.Body.String())
	}

	released := server.do(t, http.MethodDelete, "/sections/intro/lock", ada, nil)
	expectStatus(t, released, http.StatusOK)
	var releaseBody struct {
		Released bool `json:"released"`
	}
	decodeBody(t, released, &releaseBody)
	if !releaseBody.Released {
		t.Fatalf("expected release to succeed, got %s", released.Body.String())
	}
	expectStatus(t, server.do(t, http.MethodPost, "/sections/intro/lock", bob, map[string]string{"document_id": "doc-1"}), http.StatusOK)
}

func TestLockAcquireRequiresDocument(t *testing.T) {
	server := newTestServer(t)
	ada := server.token(t, "user-a", "Ada")

	rejected := server.do(t, http.MethodPost, "/sections/intro/lock", ada, map[string]string{})
	expectStatus(t, rejected, http.StatusBadRequest)
	expectStatus(t, server.do(t, http.MethodPost, "/sections/intro/lock", ada, "{"), http.StatusBadRequest)
}

func TestDocumentLocksListsEditors(t *testing.T) {
	server := newTestServer(t)
	ada := server.token(t, "user-a", "Ada")
	bob := server.token(t, "user-b", "Bob")

	expectStatus(t, server.do(t, http.MethodPost, "/sections/intro/lock", ada, map[string]string{"document_id": "doc-1"}), http.StatusOK)
	expectStatus(t, server.do(t, http.MethodPost, "/sections/pricing/lock", bob, map[string]string{"document_id": "doc-1"}), http.StatusOK)
	expectStatus(t, server.do(t, http.MethodPost, "/sections/summary/lock", ada, map[string]string{"document_id": "doc-1"}), http.StatusOK)
	expectStatus(t, server.do(t, http.MethodPost, "/sections/other/lock", bob, map[string]string{"document_id": "doc-2"}), http.StatusOK)

	response := server.do(t, http.MethodGet, "/documents/doc-1/locks", ada, nil)
	expectStatus(t, response, http.StatusOK)
	var body struct {
		DocumentID string `json:"document_id"`
		Editors    []struct {
			SectionID   string `json:"section_id"`
			UserID      string `json:"user_id"`
			DisplayName string `json:"display_name"`
		} `json:"editors"`
		ActiveUsers []struct {
			UserID      string `json:"user_id"`
			DisplayName string `json:"display_name"`
		} `json:"active_users"`
	}
	decodeBody(t, response, &body)
	if body.DocumentID != "doc-1" || len(body.Editors) != 3 {
		t.Fatalf("unexpected presence response %s", response.Body.String())
	}
	if len(body.ActiveUsers) != 2 {
		t.Fatalf("expected two active users, got %s", response.Body.String())
	}
	names := map[string]string{}
	for _, user := range body.ActiveUsers {
		names[user.UserID] = user.DisplayName
	}
	if names["user-a"] != "Ada" || names["user-b"] != "Bob" {
		t.Fatalf("unexpected display names %#v", names)
	}
}
