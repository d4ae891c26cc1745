package server

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
)

func TestRealtimeStreamOverflowClosesStream(t *testing.T) {
	stream := NewRealtimeStream(1)

	if stream.Publish(RealtimeMessage{}) {
		t.Fatalf("expected a message without event type to be rejected")
	}
	if !stream.Publish(RealtimeMessage{EventType: RealtimeEventLock, Payload: "first"}) {
		t.Fatalf("expected the first message to be buffered")
	}
	select {
	case <-stream.Overflowed():
		t.Fatalf("stream must not overflow before the buffer is full")
	default:
	}
	if stream.Publish(RealtimeMessage{EventType: RealtimeEventLock, Payload: "second"}) {
		t.Fatalf("expected the overflowing message to be rejected")
	}
	select {
	case <-stream.Overflowed():
	default:
		t.Fatalf("expected the overflow channel to be closed")
	}
	if stream.Publish(RealtimeMessage{EventType: RealtimeEventLock, Payload: "third"}) {
		t.Fatalf("expected publishes after overflow to be rejected")
	}
}

func TestServeRealtimeFlushesBufferedEventsBeforeOverflowDisconnect(t *testing.T) {
	gin.SetMode(gin.TestMode)
	recorder := httptest.NewRecorder()
	ctx, _ := gin.CreateTestContext(recorder)
	ctx.Request = httptest.NewRequest(http.MethodGet, "/documents/doc-1/locks/stream", http.NoBody)

	stream := NewRealtimeStream(1)
	stream.Publish(RealtimeMessage{
		EventType: RealtimeEventLock,
		Payload:   map[string]string{"section_id": "intro"},
		Timestamp: time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC),
	})
	stream.Publish(RealtimeMessage{EventType: RealtimeEventLock, Payload: map[string]string{"section_id": "pricing"}})

	done := make(chan struct{})
	go func() {
		defer close(done)
		serveRealtime(context.Background(), ctx, stream, time.Hour)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatalf("expected the overflowed stream to end")
	}

	body := recorder.Body.String()
	if recorder.Header().Get("Content-Type") != "text/event-stream" {
		t.Fatalf("unexpected content type %q", recorder.Header().Get("Content-Type"))
	}
	if !strings.Contains(body, "event:lock") || !strings.Contains(body, `"section_id":"intro"`) {
		t.Fatalf("expected the buffered lock event, got %q", body)
	}
	if !strings.Contains(body, `"source":"collab-api"`) {
		t.Fatalf("expected the envelope source, got %q", body)
	}
	if strings.Contains(body, "pricing") {
		t.Fatalf("the overflowing event must not be written, got %q", body)
	}
}

func TestServeRealtimeStopsWhenContextEnds(t *testing.T) {
	gin.SetMode(gin.TestMode)
	recorder := httptest.NewRecorder()
	ginCtx, _ := gin.CreateTestContext(recorder)
	ginCtx.Request = httptest.NewRequest(http.MethodGet, "/notifications/stream", http.NoBody)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		serveRealtime(ctx, ginCtx, NewRealtimeStream(4), time.Hour)
	}()
	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatalf("expected the stream to stop after cancellation")
	}
	if recorder.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", recorder.Code)
	}
}

func TestServeRealtimeWritesQueuedEventsOnCancellation(t *testing.T) {
	gin.SetMode(gin.TestMode)
	recorder := httptest.NewRecorder()
	ginCtx, _ := gin.CreateTestContext(recorder)
	ginCtx.Request = httptest.NewRequest(http.MethodGet, "/notifications/stream", http.NoBody)

	stream := NewRealtimeStream(4)
	stream.Publish(RealtimeMessage{EventType: RealtimeEventConnectionStatus, Payload: map[string]string{"status": "exhausted"}})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	done := make(chan struct{})
	go func() {
		defer close(done)
		serveRealtime(ctx, ginCtx, stream, time.Hour)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatalf("expected the stream to stop after cancellation")
	}
	body := recorder.Body.String()
	if !strings.Contains(body, "event:status") || !strings.Contains(body, `"status":"exhausted"`) {
		t.Fatalf("expected the queued status event to be written, got %q", body)
	}
}
