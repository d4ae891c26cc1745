package locks

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/bidroom/collab/internal/retry"
)

type countingClient struct {
	inner          Client
	heartbeats     atomic.Int32
	releases       atomic.Int32
	failHeartbeats atomic.Bool
	loseLease      atomic.Bool
}

func (c *countingClient) Acquire(ctx context.Context, sectionID, documentID string) (AcquireResult, error) {
	return c.inner.Acquire(ctx, sectionID, documentID)
}

func (c *countingClient) Release(ctx context.Context, sectionID string) (ReleaseResult, error) {
	c.releases.Add(1)
	return c.inner.Release(ctx, sectionID)
}

func (c *countingClient) Heartbeat(ctx context.Context, sectionID string) (HeartbeatResult, error) {
	c.heartbeats.Add(1)
	if c.failHeartbeats.Load() {
		return HeartbeatResult{}, errors.New("transport down")
	}
	if c.loseLease.Load() {
		return HeartbeatResult{Success: false}, nil
	}
	return c.inner.Heartbeat(ctx, sectionID)
}

func newTestSession(t *testing.T, client Client, heartbeat, releaseDelay time.Duration, onLost func(string)) *EditSession {
	t.Helper()
	session, err := NewEditSession(EditSessionConfig{
		Client:            client,
		SectionID:         "intro",
		DocumentID:        "doc-1",
		HeartbeatInterval: heartbeat,
		ReleaseDelay:      releaseDelay,
		RetryPolicy:       retry.Policy{MaxAttempts: 1, BaseDelay: time.Millisecond, MaxDelay: time.Millisecond, Multiplier: 2},
		OnLost:            onLost,
	})
	if err != nil {
		t.Fatalf("failed to create session: %v", err)
	}
	return session
}

func waitFor(t *testing.T, timeout time.Duration, condition func() bool) bool {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if condition() {
			return true
		}
		time.Sleep(5 * time.Millisecond)
	}
	return condition()
}

func TestEditSessionRefocusCancelsPendingRelease(t *testing.T) {
	fixture := newManagerFixture(t, newGormTestStore(t))
	client := &countingClient{inner: fixture.manager.ForUser("user-a")}
	session := newTestSession(t, client, time.Hour, 50*time.Millisecond, nil)
	ctx := context.Background()
	defer session.Close(ctx)

	if result, err := session.Focus(ctx); err != nil || !result.Success {
		t.Fatalf("expected focus to acquire: %#v %v", result, err)
	}
	session.Blur()
	if !session.ReleasePending() {
		t.Fatalf("expected a pending release after blur")
	}
	if result, err := session.Focus(ctx); err != nil || !result.Success {
		t.Fatalf("expected refocus to succeed: %#v %v", result, err)
	}
	if session.ReleasePending() {
		t.Fatalf("expected refocus to cancel the pending release")
	}

	time.Sleep(120 * time.Millisecond)
	if client.releases.Load() != 0 {
		t.Fatalf("expected no release call, got %d", client.releases.Load())
	}
	status, err := fixture.manager.Status(ctx, "intro")
	if err != nil || !status.IsLocked || status.LockedBy != "user-a" {
		t.Fatalf("expected lock to stay with user-a: %#v %v", status, err)
	}
}

func TestEditSessionBlurReleasesAfterDelay(t *testing.T) {
	fixture := newManagerFixture(t, newGormTestStore(t))
	session := newTestSession(t, fixture.manager.ForUser("user-a"), time.Hour, 30*time.Millisecond, nil)
	ctx := context.Background()
	defer session.Close(ctx)

	if _, err := session.Focus(ctx); err != nil {
		t.Fatalf("unexpected focus error: %v", err)
	}
	session.Blur()

	released := waitFor(t, time.Second, func() bool {
		status, err := fixture.manager.Status(ctx, "intro")
		return err == nil && !status.IsLocked
	})
	if !released {
		t.Fatalf("expected the section to be released after the blur delay")
	}
	if session.Held() {
		t.Fatalf("expected session to report the section as not held")
	}
	if !equalActions(fixture.publisher.Actions(), []Action{ActionAcquired, ActionReleased}) {
		t.Fatalf("unexpected events %v", fixture.publisher.Actions())
	}
}

func TestEditSessionHeartbeatsWhileFocused(t *testing.T) {
	fixture := newManagerFixture(t, newGormTestStore(t))
	client := &countingClient{inner: fixture.manager.ForUser("user-a")}
	session := newTestSession(t, client, 10*time.Millisecond, time.Hour, nil)
	ctx := context.Background()

	if _, err := session.Focus(ctx); err != nil {
		t.Fatalf("unexpected focus error: %v", err)
	}
	if !waitFor(t, time.Second, func() bool { return client.heartbeats.Load() >= 3 }) {
		t.Fatalf("expected heartbeats while focused, got %d", client.heartbeats.Load())
	}

	if err := session.Close(ctx); err != nil {
		t.Fatalf("unexpected close error: %v", err)
	}
	stopped := client.heartbeats.Load()
	time.Sleep(50 * time.Millisecond)
	if client.heartbeats.Load() != stopped {
		t.Fatalf("expected heartbeats to stop after close")
	}
	status, _ := fixture.manager.Status(ctx, "intro")
	if status.IsLocked {
		t.Fatalf("expected close to release immediately")
	}
	if _, err := session.Focus(ctx); !errors.Is(err, ErrSessionClosed) {
		t.Fatalf("expected closed session error, got %v", err)
	}
}

func TestEditSessionReportsLostLease(t *testing.T) {
	fixture := newManagerFixture(t, newGormTestStore(t))
	client := &countingClient{inner: fixture.manager.ForUser("user-a")}
	var mu sync.Mutex
	var lostSection string
	session := newTestSession(t, client, 10*time.Millisecond, time.Hour, func(sectionID string) {
		mu.Lock()
		lostSection = sectionID
		mu.Unlock()
	})
	ctx := context.Background()
	defer session.Close(ctx)

	if _, err := session.Focus(ctx); err != nil {
		t.Fatalf("unexpected focus error: %v", err)
	}
	client.loseLease.Store(true)

	if !waitFor(t, time.Second, func() bool { return !session.Held() }) {
		t.Fatalf("expected the session to drop the lost lease")
	}
	mu.Lock()
	defer mu.Unlock()
	if lostSection != "intro" {
		t.Fatalf("expected lost callback for intro, got %q", lostSection)
	}
}

func TestEditSessionKeepsLeaseThroughTransportErrors(t *testing.T) {
	fixture := newManagerFixture(t, newGormTestStore(t))
	client := &countingClient{inner: fixture.manager.ForUser("user-a")}
	client.failHeartbeats.Store(true)
	session := newTestSession(t, client, 10*time.Millisecond, time.Hour, nil)
	ctx := context.Background()
	defer session.Close(ctx)

	if _, err := session.Focus(ctx); err != nil {
		t.Fatalf("unexpected focus error: %v", err)
	}
	if !waitFor(t, time.Second, func() bool { return client.heartbeats.Load() >= 4 }) {
		t.Fatalf("expected heartbeat retries, got %d", client.heartbeats.Load())
	}
	if !session.Held() {
		t.Fatalf("transport errors must not drop the session")
	}
}

func TestEditSessionFocusReportsContention(t *testing.T) {
	fixture := newManagerFixture(t, newGormTestStore(t))
	ctx := context.Background()
	if _, err := fixture.manager.Acquire(ctx, "intro", "doc-1", "user-b"); err != nil {
		t.Fatalf("unexpected acquire error: %v", err)
	}
	session := newTestSession(t, fixture.manager.ForUser("user-a"), time.Hour, time.Hour, nil)
	defer session.Close(ctx)

	result, err := session.Focus(ctx)
	if err != nil {
		t.Fatalf("unexpected focus error: %v", err)
	}
	if result.Success || result.LockedBy != "user-b" {
		t.Fatalf("expected contention naming user-b, got %#v", result)
	}
	if session.Held() {
		t.Fatalf("expected contended session to hold nothing")
	}
}
