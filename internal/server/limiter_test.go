package server

import (
	"testing"
	"time"
)

func TestUserRateLimiterKeepsSeparateBuckets(t *testing.T) {
	now := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	limiter := NewUserRateLimiter(1, 2, func() time.Time { return now })

	if !limiter.Allow("user-a") || !limiter.Allow("user-a") {
		t.Fatalf("expected the burst to be admitted")
	}
	if limiter.Allow("user-a") {
		t.Fatalf("expected the third request to be limited")
	}
	if !limiter.Allow("user-b") {
		t.Fatalf("another user must not share the bucket")
	}
}

func TestUserRateLimiterEvictsIdleBuckets(t *testing.T) {
	now := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	limiter := NewUserRateLimiter(1, 1, func() time.Time { return now })

	limiter.Allow("user-a")
	limiter.Allow("user-b")
	if limiter.size() != 2 {
		t.Fatalf("expected two buckets, got %d", limiter.size())
	}

	now = now.Add(limiterIdleTTL + time.Second)
	limiter.Allow("user-c")
	if limiter.size() != 1 {
		t.Fatalf("expected idle buckets to be evicted, got %d", limiter.size())
	}
}

func TestUserRateLimiterDisabledRate(t *testing.T) {
	limiter := NewUserRateLimiter(0, 0, nil)
	for i := 0; i < 100; i++ {
		if !limiter.Allow("user-a") {
			t.Fatalf("expected an unlimited limiter to admit request %d", i)
		}
	}
}
