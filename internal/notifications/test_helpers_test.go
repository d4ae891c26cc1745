package notifications

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/bidroom/collab/internal/feed"
	sqlite "github.com/glebarez/sqlite"
	"gorm.io/gorm"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(delta time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(delta)
	c.mu.Unlock()
}

type sequenceIDProvider struct {
	mu   sync.Mutex
	next int
}

func (p *sequenceIDProvider) NewID() (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.next++
	return fmt.Sprintf("notification-%03d", p.next), nil
}

var errSourceDown = errors.New("feed unavailable")

// flakySource refuses subscriptions while down is set.
type flakySource struct {
	broker     *feed.Broker
	down       atomic.Bool
	subscribes atomic.Int32
}

func (s *flakySource) Subscribe(ctx context.Context, topic feed.Topic) (*feed.Subscription, error) {
	s.subscribes.Add(1)
	if s.down.Load() {
		return nil, errSourceDown
	}
	return s.broker.Subscribe(ctx, topic)
}

func openTestDatabase(t *testing.T) *gorm.DB {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(filepath.Join(t.TempDir(), "notifications.db")), &gorm.Config{})
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
	if err := db.AutoMigrate(&Notification{}); err != nil {
		t.Fatalf("failed to migrate schema: %v", err)
	}
	return db
}

func newTestService(t *testing.T, publisher feed.Publisher, clock *fakeClock) *Service {
	t.Helper()
	service, err := NewService(ServiceConfig{
		Database:   openTestDatabase(t),
		Publisher:  publisher,
		IDProvider: &sequenceIDProvider{},
		Clock:      clock.Now,
	})
	if err != nil {
		t.Fatalf("failed to create service: %v", err)
	}
	return service
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

func systemNotice(userID, title string) CreateRequest {
	return CreateRequest{UserID: userID, Type: TypeSystem, Title: title}
}
