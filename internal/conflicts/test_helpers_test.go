package conflicts

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/bidroom/collab/internal/locks"
	"github.com/bidroom/collab/internal/notifications"
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
	return fmt.Sprintf("conflict-%03d", p.next), nil
}

type recordingNotifier struct {
	mu       sync.Mutex
	requests []notifications.CreateRequest
}

func (n *recordingNotifier) Create(_ context.Context, request notifications.CreateRequest) (notifications.Notification, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.requests = append(n.requests, request)
	return notifications.Notification{UserID: request.UserID, Type: request.Type, Title: request.Title}, nil
}

func (n *recordingNotifier) Requests() []notifications.CreateRequest {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]notifications.CreateRequest(nil), n.requests...)
}

type recordingReleaser struct {
	mu       sync.Mutex
	released []string
}

func (r *recordingReleaser) Release(_ context.Context, sectionID, userID string) (locks.ReleaseResult, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.released = append(r.released, sectionID+"/"+userID)
	return locks.ReleaseResult{Released: true}, nil
}

func openTestDatabase(t *testing.T) *gorm.DB {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(filepath.Join(t.TempDir(), "conflicts.db")), &gorm.Config{})
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
	if err := db.AutoMigrate(&Record{}, &Document{}, &Revision{}); err != nil {
		t.Fatalf("failed to migrate schema: %v", err)
	}
	return db
}

type serviceFixture struct {
	service  *Service
	clock    *fakeClock
	notifier *recordingNotifier
	releaser *recordingReleaser
}

func newServiceFixture(t *testing.T) serviceFixture {
	t.Helper()
	clock := newFakeClock()
	notifier := &recordingNotifier{}
	releaser := &recordingReleaser{}
	service, err := NewService(ServiceConfig{
		Database:      openTestDatabase(t),
		Notifications: notifier,
		Locks:         releaser,
		IDProvider:    &sequenceIDProvider{},
		Clock:         clock.Now,
	})
	if err != nil {
		t.Fatalf("failed to create service: %v", err)
	}
	return serviceFixture{service: service, clock: clock, notifier: notifier, releaser: releaser}
}

func paragraphs(texts ...string) []byte {
	content := `{"type":"doc","content":[`
	for index, text := range texts {
		if index > 0 {
			content += ","
		}
		content += fmt.Sprintf(`{"type":"paragraph","content":[{"type":"text","text":%q}]}`, text)
	}
	return []byte(content + "]}")
}
