package locks

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/bidroom/collab/internal/feed"
	sqlite "github.com/glebarez/sqlite"
	"github.com/redis/go-redis/v9"
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
	return fmt.Sprintf("lock-%03d", p.next), nil
}

type recordingPublisher struct {
	mu     sync.Mutex
	events []Event
}

func (p *recordingPublisher) Publish(_ context.Context, event feed.Event) error {
	decoded, err := DecodeEvent(event)
	if err != nil {
		return err
	}
	p.mu.Lock()
	p.events = append(p.events, decoded)
	p.mu.Unlock()
	return nil
}

func (p *recordingPublisher) Actions() []Action {
	p.mu.Lock()
	defer p.mu.Unlock()
	actions := make([]Action, 0, len(p.events))
	for _, event := range p.events {
		actions = append(actions, event.Action)
	}
	return actions
}

func (p *recordingPublisher) Events() []Event {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]Event(nil), p.events...)
}

func openTestDatabase(t *testing.T) *gorm.DB {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(filepath.Join(t.TempDir(), "locks.db")), &gorm.Config{})
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
	if err := db.AutoMigrate(&SectionLock{}); err != nil {
		t.Fatalf("failed to migrate schema: %v", err)
	}
	return db
}

func newGormTestStore(t *testing.T) Store {
	t.Helper()
	store, err := NewGormStore(openTestDatabase(t))
	if err != nil {
		t.Fatalf("failed to create gorm store: %v", err)
	}
	return store
}

func newRedisTestStore(t *testing.T) Store {
	t.Helper()
	server := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: server.Addr()})
	t.Cleanup(func() {
		_ = client.Close()
	})
	store, err := NewRedisStore(client)
	if err != nil {
		t.Fatalf("failed to create redis store: %v", err)
	}
	return store
}

var storeFactories = []struct {
	name  string
	build func(*testing.T) Store
}{
	{name: "gorm", build: newGormTestStore},
	{name: "redis", build: newRedisTestStore},
}

type managerFixture struct {
	manager   *Manager
	clock     *fakeClock
	publisher *recordingPublisher
}

func newManagerFixture(t *testing.T, store Store) managerFixture {
	t.Helper()
	clock := newFakeClock()
	publisher := &recordingPublisher{}
	manager, err := NewManager(ManagerConfig{
		Store:         store,
		Publisher:     publisher,
		IDProvider:    &sequenceIDProvider{},
		LeaseDuration: 30 * time.Second,
		Clock:         clock.Now,
	})
	if err != nil {
		t.Fatalf("failed to create manager: %v", err)
	}
	return managerFixture{manager: manager, clock: clock, publisher: publisher}
}

func equalActions(got, want []Action) bool {
	if len(got) != len(want) {
		return false
	}
	for index := range got {
		if got[index] != want[index] {
			return false
		}
	}
	return true
}
