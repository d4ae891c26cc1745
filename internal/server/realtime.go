package server

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
)

const (
	RealtimeEventLock                = "lock"
	RealtimeEventNotification        = "notification"
	RealtimeEventNotificationRead    = "notification_read"
	RealtimeEventNotificationDeleted = "notification_deleted"
	RealtimeEventConnectionStatus    = "status"
	RealtimeEventUnread              = "unread"
	realtimeEventHeartbeat           = "heartbeat"
	realtimeSourceBackend            = "collab-api"
	defaultRealtimeBufferSize        = 64
	defaultRealtimeHeartbeatInterval = 25 * time.Second
)

// RealtimeMessage is one server-sent event.
type RealtimeMessage struct {
	EventType string
	Payload   any
	Timestamp time.Time
}

type realtimeEnvelope struct {
	Source    string    `json:"source"`
	Timestamp time.Time `json:"timestamp"`
	Data      any       `json:"data,omitempty"`
}

// RealtimeStream is the bounded queue between producers and one SSE
// connection. A reader that falls behind is disconnected rather than served
// a gap, so clients reconnect and resync.
type RealtimeStream struct {
	messages chan RealtimeMessage

	mu         sync.Mutex
	overflowed bool
	overflow   chan struct{}
}

// NewRealtimeStream creates a stream buffering up to size messages.
func NewRealtimeStream(size int) *RealtimeStream {
	if size <= 0 {
		size = defaultRealtimeBufferSize
	}
	return &RealtimeStream{
		messages: make(chan RealtimeMessage, size),
		overflow: make(chan struct{}),
	}
}

// Publish enqueues the message without blocking. It reports false once the
// buffer has overflowed.
func (s *RealtimeStream) Publish(message RealtimeMessage) bool {
	if message.EventType == "" {
		return false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.overflowed {
		return false
	}
	if message.Timestamp.IsZero() {
		message.Timestamp = time.Now().UTC()
	}
	select {
	case s.messages <- message:
		return true
	default:
		s.overflowed = true
		close(s.overflow)
		return false
	}
}

// Overflowed is closed when a message could not be buffered.
func (s *RealtimeStream) Overflowed() <-chan struct{} {
	return s.overflow
}

// serveRealtime writes the stream as server-sent events until ctx ends or the
// stream overflows, with a heartbeat on idle connections.
func serveRealtime(ctx context.Context, c *gin.Context, stream *RealtimeStream, heartbeat time.Duration) {
	if heartbeat <= 0 {
		heartbeat = defaultRealtimeHeartbeatInterval
	}
	header := c.Writer.Header()
	header.Set("Content-Type", "text/event-stream")
	header.Set("Cache-Control", "no-cache")
	header.Set("Connection", "keep-alive")
	header.Set("X-Accel-Buffering", "no")
	c.Status(http.StatusOK)
	c.Writer.Flush()

	ticker := time.NewTicker(heartbeat)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			drainRealtime(c, stream)
			return
		case <-stream.Overflowed():
			drainRealtime(c, stream)
			return
		case <-ticker.C:
			c.SSEvent(realtimeEventHeartbeat, realtimeEnvelope{Source: realtimeSourceBackend, Timestamp: time.Now().UTC()})
			c.Writer.Flush()
		case message := <-stream.messages:
			writeRealtime(c, message)
		}
	}
}

func drainRealtime(c *gin.Context, stream *RealtimeStream) {
	for {
		select {
		case message := <-stream.messages:
			writeRealtime(c, message)
		default:
			return
		}
	}
}

func writeRealtime(c *gin.Context, message RealtimeMessage) {
	c.SSEvent(message.EventType, realtimeEnvelope{
		Source:    realtimeSourceBackend,
		Timestamp: message.Timestamp.UTC(),
		Data:      message.Payload,
	})
	c.Writer.Flush()
}
