package server

import (
	"context"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/MarcoPoloResearchLab/nodestore/internal/content"
	"github.com/MarcoPoloResearchLab/nodestore/internal/security"
	"github.com/MarcoPoloResearchLab/nodestore/internal/versioning"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

const (
	RealtimeEventNodeChanged = "node-change"
	realtimeEventHeartbeat   = "heartbeat"
	realtimeSourceBackend    = "nodestore"
)

// RealtimeMessage is one event queued for stream subscribers. A zero UserID
// addresses every subscriber.
type RealtimeMessage struct {
	UserID    int64
	EventType string
	Kind      content.ChangeKind
	NodeIDs   []int64
	Timestamp time.Time
}

type realtimeEventPayload struct {
	Kind      string  `json:"kind"`
	NodeIDs   []int64 `json:"nodeIds"`
	Timestamp string  `json:"timestamp"`
	Source    string  `json:"source"`
}

type RealtimeDispatcher struct {
	mu          sync.RWMutex
	subscribers map[int64]map[int64]*realtimeSubscriber
	nextID      int64
	bufferSize  int
}

type realtimeSubscriber struct {
	id     int64
	stream chan RealtimeMessage
}

func NewRealtimeDispatcher() *RealtimeDispatcher {
	return &RealtimeDispatcher{
		subscribers: make(map[int64]map[int64]*realtimeSubscriber),
		bufferSize:  16,
	}
}

// Subscribe opens a stream for userID that closes over with ctx.
func (d *RealtimeDispatcher) Subscribe(ctx context.Context, userID int64) (<-chan RealtimeMessage, func()) {
	if userID == 0 {
		ch := make(chan RealtimeMessage)
		close(ch)
		return ch, func() {}
	}
	subscriber := &realtimeSubscriber{
		id:     d.nextSequence(),
		stream: make(chan RealtimeMessage, d.bufferSize),
	}
	d.registerSubscriber(userID, subscriber)
	var once sync.Once
	cleanup := func() {
		once.Do(func() { d.unregisterSubscriber(userID, subscriber.id) })
	}
	go func() {
		<-ctx.Done()
		cleanup()
	}()
	return subscriber.stream, cleanup
}

// Publish queues message without blocking; slow subscribers miss events.
func (d *RealtimeDispatcher) Publish(message RealtimeMessage) {
	if message.EventType == "" {
		return
	}
	d.mu.RLock()
	copies := make([]*realtimeSubscriber, 0)
	for userID, subscribers := range d.subscribers {
		if message.UserID != 0 && message.UserID != userID {
			continue
		}
		for _, subscriber := range subscribers {
			copies = append(copies, subscriber)
		}
	}
	d.mu.RUnlock()
	for _, subscriber := range copies {
		select {
		case subscriber.stream <- message:
		default:
		}
	}
}

// NotifyChange forwards a committed change to every subscriber. It is meant to
// be registered with content.ChangeFeed.Subscribe.
func (d *RealtimeDispatcher) NotifyChange(change content.Change) {
	d.Publish(RealtimeMessage{
		EventType: RealtimeEventNodeChanged,
		Kind:      change.Kind,
		NodeIDs:   change.NodeIDs,
		Timestamp: change.At,
	})
}

func (d *RealtimeDispatcher) nextSequence() int64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.nextID++
	return d.nextID
}

func (d *RealtimeDispatcher) registerSubscriber(userID int64, subscriber *realtimeSubscriber) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.subscribers[userID]; !ok {
		d.subscribers[userID] = make(map[int64]*realtimeSubscriber)
	}
	d.subscribers[userID][subscriber.id] = subscriber
}

func (d *RealtimeDispatcher) unregisterSubscriber(userID int64, subscriberID int64) {
	d.mu.Lock()
	subscribers := d.subscribers[userID]
	if subscribers != nil {
		delete(subscribers, subscriberID)
		if len(subscribers) == 0 {
			delete(d.subscribers, userID)
		}
	}
	d.mu.Unlock()
}

func (h *httpHandler) handleEventStream(c *gin.Context) {
	ctx := c.Request.Context()
	stream, cleanup := h.realtime.Subscribe(ctx, security.UserID(ctx))
	defer cleanup()

	heartbeat := time.NewTicker(h.heartbeatInterval)
	defer heartbeat.Stop()

	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Status(http.StatusOK)
	c.Writer.Flush()

	c.Stream(func(io.Writer) bool {
		select {
		case <-ctx.Done():
			return false
		case message, ok := <-stream:
			if !ok {
				return false
			}
			visible := h.visibleNodeIDs(ctx, message)
			if len(visible) == 0 {
				return true
			}
			c.SSEvent(message.EventType, realtimeEventPayload{
				Kind:      string(message.Kind),
				NodeIDs:   visible,
				Timestamp: message.Timestamp.UTC().Format(time.RFC3339Nano),
				Source:    realtimeSourceBackend,
			})
			return true
		case <-heartbeat.C:
			c.SSEvent(realtimeEventHeartbeat, gin.H{"source": realtimeSourceBackend})
			return true
		}
	})
}

// visibleNodeIDs drops the nodes the subscriber cannot load. Deleted nodes
// cannot be checked any more and pass through as bare ids.
func (h *httpHandler) visibleNodeIDs(ctx context.Context, message RealtimeMessage) []int64 {
	if message.Kind == content.ChangeDeleted {
		return message.NodeIDs
	}
	visible := make([]int64, 0, len(message.NodeIDs))
	for _, nodeID := range message.NodeIDs {
		if _, err := h.content.Load(ctx, nodeID, versioning.LastAccessible()); err != nil {
			h.logger.Debug("skipping invisible node in event stream", zap.Int64("node_id", nodeID), zap.Error(err))
			continue
		}
		visible = append(visible, nodeID)
	}
	return visible
}
