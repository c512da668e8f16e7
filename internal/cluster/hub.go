package cluster

import (
	"context"
	"errors"
	"sync"
)

// ErrHubClosed is returned when publishing to a closed hub.
var ErrHubClosed = errors.New("cluster: hub closed")

// LoopbackHub is an in-process Transport connecting every Bus attached to it.
// Each subscriber receives its own copy of every frame.
type LoopbackHub struct {
	mu          sync.RWMutex
	subscribers map[int64]*hubSubscriber
	nextID      int64
	bufferSize  int
	closed      bool
}

type hubSubscriber struct {
	id     int64
	stream chan []byte
}

// NewLoopbackHub constructs a hub whose subscribers buffer bufferSize frames.
func NewLoopbackHub(bufferSize int) *LoopbackHub {
	if bufferSize <= 0 {
		bufferSize = 64
	}
	return &LoopbackHub{
		subscribers: make(map[int64]*hubSubscriber),
		bufferSize:  bufferSize,
	}
}

// Subscribe registers a frame stream that is removed when ctx ends or the returned func is called.
func (h *LoopbackHub) Subscribe(ctx context.Context) (<-chan []byte, func()) {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		stream := make(chan []byte)
		close(stream)
		return stream, func() {}
	}
	h.nextID++
	subscriber := &hubSubscriber{id: h.nextID, stream: make(chan []byte, h.bufferSize)}
	h.subscribers[subscriber.id] = subscriber
	h.mu.Unlock()

	var once sync.Once
	cleanup := func() {
		once.Do(func() { h.unregister(subscriber.id) })
	}
	go func() {
		<-ctx.Done()
		cleanup()
	}()
	return subscriber.stream, cleanup
}

// Publish fans frame out to every subscriber. Slow subscribers drop frames.
func (h *LoopbackHub) Publish(_ context.Context, frame []byte) error {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if h.closed {
		return ErrHubClosed
	}
	for _, subscriber := range h.subscribers {
		copied := append([]byte(nil), frame...)
		select {
		case subscriber.stream <- copied:
		default:
		}
	}
	return nil
}

// Close ends every subscription.
func (h *LoopbackHub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return
	}
	h.closed = true
	for id, subscriber := range h.subscribers {
		close(subscriber.stream)
		delete(h.subscribers, id)
	}
}

func (h *LoopbackHub) unregister(id int64) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if subscriber, ok := h.subscribers[id]; ok {
		close(subscriber.stream)
		delete(h.subscribers, id)
	}
}
