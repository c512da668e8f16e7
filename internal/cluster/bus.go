// Package cluster distributes control messages between the processes sharing one repository.
package cluster

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/vmihailenco/msgpack"
	"go.uber.org/zap"
)

const (
	opBroadcast = "cluster.broadcast"
	opReceive   = "cluster.receive"
)

var errMissingTransport = errors.New("cluster: transport is required")

// Transport moves encoded frames between instances.
type Transport interface {
	Publish(ctx context.Context, frame []byte) error
	Subscribe(ctx context.Context) (<-chan []byte, func())
}

// Message is one cluster-wide notification.
type Message struct {
	Type    string            `msgpack:"type"`
	Origin  string            `msgpack:"origin"`
	Payload map[string]string `msgpack:"payload"`
	SentAt  time.Time         `msgpack:"sent_at"`
}

// Handler reacts to a message received from another instance.
type Handler func(ctx context.Context, message Message)

// BusConfig wires a Bus.
type BusConfig struct {
	Transport  Transport
	InstanceID string
	Clock      func() time.Time
	Logger     *zap.Logger
}

// Bus broadcasts messages and dispatches the ones sent by other instances.
// Messages an instance sent itself are never delivered back to it.
type Bus struct {
	transport  Transport
	instanceID string
	clock      func() time.Time
	logger     *zap.Logger

	mu       sync.RWMutex
	handlers map[string][]Handler

	startOnce sync.Once
	stop      func()
	done      chan struct{}
}

// NewBus constructs a Bus; an empty InstanceID is replaced by a random one.
func NewBus(cfg BusConfig) (*Bus, error) {
	if cfg.Transport == nil {
		return nil, errMissingTransport
	}
	instanceID := cfg.InstanceID
	if instanceID == "" {
		instanceID = uuid.NewString()
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Bus{
		transport:  cfg.Transport,
		instanceID: instanceID,
		clock:      clock,
		logger:     logger,
		handlers:   make(map[string][]Handler),
		done:       make(chan struct{}),
	}, nil
}

// InstanceID identifies this process on the bus.
func (b *Bus) InstanceID() string {
	return b.instanceID
}

// Handle registers handler for messages of messageType.
func (b *Bus) Handle(messageType string, handler Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handlers[messageType] = append(b.handlers[messageType], handler)
}

// Start begins receiving. It returns immediately; receiving stops when ctx ends or Stop is called.
func (b *Bus) Start(ctx context.Context) {
	b.startOnce.Do(func() {
		runCtx, cancel := context.WithCancel(ctx)
		frames, unsubscribe := b.transport.Subscribe(runCtx)
		b.stop = func() {
			cancel()
			unsubscribe()
		}
		go b.receive(runCtx, frames)
	})
}

// Stop ends receiving and waits for the receive loop to exit.
func (b *Bus) Stop() {
	if b.stop == nil {
		return
	}
	b.stop()
	<-b.done
}

// Broadcast sends a message to every other instance.
func (b *Bus) Broadcast(ctx context.Context, messageType string, payload map[string]string) error {
	message := Message{
		Type:    messageType,
		Origin:  b.instanceID,
		Payload: payload,
		SentAt:  b.clock().UTC(),
	}
	frame, err := msgpack.Marshal(&message)
	if err != nil {
		return err
	}
	if err := b.transport.Publish(ctx, frame); err != nil {
		b.logger.Error("cluster broadcast failed",
			zap.String("operation", opBroadcast),
			zap.String("message_type", messageType),
			zap.Error(err),
		)
		return err
	}
	return nil
}

func (b *Bus) receive(ctx context.Context, frames <-chan []byte) {
	defer close(b.done)
	for {
		select {
		case <-ctx.Done():
			return
		case frame, ok := <-frames:
			if !ok {
				return
			}
			b.dispatch(ctx, frame)
		}
	}
}

func (b *Bus) dispatch(ctx context.Context, frame []byte) {
	var message Message
	if err := msgpack.Unmarshal(frame, &message); err != nil {
		b.logger.Warn("dropping undecodable cluster frame",
			zap.String("operation", opReceive),
			zap.Int("frame_bytes", len(frame)),
			zap.Error(err),
		)
		return
	}
	if message.Origin == b.instanceID {
		return
	}
	b.mu.RLock()
	handlers := append([]Handler(nil), b.handlers[message.Type]...)
	b.mu.RUnlock()
	if len(handlers) == 0 {
		b.logger.Debug("no handler for cluster message",
			zap.String("operation", opReceive),
			zap.String("message_type", message.Type),
		)
		return
	}
	for _, handler := range handlers {
		handler(ctx, message)
	}
}
