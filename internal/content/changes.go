package content

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/MarcoPoloResearchLab/nodestore/internal/cluster"
	"github.com/MarcoPoloResearchLab/nodestore/internal/versioning"
	"go.uber.org/zap"
)

// MessageNodeChanged is the cluster message type carrying a Change.
const MessageNodeChanged = "node.changed"

const opRemoteChange = "content.remote_change"

// ChangeKind names what happened to a node.
type ChangeKind string

const (
	ChangeCreated ChangeKind = "created"
	ChangeUpdated ChangeKind = "updated"
	ChangeDeleted ChangeKind = "deleted"
	ChangeMoved   ChangeKind = "moved"
)

// Change describes one committed mutation. NodeIDs starts with the node the
// operation targeted; a delete lists the whole removed subtree.
type Change struct {
	Kind    ChangeKind
	NodeIDs []int64
	Path    string
	OldPath string
	At      time.Time
}

// ChangeFeedConfig wires a ChangeFeed.
type ChangeFeedConfig struct {
	Bus    *cluster.Bus
	Cache  *versioning.RecordCache
	Clock  func() time.Time
	Logger *zap.Logger
}

// ChangeFeed fans committed changes out to local listeners and to the other
// instances, and evicts records that remote changes made stale.
type ChangeFeed struct {
	bus    *cluster.Bus
	cache  *versioning.RecordCache
	clock  func() time.Time
	logger *zap.Logger

	mu        sync.RWMutex
	listeners []func(Change)
}

// NewChangeFeed constructs a feed and subscribes it to remote changes when a bus is given.
func NewChangeFeed(cfg ChangeFeedConfig) *ChangeFeed {
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	feed := &ChangeFeed{bus: cfg.Bus, cache: cfg.Cache, clock: clock, logger: logger}
	if cfg.Bus != nil {
		cfg.Bus.Handle(MessageNodeChanged, feed.handleRemote)
	}
	return feed
}

// Subscribe registers listener for every local and remote change.
func (f *ChangeFeed) Subscribe(listener func(Change)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.listeners = append(f.listeners, listener)
}

// Publish notifies local listeners and broadcasts change to the other instances.
// Broadcast failures are logged; the change itself is already committed.
func (f *ChangeFeed) Publish(ctx context.Context, change Change) {
	if change.At.IsZero() {
		change.At = f.clock().UTC()
	}
	f.notify(change)
	if f.bus == nil {
		return
	}
	if err := f.bus.Broadcast(ctx, MessageNodeChanged, encodeChange(change)); err != nil {
		f.logger.Error("content service error",
			zap.String(logFieldOperation, "content.publish_change"),
			zap.String(logFieldReason, "broadcast_failed"),
			zap.String("kind", string(change.Kind)),
			zap.Error(err),
		)
	}
}

func (f *ChangeFeed) handleRemote(_ context.Context, message cluster.Message) {
	change, err := decodeChange(message.Payload)
	if err != nil {
		f.logger.Warn("dropping malformed node change",
			zap.String(logFieldOperation, opRemoteChange),
			zap.String("origin", message.Origin),
			zap.Error(err),
		)
		return
	}
	if f.cache != nil {
		for _, nodeID := range change.NodeIDs {
			f.cache.InvalidateNode(nodeID)
		}
		if change.OldPath != "" {
			f.cache.InvalidateSubtree(change.OldPath)
		}
		if change.Kind == ChangeDeleted && change.Path != "" {
			f.cache.InvalidateSubtree(change.Path)
		}
	}
	f.notify(change)
}

func (f *ChangeFeed) notify(change Change) {
	f.mu.RLock()
	listeners := append(([]func(Change))(nil), f.listeners...)
	f.mu.RUnlock()
	for _, listener := range listeners {
		listener(change)
	}
}

func encodeChange(change Change) map[string]string {
	ids := make([]string, 0, len(change.NodeIDs))
	for _, id := range change.NodeIDs {
		ids = append(ids, strconv.FormatInt(id, 10))
	}
	return map[string]string{
		"kind":     string(change.Kind),
		"node_ids": strings.Join(ids, ","),
		"path":     change.Path,
		"old_path": change.OldPath,
		"at":       change.At.UTC().Format(time.RFC3339Nano),
	}
}

func decodeChange(payload map[string]string) (Change, error) {
	change := Change{
		Kind:    ChangeKind(payload["kind"]),
		Path:    payload["path"],
		OldPath: payload["old_path"],
	}
	switch change.Kind {
	case ChangeCreated, ChangeUpdated, ChangeDeleted, ChangeMoved:
	default:
		return Change{}, fmt.Errorf("unknown change kind %q", payload["kind"])
	}
	for _, raw := range strings.Split(payload["node_ids"], ",") {
		if raw == "" {
			continue
		}
		id, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			return Change{}, fmt.Errorf("node id %q: %w", raw, err)
		}
		change.NodeIDs = append(change.NodeIDs, id)
	}
	if len(change.NodeIDs) == 0 {
		return Change{}, fmt.Errorf("change carries no node ids")
	}
	if at := payload["at"]; at != "" {
		parsed, err := time.Parse(time.RFC3339Nano, at)
		if err != nil {
			return Change{}, fmt.Errorf("change time %q: %w", at, err)
		}
		change.At = parsed
	}
	return change, nil
}
