// Package content exposes node operations built on the resolver and the save pipeline.
package content

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/MarcoPoloResearchLab/nodestore/internal/nodes"
	"github.com/MarcoPoloResearchLab/nodestore/internal/saving"
	"github.com/MarcoPoloResearchLab/nodestore/internal/schema"
	"github.com/MarcoPoloResearchLab/nodestore/internal/security"
	"github.com/MarcoPoloResearchLab/nodestore/internal/storeerr"
	"github.com/MarcoPoloResearchLab/nodestore/internal/versioning"
	"go.uber.org/zap"
)

const (
	opCreate = "content.create"
	opUpdate = "content.update"
	opDelete = "content.delete"
	opMove   = "content.move"

	logFieldOperation = "operation"
	logFieldReason    = "reason"
)

var (
	errMissingResolver = errors.New("content: resolver is required")
	errMissingSaver    = errors.New("content: saver is required")
	errMissingNodes    = errors.New("content: node store is required")
	errMissingTypes    = errors.New("content: type registry is required")
)

// TypeRegistry resolves node types by name.
type TypeRegistry interface {
	NodeType(name string) (*schema.NodeType, bool)
}

// NodeStore performs the subtree operations that bypass the save pipeline.
type NodeStore interface {
	Delete(ctx context.Context, head *nodes.NodeHead, expectedTimestamp int64) ([]int64, error)
	Move(ctx context.Context, head *nodes.NodeHead, targetParentID int64, expectedTimestamp int64) (*nodes.NodeHead, error)
}

// EntityStore keeps the security tree in step with deletes and moves.
type EntityStore interface {
	DeleteEntities(ctx context.Context, entityIDs []int64) error
	MoveEntity(ctx context.Context, entityID, parentID int64) error
}

// IndexStore keeps index documents in step with deletes and moves.
type IndexStore interface {
	DeleteNodes(ctx context.Context, nodeIDs []int64) error
	RewriteSubtree(ctx context.Context, oldPath, newPath string) error
}

// SchemaReloader reloads node types across the cluster.
type SchemaReloader interface {
	ReloadCluster(ctx context.Context) (bool, error)
}

// Config wires a Service.
type Config struct {
	Types    TypeRegistry
	Resolver *versioning.Resolver
	Saver    *saving.Saver
	Nodes    NodeStore
	Entities EntityStore
	Index    IndexStore
	Reloader SchemaReloader
	Changes  *ChangeFeed
	Logger   *zap.Logger
}

// Service is the entry point used by the HTTP layer.
type Service struct {
	types    TypeRegistry
	resolver *versioning.Resolver
	saver    *saving.Saver
	nodes    NodeStore
	entities EntityStore
	index    IndexStore
	reloader SchemaReloader
	changes  *ChangeFeed
	logger   *zap.Logger
}

// NewService validates cfg and constructs a Service.
func NewService(cfg Config) (*Service, error) {
	switch {
	case cfg.Types == nil:
		return nil, errMissingTypes
	case cfg.Resolver == nil:
		return nil, errMissingResolver
	case cfg.Saver == nil:
		return nil, errMissingSaver
	case cfg.Nodes == nil:
		return nil, errMissingNodes
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{
		types:    cfg.Types,
		resolver: cfg.Resolver,
		saver:    cfg.Saver,
		nodes:    cfg.Nodes,
		entities: cfg.Entities,
		index:    cfg.Index,
		reloader: cfg.Reloader,
		changes:  cfg.Changes,
		logger:   logger,
	}, nil
}

// Load resolves the requested version of a node for the caller.
func (s *Service) Load(ctx context.Context, nodeID int64, request versioning.VersionRequest) (*nodes.Node, error) {
	return s.resolver.LoadByID(ctx, nodeID, request)
}

// LoadByPath resolves the requested version of the node at path for the caller.
func (s *Service) LoadByPath(ctx context.Context, path string, request versioning.VersionRequest) (*nodes.Node, error) {
	return s.resolver.LoadByPath(ctx, path, request)
}

// ReloadSchema reloads node types on every instance. It reports false when it
// waited for a reload another caller was already running.
func (s *Service) ReloadSchema(ctx context.Context) (bool, error) {
	if s.reloader == nil {
		return false, storeerr.New(storeerr.KindInvalidOperation, "content.reload_schema", "schema reloading is not configured")
	}
	return s.reloader.ReloadCluster(ctx)
}

// Raise selects whether an update writes into the loaded version or creates a new one.
type Raise string

const (
	RaiseNone  Raise = "none"
	RaiseMinor Raise = "minor"
	RaiseMajor Raise = "major"
)

// ParseRaise validates a raise mode; empty means RaiseNone.
func ParseRaise(raw string) (Raise, error) {
	switch raise := Raise(strings.ToLower(strings.TrimSpace(raw))); raise {
	case "":
		return RaiseNone, nil
	case RaiseNone, RaiseMinor, RaiseMajor:
		return raise, nil
	default:
		return "", storeerr.New(storeerr.KindInvalidOperation, opUpdate, "unknown raise mode %q", raw)
	}
}

// CreateRequest describes a new node.
type CreateRequest struct {
	ParentID   int64
	TypeName   string
	Name       string
	Index      int64
	OwnerID    int64
	Draft      bool
	Properties map[string]any
}

// Create saves a new node below an existing parent.
func (s *Service) Create(ctx context.Context, request CreateRequest) (*nodes.Node, error) {
	callerID, ok := security.CurrentUser(ctx)
	if !ok {
		return nil, storeerr.New(storeerr.KindSecurityDenied, opCreate, "anonymous caller")
	}
	nodeType, ok := s.types.NodeType(request.TypeName)
	if !ok {
		return nil, storeerr.New(storeerr.KindInvalidOperation, opCreate, "unknown node type %q", request.TypeName)
	}
	parent, err := s.resolver.LoadByID(ctx, request.ParentID, versioning.LastAccessible())
	if err != nil {
		return nil, err
	}
	if parent.Restriction() != nodes.RestrictionNone {
		return nil, storeerr.New(storeerr.KindSecurityDenied, opCreate, "cannot create below a %s node", parent.Restriction()).WithNode(parent.ID(), parent.Path())
	}

	ownerID := request.OwnerID
	if ownerID == 0 {
		ownerID = callerID
	}
	version := nodes.InitialVersion
	if request.Draft {
		version = nodes.InitialDraftVersion
	}
	node := nodes.NewNode(nodes.NewRecord(nodeType), nil, nodes.RestrictionNone)
	slots := []struct {
		slot  nodes.Slot
		value any
	}{
		{nodes.SlotParentID, parent.ID()},
		{nodes.SlotName, request.Name},
		{nodes.SlotIndex, request.Index},
		{nodes.SlotOwnerID, ownerID},
		{nodes.SlotVersion, version},
	}
	for _, entry := range slots {
		if err := node.Set(entry.slot, entry.value); err != nil {
			return nil, err
		}
	}
	if err := applyProperties(ctx, node, request.Properties); err != nil {
		return nil, err
	}
	if err := s.saver.Save(ctx, node, saving.SaveSettings{}); err != nil {
		return nil, err
	}
	s.publish(ctx, Change{Kind: ChangeCreated, NodeIDs: []int64{node.ID()}, Path: node.Path()})
	return node, nil
}

// UpdateRequest describes an edit of an existing node.
type UpdateRequest struct {
	NodeID int64
	// Version selects the version the edit starts from; the zero value is LastAccessible.
	Version versioning.VersionRequest
	// ExpectedTimestamp, when set, must match the node timestamp the caller last saw.
	ExpectedTimestamp int64
	Name              *string
	Index             *int64
	OwnerID           *int64
	Properties        map[string]any
	Raise             Raise
	// OverwriteVersionID writes the edit into an existing version of the node.
	OverwriteVersionID  int64
	DeletableVersionIDs []int64
}

// Update applies request and saves the node.
func (s *Service) Update(ctx context.Context, request UpdateRequest) (*nodes.Node, error) {
	node, err := s.resolver.LoadByID(ctx, request.NodeID, request.Version)
	if err != nil {
		return nil, err
	}
	if node.Restriction() != nodes.RestrictionNone {
		return nil, storeerr.New(storeerr.KindSecurityDenied, opUpdate, "cannot edit a %s node", node.Restriction()).WithNode(node.ID(), node.Path())
	}
	if request.ExpectedTimestamp != 0 && request.ExpectedTimestamp != node.Record().NodeTimestamp() {
		return nil, storeerr.New(storeerr.KindOutOfDate, opUpdate, "expected timestamp %d, stored %d", request.ExpectedTimestamp, node.Record().NodeTimestamp()).WithNode(node.ID(), node.Path())
	}

	if request.Name != nil {
		if err := node.Set(nodes.SlotName, *request.Name); err != nil {
			return nil, err
		}
	}
	if request.Index != nil {
		if err := node.Set(nodes.SlotIndex, *request.Index); err != nil {
			return nil, err
		}
	}
	if request.OwnerID != nil {
		if err := node.Set(nodes.SlotOwnerID, *request.OwnerID); err != nil {
			return nil, err
		}
	}
	if err := applyProperties(ctx, node, request.Properties); err != nil {
		return nil, err
	}

	settings, err := updateSettings(node, request)
	if err != nil {
		return nil, err
	}
	if err := s.saver.Save(ctx, node, settings); err != nil {
		return nil, err
	}
	change := Change{Kind: ChangeUpdated, NodeIDs: []int64{node.ID()}, Path: node.Path()}
	if !strings.EqualFold(settings.OriginalPath, node.Path()) {
		change.OldPath = settings.OriginalPath
	}
	s.publish(ctx, change)
	return node, nil
}

func updateSettings(node *nodes.Node, request UpdateRequest) (saving.SaveSettings, error) {
	head := node.Head()
	settings := saving.SaveSettings{
		CurrentVersionID:    node.VersionID(),
		DeletableVersionIDs: request.DeletableVersionIDs,
	}
	if head != nil {
		settings.OriginalPath = head.Path
	}

	raise := request.Raise
	if raise == "" {
		raise = RaiseNone
	}
	var number nodes.VersionNumber
	switch raise {
	case RaiseNone:
		number = node.Version()
	case RaiseMinor:
		number = head.LastMinorVersion().NextMinor()
	case RaiseMajor:
		number = head.LastMinorVersion().NextMajor()
	default:
		return saving.SaveSettings{}, storeerr.New(storeerr.KindInvalidOperation, opUpdate, "unknown raise mode %q", raise)
	}

	switch {
	case request.OverwriteVersionID != 0:
		entry, ok := head.Entry(request.OverwriteVersionID)
		if !ok {
			return saving.SaveSettings{}, storeerr.New(storeerr.KindNotFound, opUpdate, "version %d does not belong to the node", request.OverwriteVersionID).WithNode(node.ID(), node.Path())
		}
		if raise == RaiseNone {
			number = entry.Number
		}
		settings.ExpectedVersionID = entry.VersionID
	case raise == RaiseNone:
		settings.ExpectedVersionID = node.VersionID()
	}
	settings.ExpectedVersion = &number
	return settings, nil
}

func applyProperties(ctx context.Context, node *nodes.Node, properties map[string]any) error {
	for name, value := range properties {
		if err := node.SetProperty(ctx, name, value); err != nil {
			return fmt.Errorf("property %s: %w", name, err)
		}
	}
	return nil
}

// Delete removes a node and its subtree.
func (s *Service) Delete(ctx context.Context, nodeID, expectedTimestamp int64) error {
	node, err := s.resolver.LoadByID(ctx, nodeID, versioning.LastAccessible())
	if err != nil {
		return err
	}
	if node.Restriction() != nodes.RestrictionNone {
		return storeerr.New(storeerr.KindSecurityDenied, opDelete, "cannot delete a %s node", node.Restriction()).WithNode(node.ID(), node.Path())
	}
	head := node.Head()
	if head.ParentID == 0 {
		return storeerr.New(storeerr.KindInvalidOperation, opDelete, "the root cannot be deleted").WithNode(head.NodeID, head.Path)
	}
	release, err := s.saver.PathLocker().LockRename(head.Path)
	if err != nil {
		return err
	}
	defer release()

	removed, err := s.nodes.Delete(ctx, head, expectedTimestamp)
	if err != nil {
		return err
	}
	recordCache := s.resolver.Cache()
	recordCache.InvalidateSubtree(head.Path)
	for _, id := range removed {
		recordCache.InvalidateNode(id)
	}
	if s.entities != nil {
		if err := s.entities.DeleteEntities(ctx, removed); err != nil {
			s.logError(opDelete, "security_entities_delete_failed", err, zap.Int64("node_id", nodeID))
		}
	}
	if s.index != nil {
		if err := s.index.DeleteNodes(ctx, removed); err != nil {
			s.logError(opDelete, "index_delete_failed", err, zap.Int64("node_id", nodeID))
		}
	}
	s.publish(ctx, Change{Kind: ChangeDeleted, NodeIDs: removed, Path: head.Path})
	return nil
}

// Move re-parents a node below targetParentID and returns it as seen after the move.
func (s *Service) Move(ctx context.Context, nodeID, targetParentID, expectedTimestamp int64) (*nodes.Node, error) {
	node, err := s.resolver.LoadByID(ctx, nodeID, versioning.LastAccessible())
	if err != nil {
		return nil, err
	}
	target, err := s.resolver.LoadByID(ctx, targetParentID, versioning.LastAccessible())
	if err != nil {
		return nil, err
	}
	for _, candidate := range []*nodes.Node{node, target} {
		if candidate.Restriction() != nodes.RestrictionNone {
			return nil, storeerr.New(storeerr.KindSecurityDenied, opMove, "cannot move with a %s node", candidate.Restriction()).WithNode(candidate.ID(), candidate.Path())
		}
	}
	head := node.Head()
	oldPath := head.Path
	release, err := s.saver.PathLocker().LockRename(oldPath, saving.JoinPath(target.Path(), head.Name))
	if err != nil {
		return nil, err
	}
	defer release()

	moved, err := s.nodes.Move(ctx, head, target.ID(), expectedTimestamp)
	if err != nil {
		return nil, err
	}
	s.resolver.Cache().InvalidateSubtree(oldPath)
	if s.entities != nil {
		if err := s.entities.MoveEntity(ctx, nodeID, moved.ParentID); err != nil {
			s.logError(opMove, "security_entity_move_failed", err, zap.Int64("node_id", nodeID))
		}
	}
	if s.index != nil {
		if err := s.index.RewriteSubtree(ctx, oldPath, moved.Path); err != nil {
			s.logError(opMove, "index_rewrite_failed", err, zap.Int64("node_id", nodeID))
		}
	}
	s.publish(ctx, Change{Kind: ChangeMoved, NodeIDs: []int64{nodeID}, Path: moved.Path, OldPath: oldPath})
	return s.resolver.Load(ctx, moved, versioning.LastAccessible())
}

func (s *Service) publish(ctx context.Context, change Change) {
	if s.changes != nil {
		s.changes.Publish(ctx, change)
	}
}

func (s *Service) logError(operation, reason string, err error, fields ...zap.Field) {
	attrs := []zap.Field{
		zap.String(logFieldOperation, operation),
		zap.String(logFieldReason, reason),
	}
	if err != nil {
		attrs = append(attrs, zap.Error(err))
	}
	attrs = append(attrs, fields...)
	s.logger.Error("content service error", attrs...)
}
