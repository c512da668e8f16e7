package versioning

import (
	"context"
	"errors"

	"github.com/MarcoPoloResearchLab/nodestore/internal/cache"
	"github.com/MarcoPoloResearchLab/nodestore/internal/metrics"
	"github.com/MarcoPoloResearchLab/nodestore/internal/nodes"
	"github.com/MarcoPoloResearchLab/nodestore/internal/storeerr"
	"go.uber.org/zap"
)

const (
	opResolverLoad = "versioning.load"

	logFieldOperation = "operation"
	logFieldReason    = "reason"
)

var (
	errMissingStorage     = errors.New("versioning: storage is required")
	errMissingPermissions = errors.New("versioning: permission provider is required")
	errMissingCache       = errors.New("versioning: cache is required")

	errVersionGone = errors.New("versioning: version disappeared")
)

// Storage loads node heads and shared records.
// LoadRecord reports a vanished version with an error matching storeerr.ErrNotFound.
type Storage interface {
	LoadHeadByID(ctx context.Context, nodeID int64) (*nodes.NodeHead, error)
	LoadHeadByPath(ctx context.Context, path string) (*nodes.NodeHead, error)
	LoadRecord(ctx context.Context, head *nodes.NodeHead, versionID int64) (*nodes.Record, error)
}

// PermissionProvider reports the caller's access on a node.
// UserAccessLevel fails with storeerr.ErrSecurityDenied when the caller cannot even see it.
type PermissionProvider interface {
	UserAccessLevel(ctx context.Context, head *nodes.NodeHead) (AccessLevel, error)
	HasPreview(ctx context.Context, head *nodes.NodeHead) (bool, error)
}

// CacheKey identifies one resolved view of a version.
type CacheKey struct {
	VersionID int64
	UserID    int64
	Level     AccessLevel
}

// CachedRecord is the cached shared record together with the restriction it was resolved with.
type CachedRecord struct {
	Record      *nodes.Record
	Restriction nodes.Restriction
}

// RecordCache is the process-local second-level cache used by the resolver.
type RecordCache = cache.NodeCache[CacheKey, CachedRecord]

// NewRecordCache constructs a RecordCache of the given size.
func NewRecordCache(size int) (*RecordCache, error) {
	return cache.New[CacheKey, CachedRecord](size)
}

// Config wires the resolver's collaborators.
type Config struct {
	Storage     Storage
	Permissions PermissionProvider
	Cache       *RecordCache
	UserID      func(ctx context.Context) int64
	Metrics     *metrics.Collector
	Logger      *zap.Logger
}

// Resolver turns (head, request, caller) into a Node.
type Resolver struct {
	storage     Storage
	permissions PermissionProvider
	cache       *RecordCache
	userID      func(ctx context.Context) int64
	metrics     *metrics.Collector
	logger      *zap.Logger
}

// NewResolver validates cfg and constructs a Resolver.
func NewResolver(cfg Config) (*Resolver, error) {
	if cfg.Storage == nil {
		return nil, errMissingStorage
	}
	if cfg.Permissions == nil {
		return nil, errMissingPermissions
	}
	if cfg.Cache == nil {
		return nil, errMissingCache
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	userID := cfg.UserID
	if userID == nil {
		userID = func(context.Context) int64 { return 0 }
	}
	return &Resolver{
		storage:     cfg.Storage,
		permissions: cfg.Permissions,
		cache:       cfg.Cache,
		userID:      userID,
		metrics:     cfg.Metrics,
		logger:      logger,
	}, nil
}

// Cache exposes the resolver's cache so writers can invalidate it.
func (r *Resolver) Cache() *RecordCache {
	return r.cache
}

// LoadByID loads the head for nodeID and resolves request against it.
func (r *Resolver) LoadByID(ctx context.Context, nodeID int64, request VersionRequest) (*nodes.Node, error) {
	head, err := r.storage.LoadHeadByID(ctx, nodeID)
	if err != nil {
		return nil, err
	}
	return r.Load(ctx, head, request)
}

// LoadByPath loads the head at path and resolves request against it.
func (r *Resolver) LoadByPath(ctx context.Context, path string, request VersionRequest) (*nodes.Node, error) {
	head, err := r.storage.LoadHeadByPath(ctx, path)
	if err != nil {
		return nil, err
	}
	return r.Load(ctx, head, request)
}

// Load resolves request against head. When the selected version vanished between
// reading the head and reading the record, the head is refreshed and resolution retried once.
func (r *Resolver) Load(ctx context.Context, head *nodes.NodeHead, request VersionRequest) (*nodes.Node, error) {
	if head == nil {
		return nil, storeerr.New(storeerr.KindNotFound, opResolverLoad, "node head is missing")
	}
	node, err := r.resolve(ctx, head, request)
	if !errors.Is(err, errVersionGone) {
		return node, err
	}

	r.logger.Debug("version vanished, refreshing head",
		zap.String(logFieldOperation, opResolverLoad),
		zap.Int64("node_id", head.NodeID),
	)
	refreshed, err := r.storage.LoadHeadByID(ctx, head.NodeID)
	if err != nil {
		return nil, err
	}
	node, err = r.resolve(ctx, refreshed, request)
	if errors.Is(err, errVersionGone) {
		return nil, storeerr.Wrap(storeerr.KindNotFound, opResolverLoad, err, "version of %s no longer exists", request).WithNode(head.NodeID, head.Path)
	}
	return node, err
}

func (r *Resolver) resolve(ctx context.Context, head *nodes.NodeHead, request VersionRequest) (*nodes.Node, error) {
	userLevel, err := r.permissions.UserAccessLevel(ctx, head)
	if err != nil {
		return nil, err
	}
	accepted, err := AcceptedLevel(request, userLevel)
	if err != nil {
		if storeerr.KindOf(err) == storeerr.KindInternal {
			r.logError(opResolverLoad, "unsupported_combination", err, zap.Int64("node_id", head.NodeID))
		}
		return nil, err
	}
	versionID := SelectVersionID(head, request, accepted)
	if versionID == 0 {
		return nil, storeerr.New(storeerr.KindNotFound, opResolverLoad, "no %s version", request).WithNode(head.NodeID, head.Path)
	}

	key := CacheKey{VersionID: versionID, UserID: r.userID(ctx), Level: accepted}
	if cached, ok := r.cache.Get(key); ok {
		r.metrics.RecordCacheLookup(true)
		return nodes.NewNode(cached.Record, head, cached.Restriction), nil
	}
	r.metrics.RecordCacheLookup(false)

	record, err := r.storage.LoadRecord(ctx, head, versionID)
	if err != nil {
		if errors.Is(err, storeerr.ErrNotFound) {
			return nil, errVersionGone
		}
		return nil, err
	}

	restriction := nodes.RestrictionNone
	if accepted == AccessHeader {
		preview, err := r.permissions.HasPreview(ctx, head)
		if err != nil {
			return nil, err
		}
		restriction = nodes.RestrictionHeadOnly
		if preview {
			restriction = nodes.RestrictionPreviewOnly
		}
	}

	r.cache.Put(key, head.NodeID, head.Path, CachedRecord{Record: record, Restriction: restriction})
	return nodes.NewNode(record, head, restriction), nil
}

func (r *Resolver) logError(operation, reason string, err error, fields ...zap.Field) {
	attrs := []zap.Field{
		zap.String(logFieldOperation, operation),
		zap.String(logFieldReason, reason),
	}
	if err != nil {
		attrs = append(attrs, zap.Error(err))
	}
	attrs = append(attrs, fields...)
	r.logger.Error("version resolver error", attrs...)
}
