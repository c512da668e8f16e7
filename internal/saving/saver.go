package saving

import (
	"context"
	"errors"
	"time"

	"github.com/MarcoPoloResearchLab/nodestore/internal/indexing"
	"github.com/MarcoPoloResearchLab/nodestore/internal/metrics"
	"github.com/MarcoPoloResearchLab/nodestore/internal/nodes"
	"github.com/MarcoPoloResearchLab/nodestore/internal/security"
	"github.com/MarcoPoloResearchLab/nodestore/internal/storeerr"
	"go.uber.org/zap"
)

const (
	DefaultMaxAttempts  = 3
	DefaultRetryBackoff = time.Second

	opSave = "saving.save"

	logFieldOperation = "operation"
	logFieldReason    = "reason"
)

var errMissingStorage = errors.New("saving: storage is required")

// Conflict tags the outcome of one storage write.
type Conflict int

const (
	ConflictNone Conflict = iota
	// ConflictRetryable is a transient serialization failure; the attempt may be repeated.
	ConflictRetryable
	// ConflictOutOfDate means the stored timestamp moved since the record was read.
	ConflictOutOfDate
	// ConflictUniqueness means a sibling already uses the name.
	ConflictUniqueness
)

func (c Conflict) String() string {
	switch c {
	case ConflictRetryable:
		return "retryable"
	case ConflictOutOfDate:
		return "out_of_date"
	case ConflictUniqueness:
		return "uniqueness"
	default:
		return "none"
	}
}

// SaveResult is what storage reports for one write.
type SaveResult struct {
	Head     *nodes.NodeHead
	Conflict Conflict
	Cause    error
}

// SaveTx is one storage transaction.
type SaveTx interface {
	SaveRecord(ctx context.Context, record *nodes.Record, settings SaveSettings, algorithm Algorithm) (SaveResult, error)
	Commit() error
	Rollback() error
}

// Storage opens save transactions and loads heads.
type Storage interface {
	BeginSave(ctx context.Context) (SaveTx, error)
	LoadHeadByID(ctx context.Context, nodeID int64) (*nodes.NodeHead, error)
}

// Indexer builds index documents for committed versions.
type Indexer interface {
	BeginPopulate(ctx context.Context, record *nodes.Record, settings indexing.PopulateSettings) (*indexing.PopulateToken, error)
	BuildDocument(ctx context.Context, record *nodes.Record) (*indexing.Document, error)
	CommitPopulate(ctx context.Context, token *indexing.PopulateToken, doc *indexing.Document) error
}

// EntityProvider maintains the security entities of saved nodes.
type EntityProvider interface {
	CreateEntity(ctx context.Context, entityID, parentID, ownerID int64) error
	ModifyOwner(ctx context.Context, entityID, ownerID int64) error
}

// CacheInvalidator evicts resolved records.
type CacheInvalidator interface {
	InvalidateNode(nodeID int64) int
	InvalidateSubtree(path string) int
}

// Config wires a Saver.
type Config struct {
	Storage      Storage
	Indexer      Indexer
	Entities     EntityProvider
	Cache        CacheInvalidator
	PathLocker   *PathLocker
	MaxAttempts  int
	RetryBackoff time.Duration
	Metrics      *metrics.Collector
	Logger       *zap.Logger
}

// Saver runs the save pipeline.
type Saver struct {
	storage      Storage
	indexer      Indexer
	entities     EntityProvider
	cache        CacheInvalidator
	paths        *PathLocker
	maxAttempts  int
	retryBackoff time.Duration
	metrics      *metrics.Collector
	logger       *zap.Logger
}

// NewSaver validates cfg and constructs a Saver.
func NewSaver(cfg Config) (*Saver, error) {
	if cfg.Storage == nil {
		return nil, errMissingStorage
	}
	maxAttempts := cfg.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = DefaultMaxAttempts
	}
	backoff := cfg.RetryBackoff
	if backoff < 0 {
		backoff = 0
	} else if backoff == 0 {
		backoff = DefaultRetryBackoff
	}
	paths := cfg.PathLocker
	if paths == nil {
		paths = NewPathLocker()
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Saver{
		storage:      cfg.Storage,
		indexer:      cfg.Indexer,
		entities:     cfg.Entities,
		cache:        cfg.Cache,
		paths:        paths,
		maxAttempts:  maxAttempts,
		retryBackoff: backoff,
		metrics:      cfg.Metrics,
		logger:       logger,
	}, nil
}

// PathLocker exposes the locker so moves can share it with saves.
func (s *Saver) PathLocker() *PathLocker {
	return s.paths
}

type saveJob struct {
	node         *nodes.Node
	record       *nodes.Record
	settings     SaveSettings
	algorithm    Algorithm
	originalPath string
	ownerChanged bool
}

// Save persists node. A save without changes returns without touching storage.
// On failure the identity fields are rolled back and the node keeps its pending edits.
func (s *Saver) Save(ctx context.Context, node *nodes.Node, settings SaveSettings) error {
	if err := settings.validate(node); err != nil {
		return err
	}
	algorithm := settings.Algorithm()
	if s.isNoop(node, settings, algorithm) {
		s.logger.Debug("nothing to save",
			zap.String(logFieldOperation, opSave),
			zap.Int64("node_id", node.ID()),
		)
		return nil
	}
	if err := node.EnsurePrivate(); err != nil {
		return err
	}
	record := node.Record()

	job := &saveJob{
		node:         node,
		record:       record,
		settings:     settings,
		algorithm:    algorithm,
		originalPath: settings.OriginalPath,
		ownerChanged: record.IsModified(nodes.SlotOwnerID),
	}
	if job.originalPath == "" && node.Head() != nil {
		job.originalPath = node.Head().Path
	}
	record.CreateSnapshot()
	if err := s.preloadIndexedProperties(ctx, record); err != nil {
		return err
	}

	var lastErr error
	for attempt := 1; attempt <= s.maxAttempts; attempt++ {
		head, token, doc, err := s.attempt(ctx, job)
		if err == nil {
			s.metrics.RecordSaveAttempt(algorithm.String(), metrics.OutcomeSuccess)
			s.afterCommit(ctx, job, head, token, doc)
			return nil
		}
		if rollbackErr := record.Rollback(); rollbackErr != nil {
			s.logError(opSave, "rollback_failed", rollbackErr, zap.Int64("node_id", record.ID()))
		}

		if storeerr.KindOf(err) != storeerr.KindRetryableConflict {
			outcome := metrics.OutcomeError
			if storeerr.IsConflict(err) {
				outcome = metrics.OutcomeConflict
			}
			s.metrics.RecordSaveAttempt(algorithm.String(), outcome)
			return err
		}
		s.metrics.RecordSaveAttempt(algorithm.String(), metrics.OutcomeConflict)
		lastErr = err
		s.logger.Warn("retryable save conflict",
			zap.String(logFieldOperation, opSave),
			zap.String(logFieldReason, string(storeerr.KindRetryableConflict)),
			zap.Int("attempt", attempt),
			zap.Int("max_attempts", s.maxAttempts),
			zap.Int64("node_id", record.ID()),
			zap.Error(err),
		)
		if attempt < s.maxAttempts {
			if err := s.sleep(ctx); err != nil {
				return err
			}
		}
	}
	return storeerr.Wrap(storeerr.KindSaveFailed, opSave, lastErr, "gave up after %d attempts", s.maxAttempts).WithNode(record.ID(), record.Path())
}

func (s *Saver) isNoop(node *nodes.Node, settings SaveSettings, algorithm Algorithm) bool {
	if algorithm != UpdateSameVersion || len(settings.DeletableVersionIDs) > 0 {
		return false
	}
	if settings.ExpectedVersion != nil && *settings.ExpectedVersion != node.Version() {
		return false
	}
	return !node.Record().HasChanges()
}

// applyVersion stamps the number the written version will carry.
func (s *Saver) applyVersion(node *nodes.Node, settings SaveSettings, algorithm Algorithm) error {
	switch {
	case settings.ExpectedVersion != nil:
		return node.Set(nodes.SlotVersion, *settings.ExpectedVersion)
	case algorithm == CopyToNewVersionAndUpdate:
		latest := node.Version()
		if head := node.Head(); head != nil {
			if last := head.LastMinorVersion(); last.Compare(latest) > 0 {
				latest = last
			}
		}
		return node.Set(nodes.SlotVersion, latest.NextMinor())
	case algorithm == CreateNewNode && node.Version().IsZero():
		return node.Set(nodes.SlotVersion, nodes.InitialVersion)
	default:
		return nil
	}
}

// preloadIndexedProperties demand-loads lazy values before any write transaction
// opens, so building the index document inside the transaction reads nothing from storage.
func (s *Saver) preloadIndexedProperties(ctx context.Context, record *nodes.Record) error {
	if s.indexer == nil || record.NodeType() == nil {
		return nil
	}
	for _, property := range record.NodeType().Properties {
		if !property.Lazy() {
			continue
		}
		if _, err := record.PropertyByID(ctx, property.ID); err != nil {
			return classifyStorageError(err, record)
		}
	}
	return nil
}

func (s *Saver) sleep(ctx context.Context) error {
	if s.retryBackoff == 0 {
		return nil
	}
	timer := time.NewTimer(s.retryBackoff)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return storeerr.Wrap(storeerr.KindCancelled, opSave, ctx.Err(), "save retry backoff interrupted")
	case <-timer.C:
		return nil
	}
}

// attempt runs one locked, transactional write. Post-commit work is left to the caller.
func (s *Saver) attempt(ctx context.Context, job *saveJob) (*nodes.NodeHead, *indexing.PopulateToken, *indexing.Document, error) {
	record := job.record
	if err := s.applyVersion(job.node, job.settings, job.algorithm); err != nil {
		return nil, nil, nil, err
	}
	path, err := s.resolvePath(ctx, record)
	if err != nil {
		return nil, nil, nil, err
	}

	renaming := job.algorithm != CreateNewNode && job.originalPath != "" && job.originalPath != path
	if renaming {
		release, err := s.paths.LockRename(path, job.originalPath)
		if err != nil {
			return nil, nil, nil, err
		}
		defer release()
	} else if err := s.paths.CheckUnlocked(path); err != nil {
		return nil, nil, nil, err
	}
	if path != record.Path() {
		if err := record.Set(nodes.SlotPath, path); err != nil {
			return nil, nil, nil, err
		}
	}

	tx, err := s.storage.BeginSave(ctx)
	if err != nil {
		return nil, nil, nil, classifyStorageError(err, record)
	}
	committed := false
	defer func() {
		if committed {
			return
		}
		if rollbackErr := tx.Rollback(); rollbackErr != nil {
			s.logError(opSave, "transaction_rollback_failed", rollbackErr, zap.Int64("node_id", record.ID()))
		}
	}()

	result, err := tx.SaveRecord(ctx, record, job.settings, job.algorithm)
	if err != nil {
		return nil, nil, nil, classifyStorageError(err, record)
	}
	if err := s.conflictError(result, record); err != nil {
		return nil, nil, nil, err
	}
	if result.Head == nil {
		return nil, nil, nil, storeerr.New(storeerr.KindInternal, opSave, "storage returned no head").WithNode(record.ID(), record.Path())
	}

	var (
		token *indexing.PopulateToken
		doc   *indexing.Document
	)
	if s.shouldIndex(result.Head, record, job.settings) {
		populateSettings := indexing.PopulateSettings{DeletedVersionIDs: job.settings.DeletableVersionIDs}
		if renaming {
			populateSettings.OriginalPath = job.originalPath
		}
		systemCtx := security.WithSystemUser(ctx)
		token, err = s.indexer.BeginPopulate(systemCtx, record, populateSettings)
		if err != nil {
			return nil, nil, nil, storeerr.Wrap(storeerr.KindInternal, opSave, err, "begin index populate").WithNode(record.ID(), record.Path())
		}
		doc, err = s.indexer.BuildDocument(systemCtx, record)
		if err != nil {
			return nil, nil, nil, storeerr.Wrap(storeerr.KindInternal, opSave, err, "build index document").WithNode(record.ID(), record.Path())
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, nil, nil, classifyStorageError(err, record)
	}
	committed = true
	if renaming {
		s.invalidateSubtree(job.originalPath)
	}
	return result.Head, token, doc, nil
}

func (s *Saver) resolvePath(ctx context.Context, record *nodes.Record) (string, error) {
	parentPath := ""
	if parentID := record.ParentID(); parentID != 0 {
		parent, err := s.storage.LoadHeadByID(ctx, parentID)
		if err != nil {
			return "", err
		}
		parentPath = parent.Path
	}
	return ValidatePath(parentPath, record.Name())
}

func (s *Saver) conflictError(result SaveResult, record *nodes.Record) error {
	switch result.Conflict {
	case ConflictNone:
		return nil
	case ConflictRetryable:
		s.metrics.RecordSaveConflict(result.Conflict.String())
		return storeerr.Wrap(storeerr.KindRetryableConflict, opSave, result.Cause, "storage write conflict").WithNode(record.ID(), record.Path())
	case ConflictOutOfDate:
		s.metrics.RecordSaveConflict(result.Conflict.String())
		s.invalidateNode(record.ID())
		return storeerr.Wrap(storeerr.KindOutOfDate, opSave, result.Cause, "node was modified by another writer").WithNode(record.ID(), record.Path())
	case ConflictUniqueness:
		s.metrics.RecordSaveConflict(result.Conflict.String())
		return storeerr.Wrap(storeerr.KindAlreadyExists, opSave, result.Cause, "a sibling named %q already exists", record.Name()).WithNode(record.ID(), record.Path())
	default:
		return storeerr.New(storeerr.KindInternal, opSave, "unknown conflict %d", int(result.Conflict)).WithNode(record.ID(), record.Path())
	}
}

// shouldIndex reports whether the written version is referenced by a head pointer and survives the save.
func (s *Saver) shouldIndex(head *nodes.NodeHead, record *nodes.Record, settings SaveSettings) bool {
	if s.indexer == nil {
		return false
	}
	versionID := record.VersionID()
	if settings.Deletes(versionID) {
		return false
	}
	return versionID == head.LastMajorVersionID || versionID == head.LastMinorVersionID
}

func (s *Saver) afterCommit(ctx context.Context, job *saveJob, head *nodes.NodeHead, token *indexing.PopulateToken, doc *indexing.Document) {
	record := job.record
	s.invalidateNode(record.ID())

	if token != nil && doc != nil {
		if err := s.indexer.CommitPopulate(security.WithSystemUser(ctx), token, doc); err != nil {
			s.logError(opSave, "index_commit_failed", err, zap.Int64("node_id", record.ID()), zap.Int64("version_id", record.VersionID()))
		}
	}

	nodeID, parentID, ownerID := record.ID(), record.ParentID(), record.OwnerID()
	job.node.SetHead(head)
	job.node.MarkSaved()

	if s.entities == nil {
		return
	}
	switch {
	case job.algorithm == CreateNewNode:
		err := s.entities.CreateEntity(ctx, nodeID, parentID, ownerID)
		if err != nil && !errors.Is(err, security.ErrEntityExists) {
			s.logError(opSave, "security_entity_create_failed", err, zap.Int64("node_id", nodeID))
		}
	case job.ownerChanged:
		err := s.entities.ModifyOwner(ctx, nodeID, ownerID)
		if errors.Is(err, security.ErrEntityNotFound) {
			s.logger.Warn("security entity missing after save",
				zap.String(logFieldOperation, opSave),
				zap.String(logFieldReason, "security_entity_missing"),
				zap.Int64("node_id", nodeID),
				zap.Error(err),
			)
		} else if err != nil {
			s.logError(opSave, "security_entity_update_failed", err, zap.Int64("node_id", nodeID))
		}
	}
}

func (s *Saver) invalidateNode(nodeID int64) {
	if s.cache != nil && nodeID != 0 {
		s.cache.InvalidateNode(nodeID)
	}
}

func (s *Saver) invalidateSubtree(path string) {
	if s.cache != nil && path != "" {
		s.cache.InvalidateSubtree(path)
	}
}

// classifyStorageError keeps typed storage errors and wraps everything else.
func classifyStorageError(err error, record *nodes.Record) error {
	var typed *storeerr.Error
	if errors.As(err, &typed) {
		return err
	}
	return storeerr.Wrap(storeerr.KindInternal, opSave, err, "storage failure").WithNode(record.ID(), record.Path())
}

func (s *Saver) logError(operation, reason string, err error, fields ...zap.Field) {
	attrs := []zap.Field{
		zap.String(logFieldOperation, operation),
		zap.String(logFieldReason, reason),
	}
	if err != nil {
		attrs = append(attrs, zap.Error(err))
	}
	attrs = append(attrs, fields...)
	s.logger.Error("save pipeline error", attrs...)
}
