// Package storage persists nodes, versions and property values through gorm.
package storage

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/nodestore/internal/metrics"
	"github.com/MarcoPoloResearchLab/nodestore/internal/nodes"
	"github.com/MarcoPoloResearchLab/nodestore/internal/schema"
	"github.com/MarcoPoloResearchLab/nodestore/internal/storeerr"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const (
	opLoadHead     = "storage.load_head"
	opLoadRecord   = "storage.load_record"
	opLoadProperty = "storage.load_property"

	logFieldOperation = "operation"
	logFieldReason    = "reason"
)

var (
	errMissingDatabase = errors.New("storage: database handle is required")
	errMissingTypes    = errors.New("storage: type registry is required")
)

// TypeRegistry resolves node types by id.
type TypeRegistry interface {
	NodeTypeByID(id int) (*schema.NodeType, bool)
}

// Config wires a Provider.
type Config struct {
	Database *gorm.DB
	Types    TypeRegistry
	Clock    func() time.Time
	Metrics  *metrics.Collector
	Logger   *zap.Logger
}

// Provider is the gorm-backed node storage.
type Provider struct {
	db      *gorm.DB
	types   TypeRegistry
	clock   func() time.Time
	metrics *metrics.Collector
	logger  *zap.Logger
}

// NewProvider validates cfg and constructs a Provider.
func NewProvider(cfg Config) (*Provider, error) {
	if cfg.Database == nil {
		return nil, errMissingDatabase
	}
	if cfg.Types == nil {
		return nil, errMissingTypes
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Provider{
		db:      cfg.Database,
		types:   cfg.Types,
		clock:   clock,
		metrics: cfg.Metrics,
		logger:  logger,
	}, nil
}

// LoadHeadByID loads the head of a node.
func (p *Provider) LoadHeadByID(ctx context.Context, nodeID int64) (*nodes.NodeHead, error) {
	var row NodeRow
	err := p.db.WithContext(ctx).Where("node_id = ?", nodeID).Take(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, storeerr.New(storeerr.KindNotFound, opLoadHead, "node %d does not exist", nodeID)
	}
	if err != nil {
		return nil, storeerr.Wrap(storeerr.KindInternal, opLoadHead, err, "load node %d", nodeID)
	}
	return loadHead(p.db.WithContext(ctx), row)
}

// LoadHeadByPath loads the head of the node at path, ignoring case.
func (p *Provider) LoadHeadByPath(ctx context.Context, path string) (*nodes.NodeHead, error) {
	normalized := strings.TrimSuffix(strings.TrimSpace(path), "/")
	var row NodeRow
	err := p.db.WithContext(ctx).Where("lower(path) = lower(?)", normalized).Take(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, storeerr.New(storeerr.KindNotFound, opLoadHead, "no node at %s", normalized)
	}
	if err != nil {
		return nil, storeerr.Wrap(storeerr.KindInternal, opLoadHead, err, "load path %s", normalized)
	}
	return loadHead(p.db.WithContext(ctx), row)
}

// LoadRecord builds the shared record of one version. Lazy properties are left
// for LoadProperty.
func (p *Provider) LoadRecord(ctx context.Context, head *nodes.NodeHead, versionID int64) (*nodes.Record, error) {
	if head == nil {
		return nil, storeerr.New(storeerr.KindInvalidOperation, opLoadRecord, "head is required")
	}
	nodeType, ok := p.types.NodeTypeByID(head.NodeTypeID)
	if !ok {
		return nil, storeerr.New(storeerr.KindInternal, opLoadRecord, "node type %d is not registered", head.NodeTypeID).WithNode(head.NodeID, head.Path)
	}
	db := p.db.WithContext(ctx)

	var node NodeRow
	err := db.Where("node_id = ?", head.NodeID).Take(&node).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, storeerr.New(storeerr.KindNotFound, opLoadRecord, "node was deleted").WithNode(head.NodeID, head.Path)
	}
	if err != nil {
		return nil, storeerr.Wrap(storeerr.KindInternal, opLoadRecord, err, "load node").WithNode(head.NodeID, head.Path)
	}
	var version VersionRow
	err = db.Where("version_id = ? AND node_id = ?", versionID, head.NodeID).Take(&version).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, storeerr.New(storeerr.KindNotFound, opLoadRecord, "version %d does not exist", versionID).WithNode(head.NodeID, head.Path)
	}
	if err != nil {
		return nil, storeerr.Wrap(storeerr.KindInternal, opLoadRecord, err, "load version %d", versionID).WithNode(head.NodeID, head.Path)
	}

	eager := make([]int, 0, len(nodeType.Properties))
	for _, property := range nodeType.Properties {
		if !property.Lazy() {
			eager = append(eager, property.ID)
		}
	}
	properties := make(map[int]any, len(eager))
	if len(eager) > 0 {
		var rows []PropertyRow
		if err := db.Where("version_id = ? AND property_id IN ?", versionID, eager).Find(&rows).Error; err != nil {
			return nil, storeerr.Wrap(storeerr.KindInternal, opLoadRecord, err, "load properties of version %d", versionID).WithNode(head.NodeID, head.Path)
		}
		for _, row := range rows {
			property, ok := nodeType.PropertyByID(row.PropertyID)
			if !ok {
				continue
			}
			value, err := decodeValue(property.DataType, row.Value)
			if err != nil {
				return nil, storeerr.Wrap(storeerr.KindInternal, opLoadRecord, err, "decode %s", property.Name).WithNode(head.NodeID, head.Path)
			}
			properties[row.PropertyID] = value
		}
	}

	record, err := nodes.NewSharedRecord(nodeType, p, recordSlots(node, version), properties)
	if err != nil {
		return nil, storeerr.Wrap(storeerr.KindInternal, opLoadRecord, err, "build record").WithNode(head.NodeID, head.Path)
	}
	return record, nil
}

// LoadProperty demand-loads one lazy property of a version.
func (p *Provider) LoadProperty(ctx context.Context, versionID int64, property *schema.PropertyType) (any, error) {
	p.metrics.RecordDemandLoad()
	db := p.db.WithContext(ctx)
	if property.DataType == schema.DataTypeBinary {
		var row BinaryRow
		err := db.Where("version_id = ? AND property_id = ?", versionID, property.ID).Take(&row).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nodes.BinaryHandle{}, nil
		}
		if err != nil {
			return nil, storeerr.Wrap(storeerr.KindInternal, opLoadProperty, err, "load %s of version %d", property.Name, versionID)
		}
		return binaryHandle(row), nil
	}

	var row PropertyRow
	err := db.Where("version_id = ? AND property_id = ?", versionID, property.ID).Take(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nodes.DefaultPropertyValue(property.DataType), nil
	}
	if err != nil {
		return nil, storeerr.Wrap(storeerr.KindInternal, opLoadProperty, err, "load %s of version %d", property.Name, versionID)
	}
	value, err := decodeValue(property.DataType, row.Value)
	if err != nil {
		return nil, storeerr.Wrap(storeerr.KindInternal, opLoadProperty, err, "decode %s of version %d", property.Name, versionID)
	}
	return value, nil
}

func loadHead(db *gorm.DB, row NodeRow) (*nodes.NodeHead, error) {
	var versions []VersionRow
	if err := db.Where("node_id = ?", row.NodeID).Order("major ASC, minor ASC").Find(&versions).Error; err != nil {
		return nil, storeerr.Wrap(storeerr.KindInternal, opLoadHead, err, "load versions").WithNode(row.NodeID, row.Path)
	}
	return buildHead(row, versions), nil
}

func buildHead(row NodeRow, versions []VersionRow) *nodes.NodeHead {
	head := &nodes.NodeHead{
		NodeID:             row.NodeID,
		ParentID:           row.ParentID,
		Name:               row.Name,
		Path:               row.Path,
		NodeTypeID:         row.NodeTypeID,
		LastMajorVersionID: row.LastMajorVersionID,
		LastMinorVersionID: row.LastMinorVersionID,
		Versions:           make([]nodes.VersionEntry, 0, len(versions)),
		CreatorID:          row.CreatedByID,
		OwnerID:            row.OwnerID,
		Timestamp:          row.Timestamp,
	}
	for _, version := range versions {
		head.Versions = append(head.Versions, nodes.VersionEntry{Number: versionNumber(version), VersionID: version.VersionID})
	}
	return head
}

func recordSlots(node NodeRow, version VersionRow) map[nodes.Slot]any {
	return map[nodes.Slot]any{
		nodes.SlotID:                      node.NodeID,
		nodes.SlotParentID:                node.ParentID,
		nodes.SlotName:                    node.Name,
		nodes.SlotPath:                    node.Path,
		nodes.SlotIndex:                   node.Index,
		nodes.SlotCreationDate:            node.CreationDate,
		nodes.SlotModificationDate:        node.ModificationDate,
		nodes.SlotCreatedByID:             node.CreatedByID,
		nodes.SlotModifiedByID:            node.ModifiedByID,
		nodes.SlotOwnerID:                 node.OwnerID,
		nodes.SlotVersionID:               version.VersionID,
		nodes.SlotVersion:                 versionNumber(version),
		nodes.SlotVersionCreationDate:     version.CreationDate,
		nodes.SlotVersionModificationDate: version.ModificationDate,
		nodes.SlotVersionCreatedByID:      version.CreatedByID,
		nodes.SlotVersionModifiedByID:     version.ModifiedByID,
		nodes.SlotLocked:                  node.Locked,
		nodes.SlotLockedByID:              node.LockedByID,
		nodes.SlotLockToken:               node.LockToken,
		nodes.SlotLockDate:                node.LockDate,
		nodes.SlotSavingState:             nodes.SavingState(version.SavingState),
		nodes.SlotNodeTimestamp:           node.Timestamp,
		nodes.SlotVersionTimestamp:        version.Timestamp,
	}
}

// isVersionNumberViolation reports a version number taken by a concurrent writer.
func isVersionNumberViolation(err error) bool {
	message := strings.ToLower(err.Error())
	return strings.Contains(message, "node_versions.") || strings.Contains(message, "idx_versions_number")
}

// isUniqueViolation reports a sibling-name or path collision.
func isUniqueViolation(err error) bool {
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	message := strings.ToLower(err.Error())
	return strings.Contains(message, "unique constraint failed") || strings.Contains(message, "constraint failed: unique")
}

// isRetryable reports transient contention that a repeated attempt may get past.
func isRetryable(err error) bool {
	message := strings.ToLower(err.Error())
	for _, marker := range []string{"database is locked", "database table is locked", "sqlite_busy", "sqlite_locked", "deadlock"} {
		if strings.Contains(message, marker) {
			return true
		}
	}
	return false
}

func (p *Provider) logError(operation, reason string, err error, fields ...zap.Field) {
	attrs := []zap.Field{
		zap.String(logFieldOperation, operation),
		zap.String(logFieldReason, reason),
	}
	if err != nil {
		attrs = append(attrs, zap.Error(err))
	}
	attrs = append(attrs, fields...)
	p.logger.Error("storage error", attrs...)
}
