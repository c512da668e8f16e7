// Package indexing builds and stores the index documents of committed versions.
package indexing

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/MarcoPoloResearchLab/nodestore/internal/nodes"
	"github.com/MarcoPoloResearchLab/nodestore/internal/schema"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

var errMissingDatabase = errors.New("indexing: database handle is required")

// PopulateSettings describes the save that triggered indexing.
type PopulateSettings struct {
	OriginalPath      string
	DeletedVersionIDs []int64
}

// PopulateToken is handed from BeginPopulate to CommitPopulate.
type PopulateToken struct {
	NodeID            int64
	VersionID         int64
	Path              string
	OriginalPath      string
	DeletedVersionIDs []int64
	StartedAt         time.Time
}

// Document is the flattened, searchable view of one version.
type Document struct {
	NodeID    int64
	VersionID int64
	Path      string
	TypeName  string
	Version   string
	Fields    map[string]any
}

// DocumentRow stores one index document.
type DocumentRow struct {
	VersionID int64          `gorm:"column:version_id;primaryKey;autoIncrement:false"`
	NodeID    int64          `gorm:"column:node_id;not null;index"`
	Path      string         `gorm:"column:path;size:900;not null;index"`
	TypeName  string         `gorm:"column:type_name;size:190;not null"`
	Version   string         `gorm:"column:version;size:32;not null"`
	Fields    map[string]any `gorm:"column:fields;serializer:json"`
	IndexedAt time.Time      `gorm:"column:indexed_at;not null"`
}

// TableName provides the explicit table binding for GORM.
func (DocumentRow) TableName() string {
	return "index_documents"
}

// StoreConfig wires a Store.
type StoreConfig struct {
	Database *gorm.DB
	Clock    func() time.Time
	Logger   *zap.Logger
}

// Store is the gorm-backed index-document provider.
type Store struct {
	db     *gorm.DB
	clock  func() time.Time
	logger *zap.Logger
}

// NewStore constructs a Store.
func NewStore(cfg StoreConfig) (*Store, error) {
	if cfg.Database == nil {
		return nil, errMissingDatabase
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Store{db: cfg.Database, clock: clock, logger: logger}, nil
}

// BeginPopulate starts indexing the committed version held by record.
func (s *Store) BeginPopulate(_ context.Context, record *nodes.Record, settings PopulateSettings) (*PopulateToken, error) {
	if record.ID() == 0 || record.VersionID() == 0 {
		return nil, fmt.Errorf("indexing: record %d/%d has not been saved", record.ID(), record.VersionID())
	}
	return &PopulateToken{
		NodeID:            record.ID(),
		VersionID:         record.VersionID(),
		Path:              record.Path(),
		OriginalPath:      settings.OriginalPath,
		DeletedVersionIDs: append([]int64(nil), settings.DeletedVersionIDs...),
		StartedAt:         s.clock().UTC(),
	}, nil
}

// BuildDocument reads every slot and property of record into a document.
// The caller is expected to run it as the system user.
func (s *Store) BuildDocument(ctx context.Context, record *nodes.Record) (*Document, error) {
	fields := map[string]any{}
	for _, slot := range nodes.Slots() {
		fields[slot.String()] = indexValue(record.Get(slot))
	}
	nodeType := record.NodeType()
	if nodeType != nil {
		for _, property := range nodeType.Properties {
			value, err := record.PropertyByID(ctx, property.ID)
			if err != nil {
				return nil, fmt.Errorf("indexing: read %s: %w", property.Name, err)
			}
			fields[property.Name] = indexPropertyValue(property, value)
		}
	}
	return &Document{
		NodeID:    record.ID(),
		VersionID: record.VersionID(),
		Path:      record.Path(),
		TypeName:  nodeType.TypeName(),
		Version:   record.Version().String(),
		Fields:    fields,
	}, nil
}

// CommitPopulate stores doc, drops documents of deleted versions and rewrites
// descendant paths when the node was renamed or moved.
func (s *Store) CommitPopulate(ctx context.Context, token *PopulateToken, doc *Document) error {
	if token == nil || doc == nil {
		return fmt.Errorf("indexing: token and document are required")
	}
	row := DocumentRow{
		VersionID: doc.VersionID,
		NodeID:    doc.NodeID,
		Path:      doc.Path,
		TypeName:  doc.TypeName,
		Version:   doc.Version,
		Fields:    doc.Fields,
		IndexedAt: s.clock().UTC(),
	}
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Clauses(clause.OnConflict{UpdateAll: true}).Create(&row).Error; err != nil {
			return err
		}
		if len(token.DeletedVersionIDs) > 0 {
			if err := tx.Where("version_id IN ?", token.DeletedVersionIDs).Delete(&DocumentRow{}).Error; err != nil {
				return err
			}
		}
		if err := tx.Model(&DocumentRow{}).Where("node_id = ?", doc.NodeID).Update("path", doc.Path).Error; err != nil {
			return err
		}
		if token.OriginalPath != "" && !strings.EqualFold(token.OriginalPath, doc.Path) {
			return rewritePaths(tx, token.OriginalPath, doc.Path)
		}
		return nil
	})
}

// RewriteSubtree updates stored paths after a subtree moved from oldPath to newPath.
func (s *Store) RewriteSubtree(ctx context.Context, oldPath, newPath string) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return rewritePaths(tx, oldPath, newPath)
	})
}

func rewritePaths(tx *gorm.DB, oldPath, newPath string) error {
	if err := tx.Model(&DocumentRow{}).Where("path = ?", oldPath).Update("path", newPath).Error; err != nil {
		return err
	}
	var descendants []DocumentRow
	prefix := oldPath + "/"
	if err := tx.Where("substr(path, 1, ?) = ?", utf8.RuneCountInString(prefix), prefix).Find(&descendants).Error; err != nil {
		return err
	}
	for _, descendant := range descendants {
		rewritten := newPath + descendant.Path[len(oldPath):]
		if err := tx.Model(&DocumentRow{}).Where("version_id = ?", descendant.VersionID).Update("path", rewritten).Error; err != nil {
			return err
		}
	}
	return nil
}

// DeleteNodes removes every document of the given nodes.
func (s *Store) DeleteNodes(ctx context.Context, nodeIDs []int64) error {
	if len(nodeIDs) == 0 {
		return nil
	}
	return s.db.WithContext(ctx).Where("node_id IN ?", nodeIDs).Delete(&DocumentRow{}).Error
}

// Lookup returns the stored document of a version.
func (s *Store) Lookup(ctx context.Context, versionID int64) (*Document, error) {
	var row DocumentRow
	if err := s.db.WithContext(ctx).Where("version_id = ?", versionID).Take(&row).Error; err != nil {
		return nil, err
	}
	return &Document{
		NodeID:    row.NodeID,
		VersionID: row.VersionID,
		Path:      row.Path,
		TypeName:  row.TypeName,
		Version:   row.Version,
		Fields:    row.Fields,
	}, nil
}

func indexValue(value any) any {
	switch typed := value.(type) {
	case time.Time:
		if typed.IsZero() {
			return nil
		}
		return typed.UTC().Format(time.RFC3339Nano)
	case nodes.VersionNumber:
		return typed.String()
	case nodes.SavingState:
		return int(typed)
	default:
		return value
	}
}

func indexPropertyValue(property *schema.PropertyType, value any) any {
	switch typed := value.(type) {
	case nodes.BinaryHandle:
		if typed.IsEmpty() {
			return nil
		}
		return map[string]any{
			"file_name":    typed.FileName,
			"content_type": typed.ContentType,
			"size":         typed.Size,
		}
	default:
		if property.DataType == schema.DataTypeDecimal {
			return fmt.Sprint(value)
		}
		return indexValue(value)
	}
}
