package security

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/MarcoPoloResearchLab/nodestore/internal/nodes"
	"github.com/MarcoPoloResearchLab/nodestore/internal/storeerr"
	"github.com/MarcoPoloResearchLab/nodestore/internal/versioning"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// Grant is a permission level attached to an identity on an entity.
type Grant string

const (
	GrantSee       Grant = "see"
	GrantPreview   Grant = "preview"
	GrantOpen      Grant = "open"
	GrantOpenMinor Grant = "open_minor"
)

var grantRank = map[Grant]int{
	GrantSee:       1,
	GrantPreview:   2,
	GrantOpen:      3,
	GrantOpenMinor: 4,
}

// ParseGrant validates a raw grant name.
func ParseGrant(raw string) (Grant, error) {
	grant := Grant(strings.ToLower(strings.TrimSpace(raw)))
	if _, ok := grantRank[grant]; !ok {
		return "", fmt.Errorf("security: unknown grant %q", raw)
	}
	return grant, nil
}

var (
	// ErrEntityExists indicates CreateEntity found an entity with the same id.
	ErrEntityExists = errors.New("security: entity already exists")
	// ErrEntityNotFound indicates the entity to modify does not exist.
	ErrEntityNotFound = errors.New("security: entity not found")

	errMissingDatabase = errors.New("security: database handle is required")
)

const (
	opAccessLevel = "security.access_level"

	maxEntityDepth = 256
)

// EntityRow mirrors one node in the security tree.
type EntityRow struct {
	EntityID int64 `gorm:"column:entity_id;primaryKey;autoIncrement:false"`
	ParentID int64 `gorm:"column:parent_id;not null;default:0;index"`
	OwnerID  int64 `gorm:"column:owner_id;not null;default:0"`
}

// TableName provides the explicit table binding for GORM.
func (EntityRow) TableName() string {
	return "security_entities"
}

// PermissionRow grants one identity a level on one entity and its subtree.
type PermissionRow struct {
	EntityID   int64  `gorm:"column:entity_id;primaryKey;autoIncrement:false"`
	IdentityID int64  `gorm:"column:identity_id;primaryKey;autoIncrement:false"`
	Level      string `gorm:"column:level;size:32;not null"`
}

// TableName provides the explicit table binding for GORM.
func (PermissionRow) TableName() string {
	return "permission_entries"
}

// StoreConfig wires a Store.
type StoreConfig struct {
	Database *gorm.DB
	Logger   *zap.Logger
}

// Store implements both the permission provider and the security-entity provider over gorm.
type Store struct {
	db     *gorm.DB
	logger *zap.Logger
}

// NewStore constructs a Store.
func NewStore(cfg StoreConfig) (*Store, error) {
	if cfg.Database == nil {
		return nil, errMissingDatabase
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Store{db: cfg.Database, logger: logger}, nil
}

// UserAccessLevel computes the caller's access on head.
func (s *Store) UserAccessLevel(ctx context.Context, head *nodes.NodeHead) (versioning.AccessLevel, error) {
	userID, ok := CurrentUser(ctx)
	if !ok {
		return versioning.AccessNone, storeerr.New(storeerr.KindSecurityDenied, opAccessLevel, "anonymous caller").WithNode(head.NodeID, head.Path)
	}
	if userID == SystemUserID {
		return versioning.AccessMinor, nil
	}
	owner, grant, err := s.effectiveGrant(ctx, head, userID)
	if err != nil {
		return versioning.AccessNone, err
	}
	if owner {
		return versioning.AccessMinor, nil
	}
	switch grant {
	case GrantOpenMinor:
		return versioning.AccessMinor, nil
	case GrantOpen:
		return versioning.AccessMajor, nil
	case GrantSee, GrantPreview:
		return versioning.AccessHeader, nil
	default:
		s.logger.Debug("access denied",
			zap.String("operation", opAccessLevel),
			zap.Int64("user_id", userID),
			zap.Int64("node_id", head.NodeID),
		)
		return versioning.AccessNone, storeerr.New(storeerr.KindSecurityDenied, opAccessLevel, "user %d cannot see the node", userID).WithNode(head.NodeID, head.Path)
	}
}

// HasPreview reports whether the caller holds at least the preview grant.
func (s *Store) HasPreview(ctx context.Context, head *nodes.NodeHead) (bool, error) {
	userID, ok := CurrentUser(ctx)
	if !ok {
		return false, nil
	}
	if userID == SystemUserID {
		return true, nil
	}
	owner, grant, err := s.effectiveGrant(ctx, head, userID)
	if err != nil {
		return false, err
	}
	return owner || grantRank[grant] >= grantRank[GrantPreview], nil
}

// effectiveGrant walks the entity chain upwards and returns the strongest grant
// for userID or everyone, and whether userID owns the node itself.
func (s *Store) effectiveGrant(ctx context.Context, head *nodes.NodeHead, userID int64) (bool, Grant, error) {
	owner := head.OwnerID != 0 && head.OwnerID == userID
	entityIDs := make([]int64, 0, 8)

	currentID := head.NodeID
	for depth := 0; currentID != 0 && depth < maxEntityDepth; depth++ {
		var entity EntityRow
		err := s.db.WithContext(ctx).Where("entity_id = ?", currentID).Take(&entity).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			if currentID == head.NodeID {
				currentID = head.ParentID
				continue
			}
			break
		}
		if err != nil {
			return false, "", err
		}
		if entity.EntityID == head.NodeID && entity.OwnerID == userID {
			owner = true
		}
		entityIDs = append(entityIDs, entity.EntityID)
		currentID = entity.ParentID
	}
	if len(entityIDs) == 0 {
		return owner, "", nil
	}

	var entries []PermissionRow
	err := s.db.WithContext(ctx).
		Where("entity_id IN ? AND identity_id IN ?", entityIDs, []int64{userID, EveryoneID}).
		Find(&entries).Error
	if err != nil {
		return false, "", err
	}
	var best Grant
	for _, entry := range entries {
		if grantRank[Grant(entry.Level)] > grantRank[best] {
			best = Grant(entry.Level)
		}
	}
	return owner, best, nil
}

// CreateEntity registers a node in the security tree.
func (s *Store) CreateEntity(ctx context.Context, entityID, parentID, ownerID int64) error {
	result := s.db.WithContext(ctx).
		Clauses(clause.OnConflict{DoNothing: true}).
		Create(&EntityRow{EntityID: entityID, ParentID: parentID, OwnerID: ownerID})
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return fmt.Errorf("%w: %d", ErrEntityExists, entityID)
	}
	return nil
}

// ModifyOwner changes the owner of an existing entity.
func (s *Store) ModifyOwner(ctx context.Context, entityID, ownerID int64) error {
	result := s.db.WithContext(ctx).Model(&EntityRow{}).Where("entity_id = ?", entityID).Update("owner_id", ownerID)
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return fmt.Errorf("%w: %d", ErrEntityNotFound, entityID)
	}
	return nil
}

// MoveEntity re-parents an entity after its node moved.
func (s *Store) MoveEntity(ctx context.Context, entityID, parentID int64) error {
	result := s.db.WithContext(ctx).Model(&EntityRow{}).Where("entity_id = ?", entityID).Update("parent_id", parentID)
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return fmt.Errorf("%w: %d", ErrEntityNotFound, entityID)
	}
	return nil
}

// DeleteEntities removes entities and their permission entries.
func (s *Store) DeleteEntities(ctx context.Context, entityIDs []int64) error {
	if len(entityIDs) == 0 {
		return nil
	}
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("entity_id IN ?", entityIDs).Delete(&PermissionRow{}).Error; err != nil {
			return err
		}
		return tx.Where("entity_id IN ?", entityIDs).Delete(&EntityRow{}).Error
	})
}

// Grant gives identityID the level on entityID, replacing any previous grant.
func (s *Store) Grant(ctx context.Context, entityID, identityID int64, level Grant) error {
	if _, ok := grantRank[level]; !ok {
		return fmt.Errorf("security: unknown grant %q", level)
	}
	row := PermissionRow{EntityID: entityID, IdentityID: identityID, Level: string(level)}
	return s.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "entity_id"}, {Name: "identity_id"}},
			DoUpdates: clause.AssignmentColumns([]string{"level"}),
		}).
		Create(&row).Error
}
