package storage

import (
	"errors"
	"time"

	"github.com/MarcoPoloResearchLab/nodestore/internal/nodes"
	"gorm.io/gorm"
)

// RootSeed describes the root node a new repository starts with.
type RootSeed struct {
	Name       string
	NodeTypeID int
	OwnerID    int64
	CreatedAt  time.Time
}

// SeedRoot inserts the root node with its first published version unless a root
// already exists, and returns the root's node id.
func SeedRoot(tx *gorm.DB, seed RootSeed) (int64, error) {
	var existing NodeRow
	err := tx.Where("parent_id = 0").Order("node_id ASC").Take(&existing).Error
	if err == nil {
		return existing.NodeID, nil
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return 0, err
	}

	createdAt := seed.CreatedAt.UTC()
	root := NodeRow{
		Name:             seed.Name,
		Path:             "/" + seed.Name,
		NodeTypeID:       seed.NodeTypeID,
		CreationDate:     createdAt,
		ModificationDate: createdAt,
		CreatedByID:      seed.OwnerID,
		ModifiedByID:     seed.OwnerID,
		OwnerID:          seed.OwnerID,
		Timestamp:        1,
	}
	if err := tx.Create(&root).Error; err != nil {
		return 0, err
	}
	version := VersionRow{
		NodeID:           root.NodeID,
		Major:            nodes.InitialVersion.Major,
		Minor:            nodes.InitialVersion.Minor,
		Status:           string(nodes.InitialVersion.Status),
		CreationDate:     createdAt,
		ModificationDate: createdAt,
		CreatedByID:      seed.OwnerID,
		ModifiedByID:     seed.OwnerID,
		Timestamp:        1,
	}
	if err := tx.Create(&version).Error; err != nil {
		return 0, err
	}
	if _, err := recomputeHead(tx, root.NodeID); err != nil {
		return 0, err
	}
	return root.NodeID, nil
}
