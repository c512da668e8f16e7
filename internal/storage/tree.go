package storage

import (
	"context"
	"errors"
	"strings"
	"unicode/utf8"

	"github.com/MarcoPoloResearchLab/nodestore/internal/nodes"
	"github.com/MarcoPoloResearchLab/nodestore/internal/saving"
	"github.com/MarcoPoloResearchLab/nodestore/internal/storeerr"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const (
	opDelete = "storage.delete"
	opMove   = "storage.move"
)

// Delete removes the node and its whole subtree and returns the removed node ids.
// A non-zero expectedTimestamp must match the stored node timestamp.
func (p *Provider) Delete(ctx context.Context, head *nodes.NodeHead, expectedTimestamp int64) ([]int64, error) {
	if head == nil {
		return nil, storeerr.New(storeerr.KindInvalidOperation, opDelete, "head is required")
	}
	var removed []int64
	err := p.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		row, err := lockedNode(tx, head.NodeID, expectedTimestamp)
		if err != nil {
			return err
		}
		prefix := row.Path + "/"
		if err := tx.Model(&NodeRow{}).
			Where("node_id = ? OR substr(path, 1, ?) = ?", row.NodeID, utf8.RuneCountInString(prefix), prefix).
			Pluck("node_id", &removed).Error; err != nil {
			return err
		}
		var versionIDs []int64
		if err := tx.Model(&VersionRow{}).Where("node_id IN ?", removed).Pluck("version_id", &versionIDs).Error; err != nil {
			return err
		}
		if len(versionIDs) > 0 {
			if err := deleteVersionData(tx, versionIDs); err != nil {
				return err
			}
			if err := tx.Where("version_id IN ?", versionIDs).Delete(&VersionRow{}).Error; err != nil {
				return err
			}
		}
		return tx.Where("node_id IN ?", removed).Delete(&NodeRow{}).Error
	})
	if err != nil {
		return nil, p.treeError(opDelete, head, err)
	}
	p.logger.Info("subtree deleted",
		zap.String(logFieldOperation, opDelete),
		zap.Int64("node_id", head.NodeID),
		zap.Int("removed", len(removed)),
	)
	return removed, nil
}

// Move re-parents the node below targetParentID and rewrites the paths of its subtree.
func (p *Provider) Move(ctx context.Context, head *nodes.NodeHead, targetParentID int64, expectedTimestamp int64) (*nodes.NodeHead, error) {
	if head == nil {
		return nil, storeerr.New(storeerr.KindInvalidOperation, opMove, "head is required")
	}
	var moved *nodes.NodeHead
	err := p.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		row, err := lockedNode(tx, head.NodeID, expectedTimestamp)
		if err != nil {
			return err
		}
		var target NodeRow
		err = tx.Where("node_id = ?", targetParentID).Take(&target).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return storeerr.New(storeerr.KindNotFound, opMove, "target %d does not exist", targetParentID)
		}
		if err != nil {
			return err
		}
		if target.NodeID == row.NodeID || strings.HasPrefix(strings.ToLower(target.Path), strings.ToLower(row.Path)+"/") {
			return storeerr.New(storeerr.KindInvalidOperation, opMove, "cannot move a node below itself")
		}
		newPath, err := saving.ValidatePath(target.Path, row.Name)
		if err != nil {
			return err
		}

		result := tx.Model(&NodeRow{}).
			Where("node_id = ? AND timestamp = ?", row.NodeID, row.Timestamp).
			Updates(map[string]any{
				"parent_id": target.NodeID,
				"path":      newPath,
				"timestamp": row.Timestamp + 1,
			})
		if result.Error != nil {
			return result.Error
		}
		if result.RowsAffected == 0 {
			return errStale
		}
		if err := rewriteDescendantPaths(tx, row.Path, newPath); err != nil {
			return err
		}
		row.ParentID, row.Path, row.Timestamp = target.NodeID, newPath, row.Timestamp+1
		moved, err = loadHead(tx, row)
		return err
	})
	if err != nil {
		return nil, p.treeError(opMove, head, err)
	}
	return moved, nil
}

func lockedNode(tx *gorm.DB, nodeID, expectedTimestamp int64) (NodeRow, error) {
	var row NodeRow
	err := tx.Where("node_id = ?", nodeID).Take(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return NodeRow{}, storeerr.New(storeerr.KindNotFound, opDelete, "node %d does not exist", nodeID)
	}
	if err != nil {
		return NodeRow{}, err
	}
	if expectedTimestamp != 0 && row.Timestamp != expectedTimestamp {
		return NodeRow{}, errStale
	}
	return row, nil
}

func (p *Provider) treeError(op string, head *nodes.NodeHead, err error) error {
	var typed *storeerr.Error
	switch {
	case errors.As(err, &typed):
		return typed.WithNode(head.NodeID, head.Path)
	case errors.Is(err, errStale):
		return storeerr.Wrap(storeerr.KindOutOfDate, op, err, "node was modified by another writer").WithNode(head.NodeID, head.Path)
	case isUniqueViolation(err):
		return storeerr.Wrap(storeerr.KindAlreadyExists, op, err, "target already has a child named %q", head.Name).WithNode(head.NodeID, head.Path)
	case isRetryable(err):
		return storeerr.Wrap(storeerr.KindRetryableConflict, op, err, "storage contention").WithNode(head.NodeID, head.Path)
	default:
		p.logError(op, "tree_write_failed", err, zap.Int64("node_id", head.NodeID))
		return storeerr.Wrap(storeerr.KindInternal, op, err, "storage failure").WithNode(head.NodeID, head.Path)
	}
}
