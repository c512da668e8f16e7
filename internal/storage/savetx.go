package storage

import (
	"context"
	"errors"
	"sort"
	"time"
	"unicode/utf8"

	"github.com/MarcoPoloResearchLab/nodestore/internal/nodes"
	"github.com/MarcoPoloResearchLab/nodestore/internal/saving"
	"github.com/MarcoPoloResearchLab/nodestore/internal/schema"
	"github.com/MarcoPoloResearchLab/nodestore/internal/security"
	"github.com/MarcoPoloResearchLab/nodestore/internal/storeerr"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const opSaveRecord = "storage.save_record"

// errStale marks an optimistic check that matched no row.
var errStale = errors.New("storage: stored timestamp changed")

// BeginSave opens the transaction one save attempt writes through.
func (p *Provider) BeginSave(ctx context.Context) (saving.SaveTx, error) {
	tx := p.db.WithContext(ctx).Begin()
	if tx.Error != nil {
		if isRetryable(tx.Error) {
			return nil, storeerr.Wrap(storeerr.KindRetryableConflict, opSaveRecord, tx.Error, "begin transaction")
		}
		return nil, storeerr.Wrap(storeerr.KindInternal, opSaveRecord, tx.Error, "begin transaction")
	}
	return &saveTx{provider: p, tx: tx}, nil
}

type saveTx struct {
	provider *Provider
	tx       *gorm.DB
}

func (t *saveTx) Commit() error {
	return t.tx.Commit().Error
}

func (t *saveTx) Rollback() error {
	return t.tx.Rollback().Error
}

// SaveRecord writes record with the given algorithm. Contention and stale
// timestamps are reported through the result, not the error.
func (t *saveTx) SaveRecord(ctx context.Context, record *nodes.Record, settings saving.SaveSettings, algorithm saving.Algorithm) (saving.SaveResult, error) {
	write := &recordWrite{
		db:        t.tx.WithContext(ctx),
		record:    record,
		settings:  settings,
		algorithm: algorithm,
		now:       t.provider.clock().UTC(),
		userID:    security.UserID(ctx),
	}
	head, err := write.run()
	switch {
	case err == nil:
		return saving.SaveResult{Head: head}, nil
	case errors.Is(err, errStale):
		return saving.SaveResult{Conflict: saving.ConflictOutOfDate, Cause: err}, nil
	case isUniqueViolation(err) && isVersionNumberViolation(err):
		return saving.SaveResult{Conflict: saving.ConflictOutOfDate, Cause: err}, nil
	case isUniqueViolation(err):
		return saving.SaveResult{Conflict: saving.ConflictUniqueness, Cause: err}, nil
	case isRetryable(err):
		return saving.SaveResult{Conflict: saving.ConflictRetryable, Cause: err}, nil
	default:
		t.provider.logError(opSaveRecord, "write_failed", err,
			zap.Int64("node_id", record.ID()),
			zap.String("algorithm", algorithm.String()),
		)
		return saving.SaveResult{}, storeerr.Wrap(storeerr.KindInternal, opSaveRecord, err, "write %s", algorithm).WithNode(record.ID(), record.Path())
	}
}

type recordWrite struct {
	db        *gorm.DB
	record    *nodes.Record
	settings  saving.SaveSettings
	algorithm saving.Algorithm
	now       time.Time
	userID    int64
}

func (w *recordWrite) run() (*nodes.NodeHead, error) {
	identity := nodes.Snapshot{Path: w.record.Path(), Version: w.record.Version(), BinaryIDs: map[int]int64{}}

	if w.algorithm == saving.CreateNewNode {
		nodeID, err := w.insertNode()
		if err != nil {
			return nil, err
		}
		identity.NodeID = nodeID
		identity.NodeTimestamp = 1
	} else {
		timestamp, err := w.updateNode()
		if err != nil {
			return nil, err
		}
		identity.NodeID = w.record.ID()
		identity.NodeTimestamp = timestamp
	}

	switch w.algorithm {
	case saving.CreateNewNode, saving.CopyToNewVersionAndUpdate:
		versionID, err := w.insertVersion(identity.NodeID)
		if err != nil {
			return nil, err
		}
		identity.VersionID = versionID
		identity.VersionTimestamp = 1
		if w.algorithm == saving.CopyToNewVersionAndUpdate {
			if err := copyProperties(w.db, w.settings.CurrentVersionID, versionID); err != nil {
				return nil, err
			}
		}
	case saving.UpdateSameVersion:
		timestamp, err := w.updateVersion(w.record.VersionID(), w.record.VersionTimestamp(), true)
		if err != nil {
			return nil, err
		}
		identity.VersionID = w.record.VersionID()
		identity.VersionTimestamp = timestamp
	case saving.CopyToSpecifiedVersionAndUpdate:
		target := w.settings.ExpectedVersionID
		timestamp, err := w.updateVersion(target, 0, false)
		if err != nil {
			return nil, err
		}
		if err := deleteVersionData(w.db, []int64{target}); err != nil {
			return nil, err
		}
		if err := copyProperties(w.db, w.settings.CurrentVersionID, target); err != nil {
			return nil, err
		}
		identity.VersionID = target
		identity.VersionTimestamp = timestamp
	}

	if err := w.writeOverrides(identity.VersionID, identity.BinaryIDs); err != nil {
		return nil, err
	}
	if err := w.deleteVersions(identity.NodeID, identity.VersionID); err != nil {
		return nil, err
	}
	head, err := recomputeHead(w.db, identity.NodeID)
	if err != nil {
		return nil, err
	}
	w.record.AssignIdentity(identity)
	return head, nil
}

func (w *recordWrite) ownerID() int64 {
	if owner := w.record.OwnerID(); owner != 0 {
		return owner
	}
	return w.userID
}

func (w *recordWrite) insertNode() (int64, error) {
	created := timeSlot(w.record, nodes.SlotCreationDate, w.now)
	row := NodeRow{
		ParentID:         w.record.ParentID(),
		Name:             w.record.Name(),
		Path:             w.record.Path(),
		NodeTypeID:       w.record.NodeType().ID,
		Index:            int64Slot(w.record, nodes.SlotIndex),
		CreationDate:     created,
		ModificationDate: w.now,
		CreatedByID:      w.userID,
		ModifiedByID:     w.userID,
		OwnerID:          w.ownerID(),
		Locked:           boolSlot(w.record, nodes.SlotLocked),
		LockedByID:       int64Slot(w.record, nodes.SlotLockedByID),
		LockToken:        stringSlot(w.record, nodes.SlotLockToken),
		LockDate:         timeSlot(w.record, nodes.SlotLockDate, time.Time{}),
		Timestamp:        1,
	}
	if err := w.db.Create(&row).Error; err != nil {
		return 0, err
	}
	return row.NodeID, nil
}

// updateNode applies the node columns under the optimistic timestamp check and
// rewrites descendant paths when the node was renamed.
func (w *recordWrite) updateNode() (int64, error) {
	var current NodeRow
	err := w.db.Where("node_id = ?", w.record.ID()).Take(&current).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return 0, errStale
	}
	if err != nil {
		return 0, err
	}
	expected := w.record.NodeTimestamp()
	if current.Timestamp != expected {
		return 0, errStale
	}

	next := expected + 1
	result := w.db.Model(&NodeRow{}).
		Where("node_id = ? AND timestamp = ?", w.record.ID(), expected).
		Updates(map[string]any{
			"parent_id":         w.record.ParentID(),
			"name":              w.record.Name(),
			"path":              w.record.Path(),
			"node_index":        int64Slot(w.record, nodes.SlotIndex),
			"modification_date": w.now,
			"modified_by_id":    w.userID,
			"owner_id":          w.ownerID(),
			"locked":            boolSlot(w.record, nodes.SlotLocked),
			"locked_by_id":      int64Slot(w.record, nodes.SlotLockedByID),
			"lock_token":        stringSlot(w.record, nodes.SlotLockToken),
			"lock_date":         timeSlot(w.record, nodes.SlotLockDate, time.Time{}),
			"timestamp":         next,
		})
	if result.Error != nil {
		return 0, result.Error
	}
	if result.RowsAffected == 0 {
		return 0, errStale
	}
	if current.Path != w.record.Path() {
		if err := rewriteDescendantPaths(w.db, current.Path, w.record.Path()); err != nil {
			return 0, err
		}
	}
	return next, nil
}

func (w *recordWrite) insertVersion(nodeID int64) (int64, error) {
	version := w.record.Version()
	row := VersionRow{
		NodeID:           nodeID,
		Major:            version.Major,
		Minor:            version.Minor,
		Status:           string(version.Status),
		CreationDate:     w.now,
		ModificationDate: w.now,
		CreatedByID:      w.userID,
		ModifiedByID:     w.userID,
		SavingState:      int(savingState(w.record)),
		Timestamp:        1,
	}
	if err := w.db.Create(&row).Error; err != nil {
		return 0, err
	}
	return row.VersionID, nil
}

// updateVersion rewrites a version row. With checkTimestamp the row must still
// carry expectedTimestamp.
func (w *recordWrite) updateVersion(versionID, expectedTimestamp int64, checkTimestamp bool) (int64, error) {
	var current VersionRow
	err := w.db.Where("version_id = ? AND node_id = ?", versionID, w.record.ID()).Take(&current).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return 0, errStale
	}
	if err != nil {
		return 0, err
	}
	if checkTimestamp && current.Timestamp != expectedTimestamp {
		return 0, errStale
	}

	version := w.record.Version()
	next := current.Timestamp + 1
	result := w.db.Model(&VersionRow{}).
		Where("version_id = ? AND timestamp = ?", versionID, current.Timestamp).
		Updates(map[string]any{
			"major":             version.Major,
			"minor":             version.Minor,
			"status":            string(version.Status),
			"modification_date": w.now,
			"modified_by_id":    w.userID,
			"saving_state":      int(savingState(w.record)),
			"timestamp":         next,
		})
	if result.Error != nil {
		return 0, result.Error
	}
	if result.RowsAffected == 0 {
		return 0, errStale
	}
	return next, nil
}

// writeOverrides stores the record's private property values on versionID.
func (w *recordWrite) writeOverrides(versionID int64, binaryIDs map[int]int64) error {
	overrides := w.record.OverriddenProperties()
	ids := make([]int, 0, len(overrides))
	for id := range overrides {
		ids = append(ids, id)
	}
	sort.Ints(ids)

	nodeType := w.record.NodeType()
	for _, id := range ids {
		property, ok := nodeType.PropertyByID(id)
		if !ok {
			continue
		}
		if property.DataType == schema.DataTypeBinary {
			if !w.record.IsPropertyModified(property.Name) {
				// the stored or copied row already holds this content
				var existing BinaryRow
				err := w.db.Where("version_id = ? AND property_id = ?", versionID, property.ID).Limit(1).Find(&existing).Error
				if err != nil {
					return err
				}
				if existing.BinaryID != 0 {
					binaryIDs[property.ID] = existing.BinaryID
				}
				continue
			}
			binaryID, err := writeBinary(w.db, versionID, property.ID, overrides[id])
			if err != nil {
				return err
			}
			binaryIDs[property.ID] = binaryID
			continue
		}
		encoded, err := encodeValue(property.DataType, overrides[id])
		if err != nil {
			return err
		}
		row := PropertyRow{VersionID: versionID, PropertyID: property.ID, Value: encoded}
		err = w.db.Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "version_id"}, {Name: "property_id"}},
			DoUpdates: clause.AssignmentColumns([]string{"value"}),
		}).Create(&row).Error
		if err != nil {
			return err
		}
	}
	return nil
}

func (w *recordWrite) deleteVersions(nodeID, keepVersionID int64) error {
	deletable := make([]int64, 0, len(w.settings.DeletableVersionIDs))
	for _, versionID := range w.settings.DeletableVersionIDs {
		if versionID != keepVersionID {
			deletable = append(deletable, versionID)
		}
	}
	if len(deletable) == 0 {
		return nil
	}
	if err := deleteVersionData(w.db, deletable); err != nil {
		return err
	}
	return w.db.Where("node_id = ? AND version_id IN ?", nodeID, deletable).Delete(&VersionRow{}).Error
}

func writeBinary(db *gorm.DB, versionID int64, propertyID int, value any) (int64, error) {
	if err := db.Where("version_id = ? AND property_id = ?", versionID, propertyID).Delete(&BinaryRow{}).Error; err != nil {
		return 0, err
	}
	normalized, err := nodes.NormalizePropertyValue(schema.DataTypeBinary, value)
	if err != nil {
		return 0, err
	}
	handle := normalized.(nodes.BinaryHandle)
	if handle.IsEmpty() {
		return 0, nil
	}
	row := BinaryRow{
		VersionID:   versionID,
		PropertyID:  propertyID,
		FileName:    handle.FileName,
		ContentType: handle.ContentType,
		Size:        handle.Size,
		Checksum:    handle.Checksum,
	}
	if err := db.Create(&row).Error; err != nil {
		return 0, err
	}
	return row.BinaryID, nil
}

func copyProperties(db *gorm.DB, sourceVersionID, targetVersionID int64) error {
	if sourceVersionID == 0 || sourceVersionID == targetVersionID {
		return nil
	}
	var properties []PropertyRow
	if err := db.Where("version_id = ?", sourceVersionID).Find(&properties).Error; err != nil {
		return err
	}
	for i := range properties {
		properties[i].VersionID = targetVersionID
	}
	if len(properties) > 0 {
		if err := db.Create(&properties).Error; err != nil {
			return err
		}
	}

	var binaries []BinaryRow
	if err := db.Where("version_id = ?", sourceVersionID).Find(&binaries).Error; err != nil {
		return err
	}
	for i := range binaries {
		binaries[i].BinaryID = 0
		binaries[i].VersionID = targetVersionID
	}
	if len(binaries) > 0 {
		return db.Create(&binaries).Error
	}
	return nil
}

func deleteVersionData(db *gorm.DB, versionIDs []int64) error {
	if err := db.Where("version_id IN ?", versionIDs).Delete(&PropertyRow{}).Error; err != nil {
		return err
	}
	return db.Where("version_id IN ?", versionIDs).Delete(&BinaryRow{}).Error
}

// recomputeHead points lastMinor at the highest version and lastMajor at the
// highest approved major version, then returns the fresh head.
func recomputeHead(db *gorm.DB, nodeID int64) (*nodes.NodeHead, error) {
	var versions []VersionRow
	if err := db.Where("node_id = ?", nodeID).Order("major ASC, minor ASC").Find(&versions).Error; err != nil {
		return nil, err
	}
	var lastMajor, lastMinor int64
	for _, version := range versions {
		lastMinor = version.VersionID
		if versionNumber(version).IsMajor() {
			lastMajor = version.VersionID
		}
	}
	err := db.Model(&NodeRow{}).Where("node_id = ?", nodeID).Updates(map[string]any{
		"last_major_version_id": lastMajor,
		"last_minor_version_id": lastMinor,
	}).Error
	if err != nil {
		return nil, err
	}
	var row NodeRow
	if err := db.Where("node_id = ?", nodeID).Take(&row).Error; err != nil {
		return nil, err
	}
	return buildHead(row, versions), nil
}

// rewriteDescendantPaths moves every path below oldPath under newPath.
func rewriteDescendantPaths(db *gorm.DB, oldPath, newPath string) error {
	if oldPath == newPath {
		return nil
	}
	prefix := oldPath + "/"
	length := utf8.RuneCountInString(prefix)
	return db.Model(&NodeRow{}).
		Where("substr(path, 1, ?) = ?", length, prefix).
		Updates(map[string]any{
			"path":      gorm.Expr("? || substr(path, ?)", newPath+"/", length+1),
			"timestamp": gorm.Expr("timestamp + 1"),
		}).Error
}

func int64Slot(record *nodes.Record, slot nodes.Slot) int64 {
	value, _ := record.Get(slot).(int64)
	return value
}

func stringSlot(record *nodes.Record, slot nodes.Slot) string {
	value, _ := record.Get(slot).(string)
	return value
}

func boolSlot(record *nodes.Record, slot nodes.Slot) bool {
	value, _ := record.Get(slot).(bool)
	return value
}

func timeSlot(record *nodes.Record, slot nodes.Slot, fallback time.Time) time.Time {
	value, _ := record.Get(slot).(time.Time)
	if value.IsZero() {
		return fallback
	}
	return value
}

func savingState(record *nodes.Record) nodes.SavingState {
	value, _ := record.Get(nodes.SlotSavingState).(nodes.SavingState)
	return value
}
