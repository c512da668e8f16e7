package nodes

import "github.com/MarcoPoloResearchLab/nodestore/internal/storeerr"

// Snapshot captures the identity fields a save may overwrite, so a failed attempt can be undone.
type Snapshot struct {
	NodeID           int64
	VersionID        int64
	Path             string
	Version          VersionNumber
	NodeTimestamp    int64
	VersionTimestamp int64
	BinaryIDs        map[int]int64
}

// CreateSnapshot records the current identity fields and the ids of privately set binaries.
func (r *Record) CreateSnapshot() Snapshot {
	snapshot := Snapshot{
		NodeID:           r.ID(),
		VersionID:        r.VersionID(),
		Path:             r.Path(),
		Version:          r.Version(),
		NodeTimestamp:    r.NodeTimestamp(),
		VersionTimestamp: r.VersionTimestamp(),
		BinaryIDs:        map[int]int64{},
	}
	if !r.shared {
		for propertyID, value := range r.dynamic {
			if handle, ok := value.(BinaryHandle); ok {
				snapshot.BinaryIDs[propertyID] = handle.ID
			}
		}
	}
	stored := snapshot
	stored.BinaryIDs = make(map[int]int64, len(snapshot.BinaryIDs))
	for propertyID, binaryID := range snapshot.BinaryIDs {
		stored.BinaryIDs[propertyID] = binaryID
	}
	r.snapshot = &stored
	return snapshot
}

// Rollback restores the fields captured by the last CreateSnapshot.
// The snapshot is kept so that a retried save can roll back again.
func (r *Record) Rollback() error {
	if r.shared {
		return storeerr.New(storeerr.KindInvalidOperation, opRecordRollback, "cannot roll back a shared record").WithNode(r.ID(), r.Path())
	}
	if r.snapshot == nil {
		return storeerr.New(storeerr.KindInvalidOperation, opRecordRollback, "no snapshot to roll back to").WithNode(r.ID(), r.Path())
	}
	snapshot := r.snapshot
	r.restoreSlot(SlotID, snapshot.NodeID)
	r.restoreSlot(SlotVersionID, snapshot.VersionID)
	r.restoreSlot(SlotPath, snapshot.Path)
	r.restoreSlot(SlotVersion, snapshot.Version)
	r.restoreSlot(SlotNodeTimestamp, snapshot.NodeTimestamp)
	r.restoreSlot(SlotVersionTimestamp, snapshot.VersionTimestamp)

	for propertyID, binaryID := range snapshot.BinaryIDs {
		handle, ok := r.dynamic[propertyID].(BinaryHandle)
		if !ok {
			continue
		}
		handle.ID = binaryID
		r.dynamic[propertyID] = handle
		if property, ok := r.nodeType.PropertyByID(propertyID); ok {
			r.propertyModified[propertyID] = !ValuesEqual(handle, r.peekBase(property))
		}
	}
	return nil
}

// SetBinaryID records the storage id assigned to a privately set binary property.
func (r *Record) SetBinaryID(propertyID int, binaryID int64) {
	if r.shared {
		return
	}
	handle, ok := r.dynamic[propertyID].(BinaryHandle)
	if !ok {
		return
	}
	handle.ID = binaryID
	r.dynamic[propertyID] = handle
}

// AssignIdentity overwrites identity fields after storage wrote them, bypassing change tracking.
func (r *Record) AssignIdentity(snapshot Snapshot) {
	if r.shared {
		return
	}
	r.restoreSlot(SlotID, snapshot.NodeID)
	r.restoreSlot(SlotVersionID, snapshot.VersionID)
	r.restoreSlot(SlotPath, snapshot.Path)
	r.restoreSlot(SlotVersion, snapshot.Version)
	r.restoreSlot(SlotNodeTimestamp, snapshot.NodeTimestamp)
	r.restoreSlot(SlotVersionTimestamp, snapshot.VersionTimestamp)
	for propertyID, binaryID := range snapshot.BinaryIDs {
		r.SetBinaryID(propertyID, binaryID)
	}
}
