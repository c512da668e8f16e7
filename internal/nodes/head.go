package nodes

import "slices"

// VersionEntry pairs a version number with its storage id.
type VersionEntry struct {
	Number    VersionNumber
	VersionID int64
}

// NodeHead is the lightweight, version-independent summary of a node.
type NodeHead struct {
	NodeID             int64
	ParentID           int64
	Name               string
	Path               string
	NodeTypeID         int
	LastMajorVersionID int64
	LastMinorVersionID int64
	Versions           []VersionEntry
	CreatorID          int64
	OwnerID            int64
	Timestamp          int64
}

// VersionIDOf returns the id of the version with the given major and minor numbers.
// The status is compared only when number carries one.
func (h *NodeHead) VersionIDOf(number VersionNumber) (int64, bool) {
	if h == nil {
		return 0, false
	}
	for _, entry := range h.Versions {
		if entry.Number.Compare(number) != 0 {
			continue
		}
		if number.Status != "" && entry.Number.Status != number.Status {
			continue
		}
		return entry.VersionID, true
	}
	return 0, false
}

// Entry returns the version entry for a storage id.
func (h *NodeHead) Entry(versionID int64) (VersionEntry, bool) {
	if h == nil {
		return VersionEntry{}, false
	}
	for _, entry := range h.Versions {
		if entry.VersionID == versionID {
			return entry, true
		}
	}
	return VersionEntry{}, false
}

// LastMinorVersion returns the number of the newest version.
func (h *NodeHead) LastMinorVersion() VersionNumber {
	entry, _ := h.Entry(h.LastMinorVersionID)
	return entry.Number
}

// LastMajorVersion returns the number of the newest approved major version.
func (h *NodeHead) LastMajorVersion() VersionNumber {
	entry, _ := h.Entry(h.LastMajorVersionID)
	return entry.Number
}

// Clone returns a deep copy.
func (h *NodeHead) Clone() *NodeHead {
	if h == nil {
		return nil
	}
	clone := *h
	clone.Versions = slices.Clone(h.Versions)
	return &clone
}
