// Package saving persists edited records with retry, rollback and post-commit hand-offs.
package saving

import (
	"github.com/MarcoPoloResearchLab/nodestore/internal/nodes"
	"github.com/MarcoPoloResearchLab/nodestore/internal/storeerr"
)

// Algorithm is the storage strategy chosen for one save.
type Algorithm int

const (
	CreateNewNode Algorithm = iota
	CopyToNewVersionAndUpdate
	UpdateSameVersion
	CopyToSpecifiedVersionAndUpdate
)

func (a Algorithm) String() string {
	switch a {
	case CreateNewNode:
		return "create_new_node"
	case CopyToNewVersionAndUpdate:
		return "copy_to_new_version_and_update"
	case UpdateSameVersion:
		return "update_same_version"
	case CopyToSpecifiedVersionAndUpdate:
		return "copy_to_specified_version_and_update"
	default:
		return "unknown"
	}
}

// SelectAlgorithm picks the strategy from the loaded and the target version ids.
func SelectAlgorithm(currentVersionID, expectedVersionID int64) Algorithm {
	switch {
	case currentVersionID == 0:
		return CreateNewNode
	case expectedVersionID == 0:
		return CopyToNewVersionAndUpdate
	case currentVersionID == expectedVersionID:
		return UpdateSameVersion
	default:
		return CopyToSpecifiedVersionAndUpdate
	}
}

// SaveSettings describes where the edited data goes.
type SaveSettings struct {
	// CurrentVersionID is the version the edit was loaded from; 0 for a new node.
	CurrentVersionID int64
	// ExpectedVersionID is the version to write into; 0 creates a new version.
	ExpectedVersionID int64
	// ExpectedVersion is the number the written version carries. Required with ExpectedVersionID.
	ExpectedVersion *nodes.VersionNumber
	// DeletableVersionIDs are removed in the same transaction.
	DeletableVersionIDs []int64
	// OriginalPath is the path before the edit; empty means the node head's path.
	OriginalPath string
}

// Algorithm returns the strategy these settings select.
func (s SaveSettings) Algorithm() Algorithm {
	return SelectAlgorithm(s.CurrentVersionID, s.ExpectedVersionID)
}

// Deletes reports whether versionID is scheduled for deletion.
func (s SaveSettings) Deletes(versionID int64) bool {
	for _, deletable := range s.DeletableVersionIDs {
		if deletable == versionID {
			return true
		}
	}
	return false
}

const opValidate = "saving.validate"

func (s SaveSettings) validate(node *nodes.Node) error {
	if node == nil || node.Record() == nil {
		return storeerr.New(storeerr.KindInvalidOperation, opValidate, "record is required")
	}
	if s.ExpectedVersionID != 0 && s.ExpectedVersion == nil {
		return storeerr.New(storeerr.KindInvalidOperation, opValidate, "expected version id %d has no version number", s.ExpectedVersionID)
	}
	if s.CurrentVersionID == 0 && s.ExpectedVersionID != 0 {
		return storeerr.New(storeerr.KindInvalidOperation, opValidate, "a new node cannot target existing version %d", s.ExpectedVersionID)
	}
	if s.CurrentVersionID != 0 && node.Record().ID() == 0 {
		return storeerr.New(storeerr.KindInvalidOperation, opValidate, "version %d given for an unsaved node", s.CurrentVersionID)
	}
	if s.ExpectedVersion != nil && s.ExpectedVersion.IsZero() {
		return storeerr.New(storeerr.KindInvalidOperation, opValidate, "expected version number is empty")
	}
	if s.Deletes(s.ExpectedVersionID) && s.ExpectedVersionID != 0 {
		return storeerr.New(storeerr.KindInvalidOperation, opValidate, "target version %d is scheduled for deletion", s.ExpectedVersionID)
	}
	return nil
}
