package nodes

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// VersionStatus is the workflow state of one version.
type VersionStatus string

const (
	StatusDraft    VersionStatus = "D"
	StatusPending  VersionStatus = "P"
	StatusApproved VersionStatus = "A"
	StatusRejected VersionStatus = "R"
	StatusLocked   VersionStatus = "L"
)

// ErrInvalidVersion indicates that a version string could not be parsed.
var ErrInvalidVersion = errors.New("nodes: invalid version number")

// ParseVersionStatus validates a single status letter.
func ParseVersionStatus(raw string) (VersionStatus, error) {
	switch status := VersionStatus(strings.ToUpper(strings.TrimSpace(raw))); status {
	case StatusDraft, StatusPending, StatusApproved, StatusRejected, StatusLocked:
		return status, nil
	default:
		return "", fmt.Errorf("%w: status %q", ErrInvalidVersion, raw)
	}
}

// VersionNumber identifies a version as major.minor plus status.
type VersionNumber struct {
	Major  uint32
	Minor  uint32
	Status VersionStatus
}

// InitialVersion is assigned to new nodes that are published directly.
var InitialVersion = VersionNumber{Major: 1, Minor: 0, Status: StatusApproved}

// InitialDraftVersion is assigned to new nodes created as drafts.
var InitialDraftVersion = VersionNumber{Major: 0, Minor: 1, Status: StatusDraft}

// ParseVersionNumber parses the "V1.0.A" form, the leading V being optional.
func ParseVersionNumber(raw string) (VersionNumber, error) {
	trimmed := strings.TrimPrefix(strings.ToUpper(strings.TrimSpace(raw)), "V")
	parts := strings.Split(trimmed, ".")
	if len(parts) != 3 {
		return VersionNumber{}, fmt.Errorf("%w: %q", ErrInvalidVersion, raw)
	}
	major, err := strconv.ParseUint(parts[0], 10, 32)
	if err != nil {
		return VersionNumber{}, fmt.Errorf("%w: %q", ErrInvalidVersion, raw)
	}
	minor, err := strconv.ParseUint(parts[1], 10, 32)
	if err != nil {
		return VersionNumber{}, fmt.Errorf("%w: %q", ErrInvalidVersion, raw)
	}
	status, err := ParseVersionStatus(parts[2])
	if err != nil {
		return VersionNumber{}, err
	}
	return VersionNumber{Major: uint32(major), Minor: uint32(minor), Status: status}, nil
}

// String renders the version as "V<major>.<minor>.<status>".
func (v VersionNumber) String() string {
	return fmt.Sprintf("V%d.%d.%s", v.Major, v.Minor, v.Status)
}

// IsZero reports whether the version was never assigned.
func (v VersionNumber) IsZero() bool {
	return v.Major == 0 && v.Minor == 0 && v.Status == ""
}

// IsMajor reports whether the version is a published major version.
func (v VersionNumber) IsMajor() bool {
	return v.Minor == 0 && v.Status == StatusApproved
}

// Compare orders versions by major, then minor; status is not significant.
func (v VersionNumber) Compare(other VersionNumber) int {
	switch {
	case v.Major < other.Major:
		return -1
	case v.Major > other.Major:
		return 1
	case v.Minor < other.Minor:
		return -1
	case v.Minor > other.Minor:
		return 1
	default:
		return 0
	}
}

// NextMinor returns the next draft minor version.
func (v VersionNumber) NextMinor() VersionNumber {
	return VersionNumber{Major: v.Major, Minor: v.Minor + 1, Status: StatusDraft}
}

// NextMajor returns the next approved major version.
func (v VersionNumber) NextMajor() VersionNumber {
	return VersionNumber{Major: v.Major + 1, Minor: 0, Status: StatusApproved}
}
