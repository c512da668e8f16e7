// Package versioning maps permission levels and version requests onto concrete stored versions.
package versioning

import (
	"fmt"
	"strings"

	"github.com/MarcoPoloResearchLab/nodestore/internal/nodes"
	"github.com/MarcoPoloResearchLab/nodestore/internal/storeerr"
)

// AccessLevel is the visibility tier a caller holds on a node.
type AccessLevel int

const (
	AccessNone AccessLevel = iota
	AccessHeader
	AccessMajor
	AccessMinor
)

func (l AccessLevel) String() string {
	switch l {
	case AccessHeader:
		return "header"
	case AccessMajor:
		return "major"
	case AccessMinor:
		return "minor"
	default:
		return "none"
	}
}

// RequestKind distinguishes abstract version specifiers from exact numbers.
type RequestKind int

const (
	RequestLastAccessible RequestKind = iota
	RequestLastFinalized
	RequestHeader
	RequestLastMajor
	RequestLastMinor
	RequestExact
)

// VersionRequest names the version a caller wants.
type VersionRequest struct {
	Kind   RequestKind
	Number nodes.VersionNumber
}

func LastAccessible() VersionRequest { return VersionRequest{Kind: RequestLastAccessible} }
func LastFinalized() VersionRequest  { return VersionRequest{Kind: RequestLastFinalized} }
func Header() VersionRequest         { return VersionRequest{Kind: RequestHeader} }
func LastMajor() VersionRequest      { return VersionRequest{Kind: RequestLastMajor} }
func LastMinor() VersionRequest      { return VersionRequest{Kind: RequestLastMinor} }

// Exact requests one concrete version number.
func Exact(number nodes.VersionNumber) VersionRequest {
	return VersionRequest{Kind: RequestExact, Number: number}
}

// ParseVersionRequest accepts the abstract names ("lastmajor", ...) or a version number ("V1.2.D").
// An empty string means LastAccessible.
func ParseVersionRequest(raw string) (VersionRequest, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "", "lastaccessible":
		return LastAccessible(), nil
	case "lastfinalized":
		return LastFinalized(), nil
	case "header":
		return Header(), nil
	case "lastmajor":
		return LastMajor(), nil
	case "lastminor":
		return LastMinor(), nil
	}
	number, err := nodes.ParseVersionNumber(raw)
	if err != nil {
		return VersionRequest{}, storeerr.Wrap(storeerr.KindInvalidOperation, "versioning.parse_request", err, "unrecognized version request %q", raw)
	}
	return Exact(number), nil
}

func (r VersionRequest) String() string {
	switch r.Kind {
	case RequestLastAccessible:
		return "LastAccessible"
	case RequestLastFinalized:
		return "LastFinalized"
	case RequestHeader:
		return "Header"
	case RequestLastMajor:
		return "LastMajor"
	case RequestLastMinor:
		return "LastMinor"
	case RequestExact:
		return r.Number.String()
	default:
		return fmt.Sprintf("VersionRequest(%d)", int(r.Kind))
	}
}

func (r VersionRequest) majorTier() bool {
	return r.Kind == RequestLastMajor || (r.Kind == RequestExact && r.Number.Minor == 0)
}

func (r VersionRequest) minorTier() bool {
	return r.Kind == RequestLastMinor || (r.Kind == RequestExact && r.Number.Minor != 0)
}

const opAcceptedLevel = "versioning.accepted_level"

// AcceptedLevel combines the requested version with the caller's access level.
// The result never exceeds user.
func AcceptedLevel(request VersionRequest, user AccessLevel) (AccessLevel, error) {
	if user < AccessHeader || user > AccessMinor {
		return AccessNone, storeerr.New(storeerr.KindSecurityDenied, opAcceptedLevel, "no access")
	}
	switch {
	case request.Kind == RequestLastAccessible || request.Kind == RequestLastFinalized:
		return user, nil
	case request.Kind == RequestHeader:
		return AccessHeader, nil
	case request.majorTier():
		if user == AccessHeader {
			return AccessHeader, nil
		}
		return AccessMajor, nil
	case request.minorTier():
		if user == AccessMinor {
			return AccessMinor, nil
		}
		return AccessNone, storeerr.New(storeerr.KindSecurityDenied, opAcceptedLevel, "%s requires minor access, caller has %s", request, user)
	default:
		return AccessNone, storeerr.New(storeerr.KindInternal, opAcceptedLevel, "unsupported access level combination %s/%s", request, user)
	}
}

// SelectVersionID picks the version id for an accepted level; 0 means no such version.
func SelectVersionID(head *nodes.NodeHead, request VersionRequest, accepted AccessLevel) int64 {
	if head == nil {
		return 0
	}
	if request.Kind == RequestExact {
		versionID, _ := head.VersionIDOf(request.Number)
		return versionID
	}
	switch accepted {
	case AccessHeader, AccessMajor:
		return head.LastMajorVersionID
	case AccessMinor:
		if request.Kind == RequestLastFinalized {
			return lastFinalizedVersionID(head)
		}
		return head.LastMinorVersionID
	default:
		return 0
	}
}

// lastFinalizedVersionID skips versions that are locked for an in-progress edit.
func lastFinalizedVersionID(head *nodes.NodeHead) int64 {
	for i := len(head.Versions) - 1; i >= 0; i-- {
		if head.Versions[i].Number.Status != nodes.StatusLocked {
			return head.Versions[i].VersionID
		}
	}
	return 0
}
