package saving

import (
	"strings"
	"unicode"

	"github.com/MarcoPoloResearchLab/nodestore/internal/storeerr"
)

// MaxPathLength bounds the length of a node path.
const MaxPathLength = 450

const (
	opValidatePath = "saving.validate_path"

	invalidNameCharacters = "\\/:*?\"<>|"
)

// JoinPath builds a child path below parentPath.
func JoinPath(parentPath, name string) string {
	return strings.TrimSuffix(parentPath, "/") + "/" + name
}

// ValidateName checks a node name for characters and forms that cannot appear in a path segment.
func ValidateName(name string) error {
	trimmed := strings.TrimSpace(name)
	if trimmed == "" {
		return storeerr.New(storeerr.KindInvalidOperation, opValidatePath, "name is empty")
	}
	if trimmed != name {
		return storeerr.New(storeerr.KindInvalidOperation, opValidatePath, "name %q has leading or trailing whitespace", name)
	}
	if name == "." || name == ".." || strings.HasSuffix(name, ".") {
		return storeerr.New(storeerr.KindInvalidOperation, opValidatePath, "name %q cannot end with a dot", name)
	}
	if strings.ContainsAny(name, invalidNameCharacters) {
		return storeerr.New(storeerr.KindInvalidOperation, opValidatePath, "name %q contains an invalid character", name)
	}
	for _, r := range name {
		if unicode.IsControl(r) {
			return storeerr.New(storeerr.KindInvalidOperation, opValidatePath, "name %q contains a control character", name)
		}
	}
	return nil
}

// ValidatePath checks the full path of a node below parentPath.
func ValidatePath(parentPath, name string) (string, error) {
	if err := ValidateName(name); err != nil {
		return "", err
	}
	path := JoinPath(parentPath, name)
	if len(path) > MaxPathLength {
		return "", storeerr.New(storeerr.KindInvalidOperation, opValidatePath, "path is %d characters long, the limit is %d", len(path), MaxPathLength)
	}
	return path, nil
}
