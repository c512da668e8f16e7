package saving

import (
	"errors"
	"strings"
	"testing"

	"github.com/MarcoPoloResearchLab/nodestore/internal/storeerr"
)

func TestValidatePath(t *testing.T) {
	testCases := []struct {
		name    string
		parent  string
		child   string
		want    string
		wantErr bool
	}{
		{name: "plain", parent: "/Root", child: "docs", want: "/Root/docs"},
		{name: "trailing slash parent", parent: "/Root/", child: "docs", want: "/Root/docs"},
		{name: "root", parent: "", child: "Root", want: "/Root"},
		{name: "empty", parent: "/Root", child: " ", wantErr: true},
		{name: "padded", parent: "/Root", child: " docs", wantErr: true},
		{name: "trailing dot", parent: "/Root", child: "docs.", wantErr: true},
		{name: "separator", parent: "/Root", child: "a/b", wantErr: true},
		{name: "control", parent: "/Root", child: "a\tb", wantErr: true},
		{name: "too long", parent: "/Root", child: strings.Repeat("x", MaxPathLength), wantErr: true},
	}
	for _, testCase := range testCases {
		t.Run(testCase.name, func(t *testing.T) {
			got, err := ValidatePath(testCase.parent, testCase.child)
			if testCase.wantErr {
				if !errors.Is(err, storeerr.ErrInvalidOperation) {
					t.Fatalf("expected invalid operation, got %q, %v", got, err)
				}
				return
			}
			if err != nil || got != testCase.want {
				t.Fatalf("ValidatePath(%q, %q) = %q, %v", testCase.parent, testCase.child, got, err)
			}
		})
	}
}

func TestPathLockerOverlap(t *testing.T) {
	locker := NewPathLocker()
	release, err := locker.LockRename("/Root/Docs")
	if err != nil {
		t.Fatalf("lock failed: %v", err)
	}

	for _, path := range []string{"/root/docs", "/Root/Docs/a/b", "/Root"} {
		if err := locker.CheckUnlocked(path); !errors.Is(err, storeerr.ErrRetryableConflict) {
			t.Fatalf("expected %s to overlap, got %v", path, err)
		}
	}
	if err := locker.CheckUnlocked("/Root/Docs2"); err != nil {
		t.Fatalf("sibling with shared prefix must not overlap: %v", err)
	}
	if _, err := locker.LockRename("/Root/Docs/child"); !errors.Is(err, storeerr.ErrRetryableConflict) {
		t.Fatalf("expected nested rename to conflict, got %v", err)
	}

	release()
	release()
	if err := locker.CheckUnlocked("/Root/Docs"); err != nil {
		t.Fatalf("expected lock released: %v", err)
	}
}
