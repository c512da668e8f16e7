package saving

import (
	"strings"
	"sync"

	"github.com/MarcoPoloResearchLab/nodestore/internal/storeerr"
)

const opPathLock = "saving.path_lock"

// PathLocker serializes renames whose paths overlap within this process.
// Saves that do not rename only check that no overlapping rename is in flight.
type PathLocker struct {
	mu   sync.Mutex
	held map[string]int
}

// NewPathLocker constructs an empty locker.
func NewPathLocker() *PathLocker {
	return &PathLocker{held: map[string]int{}}
}

// LockRename locks every given path. Contention is reported as a retryable conflict.
func (l *PathLocker) LockRename(paths ...string) (func(), error) {
	normalized := make([]string, 0, len(paths))
	for _, path := range paths {
		if path != "" {
			normalized = append(normalized, normalizePath(path))
		}
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	for _, path := range normalized {
		if held, ok := l.overlapping(path); ok {
			return nil, storeerr.New(storeerr.KindRetryableConflict, opPathLock, "%s overlaps a rename in progress on %s", path, held)
		}
	}
	for _, path := range normalized {
		l.held[path]++
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			l.mu.Lock()
			defer l.mu.Unlock()
			for _, path := range normalized {
				if l.held[path] <= 1 {
					delete(l.held, path)
					continue
				}
				l.held[path]--
			}
		})
	}, nil
}

// CheckUnlocked fails when path overlaps a rename in progress.
func (l *PathLocker) CheckUnlocked(path string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if held, ok := l.overlapping(normalizePath(path)); ok {
		return storeerr.New(storeerr.KindRetryableConflict, opPathLock, "%s is being renamed via %s", path, held)
	}
	return nil
}

func (l *PathLocker) overlapping(path string) (string, bool) {
	for held := range l.held {
		if held == path || strings.HasPrefix(path, held+"/") || strings.HasPrefix(held, path+"/") {
			return held, true
		}
	}
	return "", false
}

func normalizePath(path string) string {
	return strings.ToLower(strings.TrimSuffix(path, "/"))
}
