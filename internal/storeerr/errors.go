// Package storeerr defines the error taxonomy shared by the record, version and save layers.
package storeerr

import (
	"errors"
	"fmt"
	"strings"
)

// Kind classifies a failure so callers can react without inspecting messages.
type Kind string

const (
	KindNotFound          Kind = "not_found"
	KindSecurityDenied    Kind = "security_denied"
	KindOutOfDate         Kind = "out_of_date"
	KindRetryableConflict Kind = "retryable_conflict"
	KindAlreadyExists     Kind = "already_exists"
	KindInvalidOperation  Kind = "invalid_operation"
	KindTimeout           Kind = "timeout"
	KindCancelled         Kind = "cancelled"
	KindSaveFailed        Kind = "save_failed"
	KindInternal          Kind = "internal"
)

var (
	// ErrNotFound indicates that a node, version or path does not exist.
	ErrNotFound = errors.New("nodestore: not found")
	// ErrSecurityDenied indicates that the caller lacks the required permission.
	ErrSecurityDenied = errors.New("nodestore: security denied")
	// ErrOutOfDate indicates an optimistic-concurrency conflict; the caller must reload.
	ErrOutOfDate = errors.New("nodestore: out of date")
	// ErrRetryableConflict indicates a transient storage contention.
	ErrRetryableConflict = errors.New("nodestore: retryable conflict")
	// ErrAlreadyExists indicates a sibling name uniqueness violation.
	ErrAlreadyExists = errors.New("nodestore: already exists")
	// ErrInvalidOperation indicates a programming or usage error.
	ErrInvalidOperation = errors.New("nodestore: invalid operation")
	// ErrTimeout indicates that an exclusive lock wait exceeded its deadline.
	ErrTimeout = errors.New("nodestore: timeout")
	// ErrCancelled indicates that the caller cancelled a blocking operation.
	ErrCancelled = errors.New("nodestore: cancelled")
	// ErrSaveFailed indicates that a save exhausted its retry budget.
	ErrSaveFailed = errors.New("nodestore: save failed")
	// ErrInternal indicates an invariant violation.
	ErrInternal = errors.New("nodestore: internal error")
)

var sentinels = map[Kind]error{
	KindNotFound:          ErrNotFound,
	KindSecurityDenied:    ErrSecurityDenied,
	KindOutOfDate:         ErrOutOfDate,
	KindRetryableConflict: ErrRetryableConflict,
	KindAlreadyExists:     ErrAlreadyExists,
	KindInvalidOperation:  ErrInvalidOperation,
	KindTimeout:           ErrTimeout,
	KindCancelled:         ErrCancelled,
	KindSaveFailed:        ErrSaveFailed,
	KindInternal:          ErrInternal,
}

// Error carries a Kind together with the operation and the node it concerns.
type Error struct {
	Kind    Kind
	Op      string
	NodeID  int64
	Path    string
	Message string
	Err     error
}

func (e *Error) Error() string {
	var builder strings.Builder
	if e.Op != "" {
		builder.WriteString(e.Op)
		builder.WriteString(": ")
	}
	builder.WriteString(string(e.Kind))
	if e.Message != "" {
		builder.WriteString(": ")
		builder.WriteString(e.Message)
	}
	if e.NodeID != 0 {
		fmt.Fprintf(&builder, " (node %d)", e.NodeID)
	}
	if e.Path != "" {
		fmt.Fprintf(&builder, " (path %s)", e.Path)
	}
	if e.Err != nil {
		builder.WriteString(": ")
		builder.WriteString(e.Err.Error())
	}
	return builder.String()
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is reports whether target is the sentinel registered for the error's kind.
func (e *Error) Is(target error) bool {
	sentinel, ok := sentinels[e.Kind]
	return ok && sentinel == target
}

// New builds an Error of the given kind.
func New(kind Kind, op, format string, args ...any) *Error {
	return &Error{Kind: kind, Op: op, Message: fmt.Sprintf(format, args...)}
}

// Wrap builds an Error of the given kind around cause.
func Wrap(kind Kind, op string, cause error, format string, args ...any) *Error {
	return &Error{Kind: kind, Op: op, Message: fmt.Sprintf(format, args...), Err: cause}
}

// WithNode returns a copy of e annotated with node identity.
func (e *Error) WithNode(nodeID int64, path string) *Error {
	annotated := *e
	annotated.NodeID = nodeID
	annotated.Path = path
	return &annotated
}

// KindOf returns the kind of the first *Error in err's chain, or KindInternal.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	var typed *Error
	if errors.As(err, &typed) {
		return typed.Kind
	}
	for kind, sentinel := range sentinels {
		if errors.Is(err, sentinel) {
			return kind
		}
	}
	return KindInternal
}

// IsConflict reports whether err is one of the caller-visible conflict kinds.
func IsConflict(err error) bool {
	switch KindOf(err) {
	case KindOutOfDate, KindAlreadyExists, KindTimeout:
		return true
	default:
		return false
	}
}
