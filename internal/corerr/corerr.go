// Package corerr defines the error taxonomy shared by every core component
// (hash, chunker, store/*, backup, restore, gc). Kinds are sentinel values
// so collaborators can test with errors.Is; context (file path, fingerprint,
// offset) is attached with Wrap rather than baked into a type hierarchy.
package corerr

import (
	"fmt"

	"github.com/pkg/errors"
)

// Kind is one of the taxonomy entries from the error handling design.
type Kind error

var (
	// ErrIO is a transient or permanent OS/filesystem failure. The
	// operation failed but the store is left consistent.
	ErrIO Kind = errors.New("io error")
	// ErrIntegrity means bytes retrieved under a fingerprint did not hash
	// back to that fingerprint.
	ErrIntegrity Kind = errors.New("integrity error")
	// ErrNotFound means a fingerprint or snapshot does not exist.
	ErrNotFound Kind = errors.New("not found")
	// ErrCorrupt means an index or metadata invariant was violated at
	// open time and requires operator repair.
	ErrCorrupt Kind = errors.New("corrupt")
	// ErrConflict means a uniqueness constraint was violated.
	ErrConflict Kind = errors.New("conflict")
	// ErrCancelled means cooperative cancellation was observed. Not an
	// error in the logging sense, just a normal terminal state.
	ErrCancelled Kind = errors.New("cancelled")
	// ErrQuota means a storage-full condition was hit.
	ErrQuota Kind = errors.New("quota exceeded")
	// ErrInvalidInput means a parameter was out of range or otherwise
	// malformed (e.g. min > max, empty put buffer).
	ErrInvalidInput Kind = errors.New("invalid input")
)

// wrapped pairs a Kind with context and an underlying cause. Both stay
// visible to errors.Is: a chunker read that failed because the context was
// cancelled tests true for the cancellation even when an orchestrator has
// wrapped it with I/O context on the way up.
type wrapped struct {
	kind   Kind
	detail string
	cause  error
}

func (w *wrapped) Error() string {
	if w.cause != nil {
		return fmt.Sprintf("%s: %s: %v", w.kind.Error(), w.detail, w.cause)
	}
	return fmt.Sprintf("%s: %s", w.kind.Error(), w.detail)
}

func (w *wrapped) Unwrap() []error {
	if w.cause != nil {
		return []error{w.kind, w.cause}
	}
	return []error{w.kind}
}

func (w *wrapped) Cause() error { return w.cause }

// Wrap produces an error of the given kind carrying detail (e.g. a file
// path, fingerprint, or chunk offset) and, optionally, the low-level cause.
func Wrap(kind Kind, detail string, cause error) error {
	return &wrapped{kind: kind, detail: detail, cause: cause}
}

// Wrapf is Wrap with a formatted detail string.
func Wrapf(kind Kind, cause error, format string, args ...interface{}) error {
	return Wrap(kind, fmt.Sprintf(format, args...), cause)
}

// annotated adds context to an error that already carries its kind, without
// asserting a new one. Orchestrators use it to say which file and which
// chunk order failed while leaving the component's own classification
// (integrity, cancelled, quota, ...) intact.
type annotated struct {
	detail string
	cause  error
}

func (a *annotated) Error() string { return fmt.Sprintf("%s: %v", a.detail, a.cause) }
func (a *annotated) Unwrap() error { return a.cause }
func (a *annotated) Cause() error  { return a.cause }

// Annotatef wraps cause with formatted context, preserving whatever kind
// cause already carries. Annotating nil returns nil.
func Annotatef(cause error, format string, args ...interface{}) error {
	if cause == nil {
		return nil
	}
	return &annotated{detail: fmt.Sprintf(format, args...), cause: cause}
}
