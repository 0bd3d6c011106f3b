// Package d holds small assertion helpers for invariants that must never be
// false at runtime: the kind of condition that, if violated, indicates a bug
// in this package rather than a condition a caller can recover from. Use the
// internal/corerr package for anything a caller should be able to inspect or
// retry.
package d

// PanicIfFalse panics if b is false.
func PanicIfFalse(b bool) {
	if !b {
		panic("Invariant violated")
	}
}

// PanicIfError panics if err is non-nil.
func PanicIfError(err error) {
	if err != nil {
		panic(err)
	}
}
