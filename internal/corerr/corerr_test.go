package corerr

import (
	"errors"
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestWrapMatchesKind(t *testing.T) {
	err := Wrap(ErrNotFound, "deadbeef", nil)
	assert.ErrorIs(t, err, ErrNotFound)
	assert.NotErrorIs(t, err, ErrIO)
	assert.Contains(t, err.Error(), "deadbeef")
}

func TestWrapKeepsCauseVisible(t *testing.T) {
	// Wrapping with a new kind must not hide the underlying chain: an I/O
	// wrap over a cancelled read still tests true for the cancellation.
	inner := Wrap(ErrCancelled, "chunker", nil)
	outer := Wrap(ErrIO, "read /a.txt", inner)
	assert.ErrorIs(t, outer, ErrIO)
	assert.ErrorIs(t, outer, ErrCancelled)

	osErr := Wrap(ErrIO, "open", os.ErrNotExist)
	assert.ErrorIs(t, osErr, os.ErrNotExist)
}

func TestAnnotatefPreservesKind(t *testing.T) {
	err := Annotatef(Wrap(ErrIntegrity, "abcd", nil), "restore chunk order %d of %s", 3, "/a.txt")
	assert.ErrorIs(t, err, ErrIntegrity)
	assert.Contains(t, err.Error(), "order 3")

	assert.NoError(t, Annotatef(nil, "nothing"))
}

func TestWrapfFormatsDetail(t *testing.T) {
	err := Wrapf(ErrConflict, nil, "duplicate path %q", "/a")
	assert.ErrorIs(t, err, ErrConflict)
	assert.Contains(t, err.Error(), `"/a"`)
}

func TestKindsAreDistinct(t *testing.T) {
	kinds := []Kind{ErrIO, ErrIntegrity, ErrNotFound, ErrCorrupt, ErrConflict, ErrCancelled, ErrQuota, ErrInvalidInput}
	for i, a := range kinds {
		for j, b := range kinds {
			if i == j {
				continue
			}
			assert.False(t, errors.Is(a, b), "%v must not match %v", a, b)
		}
	}
}
