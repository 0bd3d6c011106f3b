package chunkindex

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vaultfs/core/hash"
	"github.com/vaultfs/core/internal/corerr"
)

// sliceLister stands in for a chunk store during repair: it yields a fixed
// set of fingerprints, the way a real store scan would.
type sliceLister []hash.Fingerprint

func (l sliceLister) IterFingerprints(ctx context.Context, fn func(hash.Fingerprint) error) error {
	for _, fp := range l {
		if err := fn(fp); err != nil {
			return err
		}
	}
	return nil
}

func TestRepairRebuildsFromScan(t *testing.T) {
	ctx := context.Background()
	fps := []hash.Fingerprint{hash.Of([]byte("a")), hash.Of([]byte("b")), hash.Of([]byte("c"))}

	idx := NewMemIndex()
	scanned, err := Repair(ctx, sliceLister(fps), idx)
	require.NoError(t, err)
	assert.Equal(t, 3, scanned)

	for _, fp := range fps {
		rec, err := idx.Lookup(ctx, fp)
		require.NoError(t, err)
		assert.Equal(t, int64(0), rec.ReferenceCount, "rebuilt records start unreferenced")
	}
}

func TestRepairKeepsExistingRecords(t *testing.T) {
	ctx := context.Background()
	known := hash.Of([]byte("already indexed"))
	lost := hash.Of([]byte("index row lost in crash"))

	idx := NewMemIndex()
	require.NoError(t, idx.InsertIfAbsent(ctx, known, 42))
	require.NoError(t, idx.AddReference(ctx, known, 1))

	_, err := idx.Lookup(ctx, lost)
	require.ErrorIs(t, err, corerr.ErrNotFound)

	scanned, err := Repair(ctx, sliceLister{known, lost}, idx)
	require.NoError(t, err)
	assert.Equal(t, 2, scanned)

	rec, err := idx.Lookup(ctx, known)
	require.NoError(t, err)
	assert.Equal(t, int64(42), rec.StoredSize, "repair must not clobber a surviving record")
	assert.Equal(t, int64(1), rec.ReferenceCount)

	_, err = idx.Lookup(ctx, lost)
	assert.NoError(t, err, "the scanned-back chunk gets its index row restored")
}
