package chunkstore

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/vaultfs/core/hash"
	"github.com/vaultfs/core/internal/corerr"
	"github.com/vaultfs/core/store/chunkindex"
)

func newFSStore(t *testing.T) *FSStore {
	t.Helper()
	s, err := NewFSStore(t.TempDir(), chunkindex.NewMemIndex(), nil, zap.NewNop())
	require.NoError(t, err)
	return s
}

func testStores(t *testing.T) map[string]Store {
	return map[string]Store{
		"fs":  newFSStore(t),
		"mem": NewMemStore(chunkindex.NewMemIndex(), nil),
	}
}

func TestPutGetRoundTrip(t *testing.T) {
	for name, s := range testStores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			data := []byte("hello, chunk")
			fp, err := s.Put(ctx, data)
			require.NoError(t, err)

			got, err := s.Get(ctx, fp)
			require.NoError(t, err)
			assert.Equal(t, data, got)

			ok, err := s.Contains(ctx, fp)
			require.NoError(t, err)
			assert.True(t, ok)
		})
	}
}

// TestDeduplication confirms putting the same bytes twice writes no new
// chunk bytes the second time.
func TestDeduplication(t *testing.T) {
	for name, s := range testStores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			data := []byte("duplicate me")
			fp1, err := s.Put(ctx, data)
			require.NoError(t, err)
			fp2, err := s.Put(ctx, data)
			require.NoError(t, err)
			assert.Equal(t, fp1, fp2)

			st, err := s.Stats(ctx)
			require.NoError(t, err)
			assert.EqualValues(t, 1, st.Count)
		})
	}
}

func TestPutEmptyRejected(t *testing.T) {
	for name, s := range testStores(t) {
		t.Run(name, func(t *testing.T) {
			_, err := s.Put(context.Background(), nil)
			assert.ErrorIs(t, err, corerr.ErrInvalidInput)
		})
	}
}

func TestGetNotFound(t *testing.T) {
	for name, s := range testStores(t) {
		t.Run(name, func(t *testing.T) {
			_, err := s.Get(context.Background(), hash.Of([]byte("never stored")))
			assert.ErrorIs(t, err, corerr.ErrNotFound)
		})
	}
}

// TestIntegrityDetection confirms a Get that reads corrupted bytes back
// fails with an integrity error instead of returning the wrong content.
func TestIntegrityDetection(t *testing.T) {
	ctx := context.Background()

	t.Run("fs", func(t *testing.T) {
		s := newFSStore(t)
		data := []byte("do not corrupt me")
		fp, err := s.Put(ctx, data)
		require.NoError(t, err)

		p := s.pathFor(fp)
		raw, err := os.ReadFile(p)
		require.NoError(t, err)
		raw[0] ^= 0xFF
		require.NoError(t, os.WriteFile(p, raw, 0o600))

		_, err = s.Get(ctx, fp)
		assert.ErrorIs(t, err, corerr.ErrIntegrity)
	})

	t.Run("mem", func(t *testing.T) {
		s := NewMemStore(chunkindex.NewMemIndex(), nil)
		data := []byte("do not corrupt me")
		fp, err := s.Put(ctx, data)
		require.NoError(t, err)
		s.CorruptForTest(fp)
		_, err = s.Get(ctx, fp)
		assert.ErrorIs(t, err, corerr.ErrIntegrity)
	})
}

// TestGarbageCollectSafety confirms GarbageCollect keeps every chunk in
// the live set and removes every chunk not in it.
func TestGarbageCollectSafety(t *testing.T) {
	for name, s := range testStores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			keepFp, err := s.Put(ctx, []byte("keep me"))
			require.NoError(t, err)
			dropFp, err := s.Put(ctx, []byte("drop me"))
			require.NoError(t, err)

			removed, err := s.GarbageCollect(ctx, hash.NewSet(keepFp))
			require.NoError(t, err)
			assert.Equal(t, 1, removed)

			ok, err := s.Contains(ctx, keepFp)
			require.NoError(t, err)
			assert.True(t, ok, "live chunk must survive GC")

			ok, err = s.Contains(ctx, dropFp)
			require.NoError(t, err)
			assert.False(t, ok, "dead chunk must be gone after GC")
		})
	}
}

func TestIterFingerprints(t *testing.T) {
	for name, s := range testStores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			want := map[hash.Fingerprint]bool{}
			for _, w := range []string{"a", "b", "c"} {
				fp, err := s.Put(ctx, []byte(w))
				require.NoError(t, err)
				want[fp] = true
			}
			got := map[hash.Fingerprint]bool{}
			require.NoError(t, s.IterFingerprints(ctx, func(fp hash.Fingerprint) error {
				got[fp] = true
				return nil
			}))
			assert.Equal(t, want, got)
		})
	}
}

func TestConcurrentPutSameFingerprintMaterializesOnce(t *testing.T) {
	s := newFSStore(t)
	ctx := context.Background()
	data := []byte("race me")

	const workers = 16
	fps := make([]hash.Fingerprint, workers)
	errs := make([]error, workers)
	done := make(chan int, workers)
	for i := 0; i < workers; i++ {
		go func(i int) {
			fps[i], errs[i] = s.Put(ctx, data)
			done <- i
		}(i)
	}
	for i := 0; i < workers; i++ {
		<-done
	}
	for i := 0; i < workers; i++ {
		require.NoError(t, errs[i])
		assert.Equal(t, fps[0], fps[i])
	}

	got, err := s.Get(ctx, fps[0])
	require.NoError(t, err)
	assert.Equal(t, data, got)
}

// TestSnappyCodecRoundTrip confirms the optional compression transform is
// fully transparent to callers: fingerprints and returned bytes are the
// canonical, uncompressed form regardless of what's on disk.
func TestSnappyCodecRoundTrip(t *testing.T) {
	ctx := context.Background()
	data := make([]byte, 4096)
	for i := range data {
		data[i] = byte(i % 7) // compressible pattern
	}

	fsStore, err := NewFSStore(t.TempDir(), chunkindex.NewMemIndex(), SnappyCodec{}, zap.NewNop())
	require.NoError(t, err)
	memStore := NewMemStore(chunkindex.NewMemIndex(), SnappyCodec{})

	for name, s := range map[string]Store{"fs": fsStore, "mem": memStore} {
		t.Run(name, func(t *testing.T) {
			fp, err := s.Put(ctx, data)
			require.NoError(t, err)
			assert.Equal(t, hash.Of(data), fp, "fingerprint must be over canonical bytes, not the compressed form")

			got, err := s.Get(ctx, fp)
			require.NoError(t, err)
			assert.Equal(t, data, got)
		})
	}

	raw, err := os.ReadFile(fsStore.pathFor(hash.Of(data)))
	require.NoError(t, err)
	assert.Less(t, len(raw), len(data), "snappy should shrink a repetitive chunk on disk")
}

func TestTempFilesDoNotLeak(t *testing.T) {
	s := newFSStore(t)
	_, err := s.Put(context.Background(), []byte("abc"))
	require.NoError(t, err)

	entries, err := os.ReadDir(filepath.Join(s.root, tmpDirName))
	require.NoError(t, err)
	assert.Empty(t, entries)
}

// TestStatsOrphans confirms Stats().Orphans counts chunk bytes present on
// disk with no corresponding index record: the state a crash between
// writing a chunk file and writing its index record leaves behind, rather
// than anything GarbageCollect itself would ever produce.
func TestStatsOrphans(t *testing.T) {
	ctx := context.Background()
	idx := chunkindex.NewMemIndex()
	s, err := NewFSStore(t.TempDir(), idx, nil, zap.NewNop())
	require.NoError(t, err)

	fp, err := s.Put(ctx, []byte("will be orphaned"))
	require.NoError(t, err)

	st, err := s.Stats(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 0, st.Orphans)

	_, err = idx.RetainOnly(ctx, hash.Set{})
	require.NoError(t, err)

	st, err = s.Stats(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 1, st.Orphans)
	assert.EqualValues(t, 1, st.Count, "the orphan chunk's bytes are still on disk")

	_, err = s.Get(ctx, fp)
	require.NoError(t, err, "an orphan chunk is still retrievable, only unreferenced")
}
