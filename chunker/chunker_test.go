package chunker

import (
	"bytes"
	"context"
	"crypto/rand"
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vaultfs/core/hash"
)

func randomBytes(t *testing.T, n int) []byte {
	t.Helper()
	b := make([]byte, n)
	_, err := rand.Read(b)
	require.NoError(t, err)
	return b
}

func TestEmptyFile(t *testing.T) {
	chunks, err := All(context.Background(), bytes.NewReader(nil), DefaultOptions())
	require.NoError(t, err)
	assert.Empty(t, chunks)
}

func TestSmallFileIsOneChunk(t *testing.T) {
	data := make([]byte, 256)
	for i := range data {
		data[i] = byte(i)
	}
	chunks, err := All(context.Background(), bytes.NewReader(data), DefaultOptions())
	require.NoError(t, err)
	require.Len(t, chunks, 1)
	assert.Equal(t, data, chunks[0].Data)
	assert.Equal(t, hash.Of(data), chunks[0].Fingerprint())
}

// TestChunkSizeBounds confirms every chunk (except possibly the last)
// falls within [MinSize, MaxSize].
func TestChunkSizeBounds(t *testing.T) {
	opts := Options{MinSize: 256, AvgSize: 1024, MaxSize: 4096}
	data := randomBytes(t, 200*1024)
	chunks, err := All(context.Background(), bytes.NewReader(data), opts)
	require.NoError(t, err)
	require.NotEmpty(t, chunks)
	for i, c := range chunks {
		if i == len(chunks)-1 {
			assert.LessOrEqual(t, c.Length, int64(opts.MaxSize))
			continue
		}
		assert.GreaterOrEqual(t, c.Length, int64(opts.MinSize), "chunk %d", i)
		assert.LessOrEqual(t, c.Length, int64(opts.MaxSize), "chunk %d", i)
	}
}

// TestDeterministic confirms the same bytes always cut the same way.
func TestDeterministic(t *testing.T) {
	opts := Options{MinSize: 256, AvgSize: 1024, MaxSize: 4096}
	data := randomBytes(t, 100*1024)

	a, err := All(context.Background(), bytes.NewReader(data), opts)
	require.NoError(t, err)
	b, err := All(context.Background(), bytes.NewReader(data), opts)
	require.NoError(t, err)

	require.Equal(t, len(a), len(b))
	for i := range a {
		assert.Equal(t, a[i].Fingerprint(), b[i].Fingerprint())
		assert.Equal(t, a[i].Data, b[i].Data)
	}
}

// TestShiftResilience confirms prepending bytes shorter than MinSize only
// perturbs chunks near the start: the cut positions resynchronize once a
// boundary lands where the unshifted stream also cut, so nearly all chunk
// fingerprints (in particular the trailing ones) survive the shift.
func TestShiftResilience(t *testing.T) {
	opts := Options{MinSize: 256, AvgSize: 1024, MaxSize: 4096}
	original := randomBytes(t, 200*1024)
	prefix := randomBytes(t, 100) // < MinSize

	shifted := append(append([]byte{}, prefix...), original...)

	before, err := All(context.Background(), bytes.NewReader(original), opts)
	require.NoError(t, err)
	after, err := All(context.Background(), bytes.NewReader(shifted), opts)
	require.NoError(t, err)

	require.Greater(t, len(before), 2)
	require.Greater(t, len(after), 2)

	beforeSet := hash.NewSet()
	for _, c := range before {
		beforeSet.Insert(c.Fingerprint())
	}
	shared := 0
	for _, c := range after {
		if beforeSet.Has(c.Fingerprint()) {
			shared++
		}
	}
	assert.GreaterOrEqual(t, shared, len(before)*9/10,
		"shifting the stream start should leave the vast majority of chunks intact (%d of %d shared)", shared, len(before))

	last := len(before) - 1
	assert.Equal(t, before[last].Fingerprint(), after[len(after)-1].Fingerprint(),
		"the final chunk must be unaffected by a shift at the start")
}

func TestCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	c, err := New(ctx, bytes.NewReader(randomBytes(t, 1024)), DefaultOptions())
	require.NoError(t, err)
	_, err = c.Next()
	assert.Error(t, err)
}

func TestInvalidOptions(t *testing.T) {
	_, err := New(context.Background(), bytes.NewReader(nil), Options{MinSize: 10, AvgSize: 5, MaxSize: 20})
	assert.Error(t, err)
}

func TestReadError(t *testing.T) {
	c, err := New(context.Background(), iotest{}, DefaultOptions())
	require.NoError(t, err)
	_, err = c.Next()
	assert.Error(t, err)
}

type iotest struct{}

func (iotest) Read(p []byte) (int, error) {
	return 0, io.ErrUnexpectedEOF
}
