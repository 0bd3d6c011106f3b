package chunkstore

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/vaultfs/core/hash"
	"github.com/vaultfs/core/internal/corerr"
	"github.com/vaultfs/core/store/chunkindex"
)

// MemStore is an in-memory Store, used by tests and by collaborators that
// want a ChunkStore without touching the filesystem.
type MemStore struct {
	mu       sync.RWMutex
	idx      chunkindex.Index
	codec    Codec
	chunks   map[hash.Fingerprint][]byte
	lastGC   time.Time
	hasGCRun bool
}

// NewMemStore returns an empty in-memory store wired to idx. A nil codec
// stores chunk bytes as-is; pass SnappyCodec{} to compress them at rest.
func NewMemStore(idx chunkindex.Index, codec Codec) *MemStore {
	return &MemStore{idx: idx, codec: codecOrIdentity(codec), chunks: make(map[hash.Fingerprint][]byte)}
}

func (m *MemStore) Put(ctx context.Context, data []byte) (hash.Fingerprint, error) {
	if len(data) == 0 {
		return hash.Fingerprint{}, corerr.Wrap(corerr.ErrInvalidInput, "put requires non-empty bytes", nil)
	}
	fp := hash.Of(data)
	encoded := m.codec.Encode(data)
	m.mu.Lock()
	if _, ok := m.chunks[fp]; !ok {
		cp := make([]byte, len(encoded))
		copy(cp, encoded)
		m.chunks[fp] = cp
	}
	m.mu.Unlock()
	if err := m.idx.InsertIfAbsent(ctx, fp, int64(len(encoded))); err != nil {
		return hash.Fingerprint{}, corerr.Wrap(corerr.ErrIO, "insert chunk index record", err)
	}
	if err := m.idx.Touch(ctx, fp); err != nil {
		return hash.Fingerprint{}, corerr.Wrap(corerr.ErrIO, "touch chunk index record", err)
	}
	return fp, nil
}

func (m *MemStore) Get(ctx context.Context, fp hash.Fingerprint) ([]byte, error) {
	m.mu.RLock()
	raw, ok := m.chunks[fp]
	m.mu.RUnlock()
	if !ok {
		return nil, corerr.Wrap(corerr.ErrNotFound, fp.String(), nil)
	}
	data, err := m.codec.Decode(raw)
	if err != nil {
		_ = m.idx.MarkSuspect(ctx, fp)
		return nil, err
	}
	if got := hash.Of(data); got != fp {
		_ = m.idx.MarkSuspect(ctx, fp)
		return nil, corerr.Wrap(corerr.ErrIntegrity, fp.String(), nil)
	}
	// A Touch failure (e.g. an orphan chunk with no index record) doesn't
	// block the read: the bytes are valid, only the GC bookkeeping is
	// stale, matching FSStore's tolerance of the same condition.
	_ = m.idx.Touch(ctx, fp)
	out := make([]byte, len(data))
	copy(out, data)
	return out, nil
}

func (m *MemStore) Contains(ctx context.Context, fp hash.Fingerprint) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.chunks[fp]
	return ok, nil
}

func (m *MemStore) IterFingerprints(ctx context.Context, fn func(hash.Fingerprint) error) error {
	m.mu.RLock()
	fps := make([]hash.Fingerprint, 0, len(m.chunks))
	for fp := range m.chunks {
		fps = append(fps, fp)
	}
	m.mu.RUnlock()
	for _, fp := range fps {
		if err := fn(fp); err != nil {
			return err
		}
	}
	return nil
}

func (m *MemStore) GarbageCollect(ctx context.Context, live hash.Set) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	removed := 0
	for fp := range m.chunks {
		if !live.Has(fp) {
			delete(m.chunks, fp)
			removed++
		}
	}
	m.lastGC = time.Now()
	m.hasGCRun = true
	return removed, nil
}

func (m *MemStore) Stats(ctx context.Context) (Stats, error) {
	m.mu.RLock()
	fps := make([]hash.Fingerprint, 0, len(m.chunks))
	st := Stats{Count: int64(len(m.chunks))}
	for fp, data := range m.chunks {
		st.TotalBytes += int64(len(data))
		fps = append(fps, fp)
	}
	if m.hasGCRun {
		st.LastGCAt = m.lastGC.Unix()
	}
	m.mu.RUnlock()

	for _, fp := range fps {
		if _, err := m.idx.Lookup(ctx, fp); errors.Is(err, corerr.ErrNotFound) {
			st.Orphans++
		}
	}
	return st, nil
}

func (m *MemStore) Close() error { return nil }

// CorruptForTest overwrites the stored bytes for fp without changing the
// key it's stored under, letting tests exercise the IntegrityError path
// without touching a real filesystem.
func (m *MemStore) CorruptForTest(fp hash.Fingerprint) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if data, ok := m.chunks[fp]; ok && len(data) > 0 {
		corrupted := make([]byte, len(data))
		copy(corrupted, data)
		corrupted[0] ^= 0xFF
		m.chunks[fp] = corrupted
	}
}

var _ Store = (*MemStore)(nil)
var _ Store = (*FSStore)(nil)
