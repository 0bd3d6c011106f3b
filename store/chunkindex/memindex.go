package chunkindex

import (
	"context"
	"sync"
	"time"

	"github.com/vaultfs/core/hash"
	"github.com/vaultfs/core/internal/corerr"
)

// MemIndex is an in-memory Index for tests.
type MemIndex struct {
	mu      sync.Mutex
	records map[hash.Fingerprint]Record
}

// NewMemIndex returns an empty in-memory index.
func NewMemIndex() *MemIndex {
	return &MemIndex{records: make(map[hash.Fingerprint]Record)}
}

func (m *MemIndex) Lookup(ctx context.Context, fp hash.Fingerprint) (Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.records[fp]
	if !ok {
		return Record{}, corerr.Wrap(corerr.ErrNotFound, fp.String(), nil)
	}
	return rec, nil
}

func (m *MemIndex) InsertIfAbsent(ctx context.Context, fp hash.Fingerprint, storedSize int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.records[fp]; ok {
		return nil
	}
	now := time.Now()
	m.records[fp] = Record{Fingerprint: fp, StoredSize: storedSize, FirstSeenAt: now, LastAccessedAt: now}
	return nil
}

func (m *MemIndex) AddReference(ctx context.Context, fp hash.Fingerprint, delta int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.records[fp]
	if !ok {
		return corerr.Wrap(corerr.ErrNotFound, fp.String(), nil)
	}
	rec.ReferenceCount += delta
	if rec.ReferenceCount < 0 {
		return corerr.Wrap(corerr.ErrCorrupt, "reference count underflow for "+fp.String(), nil)
	}
	rec.LastAccessedAt = time.Now()
	m.records[fp] = rec
	return nil
}

func (m *MemIndex) MarkSuspect(ctx context.Context, fp hash.Fingerprint) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.records[fp]
	if !ok {
		return corerr.Wrap(corerr.ErrNotFound, fp.String(), nil)
	}
	rec.Suspect = true
	m.records[fp] = rec
	return nil
}

func (m *MemIndex) Touch(ctx context.Context, fp hash.Fingerprint) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.records[fp]
	if !ok {
		return corerr.Wrap(corerr.ErrNotFound, fp.String(), nil)
	}
	rec.LastAccessedAt = time.Now()
	m.records[fp] = rec
	return nil
}

func (m *MemIndex) Enumerate(ctx context.Context, fn func(Record) error) error {
	m.mu.Lock()
	recs := make([]Record, 0, len(m.records))
	for _, r := range m.records {
		recs = append(recs, r)
	}
	m.mu.Unlock()
	for _, r := range recs {
		if err := fn(r); err != nil {
			return err
		}
	}
	return nil
}

func (m *MemIndex) RetainOnly(ctx context.Context, live hash.Set) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	removed := 0
	for fp := range m.records {
		if !live.Has(fp) {
			delete(m.records, fp)
			removed++
		}
	}
	return removed, nil
}

func (m *MemIndex) Close() error { return nil }

var _ Index = (*MemIndex)(nil)
