package metadata

import (
	"context"
	"errors"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/vaultfs/core/hash"
	"github.com/vaultfs/core/internal/corerr"
	"github.com/vaultfs/core/internal/d"
	"github.com/vaultfs/core/store/chunkindex"
)

// MemStore is an in-memory Store for tests, mirroring BoltStore's
// semantics (atomic commit, name/path uniqueness, post-commit refcount
// deltas) without touching disk.
type MemStore struct {
	mu  sync.Mutex
	idx chunkindex.Index

	snapshots map[string]Snapshot
	names     map[string]string // name -> snapshot id
	files     map[string]FileRecord
	snapFiles map[string][]string // snapshot id -> ordered file ids
	chunks    map[string][]FileChunk
	paths     map[string]string // snapshotID+"\x00"+path -> file id
}

// NewMemStore returns an empty in-memory store wired to idx.
func NewMemStore(idx chunkindex.Index) *MemStore {
	return &MemStore{
		idx:       idx,
		snapshots: map[string]Snapshot{},
		names:     map[string]string{},
		files:     map[string]FileRecord{},
		snapFiles: map[string][]string{},
		chunks:    map[string][]FileChunk{},
		paths:     map[string]string{},
	}
}

func (s *MemStore) Begin(ctx context.Context) (Txn, error) {
	return &memTxn{store: s, id: uuid.New().String()}, nil
}

func (s *MemStore) GetSnapshot(ctx context.Context, id string) (Snapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	snap, ok := s.snapshots[id]
	if !ok {
		return Snapshot{}, corerr.Wrap(corerr.ErrNotFound, id, nil)
	}
	return snap, nil
}

func (s *MemStore) ListSnapshots(ctx context.Context) ([]Snapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Snapshot, 0, len(s.snapshots))
	for _, snap := range s.snapshots {
		out = append(out, snap)
	}
	return out, nil
}

func (s *MemStore) DeleteSnapshot(ctx context.Context, id string) error {
	s.mu.Lock()
	snap, ok := s.snapshots[id]
	if !ok {
		s.mu.Unlock()
		return corerr.Wrap(corerr.ErrNotFound, id, nil)
	}

	var edges []FileChunk
	for _, fileID := range s.snapFiles[id] {
		edges = append(edges, s.chunks[fileID]...)
		delete(s.chunks, fileID)
		if fr, ok := s.files[fileID]; ok {
			delete(s.paths, pathMemKey(id, fr.Path))
		}
		delete(s.files, fileID)
	}
	delete(s.snapFiles, id)
	delete(s.names, snap.Name)
	delete(s.snapshots, id)
	s.mu.Unlock()

	for _, e := range edges {
		if err := s.idx.AddReference(ctx, e.ChunkFingerprint, -1); err != nil {
			return corerr.Wrap(corerr.ErrIO, "decrement chunk reference on delete", err)
		}
	}
	return nil
}

func (s *MemStore) FilesInSnapshot(ctx context.Context, snapshotID string) ([]FileRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.snapshots[snapshotID]; !ok {
		return nil, corerr.Wrap(corerr.ErrNotFound, snapshotID, nil)
	}
	var out []FileRecord
	for _, fileID := range s.snapFiles[snapshotID] {
		out = append(out, s.files[fileID])
	}
	return out, nil
}

func (s *MemStore) FileChunks(ctx context.Context, fileID string) ([]FileChunk, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]FileChunk, len(s.chunks[fileID]))
	copy(out, s.chunks[fileID])
	return out, nil
}

func (s *MemStore) SearchFiles(ctx context.Context, snapshotID, query string) ([]FileRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []FileRecord
	if snapshotID != "" {
		for _, fileID := range s.snapFiles[snapshotID] {
			fr := s.files[fileID]
			if strings.Contains(fr.Path, query) {
				out = append(out, fr)
			}
		}
		return out, nil
	}
	for _, fr := range s.files {
		if strings.Contains(fr.Path, query) {
			out = append(out, fr)
		}
	}
	return out, nil
}

func (s *MemStore) Stats(ctx context.Context) (Stats, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := Stats{PerSnapshot: map[string]SnapshotStats{}}
	for id, snap := range s.snapshots {
		st.SnapshotCount++
		st.PerSnapshot[id] = SnapshotStats{FileCount: snap.TotalFiles, TotalSize: snap.TotalSize}
	}
	st.FileCount = int64(len(s.files))
	for _, edges := range s.chunks {
		for _, e := range edges {
			st.ChunkRefCount++
			st.TotalChunkBytes += e.ChunkSize
		}
	}
	return st, nil
}

func (s *MemStore) Close() error { return nil }

func pathMemKey(snapshotID, path string) string {
	return snapshotID + "\x00" + path
}

var _ Store = (*MemStore)(nil)

// memTxn is the in-memory Txn counterpart to boltTxn; it stages into the
// same pendingFile shape and applies the whole batch under one lock on
// Commit.
type memTxn struct {
	store *MemStore

	id          string
	name        string
	description string
	named       bool

	files     map[string]*pendingFile
	fileOrder []string
	paths     map[string]bool

	done bool
}

func (t *memTxn) CreateSnapshot(name, description string) error {
	if t.done {
		return corerr.Wrap(corerr.ErrInvalidInput, "transaction already committed or aborted", nil)
	}
	if name == "" {
		return corerr.Wrap(corerr.ErrInvalidInput, "snapshot name must not be empty", nil)
	}
	t.name = name
	t.description = description
	t.named = true
	return nil
}

func (t *memTxn) AddFile(path string, size int64, modifiedTime time.Time, fileFingerprint hash.Fingerprint) (string, error) {
	if t.done {
		return "", corerr.Wrap(corerr.ErrInvalidInput, "transaction already committed or aborted", nil)
	}
	if t.files == nil {
		t.files = map[string]*pendingFile{}
		t.paths = map[string]bool{}
	}
	if t.paths[path] {
		return "", corerr.Wrap(corerr.ErrConflict, "duplicate path in snapshot: "+path, nil)
	}
	fileID := t.id + "/" + strconv.Itoa(len(t.fileOrder))
	t.paths[path] = true
	t.files[fileID] = &pendingFile{
		id:              fileID,
		path:            path,
		size:            size,
		modifiedTime:    modifiedTime,
		fileFingerprint: fileFingerprint,
	}
	t.fileOrder = append(t.fileOrder, fileID)
	return fileID, nil
}

func (t *memTxn) AddFileChunk(fileID string, order int, fp hash.Fingerprint, size int64) error {
	if t.done {
		return corerr.Wrap(corerr.ErrInvalidInput, "transaction already committed or aborted", nil)
	}
	pf, ok := t.files[fileID]
	if !ok {
		return corerr.Wrap(corerr.ErrInvalidInput, "unknown file id "+fileID, nil)
	}
	if order != len(pf.chunks) {
		return corerr.Wrap(corerr.ErrInvalidInput, "file_chunk order must be dense and gap-free", nil)
	}
	pf.chunks = append(pf.chunks, FileChunk{FileID: fileID, Order: order, ChunkFingerprint: fp, ChunkSize: size})
	return nil
}

func (t *memTxn) Commit(ctx context.Context) (string, error) {
	if t.done {
		return "", corerr.Wrap(corerr.ErrInvalidInput, "transaction already committed or aborted", nil)
	}
	if !t.named {
		return "", corerr.Wrap(corerr.ErrInvalidInput, "CreateSnapshot must be called before Commit", nil)
	}

	var totalFiles, totalSize int64
	var edges []FileChunk
	for _, fileID := range t.fileOrder {
		pf := t.files[fileID]
		var sum int64
		for _, c := range pf.chunks {
			sum += c.ChunkSize
		}
		if sum != pf.size {
			return "", corerr.Wrapf(corerr.ErrInvalidInput, nil, "file %s: chunk sizes sum to %d, want %d", pf.path, sum, pf.size)
		}
		totalFiles++
		totalSize += pf.size
		edges = append(edges, pf.chunks...)
	}

	s := t.store
	s.mu.Lock()
	if _, exists := s.names[t.name]; exists {
		s.mu.Unlock()
		return "", corerr.Wrap(corerr.ErrConflict, "snapshot name already exists: "+t.name, nil)
	}

	s.snapshots[t.id] = Snapshot{
		ID:          t.id,
		Name:        t.name,
		CreatedAt:   time.Now(),
		Description: t.description,
		TotalFiles:  totalFiles,
		TotalSize:   totalSize,
	}
	s.names[t.name] = t.id

	var order []string
	for _, fileID := range t.fileOrder {
		pf := t.files[fileID]
		fr := FileRecord{
			ID:              pf.id,
			SnapshotID:      t.id,
			Path:            pf.path,
			Size:            pf.size,
			ModifiedTime:    pf.modifiedTime,
			FileFingerprint: pf.fileFingerprint,
		}
		s.files[pf.id] = fr
		order = append(order, pf.id)
		s.paths[pathMemKey(t.id, pf.path)] = pf.id
		chunks := make([]FileChunk, len(pf.chunks))
		copy(chunks, pf.chunks)
		s.chunks[pf.id] = chunks
	}
	s.snapFiles[t.id] = order
	s.mu.Unlock()

	for _, e := range edges {
		err := s.idx.AddReference(ctx, e.ChunkFingerprint, 1)
		// Same as boltTxn: an edge to a chunk with no index record gets no
		// increment.
		if errors.Is(err, corerr.ErrNotFound) {
			continue
		}
		d.PanicIfError(err)
	}

	t.done = true
	return t.id, nil
}

func (t *memTxn) Abort(ctx context.Context) error {
	t.done = true
	return nil
}

var _ Txn = (*memTxn)(nil)
