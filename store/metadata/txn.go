package metadata

import (
	"context"
	"encoding/binary"
	"errors"
	"strconv"
	"time"

	"github.com/vmihailenco/msgpack/v5"
	bolt "go.etcd.io/bbolt"

	"github.com/vaultfs/core/hash"
	"github.com/vaultfs/core/internal/corerr"
	"github.com/vaultfs/core/internal/d"
)

type pendingFile struct {
	id              string
	path            string
	size            int64
	modifiedTime    time.Time
	fileFingerprint hash.Fingerprint
	chunks          []FileChunk
}

// boltTxn accumulates a snapshot's rows in memory; nothing is visible in
// the store until Commit, which writes everything in one bolt.Update.
type boltTxn struct {
	store *BoltStore

	id          string
	name        string
	description string
	named       bool

	files     map[string]*pendingFile
	fileOrder []string
	paths     map[string]bool

	done bool
}

func (t *boltTxn) CreateSnapshot(name, description string) error {
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

func (t *boltTxn) AddFile(path string, size int64, modifiedTime time.Time, fileFingerprint hash.Fingerprint) (string, error) {
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

func (t *boltTxn) AddFileChunk(fileID string, order int, fp hash.Fingerprint, size int64) error {
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

func (t *boltTxn) Commit(ctx context.Context) (string, error) {
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

	snap := Snapshot{
		ID:          t.id,
		Name:        t.name,
		CreatedAt:   time.Now(),
		Description: t.description,
		TotalFiles:  totalFiles,
		TotalSize:   totalSize,
	}

	err := t.store.db.Update(func(tx *bolt.Tx) error {
		names := tx.Bucket(bucketSnapshotNames)
		if names.Get([]byte(t.name)) != nil {
			return corerr.Wrap(corerr.ErrConflict, "snapshot name already exists: "+t.name, nil)
		}

		snapBytes, err := msgpack.Marshal(&snap)
		if err != nil {
			return err
		}
		if err := tx.Bucket(bucketSnapshots).Put([]byte(t.id), snapBytes); err != nil {
			return err
		}
		if err := names.Put([]byte(t.name), []byte(t.id)); err != nil {
			return err
		}

		files := tx.Bucket(bucketFiles)
		sf := tx.Bucket(bucketSnapshotFiles)
		paths := tx.Bucket(bucketPaths)
		fc := tx.Bucket(bucketFileChunks)

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
			frBytes, err := msgpack.Marshal(&fr)
			if err != nil {
				return err
			}
			if err := files.Put([]byte(pf.id), frBytes); err != nil {
				return err
			}
			if err := sf.Put(append(append([]byte(t.id), sep), []byte(pf.id)...), []byte{}); err != nil {
				return err
			}
			if err := paths.Put(pathKey(t.id, pf.path), []byte(pf.id)); err != nil {
				return err
			}
			for _, c := range pf.chunks {
				val := make([]byte, 32+8)
				copy(val[:32], c.ChunkFingerprint[:])
				binary.BigEndian.PutUint64(val[32:], uint64(c.ChunkSize))
				if err := fc.Put(fileChunkKey(pf.id, c.Order), val); err != nil {
					return err
				}
			}
		}
		return nil
	})
	if err != nil {
		return "", err
	}

	// The metadata commit above is the single authority on what's "live";
	// these reference-count increments are a second, separate durable
	// write (the index is its own bbolt file). A crash between the two is
	// survivable: GarbageCollector recomputes the live set straight from
	// file_chunks and corrects any index drift before sweeping.
	for _, e := range edges {
		err := t.store.idx.AddReference(ctx, e.ChunkFingerprint, 1)
		// An edge naming a chunk with no index record (never stored through
		// ChunkStore.Put, or its record lost) gets no increment; its rows
		// above are already committed. Any other failure is unreachable
		// except under index corruption.
		if errors.Is(err, corerr.ErrNotFound) {
			continue
		}
		d.PanicIfError(err)
	}

	t.done = true
	return t.id, nil
}

func (t *boltTxn) Abort(ctx context.Context) error {
	t.done = true
	return nil
}
