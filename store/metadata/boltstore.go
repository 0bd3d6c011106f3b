package metadata

import (
	"bytes"
	"context"
	"encoding/binary"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/vmihailenco/msgpack/v5"
	bolt "go.etcd.io/bbolt"

	"github.com/vaultfs/core/hash"
	"github.com/vaultfs/core/internal/corerr"
	"github.com/vaultfs/core/store/chunkindex"
)

var (
	bucketSnapshots     = []byte("snapshots")
	bucketSnapshotNames = []byte("snapshot_names")
	bucketFiles         = []byte("files")
	bucketSnapshotFiles = []byte("snapshot_files")
	bucketFileChunks    = []byte("file_chunks")
	bucketPaths         = []byte("paths")
)

// sep terminates variable-length id/path components inside compound keys.
// Ids and paths never contain a NUL, so "a/1" can't collide with the "a/10"
// key space the way a bare concatenation would.
const sep = byte(0)

// BoltStore is the bbolt-backed Store implementation.
type BoltStore struct {
	db  *bolt.DB
	idx chunkindex.Index
}

// Open opens (creating if necessary) a metadata store at path, wired to
// idx for the reference-count deltas a commit/delete applies.
func Open(path string, idx chunkindex.Index) (*BoltStore, error) {
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, corerr.Wrap(corerr.ErrIO, "open metadata store", err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		for _, b := range [][]byte{bucketSnapshots, bucketSnapshotNames, bucketFiles, bucketSnapshotFiles, bucketFileChunks, bucketPaths} {
			if _, err := tx.CreateBucketIfNotExists(b); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, corerr.Wrap(corerr.ErrIO, "init metadata buckets", err)
	}
	return &BoltStore{db: db, idx: idx}, nil
}

func (s *BoltStore) Begin(ctx context.Context) (Txn, error) {
	return &boltTxn{store: s, id: uuid.New().String()}, nil
}

func (s *BoltStore) GetSnapshot(ctx context.Context, id string) (Snapshot, error) {
	var snap Snapshot
	var found bool
	err := s.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(bucketSnapshots).Get([]byte(id))
		if v == nil {
			return nil
		}
		found = true
		return msgpack.Unmarshal(v, &snap)
	})
	if err != nil {
		return Snapshot{}, corerr.Wrap(corerr.ErrCorrupt, "decode snapshot "+id, err)
	}
	if !found {
		return Snapshot{}, corerr.Wrap(corerr.ErrNotFound, id, nil)
	}
	return snap, nil
}

func (s *BoltStore) ListSnapshots(ctx context.Context) ([]Snapshot, error) {
	var out []Snapshot
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketSnapshots).ForEach(func(k, v []byte) error {
			var snap Snapshot
			if err := msgpack.Unmarshal(v, &snap); err != nil {
				return err
			}
			out = append(out, snap)
			return nil
		})
	})
	if err != nil {
		return nil, corerr.Wrap(corerr.ErrCorrupt, "decode snapshots", err)
	}
	return out, nil
}

func (s *BoltStore) DeleteSnapshot(ctx context.Context, id string) error {
	var edges []FileChunk

	err := s.db.Update(func(tx *bolt.Tx) error {
		snaps := tx.Bucket(bucketSnapshots)
		v := snaps.Get([]byte(id))
		if v == nil {
			return corerr.Wrap(corerr.ErrNotFound, id, nil)
		}
		var snap Snapshot
		if err := msgpack.Unmarshal(v, &snap); err != nil {
			return err
		}

		var fileIDs []string
		sf := tx.Bucket(bucketSnapshotFiles)
		prefix := append([]byte(id), sep)
		c := sf.Cursor()
		for k, _ := c.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, _ = c.Next() {
			fileIDs = append(fileIDs, string(k[len(prefix):]))
			if err := c.Delete(); err != nil {
				return err
			}
		}

		fc := tx.Bucket(bucketFileChunks)
		files := tx.Bucket(bucketFiles)
		paths := tx.Bucket(bucketPaths)
		for _, fileID := range fileIDs {
			fcPrefix := append([]byte(fileID), sep)
			fcc := fc.Cursor()
			for k, v := fcc.Seek(fcPrefix); k != nil && bytes.HasPrefix(k, fcPrefix); k, v = fcc.Next() {
				edges = append(edges, decodeFileChunk(fileID, k[len(fcPrefix):], v))
				if err := fcc.Delete(); err != nil {
					return err
				}
			}

			if v := files.Get([]byte(fileID)); v != nil {
				var fr FileRecord
				if err := msgpack.Unmarshal(v, &fr); err != nil {
					return err
				}
				if err := paths.Delete(pathKey(id, fr.Path)); err != nil {
					return err
				}
			}
			if err := files.Delete([]byte(fileID)); err != nil {
				return err
			}
		}

		if err := tx.Bucket(bucketSnapshotNames).Delete([]byte(snap.Name)); err != nil {
			return err
		}
		return snaps.Delete([]byte(id))
	})
	if err != nil {
		return err
	}

	for _, e := range edges {
		if err := s.idx.AddReference(ctx, e.ChunkFingerprint, -1); err != nil {
			return corerr.Wrap(corerr.ErrIO, "decrement chunk reference on delete", err)
		}
	}
	return nil
}

func (s *BoltStore) FilesInSnapshot(ctx context.Context, snapshotID string) ([]FileRecord, error) {
	var out []FileRecord
	err := s.db.View(func(tx *bolt.Tx) error {
		if tx.Bucket(bucketSnapshots).Get([]byte(snapshotID)) == nil {
			return corerr.Wrap(corerr.ErrNotFound, snapshotID, nil)
		}
		sf := tx.Bucket(bucketSnapshotFiles)
		files := tx.Bucket(bucketFiles)
		prefix := append([]byte(snapshotID), sep)
		c := sf.Cursor()
		for k, _ := c.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, _ = c.Next() {
			v := files.Get(k[len(prefix):])
			if v == nil {
				continue
			}
			var fr FileRecord
			if err := msgpack.Unmarshal(v, &fr); err != nil {
				return err
			}
			out = append(out, fr)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (s *BoltStore) FileChunks(ctx context.Context, fileID string) ([]FileChunk, error) {
	var out []FileChunk
	err := s.db.View(func(tx *bolt.Tx) error {
		prefix := append([]byte(fileID), sep)
		c := tx.Bucket(bucketFileChunks).Cursor()
		for k, v := c.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, v = c.Next() {
			out = append(out, decodeFileChunk(fileID, k[len(prefix):], v))
		}
		return nil
	})
	return out, err
}

func (s *BoltStore) SearchFiles(ctx context.Context, snapshotID, query string) ([]FileRecord, error) {
	var out []FileRecord
	err := s.db.View(func(tx *bolt.Tx) error {
		files := tx.Bucket(bucketFiles)
		if snapshotID != "" {
			// The paths bucket is keyed snapshot␀path, so one Seek lands on
			// the snapshot's ordered path range and each key carries the
			// path to match against without decoding the file row first.
			paths := tx.Bucket(bucketPaths)
			prefix := append([]byte(snapshotID), sep)
			c := paths.Cursor()
			for k, fileID := c.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, fileID = c.Next() {
				if !strings.Contains(string(k[len(prefix):]), query) {
					continue
				}
				v := files.Get(fileID)
				if v == nil {
					continue
				}
				var fr FileRecord
				if err := msgpack.Unmarshal(v, &fr); err != nil {
					return err
				}
				out = append(out, fr)
			}
			return nil
		}
		return files.ForEach(func(_, v []byte) error {
			var fr FileRecord
			if err := msgpack.Unmarshal(v, &fr); err != nil {
				return err
			}
			if strings.Contains(fr.Path, query) {
				out = append(out, fr)
			}
			return nil
		})
	})
	return out, err
}

func (s *BoltStore) Stats(ctx context.Context) (Stats, error) {
	var st Stats
	st.PerSnapshot = map[string]SnapshotStats{}
	err := s.db.View(func(tx *bolt.Tx) error {
		if err := tx.Bucket(bucketSnapshots).ForEach(func(k, v []byte) error {
			st.SnapshotCount++
			var snap Snapshot
			if err := msgpack.Unmarshal(v, &snap); err != nil {
				return err
			}
			st.PerSnapshot[string(k)] = SnapshotStats{FileCount: snap.TotalFiles, TotalSize: snap.TotalSize}
			return nil
		}); err != nil {
			return err
		}
		if err := tx.Bucket(bucketFiles).ForEach(func(_, _ []byte) error {
			st.FileCount++
			return nil
		}); err != nil {
			return err
		}
		return tx.Bucket(bucketFileChunks).ForEach(func(_, v []byte) error {
			st.ChunkRefCount++
			st.TotalChunkBytes += int64(binary.BigEndian.Uint64(v[32:40]))
			return nil
		})
	})
	if err != nil {
		return Stats{}, err
	}
	return st, nil
}

func (s *BoltStore) Close() error {
	if err := s.db.Close(); err != nil {
		return corerr.Wrap(corerr.ErrIO, "close metadata store", err)
	}
	return nil
}

// fileChunkKey is fileID␀order. The NUL keeps one file's edge range from
// bleeding into another's under a cursor prefix scan; the big-endian order
// suffix makes the scan yield edges already sorted 0..n-1.
func fileChunkKey(fileID string, order int) []byte {
	key := make([]byte, len(fileID)+1+4)
	copy(key, fileID)
	key[len(fileID)] = sep
	binary.BigEndian.PutUint32(key[len(fileID)+1:], uint32(order))
	return key
}

func decodeFileChunk(fileID string, orderBytes, val []byte) FileChunk {
	var fp hash.Fingerprint
	copy(fp[:], val[:32])
	return FileChunk{
		FileID:           fileID,
		Order:            int(binary.BigEndian.Uint32(orderBytes)),
		ChunkFingerprint: fp,
		ChunkSize:        int64(binary.BigEndian.Uint64(val[32:40])),
	}
}

func pathKey(snapshotID, path string) []byte {
	key := make([]byte, 0, len(snapshotID)+1+len(path))
	key = append(key, []byte(snapshotID)...)
	key = append(key, sep)
	key = append(key, []byte(path)...)
	return key
}

var _ Store = (*BoltStore)(nil)
