// Package chunkindex maintains a durable fingerprint → location mapping
// with crash-safe updates and reference counts, authoritative over chunk
// liveness.
//
// Durability is backed by go.etcd.io/bbolt, an embedded transactional
// key-value store, giving every record update (insert, touch,
// reference-count delta) its own ACID transaction without a separate
// database process.
package chunkindex

import (
	"context"
	"encoding/binary"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/vaultfs/core/hash"
	"github.com/vaultfs/core/internal/corerr"
)

// Record is one chunk's index entry: its location metadata and
// reference count.
type Record struct {
	Fingerprint    hash.Fingerprint
	StoredSize     int64
	FirstSeenAt    time.Time
	LastAccessedAt time.Time
	ReferenceCount int64
	Suspect        bool // set by MarkSuspect after a Get integrity failure
}

var bucketRecords = []byte("records")

// Index is the ChunkIndex contract.
type Index interface {
	// Lookup returns the record for fp, or corerr.ErrNotFound.
	Lookup(ctx context.Context, fp hash.Fingerprint) (Record, error)

	// InsertIfAbsent creates a record for fp with ReferenceCount 0 if one
	// doesn't already exist. It is a no-op (not an error) if fp is already
	// present, matching ChunkStore.Put's "already present" dedup path.
	InsertIfAbsent(ctx context.Context, fp hash.Fingerprint, storedSize int64) error

	// AddReference adjusts fp's reference count by delta. MetadataStore
	// transactions call it with +1 or -1 per file-chunk edge; the
	// GarbageCollector calls it with whatever delta corrects a drifted
	// count.
	AddReference(ctx context.Context, fp hash.Fingerprint, delta int64) error

	// MarkSuspect flags fp as having failed an integrity check on read,
	// without deleting it; operator or GC decides what happens next.
	MarkSuspect(ctx context.Context, fp hash.Fingerprint) error

	// Touch bumps fp's LastAccessedAt to now, used by the mark-then-sweep
	// GC discipline to exempt chunks that were recently put or read from
	// a concurrent sweep, regardless of whether they're in the live set
	// yet.
	Touch(ctx context.Context, fp hash.Fingerprint) error

	// Enumerate calls fn once per record. Returning a non-nil error from
	// fn stops iteration and is returned from Enumerate.
	Enumerate(ctx context.Context, fn func(Record) error) error

	// RetainOnly deletes every record whose fingerprint is not in live,
	// used by GarbageCollector after it has deleted the corresponding
	// chunk bytes (the index row is removed after the bytes, never
	// before).
	RetainOnly(ctx context.Context, live hash.Set) (removed int, err error)

	Close() error
}

// BoltIndex is the bbolt-backed Index implementation.
type BoltIndex struct {
	db *bolt.DB
}

// Open opens (creating if necessary) a chunk index at path.
func Open(path string) (*BoltIndex, error) {
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, corerr.Wrap(corerr.ErrIO, "open chunk index", err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketRecords)
		return err
	})
	if err != nil {
		db.Close()
		return nil, corerr.Wrap(corerr.ErrIO, "init chunk index buckets", err)
	}
	return &BoltIndex{db: db}, nil
}

func (idx *BoltIndex) Lookup(ctx context.Context, fp hash.Fingerprint) (Record, error) {
	var rec Record
	var found bool
	err := idx.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(bucketRecords).Get(fp[:])
		if v == nil {
			return nil
		}
		found = true
		var decodeErr error
		rec, decodeErr = decodeRecord(fp, v)
		return decodeErr
	})
	if err != nil {
		return Record{}, corerr.Wrap(corerr.ErrCorrupt, "decode chunk record "+fp.String(), err)
	}
	if !found {
		return Record{}, corerr.Wrap(corerr.ErrNotFound, fp.String(), nil)
	}
	return rec, nil
}

func (idx *BoltIndex) InsertIfAbsent(ctx context.Context, fp hash.Fingerprint, storedSize int64) error {
	now := time.Now()
	return idx.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketRecords)
		if b.Get(fp[:]) != nil {
			return nil
		}
		rec := Record{
			Fingerprint:    fp,
			StoredSize:     storedSize,
			FirstSeenAt:    now,
			LastAccessedAt: now,
			ReferenceCount: 0,
		}
		return b.Put(fp[:], encodeRecord(rec))
	})
}

func (idx *BoltIndex) AddReference(ctx context.Context, fp hash.Fingerprint, delta int64) error {
	return idx.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketRecords)
		v := b.Get(fp[:])
		if v == nil {
			return corerr.Wrap(corerr.ErrNotFound, fp.String(), nil)
		}
		rec, err := decodeRecord(fp, v)
		if err != nil {
			return err
		}
		rec.ReferenceCount += delta
		if rec.ReferenceCount < 0 {
			return corerr.Wrap(corerr.ErrCorrupt, "reference count underflow for "+fp.String(), nil)
		}
		rec.LastAccessedAt = time.Now()
		return b.Put(fp[:], encodeRecord(rec))
	})
}

func (idx *BoltIndex) MarkSuspect(ctx context.Context, fp hash.Fingerprint) error {
	return idx.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketRecords)
		v := b.Get(fp[:])
		if v == nil {
			return corerr.Wrap(corerr.ErrNotFound, fp.String(), nil)
		}
		rec, err := decodeRecord(fp, v)
		if err != nil {
			return err
		}
		rec.Suspect = true
		return b.Put(fp[:], encodeRecord(rec))
	})
}

func (idx *BoltIndex) Touch(ctx context.Context, fp hash.Fingerprint) error {
	return idx.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketRecords)
		v := b.Get(fp[:])
		if v == nil {
			return corerr.Wrap(corerr.ErrNotFound, fp.String(), nil)
		}
		rec, err := decodeRecord(fp, v)
		if err != nil {
			return err
		}
		rec.LastAccessedAt = time.Now()
		return b.Put(fp[:], encodeRecord(rec))
	})
}

func (idx *BoltIndex) Enumerate(ctx context.Context, fn func(Record) error) error {
	return idx.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(bucketRecords).Cursor()
		for k, v := c.First(); k != nil; k, v = c.Next() {
			var fp hash.Fingerprint
			copy(fp[:], k)
			rec, err := decodeRecord(fp, v)
			if err != nil {
				return err
			}
			if err := fn(rec); err != nil {
				return err
			}
		}
		return nil
	})
}

func (idx *BoltIndex) RetainOnly(ctx context.Context, live hash.Set) (int, error) {
	var toDelete [][]byte
	err := idx.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(bucketRecords).Cursor()
		for k, _ := c.First(); k != nil; k, _ = c.Next() {
			var fp hash.Fingerprint
			copy(fp[:], k)
			if !live.Has(fp) {
				key := make([]byte, len(k))
				copy(key, k)
				toDelete = append(toDelete, key)
			}
		}
		return nil
	})
	if err != nil {
		return 0, corerr.Wrap(corerr.ErrIO, "scan chunk index", err)
	}

	err = idx.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketRecords)
		for _, k := range toDelete {
			if err := b.Delete(k); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return 0, corerr.Wrap(corerr.ErrIO, "delete chunk index records", err)
	}
	return len(toDelete), nil
}

func (idx *BoltIndex) Close() error {
	if err := idx.db.Close(); err != nil {
		return corerr.Wrap(corerr.ErrIO, "close chunk index", err)
	}
	return nil
}

// encodeRecord/decodeRecord use a small fixed-layout binary format rather
// than JSON: the index is on the hot path of every Put/Get and is expected
// to hold one record per chunk in the whole store.
func encodeRecord(r Record) []byte {
	buf := make([]byte, 8+8+8+8+1)
	binary.BigEndian.PutUint64(buf[0:8], uint64(r.StoredSize))
	binary.BigEndian.PutUint64(buf[8:16], uint64(r.FirstSeenAt.Unix()))
	binary.BigEndian.PutUint64(buf[16:24], uint64(r.LastAccessedAt.Unix()))
	binary.BigEndian.PutUint64(buf[24:32], uint64(r.ReferenceCount))
	if r.Suspect {
		buf[32] = 1
	}
	return buf
}

func decodeRecord(fp hash.Fingerprint, buf []byte) (Record, error) {
	if len(buf) != 33 {
		return Record{}, corerr.Wrap(corerr.ErrCorrupt, "malformed chunk record", nil)
	}
	return Record{
		Fingerprint:    fp,
		StoredSize:     int64(binary.BigEndian.Uint64(buf[0:8])),
		FirstSeenAt:    time.Unix(int64(binary.BigEndian.Uint64(buf[8:16])), 0),
		LastAccessedAt: time.Unix(int64(binary.BigEndian.Uint64(buf[16:24])), 0),
		ReferenceCount: int64(binary.BigEndian.Uint64(buf[24:32])),
		Suspect:        buf[32] == 1,
	}, nil
}

var _ Index = (*BoltIndex)(nil)
