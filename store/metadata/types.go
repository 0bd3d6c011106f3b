// Package metadata is a transactional index of snapshots, file entries,
// and file→chunk sequences.
//
// Row payloads are encoded with github.com/vmihailenco/msgpack/v5 over a
// go.etcd.io/bbolt-backed key space, the same durable-KV engine the
// ChunkIndex (store/chunkindex) uses, so both durable stores in this
// module share one storage engine.
package metadata

import (
	"time"

	"github.com/vaultfs/core/hash"
)

// Snapshot is one completed backup run.
type Snapshot struct {
	ID          string
	Name        string
	CreatedAt   time.Time
	Description string
	TotalFiles  int64
	TotalSize   int64
}

// FileRecord is one file as it existed at backup time within a snapshot.
type FileRecord struct {
	ID              string
	SnapshotID      string
	Path            string
	Size            int64
	ModifiedTime    time.Time
	FileFingerprint hash.Fingerprint
}

// FileChunk is one ordered file-to-chunk edge.
type FileChunk struct {
	FileID           string
	Order            int
	ChunkFingerprint hash.Fingerprint
	ChunkSize        int64
}

// Stats is the MetadataStore.Stats() result.
type Stats struct {
	SnapshotCount   int64
	FileCount       int64
	ChunkRefCount   int64
	TotalChunkBytes int64
	PerSnapshot     map[string]SnapshotStats
}

// SnapshotStats is the per-snapshot breakdown within Stats.PerSnapshot.
type SnapshotStats struct {
	FileCount int64
	TotalSize int64
}
