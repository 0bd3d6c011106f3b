package metadata

import (
	"context"
	"time"

	"github.com/vaultfs/core/hash"
)

// Txn is a pending snapshot commit: the snapshot header plus its file rows
// and file-chunk edges accumulate here and become visible atomically on
// Commit.
type Txn interface {
	// CreateSnapshot sets the snapshot's name and optional description.
	// Must be called exactly once, before any AddFile call.
	CreateSnapshot(name, description string) error

	// AddFile stages a file row and returns the file id to use in
	// subsequent AddFileChunk calls for it.
	AddFile(path string, size int64, modifiedTime time.Time, fileFingerprint hash.Fingerprint) (fileID string, err error)

	// AddFileChunk stages one ordered edge. order must be the next
	// integer after the last one added for fileID, starting at 0; the
	// sequence must stay gap-free.
	AddFileChunk(fileID string, order int, fp hash.Fingerprint, size int64) error

	// Commit writes the snapshot row, all file rows and all file_chunk
	// edges in one atomic step, then applies the chunk reference-count
	// deltas (+1 per edge) to the ChunkIndex as a separate write, and
	// returns the new snapshot id. A crash between the two writes leaves
	// reference-count drift that GarbageCollector corrects. Fails with
	// corerr.ErrConflict if the snapshot name is already taken; duplicate
	// paths within one transaction are rejected earlier, by AddFile.
	Commit(ctx context.Context) (snapshotID string, err error)

	// Abort discards all staged state. Already-stored chunk bytes in the
	// ChunkStore are left untouched.
	Abort(ctx context.Context) error
}

// Store is the MetadataStore contract.
type Store interface {
	Begin(ctx context.Context) (Txn, error)

	GetSnapshot(ctx context.Context, id string) (Snapshot, error)
	ListSnapshots(ctx context.Context) ([]Snapshot, error)
	// DeleteSnapshot removes the snapshot and its file rows/edges
	// atomically, decrementing the chunk index reference count once per
	// edge.
	DeleteSnapshot(ctx context.Context, id string) error

	FilesInSnapshot(ctx context.Context, snapshotID string) ([]FileRecord, error)
	// FileChunks returns the ordered (0..n-1, gap-free) edges for fileID.
	FileChunks(ctx context.Context, fileID string) ([]FileChunk, error)

	// SearchFiles matches query as a substring or prefix against file
	// paths. snapshotID == "" searches globally.
	SearchFiles(ctx context.Context, snapshotID, query string) ([]FileRecord, error)

	Stats(ctx context.Context) (Stats, error)

	Close() error
}
