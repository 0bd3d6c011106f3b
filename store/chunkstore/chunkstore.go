// Package chunkstore is a deduplicating, integrity-verified,
// garbage-collectable chunk repository.
//
// Chunks are laid out one file per fingerprint (bup/camlistore-style)
// rather than packed into larger table files, since per-chunk eviction
// needs to delete exactly one chunk's bytes without rewriting anything
// else. A new chunk becomes visible by writing to a temp file and
// renaming into place, so a reader never observes a partially written
// chunk.
package chunkstore

import (
	"context"
	"fmt"
	"io"

	"github.com/dustin/go-humanize"

	"github.com/vaultfs/core/hash"
)

// Stats summarizes the chunk repository's current state. Orphans counts
// chunk files present with no index record, the recoverable leftover of a
// crash between writing bytes and writing the index row.
type Stats struct {
	Count      int64
	TotalBytes int64
	LastGCAt   int64 // unix seconds, 0 if GC has never run
	Orphans    int64
}

// String renders Stats for logging, e.g. "1,204 chunks, 3.2 GB".
func (s Stats) String() string {
	return fmt.Sprintf("%s chunks, %s", humanize.Comma(s.Count), humanize.Bytes(uint64(s.TotalBytes)))
}

// Store is the ChunkStore contract.
type Store interface {
	// Put computes fp's fingerprint, deduplicating against existing
	// content, and returns it. Input must be non-empty.
	Put(ctx context.Context, data []byte) (hash.Fingerprint, error)

	// Get returns the bytes for fp, verifying them against fp before
	// returning. A hash mismatch returns corerr.ErrIntegrity.
	Get(ctx context.Context, fp hash.Fingerprint) ([]byte, error)

	// Contains reports whether fp is present, without reading its bytes.
	Contains(ctx context.Context, fp hash.Fingerprint) (bool, error)

	// IterFingerprints calls fn once per stored fingerprint. Returning a
	// non-nil error from fn stops iteration and is returned from
	// IterFingerprints.
	IterFingerprints(ctx context.Context, fn func(hash.Fingerprint) error) error

	// GarbageCollect deletes every stored chunk whose fingerprint is not
	// in live, returning the count removed.
	GarbageCollect(ctx context.Context, live hash.Set) (removed int, err error)

	Stats(ctx context.Context) (Stats, error)

	io.Closer
}
