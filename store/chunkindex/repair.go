package chunkindex

import (
	"context"

	"github.com/vaultfs/core/hash"
	"github.com/vaultfs/core/internal/corerr"
)

// ChunkLister is the subset of chunkstore.Store Repair needs; declared
// locally so this package doesn't import chunkstore (chunkstore already
// imports chunkindex for Put's index-record write, and Go forbids the
// cycle that importing back would create).
type ChunkLister interface {
	IterFingerprints(ctx context.Context, fn func(hash.Fingerprint) error) error
}

// Repair rebuilds idx from scratch by scanning every chunk store lets it
// see, the operator-driven recovery path for an index corruption that
// otherwise has no automatic fix. Rebuilt records start at
// ReferenceCount 0; the caller is expected to follow Repair with whatever
// reference recount the MetadataStore can perform from its file_chunks
// rows, since the index alone cannot know which fingerprints are actually
// referenced.
func Repair(ctx context.Context, store ChunkLister, idx Index) (scanned int, err error) {
	err = store.IterFingerprints(ctx, func(fp hash.Fingerprint) error {
		scanned++
		return idx.InsertIfAbsent(ctx, fp, 0)
	})
	if err != nil {
		return scanned, corerr.Wrap(corerr.ErrIO, "repair chunk index", err)
	}
	return scanned, nil
}
