// Package engine wires the core components into one persistent-storage
// layout, giving callers a single constructor instead of assembling
// ChunkIndex/ChunkStore/MetadataStore by hand. It's also the
// one place a default at-rest codec is chosen rather than left to the
// caller.
package engine

import (
	"context"
	"path/filepath"

	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/vaultfs/core/backup"
	"github.com/vaultfs/core/config"
	"github.com/vaultfs/core/gc"
	"github.com/vaultfs/core/progress"
	"github.com/vaultfs/core/restore"
	"github.com/vaultfs/core/store/chunkindex"
	"github.com/vaultfs/core/store/chunkstore"
	"github.com/vaultfs/core/store/metadata"
)

// Engine is a fully wired instance of the backup core, rooted at one
// config.Config.StorageRoot.
type Engine struct {
	cfg   config.Config
	idx   *chunkindex.BoltIndex
	store chunkstore.Store
	meta  metadata.Store
	log   *zap.Logger

	backup  *backup.Orchestrator
	restore *restore.Orchestrator
	gc      *gc.Collector
}

// Open opens (creating if absent) the persistent layout under
// cfg.StorageRoot: a chunks/ directory, index.db, and meta.db. Chunk
// bytes are compressed at rest with chunkstore.SnappyCodec, the one
// concrete codec wired in for the otherwise-pluggable transform slot.
func Open(cfg config.Config, log *zap.Logger) (*Engine, error) {
	if log == nil {
		log = zap.NewNop()
	}

	idx, err := chunkindex.Open(filepath.Join(cfg.StorageRoot, "index.db"))
	if err != nil {
		return nil, err
	}

	store, err := chunkstore.NewFSStore(filepath.Join(cfg.StorageRoot, "chunks"), idx, chunkstore.SnappyCodec{}, log)
	if err != nil {
		idx.Close()
		return nil, err
	}

	meta, err := metadata.Open(filepath.Join(cfg.StorageRoot, "meta.db"), idx)
	if err != nil {
		store.Close()
		idx.Close()
		return nil, err
	}

	return &Engine{
		cfg:     cfg,
		idx:     idx,
		store:   store,
		meta:    meta,
		log:     log,
		backup:  backup.New(store, meta, log),
		restore: restore.New(store, meta, log),
		gc:      gc.New(store, idx, meta, cfg.GCOptions(), log),
	}, nil
}

// Backup runs one backup under the given snapshot name.
func (e *Engine) Backup(ctx context.Context, sourceRoot, snapshotName string, ev progress.Chan) (string, error) {
	opts := e.cfg.BackupRunOptions()
	opts.SnapshotName = snapshotName
	return e.backup.Run(ctx, sourceRoot, opts, ev)
}

// Restore runs one restore.
func (e *Engine) Restore(ctx context.Context, snapshotID, targetRoot string, ev progress.Chan) error {
	return e.restore.Run(ctx, snapshotID, targetRoot, e.cfg.RestoreOptions(), ev)
}

// GC runs one GarbageCollector pass.
func (e *Engine) GC(ctx context.Context) (gc.Result, error) {
	return e.gc.Run(ctx)
}

// ListSnapshots, Stats and the other read paths pass straight through to
// MetadataStore/ChunkStore; exposed here so callers never need to reach
// into Engine's unexported fields.
func (e *Engine) ListSnapshots(ctx context.Context) ([]metadata.Snapshot, error) {
	return e.meta.ListSnapshots(ctx)
}

func (e *Engine) GetSnapshot(ctx context.Context, id string) (metadata.Snapshot, error) {
	return e.meta.GetSnapshot(ctx, id)
}

func (e *Engine) DeleteSnapshot(ctx context.Context, id string) error {
	return e.meta.DeleteSnapshot(ctx, id)
}

func (e *Engine) SearchFiles(ctx context.Context, snapshotID, query string) ([]metadata.FileRecord, error) {
	return e.meta.SearchFiles(ctx, snapshotID, query)
}

func (e *Engine) Stats(ctx context.Context) (metadata.Stats, error) {
	return e.meta.Stats(ctx)
}

func (e *Engine) ChunkStats(ctx context.Context) (chunkstore.Stats, error) {
	return e.store.Stats(ctx)
}

// Close releases the underlying bbolt databases and the chunk store. Every
// component is closed even if an earlier one fails.
func (e *Engine) Close() error {
	return multierr.Combine(e.meta.Close(), e.store.Close(), e.idx.Close())
}
