// Package restore materializes snapshots back onto disk: given a
// snapshot id and a target root, it recreates the file tree by
// concatenating each file's chunks in order and verifying the result
// against the recorded file fingerprint.
package restore

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"

	"github.com/dustin/go-humanize"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/vaultfs/core/hash"
	"github.com/vaultfs/core/internal/corerr"
	"github.com/vaultfs/core/progress"
	"github.com/vaultfs/core/store/chunkstore"
	"github.com/vaultfs/core/store/metadata"
)

// Orchestrator runs restores against one ChunkStore/MetadataStore pair.
type Orchestrator struct {
	store chunkstore.Store
	meta  metadata.Store
	log   *zap.Logger
}

// New constructs an Orchestrator. A nil log falls back to zap.NewNop().
func New(store chunkstore.Store, meta metadata.Store, log *zap.Logger) *Orchestrator {
	if log == nil {
		log = zap.NewNop()
	}
	return &Orchestrator{store: store, meta: meta, log: log}
}

// Run materializes snapshotID under targetRoot.
func (o *Orchestrator) Run(ctx context.Context, snapshotID, targetRoot string, opts Options, ev progress.Chan) error {
	progress.Send(ev, progress.Event{Type: progress.Started})

	if opts.Workers <= 0 {
		opts.Workers = 1
	}

	if _, err := o.meta.GetSnapshot(ctx, snapshotID); err != nil {
		progress.Send(ev, progress.Event{Type: progress.Failed, Reason: err})
		return err
	}

	files, err := o.meta.FilesInSnapshot(ctx, snapshotID)
	if err != nil {
		progress.Send(ev, progress.Event{Type: progress.Failed, Reason: err})
		return err
	}

	var aborted int32
	var mu sync.Mutex
	var firstErr error
	var totalBytes int64

	g := &errgroup.Group{}
	g.SetLimit(opts.Workers)

	for _, fr := range files {
		fr := fr
		if !opts.ContinueOnError && atomic.LoadInt32(&aborted) != 0 {
			break
		}
		g.Go(func() error {
			select {
			case <-ctx.Done():
				return corerr.Wrap(corerr.ErrCancelled, "restore", ctx.Err())
			default:
			}
			progress.Send(ev, progress.Event{Type: progress.FileEnqueued, Path: fr.Path})

			n, err := o.restoreFile(ctx, targetRoot, fr, opts)
			if err != nil {
				mu.Lock()
				if firstErr == nil {
					firstErr = err
				}
				mu.Unlock()
				if !opts.ContinueOnError {
					atomic.StoreInt32(&aborted, 1)
				}
				return err
			}

			mu.Lock()
			totalBytes += n
			mu.Unlock()
			progress.Send(ev, progress.Event{Type: progress.FileCompleted, Path: fr.Path})
			progress.Send(ev, progress.Event{Type: progress.BytesTransferred, BytesDelta: n, BytesTotal: totalBytes})
			return nil
		})
	}

	workErr := g.Wait()
	if workErr != nil && !opts.ContinueOnError {
		sendTerminal(ev, workErr)
		return workErr
	}
	if firstErr != nil {
		// ContinueOnError: surface that something failed, but after
		// attempting every file.
		sendTerminal(ev, firstErr)
		return firstErr
	}

	o.log.Info("restore finished",
		zap.String("snapshot_id", snapshotID),
		zap.Int("files", len(files)),
		zap.String("bytes", humanize.Bytes(uint64(totalBytes))))
	progress.Send(ev, progress.Event{Type: progress.Finished, SnapshotID: snapshotID})
	return nil
}

// sendTerminal reports the run's terminal state: cancellation is a normal
// outcome, not a failure.
func sendTerminal(ev progress.Chan, err error) {
	if errors.Is(err, corerr.ErrCancelled) {
		progress.Send(ev, progress.Event{Type: progress.Cancelled})
		return
	}
	progress.Send(ev, progress.Event{Type: progress.Failed, Reason: err})
}

func (o *Orchestrator) restoreFile(ctx context.Context, targetRoot string, fr metadata.FileRecord, opts Options) (int64, error) {
	target := filepath.Join(targetRoot, filepath.FromSlash(fr.Path))

	if !opts.OverwriteExisting {
		if _, err := os.Stat(target); err == nil {
			return 0, corerr.Wrap(corerr.ErrConflict, "refusing to overwrite "+target, nil)
		}
	}

	if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return 0, corerr.Wrap(corerr.ErrIO, "create parent dir for "+target, err)
	}

	f, err := os.OpenFile(target, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return 0, corerr.Wrap(corerr.ErrIO, "open "+target, err)
	}
	defer f.Close()

	chunks, err := o.meta.FileChunks(ctx, fr.ID)
	if err != nil {
		return 0, err
	}

	streamer := hash.NewStreamer()
	var written int64
	for _, c := range chunks {
		select {
		case <-ctx.Done():
			return written, corerr.Wrap(corerr.ErrCancelled, "restore", ctx.Err())
		default:
		}
		data, err := o.store.Get(ctx, c.ChunkFingerprint)
		if err != nil {
			return written, corerr.Annotatef(err, "restore chunk order %d of %s", c.Order, fr.Path)
		}
		if _, err := f.Write(data); err != nil {
			return written, corerr.Wrap(corerr.ErrIO, "write "+target, err)
		}
		streamer.Write(data)
		written += int64(len(data))
	}

	if got := streamer.Sum(); got != fr.FileFingerprint {
		return written, corerr.Wrap(corerr.ErrIntegrity, "restored bytes for "+fr.Path+" do not match file_fingerprint", nil)
	}

	if opts.PreserveAttributes {
		if err := os.Chtimes(target, fr.ModifiedTime, fr.ModifiedTime); err != nil {
			return written, corerr.Wrap(corerr.ErrIO, "set mtime on "+target, err)
		}
	}

	return written, nil
}
