package chunkstore

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/vaultfs/core/hash"
	"github.com/vaultfs/core/internal/corerr"
	"github.com/vaultfs/core/internal/d"
	"github.com/vaultfs/core/store/chunkindex"
)

// FSStore is the filesystem-backed Store implementation. Chunks live under
// <root>/<ab>/<cdef...>, two-level sharded by fingerprint prefix. A single
// writer per fingerprint is enforced by
// writing to a temp file and renaming into place; a loser in a concurrent
// put race simply discards its temp file and returns the fingerprint the
// winner produced; the final bytes are identical either way because the
// fingerprint determines the content.
type FSStore struct {
	root  string
	idx   chunkindex.Index
	codec Codec
	log   *zap.Logger

	mu       sync.Mutex // serializes concurrent GarbageCollect passes
	lastGC   time.Time
	hasGCRun bool
}

// NewFSStore opens (creating if necessary) a chunk store rooted at root,
// wired to idx so that Put keeps the ChunkIndex location record in step
// with the bytes on disk. A nil codec stores chunk bytes as-is; pass
// SnappyCodec{} to compress them at rest.
func NewFSStore(root string, idx chunkindex.Index, codec Codec, log *zap.Logger) (*FSStore, error) {
	if log == nil {
		log = zap.NewNop()
	}
	if err := os.MkdirAll(filepath.Join(root, tmpDirName), 0o755); err != nil {
		return nil, corerr.Wrap(corerr.ErrIO, "create chunk store root", err)
	}
	return &FSStore{root: root, idx: idx, codec: codecOrIdentity(codec), log: log}, nil
}

const tmpDirName = ".tmp"

func (s *FSStore) pathFor(fp hash.Fingerprint) string {
	hex := fp.String()
	return filepath.Join(s.root, hex[:2], hex[2:])
}

func (s *FSStore) Put(ctx context.Context, data []byte) (hash.Fingerprint, error) {
	if len(data) == 0 {
		return hash.Fingerprint{}, corerr.Wrap(corerr.ErrInvalidInput, "put requires non-empty bytes", nil)
	}
	fp := hash.Of(data)
	final := s.pathFor(fp)
	encoded := s.codec.Encode(data)

	if _, err := os.Stat(final); err == nil {
		// Already present: deduplicate, write nothing. Still ensure an
		// index record exists (repairs an index dropped by a prior crash
		// between bytes and index), and bump its last-accessed time so a
		// concurrent mark-then-sweep GC exempts it from this sweep.
		if err := s.idx.InsertIfAbsent(ctx, fp, int64(len(encoded))); err != nil {
			return hash.Fingerprint{}, corerr.Wrap(corerr.ErrIO, "insert chunk index record", err)
		}
		if err := s.idx.Touch(ctx, fp); err != nil {
			return hash.Fingerprint{}, corerr.Wrap(corerr.ErrIO, "touch chunk index record", err)
		}
		return fp, nil
	} else if !os.IsNotExist(err) {
		return hash.Fingerprint{}, corerr.Wrap(corerr.ErrIO, "stat chunk", err)
	}

	if err := os.MkdirAll(filepath.Dir(final), 0o755); err != nil {
		return hash.Fingerprint{}, corerr.Wrap(corerr.ErrIO, "mkdir chunk shard", err)
	}

	tmpPath := filepath.Join(s.root, tmpDirName, uuid.New().String())
	f, err := os.OpenFile(tmpPath, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o600)
	if err != nil {
		return hash.Fingerprint{}, corerr.Wrap(corerr.ErrIO, "create temp chunk file", err)
	}
	defer os.Remove(tmpPath) // no-op once renamed away

	if _, err := f.Write(encoded); err != nil {
		f.Close()
		return hash.Fingerprint{}, corerr.Wrap(writeErrKind(err), "write temp chunk file", err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return hash.Fingerprint{}, corerr.Wrap(writeErrKind(err), "fsync temp chunk file", err)
	}
	if err := f.Close(); err != nil {
		return hash.Fingerprint{}, corerr.Wrap(corerr.ErrIO, "close temp chunk file", err)
	}

	if err := os.Rename(tmpPath, final); err != nil {
		// A concurrent winner may have already materialized final; that's
		// fine, our content is identical by construction (same
		// fingerprint).
		if _, statErr := os.Stat(final); statErr == nil {
			if err := s.idx.InsertIfAbsent(ctx, fp, int64(len(encoded))); err != nil {
				return hash.Fingerprint{}, corerr.Wrap(corerr.ErrIO, "insert chunk index record", err)
			}
			return fp, nil
		}
		return hash.Fingerprint{}, corerr.Wrap(corerr.ErrIO, "rename chunk into place", err)
	}
	// Bytes are durable before the index record: a crash here leaves an
	// orphan chunk file, never a dangling index entry.
	if err := s.idx.InsertIfAbsent(ctx, fp, int64(len(encoded))); err != nil {
		return hash.Fingerprint{}, corerr.Wrap(corerr.ErrIO, "insert chunk index record", err)
	}
	return fp, nil
}

// writeErrKind distinguishes a full filesystem from other write failures.
func writeErrKind(err error) corerr.Kind {
	if errors.Is(err, syscall.ENOSPC) {
		return corerr.ErrQuota
	}
	return corerr.ErrIO
}

func (s *FSStore) Get(ctx context.Context, fp hash.Fingerprint) ([]byte, error) {
	p := s.pathFor(fp)
	raw, err := os.ReadFile(p)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, corerr.Wrap(corerr.ErrNotFound, fp.String(), err)
		}
		return nil, corerr.Wrap(corerr.ErrIO, "read chunk "+fp.String(), err)
	}
	data, err := s.codec.Decode(raw)
	if err != nil {
		s.log.Warn("chunk decode failure", zap.String("fingerprint", fp.String()), zap.Error(err))
		if merr := s.idx.MarkSuspect(ctx, fp); merr != nil {
			s.log.Warn("failed to mark suspect chunk", zap.String("fingerprint", fp.String()), zap.Error(merr))
		}
		return nil, err
	}
	if got := hash.Of(data); got != fp {
		s.log.Warn("chunk integrity mismatch", zap.String("want", fp.String()), zap.String("got", got.String()))
		if err := s.idx.MarkSuspect(ctx, fp); err != nil {
			s.log.Warn("failed to mark suspect chunk", zap.String("fingerprint", fp.String()), zap.Error(err))
		}
		return nil, corerr.Wrap(corerr.ErrIntegrity, fp.String(), nil)
	}
	if err := s.idx.Touch(ctx, fp); err != nil {
		s.log.Warn("failed to touch chunk index record", zap.String("fingerprint", fp.String()), zap.Error(err))
	}
	return data, nil
}

func (s *FSStore) Contains(ctx context.Context, fp hash.Fingerprint) (bool, error) {
	_, err := os.Stat(s.pathFor(fp))
	if err == nil {
		return true, nil
	}
	if os.IsNotExist(err) {
		return false, nil
	}
	return false, corerr.Wrap(corerr.ErrIO, "stat chunk", err)
}

func (s *FSStore) IterFingerprints(ctx context.Context, fn func(hash.Fingerprint) error) error {
	shards, err := os.ReadDir(s.root)
	if err != nil {
		return corerr.Wrap(corerr.ErrIO, "list chunk store root", err)
	}
	for _, shard := range shards {
		if !shard.IsDir() || shard.Name() == tmpDirName {
			continue
		}
		select {
		case <-ctx.Done():
			return corerr.Wrap(corerr.ErrCancelled, "iter fingerprints", ctx.Err())
		default:
		}
		entries, err := os.ReadDir(filepath.Join(s.root, shard.Name()))
		if err != nil {
			return corerr.Wrap(corerr.ErrIO, "list chunk shard "+shard.Name(), err)
		}
		for _, e := range entries {
			if e.IsDir() {
				continue
			}
			fp, ok := hash.MaybeParse(shard.Name() + e.Name())
			if !ok {
				continue // not a chunk file; ignore foreign entries
			}
			if err := fn(fp); err != nil {
				return err
			}
		}
	}
	return nil
}

// GarbageCollect deletes every chunk not named in live, except a chunk
// file that has no index record and is still inside nascentWindow. It
// never touches the index; the caller removes index rows afterwards, so an
// interruption leaves, at worst, index rows whose bytes are already gone,
// which the next pass drops; always safe to resume. Since
// FSStore alone has no reference counts (those live in the ChunkIndex),
// the caller (the GarbageCollector component) supplies the live set.
func (s *FSStore) GarbageCollect(ctx context.Context, live hash.Set) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	removed := 0
	var toDelete []hash.Fingerprint
	err := s.IterFingerprints(ctx, func(fp hash.Fingerprint) error {
		if !live.Has(fp) {
			toDelete = append(toDelete, fp)
		}
		return nil
	})
	if err != nil {
		return 0, err
	}

	for _, fp := range toDelete {
		select {
		case <-ctx.Done():
			s.lastGC = time.Now()
			s.hasGCRun = true
			return removed, corerr.Wrap(corerr.ErrCancelled, "garbage collect", ctx.Err())
		default:
		}
		if skip, err := s.isNascent(ctx, fp); err != nil {
			return removed, err
		} else if skip {
			continue
		}
		if err := os.Remove(s.pathFor(fp)); err != nil && !os.IsNotExist(err) {
			return removed, corerr.Wrap(corerr.ErrIO, "remove chunk "+fp.String(), err)
		}
		removed++
	}
	s.lastGC = time.Now()
	s.hasGCRun = true
	return removed, nil
}

// nascentWindow is how long a chunk file with no index record is presumed
// to belong to an in-flight Put that has renamed its bytes into place but
// not yet written the index row. Sweeping inside that gap would let the
// Put's caller commit a reference to deleted bytes; any genuinely orphaned
// file ages out of the window and is reclaimed by the next pass.
const nascentWindow = time.Minute

func (s *FSStore) isNascent(ctx context.Context, fp hash.Fingerprint) (bool, error) {
	_, err := s.idx.Lookup(ctx, fp)
	if err == nil {
		return false, nil
	}
	if !errors.Is(err, corerr.ErrNotFound) {
		return false, corerr.Wrap(corerr.ErrIO, "lookup chunk index record", err)
	}
	info, statErr := os.Stat(s.pathFor(fp))
	if statErr != nil {
		return false, nil // already gone; Remove tolerates the same
	}
	return time.Since(info.ModTime()) < nascentWindow, nil
}

func (s *FSStore) Stats(ctx context.Context) (Stats, error) {
	var st Stats
	err := s.IterFingerprints(ctx, func(fp hash.Fingerprint) error {
		info, err := os.Stat(s.pathFor(fp))
		if err != nil {
			return corerr.Wrap(corerr.ErrIO, "stat chunk", err)
		}
		st.Count++
		st.TotalBytes += info.Size()
		if _, err := s.idx.Lookup(ctx, fp); errors.Is(err, corerr.ErrNotFound) {
			st.Orphans++
		}
		return nil
	})
	if err != nil {
		return Stats{}, err
	}
	if s.hasGCRun {
		st.LastGCAt = s.lastGC.Unix()
	}
	return st, nil
}

func (s *FSStore) Close() error {
	d.PanicIfFalse(s.root != "") // closing a zero-value store is a bug, not a runtime condition
	return nil
}
