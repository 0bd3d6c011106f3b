package backup

import "github.com/vaultfs/core/chunker"

// TraverseOptions controls how the source tree is walked, matching the
// `backup.*` configuration keys.
type TraverseOptions struct {
	IncludeHidden  bool
	FollowSymlinks bool
	ExcludeGlobs   []string
}

// DefaultTraverseOptions is the conservative default: hidden files and
// symlinks are skipped unless the caller opts in.
func DefaultTraverseOptions() TraverseOptions {
	return TraverseOptions{
		IncludeHidden:  false,
		FollowSymlinks: false,
	}
}

// RunOptions parameterizes one BackupOrchestrator.Run call.
type RunOptions struct {
	SnapshotName        string
	SnapshotDescription string
	Traverse            TraverseOptions
	Chunker             chunker.Options
	// Workers bounds the number of files read/chunked/stored concurrently.
	Workers int
}

// DefaultRunOptions fills in the default chunker parameters and a small
// worker pool; callers override SnapshotName at minimum.
func DefaultRunOptions() RunOptions {
	return RunOptions{
		Traverse: DefaultTraverseOptions(),
		Chunker:  chunker.DefaultOptions(),
		Workers:  4,
	}
}
