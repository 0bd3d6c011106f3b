// Package config holds the plain Config struct this module's components
// are configured with. No file format parsing lives here; that is an
// external CLI/daemon's job; this just carries the enumerated keys and
// their defaults as a value callers construct and pass to the engine
// facade.
package config

import (
	"time"

	"github.com/vaultfs/core/backup"
	"github.com/vaultfs/core/chunker"
	"github.com/vaultfs/core/gc"
	"github.com/vaultfs/core/restore"
)

// Config aggregates every component's options under one set of named
// keys.
type Config struct {
	// StorageRoot is storage.root: required, no default.
	StorageRoot string

	Chunker chunker.Options

	IncludeHidden  bool // backup.include_hidden
	FollowSymlinks bool // backup.follow_symlinks
	VerifyAfter    bool // backup.verify_after

	GracePeriod time.Duration // gc.grace_seconds

	BackupWorkers  int
	RestoreWorkers int
}

// DefaultConfig fills every key with its standard default except
// storage.root, which the caller must set.
func DefaultConfig() Config {
	return Config{
		Chunker:        chunker.DefaultOptions(),
		IncludeHidden:  false,
		FollowSymlinks: false,
		VerifyAfter:    true,
		GracePeriod:    gc.DefaultOptions().GracePeriod,
		BackupWorkers:  4,
		RestoreWorkers: 4,
	}
}

// BackupRunOptions derives backup.RunOptions for one named run, leaving
// SnapshotName for the caller to fill in.
func (c Config) BackupRunOptions() backup.RunOptions {
	opts := backup.DefaultRunOptions()
	opts.Traverse = backup.TraverseOptions{
		IncludeHidden:  c.IncludeHidden,
		FollowSymlinks: c.FollowSymlinks,
	}
	opts.Chunker = c.Chunker
	opts.Workers = c.BackupWorkers
	return opts
}

// RestoreOptions derives restore.Options. VerifyAfter has no effect here
// beyond documenting intent: RestoreOrchestrator always rehashes restored
// bytes against the recorded file fingerprint, so there is nothing to
// toggle.
func (c Config) RestoreOptions() restore.Options {
	opts := restore.DefaultOptions()
	opts.Workers = c.RestoreWorkers
	return opts
}

// GCOptions derives gc.Options.
func (c Config) GCOptions() gc.Options {
	return gc.Options{GracePeriod: c.GracePeriod}
}
