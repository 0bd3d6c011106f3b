package gc

import "time"

// Options configures one GarbageCollector run.
type Options struct {
	// GracePeriod exempts any chunk put or read more recently than this
	// from the sweep, even if it isn't (yet) part of the recomputed live
	// set: a mark-then-sweep-after-grace-period discipline, chosen over
	// a live/GC mutual-exclusion lock because it lets backups and GC run
	// fully concurrently.
	GracePeriod time.Duration
}

// DefaultOptions returns the gc.grace_seconds default (60s).
func DefaultOptions() Options {
	return Options{GracePeriod: 60 * time.Second}
}
