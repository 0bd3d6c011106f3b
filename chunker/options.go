package chunker

import "github.com/vaultfs/core/internal/corerr"

// Options bounds the content-defined chunking algorithm, matching the
// `chunker.*` configuration keys.
type Options struct {
	MinSize int
	AvgSize int
	MaxSize int
}

// DefaultOptions returns the standard defaults: 16 KiB / 64 KiB / 4 MiB.
func DefaultOptions() Options {
	return Options{
		MinSize: 16 * 1024,
		AvgSize: 64 * 1024,
		MaxSize: 4 * 1024 * 1024,
	}
}

// Validate checks min <= avg <= max and that all bounds are positive.
func (o Options) Validate() error {
	if o.MinSize <= 0 || o.AvgSize <= 0 || o.MaxSize <= 0 {
		return corerr.Wrap(corerr.ErrInvalidInput, "chunker sizes must be positive", nil)
	}
	if !(o.MinSize <= o.AvgSize && o.AvgSize <= o.MaxSize) {
		return corerr.Wrap(corerr.ErrInvalidInput, "require min_size <= avg_size <= max_size", nil)
	}
	return nil
}

// bits returns the number of low bits of the rolling signature that must be
// zero for a cut to be declared, derived from AvgSize (the boundary
// probability of a uniform rolling hash is 1/2^bits).
func (o Options) bits() uint {
	bits := uint(0)
	for sz := o.AvgSize; sz > 1; sz >>= 1 {
		bits++
	}
	return bits
}
