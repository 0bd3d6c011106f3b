// Package hash computes 256-bit content fingerprints over byte buffers
// and byte streams, using BLAKE3.
//
// Fingerprint is a fixed-size value type with Of/Parse/MaybeParse
// constructors and String/IsEmpty/Less/Compare accessors; String renders
// lowercase hex, the pinned wire and API form.
package hash

import (
	"bytes"
	"encoding/hex"
	"fmt"
	"io"

	"github.com/zeebo/blake3"
)

// ByteLen is the length in bytes of a Fingerprint.
const ByteLen = 32

// StringLen is the length of a Fingerprint's hex encoding.
const StringLen = ByteLen * 2

// Fingerprint is a 256-bit BLAKE3 content fingerprint.
type Fingerprint [ByteLen]byte

var emptyFingerprint = Fingerprint{}

// Of computes the fingerprint of a single buffer in one call.
func Of(data []byte) Fingerprint {
	sum := blake3.Sum256(data)
	return Fingerprint(sum)
}

// Parse decodes a 64-character lowercase hex string into a Fingerprint. It
// panics on malformed input; callers that need to handle malformed input
// gracefully should use MaybeParse.
func Parse(s string) Fingerprint {
	f, ok := MaybeParse(s)
	if !ok {
		panic(fmt.Sprintf("hash: invalid fingerprint string %q", s))
	}
	return f
}

// MaybeParse decodes s into a Fingerprint, returning ok=false instead of
// panicking when s isn't a well-formed 64-character lowercase hex string.
func MaybeParse(s string) (f Fingerprint, ok bool) {
	if len(s) != StringLen {
		return emptyFingerprint, false
	}
	b, err := hex.DecodeString(s)
	if err != nil {
		return emptyFingerprint, false
	}
	for _, c := range s {
		if c >= 'A' && c <= 'F' {
			return emptyFingerprint, false
		}
	}
	copy(f[:], b)
	return f, true
}

// String renders the fingerprint as 64 lowercase hex characters.
func (f Fingerprint) String() string {
	return hex.EncodeToString(f[:])
}

// IsEmpty reports whether f is the zero fingerprint (never a fingerprint of
// real content, since even an empty buffer hashes to a specific non-zero
// value; useful as a "no fingerprint yet" sentinel).
func (f Fingerprint) IsEmpty() bool {
	return f == emptyFingerprint
}

// Less gives Fingerprint a total order, lexicographic over the hex form
// (equivalently, over the raw bytes).
func (f Fingerprint) Less(other Fingerprint) bool {
	return bytes.Compare(f[:], other[:]) < 0
}

// Compare returns -1, 0, or 1 as f is less than, equal to, or greater than
// other.
func (f Fingerprint) Compare(other Fingerprint) int {
	return bytes.Compare(f[:], other[:])
}

// Set is a set of fingerprints.
type Set map[Fingerprint]struct{}

// NewSet builds a Set from a slice of fingerprints.
func NewSet(fs ...Fingerprint) Set {
	s := make(Set, len(fs))
	for _, f := range fs {
		s[f] = struct{}{}
	}
	return s
}

// Has reports whether f is a member of the set.
func (s Set) Has(f Fingerprint) bool {
	_, ok := s[f]
	return ok
}

// Insert adds f to the set.
func (s Set) Insert(f Fingerprint) {
	s[f] = struct{}{}
}

// Streamer computes a fingerprint incrementally over a sequence of byte
// blocks. Fingerprints produced this way equal Of(concat(blocks...))
// regardless of how the caller framed the blocks.
type Streamer struct {
	h *blake3.Hasher
}

// NewStreamer starts a new incremental hash.
func NewStreamer() *Streamer {
	return &Streamer{h: blake3.New()}
}

// Write feeds another block of bytes into the running hash. It never
// fails; io.Writer's error return exists only to satisfy the interface.
func (s *Streamer) Write(p []byte) (int, error) {
	return s.h.Write(p)
}

// Sum finalizes and returns the fingerprint of everything written so far.
// It does not reset the streamer.
func (s *Streamer) Sum() Fingerprint {
	var out Fingerprint
	sum := s.h.Sum(nil)
	copy(out[:], sum)
	return out
}

// HashReader drains r and returns its fingerprint, for callers that already
// have an io.Reader rather than discrete blocks.
func HashReader(r io.Reader) (Fingerprint, error) {
	s := NewStreamer()
	if _, err := io.Copy(s, r); err != nil {
		return emptyFingerprint, err
	}
	return s.Sum(), nil
}
