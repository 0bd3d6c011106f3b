package chunkstore

import (
	"github.com/golang/snappy"

	"github.com/vaultfs/core/internal/corerr"
)

// Codec is a reversible byte transform applied between a chunk's canonical
// bytes (what the fingerprint is computed over, so deduplication remains
// content-based regardless of what's at rest) and what's actually written
// to or read from the underlying medium. Compression is the one transform
// wired in here; encryption is left as an open hook, with no cipher
// chosen.
type Codec interface {
	Encode(data []byte) []byte
	Decode(data []byte) ([]byte, error)
}

// identityCodec stores bytes as-is. It's the zero value of Codec handling:
// a nil Codec passed to NewFSStore/NewMemStore behaves exactly like this.
type identityCodec struct{}

func (identityCodec) Encode(data []byte) []byte          { return data }
func (identityCodec) Decode(data []byte) ([]byte, error) { return data, nil }

// SnappyCodec compresses chunk bytes at rest with Snappy, the one
// concrete compressor wired in: the interface stays open for others, but
// only this one has an implementation here.
type SnappyCodec struct{}

func (SnappyCodec) Encode(data []byte) []byte {
	return snappy.Encode(nil, data)
}

func (SnappyCodec) Decode(data []byte) ([]byte, error) {
	out, err := snappy.Decode(nil, data)
	if err != nil {
		return nil, corerr.Wrap(corerr.ErrCorrupt, "snappy decode chunk", err)
	}
	return out, nil
}

func codecOrIdentity(c Codec) Codec {
	if c == nil {
		return identityCodec{}
	}
	return c
}
