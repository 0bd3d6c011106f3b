// Package chunker turns a byte stream into an ordered, lazy sequence of
// content-defined chunks.
//
// The rolling signature is built on github.com/silvasur/buzhash rather
// than a bespoke polynomial rolling hash. Boundaries are declared with
// FastCDC-style two-level mask normalization (a stricter mask below the
// normalization point, a looser one above it) to keep the chunk-size
// distribution tight around AvgSize.
package chunker

import (
	"bufio"
	"context"
	"io"

	"github.com/silvasur/buzhash"

	"github.com/vaultfs/core/hash"
	"github.com/vaultfs/core/internal/corerr"
)

// windowSize is the width of the rolling window buzhash hashes over. 64
// bytes is a conventional choice wide enough to give the rolling signature
// shift-resilience without costing much per-byte work.
const windowSize = 64

// Chunk is one emitted, immutable piece of a file: its position in the
// source stream, and its bytes.
type Chunk struct {
	Offset int64
	Length int64
	Data   []byte
}

// Fingerprint is a convenience accessor; callers needing the fingerprint
// anyway (the common case) shouldn't have to recompute it.
func (c Chunk) Fingerprint() hash.Fingerprint {
	return hash.Of(c.Data)
}

// Chunker splits a single io.Reader into chunks. It is single-pass and
// not restartable.
type Chunker struct {
	r      *bufio.Reader
	opts   Options
	bh     *buzhash.BuzHash
	maskS  uint32
	maskL  uint32
	norm   int
	offset int64
	done   bool
	ctx    context.Context
}

// New constructs a Chunker reading from r with the given options. ctx is
// checked for cancellation between chunk emissions.
func New(ctx context.Context, r io.Reader, opts Options) (*Chunker, error) {
	if err := opts.Validate(); err != nil {
		return nil, err
	}
	if ctx == nil {
		ctx = context.Background()
	}
	bits := opts.bits()
	// Normalize to the midpoint between min and avg: below it, require one
	// extra zero bit (stricter, fewer cuts); at or above it, require one
	// fewer zero bit (looser, more cuts), per the FastCDC normalization
	// trick. Clamp bits to keep the masks well defined for small AvgSize.
	maskBits := bits
	if maskBits < 2 {
		maskBits = 2
	}
	return &Chunker{
		r:     bufio.NewReaderSize(r, 64*1024),
		opts:  opts,
		bh:    buzhash.NewBuzHash(windowSize),
		maskS: (1 << (maskBits + 1)) - 1,
		maskL: (1 << (maskBits - 1)) - 1,
		norm:  opts.MinSize + (opts.AvgSize-opts.MinSize)/2,
		ctx:   ctx,
	}, nil
}

// Next returns the next chunk in the stream, or io.EOF when the stream is
// exhausted. It returns corerr.ErrCancelled if ctx was cancelled, and
// corerr.ErrIO on a read failure from the underlying reader.
func (c *Chunker) Next() (Chunk, error) {
	if c.done {
		return Chunk{}, io.EOF
	}
	select {
	case <-c.ctx.Done():
		return Chunk{}, corerr.Wrap(corerr.ErrCancelled, "chunker", c.ctx.Err())
	default:
	}

	buf := make([]byte, 0, c.opts.AvgSize)
	start := c.offset

	for {
		b, err := c.r.ReadByte()
		if err != nil {
			if err == io.EOF {
				c.done = true
				if len(buf) == 0 {
					return Chunk{}, io.EOF
				}
				return c.emit(start, buf), nil
			}
			return Chunk{}, corerr.Wrap(corerr.ErrIO, "chunker read", err)
		}

		buf = append(buf, b)
		c.offset++
		sig := c.bh.HashByte(b)

		n := len(buf)
		if n >= c.opts.MaxSize {
			return c.emit(start, buf), nil
		}
		if n < c.opts.MinSize {
			continue
		}
		if n < c.norm {
			if sig&c.maskS == 0 {
				return c.emit(start, buf), nil
			}
		} else {
			if sig&c.maskL == 0 {
				return c.emit(start, buf), nil
			}
		}
	}
}

func (c *Chunker) emit(start int64, buf []byte) Chunk {
	// A fresh rolling window for the next chunk: local edits inside this
	// chunk must not perturb the boundary decisions of chunks that follow.
	c.bh.Reset()
	return Chunk{Offset: start, Length: int64(len(buf)), Data: buf}
}

// All drains the chunker into a slice; convenient for small inputs and
// tests. Production callers (the backup orchestrator) should use Next
// directly to keep memory bounded.
func All(ctx context.Context, r io.Reader, opts Options) ([]Chunk, error) {
	c, err := New(ctx, r, opts)
	if err != nil {
		return nil, err
	}
	var out []Chunk
	for {
		ch, err := c.Next()
		if err == io.EOF {
			return out, nil
		}
		if err != nil {
			return nil, err
		}
		out = append(out, ch)
	}
}
