package cas

import (
	"bufio"
	"bytes"
	"io"
)

// Content-defined chunking parameters. These are part of the block
// identity: changing any of them changes where boundaries fall and
// therefore which hashes existing data deduplicates against.
const (
	// ChunkWindow is the rolling hash window in bytes.
	ChunkWindow = 48

	// chunkPrime is the rolling hash multiplier.
	chunkPrime uint32 = 3

	// chunkModulus masks the hash; a boundary is declared when the
	// masked hash equals the mask. Average block size is therefore
	// about 8 KiB of candidate positions, stretched by MinBlockSize.
	chunkModulus uint32 = (1 << 13) - 1

	// MinBlockSize is the smallest block the chunker emits, except for
	// the final block of a stream.
	MinBlockSize = 2 << 20 // 2 MiB

	// MaxBlockSize forces a boundary regardless of content.
	MaxBlockSize = 8 << 20 // 8 MiB
)

// windowPow is chunkPrime^(ChunkWindow-1), with natural uint32 overflow.
var windowPow = func() uint32 {
	p := uint32(1)
	for i := 0; i < ChunkWindow-1; i++ {
		p *= chunkPrime
	}
	return p
}()

// Chunker splits a stream into content-defined blocks. Boundaries
// depend only on content within the rolling window, so an insertion
// near the start of a file shifts at most a bounded number of blocks
// before the cut points realign.
//
// The hash and window reset at each block start, so boundary decisions
// are local to the block being built.
type Chunker struct {
	r   *bufio.Reader
	buf []byte

	window [ChunkWindow]byte
	wpos   int
	wfull  bool
	hash   uint32
}

// NewChunker returns a Chunker reading from r.
func NewChunker(r io.Reader) *Chunker {
	return &Chunker{
		r:   bufio.NewReaderSize(r, 64<<10),
		buf: make([]byte, 0, MaxBlockSize),
	}
}

// Next returns the next block. The returned slice is only valid until
// the following call. It returns io.EOF after the last block.
func (c *Chunker) Next() ([]byte, error) {
	c.buf = c.buf[:0]
	c.resetWindow()

	for {
		b, err := c.r.ReadByte()
		if err == io.EOF {
			if len(c.buf) == 0 {
				return nil, io.EOF
			}
			return c.buf, nil
		}
		if err != nil {
			return nil, err
		}

		c.buf = append(c.buf, b)
		c.roll(b)

		if len(c.buf) >= MaxBlockSize {
			return c.buf, nil
		}
		if len(c.buf) >= MinBlockSize && c.hash&chunkModulus == chunkModulus {
			return c.buf, nil
		}
	}
}

func (c *Chunker) resetWindow() {
	c.window = [ChunkWindow]byte{}
	c.wpos = 0
	c.wfull = false
	c.hash = 0
}

// roll advances the rolling hash by one byte. Before the window fills,
// bytes are only added; afterwards the byte leaving the window is
// subtracted with its positional weight. Arithmetic is modulo 2^32 via
// uint32 overflow.
func (c *Chunker) roll(in byte) {
	if c.wfull {
		out := c.window[c.wpos]
		c.hash = (c.hash-uint32(out)*windowPow)*chunkPrime + uint32(in)
	} else {
		c.hash = c.hash*chunkPrime + uint32(in)
	}
	c.window[c.wpos] = in
	c.wpos++
	if c.wpos == ChunkWindow {
		c.wpos = 0
		c.wfull = true
	}
}

// SplitBytes chunks an in-memory buffer, invoking fn for each block in
// order. The callback must not retain the slice across calls.
func SplitBytes(data []byte, fn func(block []byte) error) error {
	ch := NewChunker(bytes.NewReader(data))
	for {
		block, err := ch.Next()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return err
		}
		if err := fn(block); err != nil {
			return err
		}
	}
}
