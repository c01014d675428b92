// LZ4 codec compatible with how legacy Python writers frame LZ4-compressed
// blocks: the payload is a sequence of chunks, each prefixed by a 4-byte
// big-endian total chunk size (which includes the following size field) and
// a 4-byte little-endian decompressed chunk size, followed by one raw LZ4
// block. The decompressed chunk size doubles as the codec's preferred chunk
// size. Both size fields are signed 32-bit on the wire; zero or negative
// values abort decompression.
package compression

import (
	"encoding/binary"
	"io"

	"github.com/pierrec/lz4/v4"
	"golang.org/x/xerrors"
)

const lz4BlockHeaderSize = 8

type lz4Reader struct {
	raw []byte
	pos int

	// Decompressed bytes of the current chunk not yet returned by Read.
	chunk []byte
}

func lz4ReadHeader(raw []byte, pos int) (blockSize, decompSize int32, err error) {
	if pos+lz4BlockHeaderSize > len(raw) {
		return 0, 0, xerrors.New("truncated LZ4 chunk header")
	}
	// The big-endian total size includes the decompressed-size field.
	blockSize = int32(binary.BigEndian.Uint32(raw[pos:])) - 4
	decompSize = int32(binary.LittleEndian.Uint32(raw[pos+4:]))
	return blockSize, decompSize, nil
}

func newLZ4Reader(raw []byte) (io.ReadCloser, int, error) {
	if len(raw) == 0 {
		return &lz4Reader{}, 0, nil
	}
	_, decompSize, err := lz4ReadHeader(raw, 0)
	if err != nil {
		return nil, 0, err
	}
	if decompSize < 0 {
		return nil, 0, xerrors.Errorf("invalid LZ4 decompressed chunk size %d", decompSize)
	}
	return &lz4Reader{raw: raw}, int(decompSize), nil
}

func (r *lz4Reader) readChunk() error {
	if r.pos >= len(r.raw) {
		return io.EOF
	}
	blockSize, decompSize, err := lz4ReadHeader(r.raw, r.pos)
	if err != nil {
		return err
	}
	r.pos += lz4BlockHeaderSize
	if blockSize <= 0 {
		return xerrors.Errorf("zero-width LZ4 chunk encountered, aborting decompression")
	}
	if decompSize <= 0 {
		return xerrors.Errorf("invalid LZ4 decompressed chunk size %d, aborting decompression", decompSize)
	}
	if r.pos+int(blockSize) > len(r.raw) {
		return xerrors.New("truncated LZ4 chunk")
	}
	dst := make([]byte, decompSize)
	n, err := lz4.UncompressBlock(r.raw[r.pos:r.pos+int(blockSize)], dst)
	if err != nil {
		return xerrors.Errorf("LZ4 chunk decompression failed: %w", err)
	}
	r.pos += int(blockSize)
	r.chunk = dst[:n]
	return nil
}

func (r *lz4Reader) Read(p []byte) (int, error) {
	for len(r.chunk) == 0 {
		if err := r.readChunk(); err != nil {
			return 0, err
		}
	}
	n := copy(p, r.chunk)
	r.chunk = r.chunk[n:]
	return n, nil
}

func (r *lz4Reader) Close() error {
	r.chunk = nil
	return nil
}

// lz4Compress writes the same chunked framing, one chunk per 4 MiB of
// input, matching the default chunking of legacy writers.
const lz4ChunkSize = 4 << 20

// lz4LiteralBlock encodes data as one LZ4 sequence of pure literals with no
// match, which every decoder accepts as a final sequence.
func lz4LiteralBlock(data []byte) []byte {
	n := len(data)
	var out []byte
	if n < 15 {
		out = append(out, byte(n)<<4)
	} else {
		out = append(out, 0xf0)
		for rest := n - 15; ; rest -= 255 {
			if rest < 255 {
				out = append(out, byte(rest))
				break
			}
			out = append(out, 255)
		}
	}
	return append(out, data...)
}

func lz4Compress(data []byte) ([]byte, error) {
	var out []byte
	var c lz4.Compressor
	for off := 0; off < len(data) || (off == 0 && len(data) == 0); off += lz4ChunkSize {
		end := off + lz4ChunkSize
		if end > len(data) {
			end = len(data)
		}
		chunk := data[off:end]
		dst := make([]byte, lz4.CompressBlockBound(len(chunk)))
		n, err := c.CompressBlock(chunk, dst)
		if err != nil {
			return nil, err
		}
		if n == 0 {
			// CompressBlock signals incompressible input with n == 0; encode
			// the chunk as a single literal-only sequence instead.
			dst = lz4LiteralBlock(chunk)
			n = len(dst)
		}
		hdr := make([]byte, lz4BlockHeaderSize)
		binary.BigEndian.PutUint32(hdr, uint32(n+4))
		binary.LittleEndian.PutUint32(hdr[4:], uint32(len(chunk)))
		out = append(out, hdr...)
		out = append(out, dst[:n]...)
		if len(data) == 0 {
			break
		}
	}
	return out, nil
}
