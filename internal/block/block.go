// Package block implements the binary block layer of the ASDF format: the
// 6-byte preamble and 48-byte big-endian header, MD5 checksums, and the
// plain-text block index appendix.
package block

import (
	"bytes"
	"crypto/md5"
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"github.com/asdf-format/asdf-go/internal/stream"
	"gopkg.in/yaml.v3"
)

const (
	MagicSize = 4
	// HeaderSize is the minimum (and currently only) block header size; the
	// on-disk header_size field may be larger to align blocks, with the
	// remainder reserved.
	HeaderSize = 48
	// FullHeaderSize includes the magic and the header_size field itself.
	FullHeaderSize = HeaderSize + MagicSize + 2

	CompressionFieldSize = 4
	ChecksumSize         = 16
)

// Block flags.
const (
	FlagStreamed = 0x1
)

// Magic starts every binary block.
var Magic = []byte{0xd3, 'B', 'L', 'K'}

// IndexHeader starts the optional block index appendix.
var IndexHeader = []byte("#ASDF BLOCK INDEX")

var (
	ErrInvalidHeader = errors.New("invalid block header")
	ErrMagicMismatch = errors.New("block magic mismatch")
	ErrUnexpectedEOF = errors.New("unexpected end of file")
)

// Header is a parsed block header. All multi-byte fields are big-endian on
// disk.
type Header struct {
	HeaderSize    uint16
	Flags         uint32
	Compression   [CompressionFieldSize]byte
	AllocatedSize uint64
	UsedSize      uint64
	DataSize      uint64
	Checksum      [ChecksumSize]byte
}

// Info is a header plus its location in the file.
type Info struct {
	Header    Header
	HeaderPos int64
	DataPos   int64

	// Index is the block's position in file order.
	Index int
}

// Streamed reports whether the block is a streamed block (payload runs to
// end of file, sizes in the header may be zero).
func (h *Header) Streamed() bool { return h.Flags&FlagStreamed != 0 }

// CompressionTag returns the four-byte compression field with trailing NULs
// stripped; empty means uncompressed.
func (h *Header) CompressionTag() string {
	return string(bytes.TrimRight(h.Compression[:], "\x00"))
}

// IsMagic reports whether buf begins with the ASDF block magic.
func IsMagic(buf []byte) bool {
	return len(buf) >= MagicSize && bytes.Equal(buf[:MagicSize], Magic)
}

// ReadInfo parses the block whose magic the stream is positioned at. On
// return the stream is positioned at the first payload byte.
func ReadInfo(s stream.Stream) (*Info, error) {
	headerPos := s.Tell()

	buf, err := s.Next(MagicSize)
	if err != nil || len(buf) < MagicSize {
		return nil, ErrUnexpectedEOF
	}
	if !IsMagic(buf) {
		return nil, ErrMagicMismatch
	}
	s.Consume(MagicSize)

	buf, err = s.Next(2)
	if err != nil || len(buf) < 2 {
		return nil, fmt.Errorf("%w: failed to read block header size", ErrUnexpectedEOF)
	}
	headerSize := binary.BigEndian.Uint16(buf)
	if headerSize < HeaderSize {
		return nil, fmt.Errorf("%w: header size %d < %d", ErrInvalidHeader, headerSize, HeaderSize)
	}
	s.Consume(2)

	buf, err = s.Next(int(headerSize))
	if err != nil || len(buf) < int(headerSize) {
		return nil, fmt.Errorf("%w: failed to read full block header", ErrUnexpectedEOF)
	}

	info := &Info{HeaderPos: headerPos}
	h := &info.Header
	h.HeaderSize = headerSize
	h.Flags = binary.BigEndian.Uint32(buf[0:4])
	copy(h.Compression[:], buf[4:8])
	h.AllocatedSize = binary.BigEndian.Uint64(buf[8:16])
	h.UsedSize = binary.BigEndian.Uint64(buf[16:24])
	h.DataSize = binary.BigEndian.Uint64(buf[24:32])
	copy(h.Checksum[:], buf[32:48])
	s.Consume(int(headerSize))

	info.DataPos = s.Tell()
	return info, nil
}

// WriteTo emits the preamble and header. The header_size written is
// h.HeaderSize, or the minimum size if unset.
func (h *Header) WriteTo(w io.Writer) (int64, error) {
	size := h.HeaderSize
	if size < HeaderSize {
		size = HeaderSize
	}
	buf := make([]byte, MagicSize+2+int(size))
	copy(buf, Magic)
	binary.BigEndian.PutUint16(buf[MagicSize:], size)
	body := buf[MagicSize+2:]
	binary.BigEndian.PutUint32(body[0:4], h.Flags)
	copy(body[4:8], h.Compression[:])
	binary.BigEndian.PutUint64(body[8:16], h.AllocatedSize)
	binary.BigEndian.PutUint64(body[16:24], h.UsedSize)
	binary.BigEndian.PutUint64(body[24:32], h.DataSize)
	copy(body[32:48], h.Checksum[:])
	n, err := w.Write(buf)
	return int64(n), err
}

// Checksum computes the MD5 digest the block header stores.
func Checksum(data []byte) [ChecksumSize]byte {
	return md5.Sum(data)
}

// Index is the ordered list of block offsets from the block index appendix,
// or reconstructed during parsing. Offsets from a file are hints only and
// must be verified by parsing a header at each one.
type Index struct {
	Offsets []int64
}

// ParseIndex parses a block index appendix. It accepts the full appendix
// (header line, %YAML directive, document markers) or just the offset
// sequence.
func ParseIndex(buf []byte) (*Index, error) {
	// Strip the non-YAML-1.2 framing before handing the sequence to the
	// YAML engine: the header comment, the %YAML 1.1 directive and the
	// document end marker.
	var seq bytes.Buffer
	for _, line := range bytes.Split(buf, []byte("\n")) {
		line = bytes.TrimSuffix(line, []byte("\r"))
		trimmed := bytes.TrimSpace(line)
		if len(trimmed) == 0 || trimmed[0] == '#' || trimmed[0] == '%' {
			continue
		}
		if bytes.Equal(trimmed, []byte("...")) {
			break
		}
		seq.Write(line)
		seq.WriteByte('\n')
	}
	var offsets []int64
	if err := yaml.Unmarshal(seq.Bytes(), &offsets); err != nil {
		return nil, fmt.Errorf("parsing block index: %v", err)
	}
	for _, off := range offsets {
		if off < 0 {
			return nil, fmt.Errorf("parsing block index: negative offset %d", off)
		}
	}
	return &Index{Offsets: offsets}, nil
}

// WriteTo emits the complete appendix, including the header line.
func (idx *Index) WriteTo(w io.Writer) (int64, error) {
	var buf bytes.Buffer
	buf.Write(IndexHeader)
	buf.WriteString("\n%YAML 1.1\n---\n")
	for _, off := range idx.Offsets {
		fmt.Fprintf(&buf, "- %d\n", off)
	}
	buf.WriteString("...\n")
	n, err := w.Write(buf.Bytes())
	return int64(n), err
}
