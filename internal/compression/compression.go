// Package compression implements the compressor registry for ASDF binary
// blocks and the engine that materializes decompressed block data either
// eagerly (into memory or a spill file) or lazily (chunk by chunk as bytes
// are touched).
package compression

import (
	"bytes"
	"compress/bzip2"
	"io"
	"log"
	"sync"

	"github.com/klauspost/compress/zlib"
	"github.com/klauspost/pgzip"
	"golang.org/x/xerrors"
)

// Decompressor describes one registered compressor, keyed by the four-byte
// tag from the block header.
type Decompressor struct {
	Tag string

	// NewReader returns a streaming reader over the decompressed payload
	// and the codec's preferred chunk size in bytes (0 if it has no
	// preference).
	NewReader func(raw []byte) (io.ReadCloser, int, error)

	// Compress is the write-side counterpart; nil if the codec is
	// decompress-only.
	Compress func(data []byte) ([]byte, error)
}

var (
	registryMu   sync.Mutex
	registry     = map[string]*Decompressor{}
	registryOnce sync.Once
)

// Register adds a decompressor to the process-wide registry. The first
// registration for a tag wins; later ones log a warning.
func Register(d *Decompressor) {
	registerBuiltins()
	registryMu.Lock()
	defer registryMu.Unlock()
	if len(d.Tag) == 0 || len(d.Tag) > 4 {
		log.Printf("Warning: invalid compression tag %q in compressor registration", d.Tag)
		return
	}
	if _, ok := registry[d.Tag]; ok {
		log.Printf("Warning: compressor for %q already registered, ignoring", d.Tag)
		return
	}
	registry[d.Tag] = d
}

// Lookup returns the decompressor for tag, or nil if none is registered
// (callers degrade to copying the raw bytes).
func Lookup(tag string) *Decompressor {
	registerBuiltins()
	registryMu.Lock()
	defer registryMu.Unlock()
	return registry[tag]
}

func registerBuiltins() {
	registryOnce.Do(func() {
		registry["zlib"] = &Decompressor{Tag: "zlib", NewReader: newZlibReader, Compress: zlibCompress}
		registry["bzp2"] = &Decompressor{Tag: "bzp2", NewReader: newBzp2Reader}
		registry["lz4"] = &Decompressor{Tag: "lz4", NewReader: newLZ4Reader, Compress: lz4Compress}
	})
}

// newZlibReader auto-detects the gzip and zlib wrappers, matching zlib's
// inflateInit2(15+32) behavior in legacy writers.
func newZlibReader(raw []byte) (io.ReadCloser, int, error) {
	if len(raw) >= 2 && raw[0] == 0x1f && raw[1] == 0x8b {
		zr, err := pgzip.NewReader(bytes.NewReader(raw))
		if err != nil {
			return nil, 0, xerrors.Errorf("gzip init: %w", err)
		}
		return zr, 0, nil
	}
	zr, err := zlib.NewReader(bytes.NewReader(raw))
	if err != nil {
		return nil, 0, xerrors.Errorf("zlib init: %w", err)
	}
	return zr, 0, nil
}

func zlibCompress(data []byte) ([]byte, error) {
	var buf bytes.Buffer
	zw := zlib.NewWriter(&buf)
	if _, err := zw.Write(data); err != nil {
		return nil, err
	}
	if err := zw.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// The standard library bzip2 package is read-only, which is all block
// decompression needs; bzp2-compressed output is not supported.
func newBzp2Reader(raw []byte) (io.ReadCloser, int, error) {
	return io.NopCloser(bzip2.NewReader(bytes.NewReader(raw))), 0, nil
}
