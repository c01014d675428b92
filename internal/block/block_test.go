package block

import (
	"bytes"
	"errors"
	"testing"

	"github.com/asdf-format/asdf-go/internal/stream"
	"github.com/google/go-cmp/cmp"
)

func TestHeaderRoundTrip(t *testing.T) {
	h := Header{
		Flags:         FlagStreamed,
		AllocatedSize: 1024,
		UsedSize:      512,
		DataSize:      4096,
	}
	copy(h.Compression[:], "zlib")
	h.Checksum = Checksum([]byte("payload"))

	var buf bytes.Buffer
	if _, err := h.WriteTo(&buf); err != nil {
		t.Fatal(err)
	}
	if got, want := buf.Len(), FullHeaderSize; got != want {
		t.Fatalf("encoded size: got %d, want %d", got, want)
	}

	info, err := ReadInfo(stream.FromMemory(buf.Bytes()))
	if err != nil {
		t.Fatal(err)
	}
	want := h
	want.HeaderSize = HeaderSize
	if diff := cmp.Diff(want, info.Header); diff != "" {
		t.Fatalf("header: diff (-want +got):\n%s", diff)
	}
	if !info.Header.Streamed() {
		t.Fatal("Streamed: got false, want true")
	}
	if got, want := info.Header.CompressionTag(), "zlib"; got != want {
		t.Fatalf("CompressionTag: got %q, want %q", got, want)
	}
	if got, want := info.DataPos, int64(FullHeaderSize); got != want {
		t.Fatalf("DataPos: got %d, want %d", got, want)
	}
}

func TestReadInfoRejectsShortHeaderSize(t *testing.T) {
	buf := append(append([]byte{}, Magic...), 0x00, 0x2f) // header_size = 47
	buf = append(buf, make([]byte, 47)...)
	if _, err := ReadInfo(stream.FromMemory(buf)); err == nil || !errors.Is(err, ErrInvalidHeader) {
		t.Fatalf("ReadInfo: got %v, want ErrInvalidHeader", err)
	}
}

func TestReadInfoTruncated(t *testing.T) {
	buf := append(append([]byte{}, Magic...), 0x00, 0x30)
	buf = append(buf, make([]byte, 10)...) // only 10 of 48 header bytes
	if _, err := ReadInfo(stream.FromMemory(buf)); err == nil || !errors.Is(err, ErrUnexpectedEOF) {
		t.Fatalf("ReadInfo: got %v, want ErrUnexpectedEOF", err)
	}
}

func TestReadInfoMagicMismatch(t *testing.T) {
	buf := []byte("not a block at all")
	if _, err := ReadInfo(stream.FromMemory(buf)); err != ErrMagicMismatch {
		t.Fatalf("ReadInfo: got %v, want ErrMagicMismatch", err)
	}
}

func TestIndexRoundTrip(t *testing.T) {
	idx := &Index{Offsets: []int64{100, 2048, 65536}}
	var buf bytes.Buffer
	if _, err := idx.WriteTo(&buf); err != nil {
		t.Fatal(err)
	}
	if !bytes.HasPrefix(buf.Bytes(), IndexHeader) {
		t.Fatalf("appendix does not start with the index header: %q", buf.Bytes())
	}
	parsed, err := ParseIndex(buf.Bytes())
	if err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff(idx.Offsets, parsed.Offsets); diff != "" {
		t.Fatalf("offsets: diff (-want +got):\n%s", diff)
	}
}

func TestParseIndexRejectsNegative(t *testing.T) {
	if _, err := ParseIndex([]byte("---\n- -5\n...\n")); err == nil {
		t.Fatal("ParseIndex accepted a negative offset")
	}
}
