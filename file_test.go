package asdf

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/orcaman/writerseeker"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"
)

func TestOpenCloseNoError(t *testing.T) {
	fn := filepath.Join(t.TempDir(), "empty.asdf")
	require.NoError(t, os.WriteFile(fn, []byte("#ASDF 1.0.0\n#ASDF_STANDARD 1.6.0\n"), 0644))
	f, err := Open(fn)
	require.NoError(t, err)
	require.NoError(t, f.Close())
	assert.Empty(t, Error(f))
}

func TestVersions(t *testing.T) {
	f := openTree(t, "a: 1\n")
	assert.Equal(t, "1.0.0", f.ASDFVersion())
	assert.Equal(t, "1.6.0", f.StandardVersion())
}

// writeCompressedFile builds a file with one int64[128] = 0..127 array per
// compression.
func writeCompressedFile(t *testing.T) []byte {
	t.Helper()
	f := NewFile(nil)
	data := int64LE(iota64(128)...)
	for _, tag := range []string{"zlib", "lz4"} {
		index := f.AppendBlockCompressed(data, tag)
		m := f.NewMapping()
		m.SetInt64("source", int64(index))
		m.SetString("datatype", "int64")
		m.SetString("byteorder", "little")
		shape := f.NewSequence()
		shape.AppendUint64(128)
		shape.SetFlowStyle()
		m.SetSequence("shape", shape)
		m.Value().SetTag(NDArrayTag)
		require.NoError(t, f.SetValue("/"+tag, m.Value()))
	}
	var buf bytes.Buffer
	require.NoError(t, f.WriteTo(&buf))
	return buf.Bytes()
}

// Scenario: for each of eager and lazy mode and each compression, reading
// the whole array yields 0..127.
func TestCompressedBlockParity(t *testing.T) {
	raw := writeCompressedFile(t)
	want := int64LE(iota64(128)...)
	for _, mode := range []DecompMode{DecompEager, DecompLazy} {
		for _, tag := range []string{"zlib", "lz4"} {
			f, err := OpenMem(raw, &Config{Decomp: DecompConfig{Mode: mode}})
			require.NoError(t, err)
			arr, err := Get[*NDArray](f, "/"+tag)
			require.NoError(t, err, tag)
			got, err := arr.DataRaw()
			require.NoError(t, err, tag)
			assert.Equal(t, want, got, "mode %v tag %s", mode, tag)
			f.Close()
		}
	}
}

// For every byte offset, lazy mode and eager mode return the same byte.
func TestLazyEagerByteEquality(t *testing.T) {
	raw := writeCompressedFile(t)
	eagerF, err := OpenMem(raw, &Config{Decomp: DecompConfig{Mode: DecompEager}})
	require.NoError(t, err)
	defer eagerF.Close()
	lazyF, err := OpenMem(raw, &Config{Decomp: DecompConfig{Mode: DecompLazy}})
	require.NoError(t, err)
	defer lazyF.Close()

	eb, err := eagerF.OpenBlock(0)
	require.NoError(t, err)
	lb, err := lazyF.OpenBlock(0)
	require.NoError(t, err)

	size := int64(eb.DataSize())
	one := make([]byte, 1)
	other := make([]byte, 1)
	for off := int64(0); off < size; off++ {
		_, err1 := eb.ReadAt(one, off)
		_, err2 := lb.ReadAt(other, off)
		require.NoError(t, err1)
		require.NoError(t, err2)
		if one[0] != other[0] {
			t.Fatalf("offset %d: eager %#x != lazy %#x", off, one[0], other[0])
		}
	}
}

// Scenario: with decomp.max_memory_bytes = 1 the block data spills to an
// unlinked temp file whose descriptor the handle owns.
func TestBlockSpill(t *testing.T) {
	raw := writeCompressedFile(t)
	f, err := OpenMem(raw, &Config{Decomp: DecompConfig{MaxMemoryBytes: 1}})
	require.NoError(t, err)
	defer f.Close()

	b, err := f.OpenBlock(0)
	require.NoError(t, err)
	data, err := b.Data()
	require.NoError(t, err)
	assert.Equal(t, int64LE(iota64(128)...), data)

	require.True(t, b.OwnFD())
	fd := b.Fd()
	require.Greater(t, fd, 2)
	var st unix.Stat_t
	require.NoError(t, unix.Fstat(fd, &st))
	assert.Equal(t, uint32(unix.S_IFREG), uint32(st.Mode&unix.S_IFMT))

	require.NoError(t, b.Close())
	assert.Error(t, unix.Close(fd), "fd still open after block close")
}

func TestChecksumVerify(t *testing.T) {
	raw := writeCompressedFile(t)
	f, err := OpenMem(raw, nil)
	require.NoError(t, err)
	defer f.Close()
	n := f.BlockCount()
	require.Equal(t, 2, n)
	for i := 0; i < n; i++ {
		b, err := f.OpenBlock(i)
		require.NoError(t, err)
		ok, _, err := b.VerifyChecksum()
		require.NoError(t, err)
		assert.True(t, ok, "block %d", i)
	}
}

func TestChecksumMismatchDetected(t *testing.T) {
	raw := writeCompressedFile(t)
	// Corrupt one payload byte of the first block (its header is intact).
	f, err := OpenMem(raw, nil)
	require.NoError(t, err)
	b, err := f.OpenBlock(0)
	require.NoError(t, err)
	hdr := b.Header()
	f.Close()

	corrupted := append([]byte(nil), raw...)
	at := bytes.Index(corrupted, []byte{0xd3, 'B', 'L', 'K'})
	require.Greater(t, at, 0)
	payload := at + 6 + int(hdr.HeaderSize)
	corrupted[payload] ^= 0xff

	g, err := OpenMem(corrupted, nil)
	require.NoError(t, err)
	defer g.Close()
	b, err = g.OpenBlock(0)
	require.NoError(t, err)
	ok, _, err := b.VerifyChecksum()
	require.NoError(t, err)
	assert.False(t, ok)
}

// Scenario: a default tag handle maps ! to the ASDF prefix; short tags
// canonicalize and resolve extensions.
func TestTagNormalization(t *testing.T) {
	f := openTree(t, "nd: !core/ndarray-1.1.0\n  source: 0\n  datatype: int64\n  byteorder: little\n  shape: [1]\n")
	v := f.Get("/nd")
	require.NotNil(t, v)
	assert.Equal(t, "tag:stsci.edu:asdf/core/ndarray-1.1.0", v.Tag())
	assert.True(t, Is[*NDArray](v))
}

// A %TAG directive in the document expands handles in the engine; the
// canonical form passes through untouched.
func TestTagNormalizationTagDirective(t *testing.T) {
	doc := "#ASDF 1.0.0\n#ASDF_STANDARD 1.6.0\n%YAML 1.1\n%TAG ! tag:stsci.edu:asdf/\n---\nnd: !core/ndarray-1.1.0\n  source: 0\n  datatype: int64\n  byteorder: little\n  shape: [1]\n...\n"
	f, err := OpenMem([]byte(doc), nil)
	require.NoError(t, err)
	defer f.Close()
	v := f.Get("/nd")
	require.NotNil(t, v)
	assert.Equal(t, "tag:stsci.edu:asdf/core/ndarray-1.1.0", v.Tag())
	assert.True(t, Is[*NDArray](v))
}

// Configured tag handles expand short tags assigned in memory.
func TestTagNormalizationCustomHandle(t *testing.T) {
	cfg := &Config{Emitter: EmitterConfig{TagHandles: []TagHandle{{Handle: "!w!", Prefix: "tag:example.org:weird/"}}}}
	f := NewFile(cfg)
	m := f.NewMapping()
	m.Value().SetTag("!w!thing-1.0.0")
	assert.Equal(t, "tag:example.org:weird/thing-1.0.0", m.Value().Tag())
}

func TestHistoryAndSoftwareRoundTrip(t *testing.T) {
	f := NewFile(nil)
	entry := &HistoryEntry{
		Description: "initial creation",
		Time:        time.Date(2024, 4, 1, 12, 30, 0, 0, time.UTC),
		Software: []*Software{
			{Name: "asdf-go", Version: "0.1.0"},
		},
	}
	v, err := Of(f, entry)
	require.NoError(t, err)
	require.NoError(t, f.SetValue("/history/entries/[0]", v))

	var buf bytes.Buffer
	require.NoError(t, f.WriteTo(&buf))

	g, err := OpenMem(buf.Bytes(), nil)
	require.NoError(t, err)
	defer g.Close()
	entries := g.History()
	require.Len(t, entries, 1)
	assert.Equal(t, "initial creation", entries[0].Description)
	assert.True(t, entry.Time.Equal(entries[0].Time))
	require.Len(t, entries[0].Software, 1)
	assert.Equal(t, "asdf-go", entries[0].Software[0].Name)
	assert.Equal(t, "0.1.0", entries[0].Software[0].Version)
}

// A relaxed (space-separated) timestamp parses too.
func TestHistoryRelaxedTime(t *testing.T) {
	f := openTree(t, `history:
  entries:
  - description: relaxed
    time: 2024-04-01 12:30:00.5
`)
	entries := f.History()
	require.Len(t, entries, 1)
	want := time.Date(2024, 4, 1, 12, 30, 0, 500000000, time.UTC)
	assert.True(t, want.Equal(entries[0].Time), "got %v", entries[0].Time)
}

// Repack through an in-memory write target: the output reparses with an
// equal tree and equal block bytes.
func TestRepackRoundTrip(t *testing.T) {
	orig := writeCompressedFile(t)
	f, err := OpenMem(orig, nil)
	require.NoError(t, err)
	defer f.Close()

	ws := &writerseeker.WriterSeeker{}
	require.NoError(t, f.WriteTo(ws))
	repacked, err := os.ReadFile(writeAll(t, ws))
	require.NoError(t, err)

	g, err := OpenMem(repacked, nil)
	require.NoError(t, err)
	defer g.Close()

	assert.Equal(t, 2, g.BlockCount())
	for _, tag := range []string{"zlib", "lz4"} {
		arr, err := Get[*NDArray](g, "/"+tag)
		require.NoError(t, err, tag)
		data, err := arr.DataRaw()
		require.NoError(t, err, tag)
		assert.Equal(t, int64LE(iota64(128)...), data, tag)
		arr.Close()
	}
}

// writeAll spools a writerseeker buffer to a file so it can be re-read.
func writeAll(t *testing.T, ws *writerseeker.WriterSeeker) string {
	t.Helper()
	fn := filepath.Join(t.TempDir(), "repacked.asdf")
	f, err := os.Create(fn)
	require.NoError(t, err)
	defer f.Close()
	_, err = ws.BytesReader().WriteTo(f)
	require.NoError(t, err)
	return fn
}

func TestWriteFileAtomic(t *testing.T) {
	fn := filepath.Join(t.TempDir(), "out.asdf")
	f := NewFile(nil)
	require.NoError(t, f.SetValue("/hello", f.NewString("world")))
	require.NoError(t, f.WriteFile(fn))

	g, err := Open(fn)
	require.NoError(t, err)
	defer g.Close()
	s, err := g.GetString("/hello")
	require.NoError(t, err)
	assert.Equal(t, "world", s)
}

// The emitter flags control whether empty files produce any output.
func TestEmitEmpty(t *testing.T) {
	var buf bytes.Buffer
	f := NewFile(nil)
	require.NoError(t, f.WriteTo(&buf))
	assert.Zero(t, buf.Len())

	buf.Reset()
	f = NewFile(&Config{Emitter: EmitterConfig{Flags: EmitEmpty}})
	require.NoError(t, f.WriteTo(&buf))
	assert.Equal(t, "#ASDF 1.0.0\n#ASDF_STANDARD 1.6.0\n", buf.String())
}

func TestNoBlockIndex(t *testing.T) {
	f := NewFile(&Config{Emitter: EmitterConfig{Flags: NoBlockIndex}})
	f.AppendBlock([]byte("payload"))
	var buf bytes.Buffer
	require.NoError(t, f.WriteTo(&buf))
	assert.NotContains(t, buf.String(), "#ASDF BLOCK INDEX")

	g := NewFile(nil)
	g.AppendBlock([]byte("payload"))
	buf.Reset()
	require.NoError(t, g.WriteTo(&buf))
	assert.Contains(t, buf.String(), "#ASDF BLOCK INDEX")
}

func TestStreamedBlockCeiling(t *testing.T) {
	var input bytes.Buffer
	input.WriteString("#ASDF 1.0.0\n#ASDF_STANDARD 1.6.0\n")
	hdr := make([]byte, 54)
	copy(hdr, []byte{0xd3, 'B', 'L', 'K', 0, 48})
	hdr[9] = 0x01 // flags: streamed
	input.Write(hdr)
	input.Write(bytes.Repeat([]byte{0x55}, 1000))

	f, err := OpenMem(input.Bytes(), &Config{MaxStreamedBlockSize: 100})
	require.NoError(t, err)
	defer f.Close()
	b, err := f.OpenBlock(0)
	require.NoError(t, err)
	data, err := b.Data()
	require.NoError(t, err)
	assert.Len(t, data, 100)
}
