package compression

import (
	"io"
	"log"
	"os"
	"sync"

	"golang.org/x/sys/unix"
	"golang.org/x/xerrors"
)

// Mode selects how block data is decompressed.
type Mode int

const (
	// ModeAuto uses lazy decompression when possible, eager otherwise.
	ModeAuto Mode = iota
	// ModeEager always decompresses the whole block up front.
	ModeEager
	// ModeLazy decompresses chunk-by-chunk as bytes are first touched.
	ModeLazy
)

// Options mirrors the decomp.* configuration of a file.
type Options struct {
	Mode Mode

	// MaxMemoryBytes is the hard ceiling before decompressed data spills to
	// a temp file; 0 means no limit.
	MaxMemoryBytes uint64

	// MaxMemoryThreshold is a fraction of total system memory; 0 disables.
	MaxMemoryThreshold float64

	// ChunkSize is the preferred lazy chunk size; rounded up to a page
	// multiple, 0 means one page.
	ChunkSize int

	// TmpDir overrides the spill directory (else ASDF_TMPDIR, TMPDIR, /tmp).
	TmpDir string
}

func resolveTmpDir(override string) string {
	if override != "" {
		return override
	}
	if dir := os.Getenv("ASDF_TMPDIR"); dir != "" {
		return dir
	}
	if dir := os.Getenv("TMPDIR"); dir != "" {
		return dir
	}
	return "/tmp"
}

func totalMemory() uint64 {
	var si unix.Sysinfo_t
	if err := unix.Sysinfo(&si); err != nil {
		return 0
	}
	return uint64(si.Totalram) * uint64(si.Unit)
}

// maxMemory computes the spill threshold: min(MaxMemoryBytes,
// total × MaxMemoryThreshold), with 0 meaning unlimited.
func (o *Options) maxMemory() uint64 {
	max := ^uint64(0)
	if o.MaxMemoryThreshold > 0 {
		if total := totalMemory(); total > 0 {
			max = uint64(float64(total) * o.MaxMemoryThreshold)
		}
	}
	if o.MaxMemoryBytes > 0 && o.MaxMemoryBytes < max {
		max = o.MaxMemoryBytes
	}
	return max
}

// Region is a materialized view of one block's decompressed bytes. For
// uncompressed blocks it simply aliases the raw payload. Closing a Region
// releases any mapping, spill file and codec state; a lazy Region in the
// middle of decompression is cancelled deterministically.
type Region struct {
	data []byte
	size int64

	mapped bool     // data is an mmap that must be unmapped
	f      *os.File // spill file, if any
	ownFD  bool

	lazy *lazyState
}

type lazyState struct {
	mu        sync.Mutex
	rd        io.ReadCloser
	produced  int64
	chunkSize int
	closed    bool
}

// Size returns the uncompressed length in bytes.
func (r *Region) Size() int64 { return r.size }

// OwnFD reports whether the region owns a spill-file descriptor.
func (r *Region) OwnFD() bool { return r.ownFD }

// Fd returns the spill file descriptor, or -1.
func (r *Region) Fd() int {
	if r.f == nil {
		return -1
	}
	return int(r.f.Fd())
}

// Bytes returns the full decompressed payload, forcing materialization of
// any remaining lazy chunks.
func (r *Region) Bytes() ([]byte, error) {
	if r.lazy != nil {
		if err := r.materialize(r.size); err != nil {
			return nil, err
		}
	}
	return r.data[:r.size], nil
}

// ReadAt implements io.ReaderAt over the decompressed payload. In lazy mode
// this is the touch point: chunks covering [off, off+len(p)) are
// materialized on demand.
func (r *Region) ReadAt(p []byte, off int64) (int, error) {
	if off < 0 || off >= r.size {
		return 0, io.EOF
	}
	end := off + int64(len(p))
	if end > r.size {
		end = r.size
	}
	if r.lazy != nil {
		if err := r.materialize(end); err != nil {
			return 0, err
		}
	}
	n := copy(p, r.data[off:end])
	if int64(n) < int64(len(p)) {
		return n, io.EOF
	}
	return n, nil
}

// materialize decompresses sequentially until at least upto bytes of the
// destination are populated, one chunk multiple at a time.
func (r *Region) materialize(upto int64) error {
	ls := r.lazy
	ls.mu.Lock()
	defer ls.mu.Unlock()
	if ls.closed {
		return xerrors.New("read on closed block region")
	}
	for ls.produced < upto {
		want := ls.produced + int64(ls.chunkSize)
		if want > r.size {
			want = r.size
		}
		n, err := io.ReadFull(ls.rd, r.data[ls.produced:want])
		ls.produced += int64(n)
		if err == io.ErrUnexpectedEOF || err == io.EOF {
			if ls.produced < upto {
				return xerrors.Errorf("decompressed stream ended %d bytes short", upto-ls.produced)
			}
			return nil
		}
		if err != nil {
			return err
		}
	}
	return nil
}

// Close releases the region. Closing during lazy decompression stops the
// codec before releasing its buffers.
func (r *Region) Close() error {
	var firstErr error
	if r.lazy != nil {
		r.lazy.mu.Lock()
		r.lazy.closed = true
		if err := r.lazy.rd.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
		r.lazy.mu.Unlock()
	}
	if r.mapped {
		if err := unix.Munmap(r.data); err != nil && firstErr == nil {
			firstErr = err
		}
		r.data = nil
	}
	if r.f != nil && r.ownFD {
		if err := r.f.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
		r.f = nil
	}
	return firstErr
}

// createSpillFile makes an anonymous (immediately unlinked) temp file of the
// given size in the configured spill directory.
func createSpillFile(dir string, size int64) (*os.File, error) {
	f, err := os.CreateTemp(dir, "asdf-go-block-*")
	if err != nil {
		return nil, err
	}
	// Unlink immediately so the file vanishes when closed.
	if err := os.Remove(f.Name()); err != nil {
		f.Close()
		return nil, err
	}
	if err := f.Truncate(size); err != nil {
		f.Close()
		return nil, err
	}
	return f, nil
}

func roundUpPage(n int) int {
	page := os.Getpagesize()
	if n <= 0 {
		return page
	}
	return (n + page - 1) &^ (page - 1)
}

// Open materializes the payload of one block. raw is the compressed (or
// plain) payload, tag the four-byte compression tag from the header, and
// dataSize the uncompressed size. Unknown tags degrade to returning the raw
// bytes verbatim with a warning.
func Open(raw []byte, tag string, dataSize int64, opts *Options) (*Region, error) {
	if tag == "" {
		return &Region{data: raw, size: int64(len(raw))}, nil
	}
	d := Lookup(tag)
	if d == nil {
		log.Printf("Warning: unsupported block compression option %q; block data will simply be copied verbatim", tag)
		return &Region{data: raw, size: int64(len(raw))}, nil
	}

	rd, optimalChunk, err := d.NewReader(raw)
	if err != nil {
		return nil, err
	}
	if dataSize == 0 {
		rd.Close()
		return &Region{data: []byte{}}, nil
	}

	useFile := uint64(dataSize) > opts.maxMemory()
	mode := opts.Mode
	useLazy := mode == ModeAuto || mode == ModeLazy
	if useLazy && useFile {
		if mode == ModeAuto {
			useLazy = false
		} else {
			// The user explicitly requested lazy mode; disable file backing
			// instead.
			log.Printf("Warning: lazy decompression cannot spill to a temp file; keeping the data in memory")
			useFile = false
		}
	}

	r := &Region{size: dataSize}
	if useFile {
		f, err := createSpillFile(resolveTmpDir(opts.TmpDir), dataSize)
		if err != nil {
			rd.Close()
			return nil, xerrors.Errorf("creating spill file: %w", err)
		}
		data, err := unix.Mmap(int(f.Fd()), 0, int(dataSize), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
		if err != nil {
			f.Close()
			rd.Close()
			return nil, xerrors.Errorf("mapping spill file: %w", err)
		}
		r.data = data
		r.mapped = true
		r.f = f
		r.ownFD = true
	} else {
		data, err := unix.Mmap(-1, 0, int(dataSize), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_PRIVATE|unix.MAP_ANON)
		if err != nil {
			rd.Close()
			return nil, xerrors.Errorf("mapping block destination: %w", err)
		}
		r.data = data
		r.mapped = true
	}

	if useLazy {
		chunk := opts.ChunkSize
		if optimalChunk > chunk {
			chunk = optimalChunk
		}
		r.lazy = &lazyState{rd: rd, chunkSize: roundUpPage(chunk)}
		return r, nil
	}

	// Eager: fill the whole destination, then demote it to read-only.
	if _, err := io.ReadFull(rd, r.data[:dataSize]); err != nil {
		rd.Close()
		r.Close()
		return nil, xerrors.Errorf("decompressing block: %w", err)
	}
	rd.Close()
	if len(r.data) > 0 {
		if err := unix.Mprotect(r.data, unix.PROT_READ); err != nil {
			log.Printf("Warning: mprotect on decompressed block failed: %v", err)
		}
	}
	return r, nil
}
