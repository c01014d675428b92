package stream

import (
	"bytes"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"
)

func writeTempFile(t *testing.T, contents []byte) string {
	t.Helper()
	fn := filepath.Join(t.TempDir(), "stream.bin")
	if err := os.WriteFile(fn, contents, 0644); err != nil {
		t.Fatal(err)
	}
	return fn
}

func streams(t *testing.T, contents []byte) map[string]Stream {
	t.Helper()
	fs, err := FromFile(writeTempFile(t, contents))
	if err != nil {
		t.Fatal(err)
	}
	return map[string]Stream{
		"file": fs,
		"mem":  FromMemory(contents),
	}
}

func TestNextConsume(t *testing.T) {
	for name, s := range streams(t, []byte("hello world")) {
		t.Run(name, func(t *testing.T) {
			buf, err := s.Next(5)
			if err != nil {
				t.Fatal(err)
			}
			if got, want := string(buf[:5]), "hello"; got != want {
				t.Fatalf("Next: got %q, want %q", got, want)
			}
			s.Consume(6)
			buf, err = s.Next(5)
			if err != nil {
				t.Fatal(err)
			}
			if got, want := string(buf[:5]), "world"; got != want {
				t.Fatalf("Next after Consume: got %q, want %q", got, want)
			}
			s.Consume(5)
			if _, err := s.Next(1); err != io.EOF {
				t.Fatalf("Next at EOF: got %v, want io.EOF", err)
			}
			if got, want := s.Tell(), int64(11); got != want {
				t.Fatalf("Tell: got %d, want %d", got, want)
			}
		})
	}
}

func TestReadLine(t *testing.T) {
	for name, s := range streams(t, []byte("first\nsecond\nlast")) {
		t.Run(name, func(t *testing.T) {
			var lines []string
			for {
				line, err := s.ReadLine()
				if err == io.EOF {
					break
				}
				if err != nil {
					t.Fatal(err)
				}
				lines = append(lines, string(line))
			}
			want := []string{"first\n", "second\n", "last"}
			if diff := cmp.Diff(want, lines); diff != "" {
				t.Fatalf("lines: diff (-want +got):\n%s", diff)
			}
		})
	}
}

// A line longer than the internal buffer is truncated on file streams, and
// the stream still advances to the start of the following line.
func TestReadLineTruncation(t *testing.T) {
	long := strings.Repeat("x", defaultBufSize+100)
	fs, err := FromFile(writeTempFile(t, []byte(long+"\nnext\n")))
	if err != nil {
		t.Fatal(err)
	}
	line, err := fs.ReadLine()
	if err != nil {
		t.Fatal(err)
	}
	if len(line) != defaultBufSize {
		t.Fatalf("truncated line: got %d bytes, want %d", len(line), defaultBufSize)
	}
	next, err := fs.ReadLine()
	if err != nil {
		t.Fatal(err)
	}
	if got, want := string(next), "next\n"; got != want {
		t.Fatalf("line after truncation: got %q, want %q", got, want)
	}
}

func TestScan(t *testing.T) {
	contents := append(bytes.Repeat([]byte{0xff}, 100), []byte("needle")...)
	contents = append(contents, bytes.Repeat([]byte{0xee}, 50)...)
	for name, s := range streams(t, contents) {
		t.Run(name, func(t *testing.T) {
			off, tok, err := s.Scan([][]byte{[]byte("nope"), []byte("needle")})
			if err != nil {
				t.Fatal(err)
			}
			if tok != 1 {
				t.Fatalf("token: got %d, want 1", tok)
			}
			if off != 100 {
				t.Fatalf("offset: got %d, want 100", off)
			}
			buf, err := s.Next(6)
			if err != nil {
				t.Fatal(err)
			}
			if got, want := string(buf[:6]), "needle"; got != want {
				t.Fatalf("positioned at %q, want %q", got, want)
			}
		})
	}
}

// A token straddling the refill boundary must still be found.
func TestScanAcrossBufferBoundary(t *testing.T) {
	contents := append(bytes.Repeat([]byte{'a'}, defaultBufSize-3), []byte("needle")...)
	fs, err := FromFile(writeTempFile(t, contents))
	if err != nil {
		t.Fatal(err)
	}
	off, tok, err := fs.Scan([][]byte{[]byte("needle")})
	if err != nil {
		t.Fatal(err)
	}
	if tok != 0 {
		t.Fatalf("token: got %d, want 0", tok)
	}
	if want := int64(defaultBufSize - 3); off != want {
		t.Fatalf("offset: got %d, want %d", off, want)
	}
}

func TestScanNoMatchConsumesAll(t *testing.T) {
	for name, s := range streams(t, bytes.Repeat([]byte{'z'}, 300)) {
		t.Run(name, func(t *testing.T) {
			if _, _, err := s.Scan([][]byte{[]byte("needle")}); err != io.EOF {
				t.Fatalf("Scan: got %v, want io.EOF", err)
			}
			if _, err := s.Next(1); err != io.EOF {
				t.Fatalf("stream not exhausted after failed scan: %v", err)
			}
		})
	}
}

func TestCapture(t *testing.T) {
	for name, s := range streams(t, []byte("abcdefgh")) {
		t.Run(name, func(t *testing.T) {
			if _, err := s.Next(2); err != nil {
				t.Fatal(err)
			}
			s.Consume(2) // not captured
			var captured bytes.Buffer
			s.SetCapture(&captured)
			buf, err := s.Next(4)
			if err != nil {
				t.Fatal(err)
			}
			_ = buf
			s.Consume(4)
			s.SetCapture(nil)
			s.Consume(2)
			if got, want := captured.String(), "cdef"; got != want {
				t.Fatalf("captured: got %q, want %q", got, want)
			}
		})
	}
}

func TestOpenMem(t *testing.T) {
	for name, s := range streams(t, []byte("0123456789")) {
		t.Run(name, func(t *testing.T) {
			if _, err := s.Next(3); err != nil {
				t.Fatal(err)
			}
			s.Consume(3) // OpenMem must not depend on stream position
			win, err := s.OpenMem(4, 3)
			if err != nil {
				t.Fatal(err)
			}
			if got, want := string(win), "456"; got != want {
				t.Fatalf("OpenMem: got %q, want %q", got, want)
			}
			if got := s.Tell(); got != 3 {
				t.Fatalf("OpenMem disturbed position: %d", got)
			}
		})
	}
}

func TestSeek(t *testing.T) {
	for name, s := range streams(t, []byte("0123456789")) {
		t.Run(name, func(t *testing.T) {
			if _, err := s.Seek(7, io.SeekStart); err != nil {
				t.Fatal(err)
			}
			buf, err := s.Next(1)
			if err != nil {
				t.Fatal(err)
			}
			if buf[0] != '7' {
				t.Fatalf("after seek: got %q, want '7'", buf[0])
			}
		})
	}
}

func TestSize(t *testing.T) {
	for name, s := range streams(t, []byte("0123456789")) {
		t.Run(name, func(t *testing.T) {
			size, err := s.Size()
			if err != nil {
				t.Fatal(err)
			}
			if size != 10 {
				t.Fatalf("Size: got %d, want 10", size)
			}
		})
	}
}
