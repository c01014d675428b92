// Package stream provides the byte-source abstraction the ASDF parser walks:
// buffered peeking, consuming, line reading and multi-token scanning over
// file-descriptor or in-memory sources, without assuming seekability.
package stream

import (
	"bytes"
	"fmt"
	"io"
	"os"

	"golang.org/x/xerrors"
)

// Stream is the reader interface consumed by the parser. Next peeks without
// advancing; Consume advances. A Stream is positioned at the first byte not
// yet consumed.
type Stream interface {
	// Next returns a buffer holding at least one byte if any input remains,
	// trying to make n bytes available. The returned slice is valid until the
	// next call on the stream. Returns nil, io.EOF at end of input.
	Next(n int) ([]byte, error)

	// Consume advances the position by n bytes (n must not exceed what Next
	// reported available).
	Consume(n int)

	// ReadLine returns the current line including its terminating newline.
	// On non-seekable sources a line longer than the internal buffer is
	// truncated and the remainder of the line discarded.
	ReadLine() ([]byte, error)

	// Scan advances to just before the first occurrence of any token,
	// consuming the scanned range. It returns the absolute offset of the
	// match and the index of the matching token. If no token is found the
	// remaining input is consumed and io.EOF returned.
	Scan(tokens [][]byte) (off int64, token int, err error)

	// Seek repositions the stream. Non-seekable streams accept only a
	// non-negative offset relative to the current position, implemented by
	// reading and discarding.
	Seek(offset int64, whence int) (int64, error)

	// Tell reports the current (consumed-up-to) position.
	Tell() int64

	Seekable() bool

	// SetCapture arranges for every subsequently consumed byte to be
	// appended to buf. A nil buf disables capture.
	SetCapture(buf *bytes.Buffer)

	// OpenMem returns length bytes starting at absolute position pos,
	// independent of the stream position. Used for random access to block
	// payloads. Short reads report how many bytes were available.
	OpenMem(pos, length int64) ([]byte, error)

	// ReadToEOF returns all bytes from absolute position pos to the end of
	// input. Only valid on seekable streams; used for streamed blocks.
	ReadToEOF(pos int64) ([]byte, error)

	// Size reports the total input length, if knowable without disturbing
	// the stream position.
	Size() (int64, error)

	Close() error
}

// scanTokens searches buf for the first occurrence of any token. It returns
// the offset of the match and the token index, or -1, -1 if none matched.
func scanTokens(buf []byte, tokens [][]byte) (int, int) {
	best := -1
	bestTok := -1
	for i, tok := range tokens {
		if len(tok) == 0 {
			continue
		}
		if idx := bytes.Index(buf, tok); idx >= 0 && (best == -1 || idx < best) {
			best = idx
			bestTok = i
		}
	}
	return best, bestTok
}

func maxTokenLen(tokens [][]byte) int {
	max := 0
	for _, tok := range tokens {
		if len(tok) > max {
			max = len(tok)
		}
	}
	return max
}

const defaultBufSize = 8192

// fileStream reads from an *os.File (or any file-like handle) through a
// sliding buffer so that token scans work across buffer refills.
type fileStream struct {
	f           *os.File
	shouldClose bool
	seekable    bool

	buf     []byte
	bufPos  int
	bufAvail int
	filePos int64 // position of buf[bufPos] in the file

	capture *bytes.Buffer
}

// FromFile opens filename for reading.
func FromFile(filename string) (Stream, error) {
	f, err := os.Open(filename)
	if err != nil {
		return nil, err
	}
	s := newFileStream(f)
	s.shouldClose = true
	return s, nil
}

// FromOSFile wraps an already-open file. The caller retains ownership of f.
func FromOSFile(f *os.File) Stream {
	return newFileStream(f)
}

func newFileStream(f *os.File) *fileStream {
	seekable := true
	if _, err := f.Seek(0, io.SeekCurrent); err != nil {
		seekable = false
	}
	return &fileStream{
		f:        f,
		seekable: seekable,
		buf:      make([]byte, defaultBufSize),
	}
}

func (s *fileStream) Seekable() bool { return s.seekable }

func (s *fileStream) SetCapture(buf *bytes.Buffer) { s.capture = buf }

func (s *fileStream) Next(n int) ([]byte, error) {
	if n > len(s.buf) {
		// Growing the buffer is effectively unbounded if callers pass large
		// counts, so they don't: block headers cap out at 64k.
		grown := make([]byte, n)
		copy(grown, s.buf[s.bufPos:s.bufAvail])
		s.bufAvail -= s.bufPos
		s.bufPos = 0
		s.buf = grown
	}
	remain := s.bufAvail - s.bufPos
	if remain < n {
		// Shift what's left to the front and refill.
		copy(s.buf, s.buf[s.bufPos:s.bufAvail])
		s.bufAvail = remain
		s.bufPos = 0
		m, err := io.ReadFull(s.f, s.buf[s.bufAvail:])
		s.bufAvail += m
		if err != nil && err != io.EOF && err != io.ErrUnexpectedEOF {
			return nil, err
		}
		remain = s.bufAvail
	}
	if remain == 0 {
		return nil, io.EOF
	}
	return s.buf[s.bufPos:s.bufAvail], nil
}

func (s *fileStream) Consume(n int) {
	if s.bufPos+n > s.bufAvail {
		n = s.bufAvail - s.bufPos
	}
	if s.capture != nil {
		s.capture.Write(s.buf[s.bufPos : s.bufPos+n])
	}
	s.bufPos += n
	s.filePos += int64(n)
}

func (s *fileStream) ReadLine() ([]byte, error) {
	buf, err := s.Next(1)
	if err != nil {
		return nil, err
	}
	if idx := bytes.IndexByte(buf, '\n'); idx >= 0 {
		line := buf[:idx+1]
		s.Consume(idx + 1)
		return line, nil
	}
	// No newline within a full buffer: truncate the line and discard the
	// remainder up to (and including) the next newline or EOF.
	line := buf
	s.Consume(len(buf))
	one := make([]byte, 1)
	for {
		if _, err := io.ReadFull(s.f, one); err != nil {
			break
		}
		s.filePos++
		if one[0] == '\n' {
			break
		}
	}
	return line, nil
}

func (s *fileStream) Scan(tokens [][]byte) (int64, int, error) {
	maxLen := maxTokenLen(tokens)
	if maxLen == 0 {
		return 0, -1, xerrors.New("scan: no tokens")
	}
	for {
		avail := s.bufAvail - s.bufPos
		if avail >= maxLen {
			if off, tok := scanTokens(s.buf[s.bufPos:s.bufAvail], tokens); tok >= 0 {
				pos := s.filePos + int64(off)
				s.Consume(off)
				return pos, tok, nil
			}
		}
		// Keep the last maxLen-1 bytes so a token straddling the refill
		// boundary is still found.
		preserve := maxLen - 1
		if avail < preserve {
			preserve = avail
		}
		consumed := avail - preserve
		if s.capture != nil {
			s.capture.Write(s.buf[s.bufPos : s.bufPos+consumed])
		}
		copy(s.buf, s.buf[s.bufPos+consumed:s.bufAvail])
		s.filePos += int64(consumed)
		s.bufPos = 0
		s.bufAvail = preserve
		n, err := io.ReadFull(s.f, s.buf[preserve:])
		s.bufAvail += n
		if s.bufAvail < maxLen {
			// Input exhausted without a match; everything is consumed.
			s.Consume(s.bufAvail)
			if err != nil && err != io.EOF && err != io.ErrUnexpectedEOF {
				return 0, -1, err
			}
			return 0, -1, io.EOF
		}
	}
}

func (s *fileStream) Seek(offset int64, whence int) (int64, error) {
	if !s.seekable {
		if whence != io.SeekCurrent || offset < 0 {
			return 0, xerrors.New("stream is not seekable")
		}
		// Read and discard up to offset bytes.
		for offset > 0 {
			buf, err := s.Next(1)
			if err == io.EOF {
				break
			}
			if err != nil {
				return 0, err
			}
			n := int64(len(buf))
			if n > offset {
				n = offset
			}
			s.Consume(int(n))
			offset -= n
		}
		return s.filePos, nil
	}
	var abs int64
	switch whence {
	case io.SeekStart:
		abs = offset
	case io.SeekCurrent:
		abs = s.filePos + offset
	case io.SeekEnd:
		end, err := s.f.Seek(offset, io.SeekEnd)
		if err != nil {
			return 0, err
		}
		s.bufPos, s.bufAvail = 0, 0
		s.filePos = end
		return end, nil
	default:
		return 0, fmt.Errorf("invalid whence %d", whence)
	}
	if _, err := s.f.Seek(abs, io.SeekStart); err != nil {
		return 0, err
	}
	s.bufPos, s.bufAvail = 0, 0
	s.filePos = abs
	return abs, nil
}

func (s *fileStream) Tell() int64 { return s.filePos }

func (s *fileStream) OpenMem(pos, length int64) ([]byte, error) {
	buf := make([]byte, length)
	n, err := s.f.ReadAt(buf, pos)
	if err != nil && err != io.EOF {
		return nil, err
	}
	return buf[:n], nil
}

func (s *fileStream) ReadToEOF(pos int64) ([]byte, error) {
	if !s.seekable {
		return nil, xerrors.New("stream is not seekable")
	}
	sr := io.NewSectionReader(s.f, pos, 1<<62)
	return io.ReadAll(sr)
}

func (s *fileStream) Size() (int64, error) {
	st, err := s.f.Stat()
	if err != nil {
		return 0, err
	}
	return st.Size(), nil
}

func (s *fileStream) Close() error {
	if s.shouldClose {
		return s.f.Close()
	}
	return nil
}

// memStream is the zero-copy in-memory implementation.
type memStream struct {
	buf     []byte
	pos     int
	capture *bytes.Buffer
}

// FromMemory wraps buf. The stream borrows buf; it must not be mutated while
// the stream is in use.
func FromMemory(buf []byte) Stream {
	return &memStream{buf: buf}
}

func (s *memStream) Seekable() bool { return true }

func (s *memStream) SetCapture(buf *bytes.Buffer) { s.capture = buf }

func (s *memStream) Next(n int) ([]byte, error) {
	if s.pos >= len(s.buf) {
		return nil, io.EOF
	}
	return s.buf[s.pos:], nil
}

func (s *memStream) Consume(n int) {
	if s.pos+n > len(s.buf) {
		n = len(s.buf) - s.pos
	}
	if s.capture != nil {
		s.capture.Write(s.buf[s.pos : s.pos+n])
	}
	s.pos += n
}

func (s *memStream) ReadLine() ([]byte, error) {
	if s.pos >= len(s.buf) {
		return nil, io.EOF
	}
	rest := s.buf[s.pos:]
	idx := bytes.IndexByte(rest, '\n')
	if idx < 0 {
		s.Consume(len(rest))
		return rest, nil
	}
	line := rest[:idx+1]
	s.Consume(idx + 1)
	return line, nil
}

func (s *memStream) Scan(tokens [][]byte) (int64, int, error) {
	if maxTokenLen(tokens) == 0 {
		return 0, -1, xerrors.New("scan: no tokens")
	}
	rest := s.buf[s.pos:]
	off, tok := scanTokens(rest, tokens)
	if tok < 0 {
		s.Consume(len(rest))
		return 0, -1, io.EOF
	}
	pos := int64(s.pos + off)
	s.Consume(off)
	return pos, tok, nil
}

func (s *memStream) Seek(offset int64, whence int) (int64, error) {
	var abs int64
	switch whence {
	case io.SeekStart:
		abs = offset
	case io.SeekCurrent:
		abs = int64(s.pos) + offset
	case io.SeekEnd:
		abs = int64(len(s.buf)) + offset
	default:
		return 0, fmt.Errorf("invalid whence %d", whence)
	}
	if abs < 0 {
		abs = 0
	}
	if abs > int64(len(s.buf)) {
		abs = int64(len(s.buf))
	}
	s.pos = int(abs)
	return abs, nil
}

func (s *memStream) Tell() int64 { return int64(s.pos) }

func (s *memStream) OpenMem(pos, length int64) ([]byte, error) {
	if pos >= int64(len(s.buf)) {
		return nil, nil
	}
	end := pos + length
	if end > int64(len(s.buf)) {
		end = int64(len(s.buf))
	}
	return s.buf[pos:end], nil
}

func (s *memStream) ReadToEOF(pos int64) ([]byte, error) {
	if pos >= int64(len(s.buf)) {
		return nil, nil
	}
	return s.buf[pos:], nil
}

func (s *memStream) Size() (int64, error) { return int64(len(s.buf)), nil }

func (s *memStream) Close() error { return nil }
