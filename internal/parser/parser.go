// Package parser drives the file-level ASDF grammar: the two version
// comment lines, optional comments, the YAML tree, binary blocks and the
// optional block index appendix. It produces a totally ordered event stream
// and tolerates garbage between structural anchors by scanning forward to
// the next recognised token.
package parser

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"log"
	"strings"

	"github.com/asdf-format/asdf-go/internal/block"
	"github.com/asdf-format/asdf-go/internal/stream"
	"golang.org/x/xerrors"
)

// Version comment prefixes; the remainder of each line is a semantic
// version.
const (
	VersionComment  = "#ASDF "
	StandardComment = "#ASDF_STANDARD "

	YAMLDirectivePrefix = "%YAML "
	YAMLDirective       = "%YAML 1.1"
	docEndToken         = "\n..."
)

var (
	ErrInvalidASDFHeader = errors.New("invalid ASDF header")
	ErrUnknownState      = errors.New("unknown parser state")
	ErrStreamInit        = errors.New("stream initialization failed")
	ErrYAMLParseFailed   = errors.New("YAML parse failed")
)

// Flags configure parser behavior.
type Flags uint32

const (
	// FlagEmitYAMLEvents emits one event per YAML node between tree start
	// and tree end.
	FlagEmitYAMLEvents Flags = 1 << iota
	// FlagBufferTree captures the raw YAML subrange so the tree document
	// can be built later.
	FlagBufferTree
)

// Config holds the parser options of a file configuration.
type Config struct {
	Flags Flags

	// MaxStreamedBlockSize carries the file's bound on the payload bytes of
	// a streamed block (flag bit 0); 0 means unlimited. The parser itself
	// does not apply it: a streamed block always runs to EOF here.
	MaxStreamedBlockSize uint64
}

type state int

const (
	stateInitial state = iota
	stateStandardVersion
	stateAnchors
	stateTree
	stateEnd
	stateDone
	stateError
)

// Parser walks an ASDF file from its first byte.
type Parser struct {
	s   stream.Stream
	cfg Config

	state state
	err   error

	asdfVersion     string
	standardVersion string

	hasTree   bool
	treeStart int64
	treeEnd   int64
	treeBuf   bytes.Buffer

	blocks []*block.Info
	index  *block.Index

	hintLoaded bool
	hintBlocks map[int]*block.Info

	// One recycled event: iterating invalidates the previously returned
	// event, which keeps the hot loop allocation-free.
	ev Event

	yamlQueue   []YAMLEvent
	pendingTree *TreeInfo
}

// New creates a parser reading from s. The parser takes ownership of the
// stream.
func New(s stream.Stream, cfg Config) *Parser {
	return &Parser{s: s, cfg: cfg, hintBlocks: map[int]*block.Info{}}
}

// NewFromFile opens filename.
func NewFromFile(filename string, cfg Config) (*Parser, error) {
	s, err := stream.FromFile(filename)
	if err != nil {
		return nil, xerrors.Errorf("%v: %w", err, ErrStreamInit)
	}
	return New(s, cfg), nil
}

// NewFromMemory parses from an in-memory buffer.
func NewFromMemory(buf []byte, cfg Config) *Parser {
	return New(stream.FromMemory(buf), cfg)
}

// Close releases the underlying stream.
func (p *Parser) Close() error { return p.s.Close() }

// Err returns the first error the parser hit, if any.
func (p *Parser) Err() error { return p.err }

// Done reports whether the parser has emitted its END event or failed.
func (p *Parser) Done() bool { return p.state == stateDone || p.state == stateError }

// ASDFVersion returns the version from the first comment line.
func (p *Parser) ASDFVersion() string { return p.asdfVersion }

// StandardVersion returns the version from the second comment line.
func (p *Parser) StandardVersion() string { return p.standardVersion }

// HasTree reports whether a YAML tree was found.
func (p *Parser) HasTree() bool { return p.hasTree }

// TreeBytes returns the captured YAML subrange (only with FlagBufferTree).
func (p *Parser) TreeBytes() []byte {
	if !p.hasTree {
		return nil
	}
	return p.treeBuf.Bytes()
}

// Blocks returns the metadata of all blocks visited so far.
func (p *Parser) Blocks() []*block.Info { return p.blocks }

// Index returns the block index if one was parsed (from the appendix or the
// tail hint); it is untrusted until verified per offset.
func (p *Parser) Index() *block.Index { return p.index }

// Stream exposes the underlying stream for random-access payload reads.
func (p *Parser) Stream() stream.Stream { return p.s }

func (p *Parser) fail(err error) *Event {
	p.err = err
	p.state = stateError
	return nil
}

// Iterate returns the next event, or nil at the end of the stream or on
// error (check Err). The returned event is recycled by the next call.
func (p *Parser) Iterate() *Event {
	if p.state == stateDone || p.state == stateError {
		return nil
	}
	p.ev = Event{}

	// Drain queued per-node YAML events before the pending tree end.
	if len(p.yamlQueue) > 0 {
		ye := p.yamlQueue[0]
		p.yamlQueue = p.yamlQueue[1:]
		p.ev.Type = YAMLNodeEvent
		p.ev.YAML = &ye
		return &p.ev
	}
	if p.pendingTree != nil {
		p.ev.Type = TreeEndEvent
		p.ev.Tree = p.pendingTree
		p.pendingTree = nil
		return &p.ev
	}

	for {
		switch p.state {
		case stateInitial:
			version, err := p.readVersionLine(VersionComment)
			if err != nil {
				return p.fail(err)
			}
			p.asdfVersion = version
			p.state = stateStandardVersion
			p.ev.Type = ASDFVersionEvent
			p.ev.Version = version
			return &p.ev

		case stateStandardVersion:
			version, err := p.readVersionLine(StandardComment)
			if err != nil {
				return p.fail(err)
			}
			p.standardVersion = version
			p.state = stateAnchors
			p.ev.Type = StandardVersionEvent
			p.ev.Version = version
			return &p.ev

		case stateAnchors:
			ev, err := p.parseAnchors()
			if err != nil {
				return p.fail(err)
			}
			if ev != nil {
				return ev
			}
			// parseAnchors advanced the state without producing an event.

		case stateTree:
			ev, err := p.parseTree()
			if err != nil {
				return p.fail(err)
			}
			if ev != nil {
				return ev
			}

		case stateEnd:
			p.state = stateDone
			p.ev.Type = EndEvent
			return &p.ev

		default:
			return p.fail(ErrUnknownState)
		}
	}
}

func (p *Parser) readVersionLine(prefix string) (string, error) {
	line, err := p.s.ReadLine()
	if err != nil {
		return "", xerrors.Errorf("%v: %w", err, ErrInvalidASDFHeader)
	}
	text := strings.TrimRight(string(line), "\r\n")
	if !strings.HasPrefix(text, prefix) {
		return "", xerrors.Errorf("expected %q comment line: %w", strings.TrimSpace(prefix), ErrInvalidASDFHeader)
	}
	return strings.TrimSpace(text[len(prefix):]), nil
}

// parseAnchors dispatches on the next structural anchor: a comment line,
// the YAML directive, a block magic, the block index header, or end of
// input. Anything else is skipped by scanning to the next token.
func (p *Parser) parseAnchors() (*Event, error) {
	for {
		buf, err := p.s.Next(len(block.IndexHeader))
		if err == io.EOF {
			p.state = stateEnd
			return nil, nil
		}
		if err != nil {
			return nil, err
		}

		switch {
		case block.IsMagic(buf):
			return p.parseBlock()

		case bytes.HasPrefix(buf, block.IndexHeader) ||
			(len(buf) < len(block.IndexHeader) && bytes.HasPrefix(block.IndexHeader, buf)):
			// A short final buffer could still be a truncated index header;
			// a readline settles it either way.
			if bytes.HasPrefix(buf, block.IndexHeader) {
				return p.parseBlockIndex()
			}
			fallthrough

		case buf[0] == '#':
			line, err := p.s.ReadLine()
			if err != nil {
				p.state = stateEnd
				return nil, nil
			}
			comment := strings.TrimRight(string(line), "\r\n")
			comment = strings.TrimPrefix(comment, "#")
			p.ev.Type = CommentEvent
			p.ev.Comment = comment
			return &p.ev, nil

		case bytes.HasPrefix(buf, []byte(YAMLDirectivePrefix)) || bytes.HasPrefix(buf, []byte("%YAML")):
			if p.hasTree {
				// A second directive is garbage; step past it.
				p.s.Consume(1)
				continue
			}
			return p.startTree()

		default:
			// Garbage between anchors: skip to the next recognised token.
			tokens := [][]byte{[]byte(YAMLDirectivePrefix), block.Magic, block.IndexHeader, {'\n', '#'}}
			_, tok, err := p.s.Scan(tokens)
			if err == io.EOF {
				p.state = stateEnd
				return nil, nil
			}
			if err != nil {
				return nil, err
			}
			if tok == 3 {
				// Position on the comment character itself.
				p.s.Consume(1)
			}
		}
	}
}

func (p *Parser) startTree() (*Event, error) {
	p.treeStart = p.s.Tell()
	if p.cfg.Flags&(FlagBufferTree|FlagEmitYAMLEvents) != 0 {
		p.treeBuf.Reset()
		p.s.SetCapture(&p.treeBuf)
	}
	p.state = stateTree
	p.ev.Type = TreeStartEvent
	p.ev.Tree = &TreeInfo{Start: p.treeStart}
	return &p.ev, nil
}

// parseTree scans for the document end marker, a line consisting of exactly
// "..." (optionally \r-terminated).
func (p *Parser) parseTree() (*Event, error) {
	for {
		_, _, err := p.s.Scan([][]byte{[]byte(docEndToken)})
		if err == io.EOF {
			// Unterminated tree: ends at EOF.
			return p.finishTree()
		}
		if err != nil {
			return nil, err
		}
		p.s.Consume(len(docEndToken))
		buf, err := p.s.Next(2)
		if err == io.EOF {
			return p.finishTree()
		}
		if err != nil {
			return nil, err
		}
		if buf[0] == '\n' {
			p.s.Consume(1)
			return p.finishTree()
		}
		if buf[0] == '\r' && len(buf) > 1 && buf[1] == '\n' {
			p.s.Consume(2)
			return p.finishTree()
		}
		// "..." followed by more content is tree text, keep scanning.
	}
}

func (p *Parser) finishTree() (*Event, error) {
	p.s.SetCapture(nil)
	p.hasTree = true
	p.treeEnd = p.s.Tell()
	p.state = stateAnchors

	info := &TreeInfo{Start: p.treeStart, End: p.treeEnd}
	if p.cfg.Flags&FlagBufferTree != 0 {
		info.Buf = p.treeBuf.Bytes()
	}
	if p.cfg.Flags&FlagEmitYAMLEvents != 0 {
		queue, err := yamlEvents(p.treeBuf.Bytes())
		if err != nil {
			return nil, xerrors.Errorf("%v: %w", err, ErrYAMLParseFailed)
		}
		p.yamlQueue = queue
		p.pendingTree = info
		// The queued YAML events are delivered first; the tree end event
		// follows from the pending slot.
		return p.Iterate(), nil
	}
	p.ev.Type = TreeEndEvent
	p.ev.Tree = info
	return &p.ev, nil
}

func (p *Parser) parseBlock() (*Event, error) {
	info, err := block.ReadInfo(p.s)
	if err != nil {
		return nil, err
	}
	info.Index = len(p.blocks)
	p.blocks = append(p.blocks, info)

	if info.Header.Streamed() {
		// A streamed block's payload runs to the end of the stream.
		if _, err := p.s.Seek(0, io.SeekEnd); err != nil {
			// Non-seekable: consume to EOF.
			for {
				buf, err := p.s.Next(1)
				if err == io.EOF {
					break
				}
				if err != nil {
					return nil, err
				}
				p.s.Consume(len(buf))
			}
		}
	} else {
		skip := info.DataPos + int64(info.Header.UsedSize)
		if p.s.Seekable() {
			if _, err := p.s.Seek(skip, io.SeekStart); err != nil {
				return nil, err
			}
		} else {
			if _, err := p.s.Seek(int64(info.Header.UsedSize), io.SeekCurrent); err != nil {
				return nil, err
			}
		}
	}

	p.ev.Type = BlockEvent
	p.ev.Block = info
	return &p.ev, nil
}

func (p *Parser) parseBlockIndex() (*Event, error) {
	if _, err := p.s.ReadLine(); err != nil {
		return nil, err
	}
	var buf bytes.Buffer
	for {
		line, err := p.s.ReadLine()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, err
		}
		buf.Write(line)
		if bytes.Equal(bytes.TrimRight(line, "\r\n"), []byte("...")) {
			break
		}
	}
	idx, err := block.ParseIndex(buf.Bytes())
	if err != nil {
		// A malformed index is only the loss of a hint.
		log.Printf("Warning: %v; falling back to linear block scan", err)
		p.state = stateAnchors
		return nil, nil
	}
	p.index = idx
	p.state = stateAnchors
	p.ev.Type = BlockIndexEvent
	p.ev.Index = idx
	return &p.ev, nil
}

// ParseAll runs the parser to completion (discarding events).
func (p *Parser) ParseAll() error {
	for p.Iterate() != nil {
	}
	return p.err
}

// BlockCount parses to the end of the file and reports how many blocks it
// holds. The block index alone is never trusted for the count.
func (p *Parser) BlockCount() (int, error) {
	if err := p.ParseAll(); err != nil {
		return 0, err
	}
	return len(p.blocks), nil
}

// BlockInfoAt returns metadata for block i, using the block index as a hint
// when the linear parse has not reached it yet. Offsets from the index are
// verified by parsing a header in place; on mismatch the parser warns and
// falls back to the full linear scan.
func (p *Parser) BlockInfoAt(i int) (*block.Info, error) {
	if i < 0 {
		return nil, fmt.Errorf("block index %d out of range", i)
	}
	if i < len(p.blocks) {
		return p.blocks[i], nil
	}
	if info, ok := p.hintBlocks[i]; ok {
		return info, nil
	}
	if !p.Done() && p.s.Seekable() {
		p.loadIndexHint()
		if p.index != nil && i < len(p.index.Offsets) {
			info, err := p.verifyIndexOffset(p.index.Offsets[i])
			if err == nil {
				info.Index = i
				p.hintBlocks[i] = info
				return info, nil
			}
			log.Printf("Warning: block index offset %d did not parse as a block header (%v); falling back to linear scan", p.index.Offsets[i], err)
		}
	}
	if err := p.ParseAll(); err != nil {
		return nil, err
	}
	if i >= len(p.blocks) {
		return nil, fmt.Errorf("block index %d does not exist (the file contains %d blocks)", i, len(p.blocks))
	}
	return p.blocks[i], nil
}

// loadIndexHint looks for the block index appendix in the tail of a
// seekable stream without disturbing the parser position.
func (p *Parser) loadIndexHint() {
	if p.hintLoaded || p.index != nil {
		return
	}
	p.hintLoaded = true
	size, err := p.s.Size()
	if err != nil {
		return
	}
	const tailWindow = 1 << 16
	start := size - tailWindow
	if start < 0 {
		start = 0
	}
	win, err := p.s.OpenMem(start, size-start)
	if err != nil {
		return
	}
	at := bytes.LastIndex(win, block.IndexHeader)
	if at < 0 {
		return
	}
	idx, err := block.ParseIndex(win[at:])
	if err != nil {
		log.Printf("Warning: %v", err)
		return
	}
	p.index = idx
}

// verifyIndexOffset parses a block header at an absolute file offset.
func (p *Parser) verifyIndexOffset(off int64) (*block.Info, error) {
	// The preamble first, to learn the on-disk header size.
	win, err := p.s.OpenMem(off, block.MagicSize+2)
	if err != nil {
		return nil, err
	}
	if !block.IsMagic(win) {
		return nil, block.ErrMagicMismatch
	}
	if len(win) < block.MagicSize+2 {
		return nil, block.ErrUnexpectedEOF
	}
	headerSize := int(win[block.MagicSize])<<8 | int(win[block.MagicSize+1])
	win, err = p.s.OpenMem(off, int64(block.MagicSize+2+headerSize))
	if err != nil {
		return nil, err
	}
	info, err := block.ReadInfo(stream.FromMemory(win))
	if err != nil {
		return nil, err
	}
	info.HeaderPos += off
	info.DataPos += off
	return info, nil
}
