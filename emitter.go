package asdf

import (
	"bufio"
	"fmt"
	"io"
	"strings"

	"github.com/asdf-format/asdf-go/internal/block"
	"github.com/asdf-format/asdf-go/internal/compression"
	"github.com/google/renameio"
	"gopkg.in/yaml.v3"
)

// The emitter is a small state machine mirroring the parser's grammar:
// version comments, tree, blocks, then the optional block index appendix.

type emitterState int

const (
	emitterInitial emitterState = iota
	emitterASDFVersion
	emitterStandardVersion
	emitterTree
	emitterBlocks
	emitterBlockIndex
	emitterEnd
	emitterError
)

type emitter struct {
	file  *File
	state emitterState

	w       *bufio.Writer
	written int64

	offsets []int64

	err error
}

func newEmitter(f *File) *emitter {
	return &emitter{file: f, state: emitterInitial}
}

func (em *emitter) write(p []byte) bool {
	n, err := em.w.Write(p)
	em.written += int64(n)
	if err != nil {
		em.err = err
		return false
	}
	return true
}

func (em *emitter) writeString(s string) bool {
	return em.write([]byte(s))
}

func (em *emitter) hasOpt(flag EmitterFlags) bool {
	return em.file.cfg.Emitter.Flags&flag != 0
}

// shouldEmitTree decides whether a tree document is written at all: empty
// trees are written only with EmitEmptyTree (and never with
// NoEmitEmptyTree).
func (em *emitter) shouldEmitTree() bool {
	emitEmpty := em.hasOpt(EmitEmptyTree)
	if em.hasOpt(NoEmitEmptyTree) {
		emitEmpty = false
	}
	root := em.file.root()
	if root == nil {
		return emitEmpty
	}
	if root.Kind == yaml.MappingNode && len(root.Content) == 0 {
		return emitEmpty
	}
	return true
}

func (em *emitter) shouldEmit() bool {
	if em.shouldEmitTree() {
		return true
	}
	if em.blockCount() > 0 {
		return true
	}
	return em.hasOpt(EmitEmpty)
}

func (em *emitter) blockCount() int {
	return em.file.readBlockCount() + len(em.file.appended)
}

func (em *emitter) emitASDFVersion() emitterState {
	if !em.writeString(fmt.Sprintf("#ASDF %s\n", VersionDefault)) {
		return emitterError
	}
	return emitterStandardVersion
}

func (em *emitter) emitStandardVersion() emitterState {
	if !em.writeString(fmt.Sprintf("#ASDF_STANDARD %s\n", StandardVersionDefault)) {
		return emitterError
	}
	return emitterTree
}

// shortenTags rewrites canonical tags into their short handle form on
// every node before the tree is handed to the YAML engine.
func (em *emitter) shortenTags(node *yaml.Node) {
	if node == nil {
		return
	}
	if node.Style&yaml.TaggedStyle != 0 && strings.HasPrefix(node.Tag, "tag:") {
		best := TagHandle{}
		for _, h := range em.file.cfg.tagHandles() {
			if strings.HasPrefix(node.Tag, h.Prefix) && len(h.Prefix) > len(best.Prefix) {
				best = h
			}
		}
		if best.Prefix != "" {
			node.Tag = best.Handle + strings.TrimPrefix(node.Tag, best.Prefix)
		}
	}
	for _, child := range node.Content {
		em.shortenTags(child)
	}
}

func (em *emitter) emitTree() emitterState {
	if !em.shouldEmitTree() {
		return emitterBlocks
	}
	root := em.file.ensureRoot()
	if root == nil {
		em.err = ErrEmitFailure
		return emitterError
	}
	em.shortenTags(root)
	rootTag := "!core/asdf-1.1.0"
	savedTag, savedStyle := root.Tag, root.Style
	if root.Style&yaml.TaggedStyle != 0 && root.Tag != "" {
		rootTag = root.Tag
	}
	// The root tag goes on the document marker line; strip it from the
	// node so the engine does not emit it twice.
	root.Tag = ""
	root.Style &^= yaml.TaggedStyle
	defer func() {
		root.Tag, root.Style = savedTag, savedStyle
	}()
	if !em.writeString(fmt.Sprintf("%%YAML 1.1\n--- %s\n", rootTag)) {
		return emitterError
	}
	var buf strings.Builder
	enc := yaml.NewEncoder(&buf)
	enc.SetIndent(2)
	if err := enc.Encode(root); err != nil {
		em.err = err
		return emitterError
	}
	if err := enc.Close(); err != nil {
		em.err = err
		return emitterError
	}
	if !em.writeString(buf.String()) {
		return emitterError
	}
	if !em.writeString("...\n") {
		return emitterError
	}
	return emitterBlocks
}

// emitBlocks writes blocks carried over from the input file byte for byte,
// then the appended blocks.
func (em *emitter) emitBlocks() emitterState {
	if em.file.parser != nil {
		if err := em.file.parser.ParseAll(); err != nil {
			em.err = err
			return emitterError
		}
		for _, info := range em.file.parser.Blocks() {
			raw, err := em.file.parser.Stream().OpenMem(info.DataPos, int64(info.Header.UsedSize))
			if err != nil {
				em.err = err
				return emitterError
			}
			if err := em.flushBlock(info.Header, raw); err != nil {
				return emitterError
			}
		}
	}
	for _, ab := range em.file.appended {
		stored := ab.data
		var h block.Header
		if ab.compression != "" {
			d := compression.Lookup(ab.compression)
			if d == nil || d.Compress == nil {
				em.file.ctx.warnf("no compressor for %q; block will be written uncompressed", ab.compression)
			} else {
				compressed, err := d.Compress(ab.data)
				if err != nil {
					em.err = err
					return emitterError
				}
				stored = compressed
				copy(h.Compression[:], ab.compression)
			}
		}
		h.HeaderSize = block.HeaderSize
		h.AllocatedSize = uint64(len(stored))
		h.UsedSize = uint64(len(stored))
		h.DataSize = uint64(len(ab.data))
		h.Checksum = block.Checksum(stored)
		if err := em.flushBlock(h, stored); err != nil {
			return emitterError
		}
	}
	return emitterBlockIndex
}

func (em *emitter) flushBlock(h block.Header, stored []byte) error {
	em.offsets = append(em.offsets, em.written)
	n, err := h.WriteTo(em.w)
	em.written += n
	if err != nil {
		em.err = err
		return err
	}
	if !em.write(stored) {
		return em.err
	}
	return nil
}

func (em *emitter) emitBlockIndex() emitterState {
	if em.hasOpt(NoBlockIndex) || len(em.offsets) == 0 {
		return emitterEnd
	}
	idx := &block.Index{Offsets: em.offsets}
	n, err := idx.WriteTo(em.w)
	em.written += n
	if err != nil {
		em.err = err
		return emitterError
	}
	return emitterEnd
}

func (em *emitter) emit(w io.Writer) error {
	em.w = bufio.NewWriter(w)
	for em.state != emitterEnd && em.state != emitterError {
		switch em.state {
		case emitterInitial:
			if em.shouldEmit() {
				em.state = emitterASDFVersion
			} else {
				em.state = emitterEnd
			}
		case emitterASDFVersion:
			em.state = em.emitASDFVersion()
		case emitterStandardVersion:
			em.state = em.emitStandardVersion()
		case emitterTree:
			em.state = em.emitTree()
		case emitterBlocks:
			em.state = em.emitBlocks()
		case emitterBlockIndex:
			em.state = em.emitBlockIndex()
		}
	}
	if em.err != nil {
		return em.file.ctx.recordf("emitting: %w", em.err)
	}
	return em.w.Flush()
}

func renamingWriter(filename string) (*renameio.PendingFile, error) {
	return renameio.TempFile("", filename)
}
