package asdf

import (
	"io"
	"os"

	"github.com/asdf-format/asdf-go/internal/block"
	"github.com/asdf-format/asdf-go/internal/compression"
	"github.com/asdf-format/asdf-go/internal/parser"
	"github.com/asdf-format/asdf-go/internal/stream"
	"gopkg.in/yaml.v3"
)

// File owns a parsed (or under-construction) ASDF file: its configuration,
// parser or emitter, tree document, block metadata and tag-normalization
// cache. Entities created from a file stay valid until it is closed.
type File struct {
	ctx *Context
	cfg *Config

	parser *parser.Parser

	doc  *yaml.Node // document node; doc.Content[0] is the root
	tree *yaml.Node

	// Blocks appended on the write path, in index order after any blocks
	// read from the input.
	appended []appendedBlock

	openBlocks []*Block

	tagCache map[string]string
}

type appendedBlock struct {
	data        []byte
	compression string
}

// Open opens filename for reading with the default configuration.
func Open(filename string) (*File, error) {
	return OpenEx(filename, nil)
}

// OpenEx opens filename with an explicit configuration.
func OpenEx(filename string, config *Config) (*File, error) {
	f := newFile(config)
	p, err := parser.NewFromFile(filename, f.cfg.parserConfig())
	if err != nil {
		return nil, f.ctx.recordf("opening %s: %w", filename, err)
	}
	f.parser = p
	return f, nil
}

// OpenMem parses an in-memory buffer. The file borrows buf until Close.
func OpenMem(buf []byte, config *Config) (*File, error) {
	f := newFile(config)
	f.parser = parser.NewFromMemory(buf, f.cfg.parserConfig())
	return f, nil
}

// OpenOSFile reads from an already-open file handle; the caller keeps
// ownership of fp.
func OpenOSFile(fp *os.File, config *Config) (*File, error) {
	f := newFile(config)
	f.parser = parser.New(streamFromOSFile(fp), f.cfg.parserConfig())
	return f, nil
}

// NewFile creates an empty in-memory file for writing.
func NewFile(config *Config) *File {
	return newFile(config)
}

func newFile(config *Config) *File {
	ctx := newContext()
	cfg := buildConfig(config)
	cfg.validate(ctx)
	return &File{ctx: ctx, cfg: cfg}
}

// Context returns the file's shared context.
func (f *File) Context() *Context { return f.ctx }

// Config returns the file's effective configuration.
func (f *File) Config() *Config { return f.cfg }

// Close releases the parser, stream, and any blocks still open. Opening a
// file and closing it without other operations never errors.
func (f *File) Close() error {
	var firstErr error
	for _, b := range f.openBlocks {
		if err := b.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	f.openBlocks = nil
	if f.parser != nil {
		if err := f.parser.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
		f.parser = nil
	}
	return firstErr
}

// ASDFVersion returns the file format version from the first header line.
func (f *File) ASDFVersion() string {
	if f.parser == nil {
		return VersionDefault
	}
	f.treeDocument()
	return f.parser.ASDFVersion()
}

// StandardVersion returns the standard version from the second header line.
func (f *File) StandardVersion() string {
	if f.parser == nil {
		return StandardVersionDefault
	}
	f.treeDocument()
	return f.parser.StandardVersion()
}

// treeDocument parses the file far enough to build the YAML tree document,
// or creates an empty one on the write path.
func (f *File) treeDocument() (*yaml.Node, error) {
	if f.doc != nil {
		return f.doc, nil
	}
	if f.parser == nil {
		// Write path: an empty document whose root materializes on demand.
		f.doc = &yaml.Node{Kind: yaml.DocumentNode}
		return f.doc, nil
	}
	// Run the parser until the tree has been captured or it is clear there
	// is none.
	for !f.parser.HasTree() && !f.parser.Done() {
		ev := f.parser.Iterate()
		if ev == nil {
			break
		}
		if ev.Type == parser.TreeEndEvent || ev.Type == parser.BlockEvent {
			break
		}
	}
	if err := f.parser.Err(); err != nil {
		return nil, f.ctx.recordf("parsing tree: %w", err)
	}
	buf := f.parser.TreeBytes()
	if buf == nil {
		f.doc = &yaml.Node{Kind: yaml.DocumentNode}
		return f.doc, nil
	}
	var doc yaml.Node
	if err := yaml.Unmarshal(buf, &doc); err != nil {
		return nil, f.ctx.recordf("%v: %w", err, parser.ErrYAMLParseFailed)
	}
	f.doc = &doc
	return f.doc, nil
}

func (f *File) root() *yaml.Node {
	doc, err := f.treeDocument()
	if err != nil || doc == nil {
		return nil
	}
	if len(doc.Content) == 0 {
		return nil
	}
	return doc.Content[0]
}

// ensureRoot creates an empty mapping root for the write path.
func (f *File) ensureRoot() *yaml.Node {
	doc, err := f.treeDocument()
	if err != nil {
		return nil
	}
	if len(doc.Content) == 0 {
		doc.Content = append(doc.Content, &yaml.Node{Kind: yaml.MappingNode, Tag: "!!map"})
	}
	return doc.Content[0]
}

// Root returns the tree's root value, or nil when the file has no tree.
func (f *File) Root() *Value {
	root := f.root()
	if root == nil {
		return nil
	}
	return newValue(f, root, "")
}

// GetValue resolves a pointer path; ErrNotFound when the path is absent.
func (f *File) GetValue(path string) (*Value, error) {
	parts, err := parsePath(path)
	if err != nil {
		return nil, f.ctx.recordf("%v: %w", err, ErrParseFailure)
	}
	root := f.root()
	if root == nil {
		return nil, ErrNotFound
	}
	node := resolvePath(root, parts)
	if node == nil {
		return nil, ErrNotFound
	}
	return newValue(f, node, emitPath(parts)), nil
}

// Get returns the value at path, or nil if absent (or the path is
// malformed).
func (f *File) Get(path string) *Value {
	v, err := f.GetValue(path)
	if err != nil {
		return nil
	}
	return v
}

// SetValue inserts v at path, materializing intermediate mappings and
// appending to sequences as needed.
func (f *File) SetValue(path string, v *Value) error {
	parts, err := parsePath(path)
	if err != nil {
		return f.ctx.recordf("%v: %w", err, ErrParseFailure)
	}
	if len(parts) == 0 {
		return ErrEmitFailure
	}
	node := f.ensureRoot()
	if node == nil {
		return ErrEmitFailure
	}
	for i, part := range parts[:len(parts)-1] {
		node = descendOrCreate(node, part, &parts[i+1])
		if node == nil {
			return ErrEmitFailure
		}
	}
	last := parts[len(parts)-1]
	switch node.Kind {
	case yaml.MappingNode:
		if last.target == targetSeq {
			return ErrTypeMismatch
		}
		for i := 0; i+1 < len(node.Content); i += 2 {
			if node.Content[i].Value == last.key {
				node.Content[i+1] = v.node
				return nil
			}
		}
		node.Content = append(node.Content, scalarNode(last.key, ""), v.node)
		return nil
	case yaml.SequenceNode:
		if last.target == targetMap {
			return ErrTypeMismatch
		}
		idx := last.index
		if idx < 0 {
			idx += len(node.Content)
		}
		if idx >= 0 && idx < len(node.Content) {
			node.Content[idx] = v.node
			return nil
		}
		if idx == len(node.Content) {
			node.Content = append(node.Content, v.node)
			return nil
		}
		return ErrNotFound
	}
	return ErrTypeMismatch
}

// descendOrCreate walks one path component, materializing a missing child
// whose kind matches how the following component binds.
func descendOrCreate(node *yaml.Node, part pathComponent, next *pathComponent) *yaml.Node {
	newChild := func() *yaml.Node {
		if next.target == targetSeq {
			return &yaml.Node{Kind: yaml.SequenceNode, Tag: "!!seq"}
		}
		return &yaml.Node{Kind: yaml.MappingNode, Tag: "!!map"}
	}
	switch node.Kind {
	case yaml.MappingNode:
		if part.target == targetSeq {
			return nil
		}
		for i := 0; i+1 < len(node.Content); i += 2 {
			if node.Content[i].Value == part.key {
				return node.Content[i+1]
			}
		}
		child := newChild()
		node.Content = append(node.Content, scalarNode(part.key, ""), child)
		return child
	case yaml.SequenceNode:
		if part.target == targetMap {
			return nil
		}
		idx := part.index
		if idx < 0 {
			idx += len(node.Content)
		}
		if idx >= 0 && idx < len(node.Content) {
			return node.Content[idx]
		}
		if idx == len(node.Content) {
			child := newChild()
			node.Content = append(node.Content, child)
			return child
		}
		return nil
	}
	return nil
}

// Typed path getters. Each returns ErrNotFound for absent paths and
// otherwise follows the value conversion contract.

func (f *File) GetBool(path string) (bool, error) {
	v, err := f.GetValue(path)
	if err != nil {
		return false, err
	}
	return v.AsBool()
}

func (f *File) GetInt8(path string) (int8, error) {
	v, err := f.GetValue(path)
	if err != nil {
		return 0, err
	}
	return v.AsInt8()
}

func (f *File) GetInt16(path string) (int16, error) {
	v, err := f.GetValue(path)
	if err != nil {
		return 0, err
	}
	return v.AsInt16()
}

func (f *File) GetInt32(path string) (int32, error) {
	v, err := f.GetValue(path)
	if err != nil {
		return 0, err
	}
	return v.AsInt32()
}

func (f *File) GetInt64(path string) (int64, error) {
	v, err := f.GetValue(path)
	if err != nil {
		return 0, err
	}
	return v.AsInt64()
}

func (f *File) GetUint8(path string) (uint8, error) {
	v, err := f.GetValue(path)
	if err != nil {
		return 0, err
	}
	return v.AsUint8()
}

func (f *File) GetUint16(path string) (uint16, error) {
	v, err := f.GetValue(path)
	if err != nil {
		return 0, err
	}
	return v.AsUint16()
}

func (f *File) GetUint32(path string) (uint32, error) {
	v, err := f.GetValue(path)
	if err != nil {
		return 0, err
	}
	return v.AsUint32()
}

func (f *File) GetUint64(path string) (uint64, error) {
	v, err := f.GetValue(path)
	if err != nil {
		return 0, err
	}
	return v.AsUint64()
}

func (f *File) GetFloat(path string) (float32, error) {
	v, err := f.GetValue(path)
	if err != nil {
		return 0, err
	}
	return v.AsFloat()
}

func (f *File) GetDouble(path string) (float64, error) {
	v, err := f.GetValue(path)
	if err != nil {
		return 0, err
	}
	return v.AsDouble()
}

func (f *File) GetString(path string) (string, error) {
	v, err := f.GetValue(path)
	if err != nil {
		return "", err
	}
	return v.AsString()
}

func (f *File) GetMapping(path string) (*Mapping, error) {
	v, err := f.GetValue(path)
	if err != nil {
		return nil, err
	}
	return v.AsMapping()
}

func (f *File) GetSequence(path string) (*Sequence, error) {
	v, err := f.GetValue(path)
	if err != nil {
		return nil, err
	}
	return v.AsSequence()
}

// IsNull and friends: path-based predicates.
func (f *File) IsNull(path string) bool {
	v := f.Get(path)
	return v != nil && v.IsNull()
}

func (f *File) IsMapping(path string) bool {
	v := f.Get(path)
	return v != nil && v.IsMapping()
}

func (f *File) IsSequence(path string) bool {
	v := f.Get(path)
	return v != nil && v.IsSequence()
}

// BlockCount parses to the end of the file and returns the number of
// blocks. Blocks are the last thing in a file (modulo the index appendix),
// and the index is only a hint, so an accurate count requires the full
// parse.
func (f *File) BlockCount() int {
	count := len(f.appended)
	if f.parser != nil {
		n, err := f.parser.BlockCount()
		if err != nil {
			f.ctx.setErr(err)
			return 0
		}
		count += n
	}
	return count
}

// Block is an open handle to one binary block's data.
type Block struct {
	file   *File
	info   *block.Info
	comp   string
	raw    []byte
	region *compression.Region
}

// OpenBlock opens block index i, parsing or verifying block metadata as
// needed (the block index appendix is used as a hint and confirmed by
// parsing a header at the hinted offset).
func (f *File) OpenBlock(index int) (*Block, error) {
	if f.parser == nil {
		return nil, f.ctx.recordf("block %d: file is not open for reading", index)
	}
	info, err := f.parser.BlockInfoAt(index)
	if err != nil {
		return nil, f.ctx.recordf("opening block %d: %w", index, err)
	}
	b := &Block{
		file: f,
		info: info,
		comp: info.Header.CompressionTag(),
	}
	f.openBlocks = append(f.openBlocks, b)
	return b, nil
}

// Header returns the parsed block header.
func (b *Block) Header() block.Header { return b.info.Header }

// Index returns the block's position in file order.
func (b *Block) Index() int { return b.info.Index }

// Compression returns the block's compression tag, empty for none.
func (b *Block) Compression() string { return b.comp }

// DataSize returns the uncompressed payload size.
func (b *Block) DataSize() uint64 { return b.info.Header.DataSize }

// rawData maps the stored (possibly compressed) payload bytes.
func (b *Block) rawData() ([]byte, error) {
	if b.raw != nil {
		return b.raw, nil
	}
	s := b.file.parser.Stream()
	if b.info.Header.Streamed() {
		raw, err := s.ReadToEOF(b.info.DataPos)
		if err != nil {
			return nil, b.file.ctx.recordf("reading streamed block %d: %v", b.info.Index, err)
		}
		if max := b.file.cfg.MaxStreamedBlockSize; max > 0 && uint64(len(raw)) > max {
			raw = raw[:max]
		}
		b.raw = raw
		return raw, nil
	}
	raw, err := s.OpenMem(b.info.DataPos, int64(b.info.Header.UsedSize))
	if err != nil {
		return nil, b.file.ctx.recordf("reading block %d: %v", b.info.Index, err)
	}
	if uint64(len(raw)) < b.info.Header.UsedSize {
		return nil, b.file.ctx.recordf("block %d: %w", b.info.Index, block.ErrUnexpectedEOF)
	}
	b.raw = raw
	return raw, nil
}

func (b *Block) openRegion() (*compression.Region, error) {
	if b.region != nil {
		return b.region, nil
	}
	raw, err := b.rawData()
	if err != nil {
		return nil, err
	}
	dataSize := int64(b.info.Header.DataSize)
	if b.comp == "" || b.info.Header.Streamed() {
		dataSize = int64(len(raw))
	}
	region, err := compression.Open(raw, b.comp, dataSize, b.file.cfg.decompOptions())
	if err != nil {
		return nil, b.file.ctx.recordf("opening block %d data: %v", b.info.Index, err)
	}
	b.region = region
	return region, nil
}

// Data returns the block's payload, decompressed if applicable. In lazy
// mode this forces full materialization; use ReadAt for sparse access.
func (b *Block) Data() ([]byte, error) {
	region, err := b.openRegion()
	if err != nil {
		return nil, err
	}
	data, err := region.Bytes()
	if err != nil {
		return nil, b.file.ctx.recordf("decompressing block %d: %v", b.info.Index, err)
	}
	return data, nil
}

// ReadAt reads decompressed payload bytes at off, materializing lazily
// decompressed chunks on first touch.
func (b *Block) ReadAt(p []byte, off int64) (int, error) {
	region, err := b.openRegion()
	if err != nil {
		return 0, err
	}
	return region.ReadAt(p, off)
}

// OwnFD reports whether the block's decompressed data lives in a spill
// file owned by the handle.
func (b *Block) OwnFD() bool {
	return b.region != nil && b.region.OwnFD()
}

// Fd returns the spill file descriptor, or -1.
func (b *Block) Fd() int {
	if b.region == nil {
		return -1
	}
	return b.region.Fd()
}

// VerifyChecksum computes MD5 over the stored block bytes and compares it
// to the header checksum. A zero header checksum verifies trivially.
func (b *Block) VerifyChecksum() (bool, [block.ChecksumSize]byte, error) {
	var zero [block.ChecksumSize]byte
	raw, err := b.rawData()
	if err != nil {
		return false, zero, err
	}
	digest := block.Checksum(raw)
	if b.info.Header.Checksum == zero {
		return true, digest, nil
	}
	return digest == b.info.Header.Checksum, digest, nil
}

// Close releases the mapped payload and any decompression state. Closing
// during lazy decompression cancels it deterministically.
func (b *Block) Close() error {
	b.raw = nil
	if b.region != nil {
		err := b.region.Close()
		b.region = nil
		return err
	}
	return nil
}

// AppendBlock schedules data as a new uncompressed block on the write path
// and returns its block index.
func (f *File) AppendBlock(data []byte) int {
	return f.AppendBlockCompressed(data, "")
}

// AppendBlockCompressed schedules data as a new block stored with the
// given compression tag ("", "zlib" or "lz4").
func (f *File) AppendBlockCompressed(data []byte, compressionTag string) int {
	index := f.readBlockCount() + len(f.appended)
	f.appended = append(f.appended, appendedBlock{data: data, compression: compressionTag})
	return index
}

func (f *File) readBlockCount() int {
	if f.parser == nil {
		return 0
	}
	n, err := f.parser.BlockCount()
	if err != nil {
		return 0
	}
	return n
}

// WriteTo emits the file: version comment lines, the tree, blocks, and
// (unless suppressed) the block index appendix.
func (f *File) WriteTo(w io.Writer) error {
	em := newEmitter(f)
	return em.emit(w)
}

// WriteFile writes the file to filename atomically.
func (f *File) WriteFile(filename string) error {
	t, err := renamingWriter(filename)
	if err != nil {
		return f.ctx.recordf("writing %s: %v", filename, err)
	}
	defer t.Cleanup()
	if err := f.WriteTo(t); err != nil {
		return err
	}
	if err := t.CloseAtomicallyReplace(); err != nil {
		return f.ctx.recordf("writing %s: %v", filename, err)
	}
	return nil
}

func streamFromOSFile(fp *os.File) stream.Stream { return stream.FromOSFile(fp) }
