package parser

import (
	"bytes"
	"errors"
	"testing"

	"github.com/asdf-format/asdf-go/internal/block"
	"github.com/google/go-cmp/cmp"
)

const minimalHeader = "#ASDF 1.0.0\n#ASDF_STANDARD 1.6.0\n"

func eventTypes(p *Parser) []EventType {
	var types []EventType
	for ev := p.Iterate(); ev != nil; ev = p.Iterate() {
		types = append(types, ev.Type)
	}
	return types
}

// A file containing only the two header comments parses cleanly.
func TestMinimalFile(t *testing.T) {
	p := NewFromMemory([]byte(minimalHeader), Config{})
	ev := p.Iterate()
	if ev == nil || ev.Type != ASDFVersionEvent || ev.Version != "1.0.0" {
		t.Fatalf("first event: got %+v, want ASDF version 1.0.0", ev)
	}
	ev = p.Iterate()
	if ev == nil || ev.Type != StandardVersionEvent || ev.Version != "1.6.0" {
		t.Fatalf("second event: got %+v, want standard version 1.6.0", ev)
	}
	ev = p.Iterate()
	if ev == nil || ev.Type != EndEvent {
		t.Fatalf("third event: got %+v, want end", ev)
	}
	if p.Iterate() != nil {
		t.Fatal("events after END")
	}
	if p.Err() != nil {
		t.Fatalf("Err: %v", p.Err())
	}
}

func TestInvalidHeader(t *testing.T) {
	for _, input := range []string{
		"",
		"#WRONG 1.0.0\n",
		"#ASDF 1.0.0\n#NOT_STANDARD 1.6.0\n",
	} {
		p := NewFromMemory([]byte(input), Config{})
		for p.Iterate() != nil {
		}
		if !errors.Is(p.Err(), ErrInvalidASDFHeader) {
			t.Errorf("input %q: got %v, want ErrInvalidASDFHeader", input, p.Err())
		}
	}
}

func TestComments(t *testing.T) {
	input := minimalHeader + "#produced by a test\n#another comment\n"
	p := NewFromMemory([]byte(input), Config{})
	var comments []string
	for ev := p.Iterate(); ev != nil; ev = p.Iterate() {
		if ev.Type == CommentEvent {
			comments = append(comments, ev.Comment)
		}
	}
	want := []string{"produced by a test", "another comment"}
	if diff := cmp.Diff(want, comments); diff != "" {
		t.Fatalf("comments: diff (-want +got):\n%s", diff)
	}
}

const treeDoc = "%YAML 1.1\n--- !core/asdf-1.1.0\nfoo: bar\n...\n"

func TestTreeCapture(t *testing.T) {
	input := minimalHeader + treeDoc
	p := NewFromMemory([]byte(input), Config{Flags: FlagBufferTree})
	var types []EventType
	var buf []byte
	for ev := p.Iterate(); ev != nil; ev = p.Iterate() {
		types = append(types, ev.Type)
		if ev.Type == TreeEndEvent {
			buf = append([]byte(nil), ev.Tree.Buf...)
		}
	}
	want := []EventType{ASDFVersionEvent, StandardVersionEvent, TreeStartEvent, TreeEndEvent, EndEvent}
	if diff := cmp.Diff(want, types); diff != "" {
		t.Fatalf("events: diff (-want +got):\n%s", diff)
	}
	if got := string(buf); got != treeDoc {
		t.Fatalf("captured tree: got %q, want %q", got, treeDoc)
	}
}

// Padding between the header and the tree, and between the tree and the
// first block, is tolerated.
func TestGarbageBetweenAnchors(t *testing.T) {
	var input bytes.Buffer
	input.WriteString(minimalHeader)
	input.Write(bytes.Repeat([]byte{0x00}, 64))
	input.WriteString(treeDoc)
	input.Write(bytes.Repeat([]byte{0xab}, 32))
	writeBlock(&input, []byte("payload"))

	p := NewFromMemory(input.Bytes(), Config{Flags: FlagBufferTree})
	var types []EventType
	for ev := p.Iterate(); ev != nil; ev = p.Iterate() {
		types = append(types, ev.Type)
	}
	want := []EventType{ASDFVersionEvent, StandardVersionEvent, TreeStartEvent, TreeEndEvent, BlockEvent, EndEvent}
	if diff := cmp.Diff(want, types); diff != "" {
		t.Fatalf("events: diff (-want +got):\n%s", diff)
	}
}

func writeBlock(buf *bytes.Buffer, payload []byte) {
	h := block.Header{
		AllocatedSize: uint64(len(payload)),
		UsedSize:      uint64(len(payload)),
		DataSize:      uint64(len(payload)),
		Checksum:      block.Checksum(payload),
	}
	h.WriteTo(buf)
	buf.Write(payload)
}

func TestBlocksAndIndex(t *testing.T) {
	var input bytes.Buffer
	input.WriteString(minimalHeader)
	input.WriteString(treeDoc)
	off0 := int64(input.Len())
	writeBlock(&input, []byte("first block"))
	off1 := int64(input.Len())
	writeBlock(&input, []byte("second"))
	idx := &block.Index{Offsets: []int64{off0, off1}}
	idx.WriteTo(&input)

	p := NewFromMemory(input.Bytes(), Config{Flags: FlagBufferTree})
	var blocks []*block.Info
	var gotIndex *block.Index
	for ev := p.Iterate(); ev != nil; ev = p.Iterate() {
		switch ev.Type {
		case BlockEvent:
			info := *ev.Block
			blocks = append(blocks, &info)
		case BlockIndexEvent:
			gotIndex = ev.Index
		}
	}
	if p.Err() != nil {
		t.Fatal(p.Err())
	}
	if len(blocks) != 2 {
		t.Fatalf("blocks: got %d, want 2", len(blocks))
	}
	if blocks[0].HeaderPos != off0 || blocks[1].HeaderPos != off1 {
		t.Fatalf("header positions: got %d, %d, want %d, %d",
			blocks[0].HeaderPos, blocks[1].HeaderPos, off0, off1)
	}
	if gotIndex == nil {
		t.Fatal("no block index event")
	}
	if diff := cmp.Diff(idx.Offsets, gotIndex.Offsets); diff != "" {
		t.Fatalf("index offsets: diff (-want +got):\n%s", diff)
	}
}

func TestBlockInfoAtUsesIndexHint(t *testing.T) {
	var input bytes.Buffer
	input.WriteString(minimalHeader)
	input.WriteString(treeDoc)
	off0 := int64(input.Len())
	writeBlock(&input, []byte("first block"))
	off1 := int64(input.Len())
	writeBlock(&input, []byte("second"))
	idx := &block.Index{Offsets: []int64{off0, off1}}
	idx.WriteTo(&input)

	// Without iterating at all, block 1 must be reachable through the
	// tail index hint.
	p := NewFromMemory(input.Bytes(), Config{})
	info, err := p.BlockInfoAt(1)
	if err != nil {
		t.Fatal(err)
	}
	if info.HeaderPos != off1 {
		t.Fatalf("HeaderPos: got %d, want %d", info.HeaderPos, off1)
	}
	if got, want := info.Header.UsedSize, uint64(len("second")); got != want {
		t.Fatalf("UsedSize: got %d, want %d", got, want)
	}
}

// A bogus index offset falls back to the linear scan.
func TestBlockInfoAtBadHint(t *testing.T) {
	var input bytes.Buffer
	input.WriteString(minimalHeader)
	off0 := int64(input.Len())
	writeBlock(&input, []byte("only block"))
	idx := &block.Index{Offsets: []int64{off0 + 3}} // wrong on purpose
	idx.WriteTo(&input)

	p := NewFromMemory(input.Bytes(), Config{})
	info, err := p.BlockInfoAt(0)
	if err != nil {
		t.Fatal(err)
	}
	if info.HeaderPos != off0 {
		t.Fatalf("HeaderPos: got %d, want %d", info.HeaderPos, off0)
	}
}

func TestShortBlockHeaderIsFatal(t *testing.T) {
	var input bytes.Buffer
	input.WriteString(minimalHeader)
	input.Write(block.Magic)
	input.Write([]byte{0x00, 0x2f}) // header_size = 47
	input.Write(make([]byte, 47))

	p := NewFromMemory(input.Bytes(), Config{})
	for p.Iterate() != nil {
	}
	if !errors.Is(p.Err(), block.ErrInvalidHeader) {
		t.Fatalf("Err: got %v, want ErrInvalidHeader", p.Err())
	}
}

func TestStreamedBlockRunsToEOF(t *testing.T) {
	var input bytes.Buffer
	input.WriteString(minimalHeader)
	h := block.Header{Flags: block.FlagStreamed}
	h.WriteTo(&input)
	input.Write(bytes.Repeat([]byte{0x42}, 100))

	p := NewFromMemory(input.Bytes(), Config{})
	var sawBlock, sawEnd bool
	for ev := p.Iterate(); ev != nil; ev = p.Iterate() {
		switch ev.Type {
		case BlockEvent:
			sawBlock = true
			if !ev.Block.Header.Streamed() {
				t.Fatal("block not marked streamed")
			}
		case EndEvent:
			sawEnd = true
		}
	}
	if !sawBlock || !sawEnd {
		t.Fatalf("sawBlock=%v sawEnd=%v", sawBlock, sawEnd)
	}
	if p.Err() != nil {
		t.Fatal(p.Err())
	}
}

func TestYAMLEvents(t *testing.T) {
	input := minimalHeader + treeDoc
	p := NewFromMemory([]byte(input), Config{Flags: FlagEmitYAMLEvents})
	var kinds []string
	for ev := p.Iterate(); ev != nil; ev = p.Iterate() {
		if ev.Type == YAMLNodeEvent {
			kinds = append(kinds, ev.YAML.Kind)
		}
	}
	want := []string{"DOCUMENT_START", "MAPPING_START", "SCALAR", "SCALAR", "MAPPING_END", "DOCUMENT_END"}
	if diff := cmp.Diff(want, kinds); diff != "" {
		t.Fatalf("YAML events: diff (-want +got):\n%s", diff)
	}
}
