package parser

import (
	"fmt"
	"io"

	"github.com/asdf-format/asdf-go/internal/block"
	"gopkg.in/yaml.v3"
)

// EventType identifies what a parser event describes.
type EventType int

const (
	NoneEvent EventType = iota
	ASDFVersionEvent
	StandardVersionEvent
	CommentEvent
	YAMLNodeEvent
	TreeStartEvent
	TreeEndEvent
	BlockEvent
	BlockIndexEvent
	EndEvent
)

var eventTypeNames = map[EventType]string{
	NoneEvent:            "ASDF_NONE_EVENT",
	ASDFVersionEvent:     "ASDF_ASDF_VERSION_EVENT",
	StandardVersionEvent: "ASDF_STANDARD_VERSION_EVENT",
	CommentEvent:         "ASDF_COMMENT_EVENT",
	YAMLNodeEvent:        "ASDF_YAML_EVENT",
	TreeStartEvent:       "ASDF_TREE_START_EVENT",
	TreeEndEvent:         "ASDF_TREE_END_EVENT",
	BlockEvent:           "ASDF_BLOCK_EVENT",
	BlockIndexEvent:      "ASDF_BLOCK_INDEX_EVENT",
	EndEvent:             "ASDF_END_EVENT",
}

func (t EventType) String() string {
	if name, ok := eventTypeNames[t]; ok {
		return name
	}
	return "ASDF_UNKNOWN_EVENT"
}

// TreeInfo carries the positions (and, when buffered, the bytes) of the
// YAML tree.
type TreeInfo struct {
	Start int64
	End   int64
	Buf   []byte
}

// YAMLEvent is one per-node event from walking the parsed tree.
type YAMLEvent struct {
	Kind   string
	Tag    string
	Value  string
	Anchor string
}

// Event is one step of the parse. Only the field matching Type is set.
type Event struct {
	Type    EventType
	Version string
	Comment string
	Tree    *TreeInfo
	Block   *block.Info
	Index   *block.Index
	YAML    *YAMLEvent
}

// Summary renders a one-line description of the event.
func (e *Event) Summary() string {
	switch e.Type {
	case ASDFVersionEvent:
		return fmt.Sprintf("event: %s (ASDF v%s)", e.Type, e.Version)
	case StandardVersionEvent:
		return fmt.Sprintf("event: %s (Standard v%s)", e.Type, e.Version)
	case CommentEvent:
		return fmt.Sprintf("event: %s (Comment: %.30s)", e.Type, e.Comment)
	case YAMLNodeEvent:
		s := fmt.Sprintf("event: %s (YAML: %s", e.Type, e.YAML.Kind)
		if e.YAML.Tag != "" {
			s += fmt.Sprintf(", Tag: %s", e.YAML.Tag)
		}
		if e.YAML.Value != "" {
			s += fmt.Sprintf(", Value: %.20s", e.YAML.Value)
		}
		return s + ")"
	case TreeStartEvent:
		return fmt.Sprintf("event: %s (Tree start: %d)", e.Type, e.Tree.Start)
	case TreeEndEvent:
		return fmt.Sprintf("event: %s (Tree end: %d)", e.Type, e.Tree.End)
	case BlockEvent:
		return fmt.Sprintf("event: %s (Block @ %d, size: %d)", e.Type, e.Block.HeaderPos, e.Block.Header.DataSize)
	case BlockIndexEvent:
		return fmt.Sprintf("event: %s (Block index: %d offsets)", e.Type, len(e.Index.Offsets))
	}
	return fmt.Sprintf("event: %s", e.Type)
}

// Print writes the event to w, with per-field detail when verbose.
func (e *Event) Print(w io.Writer, verbose bool) {
	fmt.Fprintf(w, "Event: %s\n", e.Type)
	if !verbose {
		return
	}
	switch e.Type {
	case ASDFVersionEvent:
		fmt.Fprintf(w, "  ASDF Version: %s\n", e.Version)
	case StandardVersionEvent:
		fmt.Fprintf(w, "  Standard Version: %s\n", e.Version)
	case CommentEvent:
		fmt.Fprintf(w, "  Comment: %s\n", e.Comment)
	case YAMLNodeEvent:
		fmt.Fprintf(w, "  Type: %s\n", e.YAML.Kind)
		if e.YAML.Tag != "" {
			fmt.Fprintf(w, "  Tag: %s\n", e.YAML.Tag)
		}
		if e.YAML.Value != "" {
			fmt.Fprintf(w, "  Value: %s\n", e.YAML.Value)
		}
	case TreeStartEvent:
		fmt.Fprintf(w, "  Tree start position: %d (0x%x)\n", e.Tree.Start, e.Tree.Start)
	case TreeEndEvent:
		fmt.Fprintf(w, "  Tree end position: %d (0x%x)\n", e.Tree.End, e.Tree.End)
		if e.Tree.Buf != nil {
			fmt.Fprintf(w, "%s\n", e.Tree.Buf)
		}
	case BlockEvent:
		h := &e.Block.Header
		fmt.Fprintf(w, "  Header position: %d (0x%x)\n", e.Block.HeaderPos, e.Block.HeaderPos)
		fmt.Fprintf(w, "  Data position: %d (0x%x)\n", e.Block.DataPos, e.Block.DataPos)
		fmt.Fprintf(w, "  Allocated size: %d (0x%x)\n", h.AllocatedSize, h.AllocatedSize)
		fmt.Fprintf(w, "  Used size: %d (0x%x)\n", h.UsedSize, h.UsedSize)
		fmt.Fprintf(w, "  Data size: %d (0x%x)\n", h.DataSize, h.DataSize)
		if tag := h.CompressionTag(); tag != "" {
			fmt.Fprintf(w, "  Compression: %s\n", tag)
		}
		fmt.Fprintf(w, "  Checksum: %x\n", h.Checksum)
	case BlockIndexEvent:
		fmt.Fprintf(w, "  Offsets: ")
		for i, off := range e.Index.Offsets {
			if i != 0 {
				fmt.Fprintf(w, ", ")
			}
			fmt.Fprintf(w, "%d", off)
		}
		fmt.Fprintln(w)
	}
}

// yamlEvents parses buf as a YAML document and flattens it into per-node
// events in document order.
func yamlEvents(buf []byte) ([]YAMLEvent, error) {
	var doc yaml.Node
	if err := yaml.Unmarshal(buf, &doc); err != nil {
		return nil, err
	}
	events := []YAMLEvent{{Kind: "DOCUMENT_START"}}
	for _, child := range doc.Content {
		events = appendNodeEvents(events, child)
	}
	return append(events, YAMLEvent{Kind: "DOCUMENT_END"}), nil
}

func appendNodeEvents(events []YAMLEvent, n *yaml.Node) []YAMLEvent {
	switch n.Kind {
	case yaml.ScalarNode:
		events = append(events, YAMLEvent{Kind: "SCALAR", Tag: explicitTag(n), Value: n.Value, Anchor: n.Anchor})
	case yaml.MappingNode:
		events = append(events, YAMLEvent{Kind: "MAPPING_START", Tag: explicitTag(n), Anchor: n.Anchor})
		for _, child := range n.Content {
			events = appendNodeEvents(events, child)
		}
		events = append(events, YAMLEvent{Kind: "MAPPING_END"})
	case yaml.SequenceNode:
		events = append(events, YAMLEvent{Kind: "SEQUENCE_START", Tag: explicitTag(n), Anchor: n.Anchor})
		for _, child := range n.Content {
			events = appendNodeEvents(events, child)
		}
		events = append(events, YAMLEvent{Kind: "SEQUENCE_END"})
	case yaml.AliasNode:
		events = append(events, YAMLEvent{Kind: "ALIAS", Value: n.Value})
	}
	return events
}

// explicitTag hides the resolver-implied !!str/!!int/... tags so events
// only show tags that were present in the input.
func explicitTag(n *yaml.Node) string {
	if n.Style&yaml.TaggedStyle != 0 {
		return n.Tag
	}
	return ""
}
