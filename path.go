package asdf

import (
	"fmt"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

// YAML pointer paths: /a/b/0 with bracketed indices /a/[0], negative
// indices, and single- or double-quoted segments that may contain slashes.
// Inside quoted segments backslash escapes \/ \\ \[ \] (and the quote
// character). A numeric bare segment is ambiguous: it matches a mapping key
// or a sequence index depending on the resolved parent; bracketed indices
// force sequence interpretation.

// pathTarget says how a component may bind.
type pathTarget int

const (
	// targetAny is an integer segment usable as mapping key or sequence
	// index depending on context.
	targetAny pathTarget = iota
	targetMap
	targetSeq
)

type pathComponent struct {
	target pathTarget
	key    string
	index  int
}

// parsePath splits a pointer path into components. The empty path (or "/")
// resolves to the document root.
func parsePath(path string) ([]pathComponent, error) {
	var parts []pathComponent
	i := 0
	n := len(path)
	for i < n {
		if path[i] == '/' {
			i++
			continue
		}
		switch path[i] {
		case '[':
			end := strings.IndexByte(path[i:], ']')
			if end < 0 {
				return nil, fmt.Errorf("parsing path %q: unbalanced bracket", path)
			}
			idx, err := strconv.Atoi(path[i+1 : i+end])
			if err != nil {
				return nil, fmt.Errorf("parsing path %q: invalid index %q", path, path[i+1:i+end])
			}
			parts = append(parts, pathComponent{target: targetSeq, index: idx})
			i += end + 1
			if i < n && path[i] != '/' {
				return nil, fmt.Errorf("parsing path %q: expected / after bracketed index", path)
			}

		case '\'', '"':
			quote := path[i]
			i++
			var key strings.Builder
			closed := false
			for i < n {
				c := path[i]
				if c == '\\' && i+1 < n {
					next := path[i+1]
					if next == '/' || next == '\\' || next == '[' || next == ']' || next == quote {
						key.WriteByte(next)
						i += 2
						continue
					}
				}
				if c == quote {
					closed = true
					i++
					break
				}
				key.WriteByte(c)
				i++
			}
			if !closed {
				return nil, fmt.Errorf("parsing path %q: unbalanced quote", path)
			}
			if i < n && path[i] != '/' {
				return nil, fmt.Errorf("parsing path %q: expected / after quoted segment", path)
			}
			parts = append(parts, pathComponent{target: targetMap, key: key.String()})

		default:
			end := strings.IndexByte(path[i:], '/')
			if end < 0 {
				end = n - i
			}
			seg := path[i : i+end]
			i += end
			if idx, err := strconv.Atoi(seg); err == nil {
				parts = append(parts, pathComponent{target: targetAny, key: seg, index: idx})
			} else {
				parts = append(parts, pathComponent{target: targetMap, key: seg})
			}
		}
	}
	return parts, nil
}

// emitPath renders components back into path syntax; parsePath(emitPath(p))
// round-trips.
func emitPath(parts []pathComponent) string {
	var b strings.Builder
	for _, part := range parts {
		b.WriteByte('/')
		switch part.target {
		case targetSeq:
			fmt.Fprintf(&b, "[%d]", part.index)
		case targetAny:
			b.WriteString(part.key)
		default:
			b.WriteString(escapePathSegment(part.key))
		}
	}
	if b.Len() == 0 {
		return "/"
	}
	return b.String()
}

// escapePathSegment quotes a mapping key when the plain form would not
// re-parse as the same key.
func escapePathSegment(key string) string {
	if key != "" && !strings.ContainsAny(key, "/[]'\"\\") {
		if _, err := strconv.Atoi(key); err != nil {
			return key
		}
	}
	var b strings.Builder
	b.WriteByte('\'')
	for i := 0; i < len(key); i++ {
		switch key[i] {
		case '\'', '\\', '/', '[', ']':
			b.WriteByte('\\')
		}
		b.WriteByte(key[i])
	}
	b.WriteByte('\'')
	return b.String()
}

// resolvePath walks the document from root. A nil result means the path is
// absent (not an error).
func resolvePath(root *yaml.Node, parts []pathComponent) *yaml.Node {
	node := root
	for _, part := range parts {
		if node == nil {
			return nil
		}
		for node.Kind == yaml.AliasNode {
			node = node.Alias
		}
		switch node.Kind {
		case yaml.MappingNode:
			if part.target == targetSeq {
				return nil
			}
			var next *yaml.Node
			for i := 0; i+1 < len(node.Content); i += 2 {
				if node.Content[i].Value == part.key {
					next = node.Content[i+1]
					break
				}
			}
			node = next

		case yaml.SequenceNode:
			if part.target == targetMap {
				return nil
			}
			idx := part.index
			if idx < 0 {
				idx += len(node.Content)
			}
			if idx < 0 || idx >= len(node.Content) {
				return nil
			}
			node = node.Content[idx]

		default:
			return nil
		}
	}
	return node
}
