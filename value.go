package asdf

import (
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

// Conversion results of the value layer. Conversions return one of these
// (possibly wrapped); nil means OK.
var (
	ErrNotFound     = errors.New("not found")
	ErrTypeMismatch = errors.New("type mismatch")
	ErrOverflow     = errors.New("overflow")
	ErrParseFailure = errors.New("parse failure")
	ErrEmitFailure  = errors.New("emit failure")
)

// ValueType classifies a value. Scalars carry the narrowest inferred
// numeric type (for example Uint8 for the literal 7).
type ValueType int

const (
	TypeUnknown ValueType = iota
	TypeNull
	TypeBool
	TypeString
	TypeInt8
	TypeInt16
	TypeInt32
	TypeInt64
	TypeUint8
	TypeUint16
	TypeUint32
	TypeUint64
	TypeFloat
	TypeDouble
	TypeMapping
	TypeSequence
	TypeExtension
)

var valueTypeNames = map[ValueType]string{
	TypeUnknown:   "unknown",
	TypeNull:      "null",
	TypeBool:      "bool",
	TypeString:    "string",
	TypeInt8:      "int8",
	TypeInt16:     "int16",
	TypeInt32:     "int32",
	TypeInt64:     "int64",
	TypeUint8:     "uint8",
	TypeUint16:    "uint16",
	TypeUint32:    "uint32",
	TypeUint64:    "uint64",
	TypeFloat:     "float",
	TypeDouble:    "double",
	TypeMapping:   "mapping",
	TypeSequence:  "sequence",
	TypeExtension: "extension",
}

func (t ValueType) String() string {
	if name, ok := valueTypeNames[t]; ok {
		return name
	}
	return "unknown"
}

func (t ValueType) isInt() bool {
	return t >= TypeInt8 && t <= TypeUint64
}

func (t ValueType) isSigned() bool {
	return t >= TypeInt8 && t <= TypeInt64
}

// Value is a view over one YAML node of a file's tree. It caches the
// inferred narrow type, the raw YAML type from the first resolution (which
// later extension resolution never overwrites), and the canonical tag.
type Value struct {
	file *File
	node *yaml.Node

	typ     ValueType
	rawType ValueType

	tag        string
	tagChecked bool

	extChecked bool
	ext        *Extension
	extObj     interface{}

	// Cached scalar interpretations.
	scalarB bool
	scalarI int64
	scalarU uint64
	scalarD float64

	path string
}

func newValue(file *File, node *yaml.Node, path string) *Value {
	for node != nil && node.Kind == yaml.AliasNode {
		node = node.Alias
	}
	if node == nil {
		return nil
	}
	v := &Value{file: file, node: node, path: path}
	v.resolveType()
	return v
}

// Node exposes the underlying YAML node.
func (v *Value) Node() *yaml.Node { return v.node }

// File returns the owning file.
func (v *Value) File() *File { return v.file }

// Path returns the value's path from the document root, for diagnostics.
func (v *Value) Path() string {
	if v.path == "" {
		return "/"
	}
	return v.path
}

// Clone returns an independent view of the same node, preserving the full
// path.
func (v *Value) Clone() *Value {
	clone := *v
	return &clone
}

func (v *Value) child(node *yaml.Node, seg string) *Value {
	return newValue(v.file, node, v.path+"/"+seg)
}

// resolveType infers the value's type once and records the raw YAML type.
// Later resolution (for example of an extension) does not touch rawType, so
// a mapping resolved as an extension object still reports as a mapping.
func (v *Value) resolveType() {
	switch v.node.Kind {
	case yaml.MappingNode:
		v.typ = TypeMapping
	case yaml.SequenceNode:
		v.typ = TypeSequence
	case yaml.ScalarNode:
		v.typ = v.inferScalar()
	default:
		v.typ = TypeUnknown
	}
	if v.rawType == TypeUnknown {
		v.rawType = v.typ
	}
}

func (v *Value) explicitTag() string {
	if v.node.Style&yaml.TaggedStyle != 0 {
		return v.node.Tag
	}
	return ""
}

var nullLiterals = map[string]bool{"": true, "~": true, "null": true, "Null": true, "NULL": true}
var boolLiterals = map[string]bool{
	"true": true, "True": true, "TRUE": true,
	"false": false, "False": false, "FALSE": false,
}

// inferScalar greedily infers the narrowest type of a scalar. An explicit
// core-schema tag overrides inference.
func (v *Value) inferScalar() ValueType {
	s := v.node.Value
	switch v.explicitTag() {
	case "!!str":
		return TypeString
	case "!!null":
		return TypeNull
	case "!!bool":
		if b, ok := boolLiterals[s]; ok {
			v.scalarB = b
			return TypeBool
		}
		return TypeString
	case "!!float":
		if d, ok := parseYAMLFloat(s); ok {
			v.scalarD = d
			return TypeDouble
		}
		return TypeString
	case "!!int":
		if t := v.inferInt(s); t != TypeUnknown {
			return t
		}
		return TypeString
	}

	if v.node.Style&(yaml.SingleQuotedStyle|yaml.DoubleQuotedStyle|yaml.LiteralStyle|yaml.FoldedStyle) != 0 {
		return TypeString
	}
	if nullLiterals[s] {
		return TypeNull
	}
	if b, ok := boolLiterals[s]; ok {
		v.scalarB = b
		return TypeBool
	}
	if t := v.inferInt(s); t != TypeUnknown {
		return t
	}
	if d, ok := parseYAMLFloat(s); ok {
		v.scalarD = d
		return TypeDouble
	}
	return TypeString
}

// inferInt returns the narrowest integer type that holds s, preferring
// unsigned types for non-negative values, or TypeUnknown when s is not an
// integer literal.
func (v *Value) inferInt(s string) ValueType {
	if s == "" {
		return TypeUnknown
	}
	if strings.HasPrefix(s, "-") {
		i, err := strconv.ParseInt(s, 0, 64)
		if err != nil {
			return TypeUnknown
		}
		v.scalarI = i
		switch {
		case i >= math.MinInt8:
			return TypeInt8
		case i >= math.MinInt16:
			return TypeInt16
		case i >= math.MinInt32:
			return TypeInt32
		}
		return TypeInt64
	}
	u, err := strconv.ParseUint(strings.TrimPrefix(s, "+"), 0, 64)
	if err != nil {
		return TypeUnknown
	}
	v.scalarU = u
	switch {
	case u <= math.MaxUint8:
		return TypeUint8
	case u <= math.MaxUint16:
		return TypeUint16
	case u <= math.MaxUint32:
		return TypeUint32
	}
	return TypeUint64
}

func parseYAMLFloat(s string) (float64, bool) {
	switch strings.ToLower(s) {
	case ".inf", "+.inf":
		return math.Inf(1), true
	case "-.inf":
		return math.Inf(-1), true
	case ".nan":
		return math.NaN(), true
	}
	d, err := strconv.ParseFloat(strings.ReplaceAll(s, "_", ""), 64)
	if err != nil {
		return 0, false
	}
	return d, true
}

// Type returns the cached inferred type.
func (v *Value) Type() ValueType { return v.typ }

// RawType returns the underlying YAML shape from the first resolution.
func (v *Value) RawType() ValueType { return v.rawType }

// Type predicates, defined in terms of the conversions so that IsT is true
// exactly when AsT succeeds.

func (v *Value) IsMapping() bool  { return v.rawType == TypeMapping }
func (v *Value) IsSequence() bool { return v.rawType == TypeSequence }
func (v *Value) IsScalar() bool   { return v.node.Kind == yaml.ScalarNode }
func (v *Value) IsNull() bool     { return v.typ == TypeNull }
func (v *Value) IsString() bool   { return v.typ == TypeString }
func (v *Value) IsBool() bool     { return v.typ == TypeBool }
func (v *Value) IsInt() bool      { return v.typ.isInt() }

func (v *Value) IsInt8() bool   { _, err := v.AsInt8(); return err == nil }
func (v *Value) IsInt16() bool  { _, err := v.AsInt16(); return err == nil }
func (v *Value) IsInt32() bool  { _, err := v.AsInt32(); return err == nil }
func (v *Value) IsInt64() bool  { _, err := v.AsInt64(); return err == nil }
func (v *Value) IsUint8() bool  { _, err := v.AsUint8(); return err == nil }
func (v *Value) IsUint16() bool { _, err := v.AsUint16(); return err == nil }
func (v *Value) IsUint32() bool { _, err := v.AsUint32(); return err == nil }
func (v *Value) IsUint64() bool { _, err := v.AsUint64(); return err == nil }
func (v *Value) IsFloat() bool  { _, err := v.AsFloat(); return err == nil }
func (v *Value) IsDouble() bool { _, err := v.AsDouble(); return err == nil }

// AsBool converts the value to a bool.
func (v *Value) AsBool() (bool, error) {
	if v.typ != TypeBool {
		return false, ErrTypeMismatch
	}
	return v.scalarB, nil
}

// signedRep returns the scalar as a signed magnitude pair: neg reports a
// negative value held in i; otherwise the value is in u.
func (v *Value) signedRep() (neg bool, i int64, u uint64, err error) {
	if !v.typ.isInt() {
		return false, 0, 0, ErrTypeMismatch
	}
	if v.typ.isSigned() {
		return true, v.scalarI, 0, nil
	}
	return false, 0, v.scalarU, nil
}

func (v *Value) asSigned(min int64, max int64) (int64, error) {
	neg, i, u, err := v.signedRep()
	if err != nil {
		return 0, err
	}
	if neg {
		if i < min {
			return i, ErrOverflow
		}
		return i, nil
	}
	if u > uint64(max) {
		return int64(u), ErrOverflow
	}
	return int64(u), nil
}

func (v *Value) asUnsigned(max uint64) (uint64, error) {
	neg, i, u, err := v.signedRep()
	if err != nil {
		return 0, err
	}
	if neg {
		return uint64(i), ErrOverflow
	}
	if u > max {
		return u, ErrOverflow
	}
	return u, nil
}

// Integer conversions: widening always succeeds; narrowing returns the low
// bits together with ErrOverflow.

func (v *Value) AsInt8() (int8, error) {
	i, err := v.asSigned(math.MinInt8, math.MaxInt8)
	return int8(i), err
}

func (v *Value) AsInt16() (int16, error) {
	i, err := v.asSigned(math.MinInt16, math.MaxInt16)
	return int16(i), err
}

func (v *Value) AsInt32() (int32, error) {
	i, err := v.asSigned(math.MinInt32, math.MaxInt32)
	return int32(i), err
}

func (v *Value) AsInt64() (int64, error) {
	i, err := v.asSigned(math.MinInt64, math.MaxInt64)
	return i, err
}

func (v *Value) AsUint8() (uint8, error) {
	u, err := v.asUnsigned(math.MaxUint8)
	return uint8(u), err
}

func (v *Value) AsUint16() (uint16, error) {
	u, err := v.asUnsigned(math.MaxUint16)
	return uint16(u), err
}

func (v *Value) AsUint32() (uint32, error) {
	u, err := v.asUnsigned(math.MaxUint32)
	return uint32(u), err
}

func (v *Value) AsUint64() (uint64, error) {
	return v.asUnsigned(math.MaxUint64)
}

// AsDouble converts floating point and integer scalars to float64.
func (v *Value) AsDouble() (float64, error) {
	switch {
	case v.typ == TypeDouble || v.typ == TypeFloat:
		return v.scalarD, nil
	case v.typ.isSigned():
		return float64(v.scalarI), nil
	case v.typ.isInt():
		return float64(v.scalarU), nil
	}
	return 0, ErrTypeMismatch
}

// AsFloat narrows to float32; finite values outside the float32 range
// return ErrOverflow alongside the converted value.
func (v *Value) AsFloat() (float32, error) {
	d, err := v.AsDouble()
	if err != nil {
		return 0, err
	}
	f := float32(d)
	if !math.IsInf(d, 0) && !math.IsNaN(d) && math.IsInf(float64(f), 0) {
		return f, ErrOverflow
	}
	return f, nil
}

// AsString returns string-typed scalars.
func (v *Value) AsString() (string, error) {
	if v.typ != TypeString {
		return "", ErrTypeMismatch
	}
	return v.node.Value, nil
}

// AsScalar returns the raw text of any scalar value.
func (v *Value) AsScalar() (string, error) {
	if v.node.Kind != yaml.ScalarNode {
		return "", ErrTypeMismatch
	}
	return v.node.Value, nil
}

// AsMapping returns a mapping view; the raw type decides, so extension
// resolution does not hide the underlying shape.
func (v *Value) AsMapping() (*Mapping, error) {
	if v.rawType != TypeMapping {
		return nil, ErrTypeMismatch
	}
	return &Mapping{v: v}, nil
}

// AsSequence returns a sequence view.
func (v *Value) AsSequence() (*Sequence, error) {
	if v.rawType != TypeSequence {
		return nil, ErrTypeMismatch
	}
	return &Sequence{v: v}, nil
}

// Mapping is an insertion-ordered string-keyed container view.
type Mapping struct {
	v *Value
}

// Value returns the mapping's underlying value.
func (m *Mapping) Value() *Value { return m.v }

// Size returns the number of key/value pairs.
func (m *Mapping) Size() int { return len(m.v.node.Content) / 2 }

// Get returns the value for key, or nil.
func (m *Mapping) Get(key string) *Value {
	content := m.v.node.Content
	for i := 0; i+1 < len(content); i += 2 {
		if content[i].Value == key {
			return m.v.child(content[i+1], escapePathSegment(key))
		}
	}
	return nil
}

// Set inserts or replaces key with val's node.
func (m *Mapping) Set(key string, val *Value) error {
	if val == nil {
		return ErrEmitFailure
	}
	content := m.v.node.Content
	for i := 0; i+1 < len(content); i += 2 {
		if content[i].Value == key {
			content[i+1] = val.node
			return nil
		}
	}
	m.v.node.Content = append(content, scalarNode(key, ""), val.node)
	return nil
}

func (m *Mapping) SetString(key, s string) error {
	return m.Set(key, m.v.file.NewString(s))
}

func (m *Mapping) SetBool(key string, b bool) error {
	return m.Set(key, m.v.file.NewBool(b))
}

func (m *Mapping) SetInt64(key string, i int64) error {
	return m.Set(key, m.v.file.NewInt64(i))
}

func (m *Mapping) SetUint64(key string, u uint64) error {
	return m.Set(key, m.v.file.NewUint64(u))
}

func (m *Mapping) SetDouble(key string, d float64) error {
	return m.Set(key, m.v.file.NewDouble(d))
}

func (m *Mapping) SetNull(key string) error {
	return m.Set(key, m.v.file.NewNull())
}

func (m *Mapping) SetMapping(key string, sub *Mapping) error {
	return m.Set(key, sub.v)
}

func (m *Mapping) SetSequence(key string, sub *Sequence) error {
	return m.Set(key, sub.v)
}

// MappingItem is one (key, value) pair of a mapping iteration.
type MappingItem struct {
	Key   string
	Value *Value
}

// MappingIter yields items in insertion order.
type MappingIter struct {
	m   *Mapping
	pos int
}

func (m *Mapping) Iter() *MappingIter { return &MappingIter{m: m} }

// Next returns the next item, or nil when exhausted. Returned values borrow
// the parent's storage.
func (it *MappingIter) Next() *MappingItem {
	content := it.m.v.node.Content
	if it.pos+1 >= len(content) {
		return nil
	}
	key := content[it.pos].Value
	val := it.m.v.child(content[it.pos+1], escapePathSegment(key))
	it.pos += 2
	return &MappingItem{Key: key, Value: val}
}

// Sequence is an ordered index-keyed container view.
type Sequence struct {
	v *Value
}

// Value returns the sequence's underlying value.
func (s *Sequence) Value() *Value { return s.v }

// Size returns the number of elements.
func (s *Sequence) Size() int { return len(s.v.node.Content) }

// Get returns the element at index i; negative indices count from the end.
func (s *Sequence) Get(i int) *Value {
	content := s.v.node.Content
	if i < 0 {
		i += len(content)
	}
	if i < 0 || i >= len(content) {
		return nil
	}
	return s.v.child(content[i], strconv.Itoa(i))
}

// Append adds val at the end.
func (s *Sequence) Append(val *Value) error {
	if val == nil {
		return ErrEmitFailure
	}
	s.v.node.Content = append(s.v.node.Content, val.node)
	return nil
}

func (s *Sequence) AppendString(str string) error {
	return s.Append(s.v.file.NewString(str))
}

func (s *Sequence) AppendInt64(i int64) error {
	return s.Append(s.v.file.NewInt64(i))
}

func (s *Sequence) AppendUint64(u uint64) error {
	return s.Append(s.v.file.NewUint64(u))
}

func (s *Sequence) AppendDouble(d float64) error {
	return s.Append(s.v.file.NewDouble(d))
}

// SetFlowStyle renders the sequence inline ([a, b, c]) on output.
func (s *Sequence) SetFlowStyle() { s.v.node.Style = yaml.FlowStyle }

// SequenceIter yields elements in position order.
type SequenceIter struct {
	s   *Sequence
	pos int
}

// SequenceItem is one (index, value) pair of a sequence iteration.
type SequenceItem struct {
	Index int
	Value *Value
}

func (s *Sequence) Iter() *SequenceIter { return &SequenceIter{s: s} }

func (it *SequenceIter) Next() *SequenceItem {
	if it.pos >= it.s.Size() {
		return nil
	}
	item := &SequenceItem{Index: it.pos, Value: it.s.Get(it.pos)}
	it.pos++
	return item
}

// ContainerItem is the union view over mapping and sequence items so
// generic traversal code does not special-case the two.
type ContainerItem struct {
	IsMapping bool
	Key       string
	Index     int
	Value     *Value
}

// ContainerIter iterates either container kind uniformly.
type ContainerIter struct {
	mi *MappingIter
	si *SequenceIter
}

// ContainerIter returns a uniform iterator over a mapping or sequence
// value, or nil for scalars.
func (v *Value) ContainerIter() *ContainerIter {
	switch v.rawType {
	case TypeMapping:
		return &ContainerIter{mi: (&Mapping{v: v}).Iter()}
	case TypeSequence:
		return &ContainerIter{si: (&Sequence{v: v}).Iter()}
	}
	return nil
}

func (it *ContainerIter) Next() *ContainerItem {
	if it.mi != nil {
		item := it.mi.Next()
		if item == nil {
			return nil
		}
		return &ContainerItem{IsMapping: true, Key: item.Key, Value: item.Value}
	}
	item := it.si.Next()
	if item == nil {
		return nil
	}
	return &ContainerItem{Index: item.Index, Value: item.Value}
}

// FindOptions control FindAll traversal.
type FindOptions struct {
	// DepthFirst walks depth-first; the default is breadth-first.
	DepthFirst bool
	// Descend, when non-nil, decides whether to descend into a container.
	Descend func(*Value) bool
	// MaxDepth bounds the traversal depth; 0 means unbounded.
	MaxDepth int
}

// Find returns the first value (breadth-first) for which pred is true, or
// nil. On a scalar input it checks the scalar itself and stops.
func (v *Value) Find(pred func(*Value) bool) *Value {
	var found *Value
	v.walk(pred, &FindOptions{}, func(match *Value) bool {
		found = match
		return false
	})
	return found
}

// FindAll returns every matching value under v in traversal order.
func (v *Value) FindAll(pred func(*Value) bool, opts *FindOptions) []*Value {
	if opts == nil {
		opts = &FindOptions{}
	}
	var found []*Value
	v.walk(pred, opts, func(match *Value) bool {
		found = append(found, match)
		return true
	})
	return found
}

// walk visits values; emit returns false to stop early.
func (v *Value) walk(pred func(*Value) bool, opts *FindOptions, emit func(*Value) bool) {
	type frame struct {
		v     *Value
		depth int
	}
	queue := []frame{{v, 0}}
	for len(queue) > 0 {
		var cur frame
		if opts.DepthFirst {
			cur = queue[len(queue)-1]
			queue = queue[:len(queue)-1]
		} else {
			cur = queue[0]
			queue = queue[1:]
		}
		if pred(cur.v) {
			if !emit(cur.v) {
				return
			}
		}
		if opts.MaxDepth > 0 && cur.depth >= opts.MaxDepth {
			continue
		}
		if opts.Descend != nil && cur.v != v && !opts.Descend(cur.v) {
			continue
		}
		it := cur.v.ContainerIter()
		if it == nil {
			continue
		}
		var children []frame
		for item := it.Next(); item != nil; item = it.Next() {
			children = append(children, frame{item.Value, cur.depth + 1})
		}
		if opts.DepthFirst {
			// Reverse so the first child is visited first off the stack.
			for i, j := 0, len(children)-1; i < j; i, j = i+1, j-1 {
				children[i], children[j] = children[j], children[i]
			}
		}
		queue = append(queue, children...)
	}
}

// Scalar node constructors. All values built for writing are bound to a
// file so extension serialization can append blocks.

func scalarNode(value, tag string) *yaml.Node {
	n := &yaml.Node{Kind: yaml.ScalarNode, Value: value}
	if tag != "" {
		n.Tag = tag
		n.Style = yaml.TaggedStyle
	}
	return n
}

func (f *File) newValueNode(n *yaml.Node) *Value {
	return newValue(f, n, "")
}

func (f *File) NewString(s string) *Value {
	n := scalarNode(s, "")
	// Keep literals that would re-read as another type string-typed.
	if s == "" || nullLiterals[s] {
		n.Tag = "!!str"
		n.Style = yaml.TaggedStyle
	} else if _, isBool := boolLiterals[s]; isBool {
		n.Style = yaml.DoubleQuotedStyle
	} else if _, err := strconv.ParseFloat(s, 64); err == nil {
		n.Style = yaml.DoubleQuotedStyle
	}
	return f.newValueNode(n)
}

func (f *File) NewBool(b bool) *Value {
	if b {
		return f.newValueNode(scalarNode("true", ""))
	}
	return f.newValueNode(scalarNode("false", ""))
}

func (f *File) NewNull() *Value {
	return f.newValueNode(scalarNode("null", ""))
}

func (f *File) NewInt64(i int64) *Value {
	return f.newValueNode(scalarNode(strconv.FormatInt(i, 10), ""))
}

func (f *File) NewUint64(u uint64) *Value {
	return f.newValueNode(scalarNode(strconv.FormatUint(u, 10), ""))
}

// NewDouble formats with enough digits to round-trip a float64.
func (f *File) NewDouble(d float64) *Value {
	var s string
	switch {
	case math.IsNaN(d):
		s = ".nan"
	case math.IsInf(d, 1):
		s = ".inf"
	case math.IsInf(d, -1):
		s = "-.inf"
	default:
		s = strconv.FormatFloat(d, 'g', 17, 64)
		if !strings.ContainsAny(s, ".eE") {
			s += ".0"
		}
	}
	return f.newValueNode(scalarNode(s, ""))
}

// NewFloat formats a float32 with round-trip precision.
func (f *File) NewFloat(fl float32) *Value {
	d := float64(fl)
	var s string
	switch {
	case math.IsNaN(d):
		s = ".nan"
	case math.IsInf(d, 1):
		s = ".inf"
	case math.IsInf(d, -1):
		s = "-.inf"
	default:
		s = strconv.FormatFloat(d, 'g', 9, 32)
		if !strings.ContainsAny(s, ".eE") {
			s += ".0"
		}
	}
	return f.newValueNode(scalarNode(s, ""))
}

// NewMapping creates an empty mapping bound to f.
func (f *File) NewMapping() *Mapping {
	v := f.newValueNode(&yaml.Node{Kind: yaml.MappingNode, Tag: "!!map"})
	return &Mapping{v: v}
}

// NewSequence creates an empty sequence bound to f.
func (f *File) NewSequence() *Sequence {
	v := f.newValueNode(&yaml.Node{Kind: yaml.SequenceNode, Tag: "!!seq"})
	return &Sequence{v: v}
}

// SetTag tags the value's node; tag may be a short form resolved through
// the file's tag handles on output.
func (v *Value) SetTag(tag string) {
	v.node.Tag = tag
	v.node.Style |= yaml.TaggedStyle
	v.tagChecked = false
}

func (v *Value) String() string {
	return fmt.Sprintf("Value(%s at %s)", v.typ, v.Path())
}
