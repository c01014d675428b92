package asdf

import (
	"reflect"
)

// Core schema tags of the built-in extensions.
const (
	NDArrayTag           = CoreTagPrefix + "core/ndarray-1.1.0"
	DatatypeTag          = CoreTagPrefix + "core/datatype-1.0.0"
	SoftwareTag          = CoreTagPrefix + "core/software-1.0.0"
	HistoryEntryTag      = CoreTagPrefix + "core/history_entry-1.0.0"
	ExtensionMetadataTag = CoreTagPrefix + "core/extension_metadata-1.0.0"
)

// ScalarDatatype enumerates the scalar element kinds of an ndarray
// datatype.
type ScalarDatatype int

const (
	DatatypeUnknown ScalarDatatype = iota
	DatatypeInt8
	DatatypeUint8
	DatatypeInt16
	DatatypeUint16
	DatatypeInt32
	DatatypeUint32
	DatatypeInt64
	DatatypeUint64
	DatatypeFloat16
	DatatypeFloat32
	DatatypeFloat64
	DatatypeComplex64
	DatatypeComplex128
	DatatypeBool8
	DatatypeAscii
	DatatypeUcs4
	DatatypeStructured

	// DatatypeSource is a pseudo-type for tile reads meaning "same as the
	// array's own datatype".
	DatatypeSource ScalarDatatype = -1
)

// ScalarDatatypeFromString parses a datatype name like "int16" or
// "float64"; unrecognised names return DatatypeUnknown.
func ScalarDatatypeFromString(name string) ScalarDatatype {
	switch name {
	case "int8":
		return DatatypeInt8
	case "uint8":
		return DatatypeUint8
	case "int16":
		return DatatypeInt16
	case "uint16":
		return DatatypeUint16
	case "int32":
		return DatatypeInt32
	case "uint32":
		return DatatypeUint32
	case "int64":
		return DatatypeInt64
	case "uint64":
		return DatatypeUint64
	case "float16":
		return DatatypeFloat16
	case "float32":
		return DatatypeFloat32
	case "float64":
		return DatatypeFloat64
	case "complex64":
		return DatatypeComplex64
	case "complex128":
		return DatatypeComplex128
	case "bool8":
		return DatatypeBool8
	}
	return DatatypeUnknown
}

func (t ScalarDatatype) String() string {
	switch t {
	case DatatypeInt8:
		return "int8"
	case DatatypeUint8:
		return "uint8"
	case DatatypeInt16:
		return "int16"
	case DatatypeUint16:
		return "uint16"
	case DatatypeInt32:
		return "int32"
	case DatatypeUint32:
		return "uint32"
	case DatatypeInt64:
		return "int64"
	case DatatypeUint64:
		return "uint64"
	case DatatypeFloat16:
		return "float16"
	case DatatypeFloat32:
		return "float32"
	case DatatypeFloat64:
		return "float64"
	case DatatypeComplex64:
		return "complex64"
	case DatatypeComplex128:
		return "complex128"
	case DatatypeBool8:
		return "bool8"
	case DatatypeAscii:
		return "ascii"
	case DatatypeUcs4:
		return "ucs4"
	case DatatypeStructured:
		return "<structured>"
	}
	return "<unknown>"
}

// Size returns the element size in bytes of a fixed-size scalar kind; 0 for
// string, structured and unknown kinds.
func (t ScalarDatatype) Size() uint64 {
	switch t {
	case DatatypeInt8, DatatypeUint8, DatatypeBool8:
		return 1
	case DatatypeInt16, DatatypeUint16, DatatypeFloat16:
		return 2
	case DatatypeInt32, DatatypeUint32, DatatypeFloat32:
		return 4
	case DatatypeInt64, DatatypeUint64, DatatypeFloat64, DatatypeComplex64:
		return 8
	case DatatypeComplex128:
		return 16
	}
	return 0
}

// Byteorder of multi-byte elements. ByteorderDefault means unspecified and
// is not emitted on write.
type Byteorder int

const (
	ByteorderDefault Byteorder = iota
	ByteorderLittle
	ByteorderBig
	byteorderInvalid
)

func byteorderFromString(s string) Byteorder {
	switch s {
	case "little":
		return ByteorderLittle
	case "big":
		return ByteorderBig
	}
	return byteorderInvalid
}

func (bo Byteorder) String() string {
	switch bo {
	case ByteorderLittle:
		return "little"
	case ByteorderBig:
		return "big"
	}
	return "default"
}

// Datatype is the (possibly structured) element type of an ndarray. A
// scalar kind has no fields; a structured kind owns a list of child
// datatypes and its size is the sum of their sizes.
type Datatype struct {
	Type      ScalarDatatype
	Name      string // field name within a structured datatype
	Size      uint64
	Byteorder Byteorder
	Shape     []uint64 // per-field shape; nil for plain scalars
	Fields    []Datatype
}

// Ndim returns the dimensionality of a per-field shape.
func (dt *Datatype) Ndim() int { return len(dt.Shape) }

// NFields returns the number of structured fields.
func (dt *Datatype) NFields() int { return len(dt.Fields) }

func parseByteorder(m *Mapping, key string, out *Byteorder) error {
	v := m.Get(key)
	if v == nil {
		return nil
	}
	s, err := v.AsString()
	if err != nil {
		return err
	}
	bo := byteorderFromString(s)
	if bo == byteorderInvalid {
		m.v.file.ctx.warnf("invalid byteorder at %s/%s; defaulting to \"little\"", m.v.Path(), key)
		*out = ByteorderLittle
		return ErrParseFailure
	}
	*out = bo
	return nil
}

// parseShape reads a sequence of positive integers.
func parseShape(seq *Sequence) ([]uint64, error) {
	shape := make([]uint64, 0, seq.Size())
	for it := seq.Iter(); ; {
		item := it.Next()
		if item == nil {
			break
		}
		dim, err := item.Value.AsUint64()
		if err != nil || dim == 0 {
			seq.v.file.ctx.warnf("invalid shape for ndarray at %s; must be an array of positive integers", seq.v.Path())
			return nil, ErrParseFailure
		}
		shape = append(shape, dim)
	}
	return shape, nil
}

// parseStringDatatype handles the [name, length] form for ascii/ucs4.
func parseStringDatatype(seq *Sequence, byteorder Byteorder, dt *Datatype) error {
	nameVal := seq.Get(0)
	if nameVal == nil {
		return ErrParseFailure
	}
	name, err := nameVal.AsString()
	if err != nil {
		warnUnsupportedDatatype(seq.v)
		return err
	}
	sizeVal := seq.Get(1)
	if sizeVal == nil {
		return ErrParseFailure
	}
	size, err := sizeVal.AsUint64()
	if err != nil {
		warnUnsupportedDatatype(seq.v)
		return err
	}
	dt.Byteorder = byteorder
	switch name {
	case "ascii":
		dt.Type = DatatypeAscii
	case "ucs4":
		dt.Type = DatatypeUcs4
		size *= 4
	default:
		warnUnsupportedDatatype(seq.v)
	}
	dt.Size = size
	return nil
}

func warnUnsupportedDatatype(v *Value) {
	v.file.ctx.warnf("unsupported datatype at %s; only scalar numeric, string and structured datatypes are recognised", v.Path())
}

// parseStructuredField handles a named field mapping like
//
//	- name: kernel
//	  datatype: float32
//	  byteorder: big
//	  shape: [3, 3]
func parseStructuredField(m *Mapping, byteorder Byteorder, field *Datatype) error {
	dtVal := m.Get("datatype")
	if dtVal == nil {
		return ErrParseFailure
	}
	if err := parseDatatypeValue(dtVal, byteorder, field); err != nil {
		return err
	}
	if nameVal := m.Get("name"); nameVal != nil {
		name, err := nameVal.AsString()
		if err != nil {
			m.v.file.ctx.warnf("invalid name field in datatype at %s", m.v.Path())
		} else {
			field.Name = name
		}
	}
	if err := parseByteorder(m, "byteorder", &field.Byteorder); err != nil && err != ErrParseFailure {
		return err
	}
	if shapeVal := m.Get("shape"); shapeVal != nil {
		shapeSeq, err := shapeVal.AsSequence()
		if err != nil {
			return err
		}
		shape, err := parseShape(shapeSeq)
		if err != nil {
			return err
		}
		field.Shape = shape
		for _, dim := range shape {
			field.Size *= dim
		}
	}
	return nil
}

func parseStructuredDatatype(seq *Sequence, byteorder Byteorder, dt *Datatype) error {
	dt.Type = DatatypeStructured
	dt.Byteorder = byteorder
	dt.Size = 0
	dt.Fields = make([]Datatype, 0, seq.Size())
	for it := seq.Iter(); ; {
		item := it.Next()
		if item == nil {
			break
		}
		var field Datatype
		if fieldMap, err := item.Value.AsMapping(); err == nil {
			if err := parseStructuredField(fieldMap, byteorder, &field); err != nil {
				return err
			}
		} else if err := parseDatatypeValue(item.Value, byteorder, &field); err != nil {
			return err
		}
		dt.Fields = append(dt.Fields, field)
		dt.Size += field.Size
	}
	return nil
}

// parseDatatypeValue parses any of the three datatype forms: a scalar name,
// a [name, string-length] pair, or a sequence of field entries.
func parseDatatypeValue(v *Value, byteorder Byteorder, dt *Datatype) error {
	if seq, err := v.AsSequence(); err == nil {
		// A length-2 sequence whose second element is an integer is a
		// string datatype; any other sequence is structured.
		isString := false
		if seq.Size() == 2 {
			if second := seq.Get(1); second != nil && second.IsUint64() {
				isString = true
			}
		}
		if isString {
			return parseStringDatatype(seq, byteorder, dt)
		}
		return parseStructuredDatatype(seq, byteorder, dt)
	}

	name, err := v.AsString()
	if err != nil {
		warnUnsupportedDatatype(v)
		return ErrParseFailure
	}
	typ := ScalarDatatypeFromString(name)
	if typ == DatatypeUnknown {
		v.file.ctx.warnf("unknown datatype for ndarray at %s: %s", v.Path(), name)
	}
	dt.Type = typ
	dt.Byteorder = byteorder
	dt.Size = typ.Size()
	return nil
}

// serializeDatatype renders dt back into a YAML node of the matching form.
func serializeDatatype(f *File, dt *Datatype) (*Value, error) {
	switch dt.Type {
	case DatatypeAscii, DatatypeUcs4:
		seq := f.NewSequence()
		seq.AppendString(dt.Type.String())
		size := dt.Size
		if dt.Type == DatatypeUcs4 {
			size /= 4
		}
		seq.AppendUint64(size)
		seq.SetFlowStyle()
		return seq.v, nil
	case DatatypeStructured:
		seq := f.NewSequence()
		for i := range dt.Fields {
			field := &dt.Fields[i]
			if field.Name == "" && field.Byteorder == ByteorderDefault && field.Shape == nil {
				sub, err := serializeDatatype(f, field)
				if err != nil {
					return nil, err
				}
				seq.Append(sub)
				continue
			}
			m := f.NewMapping()
			if field.Name != "" {
				m.SetString("name", field.Name)
			}
			sub := *field
			sub.Name = ""
			sub.Byteorder = ByteorderDefault
			shape := sub.Shape
			sub.Shape = nil
			subVal, err := serializeDatatype(f, &sub)
			if err != nil {
				return nil, err
			}
			m.Set("datatype", subVal)
			if field.Byteorder != ByteorderDefault {
				m.SetString("byteorder", field.Byteorder.String())
			}
			if shape != nil {
				shapeSeq := f.NewSequence()
				for _, dim := range shape {
					shapeSeq.AppendUint64(dim)
				}
				shapeSeq.SetFlowStyle()
				m.SetSequence("shape", shapeSeq)
			}
			seq.Append(m.v)
		}
		return seq.v, nil
	case DatatypeUnknown:
		return nil, ErrEmitFailure
	}
	return f.NewString(dt.Type.String()), nil
}

// Equal reports deep structural equality of two datatypes.
func (dt *Datatype) Equal(other *Datatype) bool {
	if dt.Type != other.Type || dt.Name != other.Name || dt.Size != other.Size ||
		dt.Byteorder != other.Byteorder || len(dt.Shape) != len(other.Shape) ||
		len(dt.Fields) != len(other.Fields) {
		return false
	}
	for i := range dt.Shape {
		if dt.Shape[i] != other.Shape[i] {
			return false
		}
	}
	for i := range dt.Fields {
		if !dt.Fields[i].Equal(&other.Fields[i]) {
			return false
		}
	}
	return true
}

var datatypeExtension = &Extension{
	Tag:      DatatypeTag,
	Software: librarySoftware,
	Type:     reflect.TypeOf(&Datatype{}),
	Serialize: func(f *File, obj interface{}) (*Value, error) {
		dt, ok := obj.(*Datatype)
		if !ok {
			return nil, ErrTypeMismatch
		}
		return serializeDatatype(f, dt)
	},
	Deserialize: func(v *Value) (interface{}, error) {
		dt := &Datatype{}
		// Unless otherwise specified scalar datatypes are little-endian;
		// this is an underspecification in the standard itself.
		if err := parseDatatypeValue(v, ByteorderLittle, dt); err != nil {
			return nil, err
		}
		return dt, nil
	},
}
