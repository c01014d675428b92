package asdf

import (
	"errors"
	"math"
	"reflect"
)

// NDArray errors beyond the common value-layer results.
var (
	ErrInvalidArgument = errors.New("invalid argument")
	ErrOutOfBounds     = errors.New("out of bounds")
	ErrConversion      = errors.New("unsupported conversion")
)

// NDArray is the worked core/ndarray-1.1.0 extension object: an
// n-dimensional typed array whose bytes live in a binary block.
type NDArray struct {
	// Source is the integer index of the backing block. Inline-data arrays
	// parse but are not materialized.
	Source uint64

	Shape     []uint64
	Datatype  Datatype
	Byteorder Byteorder
	Offset    uint64

	// Strides is nil for C-contiguous arrays; otherwise it has one
	// non-zero entry per dimension.
	Strides []int64

	file  *File
	block *Block
	data  []byte // caller-assigned data for the write path
}

// Ndim returns the number of dimensions.
func (a *NDArray) Ndim() int { return len(a.Shape) }

// Size returns the element count, the product of the shape.
func (a *NDArray) Size() uint64 {
	if len(a.Shape) == 0 {
		return 0
	}
	size := uint64(1)
	for _, dim := range a.Shape {
		size *= dim
	}
	return size
}

// NBytes returns the array's byte length: element count times element size.
func (a *NDArray) NBytes() uint64 {
	return a.Size() * a.Datatype.Size
}

// Block returns the open backing block, if any.
func (a *NDArray) Block() *Block { return a.block }

// SetData assigns the raw bytes serialized when the array is written.
func (a *NDArray) SetData(data []byte) { a.data = data }

// Close releases the backing block.
func (a *NDArray) Close() {
	if a.block != nil {
		a.block.Close()
		a.block = nil
	}
}

// DataRaw returns the array's raw bytes, opening the backing block on
// first access.
func (a *NDArray) DataRaw() ([]byte, error) {
	if a.data != nil {
		return a.data, nil
	}
	if a.block == nil {
		// Inline-data arrays have no shape and no backing block.
		if a.file == nil || len(a.Shape) == 0 {
			return nil, ErrInvalidArgument
		}
		b, err := a.file.OpenBlock(int(a.Source))
		if err != nil {
			return nil, err
		}
		a.block = b
	}
	data, err := a.block.Data()
	if err != nil {
		return nil, err
	}
	if a.Offset > 0 {
		if a.Offset > uint64(len(data)) {
			return nil, ErrOutOfBounds
		}
		data = data[a.Offset:]
	}
	return data, nil
}

func parseStrides(seq *Sequence, ndim int) ([]int64, error) {
	warn := func() {
		seq.v.file.ctx.warnf("invalid strides for ndarray at %s; must be an array of non-zero integers with the same length as shape", seq.v.Path())
	}
	if seq.Size() != ndim {
		warn()
		return nil, ErrParseFailure
	}
	strides := make([]int64, 0, ndim)
	for it := seq.Iter(); ; {
		item := it.Next()
		if item == nil {
			break
		}
		stride, err := item.Value.AsInt64()
		if err != nil || stride == 0 {
			warn()
			return nil, ErrParseFailure
		}
		strides = append(strides, stride)
	}
	return strides, nil
}

func deserializeNDArray(v *Value) (interface{}, error) {
	m, err := v.AsMapping()
	if err != nil {
		return nil, err
	}

	a := &NDArray{file: v.file, Byteorder: ByteorderLittle}
	isInline := false

	// Only integer block sources are supported. When both source and
	// inline data are present, source wins silently.
	if srcVal := m.Get("source"); srcVal != nil {
		source, err := srcVal.AsUint64()
		if err != nil {
			v.file.ctx.warnf("currently only internal binary block sources are supported; ndarray at %s has an unsupported source and will not be read", v.Path())
			return nil, ErrParseFailure
		}
		a.Source = source
	} else if dataVal := m.Get("data"); dataVal != nil {
		if !dataVal.IsSequence() {
			return nil, ErrParseFailure
		}
		v.file.ctx.warnf("ndarray at %s has inline data, but inline data arrays are not materialized", v.Path())
		isInline = true
	} else {
		v.file.ctx.logErrorf("invalid ndarray at %s: either a source or a data property is required", v.Path())
		return nil, ErrParseFailure
	}

	if !isInline {
		shapeVal := m.Get("shape")
		if shapeVal == nil {
			return nil, ErrParseFailure
		}
		shapeSeq, err := shapeVal.AsSequence()
		if err != nil {
			return nil, err
		}
		shape, err := parseShape(shapeSeq)
		if err != nil {
			return nil, err
		}
		if len(shape) == 0 {
			return nil, ErrParseFailure
		}
		a.Shape = shape

		if err := parseByteorder(m, "byteorder", &a.Byteorder); err != nil && err != ErrParseFailure {
			return nil, err
		}

		if offVal := m.Get("offset"); offVal != nil {
			off, err := offVal.AsUint64()
			if err != nil {
				return nil, err
			}
			a.Offset = off
		}

		if stridesVal := m.Get("strides"); stridesVal != nil {
			stridesSeq, err := stridesVal.AsSequence()
			if err != nil {
				return nil, err
			}
			strides, err := parseStrides(stridesSeq, len(a.Shape))
			if err != nil {
				return nil, err
			}
			a.Strides = strides
		}
	}

	dtVal := m.Get("datatype")
	if dtVal == nil {
		return nil, ErrParseFailure
	}
	if err := parseDatatypeValue(dtVal, a.Byteorder, &a.Datatype); err != nil {
		return nil, err
	}
	return a, nil
}

func serializeNDArray(f *File, obj interface{}) (*Value, error) {
	a, ok := obj.(*NDArray)
	if !ok {
		return nil, ErrTypeMismatch
	}
	m := f.NewMapping()

	isInline := a.data == nil
	if isInline {
		f.ctx.warnf("no data was assigned to the ndarray; it will still be written but with an empty inline data array")
		m.SetSequence("data", f.NewSequence())
	} else {
		index := f.AppendBlock(a.data)
		m.SetInt64("source", int64(index))
	}

	dtVal, err := serializeDatatype(f, &a.Datatype)
	if err != nil {
		return nil, err
	}
	m.Set("datatype", dtVal)

	if !isInline {
		shapeSeq := f.NewSequence()
		for _, dim := range a.Shape {
			shapeSeq.AppendUint64(dim)
		}
		shapeSeq.SetFlowStyle()
		m.SetSequence("shape", shapeSeq)

		// Byteorder is required in block form, so unspecified renders as
		// little.
		bo := a.Byteorder
		if bo == ByteorderDefault {
			f.ctx.debugf("byteorder not specified on ndarray; defaulting to 'little'")
			bo = ByteorderLittle
		}
		m.SetString("byteorder", bo.String())

		if a.Offset > 0 {
			m.SetUint64("offset", a.Offset)
		}

		if a.Strides != nil {
			trivial := true
			for _, s := range a.Strides {
				if s != 1 {
					trivial = false
					break
				}
			}
			if !trivial {
				stridesSeq := f.NewSequence()
				for _, s := range a.Strides {
					stridesSeq.AppendInt64(s)
				}
				stridesSeq.SetFlowStyle()
				m.SetSequence("strides", stridesSeq)
			}
		}
	}
	return m.v, nil
}

var ndarrayExtension = &Extension{
	Tag:         NDArrayTag,
	Software:    librarySoftware,
	Type:        reflect.TypeOf(&NDArray{}),
	Serialize:   serializeNDArray,
	Deserialize: deserializeNDArray,
	Destroy: func(obj interface{}) {
		if a, ok := obj.(*NDArray); ok {
			a.Close()
		}
	},
}

// tileStrides computes C-order element strides from the array shape, with
// bounds checking of the intermediate products.
func tileStrides(shape []uint64) ([]int64, error) {
	ndim := len(shape)
	strides := make([]int64, ndim)
	strides[ndim-1] = 1
	for dim := ndim - 1; dim > 0; dim-- {
		extent := shape[dim]
		stride := strides[dim]
		abs := stride
		if abs < 0 {
			abs = -abs
		}
		if abs != 0 && extent > uint64(math.MaxInt64)/uint64(abs) {
			return nil, ErrOutOfBounds
		}
		strides[dim-1] = stride * int64(extent)
	}
	return strides, nil
}

// ReadTile copies the axis-aligned subregion [origin, origin+shape) into
// dst, converting to dstType (DatatypeSource keeps the array's own type)
// and byteswapping when the array byteorder differs from the host. A nil
// dst is allocated; the caller owns the result. Unsupported conversions
// copy the raw source bytes and return ErrConversion; a narrowing
// conversion that loses values returns the data along with ErrOverflow.
func (a *NDArray) ReadTile(origin, shape []uint64, dstType ScalarDatatype, dst []byte) ([]byte, error) {
	if origin == nil || shape == nil {
		return nil, ErrInvalidArgument
	}
	ndim := a.Ndim()
	if len(origin) != ndim || len(shape) != ndim {
		return nil, ErrInvalidArgument
	}
	srcType := a.Datatype.Type
	if dstType == DatatypeSource {
		dstType = srcType
	}
	srcElsize := int(srcType.Size())
	dstElsize := int(dstType.Size())
	// String and structured element types are not supported yet.
	if srcElsize < 1 || dstElsize < 1 {
		return nil, ErrInvalidArgument
	}
	for d := 0; d < ndim; d++ {
		if origin[d]+shape[d] > a.Shape[d] {
			return nil, ErrOutOfBounds
		}
	}

	tileElems := uint64(1)
	for _, dim := range shape {
		tileElems *= dim
	}
	srcTileSize := uint64(srcElsize) * tileElems
	tileSize := uint64(dstElsize) * tileElems

	data, err := a.DataRaw()
	if err != nil {
		return nil, err
	}
	if uint64(len(data)) < srcTileSize {
		return nil, ErrOutOfBounds
	}

	if dst == nil {
		dst = make([]byte, tileSize)
	}
	if ndim == 0 || tileSize == 0 {
		return dst, nil
	}

	byteswap := srcElsize > 1 && a.Byteorder != ByteorderDefault && a.Byteorder != hostByteorder()
	convert := getConvertFn(srcType, dstType, byteswap)
	if convert == nil {
		a.file.ctx.warnf("datatype conversion from %q to %q not supported for ndarray tile copy; source bytes will be copied without conversion", srcType, dstType)
		copy(dst, data[:srcTileSize])
		return dst, ErrConversion
	}

	strides, err := tileStrides(a.Shape)
	if err != nil {
		return nil, err
	}

	innerDim := ndim - 1
	offset := int64(origin[innerDim])
	is1D := true
	if ndim > 1 {
		for dim := 0; dim < innerDim; dim++ {
			offset += int64(origin[dim]) * strides[dim]
			// Any outer dimension wider than 1 makes the tile
			// non-contiguous.
			is1D = is1D && shape[dim] == 1
		}
	}
	offset *= int64(srcElsize)

	if is1D {
		if convert(dst, data[offset:], int(tileElems), dstElsize) {
			return dst, ErrOverflow
		}
		return dst, nil
	}

	// Odometer walk over the outer dimensions, one inner-row conversion per
	// step.
	odometer := make([]uint64, innerDim)
	copy(odometer, origin[:innerDim])
	innerElems := int(shape[innerDim])
	innerSize := innerElems * dstElsize
	src := offset
	dstOff := 0
	overflow := false
	for {
		overflow = convert(dst[dstOff:], data[src:], innerElems, dstElsize) || overflow
		dstOff += innerSize

		dim := innerDim - 1
		done := false
		for {
			odometer[dim]++
			src += strides[dim] * int64(srcElsize)
			if odometer[dim] < origin[dim]+shape[dim] {
				break
			}
			if dim == 0 {
				done = true
				break
			}
			odometer[dim] = origin[dim]
			src -= int64(shape[dim]) * strides[dim] * int64(srcElsize)
			dim--
		}
		if done {
			break
		}
	}
	if overflow {
		return dst, ErrOverflow
	}
	return dst, nil
}

// ReadAll reads the whole array: a full-shape tile at the origin.
func (a *NDArray) ReadAll(dstType ScalarDatatype, dst []byte) ([]byte, error) {
	origin := make([]uint64, a.Ndim())
	return a.ReadTile(origin, a.Shape, dstType, dst)
}

// ReadTile2D reads a width × height tile of the two innermost dimensions
// at (x, y); planeOrigin locates the plane in any leading dimensions.
func (a *NDArray) ReadTile2D(x, y, width, height uint64, planeOrigin []uint64, dstType ScalarDatatype, dst []byte) ([]byte, error) {
	ndim := a.Ndim()
	if ndim < 2 {
		return nil, ErrOutOfBounds
	}
	origin := make([]uint64, ndim)
	shape := make([]uint64, ndim)
	for dim := 0; dim < ndim-2; dim++ {
		if planeOrigin != nil {
			origin[dim] = planeOrigin[dim]
		}
		shape[dim] = 1
	}
	origin[ndim-2] = y
	origin[ndim-1] = x
	shape[ndim-2] = height
	shape[ndim-1] = width
	return a.ReadTile(origin, shape, dstType, dst)
}

// Equal reports deep equality of the array metadata (not the data bytes).
func (a *NDArray) Equal(other *NDArray) bool {
	if a.Source != other.Source || a.Byteorder != other.Byteorder || a.Offset != other.Offset {
		return false
	}
	if len(a.Shape) != len(other.Shape) || len(a.Strides) != len(other.Strides) {
		return false
	}
	for i := range a.Shape {
		if a.Shape[i] != other.Shape[i] {
			return false
		}
	}
	for i := range a.Strides {
		if a.Strides[i] != other.Strides[i] {
			return false
		}
	}
	return a.Datatype.Equal(&other.Datatype)
}
