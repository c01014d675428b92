package asdf

import (
	"encoding/binary"
	"math"
	"unsafe"
)

// Element conversion between scalar datatypes for tile copies, with
// optional byteswap of the source. A conversion function copies n elements
// and reports whether any value overflowed the destination type.

type convertFn func(dst, src []byte, n int, dstElsize int) bool

func hostByteorder() Byteorder {
	var one uint16 = 1
	if *(*byte)(unsafe.Pointer(&one)) == 1 {
		return ByteorderLittle
	}
	return ByteorderBig
}

func orderFor(bo Byteorder) binary.ByteOrder {
	if bo == ByteorderBig {
		return binary.BigEndian
	}
	return binary.LittleEndian
}

type scalarClass int

const (
	classNone scalarClass = iota
	classInt
	classUint
	classFloat
	classBool
	classComplex
)

func classOf(t ScalarDatatype) scalarClass {
	switch t {
	case DatatypeInt8, DatatypeInt16, DatatypeInt32, DatatypeInt64:
		return classInt
	case DatatypeUint8, DatatypeUint16, DatatypeUint32, DatatypeUint64:
		return classUint
	case DatatypeFloat16, DatatypeFloat32, DatatypeFloat64:
		return classFloat
	case DatatypeBool8:
		return classBool
	case DatatypeComplex64, DatatypeComplex128:
		return classComplex
	}
	return classNone
}

// halfToFloat decodes an IEEE 754 binary16 value.
func halfToFloat(h uint16) float64 {
	sign := uint64(h>>15) & 1
	exp := uint64(h>>10) & 0x1f
	frac := uint64(h) & 0x3ff
	var bits uint64
	switch {
	case exp == 0 && frac == 0:
		bits = sign << 63
	case exp == 0:
		// Subnormal: normalize.
		e := uint64(1023 - 15 + 1)
		for frac&0x400 == 0 {
			frac <<= 1
			e--
		}
		frac &= 0x3ff
		bits = sign<<63 | e<<52 | frac<<42
	case exp == 0x1f && frac == 0:
		bits = sign<<63 | 0x7ff<<52
	case exp == 0x1f:
		bits = sign<<63 | 0x7ff<<52 | frac<<42
	default:
		bits = sign<<63 | (exp-15+1023)<<52 | frac<<42
	}
	return math.Float64frombits(bits)
}

// floatToHalf encodes a float64 into binary16, rounding toward zero;
// out-of-range magnitudes report overflow and saturate to infinity.
func floatToHalf(d float64) (uint16, bool) {
	bits := math.Float64bits(d)
	sign := uint16(bits >> 48 & 0x8000)
	if math.IsNaN(d) {
		return sign | 0x7e00, false
	}
	if math.IsInf(d, 0) {
		return sign | 0x7c00, false
	}
	abs := math.Abs(d)
	if abs > 65504 {
		return sign | 0x7c00, true
	}
	if abs < math.Pow(2, -24) {
		return sign, false
	}
	exp := int(bits>>52&0x7ff) - 1023
	frac := bits >> 42 & 0x3ff
	if exp < -14 {
		// Subnormal half.
		shift := uint(-14 - exp)
		mant := (uint64(1)<<10 | frac) >> shift
		return sign | uint16(mant), false
	}
	return sign | uint16(exp+15)<<10 | uint16(frac), false
}

// readFloat reads one source element of a float kind.
func readFloat(t ScalarDatatype, order binary.ByteOrder, b []byte) float64 {
	switch t {
	case DatatypeFloat16:
		return halfToFloat(order.Uint16(b))
	case DatatypeFloat32:
		return float64(math.Float32frombits(order.Uint32(b)))
	default:
		return math.Float64frombits(order.Uint64(b))
	}
}

func readInt(t ScalarDatatype, order binary.ByteOrder, b []byte) int64 {
	switch t {
	case DatatypeInt8:
		return int64(int8(b[0]))
	case DatatypeInt16:
		return int64(int16(order.Uint16(b)))
	case DatatypeInt32:
		return int64(int32(order.Uint32(b)))
	default:
		return int64(order.Uint64(b))
	}
}

func readUint(t ScalarDatatype, order binary.ByteOrder, b []byte) uint64 {
	switch t {
	case DatatypeUint8:
		return uint64(b[0])
	case DatatypeUint16:
		return uint64(order.Uint16(b))
	case DatatypeUint32:
		return uint64(order.Uint32(b))
	default:
		return order.Uint64(b)
	}
}

func writeIntAs(t ScalarDatatype, order binary.ByteOrder, b []byte, v int64) bool {
	switch t {
	case DatatypeInt8:
		b[0] = byte(int8(v))
		return v < math.MinInt8 || v > math.MaxInt8
	case DatatypeInt16:
		order.PutUint16(b, uint16(int16(v)))
		return v < math.MinInt16 || v > math.MaxInt16
	case DatatypeInt32:
		order.PutUint32(b, uint32(int32(v)))
		return v < math.MinInt32 || v > math.MaxInt32
	default:
		order.PutUint64(b, uint64(v))
		return false
	}
}

func writeUintAs(t ScalarDatatype, order binary.ByteOrder, b []byte, v uint64) bool {
	switch t {
	case DatatypeUint8:
		b[0] = byte(v)
		return v > math.MaxUint8
	case DatatypeUint16:
		order.PutUint16(b, uint16(v))
		return v > math.MaxUint16
	case DatatypeUint32:
		order.PutUint32(b, uint32(v))
		return v > math.MaxUint32
	default:
		order.PutUint64(b, v)
		return false
	}
}

func writeFloatAs(t ScalarDatatype, order binary.ByteOrder, b []byte, v float64) bool {
	switch t {
	case DatatypeFloat16:
		h, overflow := floatToHalf(v)
		order.PutUint16(b, h)
		return overflow
	case DatatypeFloat32:
		f := float32(v)
		order.PutUint32(b, math.Float32bits(f))
		return !math.IsInf(v, 0) && !math.IsNaN(v) && math.IsInf(float64(f), 0)
	default:
		order.PutUint64(b, math.Float64bits(v))
		return false
	}
}

// getConvertFn returns the element conversion for (src, dst, byteswap), or
// nil when the pair is unsupported (string, structured, or mixing complex
// with real kinds).
func getConvertFn(srcT, dstT ScalarDatatype, byteswap bool) convertFn {
	srcClass := classOf(srcT)
	dstClass := classOf(dstT)
	if srcClass == classNone || dstClass == classNone {
		return nil
	}
	if (srcClass == classComplex) != (dstClass == classComplex) {
		return nil
	}

	srcOrder := orderFor(hostByteorder())
	if byteswap {
		if hostByteorder() == ByteorderLittle {
			srcOrder = binary.BigEndian
		} else {
			srcOrder = binary.LittleEndian
		}
	}
	dstOrder := orderFor(hostByteorder())
	srcEl := int(srcT.Size())

	if srcT == dstT && !byteswap {
		return func(dst, src []byte, n int, dstElsize int) bool {
			copy(dst[:n*dstElsize], src[:n*srcEl])
			return false
		}
	}

	if srcClass == classComplex {
		// Complex kinds convert only between each other, componentwise.
		srcFloat := DatatypeFloat32
		if srcT == DatatypeComplex128 {
			srcFloat = DatatypeFloat64
		}
		dstFloat := DatatypeFloat32
		if dstT == DatatypeComplex128 {
			dstFloat = DatatypeFloat64
		}
		half := srcEl / 2
		return func(dst, src []byte, n int, dstElsize int) bool {
			overflow := false
			dhalf := dstElsize / 2
			for k := 0; k < n; k++ {
				re := readFloat(srcFloat, srcOrder, src[k*srcEl:])
				im := readFloat(srcFloat, srcOrder, src[k*srcEl+half:])
				overflow = writeFloatAs(dstFloat, dstOrder, dst[k*dstElsize:], re) || overflow
				overflow = writeFloatAs(dstFloat, dstOrder, dst[k*dstElsize+dhalf:], im) || overflow
			}
			return overflow
		}
	}

	return func(dst, src []byte, n int, dstElsize int) bool {
		overflow := false
		for k := 0; k < n; k++ {
			sb := src[k*srcEl:]
			db := dst[k*dstElsize:]
			switch srcClass {
			case classBool:
				v := uint64(0)
				if sb[0] != 0 {
					v = 1
				}
				switch dstClass {
				case classBool:
					db[0] = byte(v)
				case classInt:
					overflow = writeIntAs(dstT, dstOrder, db, int64(v)) || overflow
				case classUint:
					overflow = writeUintAs(dstT, dstOrder, db, v) || overflow
				case classFloat:
					overflow = writeFloatAs(dstT, dstOrder, db, float64(v)) || overflow
				}
			case classInt:
				v := readInt(srcT, srcOrder, sb)
				switch dstClass {
				case classBool:
					db[0] = boolByte(v != 0)
				case classInt:
					overflow = writeIntAs(dstT, dstOrder, db, v) || overflow
				case classUint:
					if v < 0 {
						overflow = true
					}
					overflow = writeUintAs(dstT, dstOrder, db, uint64(v)) || overflow
				case classFloat:
					overflow = writeFloatAs(dstT, dstOrder, db, float64(v)) || overflow
				}
			case classUint:
				v := readUint(srcT, srcOrder, sb)
				switch dstClass {
				case classBool:
					db[0] = boolByte(v != 0)
				case classInt:
					if v > math.MaxInt64 {
						overflow = true
					}
					overflow = writeIntAs(dstT, dstOrder, db, int64(v)) || overflow
				case classUint:
					overflow = writeUintAs(dstT, dstOrder, db, v) || overflow
				case classFloat:
					overflow = writeFloatAs(dstT, dstOrder, db, float64(v)) || overflow
				}
			case classFloat:
				v := readFloat(srcT, srcOrder, sb)
				switch dstClass {
				case classBool:
					db[0] = boolByte(v != 0)
				case classInt:
					i := int64(v)
					if v < math.MinInt64 || v >= math.MaxInt64 {
						overflow = true
					}
					overflow = writeIntAs(dstT, dstOrder, db, i) || overflow
				case classUint:
					if v < 0 || v >= math.MaxUint64 {
						overflow = true
					}
					overflow = writeUintAs(dstT, dstOrder, db, uint64(v)) || overflow
				case classFloat:
					overflow = writeFloatAs(dstT, dstOrder, db, v) || overflow
				}
			}
		}
		return overflow
	}
}

func boolByte(b bool) byte {
	if b {
		return 1
	}
	return 0
}
