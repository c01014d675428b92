package asdf

import (
	"bytes"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTree(t *testing.T, tree string) *File {
	t.Helper()
	doc := "#ASDF 1.0.0\n#ASDF_STANDARD 1.6.0\n%YAML 1.1\n---\n" + tree + "...\n"
	f, err := OpenMem([]byte(doc), nil)
	require.NoError(t, err)
	t.Cleanup(func() { f.Close() })
	return f
}

func TestScalarInference(t *testing.T) {
	f := openTree(t, `
null1: null
null2: ~
null3: NULL
bool1: true
bool2: False
small: 7
negsmall: -7
big: 300
neg: -40000
huge: 18446744073709551615
toobigforint64: 9223372036854775808
dbl: 1.5
inf: .inf
nan: .nan
str: hello
quoted: "123"
tagged: !!str 456
`)
	for path, want := range map[string]ValueType{
		"/null1":          TypeNull,
		"/null2":          TypeNull,
		"/null3":          TypeNull,
		"/bool1":          TypeBool,
		"/bool2":          TypeBool,
		"/small":          TypeUint8,
		"/negsmall":       TypeInt8,
		"/big":            TypeUint16,
		"/neg":            TypeInt32,
		"/huge":           TypeUint64,
		"/toobigforint64": TypeUint64,
		"/dbl":            TypeDouble,
		"/inf":            TypeDouble,
		"/nan":            TypeDouble,
		"/str":            TypeString,
		"/quoted":         TypeString,
		"/tagged":         TypeString,
	} {
		v := f.Get(path)
		require.NotNil(t, v, path)
		assert.Equal(t, want, v.Type(), path)
	}
}

func TestIntegerConversionBoundaries(t *testing.T) {
	f := openTree(t, "v127: 127\nv128: 128\nvneg: -1\nvminint8: -128\nvminint8less: -129\n")

	i8, err := f.GetInt8("/v127")
	assert.NoError(t, err)
	assert.Equal(t, int8(127), i8)

	i8, err = f.GetInt8("/v128")
	assert.Equal(t, ErrOverflow, err)
	assert.Equal(t, int8(-128), i8) // low bits

	u8, err := f.GetUint8("/vneg")
	assert.Equal(t, ErrOverflow, err)
	assert.Equal(t, uint8(255), u8) // low bits

	i8, err = f.GetInt8("/vminint8")
	assert.NoError(t, err)
	assert.Equal(t, int8(-128), i8)

	_, err = f.GetInt8("/vminint8less")
	assert.Equal(t, ErrOverflow, err)

	// Widening always succeeds.
	i64, err := f.GetInt64("/v128")
	assert.NoError(t, err)
	assert.Equal(t, int64(128), i64)
}

func TestTypeMismatch(t *testing.T) {
	f := openTree(t, "m:\n  k: v\ns: [1, 2]\nstr: hi\n")
	_, err := f.GetInt8("/m")
	assert.Equal(t, ErrTypeMismatch, err)
	_, err = f.GetBool("/str")
	assert.Equal(t, ErrTypeMismatch, err)
	_, err = f.GetString("/s")
	assert.Equal(t, ErrTypeMismatch, err)
	_, err = f.GetInt8("/does/not/exist")
	assert.Equal(t, ErrNotFound, err)
}

// is_T(v) ⇔ as_T(v) == OK, with OVERFLOW mapping to is_T == false.
func TestIsMatchesAs(t *testing.T) {
	f := openTree(t, "a: 127\nb: 128\nc: -1\nd: 3.5\ne: hello\ng: true\n")
	for _, path := range []string{"/a", "/b", "/c", "/d", "/e", "/g"} {
		v := f.Get(path)
		require.NotNil(t, v, path)
		_, err8 := v.AsInt8()
		assert.Equal(t, err8 == nil, v.IsInt8(), path)
		_, erru8 := v.AsUint8()
		assert.Equal(t, erru8 == nil, v.IsUint8(), path)
		_, errd := v.AsDouble()
		assert.Equal(t, errd == nil, v.IsDouble(), path)
	}
}

func TestFloatConversion(t *testing.T) {
	f := openTree(t, "big: 3.4028235e38\ntoobig: 1e39\nneg: -.inf\n")
	fl, err := f.GetFloat("/big")
	assert.NoError(t, err)
	assert.InEpsilon(t, math.MaxFloat32, float64(fl), 1e-6)

	_, err = f.GetFloat("/toobig")
	assert.Equal(t, ErrOverflow, err)

	fl, err = f.GetFloat("/neg")
	assert.NoError(t, err)
	assert.True(t, math.IsInf(float64(fl), -1))
}

func TestContainers(t *testing.T) {
	f := openTree(t, "m:\n  first: 1\n  second: 2\n  third: 3\nseq: [a, b, c]\n")

	m, err := f.GetMapping("/m")
	require.NoError(t, err)
	assert.Equal(t, 3, m.Size())

	// Mapping iteration yields items in insertion order.
	var keys []string
	for it := m.Iter(); ; {
		item := it.Next()
		if item == nil {
			break
		}
		keys = append(keys, item.Key)
	}
	assert.Equal(t, []string{"first", "second", "third"}, keys)

	seq, err := f.GetSequence("/seq")
	require.NoError(t, err)
	assert.Equal(t, 3, seq.Size())
	var vals []string
	for it := seq.Iter(); ; {
		item := it.Next()
		if item == nil {
			break
		}
		s, err := item.Value.AsString()
		require.NoError(t, err)
		vals = append(vals, s)
	}
	assert.Equal(t, []string{"a", "b", "c"}, vals)

	// The union iterator does not special-case the container kind.
	var total int
	for _, path := range []string{"/m", "/seq"} {
		it := f.Get(path).ContainerIter()
		require.NotNil(t, it, path)
		for item := it.Next(); item != nil; item = it.Next() {
			total++
		}
	}
	assert.Equal(t, 6, total)
}

func TestFind(t *testing.T) {
	f := openTree(t, "a:\n  b:\n    target: 42\nc:\n- d\n- target2: deep\n")
	root := f.Root()
	require.NotNil(t, root)

	found := root.Find(func(v *Value) bool {
		s, err := v.AsScalar()
		return err == nil && s == "42"
	})
	require.NotNil(t, found)
	assert.Equal(t, "/a/b/target", found.Path())

	// On a scalar input, find checks the scalar itself and stops.
	scalar := f.Get("/a/b/target")
	require.NotNil(t, scalar)
	self := scalar.Find(func(v *Value) bool { return v.IsInt() })
	require.NotNil(t, self)
	assert.Equal(t, scalar.Path(), self.Path())

	all := root.FindAll(func(v *Value) bool { return v.IsScalar() }, nil)
	assert.Len(t, all, 3) // "42", "d", "deep"

	// Depth limiting.
	none := root.FindAll(func(v *Value) bool {
		s, err := v.AsScalar()
		return err == nil && s == "42"
	}, &FindOptions{MaxDepth: 2})
	assert.Empty(t, none)
}

func TestClonePreservesPath(t *testing.T) {
	f := openTree(t, "a:\n  b: 1\n")
	v := f.Get("/a/b")
	require.NotNil(t, v)
	clone := v.Clone()
	assert.Equal(t, "/a/b", clone.Path())
}

// The raw YAML type survives extension resolution.
func TestRawTypePreserved(t *testing.T) {
	f := openTree(t, "sw: !core/software-1.0.0\n  name: test\n  version: \"1.0\"\n")
	v := f.Get("/sw")
	require.NotNil(t, v)
	obj, err := v.AsExtensionType(nil)
	require.NoError(t, err)
	sw := obj.(*Software)
	assert.Equal(t, "test", sw.Name)
	// Even resolved, the value still reports as a mapping.
	assert.True(t, v.IsMapping())
	assert.Equal(t, TypeMapping, v.RawType())
}

// Scenario: build a mapping of scalars, write, reopen, read back.
func TestScalarRoundTrip(t *testing.T) {
	f := NewFile(nil)
	require.NoError(t, f.SetValue("/int8", f.NewInt64(-128)))
	require.NoError(t, f.SetValue("/uint64", f.NewUint64(18446744073709551615)))
	require.NoError(t, f.SetValue("/float", f.NewDouble(3.4028235e38)))
	require.NoError(t, f.SetValue("/string", f.NewString("s")))
	require.NoError(t, f.SetValue("/null", f.NewNull()))
	require.NoError(t, f.SetValue("/true", f.NewBool(true)))
	require.NoError(t, f.SetValue("/false", f.NewBool(false)))

	var buf bytes.Buffer
	require.NoError(t, f.WriteTo(&buf))

	g, err := OpenMem(buf.Bytes(), nil)
	require.NoError(t, err)
	defer g.Close()

	i8, err := g.GetInt8("/int8")
	assert.NoError(t, err)
	assert.Equal(t, int8(-128), i8)

	u64, err := g.GetUint64("/uint64")
	assert.NoError(t, err)
	assert.Equal(t, uint64(18446744073709551615), u64)

	d, err := g.GetDouble("/float")
	assert.NoError(t, err)
	assert.Equal(t, 3.4028235e38, d)

	s, err := g.GetString("/string")
	assert.NoError(t, err)
	assert.Equal(t, "s", s)

	assert.True(t, g.IsNull("/null"))

	b, err := g.GetBool("/true")
	assert.NoError(t, err)
	assert.True(t, b)
	b, err = g.GetBool("/false")
	assert.NoError(t, err)
	assert.False(t, b)

	// Narrowing across keys overflows rather than mismatching.
	_, err = g.GetInt8("/uint64")
	assert.Equal(t, ErrOverflow, err)
}
