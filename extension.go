package asdf

import (
	"reflect"
	"strings"
	"sync"
)

// Software describes the software that produced a value, per the
// core/software-1.0.0 schema.
type Software struct {
	Name     string
	Version  string
	Author   string
	Homepage string
}

// librarySoftware identifies this library in serialized metadata.
var librarySoftware = &Software{
	Name:     "asdf-go",
	Version:  "0.1.0",
	Homepage: "https://github.com/asdf-format/asdf-go",
}

// Extension translates between a tagged YAML node and an in-memory object.
// Deserialize is required; Serialize may be nil for deserialize-only
// extensions, Copy defaults to a shallow copy and Destroy to a no-op.
type Extension struct {
	// Tag is the canonical tag the extension binds to.
	Tag string

	// Software describes the extension's provenance.
	Software *Software

	// Type is the concrete Go type Deserialize produces (a pointer type);
	// it keys the object-to-extension lookup on the write path.
	Type reflect.Type

	// Serialize builds a tagged node from obj; nil for deserialize-only
	// extensions.
	Serialize func(f *File, obj interface{}) (*Value, error)

	// Deserialize converts a value into the extension's object;
	// ErrParseFailure rejects the value.
	Deserialize func(v *Value) (interface{}, error)

	// Copy clones an object; nil means shallow copy.
	Copy func(obj interface{}) interface{}

	// Destroy releases resources held by an object (for example an open
	// block); nil means none.
	Destroy func(obj interface{})
}

var (
	extMu       sync.Mutex
	extByTag    = map[string]*Extension{}
	extByType   = map[reflect.Type]*Extension{}
	extBuiltins sync.Once
)

// RegisterExtension adds an extension to the process-wide registry; call it
// before the first file operation. The first registration for a tag wins;
// later ones log a warning.
func RegisterExtension(ext *Extension) {
	registerBuiltinExtensions()
	registerExtension(ext)
}

func registerExtension(ext *Extension) {
	extMu.Lock()
	defer extMu.Unlock()
	if ext.Tag == "" {
		globalContext.warnf("extension registered without a tag, ignoring")
		return
	}
	if _, ok := extByTag[ext.Tag]; ok {
		globalContext.warnf("extension for tag %s already registered, ignoring", ext.Tag)
		return
	}
	extByTag[ext.Tag] = ext
	if ext.Type != nil {
		if _, ok := extByType[ext.Type]; !ok {
			extByType[ext.Type] = ext
		}
	}
}

// The built-in extensions are compiled in as a static descriptor list and
// installed before the registry's first use, so nothing depends on
// initializer ordering.
func registerBuiltinExtensions() {
	extBuiltins.Do(func() {
		for _, ext := range builtinExtensions() {
			registerExtension(ext)
		}
	})
}

// GetExtension looks up an extension by canonical tag.
func GetExtension(tag string) *Extension {
	registerBuiltinExtensions()
	extMu.Lock()
	defer extMu.Unlock()
	return extByTag[tag]
}

func extensionForType(t reflect.Type) *Extension {
	registerBuiltinExtensions()
	extMu.Lock()
	defer extMu.Unlock()
	return extByType[t]
}

func allExtensions() []*Extension {
	registerBuiltinExtensions()
	extMu.Lock()
	defer extMu.Unlock()
	exts := make([]*Extension, 0, len(extByTag))
	for _, ext := range extByTag {
		exts = append(exts, ext)
	}
	return exts
}

// Tag returns the value's canonical tag: the node's tag with its handle
// expanded through the file's tag handles (for example !core/ndarray-1.1.0
// becomes tag:stsci.edu:asdf/core/ndarray-1.1.0). Empty for untagged
// values.
func (v *Value) Tag() string {
	if v.tagChecked {
		return v.tag
	}
	v.tagChecked = true
	tag := v.explicitTag()
	if tag == "" {
		v.tag = ""
		return ""
	}
	v.tag = v.file.normalizeTag(tag)
	return v.tag
}

// normalizeTag canonicalizes a YAML tag using the file's tag handles; the
// result is cached per file.
func (f *File) normalizeTag(tag string) string {
	if f == nil {
		return normalizeTagWith(tag, []TagHandle{{Handle: "!", Prefix: CoreTagPrefix}})
	}
	if canonical, ok := f.tagCache[tag]; ok {
		return canonical
	}
	canonical := normalizeTagWith(tag, f.cfg.tagHandles())
	if f.tagCache == nil {
		f.tagCache = map[string]string{}
	}
	f.tagCache[tag] = canonical
	return canonical
}

func normalizeTagWith(tag string, handles []TagHandle) string {
	if strings.HasPrefix(tag, "tag:") {
		return tag
	}
	if strings.HasPrefix(tag, "!<") && strings.HasSuffix(tag, ">") {
		return tag[2 : len(tag)-1]
	}
	if strings.HasPrefix(tag, "!!") {
		return "tag:yaml.org,2002:" + tag[2:]
	}
	// Longest-handle match first so "!ext!" style handles win over "!".
	best := TagHandle{}
	for _, h := range handles {
		if strings.HasPrefix(tag, h.Handle) && len(h.Handle) > len(best.Handle) {
			best = h
		}
	}
	if best.Handle != "" {
		return best.Prefix + tag[len(best.Handle):]
	}
	return tag
}

// AsExtensionType deserializes the value through ext, matching the value's
// canonical tag against the extension's. With a nil ext, a tagged value
// uses only the extension registered for its tag (ErrTypeMismatch when
// there is none); an untagged value tries every registered extension until
// a deserializer accepts. The result is cached on the value; the raw YAML
// type is left untouched.
func (v *Value) AsExtensionType(ext *Extension) (interface{}, error) {
	if v.extChecked && v.ext != nil {
		if ext == nil || ext == v.ext {
			return v.extObj, nil
		}
	}
	tag := v.Tag()
	if ext != nil {
		if tag != "" && tag != ext.Tag {
			return nil, ErrTypeMismatch
		}
		obj, err := ext.Deserialize(v)
		if err != nil {
			return nil, err
		}
		v.ext = ext
		v.extObj = obj
		v.extChecked = true
		return obj, nil
	}
	if tag != "" {
		if byTag := GetExtension(tag); byTag != nil {
			return v.AsExtensionType(byTag)
		}
		return nil, ErrTypeMismatch
	}
	for _, candidate := range allExtensions() {
		if candidate.Deserialize == nil {
			continue
		}
		if obj, err := candidate.Deserialize(v); err == nil {
			v.ext = candidate
			v.extObj = obj
			v.extChecked = true
			return obj, nil
		}
	}
	return nil, ErrTypeMismatch
}

// IsExtensionType non-destructively reports whether the value deserializes
// through ext.
func (v *Value) IsExtensionType(ext *Extension) bool {
	_, err := v.AsExtensionType(ext)
	return err == nil
}

// ValueOf serializes obj through ext into a tagged node bound to f.
func ValueOf(f *File, obj interface{}, ext *Extension) (*Value, error) {
	if ext == nil || ext.Serialize == nil {
		return nil, ErrEmitFailure
	}
	v, err := ext.Serialize(f, obj)
	if err != nil {
		return nil, err
	}
	v.SetTag(ext.Tag)
	return v, nil
}

// As deserializes the value into T via the extension registry: the
// extension registered for T is used, and the value's tag, if any, must
// match it; when T has no registered extension the value's tag picks one.
// The result is type-asserted to T.
func As[T any](v *Value) (T, error) {
	var zero T
	ext := extensionForType(reflect.TypeOf(zero))
	obj, err := v.AsExtensionType(ext)
	if err != nil {
		return zero, err
	}
	t, ok := obj.(T)
	if !ok {
		return zero, ErrTypeMismatch
	}
	return t, nil
}

// Is reports whether the value deserializes as T.
func Is[T any](v *Value) bool {
	_, err := As[T](v)
	return err == nil
}

// Of serializes a typed object into a tagged value bound to f, using the
// extension registered for T.
func Of[T any](f *File, obj T) (*Value, error) {
	ext := extensionForType(reflect.TypeOf(obj))
	if ext == nil {
		return nil, ErrEmitFailure
	}
	return ValueOf(f, obj, ext)
}

// Get resolves path and deserializes the value there as T.
func Get[T any](f *File, path string) (T, error) {
	var zero T
	v, err := f.GetValue(path)
	if err != nil {
		return zero, err
	}
	return As[T](v)
}

// Set serializes obj as T and inserts it at path.
func Set[T any](f *File, path string, obj T) error {
	v, err := Of(f, obj)
	if err != nil {
		return err
	}
	return f.SetValue(path, v)
}

// CloneObject clones an extension object, using the extension's Copy when
// it has one and a shallow copy otherwise.
func CloneObject[T any](obj T) T {
	ext := extensionForType(reflect.TypeOf(obj))
	if ext != nil && ext.Copy != nil {
		if clone, ok := ext.Copy(obj).(T); ok {
			return clone
		}
	}
	return obj
}

// CloneSlice clones a slice of extension objects element by element.
func CloneSlice[T any](objs []T) []T {
	if objs == nil {
		return nil
	}
	out := make([]T, len(objs))
	for i, obj := range objs {
		out[i] = CloneObject(obj)
	}
	return out
}

// DestroyObject releases resources held by an extension object.
func DestroyObject[T any](obj T) {
	ext := extensionForType(reflect.TypeOf(obj))
	if ext != nil && ext.Destroy != nil {
		ext.Destroy(obj)
	}
}
