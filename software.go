package asdf

import (
	"reflect"
	"strings"
	"time"
)

// The core metadata extensions: software-1.0.0, history_entry-1.0.0 and
// extension_metadata-1.0.0. Invalid individual entries degrade to warnings
// and are skipped rather than failing the file.

func deserializeSoftware(v *Value) (interface{}, error) {
	m, err := v.AsMapping()
	if err != nil {
		return nil, err
	}
	sw := &Software{}
	if nameVal := m.Get("name"); nameVal != nil {
		sw.Name, _ = nameVal.AsString()
	}
	if verVal := m.Get("version"); verVal != nil {
		sw.Version, _ = verVal.AsScalar()
	}
	if sw.Name == "" || sw.Version == "" {
		return nil, ErrParseFailure
	}
	if authorVal := m.Get("author"); authorVal != nil {
		sw.Author, _ = authorVal.AsString()
	}
	if homepageVal := m.Get("homepage"); homepageVal != nil {
		sw.Homepage, _ = homepageVal.AsString()
	}
	return sw, nil
}

func serializeSoftware(f *File, obj interface{}) (*Value, error) {
	sw, ok := obj.(*Software)
	if !ok {
		return nil, ErrTypeMismatch
	}
	if sw.Name == "" {
		f.ctx.warnf("%s requires a name", SoftwareTag)
		return nil, ErrEmitFailure
	}
	if sw.Version == "" {
		f.ctx.warnf("%s requires a version", SoftwareTag)
		return nil, ErrEmitFailure
	}
	m := f.NewMapping()
	m.SetString("name", sw.Name)
	m.SetString("version", sw.Version)
	if sw.Author != "" {
		m.SetString("author", sw.Author)
	}
	if sw.Homepage != "" {
		m.SetString("homepage", sw.Homepage)
	}
	return m.v, nil
}

var softwareExtension = &Extension{
	Tag:         SoftwareTag,
	Software:    librarySoftware,
	Type:        reflect.TypeOf(&Software{}),
	Serialize:   serializeSoftware,
	Deserialize: deserializeSoftware,
	Copy: func(obj interface{}) interface{} {
		sw := *(obj.(*Software))
		return &sw
	},
}

// HistoryEntry is one entry of /history/entries.
type HistoryEntry struct {
	Description string
	Time        time.Time
	Software    []*Software
}

// historyTimeLayouts accepts ISO8601 and the relaxed space-separated form
// that some writers emit.
var historyTimeLayouts = []string{
	"2006-01-02T15:04:05.999999999Z07:00",
	"2006-01-02T15:04:05.999999999Z0700",
	"2006-01-02T15:04:05.999999999",
	"2006-01-02 15:04:05.999999999Z07:00",
	"2006-01-02 15:04:05.999999999",
	"2006-01-02",
}

func parseHistoryTime(scalar string) (time.Time, bool) {
	s := strings.TrimSuffix(strings.TrimSpace(scalar), "Z")
	s = strings.Replace(s, "t", "T", 1)
	for _, layout := range historyTimeLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t, true
		}
	}
	return time.Time{}, false
}

func deserializeHistoryEntry(v *Value) (interface{}, error) {
	m, err := v.AsMapping()
	if err != nil {
		return nil, err
	}
	entry := &HistoryEntry{}
	if descVal := m.Get("description"); descVal != nil {
		entry.Description, _ = descVal.AsString()
	}
	if timeVal := m.Get("time"); timeVal != nil {
		if scalar, err := timeVal.AsScalar(); err == nil {
			t, ok := parseHistoryTime(scalar)
			if !ok {
				v.file.ctx.warnf("invalid time in history entry at %s: %q", v.Path(), scalar)
			} else {
				entry.Time = t
			}
		}
	}
	// software may be a single mapping or a list of them.
	if swVal := m.Get("software"); swVal != nil {
		if seq, err := swVal.AsSequence(); err == nil {
			for it := seq.Iter(); ; {
				item := it.Next()
				if item == nil {
					break
				}
				obj, err := deserializeSoftware(item.Value)
				if err != nil {
					v.file.ctx.warnf("invalid software in history entry at %s, skipping", item.Value.Path())
					continue
				}
				entry.Software = append(entry.Software, obj.(*Software))
			}
		} else if obj, err := deserializeSoftware(swVal); err == nil {
			entry.Software = append(entry.Software, obj.(*Software))
		} else {
			v.file.ctx.warnf("invalid software in history entry at %s, skipping", swVal.Path())
		}
	}
	return entry, nil
}

func serializeHistoryEntry(f *File, obj interface{}) (*Value, error) {
	entry, ok := obj.(*HistoryEntry)
	if !ok {
		return nil, ErrTypeMismatch
	}
	m := f.NewMapping()
	if entry.Description != "" {
		m.SetString("description", entry.Description)
	}
	if !entry.Time.IsZero() {
		m.Set("time", f.NewString(entry.Time.UTC().Format("2006-01-02T15:04:05Z")))
	}
	switch len(entry.Software) {
	case 0:
	case 1:
		swVal, err := serializeSoftware(f, entry.Software[0])
		if err != nil {
			return nil, err
		}
		m.Set("software", swVal)
	default:
		seq := f.NewSequence()
		for _, sw := range entry.Software {
			swVal, err := serializeSoftware(f, sw)
			if err != nil {
				return nil, err
			}
			seq.Append(swVal)
		}
		m.SetSequence("software", seq)
	}
	return m.v, nil
}

// historyEntryExtensionValue builds the history entry extension descriptor.
// It is a function rather than a package-level var because its Copy
// closure reaches builtinExtensions (via CloneSlice) through the call
// graph, which would otherwise form an initialization cycle.
func historyEntryExtensionValue() *Extension {
	return &Extension{
		Tag:         HistoryEntryTag,
		Software:    librarySoftware,
		Type:        reflect.TypeOf(&HistoryEntry{}),
		Serialize:   serializeHistoryEntry,
		Deserialize: deserializeHistoryEntry,
		Copy: func(obj interface{}) interface{} {
			entry := *(obj.(*HistoryEntry))
			entry.Software = CloneSlice(entry.Software)
			return &entry
		},
	}
}

// ExtensionMetadata records one /history/extensions entry.
type ExtensionMetadata struct {
	ExtensionClass string
	ExtensionURI   string
	Software       []*Software
}

func deserializeExtensionMetadata(v *Value) (interface{}, error) {
	m, err := v.AsMapping()
	if err != nil {
		return nil, err
	}
	md := &ExtensionMetadata{}
	if classVal := m.Get("extension_class"); classVal != nil {
		md.ExtensionClass, _ = classVal.AsString()
	}
	if md.ExtensionClass == "" {
		return nil, ErrParseFailure
	}
	if uriVal := m.Get("extension_uri"); uriVal != nil {
		md.ExtensionURI, _ = uriVal.AsString()
	}
	if swVal := m.Get("software"); swVal != nil {
		if seq, err := swVal.AsSequence(); err == nil {
			for it := seq.Iter(); ; {
				item := it.Next()
				if item == nil {
					break
				}
				if obj, err := deserializeSoftware(item.Value); err == nil {
					md.Software = append(md.Software, obj.(*Software))
				}
			}
		} else if obj, err := deserializeSoftware(swVal); err == nil {
			md.Software = append(md.Software, obj.(*Software))
		}
	}
	return md, nil
}

func serializeExtensionMetadata(f *File, obj interface{}) (*Value, error) {
	md, ok := obj.(*ExtensionMetadata)
	if !ok {
		return nil, ErrTypeMismatch
	}
	m := f.NewMapping()
	m.SetString("extension_class", md.ExtensionClass)
	if md.ExtensionURI != "" {
		m.SetString("extension_uri", md.ExtensionURI)
	}
	if len(md.Software) == 1 {
		swVal, err := serializeSoftware(f, md.Software[0])
		if err != nil {
			return nil, err
		}
		m.Set("software", swVal)
	} else if len(md.Software) > 1 {
		seq := f.NewSequence()
		for _, sw := range md.Software {
			swVal, err := serializeSoftware(f, sw)
			if err != nil {
				return nil, err
			}
			seq.Append(swVal)
		}
		m.SetSequence("software", seq)
	}
	return m.v, nil
}

var extensionMetadataExtension = &Extension{
	Tag:         ExtensionMetadataTag,
	Software:    librarySoftware,
	Type:        reflect.TypeOf(&ExtensionMetadata{}),
	Serialize:   serializeExtensionMetadata,
	Deserialize: deserializeExtensionMetadata,
}

// History returns the file's parsed history entries; entries that fail to
// parse are skipped with a warning.
func (f *File) History() []*HistoryEntry {
	seq, err := f.GetSequence("/history/entries")
	if err != nil {
		return nil
	}
	var entries []*HistoryEntry
	for it := seq.Iter(); ; {
		item := it.Next()
		if item == nil {
			break
		}
		obj, err := deserializeHistoryEntry(item.Value)
		if err != nil {
			f.ctx.warnf("invalid history entry at %s, skipping", item.Value.Path())
			continue
		}
		entries = append(entries, obj.(*HistoryEntry))
	}
	return entries
}

// Extensions returns the /history/extensions metadata; invalid entries are
// skipped with a warning.
func (f *File) Extensions() []*ExtensionMetadata {
	seq, err := f.GetSequence("/history/extensions")
	if err != nil {
		return nil
	}
	var exts []*ExtensionMetadata
	for it := seq.Iter(); ; {
		item := it.Next()
		if item == nil {
			break
		}
		obj, err := deserializeExtensionMetadata(item.Value)
		if err != nil {
			f.ctx.warnf("invalid extension metadata at %s, skipping", item.Value.Path())
			continue
		}
		exts = append(exts, obj.(*ExtensionMetadata))
	}
	return exts
}

// builtinExtensions is the static descriptor list installed at first
// registry use.
func builtinExtensions() []*Extension {
	return []*Extension{
		ndarrayExtension,
		datatypeExtension,
		softwareExtension,
		historyEntryExtensionValue(),
		extensionMetadataExtension,
	}
}
