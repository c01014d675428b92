package asdf

import (
	"testing"

	"github.com/google/go-cmp/cmp"
)

func TestParsePath(t *testing.T) {
	for _, tt := range []struct {
		path string
		want []pathComponent
	}{
		{"", nil},
		{"/", nil},
		{"/a/b", []pathComponent{
			{target: targetMap, key: "a"},
			{target: targetMap, key: "b"},
		}},
		{"/a/0", []pathComponent{
			{target: targetMap, key: "a"},
			{target: targetAny, key: "0", index: 0},
		}},
		{"/a/[0]", []pathComponent{
			{target: targetMap, key: "a"},
			{target: targetSeq, index: 0},
		}},
		{"/a/[-2]", []pathComponent{
			{target: targetMap, key: "a"},
			{target: targetSeq, index: -2},
		}},
		{"/-3", []pathComponent{
			{target: targetAny, key: "-3", index: -3},
		}},
		{"/'with/slash'", []pathComponent{
			{target: targetMap, key: "with/slash"},
		}},
		{`/"also/slash"`, []pathComponent{
			{target: targetMap, key: "also/slash"},
		}},
		{`/'esc\/aped\\x\[y\]'`, []pathComponent{
			{target: targetMap, key: `esc/aped\x[y]`},
		}},
	} {
		got, err := parsePath(tt.path)
		if err != nil {
			t.Errorf("parsePath(%q): %v", tt.path, err)
			continue
		}
		if diff := cmp.Diff(tt.want, got, cmp.AllowUnexported(pathComponent{})); diff != "" {
			t.Errorf("parsePath(%q): diff (-want +got):\n%s", tt.path, diff)
		}
	}
}

func TestParsePathErrors(t *testing.T) {
	for _, path := range []string{
		"/a/[0",
		"/a/[x]",
		"/'unterminated",
		`/"unterminated`,
		"/a/[0]junk",
		"/'q'junk",
	} {
		if _, err := parsePath(path); err == nil {
			t.Errorf("parsePath(%q): expected error", path)
		}
	}
}

// parse(emit(parts)) == parts for any valid path.
func TestPathRoundTrip(t *testing.T) {
	for _, path := range []string{
		"/a/b/0",
		"/a/[0]/c",
		"/'with/slash'/x",
		"/history/extensions/0/extension_uri",
		"/[-1]",
	} {
		parts, err := parsePath(path)
		if err != nil {
			t.Fatalf("parsePath(%q): %v", path, err)
		}
		again, err := parsePath(emitPath(parts))
		if err != nil {
			t.Fatalf("parsePath(emitPath(%q)): %v", path, err)
		}
		if diff := cmp.Diff(parts, again, cmp.AllowUnexported(pathComponent{})); diff != "" {
			t.Errorf("round trip of %q: diff (-want +got):\n%s", path, diff)
		}
	}
}

// A numeric segment matches a mapping key or a sequence index depending on
// the resolved parent; bracketed indices force sequence interpretation.
func TestPathNumericAmbiguity(t *testing.T) {
	f, err := OpenMem([]byte("#ASDF 1.0.0\n#ASDF_STANDARD 1.6.0\n%YAML 1.1\n---\na:\n  0: x\nb:\n- y\n...\n"), nil)
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()

	if got, err := f.GetString("/a/0"); err != nil || got != "x" {
		t.Fatalf("/a/0 on mapping: got %q, %v; want \"x\"", got, err)
	}
	if got, err := f.GetString("/b/0"); err != nil || got != "y" {
		t.Fatalf("/b/0 on sequence: got %q, %v; want \"y\"", got, err)
	}
	if _, err := f.GetString("/a/[0]"); err != ErrNotFound {
		t.Fatalf("/a/[0] on mapping: got %v, want ErrNotFound", err)
	}
	if got, err := f.GetString("/b/[-1]"); err != nil || got != "y" {
		t.Fatalf("/b/[-1]: got %q, %v; want \"y\"", got, err)
	}
}
