package configval

import (
	"path/filepath"
	"testing"
)

func TestRoundTripFormats(t *testing.T) {
	src := Map(map[string]Value{
		"name":  String("annual-sweep"),
		"nodes": Number(4),
		"sites": List([]Value{Number(1), Number(2), Number(3)}),
	})

	for _, format := range []Format{FormatJSON, FormatYAML, FormatTOML} {
		t.Run(string(format), func(t *testing.T) {
			data, err := Marshal(src, format)
			if err != nil {
				t.Fatalf("marshal: %v", err)
			}
			got, err := Parse(data, format, "test")
			if err != nil {
				t.Fatalf("parse: %v", err)
			}
			name, err := func() (string, error) {
				v, _ := got.Get("name")
				return v.AsString("name")
			}()
			if err != nil || name != "annual-sweep" {
				t.Fatalf("name = %q, err %v", name, err)
			}
			nodesVal, ok := got.Get("nodes")
			if !ok {
				t.Fatalf("missing nodes key")
			}
			nodes, err := nodesVal.AsInt("nodes")
			if err != nil || nodes != 4 {
				t.Fatalf("nodes = %d, err %v", nodes, err)
			}
		})
	}
}

func TestDetectFormat(t *testing.T) {
	cases := map[string]Format{
		"a.json":  FormatJSON,
		"a.jsonc": FormatJSONC,
		"a.yaml":  FormatYAML,
		"a.yml":   FormatYAML,
		"a.toml":  FormatTOML,
	}
	for name, want := range cases {
		got, err := DetectFormat(filepath.FromSlash(name))
		if err != nil {
			t.Fatalf("%s: %v", name, err)
		}
		if got != want {
			t.Fatalf("%s: got %s want %s", name, got, want)
		}
	}
	if _, err := DetectFormat("a.ini"); err == nil {
		t.Fatal("expected error for unrecognized extension")
	}
}

func TestStripJSONComments(t *testing.T) {
	in := []byte(`{
  // a line comment
  "a": 1, /* block
  comment */ "b": "// not a comment"
}`)
	out := StripJSONComments(in)
	v, err := Parse(out, FormatJSON, "test.jsonc")
	if err != nil {
		t.Fatalf("parse stripped: %v", err)
	}
	b, _ := v.Get("b")
	s, err := b.AsString("b")
	if err != nil || s != "// not a comment" {
		t.Fatalf("b = %q, err %v", s, err)
	}
}

func TestTypedAccessorErrors(t *testing.T) {
	v := String("oops")
	if _, err := v.AsInt("nodes"); err == nil {
		t.Fatal("expected type error")
	}
	m := Map(map[string]Value{"a": Number(1)})
	if _, err := m.MustGet("root", "missing"); err == nil {
		t.Fatal("expected missing-key error")
	}
}

func TestWithSetAndClone(t *testing.T) {
	orig := Map(map[string]Value{"sites": List([]Value{Number(1), Number(2)})})
	clone := orig.Clone()
	replaced := clone.WithSet("sites", Number(5))

	sitesOrig, _ := orig.Get("sites")
	if sitesOrig.Kind() != KindList {
		t.Fatal("original mutated")
	}
	sitesReplaced, _ := replaced.Get("sites")
	n, err := sitesReplaced.AsFloat("sites")
	if err != nil || n != 5 {
		t.Fatalf("replaced sites = %v, err %v", sitesReplaced, err)
	}
}
