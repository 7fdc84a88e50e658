package modulemd

import (
	"strings"
	"testing"
)

const sampleDoc = `
document: modulemd
version: 2
data:
  name: nodejs
  stream: "18"
  summary: Javascript runtime
  license:
    module: [MIT]
  dependencies:
    buildrequires:
      platform: [el9]
    requires:
      platform: [el9]
  buildopts:
    rpms:
      macros: "%_with_bootstrap 1"
  components:
    rpms:
      nodejs:
        rationale: main package
        buildorder: 10
      nodejs-packaging:
        rationale: packaging macros
        ref: stable
        buildonly: true
      npm:
        rationale: package manager
        buildorder: 20
`

func TestParseAndValidate(t *testing.T) {
	doc, err := Parse([]byte(sampleDoc))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if err := doc.Validate(); err != nil {
		t.Fatalf("validate: %v", err)
	}
	if doc.Data.Name != "nodejs" || doc.Data.Stream != "18" {
		t.Fatalf("unexpected identity %s:%s", doc.Data.Name, doc.Data.Stream)
	}
	if got := doc.BuildrequiredStreams("platform"); len(got) != 1 || got[0] != "el9" {
		t.Fatalf("unexpected buildrequires: %#v", got)
	}
}

func TestValidateRejections(t *testing.T) {
	cases := []struct {
		name    string
		mutate  func(*Document)
		wantErr string
	}{
		{"wrong document type", func(d *Document) { d.Document = "modulemd-defaults" }, "not modulemd"},
		{"wrong version", func(d *Document) { d.Version = 1 }, "unsupported modulemd version"},
		{"missing name", func(d *Document) { d.Data.Name = "" }, "name is required"},
		{"missing stream", func(d *Document) { d.Data.Stream = " " }, "stream is required"},
		{"negative buildorder", func(d *Document) {
			c := d.Data.Components.RPMs["nodejs"]
			c.Buildorder = -1
			d.Data.Components.RPMs["nodejs"] = c
		}, "negative buildorder"},
		{"empty buildrequires", func(d *Document) {
			d.Data.Dependencies.Buildrequires["platform"] = nil
		}, "lists no streams"},
	}
	for _, tc := range cases {
		doc, err := Parse([]byte(sampleDoc))
		if err != nil {
			t.Fatalf("%s: parse: %v", tc.name, err)
		}
		tc.mutate(doc)
		err = doc.Validate()
		if err == nil || !strings.Contains(err.Error(), tc.wantErr) {
			t.Fatalf("%s: expected error containing %q, got %v", tc.name, tc.wantErr, err)
		}
	}
}

func TestNormalize(t *testing.T) {
	doc, err := Parse([]byte(sampleDoc))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	doc.Normalize(Defaults{Ref: "main", Arches: []string{"x86_64", "aarch64"}})

	if got := doc.Data.Components.RPMs["nodejs"].Ref; got != "main" {
		t.Fatalf("default ref not applied, got %q", got)
	}
	if got := doc.Data.Components.RPMs["nodejs-packaging"].Ref; got != "stable" {
		t.Fatalf("explicit ref overwritten, got %q", got)
	}
	if len(doc.Data.Arches) != 2 || doc.Data.Arches[0] != "aarch64" {
		t.Fatalf("arches not normalized: %#v", doc.Data.Arches)
	}
}

func TestComponentsInOrder(t *testing.T) {
	doc, err := Parse([]byte(sampleDoc))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	comps := doc.ComponentsInOrder()
	want := []string{"nodejs-packaging", "nodejs", "npm"}
	if len(comps) != len(want) {
		t.Fatalf("expected %d components, got %d", len(want), len(comps))
	}
	for i, name := range want {
		if comps[i].Name != name {
			t.Fatalf("position %d: expected %s, got %s", i, name, comps[i].Name)
		}
	}
}

func TestMarshalRoundTrip(t *testing.T) {
	doc, err := Parse([]byte(sampleDoc))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	doc.Normalize(Defaults{Ref: "main", Arches: []string{"x86_64"}})

	raw, err := doc.Marshal()
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	again, err := Parse([]byte(raw))
	if err != nil {
		t.Fatalf("reparse: %v", err)
	}
	if again.Data.Components.RPMs["nodejs"].Ref != "main" {
		t.Fatalf("normalized ref lost in round trip")
	}
	if again.Data.Buildopts.RPMs.Macros != "%_with_bootstrap 1" {
		t.Fatalf("macros lost in round trip: %q", again.Data.Buildopts.RPMs.Macros)
	}
}
