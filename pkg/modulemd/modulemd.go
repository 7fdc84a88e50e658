// Package modulemd parses and normalizes module stream documents, the YAML
// build specification a module build request carries.
package modulemd

import (
	"fmt"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"
)

// Document is a versioned module stream definition.
type Document struct {
	Document string `yaml:"document"`
	Version  int    `yaml:"version"`
	Data     Data   `yaml:"data"`
}

// Data carries the module payload of a Document.
type Data struct {
	Name         string       `yaml:"name"`
	Stream       string       `yaml:"stream"`
	Summary      string       `yaml:"summary,omitempty"`
	License      License      `yaml:"license,omitempty"`
	Dependencies Dependencies `yaml:"dependencies,omitempty"`
	Buildopts    Buildopts    `yaml:"buildopts,omitempty"`
	Components   Components   `yaml:"components,omitempty"`
	Filter       Filter       `yaml:"filter,omitempty"`
	Arches       []string     `yaml:"arches,omitempty"`
}

type License struct {
	Module []string `yaml:"module,omitempty"`
}

// Dependencies maps module names to acceptable streams, split between
// build time and run time.
type Dependencies struct {
	Buildrequires map[string][]string `yaml:"buildrequires,omitempty"`
	Requires      map[string][]string `yaml:"requires,omitempty"`
}

// Buildopts carries build-time package overrides, notably the macros
// injected through the bootstrap component.
type Buildopts struct {
	RPMs RPMBuildopts `yaml:"rpms,omitempty"`
}

type RPMBuildopts struct {
	Macros    string   `yaml:"macros,omitempty"`
	Whitelist []string `yaml:"whitelist,omitempty"`
}

type Components struct {
	RPMs map[string]Component `yaml:"rpms,omitempty"`
}

// Component describes one buildable package of the module.
type Component struct {
	Rationale  string `yaml:"rationale,omitempty"`
	Ref        string `yaml:"ref,omitempty"`
	Buildorder int    `yaml:"buildorder,omitempty"`
	// Buildonly components are consumed while building other components
	// and never tagged into the final output.
	Buildonly bool `yaml:"buildonly,omitempty"`
}

// Filter lists RPM names excluded from the module output.
type Filter struct {
	RPMs []string `yaml:"rpms,omitempty"`
}

// Defaults are inherited values applied during normalization.
type Defaults struct {
	Ref    string
	Arches []string
}

// Parse decodes a module stream document. Decode failures are caller input
// problems, not infrastructure ones.
func Parse(raw []byte) (*Document, error) {
	var doc Document
	if err := yaml.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("invalid modulemd yaml: %w", err)
	}
	return &doc, nil
}

// Validate checks the structural requirements of the document.
func (d *Document) Validate() error {
	if d.Document != "modulemd" {
		return fmt.Errorf("document type %q is not modulemd", d.Document)
	}
	if d.Version != 2 {
		return fmt.Errorf("unsupported modulemd version %d", d.Version)
	}
	if strings.TrimSpace(d.Data.Name) == "" {
		return fmt.Errorf("module name is required")
	}
	if strings.TrimSpace(d.Data.Stream) == "" {
		return fmt.Errorf("module stream is required")
	}
	for name, c := range d.Data.Components.RPMs {
		if strings.TrimSpace(name) == "" {
			return fmt.Errorf("component with empty name")
		}
		if c.Buildorder < 0 {
			return fmt.Errorf("component %s: negative buildorder", name)
		}
	}
	for module, streams := range d.Data.Dependencies.Buildrequires {
		if len(streams) == 0 {
			return fmt.Errorf("buildrequires %s lists no streams", module)
		}
	}
	return nil
}

// Normalize fills inherited defaults in place: component refs and the
// module arch list.
func (d *Document) Normalize(def Defaults) {
	for name, c := range d.Data.Components.RPMs {
		if c.Ref == "" {
			c.Ref = def.Ref
			d.Data.Components.RPMs[name] = c
		}
	}
	if len(d.Data.Arches) == 0 {
		d.Data.Arches = append([]string(nil), def.Arches...)
	}
	sort.Strings(d.Data.Arches)
}

// NamedComponent pairs a component with its map key.
type NamedComponent struct {
	Name string
	Component
}

// ComponentsInOrder returns components sorted by buildorder, then name, so
// wave assignment is deterministic.
func (d *Document) ComponentsInOrder() []NamedComponent {
	out := make([]NamedComponent, 0, len(d.Data.Components.RPMs))
	for name, c := range d.Data.Components.RPMs {
		out = append(out, NamedComponent{Name: name, Component: c})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Buildorder != out[j].Buildorder {
			return out[i].Buildorder < out[j].Buildorder
		}
		return out[i].Name < out[j].Name
	})
	return out
}

// BuildrequiredStreams returns the streams buildrequired for the named
// module, or nil.
func (d *Document) BuildrequiredStreams(module string) []string {
	return d.Data.Dependencies.Buildrequires[module]
}

// Marshal re-encodes the document for persistence.
func (d *Document) Marshal() (string, error) {
	raw, err := yaml.Marshal(d)
	if err != nil {
		return "", fmt.Errorf("marshal modulemd: %w", err)
	}
	return string(raw), nil
}
