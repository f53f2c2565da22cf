// Package tables loads the read-only datasets questions are answered
// against and renders analysis results for people.
package tables

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

type ColumnType string

const (
	ColString ColumnType = "string"
	ColInt    ColumnType = "int"
	ColFloat  ColumnType = "float"
	// ColDate values are kept as YYYY-MM-DD text so they compare and sort lexically.
	ColDate ColumnType = "date"
)

type Column struct {
	Name        string     `yaml:"name" json:"name"`
	Type        ColumnType `yaml:"type" json:"type"`
	Description string     `yaml:"description,omitempty" json:"description,omitempty"`
}

// TableSpec describes one dataset file.
type TableSpec struct {
	Name        string   `yaml:"name"`
	File        string   `yaml:"file"`
	Description string   `yaml:"description"`
	Columns     []Column `yaml:"columns"`
	// DedupeOn keeps only the first row for each value of this column.
	DedupeOn string `yaml:"dedupe_on,omitempty"`
}

// EntitySource tells the catalog builder where one entity type lives.
type EntitySource struct {
	Type           string `yaml:"type"`
	Table          string `yaml:"table"`
	Column         string `yaml:"column"`
	CategoryColumn string `yaml:"category_column,omitempty"`
	// MemberColumn lists the members of a grouping entity (chain stores,
	// customers of a group). Rows sharing a name contribute members.
	MemberColumn string `yaml:"member_column,omitempty"`
	// Attrs maps attribute names to the columns they are copied from.
	Attrs map[string]string `yaml:"attrs,omitempty"`
}

// Manifest lists the datasets and the entity sources derived from them.
type Manifest struct {
	Tables   []TableSpec    `yaml:"tables"`
	Entities []EntitySource `yaml:"entities"`

	// Dir is the directory table files are resolved against.
	Dir string `yaml:"-"`
}

// LoadManifest parses a YAML manifest. Relative table file paths resolve
// against the manifest's directory.
func LoadManifest(path string) (*Manifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading manifest: %w", err)
	}
	var m Manifest
	if err := yaml.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("parsing manifest %s: %w", path, err)
	}
	m.Dir = filepath.Dir(path)
	if err := m.Validate(); err != nil {
		return nil, fmt.Errorf("manifest %s: %w", path, err)
	}
	return &m, nil
}

func (m *Manifest) Validate() error {
	if len(m.Tables) == 0 {
		return fmt.Errorf("no tables declared")
	}
	cols := make(map[string]map[string]bool, len(m.Tables))
	for _, t := range m.Tables {
		if t.Name == "" || t.File == "" {
			return fmt.Errorf("table entries need name and file (got name=%q file=%q)", t.Name, t.File)
		}
		if _, dup := cols[t.Name]; dup {
			return fmt.Errorf("duplicate table %q", t.Name)
		}
		cols[t.Name] = make(map[string]bool, len(t.Columns))
		for _, c := range t.Columns {
			switch c.Type {
			case ColString, ColInt, ColFloat, ColDate:
			case "":
				return fmt.Errorf("table %s column %s: missing type", t.Name, c.Name)
			default:
				return fmt.Errorf("table %s column %s: unknown type %q", t.Name, c.Name, c.Type)
			}
			cols[t.Name][c.Name] = true
		}
		if t.DedupeOn != "" && !cols[t.Name][t.DedupeOn] {
			return fmt.Errorf("table %s: dedupe_on column %q not declared", t.Name, t.DedupeOn)
		}
	}
	for _, e := range m.Entities {
		tc, ok := cols[e.Table]
		if !ok {
			return fmt.Errorf("entity source %s: unknown table %q", e.Type, e.Table)
		}
		for _, c := range append([]string{e.Column, e.CategoryColumn, e.MemberColumn}, attrColumns(e.Attrs)...) {
			if c != "" && !tc[c] {
				return fmt.Errorf("entity source %s: column %q not declared in table %s", e.Type, c, e.Table)
			}
		}
		if e.Column == "" {
			return fmt.Errorf("entity source %s: missing column", e.Type)
		}
	}
	return nil
}

func attrColumns(attrs map[string]string) []string {
	out := make([]string, 0, len(attrs))
	for _, c := range attrs {
		out = append(out, c)
	}
	return out
}

func (m *Manifest) path(spec TableSpec) string {
	if filepath.IsAbs(spec.File) {
		return spec.File
	}
	return filepath.Join(m.Dir, spec.File)
}
