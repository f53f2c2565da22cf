package tables

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sort"
	"strconv"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"
)

// Table is a loaded dataset. Rows are never modified after loading.
type Table struct {
	Name        string
	Description string
	Columns     []Column
	Rows        []map[string]any
}

// Scope is the fixed set of named tables analysis code may read.
type Scope map[string]*Table

// LoadAll reads every table in the manifest concurrently.
func LoadAll(ctx context.Context, m *Manifest) (Scope, error) {
	tables := make([]*Table, len(m.Tables))
	g, gCtx := errgroup.WithContext(ctx)
	g.SetLimit(8)

	for i, spec := range m.Tables {
		g.Go(func() error {
			if err := gCtx.Err(); err != nil {
				return err
			}
			start := time.Now()
			t, err := loadCSV(m.path(spec), spec)
			if err != nil {
				return fmt.Errorf("loading table %s: %w", spec.Name, err)
			}
			slog.Debug("table loaded", "table", spec.Name, "rows", len(t.Rows), "took", time.Since(start))
			tables[i] = t
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	scope := make(Scope, len(tables))
	for _, t := range tables {
		scope[t.Name] = t
	}
	return scope, nil
}

func loadCSV(path string, spec TableSpec) (*Table, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return readCSV(f, spec)
}

// readCSV decodes rows keyed by header name. Only declared columns are kept;
// every declared column must be present in the header.
func readCSV(r io.Reader, spec TableSpec) (*Table, error) {
	cr := csv.NewReader(r)
	cr.ReuseRecord = true

	header, err := cr.Read()
	if err != nil {
		return nil, fmt.Errorf("reading header: %w", err)
	}
	index := make(map[string]int, len(header))
	for i, h := range header {
		index[strings.TrimSpace(strings.TrimPrefix(h, "\ufeff"))] = i
	}
	for _, c := range spec.Columns {
		if _, ok := index[c.Name]; !ok {
			return nil, fmt.Errorf("column %q missing from header", c.Name)
		}
	}

	t := &Table{Name: spec.Name, Description: spec.Description, Columns: spec.Columns}
	seen := map[string]bool{}
	line := 1
	for {
		rec, err := cr.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		line++
		if err != nil {
			return nil, fmt.Errorf("line %d: %w", line, err)
		}

		row := make(map[string]any, len(spec.Columns))
		for _, c := range spec.Columns {
			v, err := convert(rec[index[c.Name]], c.Type)
			if err != nil {
				return nil, fmt.Errorf("line %d column %s: %w", line, c.Name, err)
			}
			row[c.Name] = v
		}
		if spec.DedupeOn != "" {
			key := fmt.Sprint(row[spec.DedupeOn])
			if seen[key] {
				continue
			}
			seen[key] = true
		}
		t.Rows = append(t.Rows, row)
	}
	return t, nil
}

// convert parses one cell. Empty numeric cells become nil.
func convert(raw string, typ ColumnType) (any, error) {
	s := strings.TrimSpace(raw)
	switch typ {
	case ColInt:
		if s == "" {
			return nil, nil
		}
		return strconv.Atoi(s)
	case ColFloat:
		if s == "" {
			return nil, nil
		}
		return strconv.ParseFloat(s, 64)
	case ColDate:
		if s == "" {
			return nil, nil
		}
		for _, layout := range []string{"2006-01-02", "2006-01-02 15:04:05", time.RFC3339, "02/01/2006"} {
			if t, err := time.Parse(layout, s); err == nil {
				return t.Format("2006-01-02"), nil
			}
		}
		return nil, fmt.Errorf("unrecognized date %q", s)
	default:
		return s, nil
	}
}

// Names returns the table names in sorted order.
func (s Scope) Names() []string {
	names := make([]string, 0, len(s))
	for n := range s {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// Env returns a fresh copy of every table as a list of row maps, so
// evaluated code cannot alter the loaded data.
func (s Scope) Env() map[string]any {
	env := make(map[string]any, len(s))
	for name, t := range s {
		rows := make([]any, len(t.Rows))
		for i, r := range t.Rows {
			cp := make(map[string]any, len(r))
			for k, v := range r {
				cp[k] = v
			}
			rows[i] = cp
		}
		env[name] = rows
	}
	return env
}

// Describe lists tables and columns for model prompts.
func (s Scope) Describe() string {
	var b strings.Builder
	for _, name := range s.Names() {
		t := s[name]
		fmt.Fprintf(&b, "- %s (%d rows)", name, len(t.Rows))
		if t.Description != "" {
			fmt.Fprintf(&b, ": %s", t.Description)
		}
		b.WriteString("\n")
		for _, c := range t.Columns {
			fmt.Fprintf(&b, "    %s %s", c.Name, c.Type)
			if c.Description != "" {
				fmt.Fprintf(&b, " (%s)", c.Description)
			}
			b.WriteString("\n")
		}
	}
	return b.String()
}
