package catalog

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/kalambet/tally/internal/tables"
)

// entityNamespace seeds deterministic entity IDs so rebuilding from the
// same data yields the same IDs.
var entityNamespace = uuid.MustParse("5b0c1a8e-6f43-4a57-9d0e-2f1b7c3e9a41")

// EntityID derives the stable ID for an entity.
func EntityID(t Type, name, category string) string {
	return uuid.NewSHA1(entityNamespace, []byte(string(t)+"\x00"+name+"\x00"+category)).String()
}

// Derive collects entities, without embeddings, from the loaded tables.
// Brands yield one entity per (name, category); grouping types collect their
// members across rows; everything else yields one entity per distinct name.
func Derive(scope tables.Scope, sources []tables.EntitySource) ([]Entity, error) {
	var out []Entity
	for _, src := range sources {
		typ, err := ParseType(src.Type)
		if err != nil {
			return nil, err
		}
		t, ok := scope[src.Table]
		if !ok {
			return nil, fmt.Errorf("entity source %s: table %q not loaded", typ, src.Table)
		}
		if typ == Brand && src.CategoryColumn == "" {
			return nil, fmt.Errorf("entity source %s: category_column is required", typ)
		}
		if (typ == Chain || typ == CustomerGroup) && src.MemberColumn == "" {
			return nil, fmt.Errorf("entity source %s: member_column is required", typ)
		}

		index := map[string]int{}
		var derived []Entity
		for _, row := range t.Rows {
			name := strings.TrimSpace(tables.FormatValue(row[src.Column]))
			if name == "" {
				continue
			}
			category := ""
			if src.CategoryColumn != "" {
				category = strings.TrimSpace(tables.FormatValue(row[src.CategoryColumn]))
			}
			key := name
			if typ == Brand {
				key = name + "\x00" + category
			}

			i, seen := index[key]
			if !seen {
				e := Entity{
					Type: typ,
					Name: name,
					Meta: Metadata{SourceTable: src.Table, Column: src.Column, Category: category},
				}
				if len(src.Attrs) > 0 {
					e.Meta.Attrs = make(map[string]string, len(src.Attrs))
					for attr, col := range src.Attrs {
						if v := tables.FormatValue(row[col]); v != "" {
							e.Meta.Attrs[attr] = v
						}
					}
				}
				i = len(derived)
				index[key] = i
				derived = append(derived, e)
			}
			if src.MemberColumn != "" {
				addMember(&derived[i].Meta, tables.FormatValue(row[src.MemberColumn]))
			}
		}

		for i := range derived {
			e := &derived[i]
			idCategory := ""
			if typ == Brand {
				idCategory = e.Meta.Category
			}
			e.ID = EntityID(typ, e.Name, idCategory)
		}
		slog.Debug("entities derived", "type", typ, "table", src.Table, "count", len(derived))
		out = append(out, derived...)
	}
	return out, nil
}

func addMember(m *Metadata, member string) {
	member = strings.TrimSpace(member)
	if member == "" {
		return
	}
	for _, existing := range m.Members {
		if existing == member {
			return
		}
	}
	m.Members = append(m.Members, member)
}

// Build derives entities, embeds their names and freezes the result.
func Build(ctx context.Context, scope tables.Scope, sources []tables.EntitySource, emb *Embedder) (*Catalog, error) {
	start := time.Now()
	entities, err := Derive(scope, sources)
	if err != nil {
		return nil, err
	}

	names := make([]string, len(entities))
	for i, e := range entities {
		names[i] = e.Name
	}
	vecs, err := emb.EmbedBatch(ctx, names)
	if err != nil {
		return nil, fmt.Errorf("embedding catalog: %w", err)
	}
	for i := range entities {
		entities[i].Embedding = vecs[i]
	}

	c, err := New(entities)
	if err != nil {
		return nil, err
	}
	slog.Info("catalog built", "entities", c.Len(), "dim", c.Dim(), "took", time.Since(start))
	return c, nil
}
