package resolver

import (
	"strings"

	"github.com/kalambet/tally/internal/catalog"
)

// TypeHint is a lexical guess at what a name refers to, used when no
// catalog entity clears the similarity threshold.
type TypeHint struct {
	Type     string `json:"type"`
	Name     string `json:"name"`
	Category string `json:"category,omitempty"`
}

const unknownType = "Unknown"

// IdentifyType looks name up by text. Priority: exact category, exact brand,
// partial category, partial brand, partial item.
func IdentifyType(c *catalog.Catalog, name string) TypeHint {
	name = strings.TrimSpace(name)
	hint := TypeHint{Type: unknownType, Name: name}
	if name == "" || c == nil {
		return hint
	}

	var categories []string
	seenCat := map[string]bool{}
	addCategory := func(s string) {
		if s != "" && !seenCat[s] {
			seenCat[s] = true
			categories = append(categories, s)
		}
	}
	var brands, items []*catalog.Entity
	for _, e := range c.All() {
		switch e.Type {
		case catalog.Category:
			addCategory(e.Name)
		case catalog.Brand:
			brands = append(brands, e)
			addCategory(e.Meta.Category)
		case catalog.Item:
			items = append(items, e)
			addCategory(e.Meta.Category)
		}
	}

	for _, cat := range categories {
		if cat == name {
			return TypeHint{Type: string(catalog.Category), Name: name, Category: cat}
		}
	}
	for _, b := range brands {
		if b.Name == name {
			return TypeHint{Type: string(catalog.Brand), Name: name, Category: b.Meta.Category}
		}
	}
	for _, cat := range categories {
		if strings.Contains(cat, name) {
			return TypeHint{Type: string(catalog.Category), Name: name, Category: name}
		}
	}
	for _, b := range brands {
		if strings.Contains(b.Name, name) {
			return TypeHint{Type: string(catalog.Brand), Name: name, Category: b.Meta.Category}
		}
	}
	for _, it := range items {
		if strings.Contains(it.Name, name) {
			return TypeHint{Type: string(catalog.Item), Name: name, Category: it.Meta.Category}
		}
	}
	return hint
}
