// Package catalog holds the immutable set of named business entities that
// free-text mentions are resolved against.
package catalog

import (
	"container/heap"
	"fmt"
	"maps"
	"math"
	"slices"
)

type Type string

const (
	Item          Type = "Item_Name"
	Brand         Type = "Brand_Name"
	Category      Type = "Category_Name"
	Supplier      Type = "Supplier_Name"
	Holiday       Type = "Holiday"
	Chain         Type = "CHAIN"
	CustomerGroup Type = "CUSTOMER_GROUP"
)

var allTypes = []Type{Item, Brand, Category, Supplier, Holiday, Chain, CustomerGroup}

// ParseType accepts the dataset spelling of an entity type.
func ParseType(s string) (Type, error) {
	for _, t := range allTypes {
		if string(t) == s {
			return t, nil
		}
	}
	return "", fmt.Errorf("unknown entity type %q", s)
}

// Metadata carries the fields every entity type shares plus an open side
// map for type-specific extras (barcode, supplier of an item and so on).
type Metadata struct {
	SourceTable string            `json:"source_table"`
	Column      string            `json:"column"`
	Category    string            `json:"category,omitempty"`
	Members     []string          `json:"members,omitempty"`
	Attrs       map[string]string `json:"attrs,omitempty"`
}

// Validate checks the required fields for an entity of type t.
func (m Metadata) Validate(t Type) error {
	if m.SourceTable == "" || m.Column == "" {
		return fmt.Errorf("%s entity: source table and column are required", t)
	}
	switch t {
	case Brand:
		if m.Category == "" {
			return fmt.Errorf("%s entity: category is required", t)
		}
	case Chain, CustomerGroup:
		if len(m.Members) == 0 {
			return fmt.Errorf("%s entity: members are required", t)
		}
	}
	return nil
}

type Entity struct {
	ID        string    `json:"id"`
	Type      Type      `json:"type"`
	Name      string    `json:"name"`
	Embedding []float32 `json:"-"`
	Meta      Metadata  `json:"metadata"`
}

// clone copies e so it shares no memory with the caller.
func (e Entity) clone() Entity {
	e.Embedding = slices.Clone(e.Embedding)
	e.Meta.Members = slices.Clone(e.Meta.Members)
	e.Meta.Attrs = maps.Clone(e.Meta.Attrs)
	return e
}

// Catalog is built once and never mutated. A rebuild produces a new Catalog.
type Catalog struct {
	entities []Entity
	norms    []float64
	byID     map[string]int
	dim      int
}

// New validates entities and freezes copies of them into a Catalog. All
// embeddings must share one dimensionality.
func New(entities []Entity) (*Catalog, error) {
	c := &Catalog{
		entities: make([]Entity, len(entities)),
		norms:    make([]float64, len(entities)),
		byID:     make(map[string]int, len(entities)),
	}
	for i, e := range entities {
		if e.ID == "" || e.Name == "" {
			return nil, fmt.Errorf("entity %d: id and name are required", i)
		}
		if _, err := ParseType(string(e.Type)); err != nil {
			return nil, fmt.Errorf("entity %s: %w", e.ID, err)
		}
		if err := e.Meta.Validate(e.Type); err != nil {
			return nil, fmt.Errorf("entity %s: %w", e.ID, err)
		}
		if len(e.Embedding) == 0 {
			return nil, fmt.Errorf("entity %s: missing embedding", e.ID)
		}
		if c.dim == 0 {
			c.dim = len(e.Embedding)
		} else if len(e.Embedding) != c.dim {
			return nil, fmt.Errorf("entity %s: embedding has %d dimensions, catalog has %d", e.ID, len(e.Embedding), c.dim)
		}
		if _, dup := c.byID[e.ID]; dup {
			return nil, fmt.Errorf("duplicate entity id %s", e.ID)
		}
		c.entities[i] = e.clone()
		c.norms[i] = norm(e.Embedding)
		c.byID[e.ID] = i
	}
	return c, nil
}

// Empty returns a catalog with no entities.
func Empty() *Catalog {
	c, _ := New(nil)
	return c
}

func (c *Catalog) Len() int { return len(c.entities) }

// Dim is the embedding dimensionality, 0 for an empty catalog.
func (c *Catalog) Dim() int { return c.dim }

func (c *Catalog) Get(id string) (*Entity, bool) {
	i, ok := c.byID[id]
	if !ok {
		return nil, false
	}
	return &c.entities[i], true
}

// All returns references to every entity in build order. Callers must not
// modify them.
func (c *Catalog) All() []*Entity {
	out := make([]*Entity, len(c.entities))
	for i := range c.entities {
		out[i] = &c.entities[i]
	}
	return out
}

// Entities returns a copy of the entity list, for persisting.
func (c *Catalog) Entities() []Entity {
	out := make([]Entity, len(c.entities))
	copy(out, c.entities)
	return out
}

// Stats counts entities per type.
func (c *Catalog) Stats() map[Type]int {
	out := make(map[Type]int)
	for _, e := range c.entities {
		out[e.Type]++
	}
	return out
}

type Scored struct {
	Entity     *Entity
	Similarity float64
}

// Search returns the n entities most similar to query by cosine similarity,
// best first. A query of the wrong dimensionality scores 0 against everything.
func (c *Catalog) Search(query []float32, n int) []Scored {
	if n <= 0 || len(c.entities) == 0 {
		return nil
	}
	qNorm := norm(query)
	if qNorm == 0 {
		return nil
	}

	h := &scoredHeap{}
	for i := range c.entities {
		s := cosine(query, qNorm, c.entities[i].Embedding, c.norms[i])
		item := scoredIdx{idx: i, score: s}
		if h.Len() < n {
			heap.Push(h, item)
		} else if better(item, (*h)[0]) {
			(*h)[0] = item
			heap.Fix(h, 0)
		}
	}

	out := make([]Scored, h.Len())
	for i := len(out) - 1; i >= 0; i-- {
		item := heap.Pop(h).(scoredIdx)
		out[i] = Scored{Entity: &c.entities[item.idx], Similarity: item.score}
	}
	return out
}

func norm(v []float32) float64 {
	var sum float64
	for _, f := range v {
		sum += float64(f) * float64(f)
	}
	return math.Sqrt(sum)
}

func cosine(a []float32, aNorm float64, b []float32, bNorm float64) float64 {
	if len(a) != len(b) || bNorm == 0 {
		return 0
	}
	var dot float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
	}
	return dot / (aNorm * bNorm)
}

type scoredIdx struct {
	idx   int
	score float64
}

// better orders by score, then by build order so results are stable.
func better(a, b scoredIdx) bool {
	if a.score != b.score {
		return a.score > b.score
	}
	return a.idx < b.idx
}

// scoredHeap is a min-heap: the root is the weakest kept candidate.
type scoredHeap []scoredIdx

func (h scoredHeap) Len() int           { return len(h) }
func (h scoredHeap) Less(i, j int) bool { return better(h[j], h[i]) }
func (h scoredHeap) Swap(i, j int)      { h[i], h[j] = h[j], h[i] }
func (h *scoredHeap) Push(x any)        { *h = append(*h, x.(scoredIdx)) }
func (h *scoredHeap) Pop() any {
	old := *h
	n := len(old)
	item := old[n-1]
	*h = old[:n-1]
	return item
}
