package catalog

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/kalambet/tally/internal/tables"
)

func brand(id, name string, vec ...float32) Entity {
	return Entity{ID: id, Type: Brand, Name: name, Embedding: vec,
		Meta: Metadata{SourceTable: "sales", Column: "Brand_Name", Category: "Snacks"}}
}

func TestNew_Validation(t *testing.T) {
	tests := []struct {
		name     string
		entities []Entity
	}{
		{"missing id", []Entity{{Type: Brand, Name: "a", Embedding: []float32{1}}}},
		{"unknown type", []Entity{{ID: "1", Type: "Widget", Name: "a", Embedding: []float32{1},
			Meta: Metadata{SourceTable: "t", Column: "c"}}}},
		{"brand without category", []Entity{{ID: "1", Type: Brand, Name: "a", Embedding: []float32{1},
			Meta: Metadata{SourceTable: "t", Column: "c"}}}},
		{"chain without members", []Entity{{ID: "1", Type: Chain, Name: "a", Embedding: []float32{1},
			Meta: Metadata{SourceTable: "t", Column: "c"}}}},
		{"missing embedding", []Entity{brand("1", "a")}},
		{"dimension mismatch", []Entity{brand("1", "a", 1, 0), brand("2", "b", 1)}},
		{"duplicate id", []Entity{brand("1", "a", 1), brand("1", "b", 1)}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := New(tt.entities); err == nil {
				t.Error("expected error")
			}
		})
	}
}

func TestCatalog_Accessors(t *testing.T) {
	c, err := New([]Entity{brand("1", "Acme", 1, 0), brand("2", "Bolt", 0, 1)})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if c.Len() != 2 || c.Dim() != 2 {
		t.Errorf("Len, Dim = %d, %d; want 2, 2", c.Len(), c.Dim())
	}
	if e, ok := c.Get("2"); !ok || e.Name != "Bolt" {
		t.Errorf("Get(2) = %v, %v", e, ok)
	}
	if _, ok := c.Get("3"); ok {
		t.Error("Get(3) found an entity")
	}
	if got := c.Stats()[Brand]; got != 2 {
		t.Errorf("Stats[Brand] = %d, want 2", got)
	}
	if Empty().Len() != 0 {
		t.Error("Empty catalog is not empty")
	}
}

func TestNew_CopiesCallerMemory(t *testing.T) {
	vec := []float32{1, 0}
	members := []string{"North"}
	attrs := map[string]string{"barcode": "123"}
	c, err := New([]Entity{
		{ID: "1", Type: Chain, Name: "Big Chain", Embedding: vec,
			Meta: Metadata{SourceTable: "sales", Column: "CHAIN", Members: members, Attrs: attrs}},
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	vec[0], vec[1] = 0, 1
	members[0] = "South"
	attrs["barcode"] = "999"

	e, ok := c.Get("1")
	if !ok {
		t.Fatal("entity 1 not found")
	}
	if e.Embedding[0] != 1 || e.Meta.Members[0] != "North" || e.Meta.Attrs["barcode"] != "123" {
		t.Errorf("entity changed with caller buffers: %+v", *e)
	}
	if got := c.Search([]float32{1, 0}, 1); len(got) != 1 || got[0].Similarity != 1 {
		t.Errorf("Search = %+v, want similarity 1", got)
	}
}

func TestCatalog_Search(t *testing.T) {
	c, err := New([]Entity{
		brand("1", "far", 0, 1),
		brand("2", "exact", 1, 0),
		brand("3", "near", 0.9, 0.1),
		brand("4", "exact twin", 1, 0),
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	got := c.Search([]float32{1, 0}, 3)
	if len(got) != 3 {
		t.Fatalf("got %d results, want 3", len(got))
	}
	want := []string{"exact", "exact twin", "near"}
	for i, w := range want {
		if got[i].Entity.Name != w {
			t.Errorf("result %d = %s, want %s", i, got[i].Entity.Name, w)
		}
	}
	if got[0].Similarity < 0.9999 {
		t.Errorf("exact similarity = %v, want 1", got[0].Similarity)
	}
	for i := 1; i < len(got); i++ {
		if got[i].Similarity > got[i-1].Similarity {
			t.Errorf("results not sorted: %v", got)
		}
	}

	if r := c.Search([]float32{1, 0, 0}, 2); len(r) != 2 || r[0].Similarity != 0 {
		t.Errorf("wrong-dimension query = %v, want zero scores", r)
	}
	if r := c.Search([]float32{0, 0}, 2); r != nil {
		t.Errorf("zero query = %v, want nil", r)
	}
	if r := Empty().Search([]float32{1}, 5); r != nil {
		t.Errorf("empty catalog search = %v, want nil", r)
	}
}

type mockEmbedder struct {
	mu      sync.Mutex
	vectors map[string][]float32
	fail    map[string]bool
	calls   int
}

func (m *mockEmbedder) Embed(_ context.Context, _ string, text string) ([]float32, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls++
	if m.fail[text] {
		return nil, errors.New("embedding unavailable")
	}
	if v, ok := m.vectors[text]; ok {
		return v, nil
	}
	return []float32{1, 1}, nil
}

func TestEmbedBatch_PreservesOrder(t *testing.T) {
	m := &mockEmbedder{vectors: map[string][]float32{"a": {1, 0}, "b": {0, 1}}}
	vecs, err := NewEmbedder(m, "embed").EmbedBatch(context.Background(), []string{"a", "b", "c"})
	if err != nil {
		t.Fatalf("EmbedBatch: %v", err)
	}
	if vecs[0][0] != 1 || vecs[1][1] != 1 || vecs[2][0] != 1 {
		t.Errorf("vectors = %v", vecs)
	}
	if out, err := NewEmbedder(m, "embed").EmbedBatch(context.Background(), nil); out != nil || err != nil {
		t.Errorf("empty batch = %v, %v", out, err)
	}
}

func TestEmbedBatch_Error(t *testing.T) {
	m := &mockEmbedder{fail: map[string]bool{"b": true}}
	if _, err := NewEmbedder(m, "embed").EmbedBatch(context.Background(), []string{"a", "b"}); err == nil {
		t.Error("expected error")
	}
}

func testScope() tables.Scope {
	return tables.Scope{
		"sales": {Name: "sales", Rows: []map[string]any{
			{"Brand_Name": "Acme", "Category_Name": "Snacks", "Item_Name": "Acme Chips", "Barcode": "729001", "CHAIN": "Shufersal", "Store": "S1"},
			{"Brand_Name": "Acme", "Category_Name": "Drinks", "Item_Name": "Acme Cola", "Barcode": "729002", "CHAIN": "Shufersal", "Store": "S2"},
			{"Brand_Name": "Acme", "Category_Name": "Snacks", "Item_Name": "Acme Chips", "Barcode": "729001", "CHAIN": "Rami Levy", "Store": "R1"},
			{"Brand_Name": "", "Category_Name": "Snacks", "Item_Name": "Loose", "Barcode": "1", "CHAIN": "Shufersal", "Store": "S1"},
		}},
	}
}

func testSources() []tables.EntitySource {
	return []tables.EntitySource{
		{Type: "Brand_Name", Table: "sales", Column: "Brand_Name", CategoryColumn: "Category_Name"},
		{Type: "Item_Name", Table: "sales", Column: "Item_Name", CategoryColumn: "Category_Name", Attrs: map[string]string{"Barcode": "Barcode"}},
		{Type: "CHAIN", Table: "sales", Column: "CHAIN", MemberColumn: "Store"},
	}
}

func TestDerive(t *testing.T) {
	entities, err := Derive(testScope(), testSources())
	if err != nil {
		t.Fatalf("Derive: %v", err)
	}

	counts := map[Type]int{}
	byName := map[string]Entity{}
	for _, e := range entities {
		counts[e.Type]++
		byName[string(e.Type)+"/"+e.Name+"/"+e.Meta.Category] = e
	}
	// Acme spans two categories, the empty brand is skipped.
	if counts[Brand] != 2 || counts[Item] != 3 || counts[Chain] != 2 {
		t.Errorf("counts = %v", counts)
	}

	chips := byName["Item_Name/Acme Chips/Snacks"]
	if chips.Meta.Attrs["Barcode"] != "729001" {
		t.Errorf("Acme Chips attrs = %v", chips.Meta.Attrs)
	}
	shufersal := byName["CHAIN/Shufersal/"]
	if len(shufersal.Meta.Members) != 2 || shufersal.Meta.Members[0] != "S1" || shufersal.Meta.Members[1] != "S2" {
		t.Errorf("Shufersal members = %v", shufersal.Meta.Members)
	}

	again, _ := Derive(testScope(), testSources())
	for i := range entities {
		if entities[i].ID != again[i].ID {
			t.Fatalf("entity IDs are not stable: %s vs %s", entities[i].ID, again[i].ID)
		}
	}
}

func TestDerive_Errors(t *testing.T) {
	tests := []struct {
		name string
		src  tables.EntitySource
	}{
		{"unknown type", tables.EntitySource{Type: "Widget", Table: "sales", Column: "Item_Name"}},
		{"unknown table", tables.EntitySource{Type: "Item_Name", Table: "nope", Column: "Item_Name"}},
		{"brand without category", tables.EntitySource{Type: "Brand_Name", Table: "sales", Column: "Brand_Name"}},
		{"chain without members", tables.EntitySource{Type: "CHAIN", Table: "sales", Column: "CHAIN"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := Derive(testScope(), []tables.EntitySource{tt.src}); err == nil {
				t.Error("expected error")
			}
		})
	}
}

func TestBuild(t *testing.T) {
	m := &mockEmbedder{vectors: map[string][]float32{"Acme": {1, 0}}}
	c, err := Build(context.Background(), testScope(), testSources(), NewEmbedder(m, "embed"))
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	if c.Len() != 7 {
		t.Errorf("Len = %d, want 7", c.Len())
	}
	if m.calls != 7 {
		t.Errorf("embed calls = %d, want 7", m.calls)
	}
	top := c.Search([]float32{1, 0}, 1)
	if len(top) != 1 || top[0].Entity.Name != "Acme" {
		t.Errorf("top match = %v", top)
	}
}
