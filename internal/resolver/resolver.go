// Package resolver maps free-text names to catalog entities by embedding
// similarity, merging brand rows and choosing between competing brand and
// item readings of the same phrase.
package resolver

import (
	"context"
	"log/slog"
	"math"
	"sort"
	"sync/atomic"

	"go.opentelemetry.io/otel/attribute"

	"github.com/kalambet/tally/internal/catalog"
	"github.com/kalambet/tally/internal/telemetry"
)

const (
	DefaultTopK      = 5
	DefaultThreshold = 0.7
)

// QueryEmbedder vectorizes a single name.
type QueryEmbedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}

type Config struct {
	TopK      int
	Threshold float64
}

// Match is one resolved candidate. For merged brands Entity is the best
// scoring row and Categories lists every merged row's category.
type Match struct {
	SourceQuery string
	Entity      *catalog.Entity
	Similarity  float64
	Categories  []string
}

type Resolution struct {
	Original string
	Matches  []Match
}

type Resolver struct {
	embedder  QueryEmbedder
	catalog   atomic.Pointer[catalog.Catalog]
	topK      int
	threshold float64
	metrics   *telemetry.Metrics
}

// New returns a Resolver over c. A nil catalog behaves as an empty one.
func New(c *catalog.Catalog, emb QueryEmbedder, cfg Config, metrics *telemetry.Metrics) *Resolver {
	if cfg.TopK <= 0 {
		cfg.TopK = DefaultTopK
	}
	if cfg.Threshold <= 0 {
		cfg.Threshold = DefaultThreshold
	}
	r := &Resolver{embedder: emb, topK: cfg.TopK, threshold: cfg.Threshold, metrics: metrics}
	r.SetCatalog(c)
	return r
}

// SetCatalog swaps in a rebuilt catalog. Resolutions already running keep
// the catalog they started with.
func (r *Resolver) SetCatalog(c *catalog.Catalog) {
	if c == nil {
		c = catalog.Empty()
	}
	r.catalog.Store(c)
}

func (r *Resolver) Catalog() *catalog.Catalog {
	return r.catalog.Load()
}

// Resolve resolves each name independently and in order. A name whose
// embedding fails gets an empty match list; the rest of the batch goes on.
func (r *Resolver) Resolve(ctx context.Context, names []string) []Resolution {
	return r.resolveWith(ctx, r.catalog.Load(), names)
}

// resolveWith resolves names against one catalog snapshot.
func (r *Resolver) resolveWith(ctx context.Context, cat *catalog.Catalog, names []string) []Resolution {
	ctx, span := telemetry.Tracer().Start(ctx, "resolver.Resolve")
	defer span.End()
	span.SetAttributes(attribute.Int("resolver.names", len(names)))

	out := make([]Resolution, len(names))
	for i, name := range names {
		out[i] = Resolution{Original: name, Matches: r.resolveOne(ctx, cat, name)}
	}
	return out
}

func (r *Resolver) resolveOne(ctx context.Context, cat *catalog.Catalog, name string) []Match {
	if name == "" || cat.Len() == 0 {
		r.metrics.ObserveResolution("miss")
		return []Match{}
	}
	vec, err := r.embedder.Embed(ctx, name)
	if err != nil {
		slog.Warn("resolver: embedding failed, returning no matches", "name", name, "error", err)
		r.metrics.ObserveResolution("error")
		return []Match{}
	}

	candidates := cat.Search(vec, 2*r.topK)
	kept := make([]catalog.Scored, 0, r.topK)
	for _, c := range candidates {
		if c.Similarity >= r.threshold {
			kept = append(kept, c)
		}
		if len(kept) == r.topK {
			break
		}
	}

	matches := tieBreak(mergeBrands(name, kept))
	sortMatches(matches)
	if len(matches) == 0 {
		r.metrics.ObserveResolution("miss")
	} else {
		r.metrics.ObserveResolution("match")
	}
	return matches
}

func round4(f float64) float64 {
	return math.Round(f*1e4) / 1e4
}

// mergeBrands folds brand rows sharing a name into one match. Candidates
// arrive best first, so the first row seen for a brand is its best.
func mergeBrands(query string, scored []catalog.Scored) []Match {
	matches := make([]Match, 0, len(scored))
	brandAt := map[string]int{}
	for _, s := range scored {
		score := round4(s.Similarity)
		e := s.Entity
		if e.Type != catalog.Brand {
			m := Match{SourceQuery: query, Entity: e, Similarity: score}
			if e.Meta.Category != "" {
				m.Categories = []string{e.Meta.Category}
			}
			matches = append(matches, m)
			continue
		}

		i, ok := brandAt[e.Name]
		if !ok {
			brandAt[e.Name] = len(matches)
			matches = append(matches, Match{SourceQuery: query, Entity: e, Similarity: score,
				Categories: appendUnique(nil, e.Meta.Category)})
			continue
		}
		g := &matches[i]
		if score > g.Similarity {
			g.Similarity = score
		}
		g.Categories = appendUnique(g.Categories, e.Meta.Category)
	}
	return matches
}

func appendUnique(list []string, s string) []string {
	if s == "" {
		return list
	}
	for _, v := range list {
		if v == s {
			return list
		}
	}
	return append(list, s)
}

// tieBreak keeps either the brand or the item matches, whichever has the
// higher best score, plus every match of another type. Brands win ties.
func tieBreak(matches []Match) []Match {
	var bestBrand, bestItem float64 = -1, -1
	for _, m := range matches {
		switch m.Entity.Type {
		case catalog.Brand:
			bestBrand = math.Max(bestBrand, m.Similarity)
		case catalog.Item:
			bestItem = math.Max(bestItem, m.Similarity)
		}
	}
	if bestBrand < 0 || bestItem < 0 {
		return matches
	}
	drop := catalog.Item
	if bestItem > bestBrand {
		drop = catalog.Brand
	}
	kept := matches[:0]
	for _, m := range matches {
		if m.Entity.Type != drop {
			kept = append(kept, m)
		}
	}
	return kept
}

// sortMatches orders by similarity, then name and type so equal scores
// come back in the same order every time.
func sortMatches(matches []Match) {
	sort.SliceStable(matches, func(i, j int) bool {
		a, b := matches[i], matches[j]
		if a.Similarity != b.Similarity {
			return a.Similarity > b.Similarity
		}
		if a.Entity.Name != b.Entity.Name {
			return a.Entity.Name < b.Entity.Name
		}
		return a.Entity.Type < b.Entity.Type
	})
}
