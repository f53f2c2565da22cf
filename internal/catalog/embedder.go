package catalog

import (
	"context"
	"fmt"

	"github.com/kalambet/tally/internal/engine"
	"golang.org/x/sync/errgroup"
)

// Embedder turns entity names into vectors with one embedding model.
type Embedder struct {
	engine engine.Embedder
	model  string
}

func NewEmbedder(e engine.Embedder, model string) *Embedder {
	return &Embedder{engine: e, model: model}
}

func (e *Embedder) Embed(ctx context.Context, text string) ([]float32, error) {
	vec, err := e.engine.Embed(ctx, e.model, text)
	if err != nil {
		return nil, fmt.Errorf("embedding text: %w", err)
	}
	return vec, nil
}

// EmbedBatch embeds texts concurrently, preserving order. Returns nil for
// empty input.
func (e *Embedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}
	results := make([][]float32, len(texts))
	g, gCtx := errgroup.WithContext(ctx)
	g.SetLimit(4)

	for i, text := range texts {
		g.Go(func() error {
			vec, err := e.engine.Embed(gCtx, e.model, text)
			if err != nil {
				return fmt.Errorf("embedding %q: %w", text, err)
			}
			results[i] = vec
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return nil, err
	}
	return results, nil
}
