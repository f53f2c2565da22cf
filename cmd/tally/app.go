package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/kalambet/tally/internal/catalog"
	"github.com/kalambet/tally/internal/config"
	"github.com/kalambet/tally/internal/engine"
	"github.com/kalambet/tally/internal/ingest"
	"github.com/kalambet/tally/internal/interp"
	"github.com/kalambet/tally/internal/pipeline"
	"github.com/kalambet/tally/internal/resolver"
	"github.com/kalambet/tally/internal/storage"
	"github.com/kalambet/tally/internal/tables"
	"github.com/kalambet/tally/internal/telemetry"
)

// app holds the collaborators shared by serve and the local commands.
type app struct {
	cfg      config.Config
	store    *storage.Store
	engine   *engine.Guarded
	registry *prometheus.Registry
	metrics  *telemetry.Metrics
	resolver *resolver.Resolver
	tool     *resolver.Tool
	builder  *ingest.ManifestBuilder
}

// newApp connects to the inference backend, makes sure the given models are
// available, opens storage and restores the persisted catalog.
func newApp(ctx context.Context, cfg config.Config, models []string, progress io.Writer) (*app, error) {
	backend, err := engine.Detect(engine.DetectConfig{
		Provider: cfg.LLM.Provider,
		BaseURL:  cfg.LLM.BaseURL,
		APIKey:   cfg.LLM.APIKey,
	})
	if err != nil {
		return nil, fmt.Errorf("detecting inference engine: %w", err)
	}
	guarded := engine.NewGuarded(backend, engine.GuardConfig{
		Name:        cfg.LLM.Provider,
		RPS:         cfg.LLM.RateLimitRPS,
		Burst:       1,
		MaxFailures: uint32(cfg.LLM.BreakerFailures),
		OpenFor:     30 * time.Second,
	})
	if err := engine.EnsureReady(ctx, guarded, models, progress); err != nil {
		return nil, err
	}

	store, err := storage.Open(cfg.Storage.DataDir)
	if err != nil {
		return nil, fmt.Errorf("opening storage: %w", err)
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	metrics := telemetry.NewMetrics(reg)

	cat, err := store.LoadCatalog(ctx)
	if err != nil {
		store.Close()
		return nil, err
	}

	emb := catalog.NewEmbedder(guarded, cfg.LLM.EmbedModel)
	res := resolver.New(cat, emb, resolver.Config{TopK: cfg.Resolver.TopK, Threshold: cfg.Resolver.Threshold}, metrics)

	return &app{
		cfg:      cfg,
		store:    store,
		engine:   guarded,
		registry: reg,
		metrics:  metrics,
		resolver: res,
		tool:     resolver.NewTool(res),
		builder:  &ingest.ManifestBuilder{Embedder: emb, DefaultManifest: cfg.Datasets.Manifest},
	}, nil
}

func (a *app) Close() {
	if err := a.store.Close(); err != nil {
		printWarning("closing storage: %v", err)
	}
}

// pipeline loads the datasets and builds the question pipeline over them.
func (a *app) pipeline(ctx context.Context) (*pipeline.Pipeline, error) {
	m, err := tables.LoadManifest(a.cfg.Datasets.Manifest)
	if err != nil {
		return nil, err
	}
	scope, err := tables.LoadAll(ctx, m)
	if err != nil {
		return nil, err
	}
	if a.resolver.Catalog().Len() == 0 {
		slog.Warn("entity catalog is empty; run 'tally catalog build' for entity resolution")
	}

	exec := interp.New(interp.Config{Timeout: a.cfg.Pipeline.ExecTimeoutDuration()})
	return pipeline.New(pipeline.Config{
		FastModel:    a.cfg.LLM.FastModel,
		DeepModel:    a.cfg.LLM.DeepModel,
		MaxAttempts:  a.cfg.LLM.MaxAttempts,
		Backoff:      a.cfg.LLM.BackoffDuration(),
		ScaleBackoff: true,
		RepairCap:    a.cfg.Pipeline.RepairCap,
		MaxRows:      a.cfg.Pipeline.MaxRows,
	}, pipeline.Deps{
		Chat:     a.engine,
		Searcher: a.tool,
		Executor: exec,
		Scope:    scope,
		Sink:     a.store,
		Metrics:  a.metrics,
	}), nil
}

func allModels(cfg config.Config) []string {
	return []string{cfg.LLM.FastModel, cfg.LLM.DeepModel, cfg.LLM.EmbedModel}
}

func embedModels(cfg config.Config) []string {
	return []string{cfg.LLM.EmbedModel}
}
