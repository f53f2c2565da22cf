// Package ingest rebuilds the entity catalog from the datasets, either
// synchronously or as a background job.
package ingest

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/kalambet/tally/internal/catalog"
	"github.com/kalambet/tally/internal/storage"
	"github.com/kalambet/tally/internal/tables"
)

// JobStore abstracts the job queue and catalog persistence.
type JobStore interface {
	EnqueueJob(ctx context.Context, job storage.Job) error
	ClaimNextJob(ctx context.Context, types []string) (*storage.Job, error)
	CompleteJob(ctx context.Context, id string) error
	FailJob(ctx context.Context, id string, errMsg string) error
	ReplaceCatalog(ctx context.Context, entities []catalog.Entity) error
}

// Builder produces a fresh catalog from a dataset manifest.
type Builder interface {
	Build(ctx context.Context, manifestPath string) (*catalog.Catalog, error)
}

// CatalogSetter receives rebuilt catalogs. *resolver.Resolver implements it.
type CatalogSetter interface {
	SetCatalog(c *catalog.Catalog)
}

// ManifestBuilder loads the tables a manifest names and builds the catalog
// from its entity sources.
type ManifestBuilder struct {
	Embedder        *catalog.Embedder
	DefaultManifest string
}

func (b *ManifestBuilder) Build(ctx context.Context, manifestPath string) (*catalog.Catalog, error) {
	if manifestPath == "" {
		manifestPath = b.DefaultManifest
	}
	m, err := tables.LoadManifest(manifestPath)
	if err != nil {
		return nil, err
	}
	scope, err := tables.LoadAll(ctx, m)
	if err != nil {
		return nil, err
	}
	return catalog.Build(ctx, scope, m.Entities, b.Embedder)
}

// Rebuild builds a catalog, persists it and hands it to target.
func Rebuild(ctx context.Context, b Builder, store JobStore, target CatalogSetter, manifestPath string) (*catalog.Catalog, error) {
	c, err := b.Build(ctx, manifestPath)
	if err != nil {
		return nil, fmt.Errorf("building catalog: %w", err)
	}
	if err := store.ReplaceCatalog(ctx, c.Entities()); err != nil {
		return nil, fmt.Errorf("persisting catalog: %w", err)
	}
	if target != nil {
		target.SetCatalog(c)
	}
	return c, nil
}

type rebuildPayload struct {
	Manifest string `json:"manifest,omitempty"`
}

// EnqueueRebuild queues a catalog_rebuild job and returns its ID. An empty
// manifest path means the builder's default.
func EnqueueRebuild(ctx context.Context, store JobStore, manifestPath string) (string, error) {
	payload, err := json.Marshal(rebuildPayload{Manifest: manifestPath})
	if err != nil {
		return "", err
	}
	id := uuid.NewString()
	if err := store.EnqueueJob(ctx, storage.Job{ID: id, Type: storage.JobCatalogRebuild, PayloadJSON: string(payload)}); err != nil {
		return "", fmt.Errorf("enqueueing catalog rebuild: %w", err)
	}
	return id, nil
}

// Worker processes catalog_rebuild jobs from the SQLite job queue.
type Worker struct {
	store   JobStore
	builder Builder
	target  CatalogSetter
	poll    time.Duration
	logger  *slog.Logger
}

// NewWorker creates a Worker. If pollInterval is <= 0, it defaults to 500ms.
func NewWorker(store JobStore, builder Builder, target CatalogSetter, pollInterval time.Duration) *Worker {
	if pollInterval <= 0 {
		pollInterval = 500 * time.Millisecond
	}
	return &Worker{
		store:   store,
		builder: builder,
		target:  target,
		poll:    pollInterval,
		logger:  slog.Default(),
	}
}

// Run polls for jobs until ctx is cancelled.
func (w *Worker) Run(ctx context.Context) {
	for {
		if ctx.Err() != nil {
			return
		}

		done, err := w.RunOnce(ctx)
		if err != nil {
			w.logger.Error("worker iteration failed", "error", err)
		}
		if done {
			continue
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(w.poll):
		}
	}
}

// RunOnce claims and processes a single job. Returns true if a job was
// processed, whether or not it succeeded.
func (w *Worker) RunOnce(ctx context.Context) (bool, error) {
	job, err := w.store.ClaimNextJob(ctx, []string{storage.JobCatalogRebuild})
	if err != nil {
		return false, fmt.Errorf("claiming job: %w", err)
	}
	if job == nil {
		return false, nil
	}

	if err := w.processJob(ctx, job); err != nil {
		w.logger.Warn("job failed", "job_id", job.ID, "attempt", job.Attempts+1, "error", err)
		if failErr := w.store.FailJob(ctx, job.ID, err.Error()); failErr != nil {
			w.logger.Error("failed to mark job as failed", "job_id", job.ID, "error", failErr)
		}
		return true, nil
	}

	if err := w.store.CompleteJob(ctx, job.ID); err != nil {
		return true, fmt.Errorf("completing job %s: %w", job.ID, err)
	}
	return true, nil
}

func (w *Worker) processJob(ctx context.Context, job *storage.Job) error {
	var payload rebuildPayload
	if job.PayloadJSON != "" {
		if err := json.Unmarshal([]byte(job.PayloadJSON), &payload); err != nil {
			return fmt.Errorf("parsing payload: %w", err)
		}
	}
	c, err := Rebuild(ctx, w.builder, w.store, w.target, payload.Manifest)
	if err != nil {
		return err
	}
	w.logger.Info("catalog rebuilt", "job_id", job.ID, "entities", c.Len())
	return nil
}
