package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/mark3labs/mcp-go/server"
	"github.com/spf13/cobra"

	"github.com/kalambet/tally/internal/api"
	"github.com/kalambet/tally/internal/config"
	"github.com/kalambet/tally/internal/ingest"
	"github.com/kalambet/tally/internal/storage"
	"github.com/kalambet/tally/internal/telemetry"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the tally HTTP API (and MCP over stdio when enabled)",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runServer()
	},
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show the status of a running tally server",
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}
		return showStatus(cmd.Context(), client)
	},
}

func runServer() error {
	fmt.Fprintln(os.Stderr, versionString())

	cfg, err := config.Load()
	if err != nil {
		return err
	}
	setupLogging(cfg.Log.Level)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownTracing, err := telemetry.InitTracing(ctx, cfg.Telemetry.OTLPEndpoint, "tally", version)
	if err != nil {
		return err
	}
	defer func() {
		tctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTracing(tctx); err != nil {
			slog.Warn("tracing shutdown failed", "error", err)
		}
	}()

	a, err := newApp(ctx, cfg, allModels(cfg), os.Stderr)
	if err != nil {
		return err
	}
	defer a.Close()

	p, err := a.pipeline(ctx)
	if err != nil {
		return fmt.Errorf("building pipeline: %w", err)
	}

	// Background work: catalog rebuild jobs and periodic telemetry flushes.
	worker := ingest.NewWorker(a.store, a.builder, a.resolver, 500*time.Millisecond)
	go worker.Run(ctx)

	flusher := telemetry.NewFlusher(a.store, cfg.Telemetry.FlushIntervalDuration())
	flusherDone := make(chan struct{})
	go func() {
		flusher.Run(ctx)
		close(flusherDone)
	}()

	if _, err := a.store.CatalogBuiltAt(ctx); errors.Is(err, storage.ErrNotFound) {
		id, err := ingest.EnqueueRebuild(ctx, a.store, "")
		if err != nil {
			return err
		}
		slog.Info("no entity catalog yet, queued initial build", "job_id", id)
	}

	sessions := api.NewSessions(flusher)
	handler := api.NewHandler(api.Deps{
		Pipeline: p,
		Sessions: sessions,
		Searcher: a.tool,
		Catalog:  a.resolver,
		Store:    a.store,
		Gatherer: a.registry,
		Token:    cfg.Server.APIToken,
	})
	if cfg.Server.APIToken == "" {
		slog.Warn("server.api_token is not set; /v1 endpoints are unauthenticated")
	}

	if cfg.Server.MCPEnabled {
		mcpSrv := api.NewMCPServer(api.MCPDeps{
			Pipeline: p,
			Sessions: sessions,
			Searcher: a.tool,
			Store:    a.store,
			Version:  version,
		})
		stdioSrv := server.NewStdioServer(mcpSrv)
		go func() {
			if err := stdioSrv.Listen(ctx, os.Stdin, os.Stdout); err != nil && !errors.Is(err, context.Canceled) {
				slog.Error("MCP stdio server error", "error", err)
			}
		}()
		slog.Info("MCP server started (stdio transport)")
	}

	addr := fmt.Sprintf("127.0.0.1:%d", cfg.Server.Port)
	srv := &http.Server{
		Addr:    addr,
		Handler: handler,
		BaseContext: func(_ net.Listener) context.Context {
			return ctx
		},
	}

	errCh := make(chan error, 1)
	go func() {
		fmt.Fprintf(os.Stderr, "tally listening on %s\n", addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		fmt.Fprintln(os.Stderr, "shutting down...")
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("server error: %w", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	err = srv.Shutdown(shutdownCtx)
	stop()
	<-flusherDone
	return err
}

type catalogStatus struct {
	Entities int            `json:"entities"`
	ByType   map[string]int `json:"by_type"`
	BuiltAt  *time.Time     `json:"built_at"`
}

func showStatus(ctx context.Context, client *apiClient) error {
	resp, err := client.get(ctx, "/health")
	if err != nil {
		printStatus("Server", "stopped")
		return nil
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		printStatus("Server", "error (HTTP %d)", resp.StatusCode)
		return nil
	}
	printStatus("Server", "running at %s", client.baseURL)

	resp, err = client.get(ctx, "/v1/catalog")
	if err != nil {
		return err
	}
	var cat catalogStatus
	if err := decodeJSON(resp, &cat); err != nil {
		return err
	}
	built := "never"
	if cat.BuiltAt != nil {
		built = cat.BuiltAt.Local().Format(time.DateTime)
	}
	printStatus("Catalog", "%d entities (built %s)", cat.Entities, built)
	for _, t := range sortedKeys(cat.ByType) {
		printStatus("  "+t, "%d", cat.ByType[t])
	}

	resp, err = client.get(ctx, "/v1/sessions")
	if err != nil {
		return err
	}
	var sessions []struct {
		ID string `json:"id"`
	}
	if err := decodeJSON(resp, &sessions); err != nil {
		return err
	}
	printStatus("Sessions", "%d open", len(sessions))
	return nil
}
