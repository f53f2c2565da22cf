package main

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/kalambet/tally/internal/config"
	"github.com/kalambet/tally/internal/ingest"
	"github.com/kalambet/tally/internal/pipeline"
	"github.com/kalambet/tally/internal/storage"
	"github.com/kalambet/tally/internal/telemetry"
)

// --- ask ---

var askCmd = &cobra.Command{
	Use:   "ask [question]",
	Short: "Answer a question locally; without arguments starts an interactive session",
	Long: `Answer a question against the local datasets.

Examples:
  tally ask "Which chain sold the most Cola last month?"
  tally ask            # interactive; follow-up questions share memory`,
	RunE: func(cmd *cobra.Command, args []string) error {
		user, _ := cmd.Flags().GetString("user")
		showCode, _ := cmd.Flags().GetBool("show-code")

		cfg, err := config.Load()
		if err != nil {
			return err
		}
		setupLogging(cfg.Log.Level)

		ctx := cmd.Context()
		a, err := newApp(ctx, cfg, allModels(cfg), os.Stderr)
		if err != nil {
			return err
		}
		defer a.Close()

		p, err := a.pipeline(ctx)
		if err != nil {
			return err
		}
		sess := pipeline.NewSession(user)

		if len(args) > 0 {
			return askOnce(ctx, p, sess, strings.Join(args, " "), showCode, os.Stdout)
		}
		return askLoop(ctx, p, sess, a.store, showCode, os.Stdin, os.Stdout)
	},
}

func init() {
	askCmd.Flags().String("user", currentUser(), "user name recorded in telemetry")
	askCmd.Flags().Bool("show-code", false, "print the generated script")
}

func currentUser() string {
	if u := os.Getenv("USER"); u != "" {
		return u
	}
	return "local"
}

// questionAsker is the part of *pipeline.Pipeline the ask command needs.
type questionAsker interface {
	Ask(ctx context.Context, s *pipeline.Session, question string) (*pipeline.Result, error)
}

func askOnce(ctx context.Context, p questionAsker, sess *pipeline.Session, question string, showCode bool, w io.Writer) error {
	res, err := p.Ask(ctx, sess, question)
	var failure *pipeline.Failure
	if errors.As(err, &failure) {
		printError("%s", failure.UserMessage())
		return nil
	}
	if err != nil {
		return err
	}
	if showCode {
		fmt.Fprintln(w, colorize(colorCyan, res.Code))
		fmt.Fprintln(w)
	}
	fmt.Fprintln(w, res.Answer)
	if res.ExecAttempts > 1 {
		printStep("needed %d execution attempts", res.ExecAttempts)
	}
	return nil
}

// askLoop reads one question per line until EOF or "exit". Lines starting
// with "/rate " rate the previous answer.
func askLoop(ctx context.Context, p questionAsker, sess *pipeline.Session, sink telemetry.Sink, showCode bool, r io.Reader, w io.Writer) error {
	sc := bufio.NewScanner(r)
	fmt.Fprint(w, "? ")
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		switch {
		case line == "":
		case line == "exit" || line == "quit":
			return nil
		case strings.HasPrefix(line, "/rate "):
			var rating int
			if _, err := fmt.Sscanf(strings.TrimPrefix(line, "/rate "), "%d", &rating); err != nil || rating < 1 || rating > 5 {
				printWarning("usage: /rate <1-5>")
			} else if err := sess.Rate(ctx, sink, rating); err != nil {
				printWarning("could not rate: %v", err)
			} else {
				printSuccess("rated %d", rating)
			}
		default:
			if err := askOnce(ctx, p, sess, line, showCode, w); err != nil {
				printError("%v", err)
			}
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		fmt.Fprint(w, "? ")
	}
	return sc.Err()
}

// --- resolve ---

var resolveCmd = &cobra.Command{
	Use:   "resolve <name>...",
	Short: "Resolve entity names against the catalog",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		asJSON, _ := cmd.Flags().GetBool("json")

		cfg, err := config.Load()
		if err != nil {
			return err
		}
		setupLogging(cfg.Log.Level)

		ctx := cmd.Context()
		a, err := newApp(ctx, cfg, embedModels(cfg), io.Discard)
		if err != nil {
			return err
		}
		defer a.Close()

		if a.resolver.Catalog().Len() == 0 {
			printWarning("the entity catalog is empty; run 'tally catalog build' first")
		}
		results := a.tool.Search(ctx, args)
		if asJSON {
			enc := json.NewEncoder(os.Stdout)
			enc.SetIndent("", "  ")
			return enc.Encode(results)
		}
		writeResolutions(os.Stdout, results)
		return nil
	},
}

func init() {
	resolveCmd.Flags().Bool("json", false, "print the search_entities tool output as JSON")
}

// --- catalog ---

var catalogCmd = &cobra.Command{
	Use:   "catalog",
	Short: "Build or inspect the entity catalog",
}

var catalogBuildCmd = &cobra.Command{
	Use:   "build",
	Short: "Rebuild the entity catalog from the datasets (locally)",
	RunE: func(cmd *cobra.Command, args []string) error {
		manifest, _ := cmd.Flags().GetString("manifest")

		cfg, err := config.Load()
		if err != nil {
			return err
		}
		setupLogging(cfg.Log.Level)

		ctx := cmd.Context()
		a, err := newApp(ctx, cfg, embedModels(cfg), os.Stderr)
		if err != nil {
			return err
		}
		defer a.Close()

		printStep("Embedding catalog entities...")
		start := time.Now()
		c, err := ingest.Rebuild(ctx, a.builder, a.store, a.resolver, manifest)
		if err != nil {
			return err
		}
		printSuccess("Catalog built: %d entities in %s", c.Len(), time.Since(start).Round(time.Millisecond))
		return nil
	},
}

var catalogRebuildCmd = &cobra.Command{
	Use:   "rebuild",
	Short: "Ask a running server to rebuild its catalog in the background",
	RunE: func(cmd *cobra.Command, args []string) error {
		manifest, _ := cmd.Flags().GetString("manifest")

		client, err := newAPIClient()
		if err != nil {
			return err
		}
		resp, err := client.post(cmd.Context(), "/v1/catalog/rebuild", map[string]string{"manifest": manifest})
		if err != nil {
			return err
		}
		var result map[string]string
		if err := decodeJSON(resp, &result); err != nil {
			return err
		}
		printSuccess("Queued catalog rebuild job %s", result["job_id"])
		return nil
	},
}

var catalogStatsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show entity counts of the persisted catalog",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load()
		if err != nil {
			return err
		}
		store, err := storage.Open(cfg.Storage.DataDir)
		if err != nil {
			return err
		}
		defer store.Close()

		ctx := cmd.Context()
		builtAt, err := store.CatalogBuiltAt(ctx)
		if errors.Is(err, storage.ErrNotFound) {
			printWarning("the entity catalog has not been built yet")
			return nil
		}
		if err != nil {
			return err
		}
		c, err := store.LoadCatalog(ctx)
		if err != nil {
			return err
		}

		printStatus("Built", "%s", builtAt.Local().Format(time.DateTime))
		printStatus("Entities", "%d (dim %d)", c.Len(), c.Dim())
		stats := c.Stats()
		byType := make(map[string]int, len(stats))
		for t, n := range stats {
			byType[string(t)] = n
		}
		for _, t := range sortedKeys(byType) {
			printStatus("  "+t, "%d", byType[t])
		}
		return nil
	},
}

func init() {
	catalogBuildCmd.Flags().String("manifest", "", "dataset manifest (default: datasets.manifest)")
	catalogRebuildCmd.Flags().String("manifest", "", "dataset manifest on the server (default: its datasets.manifest)")
	catalogCmd.AddCommand(catalogBuildCmd)
	catalogCmd.AddCommand(catalogRebuildCmd)
	catalogCmd.AddCommand(catalogStatsCmd)
}

// --- logs ---

var logsCmd = &cobra.Command{
	Use:   "logs",
	Short: "Inspect agent invocation records",
}

var logsRecentCmd = &cobra.Command{
	Use:   "recent",
	Short: "List the most recent agent invocation records",
	RunE: func(cmd *cobra.Command, args []string) error {
		limit, _ := cmd.Flags().GetInt("limit")
		session, _ := cmd.Flags().GetString("session")
		asJSON, _ := cmd.Flags().GetBool("json")

		cfg, err := config.Load()
		if err != nil {
			return err
		}
		store, err := storage.Open(cfg.Storage.DataDir)
		if err != nil {
			return err
		}
		defer store.Close()

		records, err := store.RecentRecords(cmd.Context(), session, limit)
		if err != nil {
			return err
		}
		if asJSON {
			enc := json.NewEncoder(os.Stdout)
			for _, r := range records {
				if err := enc.Encode(r); err != nil {
					return err
				}
			}
			return nil
		}
		if len(records) == 0 {
			fmt.Println("No records found.")
			return nil
		}
		writeRecords(os.Stdout, records)
		return nil
	},
}

func init() {
	logsRecentCmd.Flags().Int("limit", 20, "maximum number of records")
	logsRecentCmd.Flags().String("session", "", "only records of this session")
	logsRecentCmd.Flags().Bool("json", false, "print records as JSON lines")
	logsCmd.AddCommand(logsRecentCmd)
}

// --- config ---

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Show or update configuration",
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show current configuration",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load()
		if err != nil {
			return err
		}

		keys := config.ShowAll(cfg)
		for _, k := range keys {
			fmt.Printf("  %s = %s\n", colorize(colorBold, k.Key), k.Value)
		}
		return nil
	},
}

var configSetCmd = &cobra.Command{
	Use:   "set <key> <value>",
	Short: "Set a configuration value",
	Long:  "Set a configuration value. Valid keys: " + strings.Join(config.ValidKeys(), ", "),
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		key, value := args[0], args[1]

		if err := config.SetKey(key, value); err != nil {
			return err
		}

		printSuccess("Set %s = %s", key, value)
		return nil
	},
}

func init() {
	configCmd.AddCommand(configShowCmd)
	configCmd.AddCommand(configSetCmd)
}
