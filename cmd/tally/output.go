package main

import (
	"fmt"
	"io"
	"os"
	"sort"
	"strings"
	"text/tabwriter"

	"github.com/kalambet/tally/internal/resolver"
	"github.com/kalambet/tally/internal/telemetry"
)

const (
	colorReset  = "\033[0m"
	colorRed    = "\033[31m"
	colorGreen  = "\033[32m"
	colorYellow = "\033[33m"
	colorCyan   = "\033[36m"
	colorBold   = "\033[1m"
)

func colorize(color, text string) string {
	if noColor {
		return text
	}
	return color + text + colorReset
}

func printSuccess(format string, args ...any) {
	msg := fmt.Sprintf(format, args...)
	fmt.Fprintln(os.Stderr, colorize(colorGreen, "✓ "+msg))
}

func printError(format string, args ...any) {
	msg := fmt.Sprintf(format, args...)
	fmt.Fprintln(os.Stderr, colorize(colorRed, "✗ "+msg))
}

func printWarning(format string, args ...any) {
	msg := fmt.Sprintf(format, args...)
	fmt.Fprintln(os.Stderr, colorize(colorYellow, "⚠ "+msg))
}

func printStatus(label string, format string, args ...any) {
	val := fmt.Sprintf(format, args...)
	l := colorize(colorBold, label+":")
	fmt.Fprintf(os.Stderr, "  %s %s\n", l, val)
}

func printStep(format string, args ...any) {
	msg := fmt.Sprintf(format, args...)
	fmt.Fprintln(os.Stderr, colorize(colorCyan, "→ "+msg))
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// writeResolutions prints one block per searched name with its matches.
func writeResolutions(w io.Writer, results []resolver.ToolResult) {
	for i, r := range results {
		if i > 0 {
			fmt.Fprintln(w)
		}
		fmt.Fprintln(w, colorize(colorBold, r.Original))
		if len(r.Matches) == 0 {
			line := "  no matches"
			if r.TypeHint != nil && r.TypeHint.Type != "" {
				line += fmt.Sprintf(" (looks like %s)", r.TypeHint.Type)
			}
			fmt.Fprintln(w, line)
			continue
		}
		tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
		for _, m := range r.Matches {
			fmt.Fprintf(tw, "  %.4f\t%s\t%s\n", m.Score, m.Type, m.MatchedName)
		}
		tw.Flush()
	}
}

// writeRecords prints telemetry records newest first, one per line.
func writeRecords(w io.Writer, records []telemetry.Record) {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "TIME\tSESSION\tAGENT\tATTEMPTS\tCALLS\tEXEC\tRATING\tSTATUS\tQUESTION")
	for _, r := range records {
		exec := "-"
		if r.ExecAttempt != nil {
			exec = fmt.Sprintf("%d", *r.ExecAttempt)
			if r.WasRetry {
				exec += "!"
			}
		}
		rating := "-"
		if r.Rating != nil {
			rating = fmt.Sprintf("%d", *r.Rating)
		}
		status := "ok"
		if r.Error != nil {
			status = "error"
		}
		session := r.SessionID
		if len(session) > 8 {
			session = session[:8]
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%d\t%d\t%s\t%s\t%s\t%s\n",
			r.Timestamp.Local().Format("2006-01-02 15:04:05"), session, r.Agent,
			r.Attempts, r.Calls, exec, rating, status, truncate(r.Question, 60))
	}
	tw.Flush()
}

func truncate(s string, n int) string {
	s = strings.ReplaceAll(s, "\n", " ")
	runes := []rune(s)
	if len(runes) <= n {
		return s
	}
	return string(runes[:n]) + "..."
}
