package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"
	"unicode/utf8"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/kalambet/tally/internal/pipeline"
	"github.com/kalambet/tally/internal/resolver"
	"github.com/kalambet/tally/internal/storage"
	"github.com/kalambet/tally/internal/telemetry"
)

// MCPDeps holds dependencies for the MCP server.
type MCPDeps struct {
	Pipeline Asker
	Sessions *Sessions
	Searcher EntitySearcher
	Store    *storage.Store // optional; without it rate_answer only reaches buffered records
	Version  string
}

// NewMCPServer creates an MCP server with the tally tools and resources registered.
func NewMCPServer(deps MCPDeps) *server.MCPServer {
	version := deps.Version
	if version == "" {
		version = "dev"
	}
	s := server.NewMCPServer(
		"tally",
		version,
		server.WithToolCapabilities(true),
		server.WithResourceCapabilities(false, true),
		server.WithInstructions("tally answers analytical questions about sales datasets and resolves business entity names."),
		server.WithRecovery(),
	)

	s.AddTool(
		mcp.NewTool(resolver.ToolName,
			mcp.WithDescription(resolver.ToolDescription),
			mcp.WithArray("names", mcp.Description("Entity names to look up"), mcp.Required(), mcp.WithStringItems()),
		),
		mcpSearchEntities(deps),
	)

	s.AddTool(
		mcp.NewTool("ask",
			mcp.WithDescription("Answer an analytical question about the datasets. Pass session_id to continue a conversation."),
			mcp.WithString("question", mcp.Description("The question, in any language"), mcp.Required()),
			mcp.WithString("session_id", mcp.Description("Existing session to continue; a new one is created when empty")),
			mcp.WithString("user", mcp.Description("User name recorded with a new session")),
		),
		mcpAsk(deps),
	)

	s.AddTool(
		mcp.NewTool("rate_answer",
			mcp.WithDescription("Rate the most recent answer of a session from 1 to 5."),
			mcp.WithString("session_id", mcp.Description("Session the answer belongs to"), mcp.Required()),
			mcp.WithNumber("rating", mcp.Description("Rating from 1 (bad) to 5 (great)"), mcp.Required()),
		),
		mcpRateAnswer(deps),
	)

	s.AddResource(
		mcp.NewResource(
			"sessions://recent",
			"Recent Invocations",
			mcp.WithResourceDescription("Last 20 agent invocation records across sessions"),
			mcp.WithMIMEType("application/json"),
		),
		mcpResourceRecent(deps),
	)

	return s
}

type askResult struct {
	SessionID    string `json:"session_id"`
	Answer       string `json:"answer"`
	Code         string `json:"code"`
	ExecAttempts int    `json:"exec_attempts"`
}

func mcpSearchEntities(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		names := req.GetStringSlice("names", nil)
		if len(names) == 0 {
			return mcpError("names is required"), nil
		}
		if len(names) > maxResolveNames {
			return mcpError(fmt.Sprintf("at most %d names per call", maxResolveNames)), nil
		}

		b, err := json.Marshal(deps.Searcher.Search(ctx, names))
		if err != nil {
			return mcpError(fmt.Sprintf("failed to marshal results: %v", err)), nil
		}
		return mcpText(string(b)), nil
	}
}

func mcpAsk(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		question, err := req.RequireString("question")
		if err != nil {
			return mcpError("question is required"), nil
		}

		var sess *pipeline.Session
		if id := req.GetString("session_id", ""); id != "" {
			var ok bool
			if sess, ok = deps.Sessions.Get(id); !ok {
				return mcpError(fmt.Sprintf("session %q not found", id)), nil
			}
		} else {
			sess = deps.Sessions.Create(req.GetString("user", "mcp"))
		}

		res, err := deps.Pipeline.TryAsk(ctx, sess, question)
		var failure *pipeline.Failure
		switch {
		case err == nil:
		case errors.As(err, &failure):
			return mcpError(failure.UserMessage()), nil
		case errors.Is(err, pipeline.ErrSessionBusy):
			return mcpError("session is already answering a question"), nil
		default:
			return mcpError(fmt.Sprintf("ask failed: %v", err)), nil
		}

		b, err := json.Marshal(askResult{
			SessionID:    sess.ID,
			Answer:       res.Answer,
			Code:         res.Code,
			ExecAttempts: res.ExecAttempts,
		})
		if err != nil {
			return mcpError(fmt.Sprintf("failed to marshal answer: %v", err)), nil
		}
		return mcpText(string(b)), nil
	}
}

func mcpRateAnswer(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		id, err := req.RequireString("session_id")
		if err != nil {
			return mcpError("session_id is required"), nil
		}
		rating := req.GetInt("rating", 0)
		if rating < 1 || rating > 5 {
			return mcpError("rating must be between 1 and 5"), nil
		}
		sess, ok := deps.Sessions.Get(id)
		if !ok {
			return mcpError(fmt.Sprintf("session %q not found", id)), nil
		}

		var sink telemetry.Sink
		if deps.Store != nil {
			sink = deps.Store
		}
		if err := sess.Rate(ctx, sink, rating); err != nil {
			return mcpError(fmt.Sprintf("failed to rate: %v", err)), nil
		}
		return mcpText(fmt.Sprintf("Rated the last answer of session %s with %d", id, rating)), nil
	}
}

func mcpResourceRecent(deps MCPDeps) server.ResourceHandlerFunc {
	return func(ctx context.Context, req mcp.ReadResourceRequest) ([]mcp.ResourceContents, error) {
		if deps.Store == nil {
			return nil, fmt.Errorf("no telemetry store configured")
		}
		records, err := deps.Store.RecentRecords(ctx, "", 20)
		if err != nil {
			return nil, fmt.Errorf("failed to get recent records: %w", err)
		}

		type recordSummary struct {
			ID        string `json:"id"`
			SessionID string `json:"session_id"`
			Agent     string `json:"agent"`
			Timestamp string `json:"timestamp"`
			Attempts  int    `json:"attempts"`
			Failed    bool   `json:"failed"`
			Question  string `json:"question"`
			Rating    *int   `json:"rating,omitempty"`
		}

		summaries := make([]recordSummary, len(records))
		for i, rec := range records {
			question := rec.Question
			if utf8.RuneCountInString(question) > 200 {
				runes := []rune(question)
				question = string(runes[:200]) + "..."
			}
			summaries[i] = recordSummary{
				ID:        rec.ID,
				SessionID: rec.SessionID,
				Agent:     rec.Agent,
				Timestamp: rec.Timestamp.Format(time.RFC3339),
				Attempts:  rec.Attempts,
				Failed:    rec.Error != nil,
				Question:  question,
				Rating:    rec.Rating,
			}
		}

		b, err := json.Marshal(summaries)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal records: %w", err)
		}

		return []mcp.ResourceContents{
			mcp.TextResourceContents{
				URI:      req.Params.URI,
				MIMEType: "application/json",
				Text:     string(b),
			},
		}, nil
	}
}

func mcpText(text string) *mcp.CallToolResult {
	return &mcp.CallToolResult{
		Content: []mcp.Content{
			mcp.TextContent{Type: "text", Text: text},
		},
	}
}

func mcpError(msg string) *mcp.CallToolResult {
	return &mcp.CallToolResult{
		Content: []mcp.Content{
			mcp.TextContent{Type: "text", Text: msg},
		},
		IsError: true,
	}
}
