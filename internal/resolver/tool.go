package resolver

import (
	"context"
	"encoding/json"
	"fmt"
)

const (
	ToolName        = "search_entities"
	ToolDescription = "Accepts a list of entity names exactly as the user wrote them. " +
		"For each name returns up to 5 catalog entities ranked by semantic similarity."
)

// ToolInput is the argument object of the search_entities tool.
type ToolInput struct {
	Names []string `json:"names"`
}

type ToolMatch struct {
	MatchedName string         `json:"matched_name"`
	Type        string         `json:"type"`
	Score       float64        `json:"score"`
	Metadata    map[string]any `json:"metadata"`
}

type ToolResult struct {
	Original string      `json:"original"`
	Matches  []ToolMatch `json:"matches"`
	TypeHint *TypeHint   `json:"type_hint,omitempty"`
}

// Tool exposes a Resolver as a JSON-in, JSON-out callable.
type Tool struct {
	r *Resolver
}

func NewTool(r *Resolver) *Tool {
	return &Tool{r: r}
}

// Call decodes ToolInput from args and returns the encoded []ToolResult.
func (t *Tool) Call(ctx context.Context, args json.RawMessage) (json.RawMessage, error) {
	var in ToolInput
	if err := json.Unmarshal(args, &in); err != nil {
		return nil, fmt.Errorf("%s: invalid arguments: %w", ToolName, err)
	}
	if len(in.Names) == 0 {
		return nil, fmt.Errorf("%s: names must not be empty", ToolName)
	}
	return json.Marshal(t.Search(ctx, in.Names))
}

// Search resolves names and shapes the result for tool callers. Names
// without matches carry a lexical type hint when one is found; hints and
// matches come from the same catalog even across a rebuild.
func (t *Tool) Search(ctx context.Context, names []string) []ToolResult {
	cat := t.r.Catalog()
	resolutions := t.r.resolveWith(ctx, cat, names)
	out := make([]ToolResult, len(resolutions))
	for i, res := range resolutions {
		tr := ToolResult{Original: res.Original, Matches: make([]ToolMatch, len(res.Matches))}
		for j, m := range res.Matches {
			tr.Matches[j] = toToolMatch(m)
		}
		if len(res.Matches) == 0 {
			if hint := IdentifyType(cat, res.Original); hint.Type != unknownType {
				tr.TypeHint = &hint
			}
		}
		out[i] = tr
	}
	return out
}

func toToolMatch(m Match) ToolMatch {
	e := m.Entity
	meta := map[string]any{
		"source_table": e.Meta.SourceTable,
		"column":       e.Meta.Column,
	}
	if len(m.Categories) > 0 {
		meta["categories"] = m.Categories
	}
	if len(e.Meta.Members) > 0 {
		meta["members"] = e.Meta.Members
	}
	for k, v := range e.Meta.Attrs {
		if _, taken := meta[k]; !taken {
			meta[k] = v
		}
	}
	return ToolMatch{MatchedName: e.Name, Type: string(e.Type), Score: m.Similarity, Metadata: meta}
}
