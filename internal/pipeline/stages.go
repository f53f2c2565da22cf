package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"regexp"
	"strings"

	"github.com/kalambet/tally/internal/agent"
	"github.com/kalambet/tally/internal/engine"
	"github.com/kalambet/tally/internal/resolver"
)

// EntitySearcher resolves candidate names. *resolver.Tool implements it.
type EntitySearcher interface {
	Search(ctx context.Context, names []string) []resolver.ToolResult
}

// EntityContext is the output of the extract stage.
type EntityContext struct {
	ExtractedNames []string              `json:"extracted_names"`
	Entities       []resolver.ToolResult `json:"entity_candidates"`
}

func (c EntityContext) String() string {
	b, _ := json.MarshalIndent(c, "", "  ")
	return string(b)
}

type Extractor struct {
	client   engine.Chatter
	model    string
	searcher EntitySearcher
}

func NewExtractor(client engine.Chatter, model string, searcher EntitySearcher) *Extractor {
	return &Extractor{client: client, model: model, searcher: searcher}
}

// Extract asks the model for the names a question mentions and resolves
// them. Unparseable model output degrades to an empty context.
func (e *Extractor) Extract(ctx context.Context, step *agent.Step, question string) (EntityContext, error) {
	return agent.Invoke(ctx, step, question, func(ctx context.Context, call *agent.Call) (EntityContext, error) {
		call.Remote()
		raw, err := e.client.Chat(ctx, e.model, extractMessages(question), namesSchema())
		if err != nil {
			return EntityContext{}, err
		}
		var out struct {
			Names []string `json:"names"`
		}
		if err := json.Unmarshal([]byte(stripFences(raw)), &out); err != nil {
			slog.Warn("extract: malformed names, continuing without entities", "error", err, "response", raw)
		}
		ec := EntityContext{ExtractedNames: compact(out.Names), Entities: []resolver.ToolResult{}}
		if len(ec.ExtractedNames) > 0 {
			ec.Entities = e.searcher.Search(ctx, ec.ExtractedNames)
		}
		call.SetAnswer(ec.String())
		return ec, nil
	})
}

func compact(names []string) []string {
	out := []string{}
	seen := map[string]bool{}
	for _, n := range names {
		n = strings.TrimSpace(n)
		if n != "" && !seen[n] {
			seen[n] = true
			out = append(out, n)
		}
	}
	return out
}

func namesSchema() *engine.Schema {
	return &engine.Schema{
		Type: "object",
		Properties: map[string]engine.SchemaProperty{
			"names": {Type: "array", Description: "Entity mentions as written", Items: &engine.SchemaProperty{Type: "string"}},
		},
		Required: []string{"names"},
	}
}

// Plan is the structured instruction the generator follows.
type Plan struct {
	Reasoning      string   `json:"reasoning"`
	PerCategory    bool     `json:"per_category"`
	PerChain       bool     `json:"per_chain"`
	Steps          []string `json:"steps"`
	ExpectedOutput string   `json:"expected_output"`
}

func (p *Plan) String() string {
	var b strings.Builder
	fmt.Fprintf(&b, "Reasoning: %s\n", p.Reasoning)
	fmt.Fprintf(&b, "Break down by category: %t\nBreak down by chain: %t\n", p.PerCategory, p.PerChain)
	for i, s := range p.Steps {
		fmt.Fprintf(&b, "%d. %s\n", i+1, s)
	}
	fmt.Fprintf(&b, "Expected output: %s", p.ExpectedOutput)
	return b.String()
}

type Planner struct {
	client engine.Chatter
	model  string
}

func NewPlanner(client engine.Chatter, model string) *Planner {
	return &Planner{client: client, model: model}
}

func (p *Planner) Plan(ctx context.Context, step *agent.Step, tableDoc, question string, ec EntityContext, memory []Turn) (*Plan, error) {
	return agent.Invoke(ctx, step, question, func(ctx context.Context, call *agent.Call) (*Plan, error) {
		msgs := planMessages(tableDoc, question, ec.String(), memory)
		call.Remote()
		raw, err := p.client.Chat(ctx, p.model, msgs, planSchema())
		if err != nil {
			return nil, err
		}
		var plan Plan
		if err := json.Unmarshal([]byte(stripFences(raw)), &plan); err != nil {
			return nil, fmt.Errorf("decoding plan: %w", err)
		}
		if len(plan.Steps) == 0 {
			return nil, fmt.Errorf("plan has no steps")
		}
		return &plan, nil
	})
}

func planSchema() *engine.Schema {
	return &engine.Schema{
		Type: "object",
		Properties: map[string]engine.SchemaProperty{
			"reasoning":       {Type: "string"},
			"per_category":    {Type: "boolean", Description: "Segment results by category"},
			"per_chain":       {Type: "boolean", Description: "Segment results by chain or customer group"},
			"steps":           {Type: "array", Items: &engine.SchemaProperty{Type: "string"}},
			"expected_output": {Type: "string"},
		},
		Required: []string{"reasoning", "per_category", "per_chain", "steps", "expected_output"},
	}
}

// ExecutionAttempt is one generated script and how its execution went.
// Previous links back through earlier attempts of the same question.
type ExecutionAttempt struct {
	Code        string
	Explanation string
	Index       int
	Error       string
	Previous    *ExecutionAttempt
}

// Answer is the generator's output.
type Answer struct {
	Code        string `json:"code"`
	Explanation string `json:"explanation"`
}

type GenerateRequest struct {
	Question      string
	EntityContext string
	Plan          *Plan
	Memory        []Turn
	// Previous is set when repairing a failed script.
	Previous *ExecutionAttempt
}

type Generator struct {
	client engine.Chatter
	model  string
}

func NewGenerator(client engine.Chatter, model string) *Generator {
	return &Generator{client: client, model: model}
}

// Generate produces a script. Its telemetry record is committed by the
// caller once the script has been executed.
func (g *Generator) Generate(ctx context.Context, step *agent.Step, tableDoc string, req GenerateRequest) (Answer, *agent.Pending, error) {
	return agent.InvokePending(ctx, step, req.Question, func(ctx context.Context, call *agent.Call) (Answer, error) {
		msgs := generateMessages(tableDoc, req)
		call.Remote()
		raw, err := g.client.Chat(ctx, g.model, msgs, answerSchema())
		if err != nil {
			return Answer{}, err
		}
		ans, err := parseAnswer(raw)
		if err != nil {
			return Answer{}, err
		}
		call.SetAnswer(ans.Code)
		return ans, nil
	})
}

// parseAnswer accepts the JSON object the schema asks for and falls back to
// a bare script, which some models return despite the schema.
func parseAnswer(raw string) (Answer, error) {
	var ans Answer
	body := stripFences(raw)
	if err := json.Unmarshal([]byte(body), &ans); err != nil {
		if strings.HasPrefix(strings.TrimSpace(body), "{") {
			return Answer{}, fmt.Errorf("decoding answer: %w", err)
		}
		ans.Code = body
	}
	ans.Code = stripFences(ans.Code)
	if strings.TrimSpace(ans.Code) == "" {
		return Answer{}, fmt.Errorf("answer has no code")
	}
	return ans, nil
}

func answerSchema() *engine.Schema {
	return &engine.Schema{
		Type: "object",
		Properties: map[string]engine.SchemaProperty{
			"code":        {Type: "string", Description: "The analysis script"},
			"explanation": {Type: "string", Description: "What the script computes"},
		},
		Required: []string{"code", "explanation"},
	}
}

var fenceRe = regexp.MustCompile("(?s)^\\s*```[A-Za-z0-9_-]*\\s*\\n(.*?)\\n?\\s*```\\s*$")

// stripFences removes a surrounding Markdown code fence.
func stripFences(s string) string {
	if m := fenceRe.FindStringSubmatch(s); m != nil {
		return strings.TrimSpace(m[1])
	}
	return strings.TrimSpace(s)
}

type Decorator struct {
	client engine.Chatter
	model  string
}

func NewDecorator(client engine.Chatter, model string) *Decorator {
	return &Decorator{client: client, model: model}
}

func (d *Decorator) Decorate(ctx context.Context, step *agent.Step, question, explanation, rendered string, truncated bool, total int) (string, error) {
	return agent.Invoke(ctx, step, question, func(ctx context.Context, call *agent.Call) (string, error) {
		call.Remote()
		out, err := d.client.Chat(ctx, d.model, decorateMessages(question, explanation, rendered, truncated, total), nil)
		if err != nil {
			return "", err
		}
		out = strings.TrimSpace(out)
		if out == "" {
			return "", fmt.Errorf("empty decoration")
		}
		return out, nil
	})
}
