package pipeline

import (
	"fmt"
	"strings"

	"github.com/kalambet/tally/internal/engine"
	"github.com/kalambet/tally/internal/interp"
)

const extractSystemPrompt = `You extract the business entities a question mentions: products, brands, categories, suppliers, chains, customer groups and holidays.
Return ONLY a JSON object {"names": [...]} listing each mention exactly as the user wrote it, in the original language.
Do not translate, normalize or invent names. Return an empty list when nothing is mentioned.`

const planSystemPrompt = `You plan data analyses over the tables below. Do not write code.
Given the question and the resolved entities, return ONLY a JSON object with:
- reasoning: how the question maps onto the data
- per_category: true when results should be broken down by category
- per_chain: true when results should be broken down by chain or customer group
- steps: ordered analysis steps, each one short sentence
- expected_output: the shape of the final answer (a number, a table with named columns, ...)
When a single brand or item is asked about, the answer should be a percentage share.

Tables:
%s`

const generateSystemPrompt = `You write analysis scripts in the expr language. Follow the plan exactly.

Script rules:
- One statement per line: name = expression. Earlier names can be used by later statements.
- Store the final answer in %s. A table answer is a list of maps; a single number is fine.
- Tables are lists of row maps, for example filter(sales, .Brand_Name == "Acme").
- Built-ins include filter, map, sum, len, sortBy, groupBy, uniq, round.
- Helpers: pluck(rows, col), innerJoin(left, right, key[, rightKey]), sumOf(rows, col), meanOf(rows, col),
  groupSum(rows, by, col), topN(rows, col, n), distinctOf(rows, col), pct(part, whole),
  between(date, from, to) with YYYY-MM-DD dates, rowCount(rows).
- Table and helper names are read-only. No other functions exist.
Return ONLY a JSON object {"code": "...", "explanation": "..."} where explanation says in one or two sentences what the script computes.

Tables:
%s`

const repairInstruction = `The previous script failed. Fix this script so it answers the question. Keep what was right and change only what caused the error.

Question:
%s

Previous script (attempt %d):
%s

Error:
%s`

const decorateSystemPrompt = `You present analysis results to business users.
Answer in the same language as the question. Be concise and state the numbers that matter.
If a table is given, keep it as a Markdown table. Do not invent values that are not in the result.`

func extractMessages(question string) []engine.Message {
	return []engine.Message{
		{Role: engine.RoleSystem, Content: extractSystemPrompt},
		{Role: engine.RoleUser, Content: question},
	}
}

func planMessages(tableDoc, question, entityContext string, memory []Turn) []engine.Message {
	msgs := []engine.Message{{Role: engine.RoleSystem, Content: fmt.Sprintf(planSystemPrompt, tableDoc)}}
	msgs = append(msgs, history(memory)...)
	msgs = append(msgs, engine.Message{
		Role:    engine.RoleUser,
		Content: fmt.Sprintf("Question:\n%s\n\nResolved entities:\n%s", question, entityContext),
	})
	return msgs
}

func generateMessages(tableDoc string, req GenerateRequest) []engine.Message {
	msgs := []engine.Message{{Role: engine.RoleSystem, Content: fmt.Sprintf(generateSystemPrompt, interp.ResultName, tableDoc)}}
	msgs = append(msgs, history(req.Memory)...)

	var b strings.Builder
	fmt.Fprintf(&b, "Question:\n%s\n\nResolved entities:\n%s\n", req.Question, req.EntityContext)
	if req.Plan != nil {
		fmt.Fprintf(&b, "\nPlan:\n%s\n", req.Plan.String())
	}
	if p := req.Previous; p != nil {
		b.WriteString("\n")
		fmt.Fprintf(&b, repairInstruction, req.Question, p.Index, p.Code, p.Error)
	}
	msgs = append(msgs, engine.Message{Role: engine.RoleUser, Content: b.String()})
	return msgs
}

func decorateMessages(question, explanation, rendered string, truncated bool, total int) []engine.Message {
	var b strings.Builder
	fmt.Fprintf(&b, "Question:\n%s\n\nWhat was computed:\n%s\n\nResult:\n%s\n", question, explanation, rendered)
	if truncated {
		fmt.Fprintf(&b, "\nThe result has %d rows and only the top rows are shown. Present them as the top results only and say so.\n", total)
	}
	return []engine.Message{
		{Role: engine.RoleSystem, Content: decorateSystemPrompt},
		{Role: engine.RoleUser, Content: b.String()},
	}
}
