package tables

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
)

// DefaultMaxRows is the row count above which results are presented as
// "top results only".
const DefaultMaxRows = 12

// Rendered is a result value formatted as Markdown.
type Rendered struct {
	Text      string
	Tabular   bool
	TotalRows int
	Truncated bool
}

// Render formats an analysis result. Lists of row maps become Markdown
// tables capped at maxRows; maps become two-column tables; anything else
// is printed as a scalar.
func Render(v any, maxRows int) Rendered {
	if maxRows <= 0 {
		maxRows = DefaultMaxRows
	}
	switch val := v.(type) {
	case []map[string]any:
		rows := make([]any, len(val))
		for i := range val {
			rows[i] = val[i]
		}
		return renderRows(rows, maxRows)
	case []any:
		if isRowList(val) {
			return renderRows(val, maxRows)
		}
		return renderList(val, maxRows)
	case map[string]any:
		return renderMap(val, maxRows)
	default:
		return Rendered{Text: FormatValue(v), TotalRows: 1}
	}
}

func isRowList(list []any) bool {
	if len(list) == 0 {
		return false
	}
	for _, item := range list {
		if _, ok := item.(map[string]any); !ok {
			return false
		}
	}
	return true
}

func renderRows(rows []any, maxRows int) Rendered {
	colSet := map[string]bool{}
	for _, r := range rows {
		for k := range r.(map[string]any) {
			colSet[k] = true
		}
	}
	cols := make([]string, 0, len(colSet))
	for c := range colSet {
		cols = append(cols, c)
	}
	sort.Strings(cols)

	out := Rendered{Tabular: true, TotalRows: len(rows), Truncated: len(rows) > maxRows}
	shown := rows
	if out.Truncated {
		shown = rows[:maxRows]
	}

	var b strings.Builder
	b.WriteString("| " + strings.Join(cols, " | ") + " |\n")
	b.WriteString("|" + strings.Repeat(" --- |", len(cols)) + "\n")
	for _, r := range shown {
		m := r.(map[string]any)
		cells := make([]string, len(cols))
		for i, c := range cols {
			cells[i] = escapeCell(FormatValue(m[c]))
		}
		b.WriteString("| " + strings.Join(cells, " | ") + " |\n")
	}
	if out.Truncated {
		fmt.Fprintf(&b, "\n_Showing the top %d of %d rows._\n", maxRows, len(rows))
	}
	out.Text = b.String()
	return out
}

func renderList(list []any, maxRows int) Rendered {
	out := Rendered{Tabular: true, TotalRows: len(list), Truncated: len(list) > maxRows}
	shown := list
	if out.Truncated {
		shown = list[:maxRows]
	}
	var b strings.Builder
	for _, item := range shown {
		b.WriteString("- " + FormatValue(item) + "\n")
	}
	if out.Truncated {
		fmt.Fprintf(&b, "\n_Showing the top %d of %d items._\n", maxRows, len(list))
	}
	out.Text = b.String()
	return out
}

func renderMap(m map[string]any, maxRows int) Rendered {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	out := Rendered{Tabular: true, TotalRows: len(keys), Truncated: len(keys) > maxRows}
	if out.Truncated {
		keys = keys[:maxRows]
	}
	var b strings.Builder
	b.WriteString("| key | value |\n| --- | --- |\n")
	for _, k := range keys {
		fmt.Fprintf(&b, "| %s | %s |\n", escapeCell(k), escapeCell(FormatValue(m[k])))
	}
	if out.Truncated {
		fmt.Fprintf(&b, "\n_Showing %d of %d entries._\n", maxRows, out.TotalRows)
	}
	out.Text = b.String()
	return out
}

// FormatValue prints numbers without exponent noise and nil as empty.
func FormatValue(v any) string {
	switch x := v.(type) {
	case nil:
		return ""
	case float64:
		if x == float64(int64(x)) && x < 1e15 && x > -1e15 {
			return strconv.FormatInt(int64(x), 10)
		}
		return strconv.FormatFloat(x, 'f', 2, 64)
	case float32:
		return FormatValue(float64(x))
	case string:
		return x
	default:
		return fmt.Sprint(x)
	}
}

func escapeCell(s string) string {
	s = strings.ReplaceAll(s, "|", `\|`)
	return strings.ReplaceAll(s, "\n", " ")
}
