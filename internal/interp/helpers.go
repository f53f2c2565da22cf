package interp

import (
	"context"
	"fmt"
	"sort"
	"strconv"

	"github.com/expr-lang/expr"
)

var helperNames = []string{
	"pluck", "innerJoin", "sumOf", "meanOf", "groupSum", "topN", "distinctOf", "pct", "between", "rowCount",
}

// helpers returns the analysis functions scripts may call. Each checks ctx
// so a timed-out script stops at its next helper call.
func helpers(ctx context.Context) []expr.Option {
	guard := func(name string, fn func(args ...any) (any, error)) expr.Option {
		return expr.Function(name, func(args ...any) (any, error) {
			if err := ctx.Err(); err != nil {
				return nil, err
			}
			return fn(args...)
		})
	}
	return []expr.Option{
		guard("pluck", pluck),
		guard("innerJoin", innerJoin),
		guard("sumOf", sumOf),
		guard("meanOf", meanOf),
		guard("groupSum", groupSum),
		guard("topN", topN),
		guard("distinctOf", distinctOf),
		guard("pct", pct),
		guard("between", between),
		guard("rowCount", rowCount),
	}
}

func arity(name string, args []any, n ...int) error {
	for _, want := range n {
		if len(args) == want {
			return nil
		}
	}
	return fmt.Errorf("%s: expected %v arguments, got %d", name, n, len(args))
}

func rowsArg(name string, v any) ([]map[string]any, error) {
	switch rows := v.(type) {
	case nil:
		return nil, nil
	case []map[string]any:
		return rows, nil
	case []any:
		out := make([]map[string]any, len(rows))
		for i, r := range rows {
			m, ok := r.(map[string]any)
			if !ok {
				return nil, fmt.Errorf("%s: element %d is %T, not a row", name, i, r)
			}
			out[i] = m
		}
		return out, nil
	default:
		return nil, fmt.Errorf("%s: expected a list of rows, got %T", name, v)
	}
}

func columnArg(name string, v any) (string, error) {
	s, ok := v.(string)
	if !ok {
		return "", fmt.Errorf("%s: column name must be a string, got %T", name, v)
	}
	return s, nil
}

// number converts a cell to float64. ok is false for nil and non-numeric
// values.
func number(v any) (float64, bool) {
	switch n := v.(type) {
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case int32:
		return float64(n), true
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case string:
		f, err := strconv.ParseFloat(n, 64)
		return f, err == nil
	}
	return 0, false
}

func requireColumn(name string, rows []map[string]any, col string) error {
	if len(rows) == 0 {
		return nil
	}
	if _, ok := rows[0][col]; !ok {
		return fmt.Errorf("%s: no column %q", name, col)
	}
	return nil
}

// pluck(rows, column) returns the column's values in row order.
func pluck(args ...any) (any, error) {
	if err := arity("pluck", args, 2); err != nil {
		return nil, err
	}
	rows, err := rowsArg("pluck", args[0])
	if err != nil {
		return nil, err
	}
	col, err := columnArg("pluck", args[1])
	if err != nil {
		return nil, err
	}
	if err := requireColumn("pluck", rows, col); err != nil {
		return nil, err
	}
	out := make([]any, len(rows))
	for i, r := range rows {
		out[i] = r[col]
	}
	return out, nil
}

// innerJoin(left, right, key) or innerJoin(left, right, leftKey, rightKey)
// merges matching rows. Right-hand values win on column name clashes.
func innerJoin(args ...any) (any, error) {
	if err := arity("innerJoin", args, 3, 4); err != nil {
		return nil, err
	}
	left, err := rowsArg("innerJoin", args[0])
	if err != nil {
		return nil, err
	}
	right, err := rowsArg("innerJoin", args[1])
	if err != nil {
		return nil, err
	}
	lk, err := columnArg("innerJoin", args[2])
	if err != nil {
		return nil, err
	}
	rk := lk
	if len(args) == 4 {
		if rk, err = columnArg("innerJoin", args[3]); err != nil {
			return nil, err
		}
	}
	if err := requireColumn("innerJoin", left, lk); err != nil {
		return nil, err
	}
	if err := requireColumn("innerJoin", right, rk); err != nil {
		return nil, err
	}

	index := make(map[string][]map[string]any, len(right))
	for _, r := range right {
		k := fmt.Sprint(r[rk])
		index[k] = append(index[k], r)
	}
	var out []any
	for _, l := range left {
		for _, r := range index[fmt.Sprint(l[lk])] {
			merged := make(map[string]any, len(l)+len(r))
			for k, v := range l {
				merged[k] = v
			}
			for k, v := range r {
				merged[k] = v
			}
			out = append(out, merged)
		}
	}
	if out == nil {
		out = []any{}
	}
	return out, nil
}

func sumColumn(name string, args []any) (sum float64, n int, err error) {
	if err := arity(name, args, 2); err != nil {
		return 0, 0, err
	}
	rows, err := rowsArg(name, args[0])
	if err != nil {
		return 0, 0, err
	}
	col, err := columnArg(name, args[1])
	if err != nil {
		return 0, 0, err
	}
	if err := requireColumn(name, rows, col); err != nil {
		return 0, 0, err
	}
	for _, r := range rows {
		if f, ok := number(r[col]); ok {
			sum += f
			n++
		}
	}
	return sum, n, nil
}

// sumOf(rows, column) adds the numeric values of a column, skipping blanks.
func sumOf(args ...any) (any, error) {
	sum, _, err := sumColumn("sumOf", args)
	return sum, err
}

// meanOf(rows, column) averages the numeric values of a column; 0 for none.
func meanOf(args ...any) (any, error) {
	sum, n, err := sumColumn("meanOf", args)
	if err != nil || n == 0 {
		return 0.0, err
	}
	return sum / float64(n), nil
}

// groupSum(rows, by, column) totals column per distinct value of by and
// returns rows {by, column} ordered by total, largest first.
func groupSum(args ...any) (any, error) {
	if err := arity("groupSum", args, 3); err != nil {
		return nil, err
	}
	rows, err := rowsArg("groupSum", args[0])
	if err != nil {
		return nil, err
	}
	by, err := columnArg("groupSum", args[1])
	if err != nil {
		return nil, err
	}
	col, err := columnArg("groupSum", args[2])
	if err != nil {
		return nil, err
	}
	for _, c := range []string{by, col} {
		if err := requireColumn("groupSum", rows, c); err != nil {
			return nil, err
		}
	}

	var keys []any
	totals := map[any]float64{}
	for _, r := range rows {
		k := r[by]
		if _, seen := totals[k]; !seen {
			keys = append(keys, k)
			totals[k] = 0
		}
		if f, ok := number(r[col]); ok {
			totals[k] += f
		}
	}
	sort.SliceStable(keys, func(i, j int) bool { return totals[keys[i]] > totals[keys[j]] })
	out := make([]any, len(keys))
	for i, k := range keys {
		out[i] = map[string]any{by: k, col: totals[k]}
	}
	return out, nil
}

// topN(rows, column, n) returns the n rows with the largest column values.
func topN(args ...any) (any, error) {
	if err := arity("topN", args, 3); err != nil {
		return nil, err
	}
	rows, err := rowsArg("topN", args[0])
	if err != nil {
		return nil, err
	}
	col, err := columnArg("topN", args[1])
	if err != nil {
		return nil, err
	}
	n, ok := number(args[2])
	if !ok || n < 0 {
		return nil, fmt.Errorf("topN: n must be a non-negative number, got %v", args[2])
	}
	if err := requireColumn("topN", rows, col); err != nil {
		return nil, err
	}
	sorted := make([]map[string]any, len(rows))
	copy(sorted, rows)
	sort.SliceStable(sorted, func(i, j int) bool {
		a, _ := number(sorted[i][col])
		b, _ := number(sorted[j][col])
		return a > b
	})
	if int(n) < len(sorted) {
		sorted = sorted[:int(n)]
	}
	out := make([]any, len(sorted))
	for i := range sorted {
		out[i] = sorted[i]
	}
	return out, nil
}

// distinctOf(rows, column) returns the column's distinct values in first-seen
// order, skipping blanks.
func distinctOf(args ...any) (any, error) {
	vals, err := pluck(args...)
	if err != nil {
		return nil, fmt.Errorf("distinctOf: %w", err)
	}
	seen := map[any]bool{}
	out := []any{}
	for _, v := range vals.([]any) {
		if v == nil || v == "" || seen[v] {
			continue
		}
		seen[v] = true
		out = append(out, v)
	}
	return out, nil
}

// pct(part, whole) is part as a percentage of whole; 0 when whole is 0.
func pct(args ...any) (any, error) {
	if err := arity("pct", args, 2); err != nil {
		return nil, err
	}
	part, ok1 := number(args[0])
	whole, ok2 := number(args[1])
	if !ok1 || !ok2 {
		return nil, fmt.Errorf("pct: arguments must be numbers, got %T and %T", args[0], args[1])
	}
	if whole == 0 {
		return 0.0, nil
	}
	return part / whole * 100, nil
}

// between(date, from, to) compares YYYY-MM-DD strings inclusively.
func between(args ...any) (any, error) {
	if err := arity("between", args, 3); err != nil {
		return nil, err
	}
	var s [3]string
	for i, a := range args {
		if a == nil {
			return false, nil
		}
		v, ok := a.(string)
		if !ok {
			return nil, fmt.Errorf("between: argument %d must be a date string, got %T", i+1, a)
		}
		s[i] = v
	}
	return s[0] >= s[1] && s[0] <= s[2], nil
}

// rowCount(rows) is len for row lists, accepting nil.
func rowCount(args ...any) (any, error) {
	if err := arity("rowCount", args, 1); err != nil {
		return nil, err
	}
	rows, err := rowsArg("rowCount", args[0])
	if err != nil {
		return nil, err
	}
	return len(rows), nil
}
