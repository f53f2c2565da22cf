package tables

import (
	"fmt"
	"strings"
	"testing"
)

func TestRender_Scalar(t *testing.T) {
	got := Render(1234.0, 0)
	if got.Text != "1234" || got.Tabular {
		t.Errorf("Render(1234.0) = %+v", got)
	}
	if got := Render(0.125, 0).Text; got != "0.13" && got != "0.12" {
		t.Errorf("Render(0.125) = %q", got)
	}
}

func TestRender_RowsTruncated(t *testing.T) {
	rows := make([]any, 20)
	for i := range rows {
		rows[i] = map[string]any{"Brand_Name": fmt.Sprintf("b%02d", i), "Sales": float64(i)}
	}
	got := Render(rows, 12)
	if !got.Tabular || !got.Truncated || got.TotalRows != 20 {
		t.Fatalf("Render = %+v", got)
	}
	lines := strings.Split(strings.TrimSpace(got.Text), "\n")
	// header + separator + 12 rows + blank + note
	if len(lines) != 16 {
		t.Errorf("got %d lines, want 16:\n%s", len(lines), got.Text)
	}
	if !strings.HasPrefix(lines[0], "| Brand_Name | Sales |") {
		t.Errorf("header = %q", lines[0])
	}
	if !strings.Contains(got.Text, "top 12 of 20") {
		t.Errorf("missing truncation note:\n%s", got.Text)
	}
}

func TestRender_TwelveRowsNotTruncated(t *testing.T) {
	rows := make([]map[string]any, 12)
	for i := range rows {
		rows[i] = map[string]any{"n": i}
	}
	if got := Render(rows, 12); got.Truncated {
		t.Error("12 rows reported as truncated")
	}
}

func TestRender_Map(t *testing.T) {
	got := Render(map[string]any{"Acme": 10.0, "Bolt": 2.5}, 12)
	if !strings.Contains(got.Text, "| Acme | 10 |") || !strings.Contains(got.Text, "| Bolt | 2.50 |") {
		t.Errorf("Render(map) = %q", got.Text)
	}
}

func TestRender_ListOfScalars(t *testing.T) {
	got := Render([]any{"a", "b|c"}, 12)
	if got.Text != "- a\n- b|c\n" {
		t.Errorf("Render(list) = %q", got.Text)
	}
}
