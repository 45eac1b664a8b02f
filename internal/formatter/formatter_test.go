package formatter

import (
	"strings"
	"testing"

	"github.com/bobmcallan/ibmi-mcp/internal/gateway"
)

func sampleView(n int) ResultView {
	rows := make([]map[string]any, n)
	for i := 0; i < n; i++ {
		rows[i] = map[string]any{
			"NAME":  "obj" + string(rune('a'+i%26)),
			"COUNT": float64(i * 10),
			"NOTE":  nil,
		}
	}
	return ResultView{
		Rows: rows,
		Columns: []gateway.Column{
			{Name: "NAME", Type: "VARCHAR(128)"},
			{Name: "COUNT", Type: "INTEGER"},
			{Name: "NOTE", Type: "VARCHAR(50)"},
		},
		SQL: "SELECT NAME, COUNT, NOTE FROM t",
	}
}

func TestFormatMarkdown_Structure(t *testing.T) {
	out := FormatMarkdown("system_status", ResultView{
		Rows:    []map[string]any{{"X": float64(1)}},
		Columns: []gateway.Column{{Name: "X", Type: "INTEGER"}},
		SQL:     "SELECT 1 AS X FROM SYSIBM.SYSDUMMY1",
	}, Options{ShowSQL: true})

	if !strings.Contains(out, "## system_status") {
		t.Error("Missing H2 tool name")
	}
	if !strings.Contains(out, "1 row") {
		t.Error("Missing row count banner")
	}
	if !strings.Contains(out, "SELECT 1 AS X") {
		t.Error("Missing SQL echo")
	}
	if !strings.Contains(out, "X (INTEGER)") {
		t.Error("Missing typed header")
	}
}

func TestFormatMarkdown_EmptyResult(t *testing.T) {
	out := FormatMarkdown("t", ResultView{}, Options{})
	if !strings.Contains(out, "no rows") {
		t.Errorf("Missing empty-result notice: %s", out)
	}
	if strings.Contains(out, "---") {
		t.Error("Empty result must not render a table")
	}
}

func TestFormatMarkdown_SQLEchoTruncated(t *testing.T) {
	long := "SELECT '" + strings.Repeat("x", 600) + "' FROM t"
	out := FormatMarkdown("t", ResultView{SQL: long}, Options{ShowSQL: true})
	if strings.Contains(out, strings.Repeat("x", 501)) {
		t.Error("SQL echo must truncate at 500 characters")
	}
	if !strings.Contains(out, "...") {
		t.Error("Truncated SQL must carry an ellipsis")
	}
}

func TestFormatMarkdown_TruncationBanner(t *testing.T) {
	out := FormatMarkdown("t", sampleView(10), Options{MaxDisplayRows: 3})
	if !strings.Contains(out, "Showing 3 of 10 rows. 7 omitted.") {
		t.Errorf("Missing truncation banner: %s", out)
	}
}

// Truncation monotonicity: the first A rows of the larger rendering equal
// the rows rendered by the smaller one.
func TestFormatMarkdown_TruncationMonotonic(t *testing.T) {
	view := sampleView(20)
	small := FormatMarkdown("t", view, Options{MaxDisplayRows: 5})
	large := FormatMarkdown("t", view, Options{MaxDisplayRows: 15})

	smallRows := tableRows(small)
	largeRows := tableRows(large)
	if len(smallRows) != 5 || len(largeRows) != 15 {
		t.Fatalf("Unexpected row counts: %d, %d", len(smallRows), len(largeRows))
	}
	for i := range smallRows {
		if smallRows[i] != largeRows[i] {
			t.Errorf("Row %d diverges:\n%s\n%s", i, smallRows[i], largeRows[i])
		}
	}
}

// tableRows extracts data rows (lines starting with | after the separator).
func tableRows(doc string) []string {
	var rows []string
	inTable := false
	for _, line := range strings.Split(doc, "\n") {
		if strings.HasPrefix(line, "|") {
			if strings.Contains(line, "---") {
				inTable = true
				continue
			}
			if inTable {
				rows = append(rows, line)
			}
		}
	}
	return rows
}

func TestFormatMarkdown_NullTracking(t *testing.T) {
	out := FormatMarkdown("t", sampleView(4), Options{})
	if !strings.Contains(out, "Null values:") {
		t.Error("Missing null summary")
	}
	if !strings.Contains(out, "NOTE (4)") {
		t.Errorf("NOTE column should report 4 nulls: %s", out)
	}
}

func TestFormatMarkdown_CustomNullDisplay(t *testing.T) {
	out := FormatMarkdown("t", sampleView(1), Options{NullDisplay: "<null>"})
	if !strings.Contains(out, "<null>") {
		t.Error("Custom null display not applied")
	}
}

func TestFormatMarkdown_NumericRightAlignment(t *testing.T) {
	out := FormatMarkdown("t", sampleView(2), Options{})
	// The markdown separator carries the right-alignment marker for the
	// numeric column.
	sepLine := ""
	for _, line := range strings.Split(out, "\n") {
		if strings.HasPrefix(line, "|") && strings.Contains(line, "---") {
			sepLine = line
			break
		}
	}
	if sepLine == "" {
		t.Fatal("No separator line found")
	}
	if !strings.Contains(sepLine, ": |") && !strings.HasSuffix(sepLine, ":|") {
		t.Errorf("Numeric column must right-align: %s", sepLine)
	}
}

func TestFormatMarkdown_TypeSuffixStripped(t *testing.T) {
	out := FormatMarkdown("t", ResultView{
		Rows:    []map[string]any{{"AMT": float64(5)}},
		Columns: []gateway.Column{{Name: "AMT", Type: "decimal(15,2)"}},
	}, Options{})
	if !strings.Contains(out, "AMT (DECIMAL)") {
		t.Errorf("Type suffix must strip and uppercase: %s", out)
	}
}

func TestFormatMarkdown_ASCIIStyle(t *testing.T) {
	out := FormatMarkdown("t", sampleView(1), Options{TableStyle: "ascii"})
	if !strings.Contains(out, "+-") {
		t.Errorf("ASCII style must use + borders: %s", out)
	}
}

func TestFormatMarkdown_GridStyle(t *testing.T) {
	out := FormatMarkdown("t", sampleView(1), Options{TableStyle: "grid"})
	if !strings.Contains(out, "┌") || !strings.Contains(out, "┘") {
		t.Errorf("Grid style must use box-drawing borders: %s", out)
	}
}

func TestFormatMarkdown_CompactStyle(t *testing.T) {
	out := FormatMarkdown("t", sampleView(1), Options{TableStyle: "compact"})
	for _, line := range strings.Split(out, "\n") {
		if strings.HasPrefix(line, "|") {
			t.Errorf("Compact style must not use pipe borders: %s", line)
		}
	}
}

func TestFormatMarkdown_ColumnsFromRowKeys(t *testing.T) {
	out := FormatMarkdown("t", ResultView{
		Rows: []map[string]any{{"B": "x", "A": "y"}},
	}, Options{})
	// Without metadata, headers are untyped and sorted.
	if !strings.Contains(out, "| A | B |") {
		t.Errorf("Fallback headers must sort row keys: %s", out)
	}
}

func TestFormatMarkdown_PipeEscaping(t *testing.T) {
	out := FormatMarkdown("t", ResultView{
		Rows: []map[string]any{{"C": "a|b"}},
	}, Options{})
	if !strings.Contains(out, `a\|b`) {
		t.Errorf("Pipes in cells must escape: %s", out)
	}
}

func TestFormatJSON(t *testing.T) {
	out := FormatJSON(map[string]any{"success": true})
	if !strings.Contains(out, `"success": true`) {
		t.Errorf("Unexpected JSON: %s", out)
	}
}

func TestFormatError(t *testing.T) {
	out := FormatError("broken_tool", "VALIDATION_ERROR", "restricted keyword DROP", "DROP TABLE users")
	if !strings.Contains(out, "## broken_tool") {
		t.Error("Missing H2")
	}
	if !strings.Contains(out, "VALIDATION_ERROR") {
		t.Error("Missing error code")
	}
	if !strings.Contains(out, "restricted keyword DROP") {
		t.Error("Missing message")
	}
	if !strings.Contains(out, "DROP TABLE users") {
		t.Error("Missing SQL echo")
	}
}
