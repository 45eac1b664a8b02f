// Package formatter renders query results into MCP content. Two modes:
// pretty JSON, or a markdown document with a typed, aligned table.
package formatter

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/bobmcallan/ibmi-mcp/internal/common"
	"github.com/bobmcallan/ibmi-mcp/internal/gateway"
)

// Options control markdown rendering for one tool.
type Options struct {
	TableStyle     string // markdown | ascii | grid | compact
	MaxDisplayRows int
	NullDisplay    string
	ShowSQL        bool
	ShowParameters bool
}

// DefaultMaxDisplayRows applies when a tool does not set a cap.
const DefaultMaxDisplayRows = 100

// ResultView is the formatter's input: the materialized rows plus the
// context worth echoing back to the agent.
type ResultView struct {
	Rows       []map[string]any
	Columns    []gateway.Column
	SQL        string
	Parameters map[string]any
}

// FormatJSON serializes a payload as pretty JSON.
func FormatJSON(payload any) string {
	data, err := json.MarshalIndent(payload, "", "  ")
	if err != nil {
		return fmt.Sprintf(`{"error": %q}`, err.Error())
	}
	return string(data)
}

// FormatMarkdown renders a result document: H2 tool name, success banner,
// optional SQL echo and parameter listing, then the table or an
// empty-result notice.
func FormatMarkdown(toolName string, view ResultView, opts Options) string {
	var sb strings.Builder

	sb.WriteString(fmt.Sprintf("## %s\n\n", toolName))
	sb.WriteString(fmt.Sprintf("**Status:** Success | **Rows:** %s\n\n", rowWord(len(view.Rows))))

	if opts.ShowSQL && view.SQL != "" {
		sb.WriteString("```sql\n")
		sb.WriteString(common.TruncateSQL(view.SQL))
		sb.WriteString("\n```\n\n")
	}

	if opts.ShowParameters && len(view.Parameters) > 0 {
		names := make([]string, 0, len(view.Parameters))
		for name := range view.Parameters {
			names = append(names, name)
		}
		sort.Strings(names)
		sb.WriteString("**Parameters:**\n")
		for _, name := range names {
			sb.WriteString(fmt.Sprintf("- %s: %v\n", name, view.Parameters[name]))
		}
		sb.WriteString("\n")
	}

	if len(view.Rows) == 0 {
		sb.WriteString("*Query returned no rows.*\n")
		return sb.String()
	}

	writeTable(&sb, view, opts)
	return sb.String()
}

// FormatError renders a dedicated error block with the error code,
// message, and truncated SQL.
func FormatError(toolName, errorCode, message, sql string) string {
	var sb strings.Builder
	sb.WriteString(fmt.Sprintf("## %s\n\n", toolName))
	sb.WriteString(fmt.Sprintf("**Status:** Error (%s)\n\n", errorCode))
	sb.WriteString(fmt.Sprintf("%s\n", message))
	if sql != "" {
		sb.WriteString("\n```sql\n")
		sb.WriteString(common.TruncateSQL(sql))
		sb.WriteString("\n```\n")
	}
	return sb.String()
}

func rowWord(n int) string {
	if n == 1 {
		return "1 row"
	}
	return fmt.Sprintf("%d rows", n)
}

// column carries render state for one output column.
type column struct {
	name    string
	header  string
	numeric bool
	width   int
	nulls   int
}

// writeTable renders rows as a bordered table in the configured style,
// tracking nulls and truncating past the display cap.
func writeTable(sb *strings.Builder, view ResultView, opts Options) {
	maxRows := opts.MaxDisplayRows
	if maxRows <= 0 {
		maxRows = DefaultMaxDisplayRows
	}
	nullDisplay := opts.NullDisplay
	if nullDisplay == "" {
		nullDisplay = "-"
	}

	total := len(view.Rows)
	rows := view.Rows
	if len(rows) > maxRows {
		rows = rows[:maxRows]
	}

	cols := buildColumns(view)

	// Render every cell once, measuring widths and counting nulls.
	cells := make([][]string, len(rows))
	for i, row := range rows {
		cells[i] = make([]string, len(cols))
		for j := range cols {
			v, ok := row[cols[j].name]
			if !ok || v == nil {
				cells[i][j] = nullDisplay
				cols[j].nulls++
			} else {
				cells[i][j] = renderCell(v)
			}
			if len(cells[i][j]) > cols[j].width {
				cols[j].width = len(cells[i][j])
			}
		}
	}
	for j := range cols {
		if len(cols[j].header) > cols[j].width {
			cols[j].width = len(cols[j].header)
		}
	}

	switch opts.TableStyle {
	case "ascii":
		writeASCIITable(sb, cols, cells, "+", "-", "|")
	case "grid":
		writeGridTable(sb, cols, cells)
	case "compact":
		writeCompactTable(sb, cols, cells)
	default:
		writeMarkdownTable(sb, cols, cells)
	}

	if total > len(rows) {
		sb.WriteString(fmt.Sprintf("\n*Showing %d of %d rows. %d omitted.*\n",
			len(rows), total, total-len(rows)))
	}

	var withNulls []string
	for _, c := range cols {
		if c.nulls > 0 {
			withNulls = append(withNulls, fmt.Sprintf("%s (%d)", c.name, c.nulls))
		}
	}
	if len(withNulls) > 0 {
		sb.WriteString(fmt.Sprintf("\n*Null values:* %s\n", strings.Join(withNulls, ", ")))
	}
}

// buildColumns derives the column list from result metadata, falling back
// to sorted row keys when the gateway sent none.
func buildColumns(view ResultView) []column {
	var cols []column
	if len(view.Columns) > 0 {
		for _, c := range view.Columns {
			header := c.Name
			if c.Type != "" {
				header = fmt.Sprintf("%s (%s)", c.Name, strings.ToUpper(baseType(c.Type)))
			}
			cols = append(cols, column{
				name:    c.Name,
				header:  header,
				numeric: isNumericType(c.Type),
			})
		}
		return cols
	}
	if len(view.Rows) > 0 {
		names := make([]string, 0, len(view.Rows[0]))
		for name := range view.Rows[0] {
			names = append(names, name)
		}
		sort.Strings(names)
		for _, name := range names {
			cols = append(cols, column{name: name, header: name})
		}
	}
	return cols
}

// baseType strips a precision/scale suffix: DECIMAL(15,2) -> DECIMAL.
func baseType(t string) string {
	if i := strings.IndexByte(t, '('); i >= 0 {
		t = t[:i]
	}
	return strings.TrimSpace(t)
}

// isNumericType reports whether a SQL type renders right-aligned.
// Char, varchar, lob, binary, temporal, and unknown types stay left.
func isNumericType(t string) bool {
	switch strings.ToUpper(baseType(t)) {
	case "SMALLINT", "INTEGER", "INT", "BIGINT",
		"DECIMAL", "NUMERIC", "DECFLOAT",
		"REAL", "DOUBLE", "FLOAT", "DOUBLE PRECISION":
		return true
	}
	return false
}

func renderCell(v any) string {
	switch n := v.(type) {
	case string:
		return sanitizeCell(n)
	case float64:
		// json decodes all numbers as float64; print integers without a
		// trailing .0 so counts read naturally.
		if n == float64(int64(n)) {
			return fmt.Sprintf("%d", int64(n))
		}
		return fmt.Sprintf("%v", n)
	default:
		return sanitizeCell(fmt.Sprintf("%v", v))
	}
}

// sanitizeCell keeps cell content on one line and pipe-safe.
func sanitizeCell(s string) string {
	s = strings.ReplaceAll(s, "\r", " ")
	s = strings.ReplaceAll(s, "\n", " ")
	return strings.ReplaceAll(s, "|", "\\|")
}

func pad(s string, width int, rightAlign bool) string {
	if len(s) >= width {
		return s
	}
	fill := strings.Repeat(" ", width-len(s))
	if rightAlign {
		return fill + s
	}
	return s + fill
}

func writeMarkdownTable(sb *strings.Builder, cols []column, cells [][]string) {
	sb.WriteString("|")
	for _, c := range cols {
		sb.WriteString(" " + pad(c.header, c.width, false) + " |")
	}
	sb.WriteString("\n|")
	for _, c := range cols {
		width := c.width
		if width < 3 {
			width = 3
		}
		if c.numeric {
			// Markdown right-alignment marker
			sb.WriteString(" " + strings.Repeat("-", width-1) + ": |")
		} else {
			sb.WriteString(" " + strings.Repeat("-", width) + " |")
		}
	}
	sb.WriteString("\n")
	for _, row := range cells {
		sb.WriteString("|")
		for j, cell := range row {
			sb.WriteString(" " + pad(cell, cols[j].width, cols[j].numeric) + " |")
		}
		sb.WriteString("\n")
	}
}

func writeASCIITable(sb *strings.Builder, cols []column, cells [][]string, corner, horiz, vert string) {
	border := func() {
		sb.WriteString(corner)
		for _, c := range cols {
			sb.WriteString(strings.Repeat(horiz, c.width+2) + corner)
		}
		sb.WriteString("\n")
	}
	border()
	sb.WriteString(vert)
	for _, c := range cols {
		sb.WriteString(" " + pad(c.header, c.width, false) + " " + vert)
	}
	sb.WriteString("\n")
	border()
	for _, row := range cells {
		sb.WriteString(vert)
		for j, cell := range row {
			sb.WriteString(" " + pad(cell, cols[j].width, cols[j].numeric) + " " + vert)
		}
		sb.WriteString("\n")
	}
	border()
}

func writeGridTable(sb *strings.Builder, cols []column, cells [][]string) {
	rule := func(left, mid, right string) {
		sb.WriteString(left)
		for i, c := range cols {
			sb.WriteString(strings.Repeat("─", c.width+2))
			if i < len(cols)-1 {
				sb.WriteString(mid)
			}
		}
		sb.WriteString(right + "\n")
	}
	rule("┌", "┬", "┐")
	sb.WriteString("│")
	for _, c := range cols {
		sb.WriteString(" " + pad(c.header, c.width, false) + " │")
	}
	sb.WriteString("\n")
	rule("├", "┼", "┤")
	for _, row := range cells {
		sb.WriteString("│")
		for j, cell := range row {
			sb.WriteString(" " + pad(cell, cols[j].width, cols[j].numeric) + " │")
		}
		sb.WriteString("\n")
	}
	rule("└", "┴", "┘")
}

func writeCompactTable(sb *strings.Builder, cols []column, cells [][]string) {
	for i, c := range cols {
		if i > 0 {
			sb.WriteString("  ")
		}
		sb.WriteString(pad(c.header, c.width, false))
	}
	sb.WriteString("\n")
	for i, c := range cols {
		if i > 0 {
			sb.WriteString("  ")
		}
		sb.WriteString(strings.Repeat("-", c.width))
	}
	sb.WriteString("\n")
	for _, row := range cells {
		for j, cell := range row {
			if j > 0 {
				sb.WriteString("  ")
			}
			sb.WriteString(pad(cell, cols[j].width, cols[j].numeric))
		}
		sb.WriteString("\n")
	}
}
