package pipeline

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"pachat/internal/models"

	"github.com/spf13/cast"
)

// Partition splits items into the fewest chunks of at most max items each.
// All chunks share size ceil(n/k) except the last, which takes the rest.
func Partition[T any](items []T, max int) [][]T {
	n := len(items)
	if max <= 0 || n <= max {
		return [][]T{items}
	}
	k := 2
	for ceilDiv(n, k) > max {
		k++
	}
	size := ceilDiv(n, k)
	chunks := make([][]T, 0, k)
	for start := 0; start < n; start += size {
		end := start + size
		if end > n {
			end = n
		}
		chunks = append(chunks, items[start:end])
	}
	return chunks
}

func ceilDiv(a, b int) int {
	return (a + b - 1) / b
}

// EmptyResult is rendered for a result without rows.
const EmptyResult = "No results found"

// RenderMarkdown renders rows as a Markdown table with a leading 1-based
// row number column.
func RenderMarkdown(columns []string, rows []models.Row) string {
	if len(rows) == 0 {
		return EmptyResult
	}
	if len(columns) == 0 {
		columns = (&models.ResultSet{Rows: rows}).ColumnOrder()
	}

	var b strings.Builder
	header := append([]string{"#"}, columns...)
	writeRow(&b, header)
	b.WriteByte('\n')
	sep := make([]string, len(header))
	for i := range sep {
		sep[i] = "---"
	}
	writeRow(&b, sep)

	cells := make([]string, len(header))
	for i, row := range rows {
		cells[0] = strconv.Itoa(i + 1)
		for j, col := range columns {
			cells[j+1] = EscapeCell(formatCell(row[col]))
		}
		b.WriteByte('\n')
		writeRow(&b, cells)
	}
	return b.String()
}

func writeRow(b *strings.Builder, cells []string) {
	b.WriteString("| ")
	b.WriteString(strings.Join(cells, " | "))
	b.WriteString(" |")
}

// EscapeCell wraps a value containing a pipe or newline in backticks,
// dropping backticks it already had.
func EscapeCell(v string) string {
	if strings.ContainsAny(v, "|\n") {
		return "`" + strings.ReplaceAll(v, "`", "") + "`"
	}
	return v
}

func formatCell(v any) string {
	switch t := v.(type) {
	case nil:
		return "NULL"
	case time.Time:
		return t.Format("2006-01-02 15:04:05")
	case []byte:
		return string(t)
	case json.Number:
		return t.String()
	}
	s, err := cast.ToStringE(v)
	if err != nil {
		return fmt.Sprint(v)
	}
	return s
}
