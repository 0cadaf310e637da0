package pipeline

import (
	"strings"
	"testing"

	"pachat/internal/models"
)

func TestStateRoundTripKeepsResultCells(t *testing.T) {
	columns := []string{"n", "at", "total"}
	rows := []models.Row{{"n": int64(1), "at": "2024-05-06 09:30:00", "total": int64(9007199254740993)}}
	before := RenderMarkdown(columns, rows)

	data, err := encodeState(State{ThreadID: 1, Result: &models.ResultSet{Columns: columns, Rows: rows}})
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	s, err := decodeState(data)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	after := RenderMarkdown(s.Result.ColumnOrder(), s.Result.Rows)
	if after != before {
		t.Fatalf("result changed through checkpoint:\nbefore:\n%s\nafter:\n%s", before, after)
	}
	if !strings.Contains(after, "| 1 | 1 | 2024-05-06 09:30:00 | 9007199254740993 |") {
		t.Fatalf("unexpected table:\n%s", after)
	}
}
