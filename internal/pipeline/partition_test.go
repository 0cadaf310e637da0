package pipeline

import (
	"strings"
	"testing"
	"time"

	"pachat/internal/models"
)

func TestPartitionMinimalChunks(t *testing.T) {
	for n := 0; n <= 60; n++ {
		items := make([]int, n)
		for i := range items {
			items[i] = i
		}
		for max := 1; max <= 13; max++ {
			chunks := Partition(items, max)
			if n <= max {
				if len(chunks) != 1 || len(chunks[0]) != n {
					t.Fatalf("n=%d max=%d: expected one chunk of all rows, got %d chunks", n, max, len(chunks))
				}
				continue
			}
			k := len(chunks)
			if k < 2 || ceilDiv(n, k) > max {
				t.Fatalf("n=%d max=%d: k=%d does not fit", n, max, k)
			}
			if ceilDiv(n, k-1) <= max && k-1 >= 2 {
				t.Fatalf("n=%d max=%d: k=%d is not minimal", n, max, k)
			}
			size := ceilDiv(n, k)
			total, next := 0, 0
			for i, c := range chunks {
				if i < k-1 && len(c) != size {
					t.Fatalf("n=%d max=%d: chunk %d has %d rows, want %d", n, max, i, len(c), size)
				}
				if len(c) == 0 || len(c) > size {
					t.Fatalf("n=%d max=%d: chunk %d has bad size %d", n, max, i, len(c))
				}
				for _, v := range c {
					if v != next {
						t.Fatalf("n=%d max=%d: order broken", n, max)
					}
					next++
				}
				total += len(c)
			}
			if total != n {
				t.Fatalf("n=%d max=%d: chunks hold %d rows", n, max, total)
			}
		}
	}
}

func TestPartitionExample(t *testing.T) {
	chunks := Partition(make([]int, 10001), 5000)
	if len(chunks) != 3 || len(chunks[0]) != 3334 || len(chunks[2]) != 3333 {
		t.Fatalf("unexpected split: %d chunks", len(chunks))
	}
}

func TestRenderMarkdown(t *testing.T) {
	ts := time.Date(2024, 5, 6, 9, 30, 0, 0, time.UTC)
	got := RenderMarkdown([]string{"title", "n", "at", "note"}, []models.Row{
		{"title": "a | b", "n": int64(3), "at": ts, "note": nil},
		{"title": "line1\nline`2", "n": 1.5, "at": "x", "note": "plain"},
	})
	want := strings.Join([]string{
		"| # | title | n | at | note |",
		"| --- | --- | --- | --- | --- |",
		"| 1 | `a | b` | 3 | 2024-05-06 09:30:00 | NULL |",
		"| 2 | `line1\nline2` | 1.5 | x | plain |",
	}, "\n")
	if got != want {
		t.Fatalf("unexpected markdown:\n%s\nwant:\n%s", got, want)
	}
}

func TestRenderMarkdownEmptyAndPlainCells(t *testing.T) {
	if got := RenderMarkdown([]string{"a"}, nil); got != EmptyResult {
		t.Fatalf("expected %q, got %q", EmptyResult, got)
	}
	for _, v := range []string{"plain", "with `tick`", "12:00"} {
		if EscapeCell(v) != v {
			t.Fatalf("value %q should be unchanged", v)
		}
	}
}

func TestRenderMarkdownNumbersRestartPerChunk(t *testing.T) {
	rows := []models.Row{{"v": "a"}, {"v": "b"}, {"v": "c"}}
	chunks := Partition(rows, 2)
	first := RenderMarkdown([]string{"v"}, chunks[0])
	if !strings.Contains(first, "| 2 | b |") {
		t.Fatalf("first chunk should hold a and b:\n%s", first)
	}
	second := RenderMarkdown([]string{"v"}, chunks[1])
	if !strings.Contains(second, "| 1 | c |") {
		t.Fatalf("numbering should restart per chunk:\n%s", second)
	}
}
