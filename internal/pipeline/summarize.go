package pipeline

import (
	"context"
	"fmt"
	"strings"
	"time"

	"pachat/internal/models"
	"pachat/internal/service/ai"
)

// Summarizer turns a result set into an answer, one call for a single
// chunk and one per chunk plus a merge call otherwise.
type Summarizer struct {
	gen       Generator
	chunkRows int
}

func NewSummarizer(gen Generator, chunkRows int) *Summarizer {
	return &Summarizer{gen: gen, chunkRows: chunkRows}
}

// Summarize returns the answer and the rendered chunks it was built from.
func (s *Summarizer) Summarize(ctx context.Context, question string, now time.Time, rs *models.ResultSet) (string, []string, error) {
	var (
		columns []string
		rows    []models.Row
	)
	if rs != nil {
		columns, rows = rs.ColumnOrder(), rs.Rows
	}
	parts := Partition(rows, s.chunkRows)
	chunks := make([]string, len(parts))
	for i, part := range parts {
		chunks[i] = RenderMarkdown(columns, part)
	}

	if len(chunks) == 1 {
		msgs, err := ai.Render(ctx, ai.PromptAnswer, map[string]any{
			"question":     question,
			"current_time": now.Format(time.RFC3339),
			"result":       chunks[0],
		})
		if err != nil {
			return "", nil, err
		}
		answer, err := s.gen.Complete(ctx, msgs)
		if err != nil {
			return "", nil, err
		}
		return answer, chunks, nil
	}

	summaries := make([]string, 0, len(chunks))
	for i, chunk := range chunks {
		msgs, err := ai.Render(ctx, ai.PromptChunkSummary, map[string]any{
			"question": question,
			"chunk":    chunk,
		})
		if err != nil {
			return "", nil, err
		}
		summary, err := s.gen.Complete(ctx, msgs)
		if err != nil {
			return "", nil, fmt.Errorf("chunk %d: %w", i+1, err)
		}
		summaries = append(summaries, fmt.Sprintf("Chunk %d:\n%s", i+1, summary))
	}
	msgs, err := ai.Render(ctx, ai.PromptMerge, map[string]any{
		"question":  question,
		"summaries": strings.Join(summaries, "\n\n"),
	})
	if err != nil {
		return "", nil, err
	}
	answer, err := s.gen.Complete(ctx, msgs)
	if err != nil {
		return "", nil, fmt.Errorf("merge: %w", err)
	}
	return answer, chunks, nil
}
