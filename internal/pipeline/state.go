package pipeline

import (
	"bytes"
	"encoding/json"
	"fmt"
	"time"

	"pachat/internal/models"
)

// State is the working record of one invocation. Nodes receive it by value
// and return the next version; slices are replaced, never edited in place.
type State struct {
	ThreadID         int64             `json:"thread_id"`
	Messages         []models.Message  `json:"messages"`
	Question         string            `json:"question"`
	EnrichedQuestion string            `json:"enriched_question,omitempty"`
	Branch           Branch            `json:"branch,omitempty"`
	TitleExists      bool              `json:"title_exists"`
	Title            string            `json:"title,omitempty"`
	Now              time.Time         `json:"now"`
	Tables           []string          `json:"tables,omitempty"`
	Activities       []string          `json:"activities,omitempty"`
	Query            string            `json:"query,omitempty"`
	Result           *models.ResultSet `json:"result,omitempty"`
	Chunks           []string          `json:"chunks,omitempty"`
	Answer           string            `json:"answer,omitempty"`
	TopK             int               `json:"top_k"`
	// Version counts the nodes applied so far.
	Version int `json:"version"`
}

// EffectiveQuestion is the enriched question when one was produced.
func (s State) EffectiveQuestion() string {
	if s.EnrichedQuestion != "" {
		return s.EnrichedQuestion
	}
	return s.Question
}

func encodeState(s State) ([]byte, error) {
	data, err := json.Marshal(s)
	if err != nil {
		return nil, fmt.Errorf("encode state: %w", err)
	}
	return data, nil
}

func decodeState(data []byte) (State, error) {
	var s State
	dec := json.NewDecoder(bytes.NewReader(data))
	// Numbers stay json.Number so large integers in result cells keep
	// every digit.
	dec.UseNumber()
	if err := dec.Decode(&s); err != nil {
		return State{}, fmt.Errorf("decode state: %w", err)
	}
	return s, nil
}
