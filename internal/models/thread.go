package models

import (
	"fmt"
	"strings"
	"time"
)

// Thread is one persistent conversation with its own message log.
type Thread struct {
	ID           int64     `json:"id"`
	Title        string    `json:"title"`
	CreatedAt    time.Time `json:"created_at"`
	LastActivity time.Time `json:"last_activity"`
}

// HasTitle reports whether a non-blank title was stored.
func (t *Thread) HasTitle() bool {
	return t != nil && strings.TrimSpace(t.Title) != ""
}

// DisplayTitle falls back to a numbered placeholder for untitled threads.
func (t *Thread) DisplayTitle() string {
	if t.HasTitle() {
		return strings.TrimSpace(t.Title)
	}
	return fmt.Sprintf("New Chat [%d]", t.ID)
}
