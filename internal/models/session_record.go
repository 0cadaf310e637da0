package models

import "time"

// SessionRecord is a usage session derived from lifecycle events.
type SessionRecord struct {
	ID              string    `json:"id"`
	StartedAt       time.Time `json:"started_at"`
	EndedAt         time.Time `json:"ended_at"`
	DurationSeconds int64     `json:"duration_seconds"`
	Question        *string   `json:"question,omitempty"`
	Scale           *int64    `json:"scale,omitempty"`
	Response        *string   `json:"response,omitempty"`
	Skipped         *bool     `json:"skipped,omitempty"`
}
