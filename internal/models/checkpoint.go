package models

import "time"

// Checkpoint is the durable snapshot of an interrupted pipeline run. At most
// one checkpoint per thread is live.
type Checkpoint struct {
	ThreadID  int64     `json:"thread_id"`
	RequestID string    `json:"request_id"`
	LastNode  string    `json:"last_node"`
	NextNode  string    `json:"next_node"`
	State     []byte    `json:"state"`
	CreatedAt time.Time `json:"created_at"`
}
