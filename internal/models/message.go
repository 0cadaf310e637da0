package models

import "time"

// Role identifies the author of a message in a thread.
type Role string

const (
	RoleSystem Role = "system"
	RoleHuman  Role = "human"
	RoleAI     Role = "ai"
)

// MessageMeta is attached to answers produced by the data-query branch.
type MessageMeta struct {
	MessageID  string     `json:"message_id,omitempty"`
	Tables     []string   `json:"tables,omitempty"`
	Activities []string   `json:"activities,omitempty"`
	Query      string     `json:"query,omitempty"`
	Result     *ResultSet `json:"result,omitempty"`
}

// Message is an immutable entry in a thread's ordered log.
type Message struct {
	ID        int64        `json:"id"`
	ThreadID  int64        `json:"thread_id"`
	Role      Role         `json:"role"`
	Content   string       `json:"content"`
	Meta      *MessageMeta `json:"meta,omitempty"`
	CreatedAt time.Time    `json:"created_at"`
}
