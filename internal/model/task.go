package model

import "time"

// TaskStatus is the processing-task record state.
type TaskStatus string

const (
	TaskStatusPending      TaskStatus = "pending"
	TaskStatusRunning      TaskStatus = "running"
	TaskStatusSuccess      TaskStatus = "success"
	TaskStatusFailed       TaskStatus = "failed"
	TaskStatusDeadLettered TaskStatus = "dead_lettered"
)

// TaskRecord is one row per (message-or-document, stage, attempt). The
// trail is append-only: a retry writes a new record, never mutates an old
// one.
type TaskRecord struct {
	ID            string      `json:"id"`
	MessageID     string      `json:"message_id,omitempty"`
	Stage         Stage       `json:"stage"`
	Attempt       int         `json:"attempt"` // 0-based; equals retries performed so far
	Status        TaskStatus  `json:"status"`
	InputSummary  string      `json:"input_summary,omitempty"`
	OutputSummary string      `json:"output_summary,omitempty"`
	TokenUsage    TokenUsage  `json:"token_usage"`
	DurationMS    int64       `json:"duration_ms"`
	Error         string      `json:"error,omitempty"`
	CreatedAt     time.Time   `json:"created_at"`
}

// DeadLetterEntry persists a payload whose retries are exhausted. The
// resolved flag is monotonic: false to true, never back. Entries are never
// deleted. Permanent marks a failure that cannot succeed on replay; the
// periodic sweep leaves those for an operator.
type DeadLetterEntry struct {
	ID         string     `json:"id"`
	Stage      Stage      `json:"stage"`
	MessageID  string     `json:"message_id,omitempty"`
	Payload    []byte     `json:"payload"`
	Error      string     `json:"error"`
	StackTrace string     `json:"stack_trace,omitempty"`
	RetryCount int        `json:"retry_count"`
	Permanent  bool       `json:"permanent"`
	Resolved   bool       `json:"resolved"`
	ResolvedBy string     `json:"resolved_by,omitempty"`
	ResolvedAt *time.Time `json:"resolved_at,omitempty"`
	CreatedAt  time.Time  `json:"created_at"`
	UpdatedAt  time.Time  `json:"updated_at"`
}
