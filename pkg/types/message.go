package types

// Role distinguishes the three kinds of log entries in a session.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleStatus    Role = "status"
)

// Message is one append-only log entry owned by a session. Messages are
// written once and never mutated in place; a failed or aborted turn still
// produces a terminal message capturing whatever was accumulated.
type Message struct {
	ID        string `json:"id"`
	SessionID string `json:"sessionID"`
	Role      Role   `json:"role"`
	Text      string `json:"text,omitempty"`

	// Assistant messages only.
	Model  string       `json:"model,omitempty"`
	Events []AgentEvent `json:"events,omitempty"`

	// Status messages only.
	Error    *AgentError    `json:"error,omitempty"`
	Attempts []RetryAttempt `json:"attempts,omitempty"`

	Time MessageTime `json:"time"`
}

// MessageTime contains timestamps for a message.
type MessageTime struct {
	Created int64 `json:"created"`
}
