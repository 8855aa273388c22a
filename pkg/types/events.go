package types

import "encoding/json"

// EventType identifies an AgentEvent variant.
type EventType string

const (
	EventTextDelta          EventType = "text_delta"
	EventTextComplete       EventType = "text_complete"
	EventToolStart          EventType = "tool_start"
	EventToolResult         EventType = "tool_result"
	EventTaskBackgrounded   EventType = "task_backgrounded"
	EventTaskProgress       EventType = "task_progress"
	EventShellBackgrounded  EventType = "shell_backgrounded"
	EventShellKilled        EventType = "shell_killed"
	EventUsageUpdate        EventType = "usage_update"
	EventCompacting         EventType = "compacting"
	EventCompactComplete    EventType = "compact_complete"
	EventPermissionRequest  EventType = "permission_request"
	EventPermissionResolved EventType = "permission_resolved"
	EventTypedError         EventType = "typed_error"
	EventComplete           EventType = "complete"
	EventRetrying           EventType = "retrying"
	EventRetryAttempt       EventType = "retry_attempt"
	EventRetryCleared       EventType = "retry_cleared"
	EventRetryFailed        EventType = "retry_failed"
)

// AgentEvent is one unit of observable progress within a turn. The event
// stream for a turn, replayed in order, reconstructs the tool activity view.
type AgentEvent struct {
	Type EventType `json:"type"`

	// Correlation data.
	TurnID          string `json:"turnID,omitempty"`
	ToolUseID       string `json:"toolUseID,omitempty"`
	ParentToolUseID string `json:"parentToolUseID,omitempty"`

	// text_delta / text_complete. Intermediate marks a text run that is
	// followed by further tool use in the same turn.
	Text         string `json:"text,omitempty"`
	Intermediate bool   `json:"intermediate,omitempty"`

	// tool_start / tool_result.
	ToolName  string          `json:"toolName,omitempty"`
	ToolInput json.RawMessage `json:"toolInput,omitempty"`
	Result    string          `json:"result,omitempty"`
	IsError   bool            `json:"isError,omitempty"`

	// Background tracking handles.
	TaskID  string `json:"taskID,omitempty"`
	ShellID string `json:"shellID,omitempty"`

	Usage      *UsageInfo        `json:"usage,omitempty"`
	Error      *AgentError       `json:"error,omitempty"`
	Permission *PermissionPrompt `json:"permission,omitempty"`
	Retry      *RetryInfo        `json:"retry,omitempty"`
}

// UsageInfo carries running token usage plus the most recent context-window
// hint reported by the engine.
type UsageInfo struct {
	InputTokens     int `json:"inputTokens"`
	OutputTokens    int `json:"outputTokens"`
	CacheReadTokens int `json:"cacheReadTokens,omitempty"`
	ContextWindow   int `json:"contextWindow,omitempty"`
}

// PermissionPrompt is the payload of a permission_request event.
type PermissionPrompt struct {
	RequestID   string `json:"requestID"`
	ToolName    string `json:"toolName"`
	Description string `json:"description"`
	Command     string `json:"command,omitempty"`
	Danger      string `json:"danger,omitempty"` // "normal" | "dangerous"
	Behavior    string `json:"behavior,omitempty"`
}

// RetryInfo is the payload of retry progress events.
type RetryInfo struct {
	Attempt     int    `json:"attempt"`
	MaxAttempts int    `json:"maxAttempts"`
	DelayMs     int64  `json:"delayMs,omitempty"`
	Reason      string `json:"reason,omitempty"`
	Error       string `json:"error,omitempty"`
}

// RetryAttempt records one failed and retried invocation. Kept in memory for
// the duration of a retrying turn; summarized into the final status message
// only on ultimate failure.
type RetryAttempt struct {
	Attempt int    `json:"attempt"`
	At      int64  `json:"at"`
	Reason  string `json:"reason"`
	Error   string `json:"error"`
	Stderr  string `json:"stderr,omitempty"`
	DelayMs int64  `json:"delayMs"`
}
