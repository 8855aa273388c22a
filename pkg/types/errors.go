package types

// ErrorCode is the closed taxonomy for engine-reported failures.
type ErrorCode string

const (
	ErrCodeAuth        ErrorCode = "auth"
	ErrCodeBilling     ErrorCode = "billing"
	ErrCodeRateLimited ErrorCode = "rate_limited"
	ErrCodeOverloaded  ErrorCode = "overloaded"
	ErrCodeUnknown     ErrorCode = "unknown"
)

// RecoveryAction is a structured suggestion attached to a typed error.
type RecoveryAction struct {
	Kind  string `json:"kind"` // "open_settings" | "retry"
	Label string `json:"label"`
}

// AgentError is the user-facing form of an engine failure. Raw preserves the
// original diagnostic text for debugging; it is never the primary message
// when a structured one exists.
type AgentError struct {
	Code      ErrorCode        `json:"code"`
	Title     string           `json:"title"`
	Message   string           `json:"message"`
	Retryable bool             `json:"retryable"`
	Raw       string           `json:"raw,omitempty"`
	Actions   []RecoveryAction `json:"actions,omitempty"`
}

func (e *AgentError) Error() string {
	if e.Message != "" {
		return e.Message
	}
	return string(e.Code)
}
