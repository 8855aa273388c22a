package translate

import (
	"strings"

	"github.com/deskagent-ai/deskagent/pkg/types"
)

var (
	openSettings = types.RecoveryAction{Kind: "open_settings", Label: "Open settings"}
	retryAction  = types.RecoveryAction{Kind: "retry", Label: "Retry"}
)

// MapError maps engine-reported failure text onto the closed error taxonomy.
// The raw text is preserved for debugging but the structured title/message is
// what presentation shows.
func MapError(raw string, statusCode int) *types.AgentError {
	lower := strings.ToLower(raw)

	switch {
	case statusCode == 401 || statusCode == 403 ||
		containsAny(lower, "invalid api key", "authentication", "unauthorized", "forbidden", "401", "403"):
		return &types.AgentError{
			Code:      types.ErrCodeAuth,
			Title:     "Authentication failed",
			Message:   "The configured API key was rejected. Check your credentials.",
			Retryable: false,
			Raw:       raw,
			Actions:   []types.RecoveryAction{openSettings},
		}
	case containsAny(lower, "billing", "credit balance", "payment required", "402", "quota exceeded"):
		return &types.AgentError{
			Code:      types.ErrCodeBilling,
			Title:     "Billing issue",
			Message:   "Your account has a billing problem. Review your plan and balance.",
			Retryable: false,
			Raw:       raw,
			Actions:   []types.RecoveryAction{openSettings},
		}
	case statusCode == 429 || containsAny(lower, "rate limit", "too many requests", "429"):
		return &types.AgentError{
			Code:      types.ErrCodeRateLimited,
			Title:     "Rate limited",
			Message:   "Too many requests. The turn will be retried automatically.",
			Retryable: true,
			Raw:       raw,
			Actions:   []types.RecoveryAction{retryAction},
		}
	case statusCode >= 500 || containsAny(lower, "overloaded", "529", "service unavailable", "internal server error"):
		return &types.AgentError{
			Code:      types.ErrCodeOverloaded,
			Title:     "Service overloaded",
			Message:   "The model service is temporarily overloaded.",
			Retryable: true,
			Raw:       raw,
			Actions:   []types.RecoveryAction{retryAction},
		}
	default:
		msg := raw
		if msg == "" {
			msg = "The engine reported an unknown error."
		}
		return &types.AgentError{
			Code:      types.ErrCodeUnknown,
			Title:     "Something went wrong",
			Message:   msg,
			Retryable: false,
			Raw:       raw,
			Actions:   []types.RecoveryAction{retryAction},
		}
	}
}

func containsAny(s string, subs ...string) bool {
	for _, sub := range subs {
		if strings.Contains(s, sub) {
			return true
		}
	}
	return false
}
