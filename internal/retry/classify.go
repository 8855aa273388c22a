// Package retry classifies engine failures, runs tiered inactivity
// timeouts, and drives bounded exponential-backoff retries.
package retry

import (
	"context"
	"errors"
	"strings"
)

// Reason is the classified cause of a failed attempt.
type Reason string

const (
	ReasonNetwork     Reason = "network"
	ReasonRateLimited Reason = "rate_limited"
	ReasonServer      Reason = "server_error"
	ReasonInactivity  Reason = "inactivity_timeout"
	ReasonToolRuntime Reason = "tool_runtime_start"
	ReasonFatal       Reason = "fatal"
	ReasonAborted     Reason = "aborted"
)

var fatalSignatures = []string{
	"invalid api key", "authentication", "unauthorized", "forbidden",
	"401", "403", "invalid_request", "malformed", "billing", "credit balance",
}

var networkSignatures = []string{
	"econnrefused", "econnreset", "etimedout", "epipe", "enotfound",
	"socket hang up", "network", "fetch failed", "connection refused",
	"connection reset", "tls handshake",
}

var rateLimitSignatures = []string{
	"429", "rate limit", "too many requests",
}

var serverSignatures = []string{
	"500", "502", "503", "529", "overloaded", "internal server error",
	"service unavailable", "bad gateway",
}

var toolRuntimeSignatures = []string{
	"failed to start", "enoent", "spawn", "executable file not found",
}

// Classify determines the failure reason and whether a retry may help.
// Authentication, authorization, malformed requests and user cancellation
// are never retried. The stderr capture participates because engine
// processes often report the real cause there rather than in the exit error.
func Classify(err error, stderr string) (Reason, bool) {
	if err == nil {
		return "", false
	}
	// The watchdog cancels with ErrInactivity as the cause; check it before
	// the generic cancellation so a self-inflicted timeout stays retryable.
	if errors.Is(err, ErrInactivity) {
		return ReasonInactivity, true
	}
	if errors.Is(err, context.Canceled) {
		return ReasonAborted, false
	}

	text := strings.ToLower(err.Error() + "\n" + stderr)

	if containsAny(text, "user aborted", "aborted by user", "operation was aborted") {
		return ReasonAborted, false
	}
	if containsAny(text, fatalSignatures...) {
		return ReasonFatal, false
	}
	// A missing engine binary is a setup problem, not a transient one.
	if strings.Contains(text, "engine binary not found") {
		return ReasonFatal, false
	}
	if containsAny(text, "inactivity timeout") {
		return ReasonInactivity, true
	}
	if containsAny(text, networkSignatures...) {
		return ReasonNetwork, true
	}
	if containsAny(text, rateLimitSignatures...) {
		return ReasonRateLimited, true
	}
	if containsAny(text, serverSignatures...) {
		return ReasonServer, true
	}
	if containsAny(text, toolRuntimeSignatures...) {
		return ReasonToolRuntime, true
	}
	return ReasonFatal, false
}

func containsAny(s string, subs ...string) bool {
	for _, sub := range subs {
		if strings.Contains(s, sub) {
			return true
		}
	}
	return false
}
