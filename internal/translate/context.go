// Package translate converts raw engine messages into normalized agent
// events. Translation is best-effort: malformed or unexpected input degrades
// to fewer events, never to an error.
package translate

import (
	"strings"

	"github.com/deskagent-ai/deskagent/pkg/types"
)

// TurnContext is the mutable scratch state threaded through translation
// calls. It is scoped to the lifetime of one engine stream and must never be
// shared across turns or sessions.
type TurnContext struct {
	TurnID string

	// Pending assistant text and the parent tool that owns it.
	pending       strings.Builder
	pendingParent string

	// Open "container" tools (sub-tasks) used to attribute orphan calls.
	activeParents map[string]struct{}

	// Tool announcements already emitted this turn, and whether the
	// announcement carried a non-empty input.
	announced map[string]bool

	// Running usage from the primary call chain only.
	usage types.UsageInfo

	// Most recent context-window hint from the engine.
	contextWindow int
}

// NewTurnContext creates fresh scratch state for one turn.
func NewTurnContext(turnID string) *TurnContext {
	return &TurnContext{
		TurnID:        turnID,
		activeParents: make(map[string]struct{}),
		announced:     make(map[string]bool),
	}
}

// Usage returns the accumulated primary-chain usage with the cached
// context-window size attached.
func (tc *TurnContext) Usage() types.UsageInfo {
	u := tc.usage
	u.ContextWindow = tc.contextWindow
	return u
}

// soleActiveParent returns the only open container id, or "" when zero or
// several are open. With parallel siblings no attribution is attempted.
func (tc *TurnContext) soleActiveParent() string {
	if len(tc.activeParents) != 1 {
		return ""
	}
	for id := range tc.activeParents {
		return id
	}
	return ""
}
