package translate

import (
	"github.com/deskagent-ai/deskagent/internal/engine"
	"github.com/deskagent-ai/deskagent/internal/toolindex"
	"github.com/deskagent-ai/deskagent/pkg/types"
)

// containerTools are tools whose invocation opens a parenting scope: tool
// calls the engine fails to parent explicitly are attributed to the sole
// open container.
var containerTools = map[string]bool{
	"task":     true,
	"subagent": true,
	"agent":    true,
}

// Translator converts engine messages into agent events using the tool
// correlation index and per-turn scratch state.
type Translator struct {
	index *toolindex.Index
}

// New creates a translator over the given correlation index.
func New(index *toolindex.Index) *Translator {
	return &Translator{index: index}
}

// Translate converts one engine message into zero or more events.
func (t *Translator) Translate(tc *TurnContext, msg engine.Message) []types.AgentEvent {
	switch m := msg.(type) {
	case engine.SystemInit:
		if m.ContextWindow > 0 {
			tc.contextWindow = m.ContextWindow
		}
		return nil
	case engine.TextDelta:
		return t.translateText(tc, m)
	case engine.Stop:
		return t.translateStop(tc, m)
	case engine.ToolStart:
		return t.translateToolStart(tc, m)
	case engine.ToolResult:
		return t.translateToolResult(tc, m)
	case engine.Usage:
		return t.translateUsage(tc, m)
	case engine.Compact:
		if m.Done {
			return []types.AgentEvent{{Type: types.EventCompactComplete, TurnID: tc.TurnID}}
		}
		return []types.AgentEvent{{Type: types.EventCompacting, TurnID: tc.TurnID}}
	case engine.TurnResult:
		return t.translateResult(tc, m)
	case engine.Fault:
		return t.translateFault(tc, m)
	default:
		return nil
	}
}

// Flush finalizes a turn whose stream ended without a terminating stop
// message. Trailing text is emitted as a non-intermediate completion; silent
// loss of it would be a correctness bug.
func (t *Translator) Flush(tc *TurnContext) []types.AgentEvent {
	return t.flushText(tc, false)
}

func (t *Translator) translateText(tc *TurnContext, m engine.TextDelta) []types.AgentEvent {
	var events []types.AgentEvent

	// A delta owned by a different parent closes the previous run first.
	if tc.pending.Len() > 0 && tc.pendingParent != m.ParentToolUseID {
		events = append(events, t.flushText(tc, true)...)
	}

	tc.pendingParent = m.ParentToolUseID
	tc.pending.WriteString(m.Text)

	events = append(events, types.AgentEvent{
		Type:            types.EventTextDelta,
		TurnID:          tc.TurnID,
		ParentToolUseID: m.ParentToolUseID,
		Text:            m.Text,
	})
	return events
}

func (t *Translator) translateStop(tc *TurnContext, m engine.Stop) []types.AgentEvent {
	return t.flushText(tc, m.Reason == engine.StopToolUse)
}

func (t *Translator) flushText(tc *TurnContext, intermediate bool) []types.AgentEvent {
	if tc.pending.Len() == 0 {
		return nil
	}
	ev := types.AgentEvent{
		Type:            types.EventTextComplete,
		TurnID:          tc.TurnID,
		ParentToolUseID: tc.pendingParent,
		Text:            tc.pending.String(),
		Intermediate:    intermediate,
	}
	tc.pending.Reset()
	tc.pendingParent = ""
	return []types.AgentEvent{ev}
}

func (t *Translator) translateToolStart(tc *TurnContext, m engine.ToolStart) []types.AgentEvent {
	if m.ID == "" {
		return nil
	}

	t.index.Register(m.ID, m.Name, m.Input)

	hasInput := len(m.Input) > 0 && string(m.Input) != "{}"
	hadInput, seen := tc.announced[m.ID]
	if seen && (hadInput || !hasInput) {
		// Already announced with the best input we have.
		return nil
	}
	tc.announced[m.ID] = hasInput || hadInput

	parent := m.ParentToolUseID
	if parent == "" && !containerTools[m.Name] {
		parent = tc.soleActiveParent()
	}
	if containerTools[m.Name] {
		tc.activeParents[m.ID] = struct{}{}
	}

	entry, _ := t.index.Entry(m.ID)
	return []types.AgentEvent{{
		Type:            types.EventToolStart,
		TurnID:          tc.TurnID,
		ToolUseID:       m.ID,
		ParentToolUseID: parent,
		ToolName:        entry.Name,
		ToolInput:       entry.Input,
	}}
}

func (t *Translator) translateToolResult(tc *TurnContext, m engine.ToolResult) []types.AgentEvent {
	// Unknown ids should not happen, but must not fail: emit with an
	// undefined tool name.
	name := t.index.Name(m.ToolUseID)

	parent := m.ParentToolUseID
	if parent == "" {
		if _, isContainer := tc.activeParents[m.ToolUseID]; !isContainer {
			parent = tc.soleActiveParent()
		}
	}
	delete(tc.activeParents, m.ToolUseID)

	events := []types.AgentEvent{{
		Type:            types.EventToolResult,
		TurnID:          tc.TurnID,
		ToolUseID:       m.ToolUseID,
		ParentToolUseID: parent,
		ToolName:        name,
		Result:          m.Content,
		IsError:         m.IsError,
	}}

	if bg := detectBackground(tc.TurnID, m.ToolUseID, m.Content); bg != nil {
		events = append(events, *bg)
	}
	return events
}

func (t *Translator) translateUsage(tc *TurnContext, m engine.Usage) []types.AgentEvent {
	// Sub-task branches report their own usage; counting them would double
	// what the primary chain already includes.
	if m.ParentToolUseID != "" {
		return nil
	}
	tc.usage.InputTokens += m.InputTokens
	tc.usage.OutputTokens += m.OutputTokens
	tc.usage.CacheReadTokens += m.CacheReadTokens

	u := tc.Usage()
	return []types.AgentEvent{{
		Type:   types.EventUsageUpdate,
		TurnID: tc.TurnID,
		Usage:  &u,
	}}
}

func (t *Translator) translateResult(tc *TurnContext, m engine.TurnResult) []types.AgentEvent {
	if m.ContextWindow > 0 {
		tc.contextWindow = m.ContextWindow
	}

	events := t.flushText(tc, false)

	if m.IsError {
		events = append(events, types.AgentEvent{
			Type:   types.EventTypedError,
			TurnID: tc.TurnID,
			Error:  MapError(m.ErrorText, 0),
		})
		return events
	}

	if m.Usage != nil && m.Usage.ParentToolUseID == "" {
		tc.usage.InputTokens += m.Usage.InputTokens
		tc.usage.OutputTokens += m.Usage.OutputTokens
		tc.usage.CacheReadTokens += m.Usage.CacheReadTokens
	}

	u := tc.Usage()
	events = append(events, types.AgentEvent{
		Type:   types.EventComplete,
		TurnID: tc.TurnID,
		Usage:  &u,
	})
	return events
}

func (t *Translator) translateFault(tc *TurnContext, m engine.Fault) []types.AgentEvent {
	events := t.flushText(tc, false)
	events = append(events, types.AgentEvent{
		Type:   types.EventTypedError,
		TurnID: tc.TurnID,
		Error:  MapError(m.Message, m.StatusCode),
	})
	return events
}
