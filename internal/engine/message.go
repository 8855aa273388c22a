// Package engine defines the contract with the external execution engine:
// an opaque backend that runs model inference and tool calls and emits a
// stream of messages. Nothing here assumes anything about how the engine
// executes tools.
package engine

import (
	"encoding/json"
	"fmt"
)

// Message is the closed union of raw engine messages. Each kind has exactly
// one struct; consumers dispatch with a type switch.
type Message interface {
	engineMessage()
}

// SystemInit is the engine's first message: the engine-side conversation id
// (usable as a resumption token), the effective model, and capabilities.
type SystemInit struct {
	SessionID     string   `json:"session_id"`
	Model         string   `json:"model"`
	Tools         []string `json:"tools,omitempty"`
	ContextWindow int      `json:"context_window,omitempty"`
}

func (SystemInit) engineMessage() {}

// TextDelta is an incremental fragment of assistant text.
type TextDelta struct {
	Text            string `json:"text"`
	ParentToolUseID string `json:"parent_tool_use_id,omitempty"`
}

func (TextDelta) engineMessage() {}

// StopReason says why the current assistant run stopped.
type StopReason string

const (
	StopToolUse StopReason = "tool_use"
	StopEndTurn StopReason = "end_turn"
)

// Stop marks the end of an assistant text run.
type Stop struct {
	Reason          StopReason `json:"reason"`
	ParentToolUseID string     `json:"parent_tool_use_id,omitempty"`
}

func (Stop) engineMessage() {}

// ToolStart announces a tool invocation. Partial announcements from early
// streaming may carry an empty input that a later full announcement fills in.
type ToolStart struct {
	ID              string          `json:"id"`
	Name            string          `json:"name"`
	Input           json.RawMessage `json:"input,omitempty"`
	ParentToolUseID string          `json:"parent_tool_use_id,omitempty"`
	Partial         bool            `json:"partial,omitempty"`
}

func (ToolStart) engineMessage() {}

// ToolResult carries the outcome of a tool invocation.
type ToolResult struct {
	ToolUseID       string `json:"tool_use_id"`
	Content         string `json:"content"`
	IsError         bool   `json:"is_error,omitempty"`
	ParentToolUseID string `json:"parent_tool_use_id,omitempty"`
}

func (ToolResult) engineMessage() {}

// Usage reports token usage for one model call.
type Usage struct {
	InputTokens     int    `json:"input_tokens"`
	OutputTokens    int    `json:"output_tokens"`
	CacheReadTokens int    `json:"cache_read_tokens,omitempty"`
	ParentToolUseID string `json:"parent_tool_use_id,omitempty"`
}

func (Usage) engineMessage() {}

// Compact signals context compaction; Done distinguishes start from finish.
type Compact struct {
	Done    bool   `json:"done"`
	Trigger string `json:"trigger,omitempty"`
}

func (Compact) engineMessage() {}

// TurnResult is the engine's terminal message for a turn.
type TurnResult struct {
	Subtype       string `json:"subtype"` // "success" | "error_during_execution" | ...
	IsError       bool   `json:"is_error"`
	SessionID     string `json:"session_id,omitempty"`
	ContextWindow int    `json:"context_window,omitempty"`
	Usage         *Usage `json:"usage,omitempty"`
	ErrorText     string `json:"error,omitempty"`
}

func (TurnResult) engineMessage() {}

// Fault is an engine-reported error outside the normal turn lifecycle.
type Fault struct {
	Code       string `json:"code,omitempty"`
	Message    string `json:"message"`
	StatusCode int    `json:"status,omitempty"`
}

func (Fault) engineMessage() {}

// envelope is the wire framing for NDJSON transport.
type envelope struct {
	Type string `json:"type"`
}

// controlRequest is the engine asking whether a tool may run. It is handled
// inside the transport and never surfaced to Recv callers.
type controlRequest struct {
	ID    string          `json:"id"`
	Tool  string          `json:"tool"`
	Input json.RawMessage `json:"input,omitempty"`
}

// decodeLine parses one NDJSON line into a Message. A control_request line
// decodes to nil with the parsed request returned separately.
func decodeLine(line []byte) (Message, *controlRequest, error) {
	var env envelope
	if err := json.Unmarshal(line, &env); err != nil {
		return nil, nil, fmt.Errorf("malformed engine message: %w", err)
	}

	switch env.Type {
	case "system":
		var m SystemInit
		return unmarshalAs(line, &m)
	case "text":
		var m TextDelta
		return unmarshalAs(line, &m)
	case "stop":
		var m Stop
		return unmarshalAs(line, &m)
	case "tool_start":
		var m ToolStart
		return unmarshalAs(line, &m)
	case "tool_result":
		var m ToolResult
		return unmarshalAs(line, &m)
	case "usage":
		var m Usage
		return unmarshalAs(line, &m)
	case "compact":
		var m Compact
		return unmarshalAs(line, &m)
	case "result":
		var m TurnResult
		return unmarshalAs(line, &m)
	case "error":
		var m Fault
		return unmarshalAs(line, &m)
	case "control_request":
		var cr controlRequest
		if err := json.Unmarshal(line, &cr); err != nil {
			return nil, nil, err
		}
		return nil, &cr, nil
	default:
		return nil, nil, fmt.Errorf("unknown engine message type %q", env.Type)
	}
}

func unmarshalAs[T Message](line []byte, m *T) (Message, *controlRequest, error) {
	if err := json.Unmarshal(line, m); err != nil {
		return nil, nil, err
	}
	return *m, nil, nil
}
