package types

import "encoding/json"

// ToolActivity is the presentation-side view of one tool invocation,
// materialized by folding tool_start / tool_result / background events for a
// toolUseID. It is derived state and never persisted.
type ToolActivity struct {
	ToolUseID       string          `json:"toolUseID"`
	ParentToolUseID string          `json:"parentToolUseID,omitempty"`
	Name            string          `json:"name"`
	Input           json.RawMessage `json:"input,omitempty"`
	Result          string          `json:"result,omitempty"`
	IsError         bool            `json:"isError,omitempty"`
	Done            bool            `json:"done"`
	Backgrounded    bool            `json:"backgrounded,omitempty"`
	TaskID          string          `json:"taskID,omitempty"`
	ShellID         string          `json:"shellID,omitempty"`
}

// FoldActivities replays a turn's event stream into tool activities. A
// tool_start arriving after a partial one for the same id merges into the
// existing activity instead of duplicating it.
func FoldActivities(events []AgentEvent) []*ToolActivity {
	byID := make(map[string]*ToolActivity)
	var order []*ToolActivity

	get := func(id string) *ToolActivity {
		if a, ok := byID[id]; ok {
			return a
		}
		a := &ToolActivity{ToolUseID: id}
		byID[id] = a
		order = append(order, a)
		return a
	}

	for _, ev := range events {
		if ev.ToolUseID == "" {
			continue
		}
		switch ev.Type {
		case EventToolStart:
			a := get(ev.ToolUseID)
			if ev.ToolName != "" {
				a.Name = ev.ToolName
			}
			if len(ev.ToolInput) > 0 {
				a.Input = ev.ToolInput
			}
			if ev.ParentToolUseID != "" {
				a.ParentToolUseID = ev.ParentToolUseID
			}
		case EventToolResult:
			a := get(ev.ToolUseID)
			if a.Name == "" && ev.ToolName != "" {
				a.Name = ev.ToolName
			}
			a.Result = ev.Result
			a.IsError = ev.IsError
			a.Done = true
		case EventTaskBackgrounded:
			a := get(ev.ToolUseID)
			a.Backgrounded = true
			a.TaskID = ev.TaskID
		case EventShellBackgrounded:
			a := get(ev.ToolUseID)
			a.Backgrounded = true
			a.ShellID = ev.ShellID
		case EventShellKilled:
			a := get(ev.ToolUseID)
			a.Done = true
		}
	}

	return order
}
