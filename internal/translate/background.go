package translate

import (
	"regexp"

	"github.com/deskagent-ai/deskagent/pkg/types"
)

// Result-content patterns that indicate the tool detached into background
// work tracked by a separate handle.
var (
	taskHandleRe   = regexp.MustCompile(`(?i)task (?:launched|running|started) in (?:the )?background.*?\b(task_[A-Za-z0-9]+)`)
	shellHandleRe  = regexp.MustCompile(`(?i)(?:command|shell) running in (?:the )?background(?:.*?\bid:?\s*)(bash_[A-Za-z0-9]+|shell_[A-Za-z0-9]+)`)
	shellKilledRe  = regexp.MustCompile(`(?i)background (?:command|shell)\s+(bash_[A-Za-z0-9]+|shell_[A-Za-z0-9]+)\s+(?:was )?killed`)
	taskProgressRe = regexp.MustCompile(`(?i)^\s*\[(task_[A-Za-z0-9]+)\]\s`)
)

// detectBackground inspects a tool result's text for a background handle and
// produces the corresponding tracking event, or nil.
func detectBackground(turnID, toolUseID, content string) *types.AgentEvent {
	if m := shellKilledRe.FindStringSubmatch(content); m != nil {
		return &types.AgentEvent{
			Type:      types.EventShellKilled,
			TurnID:    turnID,
			ToolUseID: toolUseID,
			ShellID:   m[1],
		}
	}
	if m := shellHandleRe.FindStringSubmatch(content); m != nil {
		return &types.AgentEvent{
			Type:      types.EventShellBackgrounded,
			TurnID:    turnID,
			ToolUseID: toolUseID,
			ShellID:   m[1],
		}
	}
	if m := taskHandleRe.FindStringSubmatch(content); m != nil {
		return &types.AgentEvent{
			Type:      types.EventTaskBackgrounded,
			TurnID:    turnID,
			ToolUseID: toolUseID,
			TaskID:    m[1],
		}
	}
	if m := taskProgressRe.FindStringSubmatch(content); m != nil {
		return &types.AgentEvent{
			Type:      types.EventTaskProgress,
			TurnID:    turnID,
			ToolUseID: toolUseID,
			TaskID:    m[1],
			Result:    content,
		}
	}
	return nil
}
