package orchestrator

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/deskagent-ai/deskagent/internal/credential"
	"github.com/deskagent-ai/deskagent/internal/engine"
	"github.com/deskagent-ai/deskagent/internal/permission"
	"github.com/deskagent-ai/deskagent/internal/retry"
	"github.com/deskagent-ai/deskagent/internal/toolindex"
	"github.com/deskagent-ai/deskagent/internal/translate"
	"github.com/deskagent-ai/deskagent/pkg/types"
)

const systemPromptSuffix = `You are running inside a desktop assistant. Keep answers concise; the user sees tool activity live, so do not narrate every step. Prefer doing over explaining.`

// invocation carries the per-turn state shared between retry attempts. The
// accumulator resets each attempt; only the last attempt's output is
// persisted.
type invocation struct {
	o       *Orchestrator
	session *types.Session
	model   string
	cred    credential.Credential
	prompt  string
	turnID  string

	mu                sync.Mutex
	segments          []string
	events            []types.AgentEvent
	stderr            string
	emittedTypedError bool
}

// attempt runs one engine invocation to completion. It satisfies
// retry.AttemptFunc.
func (inv *invocation) attempt(ctx context.Context) (string, error) {
	inv.reset()

	attemptCtx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)
	wd := retry.NewWatchdog(cancel, inv.o.timeouts)
	defer wd.Stop()

	opts, prompt := inv.buildOptions(attemptCtx, wd)
	stream, err := inv.o.engine.Invoke(attemptCtx, prompt, opts)
	if err != nil {
		return "", err
	}
	defer stream.Close()

	index := toolindex.New()
	tr := translate.New(index)
	tc := translate.NewTurnContext(inv.turnID)

	flush := func() {
		for _, ev := range tr.Flush(tc) {
			inv.record(ev)
			inv.o.bus.Emit(inv.session.ID, ev)
		}
	}

	var typedErr *types.AgentError
	for {
		msg, err := stream.Recv()
		if err != nil {
			if err == io.EOF {
				break
			}
			// Trailing text survives an interrupted stream.
			flush()
			inv.setStderr(stream.Stderr())
			if cause := context.Cause(attemptCtx); cause != nil && cause != context.Canceled {
				return stream.Stderr(), cause
			}
			return stream.Stderr(), err
		}

		wd.Touch()
		switch m := msg.(type) {
		case engine.SystemInit:
			inv.o.saveResumeToken(inv.session.ID, m.SessionID)
		case engine.ToolStart:
			if !m.Partial {
				wd.ToolStarted()
			}
		case engine.ToolResult:
			wd.ToolFinished()
		}

		for _, ev := range tr.Translate(tc, msg) {
			if ev.Type == types.EventTypedError {
				typedErr = ev.Error
				inv.markTypedErrorEmitted()
			}
			inv.record(ev)
			inv.o.bus.Emit(inv.session.ID, ev)
		}
	}

	flush()

	inv.setStderr(stream.Stderr())
	if typedErr != nil {
		return stream.Stderr(), typedErr
	}
	if cause := context.Cause(attemptCtx); cause != nil && cause != context.Canceled {
		// Stream ended because the watchdog or an abort cancelled it.
		return stream.Stderr(), cause
	}
	if err := ctx.Err(); err != nil {
		return stream.Stderr(), err
	}
	return stream.Stderr(), nil
}

func (inv *invocation) buildOptions(ctx context.Context, wd *retry.Watchdog) (engine.Options, string) {
	session := inv.session

	workDir := sessionWorkDir(session.Workspace, session.ID)
	if err := os.MkdirAll(workDir, 0o755); err != nil {
		workDir = session.Workspace
	}

	opts := engine.Options{
		WorkDir:      workDir,
		Model:        inv.model,
		APIKey:       inv.cred.APIKey,
		BaseURL:      inv.cred.BaseURL,
		ResumeToken:  session.ResumeToken,
		SystemPrompt: systemPromptSuffix,
		AllowedTools: allowedTools(session.Mode),
		CanUseTool: func(permCtx context.Context, toolName string, input json.RawMessage) engine.Decision {
			// A human deciding is not engine inactivity: hold the lenient
			// timeout for as long as the request is outstanding.
			wd.ToolStarted()
			defer wd.ToolFinished()
			return inv.o.perms.Evaluate(permCtx, session.ID, session.Mode, toolName, input)
		},
	}
	if inv.o.mcps != nil {
		opts.MCPServers = inv.o.mcps.EngineServers()
		if session.Mode != types.ModeSupervised {
			opts.AllowedTools = append(opts.AllowedTools, inv.o.mcps.ToolNames()...)
		}
	}

	prompt := inv.prompt
	if session.ResumeToken == "" {
		prompt = inv.withBackfill(ctx, prompt)
	}
	return opts, prompt
}

// allowedTools lists the tools the engine may run without consulting the
// permission callback. Auto pre-clears the built-in set, smart only the
// read-only tools, supervised nothing: every other call round-trips through
// CanUseTool.
func allowedTools(mode types.PermissionMode) []string {
	switch mode {
	case types.ModeAuto:
		return append(permission.ReadOnlyTools(), permission.ShellTool, "write", "edit", "task")
	case types.ModeSmart:
		return permission.ReadOnlyTools()
	default:
		return nil
	}
}

// withBackfill prepends recent conversation history when the engine-side
// conversation cannot be resumed. Status messages are skipped; they carry no
// conversational content.
func (inv *invocation) withBackfill(ctx context.Context, prompt string) string {
	messages, err := inv.o.store.List(ctx, inv.session.ID)
	if err != nil || len(messages) == 0 {
		return prompt
	}

	var history []string
	for _, msg := range messages {
		if msg.Role == types.RoleStatus || msg.Text == "" {
			continue
		}
		// The just-persisted user message is the prompt itself.
		if msg.Role == types.RoleUser && msg.Text == prompt {
			continue
		}
		history = append(history, fmt.Sprintf("[%s] %s", msg.Role, msg.Text))
	}
	if len(history) == 0 {
		return prompt
	}
	if len(history) > backfillLimit {
		history = history[len(history)-backfillLimit:]
	}

	return "Earlier in this conversation:\n" + strings.Join(history, "\n") + "\n\n" + prompt
}

func (inv *invocation) reset() {
	inv.mu.Lock()
	defer inv.mu.Unlock()
	inv.segments = nil
	inv.events = nil
	inv.stderr = ""
	inv.emittedTypedError = false
}

func (inv *invocation) record(ev types.AgentEvent) {
	inv.mu.Lock()
	defer inv.mu.Unlock()
	if ev.Type == types.EventTextComplete && ev.Text != "" {
		inv.segments = append(inv.segments, ev.Text)
	}
	// Deltas are presentation-only; the completed runs carry the text.
	if ev.Type == types.EventTextDelta {
		return
	}
	inv.events = append(inv.events, ev)
}

func (inv *invocation) setStderr(s string) {
	inv.mu.Lock()
	defer inv.mu.Unlock()
	if s != "" {
		inv.stderr = s
	}
}

func (inv *invocation) markTypedErrorEmitted() {
	inv.mu.Lock()
	defer inv.mu.Unlock()
	inv.emittedTypedError = true
}

// assistantMessage snapshots the accumulated output as a persistable
// message.
func (inv *invocation) assistantMessage() *types.Message {
	inv.mu.Lock()
	defer inv.mu.Unlock()
	return &types.Message{
		ID:        ulid.Make().String(),
		SessionID: inv.session.ID,
		Role:      types.RoleAssistant,
		Text:      strings.Join(inv.segments, "\n\n"),
		Model:     inv.session.Model,
		Events:    inv.events,
		Time:      types.MessageTime{Created: time.Now().UnixMilli()},
	}
}
