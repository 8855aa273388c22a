package orchestrator

import (
	"context"
	"encoding/json"
	"io"
	"strings"
	"time"

	"github.com/deskagent-ai/deskagent/internal/credential"
	"github.com/deskagent-ai/deskagent/internal/engine"
	"github.com/deskagent-ai/deskagent/internal/logging"
	"github.com/deskagent-ai/deskagent/pkg/types"
)

const titleSystemPrompt = `You are a title generator. You output ONLY a thread title. Nothing else.

Generate a brief title that would help the user find this conversation later.

Rules:
- A single line, ≤50 characters
- No explanations
- Use -ing verbs for actions (Debugging, Implementing, Analyzing)
- Keep exact: technical terms, numbers, filenames
- Remove: the, this, my, a, an
- Always output something meaningful`

const maxTitleLength = 50

// generateTitle asks the engine for a session title based on the first user
// message. Best-effort: any failure leaves the default title in place.
func (o *Orchestrator) generateTitle(session *types.Session, model string, cred credential.Credential, userContent string, cb Callbacks) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	opts := engine.Options{
		WorkDir:      session.Workspace,
		Model:        model,
		APIKey:       cred.APIKey,
		BaseURL:      cred.BaseURL,
		SystemPrompt: titleSystemPrompt,
		AllowedTools: []string{},
		CanUseTool: func(context.Context, string, json.RawMessage) engine.Decision {
			return engine.Decision{Allow: false, Message: "tools are not available here"}
		},
	}

	stream, err := o.engine.Invoke(ctx, "Generate a title for this conversation:\n\n"+userContent, opts)
	if err != nil {
		logging.Debug().Err(err).Str("session", session.ID).Msg("title generation failed to start")
		return
	}
	defer stream.Close()

	var b strings.Builder
	for {
		msg, err := stream.Recv()
		if err != nil {
			if err != io.EOF {
				logging.Debug().Err(err).Str("session", session.ID).Msg("title generation stream failed")
				return
			}
			break
		}
		if delta, ok := msg.(engine.TextDelta); ok {
			b.WriteString(delta.Text)
		}
	}

	title := cleanTitle(b.String())
	if title == "" {
		return
	}

	_, err = o.store.UpdateSessionMeta(context.Background(), session.ID, func(s *types.Session) {
		if s.HasDefaultTitle() {
			s.Title = title
		}
	})
	if err != nil {
		logging.Warn().Err(err).Str("session", session.ID).Msg("failed to save generated title")
		return
	}
	if cb.OnTitleUpdated != nil {
		cb.OnTitleUpdated(session.ID, title)
	}
}

// cleanTitle reduces model output to a single trimmed line within the length
// cap.
func cleanTitle(raw string) string {
	line := strings.TrimSpace(raw)
	if i := strings.IndexByte(line, '\n'); i >= 0 {
		line = strings.TrimSpace(line[:i])
	}
	line = strings.Trim(line, `"'`)
	if len(line) > maxTitleLength {
		runes := []rune(line)
		if len(runes) > maxTitleLength {
			line = string(runes[:maxTitleLength])
		}
	}
	return strings.TrimSpace(line)
}
