// Package orchestrator drives agent turns: it owns the single-flight rule
// per session, wires the engine stream through translation onto the event
// bus, persists the outcome, and coordinates retries and aborts.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
	"golang.org/x/sync/errgroup"

	"github.com/deskagent-ai/deskagent/internal/credential"
	"github.com/deskagent-ai/deskagent/internal/engine"
	"github.com/deskagent-ai/deskagent/internal/event"
	"github.com/deskagent-ai/deskagent/internal/logging"
	"github.com/deskagent-ai/deskagent/internal/mcp"
	"github.com/deskagent-ai/deskagent/internal/permission"
	"github.com/deskagent-ai/deskagent/internal/retry"
	"github.com/deskagent-ai/deskagent/internal/store"
	"github.com/deskagent-ai/deskagent/internal/translate"
	"github.com/deskagent-ai/deskagent/pkg/types"
)

// ErrSessionBusy is returned when a turn is already running for the session.
var ErrSessionBusy = errors.New("session already has an active turn")

// errAborted marks a user-initiated cancellation.
var errAborted = errors.New("turn aborted by user")

// backfillLimit caps how many prior messages are replayed inline when no
// resume token is available.
const backfillLimit = 6

// Callbacks notify the caller about turn lifecycle milestones. All optional,
// all invoked from the turn goroutine.
type Callbacks struct {
	OnComplete     func(sessionID string, msg *types.Message)
	OnError        func(sessionID string, aerr *types.AgentError)
	OnTitleUpdated func(sessionID, title string)
}

type run struct {
	turnID  string
	cancel  context.CancelCauseFunc
	aborted bool
	done    chan struct{}
}

// Orchestrator runs at most one turn per session against the engine.
type Orchestrator struct {
	engine   engine.Engine
	store    *store.Store
	creds    credential.Resolver
	perms    *permission.Service
	bus      *event.Bus
	mcps     *mcp.Registry
	timeouts retry.Timeouts

	mu     sync.Mutex
	active map[string]*run
}

// New wires an orchestrator. mcps may be nil when no MCP servers are
// configured. Permission request/resolution notifications are forwarded onto
// the bus so stream consumers see prompts inline with turn progress.
func New(eng engine.Engine, st *store.Store, creds credential.Resolver, perms *permission.Service, bus *event.Bus, mcps *mcp.Registry) *Orchestrator {
	o := &Orchestrator{
		engine: eng,
		store:  st,
		creds:  creds,
		perms:  perms,
		bus:    bus,
		mcps:   mcps,
		active: make(map[string]*run),
	}
	// Chain onto any handlers the caller already installed; replacing them
	// would silently disconnect another consumer of the same service.
	prevRequest := perms.OnRequest
	perms.OnRequest = func(req permission.Request) {
		o.bus.Emit(req.SessionID, types.AgentEvent{
			Type: types.EventPermissionRequest,
			Permission: &types.PermissionPrompt{
				RequestID:   req.ID,
				ToolName:    req.ToolName,
				Description: req.Description,
				Command:     req.Command,
				Danger:      req.Danger,
			},
		})
		if prevRequest != nil {
			prevRequest(req)
		}
	}
	prevResolved := perms.OnResolved
	perms.OnResolved = func(sessionID, requestID string, allowed bool) {
		behavior := string(permission.BehaviorDeny)
		if allowed {
			behavior = string(permission.BehaviorAllow)
		}
		o.bus.Emit(sessionID, types.AgentEvent{
			Type:       types.EventPermissionResolved,
			Permission: &types.PermissionPrompt{RequestID: requestID, Behavior: behavior},
		})
		if prevResolved != nil {
			prevResolved(sessionID, requestID, allowed)
		}
	}
	return o
}

// SetTimeouts overrides the inactivity watchdog tiers, mainly for tests.
func (o *Orchestrator) SetTimeouts(t retry.Timeouts) {
	o.timeouts = t
}

// SendMessage starts a turn for the session and returns once the user
// message is persisted; the turn itself runs in the background. A second
// call while a turn is running returns ErrSessionBusy.
func (o *Orchestrator) SendMessage(ctx context.Context, sessionID, text string, cb Callbacks) error {
	session, err := o.store.GetSession(ctx, sessionID)
	if err != nil {
		return fmt.Errorf("load session: %w", err)
	}

	provider, model, err := credential.SplitModelRef(session.Model)
	if err != nil {
		return err
	}

	o.mu.Lock()
	if _, exists := o.active[sessionID]; exists {
		o.mu.Unlock()
		return ErrSessionBusy
	}
	turnID := ulid.Make().String()
	turnCtx, cancel := context.WithCancelCause(context.Background())
	r := &run{turnID: turnID, cancel: cancel, done: make(chan struct{})}
	o.active[sessionID] = r
	o.mu.Unlock()

	userMsg := &types.Message{
		ID:        ulid.Make().String(),
		SessionID: sessionID,
		Role:      types.RoleUser,
		Text:      text,
		Time:      types.MessageTime{Created: time.Now().UnixMilli()},
	}
	if err := o.store.Append(ctx, sessionID, userMsg); err != nil {
		o.finish(sessionID, r)
		cancel(nil)
		return fmt.Errorf("persist user message: %w", err)
	}

	cred, err := o.creds.Resolve(provider)
	if err != nil {
		aerr := credentialError(err, provider)
		o.bus.Emit(sessionID, types.AgentEvent{Type: types.EventTypedError, TurnID: turnID, Error: aerr})
		o.persistStatus(sessionID, aerr, nil, nil)
		o.finish(sessionID, r)
		cancel(nil)
		if cb.OnError != nil {
			cb.OnError(sessionID, aerr)
		}
		return aerr
	}

	go o.runTurn(turnCtx, r, session, model, cred, text, cb)
	return nil
}

// Stop aborts the session's active turn, if any. Returns false when the
// session was idle.
func (o *Orchestrator) Stop(sessionID string) bool {
	o.mu.Lock()
	r, ok := o.active[sessionID]
	if ok {
		r.aborted = true
	}
	o.mu.Unlock()
	if !ok {
		return false
	}
	r.cancel(errAborted)
	<-r.done
	return true
}

// StopAll aborts every active turn and waits for them to wind down.
func (o *Orchestrator) StopAll() {
	o.mu.Lock()
	sessions := make([]string, 0, len(o.active))
	for id := range o.active {
		sessions = append(sessions, id)
	}
	o.mu.Unlock()

	var g errgroup.Group
	for _, id := range sessions {
		g.Go(func() error {
			o.Stop(id)
			return nil
		})
	}
	g.Wait()
}

// Active reports whether the session has a running turn.
func (o *Orchestrator) Active(sessionID string) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	_, ok := o.active[sessionID]
	return ok
}

func (o *Orchestrator) finish(sessionID string, r *run) {
	o.mu.Lock()
	if o.active[sessionID] == r {
		delete(o.active, sessionID)
	}
	o.mu.Unlock()
}

func (o *Orchestrator) runTurn(ctx context.Context, r *run, session *types.Session, model string, cred credential.Credential, prompt string, cb Callbacks) {
	defer close(r.done)

	sessionID := session.ID

	// A deleted session working directory means the engine-side conversation
	// state is gone; resuming against it would fail on every turn.
	if session.ResumeToken != "" {
		if _, serr := os.Stat(sessionWorkDir(session.Workspace, sessionID)); os.IsNotExist(serr) {
			o.clearResumeToken(sessionID)
			session.ResumeToken = ""
		}
	}

	inv := &invocation{
		o:       o,
		session: session,
		model:   model,
		cred:    cred,
		prompt:  prompt,
		turnID:  r.turnID,
	}

	controller := retry.NewController(func(ev types.AgentEvent) {
		o.bus.Emit(sessionID, ev)
	})
	records, err := controller.Run(ctx, r.turnID, inv.attempt)

	o.mu.Lock()
	aborted := r.aborted
	o.mu.Unlock()
	o.finish(sessionID, r)
	r.cancel(nil)

	// Pending permission prompts cannot outlive the turn that raised them.
	o.perms.DrainPending(sessionID)

	switch {
	case err == nil:
		msg := inv.assistantMessage()
		if perr := o.store.Append(context.Background(), sessionID, msg); perr != nil {
			logging.Error().Err(perr).Str("session", sessionID).Msg("failed to persist assistant message")
		}
		o.touchSession(sessionID)
		if cb.OnComplete != nil {
			cb.OnComplete(sessionID, msg)
		}
		if session.HasDefaultTitle() {
			go o.generateTitle(session, model, cred, prompt, cb)
		}

	case aborted:
		// Partial progress survives the abort: whatever text and tool
		// activity accumulated is persisted as a normal assistant message.
		if msg := inv.assistantMessage(); msg.Text != "" || len(msg.Events) > 0 {
			if perr := o.store.Append(context.Background(), sessionID, msg); perr != nil {
				logging.Error().Err(perr).Str("session", sessionID).Msg("failed to persist aborted turn")
			}
		}
		o.touchSession(sessionID)
		logging.Info().Str("session", sessionID).Str("turn", r.turnID).Msg("turn aborted")

	default:
		aerr := asAgentError(err, inv.stderr)
		if !inv.emittedTypedError {
			o.bus.Emit(sessionID, types.AgentEvent{Type: types.EventTypedError, TurnID: r.turnID, Error: aerr})
		}
		// The terminal status message carries whatever the last attempt
		// accumulated; progress made before the failure is never dropped.
		o.persistStatus(sessionID, aerr, records, inv.assistantMessage())
		if resumeInvalid(aerr) {
			o.clearResumeToken(sessionID)
		}
		if cb.OnError != nil {
			cb.OnError(sessionID, aerr)
		}
	}
}

func (o *Orchestrator) persistStatus(sessionID string, aerr *types.AgentError, attempts []types.RetryAttempt, partial *types.Message) {
	msg := &types.Message{
		ID:        ulid.Make().String(),
		SessionID: sessionID,
		Role:      types.RoleStatus,
		Error:     aerr,
		Attempts:  attempts,
		Time:      types.MessageTime{Created: time.Now().UnixMilli()},
	}
	if partial != nil {
		msg.Text = partial.Text
		msg.Events = partial.Events
	}
	if err := o.store.Append(context.Background(), sessionID, msg); err != nil {
		logging.Error().Err(err).Str("session", sessionID).Msg("failed to persist status message")
	}
}

func (o *Orchestrator) touchSession(sessionID string) {
	_, err := o.store.UpdateSessionMeta(context.Background(), sessionID, func(s *types.Session) {
		s.Time.Updated = time.Now().UnixMilli()
	})
	if err != nil {
		logging.Warn().Err(err).Str("session", sessionID).Msg("failed to touch session")
	}
}

func (o *Orchestrator) saveResumeToken(sessionID, token string) {
	if token == "" {
		return
	}
	_, err := o.store.UpdateSessionMeta(context.Background(), sessionID, func(s *types.Session) {
		s.ResumeToken = token
	})
	if err != nil {
		logging.Warn().Err(err).Str("session", sessionID).Msg("failed to save resume token")
	}
}

func (o *Orchestrator) clearResumeToken(sessionID string) {
	_, err := o.store.UpdateSessionMeta(context.Background(), sessionID, func(s *types.Session) {
		s.ResumeToken = ""
	})
	if err != nil {
		logging.Warn().Err(err).Str("session", sessionID).Msg("failed to clear resume token")
	}
}

func credentialError(err error, provider string) *types.AgentError {
	msg := fmt.Sprintf("No usable credential for provider %s. Add one in settings.", provider)
	if errors.Is(err, credential.ErrDecrypt) {
		msg = fmt.Sprintf("The stored credential for provider %s could not be decrypted. Re-authenticate in settings.", provider)
	}
	return &types.AgentError{
		Code:      types.ErrCodeAuth,
		Title:     "Credentials required",
		Message:   msg,
		Retryable: false,
		Raw:       err.Error(),
		Actions:   []types.RecoveryAction{{Kind: "open_settings", Label: "Open settings"}},
	}
}

// asAgentError normalizes a turn failure into the typed taxonomy, passing
// through errors that are already typed.
func asAgentError(err error, stderr string) *types.AgentError {
	var aerr *types.AgentError
	if errors.As(err, &aerr) {
		return aerr
	}
	if errors.Is(err, engine.ErrNotInstalled) {
		return &types.AgentError{
			Code:      types.ErrCodeUnknown,
			Title:     "Engine unavailable",
			Message:   "The agent engine is not installed or not on PATH.",
			Retryable: false,
			Raw:       err.Error(),
		}
	}
	raw := err.Error()
	if stderr != "" {
		raw = raw + "\n" + stderr
	}
	return translate.MapError(raw, 0)
}

// sessionWorkDir is the engine working directory for one session. Scoping it
// by session id keeps concurrent sessions in the same workspace from
// trampling each other's engine state.
func sessionWorkDir(workspace, sessionID string) string {
	return filepath.Join(workspace, ".deskagent", "sessions", sessionID)
}

// resumeInvalid reports whether the engine rejected the stored resume token;
// keeping it would make every subsequent turn fail the same way.
func resumeInvalid(aerr *types.AgentError) bool {
	return aerr.Code == types.ErrCodeAuth ||
		strings.Contains(strings.ToLower(aerr.Raw), "no conversation found")
}
