// Package permission decides whether a tool may run unattended and brokers
// async human approval for the calls that may not.
package permission

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/oklog/ulid/v2"

	"github.com/deskagent-ai/deskagent/internal/engine"
	"github.com/deskagent-ai/deskagent/internal/logging"
	"github.com/deskagent-ai/deskagent/pkg/types"
)

// ShellTool is the tool name carrying shell command lines.
const ShellTool = "bash"

// Behavior is a decision on a permission request.
type Behavior string

const (
	BehaviorAllow Behavior = "allow"
	BehaviorDeny  Behavior = "deny"
)

// Request is an outstanding approval query shown to the user.
type Request struct {
	ID          string
	SessionID   string
	ToolName    string
	Description string
	Command     string // shell tool only
	Danger      string // "normal" | "dangerous"
}

type answer struct {
	behavior Behavior
	always   bool
}

type pendingRequest struct {
	sessionID string
	entries   []string // whitelist entries to add on "always allow"
	ch        chan answer
}

// Service is the per-process permission decision engine. Whitelists are
// session-scoped and live only for the session's lifetime.
type Service struct {
	mu        sync.Mutex
	whitelist map[string]map[string]bool // sessionID -> entry -> ok
	pending   map[string]*pendingRequest // requestID -> pending

	// OnRequest surfaces a request for display; OnResolved reports the
	// outcome. Both optional.
	OnRequest  func(Request)
	OnResolved func(sessionID, requestID string, allowed bool)
}

// NewService creates an empty permission service.
func NewService() *Service {
	return &Service{
		whitelist: make(map[string]map[string]bool),
		pending:   make(map[string]*pendingRequest),
	}
}

// Evaluate decides whether the tool call may proceed, asking the user when
// the mode requires it. Blocks until a decision arrives or ctx is cancelled;
// cancellation resolves as a denial.
func (s *Service) Evaluate(ctx context.Context, sessionID string, mode types.PermissionMode, toolName string, input json.RawMessage) engine.Decision {
	if mode == types.ModeAuto {
		return engine.Decision{Allow: true}
	}

	if readOnlyTools[toolName] {
		return engine.Decision{Allow: true}
	}

	if toolName == ShellTool {
		return s.evaluateShell(ctx, sessionID, mode, input)
	}

	if s.whitelisted(sessionID, toolName) {
		return engine.Decision{Allow: true}
	}

	return s.ask(ctx, Request{
		SessionID:   sessionID,
		ToolName:    toolName,
		Description: fmt.Sprintf("Use tool %q", toolName),
		Danger:      "normal",
	}, []string{toolName})
}

func (s *Service) evaluateShell(ctx context.Context, sessionID string, mode types.PermissionMode, input json.RawMessage) engine.Decision {
	command := extractCommand(input)
	if command == "" {
		// Nothing to inspect; treat like an ordinary gated tool.
		return s.ask(ctx, Request{
			SessionID:   sessionID,
			ToolName:    ShellTool,
			Description: "Run a shell command",
			Danger:      "normal",
		}, nil)
	}

	cmds, err := ParseShell(command)
	if err == nil && len(cmds) > 0 && s.allPrefixesWhitelisted(sessionID, cmds) {
		return engine.Decision{Allow: true}
	}

	if mode == types.ModeSmart && IsSafeCommand(command) {
		return engine.Decision{Allow: true}
	}

	var entries []string
	for _, c := range cmds {
		entries = append(entries, ShellTool+":"+c.Prefix())
	}

	return s.ask(ctx, Request{
		SessionID:   sessionID,
		ToolName:    ShellTool,
		Description: fmt.Sprintf("Run shell command: %s", command),
		Command:     command,
		Danger:      DangerLevel(command),
	}, entries)
}

func (s *Service) ask(ctx context.Context, req Request, entries []string) engine.Decision {
	req.ID = ulid.Make().String()
	p := &pendingRequest{
		sessionID: req.SessionID,
		entries:   entries,
		ch:        make(chan answer, 1),
	}

	s.mu.Lock()
	s.pending[req.ID] = p
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		delete(s.pending, req.ID)
		s.mu.Unlock()
	}()

	if s.OnRequest != nil {
		s.OnRequest(req)
	}

	select {
	case <-ctx.Done():
		// The turn was aborted with the request outstanding.
		s.resolved(req.SessionID, req.ID, false)
		return engine.Decision{Allow: false, Message: "permission request aborted"}
	case a := <-p.ch:
		allowed := a.behavior == BehaviorAllow
		if allowed && a.always {
			s.addWhitelist(req.SessionID, entries)
		}
		s.resolved(req.SessionID, req.ID, allowed)
		if allowed {
			return engine.Decision{Allow: true}
		}
		return engine.Decision{Allow: false, Message: "permission denied by user"}
	}
}

// Respond resolves an outstanding request.
func (s *Service) Respond(requestID string, behavior Behavior, alwaysAllow bool) error {
	s.mu.Lock()
	p, ok := s.pending[requestID]
	s.mu.Unlock()
	if !ok {
		return fmt.Errorf("no pending permission request %s", requestID)
	}

	select {
	case p.ch <- answer{behavior: behavior, always: alwaysAllow}:
	default:
		// Already resolved.
	}
	return nil
}

// PendingCount returns the number of outstanding requests for a session.
func (s *Service) PendingCount(sessionID string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, p := range s.pending {
		if p.sessionID == sessionID {
			n++
		}
	}
	return n
}

// EndSession denies every outstanding request for the session and clears its
// whitelist. For the end of a single turn use DrainPending; the whitelist
// lives for the whole session.
func (s *Service) EndSession(sessionID string) {
	s.mu.Lock()
	delete(s.whitelist, sessionID)
	s.mu.Unlock()
	s.DrainPending(sessionID)
}

// DrainPending denies every outstanding request for the session. Outstanding
// requests must never outlive the turn that raised them.
func (s *Service) DrainPending(sessionID string) {
	s.mu.Lock()
	var drained []*pendingRequest
	for id, p := range s.pending {
		if p.sessionID == sessionID {
			drained = append(drained, p)
			delete(s.pending, id)
		}
	}
	s.mu.Unlock()

	for _, p := range drained {
		select {
		case p.ch <- answer{behavior: BehaviorDeny}:
		default:
		}
	}
	if len(drained) > 0 {
		logging.Debug().Str("session", sessionID).Int("drained", len(drained)).
			Msg("denied outstanding permission requests on teardown")
	}
}

func (s *Service) whitelisted(sessionID, entry string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.whitelist[sessionID][entry]
}

func (s *Service) allPrefixesWhitelisted(sessionID string, cmds []ShellCommand) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	wl := s.whitelist[sessionID]
	if wl == nil {
		return false
	}
	for _, c := range cmds {
		if !wl[ShellTool+":"+c.Prefix()] {
			return false
		}
	}
	return true
}

func (s *Service) addWhitelist(sessionID string, entries []string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.whitelist[sessionID] == nil {
		s.whitelist[sessionID] = make(map[string]bool)
	}
	for _, e := range entries {
		s.whitelist[sessionID][e] = true
	}
}

func (s *Service) resolved(sessionID, requestID string, allowed bool) {
	if s.OnResolved != nil {
		s.OnResolved(sessionID, requestID, allowed)
	}
}

func extractCommand(input json.RawMessage) string {
	var payload struct {
		Command string `json:"command"`
	}
	if err := json.Unmarshal(input, &payload); err != nil {
		return ""
	}
	return payload.Command
}
