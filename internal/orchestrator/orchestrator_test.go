package orchestrator

import (
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/deskagent-ai/deskagent/internal/credential"
	"github.com/deskagent-ai/deskagent/internal/engine"
	"github.com/deskagent-ai/deskagent/internal/event"
	"github.com/deskagent-ai/deskagent/internal/permission"
	"github.com/deskagent-ai/deskagent/internal/retry"
	"github.com/deskagent-ai/deskagent/internal/store"
	"github.com/deskagent-ai/deskagent/pkg/types"
)

// script describes one engine invocation's behavior.
type script struct {
	invokeErr error
	messages  []engine.Message
	stderr    string
	// block holds the stream open after the scripted messages until the
	// invocation context is cancelled.
	block bool
	// permissionTool, when set, asks CanUseTool for that tool right before
	// the message at permissionAt is delivered.
	permissionTool string
	permissionAt   int
}

type fakeEngine struct {
	mu        sync.Mutex
	scripts   []script
	invoked   []engine.Options
	prompts   []string
	decisions []engine.Decision
}

func (f *fakeEngine) Invoke(ctx context.Context, prompt string, opts engine.Options) (engine.Stream, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.invoked = append(f.invoked, opts)
	f.prompts = append(f.prompts, prompt)

	var s script
	if len(f.scripts) > 0 {
		s = f.scripts[0]
		f.scripts = f.scripts[1:]
	}
	if s.invokeErr != nil {
		return nil, s.invokeErr
	}
	return &fakeStream{ctx: ctx, eng: f, script: s, opts: opts}, nil
}

type fakeStream struct {
	ctx    context.Context
	eng    *fakeEngine
	script script
	opts   engine.Options
	pos    int
	asked  bool
}

func (s *fakeStream) Recv() (engine.Message, error) {
	if err := s.ctx.Err(); err != nil {
		return nil, err
	}
	if s.script.permissionTool != "" && !s.asked && s.pos == s.script.permissionAt && s.opts.CanUseTool != nil {
		s.asked = true
		d := s.opts.CanUseTool(s.ctx, s.script.permissionTool, []byte(`{}`))
		s.eng.mu.Lock()
		s.eng.decisions = append(s.eng.decisions, d)
		s.eng.mu.Unlock()
	}
	if s.pos < len(s.script.messages) {
		msg := s.script.messages[s.pos]
		s.pos++
		return msg, nil
	}
	if s.script.block {
		<-s.ctx.Done()
		return nil, s.ctx.Err()
	}
	return nil, io.EOF
}

func (s *fakeStream) Close() error   { return nil }
func (s *fakeStream) Stderr() string { return s.script.stderr }

type collector struct {
	mu     sync.Mutex
	events []types.AgentEvent
}

func (c *collector) listen(sessionID string, ev types.AgentEvent) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, ev)
}

func (c *collector) has(t types.EventType) bool {
	return c.find(t) != nil
}

func (c *collector) find(t types.EventType) *types.AgentEvent {
	c.mu.Lock()
	defer c.mu.Unlock()
	for i := range c.events {
		if c.events[i].Type == t {
			ev := c.events[i]
			return &ev
		}
	}
	return nil
}

type fixture struct {
	eng   *fakeEngine
	store *store.Store
	bus   *event.Bus
	perms *permission.Service
	orch  *Orchestrator
	col   *collector
}

func newFixture(t *testing.T, scripts ...script) *fixture {
	t.Helper()
	eng := &fakeEngine{scripts: scripts}
	st := store.New(t.TempDir())
	bus := event.NewBus()
	t.Cleanup(func() { bus.Close() })
	col := &collector{}
	bus.Subscribe(col.listen)

	creds := credential.Static{"anthropic": {APIKey: "sk-test"}}
	perms := permission.NewService()
	orch := New(eng, st, creds, perms, bus, nil)
	return &fixture{eng: eng, store: st, bus: bus, perms: perms, orch: orch, col: col}
}

func (f *fixture) createSession(t *testing.T, title string) *types.Session {
	return f.createSessionWithMode(t, title, types.ModeAuto)
}

func (f *fixture) createSessionWithMode(t *testing.T, title string, mode types.PermissionMode) *types.Session {
	t.Helper()
	session := &types.Session{
		ID:        "sess-1",
		Title:     title,
		Model:     "anthropic/claude-sonnet",
		Workspace: t.TempDir(),
		Mode:      mode,
		Time:      types.SessionTime{Created: time.Now().UnixMilli()},
	}
	require.NoError(t, f.store.CreateSession(context.Background(), session))
	return session
}

func successScript() script {
	return script{messages: []engine.Message{
		engine.SystemInit{SessionID: "engine-conv-1", Model: "claude-sonnet", ContextWindow: 200000},
		engine.ToolStart{ID: "t1", Name: "bash", Input: []byte(`{"command":"ls"}`)},
		engine.ToolResult{ToolUseID: "t1", Content: "main.go\n"},
		engine.TextDelta{Text: "Two files here."},
		engine.Stop{Reason: engine.StopEndTurn},
		engine.TurnResult{Subtype: "success", Usage: &engine.Usage{InputTokens: 10, OutputTokens: 5}},
	}}
}

func TestTurnHappyPath(t *testing.T) {
	f := newFixture(t, successScript())
	f.createSession(t, "Listing files")

	done := make(chan *types.Message, 1)
	err := f.orch.SendMessage(context.Background(), "sess-1", "list files", Callbacks{
		OnComplete: func(_ string, msg *types.Message) { done <- msg },
	})
	require.NoError(t, err)

	var msg *types.Message
	select {
	case msg = <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("turn did not complete")
	}

	assert.Equal(t, types.RoleAssistant, msg.Role)
	assert.Equal(t, "Two files here.", msg.Text)

	// Live event stream saw the tool call and the completion.
	assert.True(t, f.col.has(types.EventToolStart))
	assert.True(t, f.col.has(types.EventToolResult))
	assert.True(t, f.col.has(types.EventTextComplete))
	assert.True(t, f.col.has(types.EventComplete))

	// Both messages persisted, user first.
	messages, err := f.store.List(context.Background(), "sess-1")
	require.NoError(t, err)
	require.Len(t, messages, 2)
	assert.Equal(t, types.RoleUser, messages[0].Role)
	assert.Equal(t, "list files", messages[0].Text)
	assert.Equal(t, types.RoleAssistant, messages[1].Role)

	// The engine conversation id became the resume token.
	session, err := f.store.GetSession(context.Background(), "sess-1")
	require.NoError(t, err)
	assert.Equal(t, "engine-conv-1", session.ResumeToken)
}

func TestSecondSendWhileRunningIsRefused(t *testing.T) {
	f := newFixture(t, script{block: true})
	f.createSession(t, "Busy")

	require.NoError(t, f.orch.SendMessage(context.Background(), "sess-1", "first", Callbacks{}))

	// Wait for the turn to be registered and running.
	require.Eventually(t, func() bool { return f.orch.Active("sess-1") }, time.Second, 5*time.Millisecond)

	err := f.orch.SendMessage(context.Background(), "sess-1", "second", Callbacks{})
	assert.ErrorIs(t, err, ErrSessionBusy)

	f.orch.Stop("sess-1")
}

func TestAbortPersistsPartialProgress(t *testing.T) {
	f := newFixture(t, script{
		block: true,
		messages: []engine.Message{
			engine.SystemInit{SessionID: "conv"},
			engine.TextDelta{Text: "Working on it"},
		},
	})
	f.createSession(t, "Aborted")

	require.NoError(t, f.orch.SendMessage(context.Background(), "sess-1", "do something", Callbacks{}))
	require.Eventually(t, func() bool { return f.col.has(types.EventTextDelta) }, 2*time.Second, 5*time.Millisecond)

	assert.True(t, f.orch.Stop("sess-1"))
	assert.False(t, f.orch.Active("sess-1"))

	messages, err := f.store.List(context.Background(), "sess-1")
	require.NoError(t, err)
	require.Len(t, messages, 2)
	assert.Equal(t, types.RoleAssistant, messages[1].Role)
	assert.Equal(t, "Working on it", messages[1].Text)

	// No status message and no typed error for a user abort.
	assert.False(t, f.col.has(types.EventTypedError))
}

func TestStopIdleSessionReturnsFalse(t *testing.T) {
	f := newFixture(t)
	f.createSession(t, "Idle")
	assert.False(t, f.orch.Stop("sess-1"))
}

func TestEngineErrorPersistsStatusMessage(t *testing.T) {
	f := newFixture(t, script{messages: []engine.Message{
		engine.SystemInit{SessionID: "conv"},
		engine.TurnResult{Subtype: "error_during_execution", IsError: true, ErrorText: "invalid api key"},
	}})
	f.createSession(t, "Failing")

	errCh := make(chan *types.AgentError, 1)
	require.NoError(t, f.orch.SendMessage(context.Background(), "sess-1", "hi", Callbacks{
		OnError: func(_ string, aerr *types.AgentError) { errCh <- aerr },
	}))

	var aerr *types.AgentError
	select {
	case aerr = <-errCh:
	case <-time.After(5 * time.Second):
		t.Fatal("turn did not fail")
	}
	assert.Equal(t, types.ErrCodeAuth, aerr.Code)
	assert.False(t, aerr.Retryable)
	assert.True(t, f.col.has(types.EventTypedError))

	messages, err := f.store.List(context.Background(), "sess-1")
	require.NoError(t, err)
	require.Len(t, messages, 2)
	status := messages[1]
	assert.Equal(t, types.RoleStatus, status.Role)
	require.NotNil(t, status.Error)
	assert.Equal(t, types.ErrCodeAuth, status.Error.Code)

	// An auth failure invalidates the stored resume token.
	session, err := f.store.GetSession(context.Background(), "sess-1")
	require.NoError(t, err)
	assert.Empty(t, session.ResumeToken)
}

func TestRetryAfterTransientFailure(t *testing.T) {
	f := newFixture(t,
		script{invokeErr: errors.New("connect: connection refused")},
		successScript(),
	)
	f.createSession(t, "Flaky network")

	done := make(chan *types.Message, 1)
	require.NoError(t, f.orch.SendMessage(context.Background(), "sess-1", "try it", Callbacks{
		OnComplete: func(_ string, msg *types.Message) { done <- msg },
	}))

	select {
	case msg := <-done:
		assert.Equal(t, "Two files here.", msg.Text)
	case <-time.After(10 * time.Second):
		t.Fatal("turn did not recover")
	}

	assert.True(t, f.col.has(types.EventRetrying))
	assert.True(t, f.col.has(types.EventRetryCleared))

	f.eng.mu.Lock()
	attempts := len(f.eng.invoked)
	f.eng.mu.Unlock()
	assert.Equal(t, 2, attempts)
}

func TestMissingCredentialFailsFast(t *testing.T) {
	eng := &fakeEngine{}
	st := store.New(t.TempDir())
	bus := event.NewBus()
	t.Cleanup(func() { bus.Close() })
	col := &collector{}
	bus.Subscribe(col.listen)
	orch := New(eng, st, credential.Static{}, permission.NewService(), bus, nil)

	session := &types.Session{ID: "sess-1", Title: "No creds", Model: "anthropic/claude-sonnet"}
	require.NoError(t, st.CreateSession(context.Background(), session))

	err := orch.SendMessage(context.Background(), "sess-1", "hi", Callbacks{})
	require.Error(t, err)

	var aerr *types.AgentError
	require.ErrorAs(t, err, &aerr)
	assert.Equal(t, types.ErrCodeAuth, aerr.Code)

	// User message and status message are both on disk.
	messages, lerr := st.List(context.Background(), "sess-1")
	require.NoError(t, lerr)
	require.Len(t, messages, 2)
	assert.Equal(t, types.RoleStatus, messages[1].Role)
	assert.True(t, col.has(types.EventTypedError))
}

func TestBackfillWhenNoResumeToken(t *testing.T) {
	f := newFixture(t, successScript())
	session := f.createSession(t, "Continuing")

	// Simulate an earlier exchange that the engine no longer remembers.
	require.NoError(t, f.store.Append(context.Background(), session.ID, &types.Message{
		ID: "00000000000000000000000001", SessionID: session.ID, Role: types.RoleUser, Text: "earlier question",
	}))
	require.NoError(t, f.store.Append(context.Background(), session.ID, &types.Message{
		ID: "00000000000000000000000002", SessionID: session.ID, Role: types.RoleAssistant, Text: "earlier answer",
	}))

	done := make(chan struct{})
	require.NoError(t, f.orch.SendMessage(context.Background(), session.ID, "follow-up", Callbacks{
		OnComplete: func(string, *types.Message) { close(done) },
	}))
	<-done

	f.eng.mu.Lock()
	prompt := f.eng.prompts[0]
	f.eng.mu.Unlock()
	assert.Contains(t, prompt, "earlier question")
	assert.Contains(t, prompt, "earlier answer")
	assert.Contains(t, prompt, "follow-up")
}

func TestResumeTokenSkipsBackfill(t *testing.T) {
	f := newFixture(t, successScript())
	session := f.createSession(t, "Resumed")
	_, err := f.store.UpdateSessionMeta(context.Background(), session.ID, func(s *types.Session) {
		s.ResumeToken = "conv-99"
	})
	require.NoError(t, err)
	require.NoError(t, os.MkdirAll(sessionWorkDir(session.Workspace, session.ID), 0o755))

	require.NoError(t, f.store.Append(context.Background(), session.ID, &types.Message{
		ID: "00000000000000000000000001", SessionID: session.ID, Role: types.RoleUser, Text: "earlier question",
	}))

	done := make(chan struct{})
	require.NoError(t, f.orch.SendMessage(context.Background(), session.ID, "follow-up", Callbacks{
		OnComplete: func(string, *types.Message) { close(done) },
	}))
	<-done

	f.eng.mu.Lock()
	prompt := f.eng.prompts[0]
	opts := f.eng.invoked[0]
	f.eng.mu.Unlock()
	assert.Equal(t, "follow-up", prompt)
	assert.Equal(t, "conv-99", opts.ResumeToken)
}

func TestTitleGeneratedForDefaultTitle(t *testing.T) {
	f := newFixture(t,
		successScript(),
		script{messages: []engine.Message{
			engine.TextDelta{Text: "Listing project files\n"},
			engine.TurnResult{Subtype: "success"},
		}},
	)
	f.createSession(t, types.DefaultTitle)

	titled := make(chan string, 1)
	require.NoError(t, f.orch.SendMessage(context.Background(), "sess-1", "list files", Callbacks{
		OnTitleUpdated: func(_ string, title string) { titled <- title },
	}))

	select {
	case title := <-titled:
		assert.Equal(t, "Listing project files", title)
	case <-time.After(5 * time.Second):
		t.Fatal("title was not generated")
	}

	session, err := f.store.GetSession(context.Background(), "sess-1")
	require.NoError(t, err)
	assert.Equal(t, "Listing project files", session.Title)
}

func TestCleanTitle(t *testing.T) {
	assert.Equal(t, "Debugging flaky tests", cleanTitle(" Debugging flaky tests \n with extra lines"))
	assert.Equal(t, "Refactoring parser", cleanTitle(`"Refactoring parser"`))
	assert.Equal(t, "", cleanTitle("   \n"))

	long := cleanTitle("This title is much longer than fifty characters and must be cut down")
	assert.LessOrEqual(t, len([]rune(long)), maxTitleLength)
}

func TestErrorPersistsPartialProgress(t *testing.T) {
	f := newFixture(t, script{messages: []engine.Message{
		engine.SystemInit{SessionID: "conv"},
		engine.TextDelta{Text: "Here is the start of my answer"},
		engine.TurnResult{Subtype: "error_during_execution", IsError: true, ErrorText: "invalid api key"},
	}})
	f.createSession(t, "Failing midway")

	errCh := make(chan *types.AgentError, 1)
	require.NoError(t, f.orch.SendMessage(context.Background(), "sess-1", "go", Callbacks{
		OnError: func(_ string, aerr *types.AgentError) { errCh <- aerr },
	}))

	select {
	case <-errCh:
	case <-time.After(5 * time.Second):
		t.Fatal("turn did not fail")
	}

	messages, err := f.store.List(context.Background(), "sess-1")
	require.NoError(t, err)
	require.Len(t, messages, 2)

	// The terminal status message keeps the text and events accumulated
	// before the failure.
	status := messages[1]
	assert.Equal(t, types.RoleStatus, status.Role)
	assert.Equal(t, "Here is the start of my answer", status.Text)
	assert.NotEmpty(t, status.Events)
	require.NotNil(t, status.Error)
	assert.Equal(t, types.ErrCodeAuth, status.Error.Code)
}

func TestPermissionWaitUsesLenientTimeout(t *testing.T) {
	f := newFixture(t, script{
		permissionTool: "write",
		permissionAt:   1,
		messages: []engine.Message{
			engine.SystemInit{SessionID: "conv"},
			engine.TextDelta{Text: "Wrote the file."},
			engine.Stop{Reason: engine.StopEndTurn},
			engine.TurnResult{Subtype: "success"},
		},
	})
	f.orch.SetTimeouts(retry.Timeouts{Idle: 50 * time.Millisecond})
	f.createSessionWithMode(t, "Waiting on approval", types.ModeSmart)

	done := make(chan struct{})
	require.NoError(t, f.orch.SendMessage(context.Background(), "sess-1", "write it", Callbacks{
		OnComplete: func(string, *types.Message) { close(done) },
	}))

	var requestID string
	require.Eventually(t, func() bool {
		if ev := f.col.find(types.EventPermissionRequest); ev != nil {
			requestID = ev.Permission.RequestID
			return true
		}
		return false
	}, 2*time.Second, 5*time.Millisecond)

	// Decide only after several idle periods have passed; the pending
	// request must not be timed out from under the user.
	time.Sleep(250 * time.Millisecond)
	require.NoError(t, f.perms.Respond(requestID, permission.BehaviorAllow, false))

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("turn did not complete")
	}

	f.eng.mu.Lock()
	decisions := append([]engine.Decision(nil), f.eng.decisions...)
	invocations := len(f.eng.invoked)
	f.eng.mu.Unlock()
	require.Len(t, decisions, 1)
	assert.True(t, decisions[0].Allow)
	assert.Equal(t, 1, invocations)
	assert.False(t, f.col.has(types.EventRetrying))
}

func TestWorkDirScopedToSession(t *testing.T) {
	f := newFixture(t, successScript())
	session := f.createSession(t, "Scoped")

	done := make(chan struct{})
	require.NoError(t, f.orch.SendMessage(context.Background(), session.ID, "go", Callbacks{
		OnComplete: func(string, *types.Message) { close(done) },
	}))
	<-done

	want := filepath.Join(session.Workspace, ".deskagent", "sessions", session.ID)
	f.eng.mu.Lock()
	got := f.eng.invoked[0].WorkDir
	f.eng.mu.Unlock()
	assert.Equal(t, want, got)

	info, err := os.Stat(want)
	require.NoError(t, err)
	assert.True(t, info.IsDir())
}

func TestAllowedToolsVaryByMode(t *testing.T) {
	tests := []struct {
		mode      types.PermissionMode
		wantShell bool
		wantRead  bool
	}{
		{types.ModeAuto, true, true},
		{types.ModeSmart, false, true},
		{types.ModeSupervised, false, false},
	}

	for _, tt := range tests {
		t.Run(string(tt.mode), func(t *testing.T) {
			f := newFixture(t, successScript())
			f.createSessionWithMode(t, "Tooling", tt.mode)

			done := make(chan struct{})
			require.NoError(t, f.orch.SendMessage(context.Background(), "sess-1", "go", Callbacks{
				OnComplete: func(string, *types.Message) { close(done) },
			}))
			<-done

			f.eng.mu.Lock()
			allowed := f.eng.invoked[0].AllowedTools
			f.eng.mu.Unlock()

			if tt.wantShell {
				assert.Contains(t, allowed, permission.ShellTool)
			} else {
				assert.NotContains(t, allowed, permission.ShellTool)
			}
			if tt.wantRead {
				assert.Contains(t, allowed, "read")
			} else {
				assert.Empty(t, allowed)
			}
		})
	}
}

func TestWorkspaceResetClearsResumeToken(t *testing.T) {
	f := newFixture(t, successScript())
	session := f.createSession(t, "Reset workspace")
	_, err := f.store.UpdateSessionMeta(context.Background(), session.ID, func(s *types.Session) {
		s.ResumeToken = "conv-old"
	})
	require.NoError(t, err)
	// The session working directory was never created: the workspace state
	// the token refers to is gone.

	done := make(chan struct{})
	require.NoError(t, f.orch.SendMessage(context.Background(), session.ID, "go", Callbacks{
		OnComplete: func(string, *types.Message) { close(done) },
	}))
	<-done

	f.eng.mu.Lock()
	opts := f.eng.invoked[0]
	f.eng.mu.Unlock()
	assert.Empty(t, opts.ResumeToken)
}

func TestNewChainsExistingPermissionCallbacks(t *testing.T) {
	perms := permission.NewService()
	var prevRequest, prevResolved bool
	perms.OnRequest = func(permission.Request) { prevRequest = true }
	perms.OnResolved = func(string, string, bool) { prevResolved = true }

	st := store.New(t.TempDir())
	bus := event.NewBus()
	t.Cleanup(func() { bus.Close() })
	col := &collector{}
	bus.Subscribe(col.listen)
	New(&fakeEngine{}, st, credential.Static{}, perms, bus, nil)

	perms.OnRequest(permission.Request{ID: "r1", SessionID: "sess-1", ToolName: "write"})
	perms.OnResolved("sess-1", "r1", true)

	assert.True(t, prevRequest, "handler installed before New still runs")
	assert.True(t, prevResolved)
	assert.True(t, col.has(types.EventPermissionRequest))
	assert.True(t, col.has(types.EventPermissionResolved))
}
