package server

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/deskagent-ai/deskagent/internal/credential"
	"github.com/deskagent-ai/deskagent/internal/engine"
	"github.com/deskagent-ai/deskagent/internal/event"
	"github.com/deskagent-ai/deskagent/internal/orchestrator"
	"github.com/deskagent-ai/deskagent/internal/permission"
	"github.com/deskagent-ai/deskagent/internal/store"
	"github.com/deskagent-ai/deskagent/pkg/types"
)

type stubEngine struct{}

func (stubEngine) Invoke(ctx context.Context, prompt string, opts engine.Options) (engine.Stream, error) {
	return &stubStream{}, nil
}

type stubStream struct{ done bool }

func (s *stubStream) Recv() (engine.Message, error) {
	if s.done {
		return nil, io.EOF
	}
	s.done = true
	return engine.TurnResult{Subtype: "success"}, nil
}

func (s *stubStream) Close() error   { return nil }
func (s *stubStream) Stderr() string { return "" }

func newTestServer(t *testing.T) (*Server, *event.Bus) {
	t.Helper()
	st := store.New(t.TempDir())
	bus := event.NewBus()
	t.Cleanup(func() { bus.Close() })
	perms := permission.NewService()
	orch := orchestrator.New(stubEngine{}, st, credential.Static{"anthropic": {APIKey: "sk"}}, perms, bus, nil)

	srv := New(Config{
		Host:         "127.0.0.1",
		DefaultModel: "anthropic/claude-sonnet",
		DefaultMode:  types.ModeSmart,
	}, st, orch, perms, bus, nil)
	return srv, bus
}

func doJSON(t *testing.T, h http.Handler, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestSessionLifecycle(t *testing.T) {
	srv, _ := newTestServer(t)
	h := srv.Handler()

	rec := doJSON(t, h, "POST", "/session", map[string]string{"workspace": t.TempDir()})
	require.Equal(t, http.StatusCreated, rec.Code)

	var session types.Session
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &session))
	assert.NotEmpty(t, session.ID)
	assert.Equal(t, types.DefaultTitle, session.Title)
	assert.Equal(t, "anthropic/claude-sonnet", session.Model)
	assert.Equal(t, types.ModeSmart, session.Mode)

	rec = doJSON(t, h, "GET", "/session/"+session.ID, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = doJSON(t, h, "GET", "/session", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var sessions []*types.Session
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &sessions))
	assert.Len(t, sessions, 1)

	rec = doJSON(t, h, "DELETE", "/session/"+session.ID, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = doJSON(t, h, "GET", "/session/"+session.ID, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestCreateSessionRequiresWorkspace(t *testing.T) {
	srv, _ := newTestServer(t)
	rec := doJSON(t, srv.Handler(), "POST", "/session", map[string]string{})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestSendMessageValidation(t *testing.T) {
	srv, _ := newTestServer(t)
	h := srv.Handler()

	rec := doJSON(t, h, "POST", "/session", map[string]string{"workspace": t.TempDir()})
	require.Equal(t, http.StatusCreated, rec.Code)
	var session types.Session
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &session))

	rec = doJSON(t, h, "POST", "/session/"+session.ID+"/message", map[string]string{})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = doJSON(t, h, "POST", "/session/missing/message", map[string]string{"text": "hi"})
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = doJSON(t, h, "POST", "/session/"+session.ID+"/message", map[string]string{"text": "hi"})
	assert.Equal(t, http.StatusAccepted, rec.Code)
}

func TestAbortIdleSession(t *testing.T) {
	srv, _ := newTestServer(t)
	rec := doJSON(t, srv.Handler(), "POST", "/session/whatever/abort", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"aborted":false`)
}

func TestRespondPermissionValidation(t *testing.T) {
	srv, _ := newTestServer(t)
	h := srv.Handler()

	rec := doJSON(t, h, "POST", "/permission/unknown", map[string]any{"behavior": "allow"})
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = doJSON(t, h, "POST", "/permission/unknown", map[string]any{"behavior": "maybe"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestEventStreamDeliversAndFilters(t *testing.T) {
	srv, bus := newTestServer(t)
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)

	resp, err := http.Get(ts.URL + "/event?sessionID=sess-a")
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	require.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	// Give the subscription a moment to attach before emitting.
	time.Sleep(50 * time.Millisecond)
	bus.Emit("sess-b", types.AgentEvent{Type: types.EventTextDelta, Text: "filtered out"})
	bus.Emit("sess-a", types.AgentEvent{Type: types.EventTextDelta, Text: "hello"})

	lines := make(chan string, 16)
	go func() {
		scanner := bufio.NewScanner(resp.Body)
		for scanner.Scan() {
			lines <- scanner.Text()
		}
		close(lines)
	}()

	deadline := time.After(5 * time.Second)
	var data string
	for data == "" {
		select {
		case line, ok := <-lines:
			if !ok {
				t.Fatal("stream closed before delivering the event")
			}
			if strings.HasPrefix(line, "data: ") {
				data = strings.TrimPrefix(line, "data: ")
			}
		case <-deadline:
			t.Fatal("no event arrived")
		}
	}

	var env event.Envelope
	require.NoError(t, json.Unmarshal([]byte(data), &env))
	assert.Equal(t, "sess-a", env.SessionID)
	assert.Equal(t, "hello", env.Event.Text)
}
