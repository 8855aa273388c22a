package server

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/deskagent-ai/deskagent/internal/orchestrator"
	"github.com/deskagent-ai/deskagent/internal/permission"
	"github.com/deskagent-ai/deskagent/internal/store"
	"github.com/deskagent-ai/deskagent/pkg/types"
)

func (s *Server) getMessages(w http.ResponseWriter, r *http.Request) {
	messages, err := s.store.List(r.Context(), chi.URLParam(r, "sessionID"))
	if err != nil {
		writeError(w, http.StatusInternalServerError, ErrCodeInternalError, err.Error())
		return
	}
	if messages == nil {
		messages = []*types.Message{}
	}
	writeJSON(w, http.StatusOK, messages)
}

type sendMessageRequest struct {
	Text string `json:"text"`
}

// sendMessage starts a turn. The response only acknowledges acceptance;
// progress arrives over the event stream.
func (s *Server) sendMessage(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "sessionID")

	var req sendMessageRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Text == "" {
		writeError(w, http.StatusBadRequest, ErrCodeInvalidRequest, "text is required")
		return
	}

	err := s.orch.SendMessage(r.Context(), sessionID, req.Text, orchestrator.Callbacks{})
	switch {
	case err == nil:
		writeJSON(w, http.StatusAccepted, map[string]string{"status": "running"})
	case errors.Is(err, orchestrator.ErrSessionBusy):
		writeError(w, http.StatusConflict, ErrCodeSessionBusy, "a turn is already running for this session")
	case errors.Is(err, store.ErrNotFound):
		writeError(w, http.StatusNotFound, ErrCodeNotFound, "session not found")
	default:
		writeError(w, http.StatusInternalServerError, ErrCodeInternalError, err.Error())
	}
}

func (s *Server) abortSession(w http.ResponseWriter, r *http.Request) {
	stopped := s.orch.Stop(chi.URLParam(r, "sessionID"))
	writeJSON(w, http.StatusOK, map[string]bool{"aborted": stopped})
}

type permissionResponse struct {
	Behavior    string `json:"behavior"` // "allow" | "deny"
	AlwaysAllow bool   `json:"alwaysAllow,omitempty"`
}

func (s *Server) respondPermission(w http.ResponseWriter, r *http.Request) {
	requestID := chi.URLParam(r, "requestID")

	var req permissionResponse
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, ErrCodeInvalidRequest, "invalid request body")
		return
	}

	behavior := permission.Behavior(req.Behavior)
	if behavior != permission.BehaviorAllow && behavior != permission.BehaviorDeny {
		writeError(w, http.StatusBadRequest, ErrCodeInvalidRequest, "behavior must be allow or deny")
		return
	}

	if err := s.perms.Respond(requestID, behavior, req.AlwaysAllow); err != nil {
		writeError(w, http.StatusNotFound, ErrCodeNotFound, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"resolved": true})
}
