package server

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/oklog/ulid/v2"

	"github.com/deskagent-ai/deskagent/internal/store"
	"github.com/deskagent-ai/deskagent/pkg/types"
)

func (s *Server) health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) listSessions(w http.ResponseWriter, r *http.Request) {
	sessions, err := s.store.ListSessions(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, ErrCodeInternalError, err.Error())
		return
	}
	if sessions == nil {
		sessions = []*types.Session{}
	}
	writeJSON(w, http.StatusOK, sessions)
}

type createSessionRequest struct {
	Title     string               `json:"title,omitempty"`
	Model     string               `json:"model,omitempty"`
	Workspace string               `json:"workspace"`
	Mode      types.PermissionMode `json:"mode,omitempty"`
}

func (s *Server) createSession(w http.ResponseWriter, r *http.Request) {
	var req createSessionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, ErrCodeInvalidRequest, "invalid request body")
		return
	}
	if req.Workspace == "" {
		writeError(w, http.StatusBadRequest, ErrCodeInvalidRequest, "workspace is required")
		return
	}

	session := &types.Session{
		ID:        ulid.Make().String(),
		Title:     req.Title,
		Model:     req.Model,
		Workspace: req.Workspace,
		Mode:      req.Mode,
		Time: types.SessionTime{
			Created: time.Now().UnixMilli(),
			Updated: time.Now().UnixMilli(),
		},
	}
	if session.Title == "" {
		session.Title = types.DefaultTitle
	}
	if session.Model == "" {
		session.Model = s.config.DefaultModel
	}
	if session.Mode == "" {
		session.Mode = s.config.DefaultMode
	}

	if err := s.store.CreateSession(r.Context(), session); err != nil {
		writeError(w, http.StatusInternalServerError, ErrCodeInternalError, err.Error())
		return
	}
	writeJSON(w, http.StatusCreated, session)
}

func (s *Server) getSession(w http.ResponseWriter, r *http.Request) {
	session, err := s.store.GetSession(r.Context(), chi.URLParam(r, "sessionID"))
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeError(w, http.StatusNotFound, ErrCodeNotFound, "session not found")
			return
		}
		writeError(w, http.StatusInternalServerError, ErrCodeInternalError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, session)
}

func (s *Server) deleteSession(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "sessionID")
	s.orch.Stop(sessionID)
	s.perms.EndSession(sessionID)
	if err := s.store.DeleteSession(r.Context(), sessionID); err != nil {
		writeError(w, http.StatusInternalServerError, ErrCodeInternalError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"deleted": true})
}

func (s *Server) mcpStatus(w http.ResponseWriter, r *http.Request) {
	if s.mcps == nil {
		writeJSON(w, http.StatusOK, []any{})
		return
	}
	writeJSON(w, http.StatusOK, s.mcps.Statuses())
}
