// Package server exposes the daemon's local HTTP API: session CRUD, message
// dispatch, permission responses, and the SSE event stream the desktop shell
// subscribes to.
package server

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"github.com/deskagent-ai/deskagent/internal/event"
	"github.com/deskagent-ai/deskagent/internal/logging"
	"github.com/deskagent-ai/deskagent/internal/mcp"
	"github.com/deskagent-ai/deskagent/internal/orchestrator"
	"github.com/deskagent-ai/deskagent/internal/permission"
	"github.com/deskagent-ai/deskagent/internal/store"
	"github.com/deskagent-ai/deskagent/pkg/types"
)

// Config holds server settings.
type Config struct {
	Host string
	Port int

	// Defaults applied to newly created sessions.
	DefaultModel string
	DefaultMode  types.PermissionMode
}

// Server is the local HTTP API.
type Server struct {
	config  Config
	router  *chi.Mux
	httpSrv *http.Server

	store *store.Store
	orch  *orchestrator.Orchestrator
	perms *permission.Service
	bus   *event.Bus
	mcps  *mcp.Registry
}

// New assembles the server. mcps may be nil.
func New(cfg Config, st *store.Store, orch *orchestrator.Orchestrator, perms *permission.Service, bus *event.Bus, mcps *mcp.Registry) *Server {
	s := &Server{
		config: cfg,
		router: chi.NewRouter(),
		store:  st,
		orch:   orch,
		perms:  perms,
		bus:    bus,
		mcps:   mcps,
	}

	s.router.Use(middleware.RequestID)
	s.router.Use(middleware.Recoverer)
	s.router.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"http://localhost:*", "tauri://*", "app://*"},
		AllowedMethods: []string{"GET", "POST", "PATCH", "DELETE", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Content-Type"},
	}))

	s.setupRoutes()
	return s
}

// Start begins serving. Blocks until the listener fails or Shutdown runs.
func (s *Server) Start() error {
	addr := fmt.Sprintf("%s:%d", s.config.Host, s.config.Port)
	s.httpSrv = &http.Server{
		Addr:        addr,
		Handler:     s.router,
		ReadTimeout: 30 * time.Second,
		// No write timeout: SSE connections stay open indefinitely.
	}
	logging.Info().Str("addr", addr).Msg("http server listening")
	if err := s.httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// Shutdown stops the server and aborts running turns.
func (s *Server) Shutdown(ctx context.Context) error {
	s.orch.StopAll()
	if s.httpSrv == nil {
		return nil
	}
	return s.httpSrv.Shutdown(ctx)
}

// Handler exposes the router, for tests.
func (s *Server) Handler() http.Handler {
	return s.router
}
