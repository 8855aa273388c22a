package server

import (
	"github.com/go-chi/chi/v5"
)

func (s *Server) setupRoutes() {
	r := s.router

	r.Get("/health", s.health)

	r.Route("/session", func(r chi.Router) {
		r.Get("/", s.listSessions)
		r.Post("/", s.createSession)

		r.Route("/{sessionID}", func(r chi.Router) {
			r.Get("/", s.getSession)
			r.Delete("/", s.deleteSession)

			r.Get("/message", s.getMessages)
			r.Post("/message", s.sendMessage)
			r.Post("/abort", s.abortSession)
		})
	})

	r.Post("/permission/{requestID}", s.respondPermission)

	r.Get("/event", s.events)

	r.Get("/mcp", s.mcpStatus)
}
