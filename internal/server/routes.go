package server

import (
	"github.com/go-chi/chi/v5"
)

// setupRoutes configures the HTTP surface described for component H's
// external interfaces.
func (s *Server) setupRoutes() {
	r := s.router

	r.Route("/api", func(r chi.Router) {
		r.Post("/chat", s.handleChat)

		r.Route("/user", func(r chi.Router) {
			r.Get("/", s.handleGetUser)
			r.Post("/", s.handleGetUser)
			r.Options("/", s.handleUserOptions)
		})

		r.Route("/conversations", func(r chi.Router) {
			r.Get("/", s.listConversations)
			r.Get("/archived", s.listArchivedConversations)
			r.Post("/archive", s.archiveConversation)
			r.Post("/unarchive", s.unarchiveConversation)
			r.Post("/archived/restore", s.restoreArchivedConversation)

			r.Route("/{id}", func(r chi.Router) {
				r.Get("/", s.getConversation)
				r.Put("/", s.updateConversation)
				r.Delete("/", s.deleteConversation)
			})
		})

		r.Get("/metrics", s.handleMetrics)
		r.Get("/tool-system/status", s.handleToolSystemStatus)

		r.Route("/admin", func(r chi.Router) {
			r.Post("/lru-status/trigger", s.triggerLRUSweep)
		})
	})
}
