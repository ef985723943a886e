package server

import (
	"github.com/go-chi/chi/v5"
)

func (s *Server) setupRoutes() {
	s.router.Get("/event", s.handleEvents)

	s.router.Route("/session", func(r chi.Router) {
		r.Get("/", s.handleListSessions)
		r.Post("/", s.handleCreateSession)

		r.Route("/{sessionID}", func(r chi.Router) {
			r.Get("/", s.handleGetSession)
			r.Delete("/", s.handleDeleteSession)
			r.Patch("/settings", s.handleUpdateSettings)
			r.Get("/message", s.handleListMessages)
			r.Post("/message", s.handleSendMessage)
			r.Post("/abort", s.handleAbort)
			r.Post("/fork", s.handleFork)
			r.Post("/permission/{permissionID}", s.handlePermissionReply)
		})
	})
}
