package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
)

// buildRouter creates the HTTP router with all routes and middleware.
func (s *Server) buildRouter() http.Handler {
	r := chi.NewRouter()

	// Global middleware
	r.Use(s.requestIDMiddleware)
	r.Use(s.instrumentMiddleware)
	r.Use(s.recoveryMiddleware)
	r.Use(s.bodySizeLimitMiddleware)

	if s.prom != nil && s.metricsCfg.Enabled {
		path := s.metricsCfg.Path
		if path == "" {
			path = "/metrics"
		}
		r.Handle(path, s.prom.Handler())
	}

	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/health", s.handleHealth)
		r.Get("/status", s.handleStatus)
		r.Get("/ws", s.handleWebSocket)

		r.Get("/inspections", s.handleListInspections)
		r.Get("/inspections/summary", s.handleInspectionSummary)
		r.Get("/steps/history", s.handleListSteps)

		// Mutating routes
		r.Group(func(r chi.Router) {
			r.Use(s.apiKeyMiddleware)

			r.Post("/steps/{step}", s.handleTriggerStep)
			r.Post("/estop", s.handleEmergencyStop)
			r.Post("/channels/{id}/arm", s.handleArmChannel)
			r.Post("/channels/{id}/reset", s.handleResetChannel)
		})
	})

	return r
}
