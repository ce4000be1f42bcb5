package api

import (
	"context"
	"net/http"
	"time"

	"evidence-ledger/core/appbootstrap"
	"evidence-ledger/core/metrics"
	"evidence-ledger/core/utils"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

type Server struct {
	rt     *appbootstrap.Runtime
	logger *utils.Logger
}

func NewServer(rt *appbootstrap.Runtime, logger *utils.Logger) *Server {
	return &Server{rt: rt, logger: logger}
}

// Router exposes the callback surface used by the auth provider, scoring model, anchor service
// and FIR-kit generator.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(s.recoverMiddleware)
	r.Use(middleware.Timeout(60 * time.Second))

	r.Get("/healthz", s.health)
	r.Handle("/metrics", metrics.Handler())

	r.Route("/api", func(r chi.Router) {
		r.Use(requireActor)

		r.Post("/users", s.registerUser)
		r.Get("/users/{id}", s.getUser)
		r.Post("/users/{id}/consent", s.recordConsent)
		r.Post("/users/{id}/deactivate", s.deactivateUser)
		r.Post("/users/{id}/erase", s.eraseUser)
		r.Get("/users/{id}/risk", s.currentRisk)
		r.Get("/users/{id}/risk/history", s.riskHistory)

		r.Post("/stations", s.createStation)
		r.Get("/stations", s.listStations)
		r.Get("/stations/{id}", s.getStation)

		r.Post("/incidents", s.createIncident)
		r.Get("/incidents", s.listIncidents)
		r.Get("/incidents/{id}", s.getIncident)
		r.Post("/incidents/{id}/transition", s.transitionIncident)
		r.Post("/incidents/{id}/route", s.routeIncident)
		r.Get("/incidents/{id}/evidence", s.listEvidence)
		r.Post("/incidents/{id}/evidence", s.putEvidence)
		r.Get("/incidents/{id}/fir-kit", s.getFIRKit)
		r.Put("/incidents/{id}/fir-kit", s.saveFIRKit)
		r.Post("/incidents/{id}/fir-kit/downloaded", s.markFIRKitDownloaded)

		r.Get("/evidence/{id}", s.getEvidence)
		r.Get("/evidence/{id}/verify", s.verifyEvidence)
		r.Post("/evidence/{id}/anchor", s.anchorEvidence)

		r.Post("/risk", s.appendRisk)

		r.Get("/audit/{entity_type}/{entity_id}", s.auditHistory)
		r.Get("/audit/{entity_type}/{entity_id}/verify", s.verifyAuditChain)

		r.Get("/fir-kits/stale", s.listStaleFIRKits)
		r.Get("/analytics/daily", s.dailyAnalytics)
		r.Post("/analytics/refresh", s.refreshAnalytics)
	})

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, http.StatusNotFound, "not_found", "route not found")
	})
	return r
}

func (s *Server) health(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()
	if err := s.rt.DB.SQL().PingContext(ctx); err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
