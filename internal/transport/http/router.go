package httptransport

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// NewRouter wires the engine's external surface: request ingestion, status
// queries, the audit trail, health, and metrics. Approval is guarded because
// it is the privileged decision made by the external workflow.
func NewRouter(h *Handler, approveAuth func(http.Handler) http.Handler) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)

	r.Route("/v1/requests", func(r chi.Router) {
		r.Post("/", h.CreateRequest)
		r.Get("/{id}", h.GetRequest)
		r.Get("/{id}/audit", h.GetAuditTrail)
		r.With(approveAuth).Post("/{id}/approve", h.ApproveRequest)
	})

	r.Get("/healthz", h.Health)
	r.Handle("/metrics", promhttp.Handler())

	return r
}
