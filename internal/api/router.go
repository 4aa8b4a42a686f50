package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// NewRouter assembles the operator-facing HTTP surface.
func NewRouter(doorbells *DoorbellHandler, live *LiveHandler) http.Handler {
	r := chi.NewRouter()
	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.RealIP)
	r.Use(chimiddleware.Logger)
	r.Use(chimiddleware.Recoverer)

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		respondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	r.Handle("/metrics", promhttp.Handler())

	r.Route("/api/v1", func(r chi.Router) {
		// The websocket route holds the connection open for the whole
		// viewing session, so the timeout middleware scopes to the rest.
		r.Group(func(r chi.Router) {
			r.Use(chimiddleware.Timeout(30 * time.Second))

			r.Get("/doorbells", doorbells.List)
			r.Get("/doorbells/{id}", doorbells.Get)
			r.Put("/doorbells/{id}/name", doorbells.Rename)
			r.Get("/doorbells/{id}/alerts", doorbells.ListAlerts)
			r.Post("/doorbells/{id}/alerts/checked", doorbells.MarkChecked)
			r.Get("/doorbells/{id}/image", doorbells.LatestImage)
			r.Post("/doorbells/{id}/open", doorbells.OpenRelay)
			r.Post("/doorbells/{id}/picture", doorbells.TakePicture)
			r.Get("/media/{filename}", doorbells.ServeMedia)
		})

		r.Get("/doorbells/{id}/live", live.Watch)
	})

	return r
}
