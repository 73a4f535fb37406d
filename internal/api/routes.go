package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
)

func (s *Server) routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	// The tracking script posts cross-origin from every customer site.
	ingestCORS := cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{"POST", "OPTIONS"},
		AllowedHeaders: []string{"Content-Type", "Authorization", "x-ingest-server-key", "x-idempotency-key"},
		MaxAge:         86400,
	})

	r.Route("/api/v1", func(r chi.Router) {
		r.With(ingestCORS).Post("/ingest", s.handleIngest)
		r.With(ingestCORS).Options("/ingest", func(w http.ResponseWriter, r *http.Request) {})
		r.Post("/goals", s.handleGoal)
	})

	r.Post("/api/webhooks/{provider}/{websiteId}", s.handleWebhook)

	r.Route("/api/cron", func(r chi.Router) {
		r.Use(s.cronAuth)
		r.HandleFunc("/retention", s.handleCronRetention)
		r.HandleFunc("/rollup-rebuild", s.handleCronRebuild)
	})

	r.Get("/js/script.js", s.handleScript)
	r.Get("/health", s.handleHealth)

	return r
}
