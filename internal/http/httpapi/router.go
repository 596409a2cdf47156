package httpapi

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"server/internal/auth"
	"server/internal/http/handlers"
	"server/internal/infra"
	"server/internal/middleware"
)

// NewRouter wires the full HTTP surface. Everything lives under /v1; only the
// health check, API docs, the public monitor listing and the static artifact
// tree skip authentication.
func NewRouter(app *handlers.App, jwt *auth.JWT, cfg *infra.Config, logger infra.Logger) http.Handler {
	r := chi.NewRouter()

	r.Use(
		middleware.RequestID,
		chimw.RealIP,
		chimw.Recoverer,
		middleware.Logger(logger),
	)
	if cfg.RateLimitPerMin > 0 {
		r.Use(middleware.RateLimit(cfg.RateLimitPerMin, time.Minute))
	}
	if len(cfg.CORSAllowedOrigins) > 0 {
		r.Use(cors.Handler(cors.Options{
			AllowedOrigins:   cfg.CORSAllowedOrigins,
			AllowedMethods:   []string{"GET", "POST", "DELETE", "OPTIONS"},
			AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-Request-ID"},
			AllowCredentials: true,
			MaxAge:           300,
		}))
	}

	// Artifacts and uploaded frames are served straight from the file store.
	if cfg.StoragePath != "" {
		fs := http.StripPrefix("/static/", http.FileServer(http.Dir(cfg.StoragePath)))
		r.Get("/static/*", fs.ServeHTTP)
	}

	r.Route("/v1", func(r chi.Router) {
		r.Get("/healthz", app.Health)
		r.Get("/openapi.json", app.OpenAPIJSON)
		r.Get("/docs", app.OpenAPIDocs)
		r.Get("/video-jobs/all", app.VideoJobsMonitor)

		r.Group(func(r chi.Router) {
			r.Use(auth.RequireAuth(jwt))

			r.Get("/tokens/balance", app.TokensBalance)
			r.Post("/video-jobs", app.VideoJobsCreate)
			r.Get("/video-jobs", app.VideoJobsList)
			r.Get("/video-jobs/{id}", app.VideoJobsGet)
			r.Get("/video-jobs/{id}/download", app.VideoJobsDownload)
			r.Post("/video-jobs/{id}/cancel", app.VideoJobsCancel)
			r.Delete("/video-jobs/{id}", app.VideoJobsDelete)
		})
	})

	return r
}
