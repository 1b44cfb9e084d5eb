// Package app assembles the runtime: HTTP routing, readiness probes, the
// worker lease loop, and the periodic maintenance sweep. Both binaries wire
// their dependencies here so cmd/ stays thin.
package app

import (
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/cors"
	"github.com/go-chi/httprate"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	httpserver "github.com/fairyhunter13/deep-research/internal/adapter/httpserver"
	"github.com/fairyhunter13/deep-research/internal/adapter/observability"
	"github.com/fairyhunter13/deep-research/internal/config"
)

// requestTimeout bounds every endpoint except the event stream, which lives
// as long as the job it watches.
const requestTimeout = 30 * time.Second

// ParseOrigins splits a comma-separated origin list into a slice, trimming spaces.
// If the input is empty, returns ["*"].
func ParseOrigins(s string) []string {
	s = strings.TrimSpace(s)
	if s == "" {
		return []string{"*"}
	}
	if s == "*" {
		return []string{"*"}
	}
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	if len(out) == 0 {
		return []string{"*"}
	}
	return out
}

// BuildRouter constructs the HTTP handler with all middlewares and routes.
func BuildRouter(cfg config.Config, srv *httpserver.Server) http.Handler {
	r := chi.NewRouter()
	// Security & instrumentation middleware
	r.Use(httpserver.Recoverer())
	r.Use(httpserver.RequestID())
	r.Use(httpserver.TraceMiddleware)
	r.Use(httpserver.AccessLog())
	r.Use(observability.HTTPMetricsMiddleware)

	// CORS
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   ParseOrigins(cfg.CORSAllowOrigins),
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"*"},
		ExposedHeaders:   []string{"X-Request-Id"},
		AllowCredentials: false,
		MaxAge:           300,
	}))

	r.Group(func(tr chi.Router) {
		tr.Use(httpserver.TimeoutMiddleware(requestTimeout))

		// Rate limit the dispatch endpoint; tool calls reach providers.
		tr.Group(func(wr chi.Router) {
			wr.Use(httprate.LimitByIP(cfg.RateLimitPerMin, 1*time.Minute))
			wr.Post("/v1/tools/{tool}", srv.ToolsHandler())
		})
		tr.Get("/v1/tools", srv.ToolIndexHandler())

		// Health and metrics
		tr.Get("/healthz", httpserver.HealthzHandler())
		tr.Get("/readyz", srv.ReadyzHandler())
		tr.Get("/metrics", func(w http.ResponseWriter, r *http.Request) { promhttp.Handler().ServeHTTP(w, r) })

		// Ops surface
		if cfg.AdminEnabled() {
			srv.MountAdmin(tr)
		}
	})

	// The event stream replays, then follows the job until its final event.
	// It must not inherit the request timeout.
	r.Get("/v1/jobs/{id}/events", srv.JobEventsHandler())

	return httpserver.SecurityHeaders(r)
}
