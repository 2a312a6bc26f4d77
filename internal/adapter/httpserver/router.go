package httpserver

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/cors"
	"github.com/go-chi/httprate"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/freesidenomad/commandbus/internal/config"
)

// BuildRouter constructs the admin API's HTTP handler with middleware,
// CORS, rate limiting, and Prometheus exposition, narrowed to a single
// admin-only surface.
func BuildRouter(cfg config.Config, srv *Server) http.Handler {
	r := chi.NewRouter()
	r.Use(Recoverer())
	r.Use(TraceMiddleware)
	r.Use(RequestID())
	r.Use(TimeoutMiddleware(30 * time.Second))
	r.Use(AccessLog())

	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{cfg.AdminCORSOrigin},
		AllowedMethods: []string{"GET", "POST"},
		AllowedHeaders: []string{"*"},
		MaxAge:         300,
	}))

	r.Group(func(wr chi.Router) {
		wr.Use(httprate.LimitByIP(cfg.AdminRateLimitPerMin, time.Minute))
		srv.Mount(wr)
	})

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	r.Get("/metrics", promhttp.Handler().ServeHTTP)

	return SecurityHeaders(r)
}
