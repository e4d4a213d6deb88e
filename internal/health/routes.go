package health

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Routes mounts /healthz, /readyz, and the Prometheus /metrics exposition
// (spec.md §4 C10).
func (m *Manager) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(chimw.Recoverer)
	r.Get("/healthz", m.ServeHealth)
	r.Get("/readyz", m.ServeReady)
	r.Handle("/metrics", promhttp.Handler())
	return r
}
