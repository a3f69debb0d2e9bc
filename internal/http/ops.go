package httpapi

import (
	"context"
	"net/http"
	"time"

	"github.com/Cypherspark/notify-gateway/api"
	"github.com/Cypherspark/notify-gateway/internal/metrics"
	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Connectivity is implemented by optional backends such as the event bus.
type Connectivity interface {
	IsConnected() bool
}

type readiness struct {
	DB       string `json:"db"`
	WhatsApp string `json:"whatsapp"`
	Events   string `json:"events,omitempty"`
}

const docsPage = `<!doctype html>
<html>
  <head>
    <title>Notification Gateway API</title>
    <meta charset="utf-8"/>
    <meta name="viewport" content="width=device-width, initial-scale=1">
    <script src="https://cdn.redoc.ly/redoc/latest/bundles/redoc.standalone.js"></script>
  </head>
  <body>
    <redoc spec-url="/openapi.yaml"></redoc>
  </body>
</html>`

// mountOps serves liveness, readiness, metrics and the API reference.
func (s *Server) mountOps(r chi.Router) {
	metrics.MustRegister()
	r.Method(http.MethodGet, "/metrics", promhttp.Handler())

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	r.Get("/readyz", s.ready)

	r.Get("/openapi.yaml", func(w http.ResponseWriter, r *http.Request) {
		http.ServeFileFS(w, r, api.FS, "openapi.yaml")
	})
	r.Get("/docs", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		_, _ = w.Write([]byte(docsPage))
	})
}

// ready gates on the database only. Session and event bus state are
// reported but never fail the probe: inbox traffic works without them.
func (s *Server) ready(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), time.Second)
	defer cancel()

	body := readiness{DB: "ok", WhatsApp: string(s.Sessions.Status().State)}
	status := http.StatusOK
	if err := s.DB.Ping(ctx); err != nil {
		body.DB = "unreachable"
		status = http.StatusServiceUnavailable
	}
	if s.Events != nil {
		body.Events = "connected"
		if !s.Events.IsConnected() {
			body.Events = "disconnected"
		}
	}
	writeJSON(w, status, body)
}
