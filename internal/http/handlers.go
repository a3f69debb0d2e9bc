package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/Cypherspark/notify-gateway/internal/auth"
	"github.com/Cypherspark/notify-gateway/internal/core"
	"github.com/Cypherspark/notify-gateway/internal/logger"
	"github.com/Cypherspark/notify-gateway/internal/whatsapp"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

// Sessions is the session control surface of whatsapp.Manager.
type Sessions interface {
	Init(ctx context.Context) (whatsapp.Status, error)
	Status() whatsapp.Status
	Challenge() (string, bool)
	Logout(ctx context.Context) error
}

type Pinger interface {
	Ping(ctx context.Context) error
}

type Server struct {
	Service  *core.Service
	DB       Pinger
	Sessions Sessions
	Events   Connectivity // optional
	authn    func(http.Handler) http.Handler
}

func NewServer(svc *core.Service, db Pinger, sessions Sessions, verifier *auth.Verifier) *Server {
	return &Server{Service: svc, DB: db, Sessions: sessions, authn: verifier.Middleware}
}

func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	reqLog := &middleware.DefaultLogFormatter{
		Logger:  slog.NewLogLogger(slog.Default().Handler(), slog.LevelInfo),
		NoColor: true,
	}
	r.Use(middleware.RequestID, middleware.RealIP, middleware.RequestLogger(reqLog), middleware.Recoverer, instrument)

	s.mountOps(r)

	r.Route("/pesan", func(r chi.Router) {
		r.Post("/whatsapp-init", s.whatsappInit)
		r.Get("/whatsapp-qr", s.whatsappQR)
		r.Get("/whatsapp-status", s.whatsappStatus)
		r.Post("/whatsapp-logout", s.whatsappLogout)

		r.Group(func(r chi.Router) {
			r.Use(s.authn)
			r.With(auth.RequireKind(core.KindCompany)).Post("/notifikasi-hasil-lamaran", s.outcomeNotice)
			r.With(auth.RequireKind(core.KindCompany)).Post("/kirim-ke-alumni", s.directNotice)
			r.With(auth.RequireKind(core.KindAlumni)).Get("/alumni/me", s.listReceived)
			r.Get("/unread-count", s.unreadCount)
			r.Patch("/{id}/sudah-dibaca", s.setRead)
			r.Get("/{id}/riwayat-pengiriman", s.deliveryHistory)
			r.Delete("/{id}", s.deleteMessage)
		})
	})

	r.Route("/pesan-bebas", func(r chi.Router) {
		r.Use(s.authn)
		r.Post("/", s.sendFree)
		r.Get("/", s.listFree)
		r.Get("/unread-count", s.unreadFree)
		r.Patch("/{id}/dibaca", s.markFreeRead)
		r.Delete("/{id}", s.deleteFree)
	})
	return r
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// classify maps the error taxonomy onto HTTP statuses.
func classify(err error) (int, string) {
	switch {
	case errors.Is(err, core.ErrValidation):
		return http.StatusBadRequest, core.ErrValidation.Error()
	case errors.Is(err, core.ErrNotFound):
		return http.StatusNotFound, core.ErrNotFound.Error()
	case errors.Is(err, core.ErrForbidden):
		return http.StatusForbidden, core.ErrForbidden.Error()
	case errors.Is(err, core.ErrContactMissing):
		return http.StatusUnprocessableEntity, core.ErrContactMissing.Error()
	case errors.Is(err, core.ErrSessionNotReady):
		return http.StatusServiceUnavailable, core.ErrSessionNotReady.Error()
	case errors.Is(err, core.ErrDeliveryFailed):
		return http.StatusBadGateway, core.ErrDeliveryFailed.Error()
	}
	return http.StatusInternalServerError, "internal_error"
}

// writeError writes {"error": kind, "message": text} plus any extra fields.
func writeError(w http.ResponseWriter, r *http.Request, err error, extra map[string]any) {
	status, kind := classify(err)
	body := map[string]any{"error": kind, "message": err.Error()}
	if status == http.StatusInternalServerError {
		logger.From(r.Context()).Error("request failed", "path", r.URL.Path, "error", err)
		body["message"] = "internal server error"
	}
	for k, v := range extra {
		body[k] = v
	}
	writeJSON(w, status, body)
}

func decode(r *http.Request, v any) error {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		return fmt.Errorf("%w: invalid JSON body: %v", core.ErrValidation, err)
	}
	return nil
}

// principal is set by the auth middleware on every authenticated route.
func principal(r *http.Request) core.ActorRef {
	p, _ := auth.FromContext(r.Context())
	return p
}
