package httpapi

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/Cypherspark/notify-gateway/internal/core"
	"github.com/Cypherspark/notify-gateway/internal/whatsapp"
)

// whatsappInit starts the session if needed and waits up to the readiness
// timeout; a session that is still authenticating is not an error.
func (s *Server) whatsappInit(w http.ResponseWriter, r *http.Request) {
	st, err := s.Sessions.Init(r.Context())
	if err != nil {
		writeError(w, r, err, nil)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

func (s *Server) whatsappQR(w http.ResponseWriter, r *http.Request) {
	qr, ok := s.Sessions.Challenge()
	if !ok {
		writeError(w, r, fmt.Errorf("%w: no authentication challenge available", core.ErrNotFound), nil)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"qr": qr})
}

func (s *Server) whatsappStatus(w http.ResponseWriter, _ *http.Request) {
	st := s.Sessions.Status()
	writeJSON(w, http.StatusOK, map[string]any{"ready": st.Ready, "state": st.State})
}

func (s *Server) whatsappLogout(w http.ResponseWriter, r *http.Request) {
	err := s.Sessions.Logout(r.Context())
	if errors.Is(err, whatsapp.ErrNoSession) {
		err = fmt.Errorf("%w: session not initialized", core.ErrValidation)
	}
	if err != nil {
		writeError(w, r, err, nil)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}
