package httpapi

import (
	"fmt"
	"net/http"

	"github.com/Cypherspark/notify-gateway/internal/core"
	"github.com/go-chi/chi/v5"
)

func (s *Server) outcomeNotice(w http.ResponseWriter, r *http.Request) {
	var in core.OutcomeNotice
	if err := decode(r, &in); err != nil {
		writeError(w, r, err, nil)
		return
	}
	in.CompanyID = principal(r).ID

	res, err := s.Service.SendOutcomeNotice(r.Context(), in)
	if err != nil {
		writeError(w, r, err, storedMessage(res.Message))
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) directNotice(w http.ResponseWriter, r *http.Request) {
	var in core.DirectNotice
	if err := decode(r, &in); err != nil {
		writeError(w, r, err, nil)
		return
	}
	in.CompanyID = principal(r).ID

	msg, err := s.Service.SendDirectNotice(r.Context(), in)
	if err != nil {
		writeError(w, r, err, storedMessage(msg))
		return
	}
	writeJSON(w, http.StatusOK, msg)
}

// storedMessage reports the persisted row when a dispatch failed after it
// was written.
func storedMessage(m core.Message) map[string]any {
	if m.ID == "" {
		return nil
	}
	return map[string]any{"message_id": m.ID, "delivery_status": m.DeliveryStatus}
}

func (s *Server) listReceived(w http.ResponseWriter, r *http.Request) {
	items, err := s.Service.ListReceived(r.Context(), principal(r).ID)
	if err != nil {
		writeError(w, r, err, nil)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": items})
}

func (s *Server) unreadCount(w http.ResponseWriter, r *http.Request) {
	n, err := s.Service.UnreadCount(r.Context(), principal(r))
	if err != nil {
		writeError(w, r, err, nil)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"unread": n})
}

func (s *Server) setRead(w http.ResponseWriter, r *http.Request) {
	var in struct {
		Read *bool `json:"read"`
	}
	if err := decode(r, &in); err != nil {
		writeError(w, r, err, nil)
		return
	}
	if in.Read == nil {
		writeError(w, r, fmt.Errorf("%w: read must be a boolean", core.ErrValidation), nil)
		return
	}
	m, err := s.Service.SetRead(r.Context(), principal(r), chi.URLParam(r, "id"), *in.Read)
	if err != nil {
		writeError(w, r, err, nil)
		return
	}
	writeJSON(w, http.StatusOK, m)
}

func (s *Server) deleteMessage(w http.ResponseWriter, r *http.Request) {
	if err := s.Service.DeleteMessage(r.Context(), principal(r), chi.URLParam(r, "id")); err != nil {
		writeError(w, r, err, nil)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) deliveryHistory(w http.ResponseWriter, r *http.Request) {
	items, err := s.Service.DeliveryHistory(r.Context(), principal(r), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, r, err, nil)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": items})
}
