package httpapi

import (
	"net/http"

	"github.com/Cypherspark/notify-gateway/internal/core"
	"github.com/go-chi/chi/v5"
)

func (s *Server) sendFree(w http.ResponseWriter, r *http.Request) {
	var in core.FreeMessageRequest
	if err := decode(r, &in); err != nil {
		writeError(w, r, err, nil)
		return
	}
	v, err := s.Service.SendFree(r.Context(), principal(r), in)
	if err != nil {
		writeError(w, r, err, nil)
		return
	}
	writeJSON(w, http.StatusCreated, v)
}

func (s *Server) listFree(w http.ResponseWriter, r *http.Request) {
	items, err := s.Service.ListFree(r.Context(), principal(r))
	if err != nil {
		writeError(w, r, err, nil)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": items})
}

func (s *Server) unreadFree(w http.ResponseWriter, r *http.Request) {
	n, err := s.Service.UnreadFree(r.Context(), principal(r))
	if err != nil {
		writeError(w, r, err, nil)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"unread": n})
}

func (s *Server) markFreeRead(w http.ResponseWriter, r *http.Request) {
	v, err := s.Service.MarkFreeRead(r.Context(), principal(r), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, r, err, nil)
		return
	}
	writeJSON(w, http.StatusOK, v)
}

func (s *Server) deleteFree(w http.ResponseWriter, r *http.Request) {
	if err := s.Service.DeleteFree(r.Context(), principal(r), chi.URLParam(r, "id")); err != nil {
		writeError(w, r, err, nil)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
