package httpapi

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/majisafe/majisafe/internal/domain/pump"
)

// pumpFromPath resolves {pumpId}; it writes the error response when the pump is unknown.
func (s *Server) pumpFromPath(w http.ResponseWriter, r *http.Request) (pump.ID, bool) {
	id, err := pump.ParseID(chi.URLParam(r, "pumpId"))
	if err != nil {
		respondError(w, http.StatusBadRequest, "INVALID_PARAM", err.Error())
		return id, false
	}
	if !s.pumps.Known(id) {
		respondError(w, http.StatusNotFound, "PUMP_NOT_FOUND", "unknown pump "+id.String())
		return id, false
	}
	return id, true
}

func (s *Server) listPumps(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, s.pumps.List())
}

func (s *Server) getPump(w http.ResponseWriter, r *http.Request) {
	id, ok := s.pumpFromPath(w, r)
	if !ok {
		return
	}
	respondJSON(w, http.StatusOK, s.pumps.State(id))
}

func (s *Server) pumpHistory(w http.ResponseWriter, r *http.Request) {
	id, ok := s.pumpFromPath(w, r)
	if !ok {
		return
	}
	items, err := s.pumps.History(r.Context(), id, parseLimit(r, 50, 500))
	if err != nil {
		s.respondServiceError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, items)
}

func (s *Server) deactivatePump(w http.ResponseWriter, r *http.Request) {
	id, ok := s.pumpFromPath(w, r)
	if !ok {
		return
	}
	if err := s.pumps.Deactivate(r.Context(), id); err != nil {
		s.respondServiceError(w, err)
		return
	}
	s.logger.Info().Str("pump_id", id.String()).Str("remote", r.RemoteAddr).Msg("operator deactivated pump")
	respondJSON(w, http.StatusOK, s.pumps.State(id))
}

func (s *Server) clearPumpFault(w http.ResponseWriter, r *http.Request) {
	id, ok := s.pumpFromPath(w, r)
	if !ok {
		return
	}
	if err := s.pumps.ClearFault(r.Context(), id); err != nil {
		s.respondServiceError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, s.pumps.State(id))
}
