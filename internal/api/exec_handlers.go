package api

import (
	"net/http"

	"github.com/p-arndt/docbox/internal/store"
)

type executeRequest struct {
	Command string `json:"command"`
}

func (s *Server) handleExecute(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	var req executeRequest
	if err := decodeJSONBody(w, r, &req); err != nil {
		writeValidationError(w, "invalid json: "+err.Error())
		return
	}
	if err := validateExecuteRequest(req); err != nil {
		writeValidationError(w, err.Error())
		return
	}

	s.logger.Debug("execute", "session_id", id, "command", req.Command)
	result, err := s.manager.Execute(r.Context(), id, req.Command)
	if err != nil {
		s.logger.Error("execute", "session_id", id, "command", req.Command, "error", err)
		writeAPIError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, result)
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	execs, err := s.manager.History(r.Context(), id)
	if err != nil {
		writeAPIError(w, err)
		return
	}
	if execs == nil {
		execs = []*store.Execution{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"executions": execs})
}
