package api

import (
	"net/http"

	"github.com/p-arndt/docbox/internal/session"
)

func (s *Server) handleVersions(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.manager.Matrix().Descriptor())
}

func (s *Server) handleCreateSession(w http.ResponseWriter, r *http.Request) {
	var req session.CreateSpec
	if err := decodeJSONBody(w, r, &req); err != nil {
		writeValidationError(w, "invalid json: "+err.Error())
		return
	}

	s.logger.Debug("create session request",
		"framework", req.Framework,
		"framework_version", req.FrameworkVersion,
		"spectrum_version", req.SpectrumVersion,
		"php_version", req.PHPVersion,
	)
	info, err := s.manager.Create(r.Context(), req)
	if err != nil {
		s.logger.Error("create session", "error", err)
		writeAPIError(w, err)
		return
	}
	s.logger.Debug("session created", "session_id", info.ID)
	writeJSON(w, http.StatusOK, info)
}

func (s *Server) handleGetSession(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	info, err := s.manager.Get(r.Context(), id)
	if err != nil {
		writeAPIError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, info)
}

func (s *Server) handleListSessions(w http.ResponseWriter, r *http.Request) {
	sessions, err := s.manager.List(r.Context())
	if err != nil {
		writeAPIError(w, err)
		return
	}
	if sessions == nil {
		sessions = []session.Info{}
	}
	s.logger.Debug("list sessions result", "count", len(sessions))
	writeJSON(w, http.StatusOK, map[string]any{"sessions": sessions})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	status, err := s.manager.Status(r.Context(), id)
	if err != nil {
		writeAPIError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, status)
}

func (s *Server) handleDestroy(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	s.logger.Debug("destroy session", "session_id", id)
	if err := s.manager.Destroy(r.Context(), id); err != nil {
		s.logger.Error("destroy", "session_id", id, "error", err)
		writeAPIError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]bool{"success": true})
}
