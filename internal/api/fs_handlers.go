package api

import (
	"net/http"

	"github.com/p-arndt/docbox/internal/store"
)

type fileRequest struct {
	Path    string  `json:"path"`
	Content *string `json:"content"`
}

func (s *Server) handleUpdateFile(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	var req fileRequest
	if err := decodeJSONBody(w, r, &req); err != nil {
		writeValidationError(w, "invalid json: "+err.Error())
		return
	}
	if err := validateFileRequest(req); err != nil {
		writeValidationError(w, err.Error())
		return
	}

	s.logger.Debug("update file", "session_id", id, "path", req.Path, "bytes", len(*req.Content))
	if err := s.manager.UpdateFile(r.Context(), id, req.Path, []byte(*req.Content)); err != nil {
		s.logger.Warn("update file", "session_id", id, "path", req.Path, "error", err)
		writeAPIError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{"success": true, "path": req.Path})
}

func (s *Server) handleReadFile(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	path := r.URL.Query().Get("path")
	if path == "" {
		writeValidationError(w, "path query parameter is required")
		return
	}

	s.logger.Debug("read file", "session_id", id, "path", path)
	data, err := s.manager.ReadFile(r.Context(), id, path)
	if err != nil {
		writeAPIError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{
		"path":    path,
		"content": string(data),
	})
}

func (s *Server) handleListFiles(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	files, err := s.manager.ListFiles(r.Context(), id)
	if err != nil {
		writeAPIError(w, err)
		return
	}
	if files == nil {
		files = []*store.FileEntry{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"files": files})
}
