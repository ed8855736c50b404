package api

import (
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/klauspost/compress/gzhttp"

	"github.com/p-arndt/docbox/internal/config"
)

type Server struct {
	cfg       *config.Config
	manager   SessionService
	terminals TerminalHub
	logger    *slog.Logger
	mux       *http.ServeMux
}

func NewServer(cfg *config.Config, mgr SessionService, terminals TerminalHub, logger *slog.Logger) *Server {
	s := &Server{
		cfg:       cfg,
		manager:   mgr,
		terminals: terminals,
		logger:    logger,
		mux:       http.NewServeMux(),
	}
	s.routes()
	return s
}

// Handler returns the full HTTP surface. JSON routes are gzip-compressed;
// terminal routes are not, since they hijack the connection.
func (s *Server) Handler() http.Handler {
	root := http.NewServeMux()
	if s.terminals != nil {
		root.HandleFunc("GET /v1/terminal/{class}", s.terminals.ServeDedicated)
		root.HandleFunc("GET /v1/sessions/{id}/terminal", s.terminals.ServeAttach)
	}
	root.Handle("/", gzhttp.GzipHandler(s.mux))
	return s.requestIDMiddleware(s.loggingMiddleware(root))
}

func (s *Server) routes() {
	s.mux.HandleFunc("GET /v1/versions", s.handleVersions)

	s.mux.HandleFunc("POST /v1/sandbox/create", s.handleCreateSession)
	s.mux.HandleFunc("GET /v1/sandbox", s.handleListSessions)
	s.mux.HandleFunc("GET /v1/sandbox/{id}", s.handleGetSession)
	s.mux.HandleFunc("GET /v1/sandbox/{id}/status", s.handleStatus)
	s.mux.HandleFunc("DELETE /v1/sandbox/{id}", s.handleDestroy)

	s.mux.HandleFunc("POST /v1/sandbox/{id}/file", s.handleUpdateFile)
	s.mux.HandleFunc("GET /v1/sandbox/{id}/file", s.handleReadFile)
	s.mux.HandleFunc("GET /v1/sandbox/{id}/files", s.handleListFiles)

	s.mux.HandleFunc("POST /v1/sandbox/{id}/execute", s.handleExecute)
	s.mux.HandleFunc("GET /v1/sandbox/{id}/history", s.handleHistory)

	s.mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
