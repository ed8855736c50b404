package api

import (
	"context"
	"net/http"

	"github.com/p-arndt/docbox/internal/compat"
	"github.com/p-arndt/docbox/internal/session"
	"github.com/p-arndt/docbox/internal/store"
)

// SessionService abstracts session management operations needed by API handlers.
type SessionService interface {
	Create(ctx context.Context, spec session.CreateSpec) (*session.Info, error)
	Get(ctx context.Context, id string) (*session.Info, error)
	List(ctx context.Context) ([]session.Info, error)
	Status(ctx context.Context, id string) (*session.StatusInfo, error)
	Destroy(ctx context.Context, sessionID string) error
	UpdateFile(ctx context.Context, sessionID, path string, content []byte) error
	ReadFile(ctx context.Context, sessionID, path string) ([]byte, error)
	ListFiles(ctx context.Context, sessionID string) ([]*store.FileEntry, error)
	Execute(ctx context.Context, sessionID, command string) (*session.ExecResult, error)
	History(ctx context.Context, sessionID string) ([]*store.Execution, error)
	Matrix() *compat.Matrix
}

// TerminalHub serves the websocket terminal routes.
type TerminalHub interface {
	ServeDedicated(w http.ResponseWriter, r *http.Request)
	ServeAttach(w http.ResponseWriter, r *http.Request)
}
