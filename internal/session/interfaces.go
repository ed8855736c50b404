package session

import (
	"context"
	"time"

	"github.com/p-arndt/docbox/internal/environment"
	"github.com/p-arndt/docbox/internal/store"
)

type EnvironmentDriver interface {
	Create(ctx context.Context, spec environment.Spec) (*environment.Handle, error)
	Exec(ctx context.Context, h environment.Handle, argv []string, workDir string, timeout time.Duration) (*environment.ExecResult, error)
	CopyFileIn(ctx context.Context, h environment.Handle, path string, content []byte) error
	ReadFile(ctx context.Context, h environment.Handle, path string, maxBytes int64) ([]byte, error)
	Inspect(ctx context.Context, h environment.Handle) (environment.State, error)
	Destroy(ctx context.Context, h environment.Handle) error
	Attach(ctx context.Context, h environment.Handle, opts environment.AttachOpts) (environment.Terminal, error)
}

type SessionStore interface {
	Reserve(sess *store.Session, max int) error
	SetEnvironment(id, environmentID string) error
	MarkReady(id, environmentID string) error
	GetSession(id string) (*store.Session, error)
	GetSessionAny(id string) (*store.Session, error)
	ListSessions() ([]*store.Session, error)
	UpdateLastKnownState(id, state string) error
	DeleteSession(id string) error
	RecordFile(sessionID string, f store.FileEntry) error
	ListFiles(sessionID string) ([]*store.FileEntry, error)
	RecordExecution(e *store.Execution) error
	ListExecutions(sessionID string) ([]*store.Execution, error)
}
