package reaper

import (
	"context"
	"time"

	"github.com/p-arndt/docbox/internal/environment"
	"github.com/p-arndt/docbox/internal/store"
)

// ReaperStore abstracts store operations needed by the reaper.
type ReaperStore interface {
	ListExpiredSessions(now time.Time) ([]*store.Session, error)
	ListAllSessions() ([]*store.Session, error)
	UpdateStatus(id, status string) error
	DeleteSession(id string) error
}

// ReaperDriver abstracts environment operations needed by the reaper.
type ReaperDriver interface {
	Inspect(ctx context.Context, h environment.Handle) (environment.State, error)
	Destroy(ctx context.Context, h environment.Handle) error
	List(ctx context.Context) ([]environment.Handle, error)
}

// SessionManager tears sessions down through the same path as a client
// destroy.
type SessionManager interface {
	Destroy(ctx context.Context, id string) error
	CleanupSessionLock(id string)
}
