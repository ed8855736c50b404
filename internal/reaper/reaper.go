package reaper

import (
	"context"
	"log/slog"
	"time"

	"github.com/p-arndt/docbox/internal/environment"
	"github.com/p-arndt/docbox/internal/store"
)

type Reaper struct {
	store          ReaperStore
	driver         ReaperDriver
	sessionManager SessionManager
	interval       time.Duration
	logger         *slog.Logger
	now            func() time.Time
}

func New(st ReaperStore, drv ReaperDriver, interval time.Duration, logger *slog.Logger) *Reaper {
	return &Reaper{
		store:    st,
		driver:   drv,
		interval: interval,
		logger:   logger,
		now:      time.Now,
	}
}

func (r *Reaper) SetSessionManager(sm SessionManager) {
	r.sessionManager = sm
}

// Run reconciles once, then sweeps expired sessions every interval until
// ctx is done.
func (r *Reaper) Run(ctx context.Context) {
	r.logger.Info("reaper started", "interval", r.interval)

	r.reconcile(ctx)

	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			r.logger.Info("reaper stopped")
			return
		case <-ticker.C:
			r.reapExpired(ctx)
			r.checkLiveness(ctx)
		}
	}
}

func (r *Reaper) reapExpired(ctx context.Context) {
	expired, err := r.store.ListExpiredSessions(r.now())
	if err != nil {
		r.logger.Error("reaper: list expired", "error", err)
		return
	}

	for _, sess := range expired {
		r.logger.Info("reaping expired session", "session_id", sess.ID, "expired_at", sess.ExpiresAt)

		if r.sessionManager != nil {
			if err := r.sessionManager.Destroy(ctx, sess.ID); err != nil {
				r.logger.Error("reaper: destroy session", "session_id", sess.ID, "error", err)
			}
			continue
		}

		if sess.EnvironmentID != "" {
			if err := r.driver.Destroy(ctx, handleOf(sess)); err != nil {
				r.logger.Error("reaper: destroy environment", "session_id", sess.ID, "error", err)
			}
		}
		if err := r.store.DeleteSession(sess.ID); err != nil {
			r.logger.Error("reaper: delete session", "session_id", sess.ID, "error", err)
		}
	}

	if len(expired) > 0 {
		r.logger.Info("reaper: reaped sessions", "count", len(expired))
	}
}

// checkLiveness marks ready sessions whose environment stopped as crashed.
// They keep their slot until the TTL sweep removes them.
func (r *Reaper) checkLiveness(ctx context.Context) {
	sessions, err := r.store.ListAllSessions()
	if err != nil {
		r.logger.Error("reaper: list sessions", "error", err)
		return
	}

	for _, sess := range sessions {
		if sess.Status != store.StatusReady || sess.EnvironmentID == "" {
			continue
		}
		state, err := r.driver.Inspect(ctx, handleOf(sess))
		if err != nil {
			r.logger.Warn("reaper: inspect failed", "session_id", sess.ID, "error", err)
			continue
		}
		if state == environment.StateRunning {
			continue
		}

		r.logger.Warn("environment not running, marking crashed", "session_id", sess.ID, "state", state)
		if err := r.store.UpdateStatus(sess.ID, store.StatusCrashed); err != nil {
			r.logger.Error("reaper: update status", "session_id", sess.ID, "error", err)
		}
		if r.sessionManager != nil {
			r.sessionManager.CleanupSessionLock(sess.ID)
		}
	}
}

// reconcile removes managed environments no record points at, typically
// left behind by a previous daemon run, then checks liveness. It only runs
// at startup: during normal operation an environment exists briefly before
// its record names it.
func (r *Reaper) reconcile(ctx context.Context) {
	r.logger.Info("reconciliation starting")

	handles, err := r.driver.List(ctx)
	if err != nil {
		r.logger.Error("reconcile: list environments", "error", err)
		return
	}
	sessions, err := r.store.ListAllSessions()
	if err != nil {
		r.logger.Error("reconcile: list sessions", "error", err)
		return
	}

	known := make(map[string]bool, len(sessions))
	for _, sess := range sessions {
		if sess.EnvironmentID != "" {
			known[sess.EnvironmentID] = true
		}
	}

	removed := 0
	for _, h := range handles {
		if known[h.ID] {
			continue
		}
		r.logger.Warn("reconcile: removing orphaned environment", "environment_id", h.ID, "session_id", h.SessionID)
		if err := r.driver.Destroy(ctx, h); err != nil {
			r.logger.Error("reconcile: destroy orphan", "environment_id", h.ID, "error", err)
			continue
		}
		removed++
	}

	r.checkLiveness(ctx)

	r.logger.Info("reconciliation complete", "orphans_removed", removed)
}

func handleOf(sess *store.Session) environment.Handle {
	return environment.Handle{ID: sess.EnvironmentID, SessionID: sess.ID}
}
