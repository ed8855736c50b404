package session

import (
	"context"
	"fmt"

	"github.com/p-arndt/docbox/internal/environment"
)

// Status inspects the live environment. An inspection failure is reported
// as "unknown" rather than an error.
func (m *Manager) Status(ctx context.Context, id string) (*StatusInfo, error) {
	sess, err := m.store.GetSession(id)
	if err != nil {
		return nil, err
	}
	if sess == nil {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}

	state := environment.StateUnknown
	if sess.EnvironmentID != "" {
		s, err := m.driver.Inspect(ctx, handleOf(sess))
		if err != nil {
			m.logger.Warn("inspect failed", "session_id", id, "error", err)
		} else if s != "" {
			state = s
		}
	}

	if string(state) != sess.LastKnownState {
		if err := m.store.UpdateLastKnownState(id, string(state)); err != nil {
			m.logger.Warn("cache status failed", "session_id", id, "error", err)
		}
	}

	return &StatusInfo{
		ID:        sess.ID,
		Status:    string(state),
		CreatedAt: sess.CreatedAt,
		ExpiresIn: m.expiresIn(sess),
	}, nil
}

// Get returns the stored record without touching the environment.
func (m *Manager) Get(ctx context.Context, id string) (*Info, error) {
	sess, err := m.store.GetSession(id)
	if err != nil {
		return nil, err
	}
	if sess == nil {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return m.infoFrom(sess, sess.Status), nil
}

func (m *Manager) List(ctx context.Context) ([]Info, error) {
	sessions, err := m.store.ListSessions()
	if err != nil {
		return nil, err
	}

	result := make([]Info, len(sessions))
	for i, s := range sessions {
		result[i] = *m.infoFrom(s, s.Status)
	}
	return result, nil
}

// Destroy removes the environment and the record. Unknown and already
// destroyed ids are a no-op. Expired records are still cleaned up, which is
// how the reaper reclaims them.
func (m *Manager) Destroy(ctx context.Context, sessionID string) error {
	sess, err := m.store.GetSessionAny(sessionID)
	if err != nil {
		return err
	}
	if sess == nil {
		m.removeSessionLock(sessionID)
		return nil
	}

	if sess.EnvironmentID != "" {
		if err := m.driver.Destroy(ctx, handleOf(sess)); err != nil {
			m.logger.Error("environment destroy failed", "session_id", sessionID, "error", err)
		}
	}
	if err := m.store.DeleteSession(sessionID); err != nil {
		return err
	}
	m.removeSessionLock(sessionID)

	m.logger.Info("session destroyed", "session_id", sessionID)
	return nil
}

// AttachTerminal starts an interactive process in the session's environment.
func (m *Manager) AttachTerminal(ctx context.Context, sessionID string, opts environment.AttachOpts) (environment.Terminal, *Info, error) {
	sess, err := m.validateSession(sessionID)
	if err != nil {
		return nil, nil, err
	}
	term, err := m.driver.Attach(ctx, handleOf(sess), opts)
	if err != nil {
		m.logger.Error("attach failed", "session_id", sessionID, "error", err)
		return nil, nil, err
	}
	return term, m.infoFrom(sess, sess.Status), nil
}
