package session

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/p-arndt/docbox/internal/environment"
	"github.com/p-arndt/docbox/internal/policy"
	storemod "github.com/p-arndt/docbox/internal/store"
)

// Execute runs one allow-listed command. A nonzero exit or a timeout is a
// result, not an error.
func (m *Manager) Execute(ctx context.Context, sessionID, command string) (*ExecResult, error) {
	sess, err := m.validateSession(sessionID)
	if err != nil {
		return nil, err
	}

	cmd, err := policy.ResolveCommand(command, m.timeouts())
	if err != nil {
		return nil, err
	}

	// Serialize exec per session
	mu := m.sessionLock(sessionID)
	mu.Lock()
	defer mu.Unlock()

	h := handleOf(sess)
	started := m.now()
	res, err := m.driver.Exec(ctx, h, cmd.Argv, policy.AppRoot, cmd.Timeout)
	if err != nil {
		m.logger.Error("exec failed", "session_id", sessionID, "command", command, "error", err)
		return nil, fmt.Errorf("exec %s: %w", command, err)
	}

	result := &ExecResult{
		Command:    string(cmd.Name),
		Output:     res.Stdout,
		Error:      res.Stderr,
		ExitCode:   res.ExitCode,
		TimedOut:   res.TimedOut,
		DurationMs: res.Duration.Milliseconds(),
	}

	if cmd.Class == policy.ClassGenerate && res.ExitCode == 0 && !res.TimedOut {
		result.GeneratedDocument = m.fetchArtifact(ctx, sessionID, h)
	}

	if err := m.store.RecordExecution(&storemod.Execution{
		SessionID: sessionID,
		Command:   string(cmd.Name),
		ExitCode:  res.ExitCode,
		TimedOut:  res.TimedOut,
		Duration:  res.Duration,
		StartedAt: started,
	}); err != nil {
		m.logger.Warn("record execution failed", "session_id", sessionID, "error", err)
	}

	m.logger.Debug("exec done",
		"session_id", sessionID,
		"command", command,
		"exit_code", res.ExitCode,
		"timed_out", res.TimedOut,
		"duration", res.Duration,
	)
	return result, nil
}

// fetchArtifact reads the generated OpenAPI document. Missing or invalid
// JSON yields nil.
func (m *Manager) fetchArtifact(ctx context.Context, sessionID string, h environment.Handle) json.RawMessage {
	data, err := m.driver.ReadFile(ctx, h, policy.AbsPath(policy.ArtifactPath), maxReadBytes)
	if err != nil {
		m.logger.Debug("artifact not available", "session_id", sessionID, "error", err)
		return nil
	}
	if !json.Valid(data) {
		m.logger.Debug("artifact is not valid JSON", "session_id", sessionID, "bytes", len(data))
		return nil
	}
	return json.RawMessage(data)
}

// History returns the execution journal of a session, oldest first.
func (m *Manager) History(ctx context.Context, sessionID string) ([]*storemod.Execution, error) {
	if _, err := m.validateSession(sessionID); err != nil {
		return nil, err
	}
	execs, err := m.store.ListExecutions(sessionID)
	if err != nil {
		return nil, err
	}
	if execs == nil {
		execs = []*storemod.Execution{}
	}
	return execs, nil
}

// validateSession returns a live, ready session. Expired sessions are
// reported as not found.
func (m *Manager) validateSession(sessionID string) (*storemod.Session, error) {
	sess, err := m.store.GetSession(sessionID)
	if err != nil {
		return nil, err
	}
	if sess == nil {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, sessionID)
	}
	if sess.Status != storemod.StatusReady {
		return nil, fmt.Errorf("%w: %s (status=%s)", ErrNotReady, sessionID, sess.Status)
	}
	return sess, nil
}
