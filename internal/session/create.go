package session

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/p-arndt/docbox/internal/environment"
	"github.com/p-arndt/docbox/internal/policy"
	"github.com/p-arndt/docbox/internal/scaffold"
	storemod "github.com/p-arndt/docbox/internal/store"
)

// stderrTail bounds how much bootstrap stderr is surfaced in an error.
const stderrTail = 2048

// Create validates spec, reserves a capacity slot, creates and bootstraps
// an environment. Any failure after the reservation destroys what was
// created and releases the slot. The whole call is bounded by
// Timeouts.Create.
func (m *Manager) Create(ctx context.Context, spec CreateSpec) (*Info, error) {
	spec, err := m.normalizeSpec(spec)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithTimeout(ctx, m.cfg.Timeouts.Create)
	defer cancel()

	plan, err := scaffold.NewPlan(spec.Framework, spec.FrameworkVersion, spec.SpectrumVersion)
	if err != nil {
		if errors.Is(err, scaffold.ErrInvalidToolVersion) {
			return nil, fmt.Errorf("%w: %w", ErrValidation, err)
		}
		return nil, err
	}

	sessionID := uuid.New().String()
	now := m.now().UTC()
	sess := &storemod.Session{
		ID:               sessionID,
		Framework:        spec.Framework,
		FrameworkVersion: spec.FrameworkVersion,
		SpectrumVersion:  spec.SpectrumVersion,
		PHPVersion:       spec.PHPVersion,
		Status:           storemod.StatusCreating,
		CreatedAt:        now,
		ExpiresAt:        now.Add(m.cfg.SessionTTL()),
	}

	if err := m.store.Reserve(sess, m.cfg.MaxSessions); err != nil {
		return nil, err
	}

	envSpec, err := m.environmentSpec(sess)
	if err != nil {
		m.release(sessionID)
		return nil, err
	}

	h, err := m.driver.Create(ctx, envSpec)
	if err != nil {
		m.release(sessionID)
		m.logger.Error("environment create failed", "session_id", sessionID, "error", err)
		return nil, err
	}

	if err := m.store.SetEnvironment(sessionID, h.ID); err != nil {
		m.abort(sessionID, *h)
		return nil, fmt.Errorf("store session: %w", err)
	}

	if err := m.bootstrap(ctx, sessionID, *h, plan); err != nil {
		m.logger.Error("bootstrap failed", "session_id", sessionID, "error", err)
		m.abort(sessionID, *h)
		return nil, err
	}

	if err := m.store.MarkReady(sessionID, h.ID); err != nil {
		m.abort(sessionID, *h)
		return nil, fmt.Errorf("store session: %w", err)
	}

	m.logger.Info("session created",
		"session_id", sessionID,
		"framework", spec.Framework,
		"framework_version", spec.FrameworkVersion,
		"php_version", spec.PHPVersion,
		"spectrum_version", spec.SpectrumVersion,
	)

	sess.EnvironmentID = h.ID
	return m.infoFrom(sess, storemod.StatusReady), nil
}

// normalizeSpec trims input, fills the PHP version when omitted and checks
// the compatibility matrix.
func (m *Manager) normalizeSpec(spec CreateSpec) (CreateSpec, error) {
	spec.Framework = strings.ToLower(strings.TrimSpace(spec.Framework))
	spec.FrameworkVersion = strings.TrimSpace(spec.FrameworkVersion)
	spec.PHPVersion = strings.TrimSpace(spec.PHPVersion)

	var missing []string
	if spec.Framework == "" {
		missing = append(missing, "framework")
	}
	if spec.FrameworkVersion == "" {
		missing = append(missing, "framework_version")
	}
	if spec.SpectrumVersion == "" {
		missing = append(missing, "spectrum_version")
	}
	if len(missing) > 0 {
		return spec, fmt.Errorf("%w: missing %s", ErrValidation, strings.Join(missing, ", "))
	}

	if spec.PHPVersion == "" {
		if latest, ok := m.matrix.LatestPHP(spec.Framework, spec.FrameworkVersion); ok {
			spec.PHPVersion = latest
		}
	}
	if err := m.matrix.Check(spec.Framework, spec.FrameworkVersion, spec.PHPVersion); err != nil {
		return spec, err
	}
	return spec, nil
}

func (m *Manager) environmentSpec(sess *storemod.Session) (environment.Spec, error) {
	memory, err := m.cfg.Limits.MemoryBytes()
	if err != nil {
		return environment.Spec{}, err
	}
	return environment.Spec{
		SessionID:      sess.ID,
		Image:          m.cfg.Image,
		MemoryBytes:    memory,
		NanoCPUs:       int64(m.cfg.Limits.CPULimit * 1e9),
		PidsLimit:      int64(m.cfg.Limits.PidsLimit),
		NetworkEnabled: m.cfg.Limits.NetworkMode != "" && m.cfg.Limits.NetworkMode != "none",
		Labels: map[string]string{
			environment.LabelFramework:        sess.Framework,
			environment.LabelFrameworkVersion: sess.FrameworkVersion,
			environment.LabelSpectrumVersion:  sess.SpectrumVersion,
			environment.LabelPHPVersion:       sess.PHPVersion,
		},
		Env: map[string]string{
			"FRAMEWORK":         sess.Framework,
			"FRAMEWORK_VERSION": sess.FrameworkVersion,
			"PHP_VERSION":       sess.PHPVersion,
			"SPECTRUM_VERSION":  sess.SpectrumVersion,
			"SANDBOX_VERSION":   sess.Framework + "-" + sess.FrameworkVersion,
		},
	}, nil
}

// bootstrap runs the plan's steps then writes the default files. A nonzero
// exit or a timeout fails the whole bootstrap.
func (m *Manager) bootstrap(ctx context.Context, sessionID string, h environment.Handle, plan *scaffold.Plan) error {
	for _, step := range plan.Steps {
		if ctx.Err() != nil {
			return m.createDeadlineErr()
		}
		start := time.Now()
		res, err := m.driver.Exec(ctx, h, step.Argv, step.WorkDir, m.cfg.Timeouts.Bootstrap)
		if err != nil {
			return fmt.Errorf("bootstrap %s: %w", step.Name, err)
		}
		if res.TimedOut {
			return fmt.Errorf("%w: %w: bootstrap %s timed out after %s", ErrEnvironment, ErrTimeout, step.Name, time.Since(start).Round(time.Second))
		}
		if res.ExitCode != 0 {
			return fmt.Errorf("%w: bootstrap %s exited with code %d: %s",
				ErrEnvironment, step.Name, res.ExitCode, tail(res.Stderr, stderrTail))
		}
		m.logger.Debug("bootstrap step done", "session_id", sessionID, "step", step.Name, "duration", time.Since(start))
	}

	for _, f := range plan.Files {
		if ctx.Err() != nil {
			return m.createDeadlineErr()
		}
		if err := m.writeFile(ctx, sessionID, h, f.Path, f.Content); err != nil {
			return fmt.Errorf("bootstrap file %s: %w", f.Path, err)
		}
	}
	return nil
}

func (m *Manager) createDeadlineErr() error {
	return fmt.Errorf("%w: %w: create deadline of %s reached", ErrEnvironment, ErrTimeout, m.cfg.Timeouts.Create)
}

func (m *Manager) writeFile(ctx context.Context, sessionID string, h environment.Handle, path string, content []byte) error {
	if err := m.driver.CopyFileIn(ctx, h, policy.AbsPath(path), content); err != nil {
		return err
	}
	if err := m.store.RecordFile(sessionID, fileEntry(path, content, m.now())); err != nil {
		m.logger.Warn("record file failed", "session_id", sessionID, "path", path, "error", err)
	}
	return nil
}

// abort tears down a half-created session on a fresh context.
func (m *Manager) abort(sessionID string, h environment.Handle) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := m.driver.Destroy(ctx, h); err != nil {
		m.logger.Error("destroy after failed create", "session_id", sessionID, "error", err)
	}
	m.release(sessionID)
}

func (m *Manager) release(sessionID string) {
	if err := m.store.DeleteSession(sessionID); err != nil {
		m.logger.Error("release session slot", "session_id", sessionID, "error", err)
	}
	m.removeSessionLock(sessionID)
}

func tail(s string, n int) string {
	s = strings.TrimSpace(s)
	if len(s) <= n {
		return s
	}
	return "..." + s[len(s)-n:]
}
