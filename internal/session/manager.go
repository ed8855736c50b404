package session

import (
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/p-arndt/docbox/internal/compat"
	"github.com/p-arndt/docbox/internal/config"
	"github.com/p-arndt/docbox/internal/environment"
	"github.com/p-arndt/docbox/internal/policy"
	"github.com/p-arndt/docbox/internal/store"
)

// maxReadBytes bounds files and artifacts read back from an environment.
const maxReadBytes = 10 * 1024 * 1024

type Manager struct {
	cfg    *config.Config
	store  SessionStore
	driver EnvironmentDriver
	matrix *compat.Matrix
	logger *slog.Logger
	now    func() time.Time

	// Per-session mutexes to serialize file writes and command execution.
	locks   map[string]*sync.Mutex
	locksMu sync.Mutex
}

func NewManager(cfg *config.Config, st SessionStore, drv EnvironmentDriver, matrix *compat.Matrix, logger *slog.Logger) *Manager {
	if matrix == nil {
		matrix = compat.Default()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		cfg:    cfg,
		store:  st,
		driver: drv,
		matrix: matrix,
		logger: logger,
		now:    time.Now,
		locks:  make(map[string]*sync.Mutex),
	}
}

func (m *Manager) sessionLock(id string) *sync.Mutex {
	m.locksMu.Lock()
	defer m.locksMu.Unlock()
	mu, ok := m.locks[id]
	if !ok {
		mu = &sync.Mutex{}
		m.locks[id] = mu
	}
	return mu
}

func (m *Manager) removeSessionLock(id string) {
	m.locksMu.Lock()
	defer m.locksMu.Unlock()
	delete(m.locks, id)
}

// CleanupSessionLock drops the lock of a session removed outside Destroy.
func (m *Manager) CleanupSessionLock(id string) {
	m.removeSessionLock(id)
}

// Matrix returns the compatibility matrix the manager validates against.
func (m *Manager) Matrix() *compat.Matrix {
	return m.matrix
}

// CreateSpec is the caller's requested session configuration.
type CreateSpec struct {
	Framework        string `json:"framework"`
	FrameworkVersion string `json:"framework_version"`
	SpectrumVersion  string `json:"spectrum_version"`
	PHPVersion       string `json:"php_version"`
}

type Info struct {
	ID               string    `json:"session_id"`
	Status           string    `json:"status"`
	Framework        string    `json:"framework"`
	FrameworkVersion string    `json:"framework_version"`
	SpectrumVersion  string    `json:"spectrum_version"`
	PHPVersion       string    `json:"php_version"`
	CreatedAt        time.Time `json:"created_at"`
	ExpiresAt        time.Time `json:"expires_at"`
	ExpiresIn        int64     `json:"expires_in"`
}

type StatusInfo struct {
	ID        string    `json:"session_id"`
	Status    string    `json:"status"`
	CreatedAt time.Time `json:"created_at"`
	ExpiresIn int64     `json:"expires_in"`
}

type ExecResult struct {
	Command           string          `json:"command"`
	Output            string          `json:"output"`
	Error             string          `json:"error"`
	ExitCode          int             `json:"exit_code"`
	TimedOut          bool            `json:"timed_out"`
	DurationMs        int64           `json:"duration_ms"`
	GeneratedDocument json.RawMessage `json:"openapi"`
}

func (m *Manager) infoFrom(sess *store.Session, status string) *Info {
	return &Info{
		ID:               sess.ID,
		Status:           status,
		Framework:        sess.Framework,
		FrameworkVersion: sess.FrameworkVersion,
		SpectrumVersion:  sess.SpectrumVersion,
		PHPVersion:       sess.PHPVersion,
		CreatedAt:        sess.CreatedAt,
		ExpiresAt:        sess.ExpiresAt,
		ExpiresIn:        m.expiresIn(sess),
	}
}

// expiresIn is the remaining TTL in whole seconds, never negative.
func (m *Manager) expiresIn(sess *store.Session) int64 {
	left := sess.ExpiresAt.Sub(m.now())
	if left <= 0 {
		return 0
	}
	return int64((left + time.Second/2) / time.Second)
}

func handleOf(sess *store.Session) environment.Handle {
	return environment.Handle{ID: sess.EnvironmentID, SessionID: sess.ID}
}

func (m *Manager) timeouts() policy.Timeouts {
	return policy.Timeouts{
		Interactive: m.cfg.Timeouts.Interactive,
		Generate:    m.cfg.Timeouts.Generate,
	}
}
