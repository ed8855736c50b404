// Package environment defines the contract between the session manager and
// the backend that runs isolated sandbox environments.
package environment

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"
)

var (
	// ErrFailure wraps every backend error (create, exec, copy, inspect,
	// remove). The backend's own message is kept in the chain.
	ErrFailure = errors.New("environment failure")
	// ErrFileNotFound is returned by ReadFile for a missing path.
	ErrFileNotFound = errors.New("file not found in environment")
)

// TimeoutExitCode is reported for commands killed at their deadline.
const TimeoutExitCode = 124

// Label keys attached to every managed environment.
const (
	LabelPrefix           = "docbox."
	LabelManaged          = LabelPrefix + "managed"
	LabelSessionID        = LabelPrefix + "session_id"
	LabelFramework        = LabelPrefix + "framework"
	LabelFrameworkVersion = LabelPrefix + "framework_version"
	LabelSpectrumVersion  = LabelPrefix + "spectrum_version"
	LabelPHPVersion       = LabelPrefix + "php_version"
)

// State is the live state reported by the backend.
type State string

const (
	StateCreated    State = "created"
	StateRunning    State = "running"
	StatePaused     State = "paused"
	StateRestarting State = "restarting"
	StateExited     State = "exited"
	StateDead       State = "dead"
	StateUnknown    State = "unknown"
)

// Spec describes the environment to create.
type Spec struct {
	SessionID      string
	Image          string
	MemoryBytes    int64
	NanoCPUs       int64
	PidsLimit      int64
	NetworkEnabled bool
	Labels         map[string]string
	Env            map[string]string
}

// Handle identifies a created environment. ID is backend-owned.
type Handle struct {
	ID        string
	SessionID string
}

type ExecResult struct {
	Stdout   string
	Stderr   string
	ExitCode int
	TimedOut bool
	Duration time.Duration
}

// MaxTerminalSize bounds both terminal dimensions.
const MaxTerminalSize = 1000

// AttachOpts configure an interactive process.
type AttachOpts struct {
	Argv    []string
	WorkDir string
	Env     map[string]string
	Cols    int
	Rows    int
}

// ExitError reports a nonzero exit of an attached process.
type ExitError struct {
	Code int
}

func (e *ExitError) Error() string {
	return fmt.Sprintf("process exited with code %d", e.Code)
}

// ExitCode extracts the exit status from a Terminal.Wait error: 0 for nil,
// the code for an ExitError, -1 otherwise.
func ExitCode(err error) int {
	if err == nil {
		return 0
	}
	var ee *ExitError
	if errors.As(err, &ee) {
		return ee.Code
	}
	return -1
}

// Terminal is an interactive process with a TTY.
type Terminal interface {
	io.ReadWriteCloser
	Resize(cols, rows int) error
	// Wait blocks until the process exits.
	Wait() error
}

type Driver interface {
	Create(ctx context.Context, spec Spec) (*Handle, error)
	// Exec runs argv without a shell. A deadline hit is reported in the
	// result, not as an error.
	Exec(ctx context.Context, h Handle, argv []string, workDir string, timeout time.Duration) (*ExecResult, error)
	CopyFileIn(ctx context.Context, h Handle, path string, content []byte) error
	ReadFile(ctx context.Context, h Handle, path string, maxBytes int64) ([]byte, error)
	Inspect(ctx context.Context, h Handle) (State, error)
	// Destroy force-removes the environment. Removing a missing
	// environment is not an error.
	Destroy(ctx context.Context, h Handle) error
	List(ctx context.Context) ([]Handle, error)
	Attach(ctx context.Context, h Handle, opts AttachOpts) (Terminal, error)
	Ping(ctx context.Context) error
	Close() error
}
