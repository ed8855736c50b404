// Package localenv runs sandbox environments as plain host directories and
// processes. It provides no isolation and exists for development machines
// without a Docker daemon.
package localenv

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"syscall"
	"time"

	securejoin "github.com/cyphar/filepath-securejoin"
	"github.com/creack/pty"

	"github.com/p-arndt/docbox/internal/environment"
	"github.com/p-arndt/docbox/internal/policy"
)

const labelsFile = ".docbox-labels.json"

// Driver keeps one directory per session under its root. In-environment
// absolute paths are resolved inside that directory.
type Driver struct {
	root string

	mu        sync.Mutex
	terminals map[string]map[*terminal]struct{}
}

var _ environment.Driver = (*Driver)(nil)

func New(root string) (*Driver, error) {
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("local driver root: %w", err)
	}
	if err := os.MkdirAll(abs, 0o755); err != nil {
		return nil, fmt.Errorf("local driver root: %w", err)
	}
	return &Driver{
		root:      abs,
		terminals: make(map[string]map[*terminal]struct{}),
	}, nil
}

func (d *Driver) Close() error { return nil }

func (d *Driver) Ping(ctx context.Context) error {
	info, err := os.Stat(d.root)
	if err != nil {
		return fmt.Errorf("%w: %v", environment.ErrFailure, err)
	}
	if !info.IsDir() {
		return fmt.Errorf("%w: %s is not a directory", environment.ErrFailure, d.root)
	}
	return nil
}

type labelsDoc struct {
	SessionID string            `json:"session_id"`
	Labels    map[string]string `json:"labels"`
	Env       map[string]string `json:"env"`
}

func (d *Driver) Create(ctx context.Context, spec environment.Spec) (*environment.Handle, error) {
	if spec.SessionID == "" || strings.ContainsAny(spec.SessionID, "/\\") || spec.SessionID == "." || spec.SessionID == ".." {
		return nil, fmt.Errorf("%w: invalid session id %q", environment.ErrFailure, spec.SessionID)
	}
	dir := filepath.Join(d.root, spec.SessionID)
	if err := os.Mkdir(dir, 0o755); err != nil {
		return nil, fmt.Errorf("%w: create %s: %v", environment.ErrFailure, dir, err)
	}

	doc, err := json.Marshal(labelsDoc{SessionID: spec.SessionID, Labels: spec.Labels, Env: spec.Env})
	if err != nil {
		_ = os.RemoveAll(dir)
		return nil, fmt.Errorf("%w: %v", environment.ErrFailure, err)
	}
	if err := os.WriteFile(filepath.Join(dir, labelsFile), doc, 0o644); err != nil {
		_ = os.RemoveAll(dir)
		return nil, fmt.Errorf("%w: %v", environment.ErrFailure, err)
	}

	return &environment.Handle{ID: spec.SessionID, SessionID: spec.SessionID}, nil
}

func (d *Driver) dir(h environment.Handle) string {
	return filepath.Join(d.root, filepath.Base(h.ID))
}

// resolve maps an in-environment absolute path into the session directory.
// Symlinks are resolved as if the session directory were the filesystem root.
func (d *Driver) resolve(h environment.Handle, p string) (string, error) {
	full, err := securejoin.SecureJoin(d.dir(h), p)
	if err != nil {
		return "", fmt.Errorf("%w: resolve %s: %v", environment.ErrFailure, p, err)
	}
	return full, nil
}

// rewriteArgv points arguments naming the app root at the session directory.
func (d *Driver) rewriteArgv(h environment.Handle, argv []string) []string {
	out := make([]string, len(argv))
	for i, a := range argv {
		if a == policy.AppRoot || strings.HasPrefix(a, policy.AppRoot+"/") {
			out[i] = filepath.Join(d.dir(h), a)
			continue
		}
		out[i] = a
	}
	return out
}

func (d *Driver) env(h environment.Handle, extra map[string]string) []string {
	env := os.Environ()
	if doc, err := d.readLabels(h); err == nil {
		for k, v := range doc.Env {
			env = append(env, k+"="+v)
		}
	}
	for k, v := range extra {
		env = append(env, k+"="+v)
	}
	return env
}

func (d *Driver) workDir(h environment.Handle, workDir string) (string, error) {
	if workDir == "" {
		workDir = "/"
	}
	dir, err := d.resolve(h, workDir)
	if err != nil {
		return "", err
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("%w: %v", environment.ErrFailure, err)
	}
	return dir, nil
}

func (d *Driver) Exec(ctx context.Context, h environment.Handle, argv []string, workDir string, timeout time.Duration) (*environment.ExecResult, error) {
	if len(argv) == 0 {
		return nil, fmt.Errorf("%w: exec: empty argv", environment.ErrFailure)
	}
	if _, err := os.Stat(d.dir(h)); err != nil {
		return nil, fmt.Errorf("%w: environment %s: %v", environment.ErrFailure, h.ID, err)
	}
	dir, err := d.workDir(h, workDir)
	if err != nil {
		return nil, err
	}

	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	args := d.rewriteArgv(h, argv)
	cmd := exec.CommandContext(ctx, args[0], args[1:]...)
	cmd.Dir = dir
	cmd.Env = d.env(h, nil)
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	cmd.Cancel = func() error {
		// Kill the whole process group so children die with the command.
		return syscall.Kill(-cmd.Process.Pid, syscall.SIGKILL)
	}
	cmd.WaitDelay = 2 * time.Second

	var stdout, stderr strings.Builder
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	start := time.Now()
	runErr := cmd.Run()
	result := &environment.ExecResult{
		Stdout:   stdout.String(),
		Stderr:   stderr.String(),
		Duration: time.Since(start),
	}

	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		result.ExitCode = environment.TimeoutExitCode
		result.TimedOut = true
		return result, nil
	}
	if runErr != nil {
		var exitErr *exec.ExitError
		if errors.As(runErr, &exitErr) {
			result.ExitCode = exitErr.ExitCode()
			return result, nil
		}
		if ctx.Err() != nil {
			return nil, fmt.Errorf("%w: exec: %v", environment.ErrFailure, ctx.Err())
		}
		// Binary missing or not executable: report like a shell would.
		result.ExitCode = 127
		result.Stderr += runErr.Error()
	}
	return result, nil
}

// CopyFileIn writes through a temp file and rename so readers never see a
// partial file.
func (d *Driver) CopyFileIn(ctx context.Context, h environment.Handle, p string, content []byte) error {
	full, err := d.resolve(h, p)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(full), 0o755); err != nil {
		return fmt.Errorf("%w: %v", environment.ErrFailure, err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(full), ".docbox-*")
	if err != nil {
		return fmt.Errorf("%w: %v", environment.ErrFailure, err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(content); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("%w: %v", environment.ErrFailure, err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("%w: %v", environment.ErrFailure, err)
	}
	if err := os.Chmod(tmpName, 0o644); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("%w: %v", environment.ErrFailure, err)
	}
	if err := os.Rename(tmpName, full); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("%w: %v", environment.ErrFailure, err)
	}
	return nil
}

func (d *Driver) ReadFile(ctx context.Context, h environment.Handle, p string, maxBytes int64) ([]byte, error) {
	full, err := d.resolve(h, p)
	if err != nil {
		return nil, err
	}
	info, err := os.Stat(full)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s", environment.ErrFileNotFound, p)
		}
		return nil, fmt.Errorf("%w: %v", environment.ErrFailure, err)
	}
	if info.IsDir() {
		return nil, fmt.Errorf("%w: %s is a directory", environment.ErrFailure, p)
	}
	if maxBytes > 0 && info.Size() > maxBytes {
		return nil, fmt.Errorf("%w: %s is %d bytes (max %d)", environment.ErrFailure, p, info.Size(), maxBytes)
	}
	data, err := os.ReadFile(full)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", environment.ErrFailure, err)
	}
	return data, nil
}

func (d *Driver) Inspect(ctx context.Context, h environment.Handle) (environment.State, error) {
	if _, err := os.Stat(filepath.Join(d.dir(h), labelsFile)); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return environment.StateDead, nil
		}
		return environment.StateUnknown, fmt.Errorf("%w: %v", environment.ErrFailure, err)
	}
	return environment.StateRunning, nil
}

func (d *Driver) Destroy(ctx context.Context, h environment.Handle) error {
	d.mu.Lock()
	terms := d.terminals[h.ID]
	delete(d.terminals, h.ID)
	d.mu.Unlock()
	for t := range terms {
		t.Close()
	}

	if err := os.RemoveAll(d.dir(h)); err != nil {
		return fmt.Errorf("%w: remove %s: %v", environment.ErrFailure, h.ID, err)
	}
	return nil
}

func (d *Driver) List(ctx context.Context) ([]environment.Handle, error) {
	entries, err := os.ReadDir(d.root)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", environment.ErrFailure, err)
	}
	var result []environment.Handle
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		h := environment.Handle{ID: e.Name()}
		doc, err := d.readLabels(h)
		if err != nil || doc.SessionID == "" {
			continue
		}
		h.SessionID = doc.SessionID
		result = append(result, h)
	}
	return result, nil
}

func (d *Driver) readLabels(h environment.Handle) (*labelsDoc, error) {
	data, err := os.ReadFile(filepath.Join(d.dir(h), labelsFile))
	if err != nil {
		return nil, err
	}
	var doc labelsDoc
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, err
	}
	return &doc, nil
}

func (d *Driver) Attach(ctx context.Context, h environment.Handle, opts environment.AttachOpts) (environment.Terminal, error) {
	if len(opts.Argv) == 0 {
		return nil, fmt.Errorf("%w: attach: empty argv", environment.ErrFailure)
	}
	if _, err := os.Stat(d.dir(h)); err != nil {
		return nil, fmt.Errorf("%w: environment %s: %v", environment.ErrFailure, h.ID, err)
	}
	dir, err := d.workDir(h, opts.WorkDir)
	if err != nil {
		return nil, err
	}

	rows, cols := opts.Rows, opts.Cols
	if rows <= 0 {
		rows = 24
	}
	if cols <= 0 {
		cols = 80
	}
	rows, cols = min(rows, environment.MaxTerminalSize), min(cols, environment.MaxTerminalSize)

	args := d.rewriteArgv(h, opts.Argv)
	cmd := exec.Command(args[0], args[1:]...)
	cmd.Dir = dir
	cmd.Env = append(d.env(h, opts.Env), "TERM=xterm-256color")

	ptmx, err := pty.StartWithSize(cmd, &pty.Winsize{Rows: uint16(rows), Cols: uint16(cols)})
	if err != nil {
		return nil, fmt.Errorf("%w: start pty: %v", environment.ErrFailure, err)
	}

	t := &terminal{cmd: cmd, pty: ptmx}
	t.onClose = func() { d.forget(h.ID, t) }

	d.mu.Lock()
	if d.terminals[h.ID] == nil {
		d.terminals[h.ID] = make(map[*terminal]struct{})
	}
	d.terminals[h.ID][t] = struct{}{}
	d.mu.Unlock()

	return t, nil
}

func (d *Driver) forget(id string, t *terminal) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if terms, ok := d.terminals[id]; ok {
		delete(terms, t)
		if len(terms) == 0 {
			delete(d.terminals, id)
		}
	}
}

type terminal struct {
	cmd     *exec.Cmd
	pty     *os.File
	onClose func()

	waitOnce  sync.Once
	waitErr   error
	closeOnce sync.Once
}

func (t *terminal) Read(p []byte) (int, error)  { return t.pty.Read(p) }
func (t *terminal) Write(p []byte) (int, error) { return t.pty.Write(p) }

func (t *terminal) Resize(cols, rows int) error {
	if cols <= 0 || rows <= 0 || cols > environment.MaxTerminalSize || rows > environment.MaxTerminalSize {
		return fmt.Errorf("%w: resize %dx%d", environment.ErrFailure, cols, rows)
	}
	return pty.Setsize(t.pty, &pty.Winsize{Rows: uint16(rows), Cols: uint16(cols)})
}

func (t *terminal) Wait() error {
	t.waitOnce.Do(func() {
		err := t.cmd.Wait()
		var ee *exec.ExitError
		if errors.As(err, &ee) && ee.ExitCode() >= 0 {
			err = &environment.ExitError{Code: ee.ExitCode()}
		}
		t.waitErr = err
	})
	return t.waitErr
}

func (t *terminal) Close() error {
	t.closeOnce.Do(func() {
		if t.onClose != nil {
			t.onClose()
		}
		_ = t.pty.Close()
		if t.cmd.Process != nil {
			_ = t.cmd.Process.Kill()
		}
		_ = t.Wait()
	})
	return nil
}
