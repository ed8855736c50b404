package docker

import (
	"context"
	"fmt"
	"sync"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/container"

	"github.com/p-arndt/docbox/internal/environment"
)

// Attach starts argv inside the container with a TTY and returns the
// hijacked stream as a Terminal.
func (c *Client) Attach(ctx context.Context, h environment.Handle, opts environment.AttachOpts) (environment.Terminal, error) {
	if len(opts.Argv) == 0 {
		return nil, fmt.Errorf("%w: attach: empty argv", environment.ErrFailure)
	}

	var size *[2]uint
	if opts.Cols > 0 && opts.Rows > 0 {
		size = &[2]uint{uint(opts.Rows), uint(opts.Cols)}
	}

	execResp, err := c.docker.ContainerExecCreate(ctx, h.ID, container.ExecOptions{
		Cmd:          opts.Argv,
		WorkingDir:   opts.WorkDir,
		Env:          envList(opts.Env),
		Tty:          true,
		AttachStdin:  true,
		AttachStdout: true,
		AttachStderr: true,
		ConsoleSize:  size,
	})
	if err != nil {
		return nil, failure("exec create", err)
	}

	hijack, err := c.docker.ContainerExecAttach(ctx, execResp.ID, container.ExecAttachOptions{
		Tty:         true,
		ConsoleSize: size,
	})
	if err != nil {
		return nil, failure("exec attach", err)
	}

	return &terminal{
		client: c,
		execID: execResp.ID,
		hijack: hijack,
		done:   make(chan struct{}),
	}, nil
}

// terminal adapts a hijacked exec connection. With Tty set Docker sends raw
// bytes, so no stdcopy demultiplexing is needed.
type terminal struct {
	client *Client
	execID string
	hijack types.HijackedResponse

	doneOnce  sync.Once
	done      chan struct{}
	closeOnce sync.Once
}

func (t *terminal) Read(p []byte) (int, error) {
	n, err := t.hijack.Reader.Read(p)
	if err != nil {
		t.doneOnce.Do(func() { close(t.done) })
	}
	return n, err
}

func (t *terminal) Write(p []byte) (int, error) {
	return t.hijack.Conn.Write(p)
}

func (t *terminal) Resize(cols, rows int) error {
	if cols <= 0 || rows <= 0 || cols > environment.MaxTerminalSize || rows > environment.MaxTerminalSize {
		return fmt.Errorf("%w: resize %dx%d", environment.ErrFailure, cols, rows)
	}
	err := t.client.docker.ContainerExecResize(context.Background(), t.execID, container.ResizeOptions{
		Height: uint(rows),
		Width:  uint(cols),
	})
	if err != nil {
		return failure("exec resize", err)
	}
	return nil
}

// Wait blocks until the output stream ends, then reports the exit code.
func (t *terminal) Wait() error {
	<-t.done
	inspect, err := t.client.docker.ContainerExecInspect(context.Background(), t.execID)
	if err != nil {
		return failure("exec inspect", err)
	}
	if inspect.ExitCode != 0 {
		return &environment.ExitError{Code: inspect.ExitCode}
	}
	return nil
}

// Close hangs up the TTY; the shell receives SIGHUP and exits.
func (t *terminal) Close() error {
	t.closeOnce.Do(func() {
		t.hijack.Close()
		t.doneOnce.Do(func() { close(t.done) })
	})
	return nil
}
