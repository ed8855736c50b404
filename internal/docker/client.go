package docker

import (
	"archive/tar"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"path"
	"sort"
	"strconv"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/api/types/mount"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"
	"github.com/docker/go-units"

	"github.com/p-arndt/docbox/internal/environment"
)

const namePrefix = "docbox-"

// execGrace is added on top of the in-container timeout before the API call
// itself is abandoned.
const execGrace = 10 * time.Second

// MaxOutputBytes caps each captured exec stream.
const MaxOutputBytes = 5 * 1024 * 1024

// Client is the Docker Engine backend for environment.Driver.
type Client struct {
	docker *client.Client
}

var _ environment.Driver = (*Client)(nil)

func New() (*Client, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("docker client: %w", err)
	}
	return &Client{docker: cli}, nil
}

func (c *Client) Close() error {
	return c.docker.Close()
}

// Ping verifies the Docker daemon is reachable.
func (c *Client) Ping(ctx context.Context) error {
	if _, err := c.docker.Ping(ctx); err != nil {
		return failure("ping", err)
	}
	return nil
}

// Create creates and starts a resource-bounded container for a session.
func (c *Client) Create(ctx context.Context, spec environment.Spec) (*environment.Handle, error) {
	containerCfg, hostCfg := buildContainerConfig(spec)

	resp, err := c.docker.ContainerCreate(ctx, containerCfg, hostCfg, nil, nil, namePrefix+spec.SessionID)
	if err != nil {
		return nil, failure("container create", err)
	}

	if err := c.docker.ContainerStart(ctx, resp.ID, container.StartOptions{}); err != nil {
		// Clean up on start failure.
		_ = c.docker.ContainerRemove(ctx, resp.ID, container.RemoveOptions{Force: true, RemoveVolumes: true})
		return nil, failure("container start", err)
	}

	return &environment.Handle{ID: resp.ID, SessionID: spec.SessionID}, nil
}

func buildContainerConfig(spec environment.Spec) (*container.Config, *container.HostConfig) {
	labels := map[string]string{
		environment.LabelManaged:   "true",
		environment.LabelSessionID: spec.SessionID,
	}
	for k, v := range spec.Labels {
		labels[k] = v
	}

	resources := container.Resources{
		NanoCPUs: spec.NanoCPUs,
		Memory:   spec.MemoryBytes,
	}
	if spec.PidsLimit > 0 {
		resources.PidsLimit = int64Ptr(spec.PidsLimit)
	}

	hostCfg := &container.HostConfig{
		Resources:   resources,
		AutoRemove:  false,
		SecurityOpt: []string{"no-new-privileges"},
		CapDrop:     []string{"ALL"},
		// composer needs to chown/chmod inside the skeleton
		CapAdd: []string{"CHOWN", "DAC_OVERRIDE", "FOWNER", "SETUID", "SETGID"},
		Mounts: []mount.Mount{
			{
				Type:   mount.TypeTmpfs,
				Target: "/tmp",
				TmpfsOptions: &mount.TmpfsOptions{
					SizeBytes: 256 * units.MiB,
				},
			},
		},
	}
	if !spec.NetworkEnabled {
		hostCfg.NetworkMode = "none"
	}

	containerCfg := &container.Config{
		Image:  spec.Image,
		Labels: labels,
		Env:    envList(spec.Env),
		Tty:    false,
		Cmd:    nil, // image entrypoint keeps the container alive
	}

	return containerCfg, hostCfg
}

// Exec runs argv inside the container under coreutils timeout so the process
// is killed in the container, not just abandoned by the client.
func (c *Client) Exec(ctx context.Context, h environment.Handle, argv []string, workDir string, timeout time.Duration) (*environment.ExecResult, error) {
	if len(argv) == 0 {
		return nil, fmt.Errorf("%w: exec: empty argv", environment.ErrFailure)
	}

	cmd := argv
	if timeout > 0 {
		cmd = timeoutArgv(argv, timeout)
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout+execGrace)
		defer cancel()
	}

	start := time.Now()
	execResp, err := c.docker.ContainerExecCreate(ctx, h.ID, container.ExecOptions{
		Cmd:          cmd,
		WorkingDir:   workDir,
		AttachStdout: true,
		AttachStderr: true,
	})
	if err != nil {
		return nil, failure("exec create", err)
	}

	attachResp, err := c.docker.ContainerExecAttach(ctx, execResp.ID, container.ExecAttachOptions{})
	if err != nil {
		return nil, failure("exec attach", err)
	}
	defer attachResp.Close()

	// Demultiplex Docker's stdout/stderr stream (8-byte headers).
	stdout := &limitedBuffer{max: MaxOutputBytes}
	stderr := &limitedBuffer{max: MaxOutputBytes}
	copyDone := make(chan error, 1)
	go func() {
		_, err := stdcopy.StdCopy(stdout, stderr, attachResp.Reader)
		copyDone <- err
	}()

	select {
	case err := <-copyDone:
		if err != nil && !errors.Is(err, io.EOF) {
			return nil, failure("exec read", err)
		}
	case <-ctx.Done():
		attachResp.Close()
		<-copyDone
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return &environment.ExecResult{
				Stdout:   stdout.String(),
				Stderr:   stderr.String(),
				ExitCode: environment.TimeoutExitCode,
				TimedOut: true,
				Duration: time.Since(start),
			}, nil
		}
		return nil, failure("exec", ctx.Err())
	}

	inspect, err := c.docker.ContainerExecInspect(ctx, execResp.ID)
	if err != nil {
		return nil, failure("exec inspect", err)
	}

	res := &environment.ExecResult{
		Stdout:   stdout.String(),
		Stderr:   stderr.String(),
		ExitCode: inspect.ExitCode,
		Duration: time.Since(start),
	}
	if timedOut(inspect.ExitCode, res.Duration, timeout) {
		res.ExitCode = environment.TimeoutExitCode
		res.TimedOut = true
	}
	return res, nil
}

// killedExitCode is what timeout reports after escalating to KILL.
const killedExitCode = 128 + 9

// timeoutArgv wraps argv in coreutils timeout; TERM first, KILL two seconds later.
func timeoutArgv(argv []string, timeout time.Duration) []string {
	out := []string{"timeout", "-k", "2", strconv.Itoa(timeoutSeconds(timeout))}
	return append(out, argv...)
}

func timeoutSeconds(timeout time.Duration) int {
	return max(int(timeout.Round(time.Second)/time.Second), 1)
}

// timedOut reports whether a wrapped command hit its bound. A command that
// ignores TERM is killed and exits with 137 instead of 124.
func timedOut(exitCode int, elapsed, timeout time.Duration) bool {
	if timeout <= 0 {
		return false
	}
	switch exitCode {
	case environment.TimeoutExitCode:
		return true
	case killedExitCode:
		return elapsed >= time.Duration(timeoutSeconds(timeout))*time.Second
	}
	return false
}

// CopyFileIn writes content to path by extracting a one-entry tar archive.
func (c *Client) CopyFileIn(ctx context.Context, h environment.Handle, filePath string, content []byte) error {
	dir, name := path.Split(path.Clean(filePath))

	mkdir, err := c.Exec(ctx, h, []string{"mkdir", "-p", dir}, "/", 0)
	if err != nil {
		return err
	}
	if mkdir.ExitCode != 0 {
		return fmt.Errorf("%w: mkdir %s: %s", environment.ErrFailure, dir, mkdir.Stderr)
	}

	archive, err := tarFile(name, content)
	if err != nil {
		return fmt.Errorf("%w: build archive: %v", environment.ErrFailure, err)
	}

	if err := c.docker.CopyToContainer(ctx, h.ID, dir, archive, container.CopyToContainerOptions{}); err != nil {
		return failure("copy to container", err)
	}
	return nil
}

func tarFile(name string, content []byte) (io.Reader, error) {
	var buf bytes.Buffer
	tw := tar.NewWriter(&buf)
	hdr := &tar.Header{
		Name:    name,
		Mode:    0o644,
		Size:    int64(len(content)),
		ModTime: time.Now(),
	}
	if err := tw.WriteHeader(hdr); err != nil {
		return nil, err
	}
	if _, err := tw.Write(content); err != nil {
		return nil, err
	}
	if err := tw.Close(); err != nil {
		return nil, err
	}
	return &buf, nil
}

// ReadFile returns the content of a regular file inside the container.
func (c *Client) ReadFile(ctx context.Context, h environment.Handle, filePath string, maxBytes int64) ([]byte, error) {
	rc, stat, err := c.docker.CopyFromContainer(ctx, h.ID, filePath)
	if err != nil {
		if client.IsErrNotFound(err) {
			return nil, fmt.Errorf("%w: %s", environment.ErrFileNotFound, filePath)
		}
		return nil, failure("copy from container", err)
	}
	defer rc.Close()

	if stat.Mode.IsDir() {
		return nil, fmt.Errorf("%w: %s is a directory", environment.ErrFailure, filePath)
	}
	if maxBytes > 0 && stat.Size > maxBytes {
		return nil, fmt.Errorf("%w: %s is %d bytes (max %d)", environment.ErrFailure, filePath, stat.Size, maxBytes)
	}

	tr := tar.NewReader(rc)
	if _, err := tr.Next(); err != nil {
		return nil, failure("read archive", err)
	}
	data, err := io.ReadAll(tr)
	if err != nil {
		return nil, failure("read archive", err)
	}
	return data, nil
}

// Inspect reports the container state.
func (c *Client) Inspect(ctx context.Context, h environment.Handle) (environment.State, error) {
	info, err := c.docker.ContainerInspect(ctx, h.ID)
	if err != nil {
		if client.IsErrNotFound(err) {
			return environment.StateDead, nil
		}
		return environment.StateUnknown, failure("container inspect", err)
	}
	if info.State == nil {
		return environment.StateUnknown, nil
	}
	return environment.State(info.State.Status), nil
}

// Destroy force-removes a container and its anonymous volumes.
func (c *Client) Destroy(ctx context.Context, h environment.Handle) error {
	err := c.docker.ContainerRemove(ctx, h.ID, container.RemoveOptions{
		Force:         true,
		RemoveVolumes: true,
	})
	if err != nil && !client.IsErrNotFound(err) {
		return failure("container remove", err)
	}
	return nil
}

// List returns all containers carrying the managed label.
func (c *Client) List(ctx context.Context) ([]environment.Handle, error) {
	f := filters.NewArgs()
	f.Add("label", environment.LabelManaged+"=true")

	containers, err := c.docker.ContainerList(ctx, container.ListOptions{
		All:     true,
		Filters: f,
	})
	if err != nil {
		return nil, failure("container list", err)
	}

	var result []environment.Handle
	for _, ctr := range containers {
		sessionID := ctr.Labels[environment.LabelSessionID]
		if sessionID == "" {
			continue
		}
		result = append(result, environment.Handle{
			ID:        ctr.ID,
			SessionID: sessionID,
		})
	}
	return result, nil
}

func failure(op string, err error) error {
	return fmt.Errorf("%w: %s: %v", environment.ErrFailure, op, err)
}

func envList(env map[string]string) []string {
	keys := make([]string, 0, len(env))
	for k := range env {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	out := make([]string, 0, len(keys))
	for _, k := range keys {
		out = append(out, k+"="+env[k])
	}
	return out
}

func int64Ptr(v int64) *int64 {
	return &v
}

// limitedBuffer keeps the first max bytes and discards the rest.
type limitedBuffer struct {
	buf bytes.Buffer
	max int
}

func (b *limitedBuffer) Write(p []byte) (int, error) {
	if room := b.max - b.buf.Len(); room > 0 {
		if len(p) > room {
			b.buf.Write(p[:room])
		} else {
			b.buf.Write(p)
		}
	}
	return len(p), nil
}

func (b *limitedBuffer) String() string {
	return b.buf.String()
}
