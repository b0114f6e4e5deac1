// Package docker adapts the container runtime to the narrow surface the
// orchestrator needs: resolve a compose service to its container, read its
// state, stop/start it, run a command inside it, and copy a path out of it.
package docker

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"
)

// composeServiceLabel is set by docker compose on every container it manages.
const composeServiceLabel = "com.docker.compose.service"

// ErrNoContainer reports that no container exists for a logical service.
var ErrNoContainer = errors.New("no container for service")

// Container is the slice of container state the orchestrator cares about.
type Container struct {
	ID    string
	Name  string
	State string // running, exited, ...
}

// ExecStream is a running in-container command whose stdout is being
// consumed by the caller. Wait must be called after draining Reader.
type ExecStream struct {
	Reader io.ReadCloser
	Wait   func() error
}

// Runtime is the container-runtime contract. The production implementation
// talks to the Docker daemon; tests substitute fakes.
type Runtime interface {
	Ping(ctx context.Context) error
	ResolveService(ctx context.Context, service string) (Container, error)
	ServiceState(ctx context.Context, service string) (string, error)
	StopService(ctx context.Context, service string) error
	StartService(ctx context.Context, service string) error
	Exec(ctx context.Context, containerID string, cmd []string, env []string) (*ExecStream, error)
	ExecRun(ctx context.Context, containerID string, cmd []string, env []string) error
	CopyFrom(ctx context.Context, containerID, path string) (io.ReadCloser, error)
}

// Client wraps the official Docker client.
type Client struct {
	cli         *client.Client
	stopTimeout int // seconds
}

var _ Runtime = (*Client)(nil)

// New creates a Docker runtime adapter from the ambient daemon settings.
func New(stopTimeoutSeconds int) (*Client, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("create docker client: %w", err)
	}
	if stopTimeoutSeconds <= 0 {
		stopTimeoutSeconds = 30
	}
	return &Client{cli: cli, stopTimeout: stopTimeoutSeconds}, nil
}

func (c *Client) Ping(ctx context.Context) error {
	if _, err := c.cli.Ping(ctx); err != nil {
		return fmt.Errorf("docker daemon unreachable: %w", err)
	}
	return nil
}

// ResolveService finds the container backing a compose service name.
// Stopped containers are included so service state can be observed.
func (c *Client) ResolveService(ctx context.Context, service string) (Container, error) {
	args := filters.NewArgs(filters.Arg("label", composeServiceLabel+"="+service))
	list, err := c.cli.ContainerList(ctx, container.ListOptions{All: true, Filters: args})
	if err != nil {
		return Container{}, fmt.Errorf("list containers for %s: %w", service, err)
	}
	if len(list) == 0 {
		return Container{}, fmt.Errorf("%w: %s", ErrNoContainer, service)
	}
	// Compose keeps one container per service in the single-replica setups
	// this tool targets; take the first and surface duplicates in the name.
	found := list[0]
	name := service
	if len(found.Names) > 0 {
		name = found.Names[0]
	}
	return Container{ID: found.ID, Name: name, State: found.State}, nil
}

func (c *Client) ServiceState(ctx context.Context, service string) (string, error) {
	ctn, err := c.ResolveService(ctx, service)
	if err != nil {
		return "", err
	}
	inspect, err := c.cli.ContainerInspect(ctx, ctn.ID)
	if err != nil {
		return "", fmt.Errorf("inspect %s: %w", service, err)
	}
	return inspect.State.Status, nil
}

func (c *Client) StopService(ctx context.Context, service string) error {
	ctn, err := c.ResolveService(ctx, service)
	if err != nil {
		return err
	}
	timeout := c.stopTimeout
	if err := c.cli.ContainerStop(ctx, ctn.ID, container.StopOptions{Timeout: &timeout}); err != nil {
		return fmt.Errorf("stop %s: %w", service, err)
	}
	return nil
}

func (c *Client) StartService(ctx context.Context, service string) error {
	ctn, err := c.ResolveService(ctx, service)
	if err != nil {
		return err
	}
	if err := c.cli.ContainerStart(ctx, ctn.ID, container.StartOptions{}); err != nil {
		return fmt.Errorf("start %s: %w", service, err)
	}
	return nil
}

// Exec starts cmd inside the container and streams its stdout. Stderr is
// buffered and folded into the Wait error on non-zero exit.
func (c *Client) Exec(ctx context.Context, containerID string, cmd []string, env []string) (*ExecStream, error) {
	created, err := c.cli.ContainerExecCreate(ctx, containerID, container.ExecOptions{
		Cmd:          cmd,
		Env:          env,
		AttachStdout: true,
		AttachStderr: true,
	})
	if err != nil {
		return nil, fmt.Errorf("exec create: %w", err)
	}
	attach, err := c.cli.ContainerExecAttach(ctx, created.ID, container.ExecAttachOptions{})
	if err != nil {
		return nil, fmt.Errorf("exec attach: %w", err)
	}

	pr, pw := io.Pipe()
	stderr := &limitedBuffer{limit: 8 * 1024}
	done := make(chan error, 1)
	go func() {
		// The attach stream is multiplexed; demux stdout into the pipe.
		_, copyErr := stdcopy.StdCopy(pw, stderr, attach.Reader)
		pw.CloseWithError(copyErr)
		attach.Close()
		done <- copyErr
	}()

	wait := func() error {
		copyErr := <-done
		inspect, err := c.cli.ContainerExecInspect(ctx, created.ID)
		if err != nil {
			return fmt.Errorf("exec inspect: %w", err)
		}
		if inspect.ExitCode != 0 {
			return fmt.Errorf("command %v exited %d: %s", cmd, inspect.ExitCode, stderr.String())
		}
		return copyErr
	}
	return &ExecStream{Reader: pr, Wait: wait}, nil
}

// ExecRun runs cmd inside the container to completion, discarding stdout.
func (c *Client) ExecRun(ctx context.Context, containerID string, cmd []string, env []string) error {
	stream, err := c.Exec(ctx, containerID, cmd, env)
	if err != nil {
		return err
	}
	if _, err := io.Copy(io.Discard, stream.Reader); err != nil {
		_ = stream.Wait()
		return err
	}
	return stream.Wait()
}

// CopyFrom returns a tar stream of the given container path.
func (c *Client) CopyFrom(ctx context.Context, containerID, path string) (io.ReadCloser, error) {
	reader, _, err := c.cli.CopyFromContainer(ctx, containerID, path)
	if err != nil {
		return nil, fmt.Errorf("copy %s from container: %w", path, err)
	}
	return reader, nil
}

// limitedBuffer keeps the tail-relevant head of stderr without letting a
// chatty dump tool balloon memory.
type limitedBuffer struct {
	buf   []byte
	limit int
}

func (l *limitedBuffer) Write(p []byte) (int, error) {
	if remaining := l.limit - len(l.buf); remaining > 0 {
		if len(p) > remaining {
			l.buf = append(l.buf, p[:remaining]...)
		} else {
			l.buf = append(l.buf, p...)
		}
	}
	return len(p), nil
}

func (l *limitedBuffer) String() string { return string(l.buf) }
