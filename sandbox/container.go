package sandbox

import (
	"bytes"
	"context"
	"fmt"
	"io"

	cerrdefs "github.com/containerd/errdefs"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/pkg/stdcopy"
	"go.uber.org/zap"
)

// stopTimeoutSec is how long the engine waits before killing a stopping container.
const stopTimeoutSec = 5

// ExecOptions describes a command executed inside a container
type ExecOptions struct {
	Cmd        []string
	WorkingDir string
	Env        map[string]string
}

// ExecResult holds the exit code and the combined stdout/stderr of an exec
type ExecResult struct {
	ExitCode int
	Output   []byte
}

// Container is a handle on a running container
type Container interface {
	ID() string
	Running(ctx context.Context) (bool, error)
	Exec(ctx context.Context, opts ExecOptions) (ExecResult, error)
	ExecStream(ctx context.Context, opts ExecOptions) (*ExecStream, error)
	Stop(ctx context.Context) error
}

// ExecStream is the live combined output of a streaming exec.
// ExitCode is only meaningful after the stream has been drained.
type ExecStream struct {
	io.ReadCloser
	exitCode func(ctx context.Context) (int, error)
}

// NewExecStream wraps an output reader and an exit code lookup
func NewExecStream(rc io.ReadCloser, exitCode func(ctx context.Context) (int, error)) *ExecStream {
	return &ExecStream{ReadCloser: rc, exitCode: exitCode}
}

// ExitCode returns the exit code of the finished command
func (s *ExecStream) ExitCode(ctx context.Context) (int, error) {
	if s.exitCode == nil {
		return 0, nil
	}
	return s.exitCode(ctx)
}

type dockerContainer struct {
	logger *zap.Logger
	api    DockerAPI
	id     string
}

func (d *dockerContainer) ID() string {
	return d.id
}

func (d *dockerContainer) Running(ctx context.Context) (bool, error) {
	info, err := d.api.ContainerInspect(ctx, d.id)
	if err != nil {
		if cerrdefs.IsNotFound(err) {
			return false, nil
		}
		return false, fmt.Errorf("failed to inspect container %s: %w", shortID(d.id), err)
	}
	if info.ContainerJSONBase == nil || info.State == nil {
		return false, nil
	}
	return info.State.Running, nil
}

func (d *dockerContainer) createExec(ctx context.Context, opts ExecOptions) (string, error) {
	created, err := d.api.ContainerExecCreate(ctx, d.id, container.ExecOptions{
		Cmd:          opts.Cmd,
		WorkingDir:   opts.WorkingDir,
		Env:          envList(opts.Env),
		AttachStdout: true,
		AttachStderr: true,
	})
	if err != nil {
		return "", fmt.Errorf("failed to create exec in container %s: %w", shortID(d.id), err)
	}
	return created.ID, nil
}

func (d *dockerContainer) Exec(ctx context.Context, opts ExecOptions) (ExecResult, error) {
	execID, err := d.createExec(ctx, opts)
	if err != nil {
		return ExecResult{}, err
	}

	attached, err := d.api.ContainerExecAttach(ctx, execID, container.ExecAttachOptions{})
	if err != nil {
		return ExecResult{}, fmt.Errorf("failed to attach to exec in container %s: %w", shortID(d.id), err)
	}
	defer attached.Close()

	var output bytes.Buffer
	if _, err := stdcopy.StdCopy(&output, &output, attached.Reader); err != nil {
		return ExecResult{}, fmt.Errorf("failed to read exec output: %w", err)
	}

	inspect, err := d.api.ContainerExecInspect(ctx, execID)
	if err != nil {
		return ExecResult{}, fmt.Errorf("failed to inspect exec: %w", err)
	}

	return ExecResult{ExitCode: inspect.ExitCode, Output: output.Bytes()}, nil
}

func (d *dockerContainer) ExecStream(ctx context.Context, opts ExecOptions) (*ExecStream, error) {
	execID, err := d.createExec(ctx, opts)
	if err != nil {
		return nil, err
	}

	attached, err := d.api.ContainerExecAttach(ctx, execID, container.ExecAttachOptions{})
	if err != nil {
		return nil, fmt.Errorf("failed to attach to exec in container %s: %w", shortID(d.id), err)
	}

	pr, pw := io.Pipe()
	go func() {
		_, copyErr := stdcopy.StdCopy(pw, pw, attached.Reader)
		attached.Close()
		pw.CloseWithError(copyErr)
	}()

	exitCode := func(ctx context.Context) (int, error) {
		inspect, err := d.api.ContainerExecInspect(ctx, execID)
		if err != nil {
			return 0, fmt.Errorf("failed to inspect exec: %w", err)
		}
		return inspect.ExitCode, nil
	}
	return NewExecStream(pr, exitCode), nil
}

// Stop stops the container. Stopping a stopped or removed container is a no-op.
func (d *dockerContainer) Stop(ctx context.Context) error {
	running, err := d.Running(ctx)
	if err != nil {
		return err
	}
	if !running {
		return nil
	}

	d.logger.Info("shutting down the container", zap.String("container", shortID(d.id)))
	timeout := stopTimeoutSec
	if err := d.api.ContainerStop(ctx, d.id, container.StopOptions{Timeout: &timeout}); err != nil {
		if cerrdefs.IsNotFound(err) {
			return nil
		}
		return fmt.Errorf("failed to stop container %s: %w", shortID(d.id), err)
	}
	return nil
}
