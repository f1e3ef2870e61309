package shell

import (
	"bufio"
	"context"
	"iter"
	"strings"

	"go.uber.org/zap"

	"github.com/isdmx/scriptbox/errdefs"
	"github.com/isdmx/scriptbox/sandbox"
)

// IsolatedShell runs commands inside a running container
type IsolatedShell struct {
	logger    *zap.Logger
	container sandbox.Container
	workdir   string
	opts      *options
}

// NewIsolated creates a shell bound to ctr. The container must already be
// running. An empty workdir is replaced by the container's own working directory.
func NewIsolated(ctx context.Context, logger *zap.Logger, ctr sandbox.Container, workdir string, opts ...Option) (*IsolatedShell, error) {
	s := &IsolatedShell{
		logger:    logger.With(zap.String("container", ctr.ID())),
		container: ctr,
		opts:      newOptions(opts),
	}

	if err := s.ensureRunning(ctx); err != nil {
		return nil, err
	}

	if workdir == "" {
		pwd, err := s.Run(ctx, nil, "pwd")
		if err != nil {
			return nil, err
		}
		workdir = pwd
	}
	s.workdir = workdir

	return s, nil
}

// Container returns the container commands are executed in
func (s *IsolatedShell) Container() sandbox.Container {
	return s.container
}

// Workdir returns the directory commands run in
func (s *IsolatedShell) Workdir() string {
	return s.workdir
}

// Run executes cmd in the container and returns its combined, trimmed output.
// In strict mode a non-zero exit status stops the container before the
// error is returned.
func (s *IsolatedShell) Run(ctx context.Context, env map[string]string, cmd ...string) (string, error) {
	if err := s.ensureRunning(ctx); err != nil {
		return "", err
	}

	logCommand(s.logger, cmd)

	result, err := s.container.Exec(ctx, sandbox.ExecOptions{Cmd: cmd, WorkingDir: s.workdir, Env: env})
	if err != nil {
		return "", err
	}

	output := strings.TrimSpace(string(result.Output))
	if result.ExitCode != 0 && s.opts.strict {
		return "", s.fail(ctx, cmd, result.ExitCode, output)
	}
	return output, nil
}

// Stream executes cmd in the container and yields output lines as they arrive
func (s *IsolatedShell) Stream(ctx context.Context, env map[string]string, cmd ...string) iter.Seq2[string, error] {
	return func(yield func(string, error) bool) {
		if err := s.ensureRunning(ctx); err != nil {
			yield("", err)
			return
		}

		logCommand(s.logger, cmd, zap.Bool("stream", true))

		stream, err := s.container.ExecStream(ctx, sandbox.ExecOptions{Cmd: cmd, WorkingDir: s.workdir, Env: env})
		if err != nil {
			yield("", err)
			return
		}
		defer stream.Close()

		var output strings.Builder
		scanner := bufio.NewScanner(stream)
		scanner.Buffer(make([]byte, 0, 64*1024), maxLineSize)
		for scanner.Scan() {
			line := scanner.Text()
			output.WriteString(line)
			output.WriteByte('\n')
			if !yield(line, nil) {
				return
			}
		}
		if err := scanner.Err(); err != nil {
			yield("", err)
			return
		}

		exitCode, err := stream.ExitCode(ctx)
		if err != nil {
			yield("", err)
			return
		}
		if exitCode != 0 && s.opts.strict {
			yield("", s.fail(ctx, cmd, exitCode, strings.TrimSpace(output.String())))
		}
	}
}

// Close stops the container. Stopping a stopped container is a no-op.
func (s *IsolatedShell) Close(ctx context.Context) error {
	return s.container.Stop(ctx)
}

func (s *IsolatedShell) ensureRunning(ctx context.Context) error {
	running, err := s.container.Running(ctx)
	if err != nil {
		return err
	}
	if !running {
		return errdefs.Execution("container %s is not running", s.container.ID())
	}
	return nil
}

func (s *IsolatedShell) fail(ctx context.Context, cmd []string, exitCode int, output string) error {
	if err := s.container.Stop(ctx); err != nil {
		s.logger.Warn("failed to stop container after command failure", zap.Error(err))
	}
	return &errdefs.ExecutionError{Command: cmd, ExitCode: exitCode, Output: output}
}
