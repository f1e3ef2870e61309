package shell

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os/exec"
	"runtime"

	"github.com/isdmx/scriptbox/errdefs"
)

var hostOS = runtime.GOOS

// Command describes a host process invocation
type Command struct {
	Args []string
	Dir  string
	Env  []string // nil inherits the current environment
}

// CommandRunner defines an interface for executing system commands
type CommandRunner interface {
	RunCommand(ctx context.Context, cmd Command) (stdout, stderr string, exitCode int, err error)
}

// RealCommandRunner implements CommandRunner using actual exec commands
type RealCommandRunner struct{}

// RunCommand executes the given command and captures stdout and stderr separately
func (RealCommandRunner) RunCommand(ctx context.Context, c Command) (stdout, stderr string, exitCode int, err error) {
	if len(c.Args) < 1 {
		return "", "", 0, fmt.Errorf("no command provided")
	}

	cmd := exec.CommandContext(ctx, c.Args[0], c.Args[1:]...) //nolint:gosec // running caller supplied commands is the purpose of this package
	cmd.Dir = c.Dir
	cmd.Env = c.Env

	var stdoutBuf, stderrBuf bytes.Buffer
	cmd.Stdout = &stdoutBuf
	cmd.Stderr = &stderrBuf

	err = cmd.Run()

	exitCode = 0
	if err != nil {
		var exitError *exec.ExitError
		if errors.As(err, &exitError) {
			exitCode = exitError.ExitCode()
		} else {
			return "", "", 0, startError(c.Args[0], err)
		}
	}

	return stdoutBuf.String(), stderrBuf.String(), exitCode, nil
}

func startError(name string, err error) error {
	if errors.Is(err, exec.ErrNotFound) || errors.Is(err, fs.ErrNotExist) {
		return errdefs.Environment("executable %q not found", name)
	}
	return fmt.Errorf("failed to start %q: %w", name, err)
}
