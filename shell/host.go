package shell

import (
	"bufio"
	"context"
	"errors"
	"io"
	"iter"
	"os"
	"os/exec"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/isdmx/scriptbox/errdefs"
)

// maxLineSize bounds a single streamed line
const maxLineSize = 1024 * 1024

// HostShell runs commands as child processes of the current process
type HostShell struct {
	logger  *zap.Logger
	workdir string
	opts    *options
}

// NewHost creates a HostShell running commands in workdir.
// An empty workdir means the current working directory.
func NewHost(logger *zap.Logger, workdir string, opts ...Option) (*HostShell, error) {
	if workdir == "" {
		wd, err := os.Getwd()
		if err != nil {
			return nil, err
		}
		workdir = wd
	}

	info, err := os.Stat(workdir)
	if err != nil || !info.IsDir() {
		return nil, errdefs.NotFound("working directory %q", workdir)
	}

	return &HostShell{logger: logger, workdir: workdir, opts: newOptions(opts)}, nil
}

// Workdir returns the directory commands run in
func (h *HostShell) Workdir() string {
	return h.workdir
}

// Run executes cmd and returns its output. When stderr is non-empty it is
// returned instead of stdout, unless the command failed in strict mode.
func (h *HostShell) Run(ctx context.Context, env map[string]string, cmd ...string) (string, error) {
	logCommand(h.logger, cmd)

	stdout, stderr, exitCode, err := h.opts.runner.RunCommand(ctx, Command{
		Args: h.wrap(cmd),
		Dir:  h.workdir,
		Env:  h.environ(env),
	})
	if err != nil {
		return "", err
	}

	if errOutput := strings.TrimSpace(stderr); errOutput != "" {
		if exitCode != 0 && h.opts.strict {
			return "", &errdefs.ExecutionError{Command: cmd, ExitCode: exitCode, Output: errOutput}
		}
		return errOutput, nil
	}

	return strings.TrimSpace(stdout), nil
}

type streamLine struct {
	text   string
	stderr bool
}

// Stream executes cmd and yields stdout and stderr lines in the order they
// are produced. Both pipes are read concurrently. Stopping the iteration does
// not terminate the process; its remaining output is drained in the background.
func (h *HostShell) Stream(ctx context.Context, env map[string]string, cmd ...string) iter.Seq2[string, error] {
	return func(yield func(string, error) bool) {
		if err := ctx.Err(); err != nil {
			yield("", err)
			return
		}
		if len(cmd) == 0 {
			yield("", errors.New("no command provided"))
			return
		}

		logCommand(h.logger, cmd, zap.Bool("stream", true))

		args := h.wrap(cmd)
		proc := exec.Command(args[0], args[1:]...) //nolint:gosec // running caller supplied commands is the purpose of this package
		proc.Dir = h.workdir
		proc.Env = h.environ(env)

		stdout, err := proc.StdoutPipe()
		if err != nil {
			yield("", err)
			return
		}
		stderr, err := proc.StderrPipe()
		if err != nil {
			yield("", err)
			return
		}
		if err := proc.Start(); err != nil {
			yield("", startError(args[0], err))
			return
		}

		lines := make(chan streamLine)
		var wg sync.WaitGroup
		wg.Add(2)
		go readLines(&wg, stdout, false, lines)
		go readLines(&wg, stderr, true, lines)
		go func() {
			wg.Wait()
			close(lines)
		}()

		var errOutput strings.Builder
		for line := range lines {
			if line.stderr {
				errOutput.WriteString(line.text)
				errOutput.WriteByte('\n')
			}
			if !yield(line.text, nil) {
				go func() {
					for range lines {
					}
					_ = proc.Wait()
				}()
				return
			}
		}

		exitCode := 0
		if err := proc.Wait(); err != nil {
			var exitError *exec.ExitError
			if !errors.As(err, &exitError) {
				yield("", err)
				return
			}
			exitCode = exitError.ExitCode()
		}

		if exitCode != 0 && h.opts.strict && strings.TrimSpace(errOutput.String()) != "" {
			yield("", &errdefs.ExecutionError{Command: cmd, ExitCode: exitCode, Output: strings.TrimSpace(errOutput.String())})
		}
	}
}

func readLines(wg *sync.WaitGroup, r io.Reader, isStderr bool, lines chan<- streamLine) {
	defer wg.Done()

	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), maxLineSize)
	for scanner.Scan() {
		lines <- streamLine{text: scanner.Text(), stderr: isStderr}
	}
	// keep the pipe flowing if the scanner gave up on an oversized line
	_, _ = io.Copy(io.Discard, r)
}

// environ merges env over the inherited environment. A nil result makes the
// child inherit the environment unchanged.
func (h *HostShell) environ(env map[string]string) []string {
	if len(env) == 0 {
		return nil
	}
	merged := os.Environ()
	for key, value := range env {
		merged = append(merged, key+"="+value)
	}
	return merged
}

// wrap routes the command through PowerShell on Windows hosts that do not
// declare an interactive shell.
func (h *HostShell) wrap(cmd []string) []string {
	return wrapCommand(h.opts.goos, h.opts.lookupEnv, cmd)
}

func wrapCommand(goos string, lookupEnv func(string) (string, bool), cmd []string) []string {
	if goos != "windows" {
		return cmd
	}
	if _, ok := lookupEnv("SHELL"); ok {
		return cmd
	}
	return append([]string{"powershell", "-NoProfile", "-NonInteractive", "-Command"}, cmd...)
}
