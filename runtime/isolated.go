package runtime

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"iter"
	"os"
	"path"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"github.com/isdmx/scriptbox/errdefs"
	"github.com/isdmx/scriptbox/layout"
	"github.com/isdmx/scriptbox/project"
	"github.com/isdmx/scriptbox/sandbox"
	"github.com/isdmx/scriptbox/shell"
)

// DefaultPythonTag is the python image tag used when none is configured
const DefaultPythonTag = "3.12-alpine3.20"

// Paths inside the runtime container
const (
	ProjectsMount = "/var/scriptbox-projects"
	VenvsMount    = "/var/scriptbox-venvs"
	ScriptsDir    = "/tmp"
)

// readyMarker is written into a venv slot once its requirements are installed
const readyMarker = ".scriptbox-ready"

// executorTemplate layers uv over the python base image and keeps the
// container idle between execs
const executorTemplate = `FROM python:%s

COPY --from=ghcr.io/astral-sh/uv:latest /uv /bin/uv

CMD ["tail", "-f", "/dev/null"]
`

var pythonTagPattern = regexp.MustCompile(`^(\d+\.\d+)`)

// PythonVersion extracts major.minor from a python image tag
func PythonVersion(tag string) (string, error) {
	m := pythonTagPattern.FindStringSubmatch(tag)
	if m == nil {
		return "", errdefs.Validation("invalid python tag %q", tag)
	}
	return m[1], nil
}

// ExecutorImage names the runtime image derived from a python image tag
func ExecutorImage(tag string) string {
	return "scriptbox-runtime:py-" + tag
}

// IsolatedRuntime runs scripts and projects inside one long-lived container.
// Project environments are cached per python version in a host directory
// mounted into the container.
type IsolatedRuntime struct {
	logger        *zap.Logger
	sandbox       Sandbox
	projects      ProjectStore
	resolver      project.RequirementsResolver
	shell         *shell.IsolatedShell
	pythonTag     string
	pythonVersion string
	venvsDir      string
	strict        bool
}

// NewIsolated builds the executor image if needed, starts the runtime
// container and returns a ready IsolatedRuntime
func NewIsolated(ctx context.Context, logger *zap.Logger, sb Sandbox, l layout.Layout, projects ProjectStore, resolver project.RequirementsResolver, opts ...Option) (*IsolatedRuntime, error) {
	o := newOptions(opts)

	version, err := PythonVersion(o.pythonTag)
	if err != nil {
		return nil, err
	}

	if err := l.Ensure(); err != nil {
		return nil, err
	}
	venvsDir, err := l.EnsureVenvsDir(version)
	if err != nil {
		return nil, err
	}

	logger = logger.With(zap.String("python_tag", o.pythonTag))

	baseImage := "python:" + o.pythonTag
	found, err := sb.ImageExists(ctx, baseImage, sandbox.Local)
	if err != nil {
		return nil, err
	}
	if !found {
		if found, err = sb.ImageExists(ctx, baseImage, sandbox.Registry); err != nil {
			return nil, err
		}
	}
	if !found {
		return nil, errdefs.NotFound("python image %q", baseImage)
	}

	executor := ExecutorImage(o.pythonTag)
	if err := sb.BuildImage(ctx, executor, strings.NewReader(fmt.Sprintf(executorTemplate, o.pythonTag))); err != nil {
		return nil, err
	}

	name := fmt.Sprintf("scriptbox-py%s-%s", version, uuid.NewString()[:8])
	ctr, err := sb.RunContainer(ctx, executor, sandbox.RunOptions{
		Name: name,
		Volumes: map[string]sandbox.Volume{
			l.ProjectsDir(): {Bind: ProjectsMount, Mode: "ro"},
			venvsDir:        {Bind: VenvsMount, Mode: "rw"},
		},
		AutoRemove: true,
	})
	if err != nil {
		return nil, err
	}

	sh, err := shell.NewIsolated(ctx, logger, ctr, ProjectsMount, shell.WithStrict(o.strict))
	if err != nil {
		if stopErr := ctr.Stop(ctx); stopErr != nil {
			logger.Warn("failed to stop container", zap.Error(stopErr))
		}
		return nil, err
	}

	logger.Info("isolated runtime ready", zap.String("container", name))

	return &IsolatedRuntime{
		logger:        logger,
		sandbox:       sb,
		projects:      projects,
		resolver:      resolver,
		shell:         sh,
		pythonTag:     o.pythonTag,
		pythonVersion: version,
		venvsDir:      venvsDir,
		strict:        o.strict,
	}, nil
}

// PythonTag returns the python image tag of the runtime
func (r *IsolatedRuntime) PythonTag() string {
	return r.pythonTag
}

// Container returns the runtime container
func (r *IsolatedRuntime) Container() sandbox.Container {
	return r.shell.Container()
}

// RunProject runs the project's main.py with its cached environment,
// creating the environment on first use
func (r *IsolatedRuntime) RunProject(ctx context.Context, id string, args []string, env map[string]string) (output string, err error) {
	ctx, span := startSpan(ctx, "runtime.isolated.run_project",
		attribute.String("project.id", id), attribute.String("python.version", r.pythonVersion))
	defer func() { endSpan(span, err) }()

	cmd, err := r.projectCommand(ctx, id, args)
	if err != nil {
		return "", err
	}
	return r.shell.Run(ctx, env, cmd...)
}

// StreamProject is RunProject yielding output lines as they arrive
func (r *IsolatedRuntime) StreamProject(ctx context.Context, id string, args []string, env map[string]string) iter.Seq2[string, error] {
	return func(yield func(string, error) bool) {
		cmd, err := r.projectCommand(ctx, id, args)
		if err != nil {
			yield("", err)
			return
		}
		for line, err := range r.shell.Stream(ctx, env, cmd...) {
			if !yield(line, err) {
				return
			}
		}
	}
}

func (r *IsolatedRuntime) projectCommand(ctx context.Context, id string, args []string) ([]string, error) {
	if !r.projects.Exists(id) {
		return nil, errdefs.NotFound("project %q", id)
	}

	if err := r.ensureVenv(ctx, id); err != nil {
		return nil, err
	}

	python := path.Join(VenvsMount, id, "bin", "python")
	entryPoint := path.Join(ProjectsMount, id, project.EntryPoint)
	return append([]string{python, entryPoint}, args...), nil
}

// ensureVenv creates the cached environment of a project once. A slot is
// ready only after readyMarker has been written, so a concurrent first run
// waits on the slot lock until the install has finished.
func (r *IsolatedRuntime) ensureVenv(ctx context.Context, id string) error {
	slot := filepath.Join(r.venvsDir, id)
	if slotReady(slot) {
		return nil
	}

	lock, err := acquireSlotLock(slot)
	if err != nil {
		return err
	}
	defer lock.Release()

	if slotReady(slot) {
		return nil
	}

	logger := r.logger.With(zap.String("project", id))
	venv := path.Join(VenvsMount, id)

	if slotExists(slot) {
		logger.Warn("discarding incomplete virtual environment")
		r.discardSlot(ctx, id)
	}

	if err := r.buildVenv(ctx, logger, id, venv); err != nil {
		r.discardSlot(ctx, id)
		return err
	}
	return nil
}

func (r *IsolatedRuntime) buildVenv(ctx context.Context, logger *zap.Logger, id, venv string) error {
	logger.Info("creating virtual environment")
	if err := r.setup(ctx, nil, "uv", "venv", "--no-project", venv); err != nil {
		return err
	}

	manifest := filepath.Join(r.projects.Dir(id), project.ManifestFile)
	_, err := os.Stat(manifest)
	switch {
	case err == nil:
		logger.Info("installing requirements")
		err = r.setup(ctx, map[string]string{"VIRTUAL_ENV": venv},
			"uv", "pip", "install", "-r", path.Join(ProjectsMount, id, project.ManifestFile))
		if err != nil {
			return err
		}
	case !errors.Is(err, fs.ErrNotExist):
		return err
	}

	return r.setup(ctx, nil, "touch", path.Join(venv, readyMarker))
}

// setup runs an environment setup command. Any non-zero exit is an error,
// in strict mode the container is stopped as well.
func (r *IsolatedRuntime) setup(ctx context.Context, env map[string]string, cmd ...string) error {
	ctr := r.shell.Container()
	running, err := ctr.Running(ctx)
	if err != nil {
		return err
	}
	if !running {
		return errdefs.Execution("container %s is not running", ctr.ID())
	}

	r.logger.Info("running command", zap.String("command", shell.CommandLine(cmd)))
	result, err := ctr.Exec(ctx, sandbox.ExecOptions{Cmd: cmd, WorkingDir: r.shell.Workdir(), Env: env})
	if err != nil {
		return err
	}
	if result.ExitCode == 0 {
		return nil
	}

	if r.strict {
		if err := ctr.Stop(ctx); err != nil {
			r.logger.Warn("failed to stop container after command failure", zap.Error(err))
		}
	}
	return &errdefs.ExecutionError{Command: cmd, ExitCode: result.ExitCode, Output: strings.TrimSpace(string(result.Output))}
}

// discardSlot removes a partially installed environment so the next run
// starts over
func (r *IsolatedRuntime) discardSlot(ctx context.Context, id string) {
	venv := path.Join(VenvsMount, id)
	ctr := r.shell.Container()
	if running, err := ctr.Running(ctx); err == nil && running {
		result, err := ctr.Exec(ctx, sandbox.ExecOptions{Cmd: []string{"rm", "-rf", venv}})
		if err == nil && result.ExitCode == 0 {
			return
		}
	}
	if err := os.RemoveAll(filepath.Join(r.venvsDir, id)); err != nil {
		r.logger.Warn("failed to discard partial environment", zap.String("venv", venv), zap.Error(err))
	}
}

// RunScript copies the script into the container and runs it through
// `uv run`. Requirements are installed per call and not cached.
func (r *IsolatedRuntime) RunScript(ctx context.Context, req ScriptRequest) (output string, err error) {
	ctx, span := startSpan(ctx, "runtime.isolated.run_script", attribute.String("python.version", r.pythonVersion))
	defer func() { endSpan(span, err) }()

	script, err := project.PrepareScript(ctx, r.resolver, req.Script, req.Requirements, req.Overrides)
	if err != nil {
		return "", err
	}
	defer func() {
		if err := script.Cleanup(); err != nil {
			r.logger.Warn("failed to remove temporary script", zap.Error(err))
		}
	}()

	if err := r.sandbox.CopyPathToContainer(ctx, r.shell.Container().ID(), script.Path, ScriptsDir); err != nil {
		return "", err
	}

	span.SetAttributes(attribute.String("script.name", script.Name()))
	r.logger.Info("running script", zap.String("script", script.Name()), zap.Strings("requirements", script.Requirements))

	target := path.Join(ScriptsDir, script.Name())
	return r.shell.Run(ctx, req.Env, uvRunCommand(target, script.Requirements, req.Args)...)
}

// Close stops the runtime container and releases the sandbox client
func (r *IsolatedRuntime) Close(ctx context.Context) error {
	err := r.shell.Close(ctx)
	closeSandbox(r.logger, r.sandbox)
	return err
}

func slotExists(slot string) bool {
	info, err := os.Stat(slot)
	return err == nil && info.IsDir()
}

func slotReady(slot string) bool {
	info, err := os.Stat(filepath.Join(slot, readyMarker))
	return err == nil && info.Mode().IsRegular()
}
