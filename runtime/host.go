package runtime

import (
	"context"
	"iter"
	"os"
	"path/filepath"
	goruntime "runtime"

	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"github.com/isdmx/scriptbox/errdefs"
	"github.com/isdmx/scriptbox/project"
	"github.com/isdmx/scriptbox/shell"
)

var hostOS = goruntime.GOOS

// HostRuntime runs scripts and projects as host processes
type HostRuntime struct {
	logger   *zap.Logger
	projects ProjectStore
	shell    shell.Shell
	resolver project.RequirementsResolver
	opts     *options
}

// NewHost creates a HostRuntime. sh runs commands in the projects directory.
func NewHost(logger *zap.Logger, projects ProjectStore, sh shell.Shell, resolver project.RequirementsResolver, opts ...Option) *HostRuntime {
	return &HostRuntime{
		logger:   logger,
		projects: projects,
		shell:    sh,
		resolver: resolver,
		opts:     newOptions(opts),
	}
}

// RunProject runs the project's main.py with the interpreter of its local
// environment, syncing the environment first when it is missing.
func (h *HostRuntime) RunProject(ctx context.Context, id string, args []string, env map[string]string) (output string, err error) {
	ctx, span := startSpan(ctx, "runtime.host.run_project", attribute.String("project.id", id))
	defer func() { endSpan(span, err) }()

	cmd, err := h.projectCommand(ctx, id, args)
	if err != nil {
		return "", err
	}
	return h.shell.Run(ctx, env, cmd...)
}

// StreamProject is RunProject yielding output lines as they are produced
func (h *HostRuntime) StreamProject(ctx context.Context, id string, args []string, env map[string]string) iter.Seq2[string, error] {
	return func(yield func(string, error) bool) {
		cmd, err := h.projectCommand(ctx, id, args)
		if err != nil {
			yield("", err)
			return
		}
		for line, err := range h.shell.Stream(ctx, env, cmd...) {
			if !yield(line, err) {
				return
			}
		}
	}
}

func (h *HostRuntime) projectCommand(ctx context.Context, id string, args []string) ([]string, error) {
	if !h.projects.Exists(id) {
		return nil, errdefs.NotFound("project %q", id)
	}

	dir := h.projects.Dir(id)
	python := h.interpreter(dir)
	if _, err := os.Stat(python); err != nil {
		h.logger.Info("syncing project environment", zap.String("project", id))
		if _, err := h.shell.Run(ctx, nil, "uv", "sync", "--directory", dir); err != nil {
			return nil, err
		}
	}

	return append([]string{python, filepath.Join(dir, project.EntryPoint)}, args...), nil
}

func (h *HostRuntime) interpreter(dir string) string {
	if h.opts.goos == "windows" {
		return filepath.Join(dir, ".venv", "Scripts", "python.exe")
	}
	return filepath.Join(dir, ".venv", "bin", "python")
}

// RunScript runs a script through `uv run` with per-call requirements. No
// project is persisted.
func (h *HostRuntime) RunScript(ctx context.Context, req ScriptRequest) (output string, err error) {
	ctx, span := startSpan(ctx, "runtime.host.run_script")
	defer func() { endSpan(span, err) }()

	script, err := project.PrepareScript(ctx, h.resolver, req.Script, req.Requirements, req.Overrides)
	if err != nil {
		return "", err
	}
	defer func() {
		if err := script.Cleanup(); err != nil {
			h.logger.Warn("failed to remove temporary script", zap.Error(err))
		}
	}()

	span.SetAttributes(attribute.String("script.name", script.Name()))
	h.logger.Info("running script", zap.String("script", script.Name()), zap.Strings("requirements", script.Requirements))

	return h.shell.Run(ctx, scriptEnv(req.Env), uvRunCommand(script.Path, script.Requirements, req.Args)...)
}

// Close is a no-op for the host runtime
func (h *HostRuntime) Close(context.Context) error {
	return nil
}

// scriptEnv clears VIRTUAL_ENV so uv does not pick up an activated
// environment of the calling process
func scriptEnv(env map[string]string) map[string]string {
	merged := map[string]string{"VIRTUAL_ENV": ""}
	for key, value := range env {
		merged[key] = value
	}
	return merged
}
