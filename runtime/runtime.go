// Package runtime runs Python scripts and materialized projects either on the
// host or inside a long-lived sandbox container.
//
// Both backends implement Runtime. New picks one: isolation is requested with
// Config.Isolate and silently degrades to the host when the current process
// already runs inside a container.
//
// Usage:
//
//	rt, err := runtime.New(ctx, logger, runtime.Config{
//	    Layout:   l,
//	    Projects: materializer,
//	    Resolver: resolver,
//	    Isolate:  true,
//	    Sandbox:  func() (runtime.Sandbox, error) { return sandbox.NewClient(logger) },
//	})
//	defer rt.Close(ctx)
//	output, err := rt.RunProject(ctx, "report", []string{"--month", "5"}, nil)
package runtime

import (
	"context"
	"errors"
	"io"
	"iter"

	"go.uber.org/zap"

	"github.com/isdmx/scriptbox/deps"
	"github.com/isdmx/scriptbox/layout"
	"github.com/isdmx/scriptbox/project"
	"github.com/isdmx/scriptbox/sandbox"
	"github.com/isdmx/scriptbox/shell"
)

// Runtime executes scripts and projects
type Runtime interface {
	// RunProject runs the entry point of a materialized project
	RunProject(ctx context.Context, id string, args []string, env map[string]string) (string, error)
	// StreamProject runs a project and yields its output lines as they are produced
	StreamProject(ctx context.Context, id string, args []string, env map[string]string) iter.Seq2[string, error]
	// RunScript runs an ad-hoc script in an on-demand environment
	RunScript(ctx context.Context, req ScriptRequest) (string, error)
	// Close releases the resources held by the runtime
	Close(ctx context.Context) error
}

// ScriptRequest describes an ad-hoc script run
type ScriptRequest struct {
	Script       project.Script
	Args         []string
	Env          map[string]string
	Requirements project.Requirements
	Overrides    map[string]deps.Dependency
}

// ProjectStore locates materialized projects
type ProjectStore interface {
	Exists(id string) bool
	Dir(id string) string
}

// Sandbox is the container engine used by the isolated runtime
type Sandbox interface {
	ImageExists(ctx context.Context, image string, where sandbox.Location) (bool, error)
	BuildImage(ctx context.Context, image string, dockerfile io.Reader) error
	RunContainer(ctx context.Context, image string, opts sandbox.RunOptions) (sandbox.Container, error)
	CopyPathToContainer(ctx context.Context, containerID, src, target string) error
}

// Config selects and configures a runtime
type Config struct {
	Layout    layout.Layout
	Projects  ProjectStore
	Resolver  project.RequirementsResolver
	Isolate   bool
	PythonTag string
	Strict    bool
	// Probe reports whether this process runs inside a container. Defaults to DetectContainer.
	Probe ContainerProbe
	// Sandbox connects to the container engine. It is only called for isolated runtimes.
	Sandbox func() (Sandbox, error)
}

// New creates the runtime selected by cfg
func New(ctx context.Context, logger *zap.Logger, cfg Config) (Runtime, error) {
	if err := cfg.Layout.Ensure(); err != nil {
		return nil, err
	}

	probe := cfg.Probe
	if probe == nil {
		probe = DetectContainer
	}

	if cfg.Isolate && probe() {
		logger.Info("already inside a container, switching to host runtime")
	} else if cfg.Isolate {
		if cfg.Sandbox == nil {
			return nil, errors.New("isolated runtime requires a sandbox")
		}
		sb, err := cfg.Sandbox()
		if err != nil {
			return nil, err
		}
		rt, err := NewIsolated(ctx, logger, sb, cfg.Layout, cfg.Projects, cfg.Resolver,
			WithPythonTag(cfg.PythonTag), WithStrict(cfg.Strict))
		if err != nil {
			closeSandbox(logger, sb)
			return nil, err
		}
		return rt, nil
	}

	sh, err := shell.NewHost(logger, cfg.Layout.ProjectsDir(), shell.WithStrict(cfg.Strict))
	if err != nil {
		return nil, err
	}
	return NewHost(logger, cfg.Projects, sh, cfg.Resolver), nil
}

// Option configures a runtime
type Option func(*options)

type options struct {
	pythonTag string
	strict    bool
	goos      string
}

// WithPythonTag selects the python image tag of the isolated runtime
func WithPythonTag(tag string) Option {
	return func(o *options) {
		if tag != "" {
			o.pythonTag = tag
		}
	}
}

// WithStrict makes failing commands in the isolated runtime return errors
func WithStrict(strict bool) Option {
	return func(o *options) {
		o.strict = strict
	}
}

// withGOOS overrides the host operating system
func withGOOS(goos string) Option {
	return func(o *options) {
		o.goos = goos
	}
}

func newOptions(opts []Option) *options {
	o := &options{pythonTag: DefaultPythonTag, goos: hostOS}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

func closeSandbox(logger *zap.Logger, sb Sandbox) {
	if closer, ok := sb.(io.Closer); ok {
		if err := closer.Close(); err != nil {
			logger.Warn("failed to close sandbox client", zap.Error(err))
		}
	}
}

// uvRunCommand builds `uv run` for a script with per-call requirements
func uvRunCommand(script string, requirements, args []string) []string {
	cmd := []string{"uv", "run", "--no-project", "--quiet"}
	for _, requirement := range requirements {
		cmd = append(cmd, "--with", requirement)
	}
	cmd = append(cmd, script)
	return append(cmd, args...)
}
