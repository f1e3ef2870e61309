// Package cli provides the scriptbox command-line interface.
package cli

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/fx"

	"github.com/isdmx/scriptbox/app"
	"github.com/isdmx/scriptbox/config"
	"github.com/isdmx/scriptbox/deps"
	"github.com/isdmx/scriptbox/project"
)

// Version is set at build time
var Version = "dev"

// Projects manages materialized projects
type Projects interface {
	Create(ctx context.Context, req project.CreateRequest) (*project.Project, error)
	Exists(id string) bool
	List() ([]string, error)
	Remove(id string) error
}

// adapters expose the concrete Core components through the interfaces the
// commands depend on.
var adapters = fx.Provide(
	func(m *project.Materializer) Projects { return m },
	func(r *deps.Resolver) project.RequirementsResolver { return r },
)

// App represents the CLI application.
type App struct {
	root    *cobra.Command
	stdout  io.Writer
	stderr  io.Writer
	modules []fx.Option
	global  globalOptions
}

type globalOptions struct {
	configPath string
	root       string
	isolate    bool
	strict     bool
	pythonTag  string
	overrides  string
}

// New creates a new CLI application.
func New() *App {
	a := &App{
		stdout:  os.Stdout,
		stderr:  os.Stderr,
		modules: []fx.Option{app.Core, adapters},
	}

	a.root = &cobra.Command{
		Use:   "scriptbox",
		Short: "Run Python scripts and projects in managed environments",
		Long: `scriptbox runs Python scripts with uv, either directly on the host or inside
a long-lived container with cached per-project environments.

Scripts can be materialized into projects with pinned requirements, and
their third-party imports can be resolved against the package registry.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	flags := a.root.PersistentFlags()
	flags.StringVarP(&a.global.configPath, "config", "c", "", "Path to configuration file")
	flags.StringVar(&a.global.root, "root", "", "Runtime root directory (overrides config)")
	flags.BoolVar(&a.global.isolate, "isolate", false, "Run inside a container (overrides config)")
	flags.BoolVar(&a.global.strict, "strict", false, "Fail on any command writing to stderr with a non-zero exit (overrides config)")
	flags.StringVar(&a.global.pythonTag, "python-tag", "", "Python image tag for the isolated runtime (overrides config)")
	flags.StringVar(&a.global.overrides, "overrides", "", "Dependency overrides YAML file (overrides config)")

	a.root.AddCommand(
		a.newVersionCmd(),
		a.newCreateCmd(),
		a.newExistsCmd(),
		a.newListCmd(),
		a.newRemoveCmd(),
		a.newRunCmd(),
		a.newRunProjectCmd(),
		a.newRequirementsCmd(),
	)

	return a
}

// WithOutput sets custom output writers.
func (a *App) WithOutput(stdout, stderr io.Writer) *App {
	a.stdout = stdout
	a.stderr = stderr
	a.root.SetOut(stdout)
	a.root.SetErr(stderr)
	return a
}

// WithModules replaces the fx modules providing the runtime, the projects,
// the resolver and the overrides.
func (a *App) WithModules(modules ...fx.Option) *App {
	a.modules = modules
	return a
}

// Execute runs the CLI application.
func (a *App) Execute(ctx context.Context) error {
	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	return a.root.ExecuteContext(ctx)
}

// ExecuteWithArgs runs the CLI with specific arguments (useful for testing).
func (a *App) ExecuteWithArgs(ctx context.Context, args []string) error {
	a.root.SetArgs(args)
	return a.Execute(ctx)
}

func (a *App) loadConfig(cmd *cobra.Command) (*config.Config, error) {
	var (
		cfg *config.Config
		err error
	)
	if a.global.configPath != "" {
		cfg, err = config.NewFromFile(a.global.configPath)
	} else {
		cfg, err = config.New()
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}

	flags := cmd.Flags()
	if flags.Changed("root") {
		cfg.Runtime.Root = a.global.root
	}
	if flags.Changed("isolate") {
		cfg.Runtime.Isolate = a.global.isolate
	}
	if flags.Changed("strict") {
		cfg.Runtime.Strict = a.global.strict
	}
	if flags.Changed("python-tag") {
		cfg.Runtime.PythonTag = a.global.pythonTag
	}
	if flags.Changed("overrides") {
		cfg.Resolver.OverridesFile = a.global.overrides
	}
	return cfg, nil
}

// start builds the components targets point to and starts their lifecycle.
// Components no target depends on are never constructed.
func (a *App) start(cmd *cobra.Command, targets ...any) (func(), error) {
	cfg, err := a.loadConfig(cmd)
	if err != nil {
		return nil, err
	}

	opts := append([]fx.Option{fx.Supply(cfg), fx.NopLogger, fx.Populate(targets...)}, a.modules...)
	fxApp := fx.New(opts...)
	if err := fxApp.Start(cmd.Context()); err != nil {
		return nil, err
	}
	return func() { _ = fxApp.Stop(context.Background()) }, nil
}

// newVersionCmd creates the version command.
func (a *App) newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			_, _ = fmt.Fprintf(a.stdout, "scriptbox version %s\n", Version)
		},
	}
}
