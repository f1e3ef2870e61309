package app

import (
	"context"
	"errors"
	"net/http"

	"go.uber.org/fx"
	"go.uber.org/zap"

	"github.com/isdmx/scriptbox/config"
	"github.com/isdmx/scriptbox/deps"
	"github.com/isdmx/scriptbox/layout"
	"github.com/isdmx/scriptbox/logger"
	"github.com/isdmx/scriptbox/mcpserver"
	"github.com/isdmx/scriptbox/project"
	"github.com/isdmx/scriptbox/runtime"
	"github.com/isdmx/scriptbox/sandbox"
	"github.com/isdmx/scriptbox/shell"
)

// Core provides every scriptbox component except the configuration, which
// the caller supplies.
var Core = fx.Module("scriptbox",
	fx.Provide(
		logger.NewFromConfig,
		NewLayout,
		NewHostShell,
		NewRegistryClient,
		NewDistributionIndex,
		NewResolver,
		NewOverrides,
		NewMaterializer,
		NewSandboxFactory,
		NewRuntime,
	),
)

// Server adds the MCP server on top of Core and serves it for the lifetime
// of the application.
var Server = fx.Module("mcp",
	fx.Provide(NewMCPServer),
	fx.Invoke(Serve),
)

// NewLayout resolves the runtime root and creates its directories
func NewLayout(cfg *config.Config) (layout.Layout, error) {
	l, err := layout.New(cfg.Runtime.Root)
	if err != nil {
		return layout.Layout{}, err
	}
	if err := l.Ensure(); err != nil {
		return layout.Layout{}, err
	}
	return l, nil
}

// NewHostShell returns the strict host shell rooted at the projects
// directory. Project materialization and interpreter probing go through it.
func NewHostShell(logger *zap.Logger, l layout.Layout) (*shell.HostShell, error) {
	return shell.NewHost(logger, l.ProjectsDir(), shell.WithStrict(true))
}

// NewRegistryClient returns the package registry client
func NewRegistryClient(cfg *config.Config, logger *zap.Logger) *deps.RegistryClient {
	return deps.NewRegistryClient(logger, deps.WithBaseURL(cfg.Resolver.RegistryURL))
}

// NewDistributionIndex indexes the installed distributions. Without configured
// site-packages directories they are discovered from the interpreter.
func NewDistributionIndex(cfg *config.Config, logger *zap.Logger, sh *shell.HostShell) *deps.DistributionIndex {
	opts := []deps.IndexOption{deps.WithInterpreter(sh, cfg.Resolver.Python)}
	if len(cfg.Resolver.SitePackages) > 0 {
		opts = append(opts, deps.WithSitePackages(cfg.Resolver.SitePackages...))
	}
	return deps.NewDistributionIndex(logger, opts...)
}

// NewResolver returns the requirements resolver
func NewResolver(logger *zap.Logger, registry *deps.RegistryClient, index *deps.DistributionIndex) *deps.Resolver {
	return deps.NewResolver(logger, registry, index)
}

// NewOverrides loads the configured dependency overrides file, if any
func NewOverrides(cfg *config.Config, logger *zap.Logger) (map[string]deps.Dependency, error) {
	if cfg.Resolver.OverridesFile == "" {
		return map[string]deps.Dependency{}, nil
	}
	overrides, err := deps.LoadOverrides(cfg.Resolver.OverridesFile)
	if err != nil {
		return nil, err
	}
	logger.Info("dependency overrides loaded",
		zap.String("file", cfg.Resolver.OverridesFile),
		zap.Int("count", len(overrides)))
	return overrides, nil
}

// NewMaterializer returns the project materializer
func NewMaterializer(logger *zap.Logger, l layout.Layout, sh *shell.HostShell, resolver *deps.Resolver) *project.Materializer {
	return project.NewMaterializer(logger, l, sh, resolver)
}

// SandboxFactory connects to the container engine on demand
type SandboxFactory func() (runtime.Sandbox, error)

// NewSandboxFactory returns a factory for the configured container engine.
// Nothing connects until an isolated runtime is requested.
func NewSandboxFactory(cfg *config.Config, logger *zap.Logger) SandboxFactory {
	return func() (runtime.Sandbox, error) {
		var opts []sandbox.ClientOption
		if cfg.Docker.Host != "" {
			opts = append(opts, sandbox.WithHost(cfg.Docker.Host))
		}
		return sandbox.NewClient(logger, opts...)
	}
}

// NewRuntime creates the configured runtime and closes it when the
// application stops.
func NewRuntime(lc fx.Lifecycle, cfg *config.Config, logger *zap.Logger, l layout.Layout,
	projects *project.Materializer, resolver *deps.Resolver, factory SandboxFactory) (runtime.Runtime, error) {
	rt, err := runtime.New(context.Background(), logger, runtime.Config{
		Layout:    l,
		Projects:  projects,
		Resolver:  resolver,
		Isolate:   cfg.Runtime.Isolate,
		PythonTag: cfg.Runtime.PythonTag,
		Strict:    cfg.Runtime.Strict,
		Sandbox:   factory,
	})
	if err != nil {
		return nil, err
	}

	lc.Append(fx.Hook{
		OnStop: func(ctx context.Context) error {
			logger.Info("closing runtime")
			return rt.Close(ctx)
		},
	})
	return rt, nil
}

// NewMCPServer exposes the runtime, the materializer and the resolver as MCP tools
func NewMCPServer(cfg *config.Config, logger *zap.Logger, rt runtime.Runtime, projects *project.Materializer,
	resolver *deps.Resolver, overrides map[string]deps.Dependency) (*mcpserver.MCPServer, error) {
	return mcpserver.New(cfg, logger, rt, projects, resolver, overrides)
}

// Serve runs the MCP server on the configured transport
func Serve(lc fx.Lifecycle, shutdowner fx.Shutdowner, cfg *config.Config, logger *zap.Logger, srv *mcpserver.MCPServer) {
	lc.Append(fx.Hook{
		OnStart: func(context.Context) error {
			go func() {
				var err error
				switch cfg.Server.Transport {
				case "http":
					err = srv.ServeHTTP()
				default:
					err = srv.ServeStdio()
				}
				if err != nil && !errors.Is(err, http.ErrServerClosed) {
					logger.Error("MCP server stopped", zap.Error(err))
					_ = shutdowner.Shutdown(fx.ExitCode(1))
					return
				}
				_ = shutdowner.Shutdown()
			}()
			return nil
		},
		OnStop: func(ctx context.Context) error {
			return srv.Shutdown(ctx)
		},
	})
}
