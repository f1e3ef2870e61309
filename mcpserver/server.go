package mcpserver

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"maps"
	"strings"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
	"go.uber.org/zap"

	"github.com/isdmx/scriptbox/config"
	"github.com/isdmx/scriptbox/deps"
	"github.com/isdmx/scriptbox/project"
	"github.com/isdmx/scriptbox/runtime"
)

// ProjectManager creates and inspects materialized projects.
// *project.Materializer satisfies it.
type ProjectManager interface {
	Create(ctx context.Context, req project.CreateRequest) (*project.Project, error)
	Exists(id string) bool
	List() ([]string, error)
	Remove(id string) error
}

// RequirementsGenerator pins the packages needed by a set of imported modules.
// *deps.Resolver satisfies it.
type RequirementsGenerator interface {
	GenerateRequirements(ctx context.Context, modules []string, overrides map[string]deps.Dependency) ([]string, error)
}

// MCPServer represents the MCP server
type MCPServer struct {
	config     *config.Config
	logger     *zap.Logger
	runtime    runtime.Runtime
	projects   ProjectManager
	resolver   RequirementsGenerator
	overrides  map[string]deps.Dependency
	mcpServer  *server.MCPServer
	httpServer *server.StreamableHTTPServer
}

// scriptArgs are the arguments shared by tools that accept a script
type scriptArgs struct {
	Path             string                     `json:"path"`
	Content          string                     `json:"content"`
	Name             string                     `json:"name"`
	Requirements     []string                   `json:"requirements"`
	AutoRequirements bool                       `json:"auto_requirements"`
	Overrides        map[string]deps.Dependency `json:"overrides"`
}

type runScriptArgs struct {
	scriptArgs
	Args []string          `json:"args"`
	Env  map[string]string `json:"env"`
}

type createProjectArgs struct {
	scriptArgs
	ID    string `json:"id"`
	Force bool   `json:"force"`
}

type runProjectArgs struct {
	ID     string            `json:"id"`
	Args   []string          `json:"args"`
	Env    map[string]string `json:"env"`
	Stream bool              `json:"stream"`
}

// New creates a new MCPServer. overrides are the configured dependency
// overrides; per-call overrides take precedence over them.
func New(cfg *config.Config, logger *zap.Logger, rt runtime.Runtime, projects ProjectManager,
	resolver RequirementsGenerator, overrides map[string]deps.Dependency) (*MCPServer, error) {
	s := &MCPServer{
		config:    cfg,
		logger:    logger,
		runtime:   rt,
		projects:  projects,
		resolver:  resolver,
		overrides: overrides,
	}

	logger.Info("configuration loaded",
		zap.String("server.transport", cfg.Server.Transport),
		zap.Int("server.http_port", cfg.Server.HTTPPort),
		zap.String("runtime.root", cfg.Runtime.Root),
		zap.Bool("runtime.isolate", cfg.Runtime.Isolate),
		zap.String("runtime.python_tag", cfg.Runtime.PythonTag),
		zap.Bool("runtime.strict", cfg.Runtime.Strict),
		zap.String("resolver.registry_url", cfg.Resolver.RegistryURL),
		zap.Int("resolver.overrides", len(overrides)),
	)

	s.mcpServer = server.NewMCPServer("scriptbox", "0.1.0",
		server.WithToolCapabilities(false),
		server.WithLogging(),
		server.WithRecovery(),
	)
	s.registerTools()
	s.httpServer = server.NewStreamableHTTPServer(s.mcpServer)

	return s, nil
}

func scriptProperties() []mcp.ToolOption {
	return []mcp.ToolOption{
		mcp.WithString("path", mcp.Description("Path of a Python script on the server")),
		mcp.WithString("content", mcp.Description("Python source, used when path is empty")),
		mcp.WithString("name", mcp.Description("File name for content, defaults to script.py")),
		mcp.WithArray("requirements", mcp.WithStringItems(), mcp.Description("Explicit requirement lines")),
		mcp.WithBoolean("auto_requirements", mcp.Description("Resolve requirements from the script imports")),
		mcp.WithObject("overrides", mcp.Description("Per-module dependency overrides: {module: {package_name, specifiers: [{op, version}]}}")),
	}
}

func (s *MCPServer) registerTools() {
	runScript := mcp.NewTool("run_script", append([]mcp.ToolOption{
		mcp.WithDescription("Run an ad-hoc Python script in an on-demand environment"),
		mcp.WithArray("args", mcp.WithStringItems(), mcp.Description("Script arguments")),
		mcp.WithObject("env", mcp.Description("Extra environment variables")),
	}, scriptProperties()...)...)
	s.mcpServer.AddTool(runScript, s.handleRunScript)

	createProject := mcp.NewTool("create_project", append([]mcp.ToolOption{
		mcp.WithDescription("Materialize a script into a reusable project with pinned dependencies"),
		mcp.WithString("id", mcp.Description("Project identifier, defaults to the script name")),
		mcp.WithBoolean("force", mcp.Description("Replace an existing project")),
		mcp.WithDestructiveHintAnnotation(true),
	}, scriptProperties()...)...)
	s.mcpServer.AddTool(createProject, s.handleCreateProject)

	s.mcpServer.AddTool(mcp.NewTool("run_project",
		mcp.WithDescription("Run the entry point of a materialized project"),
		mcp.WithString("id", mcp.Required(), mcp.Description("Project identifier")),
		mcp.WithArray("args", mcp.WithStringItems(), mcp.Description("Script arguments")),
		mcp.WithObject("env", mcp.Description("Extra environment variables")),
		mcp.WithBoolean("stream", mcp.Description("Forward output lines as log notifications while running")),
	), s.handleRunProject)

	s.mcpServer.AddTool(mcp.NewTool("project_exists",
		mcp.WithDescription("Report whether a project has been materialized"),
		mcp.WithString("id", mcp.Required(), mcp.Description("Project identifier")),
		mcp.WithReadOnlyHintAnnotation(true),
	), s.handleProjectExists)

	s.mcpServer.AddTool(mcp.NewTool("list_projects",
		mcp.WithDescription("List materialized projects"),
		mcp.WithReadOnlyHintAnnotation(true),
	), s.handleListProjects)

	s.mcpServer.AddTool(mcp.NewTool("remove_project",
		mcp.WithDescription("Delete a project and its cached environments"),
		mcp.WithString("id", mcp.Required(), mcp.Description("Project identifier")),
		mcp.WithDestructiveHintAnnotation(true),
	), s.handleRemoveProject)

	s.mcpServer.AddTool(mcp.NewTool("resolve_requirements",
		mcp.WithDescription("Derive pinned requirements from the imports of a Python script"),
		mcp.WithString("path", mcp.Description("Path of a Python script on the server")),
		mcp.WithString("content", mcp.Description("Python source, used when path is empty")),
		mcp.WithObject("overrides", mcp.Description("Per-module dependency overrides")),
		mcp.WithReadOnlyHintAnnotation(true),
	), s.handleResolveRequirements)
}

func (s *MCPServer) handleRunScript(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	var args runScriptArgs
	if err := request.BindArguments(&args); err != nil {
		return mcp.NewToolResultErrorf("invalid arguments: %v", err), nil
	}

	s.logger.Info("script execution requested",
		zap.String("path", args.Path),
		zap.Int("content_len", len(args.Content)),
		zap.Bool("auto_requirements", args.AutoRequirements))

	output, err := s.runtime.RunScript(ctx, runtime.ScriptRequest{
		Script:       args.script(),
		Args:         args.Args,
		Env:          args.Env,
		Requirements: args.requirements(),
		Overrides:    s.mergeOverrides(args.Overrides),
	})
	if err != nil {
		return s.failure("script execution failed", err), nil
	}

	s.logger.Info("script execution completed", zap.Int("output_len", len(output)))
	return mcp.NewToolResultText(output), nil
}

func (s *MCPServer) handleCreateProject(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	var args createProjectArgs
	if err := request.BindArguments(&args); err != nil {
		return mcp.NewToolResultErrorf("invalid arguments: %v", err), nil
	}

	proj, err := s.projects.Create(ctx, project.CreateRequest{
		Script:       args.script(),
		ID:           args.ID,
		Requirements: args.requirements(),
		Overrides:    s.mergeOverrides(args.Overrides),
		Force:        args.Force,
	})
	if err != nil {
		return s.failure("project creation failed", err, zap.String("id", args.ID)), nil
	}

	s.logger.Info("project created", zap.String("id", proj.ID), zap.Strings("dependencies", proj.Dependencies))
	return jsonResult(proj)
}

func (s *MCPServer) handleRunProject(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	var args runProjectArgs
	if err := request.BindArguments(&args); err != nil {
		return mcp.NewToolResultErrorf("invalid arguments: %v", err), nil
	}
	if args.ID == "" {
		return mcp.NewToolResultError("id parameter is required"), nil
	}

	s.logger.Info("project execution requested", zap.String("id", args.ID), zap.Bool("stream", args.Stream))

	if !args.Stream {
		output, err := s.runtime.RunProject(ctx, args.ID, args.Args, args.Env)
		if err != nil {
			return s.failure("project execution failed", err, zap.String("id", args.ID)), nil
		}
		return mcp.NewToolResultText(output), nil
	}

	var lines []string
	for line, err := range s.runtime.StreamProject(ctx, args.ID, args.Args, args.Env) {
		if err != nil {
			return s.failure("project execution failed", err, zap.String("id", args.ID)), nil
		}
		lines = append(lines, line)
		s.notifyLine(ctx, args.ID, line)
	}
	return mcp.NewToolResultText(strings.Join(lines, "\n")), nil
}

func (s *MCPServer) handleProjectExists(_ context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id, err := request.RequireString("id")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	return mcp.NewToolResultText(fmt.Sprintf("%t", s.projects.Exists(id))), nil
}

func (s *MCPServer) handleListProjects(_ context.Context, _ mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	ids, err := s.projects.List()
	if err != nil {
		return s.failure("listing projects failed", err), nil
	}
	return jsonResult(ids)
}

func (s *MCPServer) handleRemoveProject(_ context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id, err := request.RequireString("id")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	if err := s.projects.Remove(id); err != nil {
		return s.failure("project removal failed", err, zap.String("id", id)), nil
	}
	s.logger.Info("project removed", zap.String("id", id))
	return mcp.NewToolResultText("removed " + id), nil
}

func (s *MCPServer) handleResolveRequirements(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	var args scriptArgs
	if err := request.BindArguments(&args); err != nil {
		return mcp.NewToolResultErrorf("invalid arguments: %v", err), nil
	}

	var modules []string
	switch {
	case args.Path != "":
		var err error
		if modules, err = deps.ExtractModuleNamesFromFile(args.Path); err != nil {
			return s.failure("import extraction failed", err, zap.String("path", args.Path)), nil
		}
	case args.Content != "":
		modules = deps.ExtractModuleNames([]byte(args.Content))
	default:
		return mcp.NewToolResultError("either path or content is required"), nil
	}

	requirements, err := s.resolver.GenerateRequirements(ctx, modules, s.mergeOverrides(args.Overrides))
	if err != nil {
		return s.failure("requirement resolution failed", err, zap.Strings("modules", modules)), nil
	}
	return mcp.NewToolResultText(strings.Join(requirements, "\n")), nil
}

// notifyLine forwards a streamed output line to the calling client. Clients
// without an initialized session only get the final result.
func (s *MCPServer) notifyLine(ctx context.Context, id, line string) {
	err := s.mcpServer.SendNotificationToClient(ctx, "notifications/message", map[string]any{
		"level":  "info",
		"logger": "run_project/" + id,
		"data":   line,
	})
	if err != nil && !errors.Is(err, server.ErrNotificationNotInitialized) {
		s.logger.Debug("failed to forward output line", zap.String("id", id), zap.Error(err))
	}
}

func (s *MCPServer) failure(msg string, err error, fields ...zap.Field) *mcp.CallToolResult {
	s.logger.Error(msg, append(fields, zap.Error(err))...)
	return mcp.NewToolResultError(fmt.Sprintf("%s: %v", msg, err))
}

func (s *MCPServer) mergeOverrides(request map[string]deps.Dependency) map[string]deps.Dependency {
	if len(request) == 0 {
		return s.overrides
	}
	merged := make(map[string]deps.Dependency, len(s.overrides)+len(request))
	maps.Copy(merged, s.overrides)
	maps.Copy(merged, request)
	return merged
}

func (a scriptArgs) script() project.Script {
	if a.Path != "" {
		return project.Script{Path: a.Path}
	}
	if a.Content == "" {
		return project.Script{Name: a.Name}
	}
	return project.Script{Content: []byte(a.Content), Name: a.Name}
}

func (a scriptArgs) requirements() project.Requirements {
	return project.Requirements{List: a.Requirements, Auto: a.AutoRequirements}
}

func jsonResult(v any) (*mcp.CallToolResult, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("failed to encode result: %w", err)
	}
	return mcp.NewToolResultText(string(data)), nil
}

// ServeStdio starts the server on stdio
func (s *MCPServer) ServeStdio() error {
	s.logger.Info("starting MCP server on stdio")
	return server.ServeStdio(s.mcpServer)
}

// ServeHTTP starts the server on HTTP. It blocks until Shutdown is called.
func (s *MCPServer) ServeHTTP() error {
	addr := s.config.Addr()
	s.logger.Info("starting MCP server on HTTP", zap.String("addr", addr))
	return s.httpServer.Start(addr)
}

// Shutdown stops the HTTP transport if it was started
func (s *MCPServer) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

// GetMCPServer returns the underlying MCP server for fx
func (s *MCPServer) GetMCPServer() *server.MCPServer {
	return s.mcpServer
}
