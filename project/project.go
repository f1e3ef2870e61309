// Package project materializes Python scripts into reusable projects.
//
// A project is a uv-managed directory under the runtime's projects root
// holding the script as main.py, a pyproject.toml recording its dependencies
// and, when dependencies were requested, a flat pinned requirements.txt that
// the isolated runtime installs without uv's project machinery.
//
// Usage:
//
//	m := project.NewMaterializer(logger, l, hostShell, resolver)
//	p, err := m.Create(ctx, project.CreateRequest{
//	    Script:       project.Script{Path: "report.py"},
//	    Requirements: project.Requirements{Auto: true},
//	})
package project

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strings"

	"github.com/pelletier/go-toml/v2"
	"go.uber.org/zap"

	"github.com/isdmx/scriptbox/deps"
	"github.com/isdmx/scriptbox/errdefs"
	"github.com/isdmx/scriptbox/layout"
	"github.com/isdmx/scriptbox/shell"
)

// Project file names
const (
	EntryPoint   = "main.py"
	ManifestFile = "requirements.txt"
	PyProject    = "pyproject.toml"
)

// placeholders created by `uv init` that are replaced by the entry point
var placeholders = []string{"hello.py", "main.py"}

// Project is a materialized script
type Project struct {
	ID           string   `json:"id"`
	Dir          string   `json:"dir"`
	EntryPoint   string   `json:"entry_point"`
	Manifest     string   `json:"manifest,omitempty"`
	Dependencies []string `json:"dependencies,omitempty"`
}

// CreateRequest describes a project to materialize
type CreateRequest struct {
	Script       Script
	ID           string // defaults to the script's base name
	Requirements Requirements
	Overrides    map[string]deps.Dependency
	Force        bool
}

// Option configures a Materializer
type Option func(*Materializer)

// WithLookPath sets the function used to locate the uv executable
func WithLookPath(lookPath func(string) (string, error)) Option {
	return func(m *Materializer) {
		m.lookPath = lookPath
	}
}

// Materializer creates and manages projects under the projects root
type Materializer struct {
	logger   *zap.Logger
	layout   layout.Layout
	shell    shell.Shell
	resolver RequirementsResolver
	lookPath func(string) (string, error)
}

// NewMaterializer creates a Materializer. sh must run commands in the
// layout's projects directory.
func NewMaterializer(logger *zap.Logger, l layout.Layout, sh shell.Shell, resolver RequirementsResolver, opts ...Option) *Materializer {
	m := &Materializer{
		logger:   logger,
		layout:   l,
		shell:    sh,
		resolver: resolver,
		lookPath: exec.LookPath,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Dir returns the directory of project id
func (m *Materializer) Dir(id string) string {
	return m.layout.ProjectDir(id)
}

// Exists reports whether the project directory is present
func (m *Materializer) Exists(id string) bool {
	if validateID(id) != nil {
		return false
	}
	info, err := os.Stat(m.Dir(id))
	return err == nil && info.IsDir()
}

// Create materializes a script into a project. An existing project with the
// same id is replaced only when Force is set.
func (m *Materializer) Create(ctx context.Context, req CreateRequest) (*Project, error) {
	id := req.ID
	if id == "" {
		id = req.Script.Stem()
	}
	if err := validateID(id); err != nil {
		return nil, err
	}

	if _, err := m.lookPath("uv"); err != nil {
		return nil, errdefs.Environment("uv executable not found")
	}
	if err := m.layout.Ensure(); err != nil {
		return nil, err
	}

	if m.Exists(id) && !req.Force {
		return nil, errdefs.AlreadyExists("project %q (use force to overwrite)", id)
	}

	script, err := PrepareScript(ctx, m.resolver, req.Script, req.Requirements, req.Overrides)
	if err != nil {
		return nil, err
	}
	defer func() {
		if err := script.Cleanup(); err != nil {
			m.logger.Warn("failed to remove temporary script", zap.Error(err))
		}
	}()

	content, err := os.ReadFile(script.Path)
	if err != nil {
		return nil, fmt.Errorf("failed to read script: %w", err)
	}

	dir := m.Dir(id)
	if err := os.RemoveAll(dir); err != nil {
		return nil, fmt.Errorf("failed to remove project %q: %w", id, err)
	}

	logger := m.logger.With(zap.String("project", id))
	logger.Info("creating project")

	if _, err := m.shell.Run(ctx, nil, "uv", "init", "--vcs", "none", "--no-readme", "--no-workspace", "--no-pin-python", id); err != nil {
		return nil, err
	}

	for _, name := range placeholders {
		if err := os.Remove(filepath.Join(dir, name)); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return nil, err
		}
	}
	if err := os.WriteFile(filepath.Join(dir, EntryPoint), content, 0o644); err != nil {
		return nil, fmt.Errorf("failed to write entry point: %w", err)
	}

	if len(script.Requirements) > 0 {
		logger.Info("adding requirements", zap.Strings("requirements", script.Requirements))

		add := append([]string{"uv", "add", "--directory", id}, script.Requirements...)
		if _, err := m.shell.Run(ctx, nil, add...); err != nil {
			return nil, err
		}

		if _, err := m.shell.Run(ctx, nil, "uv", "export", "--directory", id,
			"--no-editable", "--no-emit-project", "--no-header", "--locked",
			"--format", "requirements-txt", "-o", ManifestFile); err != nil {
			return nil, err
		}
	}

	return m.Get(id)
}

type pyProject struct {
	Project struct {
		Name         string   `toml:"name"`
		Dependencies []string `toml:"dependencies"`
	} `toml:"project"`
}

// Get describes an existing project
func (m *Materializer) Get(id string) (*Project, error) {
	if !m.Exists(id) {
		return nil, errdefs.NotFound("project %q", id)
	}

	dir := m.Dir(id)
	p := &Project{
		ID:         id,
		Dir:        dir,
		EntryPoint: filepath.Join(dir, EntryPoint),
	}

	if _, err := os.Stat(filepath.Join(dir, ManifestFile)); err == nil {
		p.Manifest = filepath.Join(dir, ManifestFile)
	}

	data, err := os.ReadFile(filepath.Join(dir, PyProject))
	switch {
	case errors.Is(err, fs.ErrNotExist):
		return p, nil
	case err != nil:
		return nil, err
	}

	var manifest pyProject
	if err := toml.Unmarshal(data, &manifest); err != nil {
		return nil, fmt.Errorf("failed to parse %s of project %q: %w", PyProject, id, err)
	}
	p.Dependencies = manifest.Project.Dependencies

	return p, nil
}

// List returns the ids of all projects in sorted order
func (m *Materializer) List() ([]string, error) {
	entries, err := os.ReadDir(m.layout.ProjectsDir())
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}

	var ids []string
	for _, entry := range entries {
		if entry.IsDir() && !strings.HasPrefix(entry.Name(), ".") {
			ids = append(ids, entry.Name())
		}
	}
	sort.Strings(ids)
	return ids, nil
}

// Remove deletes a project together with its cached isolated environments
func (m *Materializer) Remove(id string) error {
	if !m.Exists(id) {
		return errdefs.NotFound("project %q", id)
	}

	if err := os.RemoveAll(m.Dir(id)); err != nil {
		return fmt.Errorf("failed to remove project %q: %w", id, err)
	}

	versions, err := os.ReadDir(m.layout.VenvsVolumeDir())
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return err
	}

	removed := 0
	for _, version := range versions {
		slot := filepath.Join(m.layout.VenvsDir(version.Name()), id)
		if _, err := os.Stat(slot); err != nil {
			continue
		}
		if err := os.RemoveAll(slot); err != nil {
			return fmt.Errorf("failed to remove cached environment %q: %w", slot, err)
		}
		_ = os.Remove(slot + ".lock")
		removed++
	}

	m.logger.Info("removed project", zap.String("project", id), zap.Int("cached_environments", removed))
	return nil
}

func validateID(id string) error {
	if id == "" || id == "." || id == ".." || strings.ContainsAny(id, `/\`) || strings.HasPrefix(id, ".") {
		return errdefs.Validation("invalid project id %q", id)
	}
	return nil
}
