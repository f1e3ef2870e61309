// Package layout describes the on-disk runtime root shared by the project
// materializer and the execution runtimes:
//
//	<root>/projects/<id>/               materialized projects
//	<root>/venvs-volume/<major.minor>/  cached isolated environments
package layout

import (
	"fmt"
	"os"
	"path/filepath"
)

// RootEnv overrides the default runtime root
const RootEnv = "SCRIPTBOX_RUNTIME_ROOT"

// DirPermission is used for every directory created under the root
const DirPermission = 0o755

// Layout resolves paths under a runtime root
type Layout struct {
	Root string
}

// New returns a Layout rooted at root. An empty root falls back to
// $SCRIPTBOX_RUNTIME_ROOT and then to ~/.scriptbox/runtime.
func New(root string) (Layout, error) {
	if root == "" {
		root = os.Getenv(RootEnv)
	}
	if root == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return Layout{}, fmt.Errorf("failed to resolve home directory: %w", err)
		}
		root = filepath.Join(home, ".scriptbox", "runtime")
	}

	abs, err := filepath.Abs(root)
	if err != nil {
		return Layout{}, fmt.Errorf("failed to resolve runtime root %q: %w", root, err)
	}
	return Layout{Root: abs}, nil
}

// ProjectsDir holds one directory per project
func (l Layout) ProjectsDir() string {
	return filepath.Join(l.Root, "projects")
}

// ProjectDir is the directory of project id
func (l Layout) ProjectDir(id string) string {
	return filepath.Join(l.ProjectsDir(), id)
}

// VenvsVolumeDir holds the per-version environment caches
func (l Layout) VenvsVolumeDir() string {
	return filepath.Join(l.Root, "venvs-volume")
}

// VenvsDir holds the cached environments for one interpreter version
func (l Layout) VenvsDir(pythonVersion string) string {
	return filepath.Join(l.VenvsVolumeDir(), pythonVersion)
}

// Ensure creates the root, projects and venvs-volume directories. It is
// safe to call repeatedly.
func (l Layout) Ensure() error {
	for _, dir := range []string{l.Root, l.ProjectsDir(), l.VenvsVolumeDir()} {
		if err := os.MkdirAll(dir, DirPermission); err != nil {
			return fmt.Errorf("failed to create %q: %w", dir, err)
		}
	}
	return nil
}

// EnsureVenvsDir creates the environment cache for one interpreter version
func (l Layout) EnsureVenvsDir(pythonVersion string) (string, error) {
	dir := l.VenvsDir(pythonVersion)
	if err := os.MkdirAll(dir, DirPermission); err != nil {
		return "", fmt.Errorf("failed to create %q: %w", dir, err)
	}
	return dir, nil
}
