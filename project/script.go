package project

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/isdmx/scriptbox/deps"
	"github.com/isdmx/scriptbox/errdefs"
)

// defaultScriptName names in-memory scripts that were given no name
const defaultScriptName = "script.py"

// Script is a Python script given either as a file path or as content
type Script struct {
	Path    string
	Content []byte
	Name    string // file name used for Content
}

// Stem returns the script file name without extension
func (s Script) Stem() string {
	name := s.Name
	if s.Path != "" {
		name = filepath.Base(s.Path)
	}
	if name == "" {
		name = defaultScriptName
	}
	return strings.TrimSuffix(name, filepath.Ext(name))
}

// Requirements selects the dependencies installed for a script. Auto
// derives them from the script's imports, otherwise List is used as given.
type Requirements struct {
	List []string
	Auto bool
}

// RequirementsResolver derives pinned requirements from a script file
type RequirementsResolver interface {
	ResolveScript(ctx context.Context, path string, overrides map[string]deps.Dependency) ([]string, error)
}

// PreparedScript is a script on disk together with its resolved requirements
type PreparedScript struct {
	Path         string
	Requirements []string
	tempDir      string
}

// Name returns the base name of the script file
func (p *PreparedScript) Name() string {
	return filepath.Base(p.Path)
}

// Cleanup removes the temporary copy of an in-memory script
func (p *PreparedScript) Cleanup() error {
	if p.tempDir == "" {
		return nil
	}
	return os.RemoveAll(p.tempDir)
}

// PrepareScript places the script on disk and resolves its requirements.
// A path must name an existing file. Content is written to a temporary
// directory that Cleanup removes.
func PrepareScript(ctx context.Context, resolver RequirementsResolver, script Script, reqs Requirements, overrides map[string]deps.Dependency) (*PreparedScript, error) {
	prepared := &PreparedScript{}

	switch {
	case script.Path != "":
		info, err := os.Stat(script.Path)
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return nil, errdefs.NotFound("script %q", script.Path)
			}
			return nil, err
		}
		if info.IsDir() {
			return nil, errdefs.NotFound("script %q", script.Path)
		}
		abs, err := filepath.Abs(script.Path)
		if err != nil {
			return nil, err
		}
		prepared.Path = abs
	case script.Content != nil:
		name := filepath.Base(script.Name)
		if script.Name == "" {
			name = defaultScriptName
		}
		if filepath.Ext(name) != ".py" {
			name += ".py"
		}

		dir, err := os.MkdirTemp("", "scriptbox-")
		if err != nil {
			return nil, fmt.Errorf("failed to create temporary directory: %w", err)
		}
		prepared.tempDir = dir
		prepared.Path = filepath.Join(dir, name)
		if err := os.WriteFile(prepared.Path, script.Content, 0o644); err != nil {
			_ = prepared.Cleanup()
			return nil, fmt.Errorf("failed to write script: %w", err)
		}
	default:
		return nil, errdefs.Validation("script path or content is required")
	}

	if reqs.Auto {
		requirements, err := resolver.ResolveScript(ctx, prepared.Path, overrides)
		if err != nil {
			_ = prepared.Cleanup()
			return nil, err
		}
		prepared.Requirements = requirements
	} else {
		prepared.Requirements = reqs.List
	}

	return prepared, nil
}
