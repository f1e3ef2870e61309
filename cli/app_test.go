package cli

import (
	"bytes"
	"context"
	"errors"
	"iter"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/fx"

	"github.com/isdmx/scriptbox/config"
	"github.com/isdmx/scriptbox/deps"
	"github.com/isdmx/scriptbox/errdefs"
	"github.com/isdmx/scriptbox/project"
	"github.com/isdmx/scriptbox/runtime"
)

type fakeRuntime struct {
	output  string
	lines   []string
	err     error
	scripts []runtime.ScriptRequest
	streams []string
	args    []string
	env     map[string]string
	closed  bool
}

func (f *fakeRuntime) RunProject(context.Context, string, []string, map[string]string) (string, error) {
	return f.output, f.err
}

func (f *fakeRuntime) StreamProject(_ context.Context, id string, args []string, env map[string]string) iter.Seq2[string, error] {
	f.streams = append(f.streams, id)
	f.args = args
	f.env = env
	return func(yield func(string, error) bool) {
		for _, line := range f.lines {
			if !yield(line, nil) {
				return
			}
		}
		if f.err != nil {
			yield("", f.err)
		}
	}
}

func (f *fakeRuntime) RunScript(_ context.Context, req runtime.ScriptRequest) (string, error) { //nolint:gocritic // interface signature
	f.scripts = append(f.scripts, req)
	return f.output, f.err
}

func (f *fakeRuntime) Close(context.Context) error {
	f.closed = true
	return nil
}

type fakeProjects struct {
	ids     []string
	created []project.CreateRequest
	removed []string
	err     error
}

func (f *fakeProjects) Create(_ context.Context, req project.CreateRequest) (*project.Project, error) { //nolint:gocritic // interface signature
	f.created = append(f.created, req)
	if f.err != nil {
		return nil, f.err
	}
	return &project.Project{
		ID:           req.ID,
		Dir:          "/runtime/projects/" + req.ID,
		EntryPoint:   project.EntryPoint,
		Dependencies: req.Requirements.List,
	}, nil
}

func (f *fakeProjects) Exists(id string) bool {
	for _, existing := range f.ids {
		if existing == id {
			return true
		}
	}
	return false
}

func (f *fakeProjects) List() ([]string, error) { return f.ids, f.err }

func (f *fakeProjects) Remove(id string) error {
	f.removed = append(f.removed, id)
	return f.err
}

type fakeResolver struct {
	requirements []string
	paths        []string
}

func (f *fakeResolver) ResolveScript(_ context.Context, path string, _ map[string]deps.Dependency) ([]string, error) {
	f.paths = append(f.paths, path)
	return f.requirements, nil
}

type fixture struct {
	runtime   *fakeRuntime
	projects  *fakeProjects
	resolver  *fakeResolver
	overrides map[string]deps.Dependency
	config    *config.Config
	stdout    bytes.Buffer
	stderr    bytes.Buffer
	app       *App
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		runtime:   &fakeRuntime{},
		projects:  &fakeProjects{},
		resolver:  &fakeResolver{},
		overrides: map[string]deps.Dependency{"yaml": {PackageName: "pyyaml"}},
	}
	f.app = New().WithOutput(&f.stdout, &f.stderr).WithModules(
		fx.Provide(
			func(cfg *config.Config) runtime.Runtime {
				f.config = cfg
				return f.runtime
			},
			func() Projects { return f.projects },
			func() project.RequirementsResolver { return f.resolver },
			func() map[string]deps.Dependency { return f.overrides },
		),
	)
	return f
}

func (f *fixture) run(t *testing.T, args ...string) error {
	t.Helper()
	configPath := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(configPath, []byte("logging:\n  level: error\n"), 0644))
	return f.app.ExecuteWithArgs(context.Background(), append([]string{"-c", configPath}, args...))
}

func writeScript(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "job.py")
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
	return path
}

func TestApp_Version(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.app.ExecuteWithArgs(context.Background(), []string{"version"}))
	assert.Contains(t, f.stdout.String(), "scriptbox version")
}

func TestApp_Help(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.app.ExecuteWithArgs(context.Background(), []string{"--help"}))

	output := f.stdout.String()
	for _, name := range []string{"create", "exists", "list", "remove", "run", "run-project", "requirements"} {
		assert.Contains(t, output, name)
	}
}

func TestApp_Projects(t *testing.T) {
	t.Run("ListEmpty", func(t *testing.T) {
		f := newFixture(t)
		require.NoError(t, f.run(t, "list"))
		assert.Equal(t, "No projects.\n", f.stdout.String())
	})

	t.Run("List", func(t *testing.T) {
		f := newFixture(t)
		f.projects.ids = []string{"nightly", "report"}
		require.NoError(t, f.run(t, "list"))
		assert.Equal(t, "nightly\nreport\n", f.stdout.String())
	})

	t.Run("Exists", func(t *testing.T) {
		f := newFixture(t)
		f.projects.ids = []string{"report"}
		require.NoError(t, f.run(t, "exists", "report"))
		require.NoError(t, f.run(t, "exists", "other"))
		assert.Equal(t, "true\nfalse\n", f.stdout.String())
	})

	t.Run("Remove", func(t *testing.T) {
		f := newFixture(t)
		require.NoError(t, f.run(t, "remove", "report"))
		assert.Equal(t, []string{"report"}, f.projects.removed)
		assert.Contains(t, f.stdout.String(), "Removed project report")
	})

	t.Run("CreateFromPath", func(t *testing.T) {
		f := newFixture(t)
		path := writeScript(t, "import requests\n")

		require.NoError(t, f.run(t, "create", path, "--id", "report", "-r", "requests==2.31.0", "-r", "rich==13.7.1", "--force"))

		require.Len(t, f.projects.created, 1)
		req := f.projects.created[0]
		assert.Equal(t, project.Script{Path: path}, req.Script)
		assert.Equal(t, "report", req.ID)
		assert.True(t, req.Force)
		assert.Equal(t, []string{"requests==2.31.0", "rich==13.7.1"}, req.Requirements.List)
		assert.Equal(t, "pyyaml", req.Overrides["yaml"].PackageName)

		output := f.stdout.String()
		assert.Contains(t, output, "Created project report at /runtime/projects/report")
		assert.Contains(t, output, "  rich==13.7.1")
	})

	t.Run("CreateFromStdinAsJSON", func(t *testing.T) {
		f := newFixture(t)
		f.app.root.SetIn(strings.NewReader("print('hi')\n"))

		require.NoError(t, f.run(t, "create", "-", "--name", "hello.py", "--id", "hello", "--auto", "--json"))

		require.Len(t, f.projects.created, 1)
		req := f.projects.created[0]
		assert.Equal(t, []byte("print('hi')\n"), req.Script.Content)
		assert.Equal(t, "hello.py", req.Script.Name)
		assert.True(t, req.Requirements.Auto)
		assert.JSONEq(t, `{"id":"hello","dir":"/runtime/projects/hello","entry_point":"main.py"}`, f.stdout.String())
	})

	t.Run("CreateFailure", func(t *testing.T) {
		f := newFixture(t)
		f.projects.err = errdefs.AlreadyExists("project %q", "report")

		err := f.run(t, "create", writeScript(t, ""), "--id", "report")
		require.Error(t, err)
		assert.True(t, errdefs.IsAlreadyExists(err))
	})
}

func TestApp_Run(t *testing.T) {
	t.Run("ScriptWithArgs", func(t *testing.T) {
		f := newFixture(t)
		f.runtime.output = "42"
		path := writeScript(t, "print(42)\n")

		require.NoError(t, f.run(t, "run", "-e", "MODE=batch", "--auto", path, "--limit", "10"))

		require.Len(t, f.runtime.scripts, 1)
		req := f.runtime.scripts[0]
		assert.Equal(t, path, req.Script.Path)
		assert.Equal(t, []string{"--limit", "10"}, req.Args)
		assert.Equal(t, map[string]string{"MODE": "batch"}, req.Env)
		assert.True(t, req.Requirements.Auto)
		assert.Equal(t, "42\n", f.stdout.String())
		assert.True(t, f.runtime.closed)
	})

	t.Run("EmptyOutput", func(t *testing.T) {
		f := newFixture(t)
		require.NoError(t, f.run(t, "run", writeScript(t, "pass\n")))
		assert.Empty(t, f.stdout.String())
	})

	t.Run("Failure", func(t *testing.T) {
		f := newFixture(t)
		f.runtime.err = &errdefs.ExecutionError{Command: []string{"uv", "run"}, ExitCode: 1, Output: "boom"}

		err := f.run(t, "run", writeScript(t, "raise SystemExit(1)\n"))
		require.Error(t, err)
		assert.True(t, errdefs.IsExecution(err))
	})

	t.Run("GlobalFlagsOverrideConfig", func(t *testing.T) {
		f := newFixture(t)
		root := t.TempDir()

		require.NoError(t, f.run(t, "--root", root, "--isolate", "--strict", "--python-tag", "3.11-slim",
			"run", writeScript(t, "pass\n")))

		require.NotNil(t, f.config)
		assert.Equal(t, root, f.config.Runtime.Root)
		assert.True(t, f.config.Runtime.Isolate)
		assert.True(t, f.config.Runtime.Strict)
		assert.Equal(t, "3.11-slim", f.config.Runtime.PythonTag)
	})
}

func TestApp_RunProject(t *testing.T) {
	t.Run("Streams", func(t *testing.T) {
		f := newFixture(t)
		f.runtime.lines = []string{"step 1", "step 2"}

		require.NoError(t, f.run(t, "run-project", "-e", "LOG=debug", "report", "--since", "2024-01-01"))

		assert.Equal(t, "step 1\nstep 2\n", f.stdout.String())
		assert.Equal(t, []string{"report"}, f.runtime.streams)
		assert.Equal(t, []string{"--since", "2024-01-01"}, f.runtime.args)
		assert.Equal(t, map[string]string{"LOG": "debug"}, f.runtime.env)
	})

	t.Run("FailureAfterOutput", func(t *testing.T) {
		f := newFixture(t)
		f.runtime.lines = []string{"partial"}
		f.runtime.err = errors.New("container stopped")

		err := f.run(t, "run-project", "report")
		require.Error(t, err)
		assert.Equal(t, "partial\n", f.stdout.String())
	})

	t.Run("RequiresID", func(t *testing.T) {
		f := newFixture(t)
		require.Error(t, f.run(t, "run-project"))
		assert.Empty(t, f.runtime.streams)
	})
}

func TestApp_Requirements(t *testing.T) {
	t.Run("Path", func(t *testing.T) {
		f := newFixture(t)
		f.resolver.requirements = []string{"numpy==2.0.0", "requests==2.31.0"}
		path := writeScript(t, "import numpy\nimport requests\n")

		require.NoError(t, f.run(t, "requirements", path))

		assert.Equal(t, "numpy==2.0.0\nrequests==2.31.0\n", f.stdout.String())
		require.Len(t, f.resolver.paths, 1)
		assert.Equal(t, path, f.resolver.paths[0])
	})

	t.Run("StdinIsCleanedUp", func(t *testing.T) {
		f := newFixture(t)
		f.app.root.SetIn(strings.NewReader("import rich\n"))

		require.NoError(t, f.run(t, "requirements", "-"))

		require.Len(t, f.resolver.paths, 1)
		assert.Equal(t, "script.py", filepath.Base(f.resolver.paths[0]))
		assert.NoFileExists(t, f.resolver.paths[0])
	})

	t.Run("MissingScript", func(t *testing.T) {
		f := newFixture(t)
		err := f.run(t, "requirements", filepath.Join(t.TempDir(), "absent.py"))
		require.Error(t, err)
		assert.True(t, errdefs.IsNotFound(err))
	})
}
