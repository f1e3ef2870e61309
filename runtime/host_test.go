package runtime

import (
	"context"
	"iter"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/isdmx/scriptbox/errdefs"
	"github.com/isdmx/scriptbox/layout"
	"github.com/isdmx/scriptbox/project"
)

type shellCall struct {
	env map[string]string
	cmd []string
}

// recordingShell implements shell.Shell and records every command
type recordingShell struct {
	calls  []shellCall
	output string
	onRun  func(cmd []string)
}

func (r *recordingShell) Run(_ context.Context, env map[string]string, cmd ...string) (string, error) {
	r.calls = append(r.calls, shellCall{env: env, cmd: cmd})
	if r.onRun != nil {
		r.onRun(cmd)
	}
	return r.output, nil
}

func (r *recordingShell) Stream(_ context.Context, env map[string]string, cmd ...string) iter.Seq2[string, error] {
	return func(yield func(string, error) bool) {
		r.calls = append(r.calls, shellCall{env: env, cmd: cmd})
		for _, line := range strings.Split(r.output, "\n") {
			if !yield(line, nil) {
				return
			}
		}
	}
}

func newHostFixture(t *testing.T) (*HostRuntime, *recordingShell, layout.Layout) {
	t.Helper()
	l := layout.Layout{Root: t.TempDir()}
	require.NoError(t, l.Ensure())
	sh := &recordingShell{output: "done"}
	resolver := &fakeResolver{requirements: []string{"requests==2.0.0"}}
	return NewHost(zaptest.NewLogger(t), fakeProjects{layout: l}, sh, resolver, withGOOS("linux")), sh, l
}

func TestHostRunProject(t *testing.T) {
	ctx := context.Background()

	t.Run("UsesProjectInterpreter", func(t *testing.T) {
		rt, sh, l := newHostFixture(t)
		dir := l.ProjectDir("report")
		python := filepath.Join(dir, ".venv", "bin", "python")
		require.NoError(t, os.MkdirAll(filepath.Dir(python), 0o755))
		require.NoError(t, os.WriteFile(python, nil, 0o755))

		output, err := rt.RunProject(ctx, "report", []string{"--month", "5"}, map[string]string{"TOKEN": "x"})
		require.NoError(t, err)
		assert.Equal(t, "done", output)

		require.Len(t, sh.calls, 1)
		assert.Equal(t, []string{python, filepath.Join(dir, "main.py"), "--month", "5"}, sh.calls[0].cmd)
		assert.Equal(t, map[string]string{"TOKEN": "x"}, sh.calls[0].env)
	})

	t.Run("SyncsMissingEnvironment", func(t *testing.T) {
		rt, sh, l := newHostFixture(t)
		dir := l.ProjectDir("report")
		require.NoError(t, os.MkdirAll(dir, 0o755))

		_, err := rt.RunProject(ctx, "report", nil, nil)
		require.NoError(t, err)

		require.Len(t, sh.calls, 2)
		assert.Equal(t, []string{"uv", "sync", "--directory", dir}, sh.calls[0].cmd)
		assert.Equal(t, filepath.Join(dir, ".venv", "bin", "python"), sh.calls[1].cmd[0])
	})

	t.Run("WindowsInterpreter", func(t *testing.T) {
		l := layout.Layout{Root: t.TempDir()}
		require.NoError(t, os.MkdirAll(l.ProjectDir("report"), 0o755))
		sh := &recordingShell{}
		rt := NewHost(zaptest.NewLogger(t), fakeProjects{layout: l}, sh, &fakeResolver{}, withGOOS("windows"))

		_, err := rt.RunProject(ctx, "report", nil, nil)
		require.NoError(t, err)
		assert.Equal(t, filepath.Join(l.ProjectDir("report"), ".venv", "Scripts", "python.exe"), sh.calls[len(sh.calls)-1].cmd[0])
	})

	t.Run("MissingProject", func(t *testing.T) {
		rt, sh, _ := newHostFixture(t)

		_, err := rt.RunProject(ctx, "ghost", nil, nil)
		require.Error(t, err)
		assert.True(t, errdefs.IsNotFound(err))
		assert.Contains(t, err.Error(), "ghost")
		assert.Empty(t, sh.calls)
	})

	t.Run("Stream", func(t *testing.T) {
		rt, sh, l := newHostFixture(t)
		require.NoError(t, os.MkdirAll(l.ProjectDir("report"), 0o755))
		sh.output = "line1\nline2"

		var lines []string
		for line, err := range rt.StreamProject(ctx, "report", nil, nil) {
			require.NoError(t, err)
			lines = append(lines, line)
		}
		assert.Equal(t, []string{"line1", "line2"}, lines)
	})

	t.Run("StreamMissingProject", func(t *testing.T) {
		rt, _, _ := newHostFixture(t)

		for _, err := range rt.StreamProject(ctx, "ghost", nil, nil) {
			assert.True(t, errdefs.IsNotFound(err))
		}
	})
}

func TestHostRunScript(t *testing.T) {
	ctx := context.Background()

	t.Run("AutoRequirements", func(t *testing.T) {
		rt, sh, _ := newHostFixture(t)
		script := filepath.Join(t.TempDir(), "job.py")
		require.NoError(t, os.WriteFile(script, []byte("import requests\n"), 0o644))

		_, err := rt.RunScript(ctx, ScriptRequest{
			Script:       project.Script{Path: script},
			Args:         []string{"-v"},
			Env:          map[string]string{"A": "1"},
			Requirements: project.Requirements{Auto: true},
		})
		require.NoError(t, err)

		require.Len(t, sh.calls, 1)
		assert.Equal(t, []string{"uv", "run", "--no-project", "--quiet", "--with", "requests==2.0.0", script, "-v"}, sh.calls[0].cmd)
		assert.Equal(t, map[string]string{"A": "1", "VIRTUAL_ENV": ""}, sh.calls[0].env)
	})

	t.Run("InlineContentRemovedAfterRun", func(t *testing.T) {
		rt, sh, _ := newHostFixture(t)
		var seen string
		sh.onRun = func(cmd []string) {
			seen = cmd[len(cmd)-1]
			assert.FileExists(t, seen)
		}

		_, err := rt.RunScript(ctx, ScriptRequest{Script: project.Script{Content: []byte("print(1)"), Name: "inline.py"}})
		require.NoError(t, err)
		assert.Equal(t, "inline.py", filepath.Base(seen))
		assert.NoFileExists(t, seen)
	})

	t.Run("MissingScript", func(t *testing.T) {
		rt, sh, _ := newHostFixture(t)

		_, err := rt.RunScript(ctx, ScriptRequest{Script: project.Script{Path: filepath.Join(t.TempDir(), "none.py")}})
		assert.True(t, errdefs.IsNotFound(err))
		assert.Empty(t, sh.calls)
	})
}
