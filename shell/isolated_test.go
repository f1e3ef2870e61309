package shell

import (
	"context"
	"errors"
	"io"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/isdmx/scriptbox/errdefs"
	"github.com/isdmx/scriptbox/sandbox"
)

// fakeContainer implements sandbox.Container for testing
type fakeContainer struct {
	running   bool
	results   map[string]sandbox.ExecResult
	execs     []sandbox.ExecOptions
	stopCalls int
}

func (f *fakeContainer) ID() string { return "0123456789abcdef" }

func (f *fakeContainer) Running(context.Context) (bool, error) { return f.running, nil }

func (f *fakeContainer) Exec(_ context.Context, opts sandbox.ExecOptions) (sandbox.ExecResult, error) {
	f.execs = append(f.execs, opts)
	return f.results[strings.Join(opts.Cmd, " ")], nil
}

func (f *fakeContainer) ExecStream(_ context.Context, opts sandbox.ExecOptions) (*sandbox.ExecStream, error) {
	f.execs = append(f.execs, opts)
	result := f.results[strings.Join(opts.Cmd, " ")]
	return sandbox.NewExecStream(io.NopCloser(strings.NewReader(string(result.Output))),
		func(context.Context) (int, error) { return result.ExitCode, nil }), nil
}

func (f *fakeContainer) Stop(context.Context) error {
	if f.running {
		f.stopCalls++
	}
	f.running = false
	return nil
}

func TestNewIsolated(t *testing.T) {
	logger := zaptest.NewLogger(t)
	ctx := context.Background()

	t.Run("RequiresRunningContainer", func(t *testing.T) {
		_, err := NewIsolated(ctx, logger, &fakeContainer{}, "/work")
		require.Error(t, err)
		assert.True(t, errdefs.IsExecution(err))
		assert.Contains(t, err.Error(), "0123456789abcdef")
	})

	t.Run("FixedWorkdir", func(t *testing.T) {
		ctr := &fakeContainer{running: true}
		s, err := NewIsolated(ctx, logger, ctr, "/work")
		require.NoError(t, err)
		assert.Equal(t, "/work", s.Workdir())
		assert.Empty(t, ctr.execs)
	})

	t.Run("DiscoversWorkdir", func(t *testing.T) {
		ctr := &fakeContainer{running: true, results: map[string]sandbox.ExecResult{
			"pwd": {Output: []byte("/home/app\n")},
		}}
		s, err := NewIsolated(ctx, logger, ctr, "")
		require.NoError(t, err)
		assert.Equal(t, "/home/app", s.Workdir())
	})
}

func TestIsolatedRun(t *testing.T) {
	logger := zaptest.NewLogger(t)
	ctx := context.Background()

	t.Run("TrimmedOutputWithEnv", func(t *testing.T) {
		ctr := &fakeContainer{running: true, results: map[string]sandbox.ExecResult{
			"python main.py": {Output: []byte("result\n")},
		}}
		s, err := NewIsolated(ctx, logger, ctr, "/work")
		require.NoError(t, err)

		output, err := s.Run(ctx, map[string]string{"KEY": "value"}, "python", "main.py")
		require.NoError(t, err)
		assert.Equal(t, "result", output)
		require.Len(t, ctr.execs, 1)
		assert.Equal(t, "/work", ctr.execs[0].WorkingDir)
		assert.Equal(t, map[string]string{"KEY": "value"}, ctr.execs[0].Env)
	})

	t.Run("FailureWithoutStrict", func(t *testing.T) {
		ctr := &fakeContainer{running: true, results: map[string]sandbox.ExecResult{
			"false": {ExitCode: 1, Output: []byte("oops\n")},
		}}
		s, err := NewIsolated(ctx, logger, ctr, "/work")
		require.NoError(t, err)

		output, err := s.Run(ctx, nil, "false")
		require.NoError(t, err)
		assert.Equal(t, "oops", output)
		assert.True(t, ctr.running)
	})

	t.Run("StrictFailureStopsContainer", func(t *testing.T) {
		ctr := &fakeContainer{running: true, results: map[string]sandbox.ExecResult{
			"false": {ExitCode: 1, Output: []byte("oops\n")},
		}}
		s, err := NewIsolated(ctx, logger, ctr, "/work", WithStrict(true))
		require.NoError(t, err)

		_, err = s.Run(ctx, nil, "false")
		var execErr *errdefs.ExecutionError
		require.True(t, errors.As(err, &execErr))
		assert.Equal(t, "oops", execErr.Output)
		assert.Equal(t, 1, ctr.stopCalls)

		_, err = s.Run(ctx, nil, "true")
		assert.True(t, errdefs.IsExecution(err))
		assert.Equal(t, 1, ctr.stopCalls)
	})

	t.Run("CloseIsIdempotent", func(t *testing.T) {
		ctr := &fakeContainer{running: true}
		s, err := NewIsolated(ctx, logger, ctr, "/work")
		require.NoError(t, err)

		require.NoError(t, s.Close(ctx))
		require.NoError(t, s.Close(ctx))
		assert.Equal(t, 1, ctr.stopCalls)
	})
}

func TestIsolatedStream(t *testing.T) {
	logger := zaptest.NewLogger(t)
	ctx := context.Background()

	ctr := &fakeContainer{running: true, results: map[string]sandbox.ExecResult{
		"pip install": {Output: []byte("Collecting a\nInstalling a\n")},
		"fail":        {ExitCode: 4, Output: []byte("bad\n")},
	}}
	s, err := NewIsolated(ctx, logger, ctr, "/work", WithStrict(true))
	require.NoError(t, err)

	var lines []string
	for line, err := range s.Stream(ctx, nil, "pip", "install") {
		require.NoError(t, err)
		lines = append(lines, line)
	}
	assert.Equal(t, []string{"Collecting a", "Installing a"}, lines)

	var streamErr error
	for _, err := range s.Stream(ctx, nil, "fail") {
		if err != nil {
			streamErr = err
		}
	}
	var execErr *errdefs.ExecutionError
	require.True(t, errors.As(streamErr, &execErr))
	assert.Equal(t, 4, execErr.ExitCode)
	assert.Equal(t, 1, ctr.stopCalls)
}
