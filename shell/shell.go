// Package shell runs commands on the host or inside a running container.
//
// Both implementations share the Shell contract. Run captures the output of a
// finished command and returns it trimmed, with the empty string standing for
// "no output". Stream yields output lines lazily as the command produces them.
//
// Strict mode turns a non-zero exit status into an *errdefs.ExecutionError.
// Without strict mode the error output is returned as the result instead.
package shell

import (
	"context"
	"iter"
	"os"
	"strings"

	"go.uber.org/zap"
	"mvdan.cc/sh/v3/syntax"
)

// Shell executes commands and returns their output
type Shell interface {
	Run(ctx context.Context, env map[string]string, cmd ...string) (string, error)
	Stream(ctx context.Context, env map[string]string, cmd ...string) iter.Seq2[string, error]
}

// Option configures a shell
type Option func(*options)

type options struct {
	strict    bool
	runner    CommandRunner
	goos      string
	lookupEnv func(string) (string, bool)
}

// WithStrict enables raising an ExecutionError on non-zero exit status
func WithStrict(strict bool) Option {
	return func(o *options) {
		o.strict = strict
	}
}

// WithCommandRunner sets the CommandRunner used by the host shell
func WithCommandRunner(runner CommandRunner) Option {
	return func(o *options) {
		o.runner = runner
	}
}

// withPlatform overrides the detected operating system and environment lookup
func withPlatform(goos string, lookupEnv func(string) (string, bool)) Option {
	return func(o *options) {
		o.goos = goos
		o.lookupEnv = lookupEnv
	}
}

func newOptions(opts []Option) *options {
	o := &options{
		runner:    &RealCommandRunner{},
		goos:      hostOS,
		lookupEnv: os.LookupEnv,
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

func logCommand(logger *zap.Logger, cmd []string, fields ...zap.Field) {
	logger.Info("running command", append([]zap.Field{zap.String("command", CommandLine(cmd))}, fields...)...)
}

// CommandLine renders cmd as a line that can be pasted into a shell.
// Arguments bash cannot quote are kept as they are.
func CommandLine(cmd []string) string {
	quoted := make([]string, 0, len(cmd))
	for _, arg := range cmd {
		q, err := syntax.Quote(arg, syntax.LangBash)
		if err != nil {
			q = arg
		}
		quoted = append(quoted, q)
	}
	return strings.Join(quoted, " ")
}
