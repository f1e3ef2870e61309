package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/isdmx/scriptbox/deps"
	"github.com/isdmx/scriptbox/project"
	"github.com/isdmx/scriptbox/runtime"
)

// runOptions holds options for the run command.
type runOptions struct {
	scriptOptions
	env map[string]string
}

// newRunCmd creates the run command.
func (a *App) newRunCmd() *cobra.Command {
	opts := &runOptions{}

	cmd := &cobra.Command{
		Use:   "run <script|-> [args...]",
		Short: "Run an ad-hoc script",
		Long: `Run a script in an on-demand environment. Nothing is cached between runs.

Flags must come before the script; everything after it is passed to the script.

Examples:
  # Run a script, resolving its imports to pinned requirements
  scriptbox run --auto analyze.py data.csv

  # Run inside a container with explicit requirements
  scriptbox run --isolate -r numpy==2.0.0 -e MODE=batch job.py`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			script, err := opts.script(args[0], cmd.InOrStdin())
			if err != nil {
				return err
			}

			var rt runtime.Runtime
			var overrides map[string]deps.Dependency
			stop, err := a.start(cmd, &rt, &overrides)
			if err != nil {
				return err
			}
			defer stop()

			output, err := rt.RunScript(cmd.Context(), runtime.ScriptRequest{
				Script:       script,
				Args:         args[1:],
				Env:          opts.env,
				Requirements: opts.reqs(),
				Overrides:    overrides,
			})
			if err != nil {
				return err
			}
			a.printOutput(output)
			return nil
		},
	}

	cmd.Flags().SetInterspersed(false)
	opts.register(cmd)
	cmd.Flags().StringToStringVarP(&opts.env, "env", "e", nil, "Environment variable (key=value)")

	return cmd
}

// newRunProjectCmd creates the run-project command.
func (a *App) newRunProjectCmd() *cobra.Command {
	var env map[string]string

	cmd := &cobra.Command{
		Use:   "run-project <id> [args...]",
		Short: "Run a materialized project, streaming its output",
		Long: `Run the entry point of a materialized project. Output lines are printed
as they are produced.

Examples:
  scriptbox run-project report --since 2024-01-01
  scriptbox run-project --isolate -e LOG_LEVEL=debug nightly`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var rt runtime.Runtime
			stop, err := a.start(cmd, &rt)
			if err != nil {
				return err
			}
			defer stop()

			for line, err := range rt.StreamProject(cmd.Context(), args[0], args[1:], env) {
				if err != nil {
					return err
				}
				_, _ = fmt.Fprintln(a.stdout, line)
			}
			return nil
		},
	}

	cmd.Flags().SetInterspersed(false)
	cmd.Flags().StringToStringVarP(&env, "env", "e", nil, "Environment variable (key=value)")

	return cmd
}

// newRequirementsCmd creates the requirements command.
func (a *App) newRequirementsCmd() *cobra.Command {
	opts := &scriptOptions{}

	cmd := &cobra.Command{
		Use:   "requirements <script|->",
		Short: "Print the pinned requirements of a script",
		Long: `Resolve the third-party imports of a script into pinned requirement lines.

Standard-library modules are skipped. Installed packages keep their local
version when it is published, other modules are pinned to the latest release.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			script, err := opts.script(args[0], cmd.InOrStdin())
			if err != nil {
				return err
			}

			var resolver project.RequirementsResolver
			var overrides map[string]deps.Dependency
			stop, err := a.start(cmd, &resolver, &overrides)
			if err != nil {
				return err
			}
			defer stop()

			prepared, err := project.PrepareScript(cmd.Context(), resolver, script,
				project.Requirements{Auto: true}, overrides)
			if err != nil {
				return err
			}
			defer func() { _ = prepared.Cleanup() }()

			for _, req := range prepared.Requirements {
				_, _ = fmt.Fprintln(a.stdout, req)
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&opts.name, "name", "", "File name used when the script is read from stdin")

	return cmd
}

func (a *App) printOutput(output string) {
	if output == "" {
		return
	}
	_, _ = fmt.Fprintln(a.stdout, output)
}
