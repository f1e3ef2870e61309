package cli

import (
	"encoding/json"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/isdmx/scriptbox/deps"
	"github.com/isdmx/scriptbox/project"
)

// scriptOptions holds the flags shared by commands taking a script.
type scriptOptions struct {
	name         string
	requirements []string
	auto         bool
}

func (o *scriptOptions) register(cmd *cobra.Command) {
	cmd.Flags().StringVar(&o.name, "name", "", "File name used when the script is read from stdin")
	cmd.Flags().StringArrayVarP(&o.requirements, "requirement", "r", nil, "Requirement line to install (repeatable)")
	cmd.Flags().BoolVar(&o.auto, "auto", false, "Resolve requirements from the script imports")
}

// script reads the script from stdin when arg is "-".
func (o *scriptOptions) script(arg string, stdin io.Reader) (project.Script, error) {
	if arg != "-" {
		return project.Script{Path: arg}, nil
	}
	content, err := io.ReadAll(stdin)
	if err != nil {
		return project.Script{}, fmt.Errorf("failed to read script from stdin: %w", err)
	}
	return project.Script{Content: content, Name: o.name}, nil
}

func (o *scriptOptions) reqs() project.Requirements {
	return project.Requirements{List: o.requirements, Auto: o.auto}
}

// createOptions holds options for the create command.
type createOptions struct {
	scriptOptions
	id         string
	force      bool
	jsonOutput bool
}

// newCreateCmd creates the create command.
func (a *App) newCreateCmd() *cobra.Command {
	opts := &createOptions{}

	cmd := &cobra.Command{
		Use:   "create <script|->",
		Short: "Materialize a script into a project",
		Long: `Materialize a script into a project with pinned requirements.

The script becomes the project's main.py. Requirements are given explicitly
or resolved from the script imports, added with uv and exported to
requirements.txt.

Examples:
  # Create a project named after the script
  scriptbox create report.py --auto

  # Replace an existing project, reading the script from stdin
  cat job.py | scriptbox create - --id nightly --force -r requests==2.31.0`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			script, err := opts.script(args[0], cmd.InOrStdin())
			if err != nil {
				return err
			}

			var projects Projects
			var overrides map[string]deps.Dependency
			stop, err := a.start(cmd, &projects, &overrides)
			if err != nil {
				return err
			}
			defer stop()

			proj, err := projects.Create(cmd.Context(), project.CreateRequest{
				Script:       script,
				ID:           opts.id,
				Requirements: opts.reqs(),
				Overrides:    overrides,
				Force:        opts.force,
			})
			if err != nil {
				return err
			}
			return a.printProject(proj, opts.jsonOutput)
		},
	}

	opts.register(cmd)
	cmd.Flags().StringVar(&opts.id, "id", "", "Project identifier (defaults to the script name)")
	cmd.Flags().BoolVarP(&opts.force, "force", "f", false, "Replace an existing project")
	cmd.Flags().BoolVar(&opts.jsonOutput, "json", false, "Output the project as JSON")

	return cmd
}

func (a *App) printProject(proj *project.Project, jsonOutput bool) error {
	if jsonOutput {
		enc := json.NewEncoder(a.stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(proj)
	}

	_, _ = fmt.Fprintf(a.stdout, "Created project %s at %s\n", proj.ID, proj.Dir)
	for _, dep := range proj.Dependencies {
		_, _ = fmt.Fprintf(a.stdout, "  %s\n", dep)
	}
	return nil
}

// newExistsCmd creates the exists command.
func (a *App) newExistsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "exists <id>",
		Short: "Report whether a project has been materialized",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var projects Projects
			stop, err := a.start(cmd, &projects)
			if err != nil {
				return err
			}
			defer stop()

			_, _ = fmt.Fprintf(a.stdout, "%t\n", projects.Exists(args[0]))
			return nil
		},
	}
}

// newListCmd creates the list command.
func (a *App) newListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List materialized projects",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			var projects Projects
			stop, err := a.start(cmd, &projects)
			if err != nil {
				return err
			}
			defer stop()

			ids, err := projects.List()
			if err != nil {
				return err
			}
			if len(ids) == 0 {
				_, _ = fmt.Fprintf(a.stdout, "No projects.\n")
				return nil
			}
			for _, id := range ids {
				_, _ = fmt.Fprintln(a.stdout, id)
			}
			return nil
		},
	}
}

// newRemoveCmd creates the remove command.
func (a *App) newRemoveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "remove <id>",
		Short: "Delete a project and its cached environments",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var projects Projects
			stop, err := a.start(cmd, &projects)
			if err != nil {
				return err
			}
			defer stop()

			if err := projects.Remove(args[0]); err != nil {
				return err
			}
			_, _ = fmt.Fprintf(a.stdout, "Removed project %s\n", args[0])
			return nil
		},
	}
}
