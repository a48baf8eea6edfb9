package main

import (
	"fmt"

	"github.com/FairForge/bulwark/internal/runbooks"
	"github.com/spf13/cobra"
)

func newRunbooksCommand() *cobra.Command {
	var dir string

	load := func() (*runbooks.Repository, error) {
		all := runbooks.Defaults()
		if dir != "" {
			loaded, err := runbooks.LoadDir(dir)
			if err != nil {
				return nil, err
			}
			all = append(all, loaded...)
		}
		return runbooks.NewRepository(all...)
	}

	cmd := &cobra.Command{
		Use:   "runbooks",
		Short: "List and render runbooks",
	}
	cmd.PersistentFlags().StringVar(&dir, "dir", "", "Directory of runbook YAML files (built-ins only when empty)")

	cmd.AddCommand(
		&cobra.Command{
			Use:   "list",
			Short: "Print a Markdown index of every runbook",
			RunE: func(cmd *cobra.Command, _ []string) error {
				repo, err := load()
				if err != nil {
					return err
				}
				return runbooks.RenderIndex(cmd.OutOrStdout(), repo)
			},
		},
		&cobra.Command{
			Use:   "show <id>",
			Short: "Render one runbook as Markdown",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				repo, err := load()
				if err != nil {
					return err
				}
				rb, ok := repo.Get(args[0])
				if !ok {
					return fmt.Errorf("runbook %q not found", args[0])
				}
				return runbooks.Render(cmd.OutOrStdout(), rb)
			},
		},
	)
	return cmd
}
