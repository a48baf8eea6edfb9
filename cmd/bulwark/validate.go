package main

import (
	"fmt"

	"github.com/FairForge/bulwark/internal/config"
	"github.com/FairForge/bulwark/internal/controlplane"
	"github.com/spf13/cobra"
)

func newValidateCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "validate",
		Short: "Check a configuration file without starting anything",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}
			// Building the control plane registers every SLO, breaker and
			// plan, which runs the domain validation as well.
			cp, err := controlplane.New(cfg)
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "%s is valid\n", configPath)
			fmt.Fprintf(out, "  slos:      %d\n", len(cp.SLOs.Names()))
			fmt.Fprintf(out, "  breakers:  %d\n", len(cp.Breakers.Names()))
			fmt.Fprintf(out, "  services:  %d\n", len(cp.HA.Services()))
			fmt.Fprintf(out, "  plans:     %d\n", len(cp.Recovery.Plans()))
			fmt.Fprintf(out, "  runbooks:  %d\n", cp.Runbooks.Current().Len())
			return nil
		},
	}
}
