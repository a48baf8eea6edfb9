// cmd/bulwark/main.go
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

const defaultConfigPath = "bulwark.yaml"

var configPath string

func main() {
	if err := newRootCommand().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	root := &cobra.Command{
		Use:   "bulwark",
		Short: "Reliability control plane",
		Long: `bulwark tracks SLOs and error budgets, guards dependencies with circuit
breakers, fails services over between instances, runs recovery plans and
escalates incidents.`,
		SilenceUsage: true,
	}
	root.PersistentFlags().StringVar(&configPath, "config", defaultConfigPath, "Path to configuration file")

	root.AddCommand(
		newServeCommand(),
		newValidateCommand(),
		newRunbooksCommand(),
		newTokenCommand(),
	)
	return root
}
