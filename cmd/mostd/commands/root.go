package commands

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
)

var (
	// Global flags
	configPath string
	jsonOutput bool
)

// Execute runs the root command
func Execute(ctx context.Context, version, commit, buildDate string) error {
	rootCmd := newRootCommand(version, commit, buildDate)
	return rootCmd.ExecuteContext(ctx)
}

func newRootCommand(version, commit, buildDate string) *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "mostd",
		Short: "mostd - MOST route lifecycle daemon",
		Long: `mostd builds and tears down streaming routes on a MOST network.

A route joins a source endpoint on one node to a sink endpoint on another.
Each endpoint is a chain of device resources (sockets, ports, connections)
that mostd creates on the remote device, shares between routes where the
configuration allows it, and destroys again when no route needs it.`,
		Version:       fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, buildDate),
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "mostd.yaml", "config file path")
	rootCmd.PersistentFlags().BoolVar(&jsonOutput, "json", false, "output in JSON format")

	rootCmd.AddCommand(newRunCommand(version))
	rootCmd.AddCommand(newValidateCommand())
	rootCmd.AddCommand(newRoutesCommand())
	rootCmd.AddCommand(newAuditCommand())

	return rootCmd
}
