package commands

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
)

var (
	// Global flags
	configPath string
	verbose    bool
	jsonOutput bool
)

// Execute runs the root command
func Execute(ctx context.Context, version, commit, buildDate string) error {
	rootCmd := newRootCommand(version, commit, buildDate)
	return rootCmd.ExecuteContext(ctx)
}

func newRootCommand(version, commit, buildDate string) *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "fleetmend",
		Short: "Fleetmend - Provisioning and Incident-Recovery Engine",
		Long: `Fleetmend keeps a fleet of leased VPS servers healthy: it provisions
new servers through a reinstall-or-reuse state machine, tracks incidents when
servers fail or go unreachable, and redeploys recorded services after a
server recovers.

Commands:
  worker      run queue consumers plus the discovery and health loops
  provision   enqueue a provisioning request and wait for its result
  servers     inspect and manage server records
  incidents   inspect and resolve incidents`,
		Version: fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, buildDate),
	}

	// Persistent flags available to all commands
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "fleetmend.yaml", "config file path")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable verbose output")
	rootCmd.PersistentFlags().BoolVar(&jsonOutput, "json", false, "output in JSON format")

	rootCmd.AddCommand(newWorkerCommand())
	rootCmd.AddCommand(newProvisionCommand())
	rootCmd.AddCommand(newServersCommand())
	rootCmd.AddCommand(newIncidentsCommand())

	return rootCmd
}
