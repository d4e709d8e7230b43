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

// defaultManifestPath is used when --config is not given.
const defaultManifestPath = "verity.yaml"

// Execute runs the root command
func Execute(ctx context.Context, version, commit, buildDate string) error {
	rootCmd := newRootCommand(version, commit, buildDate)
	return rootCmd.ExecuteContext(ctx)
}

func newRootCommand(version, commit, buildDate string) *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "verity",
		Short: "Verity - Layered Verification Pipeline Orchestrator",
		Long: `Verity orchestrates a multi-stage test and verification pipeline.

It probes which optional subsystems (capabilities) are currently usable,
executes groups of work (categories) layer by layer with per-layer
concurrency strategies, and tracks long-running background work through a
retrying lifecycle with timeouts and progress events.

Layers run in registration order up to a target layer; layers whose
required capabilities are unavailable are skipped or abort the run,
depending on the --skip-unavailable flag of the run command.`,
		Version: fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, buildDate),
	}

	// Persistent flags available to all commands
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", defaultManifestPath, "manifest file path")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable verbose output")
	rootCmd.PersistentFlags().BoolVar(&jsonOutput, "json", false, "output in JSON format")

	rootCmd.AddCommand(newRunCommand())
	rootCmd.AddCommand(newStatusCommand())
	rootCmd.AddCommand(newValidateCommand())

	return rootCmd
}
