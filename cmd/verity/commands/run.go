package commands

import (
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/verityci/verity/pkg/pipeline"
)

// timePrecision rounds durations in human-readable output.
const timePrecision = time.Millisecond

func newRunCommand() *cobra.Command {
	var (
		skipUnavailable bool
		watch           bool
	)

	cmd := &cobra.Command{
		Use:   "run <target-layer>",
		Short: "Run the pipeline up to a target layer",
		Long: `Execute every registered layer in manifest order up to and including
the target layer.

Before each layer runs, its required capabilities are checked against the
capability registry. Unavailable capabilities either skip the layer
(--skip-unavailable, the default) or abort the whole run.

Failures inside a layer are collected, not short-circuiting: the run
report always carries the full pass/fail/skip picture.`,
		Example: `  # Run up to the fast-feedback layer
  verity run fast-feedback

  # Run the full pipeline, aborting on missing capabilities
  verity run background --skip-unavailable=false

  # Machine-readable run report
  verity run core-integration --json`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			target := args[0]

			app, err := newApp(configPath, watch)
			if err != nil {
				return err
			}
			defer app.shutdown()

			log.Info().
				Str("target_layer", target).
				Bool("skip_unavailable", skipUnavailable).
				Msg("Starting pipeline run")

			run, runErr := app.scheduler.RunUpTo(cmd.Context(), target, skipUnavailable)
			if run == nil {
				return runErr
			}

			if jsonOutput {
				if err := printJSON(run); err != nil {
					return err
				}
			} else {
				printRun(run)
			}

			if runErr != nil {
				return runErr
			}
			switch run.Status {
			case pipeline.RunFailed:
				return fmt.Errorf("run %s failed", run.ID)
			case pipeline.RunCancelled:
				return fmt.Errorf("run %s cancelled", run.ID)
			}
			return nil
		},
	}

	cmd.Flags().BoolVar(&skipUnavailable, "skip-unavailable", true,
		"skip layers whose required capabilities are unavailable instead of aborting")
	cmd.Flags().BoolVar(&watch, "watch-manifest", false,
		"re-probe capabilities when the manifest file changes")

	return cmd
}

func printRun(run *pipeline.Run) {
	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintf(w, "LAYER\tSTATUS\tPASSED\tFAILED\tSKIPPED\tDURATION\n")
	for _, layer := range run.Layers {
		fmt.Fprintf(w, "%s\t%s\t%d\t%d\t%d\t%s\n",
			layer.Name, layer.Status, layer.Passed, layer.Failed, layer.Skipped,
			layer.Duration.Round(timePrecision))
		for _, category := range layer.Categories {
			detail := ""
			if category.Error != "" {
				detail = category.Error
			}
			fmt.Fprintf(w, "  %s\t%s\t\t\t\t%s\t%s\n",
				category.Name, category.Status, category.Duration.Round(timePrecision), detail)
		}
	}
	w.Flush()

	fmt.Printf("\nrun %s: %s (%d layers, %s)\n",
		run.ID, run.Status, run.Summary.Total, run.Duration.Round(timePrecision))
}
