package commands

import (
	"fmt"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

func newValidateCommand() *cobra.Command {
	var probe bool

	cmd := &cobra.Command{
		Use:   "validate",
		Short: "Validate the pipeline manifest",
		Long: `Load the manifest, construct the pipeline from it, and report
configuration problems.

Structural errors (duplicate layers, missing commands, invalid
strategies) fail the command. Capability warnings (no probe available,
an override disagreeing with a probe) are reported but do not fail it.`,
		Example: `  # Validate the default manifest
  verity validate

  # Validate and probe every capability
  verity validate --probe`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			app, err := newApp(configPath, false)
			if err != nil {
				return err
			}
			defer app.shutdown()

			if probe {
				log.Debug().Msg("Probing capabilities for validation")
				app.registry.Refresh(false)
			}

			warnings := app.registry.Validate()
			if jsonOutput {
				return printJSON(map[string]interface{}{
					"valid":    true,
					"layers":   app.scheduler.LayerNames(),
					"warnings": warnings,
				})
			}

			fmt.Printf("manifest %s is valid (%d layers: %v)\n",
				configPath, len(app.manifest.Layers), app.scheduler.LayerNames())
			for _, warning := range warnings {
				fmt.Printf("warning: %s\n", warning)
			}

			return nil
		},
	}

	cmd.Flags().BoolVar(&probe, "probe", false, "probe capabilities and include results in validation")

	return cmd
}
