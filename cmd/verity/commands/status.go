package commands

import (
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

func newStatusCommand() *cobra.Command {
	var refresh bool

	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show capability availability",
		Long: `Probe the capabilities declared in the manifest and report which are
available, which are not, and which probes failed.

Environment overrides (<NAME>_AVAILABLE=true/false) are resolved live and
take precedence over probe results.`,
		Example: `  # Probe and report all capabilities
  verity status

  # Force a fresh probe, ignoring cached results
  verity status --refresh

  # Machine-readable report
  verity status --json`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			app, err := newApp(configPath, false)
			if err != nil {
				return err
			}
			defer app.shutdown()

			log.Debug().Bool("refresh", refresh).Msg("Probing capabilities")
			app.registry.Refresh(refresh)

			status := app.registry.Status()
			if jsonOutput {
				return printJSON(status)
			}

			w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
			fmt.Fprintf(w, "CAPABILITY\tAVAILABLE\tDETAIL\n")
			for _, name := range status.Available {
				fmt.Fprintf(w, "%s\ttrue\t\n", name)
			}
			for _, name := range status.Unavailable {
				fmt.Fprintf(w, "%s\tfalse\t%s\n", name, status.Errors[name])
			}
			for _, name := range status.Unknown {
				fmt.Fprintf(w, "%s\tunknown\tnot probed\n", name)
			}
			w.Flush()

			return nil
		},
	}

	cmd.Flags().BoolVar(&refresh, "refresh", false, "clear cached probe results and re-probe")

	return cmd
}
