package cli

import (
	"fmt"

	"github.com/spf13/cobra"
)

func NewPruneCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "prune",
		Short: "Apply the retention policy to price history and run records",
		Long: `Delete price observations and sync runs older than the retention windows
configured under scheduler.observation_retention_days and
scheduler.run_retention_days. A window of 0 keeps everything.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp(cmd, rootOpts)
			if err != nil {
				return err
			}
			defer a.Close()

			observations, runs, err := a.Scheduler.Prune(cmd.Context())
			if err != nil {
				return WrapExitError(ExitFailure, "prune failed", err)
			}

			p := newPrinter(rootOpts.Format, cmd.OutOrStdout())
			if p.structured() {
				return p.Encode(map[string]int64{"observations": observations, "runs": runs})
			}
			_, err = fmt.Fprintf(cmd.OutOrStdout(), "pruned %d observations and %d runs\n", observations, runs)
			return err
		},
	}
}
