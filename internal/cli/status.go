package cli

import (
	"fmt"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"catalog-sync-service/internal/store"
)

type StatusOptions struct {
	*RootOptions
	IntegrationID string
}

func NewStatusCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &StatusOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show sync status per integration",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp(cmd, opts.RootOptions)
			if err != nil {
				return err
			}
			defer a.Close()

			statuses, err := a.RealTime.GetSyncStatus(cmd.Context(), opts.IntegrationID)
			if err != nil {
				return WrapExitError(ExitCommandError, "failed to load status", err)
			}

			p := newPrinter(opts.Format, cmd.OutOrStdout())
			if p.structured() {
				return p.Encode(statuses)
			}
			rows := make([][]string, 0, len(statuses))
			for _, s := range statuses {
				lastRun, lastStatus := "never", "-"
				if s.LastRunAt != nil {
					lastRun = s.LastRunAt.Format(time.RFC3339)
				}
				if s.LatestRun != nil {
					lastStatus = s.LatestRun.Status
				}
				rows = append(rows, []string{
					s.IntegrationID,
					s.Name,
					s.Platform,
					s.Cadence,
					strconv.FormatBool(s.Active),
					lastRun,
					lastStatus,
					strconv.Itoa(s.Mappings[store.MappingSynced]),
					strconv.Itoa(s.Mappings[store.MappingError]),
					fmt.Sprintf("%.0f%%", s.SuccessRate*100),
				})
			}
			return p.Table([]string{"ID", "NAME", "PLATFORM", "CADENCE", "ACTIVE", "LAST RUN", "STATUS", "SYNCED", "ERRORS", "SUCCESS"}, rows)
		},
	}

	cmd.Flags().StringVar(&opts.IntegrationID, "integration", "", "only show this integration")
	return cmd
}
