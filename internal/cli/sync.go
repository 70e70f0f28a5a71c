package cli

import (
	"context"
	"errors"
	"fmt"
	"strconv"

	"github.com/spf13/cobra"

	"catalog-sync-service/internal/app"
	"catalog-sync-service/internal/store"
	"catalog-sync-service/internal/sync"
)

type SyncOptions struct {
	*RootOptions
	IntegrationID string
	Platform      string
	Full          bool
	DryRun        bool
}

// StatusInProgress marks an integration skipped because another process is
// already syncing it.
const StatusInProgress = "in-progress"

// SyncOutcome is one line of the sync command's report.
type SyncOutcome struct {
	IntegrationID string `json:"integration_id"`
	Name          string `json:"name"`
	Platform      string `json:"platform"`
	Kind          string `json:"kind"`
	RunID         string `json:"run_id,omitempty"`
	Status        string `json:"status"`
	Processed     int    `json:"processed"`
	Created       int    `json:"created"`
	Updated       int    `json:"updated"`
	Errors        int    `json:"errors"`
	Error         string `json:"error,omitempty"`
}

func NewSyncCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &SyncOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "sync",
		Short: "Run a store sync in the foreground",
		Long: `Run a sync for every active integration, or the ones selected by flags.

Runs execute one after another in this process and are recorded like any
other run. An integration that is already being synced elsewhere is skipped
and reported as in-progress. With --dry-run only the connection is tested and a few listings
are sampled; nothing is written.

Example:
  syncctl sync --integration 6b0c... --full
  syncctl sync --platform shopify --dry-run`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSync(cmd, opts)
		},
	}

	cmd.Flags().StringVar(&opts.IntegrationID, "integration", "", "only sync this integration")
	cmd.Flags().StringVar(&opts.Platform, "platform", "", "only sync integrations on this platform")
	cmd.Flags().BoolVar(&opts.Full, "full", false, "run a full sync instead of an incremental one")
	cmd.Flags().BoolVar(&opts.DryRun, "dry-run", false, "test connections without syncing")

	return cmd
}

func runSync(cmd *cobra.Command, opts *SyncOptions) error {
	a, err := openApp(cmd, opts.RootOptions)
	if err != nil {
		return err
	}
	defer a.Close()

	ctx := cmd.Context()
	targets, err := selectIntegrations(ctx, a.Store, opts.IntegrationID, opts.Platform)
	if err != nil {
		return err
	}
	if len(targets) == 0 {
		return NewExitError(ExitCommandError, "no active integrations match")
	}

	kind := store.RunIncremental
	if opts.Full {
		kind = store.RunFull
	}

	outcomes := make([]SyncOutcome, 0, len(targets))
	failed := 0
	for _, ic := range targets {
		var o SyncOutcome
		if opts.DryRun {
			o = testOne(ctx, a, ic)
		} else {
			o = syncOne(ctx, a, ic, kind)
		}
		if o.Status == store.RunFailed {
			failed++
		}
		outcomes = append(outcomes, o)
	}

	if err := printOutcomes(newPrinter(opts.Format, cmd.OutOrStdout()), outcomes); err != nil {
		return err
	}
	if failed > 0 {
		return NewExitError(ExitFailure, fmt.Sprintf("%d of %d integrations failed", failed, len(outcomes)))
	}
	return nil
}

func selectIntegrations(ctx context.Context, st store.Store, id, platformKind string) ([]*store.IntegrationConfig, error) {
	if id != "" {
		ic, err := st.GetIntegration(ctx, id)
		if err != nil {
			return nil, WrapExitError(ExitCommandError, "failed to load integration", err)
		}
		if !ic.Active {
			return nil, WrapExitError(ExitCommandError, "cannot sync", fmt.Errorf("%w: %s", sync.ErrIntegrationInactive, id))
		}
		return []*store.IntegrationConfig{ic}, nil
	}

	all, err := st.ListIntegrations(ctx, true)
	if err != nil {
		return nil, WrapExitError(ExitCommandError, "failed to list integrations", err)
	}
	var out []*store.IntegrationConfig
	for _, ic := range all {
		if platformKind == "" || ic.Platform == platformKind {
			out = append(out, ic)
		}
	}
	return out, nil
}

func syncOne(ctx context.Context, a *app.App, ic *store.IntegrationConfig, kind string) SyncOutcome {
	o := SyncOutcome{IntegrationID: ic.ID, Name: ic.Name, Platform: ic.Platform, Kind: kind}
	run, err := a.Dispatcher.RunNow(ctx, sync.RunRequest{IntegrationID: ic.ID, Kind: kind, Attempt: 1})
	if errors.Is(err, sync.ErrSyncInProgress) {
		o.Status = StatusInProgress
		return o
	}
	if run != nil {
		o.RunID = run.ID
		o.Status = run.Status
		o.Processed = run.Processed
		o.Created = run.Created
		o.Updated = run.Updated
		o.Errors = run.Errors
	}
	if err != nil {
		o.Status = store.RunFailed
		o.Error = err.Error()
	}
	return o
}

func testOne(ctx context.Context, a *app.App, ic *store.IntegrationConfig) SyncOutcome {
	o := SyncOutcome{IntegrationID: ic.ID, Name: ic.Name, Platform: ic.Platform, Kind: "dry-run", Status: "ok"}
	res := a.Admin.TestConnection(ctx, ic)
	o.Processed = len(res.Sample)
	if !res.Success {
		o.Status = store.RunFailed
		o.Error = res.Error
	}
	return o
}

func printOutcomes(p *printer, outcomes []SyncOutcome) error {
	if p.structured() {
		return p.Encode(outcomes)
	}
	rows := make([][]string, 0, len(outcomes))
	for _, o := range outcomes {
		rows = append(rows, []string{
			o.Name,
			o.Platform,
			o.Kind,
			o.Status,
			strconv.Itoa(o.Processed),
			strconv.Itoa(o.Created),
			strconv.Itoa(o.Updated),
			strconv.Itoa(o.Errors),
			o.Error,
		})
	}
	return p.Table([]string{"NAME", "PLATFORM", "KIND", "STATUS", "PROCESSED", "CREATED", "UPDATED", "ERRORS", "ERROR"}, rows)
}
