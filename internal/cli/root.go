// Package cli implements syncctl, the operator command line for running
// syncs and inspecting state without going through the HTTP API.
package cli

import (
	"fmt"
	"slices"

	"github.com/spf13/cobra"

	"catalog-sync-service/internal/app"
	"catalog-sync-service/internal/config"
	"catalog-sync-service/internal/logger"
)

// RootOptions holds global flags for all commands.
type RootOptions struct {
	ConfigPath string
	Format     string // "text" | "json" | "yaml"
	Verbose    bool

	// AppOptions are passed to app.Build. Tests use them to stub adapters.
	AppOptions []app.Option
}

var ValidFormats = []string{"text", "json", "yaml"}

func NewRootCommand(opts *RootOptions) *cobra.Command {
	if opts == nil {
		opts = &RootOptions{}
	}

	cmd := &cobra.Command{
		Use:   "syncctl",
		Short: "Operate the catalog sync engine",
		Long:  "Run store syncs, inspect sync status and prune history against the catalog sync database.",
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if !slices.Contains(ValidFormats, opts.Format) {
				return fmt.Errorf("invalid format %q: must be one of %v", opts.Format, ValidFormats)
			}
			return nil
		},
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	cmd.PersistentFlags().StringVarP(&opts.ConfigPath, "config", "c", "config.yaml", "path to the config file")
	cmd.PersistentFlags().StringVar(&opts.Format, "format", "text", "output format (text|json|yaml)")
	cmd.PersistentFlags().BoolVarP(&opts.Verbose, "verbose", "v", false, "log engine activity")

	cmd.AddCommand(NewSyncCommand(opts))
	cmd.AddCommand(NewStatusCommand(opts))
	cmd.AddCommand(NewPruneCommand(opts))

	return cmd
}

// openApp loads the config and builds the engine without starting any
// background machinery.
func openApp(cmd *cobra.Command, opts *RootOptions) (*app.App, error) {
	cfg, err := config.LoadConfig(opts.ConfigPath)
	if err != nil {
		return nil, WrapExitError(ExitCommandError, "failed to load config", err)
	}

	level := "error"
	if opts.Verbose {
		level = "debug"
	}
	if err := logger.InitLogger(level, "console"); err != nil {
		return nil, WrapExitError(ExitCommandError, "failed to init logger", err)
	}

	a, err := app.Build(cmd.Context(), cfg, opts.AppOptions...)
	if err != nil {
		return nil, WrapExitError(ExitCommandError, "failed to open engine", err)
	}
	return a, nil
}
