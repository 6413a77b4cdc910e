// Package cmd defines and implements the CLI commands for the fleetcrawl
// executable.
package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/fleetcrawl/fleetcrawl/internal/app"
	"github.com/fleetcrawl/fleetcrawl/internal/config"
)

// Exit codes of the control surface.
const (
	ExitOK            = 0
	ExitRunFailure    = 1
	ExitInvalidInvoke = 2
)

var cfgFile string

// runFailure wraps errors that should map to exit code 1 rather than 2.
type runFailure struct{ err error }

func (e runFailure) Error() string { return e.err.Error() }
func (e runFailure) Unwrap() error { return e.err }

// newApp is the application factory, replaceable in tests.
var newApp = func(ctx context.Context, cfg config.Config) (*app.App, error) {
	return app.New(ctx, cfg, app.Collaborators{})
}

func loadConfig() (config.Config, error) {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return config.Config{}, fmt.Errorf("load config: %w", err)
	}
	return cfg, nil
}

func newRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "fleetcrawl",
		Short: "Crawl orchestration core: shared backlog, checkpoints, egress rotation.",
		Long: `fleetcrawl coordinates fleets of crawl workers over a shared relational
backlog: atomic work claims, pipeline checkpoint/resume, frontier politeness,
and health-scored egress rotation. Target-specific fetching plugs in from
outside; this binary drives the orchestration.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default: environment only)")

	cmd.AddCommand(newStartCmd())
	cmd.AddCommand(newStopCmd())
	cmd.AddCommand(newStatusCmd())
	cmd.AddCommand(newServeCmd())

	return cmd
}

// Execute runs the CLI and returns the process exit code: 0 on success,
// 1 for a run failure, 2 for invalid invocation.
func Execute() int {
	root := newRootCmd()
	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		var rf runFailure
		if errors.As(err, &rf) {
			return ExitRunFailure
		}
		return ExitInvalidInvoke
	}
	return ExitOK
}
