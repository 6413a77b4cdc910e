package cmd

import (
	"errors"
	"fmt"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/fleetcrawl/fleetcrawl/internal/core"
)

func newStartCmd() *cobra.Command {
	var fresh bool
	var stepNames []string

	cmd := &cobra.Command{
		Use:   "start <fleet>",
		Short: "Start or resume a pipeline run for a fleet",
		Long: `Starts a run for the named fleet. By default the run with the most
accumulated progress among resumable runs (running, stopped, failed) is
resumed from its checkpoint; --fresh forces a new run. A resume request
with no resumable run falls back to starting fresh.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			fleet := args[0]
			if fleet == "" {
				return errors.New("fleet name is required")
			}
			if fresh && len(stepNames) == 0 {
				return errors.New("--steps is required for a fresh run")
			}

			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			a, err := newApp(ctx, cfg)
			if err != nil {
				return err
			}
			defer a.Close(cmd.Context())

			steps := make([]core.Step, 0, len(stepNames))
			for i, name := range stepNames {
				steps = append(steps, core.Step{Number: i, Name: strings.TrimSpace(name)})
			}

			rc, err := a.Runner.InitRun(ctx, fleet, fresh, steps)
			if errors.Is(err, core.ErrNoResumableRun) {
				a.Logger.Info("nothing to resume, starting fresh", zap.String("fleet", fleet))
				if len(steps) == 0 {
					return errors.New("--steps is required when no run is resumable")
				}
				rc, err = a.Runner.InitRun(ctx, fleet, true, steps)
			}
			if err != nil {
				return runFailure{fmt.Errorf("init run: %w", err)}
			}

			go a.Sweeper.Run(ctx)

			if err := a.Runner.Execute(ctx, rc); err != nil {
				return runFailure{err}
			}
			return nil
		},
	}

	cmd.Flags().BoolVar(&fresh, "fresh", false, "force a new run instead of resuming")
	cmd.Flags().StringSliceVar(&stepNames, "steps", nil, "ordered step names for a fresh run")
	return cmd
}
