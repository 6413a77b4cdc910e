package cmd

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"
)

func newStopCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "stop <run_id>",
		Short: "Request a cooperative stop of a running pipeline",
		Long: `Sets the stop flag on the run. Workers finish their in-flight items,
release the rest of their claims, and the run lands in the stopped state
ready to be resumed later. Nothing is killed mid-item.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			runID := args[0]
			if runID == "" {
				return errors.New("run id is required")
			}

			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			ctx := cmd.Context()

			a, err := newApp(ctx, cfg)
			if err != nil {
				return err
			}
			defer a.Close(ctx)

			if err := a.Runs.RequestStop(ctx, runID); err != nil {
				return runFailure{fmt.Errorf("request stop: %w", err)}
			}
			fmt.Fprintf(cmd.OutOrStdout(), "stop requested for run %s\n", runID)
			return nil
		},
	}
}
