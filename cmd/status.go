package cmd

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/fleetcrawl/fleetcrawl/internal/core"
)

// runStatus is the aggregate the status command prints.
type runStatus struct {
	Run      core.Run              `json:"run"`
	Steps    []core.Step           `json:"steps"`
	Queue    core.QueueDepth       `json:"queue"`
	Frontier core.FrontierProgress `json:"frontier"`
}

func newStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status <run_id>",
		Short: "Print run, step, queue, and frontier state as JSON",
		Args:  cobra.ExactArgs(1),
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

			run, err := a.Runs.GetRun(ctx, runID)
			if err != nil {
				return runFailure{fmt.Errorf("get run: %w", err)}
			}
			steps, err := a.Runs.ListSteps(ctx, runID)
			if err != nil {
				return runFailure{fmt.Errorf("list steps: %w", err)}
			}
			depth, err := a.Queue.Depth(ctx, runID)
			if err != nil {
				return runFailure{fmt.Errorf("queue depth: %w", err)}
			}
			progress, err := a.Frontier.Progress(ctx, runID)
			if err != nil {
				return runFailure{fmt.Errorf("frontier progress: %w", err)}
			}

			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(runStatus{
				Run:      run,
				Steps:    steps,
				Queue:    depth,
				Frontier: progress,
			})
		},
	}
}
