package cli

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/veridex/veridex/internal/application/usecase/orchestration"
	"github.com/veridex/veridex/internal/domain/model"
	"github.com/veridex/veridex/internal/infrastructure/di"
)

func newResumeCmd(version string) *cobra.Command {
	var noWait bool

	cmd := &cobra.Command{
		Use:   "resume RUN_ID",
		Short: "Resume a run parked for human triage",
		Long: `Resume re-arms the hard-failed stages of a waiting run with a fresh
attempt budget and drives the pipeline again from where it stopped.
Succeeded stages are not re-executed.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			runID, err := model.NewRunIDFromString(args[0])
			if err != nil {
				return fmt.Errorf("invalid run ID: %w", err)
			}

			return withContainer(cmd, version, func(c *di.Container) error {
				coordinator := c.Coordinator()

				if err := coordinator.Resume(cmd.Context(), runID); err != nil {
					if errors.Is(err, orchestration.ErrLeaseHeld) {
						return fmt.Errorf("run %s is being driven by another process", runID)
					}
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "run %s resumed\n", runID)
				if noWait {
					return nil
				}

				if err := coordinator.Drive(cmd.Context(), runID); err != nil {
					return err
				}
				status, err := coordinator.Status(cmd.Context(), runID)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "run %s finished in state %s\n", runID, status.Run.State())
				return nil
			})
		},
	}

	cmd.Flags().BoolVar(&noWait, "no-wait", false, "Re-arm only; drive the run later")
	return cmd
}
