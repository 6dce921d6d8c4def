package cli

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/veridex/veridex/internal/application/usecase/orchestration"
	"github.com/veridex/veridex/internal/domain/model"
	"github.com/veridex/veridex/internal/infrastructure/di"
)

func newDriveCmd(version string) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "drive RUN_ID",
		Short: "Drive a pending run until it parks",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			runID, err := model.NewRunIDFromString(args[0])
			if err != nil {
				return fmt.Errorf("invalid run ID: %w", err)
			}

			return withContainer(cmd, version, func(c *di.Container) error {
				coordinator := c.Coordinator()
				if err := coordinator.Drive(cmd.Context(), runID); err != nil {
					if errors.Is(err, orchestration.ErrLeaseHeld) {
						return fmt.Errorf("run %s is already being driven by another process", runID)
					}
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
	return cmd
}
