package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/veridex/veridex/internal/domain/model"
	"github.com/veridex/veridex/internal/infrastructure/di"
)

func newCancelCmd(version string) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "cancel RUN_ID",
		Short: "Cancel a run and roll back partial stage output",
		Long: `Cancel terminates a run. In-flight stages finish compensation before
the run reports cancelled; partial insights and artifacts written by
the cancelled stages are removed from the run memory.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			runID, err := model.NewRunIDFromString(args[0])
			if err != nil {
				return fmt.Errorf("invalid run ID: %w", err)
			}

			return withContainer(cmd, version, func(c *di.Container) error {
				if err := c.Coordinator().Cancel(cmd.Context(), runID); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "run %s cancelled\n", runID)
				return nil
			})
		},
	}
	return cmd
}
