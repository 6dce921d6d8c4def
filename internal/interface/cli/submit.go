package cli

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/veridex/veridex/internal/application/usecase/orchestration"
	"github.com/veridex/veridex/internal/domain/model"
	"github.com/veridex/veridex/internal/infrastructure/di"
)

func newSubmitCmd(version string) *cobra.Command {
	var caseID string
	var userID string
	var objective string
	var noWait bool

	cmd := &cobra.Command{
		Use:   "submit",
		Short: "Submit a case and drive its analysis run",
		Long: `Submit creates an analysis run for a case and, unless --no-wait is
given, drives the pipeline until the run succeeds, parks for human
triage, or is cancelled.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			normalized, err := model.NewCaseID(caseID)
			if err != nil {
				return fmt.Errorf("invalid case ID: %w", err)
			}

			return withContainer(cmd, version, func(c *di.Container) error {
				coordinator := c.Coordinator()

				// Park anything left over from a crashed process first
				if err := coordinator.RecoverStale(cmd.Context()); err != nil {
					Warn("recover stale runs: %v", err)
				}

				runID, err := coordinator.Submit(cmd.Context(), normalized, userID, objective)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "run %s submitted for case %s\n", runID, normalized)
				if noWait {
					return nil
				}

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
				if status.Run.CoverageDegraded() {
					fmt.Fprintln(cmd.OutOrStdout(), "warning: forensics coverage is degraded; see status for failed analyzers")
				}
				return nil
			})
		},
	}

	cmd.Flags().StringVar(&caseID, "case", "", "Case identifier (required)")
	cmd.Flags().StringVar(&userID, "user", "", "Submitting analyst")
	cmd.Flags().StringVar(&objective, "objective", "", "Analysis objective recorded in the run plan")
	cmd.Flags().BoolVar(&noWait, "no-wait", false, "Submit only; drive the run later")
	_ = cmd.MarkFlagRequired("case")

	return cmd
}
