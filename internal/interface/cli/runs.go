package cli

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/veridex/veridex/internal/domain/model"
	"github.com/veridex/veridex/internal/domain/repository"
	"github.com/veridex/veridex/internal/infrastructure/di"
)

// RunListItem is one run in the JSON listing
type RunListItem struct {
	RunID            string `json:"run_id"`
	CaseID           string `json:"case_id"`
	State            string `json:"state"`
	CoverageDegraded bool   `json:"coverage_degraded"`
	CreatedAt        string `json:"created_at"`
	UpdatedAt        string `json:"updated_at"`
}

func newRunsCmd(version string) *cobra.Command {
	var caseFilter string
	var stateFilters []string
	var limit int
	var jsonOutput bool

	cmd := &cobra.Command{
		Use:   "runs",
		Short: "List runs, newest first",
		RunE: func(cmd *cobra.Command, args []string) error {
			filter := repository.RunFilter{Limit: limit}
			if caseFilter != "" {
				caseID, err := model.NewCaseID(caseFilter)
				if err != nil {
					return fmt.Errorf("invalid case ID: %w", err)
				}
				filter.CaseID = &caseID
			}
			for _, s := range stateFilters {
				state := model.RunState(s)
				if !state.IsValid() {
					return fmt.Errorf("invalid run state: %s", s)
				}
				filter.States = append(filter.States, state)
			}

			return withContainer(cmd, version, func(c *di.Container) error {
				runs, err := c.Coordinator().List(cmd.Context(), filter)
				if err != nil {
					return err
				}

				if jsonOutput {
					items := make([]RunListItem, 0, len(runs))
					for _, r := range runs {
						items = append(items, RunListItem{
							RunID:            r.ID().String(),
							CaseID:           r.CaseID().String(),
							State:            r.State().String(),
							CoverageDegraded: r.CoverageDegraded(),
							CreatedAt:        r.CreatedAt().UTC().Format(time.RFC3339),
							UpdatedAt:        r.UpdatedAt().UTC().Format(time.RFC3339),
						})
					}
					b, err := json.Marshal(items)
					if err != nil {
						return err
					}
					fmt.Fprintln(cmd.OutOrStdout(), string(b))
					return nil
				}

				if len(runs) == 0 {
					fmt.Fprintln(cmd.OutOrStdout(), "no runs found")
					return nil
				}
				for _, r := range runs {
					fmt.Fprintf(cmd.OutOrStdout(), "%s  %-12s %-24s %s\n",
						r.ID(), r.State(), r.CaseID(), r.CreatedAt().UTC().Format(time.RFC3339))
				}
				return nil
			})
		},
	}

	cmd.Flags().StringVar(&caseFilter, "case", "", "Filter by case ID")
	cmd.Flags().StringSliceVar(&stateFilters, "state", nil, "Filter by run state (repeatable)")
	cmd.Flags().IntVar(&limit, "limit", 50, "Maximum number of runs to list")
	cmd.Flags().BoolVar(&jsonOutput, "json", false, "Output as JSON")
	return cmd
}
