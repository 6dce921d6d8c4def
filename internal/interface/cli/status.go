package cli

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/veridex/veridex/internal/application/usecase/orchestration"
	"github.com/veridex/veridex/internal/domain/model"
	"github.com/veridex/veridex/internal/infrastructure/di"
)

// StatusOutput is the JSON shape of the status command
type StatusOutput struct {
	Ts               string             `json:"ts"`
	RunID            string             `json:"run_id"`
	CaseID           string             `json:"case_id"`
	State            string             `json:"state"`
	CoverageDegraded bool               `json:"coverage_degraded"`
	Stages           []StageStatus      `json:"stages"`
	Transitions      []TransitionRecord `json:"transitions,omitempty"`
}

// StageStatus is one stage's view in the status output
type StageStatus struct {
	Stage       string `json:"stage"`
	State       string `json:"state"`
	Attempt     int    `json:"attempt"`
	OnFallback  bool   `json:"on_fallback,omitempty"`
	LastError   string `json:"last_error,omitempty"`
	NextRetryAt string `json:"next_retry_at,omitempty"`
}

// TransitionRecord is one audit entry in the status output
type TransitionRecord struct {
	Stage   string `json:"stage,omitempty"`
	From    string `json:"from"`
	To      string `json:"to"`
	Trigger string `json:"trigger"`
	Ts      string `json:"ts"`
}

func newStatusCmd(version string) *cobra.Command {
	var jsonOutput bool
	var showTransitions bool

	cmd := &cobra.Command{
		Use:   "status RUN_ID",
		Short: "Show a run's state, stage progress, and audit trail",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			runID, err := model.NewRunIDFromString(args[0])
			if err != nil {
				return fmt.Errorf("invalid run ID: %w", err)
			}

			return withContainer(cmd, version, func(c *di.Container) error {
				status, err := c.Coordinator().Status(cmd.Context(), runID)
				if err != nil {
					return err
				}
				if jsonOutput {
					return printStatusJSON(cmd, status, showTransitions)
				}
				printStatusText(cmd, status, showTransitions)
				return nil
			})
		},
	}

	cmd.Flags().BoolVar(&jsonOutput, "json", false, "Output status as JSON")
	cmd.Flags().BoolVar(&showTransitions, "transitions", false, "Include the full transition history")
	return cmd
}

func printStatusJSON(cmd *cobra.Command, status *orchestration.Status, showTransitions bool) error {
	out := StatusOutput{
		Ts:               time.Now().UTC().Format(time.RFC3339Nano),
		RunID:            status.Run.ID().String(),
		CaseID:           status.Run.CaseID().String(),
		State:            status.Run.State().String(),
		CoverageDegraded: status.Run.CoverageDegraded(),
	}
	for _, inv := range status.Invocations {
		s := StageStatus{
			Stage:      inv.Name().String(),
			State:      inv.State().String(),
			Attempt:    inv.Attempt(),
			OnFallback: inv.OnFallback(),
			LastError:  inv.LastError(),
		}
		if at := inv.NextRetryAt(); at != nil {
			s.NextRetryAt = at.UTC().Format(time.RFC3339Nano)
		}
		out.Stages = append(out.Stages, s)
	}
	if showTransitions {
		for _, t := range status.Transitions {
			out.Transitions = append(out.Transitions, TransitionRecord{
				Stage:   t.Stage.String(),
				From:    t.FromState,
				To:      t.ToState,
				Trigger: t.Trigger,
				Ts:      t.Timestamp.UTC().Format(time.RFC3339Nano),
			})
		}
	}

	b, err := json.Marshal(out)
	if err != nil {
		return err
	}
	fmt.Fprintln(cmd.OutOrStdout(), string(b))
	return nil
}

func printStatusText(cmd *cobra.Command, status *orchestration.Status, showTransitions bool) {
	w := cmd.OutOrStdout()
	fmt.Fprintf(w, "Run:   %s\n", status.Run.ID())
	fmt.Fprintf(w, "Case:  %s\n", status.Run.CaseID())
	fmt.Fprintf(w, "State: %s", status.Run.State())
	if status.Run.CoverageDegraded() {
		fmt.Fprint(w, " (degraded forensics coverage)")
	}
	fmt.Fprintln(w)

	fmt.Fprintln(w, "\nStages:")
	for _, inv := range status.Invocations {
		fmt.Fprintf(w, "  %-20s %-12s attempt %d", inv.Name(), inv.State(), inv.Attempt())
		if inv.OnFallback() {
			fmt.Fprint(w, " [fallback]")
		}
		if inv.LastError() != "" {
			fmt.Fprintf(w, "  last error: %s", inv.LastError())
		}
		fmt.Fprintln(w)
	}

	if showTransitions {
		fmt.Fprintln(w, "\nTransitions:")
		for _, t := range status.Transitions {
			scope := t.Stage.String()
			if scope == "" {
				scope = "run"
			}
			fmt.Fprintf(w, "  %s  %-20s %s -> %s (%s)\n",
				t.Timestamp.UTC().Format(time.RFC3339), scope, t.FromState, t.ToState, t.Trigger)
		}
	}
}
