package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/veridex/veridex/internal/domain/model"
	"github.com/veridex/veridex/internal/domain/model/stage"
	"github.com/veridex/veridex/internal/domain/repository"
)

// TransitionRepositoryImpl implements repository.TransitionRepository
// with SQLite. The table is append-only; there is no update or delete.
type TransitionRepositoryImpl struct {
	db *sql.DB
}

// NewTransitionRepository creates a new SQLite-based transition repository
func NewTransitionRepository(db *sql.DB) repository.TransitionRepository {
	return &TransitionRepositoryImpl{db: db}
}

// Append records a transition
func (r *TransitionRepositoryImpl) Append(ctx context.Context, t stage.Transition) error {
	query := `
		INSERT INTO state_transitions (run_id, stage, from_state, to_state, "trigger", created_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`
	_, err := r.db.ExecContext(ctx, query,
		t.RunID.String(),
		t.Stage.String(),
		t.FromState,
		t.ToState,
		t.Trigger,
		t.Timestamp.Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("append transition failed: %w", err)
	}
	return nil
}

// ListByRun returns a run's transitions in insertion order
func (r *TransitionRepositoryImpl) ListByRun(ctx context.Context, runID model.RunID) ([]stage.Transition, error) {
	query := `
		SELECT run_id, stage, from_state, to_state, "trigger", created_at
		FROM state_transitions WHERE run_id = ? ORDER BY id ASC
	`
	rows, err := r.db.QueryContext(ctx, query, runID.String())
	if err != nil {
		return nil, fmt.Errorf("list transitions failed: %w", err)
	}
	defer rows.Close()

	var transitions []stage.Transition
	for rows.Next() {
		var (
			runIDStr, stageStr, fromState, toState, trigger, createdAtStr string
		)
		if err := rows.Scan(&runIDStr, &stageStr, &fromState, &toState, &trigger, &createdAtStr); err != nil {
			return nil, fmt.Errorf("scan transition failed: %w", err)
		}
		id, err := model.NewRunIDFromString(runIDStr)
		if err != nil {
			return nil, err
		}
		ts, err := time.Parse(time.RFC3339Nano, createdAtStr)
		if err != nil {
			return nil, fmt.Errorf("parse created_at failed: %w", err)
		}
		transitions = append(transitions, stage.Transition{
			RunID:     id,
			Stage:     model.StageName(stageStr),
			FromState: fromState,
			ToState:   toState,
			Trigger:   trigger,
			Timestamp: ts,
		})
	}
	return transitions, rows.Err()
}
