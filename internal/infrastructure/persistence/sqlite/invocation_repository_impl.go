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

// InvocationRepositoryImpl implements repository.InvocationRepository with SQLite
type InvocationRepositoryImpl struct {
	db *sql.DB
}

// NewInvocationRepository creates a new SQLite-based invocation repository
func NewInvocationRepository(db *sql.DB) repository.InvocationRepository {
	return &InvocationRepositoryImpl{db: db}
}

// Save persists an invocation (insert or update by run ID + stage)
func (r *InvocationRepositoryImpl) Save(ctx context.Context, inv *stage.Invocation) error {
	query := `
		INSERT INTO stage_invocations (run_id, stage, state, attempt, fallback, started_at, last_error, next_retry_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(run_id, stage) DO UPDATE SET
			state = excluded.state,
			attempt = excluded.attempt,
			fallback = excluded.fallback,
			started_at = excluded.started_at,
			last_error = excluded.last_error,
			next_retry_at = excluded.next_retry_at,
			updated_at = excluded.updated_at
	`
	_, err := r.db.ExecContext(ctx, query,
		inv.RunID().String(),
		inv.Name().String(),
		inv.State().String(),
		inv.Attempt(),
		boolToInt(inv.OnFallback()),
		formatNullableTime(inv.StartedAt()),
		inv.LastError(),
		formatNullableTime(inv.NextRetryAt()),
		inv.UpdatedAt().Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("save invocation failed: %w", err)
	}
	return nil
}

// Find retrieves one invocation; returns nil when it does not exist yet
func (r *InvocationRepositoryImpl) Find(ctx context.Context, runID model.RunID, name model.StageName) (*stage.Invocation, error) {
	query := `
		SELECT run_id, stage, state, attempt, fallback, started_at, last_error, next_retry_at, updated_at
		FROM stage_invocations WHERE run_id = ? AND stage = ?
	`
	row := r.db.QueryRowContext(ctx, query, runID.String(), name.String())
	inv, err := scanInvocation(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return inv, err
}

// ListByRun retrieves all invocations of a run in scheduling order
func (r *InvocationRepositoryImpl) ListByRun(ctx context.Context, runID model.RunID) ([]*stage.Invocation, error) {
	byName := make(map[model.StageName]*stage.Invocation)

	query := `
		SELECT run_id, stage, state, attempt, fallback, started_at, last_error, next_retry_at, updated_at
		FROM stage_invocations WHERE run_id = ?
	`
	rows, err := r.db.QueryContext(ctx, query, runID.String())
	if err != nil {
		return nil, fmt.Errorf("list invocations failed: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		inv, err := scanInvocation(rows)
		if err != nil {
			return nil, err
		}
		byName[inv.Name()] = inv
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	// Pipeline order, not insertion order.
	var invocations []*stage.Invocation
	for _, name := range model.AllStages() {
		if inv, ok := byName[name]; ok {
			invocations = append(invocations, inv)
		}
	}
	return invocations, nil
}

func scanInvocation(row rowScanner) (*stage.Invocation, error) {
	var (
		runIDStr, stageStr, stateStr, lastError string
		attempt, fallback                       int
		startedAtStr, nextRetryAtStr            sql.NullString
		updatedAtStr                            string
	)
	if err := row.Scan(&runIDStr, &stageStr, &stateStr, &attempt, &fallback, &startedAtStr, &lastError, &nextRetryAtStr, &updatedAtStr); err != nil {
		if err == sql.ErrNoRows {
			return nil, err
		}
		return nil, fmt.Errorf("scan invocation failed: %w", err)
	}

	runID, err := model.NewRunIDFromString(runIDStr)
	if err != nil {
		return nil, err
	}
	name := model.StageName(stageStr)
	if !name.IsValid() {
		return nil, fmt.Errorf("invalid stage name in store: %s", stageStr)
	}
	state := model.StageState(stateStr)
	if !state.IsValid() {
		return nil, fmt.Errorf("invalid stage state in store: %s", stateStr)
	}
	startedAt, err := parseNullableTime(startedAtStr)
	if err != nil {
		return nil, err
	}
	nextRetryAt, err := parseNullableTime(nextRetryAtStr)
	if err != nil {
		return nil, err
	}
	updatedAt, err := time.Parse(time.RFC3339Nano, updatedAtStr)
	if err != nil {
		return nil, fmt.Errorf("parse updated_at failed: %w", err)
	}

	return stage.ReconstructInvocation(runID, name, state, attempt, fallback != 0, startedAt, lastError, nextRetryAt, updatedAt)
}

func formatNullableTime(t *time.Time) interface{} {
	if t == nil {
		return nil
	}
	return t.Format(time.RFC3339Nano)
}

func parseNullableTime(s sql.NullString) (*time.Time, error) {
	if !s.Valid || s.String == "" {
		return nil, nil
	}
	t, err := time.Parse(time.RFC3339Nano, s.String)
	if err != nil {
		return nil, fmt.Errorf("parse timestamp failed: %w", err)
	}
	return &t, nil
}
