package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/veridex/veridex/internal/domain/model"
	"github.com/veridex/veridex/internal/domain/model/run"
	"github.com/veridex/veridex/internal/domain/repository"
)

// RunRepositoryImpl implements repository.RunRepository with SQLite
type RunRepositoryImpl struct {
	db *sql.DB
}

// NewRunRepository creates a new SQLite-based run repository
func NewRunRepository(db *sql.DB) repository.RunRepository {
	return &RunRepositoryImpl{db: db}
}

// Save persists a run (insert or update by run ID)
func (r *RunRepositoryImpl) Save(ctx context.Context, rn *run.Run) error {
	query := `
		INSERT INTO runs (run_id, case_id, user_id, state, coverage_degraded, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(run_id) DO UPDATE SET
			state = excluded.state,
			coverage_degraded = excluded.coverage_degraded,
			updated_at = excluded.updated_at
	`
	_, err := r.db.ExecContext(ctx, query,
		rn.ID().String(),
		rn.CaseID().String(),
		rn.Context().UserID,
		rn.State().String(),
		boolToInt(rn.CoverageDegraded()),
		rn.CreatedAt().Format(time.RFC3339Nano),
		rn.UpdatedAt().Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("save run failed: %w", err)
	}
	return nil
}

// Find retrieves a run by ID
func (r *RunRepositoryImpl) Find(ctx context.Context, id model.RunID) (*run.Run, error) {
	query := `
		SELECT run_id, case_id, user_id, state, coverage_degraded, created_at, updated_at
		FROM runs WHERE run_id = ?
	`
	row := r.db.QueryRowContext(ctx, query, id.String())
	rn, err := scanRun(row)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("run not found: %s", id)
	}
	return rn, err
}

// List retrieves runs by filter, newest first
func (r *RunRepositoryImpl) List(ctx context.Context, filter repository.RunFilter) ([]*run.Run, error) {
	query := `
		SELECT run_id, case_id, user_id, state, coverage_degraded, created_at, updated_at
		FROM runs
	`
	var conditions []string
	var args []interface{}

	if filter.CaseID != nil {
		conditions = append(conditions, "case_id = ?")
		args = append(args, filter.CaseID.String())
	}
	if len(filter.States) > 0 {
		placeholders := make([]string, len(filter.States))
		for i, state := range filter.States {
			placeholders[i] = "?"
			args = append(args, state.String())
		}
		conditions = append(conditions, fmt.Sprintf("state IN (%s)", strings.Join(placeholders, ", ")))
	}
	if len(conditions) > 0 {
		query += " WHERE " + strings.Join(conditions, " AND ")
	}
	query += " ORDER BY created_at DESC"
	if filter.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", filter.Limit)
		if filter.Offset > 0 {
			query += fmt.Sprintf(" OFFSET %d", filter.Offset)
		}
	}

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list runs failed: %w", err)
	}
	defer rows.Close()

	var runs []*run.Run
	for rows.Next() {
		rn, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		runs = append(runs, rn)
	}
	return runs, rows.Err()
}

// rowScanner abstracts sql.Row and sql.Rows
type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanRun(row rowScanner) (*run.Run, error) {
	var (
		runIDStr, caseIDStr, userID, stateStr string
		degraded                              int
		createdAtStr, updatedAtStr            string
	)
	if err := row.Scan(&runIDStr, &caseIDStr, &userID, &stateStr, &degraded, &createdAtStr, &updatedAtStr); err != nil {
		if err == sql.ErrNoRows {
			return nil, err
		}
		return nil, fmt.Errorf("scan run failed: %w", err)
	}

	runID, err := model.NewRunIDFromString(runIDStr)
	if err != nil {
		return nil, err
	}
	caseID, err := model.NewCaseID(caseIDStr)
	if err != nil {
		return nil, err
	}
	state := model.RunState(stateStr)
	if !state.IsValid() {
		return nil, fmt.Errorf("invalid run state in store: %s", stateStr)
	}
	createdAt, err := time.Parse(time.RFC3339Nano, createdAtStr)
	if err != nil {
		return nil, fmt.Errorf("parse created_at failed: %w", err)
	}
	updatedAt, err := time.Parse(time.RFC3339Nano, updatedAtStr)
	if err != nil {
		return nil, fmt.Errorf("parse updated_at failed: %w", err)
	}

	return run.ReconstructRun(runID, caseID, userID, state, degraded != 0, createdAt, updatedAt), nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
