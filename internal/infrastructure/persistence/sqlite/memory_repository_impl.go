package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/veridex/veridex/internal/domain/model"
	"github.com/veridex/veridex/internal/domain/model/memory"
	"github.com/veridex/veridex/internal/domain/repository"
)

// MemoryRepositoryImpl implements repository.MemoryRepository with
// SQLite. One row per run; every save bumps the version.
type MemoryRepositoryImpl struct {
	db *sql.DB
}

// NewMemoryRepository creates a new SQLite-based memory repository
func NewMemoryRepository(db *sql.DB) repository.MemoryRepository {
	return &MemoryRepositoryImpl{db: db}
}

// Save persists the snapshot and returns the new version
func (r *MemoryRepositoryImpl) Save(ctx context.Context, runID model.RunID, snapshot *memory.Snapshot) (int64, error) {
	document, err := snapshot.ToJSON()
	if err != nil {
		return 0, err
	}

	query := `
		INSERT INTO run_memory (run_id, version, document, updated_at)
		VALUES (?, 1, ?, ?)
		ON CONFLICT(run_id) DO UPDATE SET
			version = run_memory.version + 1,
			document = excluded.document,
			updated_at = excluded.updated_at
	`
	_, err = r.db.ExecContext(ctx, query,
		runID.String(),
		string(document),
		time.Now().UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return 0, fmt.Errorf("save run memory failed: %w", err)
	}

	var version int64
	if err := r.db.QueryRowContext(ctx,
		"SELECT version FROM run_memory WHERE run_id = ?", runID.String(),
	).Scan(&version); err != nil {
		return 0, fmt.Errorf("read run memory version failed: %w", err)
	}
	return version, nil
}

// Load returns the latest snapshot and its version
func (r *MemoryRepositoryImpl) Load(ctx context.Context, runID model.RunID) (*memory.Snapshot, int64, error) {
	var (
		document string
		version  int64
	)
	err := r.db.QueryRowContext(ctx,
		"SELECT document, version FROM run_memory WHERE run_id = ?", runID.String(),
	).Scan(&document, &version)
	if err == sql.ErrNoRows {
		return nil, 0, fmt.Errorf("run memory not found: %s", runID)
	}
	if err != nil {
		return nil, 0, fmt.Errorf("load run memory failed: %w", err)
	}

	snapshot, err := memory.FromJSON([]byte(document))
	if err != nil {
		return nil, 0, err
	}
	return snapshot, version, nil
}
