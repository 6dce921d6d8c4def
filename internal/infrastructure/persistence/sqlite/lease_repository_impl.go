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

// LeaseRepositoryImpl implements repository.LeaseRepository with SQLite
type LeaseRepositoryImpl struct {
	db *sql.DB
}

// NewLeaseRepository creates a new SQLite-based lease repository
func NewLeaseRepository(db *sql.DB) repository.LeaseRepository {
	return &LeaseRepositoryImpl{db: db}
}

// Acquire takes the lease for a run. Returns nil without error when
// the lease is already held and not expired.
func (r *LeaseRepositoryImpl) Acquire(ctx context.Context, runID model.RunID, ttl time.Duration) (*run.Lease, error) {
	now := time.Now().UTC()

	existing, err := r.Find(ctx, runID)
	if err != nil {
		return nil, err
	}
	if existing != nil {
		if !existing.IsExpired() {
			return nil, nil
		}
		// Reap the stale lease; losing the race to another process is
		// detected by the UNIQUE violation on insert below.
		if _, err := r.db.ExecContext(ctx,
			"DELETE FROM run_leases WHERE run_id = ? AND expires_at < ?",
			runID.String(), now.Format(time.RFC3339Nano),
		); err != nil {
			return nil, fmt.Errorf("reap stale lease failed: %w", err)
		}
	}

	lease, err := run.NewLease(runID, ttl)
	if err != nil {
		return nil, fmt.Errorf("create lease: %w", err)
	}

	_, err = r.db.ExecContext(ctx, `
		INSERT INTO run_leases (run_id, pid, hostname, acquired_at, expires_at, heartbeat_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`,
		lease.RunID().String(),
		lease.PID(),
		lease.Hostname(),
		lease.AcquiredAt().Format(time.RFC3339Nano),
		lease.ExpiresAt().Format(time.RFC3339Nano),
		lease.HeartbeatAt().Format(time.RFC3339Nano),
	)
	if err != nil {
		if isUniqueConstraintError(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("insert lease failed: %w", err)
	}
	return lease, nil
}

// Release frees the lease
func (r *LeaseRepositoryImpl) Release(ctx context.Context, runID model.RunID) error {
	_, err := r.db.ExecContext(ctx, "DELETE FROM run_leases WHERE run_id = ?", runID.String())
	if err != nil {
		return fmt.Errorf("release lease failed: %w", err)
	}
	return nil
}

// Find returns the current lease, or nil when none is held
func (r *LeaseRepositoryImpl) Find(ctx context.Context, runID model.RunID) (*run.Lease, error) {
	query := `
		SELECT run_id, pid, hostname, acquired_at, expires_at, heartbeat_at
		FROM run_leases WHERE run_id = ?
	`
	var (
		runIDStr, hostname                       string
		pid                                      int
		acquiredAtStr, expiresAtStr, heartbeatAt string
	)
	err := r.db.QueryRowContext(ctx, query, runID.String()).Scan(
		&runIDStr, &pid, &hostname, &acquiredAtStr, &expiresAtStr, &heartbeatAt,
	)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("find lease failed: %w", err)
	}
	return reconstructLease(runIDStr, pid, hostname, acquiredAtStr, expiresAtStr, heartbeatAt)
}

// Heartbeat refreshes the lease's heartbeat timestamp and pushes the
// expiry out to ttl from now. An expired lease is not revived: another
// process may already have reaped and re-acquired it.
func (r *LeaseRepositoryImpl) Heartbeat(ctx context.Context, runID model.RunID, ttl time.Duration) error {
	lease, err := r.Find(ctx, runID)
	if err != nil {
		return err
	}
	if lease == nil || lease.IsExpired() {
		return fmt.Errorf("no lease held for run %s", runID)
	}

	lease.UpdateHeartbeat()
	lease.Extend(ttl)

	_, err = r.db.ExecContext(ctx,
		"UPDATE run_leases SET heartbeat_at = ?, expires_at = ? WHERE run_id = ?",
		lease.HeartbeatAt().Format(time.RFC3339Nano),
		lease.ExpiresAt().Format(time.RFC3339Nano),
		runID.String(),
	)
	if err != nil {
		return fmt.Errorf("heartbeat failed: %w", err)
	}
	return nil
}

// ReapExpired removes expired leases and returns the affected run IDs
func (r *LeaseRepositoryImpl) ReapExpired(ctx context.Context) ([]model.RunID, error) {
	now := time.Now().UTC().Format(time.RFC3339Nano)

	rows, err := r.db.QueryContext(ctx,
		"SELECT run_id FROM run_leases WHERE expires_at < ?", now,
	)
	if err != nil {
		return nil, fmt.Errorf("list expired leases failed: %w", err)
	}
	defer rows.Close()

	var runIDs []model.RunID
	for rows.Next() {
		var runIDStr string
		if err := rows.Scan(&runIDStr); err != nil {
			return nil, fmt.Errorf("scan expired lease failed: %w", err)
		}
		runID, err := model.NewRunIDFromString(runIDStr)
		if err != nil {
			return nil, err
		}
		runIDs = append(runIDs, runID)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	if len(runIDs) > 0 {
		if _, err := r.db.ExecContext(ctx,
			"DELETE FROM run_leases WHERE expires_at < ?", now,
		); err != nil {
			return nil, fmt.Errorf("delete expired leases failed: %w", err)
		}
	}
	return runIDs, nil
}

func reconstructLease(runIDStr string, pid int, hostname, acquiredAtStr, expiresAtStr, heartbeatAtStr string) (*run.Lease, error) {
	runID, err := model.NewRunIDFromString(runIDStr)
	if err != nil {
		return nil, err
	}
	acquiredAt, err := time.Parse(time.RFC3339Nano, acquiredAtStr)
	if err != nil {
		return nil, fmt.Errorf("parse acquired_at failed: %w", err)
	}
	expiresAt, err := time.Parse(time.RFC3339Nano, expiresAtStr)
	if err != nil {
		return nil, fmt.Errorf("parse expires_at failed: %w", err)
	}
	heartbeatAt, err := time.Parse(time.RFC3339Nano, heartbeatAtStr)
	if err != nil {
		return nil, fmt.Errorf("parse heartbeat_at failed: %w", err)
	}
	return run.ReconstructLease(runID, pid, hostname, acquiredAt, expiresAt, heartbeatAt), nil
}

// isUniqueConstraintError checks for a SQLite UNIQUE violation
func isUniqueConstraintError(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}
