package sqlite

import (
	"database/sql"
	"path/filepath"
	"testing"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/stretchr/testify/require"

	"github.com/veridex/veridex/internal/domain/model"
)

// setupTestDB opens a migrated file-backed database in a temp dir.
// A file, not :memory:, so the connection pool sees one database.
func setupTestDB(t *testing.T) *sql.DB {
	t.Helper()

	dbPath := filepath.Join(t.TempDir(), "veridex-test.db")
	db, err := sql.Open("sqlite3", dbPath+"?_foreign_keys=on")
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	require.NoError(t, NewMigrator(db).Migrate())
	return db
}

// insertRun seeds a parent runs row so child tables with a run_id
// foreign key can be exercised in isolation.
func insertRun(t *testing.T, db *sql.DB, runID model.RunID) {
	t.Helper()

	now := time.Now().UTC().Format(time.RFC3339Nano)
	_, err := db.Exec(
		"INSERT INTO runs (run_id, case_id, state, created_at, updated_at) VALUES (?, ?, ?, ?, ?)",
		runID.String(), "CASE-TEST", model.RunIdle.String(), now, now,
	)
	require.NoError(t, err)
}

func mustCaseID(t *testing.T, raw string) model.CaseID {
	t.Helper()
	caseID, err := model.NewCaseID(raw)
	require.NoError(t, err)
	return caseID
}
