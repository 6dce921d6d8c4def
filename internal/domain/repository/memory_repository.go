package repository

import (
	"context"
	"time"

	"github.com/veridex/veridex/internal/domain/model"
	"github.com/veridex/veridex/internal/domain/model/memory"
	"github.com/veridex/veridex/internal/domain/model/run"
)

// MemoryRepository is the durable, versioned store of shared run state.
// One document exists per run; every save bumps the version.
type MemoryRepository interface {
	// Save persists the snapshot and returns the new version
	Save(ctx context.Context, runID model.RunID, snapshot *memory.Snapshot) (int64, error)

	// Load returns the latest snapshot and its version
	Load(ctx context.Context, runID model.RunID) (*memory.Snapshot, int64, error)
}

// LeaseRepository persists run execution leases
type LeaseRepository interface {
	// Acquire takes the lease for a run. Returns nil without error when
	// the lease is already held and not expired.
	Acquire(ctx context.Context, runID model.RunID, ttl time.Duration) (*run.Lease, error)

	// Release frees the lease
	Release(ctx context.Context, runID model.RunID) error

	// Find returns the current lease, or nil when none is held
	Find(ctx context.Context, runID model.RunID) (*run.Lease, error)

	// Heartbeat refreshes the lease's heartbeat timestamp and re-arms
	// its expiry to ttl from now
	Heartbeat(ctx context.Context, runID model.RunID, ttl time.Duration) error

	// ReapExpired removes expired leases and returns the affected run IDs
	ReapExpired(ctx context.Context) ([]model.RunID, error)
}
