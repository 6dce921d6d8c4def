package repository

import (
	"context"

	"github.com/veridex/veridex/internal/domain/model"
	"github.com/veridex/veridex/internal/domain/model/run"
	"github.com/veridex/veridex/internal/domain/model/stage"
)

// RunFilter narrows run listings
type RunFilter struct {
	CaseID *model.CaseID
	States []model.RunState
	Limit  int
	Offset int
}

// RunRepository persists run records
type RunRepository interface {
	// Save persists a run (insert or update by run ID)
	Save(ctx context.Context, r *run.Run) error

	// Find retrieves a run by ID
	Find(ctx context.Context, id model.RunID) (*run.Run, error)

	// List retrieves runs by filter, newest first
	List(ctx context.Context, filter RunFilter) ([]*run.Run, error)
}

// InvocationRepository persists stage invocations, one per stage per run
type InvocationRepository interface {
	// Save persists an invocation (insert or update by run ID + stage)
	Save(ctx context.Context, inv *stage.Invocation) error

	// Find retrieves one invocation
	Find(ctx context.Context, runID model.RunID, name model.StageName) (*stage.Invocation, error)

	// ListByRun retrieves all invocations of a run in scheduling order
	ListByRun(ctx context.Context, runID model.RunID) ([]*stage.Invocation, error)
}

// TransitionRepository is the append-only audit log of state changes
type TransitionRepository interface {
	// Append records a transition; records are never updated or deleted
	Append(ctx context.Context, t stage.Transition) error

	// ListByRun returns a run's transitions in insertion order
	ListByRun(ctx context.Context, runID model.RunID) ([]stage.Transition, error)
}
