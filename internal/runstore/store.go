// Package runstore is the durable record of run identity, configuration,
// tags, and lifecycle state. Status changes go through a compare-and-swap so
// the launcher and the monitor never clobber each other's transitions.
package runstore

import (
	"context"
	"errors"

	"github.com/sarahmk125/dagster/internal/domain"
)

var (
	ErrNotFound      = errors.New("run not found")
	ErrAlreadyExists = errors.New("run already exists")
)

// Filter selects runs by status. An empty status set matches everything.
type Filter struct {
	Statuses []domain.RunStatus
	Limit    int
}

type Store interface {
	CreateRun(ctx context.Context, run domain.Run) error
	GetRun(ctx context.Context, runID string) (domain.Run, error)

	// UpdateTags merges the given tags into the run's tag map.
	UpdateTags(ctx context.Context, runID string, tags map[string]string) error

	// CompareAndSwapStatus transitions the run from expected to next.
	// Returns false (and no error) when the stored status no longer matches
	// expected: the caller's view is stale and the write is discarded.
	// Transitions that the state machine forbids are also rejected.
	CompareAndSwapStatus(ctx context.Context, runID string, expected, next domain.RunStatus) (bool, error)

	// RecordError sets the human-readable failure detail for a run.
	RecordError(ctx context.Context, runID string, detail string) error

	ListRuns(ctx context.Context, filter Filter) ([]domain.Run, error)
}
