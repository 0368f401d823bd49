package runstore

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/sarahmk125/dagster/internal/domain"
)

// MemoryStore is an in-memory Store used by tests and local development.
// Semantics mirror the postgres store, including CAS discard of stale
// transitions.
type MemoryStore struct {
	mu   sync.RWMutex
	runs map[string]domain.Run
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{runs: make(map[string]domain.Run)}
}

func (s *MemoryStore) CreateRun(ctx context.Context, run domain.Run) error {
	if err := run.Validate(); err != nil {
		return err
	}
	if run.CreatedAt.IsZero() {
		run.CreatedAt = time.Now().UTC()
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	id := strings.TrimSpace(run.ID)
	if _, exists := s.runs[id]; exists {
		return ErrAlreadyExists
	}
	s.runs[id] = copyRun(run)
	return nil
}

func (s *MemoryStore) GetRun(ctx context.Context, runID string) (domain.Run, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	run, ok := s.runs[strings.TrimSpace(runID)]
	if !ok {
		return domain.Run{}, ErrNotFound
	}
	return copyRun(run), nil
}

func (s *MemoryStore) UpdateTags(ctx context.Context, runID string, tags map[string]string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	run, ok := s.runs[strings.TrimSpace(runID)]
	if !ok {
		return ErrNotFound
	}
	if run.Tags == nil {
		run.Tags = make(map[string]string, len(tags))
	}
	for k, v := range tags {
		run.Tags[k] = v
	}
	s.runs[run.ID] = run
	return nil
}

func (s *MemoryStore) CompareAndSwapStatus(ctx context.Context, runID string, expected, next domain.RunStatus) (bool, error) {
	if !domain.CanTransition(expected, next) {
		return false, nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	run, ok := s.runs[strings.TrimSpace(runID)]
	if !ok {
		return false, ErrNotFound
	}
	if run.Status != expected {
		return false, nil
	}
	run.Status = next
	if next == domain.RunStatusStarting && run.LaunchedAt == nil {
		now := time.Now().UTC()
		run.LaunchedAt = &now
	}
	s.runs[run.ID] = run
	return true, nil
}

func (s *MemoryStore) RecordError(ctx context.Context, runID string, detail string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	run, ok := s.runs[strings.TrimSpace(runID)]
	if !ok {
		return ErrNotFound
	}
	run.ErrorDetail = detail
	s.runs[run.ID] = run
	return nil
}

func (s *MemoryStore) ListRuns(ctx context.Context, filter Filter) ([]domain.Run, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	wanted := make(map[domain.RunStatus]struct{}, len(filter.Statuses))
	for _, status := range filter.Statuses {
		wanted[status] = struct{}{}
	}

	out := make([]domain.Run, 0)
	for _, run := range s.runs {
		if len(wanted) > 0 {
			if _, ok := wanted[run.Status]; !ok {
				continue
			}
		}
		out = append(out, copyRun(run))
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, nil
}

func copyRun(run domain.Run) domain.Run {
	out := run
	if run.Tags != nil {
		out.Tags = make(map[string]string, len(run.Tags))
		for k, v := range run.Tags {
			out.Tags[k] = v
		}
	}
	if run.RunConfig != nil {
		out.RunConfig = make(map[string]any, len(run.RunConfig))
		for k, v := range run.RunConfig {
			out.RunConfig[k] = v
		}
	}
	if run.LaunchedAt != nil {
		t := *run.LaunchedAt
		out.LaunchedAt = &t
	}
	return out
}
