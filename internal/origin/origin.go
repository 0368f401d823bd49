// Package origin resolves code-location metadata for pipelines: which
// location a pipeline's definition was loaded from and the default container
// image that location deploys with.
package origin

import (
	"context"
	"errors"
	"strings"
	"sync"
)

var ErrNotFound = errors.New("pipeline origin not found")

// Location is the code location a pipeline snapshot was loaded from.
type Location struct {
	Name         string
	DefaultImage string
}

type Store interface {
	// Lookup returns the origin location for a pipeline.
	Lookup(ctx context.Context, pipelineName string) (Location, error)
}

// StaticStore serves origins from a fixed map, for single-location
// deployments configured at startup and for tests.
type StaticStore struct {
	mu        sync.RWMutex
	locations map[string]Location
}

func NewStaticStore(locations map[string]Location) *StaticStore {
	copied := make(map[string]Location, len(locations))
	for name, loc := range locations {
		copied[strings.TrimSpace(name)] = loc
	}
	return &StaticStore{locations: copied}
}

func (s *StaticStore) Lookup(ctx context.Context, pipelineName string) (Location, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	loc, ok := s.locations[strings.TrimSpace(pipelineName)]
	if !ok {
		return Location{}, ErrNotFound
	}
	return loc, nil
}

// Register adds or replaces a pipeline's origin.
func (s *StaticStore) Register(pipelineName string, loc Location) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.locations[strings.TrimSpace(pipelineName)] = loc
}
