package origin

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
)

// PostgresStore reads pipeline origins from the pipeline_origins table,
// which is populated by the (out of scope) code-location loader.
type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	if db == nil {
		return nil
	}
	return &PostgresStore{db: db}
}

func (s *PostgresStore) Lookup(ctx context.Context, pipelineName string) (Location, error) {
	if s == nil || s.db == nil {
		return Location{}, fmt.Errorf("origin store not initialized")
	}
	pipelineName = strings.TrimSpace(pipelineName)
	if pipelineName == "" {
		return Location{}, fmt.Errorf("pipeline name is required")
	}

	var loc Location
	err := s.db.QueryRowContext(
		ctx,
		`SELECT location_name, default_image FROM pipeline_origins WHERE pipeline_name = $1`,
		pipelineName,
	).Scan(&loc.Name, &loc.DefaultImage)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Location{}, ErrNotFound
		}
		return Location{}, fmt.Errorf("lookup origin: %w", err)
	}
	return loc, nil
}
