// Package postgres implements runstore.Store over a runs table.
package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/sarahmk125/dagster/internal/domain"
	"github.com/sarahmk125/dagster/internal/runstore"
)

// DB is the subset of *sql.DB the store needs, so callers can hand in a
// transaction where that matters.
type DB interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

type Store struct {
	db DB
}

func NewStore(db DB) *Store {
	if db == nil {
		return nil
	}
	return &Store{db: db}
}

const runColumns = `run_id, pipeline_name, mode, run_config, tags,
	pipeline_snapshot_id, execution_plan_snapshot_id, status,
	root_run_id, parent_run_id, created_at, launched_at, error_detail`

func (s *Store) CreateRun(ctx context.Context, run domain.Run) error {
	if s == nil || s.db == nil {
		return fmt.Errorf("run store not initialized")
	}
	if err := run.Validate(); err != nil {
		return err
	}
	runConfigJSON, err := encodeJSONMap(run.RunConfig)
	if err != nil {
		return fmt.Errorf("encode run config: %w", err)
	}
	tagsJSON, err := encodeTags(run.Tags)
	if err != nil {
		return fmt.Errorf("encode tags: %w", err)
	}
	createdAt := run.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}
	var launchedAt sql.NullTime
	if run.LaunchedAt != nil {
		launchedAt = sql.NullTime{Time: run.LaunchedAt.UTC(), Valid: true}
	}

	_, err = s.db.ExecContext(
		ctx,
		`INSERT INTO runs (
			run_id,
			pipeline_name,
			mode,
			run_config,
			tags,
			pipeline_snapshot_id,
			execution_plan_snapshot_id,
			status,
			root_run_id,
			parent_run_id,
			created_at,
			launched_at,
			error_detail
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13)`,
		strings.TrimSpace(run.ID),
		strings.TrimSpace(run.PipelineName),
		nullIfEmpty(run.Mode),
		runConfigJSON,
		tagsJSON,
		nullIfEmpty(run.PipelineSnapshotID),
		nullIfEmpty(run.ExecutionPlanSnapshotID),
		string(run.Status),
		nullIfEmpty(run.RootRunID),
		nullIfEmpty(run.ParentRunID),
		createdAt.UTC(),
		launchedAt,
		nullIfEmpty(run.ErrorDetail),
	)
	if err != nil {
		if isUniqueViolation(err) {
			return runstore.ErrAlreadyExists
		}
		return fmt.Errorf("insert run: %w", err)
	}
	return nil
}

func (s *Store) GetRun(ctx context.Context, runID string) (domain.Run, error) {
	if s == nil || s.db == nil {
		return domain.Run{}, fmt.Errorf("run store not initialized")
	}
	runID = strings.TrimSpace(runID)
	if runID == "" {
		return domain.Run{}, fmt.Errorf("run id is required")
	}
	row := s.db.QueryRowContext(
		ctx,
		`SELECT `+runColumns+` FROM runs WHERE run_id = $1`,
		runID,
	)
	return scanRun(row)
}

func (s *Store) UpdateTags(ctx context.Context, runID string, tags map[string]string) error {
	if s == nil || s.db == nil {
		return fmt.Errorf("run store not initialized")
	}
	runID = strings.TrimSpace(runID)
	if runID == "" {
		return fmt.Errorf("run id is required")
	}
	if len(tags) == 0 {
		return nil
	}
	tagsJSON, err := encodeTags(tags)
	if err != nil {
		return fmt.Errorf("encode tags: %w", err)
	}
	res, err := s.db.ExecContext(
		ctx,
		`UPDATE runs SET tags = COALESCE(tags, '{}'::jsonb) || $2::jsonb WHERE run_id = $1`,
		runID,
		tagsJSON,
	)
	if err != nil {
		return fmt.Errorf("update tags: %w", err)
	}
	return requireRow(res)
}

func (s *Store) CompareAndSwapStatus(ctx context.Context, runID string, expected, next domain.RunStatus) (bool, error) {
	if s == nil || s.db == nil {
		return false, fmt.Errorf("run store not initialized")
	}
	runID = strings.TrimSpace(runID)
	if runID == "" {
		return false, fmt.Errorf("run id is required")
	}
	if !domain.CanTransition(expected, next) {
		return false, nil
	}

	// launched_at is stamped on the transition into STARTING so the monitor
	// can measure the startup grace window from the actual submit time.
	res, err := s.db.ExecContext(
		ctx,
		`UPDATE runs
		 SET status = $3,
			 launched_at = CASE WHEN $3 = 'STARTING' AND launched_at IS NULL THEN now() ELSE launched_at END
		 WHERE run_id = $1 AND status = $2`,
		runID,
		string(expected),
		string(next),
	)
	if err != nil {
		return false, fmt.Errorf("swap status: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("swap status: %w", err)
	}
	if affected == 0 {
		// Either the run is gone or the stored status moved on; distinguish
		// so callers can report missing runs instead of a stale CAS.
		var exists bool
		if err := s.db.QueryRowContext(ctx,
			`SELECT EXISTS (SELECT 1 FROM runs WHERE run_id = $1)`, runID).Scan(&exists); err != nil {
			return false, fmt.Errorf("swap status: %w", err)
		}
		if !exists {
			return false, runstore.ErrNotFound
		}
		return false, nil
	}
	return true, nil
}

func (s *Store) RecordError(ctx context.Context, runID string, detail string) error {
	if s == nil || s.db == nil {
		return fmt.Errorf("run store not initialized")
	}
	runID = strings.TrimSpace(runID)
	if runID == "" {
		return fmt.Errorf("run id is required")
	}
	res, err := s.db.ExecContext(
		ctx,
		`UPDATE runs SET error_detail = $2 WHERE run_id = $1`,
		runID,
		detail,
	)
	if err != nil {
		return fmt.Errorf("record error: %w", err)
	}
	return requireRow(res)
}

func (s *Store) ListRuns(ctx context.Context, filter runstore.Filter) ([]domain.Run, error) {
	if s == nil || s.db == nil {
		return nil, fmt.Errorf("run store not initialized")
	}

	query := `SELECT ` + runColumns + ` FROM runs`
	args := []any{}
	if len(filter.Statuses) > 0 {
		placeholders := make([]string, 0, len(filter.Statuses))
		for i, status := range filter.Statuses {
			placeholders = append(placeholders, fmt.Sprintf("$%d", i+1))
			args = append(args, string(status))
		}
		query += ` WHERE status IN (` + strings.Join(placeholders, ",") + `)`
	}
	query += ` ORDER BY created_at ASC, run_id ASC`
	if filter.Limit > 0 {
		query += fmt.Sprintf(` LIMIT %d`, filter.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}
	defer rows.Close()

	out := make([]domain.Run, 0)
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, run)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}
	return out, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRun(row rowScanner) (domain.Run, error) {
	var run domain.Run
	var mode sql.NullString
	var runConfigJSON []byte
	var tagsJSON []byte
	var pipelineSnapshotID sql.NullString
	var executionPlanSnapshotID sql.NullString
	var status string
	var rootRunID sql.NullString
	var parentRunID sql.NullString
	var launchedAt sql.NullTime
	var errorDetail sql.NullString

	err := row.Scan(
		&run.ID,
		&run.PipelineName,
		&mode,
		&runConfigJSON,
		&tagsJSON,
		&pipelineSnapshotID,
		&executionPlanSnapshotID,
		&status,
		&rootRunID,
		&parentRunID,
		&run.CreatedAt,
		&launchedAt,
		&errorDetail,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return domain.Run{}, runstore.ErrNotFound
		}
		return domain.Run{}, fmt.Errorf("scan run: %w", err)
	}

	run.Mode = mode.String
	run.PipelineSnapshotID = pipelineSnapshotID.String
	run.ExecutionPlanSnapshotID = executionPlanSnapshotID.String
	run.Status, err = domain.NormalizeRunStatus(status)
	if err != nil {
		return domain.Run{}, fmt.Errorf("run %s: %w", run.ID, err)
	}
	run.RootRunID = rootRunID.String
	run.ParentRunID = parentRunID.String
	run.ErrorDetail = errorDetail.String
	if launchedAt.Valid {
		t := launchedAt.Time.UTC()
		run.LaunchedAt = &t
	}
	if len(runConfigJSON) > 0 {
		if err := json.Unmarshal(runConfigJSON, &run.RunConfig); err != nil {
			return domain.Run{}, fmt.Errorf("decode run config: %w", err)
		}
	}
	if len(tagsJSON) > 0 {
		if err := json.Unmarshal(tagsJSON, &run.Tags); err != nil {
			return domain.Run{}, fmt.Errorf("decode tags: %w", err)
		}
	}
	return run, nil
}

func encodeJSONMap(m map[string]any) ([]byte, error) {
	if m == nil {
		m = map[string]any{}
	}
	return json.Marshal(m)
}

func encodeTags(tags map[string]string) ([]byte, error) {
	if tags == nil {
		tags = map[string]string{}
	}
	return json.Marshal(tags)
}

func nullIfEmpty(value string) sql.NullString {
	value = strings.TrimSpace(value)
	if value == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: value, Valid: true}
}

func requireRow(res sql.Result) error {
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return runstore.ErrNotFound
	}
	return nil
}

func isUniqueViolation(err error) bool {
	// pgx surfaces postgres error codes in the error string under
	// database/sql; 23505 is unique_violation.
	return err != nil && strings.Contains(err.Error(), "23505")
}
