package auditlog

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

// Event is an append-only record of a launcher-side action on a run.
type Event struct {
	OccurredAt time.Time
	Actor      string
	Action     string
	RunID      string
	RequestID  string
	Payload    any
}

func (e Event) Validate() error {
	if e.OccurredAt.IsZero() {
		return errors.New("OccurredAt is required")
	}
	if strings.TrimSpace(e.Actor) == "" {
		return errors.New("Actor is required")
	}
	if strings.TrimSpace(e.Action) == "" {
		return errors.New("Action is required")
	}
	if strings.TrimSpace(e.RunID) == "" {
		return errors.New("RunID is required")
	}
	return nil
}

// Recorder writes audit events to the audit_events table. A nil Recorder
// drops events, so callers do not need to guard the optional dependency.
type Recorder struct {
	db *sql.DB
}

func NewRecorder(db *sql.DB) *Recorder {
	if db == nil {
		return nil
	}
	return &Recorder{db: db}
}

func (r *Recorder) Record(ctx context.Context, event Event) error {
	if r == nil || r.db == nil {
		return nil
	}
	if event.OccurredAt.IsZero() {
		event.OccurredAt = time.Now().UTC()
	}
	if err := event.Validate(); err != nil {
		return err
	}

	payload := event.Payload
	if payload == nil {
		payload = map[string]any{}
	}
	payloadJSON, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal payload: %w", err)
	}

	integrity := ComputeIntegritySHA256(event, payloadJSON)

	var requestID sql.NullString
	if strings.TrimSpace(event.RequestID) != "" {
		requestID = sql.NullString{String: strings.TrimSpace(event.RequestID), Valid: true}
	}

	_, err = r.db.ExecContext(
		ctx,
		`INSERT INTO audit_events (
			occurred_at,
			actor,
			action,
			run_id,
			request_id,
			payload,
			integrity_sha256
		) VALUES ($1,$2,$3,$4,$5,$6,$7)`,
		event.OccurredAt.UTC(),
		strings.TrimSpace(event.Actor),
		strings.TrimSpace(event.Action),
		strings.TrimSpace(event.RunID),
		requestID,
		payloadJSON,
		integrity,
	)
	if err != nil {
		return fmt.Errorf("insert audit event: %w", err)
	}
	return nil
}

// ComputeIntegritySHA256 hashes the canonical event fields plus the already
// serialized payload, so the stored row can be verified later.
func ComputeIntegritySHA256(event Event, payloadJSON []byte) string {
	h := sha256.New()
	h.Write([]byte(event.OccurredAt.UTC().Format(time.RFC3339Nano)))
	h.Write([]byte{0})
	h.Write([]byte(strings.TrimSpace(event.Actor)))
	h.Write([]byte{0})
	h.Write([]byte(strings.TrimSpace(event.Action)))
	h.Write([]byte{0})
	h.Write([]byte(strings.TrimSpace(event.RunID)))
	h.Write([]byte{0})
	h.Write([]byte(strings.TrimSpace(event.RequestID)))
	h.Write([]byte{0})
	h.Write(payloadJSON)
	return hex.EncodeToString(h.Sum(nil))
}
