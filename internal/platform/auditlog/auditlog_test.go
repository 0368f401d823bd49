package auditlog

import (
	"context"
	"testing"
	"time"
)

func TestEventValidate(t *testing.T) {
	event := Event{
		OccurredAt: time.Now().UTC(),
		Actor:      "run_launcher",
		Action:     "run.launched",
		RunID:      "r1",
	}
	if err := event.Validate(); err != nil {
		t.Fatalf("Validate err=%v", err)
	}

	cases := []struct {
		name   string
		mutate func(*Event)
	}{
		{"zero time", func(e *Event) { e.OccurredAt = time.Time{} }},
		{"blank actor", func(e *Event) { e.Actor = "  " }},
		{"blank action", func(e *Event) { e.Action = "" }},
		{"blank run id", func(e *Event) { e.RunID = "" }},
	}
	for _, tc := range cases {
		bad := event
		tc.mutate(&bad)
		if err := bad.Validate(); err == nil {
			t.Errorf("%s: expected error", tc.name)
		}
	}
}

func TestNilRecorderDropsEvents(t *testing.T) {
	var r *Recorder
	err := r.Record(context.Background(), Event{
		OccurredAt: time.Now().UTC(),
		Actor:      "run_launcher",
		Action:     "run.launched",
		RunID:      "r1",
	})
	if err != nil {
		t.Fatalf("nil recorder Record err=%v", err)
	}
	if NewRecorder(nil) != nil {
		t.Fatal("NewRecorder(nil) must return nil")
	}
}

func TestComputeIntegritySHA256(t *testing.T) {
	event := Event{
		OccurredAt: time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC),
		Actor:      "run_launcher",
		Action:     "run.launched",
		RunID:      "r1",
	}
	payload := []byte(`{"image":"registry.example.com/etl:v4"}`)

	first := ComputeIntegritySHA256(event, payload)
	second := ComputeIntegritySHA256(event, payload)
	if first != second {
		t.Fatal("integrity hash must be deterministic")
	}
	if len(first) != 64 {
		t.Fatalf("hash length=%d", len(first))
	}

	changed := event
	changed.RunID = "r2"
	if ComputeIntegritySHA256(changed, payload) == first {
		t.Fatal("hash must change with the run id")
	}
	if ComputeIntegritySHA256(event, []byte(`{}`)) == first {
		t.Fatal("hash must change with the payload")
	}
}
