package k8s

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"
)

func testClient(t *testing.T, server *httptest.Server) *Client {
	t.Helper()
	client, err := NewClient(ClientConfig{
		BaseURL:       server.URL,
		Namespace:     "pipelines",
		RetryAttempts: 3,
		RetryBackoff:  time.Millisecond,
		HTTPClient:    server.Client(),
	})
	if err != nil {
		t.Fatalf("NewClient err=%v", err)
	}
	return client
}

func TestGetJobRetriesServerErrors(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		json.NewEncoder(w).Encode(Job{Metadata: ObjectMeta{Name: "run-r1"}})
	}))
	defer server.Close()

	job, err := testClient(t, server).GetJob(context.Background(), "", "run-r1")
	if err != nil {
		t.Fatalf("GetJob err=%v", err)
	}
	if job.Metadata.Name != "run-r1" {
		t.Fatalf("job name=%q", job.Metadata.Name)
	}
	if calls.Load() != 2 {
		t.Fatalf("calls=%d, want 2", calls.Load())
	}
}

func TestCreateJobNeverRetries(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer server.Close()

	err := testClient(t, server).CreateJob(context.Background(), "", Job{Metadata: ObjectMeta{Name: "run-r1"}})
	if err == nil {
		t.Fatal("expected error")
	}
	if calls.Load() != 1 {
		t.Fatalf("calls=%d, create must not retry", calls.Load())
	}
	if !IsTransient(err) {
		t.Fatalf("503 should be transient, got %v", err)
	}
}

func TestCreateJobSetsTypeMeta(t *testing.T) {
	var received Job
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := json.NewDecoder(r.Body).Decode(&received); err != nil {
			t.Errorf("decode request: %v", err)
		}
		w.WriteHeader(http.StatusCreated)
	}))
	defer server.Close()

	err := testClient(t, server).CreateJob(context.Background(), "", Job{Metadata: ObjectMeta{Name: "run-r1"}})
	if err != nil {
		t.Fatalf("CreateJob err=%v", err)
	}
	if received.APIVersion != "batch/v1" || received.Kind != "Job" {
		t.Fatalf("type meta=%s/%s", received.APIVersion, received.Kind)
	}
	if received.Metadata.Namespace != "pipelines" {
		t.Fatalf("namespace=%q, want client default", received.Metadata.Namespace)
	}
}

func TestErrorMapping(t *testing.T) {
	cases := []struct {
		status int
		want   error
	}{
		{http.StatusConflict, ErrAlreadyExists},
		{http.StatusNotFound, ErrNotFound},
		{http.StatusGone, ErrNotFound},
		{http.StatusUnauthorized, ErrUnauthorized},
		{http.StatusForbidden, ErrForbidden},
		{http.StatusUnprocessableEntity, ErrInvalid},
	}
	for _, tc := range cases {
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(tc.status)
		}))
		err := testClient(t, server).CreateJob(context.Background(), "", Job{Metadata: ObjectMeta{Name: "run-r1"}})
		server.Close()

		if !errors.Is(err, tc.want) {
			t.Errorf("status %d: err=%v, want %v", tc.status, err, tc.want)
		}
		if IsTransient(err) {
			t.Errorf("status %d must not be transient", tc.status)
		}
	}
}

func TestIsTransient(t *testing.T) {
	if !IsTransient(&APIError{StatusCode: http.StatusTooManyRequests}) {
		t.Error("429 should be transient")
	}
	if !IsTransient(errors.New("connection refused")) {
		t.Error("transport errors should be transient")
	}
	if IsTransient(nil) {
		t.Error("nil is not transient")
	}
	if IsTransient(context.Canceled) {
		t.Error("context cancellation is not transient")
	}
}

func TestJobLogsReadsBackingPod(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case strings.HasSuffix(r.URL.Path, "/pods"):
			if got := r.URL.Query().Get("labelSelector"); got != "job-name=run-r1" {
				t.Errorf("labelSelector=%q", got)
			}
			json.NewEncoder(w).Encode(PodList{Items: []Pod{
				{Metadata: ObjectMeta{Name: "run-r1-abc"}},
			}})
		case strings.HasSuffix(r.URL.Path, "/pods/run-r1-abc/log"):
			if got := r.URL.Query().Get("tailLines"); got != "50" {
				t.Errorf("tailLines=%q", got)
			}
			w.Write([]byte("step 1 ok\nstep 2 failed\n"))
		default:
			t.Errorf("unexpected path %s", r.URL.Path)
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	defer server.Close()

	logs, err := testClient(t, server).JobLogs(context.Background(), "", "run-r1", 50)
	if err != nil {
		t.Fatalf("JobLogs err=%v", err)
	}
	if string(logs) != "step 1 ok\nstep 2 failed\n" {
		t.Fatalf("logs=%q", logs)
	}
}

func TestJobLogsNoPods(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(PodList{})
	}))
	defer server.Close()

	_, err := testClient(t, server).JobLogs(context.Background(), "", "run-r1", 0)
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("err=%v, want ErrNotFound", err)
	}
}
