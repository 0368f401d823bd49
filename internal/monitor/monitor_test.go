package monitor

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/sarahmk125/dagster/internal/domain"
	"github.com/sarahmk125/dagster/internal/launcher"
	"github.com/sarahmk125/dagster/internal/runstore"
)

type fakeHealth struct {
	mu        sync.Mutex
	statuses  map[string]launcher.WorkerStatus
	err       error
	deletions []domain.WorkerHandle
}

func (f *fakeHealth) CheckRunWorkerHealth(ctx context.Context, runID string) (launcher.WorkerStatus, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return "", f.err
	}
	status, ok := f.statuses[runID]
	if !ok {
		return launcher.WorkerStatusNotFound, nil
	}
	return status, nil
}

func (f *fakeHealth) RequestWorkerDeletion(ctx context.Context, handle domain.WorkerHandle) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deletions = append(f.deletions, handle)
	return nil
}

type fakeLogs struct {
	tail []byte
	err  error
}

func (f *fakeLogs) JobLogs(ctx context.Context, namespace string, jobName string, tailLines int64) ([]byte, error) {
	if f.err != nil {
		return nil, f.err
	}
	return f.tail, nil
}

type fakeArchive struct {
	mu   sync.Mutex
	puts map[string][]byte
}

func (f *fakeArchive) PutRunLog(ctx context.Context, runID string, logs []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.puts == nil {
		f.puts = make(map[string][]byte)
	}
	f.puts[runID] = logs
	return nil
}

// staleListStore rewrites one run's status in ListRuns, mimicking a run that
// moved between the cycle's listing and its reconciliation.
type staleListStore struct {
	runstore.Store
	runID string
	stale domain.RunStatus
}

func (s *staleListStore) ListRuns(ctx context.Context, filter runstore.Filter) ([]domain.Run, error) {
	runs, err := s.Store.ListRuns(ctx, filter)
	if err != nil {
		return nil, err
	}
	for i := range runs {
		if runs[i].ID == s.runID {
			runs[i].Status = s.stale
		}
	}
	return runs, nil
}

func testMonitor(t *testing.T, store runstore.Store, health HealthChecker, logs LogSource, archive Archiver) *Monitor {
	t.Helper()
	m, err := New(Config{
		Period:       time.Second,
		Concurrency:  2,
		StartupGrace: 2 * time.Minute,
		LogTailLines: 50,
	}, Deps{
		Store:   store,
		Health:  health,
		Logs:    logs,
		Archive: archive,
	})
	if err != nil {
		t.Fatalf("New() err=%v", err)
	}
	return m
}

func seedRun(t *testing.T, store runstore.Store, id string, status domain.RunStatus, launchedAgo time.Duration) {
	t.Helper()
	launched := time.Now().UTC().Add(-launchedAgo)
	run := domain.Run{
		ID:           id,
		PipelineName: "etl",
		Status:       status,
		CreatedAt:    launched,
		LaunchedAt:   &launched,
		Tags: map[string]string{
			domain.TagK8sJobName:   domain.WorkerJobName(id),
			domain.TagK8sNamespace: "pipelines",
		},
	}
	if err := store.CreateRun(context.Background(), run); err != nil {
		t.Fatalf("CreateRun err=%v", err)
	}
}

func runStatus(t *testing.T, store runstore.Store, id string) domain.Run {
	t.Helper()
	run, err := store.GetRun(context.Background(), id)
	if err != nil {
		t.Fatalf("GetRun err=%v", err)
	}
	return run
}

func TestCycleStartingToStarted(t *testing.T) {
	store := runstore.NewMemoryStore()
	seedRun(t, store, "r1", domain.RunStatusStarting, time.Second)
	health := &fakeHealth{statuses: map[string]launcher.WorkerStatus{"r1": launcher.WorkerStatusRunning}}

	testMonitor(t, store, health, nil, nil).Cycle(context.Background())

	if got := runStatus(t, store, "r1").Status; got != domain.RunStatusStarted {
		t.Fatalf("status=%s, want STARTED", got)
	}
}

func TestCycleStartingStraightToSuccess(t *testing.T) {
	store := runstore.NewMemoryStore()
	seedRun(t, store, "r1", domain.RunStatusStarting, time.Second)
	health := &fakeHealth{statuses: map[string]launcher.WorkerStatus{"r1": launcher.WorkerStatusSucceeded}}

	testMonitor(t, store, health, nil, nil).Cycle(context.Background())

	if got := runStatus(t, store, "r1").Status; got != domain.RunStatusSuccess {
		t.Fatalf("status=%s, want SUCCESS", got)
	}
}

func TestCycleFailureCapturesLogTail(t *testing.T) {
	store := runstore.NewMemoryStore()
	seedRun(t, store, "r1", domain.RunStatusStarted, time.Minute)
	health := &fakeHealth{statuses: map[string]launcher.WorkerStatus{"r1": launcher.WorkerStatusFailed}}
	logs := &fakeLogs{tail: []byte("Traceback: boom\n")}

	testMonitor(t, store, health, logs, nil).Cycle(context.Background())

	run := runStatus(t, store, "r1")
	if run.Status != domain.RunStatusFailure {
		t.Fatalf("status=%s, want FAILURE", run.Status)
	}
	if !strings.Contains(run.ErrorDetail, "worker failed") {
		t.Fatalf("error detail=%q", run.ErrorDetail)
	}
	if !strings.Contains(run.ErrorDetail, "Traceback: boom") {
		t.Fatalf("error detail missing log tail: %q", run.ErrorDetail)
	}
}

func TestCycleMissingWorkerWithinGrace(t *testing.T) {
	store := runstore.NewMemoryStore()
	seedRun(t, store, "r1", domain.RunStatusStarting, 10*time.Second)
	health := &fakeHealth{statuses: map[string]launcher.WorkerStatus{}}

	testMonitor(t, store, health, nil, nil).Cycle(context.Background())

	if got := runStatus(t, store, "r1").Status; got != domain.RunStatusStarting {
		t.Fatalf("status=%s, want STARTING within grace", got)
	}
}

func TestCycleMissingWorkerPastGrace(t *testing.T) {
	store := runstore.NewMemoryStore()
	seedRun(t, store, "r1", domain.RunStatusStarting, 10*time.Minute)
	health := &fakeHealth{statuses: map[string]launcher.WorkerStatus{}}

	testMonitor(t, store, health, nil, nil).Cycle(context.Background())

	run := runStatus(t, store, "r1")
	if run.Status != domain.RunStatusFailure {
		t.Fatalf("status=%s, want FAILURE past grace", run.Status)
	}
	if !strings.Contains(run.ErrorDetail, "startup grace") {
		t.Fatalf("error detail=%q", run.ErrorDetail)
	}
}

func TestCycleStartedWorkerDisappeared(t *testing.T) {
	store := runstore.NewMemoryStore()
	seedRun(t, store, "r1", domain.RunStatusStarted, time.Minute)
	health := &fakeHealth{statuses: map[string]launcher.WorkerStatus{}}

	testMonitor(t, store, health, nil, nil).Cycle(context.Background())

	run := runStatus(t, store, "r1")
	if run.Status != domain.RunStatusFailure {
		t.Fatalf("status=%s, want FAILURE", run.Status)
	}
	if !strings.Contains(run.ErrorDetail, "disappeared") {
		t.Fatalf("error detail=%q", run.ErrorDetail)
	}
}

func TestCycleCancelingAbsorbsWorkerResult(t *testing.T) {
	store := runstore.NewMemoryStore()
	seedRun(t, store, "r1", domain.RunStatusCanceling, time.Minute)
	health := &fakeHealth{statuses: map[string]launcher.WorkerStatus{"r1": launcher.WorkerStatusSucceeded}}

	testMonitor(t, store, health, nil, nil).Cycle(context.Background())

	// A canceled run never reports SUCCESS, whatever the worker managed to
	// finish before deletion took effect.
	if got := runStatus(t, store, "r1").Status; got != domain.RunStatusCanceling {
		t.Fatalf("status=%s, want CANCELING until worker is gone", got)
	}
	if len(health.deletions) != 1 {
		t.Fatalf("deletions=%d, want re-requested deletion", len(health.deletions))
	}
}

func TestCycleCancelingConfirmedWhenWorkerGone(t *testing.T) {
	store := runstore.NewMemoryStore()
	seedRun(t, store, "r1", domain.RunStatusCanceling, time.Minute)
	health := &fakeHealth{statuses: map[string]launcher.WorkerStatus{}}

	testMonitor(t, store, health, nil, nil).Cycle(context.Background())

	if got := runStatus(t, store, "r1").Status; got != domain.RunStatusCanceled {
		t.Fatalf("status=%s, want CANCELED", got)
	}
}

func TestCycleStaleObservationDoesNotStampDetail(t *testing.T) {
	backing := runstore.NewMemoryStore()
	seedRun(t, backing, "r1", domain.RunStatusCanceling, time.Minute)
	// The cycle still sees the run as STARTED, so the failed worker reads
	// as a FAILURE transition — which must be discarded wholesale, error
	// detail included, because the run already moved to CANCELING.
	store := &staleListStore{Store: backing, runID: "r1", stale: domain.RunStatusStarted}
	health := &fakeHealth{statuses: map[string]launcher.WorkerStatus{"r1": launcher.WorkerStatusFailed}}
	logs := &fakeLogs{tail: []byte("Traceback: boom\n")}

	testMonitor(t, store, health, logs, nil).Cycle(context.Background())

	run := runStatus(t, backing, "r1")
	if run.Status != domain.RunStatusCanceling {
		t.Fatalf("status=%s, want CANCELING untouched", run.Status)
	}
	if run.ErrorDetail != "" {
		t.Fatalf("error detail=%q, want empty for a discarded transition", run.ErrorDetail)
	}
}

func TestCycleObservationErrorLeavesStateAlone(t *testing.T) {
	store := runstore.NewMemoryStore()
	seedRun(t, store, "r1", domain.RunStatusStarted, time.Minute)
	health := &fakeHealth{err: errors.New("apiserver unavailable")}

	testMonitor(t, store, health, nil, nil).Cycle(context.Background())

	if got := runStatus(t, store, "r1").Status; got != domain.RunStatusStarted {
		t.Fatalf("status=%s, want STARTED untouched on observation failure", got)
	}
}

func TestCycleArchivesLogsOnTerminal(t *testing.T) {
	store := runstore.NewMemoryStore()
	seedRun(t, store, "r1", domain.RunStatusStarted, time.Minute)
	health := &fakeHealth{statuses: map[string]launcher.WorkerStatus{"r1": launcher.WorkerStatusSucceeded}}
	logs := &fakeLogs{tail: []byte("all good\n")}
	archive := &fakeArchive{}

	testMonitor(t, store, health, logs, archive).Cycle(context.Background())

	if got := runStatus(t, store, "r1").Status; got != domain.RunStatusSuccess {
		t.Fatalf("status=%s, want SUCCESS", got)
	}
	if string(archive.puts["r1"]) != "all good\n" {
		t.Fatalf("archived=%q", archive.puts["r1"])
	}
}

func TestCycleFansOutOverAllRuns(t *testing.T) {
	store := runstore.NewMemoryStore()
	statuses := map[string]launcher.WorkerStatus{}
	for _, id := range []string{"r1", "r2", "r3", "r4", "r5"} {
		seedRun(t, store, id, domain.RunStatusStarting, time.Second)
		statuses[id] = launcher.WorkerStatusRunning
	}
	health := &fakeHealth{statuses: statuses}

	testMonitor(t, store, health, nil, nil).Cycle(context.Background())

	for id := range statuses {
		if got := runStatus(t, store, id).Status; got != domain.RunStatusStarted {
			t.Fatalf("%s: status=%s, want STARTED", id, got)
		}
	}
}

func TestWakeTriggersImmediateCycle(t *testing.T) {
	store := runstore.NewMemoryStore()
	seedRun(t, store, "r1", domain.RunStatusStarting, time.Second)
	health := &fakeHealth{statuses: map[string]launcher.WorkerStatus{"r1": launcher.WorkerStatusRunning}}

	m, err := New(Config{
		Period:       time.Hour, // only Wake can trigger a cycle in this test
		Concurrency:  1,
		StartupGrace: time.Minute,
	}, Deps{Store: store, Health: health})
	if err != nil {
		t.Fatalf("New() err=%v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	go m.Start(ctx)
	m.Wake()

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if runStatus(t, store, "r1").Status == domain.RunStatusStarted {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	cancel()
	<-m.Done()

	if got := runStatus(t, store, "r1").Status; got != domain.RunStatusStarted {
		t.Fatalf("status=%s, want STARTED after wake", got)
	}
}
