// Package monitor reconciles stored run state with observed worker state.
// It is the only component that moves runs forward from observations: the
// launcher records intent, the monitor records fate.
package monitor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/sarahmk125/dagster/internal/domain"
	"github.com/sarahmk125/dagster/internal/launcher"
	"github.com/sarahmk125/dagster/internal/metrics"
	"github.com/sarahmk125/dagster/internal/platform/auditlog"
	"github.com/sarahmk125/dagster/internal/platform/env"
	"github.com/sarahmk125/dagster/internal/runstore"
)

const (
	defaultPeriod       = 10 * time.Second
	defaultConcurrency  = 8
	defaultStartupGrace = 2 * time.Minute
	defaultLogTailLines = 200
)

// HealthChecker probes the substrate for a run's worker and re-requests
// deletion for canceling runs. Implemented by the launcher.
type HealthChecker interface {
	CheckRunWorkerHealth(ctx context.Context, runID string) (launcher.WorkerStatus, error)
	RequestWorkerDeletion(ctx context.Context, handle domain.WorkerHandle) error
}

// LogSource reads the log tail of a worker job.
type LogSource interface {
	JobLogs(ctx context.Context, namespace string, jobName string, tailLines int64) ([]byte, error)
}

// Archiver persists captured worker logs once a run terminates.
type Archiver interface {
	PutRunLog(ctx context.Context, runID string, logs []byte) error
}

type Config struct {
	Period       time.Duration
	Concurrency  int
	StartupGrace time.Duration
	LogTailLines int64
}

func ConfigFromEnv() (Config, error) {
	period, err := env.Duration("LAUNCHER_MONITOR_PERIOD", defaultPeriod)
	if err != nil {
		return Config{}, err
	}
	concurrency, err := env.Int("LAUNCHER_MONITOR_CONCURRENCY", defaultConcurrency)
	if err != nil {
		return Config{}, err
	}
	grace, err := env.Duration("LAUNCHER_STARTUP_GRACE", defaultStartupGrace)
	if err != nil {
		return Config{}, err
	}
	tail, err := env.Int("LAUNCHER_LOG_TAIL_LINES", defaultLogTailLines)
	if err != nil {
		return Config{}, err
	}
	cfg := Config{
		Period:       period,
		Concurrency:  concurrency,
		StartupGrace: grace,
		LogTailLines: int64(tail),
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) Validate() error {
	if c.Period <= 0 {
		return errors.New("monitor period must be positive")
	}
	if c.Concurrency < 1 {
		return errors.New("monitor concurrency must be >= 1")
	}
	if c.StartupGrace < 0 {
		return errors.New("startup grace must be non-negative")
	}
	return nil
}

type Deps struct {
	Store   runstore.Store
	Health  HealthChecker
	Logs    LogSource          // optional: no tail capture when nil
	Archive Archiver           // optional: no log archival when nil
	Audit   *auditlog.Recorder // optional
	Logger  *slog.Logger
	Metrics *metrics.Metrics
}

type Monitor struct {
	cfg     Config
	store   runstore.Store
	health  HealthChecker
	logs    LogSource
	archive Archiver
	audit   *auditlog.Recorder
	logger  *slog.Logger
	metrics *metrics.Metrics

	wake chan struct{}
	done chan struct{}
}

func New(cfg Config, deps Deps) (*Monitor, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if deps.Store == nil {
		return nil, errors.New("run store is required")
	}
	if deps.Health == nil {
		return nil, errors.New("health checker is required")
	}
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Monitor{
		cfg:     cfg,
		store:   deps.Store,
		health:  deps.Health,
		logs:    deps.Logs,
		archive: deps.Archive,
		audit:   deps.Audit,
		logger:  logger.With("component", "run_monitor"),
		metrics: deps.Metrics,
		wake:    make(chan struct{}, 1),
		done:    make(chan struct{}),
	}, nil
}

// Start runs reconcile cycles until the context is canceled. Blocks; run it
// in its own goroutine.
func (m *Monitor) Start(ctx context.Context) {
	defer close(m.done)
	m.logger.Info("monitor started", "period", m.cfg.Period, "concurrency", m.cfg.Concurrency)

	ticker := time.NewTicker(m.cfg.Period)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			m.logger.Info("monitor stopped")
			return
		case <-ticker.C:
		case <-m.wake:
		}
		m.Cycle(ctx)
	}
}

// Wake schedules an immediate cycle, e.g. right after a launch, without
// waiting for the next tick. Non-blocking.
func (m *Monitor) Wake() {
	select {
	case m.wake <- struct{}{}:
	default:
	}
}

// Done is closed once Start has returned.
func (m *Monitor) Done() <-chan struct{} {
	return m.done
}

// Cycle reconciles every in-flight run once, fanning out over a bounded
// worker set. A failure to observe one run never blocks the others.
func (m *Monitor) Cycle(ctx context.Context) {
	start := time.Now()

	runs, err := m.store.ListRuns(ctx, runstore.Filter{Statuses: domain.InFlightStatuses})
	if err != nil {
		m.logger.Error("list in-flight runs", "error", err)
		return
	}
	m.metrics.SetActiveRuns(len(runs))

	sem := make(chan struct{}, m.cfg.Concurrency)
	var wg sync.WaitGroup
	for _, run := range runs {
		if ctx.Err() != nil {
			break
		}
		wg.Add(1)
		sem <- struct{}{}
		go func(run domain.Run) {
			defer wg.Done()
			defer func() { <-sem }()
			m.reconcile(ctx, run)
		}(run)
	}
	wg.Wait()

	m.metrics.ObserveCycle(time.Since(start))
}

func (m *Monitor) reconcile(ctx context.Context, run domain.Run) {
	observed, err := m.health.CheckRunWorkerHealth(ctx, run.ID)
	if err != nil {
		// Transient observation failure: state is left alone and the next
		// cycle tries again.
		m.logger.Warn("worker health check failed", "run_id", run.ID, "error", err)
		return
	}

	switch run.Status {
	case domain.RunStatusStarting:
		m.reconcileStarting(ctx, run, observed)
	case domain.RunStatusStarted:
		m.reconcileStarted(ctx, run, observed)
	case domain.RunStatusCanceling:
		m.reconcileCanceling(ctx, run, observed)
	default:
		m.logger.Error("invariant violation: reconciling run in unexpected state",
			"run_id", run.ID, "status", run.Status)
	}
}

func (m *Monitor) reconcileStarting(ctx context.Context, run domain.Run, observed launcher.WorkerStatus) {
	switch observed {
	case launcher.WorkerStatusPending:
		// Scheduled but not yet running; wait.
	case launcher.WorkerStatusRunning:
		m.transition(ctx, run, domain.RunStatusStarted, "")
	case launcher.WorkerStatusSucceeded:
		// The worker can finish between two cycles without the monitor ever
		// observing it running.
		m.finishRun(ctx, run, domain.RunStatusSuccess, "")
	case launcher.WorkerStatusFailed:
		m.finishRun(ctx, run, domain.RunStatusFailure, m.failureDetail(ctx, run, "worker failed"))
	case launcher.WorkerStatusNotFound:
		m.reconcileMissingStarting(ctx, run)
	}
}

// reconcileMissingStarting decides whether an unobservable worker is still
// propagating through the substrate or has genuinely never appeared. Within
// the startup grace window the absence is tolerated.
func (m *Monitor) reconcileMissingStarting(ctx context.Context, run domain.Run) {
	since := run.CreatedAt
	if run.LaunchedAt != nil {
		since = *run.LaunchedAt
	}
	age := time.Since(since)
	if age <= m.cfg.StartupGrace {
		m.logger.Debug("worker not yet visible; within startup grace",
			"run_id", run.ID, "age", age)
		return
	}
	detail := fmt.Sprintf("worker %s was not observed within the startup grace period (%s)",
		run.WorkerHandle().JobName, m.cfg.StartupGrace)
	m.finishRun(ctx, run, domain.RunStatusFailure, detail)
}

func (m *Monitor) reconcileStarted(ctx context.Context, run domain.Run, observed launcher.WorkerStatus) {
	switch observed {
	case launcher.WorkerStatusPending, launcher.WorkerStatusRunning:
		// Still executing.
	case launcher.WorkerStatusSucceeded:
		m.finishRun(ctx, run, domain.RunStatusSuccess, "")
	case launcher.WorkerStatusFailed:
		m.finishRun(ctx, run, domain.RunStatusFailure, m.failureDetail(ctx, run, "worker failed"))
	case launcher.WorkerStatusNotFound:
		// A worker that was seen running and then vanished without a
		// terminal condition was deleted out from under the orchestrator.
		m.finishRun(ctx, run, domain.RunStatusFailure,
			fmt.Sprintf("worker %s disappeared", run.WorkerHandle().JobName))
	}
}

// reconcileCanceling confirms cancellation only once the worker is gone.
// The cancellation intent absorbs whatever result the worker reached in the
// meantime: a run the user canceled never reports SUCCESS.
func (m *Monitor) reconcileCanceling(ctx context.Context, run domain.Run, observed launcher.WorkerStatus) {
	if observed == launcher.WorkerStatusNotFound {
		m.finishRun(ctx, run, domain.RunStatusCanceled, "")
		return
	}
	if err := m.health.RequestWorkerDeletion(ctx, run.WorkerHandle()); err != nil {
		m.logger.Warn("re-requesting worker deletion failed",
			"run_id", run.ID, "observed", observed, "error", err)
	}
}

// finishRun applies a terminal transition, archiving the worker's log tail
// first while the pod is still addressable.
func (m *Monitor) finishRun(ctx context.Context, run domain.Run, next domain.RunStatus, detail string) {
	m.archiveLogs(ctx, run)
	m.transition(ctx, run, next, detail)
}

func (m *Monitor) transition(ctx context.Context, run domain.Run, next domain.RunStatus, detail string) {
	swapped, err := m.store.CompareAndSwapStatus(ctx, run.ID, run.Status, next)
	if err != nil {
		m.logger.Error("apply transition", "run_id", run.ID, "to", next, "error", err)
		return
	}
	if !swapped {
		// Someone moved the run since this cycle listed it (a terminate
		// request, most likely). The observation is stale; drop it,
		// detail included — it describes a state the run is no longer in.
		m.metrics.IncStaleTransition()
		m.logger.Info("discarded stale transition", "run_id", run.ID, "from", run.Status, "to", next)
		return
	}
	if detail != "" {
		if err := m.store.RecordError(ctx, run.ID, detail); err != nil {
			m.logger.Error("record run error", "run_id", run.ID, "error", err)
		}
	}
	m.metrics.ObserveTransition(string(next))
	m.logger.Info("run transitioned", "run_id", run.ID, "from", run.Status, "to", next)

	if err := m.audit.Record(ctx, auditlog.Event{
		OccurredAt: time.Now().UTC(),
		Actor:      "run_monitor",
		Action:     "run.transitioned",
		RunID:      run.ID,
		Payload:    map[string]any{"from": string(run.Status), "to": string(next)},
	}); err != nil {
		m.logger.Warn("audit record failed", "run_id", run.ID, "error", err)
	}
}

// failureDetail enriches a failure with the worker's log tail when a log
// source is wired. Falls back to the base detail on any capture problem.
func (m *Monitor) failureDetail(ctx context.Context, run domain.Run, base string) string {
	tail := m.logTail(ctx, run)
	if tail == "" {
		return base
	}
	return base + "; last output:\n" + tail
}

func (m *Monitor) logTail(ctx context.Context, run domain.Run) string {
	if m.logs == nil {
		return ""
	}
	handle := run.WorkerHandle()
	if handle.IsZero() {
		return ""
	}
	raw, err := m.logs.JobLogs(ctx, handle.Namespace, handle.JobName, m.cfg.LogTailLines)
	if err != nil {
		m.logger.Warn("capture worker logs", "run_id", run.ID, "error", err)
		return ""
	}
	return strings.TrimSpace(string(raw))
}

func (m *Monitor) archiveLogs(ctx context.Context, run domain.Run) {
	if m.archive == nil || m.logs == nil {
		return
	}
	handle := run.WorkerHandle()
	if handle.IsZero() {
		return
	}
	raw, err := m.logs.JobLogs(ctx, handle.Namespace, handle.JobName, 0)
	if err != nil {
		m.logger.Warn("read worker logs for archival", "run_id", run.ID, "error", err)
		return
	}
	if err := m.archive.PutRunLog(ctx, run.ID, raw); err != nil {
		m.logger.Warn("archive worker logs", "run_id", run.ID, "error", err)
	}
}
