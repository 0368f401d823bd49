// Package launcher drives run launch, idempotent submission, termination
// intent, and worker health probes against the compute substrate. It never
// executes pipeline code itself: it submits a worker job and records the
// handle, and the monitor later reconciles the worker's fate.
package launcher

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/sarahmk125/dagster/internal/domain"
	"github.com/sarahmk125/dagster/internal/k8s"
	"github.com/sarahmk125/dagster/internal/metrics"
	"github.com/sarahmk125/dagster/internal/origin"
	"github.com/sarahmk125/dagster/internal/platform/auditlog"
	"github.com/sarahmk125/dagster/internal/runstore"
)

var (
	// ErrRunNotLaunchable means the run exists but is not in NOT_STARTED.
	ErrRunNotLaunchable = errors.New("run is not launchable")
)

// WorkerStatus is the launcher's view of a submitted worker.
type WorkerStatus string

const (
	WorkerStatusPending   WorkerStatus = "PENDING"
	WorkerStatusRunning   WorkerStatus = "RUNNING"
	WorkerStatusSucceeded WorkerStatus = "SUCCEEDED"
	WorkerStatusFailed    WorkerStatus = "FAILED"
	WorkerStatusNotFound  WorkerStatus = "NOT_FOUND"
)

// SubstrateClient is the slice of the substrate API the launcher needs.
type SubstrateClient interface {
	CreateJob(ctx context.Context, namespace string, job k8s.Job) error
	GetJob(ctx context.Context, namespace string, name string) (k8s.Job, error)
	DeleteJob(ctx context.Context, namespace string, name string) error
}

type Deps struct {
	Store     runstore.Store
	Origins   origin.Store
	Substrate SubstrateClient
	Logger    *slog.Logger
	Audit     *auditlog.Recorder
	Metrics   *metrics.Metrics
}

type RunLauncher struct {
	cfg       Config
	store     runstore.Store
	origins   origin.Store
	substrate SubstrateClient
	logger    *slog.Logger
	audit     *auditlog.Recorder
	metrics   *metrics.Metrics
}

func New(cfg Config, deps Deps) (*RunLauncher, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if deps.Store == nil {
		return nil, errors.New("run store is required")
	}
	if deps.Substrate == nil {
		return nil, errors.New("substrate client is required")
	}
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &RunLauncher{
		cfg:       cfg,
		store:     deps.Store,
		origins:   deps.Origins,
		substrate: deps.Substrate,
		logger:    logger.With("component", "run_launcher"),
		audit:     deps.Audit,
		metrics:   deps.Metrics,
	}, nil
}

// Launch submits the worker for a NOT_STARTED run and transitions it to
// STARTING. Safe to re-invoke: a run that already carries a worker handle is
// skipped, and a submission whose response was lost is detected via the
// deterministic job name before any retry.
func (l *RunLauncher) Launch(ctx context.Context, runID string) error {
	run, err := l.store.GetRun(ctx, runID)
	if err != nil {
		return fmt.Errorf("load run %s: %w", runID, err)
	}

	if handle := run.WorkerHandle(); !handle.IsZero() {
		// Duplicate invocation, e.g. a caller retry after a response
		// timeout. The first submission stands.
		l.logger.Warn("worker handle already recorded; refusing duplicate submission",
			"run_id", run.ID, "job_name", handle.JobName)
		l.metrics.ObserveLaunch("duplicate")
		if run.Status != domain.RunStatusNotStarted {
			return nil
		}
		// The prior invocation recorded the handle but the STARTING swap
		// never landed, leaving a live worker on a run the monitor does
		// not list. Finish that bookkeeping instead of resubmitting.
		l.logger.Info("completing interrupted launch", "run_id", run.ID, "job_name", handle.JobName)
		_, err := l.markStarting(ctx, run.ID)
		return err
	}
	if run.Status != domain.RunStatusNotStarted {
		return fmt.Errorf("%w: run %s is %s", ErrRunNotLaunchable, run.ID, run.Status)
	}

	overrides, err := OverridesFromRunConfig(run.RunConfig)
	if err != nil {
		return l.failLaunch(ctx, run, fmt.Errorf("invalid run configuration: %w", err))
	}
	effective := l.cfg.Merge(overrides)

	image, err := ResolveImage(ctx, l.origins, run, effective)
	if err != nil {
		return l.failLaunch(ctx, run, err)
	}

	job := BuildWorkerSpec(run, effective, image)
	if err := l.submit(ctx, effective.Namespace, job); err != nil {
		return l.failLaunch(ctx, run, fmt.Errorf("could not submit to cluster: %w", err))
	}

	tags := map[string]string{
		domain.TagDockerImage:  image,
		domain.TagK8sJobName:   job.Metadata.Name,
		domain.TagK8sNamespace: effective.Namespace,
	}
	if digest, ok := ParseImageDigest(image); ok {
		tags[domain.TagDockerImageDigest] = digest
	}
	if err := l.store.UpdateTags(ctx, run.ID, tags); err != nil {
		// The worker exists on the substrate; a later re-invocation will
		// find it by name and recover without a second submission.
		return fmt.Errorf("record worker handle for run %s: %w", run.ID, err)
	}

	swapped, err := l.markStarting(ctx, run.ID)
	if err != nil {
		return err
	}
	if !swapped {
		return nil
	}

	l.recordAudit(ctx, run.ID, "run.launched", map[string]any{
		"image":     image,
		"job_name":  job.Metadata.Name,
		"namespace": effective.Namespace,
	})
	l.metrics.ObserveLaunch("launched")
	l.logger.Info("run launched",
		"run_id", run.ID, "pipeline", run.PipelineName,
		"job_name", job.Metadata.Name, "namespace", effective.Namespace, "image", image)
	return nil
}

// markStarting applies the NOT_STARTED→STARTING swap that completes a
// launch. A stale swap means another actor moved the run; the submission
// itself already stands, so the caller treats it as done.
func (l *RunLauncher) markStarting(ctx context.Context, runID string) (bool, error) {
	swapped, err := l.store.CompareAndSwapStatus(ctx, runID, domain.RunStatusNotStarted, domain.RunStatusStarting)
	if err != nil {
		return false, fmt.Errorf("mark run %s starting: %w", runID, err)
	}
	if !swapped {
		l.logger.Error("invariant violation: run status changed underneath launch",
			"run_id", runID, "expected", domain.RunStatusNotStarted)
		l.metrics.IncStaleTransition()
	}
	return swapped, nil
}

// submit creates the worker job, retrying only transient errors. Before each
// retry the launcher re-checks the substrate for the deterministically named
// job: a lost response does not mean the prior attempt failed server-side.
func (l *RunLauncher) submit(ctx context.Context, namespace string, job k8s.Job) error {
	backoff := l.cfg.SubmitBackoff
	var lastErr error
	for attempt := 1; attempt <= l.cfg.SubmitAttempts; attempt++ {
		if attempt > 1 {
			l.metrics.IncSubmitRetry()
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(backoff):
			}
			backoff *= 2

			if _, err := l.substrate.GetJob(ctx, namespace, job.Metadata.Name); err == nil {
				l.logger.Info("prior submission succeeded server-side; not resubmitting",
					"job_name", job.Metadata.Name, "attempt", attempt)
				return nil
			} else if !errors.Is(err, k8s.ErrNotFound) {
				l.logger.Warn("idempotency check inconclusive; attempting submission",
					"job_name", job.Metadata.Name, "error", err)
			}
		}

		err := l.substrate.CreateJob(ctx, namespace, job)
		if err == nil {
			return nil
		}
		if errors.Is(err, k8s.ErrAlreadyExists) {
			l.logger.Warn("worker already exists on substrate; treating submission as complete",
				"job_name", job.Metadata.Name)
			return nil
		}
		if !k8s.IsTransient(err) {
			return err
		}
		lastErr = err
		l.logger.Warn("transient submission error",
			"job_name", job.Metadata.Name, "attempt", attempt, "error", err)
	}
	return lastErr
}

func (l *RunLauncher) failLaunch(ctx context.Context, run domain.Run, cause error) error {
	detail := strings.TrimSpace(cause.Error())
	if err := l.store.RecordError(ctx, run.ID, detail); err != nil {
		l.logger.Error("record launch failure", "run_id", run.ID, "error", err)
	}
	swapped, err := l.store.CompareAndSwapStatus(ctx, run.ID, domain.RunStatusNotStarted, domain.RunStatusFailure)
	if err != nil {
		l.logger.Error("mark launch failure", "run_id", run.ID, "error", err)
	} else if !swapped {
		l.logger.Error("invariant violation: stale transition while failing launch", "run_id", run.ID)
		l.metrics.IncStaleTransition()
	}
	l.recordAudit(ctx, run.ID, "run.launch_failed", map[string]any{"error": detail})
	l.metrics.ObserveLaunch("failed")
	l.logger.Error("run launch failed", "run_id", run.ID, "error", cause)
	return cause
}

// Terminate requests cancellation of a run's worker. Returns false when
// there is nothing to terminate (no handle, or the run already reached a
// terminal state). The terminal CANCELED state is only asserted later by the
// monitor, once the substrate confirms the worker is gone.
func (l *RunLauncher) Terminate(ctx context.Context, runID string) (bool, error) {
	run, err := l.store.GetRun(ctx, runID)
	if err != nil {
		return false, fmt.Errorf("load run %s: %w", runID, err)
	}

	handle := run.WorkerHandle()
	if handle.IsZero() {
		return false, nil
	}
	if run.Status.IsTerminal() {
		return false, nil
	}

	status := run.Status
	for status == domain.RunStatusStarting || status == domain.RunStatusStarted {
		swapped, err := l.store.CompareAndSwapStatus(ctx, run.ID, status, domain.RunStatusCanceling)
		if err != nil {
			return false, fmt.Errorf("mark run %s canceling: %w", run.ID, err)
		}
		if swapped {
			break
		}
		// Raced with the monitor. Re-read; a terminal result means there is
		// nothing left to cancel, otherwise retry from the status the
		// monitor just wrote. The cancellation intent must land before the
		// worker is deleted, or the next cycle reads the missing worker as
		// a failure.
		current, err := l.store.GetRun(ctx, run.ID)
		if err != nil {
			return false, fmt.Errorf("load run %s: %w", run.ID, err)
		}
		if current.Status.IsTerminal() {
			return false, nil
		}
		status = current.Status
	}

	if err := l.substrate.DeleteJob(ctx, handle.Namespace, handle.JobName); err != nil &&
		!errors.Is(err, k8s.ErrNotFound) {
		// Best effort: the run stays CANCELING and the monitor re-requests
		// deletion while the worker remains visible.
		l.logger.Warn("worker deletion request failed",
			"run_id", run.ID, "job_name", handle.JobName, "error", err)
	}

	l.recordAudit(ctx, run.ID, "run.terminate_requested", map[string]any{
		"job_name": handle.JobName,
	})
	l.logger.Info("run termination requested", "run_id", run.ID, "job_name", handle.JobName)
	return true, nil
}

// CheckRunWorkerHealth probes the substrate for the run's worker. Read-only:
// state transitions from observations are the monitor's exclusive privilege.
func (l *RunLauncher) CheckRunWorkerHealth(ctx context.Context, runID string) (WorkerStatus, error) {
	run, err := l.store.GetRun(ctx, runID)
	if err != nil {
		return "", fmt.Errorf("load run %s: %w", runID, err)
	}
	handle := run.WorkerHandle()
	if handle.IsZero() {
		return WorkerStatusNotFound, nil
	}

	job, err := l.substrate.GetJob(ctx, handle.Namespace, handle.JobName)
	if err != nil {
		if errors.Is(err, k8s.ErrNotFound) {
			return WorkerStatusNotFound, nil
		}
		return "", fmt.Errorf("inspect worker %s: %w", handle.JobName, err)
	}
	return jobWorkerStatus(job), nil
}

// RequestWorkerDeletion re-issues the substrate deletion for a canceling
// run whose worker is still visible.
func (l *RunLauncher) RequestWorkerDeletion(ctx context.Context, handle domain.WorkerHandle) error {
	if handle.IsZero() {
		return nil
	}
	err := l.substrate.DeleteJob(ctx, handle.Namespace, handle.JobName)
	if err != nil && !errors.Is(err, k8s.ErrNotFound) {
		return err
	}
	return nil
}

func jobWorkerStatus(job k8s.Job) WorkerStatus {
	if cond, ok := findJobCondition(job.Status.Conditions, "Failed"); ok && strings.EqualFold(cond.Status, "True") {
		return WorkerStatusFailed
	}
	if cond, ok := findJobCondition(job.Status.Conditions, "Complete"); ok && strings.EqualFold(cond.Status, "True") {
		return WorkerStatusSucceeded
	}
	// The worker never restarts (backoffLimit 0), so any recorded pod
	// failure is final even before the condition lands.
	if job.Status.Failed > 0 {
		return WorkerStatusFailed
	}
	if job.Status.Succeeded > 0 {
		return WorkerStatusSucceeded
	}
	if job.Status.Active > 0 {
		return WorkerStatusRunning
	}
	return WorkerStatusPending
}

func findJobCondition(conditions []k8s.JobCondition, conditionType string) (k8s.JobCondition, bool) {
	for _, cond := range conditions {
		if strings.EqualFold(strings.TrimSpace(cond.Type), conditionType) {
			return cond, true
		}
	}
	return k8s.JobCondition{}, false
}

func (l *RunLauncher) recordAudit(ctx context.Context, runID string, action string, payload map[string]any) {
	err := l.audit.Record(ctx, auditlog.Event{
		OccurredAt: time.Now().UTC(),
		Actor:      "run_launcher",
		Action:     action,
		RunID:      runID,
		Payload:    payload,
	})
	if err != nil {
		l.logger.Warn("audit record failed", "run_id", runID, "action", action, "error", err)
	}
}
