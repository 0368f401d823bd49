package domain

import (
	"errors"
	"strings"
	"time"
)

// Tag keys written by the launcher and read back by the monitor.
const (
	TagDockerImage       = "docker_image"
	TagDockerImageDigest = "docker_image_digest"
	TagK8sJobName        = "k8s/job_name"
	TagK8sNamespace      = "k8s/namespace"
)

// Run is a single requested execution of a pipeline against a resolved
// configuration. RunConfig is immutable once the run is created; Tags may
// grow during the run's life (e.g. the image resolved at launch time).
type Run struct {
	ID                      string
	PipelineName            string
	Mode                    string
	RunConfig               map[string]any
	Tags                    map[string]string
	PipelineSnapshotID      string
	ExecutionPlanSnapshotID string
	Status                  RunStatus
	RootRunID               string
	ParentRunID             string
	CreatedAt               time.Time
	LaunchedAt              *time.Time
	ErrorDetail             string
}

func (r Run) Validate() error {
	if strings.TrimSpace(r.ID) == "" {
		return errors.New("run id is required")
	}
	if strings.TrimSpace(r.PipelineName) == "" {
		return errors.New("pipeline name is required")
	}
	if !r.Status.Known() {
		return errors.New("run status is required")
	}
	return nil
}

// WorkerHandle is the substrate-level identity of the process executing a run.
type WorkerHandle struct {
	Namespace string
	JobName   string
}

func (h WorkerHandle) IsZero() bool {
	return strings.TrimSpace(h.JobName) == ""
}

// WorkerJobName derives the deterministic substrate job name for a run.
// Re-invoking launch for the same run id therefore collides with the prior
// submission instead of creating a second worker.
func WorkerJobName(runID string) string {
	return "run-" + strings.TrimSpace(runID)
}

// WorkerHandle returns the handle recorded in the run's tags, if any.
func (r Run) WorkerHandle() WorkerHandle {
	if r.Tags == nil {
		return WorkerHandle{}
	}
	return WorkerHandle{
		Namespace: strings.TrimSpace(r.Tags[TagK8sNamespace]),
		JobName:   strings.TrimSpace(r.Tags[TagK8sJobName]),
	}
}
