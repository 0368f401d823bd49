package launcher

import (
	"strconv"

	"github.com/sarahmk125/dagster/internal/domain"
	"github.com/sarahmk125/dagster/internal/k8s"
)

const workerContainerName = "run-worker"

// BuildWorkerSpec translates a run plus its effective launch configuration
// into a substrate job specification. Pure and deterministic: identical
// inputs yield an identical spec, which the golden tests rely on. The worker
// receives only identifiers; it looks up its own run record by id. The
// substrate never restarts workers on its own, so retry policy stays with
// the orchestrator.
func BuildWorkerSpec(run domain.Run, cfg Config, image string) k8s.Job {
	labels := map[string]string{
		"app.kubernetes.io/name":      "dagster",
		"app.kubernetes.io/component": "run-worker",
		"dagster/run_id":              run.ID,
	}

	container := k8s.Container{
		Name:            workerContainerName,
		Image:           image,
		ImagePullPolicy: cfg.ImagePullPolicy,
		Args:            []string{"execute-run", "--run-id", run.ID},
		Env: []k8s.EnvVar{
			{Name: "RUN_ID", Value: run.ID},
			{Name: "PIPELINE_NAME", Value: run.PipelineName},
		},
		EnvFrom:   envFromSources(cfg),
		Resources: resourceRequirements(cfg.Resources),
	}

	podSpec := k8s.PodSpec{
		RestartPolicy: "Never",
		Containers:    []k8s.Container{container},
	}
	if cfg.ServiceAccount != "" {
		podSpec.ServiceAccountName = cfg.ServiceAccount
	}

	backoff := int32(0)
	var ttl *int32
	if cfg.JobTTLSeconds > 0 {
		seconds := int32(cfg.JobTTLSeconds)
		ttl = &seconds
	}

	return k8s.Job{
		Metadata: k8s.ObjectMeta{
			Name:      domain.WorkerJobName(run.ID),
			Namespace: cfg.Namespace,
			Labels:    labels,
		},
		Spec: k8s.JobSpec{
			BackoffLimit:            &backoff,
			TTLSecondsAfterFinished: ttl,
			Template: k8s.PodTemplateSpec{
				Metadata: k8s.ObjectMeta{Labels: labels},
				Spec:     podSpec,
			},
		},
	}
}

// envFromSources orders launcher-level sources before per-run ones (the
// merge already produced that order), so per-run entries shadow conflicting
// keys under the substrate's last-wins env semantics.
func envFromSources(cfg Config) []k8s.EnvFromSource {
	out := make([]k8s.EnvFromSource, 0, len(cfg.EnvConfigMaps)+len(cfg.EnvSecrets))
	for _, name := range cfg.EnvConfigMaps {
		out = append(out, k8s.EnvFromSource{ConfigMapRef: &k8s.ConfigMapEnvSource{Name: name}})
	}
	for _, name := range cfg.EnvSecrets {
		out = append(out, k8s.EnvFromSource{SecretRef: &k8s.SecretEnvSource{Name: name}})
	}
	if len(out) == 0 {
		return nil
	}
	return out
}

func resourceRequirements(res Resources) k8s.ResourceRequirements {
	var out k8s.ResourceRequirements
	if res.CPURequest != "" || res.MemoryRequest != "" {
		out.Requests = map[string]string{}
		if res.CPURequest != "" {
			out.Requests["cpu"] = res.CPURequest
		}
		if res.MemoryRequest != "" {
			out.Requests["memory"] = res.MemoryRequest
		}
	}
	if res.CPULimit != "" || res.MemoryLimit != "" || res.GPULimit > 0 {
		out.Limits = map[string]string{}
		if res.CPULimit != "" {
			out.Limits["cpu"] = res.CPULimit
		}
		if res.MemoryLimit != "" {
			out.Limits["memory"] = res.MemoryLimit
		}
		if res.GPULimit > 0 {
			out.Limits["nvidia.com/gpu"] = strconv.Itoa(res.GPULimit)
		}
	}
	return out
}
