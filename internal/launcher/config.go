package launcher

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/sarahmk125/dagster/internal/platform/env"
)

const (
	defaultSubmitAttempts = 3
	defaultSubmitBackoff  = 2 * time.Second
)

// Resources are the container resource requests and limits applied to run
// workers.
type Resources struct {
	CPURequest    string `yaml:"cpu_request" json:"cpu_request"`
	CPULimit      string `yaml:"cpu_limit" json:"cpu_limit"`
	MemoryRequest string `yaml:"memory_request" json:"memory_request"`
	MemoryLimit   string `yaml:"memory_limit" json:"memory_limit"`
	GPULimit      int    `yaml:"gpu_limit" json:"gpu_limit"`
}

// Config holds the launcher defaults for one deployment. Immutable for the
// process lifetime; per-run overrides are merged in at launch time, field by
// field, with the per-run value winning.
type Config struct {
	Namespace       string        `yaml:"namespace"`
	ServiceAccount  string        `yaml:"service_account"`
	JobImage        string        `yaml:"job_image"`
	ImagePullPolicy string        `yaml:"image_pull_policy"`
	EnvConfigMaps   []string      `yaml:"env_config_maps"`
	EnvSecrets      []string      `yaml:"env_secrets"`
	Resources       Resources     `yaml:"resources"`
	JobTTLSeconds   int           `yaml:"job_ttl_seconds"`
	SubmitAttempts  int           `yaml:"submit_attempts"`
	SubmitBackoff   time.Duration `yaml:"-"` // env-only: LAUNCHER_SUBMIT_BACKOFF
}

// RunOverrides is the per-run override block found under
// run_config.execution.k8s.config.
type RunOverrides struct {
	Namespace       string    `json:"namespace"`
	ServiceAccount  string    `json:"service_account"`
	JobImage        string    `json:"job_image"`
	ImagePullPolicy string    `json:"image_pull_policy"`
	EnvConfigMaps   []string  `json:"env_config_maps"`
	EnvSecrets      []string  `json:"env_secrets"`
	Resources       Resources `json:"resources"`
}

func ConfigFromEnv() (Config, error) {
	cfg := Config{
		ImagePullPolicy: "IfNotPresent",
		SubmitAttempts:  defaultSubmitAttempts,
		SubmitBackoff:   defaultSubmitBackoff,
	}

	if path := strings.TrimSpace(env.String("LAUNCHER_CONFIG_FILE", "")); path != "" {
		loaded, err := LoadConfigFile(path)
		if err != nil {
			return Config{}, err
		}
		cfg = cfg.mergeFile(loaded)
	}

	cfg.Namespace = env.String("LAUNCHER_K8S_NAMESPACE", cfg.Namespace)
	cfg.ServiceAccount = env.String("LAUNCHER_K8S_SERVICE_ACCOUNT", cfg.ServiceAccount)
	cfg.JobImage = env.String("LAUNCHER_JOB_IMAGE", cfg.JobImage)
	cfg.ImagePullPolicy = env.String("LAUNCHER_IMAGE_PULL_POLICY", cfg.ImagePullPolicy)
	cfg.EnvConfigMaps = env.StringSlice("LAUNCHER_ENV_CONFIG_MAPS", cfg.EnvConfigMaps)
	cfg.EnvSecrets = env.StringSlice("LAUNCHER_ENV_SECRETS", cfg.EnvSecrets)

	ttl, err := env.Int("LAUNCHER_JOB_TTL_SECONDS", cfg.JobTTLSeconds)
	if err != nil {
		return Config{}, err
	}
	cfg.JobTTLSeconds = ttl

	attempts, err := env.Int("LAUNCHER_SUBMIT_ATTEMPTS", cfg.SubmitAttempts)
	if err != nil {
		return Config{}, err
	}
	cfg.SubmitAttempts = attempts

	backoff, err := env.Duration("LAUNCHER_SUBMIT_BACKOFF", cfg.SubmitBackoff)
	if err != nil {
		return Config{}, err
	}
	cfg.SubmitBackoff = backoff

	// Not validated here: the daemon may still fill in the in-cluster
	// namespace before calling Validate.
	return cfg, nil
}

func LoadConfigFile(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("read launcher config: %w", err)
	}
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("parse launcher config: %w", err)
	}
	return cfg, nil
}

func (c Config) Validate() error {
	if strings.TrimSpace(c.Namespace) == "" {
		return errors.New("launcher namespace is required")
	}
	switch strings.TrimSpace(c.ImagePullPolicy) {
	case "", "Always", "IfNotPresent", "Never":
	default:
		return fmt.Errorf("invalid image pull policy: %q", c.ImagePullPolicy)
	}
	if c.JobTTLSeconds < 0 {
		return errors.New("job ttl must be non-negative")
	}
	if c.SubmitAttempts < 1 {
		return errors.New("submit attempts must be >= 1")
	}
	if c.SubmitBackoff < 0 {
		return errors.New("submit backoff must be non-negative")
	}
	return nil
}

// mergeFile folds a config file into the defaults: file values win where set.
func (c Config) mergeFile(file Config) Config {
	out := c
	if strings.TrimSpace(file.Namespace) != "" {
		out.Namespace = strings.TrimSpace(file.Namespace)
	}
	if strings.TrimSpace(file.ServiceAccount) != "" {
		out.ServiceAccount = strings.TrimSpace(file.ServiceAccount)
	}
	if strings.TrimSpace(file.JobImage) != "" {
		out.JobImage = strings.TrimSpace(file.JobImage)
	}
	if strings.TrimSpace(file.ImagePullPolicy) != "" {
		out.ImagePullPolicy = strings.TrimSpace(file.ImagePullPolicy)
	}
	if len(file.EnvConfigMaps) > 0 {
		out.EnvConfigMaps = file.EnvConfigMaps
	}
	if len(file.EnvSecrets) > 0 {
		out.EnvSecrets = file.EnvSecrets
	}
	out.Resources = mergeResources(out.Resources, file.Resources)
	if file.JobTTLSeconds > 0 {
		out.JobTTLSeconds = file.JobTTLSeconds
	}
	if file.SubmitAttempts > 0 {
		out.SubmitAttempts = file.SubmitAttempts
	}
	if file.SubmitBackoff > 0 {
		out.SubmitBackoff = file.SubmitBackoff
	}
	return out
}

// Merge resolves the effective launch configuration for one run. Per-run
// values replace launcher defaults field by field; untouched fields survive.
// Environment sources append, launcher-level first, so per-run sources can
// extend the set and shadow conflicting keys.
func (c Config) Merge(o RunOverrides) Config {
	out := c
	if strings.TrimSpace(o.Namespace) != "" {
		out.Namespace = strings.TrimSpace(o.Namespace)
	}
	if strings.TrimSpace(o.ServiceAccount) != "" {
		out.ServiceAccount = strings.TrimSpace(o.ServiceAccount)
	}
	if strings.TrimSpace(o.JobImage) != "" {
		out.JobImage = strings.TrimSpace(o.JobImage)
	}
	if strings.TrimSpace(o.ImagePullPolicy) != "" {
		out.ImagePullPolicy = strings.TrimSpace(o.ImagePullPolicy)
	}
	out.EnvConfigMaps = appendSources(c.EnvConfigMaps, o.EnvConfigMaps)
	out.EnvSecrets = appendSources(c.EnvSecrets, o.EnvSecrets)
	out.Resources = mergeResources(c.Resources, o.Resources)
	return out
}

func mergeResources(base, override Resources) Resources {
	out := base
	if strings.TrimSpace(override.CPURequest) != "" {
		out.CPURequest = strings.TrimSpace(override.CPURequest)
	}
	if strings.TrimSpace(override.CPULimit) != "" {
		out.CPULimit = strings.TrimSpace(override.CPULimit)
	}
	if strings.TrimSpace(override.MemoryRequest) != "" {
		out.MemoryRequest = strings.TrimSpace(override.MemoryRequest)
	}
	if strings.TrimSpace(override.MemoryLimit) != "" {
		out.MemoryLimit = strings.TrimSpace(override.MemoryLimit)
	}
	if override.GPULimit > 0 {
		out.GPULimit = override.GPULimit
	}
	return out
}

func appendSources(base, extra []string) []string {
	seen := make(map[string]struct{}, len(base)+len(extra))
	out := make([]string, 0, len(base)+len(extra))
	for _, group := range [][]string{base, extra} {
		for _, name := range group {
			name = strings.TrimSpace(name)
			if name == "" {
				continue
			}
			if _, dup := seen[name]; dup {
				continue
			}
			seen[name] = struct{}{}
			out = append(out, name)
		}
	}
	return out
}
