package launcher

import (
	"reflect"
	"testing"
)

func TestMergePerRunWinsFieldByField(t *testing.T) {
	base := Config{
		Namespace:      "pipelines",
		ServiceAccount: "launcher-sa",
		JobImage:       "registry.example.com/etl:v4",
		EnvConfigMaps:  []string{"shared-env"},
		Resources:      Resources{CPURequest: "250m", MemoryLimit: "1Gi"},
	}
	overrides := RunOverrides{
		Namespace: "tenant-a",
		Resources: Resources{MemoryLimit: "4Gi"},
	}

	got := base.Merge(overrides)

	if got.Namespace != "tenant-a" {
		t.Errorf("namespace=%q, want override", got.Namespace)
	}
	// Untouched fields survive.
	if got.ServiceAccount != "launcher-sa" {
		t.Errorf("service account=%q, want base value", got.ServiceAccount)
	}
	if got.JobImage != "registry.example.com/etl:v4" {
		t.Errorf("job image=%q, want base value", got.JobImage)
	}
	if !reflect.DeepEqual(got.EnvConfigMaps, []string{"shared-env"}) {
		t.Errorf("env config maps=%v", got.EnvConfigMaps)
	}
	if got.Resources.CPURequest != "250m" {
		t.Errorf("cpu request=%q, want base value", got.Resources.CPURequest)
	}
	if got.Resources.MemoryLimit != "4Gi" {
		t.Errorf("memory limit=%q, want override", got.Resources.MemoryLimit)
	}
}

func TestMergeEnvSourcesAppendLauncherFirst(t *testing.T) {
	base := Config{
		Namespace:     "pipelines",
		EnvConfigMaps: []string{"shared-env", "secrets-env"},
		EnvSecrets:    []string{"registry-creds"},
	}
	overrides := RunOverrides{
		EnvConfigMaps: []string{"run-env", "shared-env"},
		EnvSecrets:    []string{"tenant-creds"},
	}

	got := base.Merge(overrides)

	wantMaps := []string{"shared-env", "secrets-env", "run-env"}
	if !reflect.DeepEqual(got.EnvConfigMaps, wantMaps) {
		t.Errorf("env config maps=%v, want %v", got.EnvConfigMaps, wantMaps)
	}
	wantSecrets := []string{"registry-creds", "tenant-creds"}
	if !reflect.DeepEqual(got.EnvSecrets, wantSecrets) {
		t.Errorf("env secrets=%v, want %v", got.EnvSecrets, wantSecrets)
	}
}

func TestConfigValidate(t *testing.T) {
	cfg := Config{Namespace: "pipelines", SubmitAttempts: 3}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("Validate err=%v", err)
	}

	cases := []struct {
		name   string
		mutate func(*Config)
	}{
		{"missing namespace", func(c *Config) { c.Namespace = " " }},
		{"bad pull policy", func(c *Config) { c.ImagePullPolicy = "Sometimes" }},
		{"negative ttl", func(c *Config) { c.JobTTLSeconds = -1 }},
		{"zero attempts", func(c *Config) { c.SubmitAttempts = 0 }},
	}
	for _, tc := range cases {
		bad := cfg
		tc.mutate(&bad)
		if err := bad.Validate(); err == nil {
			t.Errorf("%s: expected error", tc.name)
		}
	}
}

func TestOverridesFromRunConfig(t *testing.T) {
	runConfig := map[string]any{
		"solids": map[string]any{"load": map[string]any{"config": map[string]any{"path": "/data"}}},
		"execution": map[string]any{
			"k8s": map[string]any{
				"config": map[string]any{
					"namespace": "tenant-a",
					"resources": map[string]any{"memory_limit": "4Gi"},
				},
			},
		},
	}

	overrides, err := OverridesFromRunConfig(runConfig)
	if err != nil {
		t.Fatalf("OverridesFromRunConfig err=%v", err)
	}
	if overrides.Namespace != "tenant-a" {
		t.Errorf("namespace=%q", overrides.Namespace)
	}
	if overrides.Resources.MemoryLimit != "4Gi" {
		t.Errorf("memory limit=%q", overrides.Resources.MemoryLimit)
	}
}

func TestOverridesFromRunConfigMissingSection(t *testing.T) {
	overrides, err := OverridesFromRunConfig(map[string]any{"solids": map[string]any{}})
	if err != nil {
		t.Fatalf("OverridesFromRunConfig err=%v", err)
	}
	if !reflect.DeepEqual(overrides, RunOverrides{}) {
		t.Fatalf("overrides=%+v, want zero", overrides)
	}
}

func TestOverridesFromRunConfigMalformed(t *testing.T) {
	runConfig := map[string]any{
		"execution": map[string]any{
			"k8s": map[string]any{
				"config": map[string]any{
					"namespace": 42,
				},
			},
		},
	}
	if _, err := OverridesFromRunConfig(runConfig); err == nil {
		t.Fatal("expected error for malformed override block")
	}
}
