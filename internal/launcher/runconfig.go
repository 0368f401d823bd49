package launcher

import (
	"encoding/json"
	"fmt"
)

// runConfigSection is the reserved key path for per-run launcher overrides.
const (
	runConfigExecutionKey = "execution"
	runConfigSubstrateKey = "k8s"
	runConfigConfigKey    = "config"
)

// OverridesFromRunConfig extracts the per-run override block from
// run_config.execution.k8s.config. A missing block yields zero overrides;
// a malformed block is an error (classified as a terminal launch failure,
// not retried).
func OverridesFromRunConfig(runConfig map[string]any) (RunOverrides, error) {
	section := childMap(childMap(childMap(runConfig, runConfigExecutionKey), runConfigSubstrateKey), runConfigConfigKey)
	if section == nil {
		return RunOverrides{}, nil
	}

	raw, err := json.Marshal(section)
	if err != nil {
		return RunOverrides{}, fmt.Errorf("encode execution.k8s.config: %w", err)
	}
	var overrides RunOverrides
	if err := json.Unmarshal(raw, &overrides); err != nil {
		return RunOverrides{}, fmt.Errorf("decode execution.k8s.config: %w", err)
	}
	return overrides, nil
}

func childMap(m map[string]any, key string) map[string]any {
	if m == nil {
		return nil
	}
	child, ok := m[key].(map[string]any)
	if !ok {
		return nil
	}
	return child
}
