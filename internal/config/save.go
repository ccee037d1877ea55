package config

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// defaultConfigTemplate is written when no config file exists.
// Values mirror Defaults(); comments document the soft thresholds.
const defaultConfigTemplate = `# covey configuration
# Durable state root. Overridable with COVEY_DATA_DIR.
data_dir: .covey

# Active agent roster: 2-agent, 4-agent, or 8-agent. Overridable with COVEY_MODE.
mode: 4-agent

dispatch:
  # Worker pool size. Overridable with COVEY_WORKERS.
  workers: 4
  max_attempts: 3
  backoff_base: 100ms
  deliver_timeout: 10s
  shutdown_grace: 5s

bridge:
  progress_interval: 10m

workflow:
  cycle_interval: 1h
  progress_increment: 20
  synthesize_blockers: false

vibe:
  max_complexity: 8
  max_function_lines: 30
  max_nesting_depth: 3
  max_parameters: 5
  max_file_lines: 300
  max_line_repeats: 3
  duplicate_line_size: 20
  strict_mode: false

authority:
  max_function_lines: 30
  max_nesting_depth: 3
  max_parameters: 5

tracing:
  enabled: false
  exporter: file
  otlp_endpoint: localhost:4317
  sample_rate: 1.0
`

// WriteDefaultConfig writes the commented default configuration to path,
// creating parent directories as needed. Fails if the file already exists.
func WriteDefaultConfig(path string) error {
	if _, err := os.Stat(path); err == nil {
		return fmt.Errorf("config file already exists: %s", path)
	}

	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("creating config directory: %w", err)
	}

	// Sanity-check the template stays parseable before writing it out.
	var probe map[string]any
	if err := yaml.Unmarshal([]byte(defaultConfigTemplate), &probe); err != nil {
		return fmt.Errorf("default config template invalid: %w", err)
	}

	if err := os.WriteFile(path, []byte(defaultConfigTemplate), 0644); err != nil {
		return fmt.Errorf("writing default config: %w", err)
	}
	return nil
}
