// Package config provides configuration types and defaults for covey.
package config

import (
	"fmt"
	"os"
	"time"
)

// DispatchConfig holds message dispatcher tuning.
type DispatchConfig struct {
	// Workers is the size of the dispatcher worker pool.
	Workers int `mapstructure:"workers"`

	// MaxAttempts bounds retries for transient delivery failures.
	MaxAttempts int `mapstructure:"max_attempts"`

	// BackoffBase is the base delay for exponential retry backoff.
	BackoffBase time.Duration `mapstructure:"backoff_base"`

	// DeliverTimeout bounds a single adapter delivery call.
	DeliverTimeout time.Duration `mapstructure:"deliver_timeout"`

	// ShutdownGrace is how long Stop waits for in-flight work to drain.
	ShutdownGrace time.Duration `mapstructure:"shutdown_grace"`
}

// BridgeConfig holds FSM-to-messaging bridge tuning.
type BridgeConfig struct {
	// ProgressInterval is how long a task may go without communication
	// before the bridge emits a periodic progress update.
	ProgressInterval time.Duration `mapstructure:"progress_interval"`
}

// WorkflowConfig holds overnight workflow loop tuning.
type WorkflowConfig struct {
	// CycleInterval is the cadence of the overnight loop.
	CycleInterval time.Duration `mapstructure:"cycle_interval"`

	// ProgressIncrement is the deterministic per-cycle progress step (percent).
	ProgressIncrement int `mapstructure:"progress_increment"`

	// SynthesizeBlockers enables blocker synthesis for tasks past 50%.
	SynthesizeBlockers bool `mapstructure:"synthesize_blockers"`
}

// VibeConfig holds static analyzer thresholds.
type VibeConfig struct {
	MaxComplexity     int  `mapstructure:"max_complexity"`
	MaxFunctionLines  int  `mapstructure:"max_function_lines"`
	MaxNestingDepth   int  `mapstructure:"max_nesting_depth"`
	MaxParameters     int  `mapstructure:"max_parameters"`
	MaxFileLines      int  `mapstructure:"max_file_lines"`
	MaxLineRepeats    int  `mapstructure:"max_line_repeats"`
	StrictMode        bool `mapstructure:"strict_mode"`
	DuplicateLineSize int  `mapstructure:"duplicate_line_size"`
}

// AuthorityConfig holds design authority complexity limits.
type AuthorityConfig struct {
	MaxFunctionLines int `mapstructure:"max_function_lines"`
	MaxNestingDepth  int `mapstructure:"max_nesting_depth"`
	MaxParameters    int `mapstructure:"max_parameters"`
}

// TracingConfig mirrors the tracing subsystem options.
type TracingConfig struct {
	Enabled      bool    `mapstructure:"enabled"`
	Exporter     string  `mapstructure:"exporter"`
	FilePath     string  `mapstructure:"file_path"`
	OTLPEndpoint string  `mapstructure:"otlp_endpoint"`
	SampleRate   float64 `mapstructure:"sample_rate"`
}

// Config holds all configuration options for covey.
type Config struct {
	// DataDir is the root for all durable state (tasks, inboxes, registry, PRs).
	DataDir string `mapstructure:"data_dir"`

	// Mode selects the active agent roster, e.g. "2-agent", "4-agent", "8-agent".
	Mode string `mapstructure:"mode"`

	Dispatch  DispatchConfig  `mapstructure:"dispatch"`
	Bridge    BridgeConfig    `mapstructure:"bridge"`
	Workflow  WorkflowConfig  `mapstructure:"workflow"`
	Vibe      VibeConfig      `mapstructure:"vibe"`
	Authority AuthorityConfig `mapstructure:"authority"`
	Tracing   TracingConfig   `mapstructure:"tracing"`
}

// Environment variables of record.
const (
	EnvDataDir = "COVEY_DATA_DIR"
	EnvMode    = "COVEY_MODE"
	EnvWorkers = "COVEY_WORKERS"
	EnvDebug   = "COVEY_DEBUG"
)

// Defaults returns the default configuration.
// The numeric thresholds are contracts for the test suite; a compliant
// deployment must honor them unless reconfigured.
func Defaults() Config {
	return Config{
		DataDir: ".covey",
		Mode:    "4-agent",
		Dispatch: DispatchConfig{
			Workers:        4,
			MaxAttempts:    3,
			BackoffBase:    100 * time.Millisecond,
			DeliverTimeout: 10 * time.Second,
			ShutdownGrace:  5 * time.Second,
		},
		Bridge: BridgeConfig{
			ProgressInterval: 10 * time.Minute,
		},
		Workflow: WorkflowConfig{
			CycleInterval:      time.Hour,
			ProgressIncrement:  20,
			SynthesizeBlockers: false,
		},
		Vibe: VibeConfig{
			MaxComplexity:     8,
			MaxFunctionLines:  30,
			MaxNestingDepth:   3,
			MaxParameters:     5,
			MaxFileLines:      300,
			MaxLineRepeats:    3,
			DuplicateLineSize: 20,
		},
		Authority: AuthorityConfig{
			MaxFunctionLines: 30,
			MaxNestingDepth:  3,
			MaxParameters:    5,
		},
		Tracing: TracingConfig{
			Enabled:      false,
			Exporter:     "file",
			OTLPEndpoint: "localhost:4317",
			SampleRate:   1.0,
		},
	}
}

// Validate checks the configuration for values the process cannot run with.
func (c Config) Validate() error {
	if c.DataDir == "" {
		return fmt.Errorf("data_dir must not be empty")
	}
	if c.Mode == "" {
		return fmt.Errorf("mode must not be empty")
	}
	if c.Dispatch.Workers < 1 {
		return fmt.Errorf("dispatch.workers must be at least 1, got %d", c.Dispatch.Workers)
	}
	if c.Dispatch.MaxAttempts < 1 {
		return fmt.Errorf("dispatch.max_attempts must be at least 1, got %d", c.Dispatch.MaxAttempts)
	}
	if c.Workflow.ProgressIncrement < 1 || c.Workflow.ProgressIncrement > 100 {
		return fmt.Errorf("workflow.progress_increment must be in [1,100], got %d", c.Workflow.ProgressIncrement)
	}
	return nil
}

// EnsureDataDir creates the data root and its fixed subdirectories.
func (c Config) EnsureDataDir() error {
	for _, dir := range []string{c.DataDir, c.TasksDir(), c.InboxDir()} {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("creating data directory %s: %w", dir, err)
		}
	}
	return nil
}

// TasksDir returns the directory holding one file per task.
func (c Config) TasksDir() string { return c.DataDir + "/tasks" }

// InboxDir returns the root of the per-agent mailbox directories.
func (c Config) InboxDir() string { return c.DataDir + "/inbox" }

// RegistryPath returns the project registry file path.
func (c Config) RegistryPath() string { return c.DataDir + "/registry.json" }

// PRPath returns the pull-request store file path.
func (c Config) PRPath() string { return c.DataDir + "/pull_requests.json" }

// ArchivePath returns the sqlite delivery archive path.
func (c Config) ArchivePath() string { return c.DataDir + "/deliveries.db" }
