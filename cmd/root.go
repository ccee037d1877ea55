// Package cmd wires the covey CLI: one binary that runs the coordination
// daemon, drives single workflow cycles, and inspects the durable stores.
package cmd

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/zjrosen/covey/internal/config"
	"github.com/zjrosen/covey/internal/log"
)

// Sentinel errors mapped to process exit codes.
var (
	// ErrLogicFailure marks an operation that ran but did not pass,
	// e.g. a PR that needs changes or a failed vibe check.
	ErrLogicFailure = errors.New("logic failure")
	// ErrUsage marks invalid invocation.
	ErrUsage = errors.New("usage error")
	// ErrConfig marks configuration the process cannot run with.
	ErrConfig = errors.New("configuration error")
)

// ExitCode maps an Execute error to the process exit code.
func ExitCode(err error) int {
	switch {
	case err == nil:
		return 0
	case errors.Is(err, ErrConfig):
		return 3
	case errors.Is(err, ErrUsage):
		return 2
	default:
		return 1
	}
}

var (
	version = "dev"
	cfgFile string
	debug   bool
	cfg     config.Config
)

var rootCmd = &cobra.Command{
	Use:     "covey",
	Short:   "Multi-agent coordination substrate",
	Long:    "covey runs the messaging, task, and review substrate a fleet of coding agents coordinates through.",
	Version: version,
	RunE: func(cmd *cobra.Command, _ []string) error {
		return cmd.Help()
	},
	SilenceUsage:  true,
	SilenceErrors: false,
}

func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.PersistentFlags().StringVarP(&cfgFile, "config", "c", "",
		"config file (default: .covey/config.yaml, then ~/.config/covey/config.yaml)")
	rootCmd.PersistentFlags().BoolVar(&debug, "debug", false,
		"write debug logs to <data_dir>/debug.log")
}

func initConfig() {
	defaults := config.Defaults()
	viper.SetDefault("data_dir", defaults.DataDir)
	viper.SetDefault("mode", defaults.Mode)
	viper.SetDefault("dispatch.workers", defaults.Dispatch.Workers)
	viper.SetDefault("dispatch.max_attempts", defaults.Dispatch.MaxAttempts)
	viper.SetDefault("dispatch.backoff_base", defaults.Dispatch.BackoffBase)
	viper.SetDefault("dispatch.deliver_timeout", defaults.Dispatch.DeliverTimeout)
	viper.SetDefault("dispatch.shutdown_grace", defaults.Dispatch.ShutdownGrace)
	viper.SetDefault("bridge.progress_interval", defaults.Bridge.ProgressInterval)
	viper.SetDefault("workflow.cycle_interval", defaults.Workflow.CycleInterval)
	viper.SetDefault("workflow.progress_increment", defaults.Workflow.ProgressIncrement)
	viper.SetDefault("workflow.synthesize_blockers", defaults.Workflow.SynthesizeBlockers)
	viper.SetDefault("vibe.max_complexity", defaults.Vibe.MaxComplexity)
	viper.SetDefault("vibe.max_function_lines", defaults.Vibe.MaxFunctionLines)
	viper.SetDefault("vibe.max_nesting_depth", defaults.Vibe.MaxNestingDepth)
	viper.SetDefault("vibe.max_parameters", defaults.Vibe.MaxParameters)
	viper.SetDefault("vibe.max_file_lines", defaults.Vibe.MaxFileLines)
	viper.SetDefault("vibe.max_line_repeats", defaults.Vibe.MaxLineRepeats)
	viper.SetDefault("vibe.duplicate_line_size", defaults.Vibe.DuplicateLineSize)
	viper.SetDefault("vibe.strict_mode", defaults.Vibe.StrictMode)
	viper.SetDefault("authority.max_function_lines", defaults.Authority.MaxFunctionLines)
	viper.SetDefault("authority.max_nesting_depth", defaults.Authority.MaxNestingDepth)
	viper.SetDefault("authority.max_parameters", defaults.Authority.MaxParameters)
	viper.SetDefault("tracing.enabled", defaults.Tracing.Enabled)
	viper.SetDefault("tracing.exporter", defaults.Tracing.Exporter)
	viper.SetDefault("tracing.otlp_endpoint", defaults.Tracing.OTLPEndpoint)
	viper.SetDefault("tracing.sample_rate", defaults.Tracing.SampleRate)

	// Environment variables of record.
	_ = viper.BindEnv("data_dir", config.EnvDataDir)
	_ = viper.BindEnv("mode", config.EnvMode)
	_ = viper.BindEnv("dispatch.workers", config.EnvWorkers)

	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		// Config lookup order:
		// 1. .covey/config.yaml (current directory)
		// 2. ~/.config/covey/config.yaml (user config)
		if _, err := os.Stat(".covey/config.yaml"); err == nil {
			viper.SetConfigFile(".covey/config.yaml")
		} else {
			home, _ := os.UserHomeDir()
			viper.AddConfigPath(filepath.Join(home, ".config", "covey"))
			viper.SetConfigName("config")
			viper.SetConfigType("yaml")
		}
	}

	if err := viper.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if errors.As(err, &notFound) {
			defaultPath := ".covey/config.yaml"
			if writeErr := config.WriteDefaultConfig(defaultPath); writeErr == nil {
				viper.SetConfigFile(defaultPath)
				_ = viper.ReadInConfig()
			}
			// If write fails, continue on defaults alone.
		}
	}

	_ = viper.Unmarshal(&cfg)

	if os.Getenv(config.EnvDebug) != "" {
		debug = true
	}
}

// prepare validates the configuration, creates the data root, and turns on
// logging when requested. Every subcommand calls it first.
func prepare() error {
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("%w: %v", ErrConfig, err)
	}
	if err := cfg.EnsureDataDir(); err != nil {
		return fmt.Errorf("%w: %v", ErrConfig, err)
	}

	if debug {
		cleanup, err := log.Init(filepath.Join(cfg.DataDir, "debug.log"))
		if err != nil {
			return fmt.Errorf("%w: opening debug log: %v", ErrConfig, err)
		}
		cobra.OnFinalize(cleanup)
	} else {
		// Initialized but quiet; --debug or COVEY_DEBUG turns it on.
		if cleanup, err := log.Init(os.DevNull); err == nil {
			cobra.OnFinalize(cleanup)
			log.SetEnabled(false)
		}
	}
	return nil
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}

// SetVersion sets the version string (called from main with ldflags).
func SetVersion(v string) {
	version = v
	rootCmd.Version = v
}
