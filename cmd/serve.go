package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/zjrosen/covey/internal/bridge"
	"github.com/zjrosen/covey/internal/config"
	"github.com/zjrosen/covey/internal/fleet"
	"github.com/zjrosen/covey/internal/fsm"
	"github.com/zjrosen/covey/internal/inbox"
	"github.com/zjrosen/covey/internal/log"
	"github.com/zjrosen/covey/internal/messaging"
	"github.com/zjrosen/covey/internal/registry"
	"github.com/zjrosen/covey/internal/tracing"
	"github.com/zjrosen/covey/internal/workflow"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the coordination daemon",
	Long:  "Start the dispatcher, bridge, task watcher, and workflow loop, and run until interrupted.",
	RunE:  runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)
}

// runtime is the wired set of long-running components.
type runtime struct {
	fleet      *fleet.Registry
	dispatcher *messaging.Dispatcher
	inboxes    *inbox.Store
	archive    *messaging.Archive
	engine     *fsm.Engine
	projects   *registry.Registry
	tracer     *tracing.Provider
}

// buildRuntime wires the shared components from the configuration.
func buildRuntime(cfg config.Config) (*runtime, error) {
	fleetReg := fleet.NewRegistry(cfg.Mode)
	fleet.StandardRoster(fleetReg, nil)

	tracerCfg := tracing.Config{
		Enabled:      cfg.Tracing.Enabled,
		Exporter:     cfg.Tracing.Exporter,
		FilePath:     cfg.Tracing.FilePath,
		OTLPEndpoint: cfg.Tracing.OTLPEndpoint,
		SampleRate:   cfg.Tracing.SampleRate,
		ServiceName:  "covey",
	}
	if tracerCfg.Exporter == "file" && tracerCfg.FilePath == "" {
		tracerCfg.FilePath = filepath.Join(cfg.DataDir, "traces", "traces.jsonl")
	}
	tracer, err := tracing.NewProvider(tracerCfg)
	if err != nil {
		return nil, fmt.Errorf("tracing: %w", err)
	}

	adapter, err := messaging.NewFileAdapter(filepath.Join(cfg.DataDir, "outbox"))
	if err != nil {
		return nil, err
	}
	inboxes, err := inbox.NewStore(cfg.InboxDir())
	if err != nil {
		return nil, err
	}
	archive, err := messaging.OpenArchive(cfg.ArchivePath())
	if err != nil {
		return nil, err
	}

	dispatcher := messaging.NewDispatcher(messaging.DispatcherConfig{
		Registry:       fleetReg,
		Adapter:        adapter,
		Recorder:       inboxes,
		Archive:        archive,
		Tracer:         tracer.Tracer(),
		Workers:        cfg.Dispatch.Workers,
		MaxAttempts:    cfg.Dispatch.MaxAttempts,
		BackoffBase:    cfg.Dispatch.BackoffBase,
		DeliverTimeout: cfg.Dispatch.DeliverTimeout,
		ShutdownGrace:  cfg.Dispatch.ShutdownGrace,
	})

	taskStore, err := fsm.NewStore(cfg.TasksDir())
	if err != nil {
		return nil, err
	}
	engine := fsm.NewEngine(taskStore)

	projects, err := registry.Open(cfg.RegistryPath(), "covey")
	if err != nil {
		return nil, err
	}
	if err := projects.SetActiveAgents(fleetReg.ActiveAgents()); err != nil {
		return nil, err
	}

	return &runtime{
		fleet:      fleetReg,
		dispatcher: dispatcher,
		inboxes:    inboxes,
		archive:    archive,
		engine:     engine,
		projects:   projects,
		tracer:     tracer,
	}, nil
}

func runServe(_ *cobra.Command, _ []string) error {
	if err := prepare(); err != nil {
		return err
	}

	rt, err := buildRuntime(cfg)
	if err != nil {
		return err
	}
	defer rt.archive.Close()

	rt.dispatcher.Start()

	br := bridge.New(rt.engine, rt.dispatcher, bridge.Config{
		ProgressInterval: cfg.Bridge.ProgressInterval,
	})
	if err := br.Start(); err != nil {
		return err
	}

	watcher, err := fsm.NewWatcher(cfg.TasksDir(), time.Second)
	if err != nil {
		return err
	}
	changed, err := watcher.Start()
	if err != nil {
		return err
	}
	go func() {
		for ids := range changed {
			for _, id := range ids {
				if err := rt.engine.Reloaded(id); err != nil {
					log.Warn(log.CatFSM, "Reload notification failed", "task", id, "error", err)
				}
			}
		}
	}()

	loop := workflow.New(rt.engine, rt.fleet, rt.dispatcher, workflow.Config{
		CycleInterval:      cfg.Workflow.CycleInterval,
		ProgressIncrement:  cfg.Workflow.ProgressIncrement,
		SynthesizeBlockers: cfg.Workflow.SynthesizeBlockers,
	})
	loop.Start()

	fmt.Fprintf(os.Stdout, "covey serving: mode=%s data=%s workers=%d\n",
		cfg.Mode, cfg.DataDir, cfg.Dispatch.Workers)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	fmt.Fprintf(os.Stdout, "shutting down (%s)\n", sig)

	loop.Stop()
	br.Stop()
	_ = watcher.Stop()
	rt.dispatcher.Stop()
	rt.engine.Close()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return rt.tracer.Shutdown(shutdownCtx)
}
