package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/zjrosen/covey/internal/workflow"
)

var cycleCmd = &cobra.Command{
	Use:   "cycle",
	Short: "Run a single workflow cycle",
	Long:  "Run one review/claim/work/report cycle against the configured data root, then exit.",
	RunE:  runCycle,
}

func init() {
	rootCmd.AddCommand(cycleCmd)
}

func runCycle(_ *cobra.Command, _ []string) error {
	if err := prepare(); err != nil {
		return err
	}

	rt, err := buildRuntime(cfg)
	if err != nil {
		return err
	}
	defer rt.archive.Close()
	defer rt.engine.Close()

	rt.dispatcher.Start()
	defer rt.dispatcher.Stop()

	loop := workflow.New(rt.engine, rt.fleet, rt.dispatcher, workflow.Config{
		CycleInterval:      cfg.Workflow.CycleInterval,
		ProgressIncrement:  cfg.Workflow.ProgressIncrement,
		SynthesizeBlockers: cfg.Workflow.SynthesizeBlockers,
	})

	stats, err := loop.RunOnce()
	if err != nil {
		return err
	}
	fmt.Fprintf(os.Stdout, "cycle %d: claimed=%d started=%d progressed=%d completed=%d blocked=%d\n",
		stats.Cycle, stats.Claimed, stats.Started, stats.Progressed, stats.Completed, stats.Blocked)
	return nil
}
