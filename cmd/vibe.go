package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/zjrosen/covey/internal/vibe"
)

var vibeStrict bool

var vibeCmd = &cobra.Command{
	Use:   "vibe <path>...",
	Short: "Run the vibe check over source files",
	Long:  "Scan files for oversized functions, deep nesting, high complexity, duplication, and known anti-patterns.",
	Args:  cobra.MinimumNArgs(1),
	RunE:  runVibe,
}

func init() {
	vibeCmd.Flags().BoolVar(&vibeStrict, "strict", false, "treat warnings as failures")
	rootCmd.AddCommand(vibeCmd)
}

func runVibe(_ *cobra.Command, args []string) error {
	if err := prepare(); err != nil {
		return err
	}

	analyzer := vibe.New(vibe.Config{
		MaxComplexity:     cfg.Vibe.MaxComplexity,
		MaxFunctionLines:  cfg.Vibe.MaxFunctionLines,
		MaxNestingDepth:   cfg.Vibe.MaxNestingDepth,
		MaxParameters:     cfg.Vibe.MaxParameters,
		MaxFileLines:      cfg.Vibe.MaxFileLines,
		MaxLineRepeats:    cfg.Vibe.MaxLineRepeats,
		DuplicateLineSize: cfg.Vibe.DuplicateLineSize,
		StrictMode:        cfg.Vibe.StrictMode || vibeStrict,
	})

	report, err := analyzer.CheckFiles(args)
	if err != nil {
		return err
	}

	for _, v := range report.Violations {
		fmt.Fprintf(os.Stdout, "%s:%d [%s/%s] %s\n    %s\n",
			v.File, v.Line, v.Type, v.Severity, v.Description, v.Suggestion)
	}
	fmt.Fprintln(os.Stdout, report.Summary())

	if report.Result == vibe.ResultFail {
		return fmt.Errorf("%w: vibe check failed", ErrLogicFailure)
	}
	return nil
}
