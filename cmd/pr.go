package cmd

import (
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/zjrosen/covey/internal/authority"
	"github.com/zjrosen/covey/internal/fleet"
	"github.com/zjrosen/covey/internal/fsm"
	"github.com/zjrosen/covey/internal/registry"
	"github.com/zjrosen/covey/internal/review"
)

var (
	prAuthor   string
	prReviewer string
	prTitle    string
	prDesc     string
	prPriority string
	prFiles    []string
)

var prCmd = &cobra.Command{
	Use:   "pr",
	Short: "Submit and review pull requests",
}

var prSubmitCmd = &cobra.Command{
	Use:   "submit",
	Short: "Open a pull request from added files",
	Args:  cobra.NoArgs,
	RunE: func(_ *cobra.Command, _ []string) error {
		if prAuthor == "" || prTitle == "" {
			return fmt.Errorf("%w: --author and --title are required", ErrUsage)
		}
		if len(prFiles) == 0 {
			return fmt.Errorf("%w: at least one --file is required", ErrUsage)
		}

		protocol, err := openProtocol()
		if err != nil {
			return err
		}

		var changes []review.CodeChange
		for _, path := range prFiles {
			data, err := os.ReadFile(path) //nolint:gosec // G304: operator-supplied change path
			if err != nil {
				return fmt.Errorf("reading change %s: %w", path, err)
			}
			changes = append(changes, review.CodeChange{
				FilePath:   path,
				ChangeType: review.ChangeAdded,
				NewContent: string(data),
			})
		}

		pr, err := protocol.Create(prAuthor, prTitle, prDesc, changes,
			fsm.Priority(prPriority), prReviewer)
		if err != nil {
			return err
		}
		fmt.Fprintf(os.Stdout, "opened %s: reviewer %s\n", pr.ID, pr.Reviewer)
		return nil
	},
}

var prReviewCmd = &cobra.Command{
	Use:   "review <pr-id>",
	Short: "Review a pull request as its assigned reviewer",
	Args:  cobra.ExactArgs(1),
	RunE: func(_ *cobra.Command, args []string) error {
		if prReviewer == "" {
			return fmt.Errorf("%w: --reviewer is required", ErrUsage)
		}
		protocol, err := openProtocol()
		if err != nil {
			return err
		}

		result, err := protocol.Review(args[0], prReviewer)
		if err != nil {
			return err
		}

		fmt.Fprintf(os.Stdout, "%s: %s\n", args[0], result.Status)
		fmt.Fprintln(os.Stdout, result.VibeSummary)
		for _, v := range result.ViolationsFound {
			fmt.Fprintf(os.Stdout, "  - %s\n", v)
		}
		for _, s := range result.Suggestions {
			fmt.Fprintf(os.Stdout, "  > %s\n", s)
		}
		if !result.Approved {
			return fmt.Errorf("%w: pull request needs changes", ErrLogicFailure)
		}
		return nil
	},
}

var prListCmd = &cobra.Command{
	Use:   "list",
	Short: "List pull requests",
	Args:  cobra.NoArgs,
	RunE: func(_ *cobra.Command, _ []string) error {
		protocol, err := openProtocol()
		if err != nil {
			return err
		}

		w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "ID\tSTATUS\tAUTHOR\tREVIEWER\tTITLE")
		for _, pr := range protocol.List() {
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n",
				pr.ID, pr.Status, pr.Author, pr.Reviewer, pr.Title)
		}
		return w.Flush()
	},
}

func init() {
	prSubmitCmd.Flags().StringVar(&prAuthor, "author", "", "authoring agent id")
	prSubmitCmd.Flags().StringVar(&prTitle, "title", "", "pull request title")
	prSubmitCmd.Flags().StringVar(&prDesc, "description", "", "pull request description")
	prSubmitCmd.Flags().StringVar(&prPriority, "priority", "normal", "low, normal, high, or critical")
	prSubmitCmd.Flags().StringSliceVar(&prFiles, "file", nil, "added file (repeatable)")
	prSubmitCmd.Flags().StringVar(&prReviewer, "reviewer", "", "explicit reviewer (default: auto-assigned)")
	prReviewCmd.Flags().StringVar(&prReviewer, "reviewer", "", "reviewing agent id")

	prCmd.AddCommand(prSubmitCmd, prReviewCmd, prListCmd)
	rootCmd.AddCommand(prCmd)
}

// openProtocol wires the review protocol over the configured stores.
func openProtocol() (*review.Protocol, error) {
	if err := prepare(); err != nil {
		return nil, err
	}

	store, err := review.OpenStore(cfg.PRPath())
	if err != nil {
		return nil, err
	}
	projects, err := registry.Open(cfg.RegistryPath(), "covey")
	if err != nil {
		return nil, err
	}
	auth := authority.New(projects, authority.Config{
		MaxFunctionLines: cfg.Authority.MaxFunctionLines,
		MaxNestingDepth:  cfg.Authority.MaxNestingDepth,
		MaxParameters:    cfg.Authority.MaxParameters,
	})

	roster := projects.ActiveAgents()
	if len(roster) == 0 {
		roster = standardRosterIDs()
	}
	return review.NewProtocol(store, projects, auth, roster), nil
}

// standardRosterIDs falls back to the fixed roster for the current mode.
func standardRosterIDs() []string {
	reg := fleet.NewRegistry(cfg.Mode)
	fleet.StandardRoster(reg, nil)
	return reg.ActiveAgents()
}
