package cmd

import (
	"fmt"
	"os"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/zjrosen/covey/internal/fleet"
	"github.com/zjrosen/covey/internal/fsm"
)

var (
	taskAgent    string
	taskPriority string
	taskDeps     []string
	taskDesc     string
	taskState    string
	taskOwner    string
	taskOpen     bool
)

var taskCmd = &cobra.Command{
	Use:   "task",
	Short: "Create and inspect tasks",
}

var taskCreateCmd = &cobra.Command{
	Use:   "create <title>",
	Short: "Create a task",
	Args:  cobra.ExactArgs(1),
	RunE: func(_ *cobra.Command, args []string) error {
		engine, closeFn, err := openEngine()
		if err != nil {
			return err
		}
		defer closeFn()

		create := fsm.CreateTask{
			Title:        args[0],
			Description:  taskDesc,
			Priority:     fsm.Priority(taskPriority),
			Dependencies: taskDeps,
		}
		if taskOpen {
			create.Contract = &fsm.Contract{ClaimableBy: []string{fsm.ClaimableByAnyone}}
		}
		t, err := engine.Create(actor(), create)
		if err != nil {
			return err
		}
		fmt.Fprintf(os.Stdout, "created %s (%s, %s)\n", t.ID, t.Title, t.Priority)
		return nil
	},
}

var taskClaimCmd = &cobra.Command{
	Use:   "claim <task-id>",
	Short: "Claim a task for an agent",
	Args:  cobra.ExactArgs(1),
	RunE: func(_ *cobra.Command, args []string) error {
		agent, err := requireAgent()
		if err != nil {
			return err
		}
		return taskMutation(args[0], func(engine *fsm.Engine, id string) (*fsm.Task, error) {
			return engine.Claim(id, agent)
		})
	},
}

var taskStartCmd = &cobra.Command{
	Use:   "start <task-id>",
	Short: "Move a claimed task to in_progress",
	Args:  cobra.ExactArgs(1),
	RunE: func(_ *cobra.Command, args []string) error {
		agent, err := requireAgent()
		if err != nil {
			return err
		}
		return taskMutation(args[0], func(engine *fsm.Engine, id string) (*fsm.Task, error) {
			return engine.Start(id, agent)
		})
	},
}

var taskSubmitCmd = &cobra.Command{
	Use:   "submit <task-id>",
	Short: "Submit an in-progress task for review",
	Args:  cobra.ExactArgs(1),
	RunE: func(_ *cobra.Command, args []string) error {
		agent, err := requireAgent()
		if err != nil {
			return err
		}
		return taskMutation(args[0], func(engine *fsm.Engine, id string) (*fsm.Task, error) {
			return engine.SubmitForReview(id, agent)
		})
	},
}

var taskApproveCmd = &cobra.Command{
	Use:   "approve <task-id>",
	Short: "Approve a task in review",
	Args:  cobra.ExactArgs(1),
	RunE: func(_ *cobra.Command, args []string) error {
		return taskMutation(args[0], func(engine *fsm.Engine, id string) (*fsm.Task, error) {
			return engine.Approve(id, actor())
		})
	},
}

var taskListCmd = &cobra.Command{
	Use:   "list",
	Short: "List tasks",
	Args:  cobra.NoArgs,
	RunE: func(_ *cobra.Command, _ []string) error {
		engine, closeFn, err := openEngine()
		if err != nil {
			return err
		}
		defer closeFn()

		filter := fsm.Filter{Owner: taskOwner}
		if taskState != "" {
			filter.States = []fsm.State{fsm.State(taskState)}
		}
		tasks, err := engine.List(filter)
		if err != nil {
			return err
		}

		w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "ID\tSTATE\tPRIORITY\tOWNER\tPROGRESS\tTITLE")
		for _, t := range tasks {
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%d%%\t%s\n",
				t.ID, t.State, t.Priority, t.Owner, t.ProgressPct, t.Title)
		}
		return w.Flush()
	},
}

var taskShowCmd = &cobra.Command{
	Use:   "show <task-id>",
	Short: "Show one task with its evidence log",
	Args:  cobra.ExactArgs(1),
	RunE: func(_ *cobra.Command, args []string) error {
		engine, closeFn, err := openEngine()
		if err != nil {
			return err
		}
		defer closeFn()

		t, err := engine.Get(args[0])
		if err != nil {
			return err
		}
		fmt.Fprintf(os.Stdout, "%s  %s\n", t.ID, t.Title)
		fmt.Fprintf(os.Stdout, "state=%s priority=%s owner=%s progress=%d%%\n",
			t.State, t.Priority, t.Owner, t.ProgressPct)
		if len(t.Dependencies) > 0 {
			fmt.Fprintf(os.Stdout, "dependencies: %s\n", strings.Join(t.Dependencies, ", "))
		}
		for _, ev := range t.Evidence {
			fmt.Fprintf(os.Stdout, "  %s %s: %s\n",
				ev.Timestamp.Format("2006-01-02 15:04:05"), ev.Actor, ev.Note)
		}
		return nil
	},
}

func init() {
	taskCmd.PersistentFlags().StringVar(&taskAgent, "agent", "", "acting agent id")
	taskCreateCmd.Flags().StringVar(&taskPriority, "priority", "normal", "low, normal, high, or critical")
	taskCreateCmd.Flags().StringVar(&taskDesc, "description", "", "task description")
	taskCreateCmd.Flags().StringSliceVar(&taskDeps, "depends-on", nil, "prerequisite task ids")
	taskCreateCmd.Flags().BoolVar(&taskOpen, "open", false, "offer the task as a contract claimable by anyone")
	taskListCmd.Flags().StringVar(&taskState, "state", "", "filter by state")
	taskListCmd.Flags().StringVar(&taskOwner, "owner", "", "filter by owner")

	taskCmd.AddCommand(taskCreateCmd, taskClaimCmd, taskStartCmd,
		taskSubmitCmd, taskApproveCmd, taskListCmd, taskShowCmd)
	rootCmd.AddCommand(taskCmd)
}

func openEngine() (*fsm.Engine, func(), error) {
	if err := prepare(); err != nil {
		return nil, nil, err
	}
	store, err := fsm.NewStore(cfg.TasksDir())
	if err != nil {
		return nil, nil, err
	}
	engine := fsm.NewEngine(store)
	return engine, engine.Close, nil
}

func taskMutation(id string, fn func(*fsm.Engine, string) (*fsm.Task, error)) error {
	engine, closeFn, err := openEngine()
	if err != nil {
		return err
	}
	defer closeFn()

	t, err := fn(engine, id)
	if err != nil {
		return err
	}
	fmt.Fprintf(os.Stdout, "%s is now %s (owner %s)\n", t.ID, t.State, t.Owner)
	return nil
}

// actor returns the acting identity: the --agent flag or the system
// sentinel.
func actor() string {
	if taskAgent != "" {
		return taskAgent
	}
	return fleet.SenderSystem
}

func requireAgent() (string, error) {
	if taskAgent == "" {
		return "", fmt.Errorf("%w: --agent is required", ErrUsage)
	}
	return taskAgent, nil
}
