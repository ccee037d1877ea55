package cmd

import (
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/zjrosen/covey/internal/inbox"
	"github.com/zjrosen/covey/internal/messaging"
)

var inboxUnread bool

var inboxCmd = &cobra.Command{
	Use:   "inbox",
	Short: "Inspect agent mailboxes",
}

var inboxListCmd = &cobra.Command{
	Use:   "list <agent-id>",
	Short: "List an agent's inbox entries",
	Args:  cobra.ExactArgs(1),
	RunE: func(_ *cobra.Command, args []string) error {
		store, err := openInbox()
		if err != nil {
			return err
		}

		entries, err := store.List(args[0], inboxUnread)
		if err != nil {
			return err
		}

		w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "SEQ\tDIR\tKIND\tPRIORITY\tREAD\tBODY")
		for _, e := range entries {
			fmt.Fprintf(w, "%d\t%s\t%s\t%s\t%v\t%s\n",
				e.Seq, e.Direction, e.Message.Kind, e.Message.Priority, e.Read, e.Message.Body)
		}
		return w.Flush()
	},
}

var inboxCountsCmd = &cobra.Command{
	Use:   "counts <agent-id>",
	Short: "Show unread and total counts for an agent",
	Args:  cobra.ExactArgs(1),
	RunE: func(_ *cobra.Command, args []string) error {
		store, err := openInbox()
		if err != nil {
			return err
		}
		total, unread, err := store.Counts(args[0])
		if err != nil {
			return err
		}
		fmt.Fprintf(os.Stdout, "%s: %d unread of %d\n", args[0], unread, total)
		return nil
	},
}

var inboxAgentsCmd = &cobra.Command{
	Use:   "agents",
	Short: "List agents with mailboxes",
	Args:  cobra.NoArgs,
	RunE: func(_ *cobra.Command, _ []string) error {
		store, err := openInbox()
		if err != nil {
			return err
		}
		agents, err := store.Agents()
		if err != nil {
			return err
		}
		for _, id := range agents {
			fmt.Fprintln(os.Stdout, id)
		}
		return nil
	},
}

var inboxHistoryLimit int

var inboxHistoryCmd = &cobra.Command{
	Use:   "history <agent-id>",
	Short: "Show archived delivery receipts for an agent",
	Args:  cobra.ExactArgs(1),
	RunE: func(_ *cobra.Command, args []string) error {
		if err := prepare(); err != nil {
			return err
		}
		archive, err := messaging.OpenArchive(cfg.ArchivePath())
		if err != nil {
			return err
		}
		defer archive.Close()

		entries, err := archive.History(args[0], inboxHistoryLimit)
		if err != nil {
			return err
		}

		w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "MESSAGE\tFROM\tKIND\tPRIORITY\tSTATUS\tATTEMPTS\tCOMPLETED")
		for _, e := range entries {
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%d\t%s\n",
				e.MessageID, e.Sender, e.Kind, e.Priority, e.Status,
				e.Attempts, e.CompletedAt.Format("2006-01-02 15:04:05"))
		}
		return w.Flush()
	},
}

func init() {
	inboxListCmd.Flags().BoolVar(&inboxUnread, "unread", false, "only unread entries")
	inboxHistoryCmd.Flags().IntVar(&inboxHistoryLimit, "limit", 50, "max receipts to show")
	inboxCmd.AddCommand(inboxListCmd, inboxCountsCmd, inboxAgentsCmd, inboxHistoryCmd)
	rootCmd.AddCommand(inboxCmd)
}

func openInbox() (*inbox.Store, error) {
	if err := prepare(); err != nil {
		return nil, err
	}
	return inbox.NewStore(cfg.InboxDir())
}
