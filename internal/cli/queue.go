package cli

import (
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"
)

var queueCmd = &cobra.Command{
	Use:   "queue",
	Short: "Manage tasks routed to manual processing",
}

var queueListCmd = &cobra.Command{
	Use:   "list",
	Short: "List queued tasks",
	RunE: func(cmd *cobra.Command, args []string) error {
		d, cleanup, err := openDB()
		if err != nil {
			return err
		}
		defer cleanup()

		status, _ := cmd.Flags().GetString("status")
		if all, _ := cmd.Flags().GetBool("all"); all {
			status = ""
		}
		items, err := d.QueueList(status)
		if err != nil {
			return err
		}

		format, _ := cmd.Flags().GetString("format")
		if format == "json" {
			return writeJSON(cmd, items)
		}

		if len(items) == 0 {
			fmt.Fprintln(cmd.OutOrStdout(), "Queue is empty")
			return nil
		}

		w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "TASK\tSTATUS\tREASON\tADDED")
		for _, item := range items {
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", item.TaskID, item.Status, truncate(item.Reason, 60), item.AddedAt.Format("2006-01-02 15:04"))
		}
		return w.Flush()
	},
}

var queueAddCmd = &cobra.Command{
	Use:   "add <task>",
	Short: "Queue a task for manual processing",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		reason, _ := cmd.Flags().GetString("reason")

		d, cleanup, err := openDB()
		if err != nil {
			return err
		}
		defer cleanup()

		if err := d.Enqueue(args[0], reason); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Queued task %s\n", args[0])
		return nil
	},
}

var queueResolveCmd = &cobra.Command{
	Use:   "resolve <task>",
	Short: "Mark a queued task as handled",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		d, cleanup, err := openDB()
		if err != nil {
			return err
		}
		defer cleanup()

		if err := d.QueueResolve(args[0]); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Resolved task %s\n", args[0])
		return nil
	},
}

func init() {
	queueListCmd.Flags().String("status", "pending", "Filter by status: pending or resolved")
	queueListCmd.Flags().Bool("all", false, "List every status")
	queueListCmd.Flags().String("format", "table", "Output format: table or json")
	queueAddCmd.Flags().String("reason", "queued manually", "Why the task needs manual processing")

	queueCmd.AddCommand(queueListCmd)
	queueCmd.AddCommand(queueAddCmd)
	queueCmd.AddCommand(queueResolveCmd)
}
