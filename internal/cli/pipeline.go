package cli

import (
	"errors"
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/lucasnoah/relay/internal/pipeline"
)

var pipelineCmd = &cobra.Command{
	Use:   "pipeline",
	Short: "Inspect and manage pipeline records",
}

var pipelineListCmd = &cobra.Command{
	Use:   "list",
	Short: "List pipelines, newest first",
	RunE: func(cmd *cobra.Command, args []string) error {
		store, cleanup, err := openStore(cmd.Context())
		if err != nil {
			return err
		}
		defer cleanup()

		status, _ := cmd.Flags().GetString("status")
		records, err := store.List(cmd.Context(), pipeline.Status(status))
		if err != nil {
			return err
		}

		format, _ := cmd.Flags().GetString("format")
		if format == "json" {
			return writeJSON(cmd, records)
		}
		if len(records) == 0 {
			fmt.Fprintln(cmd.OutOrStdout(), "No pipelines.")
			return nil
		}

		now := time.Now().UTC()
		w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "TASK\tSTATUS\tSTAGE\tPROGRESS\tAGE\tNAME")
		for i := range records {
			s := pipeline.Summarize(&records[i], now)
			fmt.Fprintf(w, "%s\t%s\t%s\t%.0f%%\t%s\t%s\n",
				s.TaskID, s.Status, s.CurrentStage.Name(), s.Progress*100,
				s.Duration.Round(time.Second), truncate(s.TaskName, 50))
		}
		return w.Flush()
	},
}

var pipelineStatusCmd = &cobra.Command{
	Use:   "status <task>",
	Short: "Show a pipeline's stage log, metadata and errors",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		store, cleanup, err := openStore(cmd.Context())
		if err != nil {
			return err
		}
		defer cleanup()

		rec, err := store.Get(cmd.Context(), args[0])
		if err != nil {
			return err
		}

		format, _ := cmd.Flags().GetString("format")
		if format == "json" {
			return writeJSON(cmd, rec)
		}

		out := cmd.OutOrStdout()
		fmt.Fprintf(out, "Task:     %s %s\n", rec.TaskID, rec.TaskName)
		fmt.Fprintf(out, "Status:   %s\n", rec.Status)
		fmt.Fprintf(out, "Stage:    %s\n", rec.CurrentStage.Name())
		if m := rec.Metadata; m.Branch != "" {
			fmt.Fprintf(out, "Branch:   %s\n", m.Branch)
		}
		if m := rec.Metadata; m.PRURL != "" {
			fmt.Fprintf(out, "PR:       %s\n", m.PRURL)
		}
		if rec.Metadata.ReviewIteration > 0 {
			fmt.Fprintf(out, "Review:   iteration %d\n", rec.Metadata.ReviewIteration)
		}
		fmt.Fprintln(out)

		w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "STAGE\tSTATUS\tSTARTED\tDURATION\tERROR")
		for _, e := range rec.Stages {
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n",
				e.Name, e.Status, e.StartedAt.Format("2006-01-02 15:04:05"),
				e.Duration.Round(time.Second), truncate(e.Error, 50))
		}
		if err := w.Flush(); err != nil {
			return err
		}

		if len(rec.Errors) > 0 {
			fmt.Fprintln(out, "\nErrors:")
			for _, e := range rec.Errors {
				fmt.Fprintf(out, "  %s  %s: %s\n", e.Timestamp.Format("2006-01-02 15:04:05"), e.Stage.Name(), e.Error)
			}
		}
		return nil
	},
}

var pipelineSummaryCmd = &cobra.Command{
	Use:   "summary <task>",
	Short: "Show a pipeline's progress summary",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		store, cleanup, err := openStore(cmd.Context())
		if err != nil {
			return err
		}
		defer cleanup()

		s, err := store.Summary(cmd.Context(), args[0])
		if err != nil {
			return err
		}

		format, _ := cmd.Flags().GetString("format")
		if format == "json" {
			return writeJSON(cmd, s)
		}
		fmt.Fprintf(cmd.OutOrStdout(), "%s: %s at %s, %d stage(s) completed (%.0f%%), %s, %d error(s)\n",
			s.TaskID, s.Status, s.CurrentStage.Name(), s.CompletedStages, s.Progress*100,
			s.Duration.Round(time.Second), s.ErrorCount)
		return nil
	},
}

var pipelineHistoryCmd = &cobra.Command{
	Use:   "history <task>",
	Short: "Show the event log for a pipeline",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		d, cleanup, err := openDB()
		if err != nil {
			return err
		}
		defer cleanup()

		evts, err := d.GetPipelineHistory(args[0])
		if err != nil {
			return err
		}

		format, _ := cmd.Flags().GetString("format")
		if format == "json" {
			return writeJSON(cmd, evts)
		}
		if len(evts) == 0 {
			fmt.Fprintf(cmd.OutOrStdout(), "No events for task %s.\n", args[0])
			return nil
		}
		return printEvents(cmd, evts)
	},
}

var pipelineCleanupCmd = &cobra.Command{
	Use:   "cleanup",
	Short: "Delete completed and failed pipelines older than the retention window",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := optionalConfig()
		if err != nil {
			return err
		}
		olderThan, _ := cmd.Flags().GetDuration("older-than")
		if !cmd.Flags().Changed("older-than") && cfg != nil {
			olderThan = cfg.Store.Retention.D()
		}

		store, cleanup, err := openStoreWith(cmd.Context(), cfg)
		if err != nil {
			return err
		}
		defer cleanup()

		n, err := store.Cleanup(cmd.Context(), olderThan)
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Removed %d pipeline(s) older than %s\n", n, olderThan)
		return nil
	},
}

var pipelineDeleteCmd = &cobra.Command{
	Use:   "delete <task>",
	Short: "Delete a pipeline record",
	Long: `Deletes the pipeline record. The poller still skips the task while its event
history or queue entry exists; pass --forget to drop those too so the next
poll starts it from scratch.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		store, cleanup, err := openStore(cmd.Context())
		if err != nil {
			return err
		}
		defer cleanup()

		forget, _ := cmd.Flags().GetBool("forget")
		switch err := store.Delete(cmd.Context(), args[0]); {
		case errors.Is(err, pipeline.ErrNotFound) && forget:
			// Cleanup may have purged the record already; the history is what blocks a restart.
		case err != nil:
			return err
		default:
			fmt.Fprintf(cmd.OutOrStdout(), "Deleted pipeline %s\n", args[0])
		}

		if forget {
			d, cleanupDB, err := openDB()
			if err != nil {
				return err
			}
			defer cleanupDB()
			if err := d.ForgetTask(args[0]); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Forgot history of task %s\n", args[0])
		}
		return nil
	},
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show active pipelines and queue size at a glance",
	RunE: func(cmd *cobra.Command, args []string) error {
		store, cleanupStore, err := openStore(cmd.Context())
		if err != nil {
			return err
		}
		defer cleanupStore()

		d, cleanupDB, err := openDB()
		if err != nil {
			return err
		}
		defer cleanupDB()

		active, err := store.Active(cmd.Context())
		if err != nil {
			return err
		}
		queued, err := d.QueueList("pending")
		if err != nil {
			return err
		}

		now := time.Now().UTC()
		summaries := make([]pipeline.Summary, len(active))
		for i := range active {
			summaries[i] = pipeline.Summarize(&active[i], now)
		}

		format, _ := cmd.Flags().GetString("format")
		if format == "json" {
			return writeJSON(cmd, map[string]any{"active": summaries, "queued": len(queued)})
		}

		out := cmd.OutOrStdout()
		fmt.Fprintf(out, "%d active pipeline(s), %d task(s) queued for manual processing\n", len(active), len(queued))
		if len(summaries) == 0 {
			return nil
		}
		w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "TASK\tSTAGE\tPROGRESS\tRUNNING\tERRORS")
		for _, s := range summaries {
			fmt.Fprintf(w, "%s\t%s\t%.0f%%\t%s\t%d\n",
				s.TaskID, s.CurrentStage.Name(), s.Progress*100, s.Duration.Round(time.Second), s.ErrorCount)
		}
		return w.Flush()
	},
}

func init() {
	pipelineListCmd.Flags().String("status", "", "Filter by status: in_progress, completed or failed")
	pipelineListCmd.Flags().String("format", "table", "Output format: table or json")
	pipelineStatusCmd.Flags().String("format", "table", "Output format: table or json")
	pipelineSummaryCmd.Flags().String("format", "text", "Output format: text or json")
	pipelineHistoryCmd.Flags().String("format", "table", "Output format: table or json")
	pipelineCleanupCmd.Flags().Duration("older-than", 30*24*time.Hour, "Age past completion or failure before a record is removed")
	pipelineDeleteCmd.Flags().Bool("forget", false, "Also drop the task's event history and queue entry")
	statusCmd.Flags().String("format", "table", "Output format: table or json")

	pipelineCmd.AddCommand(pipelineListCmd)
	pipelineCmd.AddCommand(pipelineStatusCmd)
	pipelineCmd.AddCommand(pipelineSummaryCmd)
	pipelineCmd.AddCommand(pipelineHistoryCmd)
	pipelineCmd.AddCommand(pipelineCleanupCmd)
	pipelineCmd.AddCommand(pipelineDeleteCmd)
}
