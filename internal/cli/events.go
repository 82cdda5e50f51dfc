package cli

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/lucasnoah/relay/internal/db"
	"github.com/lucasnoah/relay/internal/events"
)

var eventsCmd = &cobra.Command{
	Use:   "events",
	Short: "Read the pipeline event log",
}

var eventsTailCmd = &cobra.Command{
	Use:   "tail",
	Short: "Print the most recent pipeline events from the local log",
	RunE: func(cmd *cobra.Command, args []string) error {
		after, _ := cmd.Flags().GetInt("after")
		limit, _ := cmd.Flags().GetInt("limit")

		d, cleanup, err := openDB()
		if err != nil {
			return err
		}
		defer cleanup()

		evts, err := d.RecentEvents(after, limit)
		if err != nil {
			return err
		}

		format, _ := cmd.Flags().GetString("format")
		if format == "json" {
			return writeJSON(cmd, evts)
		}
		if len(evts) == 0 {
			fmt.Fprintln(cmd.OutOrStdout(), "No events.")
			return nil
		}
		return printEvents(cmd, evts)
	},
}

var eventsFollowCmd = &cobra.Command{
	Use:   "follow",
	Short: "Stream pipeline events from the configured bus until interrupted",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		if cfg.Events.Driver == "memory" {
			return fmt.Errorf("events.driver is memory: only the relay process itself can see its events (configure redis or nats)")
		}

		bus, err := events.Open(cfg.Events.Driver, cfg.Events.URL)
		if err != nil {
			return err
		}
		defer bus.Close()

		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		ch, unsubscribe, err := bus.Subscribe(ctx, cfg.Events.Subject)
		if err != nil {
			return err
		}
		defer unsubscribe()

		out := cmd.OutOrStdout()
		for {
			select {
			case <-ctx.Done():
				return nil
			case env, ok := <-ch:
				if !ok {
					return nil
				}
				fmt.Fprintf(out, "%s  %-18s %-10s %-14s %s\n",
					env.Timestamp.Format("15:04:05"), env.Type, env.TaskID, env.Stage, env.Detail)
			}
		}
	},
}

func printEvents(cmd *cobra.Command, evts []db.PipelineEvent) error {
	w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tTIME\tTASK\tEVENT\tSTAGE\tDETAIL")
	for _, e := range evts {
		fmt.Fprintf(w, "%d\t%s\t%s\t%s\t%s\t%s\n",
			e.ID, e.Timestamp.Format("2006-01-02 15:04:05"), e.TaskID, e.Event, e.Stage, truncate(e.Detail, 60))
	}
	return w.Flush()
}

func init() {
	eventsTailCmd.Flags().Int("after", 0, "Only show events with an id greater than this")
	eventsTailCmd.Flags().Int("limit", 50, "Maximum number of events")
	eventsTailCmd.Flags().String("format", "table", "Output format: table or json")

	eventsCmd.AddCommand(eventsTailCmd)
	eventsCmd.AddCommand(eventsFollowCmd)
}
