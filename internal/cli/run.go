package cli

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"sort"
	"strings"
	"syscall"
	"text/tabwriter"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/lucasnoah/relay/internal/logging"
	"github.com/lucasnoah/relay/internal/orchestrator"
	"github.com/lucasnoah/relay/internal/watcher"
	"github.com/lucasnoah/relay/internal/web"
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the task poller and both watchers until interrupted",
	Long: `Starts three loops that share one process:
  - the task poll: starts pipelines for new tasks and acts on rerun comments
  - the PR watcher: waits for a pull request on each implemented branch
  - the review watcher: follows review/fix commits on each open pull request

With --http the read-only web UI is served from the same process and streams
its events live, whatever the bus driver.

SIGINT or SIGTERM stops the loops; in-flight follow-up stages are awaited.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		a, err := newApp(ctx, cmd)
		if err != nil {
			return err
		}
		defer a.Close()

		cfg := a.cfg
		a.logger.Info("relay started",
			"tracker", cfg.Tracker.Repo,
			"repository", cfg.Active,
			"store", cfg.Store.Driver,
			"events", cfg.Events.Driver)

		g, ctx := errgroup.WithContext(ctx)
		g.Go(func() error {
			watcher.Loop(ctx, "poll", cfg.Tracker.PollInterval.D(), a.logger, a.poller.Tick)
			return nil
		})
		g.Go(func() error {
			watcher.Loop(ctx, "pr-watcher", cfg.Watchers.PRInterval.D(), a.logger, a.prs.Tick)
			return nil
		})
		g.Go(func() error {
			watcher.Loop(ctx, "review-watcher", cfg.Watchers.ReviewInterval.D(), a.logger, a.reviews.Tick)
			return nil
		})
		if addr, _ := cmd.Flags().GetString("http"); addr != "" {
			srv := web.NewServer(a.store, a.db, web.Options{
				Bus:        a.bus,
				Subject:    cfg.Events.Subject,
				TrackerURL: trackerURL(cfg),
				Logger:     logging.Component(a.logger, "web"),
			})
			g.Go(func() error { return srv.Serve(ctx, addr) })
		}
		err = g.Wait()
		a.reviews.Wait()
		a.logger.Info("relay stopped")
		return err
	},
}

var pollCmd = &cobra.Command{
	Use:   "poll",
	Short: "Run one task poll: start new pipelines and act on rerun comments",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		a, err := newApp(ctx, cmd)
		if err != nil {
			return err
		}
		defer a.Close()

		res, err := a.poller.Poll(ctx)
		if err != nil {
			return err
		}

		format, _ := cmd.Flags().GetString("format")
		if format == "json" {
			return writeJSON(cmd, res)
		}
		return printPoll(cmd, res)
	},
}

func printPoll(cmd *cobra.Command, res *orchestrator.PollResult) error {
	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "Seen %d task(s), started %d, handled %d command(s), cleaned up %d record(s)\n",
		res.Seen, len(res.Started), res.Commands, res.CleanedUp)
	if len(res.Started) == 0 {
		return nil
	}

	w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "TASK\tRESULT\tBRANCH\tNOTES")
	for _, r := range res.Started {
		result := "ok"
		if !r.Success {
			result = "failed"
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", r.TaskID, result, r.Branch, truncate(resultNotes(r), 60))
	}
	return w.Flush()
}

func resultNotes(r *orchestrator.Result) string {
	if r.Error != "" {
		return r.Error
	}
	var notes []string
	for stage, reason := range r.Degraded {
		notes = append(notes, fmt.Sprintf("%s skipped: %s", stage.Name(), reason))
	}
	sort.Strings(notes)
	return strings.Join(notes, "; ")
}

var watchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Inspect and drive the PR and review watchers",
}

var watchTickCmd = &cobra.Command{
	Use:   "tick",
	Short: "Run one pass of both watchers and wait for launched stages",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		a, err := newApp(ctx, cmd)
		if err != nil {
			return err
		}
		defer a.Close()

		if err := a.prs.Tick(ctx); err != nil {
			return err
		}
		err = a.reviews.Tick(ctx)
		a.reviews.Wait()
		if err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), "Watchers ticked.")
		return nil
	},
}

var watchListCmd = &cobra.Command{
	Use:   "list",
	Short: "List tasks waiting for a pull request or in a review cycle",
	RunE: func(cmd *cobra.Command, args []string) error {
		d, cleanup, err := openDB()
		if err != nil {
			return err
		}
		defer cleanup()

		prs, err := d.PRWatches()
		if err != nil {
			return err
		}
		reviews, err := d.ReviewWatches()
		if err != nil {
			return err
		}

		format, _ := cmd.Flags().GetString("format")
		if format == "json" {
			return writeJSON(cmd, map[string]any{"pr_watches": prs, "review_watches": reviews})
		}

		out := cmd.OutOrStdout()
		if len(prs) == 0 && len(reviews) == 0 {
			fmt.Fprintln(out, "No active watches.")
			return nil
		}

		w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "TASK\tWATCH\tBRANCH\tSTATE\tSINCE")
		for _, p := range prs {
			fmt.Fprintf(w, "%s\tpr\t%s\twaiting for PR\t%s\n", p.TaskID, p.Branch, p.StartedAt.Format("2006-01-02 15:04"))
		}
		for _, r := range reviews {
			state := fmt.Sprintf("%s (%d/%d) #%d", r.Stage, r.Iteration, r.MaxIterations, r.PRNumber)
			fmt.Fprintf(w, "%s\treview\t%s\t%s\t%s\n", r.TaskID, r.Branch, state, r.StartedAt.Format("2006-01-02 15:04"))
		}
		return w.Flush()
	},
}

var watchRemoveCmd = &cobra.Command{
	Use:   "remove <task>",
	Short: "Stop watching a task",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		d, cleanup, err := openDB()
		if err != nil {
			return err
		}
		defer cleanup()

		if err := d.RemovePRWatch(args[0]); err != nil {
			return err
		}
		if err := d.RemoveReviewWatch(args[0]); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Removed watches for task %s\n", args[0])
		return nil
	},
}

var rerunCmd = &cobra.Command{
	Use:   "rerun",
	Short: "Re-run a single stage on an implemented task",
}

var rerunReviewCmd = &cobra.Command{
	Use:   "review <task>",
	Short: "Re-run the review stage",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return rerun(cmd, args[0], (*orchestrator.Orchestrator).RerunReview, "review")
	},
}

var rerunFixesCmd = &cobra.Command{
	Use:   "fixes <task>",
	Short: "Re-run the fixes stage",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return rerun(cmd, args[0], (*orchestrator.Orchestrator).RerunFixes, "fixes")
	},
}

func rerun(cmd *cobra.Command, taskID string, fn func(*orchestrator.Orchestrator, context.Context, string) error, stage string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := newApp(ctx, cmd)
	if err != nil {
		return err
	}
	defer a.Close()

	if err := fn(a.orch, ctx, taskID); err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Re-ran %s for task %s\n", stage, taskID)
	return nil
}

func init() {
	runCmd.Flags().String("http", "", "Also serve the web UI on this address, e.g. 127.0.0.1:8080")
	pollCmd.Flags().String("format", "table", "Output format: table or json")
	watchListCmd.Flags().String("format", "table", "Output format: table or json")

	watchCmd.AddCommand(watchTickCmd)
	watchCmd.AddCommand(watchListCmd)
	watchCmd.AddCommand(watchRemoveCmd)

	rerunCmd.AddCommand(rerunReviewCmd)
	rerunCmd.AddCommand(rerunFixesCmd)
}
