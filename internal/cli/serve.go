package cli

import (
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/lucasnoah/relay/internal/config"
	"github.com/lucasnoah/relay/internal/events"
	"github.com/lucasnoah/relay/internal/logging"
	"github.com/lucasnoah/relay/internal/web"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the read-only web UI",
	Long: `Serves the dashboard, pipeline pages, manual queue and a live event stream.

The live stream needs a shared bus (events.driver redis or nats); with the
memory bus only "relay run --http" can stream its own events.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		addr, _ := cmd.Flags().GetString("addr")

		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		cfg, err := optionalConfig()
		if err != nil {
			return err
		}
		logger := slog.Default()
		if cfg != nil {
			if logger, err = logging.New(logging.Options{Level: cfg.Log.Level, Format: cfg.Log.Format}, cmd.ErrOrStderr()); err != nil {
				return err
			}
		}

		d, closeDB, err := openDBWith(cfg)
		if err != nil {
			return err
		}
		defer closeDB()

		store, closeStore, err := openStoreWith(ctx, cfg)
		if err != nil {
			return err
		}
		defer closeStore()

		opts := web.Options{Logger: logging.Component(logger, "web")}
		if cfg != nil {
			opts.TrackerURL = trackerURL(cfg)
			opts.Subject = cfg.Events.Subject
			if cfg.Events.Driver != "memory" {
				bus, err := events.Open(cfg.Events.Driver, cfg.Events.URL)
				if err != nil {
					return fmt.Errorf("open event bus: %w", err)
				}
				defer bus.Close()
				opts.Bus = bus
			}
		}

		return web.NewServer(store, d, opts).Serve(ctx, addr)
	},
}

// trackerURL is the browser URL of the tracker repository.
func trackerURL(cfg *config.Config) string {
	if cfg.Tracker.Repo == "" {
		return ""
	}
	return "https://github.com/" + cfg.Tracker.Repo
}

func init() {
	serveCmd.Flags().String("addr", "127.0.0.1:8080", "Address to listen on")
}
