package cli

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/lucasnoah/relay/internal/agent"
	"github.com/lucasnoah/relay/internal/command"
	"github.com/lucasnoah/relay/internal/config"
	"github.com/lucasnoah/relay/internal/db"
	"github.com/lucasnoah/relay/internal/events"
	"github.com/lucasnoah/relay/internal/github"
	"github.com/lucasnoah/relay/internal/logging"
	"github.com/lucasnoah/relay/internal/orchestrator"
	"github.com/lucasnoah/relay/internal/pipeline"
	"github.com/lucasnoah/relay/internal/retry"
	"github.com/lucasnoah/relay/internal/watcher"
	"github.com/lucasnoah/relay/internal/worktree"
)

// app is the fully wired relay: stores, tracker client, orchestrator and watchers.
type app struct {
	cfg     *config.Config
	logger  *slog.Logger
	db      *db.DB
	store   pipeline.Store
	bus     events.Bus
	journal *events.Journal
	github  *github.Client
	orch    *orchestrator.Orchestrator
	poller  *orchestrator.Poller
	prs     *watcher.PRWatcher
	reviews *watcher.ReviewWatcher

	closers []func()
}

// newApp loads and validates the config and wires every collaborator.
func newApp(ctx context.Context, cmd *cobra.Command) (*app, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	if errs := config.Validate(cfg); len(errs) > 0 {
		return nil, validationFailure(errs)
	}

	logger, err := logging.New(logging.Options{Level: cfg.Log.Level, Format: cfg.Log.Format}, cmd.ErrOrStderr())
	if err != nil {
		return nil, err
	}

	a := &app{cfg: cfg, logger: logger}
	ok := false
	defer func() {
		if !ok {
			a.Close()
		}
	}()

	d, closeDB, err := openDBWith(cfg)
	if err != nil {
		return nil, err
	}
	a.db = d
	a.closers = append(a.closers, closeDB)

	store, closeStore, err := openStoreWith(ctx, cfg)
	if err != nil {
		return nil, err
	}
	if s, ok := store.(interface{ SetStaleAfter(time.Duration) }); ok {
		s.SetStaleAfter(cfg.StaleStageAfter())
	}
	a.store = store
	a.closers = append(a.closers, closeStore)

	bus, err := events.Open(cfg.Events.Driver, cfg.Events.URL)
	if err != nil {
		return nil, fmt.Errorf("open event bus: %w", err)
	}
	a.bus = bus
	a.closers = append(a.closers, func() { bus.Close() })
	a.journal = &events.Journal{
		Log:     d,
		Bus:     bus,
		Subject: cfg.Events.Subject,
		Logger:  logging.Component(logger, "events"),
	}

	breakers := retry.NewBreakerRegistry(cfg.Retry.BreakerFailures, cfg.Retry.BreakerOpenFor.D(), logging.Component(logger, "retry"))
	a.github = github.NewClient(&github.ExecRunner{}, github.Options{
		Repository:   cfg.Tracker.Repo,
		TriggerLabel: cfg.Tracker.TriggerLabel,
		StatusPrefix: cfg.Tracker.StatusPrefix,
		Timeout:      cfg.Timeouts.API.D(),
		Policy:       breakers.Policy("github", cfg.RetryPolicy()),
	})

	repo, err := cfg.ActiveRepository()
	if err != nil {
		return nil, err
	}
	worktrees := worktree.NewManager(&worktree.ExecGit{}, repo.Path, repo.WorktreeDir, repo.BaseBranch)

	a.orch = orchestrator.New(store, a.github, buildAgents(cfg, worktrees), d, orchestrator.Options{
		Repository:    orchestrator.Repository{Name: repo.Name, FullName: repo.Repo},
		Watches:       d,
		Journal:       a.journal,
		Logger:        logging.Component(logger, "orchestrator"),
		MaxIterations: cfg.Watchers.MaxIterations,
	})

	a.poller = &orchestrator.Poller{
		Orchestrator: a.orch,
		Tracker:      a.github,
		Store:        store,
		Dispatcher: &command.Dispatcher{
			Rerunner: a.orch,
			Seen:     d,
			Tracker:  a.github,
			Journal:  a.journal,
			Logger:   logging.Component(logger, "commands"),
			Self:     cfg.Tracker.BotUser,
		},
		History:   d,
		Retention: cfg.Store.Retention.D(),
		Logger:    logging.Component(logger, "poller"),
	}

	m := cfg.Watchers.Markers
	classifier, err := watcher.NewClassifier(m.Review, m.Fix, m.TODO)
	if err != nil {
		return nil, err
	}
	a.prs = &watcher.PRWatcher{
		Watches:     d,
		Host:        a.github,
		Notifier:    a.github,
		Journal:     a.journal,
		Logger:      logging.Component(logger, "pr-watcher"),
		Timeout:     cfg.Watchers.PRTimeout.D(),
		CallTimeout: cfg.Timeouts.API.D(),
		OnPRFound:   a.orch.OnPRFound,
	}
	a.reviews = &watcher.ReviewWatcher{
		Watches:     d,
		Host:        a.github,
		Notifier:    a.github,
		Runner:      a.orch,
		Classifier:  classifier,
		Journal:     a.journal,
		Logger:      logging.Component(logger, "review-watcher"),
		CallTimeout: cfg.Timeouts.API.D(),
	}

	ok = true
	return a, nil
}

// Close releases everything newApp opened, in reverse order.
func (a *app) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
	a.closers = nil
}

// buildAgents wires one CLI agent per stage. Every stage runs in the task's
// worktree; all but analysis push the branch afterwards.
func buildAgents(cfg *config.Config, ws agent.Workspace) agent.Set {
	set := make(agent.Set, len(config.AgentStages))
	for _, stage := range config.AgentStages {
		a := cfg.AgentFor(stage)
		tmpl := a.Template
		if tmpl == "" {
			tmpl = agent.TemplateFor(stage)
		}
		exec := &agent.CLIExecutor{
			Runner:      &agent.ExecRunner{},
			Command:     a.Command,
			Args:        a.Args,
			Template:    tmpl,
			TemplateDir: cfg.Agents.TemplateDir,
			Timeout:     a.Timeout.D(),
		}
		set[stage] = agent.InWorktree(exec, ws, stage != pipeline.StageAnalyzing)
	}
	return set
}

// resolveConfigPath turns the --config flag into an absolute path. An empty
// flag stays empty so the default search applies.
func resolveConfigPath(flag string) (string, error) {
	if flag == "" {
		return "", nil
	}
	abs, err := filepath.Abs(flag)
	if err != nil {
		return "", fmt.Errorf("resolve config path %q: %w", flag, err)
	}
	if _, err := os.Stat(abs); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return "", fmt.Errorf("config file %s not found", abs)
		}
		return "", fmt.Errorf("stat config file: %w", err)
	}
	return abs, nil
}

func loadConfig() (*config.Config, error) {
	path, err := resolveConfigPath(configFile)
	if err != nil {
		return nil, err
	}
	if path != "" {
		return config.Load(path)
	}
	cfg, _, err := config.LoadDefault()
	return cfg, err
}

// optionalConfig loads the config when one exists. Local-state commands fall
// back to the default paths without one; an explicit --config must load.
func optionalConfig() (*config.Config, error) {
	if configFile != "" {
		return loadConfig()
	}
	cfg, path, err := config.LoadDefault()
	if err != nil && path == "" {
		return nil, nil
	}
	return cfg, err
}

func validationFailure(errs []config.ValidationError) error {
	lines := make([]string, len(errs))
	for i, e := range errs {
		lines[i] = "  " + e.Error()
	}
	return fmt.Errorf("invalid config:\n%s", strings.Join(lines, "\n"))
}

// openDB opens and migrates the DB, returning it with a cleanup func.
func openDB() (*db.DB, func(), error) {
	cfg, err := optionalConfig()
	if err != nil {
		return nil, nil, err
	}
	return openDBWith(cfg)
}

func openDBWith(cfg *config.Config) (*db.DB, func(), error) {
	var path string
	if cfg != nil {
		path = cfg.Store.DBPath
	}
	if path == "" {
		p, err := db.DefaultDBPath()
		if err != nil {
			return nil, nil, err
		}
		path = p
	}
	d, err := db.Open(path)
	if err != nil {
		return nil, nil, err
	}
	if err := d.Migrate(); err != nil {
		d.Close()
		return nil, nil, err
	}
	return d, func() { d.Close() }, nil
}

// openStore opens the configured pipeline store, returning it with a cleanup func.
func openStore(ctx context.Context) (pipeline.Store, func(), error) {
	cfg, err := optionalConfig()
	if err != nil {
		return nil, nil, err
	}
	return openStoreWith(ctx, cfg)
}

func openStoreWith(ctx context.Context, cfg *config.Config) (pipeline.Store, func(), error) {
	driver, dir, dsn := "file", "", ""
	if cfg != nil {
		driver, dir, dsn = cfg.Store.Driver, cfg.Store.Dir, cfg.Store.DSN
	}
	switch driver {
	case "postgres":
		s, err := pipeline.OpenPostgresStore(ctx, dsn)
		if err != nil {
			return nil, nil, fmt.Errorf("open pipeline store: %w", err)
		}
		return s, s.Close, nil
	case "file", "":
		if dir != "" {
			return pipeline.NewFileStore(dir), func() {}, nil
		}
		s, err := pipeline.DefaultFileStore()
		if err != nil {
			return nil, nil, fmt.Errorf("open pipeline store: %w", err)
		}
		return s, func() {}, nil
	}
	return nil, nil, fmt.Errorf("unknown store driver %q", driver)
}

func writeJSON(cmd *cobra.Command, v any) error {
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func truncate(s string, n int) string {
	s = strings.ReplaceAll(s, "\n", " ")
	if len(s) > n {
		return s[:n-3] + "..."
	}
	return s
}
