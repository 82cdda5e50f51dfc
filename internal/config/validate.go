package config

import (
	"fmt"
	"strings"

	"github.com/lucasnoah/relay/internal/logging"
	"github.com/lucasnoah/relay/internal/pipeline"
	"github.com/lucasnoah/relay/internal/prompt"
	"github.com/lucasnoah/relay/internal/watcher"
)

// ValidationError represents a single validation issue with a config.
type ValidationError struct {
	Field   string
	Message string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// AgentStages are the stages that run an agent, in pipeline order.
var AgentStages = []pipeline.Stage{
	pipeline.StageAnalyzing,
	pipeline.StageImplementing,
	pipeline.StageReviewing,
	pipeline.StageFixing,
}

var (
	storeDrivers = map[string]bool{"file": true, "postgres": true}
	eventDrivers = map[string]bool{"memory": true, "redis": true, "nats": true}
)

// Validate checks a Config for structural and semantic errors.
// It returns a slice of all validation errors found (empty if valid).
func Validate(cfg *Config) []ValidationError {
	var errs []ValidationError
	add := func(field, format string, args ...any) {
		errs = append(errs, ValidationError{Field: field, Message: fmt.Sprintf(format, args...)})
	}

	if cfg.Tracker.Repo == "" {
		add("tracker.repo", "is required")
	} else if !ownerName(cfg.Tracker.Repo) {
		add("tracker.repo", "must be owner/name, got %q", cfg.Tracker.Repo)
	}

	if len(cfg.Repositories) == 0 {
		add("repositories", "at least one repository is required")
	}
	names := make(map[string]bool)
	for i, r := range cfg.Repositories {
		prefix := fmt.Sprintf("repositories[%d]", i)
		if r.Name == "" {
			add(prefix+".name", "is required")
		} else if names[r.Name] {
			add(prefix+".name", "duplicate repository name %q", r.Name)
		}
		names[r.Name] = true
		if !ownerName(r.Repo) {
			add(prefix+".repo", "must be owner/name, got %q", r.Repo)
		}
	}
	if len(cfg.Repositories) > 0 && !names[cfg.Active] {
		add("active", "references undefined repository %q", cfg.Active)
	}

	known := make(map[string]bool)
	for _, s := range AgentStages {
		known[s.Name()] = true
	}
	for key := range cfg.Agents.Stages {
		if !known[key] {
			add("agents.stages."+key, "unknown stage (want analysis, implementation, review or fixes)")
		}
	}
	for _, s := range AgentStages {
		a := cfg.AgentFor(s)
		if a.Command == "" {
			add("agents.stages."+s.Name()+".command", "is required")
		}
		if a.Template != "" && cfg.Agents.TemplateDir == "" {
			if _, err := prompt.Load(a.Template, ""); err != nil {
				add("agents.stages."+s.Name()+".template", "%v", err)
			}
		}
	}

	if cfg.Watchers.MaxIterations < 1 {
		add("watchers.max_iterations", "must be at least 1")
	}
	m := cfg.Watchers.Markers
	if _, err := watcher.NewClassifier(m.Review, m.Fix, m.TODO); err != nil {
		add("watchers.markers", "%v", err)
	}

	if cfg.Retry.MaxAttempts < 1 {
		add("retry.max_attempts", "must be at least 1")
	}
	if cfg.Retry.BackoffFactor < 1 {
		add("retry.backoff_factor", "must be at least 1")
	}
	if cfg.Retry.MaxDelay < cfg.Retry.BaseDelay {
		add("retry.max_delay", "must not be less than base_delay")
	}

	if !storeDrivers[cfg.Store.Driver] {
		add("store.driver", "unknown driver %q (want file or postgres)", cfg.Store.Driver)
	}
	if cfg.Store.Driver == "postgres" && cfg.Store.DSN == "" {
		add("store.dsn", "is required for the postgres driver")
	}

	if !eventDrivers[cfg.Events.Driver] {
		add("events.driver", "unknown driver %q (want memory, redis or nats)", cfg.Events.Driver)
	}

	if _, err := logging.New(logging.Options{Level: cfg.Log.Level, Format: cfg.Log.Format}, nil); err != nil {
		add("log", "%v", err)
	}

	return errs
}

func ownerName(s string) bool {
	owner, name, ok := strings.Cut(s, "/")
	return ok && owner != "" && name != "" && !strings.Contains(name, "/")
}
