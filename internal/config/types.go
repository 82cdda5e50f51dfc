package config

import (
	"fmt"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the top-level relay configuration parsed from relay.yaml.
type Config struct {
	Tracker      Tracker      `yaml:"tracker"`
	Repositories []Repository `yaml:"repositories"`
	Active       string       `yaml:"active"`
	Agents       Agents       `yaml:"agents"`
	Watchers     Watchers     `yaml:"watchers"`
	Retry        Retry        `yaml:"retry"`
	Timeouts     Timeouts     `yaml:"timeouts"`
	Store        Store        `yaml:"store"`
	Events       Events       `yaml:"events"`
	Log          Log          `yaml:"log"`
}

// Tracker configures where tasks come from.
type Tracker struct {
	Repo         string   `yaml:"repo"` // owner/name holding the task issues
	TriggerLabel string   `yaml:"trigger_label"`
	StatusPrefix string   `yaml:"status_prefix"`
	BotUser      string   `yaml:"bot_user"`
	PollInterval Duration `yaml:"poll_interval"`
}

// Repository is a code repository tasks are implemented in.
type Repository struct {
	Name        string `yaml:"name"`
	Repo        string `yaml:"repo"` // owner/name on the host
	Path        string `yaml:"path"` // local clone
	BaseBranch  string `yaml:"base_branch"`
	WorktreeDir string `yaml:"worktree_dir"`
}

// Agents configures the external process run for each stage. Stage keys are
// analysis, implementation, review and fixes.
type Agents struct {
	Defaults    Agent            `yaml:"defaults"`
	Stages      map[string]Agent `yaml:"stages"`
	TemplateDir string           `yaml:"template_dir"`
}

// Agent is one agent command.
type Agent struct {
	Command  string   `yaml:"command"`
	Args     []string `yaml:"args"`
	Template string   `yaml:"template"`
	Timeout  Duration `yaml:"timeout"`
}

// Watchers configures the PR and review-cycle watchers.
type Watchers struct {
	PRInterval     Duration `yaml:"pr_interval"`
	ReviewInterval Duration `yaml:"review_interval"`
	PRTimeout      Duration `yaml:"pr_timeout"`
	MaxIterations  int      `yaml:"max_iterations"`
	Markers        Markers  `yaml:"markers"`
}

// Markers are the case-insensitive commit-message patterns used to classify commits.
type Markers struct {
	Review string `yaml:"review"`
	Fix    string `yaml:"fix"`
	TODO   string `yaml:"todo"`
}

// Retry configures the retry policy around tracker and host calls.
type Retry struct {
	MaxAttempts     int      `yaml:"max_attempts"`
	BaseDelay       Duration `yaml:"base_delay"`
	MaxDelay        Duration `yaml:"max_delay"`
	BackoffFactor   float64  `yaml:"backoff_factor"`
	BreakerFailures uint32   `yaml:"breaker_failures"`
	BreakerOpenFor  Duration `yaml:"breaker_open_for"`
}

// Timeouts bound external calls.
type Timeouts struct {
	API   Duration `yaml:"api"`
	Agent Duration `yaml:"agent"`
}

// Store selects the pipeline store and the operational database.
type Store struct {
	Driver    string   `yaml:"driver"` // file or postgres
	Dir       string   `yaml:"dir"`
	DSN       string   `yaml:"dsn"`
	DBPath    string   `yaml:"db_path"`
	Retention Duration `yaml:"retention"`
}

// Events selects the event bus.
type Events struct {
	Driver  string `yaml:"driver"` // memory, redis or nats
	URL     string `yaml:"url"`
	Subject string `yaml:"subject"`
}

// Log configures logging.
type Log struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Duration is a time.Duration written as a Go duration string, e.g. "30m".
type Duration time.Duration

// D returns the value as a time.Duration.
func (d Duration) D() time.Duration { return time.Duration(d) }

func (d Duration) String() string { return time.Duration(d).String() }

func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	var s string
	if err := node.Decode(&s); err != nil {
		return fmt.Errorf("line %d: duration must be a string like \"30s\"", node.Line)
	}
	v, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("line %d: %w", node.Line, err)
	}
	*d = Duration(v)
	return nil
}

func (d Duration) MarshalYAML() (interface{}, error) {
	return time.Duration(d).String(), nil
}
