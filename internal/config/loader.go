package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/lucasnoah/relay/internal/pipeline"
	"github.com/lucasnoah/relay/internal/retry"
)

// Load reads and parses a relay configuration from the given YAML file path.
// After parsing, it fills in defaults for everything left unset.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}
	return Parse(data)
}

// Parse parses YAML config bytes and applies defaults.
func Parse(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parsing config YAML: %w", err)
	}
	applyDefaults(&cfg)
	return &cfg, nil
}

// LoadDefault searches for a config in standard locations and loads the
// first one found. Search order: ./relay.yaml, ~/.relay/config.yaml
func LoadDefault() (*Config, string, error) {
	candidates := []string{"relay.yaml"}

	home, err := os.UserHomeDir()
	if err == nil {
		candidates = append(candidates, filepath.Join(home, ".relay", "config.yaml"))
	}

	for _, path := range candidates {
		if _, err := os.Stat(path); err == nil {
			cfg, err := Load(path)
			return cfg, path, err
		}
	}

	return nil, "", fmt.Errorf("no relay config found (searched: %v)", candidates)
}

func applyDefaults(cfg *Config) {
	t := &cfg.Tracker
	if t.TriggerLabel == "" {
		t.TriggerLabel = "relay"
	}
	if t.StatusPrefix == "" {
		t.StatusPrefix = "relay:"
	}
	setDuration(&t.PollInterval, time.Minute)

	for i := range cfg.Repositories {
		r := &cfg.Repositories[i]
		if r.BaseBranch == "" {
			r.BaseBranch = "main"
		}
		if r.Path == "" {
			r.Path = "."
		}
		if r.WorktreeDir == "" {
			r.WorktreeDir = filepath.Join(r.Path, ".relay", "worktrees")
		}
	}
	if cfg.Active == "" && len(cfg.Repositories) > 0 {
		cfg.Active = cfg.Repositories[0].Name
	}

	a := &cfg.Agents
	if a.Defaults.Command == "" {
		a.Defaults.Command = "claude"
		if len(a.Defaults.Args) == 0 {
			a.Defaults.Args = []string{"--print"}
		}
	}

	w := &cfg.Watchers
	setDuration(&w.PRInterval, time.Minute)
	setDuration(&w.ReviewInterval, time.Minute)
	setDuration(&w.PRTimeout, 30*time.Minute)
	if w.MaxIterations == 0 {
		w.MaxIterations = 3
	}

	r := &cfg.Retry
	if r.MaxAttempts == 0 {
		r.MaxAttempts = 3
	}
	setDuration(&r.BaseDelay, time.Second)
	setDuration(&r.MaxDelay, 30*time.Second)
	if r.BackoffFactor == 0 {
		r.BackoffFactor = 2
	}
	if r.BreakerFailures == 0 {
		r.BreakerFailures = 5
	}
	setDuration(&r.BreakerOpenFor, time.Minute)

	setDuration(&cfg.Timeouts.API, 30*time.Second)
	setDuration(&cfg.Timeouts.Agent, 30*time.Minute)

	if cfg.Store.Driver == "" {
		cfg.Store.Driver = "file"
	}
	setDuration(&cfg.Store.Retention, 30*24*time.Hour)

	if cfg.Events.Driver == "" {
		cfg.Events.Driver = "memory"
	}
	if cfg.Events.Subject == "" {
		cfg.Events.Subject = "relay.pipeline"
	}

	if cfg.Log.Level == "" {
		cfg.Log.Level = "info"
	}
	if cfg.Log.Format == "" {
		cfg.Log.Format = "text"
	}
}

func setDuration(d *Duration, def time.Duration) {
	if *d == 0 {
		*d = Duration(def)
	}
}

// ActiveRepository returns the repository named by Active.
func (c *Config) ActiveRepository() (*Repository, error) {
	for i := range c.Repositories {
		if c.Repositories[i].Name == c.Active {
			return &c.Repositories[i], nil
		}
	}
	return nil, fmt.Errorf("active repository %q is not configured", c.Active)
}

// AgentFor returns the agent for a stage with the defaults filled in.
func (c *Config) AgentFor(stage pipeline.Stage) Agent {
	a := c.Agents.Stages[stage.Name()]
	d := c.Agents.Defaults
	if a.Command == "" {
		a.Command = d.Command
		if len(a.Args) == 0 {
			a.Args = d.Args
		}
	}
	if a.Timeout == 0 {
		a.Timeout = d.Timeout
	}
	if a.Timeout == 0 {
		a.Timeout = c.Timeouts.Agent
	}
	return a
}

// StaleStageAfter is how long a stage may stay in progress before its run is
// treated as abandoned: the longest agent timeout plus a minute of grace, since the
// agent process is killed at its timeout.
func (c *Config) StaleStageAfter() time.Duration {
	var longest time.Duration
	for _, s := range AgentStages {
		if d := c.AgentFor(s).Timeout.D(); d > longest {
			longest = d
		}
	}
	if longest == 0 {
		return 0
	}
	return longest + time.Minute
}

// RetryPolicy builds the retry policy for tracker and host calls.
func (c *Config) RetryPolicy() retry.Policy {
	return retry.Policy{
		MaxAttempts:   c.Retry.MaxAttempts,
		BaseDelay:     c.Retry.BaseDelay.D(),
		MaxDelay:      c.Retry.MaxDelay.D(),
		BackoffFactor: c.Retry.BackoffFactor,
		Retryable:     retry.IsRetryable,
	}
}
