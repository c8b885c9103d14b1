// Package config loads drover configuration from a YAML file and fills
// in defaults for everything the file leaves out.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/drover-dev/drover/internal/storage"
)

// ModelsConfig selects a model per turn kind. Extended is the larger
// fallback model used when an issue has exhausted its split budget.
type ModelsConfig struct {
	Plan     string `yaml:"plan"`
	Build    string `yaml:"build"`
	Split    string `yaml:"split"`
	Extended string `yaml:"extended"`
}

// VerifyConfig configures post-completion verification.
type VerifyConfig struct {
	// TestCommand runs after every successful build turn; a non-zero exit
	// keeps the issue iterating. Empty disables the gate.
	TestCommand string `yaml:"test_command"`

	// FixCommands are suggested remediation commands embedded in the body
	// of generated fix issues.
	FixCommands []string `yaml:"fix_commands"`

	// MaxRetries bounds how many fix sub-issues verification may spawn
	// per issue before marking it exhausted.
	MaxRetries int `yaml:"max_retries"`
}

// Config is the full drover configuration.
type Config struct {
	Storage storage.Config `yaml:"storage"`

	Models ModelsConfig `yaml:"models"`

	// Agent selects the turn runner: "cli" or "api".
	Agent string `yaml:"agent"`

	// AgentBinary overrides the agent CLI executable name.
	AgentBinary string `yaml:"agent_binary"`

	// MaxIterations caps build-loop iterations per run. Zero means
	// unlimited.
	MaxIterations int `yaml:"max_iterations"`

	// MaxAutoSplits caps automatic splits per issue before escalating to
	// the extended model.
	MaxAutoSplits int `yaml:"max_auto_splits"`

	// ContextUsagePercent is the share of the model's context window at
	// which a running turn is interrupted.
	ContextUsagePercent int `yaml:"context_usage_percent"`

	// ContextLimits overrides per-model context window sizes in tokens.
	ContextLimits map[string]int64 `yaml:"context_limits"`

	// TurnTimeout bounds a single agent turn, e.g. "30m".
	TurnTimeout string `yaml:"turn_timeout"`

	// Parallel is the number of issues worked concurrently in batch mode.
	Parallel int `yaml:"parallel"`

	Verify VerifyConfig `yaml:"verify"`
}

// DefaultConfig returns the configuration used when no file is present.
func DefaultConfig() *Config {
	return &Config{
		Storage: *storage.DefaultConfig(),
		Models: ModelsConfig{
			Plan:     "claude-sonnet-4-5",
			Build:    "claude-sonnet-4-5",
			Split:    "claude-sonnet-4-5",
			Extended: "claude-opus-4-1",
		},
		Agent:               "cli",
		MaxIterations:       20,
		MaxAutoSplits:       3,
		ContextUsagePercent: 75,
		TurnTimeout:         "30m",
		Parallel:            1,
		Verify: VerifyConfig{
			MaxRetries: 3,
		},
	}
}

// LoadConfig reads a YAML config file and merges it over the defaults.
// A missing file is not an error; the defaults are returned.
func LoadConfig(path string) (*Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing YAML: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config %s: %w", path, err)
	}
	return cfg, nil
}

// Validate checks values that would otherwise fail deep inside a run.
func (c *Config) Validate() error {
	if c.Storage.Backend != storage.BackendFile && c.Storage.Backend != storage.BackendSQLite {
		return fmt.Errorf("unknown storage backend: %q", c.Storage.Backend)
	}
	if c.Agent != "cli" && c.Agent != "api" {
		return fmt.Errorf("unknown agent runner: %q", c.Agent)
	}
	if c.MaxIterations < 0 {
		return fmt.Errorf("max_iterations must be >= 0")
	}
	if c.MaxAutoSplits < 0 {
		return fmt.Errorf("max_auto_splits must be >= 0")
	}
	if c.ContextUsagePercent <= 0 || c.ContextUsagePercent > 100 {
		return fmt.Errorf("context_usage_percent must be in (0, 100]")
	}
	if c.Parallel < 1 {
		return fmt.Errorf("parallel must be >= 1")
	}
	if c.Verify.MaxRetries < 0 {
		return fmt.Errorf("verify.max_retries must be >= 0")
	}
	if _, err := c.ParsedTurnTimeout(); err != nil {
		return err
	}
	return nil
}

// ParsedTurnTimeout returns TurnTimeout as a duration. Empty means zero,
// which lets the runner apply its own default.
func (c *Config) ParsedTurnTimeout() (time.Duration, error) {
	if c.TurnTimeout == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(c.TurnTimeout)
	if err != nil {
		return 0, fmt.Errorf("invalid turn_timeout %q: %w", c.TurnTimeout, err)
	}
	return d, nil
}

// ModelFor returns the configured model for a turn kind.
func (m *ModelsConfig) ModelFor(kind string) string {
	switch kind {
	case "plan":
		return m.Plan
	case "build":
		return m.Build
	case "split":
		return m.Split
	case "extended":
		return m.Extended
	}
	return m.Build
}
