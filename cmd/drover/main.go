// drover works issues through their lifecycle by driving an AI coding
// agent: plan, build, split on context overflow, verify on completion.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/drover-dev/drover/internal/agent"
	"github.com/drover-dev/drover/internal/budget"
	"github.com/drover-dev/drover/internal/config"
	"github.com/drover-dev/drover/internal/engine"
	"github.com/drover-dev/drover/internal/storage"
	"github.com/drover-dev/drover/internal/verify"

	// Storage backends register themselves with the factory.
	_ "github.com/drover-dev/drover/internal/storage/file"
	_ "github.com/drover-dev/drover/internal/storage/sqlite"
)

var (
	cfgPath   string
	storePath string

	cfg   *config.Config
	store storage.Store
)

var rootCmd = &cobra.Command{
	Use:   "drover",
	Short: "Drive AI coding-agent work items through their lifecycle",
	Long: `drover orchestrates long-running coding-agent work items ("issues")
through a fixed lifecycle: triage, planning, iterative building with
automatic split or escalation on context overflow, and post-completion
verification with bounded-retry fixes.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		var err error
		cfg, err = config.LoadConfig(cfgPath)
		if err != nil {
			return err
		}
		if storePath != "" {
			cfg.Storage.Path = storePath
		}
		store, err = storage.NewStore(cmd.Context(), &cfg.Storage)
		if err != nil {
			return fmt.Errorf("opening store: %w", err)
		}
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if store != nil {
			store.Close()
		}
	},
}

// newEngine assembles the iteration engine from the loaded config.
func newEngine() (*engine.Engine, error) {
	var runner agent.Runner
	switch cfg.Agent {
	case "api":
		r, err := agent.NewSDKRunner("")
		if err != nil {
			return nil, err
		}
		runner = r
	default:
		runner = agent.NewCLIRunner(cfg.AgentBinary)
	}

	verifier, err := verify.NewVerifier(&verify.Config{
		Store:       store,
		Checks:      &verify.CommandChecks{TestCommand: cfg.Verify.TestCommand},
		FixCommands: cfg.Verify.FixCommands,
		MaxRetries:  cfg.Verify.MaxRetries,
	})
	if err != nil {
		return nil, err
	}

	timeout, err := cfg.ParsedTurnTimeout()
	if err != nil {
		return nil, err
	}

	return engine.New(engine.Config{
		Store:   store,
		Runner:  runner,
		Tracker: budget.NewTracker(budget.NewRegistry(cfg.ContextLimits), cfg.ContextUsagePercent),
		Models: engine.ModelSet{
			Plan:     cfg.Models.Plan,
			Build:    cfg.Models.Build,
			Split:    cfg.Models.Split,
			Extended: cfg.Models.Extended,
		},
		MaxIterations: cfg.MaxIterations,
		MaxAutoSplits: cfg.MaxAutoSplits,
		TestCommand:   cfg.Verify.TestCommand,
		TurnTimeout:   timeout,
		Verifier:      verifier,
	})
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgPath, "config", "drover.yaml", "path to the config file")
	rootCmd.PersistentFlags().StringVar(&storePath, "store", "", "override the store path")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
