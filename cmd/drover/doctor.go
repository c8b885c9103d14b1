package main

import (
	"fmt"
	"os"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/drover-dev/drover/internal/agent"
	"github.com/drover-dev/drover/internal/types"
)

var doctorCmd = &cobra.Command{
	Use:   "doctor",
	Short: "Check that drover can run in this environment",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		green := color.New(color.FgGreen).SprintFunc()
		red := color.New(color.FgRed).SprintFunc()
		yellow := color.New(color.FgYellow).SprintFunc()

		failed := false

		// Store round trip.
		if _, err := store.ListIssues(ctx, &types.IssueFilter{Limit: 1}); err != nil {
			fmt.Printf("%s store (%s at %s): %v\n", red("✗"), cfg.Storage.Backend, cfg.Storage.Path, err)
			failed = true
		} else {
			fmt.Printf("%s store (%s at %s)\n", green("✓"), cfg.Storage.Backend, cfg.Storage.Path)
		}

		// Agent availability.
		switch cfg.Agent {
		case "api":
			if os.Getenv("ANTHROPIC_API_KEY") == "" {
				fmt.Printf("%s ANTHROPIC_API_KEY not set\n", red("✗"))
				failed = true
			} else {
				fmt.Printf("%s API key present\n", green("✓"))
			}
		default:
			runner := agent.NewCLIRunner(cfg.AgentBinary)
			if err := runner.CheckVersion(ctx); err != nil {
				fmt.Printf("%s agent CLI: %v\n", red("✗"), err)
				failed = true
			} else {
				fmt.Printf("%s agent CLI (%s)\n", green("✓"), runner.Binary)
			}
		}

		// Verification gate.
		if cfg.Verify.TestCommand == "" {
			fmt.Printf("%s no test_command configured; completion is gated by acceptance criteria only\n", yellow("⚠"))
		} else {
			fmt.Printf("%s test command: %s\n", green("✓"), cfg.Verify.TestCommand)
		}

		if failed {
			return fmt.Errorf("environment checks failed")
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(doctorCmd)
}
