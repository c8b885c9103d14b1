package main

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/drover-dev/drover/internal/engine"
	"github.com/drover-dev/drover/internal/types"
)

var runCmd = &cobra.Command{
	Use:   "run [issue-id]",
	Short: "Run the build loop on an issue",
	Long: `Run the iteration engine in build mode on one issue. With no argument,
the highest-priority unlocked issue is selected automatically.`,
	Args: cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runMode(cmd, args, types.ModeBuild)
	},
}

var planCmd = &cobra.Command{
	Use:   "plan [issue-id]",
	Short: "Run a single planning turn on an issue",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runMode(cmd, args, types.ModePlan)
	},
}

func runMode(cmd *cobra.Command, args []string, mode types.Mode) error {
	ctx := cmd.Context()

	eng, err := newEngine()
	if err != nil {
		return err
	}

	var issueID string
	if len(args) == 1 {
		issueID = args[0]
	} else {
		issue, err := eng.AutoSelect(ctx, mode)
		if err != nil {
			if errors.Is(err, engine.ErrNoCandidates) {
				fmt.Printf("No eligible issues for %s mode.\n", mode)
				return nil
			}
			return err
		}
		issueID = issue.ID
		fmt.Printf("Selected issue %s\n", issueID)
	}

	if err := eng.RunLoop(ctx, issueID, mode); err != nil {
		var rle *engine.RateLimitError
		if errors.As(err, &rle) {
			reportRateLimit(rle)
			os.Exit(2)
		}
		return err
	}

	issue, err := store.GetIssue(ctx, issueID)
	if err != nil {
		return err
	}
	green := color.New(color.FgGreen).SprintFunc()
	fmt.Printf("%s Issue %s is now %s\n", green("✓"), issue.ID, issue.State)
	return nil
}

func reportRateLimit(rle *engine.RateLimitError) {
	yellow := color.New(color.FgYellow).SprintFunc()
	if rle.ResetAt.IsZero() {
		fmt.Fprintf(os.Stderr, "%s Provider rate limited; try again later.\n", yellow("⚠"))
		return
	}
	fmt.Fprintf(os.Stderr, "%s Provider rate limited until %s (in %v).\n",
		yellow("⚠"), rle.ResetAt.Format(time.RFC3339), time.Until(rle.ResetAt).Round(time.Second))
}

func init() {
	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(planCmd)
}
