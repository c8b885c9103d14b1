package main

import (
	"fmt"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
)

var showCmd = &cobra.Command{
	Use:   "show <issue-id>",
	Short: "Show one issue in full",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		issue, err := store.GetIssue(ctx, args[0])
		if err != nil {
			return err
		}

		cyan := color.New(color.FgCyan, color.Bold).SprintFunc()
		fmt.Printf("%s %s\n", cyan(issue.ID), issue.Title)
		fmt.Printf("  State:      %s\n", stateColor(issue.State))
		if issue.Parent != "" {
			fmt.Printf("  Parent:     %s\n", issue.Parent)
		}
		if len(issue.Children) > 0 {
			fmt.Printf("  Children:   %v\n", issue.Children)
		}
		fmt.Printf("  Splits:     %d\n", issue.SplitCount)
		fmt.Printf("  Verifies:   %d", issue.VerifyCount)
		if issue.VerifyExhausted {
			fmt.Printf(" %s", color.New(color.FgRed).Sprint("(exhausted)"))
		}
		fmt.Println()
		fmt.Printf("  Runs:       %d (%d iterations)\n", issue.RunCount, issue.Iterations)
		fmt.Printf("  Tokens:     %d in / %d out\n", issue.InputTokens, issue.OutputTokens)
		fmt.Printf("  Duration:   %v\n", issue.TotalDuration)

		locked, err := store.IsLocked(ctx, issue.ID)
		if err != nil {
			return err
		}
		if locked {
			fmt.Printf("  %s\n", color.New(color.FgYellow).Sprint("Locked by another process"))
		}

		if issue.Body != "" {
			fmt.Printf("\n%s\n", issue.Body)
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(showCmd)
}
