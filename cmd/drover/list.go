package main

import (
	"fmt"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/drover-dev/drover/internal/types"
)

var (
	listState string
	listLimit int
)

var listCmd = &cobra.Command{
	Use:   "list",
	Short: "List issues",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		filter := &types.IssueFilter{Limit: listLimit}
		if listState != "" {
			state := types.State(listState)
			if !state.IsValid() {
				return fmt.Errorf("invalid state %q", listState)
			}
			filter.State = &state
		}

		issues, err := store.ListIssues(ctx, filter)
		if err != nil {
			return err
		}
		if len(issues) == 0 {
			fmt.Println("No issues.")
			return nil
		}

		for _, issue := range issues {
			locked, err := store.IsLocked(ctx, issue.ID)
			if err != nil {
				return err
			}
			lockMark := " "
			if locked {
				lockMark = color.New(color.FgYellow).Sprint("L")
			}
			fmt.Printf("%s %-12s %-12s %s%s\n",
				lockMark, issue.ID, stateColor(issue.State), issue.Title, issueSuffix(issue))
		}
		return nil
	},
}

func stateColor(state types.State) string {
	switch state {
	case types.StateVerified:
		return color.New(color.FgGreen).Sprint(state)
	case types.StateCompleted, types.StateInProgress:
		return color.New(color.FgCyan).Sprint(state)
	case types.StateStuck:
		return color.New(color.FgRed).Sprint(state)
	case types.StateSplit:
		return color.New(color.FgHiBlack).Sprint(state)
	}
	return string(state)
}

func issueSuffix(issue *types.Issue) string {
	suffix := ""
	if len(issue.Children) > 0 {
		suffix += fmt.Sprintf("  [%d children]", len(issue.Children))
	}
	if issue.VerifyExhausted {
		suffix += color.New(color.FgRed).Sprint("  [verify exhausted]")
	}
	if issue.IsVerifyFix {
		suffix += color.New(color.FgHiBlack).Sprint("  [fix]")
	}
	return suffix
}

func init() {
	listCmd.Flags().StringVar(&listState, "state", "", "filter by state")
	listCmd.Flags().IntVar(&listLimit, "limit", 0, "maximum issues to show (0 = all)")
	rootCmd.AddCommand(listCmd)
}
