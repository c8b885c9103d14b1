package main

import (
	"fmt"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/drover-dev/drover/internal/verify"
)

var verifyCmd = &cobra.Command{
	Use:   "verify <issue-id>",
	Short: "Run post-completion verification on a COMPLETED issue",
	Long: `Run the verification checks (build, lint, test) for a completed issue.
On failure a fix sub-issue is created, up to the configured retry
budget; after that the issue is marked verify-exhausted.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		issueID := args[0]

		issue, err := store.GetIssue(ctx, issueID)
		if err != nil {
			return err
		}

		verifier, err := verify.NewVerifier(&verify.Config{
			Store:       store,
			Checks:      &verify.CommandChecks{TestCommand: cfg.Verify.TestCommand},
			FixCommands: cfg.Verify.FixCommands,
			MaxRetries:  cfg.Verify.MaxRetries,
		})
		if err != nil {
			return err
		}

		result, err := verifier.Verify(ctx, issue)
		if err != nil {
			return err
		}

		green := color.New(color.FgGreen).SprintFunc()
		red := color.New(color.FgRed).SprintFunc()
		yellow := color.New(color.FgYellow).SprintFunc()

		if result.Report != nil {
			for _, check := range result.Report.Results {
				mark := green("✓")
				if !check.Passed {
					mark = red("✗")
				}
				fmt.Printf("  %s %s\n", mark, check.Check)
			}
		}

		switch {
		case result.Skipped:
			fmt.Printf("Issue %s is a verification fix, skipping checks\n", issueID)
		case result.Verified:
			fmt.Printf("%s Issue %s verified\n", green("✓"), issueID)
		case result.Exhausted:
			fmt.Printf("%s Issue %s exhausted its verification retries\n", yellow("⚠"), issueID)
		default:
			fmt.Printf("%s Verification failed, created fix issue %s\n", red("✗"), result.FixIssueID)
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(verifyCmd)
}
