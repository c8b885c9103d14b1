package main

import (
	"fmt"
	"strings"

	"github.com/fatih/color"
	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/drover-dev/drover/internal/types"
)

var (
	createID   string
	createBody string
)

var createCmd = &cobra.Command{
	Use:   "create <title>",
	Short: "Create a new issue",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		id := createID
		if id == "" {
			// Short random IDs keep lock paths and child IDs readable.
			id = uuid.New().String()[:8]
		}

		issue := &types.Issue{
			ID:    id,
			Title: strings.Join(args, " "),
			Body:  createBody,
		}
		if err := store.CreateIssue(cmd.Context(), issue); err != nil {
			return err
		}

		green := color.New(color.FgGreen).SprintFunc()
		fmt.Printf("%s Created issue %s\n", green("✓"), issue.ID)
		return nil
	},
}

func init() {
	createCmd.Flags().StringVar(&createID, "id", "", "issue ID (default: random)")
	createCmd.Flags().StringVar(&createBody, "body", "", "issue body")
	rootCmd.AddCommand(createCmd)
}
