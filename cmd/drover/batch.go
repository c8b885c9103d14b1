package main

import (
	"fmt"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/drover-dev/drover/internal/batch"
	"github.com/drover-dev/drover/internal/engine"
	"github.com/drover-dev/drover/internal/types"
)

var (
	batchMode     string
	batchMax      int
	batchInterval time.Duration
)

var batchCmd = &cobra.Command{
	Use:   "batch",
	Short: "Work every eligible issue, bounded by the parallel limit",
	Long: `Select eligible issues for a mode and run the iteration engine over
each of them, up to the configured number in parallel. Issues fail
independently; the batch only stops early on provider rate limiting.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		mode := types.Mode(batchMode)
		if !mode.IsValid() {
			return fmt.Errorf("invalid mode %q (want plan, build, or split)", batchMode)
		}

		eng, err := newEngine()
		if err != nil {
			return err
		}
		driver, err := batch.NewDriver(batch.Config{
			Engine:           eng,
			Parallel:         cfg.Parallel,
			MaxIssues:        batchMax,
			DispatchInterval: batchInterval,
		})
		if err != nil {
			return err
		}

		summary, err := driver.Run(cmd.Context(), mode)
		if err != nil {
			return err
		}

		green := color.New(color.FgGreen).SprintFunc()
		red := color.New(color.FgRed).SprintFunc()
		gray := color.New(color.FgHiBlack).SprintFunc()

		fmt.Printf("\nBatch summary: %d dispatched, %s succeeded, %s failed, %s skipped\n",
			summary.Dispatched,
			green(fmt.Sprintf("%d", summary.Succeeded)),
			red(fmt.Sprintf("%d", summary.Failed)),
			gray(fmt.Sprintf("%d", summary.Skipped)))

		for id, ierr := range summary.Errors {
			fmt.Printf("  %s %s: %v\n", red("✗"), id, ierr)
		}
		if !summary.RateLimitedAt.IsZero() {
			reportRateLimit(&engine.RateLimitError{ResetAt: summary.RateLimitedAt})
		}
		return nil
	},
}

func init() {
	batchCmd.Flags().StringVar(&batchMode, "mode", "build", "mode to run: plan, build, or split")
	batchCmd.Flags().IntVar(&batchMax, "max", 0, "maximum issues to work (0 = all)")
	batchCmd.Flags().DurationVar(&batchInterval, "interval", 0, "minimum delay between dispatches")
	rootCmd.AddCommand(batchCmd)
}
