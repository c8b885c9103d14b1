// Package engine drives one issue through repeated agent turns for one
// mode, deciding split vs. escalate on context overflow and detecting
// completion. It is the only mutator of issue state besides the
// verification workflow.
package engine

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"time"

	"github.com/drover-dev/drover/internal/agent"
	"github.com/drover-dev/drover/internal/budget"
	"github.com/drover-dev/drover/internal/storage"
	"github.com/drover-dev/drover/internal/types"
	"github.com/drover-dev/drover/internal/verify"
)

// RateLimitError aborts a run when the provider refuses the turn. The
// engine never retries on its own; callers decide when to resume using
// ResetAt.
type RateLimitError struct {
	ResetAt time.Time
	Err     error
}

func (e *RateLimitError) Error() string {
	if e.ResetAt.IsZero() {
		return fmt.Sprintf("rate limited: %v", e.Err)
	}
	return fmt.Sprintf("rate limited until %s: %v", e.ResetAt.Format(time.RFC3339), e.Err)
}

func (e *RateLimitError) Unwrap() error { return e.Err }

// Config configures an Engine.
type Config struct {
	Store    storage.Store
	Runner   agent.Runner
	Tracker  *budget.Tracker
	Verifier *verify.Verifier // optional; nil skips post-completion verification

	Models ModelSet

	// MaxIterations caps build-loop turns per run. Zero means unlimited.
	MaxIterations int
	// MaxAutoSplits is the split budget per issue; overflow beyond it
	// escalates to the extended model instead.
	MaxAutoSplits int

	// TestCommand, when set, gates completion: it runs after acceptance
	// criteria are satisfied, and a non-zero exit keeps the loop going.
	TestCommand string

	WorkingDir  string
	TurnTimeout time.Duration
}

// ModelSet names the model used for each turn kind.
type ModelSet struct {
	Plan     string
	Build    string
	Split    string
	Extended string
}

func (m ModelSet) forMode(mode types.Mode) string {
	switch mode {
	case types.ModePlan:
		return m.Plan
	case types.ModeSplit:
		return m.Split
	}
	return m.Build
}

// Engine runs iteration loops over issues.
type Engine struct {
	cfg Config
}

// New validates the configuration and returns an Engine.
func New(cfg Config) (*Engine, error) {
	if cfg.Store == nil {
		return nil, fmt.Errorf("store is required")
	}
	if cfg.Runner == nil {
		return nil, fmt.Errorf("agent runner is required")
	}
	if cfg.Tracker == nil {
		return nil, fmt.Errorf("budget tracker is required")
	}
	if cfg.MaxIterations < 0 || cfg.MaxAutoSplits < 0 {
		return nil, fmt.Errorf("iteration and split caps must be >= 0")
	}
	return &Engine{cfg: cfg}, nil
}

// RunLoop drives one issue through agent turns in the given mode until
// it completes, splits, hits the iteration cap, or fails. The issue
// lock is held for the whole call and released on every exit path.
func (e *Engine) RunLoop(ctx context.Context, issueID string, mode types.Mode) error {
	if !mode.IsValid() {
		return fmt.Errorf("invalid mode: %q", mode)
	}

	issue, err := e.cfg.Store.GetIssue(ctx, issueID)
	if err != nil {
		return fmt.Errorf("fetching issue %s: %w", issueID, err)
	}

	if err := e.cfg.Store.Lock(ctx, issueID, storage.LockMeta{State: issue.State, Mode: mode}); err != nil {
		return fmt.Errorf("locking issue %s: %w", issueID, err)
	}
	unlocked := false
	defer func() {
		if !unlocked {
			if uerr := e.cfg.Store.Unlock(context.WithoutCancel(ctx), issueID); uerr != nil {
				fmt.Fprintf(os.Stderr, "warning: failed to unlock %s: %v\n", issueID, uerr)
			}
		}
	}()

	if err := e.cfg.Store.UpdateIssue(ctx, issueID, map[string]interface{}{
		"run_count": issue.RunCount + 1,
	}); err != nil {
		return fmt.Errorf("recording run on %s: %w", issueID, err)
	}

	if mode == types.ModeBuild {
		switch issue.State {
		case types.StateNew, types.StateGroomed, types.StatePlanned:
			if err := e.cfg.Store.UpdateIssue(ctx, issueID, map[string]interface{}{
				"state": types.StateInProgress,
			}); err != nil {
				return fmt.Errorf("starting work on %s: %w", issueID, err)
			}
		}
	}

	var (
		subMode   = mode // becomes ModeSplit for the turn after a split decision
		escalated bool
	)

	for iteration := 0; e.cfg.MaxIterations == 0 || iteration < e.cfg.MaxIterations; iteration++ {
		issue, err = e.cfg.Store.GetIssue(ctx, issueID)
		if err != nil {
			return fmt.Errorf("refetching issue %s: %w", issueID, err)
		}
		if issue.State == types.StateCompleted {
			return e.verifyAndFinish(ctx, issueID)
		}

		model := e.cfg.Models.forMode(subMode)
		if escalated {
			model = e.cfg.Models.Extended
		}

		fmt.Fprintf(os.Stderr, "issue %s: %s turn %d (model %s)\n", issueID, subMode, iteration+1, model)

		childrenBefore := len(issue.Children)
		outcome, err := e.runTurn(ctx, issue, subMode, model)
		if err != nil {
			return err
		}
		if err := e.recordTurn(ctx, issue, outcome); err != nil {
			return err
		}

		switch outcome.Kind {
		case budget.OutcomeRateLimited:
			return &RateLimitError{ResetAt: outcome.ResetAt, Err: outcome.Err}

		case budget.OutcomeError:
			// The issue keeps its state so a later run can resume.
			return fmt.Errorf("agent turn on %s failed: %w", issueID, outcome.Err)

		case budget.OutcomeOverflow:
			if issue.SplitCount < e.cfg.MaxAutoSplits {
				if err := e.cfg.Store.UpdateIssue(ctx, issueID, map[string]interface{}{
					"split_count": issue.SplitCount + 1,
				}); err != nil {
					return fmt.Errorf("recording split on %s: %w", issueID, err)
				}
				subMode = types.ModeSplit
				fmt.Fprintf(os.Stderr, "issue %s: context overflow at %d tokens, splitting (%d/%d)\n",
					issueID, outcome.InputTokens, issue.SplitCount+1, e.cfg.MaxAutoSplits)
			} else {
				escalated = true
				fmt.Fprintf(os.Stderr, "issue %s: context overflow at %d tokens, split budget spent, escalating to %s\n",
					issueID, outcome.InputTokens, e.cfg.Models.Extended)
			}
			continue

		case budget.OutcomeSuccess:
			if subMode == types.ModeSplit {
				done, err := e.finishSplitTurn(ctx, issueID, childrenBefore, &unlocked)
				if err != nil || done {
					return err
				}
				subMode = mode
				continue
			}

			switch mode {
			case types.ModePlan:
				return e.finishPlanTurn(ctx, issueID)
			case types.ModeBuild:
				done, err := e.finishBuildTurn(ctx, issueID)
				if err != nil {
					return err
				}
				if done {
					return e.verifyAndFinish(ctx, issueID)
				}
			}
		}
	}

	fmt.Fprintf(os.Stderr, "issue %s: iteration cap reached without completion\n", issueID)
	return nil
}

// runTurn runs one agent turn and classifies its stream.
func (e *Engine) runTurn(ctx context.Context, issue *types.Issue, subMode types.Mode, model string) (budget.Outcome, error) {
	turn, err := e.cfg.Runner.StartTurn(ctx, agent.TurnRequest{
		Model:      model,
		Prompt:     buildPrompt(issue, subMode),
		WorkingDir: e.cfg.WorkingDir,
		Timeout:    e.cfg.TurnTimeout,
	})
	if err != nil {
		return budget.Outcome{}, fmt.Errorf("starting turn on %s: %w", issue.ID, err)
	}
	return e.cfg.Tracker.Classify(ctx, turn, model), nil
}

// recordTurn folds the turn's usage into the issue's cumulative counters.
func (e *Engine) recordTurn(ctx context.Context, issue *types.Issue, out budget.Outcome) error {
	err := e.cfg.Store.UpdateIssue(ctx, issue.ID, map[string]interface{}{
		"input_tokens":   issue.InputTokens + out.InputTokens,
		"output_tokens":  issue.OutputTokens + out.OutputTokens,
		"total_duration": issue.TotalDuration + out.Duration,
		"iterations":     issue.Iterations + 1,
	})
	if err != nil {
		return fmt.Errorf("recording turn usage on %s: %w", issue.ID, err)
	}
	return nil
}

// finishSplitTurn inspects whether the split turn produced children. If
// it did, the issue becomes SPLIT, the lock is released, and each new
// child is planned best-effort. done=true means the loop is over.
func (e *Engine) finishSplitTurn(ctx context.Context, issueID string, childrenBefore int, unlocked *bool) (done bool, err error) {
	issue, err := e.cfg.Store.GetIssue(ctx, issueID)
	if err != nil {
		return true, fmt.Errorf("refetching issue %s after split turn: %w", issueID, err)
	}
	if len(issue.Children) <= childrenBefore {
		// The agent declined to split. Resume the original sub-mode.
		fmt.Fprintf(os.Stderr, "issue %s: split turn produced no children, continuing\n", issueID)
		return false, nil
	}

	if err := e.cfg.Store.UpdateIssue(ctx, issueID, map[string]interface{}{
		"state": types.StateSplit,
	}); err != nil {
		return true, fmt.Errorf("marking issue %s split: %w", issueID, err)
	}
	if err := e.cfg.Store.Unlock(ctx, issueID); err != nil {
		return true, fmt.Errorf("unlocking split issue %s: %w", issueID, err)
	}
	*unlocked = true

	fmt.Fprintf(os.Stderr, "issue %s: split into %d children\n", issueID, len(issue.Children)-childrenBefore)
	e.planChildren(ctx, issue.Children[childrenBefore:])
	return true, nil
}

// planChildren plans each new child sequentially. A child that fails to
// plan is logged and skipped; a pathological split tree must not take
// down the whole run.
func (e *Engine) planChildren(ctx context.Context, children []string) {
	for _, childID := range children {
		child, err := e.cfg.Store.GetIssue(ctx, childID)
		if err != nil {
			fmt.Fprintf(os.Stderr, "warning: cannot fetch split child %s: %v\n", childID, err)
			continue
		}
		if child.State != types.StateNew {
			continue
		}
		if err := e.RunLoop(ctx, childID, types.ModePlan); err != nil {
			fmt.Fprintf(os.Stderr, "warning: planning split child %s failed: %v\n", childID, err)
		}
	}
}

// finishPlanTurn transitions to PLANNED when the plan artifact exists.
// Plan mode is always a single iteration.
func (e *Engine) finishPlanTurn(ctx context.Context, issueID string) error {
	issue, err := e.cfg.Store.GetIssue(ctx, issueID)
	if err != nil {
		return fmt.Errorf("refetching issue %s after plan turn: %w", issueID, err)
	}
	if !types.HasPlan(issue.Body) {
		fmt.Fprintf(os.Stderr, "issue %s: plan turn produced no plan section\n", issueID)
		return nil
	}
	if issue.State == types.StatePlanned {
		return nil
	}
	if err := e.cfg.Store.UpdateIssue(ctx, issueID, map[string]interface{}{
		"state": types.StatePlanned,
	}); err != nil {
		return fmt.Errorf("marking issue %s planned: %w", issueID, err)
	}
	return nil
}

// finishBuildTurn decides whether the build is done: acceptance criteria
// must be satisfied and the optional test command must pass. done=true
// means the issue is now COMPLETED.
func (e *Engine) finishBuildTurn(ctx context.Context, issueID string) (bool, error) {
	issue, err := e.cfg.Store.GetIssue(ctx, issueID)
	if err != nil {
		return false, fmt.Errorf("refetching issue %s after build turn: %w", issueID, err)
	}
	if !types.AcceptanceCriteriaMet(issue.Body) {
		return false, nil
	}

	if e.cfg.TestCommand != "" {
		cmd := exec.CommandContext(ctx, "sh", "-c", e.cfg.TestCommand)
		cmd.Dir = e.cfg.WorkingDir
		if output, err := cmd.CombinedOutput(); err != nil {
			fmt.Fprintf(os.Stderr, "issue %s: test command failed, continuing\n%s\n", issueID, output)
			return false, nil
		}
	}

	if err := e.cfg.Store.UpdateIssue(ctx, issueID, map[string]interface{}{
		"state": types.StateCompleted,
	}); err != nil {
		return false, fmt.Errorf("completing issue %s: %w", issueID, err)
	}
	return true, nil
}

// verifyAndFinish runs post-completion verification while the lock is
// still held.
func (e *Engine) verifyAndFinish(ctx context.Context, issueID string) error {
	if e.cfg.Verifier == nil {
		return nil
	}
	issue, err := e.cfg.Store.GetIssue(ctx, issueID)
	if err != nil {
		return fmt.Errorf("refetching issue %s for verification: %w", issueID, err)
	}
	if issue.State != types.StateCompleted {
		return nil
	}
	if _, err := e.cfg.Verifier.Verify(ctx, issue); err != nil {
		return fmt.Errorf("verifying issue %s: %w", issueID, err)
	}
	return nil
}
