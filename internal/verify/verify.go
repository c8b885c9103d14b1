package verify

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/drover-dev/drover/internal/storage"
	"github.com/drover-dev/drover/internal/types"
)

// maxFailureOutput caps how much check output lands in a fix issue body.
const maxFailureOutput = 2000

// Verifier decides what happens to an issue after it completes: promote
// it to VERIFIED, spawn a fix sub-issue, or mark its retries exhausted.
type Verifier struct {
	store       storage.Store
	checks      CheckProvider
	fixCommands []string
	maxRetries  int
}

// Config configures a Verifier.
type Config struct {
	Store       storage.Store
	Checks      CheckProvider // defaults to CommandChecks in the cwd
	FixCommands []string
	MaxRetries  int
}

// NewVerifier builds a Verifier.
func NewVerifier(cfg *Config) (*Verifier, error) {
	if cfg.Store == nil {
		return nil, fmt.Errorf("store is required")
	}
	checks := cfg.Checks
	if checks == nil {
		checks = &CommandChecks{}
	}
	return &Verifier{
		store:       cfg.Store,
		checks:      checks,
		fixCommands: cfg.FixCommands,
		maxRetries:  cfg.MaxRetries,
	}, nil
}

// Result reports what Verify did.
type Result struct {
	Report     *Report
	Verified   bool
	FixIssueID string
	Exhausted  bool
	Skipped    bool // fix sub-issues are exempt from verification
}

// Verify runs the checks for a COMPLETED issue and applies the
// configured retry policy. Fix sub-issues are skipped entirely, checks
// and state alike, so a broken workspace cannot spawn fixes of fixes
// forever; their parent's next verification pass is what vouches for
// the work.
func (v *Verifier) Verify(ctx context.Context, issue *types.Issue) (*Result, error) {
	if issue.State != types.StateCompleted {
		return nil, fmt.Errorf("issue %s is %s, only COMPLETED issues verify", issue.ID, issue.State)
	}

	if issue.IsVerifyFix {
		return &Result{Skipped: true}, nil
	}

	report := v.checks.RunAll(ctx)
	if report.Passed {
		if err := v.store.UpdateIssue(ctx, issue.ID, map[string]interface{}{
			"state": types.StateVerified,
		}); err != nil {
			return nil, fmt.Errorf("promoting issue %s: %w", issue.ID, err)
		}
		return &Result{Report: report, Verified: true}, nil
	}

	if issue.VerifyCount >= v.maxRetries {
		if err := v.store.UpdateIssue(ctx, issue.ID, map[string]interface{}{
			"verify_exhausted": true,
		}); err != nil {
			return nil, fmt.Errorf("marking issue %s exhausted: %w", issue.ID, err)
		}
		fmt.Fprintf(os.Stderr, "issue %s failed verification %d times, giving up\n", issue.ID, issue.VerifyCount)
		return &Result{Report: report, Exhausted: true}, nil
	}

	attempt := issue.VerifyCount + 1
	fixID := fmt.Sprintf("%s-fix-%d", issue.ID, attempt)
	fix := &types.Issue{
		ID:          fixID,
		Title:       fmt.Sprintf("Fix verification failures for %s (attempt %d)", issue.ID, attempt),
		State:       types.StateNew,
		Parent:      issue.ID,
		IsVerifyFix: true,
		Body:        v.fixBody(issue, report),
	}
	if err := v.store.CreateIssue(ctx, fix); err != nil {
		return nil, fmt.Errorf("creating fix issue %s: %w", fixID, err)
	}

	updates := map[string]interface{}{
		"verify_count": attempt,
		"children":     append(append([]string{}, issue.Children...), fixID),
	}
	if err := v.store.UpdateIssue(ctx, issue.ID, updates); err != nil {
		return nil, fmt.Errorf("recording fix issue on %s: %w", issue.ID, err)
	}

	fmt.Fprintf(os.Stderr, "issue %s failed verification, created fix issue %s\n", issue.ID, fixID)
	return &Result{Report: report, FixIssueID: fixID}, nil
}

// fixBody renders every failure into the fix issue body so the agent
// sees the whole picture in one place.
func (v *Verifier) fixBody(issue *types.Issue, report *Report) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Verification of %s failed. Make the checks below pass without regressing the original work.\n", issue.ID)

	for _, failure := range report.Failures() {
		fmt.Fprintf(&b, "\n## %s failure\n\n", failure.Check)
		if failure.Error != nil {
			fmt.Fprintf(&b, "%v\n", failure.Error)
		}
		output := strings.TrimSpace(failure.Output)
		if output != "" {
			if len(output) > maxFailureOutput {
				output = output[:maxFailureOutput] + "\n... (truncated)"
			}
			fmt.Fprintf(&b, "\n```\n%s\n```\n", output)
		}
	}

	if len(v.fixCommands) > 0 {
		b.WriteString("\n## Suggested commands\n\n")
		for _, cmd := range v.fixCommands {
			fmt.Fprintf(&b, "- `%s`\n", cmd)
		}
	}
	return b.String()
}
