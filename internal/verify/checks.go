// Package verify runs post-completion checks against the workspace and
// turns failures into bounded-retry fix sub-issues.
package verify

import (
	"context"
	"fmt"
	"os/exec"
)

// CheckType identifies a verification check.
type CheckType string

const (
	CheckBuild CheckType = "build"
	CheckLint  CheckType = "lint"
	CheckTest  CheckType = "test"
)

// CheckResult is the outcome of one check.
type CheckResult struct {
	Check  CheckType
	Passed bool
	Output string
	Error  error
}

// Report collects the results of a full verification pass.
type Report struct {
	Results []*CheckResult
	Passed  bool
}

// Failures returns only the failed results.
func (r *Report) Failures() []*CheckResult {
	var out []*CheckResult
	for _, res := range r.Results {
		if !res.Passed {
			out = append(out, res)
		}
	}
	return out
}

// CheckProvider runs the verification checks. Pluggable so tests can
// substitute scripted outcomes.
type CheckProvider interface {
	RunAll(ctx context.Context) *Report
}

// CommandChecks is the default provider: it shells out to the Go
// toolchain and golangci-lint in the working directory.
type CommandChecks struct {
	WorkingDir string
	// TestCommand overrides the test check, e.g. "make test". Empty runs
	// go test ./...
	TestCommand string
}

// RunAll executes every check in a fixed order and never short-circuits,
// so a single pass reports all problems at once.
func (c *CommandChecks) RunAll(ctx context.Context) *Report {
	report := &Report{Passed: true}
	checks := []struct {
		check CheckType
		run   func(context.Context) *CheckResult
	}{
		{CheckBuild, c.runBuild},
		{CheckLint, c.runLint},
		{CheckTest, c.runTest},
	}
	for _, ch := range checks {
		result := ch.run(ctx)
		report.Results = append(report.Results, result)
		if !result.Passed {
			report.Passed = false
		}
	}
	return report
}

func (c *CommandChecks) runBuild(ctx context.Context) *CheckResult {
	result := &CheckResult{Check: CheckBuild}

	cmd := exec.CommandContext(ctx, "go", "build", "./...")
	cmd.Dir = c.WorkingDir

	output, err := cmd.CombinedOutput()
	result.Output = string(output)
	if err != nil {
		result.Error = fmt.Errorf("go build failed: %w", err)
		return result
	}
	result.Passed = true
	return result
}

func (c *CommandChecks) runLint(ctx context.Context) *CheckResult {
	result := &CheckResult{Check: CheckLint}

	// A missing linter passes rather than blocking every workspace that
	// never installed it.
	if _, err := exec.LookPath("golangci-lint"); err != nil {
		result.Passed = true
		result.Output = "golangci-lint not found in PATH, skipping"
		return result
	}

	cmd := exec.CommandContext(ctx, "golangci-lint", "run", "./...")
	cmd.Dir = c.WorkingDir

	output, err := cmd.CombinedOutput()
	result.Output = string(output)
	if err != nil {
		result.Error = fmt.Errorf("golangci-lint failed: %w", err)
		return result
	}
	result.Passed = true
	return result
}

func (c *CommandChecks) runTest(ctx context.Context) *CheckResult {
	result := &CheckResult{Check: CheckTest}

	var cmd *exec.Cmd
	if c.TestCommand != "" {
		cmd = exec.CommandContext(ctx, "sh", "-c", c.TestCommand)
	} else {
		cmd = exec.CommandContext(ctx, "go", "test", "./...")
	}
	cmd.Dir = c.WorkingDir

	output, err := cmd.CombinedOutput()
	result.Output = string(output)
	if err != nil {
		result.Error = fmt.Errorf("tests failed: %w", err)
		return result
	}
	result.Passed = true
	return result
}
