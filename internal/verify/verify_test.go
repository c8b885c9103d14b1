package verify

import (
	"context"
	"fmt"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/drover-dev/drover/internal/storage"
	"github.com/drover-dev/drover/internal/storage/file"
	"github.com/drover-dev/drover/internal/types"
)

// scriptedChecks returns a fixed report.
type scriptedChecks struct {
	report *Report
	runs   int
}

func (s *scriptedChecks) RunAll(ctx context.Context) *Report {
	s.runs++
	return s.report
}

func passingReport() *Report {
	return &Report{
		Passed: true,
		Results: []*CheckResult{
			{Check: CheckBuild, Passed: true},
			{Check: CheckLint, Passed: true},
			{Check: CheckTest, Passed: true},
		},
	}
}

func failingReport() *Report {
	return &Report{
		Results: []*CheckResult{
			{Check: CheckBuild, Passed: true},
			{Check: CheckLint, Passed: true},
			{Check: CheckTest, Passed: false, Output: "--- FAIL: TestThing", Error: fmt.Errorf("tests failed: exit status 1")},
		},
	}
}

func newVerifyFixture(t *testing.T, checks CheckProvider, maxRetries int) (*Verifier, storage.Store) {
	t.Helper()
	store, err := file.New(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	v, err := NewVerifier(&Config{
		Store:       store,
		Checks:      checks,
		FixCommands: []string{"go test ./..."},
		MaxRetries:  maxRetries,
	})
	require.NoError(t, err)
	return v, store
}

func completedIssue(t *testing.T, store storage.Store, issue *types.Issue) *types.Issue {
	t.Helper()
	ctx := context.Background()
	issue.State = types.StateInProgress
	require.NoError(t, store.CreateIssue(ctx, issue))
	require.NoError(t, store.UpdateIssue(ctx, issue.ID, map[string]interface{}{
		"state": types.StateCompleted,
	}))
	got, err := store.GetIssue(ctx, issue.ID)
	require.NoError(t, err)
	return got
}

func TestVerifyPassPromotesToVerified(t *testing.T) {
	ctx := context.Background()
	v, store := newVerifyFixture(t, &scriptedChecks{report: passingReport()}, 3)
	issue := completedIssue(t, store, &types.Issue{ID: "042", Title: "t"})

	res, err := v.Verify(ctx, issue)
	require.NoError(t, err)
	assert.True(t, res.Verified)
	assert.Empty(t, res.FixIssueID)

	got, err := store.GetIssue(ctx, "042")
	require.NoError(t, err)
	assert.Equal(t, types.StateVerified, got.State)
}

func TestVerifyFailureCreatesOneFixIssue(t *testing.T) {
	ctx := context.Background()
	v, store := newVerifyFixture(t, &scriptedChecks{report: failingReport()}, 3)
	issue := completedIssue(t, store, &types.Issue{ID: "042", Title: "t"})

	res, err := v.Verify(ctx, issue)
	require.NoError(t, err)
	assert.False(t, res.Verified)
	assert.False(t, res.Exhausted)
	require.Equal(t, "042-fix-1", res.FixIssueID)

	fix, err := store.GetIssue(ctx, "042-fix-1")
	require.NoError(t, err)
	assert.Equal(t, types.StateNew, fix.State)
	assert.Equal(t, "042", fix.Parent)
	assert.True(t, fix.IsVerifyFix)
	assert.Contains(t, fix.Body, "test failure")
	assert.Contains(t, fix.Body, "--- FAIL: TestThing")
	assert.Contains(t, fix.Body, "go test ./...")

	parent, err := store.GetIssue(ctx, "042")
	require.NoError(t, err)
	assert.Equal(t, types.StateCompleted, parent.State, "parent stays COMPLETED while the fix is worked")
	assert.Equal(t, 1, parent.VerifyCount)
	assert.Contains(t, parent.Children, "042-fix-1")
}

func TestVerifyExhaustsAfterMaxRetries(t *testing.T) {
	ctx := context.Background()
	v, store := newVerifyFixture(t, &scriptedChecks{report: failingReport()}, 3)
	issue := completedIssue(t, store, &types.Issue{ID: "042", Title: "t"})
	require.NoError(t, store.UpdateIssue(ctx, "042", map[string]interface{}{
		"verify_count": 3,
	}))
	issue.VerifyCount = 3

	res, err := v.Verify(ctx, issue)
	require.NoError(t, err)
	assert.True(t, res.Exhausted)
	assert.Empty(t, res.FixIssueID)

	got, err := store.GetIssue(ctx, "042")
	require.NoError(t, err)
	assert.True(t, got.VerifyExhausted)
	assert.Equal(t, 3, got.VerifyCount, "no further fix issues after exhaustion")
	assert.Equal(t, types.StateCompleted, got.State)

	all, err := store.ListIssues(ctx, nil)
	require.NoError(t, err)
	assert.Len(t, all, 1, "no fix issue created")
}

func TestVerifyFixIssueSkipsChecks(t *testing.T) {
	ctx := context.Background()
	checks := &scriptedChecks{report: failingReport()}
	v, store := newVerifyFixture(t, checks, 3)
	issue := completedIssue(t, store, &types.Issue{
		ID: "042-fix-1", Title: "fix", Parent: "042", IsVerifyFix: true,
	})

	res, err := v.Verify(ctx, issue)
	require.NoError(t, err)
	assert.True(t, res.Skipped)
	assert.False(t, res.Verified)
	assert.Zero(t, checks.runs, "fix issues bypass the checks")

	got, err := store.GetIssue(ctx, "042-fix-1")
	require.NoError(t, err)
	assert.Equal(t, types.StateCompleted, got.State, "skipping must not touch state")
}

func TestVerifyRejectsNonCompletedIssue(t *testing.T) {
	v, _ := newVerifyFixture(t, &scriptedChecks{report: passingReport()}, 3)
	_, err := v.Verify(context.Background(), &types.Issue{ID: "042", State: types.StateInProgress})
	assert.Error(t, err)
}

func TestReportFailures(t *testing.T) {
	report := failingReport()
	failures := report.Failures()
	require.Len(t, failures, 1)
	assert.Equal(t, CheckTest, failures[0].Check)
}

func TestFixBodyTruncatesLongOutput(t *testing.T) {
	v, _ := newVerifyFixture(t, nil, 3)
	report := &Report{
		Results: []*CheckResult{
			{Check: CheckTest, Passed: false, Output: strings.Repeat("x", maxFailureOutput+100)},
		},
	}
	body := v.fixBody(&types.Issue{ID: "042"}, report)
	assert.Contains(t, body, "... (truncated)")
}
