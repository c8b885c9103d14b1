package batch

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/drover-dev/drover/internal/agent"
	"github.com/drover-dev/drover/internal/budget"
	"github.com/drover-dev/drover/internal/engine"
	"github.com/drover-dev/drover/internal/storage"
	"github.com/drover-dev/drover/internal/storage/file"
	"github.com/drover-dev/drover/internal/types"
)

// issueRunner maps issue IDs to fixed event streams, deriving the ID
// from the prompt's first line.
type issueRunner struct {
	mu      sync.Mutex
	scripts map[string][]agent.Event
	served  []string
}

func (r *issueRunner) StartTurn(ctx context.Context, req agent.TurnRequest) (*agent.Turn, error) {
	id := promptIssueID(req.Prompt)

	r.mu.Lock()
	r.served = append(r.served, id)
	events := r.scripts[id]
	r.mu.Unlock()

	if events == nil {
		events = []agent.Event{{Kind: agent.EventResult}}
	}
	ch := make(chan agent.Event, len(events))
	for _, ev := range events {
		ch <- ev
	}
	close(ch)
	return agent.NewTurn(ch, func() {}), nil
}

func promptIssueID(prompt string) string {
	line, _, _ := strings.Cut(prompt, ":")
	return strings.TrimPrefix(line, "Issue ")
}

func newBatchFixture(t *testing.T, runner agent.Runner, cfg Config) (*Driver, storage.Store) {
	t.Helper()
	store, err := file.New(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	eng, err := engine.New(engine.Config{
		Store:         store,
		Runner:        runner,
		Tracker:       budget.NewTracker(budget.NewRegistry(nil), 75),
		Models:        engine.ModelSet{Plan: "p", Build: "b", Split: "s", Extended: "x"},
		MaxIterations: 5,
		MaxAutoSplits: 3,
	})
	require.NoError(t, err)

	cfg.Engine = eng
	driver, err := NewDriver(cfg)
	require.NoError(t, err)
	return driver, store
}

func seedPlanned(t *testing.T, store storage.Store, ids ...string) {
	t.Helper()
	for _, id := range ids {
		require.NoError(t, store.CreateIssue(context.Background(), &types.Issue{
			ID: id, Title: "work", State: types.StatePlanned,
		}))
	}
}

func TestRunDrivesAllCandidates(t *testing.T) {
	ctx := context.Background()
	runner := &issueRunner{scripts: map[string][]agent.Event{}}
	driver, store := newBatchFixture(t, runner, Config{Parallel: 2})
	seedPlanned(t, store, "001", "002", "003")

	summary, err := driver.Run(ctx, types.ModeBuild)
	require.NoError(t, err)

	assert.Equal(t, 3, summary.Dispatched)
	assert.Equal(t, 3, summary.Succeeded)
	assert.Zero(t, summary.Failed)
	assert.Zero(t, summary.Skipped)

	for _, id := range []string{"001", "002", "003"} {
		got, err := store.GetIssue(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, types.StateCompleted, got.State)
	}
}

func TestRunIsolatesFailures(t *testing.T) {
	ctx := context.Background()
	runner := &issueRunner{scripts: map[string][]agent.Event{
		"001": {{Kind: agent.EventResult, IsError: true, Errors: []string{"boom"}}},
	}}
	driver, store := newBatchFixture(t, runner, Config{Parallel: 1})
	seedPlanned(t, store, "001", "002")

	summary, err := driver.Run(ctx, types.ModeBuild)
	require.NoError(t, err)

	assert.Equal(t, 2, summary.Dispatched)
	assert.Equal(t, 1, summary.Failed)
	assert.Equal(t, 1, summary.Succeeded)
	require.Contains(t, summary.Errors, "001")

	// The failed issue stays where it was so a later run can resume it.
	got, err := store.GetIssue(ctx, "001")
	require.NoError(t, err)
	assert.Equal(t, types.StateInProgress, got.State)
}

func TestRunStopsOnRateLimit(t *testing.T) {
	ctx := context.Background()
	runner := &issueRunner{scripts: map[string][]agent.Event{
		"001": {{
			Kind: agent.EventResult, IsError: true,
			ErrorCode: agent.ErrorCodeRateLimited, RetryAfter: time.Minute,
		}},
	}}
	driver, store := newBatchFixture(t, runner, Config{Parallel: 1})
	seedPlanned(t, store, "001", "002")

	summary, err := driver.Run(ctx, types.ModeBuild)
	require.NoError(t, err)

	assert.False(t, summary.RateLimitedAt.IsZero())
	assert.Equal(t, 1, summary.Dispatched, "no further dispatches after a rate limit")
	assert.Zero(t, summary.Failed, "rate limiting is not an issue failure")
}

// gateRunner holds issue 001's turn open until 002 has started, then
// rate-limits 001 so the batch shuts down while 002 is in flight.
type gateRunner struct {
	secondStarted chan struct{}
}

func (r *gateRunner) StartTurn(ctx context.Context, req agent.TurnRequest) (*agent.Turn, error) {
	switch promptIssueID(req.Prompt) {
	case "001":
		ch := make(chan agent.Event, 1)
		go func() {
			<-r.secondStarted
			ch <- agent.Event{
				Kind: agent.EventResult, IsError: true,
				ErrorCode: agent.ErrorCodeRateLimited, RetryAfter: time.Minute,
			}
			close(ch)
		}()
		return agent.NewTurn(ch, func() {}), nil
	default:
		ch := make(chan agent.Event, 1)
		var once sync.Once
		interrupt := func() {
			once.Do(func() {
				ch <- agent.Event{
					Kind: agent.EventResult, IsError: true,
					ErrorCode: agent.ErrorCodeInterrupted,
				}
				close(ch)
			})
		}
		close(r.secondStarted)
		return agent.NewTurn(ch, interrupt), nil
	}
}

func TestRunDisposesEveryDispatchOnShutdown(t *testing.T) {
	ctx := context.Background()
	runner := &gateRunner{secondStarted: make(chan struct{})}
	driver, store := newBatchFixture(t, runner, Config{Parallel: 2})
	seedPlanned(t, store, "001", "002")

	summary, err := driver.Run(ctx, types.ModeBuild)
	require.NoError(t, err)

	assert.False(t, summary.RateLimitedAt.IsZero())
	assert.Equal(t, 2, summary.Dispatched)
	assert.Equal(t, 1, summary.Skipped, "the run cut short by shutdown is skipped")
	assert.Zero(t, summary.Failed)
	assert.Empty(t, summary.Errors)

	// The interrupted issue keeps its state so a later run resumes it.
	got, err := store.GetIssue(ctx, "002")
	require.NoError(t, err)
	assert.Equal(t, types.StateInProgress, got.State)
}

func TestRunHonorsMaxIssues(t *testing.T) {
	ctx := context.Background()
	runner := &issueRunner{scripts: map[string][]agent.Event{}}
	driver, store := newBatchFixture(t, runner, Config{Parallel: 1, MaxIssues: 2})
	seedPlanned(t, store, "001", "002", "003")

	summary, err := driver.Run(ctx, types.ModeBuild)
	require.NoError(t, err)
	assert.Equal(t, 2, summary.Dispatched)
	assert.Equal(t, 2, summary.Succeeded)
}

func TestRunSkipsExternallyLockedIssues(t *testing.T) {
	ctx := context.Background()
	runner := &issueRunner{scripts: map[string][]agent.Event{}}
	driver, store := newBatchFixture(t, runner, Config{Parallel: 1})
	seedPlanned(t, store, "001", "002")

	// Another process holds 001.
	require.NoError(t, store.Lock(ctx, "001", storage.LockMeta{Mode: types.ModeBuild}))

	summary, err := driver.Run(ctx, types.ModeBuild)
	require.NoError(t, err)
	assert.Equal(t, 1, summary.Dispatched)
	assert.Equal(t, 1, summary.Succeeded)

	got, err := store.GetIssue(ctx, "001")
	require.NoError(t, err)
	assert.Equal(t, types.StatePlanned, got.State, "locked issue untouched")
}

func TestRunWithNoCandidates(t *testing.T) {
	runner := &issueRunner{scripts: map[string][]agent.Event{}}
	driver, _ := newBatchFixture(t, runner, Config{Parallel: 2})

	summary, err := driver.Run(context.Background(), types.ModeBuild)
	require.NoError(t, err)
	assert.Zero(t, summary.Dispatched)
}
