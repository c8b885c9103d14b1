package budget

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/drover-dev/drover/internal/agent"
)

func TestRegistryLimit(t *testing.T) {
	reg := NewRegistry(map[string]int64{
		"claude-sonnet": 200000,
		"claude-opus-large": 500000,
	})

	assert.Equal(t, int64(200000), reg.Limit("claude-sonnet"))
	// Prefix match covers dated releases of a family.
	assert.Equal(t, int64(500000), reg.Limit("claude-opus-large-20250101"))
	// Unknown models assume the default window.
	assert.Equal(t, int64(defaultContextLimit), reg.Limit("mystery-model"))
}

func TestRegistryRegister(t *testing.T) {
	reg := NewRegistry(map[string]int64{"claude-sonnet": 200000})
	tracker := NewTracker(reg, 75)

	// A model learned after construction takes effect on the next lookup,
	// including through a tracker already holding the registry.
	assert.Equal(t, int64(defaultContextLimit), reg.Limit("new-model"))
	reg.Register("new-model", 400000)
	assert.Equal(t, int64(400000), reg.Limit("new-model"))
	assert.Equal(t, int64(300000), tracker.Threshold("new-model"))

	// Re-registering replaces the earlier entry.
	reg.Register("claude-sonnet", 1000000)
	assert.Equal(t, int64(1000000), reg.Limit("claude-sonnet"))
}

func TestThreshold(t *testing.T) {
	reg := NewRegistry(map[string]int64{"m": 200000})
	tracker := NewTracker(reg, 75)
	assert.Equal(t, int64(150000), tracker.Threshold("m"))

	// Fractional tokens truncate.
	reg = NewRegistry(map[string]int64{"m": 100001})
	tracker = NewTracker(reg, 75)
	assert.Equal(t, int64(75000), tracker.Threshold("m"))

	// Out-of-range percent falls back to 75.
	tracker = NewTracker(NewRegistry(map[string]int64{"m": 200000}), 0)
	assert.Equal(t, int64(150000), tracker.Threshold("m"))
	tracker = NewTracker(NewRegistry(map[string]int64{"m": 200000}), 150)
	assert.Equal(t, int64(150000), tracker.Threshold("m"))
}

// scriptedTurn feeds a fixed event sequence, optionally ending early if
// interrupted.
func scriptedTurn(events []agent.Event, onInterrupt func()) *agent.Turn {
	ch := make(chan agent.Event, len(events))
	for _, ev := range events {
		ch <- ev
	}
	close(ch)
	return agent.NewTurn(ch, onInterrupt)
}

func TestClassifySuccess(t *testing.T) {
	tracker := NewTracker(NewRegistry(map[string]int64{"m": 200000}), 75)

	turn := scriptedTurn([]agent.Event{
		{Kind: agent.EventTurnStart, SessionID: "s1"},
		{Kind: agent.EventText, Text: "done. "},
		{Kind: agent.EventUsage, InputTokens: 40000, OutputTokens: 100},
		{Kind: agent.EventUsage, InputTokens: 90000, OutputTokens: 250},
		{Kind: agent.EventResult, InputTokens: 90000, OutputTokens: 250},
	}, nil)

	out := tracker.Classify(context.Background(), turn, "m")
	assert.Equal(t, OutcomeSuccess, out.Kind)
	assert.Equal(t, "s1", out.SessionID)
	assert.Equal(t, int64(90000), out.InputTokens)
	assert.Equal(t, int64(250), out.OutputTokens)
	assert.Equal(t, "done. ", out.Text)
	assert.NoError(t, out.Err)
}

func TestClassifyOverflowInterruptsAtThreshold(t *testing.T) {
	tracker := NewTracker(NewRegistry(map[string]int64{"m": 200000}), 75)

	interrupted := false
	turn := scriptedTurn([]agent.Event{
		{Kind: agent.EventUsage, InputTokens: 140000},
		{Kind: agent.EventUsage, InputTokens: 160000},
		{Kind: agent.EventResult, IsError: true, ErrorCode: agent.ErrorCodeInterrupted},
	}, func() { interrupted = true })

	out := tracker.Classify(context.Background(), turn, "m")
	assert.Equal(t, OutcomeOverflow, out.Kind)
	assert.True(t, interrupted, "turn should be interrupted at 150000")
	assert.Equal(t, int64(160000), out.InputTokens)
}

func TestClassifySubagentUsageDoesNotOverflow(t *testing.T) {
	tracker := NewTracker(NewRegistry(map[string]int64{"m": 200000}), 75)

	interrupted := false
	turn := scriptedTurn([]agent.Event{
		{Kind: agent.EventUsage, ParentTurnID: "toolu_01", InputTokens: 190000},
		{Kind: agent.EventUsage, InputTokens: 5000},
		{Kind: agent.EventResult},
	}, func() { interrupted = true })

	out := tracker.Classify(context.Background(), turn, "m")
	assert.Equal(t, OutcomeSuccess, out.Kind)
	assert.False(t, interrupted)
	assert.Equal(t, int64(5000), out.InputTokens, "subagent usage must not count")
}

func TestClassifyPeakUsageIsMonotonic(t *testing.T) {
	tracker := NewTracker(NewRegistry(map[string]int64{"m": 200000}), 75)

	// A later, smaller snapshot never lowers the recorded peak.
	turn := scriptedTurn([]agent.Event{
		{Kind: agent.EventUsage, InputTokens: 80000},
		{Kind: agent.EventUsage, InputTokens: 30000},
		{Kind: agent.EventResult},
	}, nil)

	out := tracker.Classify(context.Background(), turn, "m")
	assert.Equal(t, int64(80000), out.InputTokens)
}

func TestClassifyRateLimited(t *testing.T) {
	tracker := NewTracker(NewRegistry(nil), 75)

	turn := scriptedTurn([]agent.Event{
		{
			Kind:       agent.EventResult,
			IsError:    true,
			ErrorCode:  agent.ErrorCodeRateLimited,
			Errors:     []string{"429 rate limit exceeded"},
			RetryAfter: time.Minute,
		},
	}, nil)

	before := time.Now()
	out := tracker.Classify(context.Background(), turn, "m")
	assert.Equal(t, OutcomeRateLimited, out.Kind)
	require.Error(t, out.Err)
	assert.False(t, out.ResetAt.Before(before.Add(time.Minute)), "ResetAt should honor RetryAfter")
}

func TestClassifyContextCancellation(t *testing.T) {
	tracker := NewTracker(NewRegistry(nil), 75)

	ctx, cancel := context.WithCancel(context.Background())

	ch := make(chan agent.Event)
	interrupted := make(chan struct{})
	turn := agent.NewTurn(ch, func() { close(interrupted) })

	go func() {
		cancel()
		// The runner reacts to the interrupt by ending the turn.
		<-interrupted
		ch <- agent.Event{Kind: agent.EventResult, IsError: true, ErrorCode: agent.ErrorCodeInterrupted}
		close(ch)
	}()

	out := tracker.Classify(ctx, turn, "m")
	assert.Equal(t, OutcomeError, out.Kind)
	assert.ErrorIs(t, out.Err, context.Canceled)
}

func TestClassifyStreamEndsWithoutResult(t *testing.T) {
	tracker := NewTracker(NewRegistry(nil), 75)
	turn := scriptedTurn([]agent.Event{
		{Kind: agent.EventUsage, InputTokens: 10},
	}, nil)

	out := tracker.Classify(context.Background(), turn, "m")
	assert.Equal(t, OutcomeError, out.Kind)
	require.Error(t, out.Err)
}
