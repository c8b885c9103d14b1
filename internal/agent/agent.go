// Package agent runs single conversational turns against a coding agent,
// either a local agent CLI subprocess or the Anthropic API directly, and
// exposes the turn as a stream of structured events.
package agent

import (
	"context"
	"time"
)

// EventKind identifies the type of an agent event.
type EventKind string

const (
	// EventTurnStart is emitted once when the agent opens a turn.
	EventTurnStart EventKind = "turn_start"
	// EventToolUse is emitted each time the agent invokes a tool.
	EventToolUse EventKind = "tool_use"
	// EventText carries assistant output text.
	EventText EventKind = "text"
	// EventUsage carries a token usage snapshot. InputTokens is cumulative
	// for the context identified by ParentTurnID ("" means the main context).
	EventUsage EventKind = "usage"
	// EventResult terminates the stream. Exactly one result event is
	// emitted per turn, always last.
	EventResult EventKind = "result"
)

// Error codes carried on result events.
const (
	ErrorCodeRateLimited = "rate_limit_error"
	ErrorCodeOverloaded  = "overloaded_error"
	ErrorCodeInterrupted = "interrupted"
	ErrorCodeTimeout     = "timeout"
)

// Event is a single structured event from a running turn.
type Event struct {
	Kind EventKind

	// SessionID is set on turn_start events.
	SessionID string

	// Tool is set on tool_use events.
	Tool string

	// Text is set on text events.
	Text string

	// ParentTurnID distinguishes subagent contexts from the main context
	// on usage events. Empty means the main context.
	ParentTurnID string
	// InputTokens is the cumulative input token count for the context on
	// usage events, and the final main-context count on result events.
	InputTokens  int64
	OutputTokens int64

	// Result fields.
	IsError    bool
	ErrorCode  string
	Errors     []string
	RetryAfter time.Duration
}

// TurnRequest describes one turn to run.
type TurnRequest struct {
	Model      string
	Prompt     string
	WorkingDir string
	Timeout    time.Duration
}

// Turn is a running agent turn. Events is closed after the result event
// has been delivered.
type Turn struct {
	Events <-chan Event

	interrupt func()
}

// Interrupt asks the turn to stop as soon as possible. The turn still
// emits a result event before the channel closes. Safe to call more
// than once.
func (t *Turn) Interrupt() {
	if t.interrupt != nil {
		t.interrupt()
	}
}

// NewTurn wraps an event stream and an interrupt hook as a Turn. Runner
// implementations outside this package (including test fakes) build
// their turns with it.
func NewTurn(events <-chan Event, interrupt func()) *Turn {
	return &Turn{Events: events, interrupt: interrupt}
}

// Runner starts agent turns. Implementations must deliver exactly one
// result event per started turn and then close the event channel.
type Runner interface {
	StartTurn(ctx context.Context, req TurnRequest) (*Turn, error)
}
