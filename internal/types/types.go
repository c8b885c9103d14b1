package types

import (
	"fmt"
	"strings"
	"time"
)

// Issue represents one unit of agent-driven work
type Issue struct {
	ID              string     `json:"id"`
	Title           string     `json:"title"`
	State           State      `json:"state"`
	Parent          string     `json:"parent,omitempty"`
	Children        []string   `json:"children"`
	SplitCount      int        `json:"split_count"`
	VerifyCount     int        `json:"verify_count"`
	VerifyExhausted bool       `json:"verify_exhausted,omitempty"`
	NeedsInterview  *bool      `json:"needs_interview,omitempty"` // nil until triage decides
	IsVerifyFix     bool       `json:"is_verify_fix,omitempty"`
	Body            string     `json:"body"`

	// Cumulative counters, updated by the iteration engine only
	InputTokens   int64         `json:"input_tokens"`
	OutputTokens  int64         `json:"output_tokens"`
	TotalDuration time.Duration `json:"total_duration"`
	Iterations    int           `json:"iterations"`
	RunCount      int           `json:"run_count"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Validate checks if the issue has valid field values
func (i *Issue) Validate() error {
	if i.ID == "" {
		return fmt.Errorf("id is required")
	}
	if strings.ContainsAny(i.ID, "\n\r,") {
		return fmt.Errorf("id must not contain newlines or commas")
	}
	if len(i.Title) == 0 {
		return fmt.Errorf("title is required")
	}
	if len(i.Title) > 500 {
		return fmt.Errorf("title must be 500 characters or less (got %d)", len(i.Title))
	}
	// The persistence header is line-oriented, so single-line fields only.
	if strings.ContainsAny(i.Title, "\n\r") {
		return fmt.Errorf("title must be a single line")
	}
	if !i.State.IsValid() {
		return fmt.Errorf("invalid state: %s", i.State)
	}
	if strings.ContainsAny(i.Parent, "\n\r,") {
		return fmt.Errorf("parent must not contain newlines or commas")
	}
	if i.SplitCount < 0 {
		return fmt.Errorf("split_count cannot be negative")
	}
	if i.VerifyCount < 0 {
		return fmt.Errorf("verify_count cannot be negative")
	}
	for _, c := range i.Children {
		if strings.TrimSpace(c) == "" {
			return fmt.Errorf("children must not contain empty IDs")
		}
		if strings.ContainsAny(c, "\n\r,") {
			return fmt.Errorf("child ID %q must not contain newlines or commas", c)
		}
	}
	return nil
}

// HasChild reports whether id is already listed as a child.
func (i *Issue) HasChild(id string) bool {
	for _, c := range i.Children {
		if c == id {
			return true
		}
	}
	return false
}

// State represents the lifecycle state of an issue
type State string

const (
	StateNew        State = "NEW"
	StateGroomed    State = "GROOMED"
	StatePlanned    State = "PLANNED"
	StateInProgress State = "IN_PROGRESS"
	StateCompleted  State = "COMPLETED"
	StateVerified   State = "VERIFIED"
	StateStuck      State = "STUCK"
	StateSplit      State = "SPLIT"
)

// IsValid checks if the state value is valid
func (s State) IsValid() bool {
	switch s {
	case StateNew, StateGroomed, StatePlanned, StateInProgress,
		StateCompleted, StateVerified, StateStuck, StateSplit:
		return true
	}
	return false
}

// IsTerminal reports whether no further transitions are possible.
func (s State) IsTerminal() bool {
	return s == StateVerified || s == StateSplit
}

// ValidTransitions defines the legal lifecycle transitions.
// The transition table is the single source of truth; callers never write
// State directly without passing through CanTransitionTo.
//
// State Machine Diagram:
//
//	NEW → GROOMED → PLANNED → IN_PROGRESS → COMPLETED → VERIFIED
//	 ↓        ↓        ↓         ↓  ↓
//	STUCK   STUCK    STUCK    STUCK SPLIT
//
// COMPLETED is not terminal: it leads only to VERIFIED. STUCK is a
// recoverable side-state. SPLIT and VERIFIED are terminal.
func (s State) ValidTransitions() []State {
	switch s {
	case StateNew:
		return []State{StateGroomed, StatePlanned, StateInProgress, StateStuck}
	case StateGroomed:
		return []State{StatePlanned, StateInProgress, StateStuck}
	case StatePlanned:
		return []State{StateInProgress, StateStuck}
	case StateInProgress:
		return []State{StateCompleted, StateSplit, StateStuck}
	case StateCompleted:
		return []State{StateVerified}
	case StateStuck:
		return []State{StateGroomed, StatePlanned, StateInProgress}
	case StateVerified:
		return []State{} // Terminal state
	case StateSplit:
		return []State{} // Terminal state (work delegated to children)
	default:
		return []State{}
	}
}

// CanTransitionTo checks if a transition from this state to the target state is valid
func (s State) CanTransitionTo(target State) bool {
	for _, valid := range s.ValidTransitions() {
		if valid == target {
			return true
		}
	}
	return false
}

// InvalidTransitionError is returned when a lifecycle transition is rejected
type InvalidTransitionError struct {
	From State
	To   State
}

func (e *InvalidTransitionError) Error() string {
	return fmt.Sprintf("invalid state transition: %s → %s", e.From, e.To)
}

// ValidateTransition rejects any (from, to) pair not present in the
// transition table. It has no side effects and is safe to call repeatedly.
func ValidateTransition(from, to State) error {
	if !from.IsValid() {
		return fmt.Errorf("invalid state: %s", from)
	}
	if !to.IsValid() {
		return fmt.Errorf("invalid state: %s", to)
	}
	if !from.CanTransitionTo(to) {
		return &InvalidTransitionError{From: from, To: to}
	}
	return nil
}

// Mode selects which kind of agent turn the iteration engine runs
type Mode string

const (
	ModePlan  Mode = "plan"
	ModeBuild Mode = "build"
	ModeSplit Mode = "split"
)

// IsValid checks if the mode value is valid
func (m Mode) IsValid() bool {
	switch m {
	case ModePlan, ModeBuild, ModeSplit:
		return true
	}
	return false
}

// IssueFilter is used to filter issue queries
type IssueFilter struct {
	State       *State
	Parent      *string
	IsVerifyFix *bool
	Limit       int
}

// Matches reports whether the issue satisfies every set filter field.
func (f *IssueFilter) Matches(issue *Issue) bool {
	if f == nil {
		return true
	}
	if f.State != nil && issue.State != *f.State {
		return false
	}
	if f.Parent != nil {
		if *f.Parent == "" && issue.Parent != "" {
			return false
		}
		if *f.Parent != "" && issue.Parent != *f.Parent {
			return false
		}
	}
	if f.IsVerifyFix != nil && issue.IsVerifyFix != *f.IsVerifyFix {
		return false
	}
	return true
}
