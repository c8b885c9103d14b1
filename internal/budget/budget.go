// Package budget watches a turn's token usage against a per-model context
// window and interrupts the turn before the window overflows.
package budget

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/drover-dev/drover/internal/agent"
)

// defaultContextLimit is assumed for models missing from the registry.
const defaultContextLimit = 200000

// Registry maps model identifiers to context window sizes in tokens.
// Prefixes match, so one entry can cover a model family. Safe for
// concurrent use.
type Registry struct {
	mu     sync.RWMutex
	limits map[string]int64
}

// NewRegistry builds a registry from explicit overrides. A nil or empty
// map is fine; every lookup then falls back to the default limit.
func NewRegistry(overrides map[string]int64) *Registry {
	limits := make(map[string]int64, len(overrides))
	for model, limit := range overrides {
		limits[model] = limit
	}
	return &Registry{limits: limits}
}

// Register sets the context window size for a model (or model-family
// prefix), adding it or replacing an earlier entry.
func (r *Registry) Register(model string, limit int64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.limits[model] = limit
}

// Limit returns the context window size for the model.
func (r *Registry) Limit(model string) int64 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if limit, ok := r.limits[model]; ok {
		return limit
	}
	for prefix, limit := range r.limits {
		if strings.HasPrefix(model, prefix) {
			return limit
		}
	}
	return defaultContextLimit
}

// OutcomeKind classifies how a turn ended.
type OutcomeKind string

const (
	// OutcomeSuccess means the turn ran to completion under budget.
	OutcomeSuccess OutcomeKind = "success"
	// OutcomeOverflow means the turn was interrupted at the usage threshold.
	OutcomeOverflow OutcomeKind = "overflow"
	// OutcomeRateLimited means the provider refused the turn. ResetAt says
	// when to try again, if the provider told us.
	OutcomeRateLimited OutcomeKind = "rate_limited"
	// OutcomeError covers every other failure.
	OutcomeError OutcomeKind = "error"
)

// Outcome summarizes one supervised turn.
type Outcome struct {
	Kind         OutcomeKind
	InputTokens  int64 // peak main-context input tokens observed
	OutputTokens int64
	Duration     time.Duration
	SessionID    string
	Text         string // concatenated main-context assistant text
	ResetAt      time.Time
	Err          error
}

// Tracker supervises turns against the model's context window.
type Tracker struct {
	registry *Registry
	percent  int
}

// NewTracker builds a tracker that interrupts turns once main-context
// usage reaches percent of the model's window. Percent outside (0,100]
// falls back to 75.
func NewTracker(registry *Registry, percent int) *Tracker {
	if registry == nil {
		registry = NewRegistry(nil)
	}
	if percent <= 0 || percent > 100 {
		percent = 75
	}
	return &Tracker{registry: registry, percent: percent}
}

// Threshold returns the interrupt point in tokens for the model,
// truncating fractional tokens.
func (t *Tracker) Threshold(model string) int64 {
	return t.registry.Limit(model) * int64(t.percent) / 100
}

// Classify drains the turn's event stream and reports how it ended.
// Usage from subagent contexts never counts toward the threshold; only
// the main context can overflow. Cancellation of ctx interrupts the
// turn and classifies it as an error.
func (t *Tracker) Classify(ctx context.Context, turn *agent.Turn, model string) Outcome {
	threshold := t.Threshold(model)
	start := time.Now()

	var (
		out         Outcome
		interrupted bool
		text        strings.Builder
	)

	done := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
			turn.Interrupt()
		case <-done:
		}
	}()
	defer close(done)

	for ev := range turn.Events {
		switch ev.Kind {
		case agent.EventTurnStart:
			out.SessionID = ev.SessionID
		case agent.EventText:
			if ev.ParentTurnID == "" {
				text.WriteString(ev.Text)
			}
		case agent.EventUsage:
			if ev.ParentTurnID != "" {
				continue
			}
			if ev.InputTokens > out.InputTokens {
				out.InputTokens = ev.InputTokens
			}
			if ev.OutputTokens > out.OutputTokens {
				out.OutputTokens = ev.OutputTokens
			}
			if !interrupted && out.InputTokens >= threshold {
				interrupted = true
				turn.Interrupt()
			}
		case agent.EventResult:
			if ev.InputTokens > out.InputTokens {
				out.InputTokens = ev.InputTokens
			}
			if ev.OutputTokens > out.OutputTokens {
				out.OutputTokens = ev.OutputTokens
			}
			out.Duration = time.Since(start)
			out.Text = text.String()

			switch {
			case ev.IsError && ev.ErrorCode == agent.ErrorCodeRateLimited:
				out.Kind = OutcomeRateLimited
				if ev.RetryAfter > 0 {
					out.ResetAt = time.Now().Add(ev.RetryAfter)
				}
				out.Err = fmt.Errorf("provider rate limited: %s", strings.Join(ev.Errors, "; "))
			case ctx.Err() != nil:
				out.Kind = OutcomeError
				out.Err = ctx.Err()
			case interrupted:
				out.Kind = OutcomeOverflow
			case ev.IsError:
				out.Kind = OutcomeError
				out.Err = fmt.Errorf("agent turn failed (%s): %s", ev.ErrorCode, strings.Join(ev.Errors, "; "))
			default:
				out.Kind = OutcomeSuccess
			}
		}
	}

	if out.Kind == "" {
		// The stream closed without a result event. Treat as an error so
		// the caller never mistakes a crashed turn for progress.
		out.Duration = time.Since(start)
		out.Text = text.String()
		out.Kind = OutcomeError
		out.Err = fmt.Errorf("agent stream ended without a result")
	}
	return out
}
