package engine

import (
	"context"
	"errors"
	"fmt"

	"github.com/drover-dev/drover/internal/types"
)

// ErrNoCandidates means no unlocked issue is eligible for the mode.
var ErrNoCandidates = errors.New("no eligible issues")

// statePriority orders candidate states per mode, highest priority
// first. Build prefers resuming started work over opening new work.
var statePriority = map[types.Mode][]types.State{
	types.ModeBuild: {types.StateInProgress, types.StatePlanned, types.StateGroomed, types.StateNew},
	types.ModePlan:  {types.StateGroomed, types.StateNew},
	types.ModeSplit: {types.StateInProgress, types.StatePlanned},
}

// AutoSelect picks the highest-priority unlocked issue for a mode,
// skipping any excluded IDs. Ties within a state break on issue ID, so
// selection is deterministic.
func (e *Engine) AutoSelect(ctx context.Context, mode types.Mode, exclude ...string) (*types.Issue, error) {
	order, ok := statePriority[mode]
	if !ok {
		return nil, fmt.Errorf("invalid mode: %q", mode)
	}

	excluded := make(map[string]bool, len(exclude))
	for _, id := range exclude {
		excluded[id] = true
	}

	for _, state := range order {
		s := state
		candidates, err := e.cfg.Store.ListIssues(ctx, &types.IssueFilter{State: &s})
		if err != nil {
			return nil, fmt.Errorf("listing %s issues: %w", state, err)
		}
		for _, issue := range candidates {
			if excluded[issue.ID] {
				continue
			}
			locked, err := e.cfg.Store.IsLocked(ctx, issue.ID)
			if err != nil {
				return nil, fmt.Errorf("probing lock on %s: %w", issue.ID, err)
			}
			if locked {
				continue
			}
			return issue, nil
		}
	}
	return nil, ErrNoCandidates
}
