// Package batch runs the iteration engine over many issues, bounded by
// the concurrency limiter and paced to stay polite to the provider.
package batch

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/drover-dev/drover/internal/engine"
	"github.com/drover-dev/drover/internal/limiter"
	"github.com/drover-dev/drover/internal/storage"
	"github.com/drover-dev/drover/internal/types"
)

// Config configures a Driver.
type Config struct {
	Engine *engine.Engine

	// Parallel bounds concurrent engine runs. Values below 1 mean 1.
	Parallel int

	// MaxIssues stops selection after this many dispatches. Zero means
	// run until no candidates remain.
	MaxIssues int

	// DispatchInterval paces issue dispatches. Zero disables pacing.
	DispatchInterval time.Duration
}

// Summary reports what a batch run did.
type Summary struct {
	Dispatched int
	Succeeded  int
	Skipped    int // lock race lost, or claim cancelled by batch shutdown
	Failed     int

	// RateLimitedAt is set when the provider cut the run short. Zero
	// means no rate limiting was hit.
	RateLimitedAt time.Time

	Errors map[string]error // issue ID -> failure
}

// Driver selects eligible issues and runs the engine over them.
type Driver struct {
	engine   *engine.Engine
	slots    *limiter.Limiter
	pace     *rate.Limiter
	parallel int
	maxRuns  int
}

// NewDriver builds a Driver.
func NewDriver(cfg Config) (*Driver, error) {
	if cfg.Engine == nil {
		return nil, fmt.Errorf("engine is required")
	}
	parallel := cfg.Parallel
	if parallel < 1 {
		parallel = 1
	}
	pace := rate.NewLimiter(rate.Inf, 1)
	if cfg.DispatchInterval > 0 {
		pace = rate.NewLimiter(rate.Every(cfg.DispatchInterval), 1)
	}
	return &Driver{
		engine:   cfg.Engine,
		slots:    limiter.New(parallel),
		pace:     pace,
		parallel: parallel,
		maxRuns:  cfg.MaxIssues,
	}, nil
}

// Run selects issues for the mode until none remain and drives each
// through the engine. Issues fail independently; only rate limiting
// stops the whole batch, because every further dispatch would hit the
// same wall.
func (d *Driver) Run(ctx context.Context, mode types.Mode) (*Summary, error) {
	summary := &Summary{Errors: map[string]error{}}

	var (
		mu      sync.Mutex
		taken   = map[string]bool{}
		stopped bool
	)

	runCtx, stop := context.WithCancel(ctx)
	defer stop()

	// claim reserves the next eligible issue for one worker. Claimed IDs
	// stay reserved for the rest of the batch, so a finished issue is
	// never re-selected within the same run.
	claim := func() (string, bool, error) {
		mu.Lock()
		defer mu.Unlock()
		if stopped || (d.maxRuns > 0 && summary.Dispatched >= d.maxRuns) {
			return "", false, nil
		}
		exclude := make([]string, 0, len(taken))
		for id := range taken {
			exclude = append(exclude, id)
		}
		issue, err := d.engine.AutoSelect(runCtx, mode, exclude...)
		if err != nil {
			if errors.Is(err, engine.ErrNoCandidates) {
				return "", false, nil
			}
			return "", false, err
		}
		taken[issue.ID] = true
		summary.Dispatched++
		return issue.ID, true, nil
	}

	record := func(id string, err error) {
		mu.Lock()
		defer mu.Unlock()
		switch {
		case err == nil:
			summary.Succeeded++
		case errors.Is(err, storage.ErrLocked):
			summary.Skipped++
		case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
			// The batch was shutting down; the issue keeps its state and
			// is eligible again next run.
			summary.Skipped++
		default:
			var rle *engine.RateLimitError
			if errors.As(err, &rle) {
				summary.RateLimitedAt = rle.ResetAt
				stopped = true
				fmt.Fprintf(os.Stderr, "batch: rate limited on %s, stopping\n", id)
				stop()
				return
			}
			summary.Failed++
			summary.Errors[id] = err
			fmt.Fprintf(os.Stderr, "batch: issue %s failed: %v\n", id, err)
		}
	}

	var g errgroup.Group
	for i := 0; i < d.parallel; i++ {
		g.Go(func() error {
			for {
				if err := d.pace.Wait(runCtx); err != nil {
					return nil
				}
				id, ok, err := claim()
				if err != nil {
					return err
				}
				if !ok {
					return nil
				}
				// Record the slot error too: a claim cancelled before it
				// ever acquired a slot still needs a disposition.
				record(id, d.slots.Do(runCtx, func(ctx context.Context) error {
					return d.engine.RunLoop(ctx, id, mode)
				}))
			}
		})
	}

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return summary, err
	}
	return summary, nil
}
