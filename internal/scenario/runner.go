package scenario

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/seantiz/streamharness/internal/bridge"
	"github.com/seantiz/streamharness/internal/harness"
)

// teardownTimeout bounds harness teardown after a scenario.
const teardownTimeout = 30 * time.Second

// Result is the outcome of one scenario run.
type Result struct {
	Name       string         `json:"name"`
	Passed     bool           `json:"passed"`
	Error      string         `json:"error,omitempty"`
	DurationMS int64          `json:"duration_ms"`
	Transcript []bridge.Entry `json:"transcript"`

	Err error `json:"-"`
}

// HarnessFactory builds a fresh harness for one scenario.
type HarnessFactory func(ctx context.Context, s Scenario) (*harness.Harness, error)

// Runner runs scenarios one after another, each on its own harness.
type Runner struct {
	Registry   *Registry
	NewHarness HarnessFactory
	// ReserveUsers reserves a pool user for scenarios that need one.
	ReserveUsers bool
	RecFilePath  string
	Settle       time.Duration
	Logger       *slog.Logger
}

// Run runs the named scenarios, or all of them when names is empty. Unknown
// names fail before anything runs; scenario failures are reported in the
// results.
func (r *Runner) Run(ctx context.Context, names []string) ([]Result, error) {
	if len(names) == 0 {
		names = r.Registry.Names()
	}

	scenarios := make([]Scenario, 0, len(names))
	for _, name := range names {
		s, err := r.Registry.Resolve(name)
		if err != nil {
			return nil, err
		}
		scenarios = append(scenarios, s)
	}

	results := make([]Result, 0, len(scenarios))
	for _, s := range scenarios {
		if err := ctx.Err(); err != nil {
			return results, err
		}
		results = append(results, r.runOne(ctx, s))
	}
	return results, nil
}

func (r *Runner) runOne(ctx context.Context, s Scenario) Result {
	logger := r.Logger.With("scenario", s.Name)
	start := time.Now()
	res := Result{Name: s.Name}

	err := r.execute(ctx, s, logger, &res)

	res.DurationMS = time.Since(start).Milliseconds()
	if err != nil {
		res.Err = err
		res.Error = err.Error()
		logger.Error("scenario failed", "error", err, "duration_ms", res.DurationMS)
	} else {
		res.Passed = true
		logger.Info("scenario passed", "duration_ms", res.DurationMS)
	}
	return res
}

func (r *Runner) execute(ctx context.Context, s Scenario, logger *slog.Logger, res *Result) (err error) {
	h, err := r.NewHarness(ctx, s)
	if err != nil {
		return fmt.Errorf("start harness: %w", err)
	}
	defer func() {
		if err != nil {
			h.MarkFailed()
		}
		res.Transcript = h.Transcript()

		closeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), teardownTimeout)
		defer cancel()
		if cerr := h.Close(closeCtx); cerr != nil {
			logger.Error("harness teardown", "error", cerr)
			if err == nil {
				err = fmt.Errorf("teardown: %w", cerr)
			}
		}
	}()

	if r.ReserveUsers && s.NeedsUser {
		reservation, rerr := h.Reserve(ctx)
		if rerr != nil {
			return fmt.Errorf("reserve pool user: %w", rerr)
		}
		logger.Info("running with pool user", "reservation_id", reservation.ID)
	}

	env := &Env{
		Harness:     h,
		RecFilePath: r.RecFilePath,
		Settle:      r.Settle,
		Logger:      logger,
	}
	return s.Run(ctx, env)
}

// Failed reports whether any result failed.
func Failed(results []Result) bool {
	for _, res := range results {
		if !res.Passed {
			return true
		}
	}
	return false
}
