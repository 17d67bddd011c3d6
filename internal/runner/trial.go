package runner

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/signalnine/routebench/internal/aggregate"
	"github.com/signalnine/routebench/internal/corpus"
	"github.com/signalnine/routebench/internal/planner"
	"github.com/signalnine/routebench/internal/result"
)

var ErrTrialCrashed = errors.New("trial crashed")

// Query outcomes reported to an Observer.
const (
	OutcomeOK      = "ok"
	OutcomeTimeout = "timeout"
	OutcomeFailed  = "failed"
	OutcomeNoPath  = "no_path"
)

// Observer receives live per-query outcomes. Implementations must be safe
// for concurrent use by client lanes.
type Observer interface {
	QueryFinished(outcome string, rank int, elapsed time.Duration)
}

type nopObserver struct{}

func (nopObserver) QueryFinished(string, int, time.Duration) {}

type TrialOpts struct {
	RunID      string
	Label      string
	Trial      result.TrialConfig
	Planner    planner.Options
	NewPlanner planner.Factory
	Queries    []corpus.Query
	Logger     *zap.Logger
	Observer   Observer
}

type laneResult struct {
	measurements []result.Measurement
	skipped      int
}

// RunTrial replays the corpus Trial.Passes times on Trial.Concurrency client
// lanes. Every lane owns one planner and executes its queries strictly in
// corpus order, so cache behaviour depends only on that lane's history. The
// measurements of all lanes are aggregated into a single summary.
func RunTrial(ctx context.Context, opts *TrialOpts) (*result.Summary, error) {
	cfg := opts.Trial
	if cfg.Passes < 1 {
		return nil, fmt.Errorf("trial %s: passes must be at least 1", opts.Label)
	}
	if cfg.Concurrency < 1 {
		return nil, fmt.Errorf("trial %s: concurrency must be at least 1", opts.Label)
	}
	if cfg.TimeoutMs < 1 {
		return nil, fmt.Errorf("trial %s: timeout must be positive", opts.Label)
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.With(
		zap.String("trial", opts.Label),
		zap.Int("clients", cfg.Concurrency),
		zap.String("cache_policy", string(cfg.CachePolicy)),
		zap.Bool("bypass_server_cache", cfg.BypassServerCache),
		zap.Int("timeout_ms", cfg.TimeoutMs),
	)
	obs := opts.Observer
	if obs == nil {
		obs = nopObserver{}
	}
	newPlanner := opts.NewPlanner
	if newPlanner == nil {
		newPlanner = planner.New
	}

	started := time.Now().UTC()
	lanes := make([]laneResult, cfg.Concurrency)
	jobs := make([]Job, cfg.Concurrency)
	for i := range jobs {
		lane := i
		jobs[i] = func(ctx context.Context) error {
			p, err := newPlanner(opts.Planner)
			if err != nil {
				return fmt.Errorf("lane %d: creating planner: %w", lane, err)
			}
			w := &laneWorker{
				planner:  p,
				cfg:      cfg,
				queries:  opts.Queries,
				logger:   logger.With(zap.Int("lane", lane)),
				observer: obs,
			}
			return w.run(ctx, &lanes[lane])
		}
	}
	logger.Info("trial started", zap.Int("queries", len(opts.Queries)), zap.Int("passes", cfg.Passes))
	if errs := RunPool(ctx, cfg.Concurrency, jobs); len(errs) > 0 {
		return nil, fmt.Errorf("trial %s: %w", opts.Label, errors.Join(errs...))
	}

	agg := aggregate.New()
	skipped := 0
	total := 0
	for _, l := range lanes {
		if err := agg.AddAll(l.measurements); err != nil {
			return nil, err
		}
		skipped += l.skipped
		total += len(l.measurements)
	}
	globals, err := agg.Finalize(cfg.Passes * cfg.Concurrency)
	if err != nil {
		return nil, fmt.Errorf("trial %s: %w", opts.Label, err)
	}
	summary := &result.Summary{
		RunID:     opts.RunID,
		Label:     opts.Label,
		Trial:     cfg,
		Queries:   total,
		Skipped:   skipped,
		StartedAt: started,
		EndedAt:   time.Now().UTC(),
		Globals:   globals,
	}
	logger.Info("trial finished",
		zap.Int("measured", total),
		zap.Int("skipped", skipped),
		zap.Float64("total_timeouts", globals.TotalTimeouts),
		zap.Duration("elapsed", summary.EndedAt.Sub(started)),
	)
	return summary, nil
}

type laneWorker struct {
	planner  planner.Planner
	cfg      result.TrialConfig
	queries  []corpus.Query
	logger   *zap.Logger
	observer Observer
}

func (w *laneWorker) run(ctx context.Context, out *laneResult) error {
	for pass := 1; pass <= w.cfg.Passes; pass++ {
		for i, q := range w.queries {
			if err := ctx.Err(); err != nil {
				return err
			}
			if err := w.runQuery(ctx, pass, i, q, out); err != nil {
				return err
			}
			w.resetCaches()
		}
	}
	return nil
}

// runQuery executes one guarded query. Only cancellation of the trial itself
// is returned as an error; query failures are logged and skipped.
func (w *laneWorker) runQuery(ctx context.Context, pass, index int, q corpus.Query, out *laneResult) error {
	qctx, cancel := context.WithCancel(ctx)
	defer cancel()

	start := time.Now()
	res, err := Guard(ctx, func() (*planner.Result, error) {
		return w.planner.FindPath(qctx, q.From, q.To)
	}, w.cfg.Timeout(), cancel)
	elapsed := time.Since(start)

	fields := []zap.Field{
		zap.Int("pass", pass),
		zap.Int("query", index),
		zap.Stringer("from", q.From),
		zap.Stringer("to", q.To),
		zap.Int("rank", q.Rank),
	}
	switch {
	case err != nil && ctx.Err() != nil:
		return ctx.Err()
	case err != nil && errors.Is(err, planner.ErrNoPath):
		out.skipped++
		w.observer.QueryFinished(OutcomeNoPath, q.Rank, elapsed)
		w.logger.Warn("no path found", append(fields, zap.Error(err))...)
	case err != nil:
		out.skipped++
		w.observer.QueryFinished(OutcomeFailed, q.Rank, elapsed)
		w.logger.Warn("query failed", append(fields, zap.Error(err))...)
	case res.TimedOut:
		// The abandoned search may still be winding down and can spill into
		// the next query's measurement window.
		out.measurements = append(out.measurements, result.TimeoutMeasurement(q.Rank))
		w.observer.QueryFinished(OutcomeTimeout, q.Rank, elapsed)
		w.logger.Info("query timed out", fields...)
	case res.Value == nil:
		out.skipped++
		w.observer.QueryFinished(OutcomeNoPath, q.Rank, elapsed)
		w.logger.Warn("no path found", fields...)
	default:
		r := res.Value
		out.measurements = append(out.measurements, result.Measurement{
			Rank:            q.Rank,
			ExecutionTimeMs: float64(r.ExecutionTime) / float64(time.Millisecond),
			ByteCount:       float64(r.ByteCount),
			RequestCount:    float64(r.RequestCount),
			CacheHits:       float64(r.CacheHits),
			PathCost:        r.Cost,
		})
		w.observer.QueryFinished(OutcomeOK, q.Rank, elapsed)
		w.logger.Debug("query finished", append(fields, zap.Duration("execution_time", r.ExecutionTime))...)
	}
	return nil
}

func (w *laneWorker) resetCaches() {
	switch w.cfg.CachePolicy {
	case result.CacheResetGraph:
		w.planner.ResetGraph()
	case result.CacheResetAll:
		w.planner.ResetGraph()
		w.planner.ResetTileCache()
	}
}
