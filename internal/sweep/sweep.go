// Package sweep steps a benchmark through a ladder of concurrency levels.
// Trials run strictly one after another, each bracketed by remote recording
// toggles, and every summary is persisted under a key derived from the
// trial configuration.
package sweep

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/hashicorp/go-multierror"
	"go.uber.org/zap"

	"github.com/signalnine/routebench/internal/result"
	"github.com/signalnine/routebench/internal/runner"
)

// Trial statuses reported to an Observer.
const (
	StatusOK            = "ok"
	StatusCrashed       = "crashed"
	StatusPersistFailed = "persist_failed"
)

// Recorder brackets a trial with remote recording. Both calls are
// best-effort and return the number of servers that failed.
type Recorder interface {
	Start(ctx context.Context, clients int) int
	Stop(ctx context.Context) int
}

type Observer interface {
	TrialStarted(clients int)
	TrialFinished(clients int, status string)
	ToggleFailed(n int)
}

type nopObserver struct{}

func (nopObserver) TrialStarted(int)          {}
func (nopObserver) TrialFinished(int, string) {}
func (nopObserver) ToggleFailed(int)          {}

type Controller struct {
	Launcher runner.Launcher
	// Recorder is nil when recording is disabled.
	Recorder Recorder
	Levels   []int
	// Settle is waited after recording starts and before load begins.
	Settle time.Duration

	// Spec is the template for every trial; its concurrency is set per level.
	Spec       runner.TrialSpec
	Key        result.Key
	ResultsDir string
	Compress   bool

	Logger   *zap.Logger
	Observer Observer
	// Sleep waits for d or until ctx is done. Defaults to a timer.
	Sleep func(ctx context.Context, d time.Duration) error
}

// LevelOutcome is what happened at one concurrency level.
type LevelOutcome struct {
	Clients        int
	Path           string
	Summary        *result.Summary
	TrialErr       error
	PersistErr     error
	ToggleFailures int
}

type Report struct {
	RunID  string
	Levels []LevelOutcome
}

// Crashed returns the levels whose trial produced no summary.
func (r *Report) Crashed() []int {
	var out []int
	for _, l := range r.Levels {
		if l.TrialErr != nil {
			out = append(out, l.Clients)
		}
	}
	return out
}

// Run executes every level in order. A crashed trial or failed toggle is
// logged and the sweep moves on. Persistence failures are collected and
// returned once the ladder is complete. Cancellation of ctx stops the sweep
// after the current level.
func (c *Controller) Run(ctx context.Context) (*Report, error) {
	if c.Launcher == nil {
		return nil, errors.New("sweep: launcher is required")
	}
	if len(c.Levels) == 0 {
		return nil, errors.New("sweep: no concurrency levels")
	}
	logger := c.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	runID := c.Spec.RunID
	if runID == "" {
		runID = uuid.NewString()
	}
	logger = logger.With(zap.String("run_id", runID))

	report := &Report{RunID: runID}
	var errs *multierror.Error
	for i, n := range c.Levels {
		if err := ctx.Err(); err != nil {
			return report, err
		}
		logger.Info("starting level", zap.Int("clients", n), zap.Int("level", i+1), zap.Int("levels", len(c.Levels)))
		out, err := c.runLevel(ctx, logger.With(zap.Int("clients", n)), runID, n)
		report.Levels = append(report.Levels, out)
		if err != nil {
			return report, err
		}
		if out.PersistErr != nil {
			errs = multierror.Append(errs, out.PersistErr)
		}
	}
	return report, errs.ErrorOrNil()
}

// runLevel returns an error only when ctx is cancelled.
func (c *Controller) runLevel(ctx context.Context, logger *zap.Logger, runID string, clients int) (LevelOutcome, error) {
	obs := c.Observer
	if obs == nil {
		obs = nopObserver{}
	}
	out := LevelOutcome{Clients: clients}
	obs.TrialStarted(clients)

	if c.Recorder != nil {
		if n := c.Recorder.Start(ctx, clients); n > 0 {
			out.ToggleFailures += n
			obs.ToggleFailed(n)
		}
		if err := c.sleep(ctx, c.Settle); err != nil {
			c.stopRecording(ctx, &out, obs)
			return out, err
		}
	}

	spec := c.Spec
	spec.RunID = runID
	spec.Label = fmt.Sprintf("clients-%d", clients)
	spec.Trial.Concurrency = clients

	start := time.Now()
	summary, err := c.Launcher.Launch(ctx, &spec)
	if c.Recorder != nil {
		c.stopRecording(ctx, &out, obs)
	}
	if err != nil {
		if ctx.Err() != nil {
			return out, ctx.Err()
		}
		out.TrialErr = err
		obs.TrialFinished(clients, StatusCrashed)
		logger.Error("trial crashed", zap.Error(err), zap.Duration("elapsed", time.Since(start)))
		return out, nil
	}
	out.Summary = summary

	key := c.Key
	key.Concurrency = clients
	out.Path = result.Path(c.ResultsDir, key, c.Compress)
	if err := result.WriteSummary(out.Path, summary); err != nil {
		out.PersistErr = fmt.Errorf("clients %d: persisting summary: %w", clients, err)
		obs.TrialFinished(clients, StatusPersistFailed)
		logger.Error("persisting summary failed", zap.String("path", out.Path), zap.Error(err))
		return out, nil
	}
	obs.TrialFinished(clients, StatusOK)
	logger.Info("level finished",
		zap.String("path", out.Path),
		zap.Int("measured", summary.Queries),
		zap.Int("skipped", summary.Skipped),
		zap.Float64("total_timeouts", summary.Globals.TotalTimeouts),
		zap.Duration("elapsed", time.Since(start)),
	)
	return out, nil
}

func (c *Controller) stopRecording(ctx context.Context, out *LevelOutcome, obs Observer) {
	// Stop even when the sweep is being cancelled so samplers are not left running.
	stopCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()
	if n := c.Recorder.Stop(stopCtx); n > 0 {
		out.ToggleFailures += n
		obs.ToggleFailed(n)
	}
}

func (c *Controller) sleep(ctx context.Context, d time.Duration) error {
	if c.Sleep != nil {
		return c.Sleep(ctx, d)
	}
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
