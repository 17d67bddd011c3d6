package runner_test

import (
	"context"
	"fmt"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/signalnine/routebench/internal/runner"
)

func TestPool(t *testing.T) {
	var count, running, peak atomic.Int32
	jobs := make([]runner.Job, 10)
	for i := range jobs {
		jobs[i] = func(context.Context) error {
			n := running.Add(1)
			for {
				p := peak.Load()
				if n <= p || peak.CompareAndSwap(p, n) {
					break
				}
			}
			count.Add(1)
			running.Add(-1)
			return nil
		}
	}
	errs := runner.RunPool(context.Background(), 3, jobs)
	assert.Empty(t, errs)
	assert.Equal(t, int32(10), count.Load())
	assert.LessOrEqual(t, peak.Load(), int32(3))
}

func TestPoolWithErrors(t *testing.T) {
	jobs := []runner.Job{
		func(context.Context) error { return nil },
		func(context.Context) error { return fmt.Errorf("fail") },
		func(context.Context) error { return nil },
	}
	errs := runner.RunPool(context.Background(), 2, jobs)
	assert.Len(t, errs, 1)
}

func TestPoolRecoversPanic(t *testing.T) {
	jobs := []runner.Job{
		func(context.Context) error { panic("lane exploded") },
		func(context.Context) error { return nil },
	}
	errs := runner.RunPool(context.Background(), 2, jobs)
	require.Len(t, errs, 1)
	assert.ErrorIs(t, errs[0], runner.ErrTrialCrashed)
}

func TestPoolCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	var ran atomic.Int32
	jobs := []runner.Job{
		func(context.Context) error { ran.Add(1); return nil },
		func(context.Context) error { ran.Add(1); return nil },
	}
	errs := runner.RunPool(ctx, 1, jobs)
	assert.Zero(t, ran.Load())
	require.Len(t, errs, 2)
	assert.ErrorIs(t, errs[0], context.Canceled)
}
