package runner_test

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/signalnine/routebench/internal/runner"
)

func TestGuardReturnsValue(t *testing.T) {
	var expired atomic.Int32
	out, err := runner.Guard(context.Background(), func() (int, error) {
		return 42, nil
	}, time.Second, func() { expired.Add(1) })
	require.NoError(t, err)
	assert.False(t, out.TimedOut)
	assert.Equal(t, 42, out.Value)
	assert.Zero(t, expired.Load())
}

func TestGuardPropagatesFailure(t *testing.T) {
	boom := errors.New("connection refused")
	out, err := runner.Guard(context.Background(), func() (int, error) {
		return 0, boom
	}, time.Second, nil)
	assert.ErrorIs(t, err, boom)
	assert.False(t, out.TimedOut)
}

func TestGuardTimesOutWithoutWaiting(t *testing.T) {
	const deadline = 50 * time.Millisecond
	var expired atomic.Int32
	release := make(chan struct{})
	defer close(release)

	start := time.Now()
	out, err := runner.Guard(context.Background(), func() (int, error) {
		<-release
		return 1, nil
	}, deadline, func() { expired.Add(1) })
	elapsed := time.Since(start)

	require.NoError(t, err)
	assert.True(t, out.TimedOut)
	assert.Zero(t, out.Value)
	assert.Equal(t, int32(1), expired.Load())
	assert.GreaterOrEqual(t, elapsed, deadline)
	assert.Less(t, elapsed, deadline+500*time.Millisecond)
}

func TestGuardSlowOperationJustPastDeadline(t *testing.T) {
	const deadline = 30 * time.Millisecond
	var expired atomic.Int32
	out, err := runner.Guard(context.Background(), func() (string, error) {
		time.Sleep(deadline + 100*time.Millisecond)
		return "late", nil
	}, deadline, func() { expired.Add(1) })
	require.NoError(t, err)
	assert.True(t, out.TimedOut)

	time.Sleep(200 * time.Millisecond)
	assert.Equal(t, int32(1), expired.Load(), "onExpire must run exactly once")
}

func TestGuardSignalsCooperativeCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	stopped := make(chan struct{})
	out, err := runner.Guard(context.Background(), func() (int, error) {
		<-ctx.Done()
		close(stopped)
		return 0, ctx.Err()
	}, 20*time.Millisecond, cancel)
	require.NoError(t, err)
	assert.True(t, out.TimedOut)

	select {
	case <-stopped:
	case <-time.After(time.Second):
		t.Fatal("operation did not observe the cancellation signal")
	}
}

func TestGuardRecoversPanic(t *testing.T) {
	_, err := runner.Guard(context.Background(), func() (int, error) {
		panic("nil graph")
	}, time.Second, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "nil graph")
}

func TestGuardParentCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	var expired atomic.Int32
	_, err := runner.Guard(ctx, func() (int, error) {
		time.Sleep(time.Second)
		return 0, nil
	}, time.Minute, func() { expired.Add(1) })
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, int32(1), expired.Load())
}
