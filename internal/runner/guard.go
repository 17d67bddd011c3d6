package runner

import (
	"context"
	"fmt"
	"time"
)

// Outcome is the resolution of a guarded call: either the operation's value
// or the timeout sentinel.
type Outcome[T any] struct {
	Value    T
	TimedOut bool
}

// Guard runs op against a wall-clock deadline. If op settles first its value
// and error are returned. If the deadline fires first, onExpire is invoked
// once and Guard resolves with TimedOut set without waiting for op: op keeps
// running in the background until it observes the cancellation signal at
// its next checkpoint. A timeout is never reported as an error.
//
// A panic inside op is returned as an error. Cancellation of ctx also
// invokes onExpire and returns ctx.Err().
func Guard[T any](ctx context.Context, op func() (T, error), deadline time.Duration, onExpire func()) (Outcome[T], error) {
	type settled struct {
		v   T
		err error
	}
	done := make(chan settled, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- settled{err: fmt.Errorf("operation panicked: %v", r)}
			}
		}()
		v, err := op()
		done <- settled{v: v, err: err}
	}()

	timer := time.NewTimer(deadline)
	defer timer.Stop()

	select {
	case s := <-done:
		return Outcome[T]{Value: s.v}, s.err
	case <-timer.C:
		if onExpire != nil {
			onExpire()
		}
		return Outcome[T]{TimedOut: true}, nil
	case <-ctx.Done():
		if onExpire != nil {
			onExpire()
		}
		var zero Outcome[T]
		return zero, ctx.Err()
	}
}
