package utils // import "github.com/whisthq/whist/backend/fleet/utils"

import (
	"context"
	"math/rand"
	"time"
)

// StopAndDrainTimer stops and drains a time.Timer object. We need this
// function so that we can stop a timer without potentially leaking a
// channel/goroutine. Note that this code is kind of subtle (see
// https://github.com/golang/go/issues/27169#issue-353270716).  A previous
// iteration of it had a rare deadlock!
func StopAndDrainTimer(t *time.Timer) {
	if !t.Stop() {
		select {
		case <-t.C:
		default:
		}
	}
}

// Jitter returns a random duration in the half-open interval [base, 2*base).
func Jitter(base time.Duration) time.Duration {
	if base <= 0 {
		return 0
	}
	return base + time.Duration(rand.Int63n(int64(base)))
}

// SleepWithContext blocks for the given duration or until the context is
// done, whichever happens first. It returns the context's error in the
// latter case.
func SleepWithContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer StopAndDrainTimer(timer)

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
