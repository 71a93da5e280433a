package dbclient

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgconn"

	"github.com/whisthq/whist/backend/fleet/utils"
	logger "github.com/whisthq/whist/backend/fleet/whistlogger"
)

// Errors returned by the store. Callers should compare with errors.Is, since
// most of them are wrapped with more context.
var (
	// ErrNoHost means there is no ACTIVE host with room in the requested
	// region or its bundled regions.
	ErrNoHost = errors.New("no host with capacity")
	// ErrCommitMismatch means there are hosts with room, but none of them
	// runs the requested commit hash.
	ErrCommitMismatch = errors.New("no host with a matching commit hash")
	// ErrLockTimeout means a host row couldn't be locked in time, or that it
	// stopped being ACTIVE before the lock was acquired.
	ErrLockTimeout = errors.New("could not lock host")
	// ErrHostUnavailable means a locked host can't accept another mandelbox.
	ErrHostUnavailable = errors.New("host is not accepting mandelboxes")
	// ErrHostNotFound means the host row doesn't exist.
	ErrHostNotFound = errors.New("host not found")
	// ErrImageNotFound means the image row doesn't exist.
	ErrImageNotFound = errors.New("image not found")
	// ErrInvariantViolation means the database rejected a write because it
	// would break an integrity constraint.
	ErrInvariantViolation = errors.New("invariant violation")
)

// Postgres SQLSTATE codes the store cares about.
const (
	sqlStateDeadlockDetected     = "40P01"
	sqlStateSerializationFailure = "40001"
	sqlStateLockNotAvailable     = "55P03"
	sqlStateIntegrityClass       = "23"
)

// storeError tags a driver error with one of the package errors while
// keeping the driver error available to errors.As.
type storeError struct {
	kind error
	err  error
}

func (e *storeError) Error() string {
	return e.kind.Error() + ": " + e.err.Error()
}

func (e *storeError) Is(target error) bool {
	return target == e.kind
}

func (e *storeError) Unwrap() error {
	return e.err
}

// classify tags lock timeouts and integrity violations so that callers don't
// need to know SQLSTATE codes. Other errors are returned unchanged.
func classify(err error) error {
	if err == nil {
		return nil
	}

	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		return err
	}

	switch {
	case pgErr.Code == sqlStateLockNotAvailable:
		return &storeError{kind: ErrLockTimeout, err: err}
	case len(pgErr.Code) == 5 && pgErr.Code[:2] == sqlStateIntegrityClass:
		return &storeError{kind: ErrInvariantViolation, err: err}
	default:
		return err
	}
}

// IsRetryable returns true if the failed operation can be attempted again:
// deadlocks, serialization failures and lock timeouts. Every other error,
// including invariant violations, is fatal.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrLockTimeout) {
		return true
	}

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case sqlStateDeadlockDetected, sqlStateSerializationFailure, sqlStateLockNotAvailable:
			return true
		}
	}
	return false
}

// RetryOnce runs fn and, if it fails with a retryable error, runs it a second
// time after a jittered backoff in [base, 2*base).
func RetryOnce(ctx context.Context, base time.Duration, fn func(context.Context) error) error {
	err := fn(ctx)
	if !IsRetryable(err) {
		return err
	}

	backoff := utils.Jitter(base)
	logger.Warningf("Retrying store operation in %s after transient error: %s", backoff, err)

	if sleepErr := utils.SleepWithContext(ctx, backoff); sleepErr != nil {
		return utils.MakeError("retry cancelled: %w", err)
	}
	return fn(ctx)
}
