package scaling_algorithms

import (
	"errors"

	"github.com/whisthq/whist/backend/fleet/utils"
)

var (
	// ErrInvalidRollout means a rollout request is missing its commit hash or
	// an image id.
	ErrInvalidRollout = errors.New("invalid rollout request")
	// ErrRolloutInProgress is returned when a rollout is requested while
	// another one is still running.
	ErrRolloutInProgress = errors.New("a rollout is already in progress")
	// ErrEventQueueFull means the event loop has too many pending events to
	// accept a new one.
	ErrEventQueueFull = errors.New("scaling event queue is full")
)

// PlacementErrorCode is the reason a mandelbox couldn't be assigned. It is
// sent to the client as the `error_code` of the response.
type PlacementErrorCode string

// These are all the possible reasons we would fail to find a host for a user
// and return a 503 error.
const (
	// No host with capacity was found in the region or its bundled regions.
	NoHost PlacementErrorCode = "NO_HOST"
	// Hosts with capacity were found but the client app is out of date.
	CommitMismatch PlacementErrorCode = "COMMIT_MISMATCH"
	// The chosen host couldn't be locked in time.
	LockTimeout PlacementErrorCode = "LOCK_TIMEOUT"
	// Something else went wrong, like the database being unreachable.
	ServiceUnavailable PlacementErrorCode = "SERVICE_UNAVAILABLE"
	// The requested region has not been enabled.
	RegionNotEnabled PlacementErrorCode = "REGION_NOT_ENABLED"
	// User is already connected to a mandelbox, possibly on another device.
	UserAlreadyActive PlacementErrorCode = "USER_ALREADY_ACTIVE"
)

// PlacementError is returned by MandelboxAssign when no mandelbox was
// allocated. Match it with errors.As.
type PlacementError struct {
	Code PlacementErrorCode
	Err  error
}

func (e *PlacementError) Error() string {
	if e.Err == nil {
		return string(e.Code)
	}
	return utils.Sprintf("%s: %s", e.Code, e.Err)
}

func (e *PlacementError) Unwrap() error {
	return e.Err
}
