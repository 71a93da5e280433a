package scaling_algorithms

import (
	"github.com/google/uuid"
	"github.com/whisthq/whist/backend/fleet/types"
)

// ScalingEvent is an event that contains all the relevant information
// to make scaling decisions.
type ScalingEvent struct {
	ID     string
	Type   interface{} // The type of event (scale up, scale down, etc.)
	Data   interface{} // Data relevant to the event
	Region string      // Region where the scaling will be performed
}

// These are the types of events the algorithm processes.
const (
	ScaleUpEvent   = "SCALE_UP_EVENT"
	ScaleDownEvent = "SCALE_DOWN_EVENT"
	// RolloutEvent carries a RolloutRequest and has no region.
	RolloutEvent = "ROLLOUT_EVENT"
)

func newEventID() string {
	return uuid.NewString()
}

// scalingEventChanSize is the number of pending events the algorithm accepts
// before dropping new ones.
const scalingEventChanSize = 100

// AssignRequest is a request for a mandelbox, already authenticated.
type AssignRequest struct {
	Region     string
	CommitHash string
	UserID     types.UserID
	// Version and UserEmail come from the client and are only used for logging.
	Version   string
	UserEmail string
}

// AssignResult is where the allocated mandelbox lives.
type AssignResult struct {
	HostName    string
	IP          string
	MandelboxID types.MandelboxID
}

// RolloutRequest describes a new image to deploy: the client commit hash it
// was built from, and the image id in each region.
type RolloutRequest struct {
	CommitHash   string            `json:"commit_hash"`
	RegionImages map[string]string `json:"region_images"`
}
