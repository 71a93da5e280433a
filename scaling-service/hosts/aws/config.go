package aws

import "time"

const (
	// Launching an instance can take a while when the provider is short on
	// capacity, so it gets its own deadline.
	launchTimeout = 20 * time.Minute

	// All other calls to the EC2 API must finish within this time.
	cloudCallTimeout = 30 * time.Second

	// The minimum and maximum of instances to launch per call. Necessary for
	// the AWS SDK.
	minInstanceCount = 1
	maxInstanceCount = 1
)

// Error codes returned by EC2 when it can't fulfill a launch request right now.
var insufficientCapacityCodes = []string{
	"InsufficientInstanceCapacity",
	"InsufficientCapacity",
}

// Error code returned by EC2 when one of the requested instance ids doesn't exist.
const instanceNotFoundCode = "InvalidInstanceID.NotFound"
