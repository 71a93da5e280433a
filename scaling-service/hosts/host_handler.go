// Package hosts defines the interface the scaling algorithms use to manage
// compute instances on a cloud provider. Implementations only talk to the
// provider, they never write to the database.
package hosts // import "github.com/whisthq/whist/backend/fleet/scaling-service/hosts"

import (
	"context"
	"errors"

	"github.com/whisthq/whist/backend/fleet/types"
)

// InstanceState is the provider-independent lifecycle state of an instance.
type InstanceState string

// These are the states an instance can be in. An instance the provider
// doesn't know about is ABSENT.
const (
	InstanceStatePending    InstanceState = "PENDING"
	InstanceStateRunning    InstanceState = "RUNNING"
	InstanceStateStopping   InstanceState = "STOPPING"
	InstanceStateStopped    InstanceState = "STOPPED"
	InstanceStateTerminated InstanceState = "TERMINATED"
	InstanceStateAbsent     InstanceState = "ABSENT"
)

// IsGone returns true if the instance no longer exists or will not come back.
func (s InstanceState) IsGone() bool {
	switch s {
	case InstanceStateStopped, InstanceStateTerminated, InstanceStateAbsent:
		return true
	default:
		return false
	}
}

// IsShuttingDown returns true if the instance is being stopped or is already
// gone, so its database row can be removed.
func (s InstanceState) IsShuttingDown() bool {
	return s == InstanceStateStopping || s.IsGone()
}

// ErrInsufficientCapacity is returned (wrapped) by Launch when the provider
// doesn't have enough capacity for the requested instance type at the moment.
var ErrInsufficientCapacity = errors.New("insufficient instance capacity")

// HostHandler is the interface for a cloud provider driver.
type HostHandler interface {
	// Launch starts a single instance and returns its provider id once the
	// provider has accepted the request.
	Launch(ctx context.Context, region types.PlacementRegion, imageID types.ImageID, instanceType types.InstanceType, name types.InstanceName) (types.InstanceID, error)
	// Stop terminates the given instances and returns the state of each one.
	Stop(ctx context.Context, region types.PlacementRegion, ids []types.InstanceID) (map[types.InstanceID]InstanceState, error)
	// GetStates returns one state per id, in the same order.
	GetStates(ctx context.Context, region types.PlacementRegion, ids []types.InstanceID) ([]InstanceState, error)
	// Exists returns false if the instance is stopped, terminated or unknown.
	Exists(ctx context.Context, region types.PlacementRegion, id types.InstanceID) (bool, error)
}
