// Package local implements a fake hosts.HostHandler for running the scaling
// service on a development machine. Launched instances are RUNNING right
// away and, while they are, a fake agent reports heartbeats for them so that
// they become ACTIVE in the database and can receive mandelboxes. Each
// instance gets its own loopback address, which the fake agent uses to find
// the instance to shut down when it is drained.
package local // import "github.com/whisthq/whist/backend/fleet/scaling-service/hosts/local"

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/whisthq/whist/backend/fleet/scaling-service/hosts"
	"github.com/whisthq/whist/backend/fleet/types"
	"github.com/whisthq/whist/backend/fleet/utils"
	logger "github.com/whisthq/whist/backend/fleet/whistlogger"
)

// HeartbeatFunc delivers a heartbeat for the named instance, reporting the
// given IP address.
type HeartbeatFunc func(ctx context.Context, name types.InstanceName, ip string) error

type instance struct {
	name  types.InstanceName
	ip    string
	state hosts.InstanceState
}

// LocalHost keeps its instances in memory.
type LocalHost struct {
	mu        sync.Mutex
	instances map[types.InstanceID]*instance
	nextID    int
}

// NewLocalHost returns an empty fake fleet.
func NewLocalHost() *LocalHost {
	return &LocalHost{
		instances: make(map[types.InstanceID]*instance),
	}
}

func (host *LocalHost) Launch(ctx context.Context, region types.PlacementRegion, imageID types.ImageID, instanceType types.InstanceType, name types.InstanceName) (types.InstanceID, error) {
	host.mu.Lock()
	defer host.mu.Unlock()

	host.nextID++
	id := types.InstanceID(utils.Sprintf("local-%d", host.nextID))
	host.instances[id] = &instance{
		name:  name,
		ip:    utils.Sprintf("127.0.%d.%d", host.nextID/256, host.nextID%256),
		state: hosts.InstanceStateRunning,
	}

	logger.Infof("Launched local instance %s (%s) with image %s in %s", name, id, imageID, region)
	return id, nil
}

func (host *LocalHost) Stop(ctx context.Context, region types.PlacementRegion, ids []types.InstanceID) (map[types.InstanceID]hosts.InstanceState, error) {
	host.mu.Lock()
	defer host.mu.Unlock()

	states := make(map[types.InstanceID]hosts.InstanceState, len(ids))
	for _, id := range ids {
		inst, ok := host.instances[id]
		if !ok {
			states[id] = hosts.InstanceStateAbsent
			continue
		}
		inst.state = hosts.InstanceStateTerminated
		states[id] = inst.state
	}
	return states, nil
}

func (host *LocalHost) GetStates(ctx context.Context, region types.PlacementRegion, ids []types.InstanceID) ([]hosts.InstanceState, error) {
	host.mu.Lock()
	defer host.mu.Unlock()

	states := make([]hosts.InstanceState, 0, len(ids))
	for _, id := range ids {
		if inst, ok := host.instances[id]; ok {
			states = append(states, inst.state)
		} else {
			states = append(states, hosts.InstanceStateAbsent)
		}
	}
	return states, nil
}

func (host *LocalHost) Exists(ctx context.Context, region types.PlacementRegion, id types.InstanceID) (bool, error) {
	states, err := host.GetStates(ctx, region, []types.InstanceID{id})
	if err != nil {
		return false, err
	}
	return !states[0].IsGone(), nil
}

// DrainAndShutdown plays the part of the host agent: the running instance
// with the given address shuts itself down.
func (host *LocalHost) DrainAndShutdown(ctx context.Context, ip string) error {
	host.mu.Lock()
	defer host.mu.Unlock()

	for id, inst := range host.instances {
		if inst.ip == ip && inst.state == hosts.InstanceStateRunning {
			inst.state = hosts.InstanceStateStopped
			logger.Infof("Local instance %s (%s) shut down after drain", inst.name, id)
			return nil
		}
	}
	return utils.MakeError("no running local instance with IP %s", ip)
}

// running returns the running instances, sorted by name.
func (host *LocalHost) running() []instance {
	host.mu.Lock()
	defer host.mu.Unlock()

	var insts []instance
	for _, inst := range host.instances {
		if inst.state == hosts.InstanceStateRunning {
			insts = append(insts, *inst)
		}
	}
	sort.Slice(insts, func(i, j int) bool { return insts[i].name < insts[j].name })
	return insts
}

// SendHeartbeats reports a heartbeat for every running instance each
// interval, until the context is cancelled. Delivery errors are only logged,
// since an instance is typically launched before its row is written.
func (host *LocalHost) SendHeartbeats(ctx context.Context, interval time.Duration, beat HeartbeatFunc) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			for _, inst := range host.running() {
				if err := beat(ctx, inst.name, inst.ip); err != nil {
					logger.Warningf("Failed to send heartbeat for local instance %s: %s", inst.name, err)
				}
			}
		}
	}
}

var _ hosts.HostHandler = (*LocalHost)(nil)
