package scaling_algorithms

import (
	"context"

	"github.com/whisthq/whist/backend/fleet/scaling-service/dbclient"
	"github.com/whisthq/whist/backend/fleet/utils"
	logger "github.com/whisthq/whist/backend/fleet/whistlogger"
)

// Heartbeat records a report from a host agent and returns the status the
// host should be in. A host that just connected becomes ACTIVE, and a host
// that was told to drain learns it must shut down.
func (s *DefaultScalingAlgorithm) Heartbeat(ctx context.Context, hb dbclient.Heartbeat) (dbclient.HostStatus, error) {
	status, err := s.DBClient.ApplyHeartbeat(ctx, hb)
	if err != nil {
		return "", utils.MakeError("failed to apply heartbeat of host %s: %w", hb.HostName, err)
	}
	logger.Debugf("Host %s sent a heartbeat, its status is %s.", hb.HostName, status)
	return status, nil
}

// ActiveRegions returns the regions with an active image, sorted.
func (s *DefaultScalingAlgorithm) ActiveRegions(ctx context.Context) ([]string, error) {
	regions, err := s.DBClient.QueryActiveRegions(ctx)
	if err != nil {
		return nil, utils.MakeError("failed to query active regions: %w", err)
	}
	return regions, nil
}
