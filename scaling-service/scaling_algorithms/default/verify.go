package scaling_algorithms

import (
	"context"
	"errors"
	"time"

	"github.com/whisthq/whist/backend/fleet/scaling-service/dbclient"
	"github.com/whisthq/whist/backend/fleet/utils"
	logger "github.com/whisthq/whist/backend/fleet/whistlogger"
)

// ErrRolloutTimeout means some of the hosts launched for a new image didn't
// become ACTIVE before the deadline.
var ErrRolloutTimeout = errors.New("timed out waiting for hosts to become active")

// waitForActiveHosts polls the database until every launched host is ACTIVE,
// which means its agent connected and it can receive users. A host whose row
// disappears or that starts draining will never become active, so it fails
// the wait right away.
func (s *DefaultScalingAlgorithm) waitForActiveHosts(ctx context.Context, region string, launched []dbclient.Host) error {
	if len(launched) == 0 {
		return utils.MakeError("no hosts were launched in %s", region)
	}

	pending := make(map[string]bool, len(launched))
	for _, host := range launched {
		pending[host.Name] = true
	}

	deadlineCtx, cancel := context.WithTimeout(ctx, s.rolloutReadyTimeout)
	defer cancel()

	ticker := time.NewTicker(s.rolloutPollInterval)
	defer ticker.Stop()

	for {
		for name := range pending {
			row, err := s.DBClient.QueryHost(deadlineCtx, name)
			if errors.Is(err, dbclient.ErrHostNotFound) {
				return utils.MakeError("host %s in %s was removed before becoming active", name, region)
			}
			if err != nil {
				if deadlineCtx.Err() == nil {
					logger.Warningf("Failed to query host %s while waiting for it: %s", name, err)
				}
				continue
			}

			switch row.Status {
			case dbclient.HostStatusActive:
				logger.Infof("Host %s is active in %s.", name, region)
				delete(pending, name)
			case dbclient.HostStatusDraining:
				return utils.MakeError("host %s in %s started draining before becoming active", name, region)
			}
		}

		if len(pending) == 0 {
			return nil
		}

		select {
		case <-deadlineCtx.Done():
			if ctx.Err() != nil {
				return utils.MakeError("stopped waiting for hosts in %s: %w", region, ctx.Err())
			}
			return utils.MakeError("%d of %d hosts in %s didn't become active after %v: %w", len(pending), len(launched), region, s.rolloutReadyTimeout, ErrRolloutTimeout)
		case <-ticker.C:
		}
	}
}
