package scaling_algorithms

import (
	"context"
	"errors"

	"github.com/whisthq/whist/backend/fleet/scaling-service/dbclient"
	"github.com/whisthq/whist/backend/fleet/scaling-service/metrics"
	"github.com/whisthq/whist/backend/fleet/types"
	"github.com/whisthq/whist/backend/fleet/utils"
	logger "github.com/whisthq/whist/backend/fleet/whistlogger"
	"go.uber.org/zap"
)

// Drain takes a host out of the fleet. Depending on its state the host is
// told to shut down through its agent, or terminated directly on the cloud
// provider. Its row is removed once the provider confirms it stopped.
// Draining a host that no longer exists does nothing.
func (s *DefaultScalingAlgorithm) Drain(ctx context.Context, hostName string) error {
	tx, err := s.DBClient.BeginTx(ctx)
	if err != nil {
		return utils.MakeError("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	host, err := tx.LockHost(ctx, hostName)
	if errors.Is(err, dbclient.ErrHostNotFound) {
		logger.Infof("Host %s is already gone, nothing to drain.", hostName)
		return nil
	}
	if err != nil {
		return utils.MakeError("failed to lock host %s: %w", hostName, err)
	}

	count, err := tx.CountMandelboxes(ctx, hostName)
	if err != nil {
		return utils.MakeError("failed to count mandelboxes on host %s: %w", hostName, err)
	}
	host.AssignedCount = count

	return s.drainLocked(ctx, tx, host)
}

// drainLocked decides what to do with a host whose row is locked by tx. The
// transaction is always finished before any call to the cloud provider or
// the host agent, so the row lock is never held across the network.
func (s *DefaultScalingAlgorithm) drainLocked(ctx context.Context, tx dbclient.Tx, host dbclient.Host) error {
	contextFields := []interface{}{
		zap.String("host_name", host.Name),
		zap.String("cloud_id", host.CloudID),
		zap.String("region", host.Region),
		zap.String("status", string(host.Status)),
	}

	commit := func() error {
		if err := tx.Commit(ctx); err != nil {
			return utils.MakeError("failed to commit drain of host %s: %w", host.Name, err)
		}
		return nil
	}

	switch {
	case host.Status == dbclient.HostStatusUnresponsive && host.AssignedCount > 0:
		// The agent can't be reached but users might still be connected.
		logger.Warningw(utils.Sprintf("Host is unresponsive and has %d mandelboxes, leaving it alone.", host.AssignedCount), contextFields)
		metrics.Drains.WithLabelValues("skip").Inc()
		return commit()

	case host.Status == dbclient.HostStatusPreConnection || host.IP == "":
		// The agent never connected, so there is nobody to notify.
		if host.Status != dbclient.HostStatusDraining {
			if err := tx.UpdateHostStatus(ctx, host.Name, dbclient.HostStatusDraining); err != nil {
				return utils.MakeError("failed to mark host %s as draining: %w", host.Name, err)
			}
		}
		if err := commit(); err != nil {
			return err
		}
		logger.Infow("Terminating host without an agent connection.", contextFields)
		return s.terminate(ctx, host)

	case host.Status == dbclient.HostStatusActive:
		if err := tx.UpdateHostStatus(ctx, host.Name, dbclient.HostStatusDraining); err != nil {
			return utils.MakeError("failed to mark host %s as draining: %w", host.Name, err)
		}
		if err := commit(); err != nil {
			return err
		}
		logger.Infow("Marked host as draining.", contextFields)

		if err := s.notifyAgent(ctx, host); err != nil {
			return err
		}
		_, err := s.deleteIfStopped(ctx, host)
		return err

	case host.Status == dbclient.HostStatusDraining:
		if err := commit(); err != nil {
			return err
		}
		stopped, err := s.deleteIfStopped(ctx, host)
		if err != nil || stopped {
			return err
		}
		logger.Infow("Host is still draining, notifying its agent again.", contextFields)
		return s.notifyAgent(ctx, host)

	case host.Status == dbclient.HostStatusUnresponsive:
		if err := commit(); err != nil {
			return err
		}
		logger.Infow("Force terminating unresponsive host.", contextFields)
		return s.terminate(ctx, host)

	default:
		logger.Warningw("Host has an unknown status, not draining it.", contextFields)
		return commit()
	}
}

// notifyAgent asks the host agent to drain and shut down the host. A host
// whose agent can't be reached is marked as unresponsive, so the reaper
// terminates it later.
func (s *DefaultScalingAlgorithm) notifyAgent(ctx context.Context, host dbclient.Host) error {
	err := s.Agent.DrainAndShutdown(ctx, host.IP)
	if err == nil {
		metrics.Drains.WithLabelValues("notify").Inc()
		logger.Infof("Host %s accepted the drain request.", host.Name)
		return nil
	}

	metrics.Drains.WithLabelValues("unresponsive").Inc()
	logger.Warningf("Failed to notify host %s to drain, marking it as unresponsive: %s", host.Name, err)
	if err := s.DBClient.UpdateHostStatus(ctx, host.Name, dbclient.HostStatusUnresponsive); err != nil {
		return utils.MakeError("failed to mark host %s as unresponsive: %w", host.Name, err)
	}
	return nil
}

// terminate stops the instance on the cloud provider and removes the host
// row once the provider confirms the instance is shutting down.
func (s *DefaultScalingAlgorithm) terminate(ctx context.Context, host dbclient.Host) error {
	cloudID := types.InstanceID(host.CloudID)
	states, err := s.Host.Stop(ctx, types.PlacementRegion(host.Region), []types.InstanceID{cloudID})
	if err != nil {
		return utils.MakeError("failed to stop instance %s of host %s: %w", cloudID, host.Name, err)
	}
	metrics.Drains.WithLabelValues("terminate").Inc()

	state, ok := states[cloudID]
	if !ok || !state.IsShuttingDown() {
		logger.Warningf("Instance %s of host %s is %s after stopping it, keeping its row.", cloudID, host.Name, state)
		return nil
	}
	return s.deleteHost(ctx, host)
}

// deleteIfStopped removes the host row if its instance is stopping or already
// gone, and reports whether it did.
func (s *DefaultScalingAlgorithm) deleteIfStopped(ctx context.Context, host dbclient.Host) (bool, error) {
	states, err := s.Host.GetStates(ctx, types.PlacementRegion(host.Region), []types.InstanceID{types.InstanceID(host.CloudID)})
	if err != nil {
		return false, utils.MakeError("failed to get state of host %s: %w", host.Name, err)
	}
	if len(states) == 0 || !states[0].IsShuttingDown() {
		return false, nil
	}
	return true, s.deleteHost(ctx, host)
}

func (s *DefaultScalingAlgorithm) deleteHost(ctx context.Context, host dbclient.Host) error {
	if err := s.DBClient.DeleteHost(ctx, host.Name); err != nil {
		return utils.MakeError("failed to delete host %s: %w", host.Name, err)
	}
	metrics.Drains.WithLabelValues("delete").Inc()
	logger.Infof("Removed host %s from the database.", host.Name)
	return nil
}
