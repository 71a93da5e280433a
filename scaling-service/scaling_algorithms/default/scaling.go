package scaling_algorithms

import (
	"context"
	"errors"
	"math"

	"github.com/hashicorp/go-multierror"
	"github.com/lithammer/shortuuid/v3"
	"github.com/whisthq/whist/backend/fleet/scaling-service/dbclient"
	"github.com/whisthq/whist/backend/fleet/scaling-service/hosts"
	"github.com/whisthq/whist/backend/fleet/scaling-service/metrics"
	"github.com/whisthq/whist/backend/fleet/scaling-service/scaling_algorithms/helpers"
	"github.com/whisthq/whist/backend/fleet/types"
	"github.com/whisthq/whist/backend/fleet/utils"
	logger "github.com/whisthq/whist/backend/fleet/whistlogger"
	"go.uber.org/zap"
)

// NegativeInfinity is the scaling delta of a pair that should not exist at
// all: every empty host of it can be scaled down.
const NegativeInfinity = math.MinInt

// ComputeScalingDelta returns how many hosts of an image should be launched
// (positive) or drained (negative). image is nil when the region and image
// pair is not in the catalog, and activeImageID is the active image of the
// region, or empty if there is none.
func ComputeScalingDelta(desiredFree, batch int, image *dbclient.Image, activeImageID string, counts dbclient.HostCounts) int {
	if image == nil || !image.Active || image.ImageID != activeImageID {
		return NegativeInfinity
	}

	if counts.Total == 0 || counts.FreeCapacity < desiredFree {
		return batch
	}

	// Only scale down once there is a whole host worth of extra capacity,
	// otherwise scaling down would immediately trigger a scale up.
	if float64(counts.FreeCapacity) >= float64(desiredFree)+counts.AvgCapacity {
		return -1
	}

	return 0
}

// computeDelta gathers the inputs of ComputeScalingDelta from the database.
func (s *DefaultScalingAlgorithm) computeDelta(ctx context.Context, region, imageID string) (int, *dbclient.Image, error) {
	var image *dbclient.Image
	row, err := s.DBClient.QueryImage(ctx, region, imageID)
	switch {
	case err == nil:
		image = &row
	case errors.Is(err, dbclient.ErrImageNotFound):
	default:
		return 0, nil, utils.MakeError("failed to query image %s in %s: %w", imageID, region, err)
	}

	var activeImageID string
	active, err := s.DBClient.QueryActiveImage(ctx, region)
	switch {
	case err == nil:
		activeImageID = active.ImageID
	case errors.Is(err, dbclient.ErrImageNotFound):
	default:
		return 0, nil, utils.MakeError("failed to query active image in %s: %w", region, err)
	}

	counts, err := s.DBClient.CountHosts(ctx, region, imageID)
	if err != nil {
		return 0, nil, utils.MakeError("failed to count hosts of image %s in %s: %w", imageID, region, err)
	}

	delta := ComputeScalingDelta(s.Config.DesiredFreeMandelboxes, s.Config.DefaultInstanceBuffer, image, activeImageID, counts)
	return delta, image, nil
}

// ScaleUpIfNecessary launches hosts of the given image if the region is
// running low on free mandelboxes. A positive forceBuffer launches that many
// hosts regardless of the current capacity, which is how a rollout pre-warms
// a new image. It returns the hosts that were launched and registered.
func (s *DefaultScalingAlgorithm) ScaleUpIfNecessary(ctx context.Context, region, imageID string, forceBuffer int) ([]dbclient.Host, error) {
	contextFields := []interface{}{
		zap.String("region", region),
		zap.String("image_id", imageID),
		zap.Int("force_buffer", forceBuffer),
	}
	logger.Infow("Starting scale up action.", contextFields)
	defer logger.Infow("Finished scale up action.", contextFields)

	unlock := s.scalingLocks.lock(pairKey(region, imageID))
	defer unlock()

	delta, image, err := s.computeDelta(ctx, region, imageID)
	if err != nil {
		return nil, err
	}

	instancesToScale := delta
	if forceBuffer > 0 {
		instancesToScale = forceBuffer
	}
	if instancesToScale <= 0 {
		logger.Infow(utils.Sprintf("Not scaling up, scaling delta is %d.", delta), contextFields)
		return nil, nil
	}
	if image == nil {
		return nil, utils.MakeError("image %s is not registered in %s: %w", imageID, region, dbclient.ErrImageNotFound)
	}

	return s.launchHosts(ctx, *image, instancesToScale, contextFields)
}

// launchHosts launches n instances of image and registers each one on the
// database as soon as the cloud provider accepts it. Launches that fail for
// lack of capacity are retried until the retry budget runs out.
func (s *DefaultScalingAlgorithm) launchHosts(ctx context.Context, image dbclient.Image, n int, contextFields []interface{}) ([]dbclient.Host, error) {
	instanceType := s.Config.AWSInstanceType
	capacity := helpers.InstanceCapacity(instanceType)
	baseName := utils.Sprintf("ec2-%s-%s", image.Region, shortuuid.New())

	pending := make([]int, n)
	for i := range pending {
		pending[i] = i
	}

	var launched []dbclient.Host
	var maxRetries int
	if s.launchRetryInterval > 0 {
		maxRetries = int(s.launchRetryBudget / s.launchRetryInterval)
	}

	for attempt := 0; ; attempt++ {
		var failed []int
		for _, i := range pending {
			name := utils.Sprintf("%s-%d", baseName, i)
			cloudID, err := s.Host.Launch(ctx, types.PlacementRegion(image.Region), types.ImageID(image.ImageID), types.InstanceType(instanceType), types.InstanceName(name))
			if errors.Is(err, hosts.ErrInsufficientCapacity) {
				metrics.Launches.WithLabelValues(image.Region, "insufficient_capacity").Inc()
				failed = append(failed, i)
				continue
			}
			if err != nil {
				metrics.Launches.WithLabelValues(image.Region, "error").Inc()
				return launched, utils.MakeError("failed to launch instance %s: %w", name, err)
			}
			metrics.Launches.WithLabelValues(image.Region, "ok").Inc()

			nowMs := s.now().UnixMilli()
			host := dbclient.Host{
				Name:              name,
				CloudID:           string(cloudID),
				Region:            image.Region,
				ImageID:           image.ImageID,
				CommitHash:        image.CommitHash,
				InstanceType:      instanceType,
				IP:                "",
				Capacity:          capacity,
				Status:            dbclient.HostStatusPreConnection,
				CreatedAtMs:       nowMs,
				LastHeartbeatMs:   -1,
				StatusChangedAtMs: nowMs,
			}
			if err := s.DBClient.InsertHost(ctx, host); err != nil {
				return launched, utils.MakeError("failed to insert host %s into database: %w", name, err)
			}
			logger.Infow(utils.Sprintf("Launched host %s with instance id %s.", name, cloudID), contextFields)
			launched = append(launched, host)
		}

		if len(failed) == 0 {
			return launched, nil
		}
		if attempt >= maxRetries {
			return launched, utils.MakeError("could not launch %d of %d instances after %v: %w", len(failed), n, s.launchRetryBudget, hosts.ErrInsufficientCapacity)
		}

		logger.Warningw(utils.Sprintf("Insufficient capacity for %d instances, retrying in %v.", len(failed), s.launchRetryInterval), contextFields)
		if err := utils.SleepWithContext(ctx, s.launchRetryInterval); err != nil {
			return launched, utils.MakeError("launch retry cancelled: %w", err)
		}
		pending = failed
	}
}

// ScaleDownIfNecessary drains empty hosts of the given image when there is
// more free capacity than desired. Every empty host of an image which is no
// longer active is drained, unless its image is protected from scale down.
func (s *DefaultScalingAlgorithm) ScaleDownIfNecessary(ctx context.Context, region, imageID string) error {
	contextFields := []interface{}{
		zap.String("region", region),
		zap.String("image_id", imageID),
	}
	logger.Infow("Starting scale down action.", contextFields)
	defer logger.Infow("Finished scale down action.", contextFields)

	unlock := s.scalingLocks.lock(pairKey(region, imageID))
	defer unlock()

	delta, image, err := s.computeDelta(ctx, region, imageID)
	if err != nil {
		return err
	}
	if delta >= 0 {
		logger.Infow(utils.Sprintf("Not scaling down, scaling delta is %d.", delta), contextFields)
		return nil
	}
	if image != nil && image.ScaleDownProtected {
		logger.Infow("Not scaling down, image is protected from scale down.", contextFields)
		return nil
	}

	limit := -delta
	if delta == NegativeInfinity {
		limit = 0
	}
	emptyHosts, err := s.DBClient.ListEmptyHosts(ctx, region, imageID, limit)
	if err != nil {
		return utils.MakeError("failed to list empty hosts: %w", err)
	}
	if len(emptyHosts) == 0 {
		logger.Infow("There are no empty hosts to scale down.", contextFields)
		return nil
	}

	logger.Infow(utils.Sprintf("Scaling down %d empty hosts.", len(emptyHosts)), contextFields)

	var result *multierror.Error
	for _, host := range emptyHosts {
		if err := s.drainIfEmpty(ctx, host.Name); err != nil {
			result = multierror.Append(result, err)
		}
	}
	return result.ErrorOrNil()
}

// drainIfEmpty locks the host and drains it only if it is still ACTIVE with
// no mandelboxes, since a user could have been placed on it after listing.
func (s *DefaultScalingAlgorithm) drainIfEmpty(ctx context.Context, hostName string) error {
	tx, err := s.DBClient.BeginTx(ctx)
	if err != nil {
		return utils.MakeError("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	host, err := tx.LockHost(ctx, hostName)
	if errors.Is(err, dbclient.ErrHostNotFound) {
		return nil
	}
	if err != nil {
		return utils.MakeError("failed to lock host %s: %w", hostName, err)
	}

	count, err := tx.CountMandelboxes(ctx, hostName)
	if err != nil {
		return utils.MakeError("failed to count mandelboxes on host %s: %w", hostName, err)
	}
	if host.Status != dbclient.HostStatusActive || count > 0 {
		logger.Infof("Not scaling down host %s: status %s with %d mandelboxes.", hostName, host.Status, count)
		return nil
	}
	host.AssignedCount = count

	return s.drainLocked(ctx, tx, host)
}
