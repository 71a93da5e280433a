package scaling_algorithms

import (
	"context"
	"sort"
	"sync"

	"github.com/hashicorp/go-multierror"
	"github.com/whisthq/whist/backend/fleet/scaling-service/dbclient"
	"github.com/whisthq/whist/backend/fleet/utils"
	logger "github.com/whisthq/whist/backend/fleet/whistlogger"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// UpgradeImage is a scaling action which runs when a new version is deployed.
// It registers the new images, starts a buffer of hosts with them in every
// region, drains the hosts running any other image in those regions, and
// finally makes the new images the active ones. If anything fails before
// the flip, the new hosts are drained and the new images forgotten, so the
// previous images keep serving users.
func (s *DefaultScalingAlgorithm) UpgradeImage(ctx context.Context, req RolloutRequest) error {
	contextFields := []interface{}{
		zap.String("commit_hash", req.CommitHash),
		zap.Any("region_images", req.RegionImages),
	}
	logger.Infow("Starting upgrade image action.", contextFields)
	defer logger.Infow("Finished upgrade image action.", contextFields)

	if err := validateRollout(req); err != nil {
		return err
	}
	if !s.rolloutRunning.CompareAndSwap(false, true) {
		return ErrRolloutInProgress
	}
	defer s.rolloutRunning.Store(false)

	regions := rolloutRegions(req)

	var newImages []dbclient.Image
	var newImageIDs []string
	for _, region := range regions {
		imageID := req.RegionImages[region]
		newImages = append(newImages, dbclient.Image{
			Region:     region,
			ImageID:    imageID,
			CommitHash: req.CommitHash,
			// Protect the new hosts from the reaper until the flip.
			Active:             false,
			ScaleDownProtected: true,
		})
		newImageIDs = append(newImageIDs, imageID)
	}

	if err := s.DBClient.InsertImages(ctx, newImages); err != nil {
		return utils.MakeError("failed to insert new images: %w", err)
	}
	logger.Infow(utils.Sprintf("Inserted %d new images, creating instance buffers.", len(newImages)), contextFields)

	var (
		launchedLock sync.Mutex
		launched     []dbclient.Host
	)

	g, gctx := errgroup.WithContext(ctx)
	for _, image := range newImages {
		image := image
		g.Go(func() error {
			hosts, err := s.ScaleUpIfNecessary(gctx, image.Region, image.ImageID, s.Config.DefaultInstanceBuffer)

			launchedLock.Lock()
			launched = append(launched, hosts...)
			launchedLock.Unlock()

			if err != nil {
				return utils.MakeError("failed to create instance buffer in %s: %w", image.Region, err)
			}
			return s.waitForActiveHosts(gctx, image.Region, hosts)
		})
	}

	if err := g.Wait(); err != nil {
		return s.abortRollout(ctx, newImages, launched, err)
	}

	if err := s.drainPreviousHosts(ctx, regions, newImageIDs); err != nil {
		return s.abortRollout(ctx, newImages, launched, err)
	}

	if err := s.DBClient.ActivateImages(ctx, newImages); err != nil {
		return s.abortRollout(ctx, newImages, launched, utils.MakeError("failed to activate new images: %w", err))
	}

	logger.Infow("Activated new images.", contextFields)
	return nil
}

// validateRollout checks that req names a commit and an image for each of
// its regions.
func validateRollout(req RolloutRequest) error {
	if req.CommitHash == "" || len(req.RegionImages) == 0 {
		return utils.MakeError("%w: it needs a commit hash and at least one region image", ErrInvalidRollout)
	}
	for region, imageID := range req.RegionImages {
		if region == "" || imageID == "" {
			return utils.MakeError("%w: empty image id for region %q", ErrInvalidRollout, region)
		}
	}
	return nil
}

// rolloutRegions returns the regions of req in a stable order.
func rolloutRegions(req RolloutRequest) []string {
	regions := make([]string, 0, len(req.RegionImages))
	for region := range req.RegionImages {
		regions = append(regions, region)
	}
	sort.Strings(regions)
	return regions
}

// EnqueueRollout validates req and queues it on the event loop, which runs
// it with UpgradeImage. It returns the id of the queued event.
func (s *DefaultScalingAlgorithm) EnqueueRollout(req RolloutRequest) (string, error) {
	if err := validateRollout(req); err != nil {
		return "", err
	}
	if s.rolloutRunning.Load() {
		return "", ErrRolloutInProgress
	}

	event := ScalingEvent{
		ID:   newEventID(),
		Type: RolloutEvent,
		Data: req,
	}
	select {
	case s.ScalingEventChan <- event:
	default:
		return "", ErrEventQueueFull
	}

	logger.Infow("Queued rollout.", []interface{}{
		zap.String("event_id", event.ID),
		zap.String("commit_hash", req.CommitHash),
		zap.Any("region_images", req.RegionImages),
	})
	return event.ID, nil
}

// drainPreviousHosts marks every host of the given regions that is not on
// one of the new images as draining in a single transaction, then shuts
// them down.
func (s *DefaultScalingAlgorithm) drainPreviousHosts(ctx context.Context, regions, newImageIDs []string) error {
	tx, err := s.DBClient.BeginTx(ctx)
	if err != nil {
		return utils.MakeError("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	previous, err := tx.LockHostsNotOnImages(ctx, regions, newImageIDs, []dbclient.HostStatus{dbclient.HostStatusActive, dbclient.HostStatusPreConnection})
	if err != nil {
		return utils.MakeError("failed to lock hosts with previous images: %w", err)
	}

	for _, host := range previous {
		if err := tx.UpdateHostStatus(ctx, host.Name, dbclient.HostStatusDraining); err != nil {
			return utils.MakeError("failed to mark host %s as draining: %w", host.Name, err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return utils.MakeError("failed to commit draining of previous hosts: %w", err)
	}
	logger.Infof("Marked %d hosts with previous images as draining.", len(previous))

	// Failures from here on only leave hosts behind for the reaper, they
	// don't undo the rollout.
	var result *multierror.Error
	for _, host := range previous {
		if host.Status == dbclient.HostStatusPreConnection || host.IP == "" {
			err = s.terminate(ctx, host)
		} else {
			err = s.notifyAgent(ctx, host)
		}
		if err != nil {
			result = multierror.Append(result, err)
		}
	}
	if err := result.ErrorOrNil(); err != nil {
		logger.Warningf("Some hosts with previous images could not be shut down: %s", err)
	}
	return nil
}

// abortRollout undoes a failed rollout and returns its error, along with
// any errors from the cleanup.
func (s *DefaultScalingAlgorithm) abortRollout(ctx context.Context, newImages []dbclient.Image, launched []dbclient.Host, cause error) error {
	logger.Errorf("Rollout failed, draining %d new hosts and removing new images: %s", len(launched), cause)

	result := multierror.Append(nil, cause)
	for _, host := range launched {
		if err := s.Drain(ctx, host.Name); err != nil {
			result = multierror.Append(result, err)
		}
	}
	if err := s.DBClient.DeleteImages(ctx, newImages); err != nil {
		result = multierror.Append(result, utils.MakeError("failed to delete new images: %w", err))
	}
	return result.ErrorOrNil()
}
