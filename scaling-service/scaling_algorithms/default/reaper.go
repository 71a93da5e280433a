package scaling_algorithms

import (
	"context"
	"sync"
	"time"

	"github.com/go-co-op/gocron"
	"github.com/hashicorp/go-multierror"
	"github.com/whisthq/whist/backend/fleet/scaling-service/metrics"
	"github.com/whisthq/whist/backend/fleet/utils"
	logger "github.com/whisthq/whist/backend/fleet/whistlogger"
)

// Reaper periodically cleans up the fleet: it drains hosts that stopped
// sending heartbeats or never connected, drains hosts running images that
// are no longer active, and scales down every region and image pair.
type Reaper struct {
	algorithm *DefaultScalingAlgorithm
	period    time.Duration

	mu        sync.Mutex
	scheduler *gocron.Scheduler
}

// NewReaper creates a reaper that runs every period. It doesn't start until
// Start is called.
func NewReaper(algorithm *DefaultScalingAlgorithm, period time.Duration) *Reaper {
	return &Reaper{
		algorithm: algorithm,
		period:    period,
	}
}

// Start schedules the reaper. Each run uses ctx, so cancelling it aborts the
// run in progress. A run is skipped if the previous one is still going.
func (r *Reaper) Start(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.scheduler != nil {
		return utils.MakeError("reaper already started")
	}

	s := gocron.NewScheduler(time.UTC)

	// SingletonMode applies to the job Every just created, so it has to be
	// chained after it.
	_, err := s.Every(r.period).SingletonMode().Do(func() {
		if ctx.Err() != nil {
			return
		}
		if err := r.RunOnce(ctx); err != nil {
			logger.Errorf("Reaper run finished with errors: %s", err)
		}
	})
	if err != nil {
		return utils.MakeError("failed to schedule reaper: %w", err)
	}

	s.StartAsync()
	r.scheduler = s
	logger.Infof("Started reaper with a period of %v.", r.period)
	return nil
}

// Stop stops scheduling new runs. It is safe to call more than once.
func (r *Reaper) Stop() {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.scheduler == nil {
		return
	}
	r.scheduler.Stop()
	r.scheduler = nil
	logger.Info("Stopped reaper.")
}

// RunOnce runs every reaper step once. A failing step doesn't stop the
// others, and all the errors are returned together.
func (r *Reaper) RunOnce(ctx context.Context) error {
	s := r.algorithm
	logger.Info("Starting reaper run.")
	defer logger.Info("Finished reaper run.")

	var result *multierror.Error

	// Hosts that lost their agent, never connected, or are stuck draining.
	lingering, err := s.DBClient.ListLingeringHosts(ctx, s.now().UnixMilli())
	if err != nil {
		result = multierror.Append(result, utils.MakeError("failed to list lingering hosts: %w", err))
	}
	for _, host := range lingering {
		logger.Infof("Draining lingering host %s with status %s.", host.Name, host.Status)
		if err := s.Drain(ctx, host.Name); err != nil {
			result = multierror.Append(result, err)
		}
	}

	// Hosts running a commit that no active image uses anymore.
	activeImages, err := s.DBClient.QueryActiveImages(ctx)
	if err != nil {
		result = multierror.Append(result, utils.MakeError("failed to query active images: %w", err))
	} else {
		var activeCommits []string
		for _, image := range activeImages {
			activeCommits = append(activeCommits, image.CommitHash)
		}

		deprecated, err := s.DBClient.ListDeprecatedHosts(ctx, utils.SliceUnique(activeCommits))
		if err != nil {
			result = multierror.Append(result, utils.MakeError("failed to list deprecated hosts: %w", err))
		}
		for _, host := range deprecated {
			logger.Infof("Draining host %s with deprecated commit %s.", host.Name, host.CommitHash)
			if err := s.Drain(ctx, host.Name); err != nil {
				result = multierror.Append(result, err)
			}
		}
	}

	pairs, err := s.DBClient.ListRegionImagePairs(ctx)
	if err != nil {
		result = multierror.Append(result, utils.MakeError("failed to list region and image pairs: %w", err))
	}
	for _, pair := range pairs {
		if err := s.ScaleDownIfNecessary(ctx, pair.Region, pair.ImageID); err != nil {
			result = multierror.Append(result, err)
		}
	}

	err = result.ErrorOrNil()
	if err != nil {
		metrics.ReaperTicks.WithLabelValues("error").Inc()
	} else {
		metrics.ReaperTicks.WithLabelValues("ok").Inc()
	}
	return err
}
