// Package scaling_algorithms implements the placement engine and the fleet
// autoscaler. A DefaultScalingAlgorithm assigns users to hosts, launches and
// drains instances so every active image keeps free capacity, periodically
// reaps stale hosts, and rolls out new images across regions.
//
// All of the shared state lives in the database, but the service is meant to
// run as a single scheduler process. Placement correctness relies on row
// locks, while scaling decisions, reaper runs and rollouts are serialized per
// region and image pair by an in-process lock.
package scaling_algorithms

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/whisthq/whist/backend/fleet/metadata"
	"github.com/whisthq/whist/backend/fleet/scaling-service/config"
	"github.com/whisthq/whist/backend/fleet/scaling-service/dbclient"
	"github.com/whisthq/whist/backend/fleet/scaling-service/hostagent"
	"github.com/whisthq/whist/backend/fleet/scaling-service/hosts"
	"github.com/whisthq/whist/backend/fleet/utils"
	logger "github.com/whisthq/whist/backend/fleet/whistlogger"
	"go.uber.org/zap"
)

// DefaultScalingAlgorithm holds the dependencies shared by all scaling
// actions. Every region is handled by the same algorithm.
type DefaultScalingAlgorithm struct {
	Host             hosts.HostHandler
	DBClient         dbclient.WhistDBClient
	Agent            hostagent.Agent
	Config           config.Config
	ScalingEventChan chan ScalingEvent

	scalingLocks *keyedMutex
	now          func() time.Time
	// allowDevOverride lets clients send the "local_dev" commit hash.
	allowDevOverride bool
	// rolloutRunning is set while UpgradeImage runs, so rollouts don't overlap.
	rolloutRunning atomic.Bool

	// Timings, copied from the config so tests can shorten them.
	launchRetryInterval time.Duration
	launchRetryBudget   time.Duration
	rolloutReadyTimeout time.Duration
	rolloutPollInterval time.Duration
	storeRetryBackoff   time.Duration
}

// NewDefaultScalingAlgorithm creates an algorithm that launches instances
// through host, stores its state with db and drains hosts through agent.
func NewDefaultScalingAlgorithm(host hosts.HostHandler, db dbclient.WhistDBClient, agent hostagent.Agent, cfg config.Config) *DefaultScalingAlgorithm {
	s := &DefaultScalingAlgorithm{
		Host:                host,
		DBClient:            db,
		Agent:               agent,
		Config:              cfg,
		scalingLocks:        newKeyedMutex(),
		now:                 time.Now,
		allowDevOverride:    metadata.IsDevelopmentEnv(),
		launchRetryInterval: cfg.LaunchRetryInterval(),
		launchRetryBudget:   cfg.LaunchRetryBudget(),
		rolloutReadyTimeout: cfg.RolloutReadyTimeout(),
		rolloutPollInterval: cfg.RolloutPollInterval(),
		storeRetryBackoff:   cfg.StoreRetryBackoff(),
	}
	s.CreateEventChans()
	return s
}

// CreateEventChans creates the event channel if it doesn't already exist.
func (s *DefaultScalingAlgorithm) CreateEventChans() {
	if s.ScalingEventChan == nil {
		s.ScalingEventChan = make(chan ScalingEvent, scalingEventChanSize)
	}
}

// ProcessEvents is the main loop of the scaling algorithm. It receives
// scaling events and runs each one on its own goroutine until the global
// context is cancelled.
func (s *DefaultScalingAlgorithm) ProcessEvents(globalCtx context.Context, goroutineTracker *sync.WaitGroup) {
	goroutineTracker.Add(1)
	go func() {
		defer goroutineTracker.Done()

		for {
			select {
			case event := <-s.ScalingEventChan:
				goroutineTracker.Add(1)
				go func(event ScalingEvent) {
					defer goroutineTracker.Done()
					s.handleEvent(globalCtx, event)
				}(event)
			case <-globalCtx.Done():
				logger.Info("Global context has been cancelled. Exiting from default scaling algorithm event loop...")
				return
			}
		}
	}()
}

func (s *DefaultScalingAlgorithm) handleEvent(ctx context.Context, event ScalingEvent) {
	switch event.Type {
	case ScaleUpEvent, ScaleDownEvent:
		s.handleScalingEvent(ctx, event)
	case RolloutEvent:
		s.handleRolloutEvent(ctx, event)
	default:
		logger.Warningf("Unknown scaling event type %v, ignoring it.", event.Type)
	}
}

func (s *DefaultScalingAlgorithm) handleScalingEvent(ctx context.Context, event ScalingEvent) {
	imageID, ok := event.Data.(string)
	if !ok {
		logger.Errorf("Scaling event %v has no image id, ignoring it.", event.ID)
		return
	}

	var err error
	if event.Type == ScaleUpEvent {
		_, err = s.ScaleUpIfNecessary(ctx, event.Region, imageID, 0)
	} else {
		err = s.ScaleDownIfNecessary(ctx, event.Region, imageID)
	}

	if err != nil {
		logger.Errorw(utils.Sprintf("Failed to process %v", event.Type), []interface{}{
			zap.String("event_id", event.ID),
			zap.String("region", event.Region),
			zap.String("image_id", imageID),
			zap.Error(err),
		})
	}
}

func (s *DefaultScalingAlgorithm) handleRolloutEvent(ctx context.Context, event ScalingEvent) {
	req, ok := event.Data.(RolloutRequest)
	if !ok {
		logger.Errorf("Rollout event %v has no rollout request, ignoring it.", event.ID)
		return
	}

	if err := s.UpgradeImage(ctx, req); err != nil {
		logger.Errorw(utils.Sprintf("Rollout of commit %s failed", req.CommitHash), []interface{}{
			zap.String("event_id", event.ID),
			zap.Error(err),
		})
		return
	}
	logger.Infof("Rollout of commit %s finished.", req.CommitHash)
}

// enqueueScaleUp asks the event loop to re-evaluate the given pair. It never
// blocks: if the channel is full the event is dropped, since the next
// placement or reaper tick will ask again.
func (s *DefaultScalingAlgorithm) enqueueScaleUp(region, imageID string) {
	if imageID == "" {
		return
	}

	event := ScalingEvent{
		ID:     newEventID(),
		Type:   ScaleUpEvent,
		Data:   imageID,
		Region: region,
	}

	select {
	case s.ScalingEventChan <- event:
	default:
		logger.Warningw("Scaling event channel is full, dropping scale up event.", []interface{}{
			zap.String("region", region),
			zap.String("image_id", imageID),
		})
	}
}
