package scaling_algorithms

import (
	"context"
	"errors"
	"time"

	hashicorp "github.com/hashicorp/go-version"
	"github.com/whisthq/whist/backend/fleet/constants"
	"github.com/whisthq/whist/backend/fleet/scaling-service/dbclient"
	"github.com/whisthq/whist/backend/fleet/scaling-service/metrics"
	"github.com/whisthq/whist/backend/fleet/scaling-service/scaling_algorithms/helpers"
	"github.com/whisthq/whist/backend/fleet/utils"
	logger "github.com/whisthq/whist/backend/fleet/whistlogger"
	"go.uber.org/zap"
)

// MandelboxAssign is the action responsible for assigning a mandelbox to a
// user, and for scaling as necessary to satisfy demand. Failures are
// returned as a *PlacementError.
func (s *DefaultScalingAlgorithm) MandelboxAssign(ctx context.Context, req AssignRequest) (AssignResult, error) {
	// Note: we receive the email from the client, so its value should
	// not be trusted for anything else other than logging since
	// it can be spoofed.
	unsafeEmail := utils.SanitizeEmail(req.UserEmail)

	contextFields := []interface{}{
		zap.String("region", req.Region),
		zap.String("commit_hash", req.CommitHash),
		zap.String("user_id", string(req.UserID)),
		zap.String("user", unsafeEmail),
	}
	logger.Infow("Starting mandelbox assign action.", contextFields)
	defer logger.Infow("Finished mandelbox assign action.", contextFields)

	if !s.Config.IsRegionEnabled(req.Region) {
		return s.placementFailed(RegionNotEnabled, utils.MakeError("region %s is not enabled, enabled regions are %s", req.Region, utils.PrintSlice(s.Config.EnabledRegions, 3)), contextFields)
	}

	if s.Config.DenyConcurrentSessions {
		active, err := s.DBClient.UserHasActiveMandelbox(ctx, req.UserID)
		if err != nil {
			return s.placementFailed(ServiceUnavailable, utils.MakeError("failed to check for existing mandelboxes: %w", err), contextFields)
		}
		if active {
			return s.placementFailed(UserAlreadyActive, utils.MakeError("user %s already has a mandelbox allocated", req.UserID), contextFields)
		}
	}

	// This condition is to accommodate the workflow for developers of the
	// Whist frontend to test their changes without needing to update the
	// database with commit hashes on their local machines.
	if s.allowDevOverride && req.CommitHash == constants.ClientCommitHashDevOverride {
		image, err := s.DBClient.QueryActiveImage(ctx, req.Region)
		if err == nil {
			logger.Infow(utils.Sprintf("Replacing dev commit hash with %s.", image.CommitHash), contextFields)
			req.CommitHash = image.CommitHash
		} else if !errors.Is(err, dbclient.ErrImageNotFound) {
			return s.placementFailed(ServiceUnavailable, utils.MakeError("failed to query active image: %w", err), contextFields)
		}
	}

	start := time.Now()
	result, err := s.placeMandelbox(ctx, req)
	metrics.PlacementLatency.Observe(time.Since(start).Seconds())

	if err == nil {
		metrics.Placements.WithLabelValues("OK").Inc()
		logger.Infow(utils.Sprintf("Assigned mandelbox %s on host %s.", result.MandelboxID, result.HostName), contextFields)
		return result, nil
	}

	code := placementCode(err)
	switch code {
	case NoHost, CommitMismatch:
		if code == CommitMismatch {
			s.logClientVersion(req.Version, contextFields)
		}
		s.enqueueActiveImageScaleUp(ctx, req.Region)
	}

	return s.placementFailed(code, err, contextFields)
}

// placeMandelbox finds the best host for the request and reserves a slot on
// it, in a single transaction which is retried once on lock contention.
func (s *DefaultScalingAlgorithm) placeMandelbox(ctx context.Context, req AssignRequest) (AssignResult, error) {
	var result AssignResult
	var chosen dbclient.Host

	err := dbclient.RetryOnce(ctx, s.storeRetryBackoff, func(ctx context.Context) error {
		tx, err := s.DBClient.BeginTx(ctx)
		if err != nil {
			return err
		}
		defer tx.Rollback(ctx)

		host, err := tx.FindCandidateHost(ctx, req.Region, req.CommitHash, helpers.BundledRegions(req.Region))
		if err != nil {
			return err
		}

		id, err := tx.InsertMandelbox(ctx, host.Name, req.UserID)
		if err != nil {
			return err
		}

		if err := tx.Commit(ctx); err != nil {
			return err
		}

		chosen = host
		result = AssignResult{
			HostName:    host.Name,
			IP:          host.IP,
			MandelboxID: id,
		}
		return nil
	})
	if err != nil {
		return AssignResult{}, err
	}

	// The host just lost a slot, check whether its image needs more hosts.
	s.enqueueScaleUp(chosen.Region, chosen.ImageID)
	return result, nil
}

// placementCode maps a placement error to the code sent to the client.
func placementCode(err error) PlacementErrorCode {
	switch {
	case errors.Is(err, dbclient.ErrNoHost):
		return NoHost
	case errors.Is(err, dbclient.ErrCommitMismatch):
		return CommitMismatch
	case errors.Is(err, dbclient.ErrLockTimeout), errors.Is(err, dbclient.ErrHostUnavailable):
		return LockTimeout
	default:
		return ServiceUnavailable
	}
}

func (s *DefaultScalingAlgorithm) placementFailed(code PlacementErrorCode, err error, contextFields []interface{}) (AssignResult, error) {
	metrics.Placements.WithLabelValues(string(code)).Inc()

	fields := append(contextFields, zap.String("error_code", string(code)), zap.Error(err))
	if errors.Is(err, dbclient.ErrInvariantViolation) {
		logger.Errorw("Invariant violation while assigning a mandelbox.", fields)
	} else if code == ServiceUnavailable {
		logger.Errorw("Failed to assign a mandelbox.", fields)
	} else {
		logger.Warningw("Could not assign a mandelbox.", fields)
	}

	return AssignResult{}, &PlacementError{Code: code, Err: err}
}

// enqueueActiveImageScaleUp asks for more capacity of the active image of a
// region after a request couldn't be placed there.
func (s *DefaultScalingAlgorithm) enqueueActiveImageScaleUp(ctx context.Context, region string) {
	image, err := s.DBClient.QueryActiveImage(ctx, region)
	if err != nil {
		logger.Warningf("Not scaling up %s, failed to query its active image: %s", region, err)
		return
	}
	s.enqueueScaleUp(region, image.ImageID)
}

// logClientVersion reports whether a client that got a commit mismatch is
// older than the current frontend version.
func (s *DefaultScalingAlgorithm) logClientVersion(clientVersion string, contextFields []interface{}) {
	if clientVersion == "" || s.Config.FrontendVersion == "" {
		return
	}

	client, err := hashicorp.NewVersion(clientVersion)
	if err != nil {
		logger.Warningf("Failed to parse client version %s: %s", clientVersion, err)
		return
	}
	current, err := hashicorp.NewVersion(s.Config.FrontendVersion)
	if err != nil {
		logger.Warningf("Failed to parse frontend version %s: %s", s.Config.FrontendVersion, err)
		return
	}

	if client.LessThan(current) {
		logger.Infow(utils.Sprintf("Client version %s is older than %s, the user should update.", client, current), contextFields)
	} else {
		logger.Warningw(utils.Sprintf("Client version %s is not older than %s but its commit hash has no hosts.", client, current), contextFields)
	}
}
