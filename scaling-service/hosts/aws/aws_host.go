// Package aws implements the hosts.HostHandler interface on top of EC2.
package aws // import "github.com/whisthq/whist/backend/fleet/scaling-service/hosts/aws"

import (
	"context"
	"errors"
	"sync"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/ec2"
	ec2Types "github.com/aws/aws-sdk-go-v2/service/ec2/types"
	"github.com/aws/smithy-go"
	"go.uber.org/zap"

	"github.com/whisthq/whist/backend/fleet/scaling-service/hosts"
	"github.com/whisthq/whist/backend/fleet/types"
	"github.com/whisthq/whist/backend/fleet/utils"
	logger "github.com/whisthq/whist/backend/fleet/whistlogger"
)

// ec2API is the subset of the EC2 client the driver uses.
type ec2API interface {
	RunInstances(context.Context, *ec2.RunInstancesInput, ...func(*ec2.Options)) (*ec2.RunInstancesOutput, error)
	CreateTags(context.Context, *ec2.CreateTagsInput, ...func(*ec2.Options)) (*ec2.CreateTagsOutput, error)
	TerminateInstances(context.Context, *ec2.TerminateInstancesInput, ...func(*ec2.Options)) (*ec2.TerminateInstancesOutput, error)
	DescribeInstances(context.Context, *ec2.DescribeInstancesInput, ...func(*ec2.Options)) (*ec2.DescribeInstancesOutput, error)
}

// AWSHost manages instances on EC2. It keeps one client per region, created
// the first time the region is used.
type AWSHost struct {
	mu        sync.Mutex
	clients   map[types.PlacementRegion]ec2API
	newClient func(ctx context.Context, region types.PlacementRegion) (ec2API, error)
}

// NewAWSHost returns a driver that loads the default AWS SDK configuration
// (environment variables, shared config files or instance roles).
func NewAWSHost() *AWSHost {
	return newAWSHost(func(ctx context.Context, region types.PlacementRegion) (ec2API, error) {
		// Initialize general AWS config on the selected region
		cfg, err := config.LoadDefaultConfig(ctx, config.WithRegion(string(region)))
		if err != nil {
			return nil, utils.MakeError("unable to load AWS SDK config: %s", err)
		}
		return ec2.NewFromConfig(cfg), nil
	})
}

func newAWSHost(newClient func(context.Context, types.PlacementRegion) (ec2API, error)) *AWSHost {
	return &AWSHost{
		clients:   make(map[types.PlacementRegion]ec2API),
		newClient: newClient,
	}
}

func (host *AWSHost) client(ctx context.Context, region types.PlacementRegion) (ec2API, error) {
	host.mu.Lock()
	defer host.mu.Unlock()

	if c, ok := host.clients[region]; ok {
		return c, nil
	}

	c, err := host.newClient(ctx, region)
	if err != nil {
		return nil, err
	}
	host.clients[region] = c
	return c, nil
}

// Launch starts a single instance with the given image and tags it with its name.
func (host *AWSHost) Launch(ctx context.Context, region types.PlacementRegion, imageID types.ImageID, instanceType types.InstanceType, name types.InstanceName) (types.InstanceID, error) {
	ctx, cancel := context.WithTimeout(ctx, launchTimeout)
	defer cancel()

	contextFields := []interface{}{
		zap.String("region", string(region)),
		zap.String("image_id", string(imageID)),
		zap.String("instance_name", string(name)),
	}

	client, err := host.client(ctx, region)
	if err != nil {
		return "", err
	}

	input := &ec2.RunInstancesInput{
		MinCount:                          aws.Int32(minInstanceCount),
		MaxCount:                          aws.Int32(maxInstanceCount),
		ImageId:                           aws.String(string(imageID)),
		InstanceInitiatedShutdownBehavior: ec2Types.ShutdownBehaviorTerminate,
		InstanceType:                      ec2Types.InstanceType(instanceType),
	}

	result, err := client.RunInstances(ctx, input)
	if err != nil {
		if isInsufficientCapacity(err) {
			return "", utils.MakeError("%w: couldn't launch %s in %s: %s", hosts.ErrInsufficientCapacity, instanceType, region, err)
		}
		return "", utils.MakeError("error creating instance %s in %s: %s", name, region, err)
	}
	if len(result.Instances) == 0 || result.Instances[0].InstanceId == nil {
		return "", utils.MakeError("launch of %s in %s returned no instances", name, region)
	}
	id := types.InstanceID(aws.ToString(result.Instances[0].InstanceId))

	tagCtx, tagCancel := context.WithTimeout(ctx, cloudCallTimeout)
	defer tagCancel()

	_, err = client.CreateTags(tagCtx, &ec2.CreateTagsInput{
		Resources: []string{string(id)},
		Tags: []ec2Types.Tag{
			{
				Key:   aws.String("Name"),
				Value: aws.String(string(name)),
			},
		},
	})
	if err != nil {
		// The instance is already running, so a missing tag shouldn't make
		// us lose track of it.
		logger.Warningw(utils.Sprintf("Failed to tag instance %s: %s", id, err), contextFields)
	}

	logger.Infow(utils.Sprintf("Created instance %s with ID %s", name, id), contextFields)
	return id, nil
}

// Stop terminates the given instances. Instances that EC2 doesn't know about
// are reported as ABSENT.
func (host *AWSHost) Stop(ctx context.Context, region types.PlacementRegion, ids []types.InstanceID) (map[types.InstanceID]hosts.InstanceState, error) {
	states := make(map[types.InstanceID]hosts.InstanceState, len(ids))
	if len(ids) == 0 {
		return states, nil
	}

	client, err := host.client(ctx, region)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithTimeout(ctx, cloudCallTimeout)
	defer cancel()

	output, err := client.TerminateInstances(ctx, &ec2.TerminateInstancesInput{
		InstanceIds: toStrings(ids),
	})
	if err != nil {
		if !hasErrorCode(err, instanceNotFoundCode) {
			return nil, utils.MakeError("error terminating instances %v in %s: %s", ids, region, err)
		}
		if len(ids) == 1 {
			states[ids[0]] = hosts.InstanceStateAbsent
			return states, nil
		}

		// A single unknown id fails the whole request, so terminate the
		// instances one by one instead.
		for _, id := range ids {
			single, err := host.Stop(ctx, region, []types.InstanceID{id})
			if err != nil {
				return nil, err
			}
			states[id] = single[id]
		}
		return states, nil
	}

	for _, change := range output.TerminatingInstances {
		id := types.InstanceID(aws.ToString(change.InstanceId))
		if change.CurrentState != nil {
			states[id] = fromEC2State(change.CurrentState.Name)
		}
	}
	for _, id := range ids {
		if _, ok := states[id]; !ok {
			states[id] = hosts.InstanceStateAbsent
		}
	}

	logger.Infof("Terminated instances %v in %s: %v", ids, region, states)
	return states, nil
}

// GetStates describes the given instances. Unknown ids are ABSENT.
func (host *AWSHost) GetStates(ctx context.Context, region types.PlacementRegion, ids []types.InstanceID) ([]hosts.InstanceState, error) {
	if len(ids) == 0 {
		return nil, nil
	}

	client, err := host.client(ctx, region)
	if err != nil {
		return nil, err
	}

	callCtx, cancel := context.WithTimeout(ctx, cloudCallTimeout)
	defer cancel()

	output, err := client.DescribeInstances(callCtx, &ec2.DescribeInstancesInput{
		InstanceIds: toStrings(ids),
	})
	if err != nil {
		if !hasErrorCode(err, instanceNotFoundCode) {
			return nil, utils.MakeError("error describing instances %v in %s: %s", ids, region, err)
		}
		if len(ids) == 1 {
			return []hosts.InstanceState{hosts.InstanceStateAbsent}, nil
		}

		states := make([]hosts.InstanceState, 0, len(ids))
		for _, id := range ids {
			single, err := host.GetStates(ctx, region, []types.InstanceID{id})
			if err != nil {
				return nil, err
			}
			states = append(states, single[0])
		}
		return states, nil
	}

	found := make(map[types.InstanceID]hosts.InstanceState)
	for _, reservation := range output.Reservations {
		for _, instance := range reservation.Instances {
			if instance.State != nil {
				found[types.InstanceID(aws.ToString(instance.InstanceId))] = fromEC2State(instance.State.Name)
			}
		}
	}

	states := make([]hosts.InstanceState, 0, len(ids))
	for _, id := range ids {
		state, ok := found[id]
		if !ok {
			state = hosts.InstanceStateAbsent
		}
		states = append(states, state)
	}
	return states, nil
}

// Exists returns true unless the instance is stopped, terminated or unknown.
func (host *AWSHost) Exists(ctx context.Context, region types.PlacementRegion, id types.InstanceID) (bool, error) {
	states, err := host.GetStates(ctx, region, []types.InstanceID{id})
	if err != nil {
		return false, err
	}
	return !states[0].IsGone(), nil
}

func fromEC2State(name ec2Types.InstanceStateName) hosts.InstanceState {
	switch name {
	case ec2Types.InstanceStateNamePending:
		return hosts.InstanceStatePending
	case ec2Types.InstanceStateNameRunning:
		return hosts.InstanceStateRunning
	case ec2Types.InstanceStateNameShuttingDown, ec2Types.InstanceStateNameStopping:
		return hosts.InstanceStateStopping
	case ec2Types.InstanceStateNameStopped:
		return hosts.InstanceStateStopped
	case ec2Types.InstanceStateNameTerminated:
		return hosts.InstanceStateTerminated
	default:
		return hosts.InstanceStateAbsent
	}
}

func isInsufficientCapacity(err error) bool {
	for _, code := range insufficientCapacityCodes {
		if hasErrorCode(err, code) {
			return true
		}
	}
	return false
}

func hasErrorCode(err error, code string) bool {
	var apiErr smithy.APIError
	return errors.As(err, &apiErr) && apiErr.ErrorCode() == code
}

func toStrings(ids []types.InstanceID) []string {
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		out = append(out, string(id))
	}
	return out
}

var _ hosts.HostHandler = (*AWSHost)(nil)
