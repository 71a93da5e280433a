// Copyright (c) 2022 Whist Technologies, Inc.

// The scaling service places mandelboxes on hosts and keeps each region's
// fleet sized to the demand. It serves the admission API, reaps the fleet
// periodically and runs image rollouts requested on /rollout. With
// -rollout-manifest it also queues a rollout as soon as it is up, and with
// -reap-once it runs a single reaper pass and exits.
package main

import (
	"context"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/whisthq/whist/backend/fleet/auth"
	"github.com/whisthq/whist/backend/fleet/metadata"
	"github.com/whisthq/whist/backend/fleet/scaling-service/config"
	"github.com/whisthq/whist/backend/fleet/scaling-service/dbclient"
	"github.com/whisthq/whist/backend/fleet/scaling-service/dbclient/memdb"
	"github.com/whisthq/whist/backend/fleet/scaling-service/hostagent"
	"github.com/whisthq/whist/backend/fleet/scaling-service/hosts"
	"github.com/whisthq/whist/backend/fleet/scaling-service/hosts/aws"
	"github.com/whisthq/whist/backend/fleet/scaling-service/hosts/local"
	algos "github.com/whisthq/whist/backend/fleet/scaling-service/scaling_algorithms/default"
	"github.com/whisthq/whist/backend/fleet/types"
	"github.com/whisthq/whist/backend/fleet/utils"
	logger "github.com/whisthq/whist/backend/fleet/whistlogger"
)

// localHeartbeatInterval is how often the fake local agent reports in.
const localHeartbeatInterval = 5 * time.Second

func main() {
	os.Exit(run())
}

// run is the body of main. It returns the exit code so that deferred calls
// (flushing logs in particular) run before the process exits.
func run() int {
	// Flush Sentry and logz.io before exiting.
	defer logger.Close()

	cfg, err := config.Load(os.Args[1:])
	if err != nil {
		logger.Errorf("Failed to load configuration: %s", err)
		return 2
	}

	globalCtx, globalCancel := context.WithCancel(context.Background())
	goroutineTracker := &sync.WaitGroup{}
	defer goroutineTracker.Wait()
	defer globalCancel()

	logger.Infow("Starting scaling service", []interface{}{
		zap.String("environment", metadata.GetAppEnvironmentLowercase()),
		zap.String("commit", metadata.GetGitCommit()),
		zap.Strings("enabled_regions", cfg.EnabledRegions),
	})

	db, err := startStore(globalCtx, goroutineTracker, cfg)
	if err != nil {
		logger.Errorf("Failed to start the database client: %s", err)
		return 1
	}

	var (
		host  hosts.HostHandler
		agent hostagent.Agent
	)
	if metadata.IsLocalEnv() {
		localHost := local.NewLocalHost()
		host, agent = localHost, localHost
		startLocalHeartbeats(globalCtx, goroutineTracker, localHost, db)
	} else {
		host = aws.NewAWSHost()
		agent = hostagent.NewClient(cfg.HostServicePort, cfg.HostServiceAuthToken, cfg.AgentTimeout())
	}

	algorithm := algos.NewDefaultScalingAlgorithm(host, db, agent, cfg)
	algorithm.CreateEventChans()
	algorithm.ProcessEvents(globalCtx, goroutineTracker)
	reaper := algos.NewReaper(algorithm, cfg.ReaperPeriod())

	if cfg.Mode.ReapOnce {
		if err := reaper.RunOnce(globalCtx); err != nil {
			logger.Errorf("Reaper run failed: %s", err)
			return 1
		}
		return 0
	}

	var verifier tokenVerifier
	if !metadata.IsLocalEnv() {
		v, err := auth.NewVerifier(cfg.AuthAudience, cfg.AuthIssuer)
		if err != nil {
			logger.Errorf("Failed to initialize the access token verifier: %s", err)
			return 1
		}
		defer v.Close()
		verifier = v
	}

	if err := reaper.Start(globalCtx); err != nil {
		logger.Errorf("Failed to start the reaper: %s", err)
		return 1
	}
	defer reaper.Stop()

	StartHTTPServer(globalCtx, goroutineTracker, newHTTPServer(algorithm, cfg, verifier))

	if cfg.Mode.RolloutManifest != "" {
		if err := queueRollout(globalCtx, algorithm, cfg.Mode.RolloutManifest, s3Fetch); err != nil {
			logger.Error(err)
			return 1
		}
	}

	// Register a signal handler for Ctrl-C so that we cleanup if Ctrl-C is pressed.
	sigChan := make(chan os.Signal, 2)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM, syscall.SIGINT)

	// Wait for either the global context to get cancelled by a worker goroutine,
	// or for us to receive an interrupt. This needs to be the end of run().
	select {
	case <-sigChan:
		logger.Infof("Got an interrupt or SIGTERM")
	case <-globalCtx.Done():
		logger.Infof("Global context cancelled!")
	}
	return 0
}

// startStore connects to the database, or uses an in-memory store when
// running locally without one.
func startStore(globalCtx context.Context, goroutineTracker *sync.WaitGroup, cfg config.Config) (dbclient.WhistDBClient, error) {
	if metadata.IsLocalEnvWithoutDB() {
		logger.Infof("Running without a database, using the in-memory store.")
		return memdb.New(cfg.HostLockTimeout()), nil
	}

	client, err := dbclient.Initialize(globalCtx, goroutineTracker, cfg.DatabaseURL, cfg.HostLockTimeout())
	if err != nil {
		return nil, err
	}
	if cfg.Mode.SkipMigrations {
		return client, nil
	}
	if err := client.EnsureSchema(globalCtx); err != nil {
		return nil, utils.MakeError("failed to apply the database schema: %w", err)
	}
	return client, nil
}

// startLocalHeartbeats reports heartbeats for the fake local instances, so
// they become ACTIVE like real hosts do.
func startLocalHeartbeats(globalCtx context.Context, goroutineTracker *sync.WaitGroup, localHost *local.LocalHost, db dbclient.WhistDBClient) {
	goroutineTracker.Add(1)
	go func() {
		defer goroutineTracker.Done()
		localHost.SendHeartbeats(globalCtx, localHeartbeatInterval, func(ctx context.Context, name types.InstanceName, ip string) error {
			_, err := db.ApplyHeartbeat(ctx, dbclient.Heartbeat{HostName: string(name), IP: ip})
			return err
		})
	}()
}

// queueRollout loads the manifest at location and queues its rollout on the
// algorithm's event loop, so it runs alongside the scaler and the reaper.
func queueRollout(ctx context.Context, algorithm *algos.DefaultScalingAlgorithm, location string, fetch manifestFetcher) error {
	req, err := loadRolloutManifest(ctx, location, fetch)
	if err != nil {
		return err
	}
	id, err := algorithm.EnqueueRollout(req)
	if err != nil {
		return utils.MakeError("failed to queue rollout of commit %s: %w", req.CommitHash, err)
	}
	logger.Infof("Queued rollout of commit %s as event %s.", req.CommitHash, id)
	return nil
}
