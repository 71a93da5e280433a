// Copyright (c) 2021-2022 Whist Technologies, Inc.

/*
Package dbclient abstracts all interactions with the database for any
scaling algorithm to use. It defines an interface so any consumers of
this package can perform query, update and delete operations without
having to write SQL directly.

Placement and drain decisions need row locks on the host table, so those
operations live on Tx, which wraps a single database transaction.
*/
package dbclient // import "github.com/whisthq/whist/backend/fleet/scaling-service/dbclient"

import (
	"context"
	"sync"
	"time"

	"github.com/jackc/pgconn"
	"github.com/jackc/pgx/v4"
	"github.com/jackc/pgx/v4/pgxpool"

	"github.com/whisthq/whist/backend/fleet/types"
	"github.com/whisthq/whist/backend/fleet/utils"
	logger "github.com/whisthq/whist/backend/fleet/whistlogger"
)

// WhistDBClient is an interface that abstracts all interactions with
// the database, it includes query, insert, update and delete methods for
// the `whist.host`, `whist.image` and `whist.mandelbox` tables. By
// abstracting the methods we can easily test and mock the scaling algorithm actions.
type WhistDBClient interface {
	// BeginTx starts a READ COMMITTED transaction whose row lock waits are
	// bounded by the configured lock timeout.
	BeginTx(context.Context) (Tx, error)

	QueryHost(context.Context, string) (Host, error)
	InsertHost(context.Context, Host) error
	DeleteHost(context.Context, string) error
	UpdateHostStatus(context.Context, string, HostStatus) error
	CountHosts(context.Context, string, string) (HostCounts, error)
	ListEmptyHosts(context.Context, string, string, int) ([]Host, error)
	ListDeprecatedHosts(context.Context, []string) ([]Host, error)
	ListLingeringHosts(context.Context, int64) ([]Host, error)
	ListRegionImagePairs(context.Context) ([]RegionImagePair, error)

	QueryImage(context.Context, string, string) (Image, error)
	QueryActiveImage(context.Context, string) (Image, error)
	QueryActiveImages(context.Context) ([]Image, error)
	QueryActiveRegions(context.Context) ([]string, error)
	InsertImages(context.Context, []Image) error
	ActivateImages(context.Context, []Image) error
	DeleteImages(context.Context, []Image) error

	ApplyHeartbeat(context.Context, Heartbeat) (HostStatus, error)
	UserHasActiveMandelbox(context.Context, types.UserID) (bool, error)
}

// Tx is a database transaction. All of its methods run inside the
// transaction, and host rows locked through it stay locked until Commit or
// Rollback. Rollback is safe to call after Commit.
type Tx interface {
	Commit(context.Context) error
	Rollback(context.Context) error

	// FindCandidateHost picks the fullest ACTIVE host with room in region
	// running commitHash, falling back to the bundled regions, and locks it.
	FindCandidateHost(ctx context.Context, region, commitHash string, bundled []string) (Host, error)
	// InsertMandelbox allocates a mandelbox on a host locked by this
	// transaction, as long as the host is ACTIVE and has room.
	InsertMandelbox(ctx context.Context, hostName string, userID types.UserID) (types.MandelboxID, error)
	LockHost(ctx context.Context, hostName string) (Host, error)
	CountMandelboxes(ctx context.Context, hostName string) (int, error)
	UpdateHostStatus(ctx context.Context, hostName string, status HostStatus) error
	// LockHostsNotOnImages locks every host in one of the given regions that
	// has one of the given statuses and doesn't run one of the given images.
	LockHostsNotOnImages(ctx context.Context, regions, imageIDs []string, statuses []HostStatus) ([]Host, error)
}

// querier is implemented by both the connection pool and transactions, so
// the same query helpers can run inside or outside a transaction.
type querier interface {
	Exec(ctx context.Context, sql string, arguments ...interface{}) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...interface{}) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...interface{}) pgx.Row
}

// DBClient implements `WhistDBClient`, it is the default database
// used on the default scaling algorithm.
type DBClient struct {
	pool        *pgxpool.Pool
	lockTimeout time.Duration
	now         func() time.Time
}

// Initialize connects to the database and starts a goroutine that closes the
// connection pool once the global context is cancelled.
func Initialize(globalCtx context.Context, goroutineTracker *sync.WaitGroup, connStr string, lockTimeout time.Duration) (*DBClient, error) {
	pgxConfig, err := pgxpool.ParseConfig(connStr)
	if err != nil {
		return nil, utils.MakeError("unable to parse database connection string: %s", err)
	}
	// We always want to have at least one connection open.
	pgxConfig.MinConns = 1
	pgxConfig.LazyConnect = false

	pool, err := pgxpool.ConnectConfig(globalCtx, pgxConfig)
	if err != nil {
		return nil, utils.MakeError("unable to connect to the database: %s", err)
	}
	logger.Infof("Successfully connected to the database.")

	// Start goroutine that closes the connection pool if the global context is cancelled
	goroutineTracker.Add(1)
	go func() {
		defer goroutineTracker.Done()

		<-globalCtx.Done()
		logger.Infof("Closing the connection pool to the database...")
		pool.Close()
	}()

	return &DBClient{
		pool:        pool,
		lockTimeout: lockTimeout,
		now:         time.Now,
	}, nil
}

func (client *DBClient) nowMs() int64 {
	return client.now().UnixMilli()
}

// BeginTx starts a transaction and sets its lock timeout.
func (client *DBClient) BeginTx(ctx context.Context) (Tx, error) {
	tx, err := client.beginTx(ctx)
	if err != nil {
		return nil, err
	}
	return &pgTx{tx: tx, nowMs: client.nowMs}, nil
}

// beginTx starts a READ COMMITTED transaction with the lock timeout set.
// Every transaction of the client goes through it.
func (client *DBClient) beginTx(ctx context.Context) (pgx.Tx, error) {
	tx, err := client.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.ReadCommitted})
	if err != nil {
		return nil, utils.MakeError("unable to begin transaction: %s", err)
	}

	_, err = tx.Exec(ctx, lockTimeoutStatement(client.lockTimeout))
	if err != nil {
		// Safe to do even if the transaction is already aborted.
		_ = tx.Rollback(ctx)
		return nil, utils.MakeError("unable to set lock timeout: %w", classify(err))
	}
	return tx, nil
}

// lockTimeoutStatement bounds the row lock waits of the current transaction.
// SET LOCAL doesn't accept bind parameters, so the value is formatted in. It
// only ever comes from the typed configuration.
func lockTimeoutStatement(timeout time.Duration) string {
	return utils.Sprintf("SET LOCAL lock_timeout = '%dms'", timeout.Milliseconds())
}

var _ WhistDBClient = (*DBClient)(nil)
