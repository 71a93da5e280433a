/*
Package memdb implements dbclient.WhistDBClient in memory. It is used when
running the scaling service locally without a database, and as the store
behind the scaling algorithm tests.

Transactions work on a copy of the whole database and hold a single lock
until they are committed or rolled back, so they are serializable. Lock waits
are bounded by the same timeout as the Postgres client and fail with
dbclient.ErrLockTimeout. Calls made outside of a transaction wait for the
same lock, so a goroutine must not call them while it holds a transaction.
*/
package memdb // import "github.com/whisthq/whist/backend/fleet/scaling-service/dbclient/memdb"

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/whisthq/whist/backend/fleet/scaling-service/dbclient"
	"github.com/whisthq/whist/backend/fleet/types"
	"github.com/whisthq/whist/backend/fleet/utils"
)

type imageKey struct {
	region  string
	imageID string
}

// state is the content of the database.
type state struct {
	hosts       map[string]dbclient.Host
	mandelboxes map[types.MandelboxID]dbclient.Mandelbox
	images      map[imageKey]dbclient.Image
}

func newState() *state {
	return &state{
		hosts:       make(map[string]dbclient.Host),
		mandelboxes: make(map[types.MandelboxID]dbclient.Mandelbox),
		images:      make(map[imageKey]dbclient.Image),
	}
}

func (s *state) clone() *state {
	c := newState()
	for k, v := range s.hosts {
		c.hosts[k] = v
	}
	for k, v := range s.mandelboxes {
		c.mandelboxes[k] = v
	}
	for k, v := range s.images {
		c.images[k] = v
	}
	return c
}

// assigned returns the number of mandelboxes on the host.
func (s *state) assigned(hostName string) int {
	count := 0
	for _, m := range s.mandelboxes {
		if m.HostName == hostName {
			count++
		}
	}
	return count
}

// usage returns the host with its AssignedCount filled in.
func (s *state) usage(h dbclient.Host) dbclient.Host {
	h.AssignedCount = s.assigned(h.Name)
	return h
}

// sortedHosts returns the hosts that satisfy keep, ordered by name.
func (s *state) sortedHosts(keep func(dbclient.Host) bool) []dbclient.Host {
	var hosts []dbclient.Host
	for _, h := range s.hosts {
		h = s.usage(h)
		if keep(h) {
			hosts = append(hosts, h)
		}
	}
	sort.Slice(hosts, func(i, j int) bool {
		return hosts[i].Name < hosts[j].Name
	})
	return hosts
}

// MemDB is an in-memory dbclient.WhistDBClient.
type MemDB struct {
	lock        chan struct{}
	lockTimeout time.Duration

	clockMu sync.Mutex
	now     func() time.Time

	// data is only accessed by the holder of lock.
	data *state
}

// New returns an empty database whose lock waits time out after lockTimeout.
func New(lockTimeout time.Duration) *MemDB {
	return &MemDB{
		lock:        make(chan struct{}, 1),
		lockTimeout: lockTimeout,
		now:         time.Now,
		data:        newState(),
	}
}

// SetClock replaces the clock used for timestamps.
func (db *MemDB) SetClock(now func() time.Time) {
	db.clockMu.Lock()
	defer db.clockMu.Unlock()
	db.now = now
}

func (db *MemDB) nowMs() int64 {
	db.clockMu.Lock()
	defer db.clockMu.Unlock()
	return db.now().UnixMilli()
}

// acquire waits for the database lock.
func (db *MemDB) acquire(ctx context.Context) error {
	timer := time.NewTimer(db.lockTimeout)
	defer utils.StopAndDrainTimer(timer)

	select {
	case db.lock <- struct{}{}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return utils.MakeError("%w: lock wait exceeded %s", dbclient.ErrLockTimeout, db.lockTimeout)
	}
}

func (db *MemDB) release() {
	<-db.lock
}

// read runs fn with the lock held.
func (db *MemDB) read(ctx context.Context, fn func(*state) error) error {
	if err := db.acquire(ctx); err != nil {
		return err
	}
	defer db.release()
	return fn(db.data)
}

// write runs fn on a copy of the data and keeps the copy only if fn succeeds,
// so that failed writes are atomic like their SQL counterparts.
func (db *MemDB) write(ctx context.Context, fn func(*state) error) error {
	if err := db.acquire(ctx); err != nil {
		return err
	}
	defer db.release()

	next := db.data.clone()
	if err := fn(next); err != nil {
		return err
	}
	db.data = next
	return nil
}

// BeginTx starts a transaction, waiting at most the lock timeout for any
// other transaction to finish.
func (db *MemDB) BeginTx(ctx context.Context) (dbclient.Tx, error) {
	if err := db.acquire(ctx); err != nil {
		return nil, err
	}
	return &memTx{db: db, data: db.data.clone()}, nil
}

// Hosts returns a snapshot of every host, ordered by name. It is meant for
// tests and debugging.
func (db *MemDB) Hosts() []dbclient.Host {
	var hosts []dbclient.Host
	_ = db.read(context.Background(), func(s *state) error {
		hosts = s.sortedHosts(func(dbclient.Host) bool { return true })
		return nil
	})
	return hosts
}

// Mandelboxes returns a snapshot of every mandelbox, ordered by creation time
// and then by host name.
func (db *MemDB) Mandelboxes() []dbclient.Mandelbox {
	var mandelboxes []dbclient.Mandelbox
	_ = db.read(context.Background(), func(s *state) error {
		for _, m := range s.mandelboxes {
			mandelboxes = append(mandelboxes, m)
		}
		return nil
	})
	sort.SliceStable(mandelboxes, func(i, j int) bool {
		if mandelboxes[i].CreatedAtMs != mandelboxes[j].CreatedAtMs {
			return mandelboxes[i].CreatedAtMs < mandelboxes[j].CreatedAtMs
		}
		return mandelboxes[i].HostName < mandelboxes[j].HostName
	})
	return mandelboxes
}

var _ dbclient.WhistDBClient = (*MemDB)(nil)
