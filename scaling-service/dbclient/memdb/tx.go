package memdb

import (
	"context"
	"errors"
	"sort"

	"github.com/google/uuid"

	"github.com/whisthq/whist/backend/fleet/scaling-service/dbclient"
	"github.com/whisthq/whist/backend/fleet/types"
	"github.com/whisthq/whist/backend/fleet/utils"
)

// errTxDone is returned by operations on a finished transaction.
var errTxDone = errors.New("transaction has already been committed or rolled back")

// memTx holds the database lock and a private copy of the data until it
// finishes.
type memTx struct {
	db   *MemDB
	data *state
	done bool
}

func (t *memTx) Commit(ctx context.Context) error {
	if t.done {
		return errTxDone
	}
	t.done = true
	t.db.data = t.data
	t.db.release()
	return nil
}

func (t *memTx) Rollback(ctx context.Context) error {
	if t.done {
		return nil
	}
	t.done = true
	t.db.release()
	return nil
}

func (t *memTx) FindCandidateHost(ctx context.Context, region, commitHash string, bundled []string) (dbclient.Host, error) {
	if t.done {
		return dbclient.Host{}, errTxDone
	}

	withRoom := func(regions []string) []dbclient.Host {
		hosts := t.data.sortedHosts(func(h dbclient.Host) bool {
			return h.HasRoom() && utils.SliceContains(regions, h.Region)
		})
		sort.SliceStable(hosts, func(i, j int) bool {
			return hosts[i].AssignedCount > hosts[j].AssignedCount
		})
		return hosts
	}

	for _, h := range withRoom([]string{region}) {
		if h.CommitHash == commitHash {
			return h, nil
		}
	}

	candidates := withRoom(append([]string{region}, bundled...))
	if len(candidates) == 0 {
		return dbclient.Host{}, dbclient.ErrNoHost
	}
	for _, h := range candidates {
		if h.CommitHash == commitHash {
			return h, nil
		}
	}
	return dbclient.Host{}, dbclient.ErrCommitMismatch
}

func (t *memTx) InsertMandelbox(ctx context.Context, hostName string, userID types.UserID) (types.MandelboxID, error) {
	if t.done {
		return types.MandelboxID{}, errTxDone
	}

	h, ok := t.data.hosts[hostName]
	if !ok || !t.data.usage(h).HasRoom() {
		return types.MandelboxID{}, utils.MakeError("%w: %s", dbclient.ErrHostUnavailable, hostName)
	}

	id := types.MandelboxID(uuid.New())
	t.data.mandelboxes[id] = dbclient.Mandelbox{
		ID:          id,
		HostName:    hostName,
		UserID:      userID,
		Status:      dbclient.MandelboxStatusAllocated,
		CreatedAtMs: t.db.nowMs(),
	}
	return id, nil
}

func (t *memTx) LockHost(ctx context.Context, hostName string) (dbclient.Host, error) {
	if t.done {
		return dbclient.Host{}, errTxDone
	}

	h, ok := t.data.hosts[hostName]
	if !ok {
		return dbclient.Host{}, utils.MakeError("%w: %s", dbclient.ErrHostNotFound, hostName)
	}
	return h, nil
}

func (t *memTx) CountMandelboxes(ctx context.Context, hostName string) (int, error) {
	if t.done {
		return 0, errTxDone
	}
	return t.data.assigned(hostName), nil
}

func (t *memTx) UpdateHostStatus(ctx context.Context, hostName string, status dbclient.HostStatus) error {
	if t.done {
		return errTxDone
	}
	return updateHostStatus(t.data, hostName, status, t.db.nowMs())
}

func (t *memTx) LockHostsNotOnImages(ctx context.Context, regions, imageIDs []string, statuses []dbclient.HostStatus) ([]dbclient.Host, error) {
	if t.done {
		return nil, errTxDone
	}

	hosts := t.data.sortedHosts(func(h dbclient.Host) bool {
		return utils.SliceContains(regions, h.Region) &&
			!utils.SliceContains(imageIDs, h.ImageID) &&
			utils.SliceContains(statuses, h.Status)
	})
	for i := range hosts {
		hosts[i].AssignedCount = 0
	}
	return hosts, nil
}
