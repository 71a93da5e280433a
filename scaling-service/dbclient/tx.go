package dbclient

import (
	"context"
	"errors"

	"github.com/google/uuid"
	"github.com/jackc/pgtype"
	"github.com/jackc/pgx/v4"

	"github.com/whisthq/whist/backend/fleet/types"
	"github.com/whisthq/whist/backend/fleet/utils"
	logger "github.com/whisthq/whist/backend/fleet/whistlogger"
)

// pgTx implements Tx on top of a pgx transaction.
type pgTx struct {
	tx    pgx.Tx
	nowMs func() int64
}

func (t *pgTx) Commit(ctx context.Context) error {
	if err := t.tx.Commit(ctx); err != nil {
		return utils.MakeError("couldn't commit transaction: %w", classify(err))
	}
	return nil
}

// Rollback aborts the transaction. Safe to do even if committed -- see
// pgx.Tx.Rollback() docs.
func (t *pgTx) Rollback(ctx context.Context) error {
	err := t.tx.Rollback(ctx)
	if err != nil && !errors.Is(err, pgx.ErrTxClosed) {
		return err
	}
	return nil
}

func (t *pgTx) FindCandidateHost(ctx context.Context, region, commitHash string, bundled []string) (Host, error) {
	// whist.hosts_with_room only contains ACTIVE hosts. Sorting by the number
	// of assigned mandelboxes returns the host with max occupancy first,
	// which improves resource utilization.
	candidate, err := scanHost(t.tx.QueryRow(ctx, `SELECT `+hostUsageColumns+` FROM whist.hosts_with_room
		WHERE region = $1 AND commit_hash = $2
		ORDER BY assigned_count DESC, host_name ASC
		LIMIT 1`, region, commitHash), true)

	if errors.Is(err, pgx.ErrNoRows) {
		// If we are unable to find a host in the requested region, try to
		// find one in a nearby region that doesn't impact the user
		// experience too much.
		searched := append([]string{region}, bundled...)
		regions, arrErr := textArray(searched)
		if arrErr != nil {
			return Host{}, arrErr
		}

		var matches bool
		candidate, err = scanHostWithMatch(t.tx.QueryRow(ctx, `SELECT `+hostUsageColumns+`, commit_hash = $2 AS matches
			FROM whist.hosts_with_room
			WHERE region = ANY($1)
			ORDER BY matches DESC, assigned_count DESC, host_name ASC
			LIMIT 1`, regions, commitHash), &matches)

		if errors.Is(err, pgx.ErrNoRows) {
			return Host{}, ErrNoHost
		} else if err != nil {
			return Host{}, utils.MakeError("error querying hosts with room in %v: %w", searched, classify(err))
		}

		// There was an active host but none with the right commit hash.
		if !matches {
			return Host{}, ErrCommitMismatch
		}
	} else if err != nil {
		return Host{}, utils.MakeError("error querying hosts with room in %s: %w", region, classify(err))
	}

	// We are locking the host row to ensure that we are not assigning a
	// mandelbox to a host that might be marked as DRAINING. With the lock, the
	// host will be marked as DRAINING after the assignment is complete but not
	// during the assignment.
	locked, err := queryHost(ctx, t.tx, candidate.Name, true)
	if errors.Is(err, ErrHostNotFound) {
		// The host that was available earlier might be lost before we grab the lock.
		return Host{}, utils.MakeError("%w: host %s disappeared", ErrLockTimeout, candidate.Name)
	} else if err != nil {
		return Host{}, err
	}
	if locked.Status != HostStatusActive {
		return Host{}, utils.MakeError("%w: host %s is %s", ErrLockTimeout, locked.Name, locked.Status)
	}

	locked.AssignedCount = candidate.AssignedCount
	return locked, nil
}

func scanHostWithMatch(row pgx.Row, matches *bool) (Host, error) {
	var (
		h      Host
		status string
	)
	err := row.Scan(
		&h.Name, &h.CloudID, &h.Region, &h.ImageID, &h.CommitHash, &h.InstanceType, &h.IP,
		&h.Capacity, &status, &h.CreatedAtMs, &h.LastHeartbeatMs, &h.StatusChangedAtMs,
		&h.AssignedCount, matches,
	)
	h.Status = HostStatus(status)
	return h, err
}

func (t *pgTx) InsertMandelbox(ctx context.Context, hostName string, userID types.UserID) (types.MandelboxID, error) {
	id := types.MandelboxID(uuid.New())

	// The insert only happens if the host is ACTIVE and has room. Together
	// with the host row lock this keeps the number of mandelboxes on a host
	// within its capacity.
	result, err := t.tx.Exec(ctx, `INSERT INTO whist.mandelbox (mandelbox_id, host_name, user_id, status, created_at_ms)
		SELECT $1, h.host_name, $3, $4, $5
		FROM whist.host h
		WHERE h.host_name = $2 AND h.status = 'ACTIVE'
		AND h.capacity > (SELECT count(*) FROM whist.mandelbox m WHERE m.host_name = h.host_name)`,
		pgtype.UUID{Bytes: [16]byte(id), Status: pgtype.Present}, hostName, string(userID),
		string(MandelboxStatusAllocated), t.nowMs())
	if err != nil {
		return types.MandelboxID{}, utils.MakeError("couldn't insert mandelbox on host %s: %w", hostName, classify(err))
	} else if result.RowsAffected() == 0 {
		return types.MandelboxID{}, utils.MakeError("%w: %s", ErrHostUnavailable, hostName)
	}

	logger.Infof("Allocated mandelbox %s on host %s: %s", id, hostName, result)
	return id, nil
}

func (t *pgTx) LockHost(ctx context.Context, hostName string) (Host, error) {
	return queryHost(ctx, t.tx, hostName, true)
}

func (t *pgTx) CountMandelboxes(ctx context.Context, hostName string) (int, error) {
	return countMandelboxes(ctx, t.tx, hostName)
}

func (t *pgTx) UpdateHostStatus(ctx context.Context, hostName string, status HostStatus) error {
	return updateHostStatus(ctx, t.tx, hostName, status, t.nowMs())
}

func (t *pgTx) LockHostsNotOnImages(ctx context.Context, regions, imageIDs []string, statuses []HostStatus) ([]Host, error) {
	regionArr, err := textArray(regions)
	if err != nil {
		return nil, err
	}
	images, err := textArray(imageIDs)
	if err != nil {
		return nil, err
	}

	statusStrings := make([]string, 0, len(statuses))
	for _, s := range statuses {
		statusStrings = append(statusStrings, string(s))
	}
	statusArr, err := textArray(statusStrings)
	if err != nil {
		return nil, err
	}

	rows, err := t.tx.Query(ctx, `SELECT `+hostColumns+` FROM whist.host
		WHERE region = ANY($1) AND NOT (image_id = ANY($2)) AND status = ANY($3)
		ORDER BY host_name
		FOR UPDATE`, regionArr, images, statusArr)
	if err != nil {
		return nil, utils.MakeError("couldn't lock hosts not on images %v: %w", imageIDs, classify(err))
	}
	return collectHosts(rows, false)
}
