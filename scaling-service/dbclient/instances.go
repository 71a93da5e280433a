package dbclient

import (
	"context"
	"errors"
	"math"

	"github.com/jackc/pgtype"
	"github.com/jackc/pgx/v4"

	"github.com/whisthq/whist/backend/fleet/utils"
	logger "github.com/whisthq/whist/backend/fleet/whistlogger"
)

// This file is concerned with database interactions at the host-level
// (except heartbeats).

// The columns of `whist.host`, in the order scanHost expects them.
const hostColumns = `host_name, cloud_id, region, image_id, commit_hash, instance_type, ip,
	capacity, status, created_at_ms, last_heartbeat_ms, status_changed_at_ms`

// hostUsageColumns are the columns of the `whist.host_usage` view, which adds
// the number of mandelboxes assigned to each host.
const hostUsageColumns = hostColumns + `, assigned_count`

// Ages, in milliseconds, after which the reaper considers a host lingering.
const (
	HeartbeatTimeoutMs      int64 = 120 * 1000
	PreConnectionTimeoutMs  int64 = 30 * 60 * 1000
	DrainingStatusTimeoutMs int64 = 120 * 1000
)

const unlimitedEmptyHostsLimit = math.MaxInt32

func scanHost(row pgx.Row, withCount bool) (Host, error) {
	var (
		h      Host
		status string
	)
	dest := []interface{}{
		&h.Name, &h.CloudID, &h.Region, &h.ImageID, &h.CommitHash, &h.InstanceType, &h.IP,
		&h.Capacity, &status, &h.CreatedAtMs, &h.LastHeartbeatMs, &h.StatusChangedAtMs,
	}
	if withCount {
		dest = append(dest, &h.AssignedCount)
	}
	if err := row.Scan(dest...); err != nil {
		return Host{}, err
	}
	h.Status = HostStatus(status)
	return h, nil
}

func collectHosts(rows pgx.Rows, withCount bool) ([]Host, error) {
	defer rows.Close()

	var hosts []Host
	for rows.Next() {
		h, err := scanHost(rows, withCount)
		if err != nil {
			return nil, err
		}
		hosts = append(hosts, h)
	}
	return hosts, rows.Err()
}

func textArray(values []string) (*pgtype.TextArray, error) {
	arr := &pgtype.TextArray{}
	if values == nil {
		values = []string{}
	}
	if err := arr.Set(values); err != nil {
		return nil, utils.MakeError("couldn't encode %v as a text array: %s", values, err)
	}
	return arr, nil
}

func queryHost(ctx context.Context, q querier, hostName string, forUpdate bool) (Host, error) {
	sql := `SELECT ` + hostColumns + ` FROM whist.host WHERE host_name = $1`
	if forUpdate {
		sql += ` FOR UPDATE`
	}

	h, err := scanHost(q.QueryRow(ctx, sql, hostName), false)
	if errors.Is(err, pgx.ErrNoRows) {
		return Host{}, utils.MakeError("%w: %s", ErrHostNotFound, hostName)
	} else if err != nil {
		return Host{}, utils.MakeError("error querying host %s: %w", hostName, classify(err))
	}
	return h, nil
}

func updateHostStatus(ctx context.Context, q querier, hostName string, status HostStatus, nowMs int64) error {
	result, err := q.Exec(ctx,
		`UPDATE whist.host SET status = $1, status_changed_at_ms = $2 WHERE host_name = $3`,
		string(status), nowMs, hostName)
	if err != nil {
		return utils.MakeError("couldn't write status %s for host %s: %w", status, hostName, classify(err))
	} else if result.RowsAffected() == 0 {
		return utils.MakeError("couldn't write status %s for host %s: %w", status, hostName, ErrHostNotFound)
	}
	logger.Infof("Updated status in database for host %s to %s: %s", hostName, status, result)
	return nil
}

// QueryHost returns the host with the given name, or ErrHostNotFound.
func (client *DBClient) QueryHost(ctx context.Context, hostName string) (Host, error) {
	h, err := queryHost(ctx, client.pool, hostName, false)
	if err != nil {
		return h, err
	}

	count, err := countMandelboxes(ctx, client.pool, hostName)
	if err != nil {
		return h, err
	}
	h.AssignedCount = count
	return h, nil
}

// InsertHost adds a newly launched host to the database.
func (client *DBClient) InsertHost(ctx context.Context, h Host) error {
	result, err := client.pool.Exec(ctx, `INSERT INTO whist.host (`+hostColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`,
		h.Name, h.CloudID, h.Region, h.ImageID, h.CommitHash, h.InstanceType, h.IP,
		h.Capacity, string(h.Status), h.CreatedAtMs, h.LastHeartbeatMs, h.StatusChangedAtMs)
	if err != nil {
		return utils.MakeError("couldn't insert host %s: %w", h.Name, classify(err))
	}
	logger.Infof("Inserted host %s to database: %s", h.Name, result)
	return nil
}

// DeleteHost removes the row for the host from the `whist.host` table. Note
// that due to the `delete cascade` constraint on `whist.mandelbox` this
// automatically removes all the mandelboxes for the host as well. Deleting a
// missing host is not an error.
func (client *DBClient) DeleteHost(ctx context.Context, hostName string) error {
	result, err := client.pool.Exec(ctx, `DELETE FROM whist.host WHERE host_name = $1`, hostName)
	if err != nil {
		return utils.MakeError("couldn't delete host %s: %w", hostName, classify(err))
	}
	logger.Infof("Output from deleting host %s: %s", hostName, result)
	return nil
}

// UpdateHostStatus sets the status of a host outside of any transaction.
func (client *DBClient) UpdateHostStatus(ctx context.Context, hostName string, status HostStatus) error {
	return updateHostStatus(ctx, client.pool, hostName, status, client.nowMs())
}

// CountHosts aggregates the ACTIVE and PRE_CONNECTION hosts of a region and
// image pair in a single query.
func (client *DBClient) CountHosts(ctx context.Context, region, imageID string) (HostCounts, error) {
	var (
		counts HostCounts
		avg    pgtype.Float8
	)

	err := client.pool.QueryRow(ctx, `SELECT
			count(*),
			COALESCE(sum(CASE
				WHEN status = 'ACTIVE' THEN GREATEST(capacity - assigned_count, 0)
				ELSE capacity
			END), 0),
			avg(capacity)::float8
		FROM whist.host_usage
		WHERE region = $1 AND image_id = $2 AND status IN ('ACTIVE', 'PRE_CONNECTION')`,
		region, imageID).Scan(&counts.Total, &counts.FreeCapacity, &avg)
	if err != nil {
		return HostCounts{}, utils.MakeError("couldn't count hosts in %s with image %s: %w", region, imageID, classify(err))
	}

	if avg.Status == pgtype.Present {
		counts.AvgCapacity = avg.Float
	}
	return counts, nil
}

// ListEmptyHosts returns up to limit ACTIVE hosts of the pair without any
// mandelboxes. A non-positive limit means no limit.
func (client *DBClient) ListEmptyHosts(ctx context.Context, region, imageID string, limit int) ([]Host, error) {
	if limit <= 0 {
		limit = unlimitedEmptyHostsLimit
	}

	rows, err := client.pool.Query(ctx, `SELECT `+hostUsageColumns+` FROM whist.host_usage
		WHERE region = $1 AND image_id = $2 AND status = 'ACTIVE' AND assigned_count = 0
		ORDER BY created_at_ms ASC
		LIMIT $3`, region, imageID, limit)
	if err != nil {
		return nil, utils.MakeError("couldn't list empty hosts in %s: %w", region, classify(err))
	}
	return collectHosts(rows, true)
}

// ListDeprecatedHosts returns the ACTIVE hosts whose commit hash is not among
// activeCommits, skipping hosts whose image is protected from scale down.
func (client *DBClient) ListDeprecatedHosts(ctx context.Context, activeCommits []string) ([]Host, error) {
	commits, err := textArray(activeCommits)
	if err != nil {
		return nil, err
	}

	rows, err := client.pool.Query(ctx, `SELECT `+hostUsageColumns+` FROM whist.host_usage h
		WHERE h.status = 'ACTIVE'
		AND NOT (h.commit_hash = ANY($1))
		AND NOT EXISTS (
			SELECT 1 FROM whist.image i
			WHERE i.region = h.region AND i.image_id = h.image_id AND i.scale_down_protected
		)`, commits)
	if err != nil {
		return nil, utils.MakeError("couldn't list deprecated hosts: %w", classify(err))
	}
	return collectHosts(rows, true)
}

// ListLingeringHosts returns the hosts that are stuck: ACTIVE hosts that
// stopped sending heartbeats, PRE_CONNECTION hosts that never connected and
// empty DRAINING or UNRESPONSIVE hosts that didn't shut down.
func (client *DBClient) ListLingeringHosts(ctx context.Context, nowMs int64) ([]Host, error) {
	rows, err := client.pool.Query(ctx, `SELECT `+hostUsageColumns+` FROM whist.host_usage
		WHERE (status = 'ACTIVE' AND last_heartbeat_ms < $1)
		OR (status = 'PRE_CONNECTION' AND created_at_ms < $2)
		OR (status IN ('DRAINING', 'UNRESPONSIVE') AND assigned_count = 0 AND status_changed_at_ms < $3)`,
		nowMs-HeartbeatTimeoutMs, nowMs-PreConnectionTimeoutMs, nowMs-DrainingStatusTimeoutMs)
	if err != nil {
		return nil, utils.MakeError("couldn't list lingering hosts: %w", classify(err))
	}
	return collectHosts(rows, true)
}

// ListRegionImagePairs returns every pair that has hosts or a catalog entry.
func (client *DBClient) ListRegionImagePairs(ctx context.Context) ([]RegionImagePair, error) {
	rows, err := client.pool.Query(ctx, `SELECT region, image_id FROM whist.host
		UNION
		SELECT region, image_id FROM whist.image
		ORDER BY region, image_id`)
	if err != nil {
		return nil, utils.MakeError("couldn't list region and image pairs: %w", classify(err))
	}
	defer rows.Close()

	var pairs []RegionImagePair
	for rows.Next() {
		var p RegionImagePair
		if err := rows.Scan(&p.Region, &p.ImageID); err != nil {
			return nil, err
		}
		pairs = append(pairs, p)
	}
	return pairs, rows.Err()
}
