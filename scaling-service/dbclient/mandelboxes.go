package dbclient

import (
	"context"
	"net"

	"github.com/jackc/pgtype"

	"github.com/whisthq/whist/backend/fleet/types"
	"github.com/whisthq/whist/backend/fleet/utils"
	logger "github.com/whisthq/whist/backend/fleet/whistlogger"
)

// This file is concerned with database interactions at the mandelbox-level,
// including the heartbeats host agents send about their mandelboxes.

func countMandelboxes(ctx context.Context, q querier, hostName string) (int, error) {
	var count int
	err := q.QueryRow(ctx, `SELECT count(*) FROM whist.mandelbox WHERE host_name = $1`, hostName).Scan(&count)
	if err != nil {
		return 0, utils.MakeError("couldn't count mandelboxes on host %s: %w", hostName, classify(err))
	}
	return count, nil
}

// UserHasActiveMandelbox returns true if the user has a mandelbox that was
// allocated but hasn't finished yet.
func (client *DBClient) UserHasActiveMandelbox(ctx context.Context, userID types.UserID) (bool, error) {
	var exists bool
	err := client.pool.QueryRow(ctx, `SELECT EXISTS (
			SELECT 1 FROM whist.mandelbox WHERE user_id = $1 AND status = $2
		)`, string(userID), string(MandelboxStatusAllocated)).Scan(&exists)
	if err != nil {
		return false, utils.MakeError("couldn't query mandelboxes of user %s: %w", userID, classify(err))
	}
	return exists, nil
}

// ApplyHeartbeat records a heartbeat under the host row lock, so it can't race
// with a drain of the same host. A PRE_CONNECTION host that reports a valid IP
// becomes ACTIVE. Reported mandelbox statuses are written, and DYING
// mandelboxes are removed. It returns the host status after the update, which
// tells the agent whether it must shut down.
func (client *DBClient) ApplyHeartbeat(ctx context.Context, hb Heartbeat) (HostStatus, error) {
	tx, err := client.beginTx(ctx)
	if err != nil {
		return "", utils.MakeError("couldn't apply heartbeat: %w", err)
	}
	// Safe to do even if committed -- see tx.Rollback() docs.
	defer tx.Rollback(ctx)

	host, err := queryHost(ctx, tx, hb.HostName, true)
	if err != nil {
		return "", err
	}

	nowMs := client.nowMs()
	status, ip := nextHeartbeatState(host, hb)
	if status != host.Status {
		logger.Infof("Host %s reported IP %s, marking it as %s.", host.Name, ip, status)
	}
	if hb.Capacity > 0 && hb.Capacity != host.Capacity {
		logger.Warningf("Host %s reported a capacity of %d but the database has %d.", host.Name, hb.Capacity, host.Capacity)
	}

	statusChangedAtMs := host.StatusChangedAtMs
	if status != host.Status {
		statusChangedAtMs = nowMs
	}

	_, err = tx.Exec(ctx, `UPDATE whist.host
		SET ip = $1, status = $2, last_heartbeat_ms = $3, status_changed_at_ms = $4
		WHERE host_name = $5`, ip, string(status), nowMs, statusChangedAtMs, host.Name)
	if err != nil {
		return "", utils.MakeError("couldn't update host %s from heartbeat: %w", host.Name, classify(err))
	}

	for _, report := range hb.Mandelboxes {
		id := pgtype.UUID{Bytes: [16]byte(report.ID), Status: pgtype.Present}

		if report.Status == MandelboxStatusDying {
			_, err = tx.Exec(ctx, `DELETE FROM whist.mandelbox WHERE mandelbox_id = $1 AND host_name = $2`, id, host.Name)
		} else {
			_, err = tx.Exec(ctx, `UPDATE whist.mandelbox SET status = $1 WHERE mandelbox_id = $2 AND host_name = $3`,
				string(report.Status), id, host.Name)
		}
		if err != nil {
			return "", utils.MakeError("couldn't apply status %s of mandelbox %s: %w", report.Status, report.ID, classify(err))
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return "", utils.MakeError("couldn't commit heartbeat of host %s: %w", host.Name, classify(err))
	}
	return status, nil
}

// nextHeartbeatState returns the status and IP a host should have after the
// given heartbeat. Only PRE_CONNECTION hosts change status, and an invalid IP
// never replaces a known one.
func nextHeartbeatState(host Host, hb Heartbeat) (HostStatus, string) {
	ip := host.IP
	if net.ParseIP(hb.IP) != nil {
		ip = hb.IP
	}

	status := host.Status
	if status == HostStatusPreConnection && net.ParseIP(ip) != nil {
		status = HostStatusActive
	}
	return status, ip
}
