package memdb

import (
	"context"
	"net"

	"github.com/whisthq/whist/backend/fleet/scaling-service/dbclient"
	"github.com/whisthq/whist/backend/fleet/types"
	"github.com/whisthq/whist/backend/fleet/utils"
)

func (db *MemDB) UserHasActiveMandelbox(ctx context.Context, userID types.UserID) (bool, error) {
	var found bool
	err := db.read(ctx, func(s *state) error {
		for _, m := range s.mandelboxes {
			if m.UserID == userID && m.Status == dbclient.MandelboxStatusAllocated {
				found = true
				break
			}
		}
		return nil
	})
	return found, err
}

func (db *MemDB) ApplyHeartbeat(ctx context.Context, hb dbclient.Heartbeat) (dbclient.HostStatus, error) {
	var status dbclient.HostStatus
	nowMs := db.nowMs()

	err := db.write(ctx, func(s *state) error {
		h, ok := s.hosts[hb.HostName]
		if !ok {
			return utils.MakeError("%w: %s", dbclient.ErrHostNotFound, hb.HostName)
		}

		if net.ParseIP(hb.IP) != nil {
			h.IP = hb.IP
		}
		if h.Status == dbclient.HostStatusPreConnection && net.ParseIP(h.IP) != nil {
			h.Status = dbclient.HostStatusActive
			h.StatusChangedAtMs = nowMs
		}
		h.LastHeartbeatMs = nowMs
		s.hosts[h.Name] = h
		status = h.Status

		for _, report := range hb.Mandelboxes {
			m, ok := s.mandelboxes[report.ID]
			if !ok || m.HostName != h.Name {
				continue
			}
			if report.Status == dbclient.MandelboxStatusDying {
				delete(s.mandelboxes, report.ID)
				continue
			}
			m.Status = report.Status
			s.mandelboxes[report.ID] = m
		}
		return nil
	})
	return status, err
}
