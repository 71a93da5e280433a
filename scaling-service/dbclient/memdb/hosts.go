package memdb

import (
	"context"
	"math"
	"sort"

	"github.com/whisthq/whist/backend/fleet/scaling-service/dbclient"
	"github.com/whisthq/whist/backend/fleet/utils"
)

func (db *MemDB) QueryHost(ctx context.Context, hostName string) (dbclient.Host, error) {
	var host dbclient.Host
	err := db.read(ctx, func(s *state) error {
		h, ok := s.hosts[hostName]
		if !ok {
			return utils.MakeError("%w: %s", dbclient.ErrHostNotFound, hostName)
		}
		host = s.usage(h)
		return nil
	})
	return host, err
}

func (db *MemDB) InsertHost(ctx context.Context, h dbclient.Host) error {
	return db.write(ctx, func(s *state) error {
		if _, ok := s.hosts[h.Name]; ok {
			return utils.MakeError("%w: host %s already exists", dbclient.ErrInvariantViolation, h.Name)
		}
		h.AssignedCount = 0
		s.hosts[h.Name] = h
		return nil
	})
}

func (db *MemDB) DeleteHost(ctx context.Context, hostName string) error {
	return db.write(ctx, func(s *state) error {
		deleteHost(s, hostName)
		return nil
	})
}

// deleteHost removes the host and, like the foreign key cascade, its mandelboxes.
func deleteHost(s *state, hostName string) {
	delete(s.hosts, hostName)
	for id, m := range s.mandelboxes {
		if m.HostName == hostName {
			delete(s.mandelboxes, id)
		}
	}
}

func (db *MemDB) UpdateHostStatus(ctx context.Context, hostName string, status dbclient.HostStatus) error {
	nowMs := db.nowMs()
	return db.write(ctx, func(s *state) error {
		return updateHostStatus(s, hostName, status, nowMs)
	})
}

func updateHostStatus(s *state, hostName string, status dbclient.HostStatus, nowMs int64) error {
	h, ok := s.hosts[hostName]
	if !ok {
		return utils.MakeError("couldn't write status %s for host %s: %w", status, hostName, dbclient.ErrHostNotFound)
	}
	h.Status = status
	h.StatusChangedAtMs = nowMs
	s.hosts[hostName] = h
	return nil
}

func (db *MemDB) CountHosts(ctx context.Context, region, imageID string) (dbclient.HostCounts, error) {
	var counts dbclient.HostCounts
	err := db.read(ctx, func(s *state) error {
		totalCapacity := 0
		for _, h := range s.sortedHosts(func(h dbclient.Host) bool {
			return h.Region == region && h.ImageID == imageID &&
				(h.Status == dbclient.HostStatusActive || h.Status == dbclient.HostStatusPreConnection)
		}) {
			counts.Total++
			totalCapacity += h.Capacity
			if h.Status == dbclient.HostStatusActive {
				if free := h.Capacity - h.AssignedCount; free > 0 {
					counts.FreeCapacity += free
				}
			} else {
				counts.FreeCapacity += h.Capacity
			}
		}
		if counts.Total > 0 {
			counts.AvgCapacity = float64(totalCapacity) / float64(counts.Total)
		}
		return nil
	})
	return counts, err
}

func (db *MemDB) ListEmptyHosts(ctx context.Context, region, imageID string, limit int) ([]dbclient.Host, error) {
	if limit <= 0 {
		limit = math.MaxInt32
	}

	var hosts []dbclient.Host
	err := db.read(ctx, func(s *state) error {
		hosts = s.sortedHosts(func(h dbclient.Host) bool {
			return h.Region == region && h.ImageID == imageID &&
				h.Status == dbclient.HostStatusActive && h.AssignedCount == 0
		})
		return nil
	})
	sort.SliceStable(hosts, func(i, j int) bool {
		return hosts[i].CreatedAtMs < hosts[j].CreatedAtMs
	})
	if len(hosts) > limit {
		hosts = hosts[:limit]
	}
	return hosts, err
}

func (db *MemDB) ListDeprecatedHosts(ctx context.Context, activeCommits []string) ([]dbclient.Host, error) {
	var hosts []dbclient.Host
	err := db.read(ctx, func(s *state) error {
		hosts = s.sortedHosts(func(h dbclient.Host) bool {
			img, ok := s.images[imageKey{h.Region, h.ImageID}]
			return h.Status == dbclient.HostStatusActive &&
				!utils.SliceContains(activeCommits, h.CommitHash) &&
				!(ok && img.ScaleDownProtected)
		})
		return nil
	})
	return hosts, err
}

func (db *MemDB) ListLingeringHosts(ctx context.Context, nowMs int64) ([]dbclient.Host, error) {
	var hosts []dbclient.Host
	err := db.read(ctx, func(s *state) error {
		hosts = s.sortedHosts(func(h dbclient.Host) bool {
			switch h.Status {
			case dbclient.HostStatusActive:
				return h.LastHeartbeatMs < nowMs-dbclient.HeartbeatTimeoutMs
			case dbclient.HostStatusPreConnection:
				return h.CreatedAtMs < nowMs-dbclient.PreConnectionTimeoutMs
			default:
				return h.AssignedCount == 0 && h.StatusChangedAtMs < nowMs-dbclient.DrainingStatusTimeoutMs
			}
		})
		return nil
	})
	return hosts, err
}

func (db *MemDB) ListRegionImagePairs(ctx context.Context) ([]dbclient.RegionImagePair, error) {
	var pairs []dbclient.RegionImagePair
	err := db.read(ctx, func(s *state) error {
		seen := make(map[dbclient.RegionImagePair]bool)
		for _, h := range s.hosts {
			seen[dbclient.RegionImagePair{Region: h.Region, ImageID: h.ImageID}] = true
		}
		for k := range s.images {
			seen[dbclient.RegionImagePair{Region: k.region, ImageID: k.imageID}] = true
		}
		for p := range seen {
			pairs = append(pairs, p)
		}
		return nil
	})
	sort.Slice(pairs, func(i, j int) bool {
		if pairs[i].Region != pairs[j].Region {
			return pairs[i].Region < pairs[j].Region
		}
		return pairs[i].ImageID < pairs[j].ImageID
	})
	return pairs, err
}
