package dbclient

import (
	"github.com/whisthq/whist/backend/fleet/types"
)

// A HostStatus represents a possible status that a host can have in the database.
type HostStatus string

// These represent the currently-defined statuses for hosts.
const (
	HostStatusPreConnection HostStatus = "PRE_CONNECTION"
	HostStatusActive        HostStatus = "ACTIVE"
	HostStatusDraining      HostStatus = "DRAINING"
	HostStatusUnresponsive  HostStatus = "UNRESPONSIVE"
)

// A MandelboxStatus represents a possible status that a mandelbox can have in the database.
type MandelboxStatus string

// These represent the currently-defined statuses for mandelboxes.
const (
	MandelboxStatusAllocated  MandelboxStatus = "ALLOCATED"
	MandelboxStatusConnecting MandelboxStatus = "CONNECTING"
	MandelboxStatusRunning    MandelboxStatus = "RUNNING"
	MandelboxStatusDying      MandelboxStatus = "DYING"
)

// Host is a row of the `whist.host` table. AssignedCount is not a column, it
// is computed from the `whist.mandelbox` table by the queries that need it.
type Host struct {
	Name              string
	CloudID           string
	Region            string
	ImageID           string
	CommitHash        string
	InstanceType      string
	IP                string
	Capacity          int
	Status            HostStatus
	CreatedAtMs       int64
	LastHeartbeatMs   int64
	StatusChangedAtMs int64
	AssignedCount     int
}

// HasRoom returns true if the host can accept another mandelbox.
func (h Host) HasRoom() bool {
	return h.Status == HostStatusActive && h.Capacity-h.AssignedCount > 0
}

// Mandelbox is a row of the `whist.mandelbox` table.
type Mandelbox struct {
	ID          types.MandelboxID
	HostName    string
	UserID      types.UserID
	Status      MandelboxStatus
	CreatedAtMs int64
}

// Image is a row of the `whist.image` table, mapping a region to a machine
// image and the client commit hash it was built from.
type Image struct {
	Region             string
	ImageID            string
	CommitHash         string
	Active             bool
	ScaleDownProtected bool
}

// RegionImagePair identifies the set of hosts the scaler reasons about at a time.
type RegionImagePair struct {
	Region  string
	ImageID string
}

// HostCounts is the aggregate view of a region and image pair used to compute
// scaling decisions.
type HostCounts struct {
	// Total is the number of ACTIVE and PRE_CONNECTION hosts.
	Total int
	// FreeCapacity is the number of free mandelbox slots. Starting hosts
	// count with their full capacity so that they aren't scaled up twice.
	FreeCapacity int
	// AvgCapacity is the average mandelbox capacity of the counted hosts.
	AvgCapacity float64
}

// Heartbeat is the report a host agent sends periodically.
type Heartbeat struct {
	HostName      string
	IP            string
	Capacity      int
	AssignedCount int
	Mandelboxes   []MandelboxReport
}

// MandelboxReport is the agent-side status of a single mandelbox.
type MandelboxReport struct {
	ID     types.MandelboxID
	Status MandelboxStatus
}
