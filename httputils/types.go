package httputils

import (
	"github.com/whisthq/whist/backend/fleet/types"
)

// Request types

// MandelboxAssignRequest is the body of the `/mandelbox/assign` endpoint.
// The user is identified by the access token, not by the body.
type MandelboxAssignRequest struct {
	Region string `json:"region"`
	// Regions is sent by older clients, in order of proximity. Only the
	// first one is used when Region is empty.
	Regions    []string `json:"regions,omitempty"`
	CommitHash string   `json:"client_commit_hash"`
	UserEmail  string   `json:"user_email"`
	Version    string   `json:"version"`
}

// RequestedRegion returns the region the client wants a mandelbox in.
func (r MandelboxAssignRequest) RequestedRegion() string {
	if r.Region == "" && len(r.Regions) > 0 {
		return r.Regions[0]
	}
	return r.Region
}

// UnavailableValue fills the fields of a failed assign response.
const UnavailableValue = "None"

// MandelboxAssignRequestResult is the body returned by the
// `/mandelbox/assign` endpoint. Failed requests set ErrorCode and fill the
// other fields with UnavailableValue.
type MandelboxAssignRequestResult struct {
	IP          string `json:"ip"`
	MandelboxID string `json:"mandelbox_id"`
	ErrorCode   string `json:"error_code,omitempty"`
}

// HeartbeatRequest is the report sent by host agents to `/heartbeat`.
type HeartbeatRequest struct {
	HostName      string                   `json:"host_name"`
	IP            string                   `json:"ip"`
	Status        string                   `json:"status"`
	Capacity      int                      `json:"capacity"`
	AssignedCount int                      `json:"assigned_count"`
	Mandelboxes   []HeartbeatMandelboxInfo `json:"mandelboxes,omitempty"`
}

// HeartbeatMandelboxInfo is the status of a mandelbox on the reporting host.
type HeartbeatMandelboxInfo struct {
	MandelboxID types.MandelboxID `json:"mandelbox_id"`
	Status      string            `json:"status"`
}

// HeartbeatRequestResult tells the agent the status of its host.
type HeartbeatRequestResult struct {
	Status string `json:"status"`
}

// RolloutRequest is the body of the `/rollout` endpoint. It either names the
// new images directly, or points at a manifest with the same fields.
type RolloutRequest struct {
	CommitHash   string            `json:"commit_hash,omitempty"`
	RegionImages map[string]string `json:"region_images,omitempty"`
	// Manifest is an s3://bucket/key URL.
	Manifest string `json:"manifest,omitempty"`
}

// RolloutRequestResult is the id of the queued rollout.
type RolloutRequestResult struct {
	EventID string `json:"event_id"`
}
