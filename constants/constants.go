// Package constants constains shared constants between the various
// scaling service packages.
package constants // import "github.com/whisthq/whist/backend/fleet/constants"

// MaxMandelboxesPerGPU represents the maximum of mandelboxes we can assign to
// each GPU and still maintain acceptable performance. Note that we are
// assuming that all GPUs on a mandelbox are uniform.
const MaxMandelboxesPerGPU = 3

// VCPUsPerMandelbox indicates the number of vCPUs allocated per mandelbox.
const VCPUsPerMandelbox = 4

// ClientCommitHashDevOverride is the commit hash development clients send
// when they want to be matched with whatever image is active.
const ClientCommitHashDevOverride = "local_dev"

// LocalDevUserID is the user every request is attributed to when running
// locally without authentication.
const LocalDevUserID = "localdev_user"
