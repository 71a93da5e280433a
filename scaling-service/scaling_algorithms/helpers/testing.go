package helpers

import (
	"math/rand"
	"net"
	"time"

	"github.com/whisthq/whist/backend/fleet/scaling-service/dbclient"
	"github.com/whisthq/whist/backend/fleet/utils"
)

// CreateFakeHosts will create the desired number of ACTIVE hosts with random
// IPs. Its a helper function for tests and local development, to avoid having
// to spin up instances on a cloud provider.
func CreateFakeHosts(hostNum int, region, imageID, commitHash string) []dbclient.Host {
	rnd := rand.New(rand.NewSource(time.Now().UnixNano()))
	nowMs := time.Now().UnixMilli()

	var fakeHosts []dbclient.Host
	for i := 0; i < hostNum; i++ {
		bytes := make([]byte, 4)
		rnd.Read(bytes)

		fakeHosts = append(fakeHosts, dbclient.Host{
			Name:              utils.Sprintf("fake-%s-%d", region, i),
			CloudID:           utils.Sprintf("i-fake%d", i),
			Region:            region,
			ImageID:           imageID,
			CommitHash:        commitHash,
			InstanceType:      "g4dn.2xlarge",
			IP:                net.IPv4(bytes[0], bytes[1], bytes[2], bytes[3]).String(),
			Capacity:          InstanceCapacity("g4dn.2xlarge"),
			Status:            dbclient.HostStatusActive,
			CreatedAtMs:       nowMs,
			LastHeartbeatMs:   nowMs,
			StatusChangedAtMs: nowMs,
		})
	}
	return fakeHosts
}
