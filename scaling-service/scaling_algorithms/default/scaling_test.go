package scaling_algorithms

import (
	"context"
	"errors"
	"math/rand"
	"reflect"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"

	"github.com/whisthq/whist/backend/fleet/scaling-service/dbclient"
	"github.com/whisthq/whist/backend/fleet/scaling-service/hosts"
	"github.com/whisthq/whist/backend/fleet/types"
	"github.com/whisthq/whist/backend/fleet/utils"
)

func TestComputeScalingDelta(t *testing.T) {
	active := &dbclient.Image{Region: "us-east-1", ImageID: "ami-1", CommitHash: testCommit, Active: true}
	inactive := &dbclient.Image{Region: "us-east-1", ImageID: "ami-1", CommitHash: testCommit}

	var tests = []struct {
		name          string
		image         *dbclient.Image
		activeImageID string
		counts        dbclient.HostCounts
		want          int
	}{
		{"not in catalog", nil, "ami-1", dbclient.HostCounts{}, NegativeInfinity},
		{"inactive image", inactive, "ami-1", dbclient.HostCounts{}, NegativeInfinity},
		{"not the active image of the region", active, "ami-2", dbclient.HostCounts{}, NegativeInfinity},
		{"no active image in the region", active, "", dbclient.HostCounts{}, NegativeInfinity},
		{"no hosts", active, "ami-1", dbclient.HostCounts{}, 3},
		{"less than desired free", active, "ami-1", dbclient.HostCounts{Total: 2, FreeCapacity: 1, AvgCapacity: 2}, 3},
		{"exactly desired free", active, "ami-1", dbclient.HostCounts{Total: 2, FreeCapacity: 2, AvgCapacity: 2}, 0},
		{"just below a host worth of extra", active, "ami-1", dbclient.HostCounts{Total: 2, FreeCapacity: 3, AvgCapacity: 2}, 0},
		{"a host worth of extra", active, "ami-1", dbclient.HostCounts{Total: 2, FreeCapacity: 4, AvgCapacity: 2}, -1},
		{"way more than needed", active, "ami-1", dbclient.HostCounts{Total: 10, FreeCapacity: 20, AvgCapacity: 2}, -1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := ComputeScalingDelta(2, 3, tt.image, tt.activeImageID, tt.counts)
			if got != tt.want {
				t.Errorf("expected delta %d, got %d", tt.want, got)
			}
		})
	}
}

type hostSpec struct {
	capacity int
	assigned int
	active   bool
}

// seedSpecs inserts one host per spec, named by position, and allocates
// the assigned mandelboxes on the active ones.
func seedSpecs(t *testing.T, db dbclient.WhistDBClient, specs []hostSpec) {
	ctx := context.Background()
	for i, spec := range specs {
		status := dbclient.HostStatusPreConnection
		if spec.active {
			status = dbclient.HostStatusActive
		}
		host := dbclient.Host{
			Name:         utils.Sprintf("host-%d", i),
			Region:       "us-east-1",
			ImageID:      "ami-1",
			CommitHash:   testCommit,
			InstanceType: testInstanceType,
			IP:           "10.0.0.1",
			Capacity:     spec.capacity,
			Status:       status,
		}
		if err := db.InsertHost(ctx, host); err != nil {
			t.Fatalf("failed to insert host: %s", err)
		}
		if spec.active {
			allocateOn(t, db, host.Name, spec.assigned)
		}
	}
}

func TestScalingDeltaIgnoresHostOrder(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 50
	parameters.Rng.Seed(time.Now().UnixNano())

	properties := gopter.NewProperties(parameters)

	genSpec := gen.IntRange(1, 4).FlatMap(func(v interface{}) gopter.Gen {
		capacity := v.(int)
		return gopter.CombineGens(gen.IntRange(0, capacity), gen.Bool()).Map(func(values []interface{}) hostSpec {
			return hostSpec{capacity: capacity, assigned: values[0].(int), active: values[1].(bool)}
		})
	}, reflect.TypeOf(hostSpec{}))

	properties.Property("permuting the hosts doesn't change the scaling delta", prop.ForAll(
		func(specs []hostSpec, seed int64) bool {
			shuffled := append([]hostSpec(nil), specs...)
			rand.New(rand.NewSource(seed)).Shuffle(len(shuffled), func(i, j int) {
				shuffled[i], shuffled[j] = shuffled[j], shuffled[i]
			})

			var deltas []int
			for _, order := range [][]hostSpec{specs, shuffled} {
				db := newTestDB()
				seedImage(t, db, "us-east-1", "ami-1", testCommit, true)
				seedSpecs(t, db, order)

				s, _, _ := newTestAlgorithm(t, db, testConfig())
				delta, _, err := s.computeDelta(context.Background(), "us-east-1", "ami-1")
				if err != nil {
					t.Logf("failed to compute delta: %s", err)
					return false
				}
				deltas = append(deltas, delta)
			}
			return deltas[0] == deltas[1]
		},
		gen.SliceOfN(6, genSpec),
		gen.Int64(),
	))

	properties.TestingRun(t)
}

func TestScaleUpColdRegion(t *testing.T) {
	db := newTestDB()
	seedImage(t, db, "us-east-1", "ami-1", testCommit, true)
	s, _, _ := newTestAlgorithm(t, db, testConfig())

	launched, err := s.ScaleUpIfNecessary(context.Background(), "us-east-1", "ami-1", 0)
	if err != nil {
		t.Fatalf("failed to scale up: %s", err)
	}
	if len(launched) != 1 {
		t.Fatalf("expected 1 launched host, got %d", len(launched))
	}

	host := launched[0]
	if !strings.HasPrefix(host.Name, "ec2-us-east-1-") || !strings.HasSuffix(host.Name, "-0") {
		t.Errorf("unexpected host name %s", host.Name)
	}

	want := dbclient.Host{
		Name:            host.Name,
		CloudID:         "i-1",
		Region:          "us-east-1",
		ImageID:         "ami-1",
		CommitHash:      testCommit,
		InstanceType:    testInstanceType,
		Capacity:        2,
		Status:          dbclient.HostStatusPreConnection,
		LastHeartbeatMs: -1,
	}
	stored, err := db.QueryHost(context.Background(), host.Name)
	if err != nil {
		t.Fatalf("failed to query launched host: %s", err)
	}
	stored.CreatedAtMs, stored.StatusChangedAtMs = 0, 0
	if diff := cmp.Diff(want, stored); diff != "" {
		t.Errorf("unexpected host row (-want +got):\n%s", diff)
	}

	// The new host counts as free capacity, so there is nothing else to do.
	again, err := s.ScaleUpIfNecessary(context.Background(), "us-east-1", "ami-1", 0)
	if err != nil {
		t.Fatalf("failed to scale up: %s", err)
	}
	if len(again) != 0 {
		t.Errorf("expected no more hosts, got %d", len(again))
	}
}

func TestScaleUpRetriesInsufficientCapacity(t *testing.T) {
	db := newTestDB()
	seedImage(t, db, "us-east-1", "ami-1", testCommit, true)

	cfg := testConfig()
	cfg.DefaultInstanceBuffer = 3
	s, host, _ := newTestAlgorithm(t, db, cfg)
	host.insufficient = 2

	launched, err := s.ScaleUpIfNecessary(context.Background(), "us-east-1", "ami-1", 0)
	if err != nil {
		t.Fatalf("failed to scale up: %s", err)
	}

	var suffixes []string
	for _, h := range launched {
		suffixes = append(suffixes, h.Name[strings.LastIndex(h.Name, "-")+1:])
	}
	sort.Strings(suffixes)
	if diff := cmp.Diff([]string{"0", "1", "2"}, suffixes); diff != "" {
		t.Errorf("unexpected launched indexes (-want +got):\n%s", diff)
	}
	if got := len(db.Hosts()); got != 3 {
		t.Errorf("expected 3 host rows, got %d", got)
	}
}

func TestScaleUpRetryBudgetExhausted(t *testing.T) {
	db := newTestDB()
	seedImage(t, db, "us-east-1", "ami-1", testCommit, true)
	s, host, _ := newTestAlgorithm(t, db, testConfig())
	host.insufficient = 1000

	launched, err := s.ScaleUpIfNecessary(context.Background(), "us-east-1", "ami-1", 0)
	if !errors.Is(err, hosts.ErrInsufficientCapacity) {
		t.Fatalf("expected insufficient capacity error, got %v", err)
	}
	if len(launched) != 0 || len(db.Hosts()) != 0 {
		t.Errorf("expected no hosts, got %d launched and %d rows", len(launched), len(db.Hosts()))
	}
}

func TestScaleUpLaunchErrorAborts(t *testing.T) {
	db := newTestDB()
	seedImage(t, db, "us-east-1", "ami-1", testCommit, true)
	s, host, _ := newTestAlgorithm(t, db, testConfig())
	host.launchErr = errors.New("unauthorized")

	if _, err := s.ScaleUpIfNecessary(context.Background(), "us-east-1", "ami-1", 0); err == nil {
		t.Fatal("expected an error from a failed launch")
	}
	if got := len(db.Hosts()); got != 0 {
		t.Errorf("expected no host rows, got %d", got)
	}
}

func TestScaleUpSkipsInactiveImage(t *testing.T) {
	db := newTestDB()
	seedImage(t, db, "us-east-1", "ami-old", testCommit, false)
	seedImage(t, db, "us-east-1", "ami-1", testCommit, true)
	s, host, _ := newTestAlgorithm(t, db, testConfig())

	for _, imageID := range []string{"ami-old", "ami-unknown"} {
		launched, err := s.ScaleUpIfNecessary(context.Background(), "us-east-1", imageID, 0)
		if err != nil {
			t.Fatalf("failed to scale up %s: %s", imageID, err)
		}
		if len(launched) != 0 {
			t.Errorf("expected no hosts for %s, got %d", imageID, len(launched))
		}
	}
	if host.launchCount() != 0 {
		t.Errorf("expected no launches, got %d", host.launchCount())
	}

	// A forced buffer launches hosts of an image that is not active yet.
	launched, err := s.ScaleUpIfNecessary(context.Background(), "us-east-1", "ami-old", 2)
	if err != nil {
		t.Fatalf("failed to force scale up: %s", err)
	}
	if len(launched) != 2 {
		t.Errorf("expected 2 forced hosts, got %d", len(launched))
	}
}

func TestConcurrentScaleUp(t *testing.T) {
	db := newTestDB()
	seedImage(t, db, "us-east-1", "ami-1", testCommit, true)

	cfg := testConfig()
	cfg.DefaultInstanceBuffer = 3
	s, _, _ := newTestAlgorithm(t, db, cfg)

	var wg sync.WaitGroup
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := s.ScaleUpIfNecessary(context.Background(), "us-east-1", "ami-1", 0); err != nil {
				t.Errorf("failed to scale up: %s", err)
			}
		}()
	}
	wg.Wait()

	if got := len(db.Hosts()); got != 3 {
		t.Errorf("expected exactly 3 hosts, got %d", got)
	}
}

func TestScaleDownAfterScaleUpDrainsNothing(t *testing.T) {
	db := newTestDB()
	seedImage(t, db, "us-east-1", "ami-1", testCommit, true)
	s, host, agent := newTestAlgorithm(t, db, testConfig())
	ctx := context.Background()

	launched, err := s.ScaleUpIfNecessary(ctx, "us-east-1", "ami-1", 0)
	if err != nil || len(launched) != 1 {
		t.Fatalf("expected 1 launched host, got %d: %v", len(launched), err)
	}
	if _, err := s.Heartbeat(ctx, dbclient.Heartbeat{HostName: launched[0].Name, IP: "10.0.0.5", Capacity: 2}); err != nil {
		t.Fatalf("failed to apply heartbeat: %s", err)
	}

	if err := s.ScaleDownIfNecessary(ctx, "us-east-1", "ami-1"); err != nil {
		t.Fatalf("failed to scale down: %s", err)
	}

	if calls := agent.drainedIPs(); len(calls) != 0 {
		t.Errorf("expected no drains, got %v", calls)
	}
	if stopped := host.stoppedIDs(); len(stopped) != 0 {
		t.Errorf("expected no stopped instances, got %v", stopped)
	}
	row, err := db.QueryHost(ctx, launched[0].Name)
	if err != nil || row.Status != dbclient.HostStatusActive {
		t.Errorf("expected host to stay active, got %v: %v", row.Status, err)
	}
}

func TestScaleDownExtraCapacity(t *testing.T) {
	db := newTestDB()
	seedImage(t, db, "us-east-1", "ami-1", testCommit, true)
	s, host, agent := newTestAlgorithm(t, db, testConfig())
	ctx := context.Background()

	first := seedHost(t, db, "host-a", "us-east-1", "ami-1", testCommit, dbclient.HostStatusActive)
	time.Sleep(2 * time.Millisecond)
	seedHost(t, db, "host-b", "us-east-1", "ami-1", testCommit, dbclient.HostStatusActive)
	host.setState("i-host-a", hosts.InstanceStateRunning)
	host.setState("i-host-b", hosts.InstanceStateRunning)

	// 4 free mandelboxes is one host worth more than the 2 desired.
	if err := s.ScaleDownIfNecessary(ctx, "us-east-1", "ami-1"); err != nil {
		t.Fatalf("failed to scale down: %s", err)
	}

	if diff := cmp.Diff([]string{first.IP}, agent.drainedIPs()); diff != "" {
		t.Errorf("unexpected drains (-want +got):\n%s", diff)
	}
	row, err := db.QueryHost(ctx, "host-a")
	if err != nil || row.Status != dbclient.HostStatusDraining {
		t.Errorf("expected the oldest host to be draining, got %v: %v", row.Status, err)
	}
	row, err = db.QueryHost(ctx, "host-b")
	if err != nil || row.Status != dbclient.HostStatusActive {
		t.Errorf("expected the newest host to stay active, got %v: %v", row.Status, err)
	}
}

func TestScaleDownInactiveImage(t *testing.T) {
	db := newTestDB()
	seedImage(t, db, "us-east-1", "ami-old", "commit-old", false)
	seedImage(t, db, "us-east-1", "ami-1", testCommit, true)
	s, host, agent := newTestAlgorithm(t, db, testConfig())
	ctx := context.Background()

	for _, name := range []string{"old-1", "old-2", "old-3", "old-busy"} {
		seedHost(t, db, name, "us-east-1", "ami-old", "commit-old", dbclient.HostStatusActive)
		host.setState("i-"+name, hosts.InstanceStateRunning)
	}
	allocateOn(t, db, "old-busy", 1)

	if err := s.ScaleDownIfNecessary(ctx, "us-east-1", "ami-old"); err != nil {
		t.Fatalf("failed to scale down: %s", err)
	}

	if got := len(agent.drainedIPs()); got != 3 {
		t.Errorf("expected every empty host to be drained, got %d drains", got)
	}
	row, err := db.QueryHost(ctx, "old-busy")
	if err != nil || row.Status != dbclient.HostStatusActive {
		t.Errorf("expected the busy host to stay active, got %v: %v", row.Status, err)
	}
}

func TestScaleDownProtectedImage(t *testing.T) {
	db := newTestDB()
	ctx := context.Background()
	err := db.InsertImages(ctx, []dbclient.Image{{Region: "us-east-1", ImageID: "ami-new", CommitHash: "commit-new", ScaleDownProtected: true}})
	if err != nil {
		t.Fatalf("failed to insert image: %s", err)
	}
	s, _, agent := newTestAlgorithm(t, db, testConfig())
	seedHost(t, db, "new-1", "us-east-1", "ami-new", "commit-new", dbclient.HostStatusActive)

	if err := s.ScaleDownIfNecessary(ctx, "us-east-1", "ami-new"); err != nil {
		t.Fatalf("failed to scale down: %s", err)
	}
	if got := len(agent.drainedIPs()); got != 0 {
		t.Errorf("expected no drains of a protected image, got %d", got)
	}
}

// allocateOn allocates n mandelboxes on an existing host.
func allocateOn(t *testing.T, db dbclient.WhistDBClient, hostName string, n int) {
	t.Helper()
	ctx := context.Background()
	for i := 0; i < n; i++ {
		tx, err := db.BeginTx(ctx)
		if err != nil {
			t.Fatalf("failed to begin transaction: %s", err)
		}
		if _, err := tx.InsertMandelbox(ctx, hostName, types.UserID("user")); err != nil {
			t.Fatalf("failed to insert mandelbox: %s", err)
		}
		if err := tx.Commit(ctx); err != nil {
			t.Fatalf("failed to commit: %s", err)
		}
	}
}
