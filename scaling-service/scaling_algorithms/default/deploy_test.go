package scaling_algorithms

import (
	"context"
	"errors"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/whisthq/whist/backend/fleet/scaling-service/dbclient"
	"github.com/whisthq/whist/backend/fleet/scaling-service/hosts"
	"github.com/whisthq/whist/backend/fleet/utils"
)

// connectHosts plays the part of the host agents in the given regions,
// sending a first heartbeat for every new host until ctx is cancelled.
func connectHosts(ctx context.Context, db dbclient.WhistDBClient, hostList func() []dbclient.Host, regions ...string) <-chan struct{} {
	done := make(chan struct{})
	go func() {
		defer close(done)
		for ctx.Err() == nil {
			for _, h := range hostList() {
				if h.Status != dbclient.HostStatusPreConnection || !utils.SliceContains(regions, h.Region) {
					continue
				}
				_, _ = db.ApplyHeartbeat(ctx, dbclient.Heartbeat{HostName: h.Name, IP: "10.9.0.1", Capacity: h.Capacity})
			}
			time.Sleep(time.Millisecond)
		}
	}()
	return done
}

func seedFleetForRollout(t *testing.T, db dbclient.WhistDBClient, host *mockHostHandler) {
	seedImage(t, db, "us-east-1", "ami-old-east", "commit-old", true)
	seedImage(t, db, "us-west-1", "ami-old-west", "commit-old", true)
	seedImage(t, db, "us-east-2", "ami-old-east-2", "commit-old", true)

	seedHost(t, db, "old-east", "us-east-1", "ami-old-east", "commit-old", dbclient.HostStatusActive)
	seedHost(t, db, "old-west", "us-west-1", "ami-old-west", "commit-old", dbclient.HostStatusActive)
	seedHost(t, db, "old-east-2", "us-east-2", "ami-old-east-2", "commit-old", dbclient.HostStatusActive)
	for _, name := range []string{"old-east", "old-west", "old-east-2"} {
		host.setState("i-"+name, hosts.InstanceStateRunning)
	}
}

func hostStatuses(db interface{ Hosts() []dbclient.Host }) map[string]dbclient.HostStatus {
	statuses := make(map[string]dbclient.HostStatus)
	for _, h := range db.Hosts() {
		statuses[h.Name] = h.Status
	}
	return statuses
}

func TestUpgradeImage(t *testing.T) {
	db := newTestDB()
	s, host, agent := newTestAlgorithm(t, db, testConfig())
	seedFleetForRollout(t, db, host)
	ctx, cancel := context.WithCancel(context.Background())

	done := connectHosts(ctx, db, db.Hosts, "us-east-1", "us-west-1")
	err := s.UpgradeImage(ctx, RolloutRequest{
		CommitHash: "commit-new",
		RegionImages: map[string]string{
			"us-east-1": "ami-new-east",
			"us-west-1": "ami-new-west",
		},
	})
	cancel()
	<-done
	if err != nil {
		t.Fatalf("rollout failed: %s", err)
	}

	bg := context.Background()
	for region, imageID := range map[string]string{"us-east-1": "ami-new-east", "us-west-1": "ami-new-west", "us-east-2": "ami-old-east-2"} {
		active, err := db.QueryActiveImage(bg, region)
		if err != nil {
			t.Fatalf("failed to query active image of %s: %s", region, err)
		}
		if active.ImageID != imageID || active.ScaleDownProtected {
			t.Errorf("expected %s to be the active unprotected image of %s, got %+v", imageID, region, active)
		}
	}

	old, err := db.QueryImage(bg, "us-east-1", "ami-old-east")
	if err != nil || old.Active {
		t.Errorf("expected the previous image to be inactive, got %+v: %v", old, err)
	}

	var newHosts []string
	statuses := make(map[string]dbclient.HostStatus)
	for _, h := range db.Hosts() {
		if h.CommitHash == "commit-new" {
			newHosts = append(newHosts, h.Region)
			if h.Status != dbclient.HostStatusActive {
				t.Errorf("expected new host %s to be active, got %s", h.Name, h.Status)
			}
			continue
		}
		statuses[h.Name] = h.Status
	}
	sort.Strings(newHosts)
	if diff := cmp.Diff([]string{"us-east-1", "us-west-1"}, newHosts); diff != "" {
		t.Errorf("unexpected new hosts (-want +got):\n%s", diff)
	}

	want := map[string]dbclient.HostStatus{
		"old-east":   dbclient.HostStatusDraining,
		"old-west":   dbclient.HostStatusDraining,
		"old-east-2": dbclient.HostStatusActive,
	}
	if diff := cmp.Diff(want, statuses); diff != "" {
		t.Errorf("unexpected previous hosts (-want +got):\n%s", diff)
	}
	if got := len(agent.drainedIPs()); got != 2 {
		t.Errorf("expected 2 previous hosts to be notified, got %d", got)
	}
}

func TestUpgradeImageFailureRollsBack(t *testing.T) {
	db := newTestDB()
	s, host, agent := newTestAlgorithm(t, db, testConfig())
	s.rolloutReadyTimeout = 50 * time.Millisecond
	seedFleetForRollout(t, db, host)
	ctx, cancel := context.WithCancel(context.Background())

	// Only the hosts in us-east-1 ever connect.
	done := connectHosts(ctx, db, db.Hosts, "us-east-1")
	err := s.UpgradeImage(ctx, RolloutRequest{
		CommitHash: "commit-new",
		RegionImages: map[string]string{
			"us-east-1": "ami-new-east",
			"us-west-1": "ami-new-west",
		},
	})
	cancel()
	<-done
	if !errors.Is(err, ErrRolloutTimeout) {
		t.Fatalf("expected a rollout timeout, got %v", err)
	}

	bg := context.Background()
	for _, key := range [][2]string{{"us-east-1", "ami-new-east"}, {"us-west-1", "ami-new-west"}} {
		if _, err := db.QueryImage(bg, key[0], key[1]); !errors.Is(err, dbclient.ErrImageNotFound) {
			t.Errorf("expected new image %s to be removed, got %v", key[1], err)
		}
	}
	active, err := db.QueryActiveImage(bg, "us-east-1")
	if err != nil || active.ImageID != "ami-old-east" {
		t.Errorf("expected the previous image to stay active, got %+v: %v", active, err)
	}

	statuses := hostStatuses(db)
	for _, name := range []string{"old-east", "old-west", "old-east-2"} {
		if statuses[name] != dbclient.HostStatusActive {
			t.Errorf("expected previous host %s to stay active, got %s", name, statuses[name])
		}
	}

	// The connected new host is drained, the other one is terminated.
	for _, h := range db.Hosts() {
		if h.CommitHash == "commit-new" && h.Status != dbclient.HostStatusDraining {
			t.Errorf("expected new host %s to be draining, got %s", h.Name, h.Status)
		}
	}
	if diff := cmp.Diff([]string{"10.9.0.1"}, agent.drainedIPs()); diff != "" {
		t.Errorf("unexpected agent notifications (-want +got):\n%s", diff)
	}
	if got := len(host.stoppedIDs()); got != 1 {
		t.Errorf("expected the unconnected host to be terminated, got %d stops", got)
	}
}

func TestUpgradeImageRejectsEmptyRequest(t *testing.T) {
	s, host, _ := newTestAlgorithm(t, newTestDB(), testConfig())

	for _, req := range []RolloutRequest{
		{},
		{CommitHash: "commit-new"},
		{CommitHash: "commit-new", RegionImages: map[string]string{"us-east-1": ""}},
	} {
		if err := s.UpgradeImage(context.Background(), req); err == nil {
			t.Errorf("expected rollout %+v to be rejected", req)
		}
	}
	if host.launchCount() != 0 {
		t.Errorf("expected no launches, got %d", host.launchCount())
	}
}

func TestWaitForActiveHostsNeedsEveryHost(t *testing.T) {
	db := newTestDB()
	s, _, _ := newTestAlgorithm(t, db, testConfig())
	s.rolloutReadyTimeout = 50 * time.Millisecond
	ctx := context.Background()

	launched := []dbclient.Host{
		seedHost(t, db, "new-a", "us-east-1", "ami-new", "commit-new", dbclient.HostStatusPreConnection),
		seedHost(t, db, "new-b", "us-east-1", "ami-new", "commit-new", dbclient.HostStatusPreConnection),
	}
	if _, err := db.ApplyHeartbeat(ctx, dbclient.Heartbeat{HostName: "new-a", IP: "10.9.0.1", Capacity: 2}); err != nil {
		t.Fatal(err)
	}

	if err := s.waitForActiveHosts(ctx, "us-east-1", launched); !errors.Is(err, ErrRolloutTimeout) {
		t.Fatalf("expected a timeout with one host still connecting, got %v", err)
	}

	if _, err := db.ApplyHeartbeat(ctx, dbclient.Heartbeat{HostName: "new-b", IP: "10.9.0.2", Capacity: 2}); err != nil {
		t.Fatal(err)
	}
	if err := s.waitForActiveHosts(ctx, "us-east-1", launched); err != nil {
		t.Errorf("expected every host to be active, got %s", err)
	}
}

func TestWaitForActiveHostsRemovedHost(t *testing.T) {
	db := newTestDB()
	s, _, _ := newTestAlgorithm(t, db, testConfig())
	ctx := context.Background()

	launched := []dbclient.Host{
		seedHost(t, db, "new-a", "us-east-1", "ami-new", "commit-new", dbclient.HostStatusPreConnection),
	}
	if err := db.DeleteHost(ctx, "new-a"); err != nil {
		t.Fatal(err)
	}

	err := s.waitForActiveHosts(ctx, "us-east-1", launched)
	if err == nil || errors.Is(err, ErrRolloutTimeout) {
		t.Errorf("expected the removed host to fail the wait right away, got %v", err)
	}
}

func TestEnqueueRollout(t *testing.T) {
	s, _, _ := newTestAlgorithm(t, newTestDB(), testConfig())
	s.ScalingEventChan = make(chan ScalingEvent, 1)
	req := RolloutRequest{CommitHash: "commit-new", RegionImages: map[string]string{"us-east-1": "ami-new"}}

	if _, err := s.EnqueueRollout(RolloutRequest{CommitHash: "commit-new"}); !errors.Is(err, ErrInvalidRollout) {
		t.Errorf("expected ErrInvalidRollout, got %v", err)
	}

	id, err := s.EnqueueRollout(req)
	if err != nil {
		t.Fatalf("failed to queue rollout: %s", err)
	}
	if _, err := s.EnqueueRollout(req); !errors.Is(err, ErrEventQueueFull) {
		t.Errorf("expected ErrEventQueueFull, got %v", err)
	}

	events := drainEvents(s)
	want := []ScalingEvent{{ID: id, Type: RolloutEvent, Data: req}}
	if diff := cmp.Diff(want, events); diff != "" {
		t.Errorf("unexpected events (-want +got):\n%s", diff)
	}

	s.rolloutRunning.Store(true)
	if _, err := s.EnqueueRollout(req); !errors.Is(err, ErrRolloutInProgress) {
		t.Errorf("expected ErrRolloutInProgress, got %v", err)
	}
	if err := s.UpgradeImage(context.Background(), req); !errors.Is(err, ErrRolloutInProgress) {
		t.Errorf("expected overlapping UpgradeImage to fail, got %v", err)
	}
}

func TestRolloutEventRunsInEventLoop(t *testing.T) {
	db := newTestDB()
	s, host, _ := newTestAlgorithm(t, db, testConfig())
	seedFleetForRollout(t, db, host)

	ctx, cancel := context.WithCancel(context.Background())
	var tracker sync.WaitGroup
	s.ProcessEvents(ctx, &tracker)
	done := connectHosts(ctx, db, db.Hosts, "us-east-1")

	if _, err := s.EnqueueRollout(RolloutRequest{
		CommitHash:   "commit-new",
		RegionImages: map[string]string{"us-east-1": "ami-new-east"},
	}); err != nil {
		t.Fatalf("failed to queue rollout: %s", err)
	}

	activated := func() bool {
		active, err := db.QueryActiveImage(context.Background(), "us-east-1")
		return err == nil && active.ImageID == "ami-new-east"
	}
	deadline := time.Now().Add(2 * time.Second)
	for !activated() && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	cancel()
	tracker.Wait()
	<-done

	if !activated() {
		t.Fatal("expected the queued rollout to activate the new image")
	}
	if statuses := hostStatuses(db); statuses["old-east"] != dbclient.HostStatusDraining {
		t.Errorf("expected the previous host to be draining, got %s", statuses["old-east"])
	}
}
