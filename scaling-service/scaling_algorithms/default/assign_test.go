package scaling_algorithms

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/whisthq/whist/backend/fleet/scaling-service/dbclient"
	"github.com/whisthq/whist/backend/fleet/types"
	"github.com/whisthq/whist/backend/fleet/utils"
)

func assignRequest(region, commit string) AssignRequest {
	return AssignRequest{
		Region:     region,
		CommitHash: commit,
		UserID:     types.UserID("user-1"),
		UserEmail:  "user@whist.com",
	}
}

// placementErrorCode returns the code of a placement error, failing the test
// if err is not one.
func placementErrorCode(t *testing.T, err error) PlacementErrorCode {
	t.Helper()
	var placementErr *PlacementError
	if !errors.As(err, &placementErr) {
		t.Fatalf("expected a placement error, got %v", err)
	}
	return placementErr.Code
}

func TestMandelboxAssignHappyPath(t *testing.T) {
	db := newTestDB()
	seedImage(t, db, "us-east-1", "ami-1", testCommit, true)
	seedHost(t, db, "host-a", "us-east-1", "ami-1", testCommit, dbclient.HostStatusActive)
	s, _, _ := newTestAlgorithm(t, db, testConfig())

	result, err := s.MandelboxAssign(context.Background(), assignRequest("us-east-1", testCommit))
	if err != nil {
		t.Fatalf("failed to assign mandelbox: %s", err)
	}
	if result.HostName != "host-a" || result.IP != "10.0.0.1" {
		t.Errorf("unexpected assign result %+v", result)
	}

	want := []dbclient.Mandelbox{{
		ID:       result.MandelboxID,
		HostName: "host-a",
		UserID:   types.UserID("user-1"),
		Status:   dbclient.MandelboxStatusAllocated,
	}}
	got := db.Mandelboxes()
	for i := range got {
		got[i].CreatedAtMs = 0
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("unexpected mandelboxes (-want +got):\n%s", diff)
	}

	events := drainEvents(s)
	if len(events) != 1 || events[0].Region != "us-east-1" || events[0].Data != "ami-1" || events[0].Type != ScaleUpEvent {
		t.Errorf("expected a scale up event for the host's image, got %+v", events)
	}
}

func TestMandelboxAssignPacksHosts(t *testing.T) {
	db := newTestDB()
	seedImage(t, db, "us-east-1", "ami-1", testCommit, true)
	seedHost(t, db, "host-a", "us-east-1", "ami-1", testCommit, dbclient.HostStatusActive)
	seedHost(t, db, "host-b", "us-east-1", "ami-1", testCommit, dbclient.HostStatusActive)
	allocateOn(t, db, "host-b", 1)
	s, _, _ := newTestAlgorithm(t, db, testConfig())

	var got []string
	for i := 0; i < 3; i++ {
		result, err := s.MandelboxAssign(context.Background(), assignRequest("us-east-1", testCommit))
		if err != nil {
			t.Fatalf("assign %d failed: %s", i, err)
		}
		got = append(got, result.HostName)
	}

	// The fuller host is used first.
	if diff := cmp.Diff([]string{"host-b", "host-a", "host-a"}, got); diff != "" {
		t.Errorf("unexpected placement order (-want +got):\n%s", diff)
	}

	_, err := s.MandelboxAssign(context.Background(), assignRequest("us-east-1", testCommit))
	if code := placementErrorCode(t, err); code != NoHost {
		t.Errorf("expected %s once the hosts are full, got %s", NoHost, code)
	}
}

func TestMandelboxAssignCommitMismatch(t *testing.T) {
	db := newTestDB()
	seedImage(t, db, "us-east-1", "ami-1", testCommit, true)
	seedHost(t, db, "host-a", "us-east-1", "ami-1", testCommit, dbclient.HostStatusActive)
	cfg := testConfig()
	cfg.FrontendVersion = "3.0.0"
	s, _, _ := newTestAlgorithm(t, db, cfg)

	req := assignRequest("us-east-1", "commit-outdated")
	req.Version = "2.9.1"
	_, err := s.MandelboxAssign(context.Background(), req)
	if code := placementErrorCode(t, err); code != CommitMismatch {
		t.Errorf("expected %s, got %s", CommitMismatch, code)
	}
	if got := len(db.Mandelboxes()); got != 0 {
		t.Errorf("expected no mandelboxes, got %d", got)
	}

	events := drainEvents(s)
	if len(events) != 1 || events[0].Data != "ami-1" {
		t.Errorf("expected a scale up event for the active image, got %+v", events)
	}
}

func TestMandelboxAssignColdRegion(t *testing.T) {
	db := newTestDB()
	seedImage(t, db, "us-west-1", "ami-west", testCommit, true)
	s, host, _ := newTestAlgorithm(t, db, testConfig())
	ctx := context.Background()

	_, err := s.MandelboxAssign(ctx, assignRequest("us-west-1", testCommit))
	if code := placementErrorCode(t, err); code != NoHost {
		t.Fatalf("expected %s, got %s", NoHost, code)
	}

	events := drainEvents(s)
	if len(events) != 1 {
		t.Fatalf("expected one scale up event, got %+v", events)
	}
	s.handleEvent(ctx, events[0])

	if host.launchCount() != 1 {
		t.Fatalf("expected the scale up event to launch a host, got %d launches", host.launchCount())
	}

	// Once the host connects the user can be placed.
	launched := db.Hosts()[0]
	if _, err := s.Heartbeat(ctx, dbclient.Heartbeat{HostName: launched.Name, IP: "10.1.0.1", Capacity: 2}); err != nil {
		t.Fatalf("failed to apply heartbeat: %s", err)
	}
	result, err := s.MandelboxAssign(ctx, assignRequest("us-west-1", testCommit))
	if err != nil {
		t.Fatalf("failed to assign after scale up: %s", err)
	}
	if result.HostName != launched.Name || result.IP != "10.1.0.1" {
		t.Errorf("unexpected assign result %+v", result)
	}
}

func TestMandelboxAssignBundledRegion(t *testing.T) {
	db := newTestDB()
	seedImage(t, db, "us-east-1", "ami-1", testCommit, true)
	seedImage(t, db, "us-east-2", "ami-2", testCommit, true)
	seedHost(t, db, "host-east-1", "us-east-1", "ami-1", testCommit, dbclient.HostStatusActive)
	s, _, _ := newTestAlgorithm(t, db, testConfig())

	result, err := s.MandelboxAssign(context.Background(), assignRequest("us-east-2", testCommit))
	if err != nil {
		t.Fatalf("failed to assign mandelbox: %s", err)
	}
	if result.HostName != "host-east-1" {
		t.Errorf("expected the bundled region host, got %s", result.HostName)
	}
}

func TestMandelboxAssignAdmission(t *testing.T) {
	db := newTestDB()
	seedImage(t, db, "us-east-1", "ami-1", testCommit, true)
	seedHost(t, db, "host-a", "us-east-1", "ami-1", testCommit, dbclient.HostStatusActive)
	cfg := testConfig()
	cfg.DenyConcurrentSessions = true
	s, _, _ := newTestAlgorithm(t, db, cfg)
	ctx := context.Background()

	_, err := s.MandelboxAssign(ctx, assignRequest("ap-south-1", testCommit))
	if code := placementErrorCode(t, err); code != RegionNotEnabled {
		t.Errorf("expected %s, got %s", RegionNotEnabled, code)
	}

	if _, err := s.MandelboxAssign(ctx, assignRequest("us-east-1", testCommit)); err != nil {
		t.Fatalf("failed to assign first mandelbox: %s", err)
	}
	_, err = s.MandelboxAssign(ctx, assignRequest("us-east-1", testCommit))
	if code := placementErrorCode(t, err); code != UserAlreadyActive {
		t.Errorf("expected %s, got %s", UserAlreadyActive, code)
	}
}

func TestMandelboxAssignDevOverride(t *testing.T) {
	db := newTestDB()
	seedImage(t, db, "us-east-1", "ami-1", testCommit, true)
	seedHost(t, db, "host-a", "us-east-1", "ami-1", testCommit, dbclient.HostStatusActive)
	s, _, _ := newTestAlgorithm(t, db, testConfig())

	_, err := s.MandelboxAssign(context.Background(), assignRequest("us-east-1", "local_dev"))
	if code := placementErrorCode(t, err); code != CommitMismatch {
		t.Errorf("expected %s without the override, got %s", CommitMismatch, code)
	}

	s.allowDevOverride = true
	result, err := s.MandelboxAssign(context.Background(), assignRequest("us-east-1", "local_dev"))
	if err != nil {
		t.Fatalf("failed to assign with the dev override: %s", err)
	}
	if result.HostName != "host-a" {
		t.Errorf("unexpected host %s", result.HostName)
	}
}

func TestMandelboxAssignRetries(t *testing.T) {
	var tests = []struct {
		name       string
		beginErrs  []error
		wantCode   PlacementErrorCode
		wantBegins int
	}{
		{"lock timeout is retried", []error{dbclient.ErrLockTimeout}, "", 2},
		{"persistent lock timeout", []error{dbclient.ErrLockTimeout, dbclient.ErrLockTimeout}, LockTimeout, 2},
		{"invariant violation is not retried", []error{utils.MakeError("insert: %w", dbclient.ErrInvariantViolation)}, ServiceUnavailable, 1},
		{"other errors are not retried", []error{errors.New("connection reset")}, ServiceUnavailable, 1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			db := &mockDBClient{MemDB: newTestDB(), beginErrs: tt.beginErrs}
			seedImage(t, db, "us-east-1", "ami-1", testCommit, true)
			seedHost(t, db, "host-a", "us-east-1", "ami-1", testCommit, dbclient.HostStatusActive)
			s, _, _ := newTestAlgorithm(t, db, testConfig())

			_, err := s.MandelboxAssign(context.Background(), assignRequest("us-east-1", testCommit))
			if tt.wantCode == "" {
				if err != nil {
					t.Errorf("expected assign to succeed, got %s", err)
				}
			} else if code := placementErrorCode(t, err); code != tt.wantCode {
				t.Errorf("expected %s, got %s", tt.wantCode, code)
			}

			if db.beginCalls != tt.wantBegins {
				t.Errorf("expected %d transactions, got %d", tt.wantBegins, db.beginCalls)
			}
		})
	}
}

func TestConcurrentMandelboxAssign(t *testing.T) {
	db := newTestDB()
	seedImage(t, db, "us-east-1", "ami-1", testCommit, true)
	seedHost(t, db, "host-a", "us-east-1", "ami-1", testCommit, dbclient.HostStatusActive)
	seedHost(t, db, "host-b", "us-east-1", "ami-1", testCommit, dbclient.HostStatusActive)
	// Inactive hosts must never receive users.
	seedHost(t, db, "host-draining", "us-east-1", "ami-1", testCommit, dbclient.HostStatusDraining)
	s, _, _ := newTestAlgorithm(t, db, testConfig())

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		results = make(map[PlacementErrorCode]int)
	)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			req := assignRequest("us-east-1", testCommit)
			req.UserID = types.UserID(utils.Sprintf("user-%d", i))
			_, err := s.MandelboxAssign(context.Background(), req)

			code := PlacementErrorCode("OK")
			var placementErr *PlacementError
			if errors.As(err, &placementErr) {
				code = placementErr.Code
			}
			mu.Lock()
			results[code]++
			mu.Unlock()
		}(i)
	}
	wg.Wait()

	if diff := cmp.Diff(map[PlacementErrorCode]int{"OK": 4, NoHost: 4}, results); diff != "" {
		t.Errorf("unexpected placement results (-want +got):\n%s", diff)
	}

	perHost := make(map[string]int)
	for _, m := range db.Mandelboxes() {
		perHost[m.HostName]++
	}
	if diff := cmp.Diff(map[string]int{"host-a": 2, "host-b": 2}, perHost); diff != "" {
		t.Errorf("unexpected mandelboxes per host (-want +got):\n%s", diff)
	}
}
