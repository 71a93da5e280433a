package scaling_algorithms

import (
	"context"
	"errors"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/whisthq/whist/backend/fleet/scaling-service/dbclient"
	"github.com/whisthq/whist/backend/fleet/scaling-service/hosts"
	"github.com/whisthq/whist/backend/fleet/types"
)

func TestDrain(t *testing.T) {
	var tests = []struct {
		name          string
		status        dbclient.HostStatus
		mandelboxes   int
		instanceState hosts.InstanceState // Empty means the provider doesn't know it.
		agentErr      error
		stopState     hosts.InstanceState

		wantStatus  dbclient.HostStatus // Empty means the row is deleted.
		wantNotify  bool
		wantStopped bool
	}{
		{
			name:          "pre connection host is terminated without notifying",
			status:        dbclient.HostStatusPreConnection,
			instanceState: hosts.InstanceStateRunning,
			wantStopped:   true,
		},
		{
			name:          "pre connection host that doesn't stop is kept",
			status:        dbclient.HostStatusPreConnection,
			instanceState: hosts.InstanceStateRunning,
			stopState:     hosts.InstanceStateRunning,
			wantStatus:    dbclient.HostStatusDraining,
			wantStopped:   true,
		},
		{
			name:          "active host is told to drain",
			status:        dbclient.HostStatusActive,
			instanceState: hosts.InstanceStateRunning,
			wantStatus:    dbclient.HostStatusDraining,
			wantNotify:    true,
		},
		{
			name:          "active host with unreachable agent is unresponsive",
			status:        dbclient.HostStatusActive,
			instanceState: hosts.InstanceStateRunning,
			agentErr:      errors.New("connection refused"),
			wantStatus:    dbclient.HostStatusUnresponsive,
			wantNotify:    true,
		},
		{
			name:       "active host already gone is deleted",
			status:     dbclient.HostStatusActive,
			wantNotify: true,
		},
		{
			name:          "active host stopping after the drain request is deleted",
			status:        dbclient.HostStatusActive,
			instanceState: hosts.InstanceStateStopping,
			wantNotify:    true,
		},
		{
			name:          "draining host that is stopping is deleted",
			status:        dbclient.HostStatusDraining,
			instanceState: hosts.InstanceStateStopping,
		},
		{
			name:          "draining host still running is notified again",
			status:        dbclient.HostStatusDraining,
			instanceState: hosts.InstanceStateRunning,
			wantStatus:    dbclient.HostStatusDraining,
			wantNotify:    true,
		},
		{
			name:          "draining host that stopped is deleted",
			status:        dbclient.HostStatusDraining,
			instanceState: hosts.InstanceStateTerminated,
		},
		{
			name:          "empty unresponsive host is terminated",
			status:        dbclient.HostStatusUnresponsive,
			instanceState: hosts.InstanceStateRunning,
			wantStopped:   true,
		},
		{
			name:          "unresponsive host with mandelboxes is left alone",
			status:        dbclient.HostStatusUnresponsive,
			mandelboxes:   1,
			instanceState: hosts.InstanceStateRunning,
			wantStatus:    dbclient.HostStatusUnresponsive,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			db := newTestDB()
			s, host, agent := newTestAlgorithm(t, db, testConfig())
			agent.err = tt.agentErr
			if tt.stopState != "" {
				host.stopState = tt.stopState
			}

			// Mandelboxes can only be allocated on active hosts.
			seeded := seedHost(t, db, "host-a", "us-east-1", "ami-1", testCommit, dbclient.HostStatusActive)
			allocateOn(t, db, seeded.Name, tt.mandelboxes)
			if err := db.UpdateHostStatus(context.Background(), seeded.Name, tt.status); err != nil {
				t.Fatalf("failed to set host status: %s", err)
			}
			if tt.instanceState != "" {
				host.setState(seeded.CloudID, tt.instanceState)
			}

			if err := s.Drain(context.Background(), seeded.Name); err != nil {
				t.Fatalf("failed to drain host: %s", err)
			}

			row, err := db.QueryHost(context.Background(), seeded.Name)
			if tt.wantStatus == "" {
				if !errors.Is(err, dbclient.ErrHostNotFound) {
					t.Errorf("expected host to be deleted, got status %s: %v", row.Status, err)
				}
			} else if err != nil || row.Status != tt.wantStatus {
				t.Errorf("expected status %s, got %s: %v", tt.wantStatus, row.Status, err)
			}

			notified := len(agent.drainedIPs()) > 0
			if notified != tt.wantNotify {
				t.Errorf("expected agent notified to be %v, got calls %v", tt.wantNotify, agent.drainedIPs())
			}
			stopped := len(host.stoppedIDs()) > 0
			if stopped != tt.wantStopped {
				t.Errorf("expected instance stopped to be %v, got %v", tt.wantStopped, host.stoppedIDs())
			}
		})
	}
}

func TestDrainIsIdempotent(t *testing.T) {
	db := newTestDB()
	s, host, agent := newTestAlgorithm(t, db, testConfig())
	seeded := seedHost(t, db, "host-a", "us-east-1", "ami-1", testCommit, dbclient.HostStatusPreConnection)
	host.setState(seeded.CloudID, hosts.InstanceStateRunning)

	for i := 0; i < 2; i++ {
		if err := s.Drain(context.Background(), seeded.Name); err != nil {
			t.Fatalf("drain %d failed: %s", i, err)
		}
	}

	if diff := cmp.Diff([]types.InstanceID{types.InstanceID(seeded.CloudID)}, host.stoppedIDs()); diff != "" {
		t.Errorf("unexpected stopped instances (-want +got):\n%s", diff)
	}
	if calls := agent.drainedIPs(); len(calls) != 0 {
		t.Errorf("expected no agent calls for a host without agent, got %v", calls)
	}
	if got := len(db.Hosts()); got != 0 {
		t.Errorf("expected no hosts left, got %d", got)
	}
}

func TestDrainMissingHost(t *testing.T) {
	s, host, agent := newTestAlgorithm(t, newTestDB(), testConfig())

	if err := s.Drain(context.Background(), "does-not-exist"); err != nil {
		t.Fatalf("expected draining a missing host to succeed, got %s", err)
	}
	if len(host.stoppedIDs()) != 0 || len(agent.drainedIPs()) != 0 {
		t.Error("expected no calls when draining a missing host")
	}
}
