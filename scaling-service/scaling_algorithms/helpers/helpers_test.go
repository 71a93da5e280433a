package helpers

import (
	"net"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/whisthq/whist/backend/fleet/scaling-service/dbclient"
)

func TestInstanceCapacity(t *testing.T) {
	var tests = []struct {
		instanceType string
		want         int
	}{
		{"g4dn.xlarge", 1},
		{"g4dn.2xlarge", 2},
		{"g4dn.4xlarge", 3},
		{"g4dn.12xlarge", 12},
		{"g4dn.16xlarge", 3},
		{"m5.large", 1},
		{"", 1},
	}

	for _, tt := range tests {
		t.Run(tt.instanceType, func(t *testing.T) {
			if got := InstanceCapacity(tt.instanceType); got != tt.want {
				t.Errorf("expected capacity %d for %q, got %d", tt.want, tt.instanceType, got)
			}
		})
	}
}

func TestGenerateInstanceCapacityMap(t *testing.T) {
	got := generateInstanceCapacityMap(
		map[string]int{"a": 1, "b": 2},
		map[string]int{"a": 8, "c": 16},
	)
	if diff := cmp.Diff(map[string]int{"a": 2}, got); diff != "" {
		t.Errorf("unexpected capacity map (-want +got):\n%s", diff)
	}
}

func TestBundledRegions(t *testing.T) {
	var tests = []struct {
		region string
		want   []string
	}{
		{"us-east-1", []string{"us-east-2", "ca-central-1"}},
		{"us-east-2", []string{"us-east-1", "ca-central-1"}},
		{"us-west-1", []string{"us-west-2"}},
		{"us-west-2", []string{"us-west-1"}},
		{"ca-central-1", []string{"us-east-1", "us-east-2"}},
		{"eu-west-1", nil},
	}

	for _, tt := range tests {
		t.Run(tt.region, func(t *testing.T) {
			if diff := cmp.Diff(tt.want, BundledRegions(tt.region)); diff != "" {
				t.Errorf("unexpected bundle (-want +got):\n%s", diff)
			}
		})
	}

	// Callers can't corrupt the table.
	BundledRegions("us-west-1")[0] = "mars-1"
	if BundledRegions("us-west-1")[0] != "us-west-2" {
		t.Errorf("expected the bundled table to be unaffected by callers")
	}
}

func TestCreateFakeHosts(t *testing.T) {
	hosts := CreateFakeHosts(3, "us-east-1", "ami-1", "c1")
	if len(hosts) != 3 {
		t.Fatalf("expected 3 hosts, got %d", len(hosts))
	}

	names := make(map[string]bool)
	for _, h := range hosts {
		if names[h.Name] {
			t.Errorf("duplicate host name %s", h.Name)
		}
		names[h.Name] = true

		if h.Status != dbclient.HostStatusActive || net.ParseIP(h.IP) == nil {
			t.Errorf("expected an active host with a valid IP, got %+v", h)
		}
	}
}
