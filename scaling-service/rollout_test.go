package main

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/whisthq/whist/backend/fleet/scaling-service/config"
	"github.com/whisthq/whist/backend/fleet/scaling-service/dbclient/memdb"
	algos "github.com/whisthq/whist/backend/fleet/scaling-service/scaling_algorithms/default"
)

const testManifest = `{"commit_hash": "abc123", "region_images": {"us-east-1": "ami-new"}}`

var wantManifest = algos.RolloutRequest{
	CommitHash:   "abc123",
	RegionImages: map[string]string{"us-east-1": "ami-new"},
}

func TestLoadRolloutManifestFromFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "manifest.json")
	if err := os.WriteFile(path, []byte(testManifest), 0o600); err != nil {
		t.Fatal(err)
	}

	fetch := func(context.Context, string, string) ([]byte, error) {
		t.Fatalf("did not expect an S3 download")
		return nil, nil
	}
	req, err := loadRolloutManifest(context.Background(), path, fetch)
	if err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff(wantManifest, req); diff != "" {
		t.Errorf("unexpected manifest (-want +got):\n%s", diff)
	}
}

func TestLoadRolloutManifestFromS3(t *testing.T) {
	var gotBucket, gotKey string
	fetch := func(_ context.Context, bucket, key string) ([]byte, error) {
		gotBucket, gotKey = bucket, key
		return []byte(testManifest), nil
	}

	req, err := loadRolloutManifest(context.Background(), "s3://whist-rollouts/prod/abc123.json", fetch)
	if err != nil {
		t.Fatal(err)
	}
	if gotBucket != "whist-rollouts" || gotKey != "prod/abc123.json" {
		t.Errorf("fetched s3://%s/%s", gotBucket, gotKey)
	}
	if diff := cmp.Diff(wantManifest, req); diff != "" {
		t.Errorf("unexpected manifest (-want +got):\n%s", diff)
	}
}

func TestLoadRolloutManifestErrors(t *testing.T) {
	failing := func(context.Context, string, string) ([]byte, error) {
		return nil, errors.New("access denied")
	}
	garbage := func(context.Context, string, string) ([]byte, error) {
		return []byte("not json"), nil
	}

	tests := []struct {
		name     string
		location string
		fetch    manifestFetcher
	}{
		{"missing file", filepath.Join(t.TempDir(), "nope.json"), failing},
		{"missing key", "s3://whist-rollouts", failing},
		{"download error", "s3://whist-rollouts/x.json", failing},
		{"invalid json", "s3://whist-rollouts/x.json", garbage},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := loadRolloutManifest(context.Background(), tt.location, tt.fetch); err == nil {
				t.Errorf("expected an error loading %s", tt.location)
			}
		})
	}
}

func TestQueueRollout(t *testing.T) {
	algorithm := algos.NewDefaultScalingAlgorithm(nil, memdb.New(time.Second), nil, config.Config{})
	fetch := func(context.Context, string, string) ([]byte, error) {
		return []byte(testManifest), nil
	}

	if err := queueRollout(context.Background(), algorithm, "s3://whist-rollouts/abc123.json", fetch); err != nil {
		t.Fatalf("failed to queue rollout: %s", err)
	}

	select {
	case event := <-algorithm.ScalingEventChan:
		if event.Type != algos.RolloutEvent {
			t.Errorf("expected a rollout event, got %v", event.Type)
		}
		if diff := cmp.Diff(wantManifest, event.Data); diff != "" {
			t.Errorf("unexpected rollout (-want +got):\n%s", diff)
		}
	default:
		t.Fatal("expected a queued rollout event")
	}

	garbage := func(context.Context, string, string) ([]byte, error) {
		return []byte(`{"commit_hash": "abc123"}`), nil
	}
	if err := queueRollout(context.Background(), algorithm, "s3://whist-rollouts/x.json", garbage); !errors.Is(err, algos.ErrInvalidRollout) {
		t.Errorf("expected an invalid rollout error, got %v", err)
	}
}
