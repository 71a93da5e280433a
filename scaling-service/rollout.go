// Copyright (c) 2022 Whist Technologies, Inc.

package main

import (
	"context"
	"encoding/json"
	"net/url"
	"os"
	"strings"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	algos "github.com/whisthq/whist/backend/fleet/scaling-service/scaling_algorithms/default"
	"github.com/whisthq/whist/backend/fleet/utils"
)

// manifestFetcher downloads the object at bucket/key.
type manifestFetcher func(ctx context.Context, bucket, key string) ([]byte, error)

// s3Fetch downloads a manifest with the default AWS SDK configuration.
func s3Fetch(ctx context.Context, bucket, key string) ([]byte, error) {
	cfg, err := awsconfig.LoadDefaultConfig(ctx)
	if err != nil {
		return nil, utils.MakeError("unable to load AWS SDK config: %s", err)
	}

	downloader := manager.NewDownloader(s3.NewFromConfig(cfg))
	buf := manager.NewWriteAtBuffer([]byte{})
	if _, err := downloader.Download(ctx, buf, &s3.GetObjectInput{
		Bucket: &bucket,
		Key:    &key,
	}); err != nil {
		return nil, utils.MakeError("failed to download s3://%s/%s: %w", bucket, key, err)
	}
	return buf.Bytes(), nil
}

// loadRolloutManifest reads a rollout request from a local path or from an
// s3://bucket/key URL.
func loadRolloutManifest(ctx context.Context, location string, fetch manifestFetcher) (algos.RolloutRequest, error) {
	var (
		raw []byte
		err error
	)

	if strings.HasPrefix(location, "s3://") {
		u, perr := url.Parse(location)
		if perr != nil {
			return algos.RolloutRequest{}, utils.MakeError("invalid manifest URL %s: %s", location, perr)
		}
		key := strings.TrimPrefix(u.Path, "/")
		if u.Host == "" || key == "" {
			return algos.RolloutRequest{}, utils.MakeError("manifest URL %s must name a bucket and a key", location)
		}
		raw, err = fetch(ctx, u.Host, key)
	} else {
		raw, err = os.ReadFile(location)
	}
	if err != nil {
		return algos.RolloutRequest{}, utils.MakeError("failed to read rollout manifest %s: %w", location, err)
	}

	var req algos.RolloutRequest
	if err := json.Unmarshal(raw, &req); err != nil {
		return algos.RolloutRequest{}, utils.MakeError("failed to parse rollout manifest %s: %s", location, err)
	}
	return req, nil
}
