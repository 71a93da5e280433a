// Copyright (c) 2022 Whist Technologies, Inc.

// Package config loads the configuration values of the scaling service. Values
// are layered: built-in defaults first, then the TOML config file, then
// WHIST_-prefixed environment variables and finally command line flags, each
// layer overriding the previous one. config.Load() should be called as close
// as possible to the top of the main function, and the resulting Config passed
// explicitly to every component that needs it.
package config

import (
	"flag"
	"time"

	"github.com/whisthq/whist/backend/fleet/metadata"
	"github.com/whisthq/whist/backend/fleet/utils"
)

// Config stores service-global configuration values.
type Config struct {
	// DesiredFreeMandelboxes is the number of free mandelboxes we always
	// want available for each region and image pair.
	DesiredFreeMandelboxes int `koanf:"desired_free_mandelboxes"`
	// DefaultInstanceBuffer is the number of instances to launch when we
	// don't have enough capacity.
	DefaultInstanceBuffer int `koanf:"default_instance_buffer"`
	// AWSInstanceType is the instance type launched by the scaler.
	AWSInstanceType string `koanf:"aws_instance_type"`
	// EnabledRegions is the list of regions in which users are allowed to
	// request mandelboxes.
	EnabledRegions []string `koanf:"enabled_regions"`

	// AuthAudience and AuthIssuer are the audience and issuer user access
	// tokens must carry. The signing keys are fetched from the issuer.
	AuthAudience string `koanf:"auth_audience"`
	AuthIssuer   string `koanf:"auth_issuer"`

	HostServicePort      int    `koanf:"host_service_port"`
	HostServiceAuthToken string `koanf:"host_service_auth_token"`
	AgentTimeoutSeconds  int    `koanf:"agent_timeout_s"`

	HostLockTimeoutMs   int    `koanf:"host_lock_timeout_ms"`
	StoreRetryBackoffMs int    `koanf:"store_retry_backoff_ms"`
	DatabaseURL         string `koanf:"database_url"`

	ReaperPeriodSeconds        int `koanf:"reaper_period_s"`
	LaunchRetryIntervalSeconds int `koanf:"launch_retry_interval_s"`
	LaunchRetryBudgetSeconds   int `koanf:"launch_retry_budget_s"`
	RolloutReadyTimeoutSeconds int `koanf:"rollout_ready_timeout_s"`
	RolloutPollIntervalSeconds int `koanf:"rollout_poll_interval_s"`

	// DenyConcurrentSessions rejects assign requests from users that already
	// have an allocated mandelbox.
	DenyConcurrentSessions bool `koanf:"deny_concurrent_sessions"`
	// RequireSubscription rejects assign requests from users whose access
	// token doesn't carry an active subscription.
	RequireSubscription bool `koanf:"require_subscription"`
	AssignRatePerMinute int  `koanf:"assign_rate_per_minute"`
	// FrontendVersion is the current version of the frontend (e.g. "2.6.13").
	FrontendVersion string `koanf:"frontend_version"`

	HTTPPort int `koanf:"http_port"`

	// Mode holds the command line options that select what the binary does.
	// They are not configuration values, so they only come from flags.
	Mode Mode `koanf:"-"`
}

// Mode holds the command line options that change what the scaling service
// binary does on startup.
type Mode struct {
	ConfigPath      string
	RolloutManifest string
	ReapOnce        bool
	SkipMigrations  bool
}

// HostLockTimeout is the maximum time a transaction waits for a host row lock.
func (c Config) HostLockTimeout() time.Duration {
	return time.Duration(c.HostLockTimeoutMs) * time.Millisecond
}

// StoreRetryBackoff is the base backoff before retrying a transient store error.
func (c Config) StoreRetryBackoff() time.Duration {
	return time.Duration(c.StoreRetryBackoffMs) * time.Millisecond
}

func (c Config) AgentTimeout() time.Duration {
	return time.Duration(c.AgentTimeoutSeconds) * time.Second
}

func (c Config) ReaperPeriod() time.Duration {
	return time.Duration(c.ReaperPeriodSeconds) * time.Second
}

func (c Config) LaunchRetryInterval() time.Duration {
	return time.Duration(c.LaunchRetryIntervalSeconds) * time.Second
}

func (c Config) LaunchRetryBudget() time.Duration {
	return time.Duration(c.LaunchRetryBudgetSeconds) * time.Second
}

func (c Config) RolloutReadyTimeout() time.Duration {
	return time.Duration(c.RolloutReadyTimeoutSeconds) * time.Second
}

func (c Config) RolloutPollInterval() time.Duration {
	return time.Duration(c.RolloutPollIntervalSeconds) * time.Second
}

// IsRegionEnabled returns true if users may request mandelboxes in region.
func (c Config) IsRegionEnabled(region string) bool {
	return utils.SliceContains(c.EnabledRegions, region)
}

// Validate checks that the loaded values can be used to run the service.
func (c Config) Validate() error {
	if c.DesiredFreeMandelboxes < 0 {
		return utils.MakeError("desired_free_mandelboxes must not be negative, got %d", c.DesiredFreeMandelboxes)
	}
	if c.DefaultInstanceBuffer < 1 {
		return utils.MakeError("default_instance_buffer must be at least 1, got %d", c.DefaultInstanceBuffer)
	}
	if c.AWSInstanceType == "" {
		return utils.MakeError("aws_instance_type must be set")
	}
	for name, port := range map[string]int{"host_service_port": c.HostServicePort, "http_port": c.HTTPPort} {
		if port <= 0 || port > 65535 {
			return utils.MakeError("%s must be a valid port, got %d", name, port)
		}
	}
	for name, v := range map[string]int{
		"agent_timeout_s":         c.AgentTimeoutSeconds,
		"host_lock_timeout_ms":    c.HostLockTimeoutMs,
		"reaper_period_s":         c.ReaperPeriodSeconds,
		"launch_retry_interval_s": c.LaunchRetryIntervalSeconds,
		"rollout_ready_timeout_s": c.RolloutReadyTimeoutSeconds,
		"rollout_poll_interval_s": c.RolloutPollIntervalSeconds,
		"assign_rate_per_minute":  c.AssignRatePerMinute,
	} {
		if v <= 0 {
			return utils.MakeError("%s must be positive, got %d", name, v)
		}
	}
	if c.LaunchRetryBudgetSeconds < 0 || c.StoreRetryBackoffMs < 0 {
		return utils.MakeError("launch_retry_budget_s and store_retry_backoff_ms must not be negative")
	}
	if c.DatabaseURL == "" && !metadata.IsLocalEnvWithoutDB() {
		return utils.MakeError("database_url must be set outside of localdev")
	}
	if c.HostServiceAuthToken == "" && !metadata.IsLocalEnv() {
		return utils.MakeError("host_service_auth_token must be set outside of localdev")
	}
	if (c.AuthAudience == "" || c.AuthIssuer == "") && !metadata.IsLocalEnv() {
		return utils.MakeError("auth_audience and auth_issuer must be set outside of localdev")
	}
	return nil
}

// defaultValues returns the built-in defaults for every configuration key.
func defaultValues(env metadata.AppEnvironment) map[string]interface{} {
	return map[string]interface{}{
		"desired_free_mandelboxes": 20,
		"default_instance_buffer":  1,
		"aws_instance_type":        "g4dn.2xlarge",
		"enabled_regions":          defaultEnabledRegions(env),
		"host_service_port":        4678,
		"host_service_auth_token":  "",
		"auth_audience":            "https://api.fractal.co",
		"auth_issuer":              defaultAuthIssuer(env),
		"agent_timeout_s":          10,
		"host_lock_timeout_ms":     5000,
		"store_retry_backoff_ms":   100,
		"database_url":             "",
		"reaper_period_s":          600,
		"launch_retry_interval_s":  15,
		"launch_retry_budget_s":    200,
		"rollout_ready_timeout_s":  1200,
		"rollout_poll_interval_s":  10,
		"deny_concurrent_sessions": false,
		"require_subscription":     false,
		"assign_rate_per_minute":   10,
		"frontend_version":         "",
		"http_port":                7730,
	}
}

// defaultAuthIssuer returns the Auth0 tenant that issues access tokens in the
// given environment.
func defaultAuthIssuer(env metadata.AppEnvironment) string {
	switch env {
	case metadata.EnvStaging:
		return "https://fractal-staging.us.auth0.com/"
	case metadata.EnvProd:
		return "https://auth.whist.com/"
	default:
		return "https://fractal-dev.us.auth0.com/"
	}
}

// defaultEnabledRegions returns a list of regions where the backend resources
// required to run Whist exist, according to the given environment.
func defaultEnabledRegions(env metadata.AppEnvironment) []string {
	switch env {
	case metadata.EnvProd:
		return []string{
			"us-east-1",
			"us-east-2",
			"us-west-1",
			"us-west-2",
			"ca-central-1",
			"eu-west-1",
			"eu-west-2",
			"eu-west-3",
			"eu-central-1",
			"ap-south-1",
			"ap-southeast-1",
			"ap-southeast-2",
		}
	default:
		return []string{"us-east-1"}
	}
}

// newFlagSet registers the mode flags plus one string flag per configuration
// key, so any value can be overridden from the command line.
func newFlagSet(keys map[string]interface{}) *flag.FlagSet {
	f := flag.NewFlagSet("scaling-service", flag.ContinueOnError)
	f.String("config", "config.toml", "Path of the TOML config file.")
	f.String("rollout-manifest", "", "Path or s3:// URL of a rollout manifest to roll out once the service is up.")
	f.Bool("reap-once", false, "Run a single reaper pass and exit.")
	f.Bool("skip-migrations", false, "Don't apply the database schema on startup.")

	for key := range keys {
		f.String(key, "", utils.Sprintf("Override the %s configuration value.", key))
	}
	return f
}
