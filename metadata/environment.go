package metadata // import "github.com/whisthq/whist/backend/fleet/metadata"

import (
	"os"
	"strings"
)

// An AppEnvironment represents either localdev or localdevwithdb (i.e. an engineer's
// development instance), dev (i.e. talking to the dev database), staging, or prod
type AppEnvironment string

// Constants for the various AppEnvironments. DO NOT CHANGE THESE without
// understanding how any consumers of GetAppEnvironment() and
// GetAppEnvironmentLowercase() are using them!
const (
	EnvLocalDevWithDB AppEnvironment = "localdevwithdb"
	EnvLocalDev       AppEnvironment = "localdev"
	EnvDev            AppEnvironment = "dev"
	EnvStaging        AppEnvironment = "staging"
	EnvProd           AppEnvironment = "prod"
)

// Variable for hash of last Git commit --- filled in by linker
var gitCommit string

// GetGitCommit returns the git commit hash of this build.
func GetGitCommit() string {
	return gitCommit
}

// GetAppEnvironment returns the AppEnvironment of the current process.
var GetAppEnvironment func() AppEnvironment = func(unmemoized func() AppEnvironment) func() AppEnvironment {
	// This nested function syntax is used to memoize the result of the first call
	// to GetAppEnvironment() and cache the result for all future calls.

	var isCached = false
	var cache AppEnvironment

	return func() AppEnvironment {
		if isCached {
			return cache
		}
		cache = unmemoized()
		isCached = true
		return cache
	}
}(func() AppEnvironment {
	return parseAppEnvironment(os.Getenv("APP_ENV"))
})

func parseAppEnvironment(env string) AppEnvironment {
	switch strings.ToLower(env) {
	case "development", "dev":
		return EnvDev
	case "staging":
		return EnvStaging
	case "production", "prod":
		return EnvProd
	case "localdevwithdb", "localdev_with_db", "localdev_with_database":
		return EnvLocalDevWithDB
	default:
		return EnvLocalDev
	}
}

// IsLocalEnv returns true if the scaling service is running locally for
// development.
func IsLocalEnv() bool {
	return isLocal(GetAppEnvironment())
}

// IsLocalEnvWithoutDB returns true if the scaling service is running locally
// for development but without the database enabled.
func IsLocalEnvWithoutDB() bool {
	return GetAppEnvironment() == EnvLocalDev
}

// IsDevelopmentEnv returns true when running on an engineer's machine or on
// the dev deployment. Development deployments accept the "local_dev" commit
// hash override from clients.
func IsDevelopmentEnv() bool {
	env := GetAppEnvironment()
	return isLocal(env) || env == EnvDev
}

func isLocal(env AppEnvironment) bool {
	return env == EnvLocalDev || env == EnvLocalDevWithDB
}

// GetAppEnvironmentLowercase returns the app environment string, but just
// converted to lowercase.
func GetAppEnvironmentLowercase() string {
	return strings.ToLower(string(GetAppEnvironment()))
}

// IsRunningInCI returns true if the scaling service is running in continuous
// integration (i.e. for tests), and false otherwise.
func IsRunningInCI() bool {
	strCI := strings.ToLower(os.Getenv("CI"))
	switch strCI {
	case "1", "yes", "true", "on", "yep":
		return true
	default:
		return false
	}
}
