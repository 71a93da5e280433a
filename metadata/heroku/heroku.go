/*
Package heroku contains code to pull configuration variables from Heroku at
runtime. The scaling service uses it to discover the database connection
string of the deployment it is running in.
*/
package heroku // import "github.com/whisthq/whist/backend/fleet/metadata/heroku"

import (
	"github.com/bgentry/heroku-go"

	"github.com/whisthq/whist/backend/fleet/metadata"
	"github.com/whisthq/whist/backend/fleet/utils"
)

// The following variables are filled in by the linker.
var email string
var apiKey string

// This one is optionally filled in by the linker. If set, it can be used to
// override the default logic used to determine which Heroku app to connect to.
var appNameOverride string

var client heroku.Client = heroku.Client{Username: email, Password: apiKey}

// GetAppName provides the Heroku app name to use based on the app environment
// the scaling service is running on, or the override if provided during build
// time. In a local environment, it defaults to the dev app.
func GetAppName() string {
	// Respect the override if set.
	if appNameOverride != "" {
		return appNameOverride
	}

	return appNameFor(metadata.GetAppEnvironment())
}

func appNameFor(env metadata.AppEnvironment) string {
	switch env {
	case metadata.EnvDev:
		return "whist-dev-scaling-service"
	case metadata.EnvStaging:
		return "whist-staging-scaling-service"
	case metadata.EnvProd:
		return "whist-prod-scaling-service"
	default:
		// In the default case we use the dev app, like the webserver.
		return "whist-dev-scaling-service"
	}
}

// Configured returns true if Heroku credentials were linked into the binary.
func Configured() bool {
	return email != "" && apiKey != ""
}

// GetConfig returns the Heroku environment config for the app returned by
// GetAppName.
func GetConfig() (map[string]string, error) {
	return client.ConfigVarInfo(GetAppName())
}

// GetDatabaseURL returns the DATABASE_URL config var of the current app.
func GetDatabaseURL() (string, error) {
	config, err := GetConfig()
	if err != nil {
		return "", utils.MakeError("couldn't get DB connection string: %s", err)
	}

	result, ok := config["DATABASE_URL"]
	if !ok {
		return "", utils.MakeError("couldn't get DB connection string: couldn't find DATABASE_URL in Heroku environment")
	}

	return result, nil
}
