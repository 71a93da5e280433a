package heroku

import (
	"testing"

	"github.com/whisthq/whist/backend/fleet/metadata"
	"github.com/whisthq/whist/backend/fleet/utils"
)

func TestAppNameFor(t *testing.T) {
	var herokuAppTests = []struct {
		env  metadata.AppEnvironment
		want string
	}{
		{metadata.EnvLocalDev, "whist-dev-scaling-service"},
		{metadata.EnvLocalDevWithDB, "whist-dev-scaling-service"},
		{metadata.EnvDev, "whist-dev-scaling-service"},
		{metadata.EnvStaging, "whist-staging-scaling-service"},
		{metadata.EnvProd, "whist-prod-scaling-service"},
	}

	for _, tt := range herokuAppTests {
		testname := utils.Sprintf("%s,%v", tt.env, tt.want)
		t.Run(testname, func(t *testing.T) {
			got := appNameFor(tt.env)

			if got != tt.want {
				t.Errorf("got %v, want %v", got, tt.want)
			}
		})
	}
}

func TestConfiguredWithoutCredentials(t *testing.T) {
	if Configured() {
		t.Errorf("expected Heroku to be unconfigured when no credentials are linked")
	}
}
