// Copyright (c) 2022 Whist Technologies, Inc.

package config

import (
	"errors"
	"flag"
	"os"
	"strings"

	"github.com/knadh/koanf"
	"github.com/knadh/koanf/parsers/toml"
	"github.com/knadh/koanf/providers/basicflag"
	"github.com/knadh/koanf/providers/confmap"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"

	"github.com/whisthq/whist/backend/fleet/metadata"
	"github.com/whisthq/whist/backend/fleet/metadata/heroku"
	"github.com/whisthq/whist/backend/fleet/utils"
	logger "github.com/whisthq/whist/backend/fleet/whistlogger"
)

// envPrefix is the prefix of the environment variables that override
// configuration values, e.g. WHIST_DESIRED_FREE_MANDELBOXES.
const envPrefix = "WHIST_"

// Load builds the service configuration from the defaults, the config file,
// the environment and the command line arguments (without the program name).
func Load(args []string) (Config, error) {
	var cfg Config

	defaults := defaultValues(metadata.GetAppEnvironment())
	k := koanf.New(".")

	if err := k.Load(confmap.Provider(defaults, "."), nil); err != nil {
		return cfg, utils.MakeError("error loading config defaults: %s", err)
	}

	f := newFlagSet(defaults)
	if err := f.Parse(args); err != nil {
		return cfg, utils.MakeError("error parsing flags: %s", err)
	}

	// The mode flags keep their defaults when unset, so they are read through
	// their own koanf instance.
	cli := koanf.New(".")
	if err := cli.Load(basicflag.Provider(f, "."), nil); err != nil {
		return cfg, utils.MakeError("error loading flags to config: %s", err)
	}
	cfg.Mode = Mode{
		ConfigPath:      cli.String("config"),
		RolloutManifest: cli.String("rollout-manifest"),
		ReapOnce:        cli.Bool("reap-once"),
		SkipMigrations:  cli.Bool("skip-migrations"),
	}

	if err := loadFile(k, cfg.Mode.ConfigPath, isFlagSet(f, "config")); err != nil {
		return cfg, err
	}

	if err := loadEnv(k); err != nil {
		return cfg, err
	}

	// Only the configuration flags passed explicitly override the values
	// loaded so far.
	overrides := make(map[string]interface{})
	f.Visit(func(fl *flag.Flag) {
		if _, ok := defaults[fl.Name]; ok {
			overrides[fl.Name] = fl.Value.String()
		}
	})
	if err := k.Load(confmap.Provider(overrides, "."), nil); err != nil {
		return cfg, utils.MakeError("error loading flag overrides: %s", err)
	}

	mode := cfg.Mode
	if err := k.Unmarshal("", &cfg); err != nil {
		return cfg, utils.MakeError("error unmarshalling config: %s", err)
	}
	cfg.Mode = mode
	cfg.EnabledRegions = normalizeRegions(cfg.EnabledRegions)

	if cfg.DatabaseURL == "" && !metadata.IsLocalEnv() && heroku.Configured() {
		url, err := heroku.GetDatabaseURL()
		if err != nil {
			return cfg, utils.MakeError("error getting database url from Heroku: %s", err)
		}
		cfg.DatabaseURL = url
	}

	return cfg, cfg.Validate()
}

// loadFile loads the TOML config file. A missing file is only an error if
// its path was passed explicitly.
func loadFile(k *koanf.Koanf, path string, explicit bool) error {
	if _, err := os.Stat(path); err != nil {
		if errors.Is(err, os.ErrNotExist) && !explicit {
			logger.Infof("Config file %s not found, using defaults.", path)
			return nil
		}
		return utils.MakeError("error reading config file %s: %s", path, err)
	}

	if err := k.Load(file.Provider(path), toml.Parser()); err != nil {
		return utils.MakeError("error loading config file %s: %s", path, err)
	}
	return nil
}

func loadEnv(k *koanf.Koanf) error {
	err := k.Load(env.Provider(envPrefix, ".", func(s string) string {
		return strings.ToLower(strings.TrimPrefix(s, envPrefix))
	}), nil)
	if err != nil {
		return utils.MakeError("error loading environment to config: %s", err)
	}

	// The database url is usually injected by the platform without a prefix.
	err = k.Load(env.Provider("DATABASE_URL", ".", func(s string) string {
		return strings.ToLower(s)
	}), nil)
	if err != nil {
		return utils.MakeError("error loading database url to config: %s", err)
	}
	return nil
}

func isFlagSet(f *flag.FlagSet, name string) bool {
	var found bool
	f.Visit(func(fl *flag.Flag) {
		if fl.Name == name {
			found = true
		}
	})
	return found
}

// normalizeRegions trims whitespace and drops empty entries, which appear when
// a list is passed as a comma separated string.
func normalizeRegions(regions []string) []string {
	var result []string
	for _, r := range regions {
		if r = strings.TrimSpace(r); r != "" {
			result = append(result, r)
		}
	}
	return result
}
