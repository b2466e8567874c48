package config

import (
	"os"
	"strconv"

	"github.com/cockroachdb/errors"
	"github.com/joho/godotenv"
)

const (
	EnvRingSize      = "LIFECYCLE_RING_SIZE"
	EnvLoaderWorkers = "LIFECYCLE_LOADER_WORKERS"
	EnvLogLevel      = "LIFECYCLE_LOG_LEVEL"
)

// ApplyEnv overlays environment settings onto cfg. If envFile is not empty and exists, it is loaded into
// the environment first; variables that are already set take precedence over the file.
func ApplyEnv(cfg Config, envFile string) (Config, error) {
	if envFile != "" {
		err := godotenv.Load(envFile)
		if err != nil && !os.IsNotExist(err) {
			return Config{}, errors.Wrapf(err, "failed to load env file %s", envFile)
		}
	}

	var err error
	if value, ok := os.LookupEnv(EnvRingSize); ok {
		cfg.RingSize, err = strconv.Atoi(value)
		if err != nil {
			return Config{}, errors.Wrapf(err, "invalid %s", EnvRingSize)
		}
	}

	if value, ok := os.LookupEnv(EnvLoaderWorkers); ok {
		cfg.LoaderWorkers, err = strconv.Atoi(value)
		if err != nil {
			return Config{}, errors.Wrapf(err, "invalid %s", EnvLoaderWorkers)
		}
	}

	if value, ok := os.LookupEnv(EnvLogLevel); ok {
		err = cfg.LogLevel.Level.UnmarshalText([]byte(value))
		if err != nil {
			return Config{}, errors.Wrapf(err, "invalid %s", EnvLogLevel)
		}
	}

	err = cfg.Validate()
	if err != nil {
		return Config{}, err
	}

	return cfg, nil
}
