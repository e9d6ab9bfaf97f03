// Package config loads process settings from the environment and an
// optional .env file.
package config

import (
	"errors"
	"io/fs"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

type Config struct {
	LogLevel  string `env:"FFKEYFRAMES_LOG_LEVEL"  envDefault:"warn"`
	LogFormat string `env:"FFKEYFRAMES_LOG_FORMAT" envDefault:"console"`

	// Timeout bounds a whole scan; zero means no deadline.
	Timeout time.Duration `env:"FFKEYFRAMES_TIMEOUT" envDefault:"0s"`

	MetricsFile string `env:"FFKEYFRAMES_METRICS_FILE"`
}

// Load reads the given .env files (".env" when none are named) without
// overriding variables already set, then parses the environment. Missing
// .env files are ignored.
func Load(paths ...string) (*Config, error) {
	if len(paths) == 0 {
		paths = []string{".env"}
	}
	for _, p := range paths {
		if err := godotenv.Load(p); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return nil, err
		}
	}

	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}
