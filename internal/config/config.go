// Package config handles application configuration from environment
// variables and command-line flags.
package config

import (
	"fmt"
	"time"

	"github.com/jessevdk/go-flags"
)

// Config holds the application configuration. Values come from flags
// with environment variable fallbacks.
type Config struct {
	DatabasePath string `long:"db-path" env:"DATABASE_PATH" default:"./data/argos.db" description:"Path to the sqlite database"`
	LogLevel     string `long:"log-level" env:"LOG_LEVEL" default:"info" description:"Log level: debug, info, warn, error"`

	FetchIntervalMinutes int    `long:"fetch-interval" env:"FETCH_INTERVAL_MINUTES" default:"60" description:"Scheduled fetch interval in minutes"`
	UserAgent            string `long:"user-agent" env:"USER_AGENT" default:"Argos/1.0 (Veille Platform; https://github.com/argos)" description:"User agent for outbound requests"`
}

// Load parses configuration from args (typically os.Args[1:]) and the
// environment. It returns the leftover positional arguments.
//
// ErrHelp is returned unwrapped so callers can exit cleanly after
// go-flags has printed the usage text.
func Load(args []string) (*Config, []string, error) {
	var cfg Config

	parser := flags.NewParser(&cfg, flags.Default)
	parser.Usage = "[OPTIONS] <command> [args]"

	rest, err := parser.ParseArgs(args)
	if err != nil {
		if flagsErr, ok := err.(*flags.Error); ok && flagsErr.Type == flags.ErrHelp {
			return nil, nil, err
		}
		return nil, nil, fmt.Errorf("parse configuration: %w", err)
	}

	if cfg.FetchIntervalMinutes <= 0 {
		return nil, nil, fmt.Errorf("fetch interval must be positive, got %d", cfg.FetchIntervalMinutes)
	}

	return &cfg, rest, nil
}

// FetchInterval returns the scheduled fetch interval as a duration.
func (c *Config) FetchInterval() time.Duration {
	return time.Duration(c.FetchIntervalMinutes) * time.Minute
}
