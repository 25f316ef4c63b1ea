// Package config holds process-level configuration (envconfig-driven, with
// a .env file loaded first) and the on-disk JSON settings file the core
// persists across restarts. The session file is handled by package
// platform.
package config

import (
	"context"

	"github.com/joho/godotenv"
	"github.com/sethvargo/go-envconfig"
	"github.com/sirupsen/logrus"
)

// Config is process-level configuration, loaded once at startup.
type Config struct {
	ListenAddress string `env:"LISTEN_ADDRESS,default=:8080"`
	DataDir       string `env:"DATA_DIR,default=./data"`
	Environment   string `env:"ENVIRONMENT,default=development"`

	// TwitchClientID defaults to the published Android app client id, which
	// bypasses the web client's integrity check (spec.md §1, §4.1).
	TwitchClientID string `env:"TWITCH_CLIENT_ID,default=kd1unb4b3q4t58fwlpcbzcbnm76a8fp"`
	ProxyURL       string `env:"PROXY_URL"`
}

// Load reads a .env file if present, then overlays process environment
// variables via envconfig.
func Load(ctx context.Context) (*Config, error) {
	if err := godotenv.Load(); err != nil {
		logrus.Debug("no .env file found, continuing with process environment")
	}

	var cfg Config
	if err := envconfig.Process(ctx, &cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}
