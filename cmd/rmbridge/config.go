package main

import (
	"strings"

	"github.com/danmuck/rmbridge/internal/config"
	"github.com/danmuck/rmbridge/internal/logging"
)

// loadConfig reads path when given, otherwise builds a config for role from
// defaults. The role named on the command line always wins.
func loadConfig(path string, role config.Role) (config.Config, error) {
	var (
		cfg config.Config
		err error
	)
	if strings.TrimSpace(path) == "" {
		cfg = defaultsFor(role)
	} else if cfg, err = config.Load(path); err != nil {
		return config.Config{}, err
	}
	if cfg.Role != role {
		cfg.Role = role
		if err := config.Validate(cfg); err != nil {
			return config.Config{}, err
		}
	}
	if err := logging.SetLevel(cfg.LogLevel); err != nil {
		return config.Config{}, err
	}
	return cfg, nil
}

func defaultsFor(role config.Role) config.Config {
	cfg := config.Default()
	cfg.Role = role
	switch role {
	case config.RoleFrontend:
		cfg.Session.Identity = "frontend"
		cfg.Session.ExpectedPeer = "backend"
	default:
		cfg.Session.Identity = "backend"
		cfg.Session.ExpectedPeer = "frontend"
	}
	return cfg
}
