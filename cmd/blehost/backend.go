package main

import (
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/srg/blehost/internal/bridge"
	"github.com/srg/blehost/internal/platform"
	"github.com/srg/blehost/internal/platform/goble"
	"github.com/srg/blehost/internal/platform/tinygo"
	"github.com/srg/blehost/pkg/config"
)

// newPlatform is replaced in tests.
var newPlatform = func(cfg *config.Config, logger *logrus.Logger) (platform.Platform, error) {
	switch cfg.Backend {
	case config.BackendGoBLE:
		return goble.New(logger, goble.Options{
			ConnectTimeout: cfg.ConnectTimeout,
			EventBuffer:    cfg.EventBuffer,
		}), nil
	case config.BackendTinyGo:
		return tinygo.New(logger, tinygo.Options{
			ConnectTimeout: cfg.ConnectTimeout,
			EventBuffer:    cfg.EventBuffer,
		}), nil
	default:
		return nil, fmt.Errorf("unknown backend %q", cfg.Backend)
	}
}

func bridgeOptions(cfg *config.Config) bridge.Options {
	return bridge.Options{
		ScanDuration: cfg.ScanDuration,
		CSVBasePath:  cfg.CSV.BasePath,
		LogHeartRate: cfg.CSV.LogHeartRate,
	}
}
