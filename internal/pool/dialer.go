package pool

import (
	"context"

	"go.uber.org/zap"

	"github.com/ajaxzhan/localsandbox/internal/config"
	"github.com/ajaxzhan/localsandbox/internal/engine"
	"github.com/ajaxzhan/localsandbox/internal/engine/docker"
	"github.com/ajaxzhan/localsandbox/internal/logging"
)

// DockerDialer returns a Factory that opens one Docker client per key. The
// daemon ping is bounded by the configured connection timeout.
func DockerDialer(cfg config.Config, log *zap.Logger) Factory {
	log = logging.OrDefault(log)
	return func(ctx context.Context, key string) (engine.Engine, error) {
		dc := docker.DefaultConfig()
		dc.PingTimeout = cfg.ConnectionTimeout
		dc.AutoInstall = cfg.AutoInstall
		dc.Logger = log.With(zap.String("connection", key))
		return docker.New(ctx, dc)
	}
}

// OptionsFromConfig maps the pool settings of cfg onto Options.
func OptionsFromConfig(cfg config.Config, log *zap.Logger) Options {
	return Options{
		Capacity:      cfg.PoolCapacity,
		TTL:           cfg.PoolTTL,
		SweepInterval: cfg.PoolSweepInterval,
		Logger:        log,
	}
}
