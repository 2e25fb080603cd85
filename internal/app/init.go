package app

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/nulpointcorp/llm-gateway/internal/balance"
	"github.com/nulpointcorp/llm-gateway/internal/dispatch"
	"github.com/nulpointcorp/llm-gateway/internal/identity"
	"github.com/nulpointcorp/llm-gateway/internal/metrics"
	"github.com/nulpointcorp/llm-gateway/internal/proxy"
	"github.com/nulpointcorp/llm-gateway/internal/quota"
	"github.com/nulpointcorp/llm-gateway/internal/store"
)

// initInfra opens the Postgres store and dials Redis — the two external
// resources every other subsystem depends on (spec.md §6 configuration
// file: database_configuration, cache_configuration).
func (a *App) initInfra(ctx context.Context) error {
	rdb, err := connectRedis(ctx, a.cfg.Cache.Host, a.cfg.Cache.Port, a.cfg.Cache.Username, a.cfg.Cache.Password)
	if err != nil {
		return fmt.Errorf("redis: %w", err)
	}
	a.rdb = rdb
	a.log.Info("redis connected")

	st, err := store.Open(ctx, store.Config{
		Host:           a.cfg.Database.Host,
		Port:           a.cfg.Database.Port,
		Database:       a.cfg.Database.Database,
		Username:       a.cfg.Database.Username,
		Password:       a.cfg.Database.Password,
		MinConnections: a.cfg.Database.MinConnections,
		MaxConnections: a.cfg.Database.MaxConnections,
	}, a)
	if err != nil {
		return fmt.Errorf("store: %w", err)
	}
	a.st = st
	a.log.Info("database connected")

	return nil
}

// initServices builds the Quota Engine (B), Identity Resolver (A), Load
// Balancer (D), and the Prometheus metrics registry — everything the
// Dispatcher needs that does not itself speak HTTP.
func (a *App) initServices(_ context.Context) error {
	a.quotaEngine = quota.New(a.rdb)
	a.idResolver = identity.New(a.st, a.cfg.MasterKeys)
	a.balancer = balance.New()

	a.prom = metrics.New()
	a.prom.SetBuildInfo(a.version)

	return nil
}

// initGateway wires the Dispatcher (F) and the HTTP front door onto the
// services initServices built, plus the health checker backing GET /health
// and GET /readiness (spec.md §6).
func (a *App) initGateway(ctx context.Context) error {
	d := dispatch.New(a.idResolver, a.quotaEngine, a.balancer, a.st, a.log)

	a.health = proxy.NewHealthChecker(ctx, redisPinger(a.baseCtx, a.rdb), dbPinger(a.baseCtx, a.st), a.prom)

	a.gw = proxy.NewGateway(d, a.health, a.prom, nil, a.log)

	a.mgmt = &proxy.ManagementRoutes{
		Metrics: a.prom.Handler(),
	}

	a.log.Info("gateway ready",
		slog.Int("max_retries", a.cfg.Failover.MaxRetries),
		slog.Duration("attempt_timeout", a.cfg.Failover.AttemptTimeout),
	)

	return nil
}
