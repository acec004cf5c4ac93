package app

import (
	"context"
	"fmt"

	"github.com/nulpointcorp/gatewaycore/internal/attempt"
	"github.com/nulpointcorp/gatewaycore/internal/gatewayproxy"
	"github.com/nulpointcorp/gatewaycore/internal/logger"
	"github.com/nulpointcorp/gatewaycore/internal/metrics"
	"github.com/nulpointcorp/gatewaycore/internal/rotation"
	"github.com/nulpointcorp/gatewaycore/internal/routeconfig"
	"github.com/nulpointcorp/gatewaycore/internal/upstream"
	"github.com/nulpointcorp/gatewaycore/internal/usage"
)

// initRouting loads the hot-reloadable Providers/Rules documents and opens
// the durable rotation cursor store, optionally mirrored into Redis when
// ROTATION_REDIS_URL is set.
func (a *App) initRouting(ctx context.Context) error {
	store, err := routeconfig.New(a.cfg.ProvidersFile, a.cfg.RulesFile, a.cfg.FallbackProvider, a.log)
	if err != nil {
		return fmt.Errorf("routeconfig: %w", err)
	}
	a.configStore = store

	rotStore, err := rotation.Open(ctx, a.cfg.RotationDSN, a.log)
	if err != nil {
		return fmt.Errorf("rotation: %w", err)
	}
	a.rotStore = rotStore
	a.rotation = rotStore

	if a.cfg.RotationRedisURL != "" {
		cache, err := rotation.NewRedisCache(ctx, a.cfg.RotationRedisURL, a.log)
		if err != nil {
			return fmt.Errorf("rotation redis cache: %w", err)
		}
		a.rotCache = cache
		a.rotation = rotation.WithRedisCache(rotStore, cache)
		a.log.Info("rotation cache: redis-backed")
	} else {
		a.log.Info("rotation cache: postgres-only")
	}

	return nil
}

// initUpstream builds the shared UpstreamClient and the AttemptExecutor
// that drives it per candidate.
func (a *App) initUpstream(_ context.Context) error {
	a.upstreamClient = upstream.New(upstream.Config{
		RequestTimeout: a.cfg.RequestTimeout,
		ConnectTimeout: a.cfg.ConnectTimeout,
	})
	a.executor = attempt.New(a.upstreamClient)
	return nil
}

// initServices opens the token-usage sink, builds the Prometheus registry,
// and starts the optional chat-summary logger.
func (a *App) initServices(ctx context.Context) error {
	sink, err := usage.OpenPostgresSink(ctx, a.cfg.RotationDSN, a.log)
	if err != nil {
		return fmt.Errorf("usage sink: %w", err)
	}
	a.usageSink = sink

	a.prom = metrics.New()
	a.prom.SetBuildInfo(a.version)

	if a.cfg.LogChatEnabled {
		chatLog, err := logger.New(a.baseCtx, a.log)
		if err != nil {
			return fmt.Errorf("chat logger: %w", err)
		}
		a.chatLog = chatLog
		a.log.Info("chat summary logging enabled")
	}

	return nil
}

// initGateway wires the Router and HTTP Server together from the
// subsystems built by the earlier steps.
func (a *App) initGateway(_ context.Context) error {
	router := gatewayproxy.New(
		a.configStore,
		a.rotation,
		a.executor,
		func() usage.Sink { return a.usageSink },
		a.cfg.FallbackProvider,
		a.log,
	).WithMetrics(a.prom)
	a.router = router

	server := gatewayproxy.NewServer(
		router,
		a.configStore,
		a.upstreamClient,
		a.prom,
		a.usageSink,
		a.cfg.GatewayAPIKey,
		a.cfg.FallbackProvider,
		a.cfg.CORSAllowOrigins,
		a.log,
	)
	if a.chatLog != nil {
		server = server.WithChatLogger(a.chatLog)
	}
	a.server = server

	return nil
}
