// Package app wires up all subsystems and owns the application lifecycle.
//
// Startup order:
//  1. initRouting  — routeconfig.Store, rotation.Store (+ optional Redis cache)
//  2. initUpstream — shared upstream.Client, attempt.Executor
//  3. initServices — usage.PostgresSink, Prometheus registry, chat logger
//  4. initGateway  — Router + HTTP Server
package app

import (
	"context"
	"fmt"
	"log/slog"

	"golang.org/x/sync/errgroup"

	"github.com/nulpointcorp/gatewaycore/internal/attempt"
	"github.com/nulpointcorp/gatewaycore/internal/config"
	"github.com/nulpointcorp/gatewaycore/internal/gatewayproxy"
	"github.com/nulpointcorp/gatewaycore/internal/logger"
	"github.com/nulpointcorp/gatewaycore/internal/metrics"
	"github.com/nulpointcorp/gatewaycore/internal/rotation"
	"github.com/nulpointcorp/gatewaycore/internal/routeconfig"
	"github.com/nulpointcorp/gatewaycore/internal/upstream"
	"github.com/nulpointcorp/gatewaycore/internal/usage"
)

// App owns all long-lived resources and exposes Run / Close.
type App struct {
	version string
	cfg     *config.Config
	baseCtx context.Context
	log     *slog.Logger

	configStore *routeconfig.Store
	rotStore    *rotation.Store
	rotCache    *rotation.RedisCache
	rotation    gatewayproxy.RotationStore

	upstreamClient *upstream.Client
	executor       *attempt.Executor

	usageSink *usage.PostgresSink
	prom      *metrics.Registry
	chatLog   *logger.Logger

	router *gatewayproxy.Router
	server *gatewayproxy.Server
}

// New initialises all subsystems and returns a ready-to-run App.
// All resources allocated here are released by Close.
func New(ctx context.Context, cfg *config.Config, log *slog.Logger, version string) (*App, error) {
	if ctx == nil {
		return nil, fmt.Errorf("app: context must not be nil")
	}

	a := &App{cfg: cfg, version: version, baseCtx: ctx, log: log}

	steps := []struct {
		name string
		fn   func(context.Context) error
	}{
		{"routing", a.initRouting},
		{"upstream", a.initUpstream},
		{"services", a.initServices},
		{"gateway", a.initGateway},
	}

	for _, s := range steps {
		if err := s.fn(ctx); err != nil {
			a.Close()
			return nil, fmt.Errorf("app: init %s: %w", s.name, err)
		}
	}

	return a, nil
}

// Run starts the HTTP server and blocks until ctx is cancelled or the
// server stops on its own. A cancelled ctx triggers a graceful shutdown:
// in-flight requests are allowed to finish before Run returns.
func (a *App) Run(ctx context.Context) error {
	addr := fmt.Sprintf("%s:%d", a.cfg.Host, a.cfg.Port)

	a.log.Info("starting gateway",
		slog.String("version", a.version),
		slog.String("addr", addr),
		slog.String("fallback_provider", a.cfg.FallbackProvider),
	)

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return a.server.ListenAndServe(addr)
	})

	g.Go(func() error {
		<-gctx.Done()
		a.log.Info("shutdown signal received, draining in-flight requests")
		return a.server.Shutdown(context.Background())
	})

	return g.Wait()
}

// Close releases all resources: the usage sink and chat logger first, then
// the rotation cache and store. Safe to call multiple times.
func (a *App) Close() {
	if a.usageSink != nil {
		if err := a.usageSink.Close(); err != nil {
			a.log.Error("usage sink close error", slog.String("error", err.Error()))
		}
		a.usageSink = nil
	}
	if a.chatLog != nil {
		if err := a.chatLog.Close(); err != nil {
			a.log.Error("chat logger close error", slog.String("error", err.Error()))
		}
		a.chatLog = nil
	}
	if a.rotCache != nil {
		if err := a.rotCache.Close(); err != nil {
			a.log.Error("rotation redis close error", slog.String("error", err.Error()))
		}
		a.rotCache = nil
	}
	if a.rotStore != nil {
		if err := a.rotStore.Close(); err != nil {
			a.log.Error("rotation store close error", slog.String("error", err.Error()))
		}
		a.rotStore = nil
	}
}
