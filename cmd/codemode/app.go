package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/fx"
	"go.uber.org/fx/fxevent"
	"go.uber.org/zap"

	"github.com/isdmx/codemode/bindings"
	"github.com/isdmx/codemode/codemode"
	"github.com/isdmx/codemode/config"
	"github.com/isdmx/codemode/logger"
	"github.com/isdmx/codemode/mcpserver"
	"github.com/isdmx/codemode/metrics"
	"github.com/isdmx/codemode/registry"
	"github.com/isdmx/codemode/sandbox"
	"github.com/isdmx/codemode/sqltools"
)

// coreModule provides everything needed to execute scripts: database, tool
// registry, bindings, sandbox pool, metrics and the service. *config.Config
// must be supplied.
var coreModule = fx.Options(
	fx.Provide(
		logger.NewFromConfig,
		metrics.NewRegistry,
		newMetrics,
		newDatabase,
		newProvider,
		newRegistry,
		newBinding,
		newFactory,
		newPool,
		newService,
	),
	fx.WithLogger(func(log *zap.Logger) fxevent.Logger {
		return &fxevent.ZapLogger{Logger: log}
	}),
)

func newMetrics(reg *prometheus.Registry) *metrics.Metrics {
	return metrics.New(reg)
}

func newDatabase(lc fx.Lifecycle, cfg *config.Config, log *zap.Logger) (*sql.DB, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	db, err := sqltools.Open(ctx, sqltools.DBConfig{
		Path:          cfg.Database.Path,
		ReadOnly:      cfg.Database.ReadOnly,
		BusyTimeoutMs: cfg.Database.BusyTimeoutMs,
		MaxOpenConns:  cfg.Database.MaxOpenConns,
	})
	if err != nil {
		return nil, err
	}
	log.Info("database opened",
		zap.String("path", cfg.Database.Path),
		zap.Bool("read_only", cfg.Database.ReadOnly))

	lc.Append(fx.Hook{
		OnStop: func(context.Context) error { return db.Close() },
	})
	return db, nil
}

func newProvider(cfg *config.Config, log *zap.Logger, db *sql.DB) *sqltools.Provider {
	return sqltools.NewProvider(log, db, cfg.Database.ReadOnly)
}

func newRegistry(p *sqltools.Provider) (*registry.Registry, error) {
	return p.Registry()
}

func newBinding(cfg *config.Config, log *zap.Logger, reg *registry.Registry) (*bindings.Binding, error) {
	opts := sqltools.BindingOptions()
	opts.MaxToolCalls = cfg.Sandbox.MaxToolCalls
	opts.FallbackKeys = cfg.Sandbox.FallbackKeys
	return bindings.Build(log, reg, opts)
}

func newFactory(cfg *config.Config, log *zap.Logger) (*sandbox.Factory, error) {
	mode, err := sandbox.ParseMode(cfg.Sandbox.Mode)
	if err != nil {
		return nil, err
	}
	return sandbox.NewFactory(log, mode, cfg.SandboxOptions())
}

func newPool(lc fx.Lifecycle, cfg *config.Config, log *zap.Logger, factory *sandbox.Factory, m *metrics.Metrics) (*sandbox.Pool, error) {
	pool, err := factory.CreatePool(factory.DefaultMode(), cfg.PoolOptions(), sandbox.Options{})
	if err != nil {
		return nil, err
	}
	if err := m.RegisterPool(pool); err != nil {
		return nil, fmt.Errorf("registering pool metrics: %w", err)
	}

	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			if err := pool.Initialize(ctx); err != nil {
				return fmt.Errorf("warming sandbox pool: %w", err)
			}
			log.Info("sandbox pool ready",
				zap.String("mode", string(pool.Mode())),
				zap.Int("min", cfg.Sandbox.Pool.Min),
				zap.Int("max", cfg.Sandbox.Pool.Max))
			return nil
		},
		OnStop: func(context.Context) error {
			return pool.Dispose()
		},
	})
	return pool, nil
}

func newService(cfg *config.Config, log *zap.Logger, pool *sandbox.Pool, binding *bindings.Binding, p *sqltools.Provider, m *metrics.Metrics) *codemode.Service {
	return codemode.New(log, pool, binding, p, codemode.Options{
		Timeout: cfg.Sandbox.Timeout,
		Metrics: m,
	})
}

func newMCPServer(cfg *config.Config, log *zap.Logger, svc *codemode.Service, factory *sandbox.Factory) (*mcpserver.MCPServer, error) {
	return mcpserver.New(cfg, log, svc, factory)
}

// registerTransport serves MCP for the app's lifetime and stops the app
// when the transport ends, e.g. when the stdio client disconnects.
func registerTransport(lc fx.Lifecycle, shutdowner fx.Shutdowner, cfg *config.Config, log *zap.Logger, server *mcpserver.MCPServer) {
	ctx, cancel := context.WithCancel(context.Background())

	lc.Append(fx.Hook{
		OnStart: func(context.Context) error {
			go func() {
				var err error
				switch cfg.Server.Transport {
				case "http":
					err = server.ServeHTTP()
				default:
					err = server.ServeStdio(ctx, os.Stdin, os.Stdout)
				}
				if err != nil {
					log.Error("MCP transport stopped", zap.Error(err))
				}
				if ctx.Err() == nil {
					_ = shutdowner.Shutdown()
				}
			}()
			return nil
		},
		OnStop: func(stopCtx context.Context) error {
			cancel()
			if cfg.Server.Transport == "http" {
				return server.Shutdown(stopCtx)
			}
			return nil
		},
	})
}

// registerMetricsServer exposes the Prometheus registry over HTTP when
// metrics are enabled.
func registerMetricsServer(lc fx.Lifecycle, cfg *config.Config, log *zap.Logger, reg *prometheus.Registry) {
	if !cfg.Metrics.Enabled {
		return
	}

	mux := http.NewServeMux()
	mux.Handle(cfg.Metrics.Path, promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg}))
	srv := &http.Server{
		Addr:              cfg.Metrics.Address,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	lc.Append(fx.Hook{
		OnStart: func(context.Context) error {
			ln, err := net.Listen("tcp", srv.Addr)
			if err != nil {
				return fmt.Errorf("listening for metrics: %w", err)
			}
			log.Info("metrics endpoint listening",
				zap.String("address", ln.Addr().String()),
				zap.String("path", cfg.Metrics.Path))
			go func() {
				if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
					log.Error("metrics server stopped", zap.Error(err))
				}
			}()
			return nil
		},
		OnStop: func(ctx context.Context) error {
			return srv.Shutdown(ctx)
		},
	})
}
