// Package main is the entry point for the conductor orchestration
// server. It wires all dependencies together and starts the HTTP server.
package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/fluxline/conductor/internal/action"
	"github.com/fluxline/conductor/internal/config"
	"github.com/fluxline/conductor/internal/definition"
	"github.com/fluxline/conductor/internal/engine"
	"github.com/fluxline/conductor/internal/observability"
	"github.com/fluxline/conductor/internal/orchestrator"
	"github.com/fluxline/conductor/internal/pattern"
	"github.com/fluxline/conductor/internal/publish"
	"github.com/fluxline/conductor/internal/router"
	"github.com/fluxline/conductor/internal/store"
	"github.com/fluxline/conductor/internal/transport"
	"github.com/fluxline/conductor/internal/worker"
	"github.com/fluxline/conductor/model"
)

// Build-time variables set via ldflags:
//
//	go build -ldflags "-X main.version=1.0.0 -X main.commit=abc1234"
var (
	version = "dev"
	commit  = "unknown"
)

func main() {
	os.Exit(run())
}

func run() int {
	configPath := flag.String("config", "config.yaml", "path to configuration file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "configuration error: %v\n", err)
		return 1
	}

	observability.Version = version
	observability.Commit = commit

	logger, err := observability.NewLogger(cfg.Observability)
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger error: %v\n", err)
		return 1
	}
	defer logger.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	tracingShutdown, err := observability.InitTracing(ctx, cfg.Observability.Tracing, "conductor", version)
	if err != nil {
		logger.Error("tracing initialization failed", zap.Error(err))
		return 1
	}

	metrics := observability.InitMetrics(prometheus.DefaultRegisterer)

	// Load workflow and pattern definitions, validate, build the
	// registry.
	loader := definition.NewLoader()
	bundle, err := loader.LoadAll(cfg.Definitions.Directories)
	if err != nil {
		logger.Error("definition loading failed", zap.Error(err))
		return 1
	}

	validator := definition.NewValidator()
	verrs := validator.Validate(bundle.Workflows, bundle.Patterns)
	if len(verrs) > 0 {
		for _, ve := range verrs {
			logger.Error("definition validation error", zap.String("error", ve.Error()))
		}
		return 1
	}

	registry := definition.NewRegistry(bundle)
	metrics.SetDefinitionsLoaded(float64(registry.Len()))

	// Instance store.
	instStore, storeCloser, err := buildStore(ctx, cfg.Store, logger)
	if err != nil {
		logger.Error("store initialization failed", zap.Error(err))
		return 1
	}

	// Routing event publisher.
	publisher, publisherCloser, err := buildPublisher(cfg.Publisher, logger)
	if err != nil {
		logger.Error("publisher initialization failed", zap.Error(err))
		return 1
	}

	// Workers from config, all HTTP-backed.
	workers := worker.NewRegistry()
	for name, wc := range cfg.Workers {
		w := worker.NewHTTPWorker(worker.HTTPWorkerConfig{
			Name:       name,
			BaseURL:    wc.BaseURL,
			EventTypes: wc.EventTypes,
			Timeout:    wc.Timeout,
		})
		if err := workers.Register(w, wc.Capabilities...); err != nil {
			logger.Error("worker registration failed",
				zap.String("worker", name), zap.Error(err))
			return 1
		}
	}

	breakers := worker.NewBreakerSet(func() *worker.Breaker {
		return worker.NewBreaker(
			cfg.Router.Breaker.FailureThreshold,
			cfg.Router.Breaker.SuccessThreshold,
			cfg.Router.Breaker.Cooldown,
		)
	})

	eventRouter := router.New(
		workers,
		func() *model.RoutingTable {
			table := registry.Routing()
			return &table
		},
		breakers,
		publisher,
		metrics,
		logger,
		router.Options{
			Memoize:       cfg.Router.Memoize,
			WorkerTimeout: cfg.Router.WorkerTimeout,
		},
	)

	actions := action.NewRegistry()
	eng := engine.New(registry, instStore, actions, publisher, metrics, logger)
	patterns := pattern.NewExecutor(registry, instStore, eventRouter, actions, metrics, logger, cfg.Patterns.QueueSize)
	orch := orchestrator.New(eng, eventRouter, patterns, workers, metrics, logger, orchestrator.Options{
		WorkerProbeTimeout: cfg.Health.WorkerProbeTimeout,
		SweepInterval:      cfg.Health.SweepInterval,
	})

	readinessChecks := observability.ReadinessChecks{
		DefinitionsLoaded: func() bool { return registry.Len() > 0 },
		InstanceStore:     instStore,
	}
	if hc, ok := publisher.(observability.HealthChecker); ok {
		readinessChecks.Publisher = hc
	}

	handler := transport.NewRouter(transport.Dependencies{
		Config:       cfg,
		Orchestrator: orch,
		Metrics:      metrics,
		Logger:       logger,
		Readiness:    readinessChecks,
	})

	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      handler,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	bgCtx, bgCancel := context.WithCancel(ctx)
	defer bgCancel()
	go orch.RunSweeper(bgCtx)

	logger.Info("server started",
		zap.Int("port", cfg.Server.Port),
		zap.String("version", version),
		zap.String("commit", commit),
		zap.Int("workflows", registry.Len()),
		zap.Int("workers", workers.Len()),
	)

	errCh := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutdown initiated")
	case err := <-errCh:
		logger.Error("server error", zap.Error(err))
		return 1
	}

	shutdownTimeout := cfg.Server.ShutdownTimeout
	if shutdownTimeout == 0 {
		shutdownTimeout = 30 * time.Second
	}
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer shutdownCancel()

	// Stop accepting new connections, drain in-flight requests, then let
	// queued pattern continuations settle.
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("HTTP server shutdown error", zap.Error(err))
	}
	if err := orch.Shutdown(shutdownCtx); err != nil {
		logger.Error("pattern executor shutdown error", zap.Error(err))
	}
	bgCancel()

	if storeCloser != nil {
		storeCloser()
	}
	if publisherCloser != nil {
		publisherCloser()
	}

	if err := tracingShutdown(shutdownCtx); err != nil {
		logger.Error("tracing shutdown error", zap.Error(err))
	}

	logger.Info("shutdown complete")
	return 0
}

// buildStore creates the instance store based on config.
func buildStore(ctx context.Context, cfg config.StoreConfig, logger *zap.Logger) (store.Store, func(), error) {
	switch cfg.Driver {
	case "memory", "":
		logger.Info("using in-memory instance store")
		return store.NewMemoryStore(), nil, nil

	case "postgres":
		dsn := os.Getenv(cfg.DSNEnv)
		if dsn == "" {
			return nil, nil, fmt.Errorf("instance store: %s environment variable not set", cfg.DSNEnv)
		}

		poolCfg, err := pgxpool.ParseConfig(dsn)
		if err != nil {
			return nil, nil, fmt.Errorf("instance store: parse DSN: %w", err)
		}
		poolCfg.MaxConns = int32(cfg.MaxOpenConns)
		poolCfg.MaxConnLifetime = cfg.ConnMaxLifetime

		pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
		if err != nil {
			return nil, nil, fmt.Errorf("instance store: connect: %w", err)
		}
		if err := pool.Ping(ctx); err != nil {
			pool.Close()
			return nil, nil, fmt.Errorf("instance store: ping: %w", err)
		}
		return store.NewPgStore(pool), pool.Close, nil

	case "redis":
		client, err := redisClient(ctx, cfg.Redis)
		if err != nil {
			return nil, nil, fmt.Errorf("instance store: %w", err)
		}
		return store.NewRedisStore(client), func() { client.Close() }, nil

	default:
		return nil, nil, fmt.Errorf("unsupported store driver: %q", cfg.Driver)
	}
}

// buildPublisher creates the routing event publisher based on config.
func buildPublisher(cfg config.PublisherConfig, logger *zap.Logger) (model.Publisher, func(), error) {
	switch cfg.Driver {
	case "memory", "":
		bus := publish.NewMemoryBus(cfg.Buffer, logger)
		return bus, bus.Close, nil

	case "redis":
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		client, err := redisClient(ctx, cfg.Redis)
		if err != nil {
			return nil, nil, fmt.Errorf("publisher: %w", err)
		}
		return publish.NewRedisPublisher(client, cfg.Channel), func() { client.Close() }, nil

	default:
		return nil, nil, fmt.Errorf("unsupported publisher driver: %q", cfg.Driver)
	}
}

func redisClient(ctx context.Context, cfg config.RedisConfig) (*redis.Client, error) {
	addr := os.Getenv(cfg.AddrEnv)
	if addr == "" {
		return nil, fmt.Errorf("%s environment variable not set", cfg.AddrEnv)
	}
	client := redis.NewClient(&redis.Options{Addr: addr, DB: cfg.DB})
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("ping: %w", err)
	}
	return client, nil
}
