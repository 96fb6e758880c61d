package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/pitabwire/procflow/internal/config"
	"github.com/pitabwire/procflow/internal/definition"
	"github.com/pitabwire/procflow/internal/directory"
	"github.com/pitabwire/procflow/internal/idempotency"
	"github.com/pitabwire/procflow/internal/issue"
	"github.com/pitabwire/procflow/internal/notify"
	"github.com/pitabwire/procflow/internal/observability"
	"github.com/pitabwire/procflow/internal/sqlstore"
	"github.com/pitabwire/procflow/internal/transport"
	"github.com/pitabwire/procflow/internal/workflow"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve the workflow HTTP API",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()
		return run(ctx)
	},
}

func run(ctx context.Context) error {
	// 1. Load configuration.
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	// 2. Initialize logger.
	logger, err := observability.NewLogger(cfg.Observability)
	if err != nil {
		return fmt.Errorf("initializing logger: %w", err)
	}
	defer func() { _ = logger.Sync() }()

	logger.Info("starting procflow",
		zap.String("version", observability.Version),
		zap.String("commit", observability.Commit),
		zap.Int("port", cfg.Server.Port),
	)

	// 3. Initialize tracing.
	shutdownTracing, err := observability.InitTracing(ctx, cfg.Observability.Tracing, "procflow", observability.Version)
	if err != nil {
		return fmt.Errorf("initializing tracing: %w", err)
	}
	defer func() {
		if err := shutdownTracing(context.Background()); err != nil {
			logger.Error("tracing shutdown error", zap.Error(err))
		}
	}()

	// 4. Initialize metrics.
	metrics := observability.InitMetrics(prometheus.DefaultRegisterer)

	// 5. Load and validate process definitions.
	defs, err := loadDefinitions(cfg.Definitions.Directories, os.Stderr)
	if err != nil {
		return err
	}
	registry := definition.NewRegistry(defs)
	metrics.SetProcessesLoaded(float64(registry.Len()))
	logger.Info("definitions loaded",
		zap.Int("files", len(defs)),
		zap.Int("processes", registry.Len()),
		zap.String("checksum", registry.Checksum()),
	)

	// 6. Open the instance store.
	store, closeStore, err := buildStore(ctx, cfg.Store)
	if err != nil {
		return err
	}
	defer closeStore()

	// 7. Open the idempotency store.
	idem, closeIdem, err := buildIdempotencyStore(ctx, cfg.Idempotency)
	if err != nil {
		return err
	}
	defer closeIdem()

	// 8. Build the engine.
	opts := []workflow.Option{
		workflow.WithLogger(logger),
		workflow.WithMetrics(metrics),
		workflow.WithChainLimit(cfg.Engine.ChainLimit),
	}
	if cfg.Notify.Enabled {
		pubsub := notify.NewPubSub(cfg.Notify.Buffer, logger)
		defer func() { _ = pubsub.Close() }()

		router, err := notify.NewLogRouter(pubsub, logger)
		if err != nil {
			return fmt.Errorf("building notification router: %w", err)
		}
		go func() {
			if err := router.Run(ctx); err != nil {
				logger.Error("notification router stopped", zap.Error(err))
			}
		}()
		breaker := notify.NewBreaker(cfg.Notify.BreakerThreshold, cfg.Notify.BreakerCooldown)
		opts = append(opts, workflow.WithNotifier(
			notify.NewGuardedNotifier(notify.NewWatermillNotifier(pubsub), breaker)))
	}

	objects := workflow.NewObjectRegistry()
	issues := issue.NewMemoryRepository()
	issue.Register(objects, issues)

	var (
		policy workflow.AssigneePolicy
		groups *directory.Groups
	)
	if cfg.Engine.GroupsFile != "" {
		groups, err = directory.Load(cfg.Engine.GroupsFile)
		if err != nil {
			return err
		}
		policy = groups.Policy(nil)
		logger.Info("groups loaded", zap.Strings("groups", groups.Names()))
	}

	engine := workflow.NewEngine(registry, store, objects, policy, opts...)

	// 9. Build the authenticator.
	secret := cfg.Identity.Secret()
	if secret == "" {
		return fmt.Errorf("%s is not set", cfg.Identity.SecretEnv)
	}

	// 10. Build the router.
	handler := transport.NewRouter(transport.Dependencies{
		Config:       cfg,
		Logger:       logger,
		Authenticate: transport.JWTAuthenticator(cfg.Identity, []byte(secret)),
		Engine:       engine,
		Issues:       issue.NewService(issues, engine, logger),
		Idempotency:  idem,
		Metrics:      metrics,
		Readiness: observability.ReadinessChecks{
			ProcessesLoaded:  registry.Len,
			Store:            healthChecker(store),
			IdempotencyStore: idem,
		},
	})

	// 11. Reload definitions and groups on SIGHUP.
	go reloadOnHangup(ctx, logger, metrics, registry, groups, cfg.Definitions.Directories)

	// 12. Start the HTTP server.
	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:           handler,
		ReadTimeout:       cfg.Server.ReadTimeout,
		ReadHeaderTimeout: 10 * time.Second,
		WriteTimeout:      cfg.Server.WriteTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("http server listening", zap.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	// 13. Wait for shutdown signal or server error.
	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("http server error: %w", err)
		}
	}

	// 14. Graceful shutdown.
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("http server shutdown error", zap.Error(err))
	}

	logger.Info("procflow stopped")
	return nil
}

// buildStore opens the configured instance store. The returned func releases
// its connections.
func buildStore(ctx context.Context, cfg config.StoreConfig) (workflow.Store, func(), error) {
	switch cfg.Driver {
	case "memory":
		return workflow.NewMemoryStore(), func() {}, nil
	case "postgres":
		poolCfg, err := pgxpool.ParseConfig(cfg.DSN())
		if err != nil {
			return nil, nil, fmt.Errorf("parsing postgres dsn: %w", err)
		}
		if cfg.MaxOpenConns > 0 {
			poolCfg.MaxConns = int32(cfg.MaxOpenConns)
		}
		if cfg.MaxIdleConns > 0 {
			poolCfg.MinConns = int32(cfg.MaxIdleConns)
		}
		poolCfg.MaxConnLifetime = cfg.ConnMaxLifetime

		pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
		if err != nil {
			return nil, nil, fmt.Errorf("connecting to postgres: %w", err)
		}
		store := workflow.NewPgStore(pool)
		if err := store.EnsureSchema(ctx); err != nil {
			pool.Close()
			return nil, nil, fmt.Errorf("creating postgres schema: %w", err)
		}
		return store, pool.Close, nil
	case "sqlite", "mysql":
		store, err := sqlstore.Open(ctx, cfg)
		if err != nil {
			return nil, nil, err
		}
		return store, func() { _ = store.Close() }, nil
	default:
		return nil, nil, fmt.Errorf("unsupported store driver %q", cfg.Driver)
	}
}

// buildIdempotencyStore returns nil when idempotency is disabled.
func buildIdempotencyStore(ctx context.Context, cfg config.IdempotencyConfig) (idempotency.Store, func(), error) {
	if !cfg.Enabled {
		return nil, func() {}, nil
	}
	if cfg.Driver != "redis" {
		return idempotency.NewMemoryStore(), func() {}, nil
	}

	client := redis.NewClient(&redis.Options{
		Addr: os.Getenv(cfg.AddrEnv),
		DB:   cfg.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, nil, fmt.Errorf("connecting to redis: %w", err)
	}
	store := idempotency.NewRedisStore(client)
	return store, func() { _ = store.Close() }, nil
}

// healthChecker exposes the store's health check when it has one.
func healthChecker(store workflow.Store) observability.HealthChecker {
	if hc, ok := store.(observability.HealthChecker); ok {
		return hc
	}
	return nil
}

// reloadOnHangup swaps in freshly loaded definitions on every SIGHUP. A set
// that fails validation leaves the live one in place. groups may be nil.
func reloadOnHangup(
	ctx context.Context,
	logger *zap.Logger,
	metrics *observability.Metrics,
	registry *definition.Registry,
	groups *directory.Groups,
	dirs []string,
) {
	hup := make(chan os.Signal, 1)
	signal.Notify(hup, syscall.SIGHUP)
	defer signal.Stop(hup)

	for {
		select {
		case <-ctx.Done():
			return
		case <-hup:
		}
		if groups != nil {
			if err := groups.Sync(); err != nil {
				logger.Error("group reload failed", zap.Error(err))
			}
		}
		if err := reloadDefinitions(registry, dirs, io.Discard); err != nil {
			metrics.RecordDefinitionReload("error")
			logger.Error("definition reload failed", zap.Error(err))
			continue
		}
		metrics.RecordDefinitionReload("ok")
		metrics.SetProcessesLoaded(float64(registry.Len()))
		logger.Info("definitions reloaded",
			zap.Int("processes", registry.Len()),
			zap.String("checksum", registry.Checksum()),
		)
	}
}

func reloadDefinitions(registry *definition.Registry, dirs []string, errOut io.Writer) error {
	defs, err := loadDefinitions(dirs, errOut)
	if err != nil {
		return err
	}
	registry.Replace(defs)
	return nil
}
