package main

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"kasirsync/terminal/internal/cache"
	"kasirsync/terminal/internal/config"
	"kasirsync/terminal/internal/connectivity"
	"kasirsync/terminal/internal/events"
	"kasirsync/terminal/internal/httpapi"
	"kasirsync/terminal/internal/inventory"
	"kasirsync/terminal/internal/localstore"
	"kasirsync/terminal/internal/logging"
	"kasirsync/terminal/internal/sales"
	"kasirsync/terminal/internal/service"
	"kasirsync/terminal/internal/store"
	"kasirsync/terminal/internal/store/breaker"
	"kasirsync/terminal/internal/store/memory"
	mongostore "kasirsync/terminal/internal/store/mongo"
	pgstore "kasirsync/terminal/internal/store/postgres"
	"kasirsync/terminal/internal/syncer"
)

func main() {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		log.Printf("failed to load .env: %v", err)
	}
	cfg := config.Load()

	logger, err := logging.New(cfg.Logger)
	if err != nil {
		log.Fatalf("invalid logger configuration: %v", err)
	}
	defer func() { _ = logger.Sync() }()

	if err := validateConfig(cfg); err != nil {
		logger.Fatal("invalid configuration", zap.Error(err))
	}

	if err := run(cfg, logger); err != nil {
		logger.Fatal("terminal stopped with error", zap.Error(err))
	}
	logger.Info("terminal stopped")
}

func run(cfg config.Config, logger *zap.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	closers := make([]func() error, 0, 5)
	defer func() {
		for i := len(closers) - 1; i >= 0; i-- {
			if err := closers[i](); err != nil {
				logger.Warn("close error", zap.Error(err))
			}
		}
	}()

	remote, err := openRemote(ctx, cfg.Remote, logger)
	if err != nil {
		return err
	}
	closers = append(closers, remote.Close)
	guarded := breaker.Wrap(remote, breaker.Settings{
		MaxFailures: cfg.Breaker.MaxFailures,
		OpenTimeout: cfg.Breaker.OpenTimeout,
	}, logger)

	local, err := localstore.Open(ctx, cfg.LocalDBPath, logger)
	if err != nil {
		return fmt.Errorf("open local store: %w", err)
	}
	closers = append(closers, local.Close)

	productCache := cache.ProductCache(cache.NoopProductCache{})
	var locker inventory.Locker
	if cfg.Redis.Addr != "" {
		client := cache.NewRedisClient(cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB)
		redisCache := cache.NewRedisProductCache(client)
		pingCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
		err := redisCache.Ping(pingCtx)
		cancel()
		if err != nil {
			logger.Warn("redis unavailable, using noop product cache", zap.Error(err))
			_ = client.Close()
		} else {
			productCache = redisCache
			locker = cache.NewRedisLocker(client, cfg.Redis.LockTTL)
			closers = append(closers, client.Close)
			logger.Info("product cache: redis", zap.String("addr", cfg.Redis.Addr))
		}
	}

	policy, err := inventory.PolicyByName(cfg.Stock.VariantPolicy)
	if err != nil {
		return err
	}
	strategyName := cfg.Stock.Strategy
	if strategyName == inventory.StrategyLocked && locker == nil {
		logger.Warn("stock lock backend unavailable, falling back to compare-and-swap")
		strategyName = inventory.StrategyCompareAndSwap
	}
	strategy, err := inventory.StrategyByName(strategyName, cfg.Stock.CASMaxAttempts, locker, logger)
	if err != nil {
		return err
	}
	logger.Info("stock reconciliation", zap.String("policy", policy.Name()), zap.String("strategy", strategy.Name()))

	publisher := events.Publisher(events.Noop{})
	if len(cfg.Kafka.Brokers) > 0 {
		kafka := events.NewKafkaPublisher(cfg.Kafka.Brokers, cfg.Kafka.Topic, logger)
		publisher = kafka
		closers = append(closers, kafka.Close)
		logger.Info("sale events: kafka", zap.Strings("brokers", cfg.Kafka.Brokers), zap.String("topic", cfg.Kafka.Topic))
	}

	sw := connectivity.NewSwitch(false)
	prober := connectivity.NewProber(guarded, sw, cfg.Sync.ProbeInterval, cfg.Sync.ProbeTimeout, logger)
	prober.ProbeOnce(ctx)

	reconciler := inventory.NewReconciler(guarded, local, sw, policy, strategy, logger,
		inventory.WithProductCache(productCache, cfg.Redis.ProductCacheTTL))
	engine := syncer.NewEngine(local, guarded, reconciler, sw, logger, syncer.WithPublisher(publisher))
	monitor := connectivity.NewMonitor(sw, func(ctx context.Context) {
		engine.SyncPendingSales(ctx)
	}, cfg.Sync.Settle, logger)

	svc := service.New(service.Deps{
		TerminalID: cfg.TerminalID,
		BranchID:   cfg.BranchID,
		Recorder:   sales.NewRecorder(guarded, local, sw, logger, sales.WithDefaultBranch(cfg.BranchID)),
		Stock:      reconciler,
		Catalog:    inventory.NewCatalog(guarded, local, sw, productCache, cfg.Redis.ProductCacheTTL, logger),
		Syncer:     engine,
		Ledger:     local,
		Status:     monitor,
		Publisher:  publisher,
		Logger:     logger,
	})
	api := httpapi.New(svc, httpapi.NewAuthManager(cfg.Auth.Secret, cfg.Auth.Issuer), cfg.AllowedOrigin, logger)

	server := &http.Server{
		Addr:              cfg.Address(),
		Handler:           api.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       10 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	monitor.Init(gctx)

	g.Go(func() error {
		return prober.Run(gctx)
	})
	g.Go(func() error {
		logger.Info("terminal listening",
			zap.String("addr", cfg.Address()),
			zap.String("terminal_id", cfg.TerminalID),
			zap.String("branch_id", cfg.BranchID))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 8*time.Second)
		defer cancel()
		err := server.Shutdown(shutdownCtx)
		monitor.Close()
		return err
	})

	return g.Wait()
}

// openRemote connects the configured backend. Postgres and Mongo are opened
// lazily so a terminal that boots offline still serves checkouts.
func openRemote(ctx context.Context, cfg config.RemoteConfig, logger *zap.Logger) (store.Remote, error) {
	switch cfg.Driver {
	case "postgres":
		pg, err := pgstore.Open(cfg.DatabaseURL)
		if err != nil {
			return nil, fmt.Errorf("open postgres: %w", err)
		}
		if err := pg.Migrate(); err != nil {
			logger.Warn("postgres schema migration skipped", zap.Error(err))
		}
		logger.Info("remote store: postgres")
		return pg, nil
	case "mongo":
		db, err := mongostore.Dial(ctx, cfg.MongoURI, cfg.MongoDB)
		if err != nil {
			return nil, err
		}
		m := mongostore.New(db)
		indexCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
		defer cancel()
		if err := m.CreateIndexes(indexCtx); err != nil {
			logger.Warn("mongo index creation skipped", zap.Error(err))
		}
		logger.Info("remote store: mongo", zap.String("database", cfg.MongoDB))
		return m, nil
	case "memory":
		logger.Warn("remote store: in-memory demo backend, sales are not persisted upstream")
		return memory.NewSeeded(), nil
	default:
		return nil, fmt.Errorf("unknown remote driver %q", cfg.Driver)
	}
}

func validateConfig(cfg config.Config) error {
	if len(cfg.Auth.Secret) < 32 {
		return errors.New("AUTH_SECRET must be set and at least 32 characters")
	}
	if cfg.TerminalID == "" {
		return errors.New("TERMINAL_ID must be set")
	}
	if cfg.BranchID == "" {
		return errors.New("BRANCH_ID must be set")
	}
	if cfg.LocalDBPath == "" {
		return errors.New("LOCAL_DB_PATH must be set")
	}

	switch cfg.Remote.Driver {
	case "postgres":
		if cfg.Remote.DatabaseURL == "" {
			return errors.New("DATABASE_URL is required for the postgres driver")
		}
	case "mongo":
		if cfg.Remote.MongoURI == "" {
			return errors.New("MONGO_URI is required for the mongo driver")
		}
	case "memory":
	default:
		return fmt.Errorf("REMOTE_DRIVER %q is not one of postgres, mongo, memory", cfg.Remote.Driver)
	}

	if _, err := inventory.PolicyByName(cfg.Stock.VariantPolicy); err != nil {
		return fmt.Errorf("VARIANT_POLICY: %w", err)
	}
	switch cfg.Stock.Strategy {
	case inventory.StrategyReadModifyWrite, inventory.StrategyCompareAndSwap:
	case inventory.StrategyLocked:
		if cfg.Redis.Addr == "" {
			return errors.New("STOCK_STRATEGY=locked requires REDIS_ADDR")
		}
	default:
		return fmt.Errorf("STOCK_STRATEGY %q is not one of rmw, cas, locked", cfg.Stock.Strategy)
	}
	if cfg.Stock.CASMaxAttempts < 1 {
		return errors.New("CAS_MAX_ATTEMPTS must be positive")
	}
	return nil
}
