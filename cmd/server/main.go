package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/Adithya-Monish-Kumar-K/searchcore/internal/api"
	"github.com/Adithya-Monish-Kumar-K/searchcore/internal/cache"
	"github.com/Adithya-Monish-Kumar-K/searchcore/internal/controller"
	"github.com/Adithya-Monish-Kumar-K/searchcore/internal/ingest"
	"github.com/Adithya-Monish-Kumar-K/searchcore/internal/notify"
	"github.com/Adithya-Monish-Kumar-K/searchcore/pkg/config"
	"github.com/Adithya-Monish-Kumar-K/searchcore/pkg/health"
	"github.com/Adithya-Monish-Kumar-K/searchcore/pkg/kafka"
	"github.com/Adithya-Monish-Kumar-K/searchcore/pkg/logger"
	"github.com/Adithya-Monish-Kumar-K/searchcore/pkg/metrics"
	pkgmw "github.com/Adithya-Monish-Kumar-K/searchcore/pkg/middleware"
	"github.com/Adithya-Monish-Kumar-K/searchcore/pkg/postgres"
	pkgredis "github.com/Adithya-Monish-Kumar-K/searchcore/pkg/redis"
	"github.com/Adithya-Monish-Kumar-K/searchcore/pkg/resilience"
)

func main() {
	configPath := flag.String("config", "", "path to config file; built-in defaults and SC_* variables apply without one")
	importSnapshot := flag.String("import-snapshot", "", "snapshot archive to restore into an empty data directory")
	ignoreMissing := flag.Bool("ignore-missing-snapshot", false, "start empty when the snapshot to import does not exist")
	ignoreIfExists := flag.Bool("ignore-snapshot-if-db-exists", false, "skip the import when the data directory already holds a database")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}
	if *importSnapshot != "" {
		cfg.Snapshot.ImportPath = *importSnapshot
	}
	cfg.Snapshot.IgnoreMissing = cfg.Snapshot.IgnoreMissing || *ignoreMissing
	cfg.Snapshot.IgnoreIfExists = cfg.Snapshot.IgnoreIfExists || *ignoreIfExists

	logger.Setup(cfg.Logging.Level, cfg.Logging.Format)
	if err := run(cfg); err != nil {
		slog.Error("server stopped with error", "error", err)
		os.Exit(1)
	}
	slog.Info("server stopped")
}

func run(cfg *config.Config) error {
	slog.Info("starting searchcore", "port", cfg.Server.Port, "data_dir", cfg.Storage.DataDir)
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	m := metrics.New(nil)
	checker := health.NewChecker(5 * time.Second)

	var (
		sinks      []notify.Sink
		queryCache *cache.QueryCache
	)
	if cfg.Redis.Enabled {
		redisClient, err := pkgredis.NewClient(cfg.Redis)
		if err != nil {
			slog.Warn("redis unavailable, search caching and redis notifications disabled", "error", err)
		} else {
			defer redisClient.Close()
			queryCache = cache.New(redisClient, cfg.Redis.CachePrefix, cfg.Redis.CacheTTL, m)
			sinks = append(sinks, notify.NewRedisSink(redisClient, cfg.Redis.Channel, cfg.Redis.CachePrefix))
			checker.Register("redis", func(ctx context.Context) health.ComponentHealth {
				if err := redisClient.Ping(ctx); err != nil {
					return health.ComponentHealth{Status: health.StatusDegraded, Message: err.Error()}
				}
				return health.ComponentHealth{Status: health.StatusUp}
			})
			slog.Info("search cache enabled", "addr", cfg.Redis.Addr, "ttl", cfg.Redis.CacheTTL)
		}
	}
	if cfg.Postgres.Enabled {
		pg, err := postgres.New(cfg.Postgres)
		if err != nil {
			slog.Warn("postgres unavailable, update audit disabled", "error", err)
		} else {
			defer pg.Close()
			if err := pg.Migrate(ctx, notify.AuditSchema); err != nil {
				return fmt.Errorf("migrating audit schema: %w", err)
			}
			sinks = append(sinks, notify.NewPostgresSink(pg.DB))
			checker.Register("postgres", func(ctx context.Context) health.ComponentHealth {
				if err := pg.Ping(ctx); err != nil {
					return health.ComponentHealth{Status: health.StatusDegraded, Message: err.Error()}
				}
				return health.ComponentHealth{Status: health.StatusUp}
			})
		}
	}
	if cfg.Kafka.Enabled {
		producer := kafka.NewProducer(cfg.Kafka, cfg.Kafka.Topics.IndexComplete)
		defer producer.Close()
		sinks = append(sinks, notify.NewKafkaSink(producer))
	}

	ctrl, err := controller.Open(ctx, controller.OptionsFromConfig(cfg), m, queryCache, sinks...)
	if err != nil {
		return fmt.Errorf("opening storage: %w", err)
	}
	defer ctrl.Close()
	ctrl.RegisterHealth(checker)

	routerOpts := api.RouterOptions{
		MaxPayloadBytes: cfg.Server.MaxPayloadBytes,
		MaxWait:         cfg.Server.MaxWait,
		RequestTimeout:  cfg.Server.RequestTimeout,
		MasterKey:       cfg.Server.MasterKey,
		CORSOrigins:     cfg.Server.CORSOrigins,
	}
	if cfg.Server.MasterKey == "" {
		slog.Warn("no master key configured, the API is open to every client")
	}

	g, gctx := errgroup.WithContext(ctx)
	if rl := cfg.Server.RateLimit; rl.Requests > 0 {
		limiter := pkgmw.NewLimiter(rl.Requests, rl.Window)
		routerOpts.RateLimiter = limiter
		g.Go(func() error {
			limiter.Cleanup(gctx, 5*time.Minute)
			return nil
		})
	}

	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      api.NewRouter(ctrl, checker, m, routerOpts),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout + cfg.Server.MaxWait,
	}

	g.Go(func() error {
		return ctrl.Run(gctx)
	})
	if cfg.Metrics.Enabled {
		g.Go(func() error {
			return metrics.Serve(gctx, cfg.Metrics.Port)
		})
	}
	if cfg.Kafka.Enabled {
		consumer := kafka.NewConsumer(cfg.Kafka, cfg.Kafka.Topics.DocumentIngest,
			ingest.HandleMessage(ctrl), resilience.RetryConfig{MaxAttempts: 5})
		bridge := ingest.New(consumer)
		g.Go(func() error {
			return bridge.Start(gctx)
		})
		slog.Info("consuming document batches from kafka",
			"topic", cfg.Kafka.Topics.DocumentIngest,
			"group", cfg.Kafka.ConsumerGroup,
		)
	}
	g.Go(func() error {
		<-gctx.Done()
		slog.Info("shutdown signal received")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	})
	g.Go(func() error {
		slog.Info("searchcore listening", "addr", server.Addr)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	return g.Wait()
}
