// Command query serves read access to the main posting-list index over HTTP.
// The datastore is opened in get mode. When Redis is reachable, blocks are
// cached there and the cache is dropped whenever the indexer announces a
// merge on the index-merged topic.
//
// Usage:
//
//	go run ./cmd/query [-config configs/development.yaml]
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

	"github.com/Adithya-Monish-Kumar-K/plistore/internal/datastore"
	"github.com/Adithya-Monish-Kumar-K/plistore/internal/kv"
	"github.com/Adithya-Monish-Kumar-K/plistore/internal/plist"
	"github.com/Adithya-Monish-Kumar-K/plistore/internal/query/cache"
	"github.com/Adithya-Monish-Kumar-K/plistore/internal/query/handler"
	"github.com/Adithya-Monish-Kumar-K/plistore/pkg/config"
	"github.com/Adithya-Monish-Kumar-K/plistore/pkg/health"
	"github.com/Adithya-Monish-Kumar-K/plistore/pkg/kafka"
	"github.com/Adithya-Monish-Kumar-K/plistore/pkg/logger"
	"github.com/Adithya-Monish-Kumar-K/plistore/pkg/metrics"
	"github.com/Adithya-Monish-Kumar-K/plistore/pkg/middleware"
	"github.com/Adithya-Monish-Kumar-K/plistore/pkg/postgres"
	pkgredis "github.com/Adithya-Monish-Kumar-K/plistore/pkg/redis"
	"github.com/Adithya-Monish-Kumar-K/plistore/pkg/resilience"
	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/sync/errgroup"
)

const requestTimeout = 10 * time.Second

func main() {
	configPath := flag.String("config", "configs/development.yaml", "path to config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}
	logger.Setup("query", cfg.Logging.Level, cfg.Logging.Format)
	slog.Info("starting query service", "port", cfg.Server.Port, "backend", cfg.Store.Backend)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	m := metrics.New(prometheus.DefaultRegisterer)
	if cfg.Metrics.Enabled {
		shutdownMetrics, err := metrics.StartServer(cfg.Metrics.Port, nil)
		if err != nil {
			slog.Error("failed to start metrics server", "error", err)
			os.Exit(1)
		}
		defer shutdownMetrics(context.Background())
	}
	checker := health.NewChecker()

	var clients kv.Clients
	if cfg.Store.Backend == config.BackendPostgres {
		db, err := postgres.New(cfg.Postgres)
		if err != nil {
			slog.Error("failed to connect to postgres", "error", err)
			os.Exit(1)
		}
		defer db.Close()
		clients.Postgres = db
		checker.Register("postgres", health.PingCheck("postgres", 2*time.Second, db.Ping))
	}

	// Redis is optional here unless it also holds the collections.
	rdb, err := pkgredis.NewClient(cfg.Redis)
	if err != nil {
		if cfg.Store.Backend == config.BackendRedis {
			slog.Error("failed to connect to redis", "error", err)
			os.Exit(1)
		}
		slog.Warn("redis unavailable, block cache disabled", "error", err)
		rdb = nil
	} else {
		defer rdb.Close()
		clients.Redis = rdb
		checker.Register("redis", health.PingCheck("redis", 2*time.Second, rdb.Ping))
	}

	factory, err := kv.NewFactory(cfg.Store, clients)
	if err != nil {
		slog.Error("failed to build collection factory", "error", err)
		os.Exit(1)
	}
	store, err := datastore.New(factory, plist.OptionsFromConfig(cfg.Index, m))
	if err != nil {
		slog.Error("failed to create datastore", "error", err)
		os.Exit(1)
	}
	if err := store.Open(ctx, datastore.OpGet, datastore.DefaultOpenOptions()); err != nil {
		slog.Error("failed to open datastore", "error", err)
		os.Exit(1)
	}
	defer store.Close()
	checker.Register("datastore", health.OpenCheck("datastore", store.IsOpen))

	// Only merges change the main index in build-merge mode, and every merge
	// is announced; other modes write main on each flush without telling us.
	var blockCache *cache.BlockCache
	switch {
	case rdb == nil:
	case !cfg.Index.BuildMerge:
		slog.Info("block cache disabled, indexer does not build through a delta index")
	default:
		blockCache = cache.New(rdb, cfg.Redis.CacheTTL)
	}

	mux := http.NewServeMux()
	handler.New(store, blockCache).Register(mux)
	checker.Mount(mux)

	mws := []func(http.Handler) http.Handler{middleware.RequestID, middleware.Metrics(m)}
	if cfg.Server.RateLimit > 0 {
		limiter := middleware.NewLimiter(cfg.Server.RateLimit, time.Minute)
		limiter.StartCleanup(ctx, 5*time.Minute)
		mws = append(mws, middleware.RateLimit(limiter))
	}
	mws = append(mws, middleware.Timeout(requestTimeout))

	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      middleware.Chain(mux, mws...),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	g, gctx := errgroup.WithContext(ctx)
	if blockCache != nil {
		// Every replica keeps its own group so each one sees every merge.
		kcfg := cfg.Kafka
		host, _ := os.Hostname()
		kcfg.ConsumerGroup = fmt.Sprintf("plistore-query-%s", host)
		invalidations := kafka.NewConsumer(kcfg, cfg.Kafka.Topics.IndexMerged, cache.InvalidateOnMerge(blockCache)).
			WithRetry(resilience.RetryConfig{MaxAttempts: 5, InitialDelay: 200 * time.Millisecond, MaxDelay: 5 * time.Second})
		g.Go(func() error {
			return invalidations.Start(gctx)
		})
	}
	g.Go(func() error {
		slog.Info("query service listening", "addr", server.Addr)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("query server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		slog.Info("shutdown signal received")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil {
		slog.Error("query service stopped with error", "error", err)
	}
	slog.Info("query service stopped")
}
