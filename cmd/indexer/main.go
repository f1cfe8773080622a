// Command indexer consumes posting events from Kafka and writes them into
// the posting-list datastore. In build-merge mode new postings land in the
// delta index and are merged into the main index at the end of every
// indexing run and on a fixed interval; each merge is announced on the
// index-merged topic.
//
// Usage:
//
//	go run ./cmd/indexer [-config configs/development.yaml]
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
	"github.com/Adithya-Monish-Kumar-K/plistore/internal/indexer"
	"github.com/Adithya-Monish-Kumar-K/plistore/internal/indexer/consumer"
	"github.com/Adithya-Monish-Kumar-K/plistore/internal/kv"
	"github.com/Adithya-Monish-Kumar-K/plistore/internal/plist"
	"github.com/Adithya-Monish-Kumar-K/plistore/pkg/config"
	"github.com/Adithya-Monish-Kumar-K/plistore/pkg/health"
	"github.com/Adithya-Monish-Kumar-K/plistore/pkg/kafka"
	"github.com/Adithya-Monish-Kumar-K/plistore/pkg/logger"
	"github.com/Adithya-Monish-Kumar-K/plistore/pkg/metrics"
	"github.com/Adithya-Monish-Kumar-K/plistore/pkg/postgres"
	pkgredis "github.com/Adithya-Monish-Kumar-K/plistore/pkg/redis"
	"github.com/Adithya-Monish-Kumar-K/plistore/pkg/resilience"
	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/sync/errgroup"
)

func main() {
	configPath := flag.String("config", "configs/development.yaml", "path to config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}
	logger.Setup("indexer", cfg.Logging.Level, cfg.Logging.Format)
	slog.Info("starting indexer service",
		"backend", cfg.Store.Backend,
		"block_size", cfg.Index.BlockSize,
		"build_merge", cfg.Index.BuildMerge,
	)

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
	clients, closeClients, err := connectBackend(ctx, cfg, checker)
	if err != nil {
		slog.Error("failed to connect store backend", "error", err)
		os.Exit(1)
	}
	defer closeClients()

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
	op := datastore.OpBuild
	if cfg.Index.BuildMerge {
		op = datastore.OpBuildMerge
	}
	opts := datastore.OpenOptions{Fingerprints: true, Metadata: true, Info: true}
	if err := store.Open(ctx, op, opts); err != nil {
		slog.Error("failed to open datastore", "op", op.String(), "error", err)
		os.Exit(1)
	}
	checker.Register("datastore", health.OpenCheck("datastore", store.IsOpen))

	engine := indexer.NewEngine(store, cfg.Index.MergeInterval)
	producer := kafka.NewProducer(cfg.Kafka, cfg.Kafka.Topics.IndexMerged)
	defer producer.Close()
	announcer := consumer.NewAnnouncer(producer, m)

	kafkaConsumer := kafka.NewConsumer(
		cfg.Kafka,
		cfg.Kafka.Topics.PostingEvents,
		consumer.HandleMessage(engine, announcer, m),
	)
	indexConsumer := consumer.New(kafkaConsumer)

	mux := http.NewServeMux()
	checker.Mount(mux)
	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      mux,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	g, gctx := errgroup.WithContext(ctx)
	if op == datastore.OpBuildMerge {
		engine.StartMergeLoop(gctx, announcer.Announce)
	}
	g.Go(func() error {
		slog.Info("indexer consuming from kafka",
			"topic", cfg.Kafka.Topics.PostingEvents,
			"group", cfg.Kafka.ConsumerGroup,
		)
		return indexConsumer.Start(gctx)
	})
	g.Go(func() error {
		slog.Info("health server listening", "addr", server.Addr)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("health server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil {
		slog.Error("indexer stopped with error", "error", err)
	}

	if err := engine.Close(); err != nil {
		slog.Error("closing datastore failed", "error", err)
	}
	slog.Info("indexer service stopped")
}

// connectBackend dials the network client the configured backend needs,
// retrying while the dependency comes up, and registers its health check.
func connectBackend(ctx context.Context, cfg *config.Config, checker *health.Checker) (kv.Clients, func(), error) {
	var clients kv.Clients
	closeFn := func() {}
	retry := resilience.RetryConfig{MaxAttempts: 5, InitialDelay: 500 * time.Millisecond}

	switch cfg.Store.Backend {
	case config.BackendPostgres:
		err := resilience.Retry(ctx, "postgres-connect", retry, func() error {
			c, err := postgres.New(cfg.Postgres)
			clients.Postgres = c
			return err
		})
		if err != nil {
			return clients, closeFn, err
		}
		checker.Register("postgres", health.PingCheck("postgres", 2*time.Second, clients.Postgres.Ping))
		closeFn = func() { clients.Postgres.Close() }
	case config.BackendRedis:
		err := resilience.Retry(ctx, "redis-connect", retry, func() error {
			c, err := pkgredis.NewClient(cfg.Redis)
			clients.Redis = c
			return err
		})
		if err != nil {
			return clients, closeFn, err
		}
		checker.Register("redis", health.PingCheck("redis", 2*time.Second, clients.Redis.Ping))
		closeFn = func() { clients.Redis.Close() }
	}
	return clients, closeFn, nil
}
