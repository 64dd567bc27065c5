package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	goredis "github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/TemirB/wb-delivery-sync/internal/application/delivery"
	"github.com/TemirB/wb-delivery-sync/internal/application/handler"
	"github.com/TemirB/wb-delivery-sync/internal/application/ordersync"
	"github.com/TemirB/wb-delivery-sync/internal/cache"
	"github.com/TemirB/wb-delivery-sync/internal/config"
	"github.com/TemirB/wb-delivery-sync/internal/database"
	"github.com/TemirB/wb-delivery-sync/internal/domain"
	"github.com/TemirB/wb-delivery-sync/internal/executor"
	"github.com/TemirB/wb-delivery-sync/internal/httpapi"
	infraredis "github.com/TemirB/wb-delivery-sync/internal/infrastructure/redis"
	"github.com/TemirB/wb-delivery-sync/internal/kafka"
	"github.com/TemirB/wb-delivery-sync/internal/marketplace"
	"github.com/TemirB/wb-delivery-sync/internal/observability"
	"github.com/TemirB/wb-delivery-sync/internal/pkg/breaker"
	"github.com/TemirB/wb-delivery-sync/internal/pkg/pool"
)

const (
	publishTimeout  = 10 * time.Second
	topicPartitions = 3
	topicReplicas   = 1
)

type store interface {
	domain.OrderRepository
	domain.DeliveryRepository
}

type newOrdersSink interface {
	PublishNewOrders(ctx context.Context, orders []domain.Order) error
}

type eventSink interface {
	delivery.EventSink
	newOrdersSink
}

func main() {
	cfg := config.Load()

	logger, err := observability.NewLogger(cfg.LogLevel)
	if err != nil {
		log.Fatalf("failed to initialize logger: %v", err)
	}
	defer logger.Sync() //nolint:errcheck

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Fatal("service stopped with error", zap.Error(err))
	}
	logger.Info("service stopped")
}

func run(ctx context.Context, cfg config.Config, logger *zap.Logger) error {
	metrics := observability.NewPrometheus()

	brk := breaker.New(cfg.Breaker, breaker.WithStateHook(func(from, to breaker.State) {
		metrics.ObserveBreakerState(to.String())
		logger.Warn("circuit breaker state changed",
			zap.String("from", from.String()),
			zap.String("to", to.String()),
		)
	}))
	metrics.ObserveBreakerState(brk.State().String())

	clientOpts := []marketplace.Option{
		marketplace.WithLogger(logger),
		marketplace.WithTimeout(cfg.Marketplace.Timeout),
	}
	if cfg.Redis.URL != "" && cfg.Marketplace.RateLimit > 0 {
		rdb, err := infraredis.NewRedis(ctx, cfg.Redis.URL)
		if err != nil {
			return err
		}
		defer closeRedis(rdb, logger)

		limiter, err := infraredis.NewRateLimiter(rdb, cfg.Marketplace.RateLimit)
		if err != nil {
			return err
		}
		clientOpts = append(clientOpts, marketplace.WithLimiter(limiter))
		logger.Info("marketplace quota limiter enabled", zap.Int("per_second", cfg.Marketplace.RateLimit))
	}

	client, err := marketplace.NewClient(cfg.Marketplace.BaseURL, marketplace.StaticToken(cfg.Marketplace.Token), clientOpts...)
	if err != nil {
		return err
	}

	exec := executor.New(brk,
		executor.WithAttemptTimeout(cfg.Marketplace.Timeout),
		executor.WithAdmission(client.Admit),
		executor.WithLogger(logger),
		executor.WithMetrics(metrics),
	)

	repo, closeStore, err := openStore(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer closeStore()

	known, err := cache.New(cfg.CacheCap, metrics)
	if err != nil {
		return err
	}
	logger.Info("cache warmed", zap.Int("orders", known.Warm(ctx, repo)))

	engine := ordersync.NewEngine(client, exec, repo, known, ordersync.Config{
		PageSize: cfg.Marketplace.PageSize,
		MaxPages: cfg.Marketplace.MaxPages,
		Policy:   cfg.Retry.Read,
	}, logger, metrics)

	var (
		sink      eventSink = kafka.NewLogSink(logger)
		publisher *kafka.Publisher
	)
	wfOpts := []delivery.Option{
		delivery.WithLogger(logger),
		delivery.WithMetrics(metrics),
	}
	if cfg.Kafka.Enabled() {
		topics := kafka.Topics{
			Events:    cfg.Kafka.EventsTopic,
			Alerts:    cfg.Kafka.AlertsTopic,
			Orders:    cfg.Kafka.OrdersTopic,
			Reconcile: cfg.Kafka.ReconcileTopic,
		}
		err := kafka.EnsureTopics(ctx, cfg.Kafka.Brokers,
			[]string{topics.Events, topics.Alerts, topics.Orders, topics.Reconcile},
			topicPartitions, topicReplicas, logger)
		if err != nil {
			logger.Warn("kafka topics not ensured, relying on broker auto-create", zap.Error(err))
		}

		publisher = kafka.NewPublisher(kafka.NewWriter(cfg.Kafka.Brokers), topics, logger)
		defer func() {
			if err := publisher.Close(); err != nil {
				logger.Warn("kafka writer close", zap.Error(err))
			}
		}()
		sink = publisher
		wfOpts = append(wfOpts, delivery.WithReconciler(publisher))
	} else {
		logger.Info("kafka is not configured, events go to the log")
	}
	wfOpts = append(wfOpts, delivery.WithEvents(sink))

	workflow := delivery.NewWorkflow(client, exec, engine, repo, cfg.Retry, wfOpts...)

	workers := pool.New(cfg.Sync.Workers)
	scheduler := ordersync.NewScheduler(engine, cfg.Sync.Interval, forwardNewOrders(workers, sink, logger), logger)

	server := httpapi.New(httpapi.Services{
		Syncer:     scheduler,
		Orders:     engine,
		Deliveries: workflow,
		Breaker:    brk,
		Metrics:    metrics.Handler(),
	}, logger, metrics)

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		err := server.ListenAndServe(gctx, cfg.HTTPAddr)
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})

	if err := scheduler.Start(gctx); err != nil {
		return err
	}
	g.Go(func() error {
		<-gctx.Done()
		scheduler.Stop()
		return nil
	})

	if publisher != nil {
		reader := kafka.NewReader(cfg.Kafka.Brokers, cfg.Kafka.ReconcileTopic, cfg.Kafka.Group)
		reconcile := handler.NewHandler(workflow, publisher, cfg.Kafka.ReconcileDelay, cfg.Kafka.ReconcileAttempts, logger)
		consumer := kafka.NewConsumer(reconcile, reader, logger)
		g.Go(func() error {
			defer func() {
				if err := reader.Close(); err != nil {
					logger.Warn("kafka reader close", zap.Error(err))
				}
			}()
			consumer.Run(gctx)
			return nil
		})
	}

	logger.Info("delivery sync service started",
		zap.String("http_addr", cfg.HTTPAddr),
		zap.Bool("postgres", cfg.Pg.Enabled()),
		zap.Bool("kafka", cfg.Kafka.Enabled()),
		zap.Duration("sync_interval", cfg.Sync.Interval),
	)

	err = g.Wait()

	// the scheduler has stopped, so nothing submits any more
	workers.Close()
	workers.Wait()
	return err
}

func openStore(ctx context.Context, cfg config.Config, logger *zap.Logger) (store, func(), error) {
	if !cfg.Pg.Enabled() {
		logger.Warn("postgres is not configured, using the in-memory store")
		return database.NewMemory(), func() {}, nil
	}

	pgPool, err := database.Connect(ctx, cfg.DSN(), logger, cfg.Retry.Read)
	if err != nil {
		return nil, nil, err
	}
	repo := database.New(pgPool, cfg.Tables)
	if err := repo.EnsureSchema(ctx); err != nil {
		pgPool.Close()
		return nil, nil, err
	}
	logger.Info("postgres connected", zap.String("host", cfg.Pg.Host), zap.String("db", cfg.Pg.DB))
	return repo, pgPool.Close, nil
}

// forwardNewOrders hands each run's new orders to the pool so a slow broker
// never holds up the next sync.
func forwardNewOrders(workers *pool.Pool, sink newOrdersSink, logger *zap.Logger) ordersync.ResultHandler {
	return func(ctx context.Context, res ordersync.Result) {
		if !res.OK() {
			logger.Warn("order sync finished with errors",
				zap.Int("new_orders", len(res.NewOrders)),
				zap.Error(res.Err()),
			)
		}
		if len(res.NewOrders) == 0 {
			return
		}

		orders := res.NewOrders
		err := workers.Submit(ctx, func() {
			pctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), publishTimeout)
			defer cancel()
			if err := sink.PublishNewOrders(pctx, orders); err != nil {
				logger.Error("failed to forward new orders", zap.Int("count", len(orders)), zap.Error(err))
			}
		})
		if err != nil {
			logger.Warn("new orders not forwarded", zap.Int("count", len(orders)), zap.Error(err))
		}
	}
}

func closeRedis(rdb *goredis.Client, logger *zap.Logger) {
	if err := rdb.Close(); err != nil {
		logger.Warn("redis close", zap.Error(err))
	}
}
