package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/sony/gobreaker"
	"golang.org/x/sync/errgroup"

	"github.com/thedusen/booksphere-outbox/config"
	"github.com/thedusen/booksphere-outbox/internal/handler/deadletter"
	"github.com/thedusen/booksphere-outbox/internal/handler/health"
	"github.com/thedusen/booksphere-outbox/internal/handler/partition"
	promhandler "github.com/thedusen/booksphere-outbox/internal/handler/prometheus"
	"github.com/thedusen/booksphere-outbox/internal/repository/postgres"
	"github.com/thedusen/booksphere-outbox/internal/router"
	"github.com/thedusen/booksphere-outbox/internal/service/event"
	"github.com/thedusen/booksphere-outbox/internal/service/replay"
	retention "github.com/thedusen/booksphere-outbox/internal/worker"
	"github.com/thedusen/booksphere-outbox/pkg/circuitbreaker"
	"github.com/thedusen/booksphere-outbox/pkg/lease"
	"github.com/thedusen/booksphere-outbox/pkg/logger"
	"github.com/thedusen/booksphere-outbox/pkg/messaging"
	"github.com/thedusen/booksphere-outbox/pkg/messaging/kafka"
	"github.com/thedusen/booksphere-outbox/pkg/messaging/redis"
	"github.com/thedusen/booksphere-outbox/pkg/metrics"
	"github.com/thedusen/booksphere-outbox/pkg/worker"
)

func main() {
	cfg, err := config.LoadConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	log := logger.NewLogger(cfg.ToLoggerConfig())

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, log); err != nil {
		log.Fatal(err, "Worker stopped with error")
	}
	log.Info("Worker stopped")
}

func run(ctx context.Context, cfg *config.Config, log *logger.Logger) error {
	db, err := postgres.NewDB(ctx, cfg.ToDatabaseConfig())
	if err != nil {
		return err
	}
	defer db.Close()

	if cfg.Database.ApplySchema {
		if err := postgres.ApplySchema(ctx, db); err != nil {
			return err
		}
		log.Info("Outbox schema applied", "driver", cfg.Database.Driver)
	}
	store := postgres.NewStore(db)

	broker, err := redis.NewRedisBroker(cfg.ToBrokerConfig(), log.Zerolog())
	if err != nil {
		return fmt.Errorf("failed to create Redis broker: %w", err)
	}
	defer broker.Close()

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	m := metrics.NewMetrics(cfg.Metrics.Namespace, reg)

	sink, closeSink, err := buildSink(cfg, broker, m, log)
	if err != nil {
		return err
	}
	defer closeSink()

	var opts []worker.Option
	if cfg.Lease.Enabled {
		leases, err := lease.NewManager(broker.Client(), cfg.ToLeaseConfig(), log)
		if err != nil {
			return err
		}
		opts = append(opts, worker.WithLeases(leases))
	}

	processor, err := worker.NewOutboxProcessor(store, sink, cfg.ToProcessorConfig(), log, m, opts...)
	if err != nil {
		return err
	}

	if err := messaging.SubscribeWake(ctx, broker, cfg.Sink.ChannelPrefix, log, processor.Wake); err != nil {
		// Polling still delivers; wake-ups only cut latency.
		log.Warn("Wake-up subscription unavailable", "error", err.Error())
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		processor.Start(gctx)
		return nil
	})

	if cfg.Retention.Enabled {
		janitor, err := retention.NewRetentionWorker(store, cfg.Retention.Period, cfg.Retention.Interval, log, m)
		if err != nil {
			return err
		}
		g.Go(func() error {
			janitor.Start(gctx)
			return nil
		})
	}

	if cfg.Admin.Enabled {
		producer := event.NewService(db, store, log,
			event.WithWaker(messaging.NewWakePublisher(broker, cfg.Sink.ChannelPrefix)))

		r := router.NewRouter(cfg.ToRouterConfig(), log,
			health.NewHandler(map[string]health.Checker{
				"database": db,
				"redis": health.CheckFunc(func(ctx context.Context) error {
					return broker.Client().Ping(ctx).Err()
				}),
			}),
			promhandler.New(cfg.Metrics.Namespace, reg, reg),
			deadletter.NewHandler(store, replay.NewService(store, producer, log)),
			partition.NewHandler(store, processor),
		)

		srv := &http.Server{
			Addr:         cfg.Admin.Addr,
			Handler:      r.Engine(),
			ReadTimeout:  cfg.Admin.ReadTimeout,
			WriteTimeout: cfg.Admin.WriteTimeout,
		}
		g.Go(func() error {
			log.Info("Admin server listening", "addr", cfg.Admin.Addr)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("admin server failed: %w", err)
			}
			return nil
		})
		g.Go(func() error {
			<-gctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(gctx), 10*time.Second)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		})
	}

	log.Info("Outbox worker started",
		"processor", cfg.Outbox.ProcessorName,
		"sink", cfg.Sink.Driver,
		"leases", cfg.Lease.Enabled)

	<-gctx.Done()
	log.Info("Shutting down...")
	return g.Wait()
}

// buildSink assembles the delivery chain: transport, then the per-tenant
// breaker, then the global rate limit.
func buildSink(cfg *config.Config, broker *redis.RedisBroker, m *metrics.Metrics, log *logger.Logger) (messaging.DeliverySink, func(), error) {
	var (
		sink  messaging.DeliverySink
		closeFn = func() {}
	)

	switch cfg.Sink.Driver {
	case "kafka":
		ks, err := kafka.NewSink(cfg.ToKafkaConfig())
		if err != nil {
			return nil, nil, err
		}
		sink = ks
		closeFn = func() {
			if err := ks.Close(); err != nil {
				log.Error(err, "Failed to close Kafka writer")
			}
		}
	default:
		sink = messaging.NewBrokerSink(broker, cfg.Sink.ChannelPrefix)
	}

	if cfg.Sink.Breaker.Enabled {
		settings := cfg.ToBreakerSettings()
		settings.OnStateChange = func(key string, from, to gobreaker.State) {
			m.BreakerStateChanges.WithLabelValues(to.String()).Inc()
			log.Warn("Sink breaker state changed",
				"organization_id", key,
				"from", from.String(),
				"to", to.String())
		}
		sink = circuitbreaker.WrapSink(sink, circuitbreaker.NewRegistry(settings))
	}

	if cfg.Sink.RatePerSecond > 0 {
		sink = messaging.NewRateLimitedSink(sink, cfg.Sink.RatePerSecond, cfg.Sink.RateBurst)
	}
	return sink, closeFn, nil
}
