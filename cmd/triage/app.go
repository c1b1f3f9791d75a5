package main

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/redis/go-redis/v9"

	"mailtriage/internal/claim"
	"mailtriage/internal/classify"
	"mailtriage/internal/config"
	"mailtriage/internal/logging"
	"mailtriage/internal/notify"
	"mailtriage/internal/queue"
	"mailtriage/internal/shutdown"
	"mailtriage/internal/store"
	"mailtriage/internal/tracing"
	"mailtriage/internal/triage"
)

// jobQueue is a queue backend that both dispatches and delivers jobs.
type jobQueue interface {
	queue.Dispatcher
	queue.Source
}

// app holds the shared dependencies of every long-running command.
type app struct {
	cfg      *config.Config
	logger   *slog.Logger
	store    store.Store
	rdb      *redis.Client
	shutdown *shutdown.Manager
}

// newApp loads config and connects to the store. Connection failures are
// returned so the process exits non-zero.
func newApp(ctx context.Context, component string) (*app, error) {
	cfg, err := config.Load(configFile)
	if err != nil {
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}
	if logLevel != "" {
		cfg.LogLevel = logLevel
	}

	logger := logging.NewLogger(cfg.LogLevel, cfg.LogFormat, component)
	slog.SetDefault(logger)

	a := &app{
		cfg:      cfg,
		logger:   logger,
		shutdown: shutdown.NewManager(cfg.ShutdownTimeout, logger),
	}

	tcfg := tracing.DefaultTracerConfig()
	tcfg.Enabled = cfg.Tracing.Enabled
	tcfg.Endpoint = cfg.Tracing.Endpoint
	shutdownTracer, err := tracing.InitTracer(ctx, tcfg)
	if err != nil {
		return nil, err
	}
	a.shutdown.Add("tracer", shutdownTracer)

	if err := a.openStore(ctx); err != nil {
		_ = a.shutdown.Shutdown()
		return nil, err
	}
	return a, nil
}

func (a *app) redisClient(ctx context.Context) (*redis.Client, error) {
	if a.rdb != nil {
		return a.rdb, nil
	}
	rdb := redis.NewClient(&redis.Options{
		Addr: a.cfg.RedisAddr,
		DB:   a.cfg.RedisDB,
	})
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("failed to connect to redis at %s: %w", a.cfg.RedisAddr, err)
	}
	a.rdb = rdb
	a.shutdown.Add("redis", func(context.Context) error {
		a.logger.Info("closing redis connection")
		return rdb.Close()
	})
	return rdb, nil
}

func (a *app) openStore(ctx context.Context) error {
	switch a.cfg.StoreDriver {
	case config.DriverMySQL:
		s, err := store.NewMySQLStore(ctx, a.cfg.MySQLDSN)
		if err != nil {
			return err
		}
		a.store = s
		a.shutdown.Add("mysql", func(context.Context) error {
			a.logger.Info("closing mysql connection")
			return s.Close()
		})
	default:
		rdb, err := a.redisClient(ctx)
		if err != nil {
			return err
		}
		a.store = store.NewRedisStoreFromClient(rdb, a.cfg.KeyPrefix)
	}
	return nil
}

func (a *app) openQueue(ctx context.Context) (jobQueue, error) {
	switch a.cfg.QueueDriver {
	case config.DriverKafka:
		q, err := queue.NewKafkaQueue(a.cfg.Kafka.Brokers, a.cfg.Kafka.Topic, a.cfg.Kafka.GroupID, a.logger)
		if err != nil {
			return nil, err
		}
		a.shutdown.Add("kafka", func(context.Context) error {
			a.logger.Info("closing kafka connections")
			return q.Close()
		})
		return q, nil
	default:
		rdb, err := a.redisClient(ctx)
		if err != nil {
			return nil, err
		}
		return queue.NewRedisQueue(rdb, a.cfg.KeyPrefix, a.cfg.QueueName, a.logger), nil
	}
}

func (a *app) alerter() notify.Alerter {
	if a.cfg.Ntfy.ServerURL == "" || a.cfg.Ntfy.Topic == "" {
		return notify.Nop{}
	}
	return notify.NewNtfyClient(a.cfg.Ntfy.ServerURL, a.cfg.Ntfy.Topic)
}

func (a *app) processor() *triage.Processor {
	claims := claim.NewManager(a.store, a.cfg.LeaseTTL, a.logger)
	classifier := classify.New(classify.NewVaderScorer())
	return triage.NewProcessor(a.store, claims, classifier, a.alerter(), a.logger)
}

// jobHandler adapts the processor to the queue. Only infrastructure errors
// go back to the queue; per-message faults are accounted in the store.
func (a *app) jobHandler() queue.Handler {
	proc := a.processor()
	return func(ctx context.Context, job queue.Job) error {
		res, err := proc.Process(ctx, job.MessageID)
		if err != nil {
			return err
		}
		logging.Enrich(ctx, a.logger).Debug("job finished", "outcome", res.Outcome, "reason", res.Reason)
		return nil
	}
}
