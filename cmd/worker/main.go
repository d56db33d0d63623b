package main

import (
	"context"
	"errors"
	"os/signal"
	"syscall"

	"proofofart/internal/analyzer"
	"proofofart/internal/cache"
	"proofofart/internal/config"
	"proofofart/internal/database"
	"proofofart/internal/detection"
	"proofofart/internal/jobs"
	"proofofart/internal/log"
	"proofofart/internal/queue"
	"proofofart/internal/repository"
	"proofofart/internal/storage"
)

func main() {
	cfg, err := config.Load("worker")
	if err != nil {
		panic(err)
	}

	logger := log.New(cfg.Environment, cfg.Logging.Level)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	dbPool, err := database.NewPostgresPool(ctx, cfg.Postgres)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to connect postgres")
	}
	defer dbPool.Close()

	client, err := cache.NewRedisClient(ctx, cfg.Redis, "worker")
	if err != nil {
		logger.Fatal().Err(err).Msg("redis connection failed")
	}
	defer client.Close()

	backend := queue.NewRedisBackend(client, queue.RedisConfig{
		Stream:          cfg.Queue.Stream,
		Group:           cfg.Queue.Group,
		Consumer:        cfg.Queue.Consumer,
		KeyPrefix:       cfg.Queue.KeyPrefix,
		RetainCompleted: cfg.Queue.RetainCompleted,
		RetainFailed:    cfg.Queue.RetainFailed,
	})
	if err := backend.EnsureGroup(ctx); err != nil {
		logger.Fatal().Err(err).Msg("failed to create consumer group")
	}

	objectStore, err := storage.NewObjectStore(cfg.Storage)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to init object store")
	}

	images := repository.NewImageRepository(dbPool)
	detector := analyzer.NewClient(cfg.Analyzer.BaseURL, analyzer.WithTimeouts(cfg.Analyzer.Timeout, cfg.Analyzer.PingTimeout))
	worker := detection.NewWorker(images, detector, objectStore, cfg.Analyzer.ModelName, logger)

	limiter := queue.NewRedisLimiter(client, cfg.Queue.KeyPrefix+":ratelimit", cfg.Queue.RatePerSecond)
	consumer := queue.NewConsumer(backend, worker, limiter, queue.ConsumerConfig{
		Concurrency:    cfg.Queue.Concurrency,
		MaxAttempts:    cfg.Queue.MaxAttempts,
		BackoffInitial: cfg.Queue.BackoffInitial,
		BackoffMax:     cfg.Queue.BackoffMax,
		ClaimInterval:  cfg.Queue.ClaimInterval,
	}, logger)

	scheduler := jobs.NewScheduler(images, backend, worker.Metrics(), cfg.Scheduler, logger)
	if err := scheduler.Start(); err != nil {
		logger.Error().Err(err).Msg("scheduler start failed")
	}
	defer scheduler.Stop()

	logger.Info().
		Int("concurrency", cfg.Queue.Concurrency).
		Str("analyzer", cfg.Analyzer.BaseURL).
		Msg("detection worker started")

	if err := consumer.Start(ctx); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error().Err(err).Msg("consumer stopped unexpectedly")
	}
	logger.Info().Msg("worker exited cleanly")
}
