package main

import (
	"context"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"proofofart/internal/cache"
	"proofofart/internal/config"
	"proofofart/internal/database"
	"proofofart/internal/handlers"
	"proofofart/internal/keys"
	"proofofart/internal/log"
	"proofofart/internal/media/attest"
	"proofofart/internal/policy"
	"proofofart/internal/proof"
	"proofofart/internal/queue"
	"proofofart/internal/repository"
	"proofofart/internal/server"
	"proofofart/internal/service"
	"proofofart/internal/storage"
)

func main() {
	cfg, err := config.Load("config")
	if err != nil {
		panic(err)
	}

	logger := log.New(cfg.Environment, cfg.Logging.Level)
	if cfg.Security.JWTAccessSecret == "" {
		logger.Fatal().Msg("security.jwtaccesssecret is required")
	}

	ctx := context.Background()

	dbPool, err := database.NewPostgresPool(ctx, cfg.Postgres)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to connect postgres")
	}
	if err := database.Migrate(ctx, dbPool); err != nil {
		logger.Fatal().Err(err).Msg("failed to apply migrations")
	}

	gormDB, err := database.NewGorm(cfg.Postgres)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to open key store")
	}
	registry := keys.NewRegistry(repository.NewKeyRepository(gormDB))

	redisClient, err := cache.NewRedisClient(ctx, cfg.Redis, "api")
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to connect redis")
	}
	jobQueue := queue.NewRedisBackend(redisClient, queue.RedisConfig{
		Stream:          cfg.Queue.Stream,
		Group:           cfg.Queue.Group,
		Consumer:        cfg.Queue.Consumer,
		KeyPrefix:       cfg.Queue.KeyPrefix,
		RetainCompleted: cfg.Queue.RetainCompleted,
		RetainFailed:    cfg.Queue.RetainFailed,
	})
	if err := jobQueue.EnsureGroup(ctx); err != nil {
		logger.Fatal().Err(err).Msg("failed to create consumer group")
	}

	objectStore, err := storage.NewObjectStore(cfg.Storage)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to init object store")
	}
	if err := objectStore.EnsureBucket(ctx); err != nil {
		logger.Warn().Err(err).Msg("ensure bucket failed")
	}

	systemKey, err := proof.LoadSystemKey(cfg.Proof, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to load system signing key")
	}
	if err := systemKey.Register(ctx, registry); err != nil {
		logger.Fatal().Err(err).Msg("failed to register system key")
	}

	codec, err := attest.Select(cfg.Proof.EmbedMode, cfg.Proof.TrailerScanBytes, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("invalid embed mode")
	}

	engine, err := policy.NewEngine(ctx)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to compile claim policy")
	}

	images := repository.NewImageRepository(dbPool)
	artworks := repository.NewArtworkRepository(dbPool)
	users := repository.NewUserRepository(dbPool)
	notifications := service.NewNotificationService(repository.NewNotificationRepository(dbPool), users, logger)

	handlerSet := handlers.NewHandlerSet(logger, handlers.Deps{
		Uploads:       service.NewUploadService(images, artworks, objectStore, jobQueue, codec, logger),
		Status:        service.NewStatusReporter(images, jobQueue, cfg.Status.PollInterval, cfg.Status.HeartbeatInterval, logger),
		Proofs:        service.NewProofService(images, artworks, objectStore, codec, registry, proof.NewSigner(), systemKey, logger),
		Claims:        service.NewClaimService(artworks, repository.NewClaimRepository(dbPool), users, notifications, engine, logger),
		Keys:          service.NewKeyService(registry, users, logger),
		Notifications: notifications,
		Users:         users,
		Queue:         jobQueue,
		Images:        images,
		Checks: map[string]handlers.HealthCheck{
			"postgres": dbPool.Ping,
			"redis":    func(ctx context.Context) error { return redisClient.Ping(ctx).Err() },
			"storage":  objectStore.Ping,
		},
		JWTSecret:   cfg.Security.JWTAccessSecret,
		Environment: cfg.Environment,
	})
	httpServer := server.NewHTTPServer(cfg, logger, handlerSet)

	go func() {
		if err := httpServer.Start(); err != nil {
			logger.Fatal().Err(err).Msg("http server failed")
		}
	}()

	waitForShutdown(logger, httpServer, dbPool, redisClient)
}

func waitForShutdown(logger zerolog.Logger, srv *server.HTTPServer, db *pgxpool.Pool, redisClient *redis.Client) {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	<-ctx.Done()
	logger.Info().Msg("shutdown signal received")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("graceful shutdown failed")
	}

	db.Close()
	if err := redisClient.Close(); err != nil {
		logger.Error().Err(err).Msg("redis close error")
	}

	logger.Info().Msg("server exited cleanly")
}
