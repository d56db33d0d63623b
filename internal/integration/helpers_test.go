//go:build integration

package integration

import (
	"context"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/docker/go-connections/nat"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"

	"proofofart/internal/config"
	"proofofart/internal/database"
)

func skipWithoutDocker(tb testing.TB) {
	tb.Helper()
	if os.Getenv("SKIP_DOCKER_TESTS") == "1" {
		tb.Skip("SKIP_DOCKER_TESTS is set")
	}
}

// startContainer runs req and returns host:port for the given exposed port.
// The container is terminated when the test ends.
func startContainer(tb testing.TB, req testcontainers.ContainerRequest, port string) string {
	tb.Helper()
	ctx := context.Background()

	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: req,
		Started:          true,
	})
	if err != nil {
		tb.Fatalf("start %s container: %v", req.Image, err)
	}
	tb.Cleanup(func() {
		_ = container.Terminate(ctx)
	})

	host, err := container.Host(ctx)
	if err != nil {
		tb.Fatalf("resolve %s host: %v", req.Image, err)
	}
	mapped, err := container.MappedPort(ctx, nat.Port(port))
	if err != nil {
		tb.Fatalf("resolve %s port: %v", req.Image, err)
	}
	return fmt.Sprintf("%s:%s", host, mapped.Port())
}

// newPostgres starts Postgres, applies the migrations and returns a pool.
func newPostgres(tb testing.TB) (*pgxpool.Pool, config.PostgresConfig) {
	tb.Helper()
	skipWithoutDocker(tb)

	addr := startContainer(tb, testcontainers.ContainerRequest{
		Image:        "postgres:16-alpine",
		ExposedPorts: []string{"5432/tcp"},
		Env: map[string]string{
			"POSTGRES_USER":     "proofofart",
			"POSTGRES_PASSWORD": "proofofart",
			"POSTGRES_DB":       "proofofart",
		},
		WaitingFor: wait.ForLog("database system is ready to accept connections").
			WithOccurrence(2).
			WithStartupTimeout(60 * time.Second),
	}, "5432/tcp")

	cfg := config.PostgresConfig{
		DSN:             fmt.Sprintf("postgres://proofofart:proofofart@%s/proofofart?sslmode=disable", addr),
		MaxOpen:         10,
		MaxIdle:         2,
		ConnMaxLifetime: time.Minute,
	}
	ctx := context.Background()
	pool, err := database.NewPostgresPool(ctx, cfg)
	require.NoError(tb, err)
	tb.Cleanup(pool.Close)
	require.NoError(tb, database.Migrate(ctx, pool))
	return pool, cfg
}

func newRedis(tb testing.TB) *redis.Client {
	tb.Helper()
	skipWithoutDocker(tb)

	addr := startContainer(tb, testcontainers.ContainerRequest{
		Image:        "redis:7-alpine",
		ExposedPorts: []string{"6379/tcp"},
		WaitingFor:   wait.ForListeningPort("6379/tcp"),
	}, "6379/tcp")

	client := redis.NewClient(&redis.Options{Addr: addr})
	tb.Cleanup(func() { _ = client.Close() })
	require.NoError(tb, client.Ping(context.Background()).Err())
	return client
}
