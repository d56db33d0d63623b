//go:build integration

// Package integration runs the Postgres repositories and the Redis job queue
// against real servers started with testcontainers.
//
// Run with: go test -tags=integration ./internal/integration/...
package integration
