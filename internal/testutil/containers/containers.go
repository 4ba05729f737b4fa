//go:build integration

// Package containers starts the backing stores the audit sinks write to, for
// integration tests run with the "integration" build tag:
//
//	go test -tags=integration ./pkg/audit/...
//
// Every Start function registers container termination with t.Cleanup and
// fails the test if the container cannot be started.
package containers

import (
	"context"
	"testing"

	tcminio "github.com/testcontainers/testcontainers-go/modules/minio"
	tcpostgres "github.com/testcontainers/testcontainers-go/modules/postgres"
	tcredis "github.com/testcontainers/testcontainers-go/modules/redis"
)

// Images and credentials for the ephemeral test containers.
const (
	PostgresImage = "docker.io/postgres:16-alpine"
	RedisImage    = "docker.io/redis:7-alpine"
	MinIOImage    = "docker.io/minio/minio:latest"

	PostgresDatabase = "delegation_test"
	PostgresUser     = "testuser"
	PostgresPassword = "testpassword"

	MinIOAccessKey = "minioadmin"
	MinIOSecretKey = "minioadmin"
)

type terminator interface {
	Terminate(ctx context.Context) error
}

func cleanup(t *testing.T, name string, c terminator) {
	t.Cleanup(func() {
		if err := c.Terminate(context.Background()); err != nil {
			t.Logf("containers: failed to terminate %s: %v", name, err)
		}
	})
}

// StartPostgres starts PostgreSQL and returns a connection URI with TLS
// disabled.
func StartPostgres(ctx context.Context, t *testing.T) string {
	t.Helper()
	c, err := tcpostgres.Run(ctx, PostgresImage,
		tcpostgres.WithDatabase(PostgresDatabase),
		tcpostgres.WithUsername(PostgresUser),
		tcpostgres.WithPassword(PostgresPassword),
		tcpostgres.BasicWaitStrategies(),
	)
	if err != nil {
		t.Fatalf("containers: failed to start postgres: %v", err)
	}
	cleanup(t, "postgres", c)

	uri, err := c.ConnectionString(ctx, "sslmode=disable")
	if err != nil {
		t.Fatalf("containers: postgres connection string: %v", err)
	}
	return uri
}

// StartRedis starts Redis without authentication and returns a redis://
// URI.
func StartRedis(ctx context.Context, t *testing.T) string {
	t.Helper()
	c, err := tcredis.Run(ctx, RedisImage)
	if err != nil {
		t.Fatalf("containers: failed to start redis: %v", err)
	}
	cleanup(t, "redis", c)

	uri, err := c.ConnectionString(ctx)
	if err != nil {
		t.Fatalf("containers: redis connection string: %v", err)
	}
	return uri
}

// StartMinIO starts MinIO with [MinIOAccessKey] and [MinIOSecretKey] and
// returns its host:port endpoint.
func StartMinIO(ctx context.Context, t *testing.T) string {
	t.Helper()
	c, err := tcminio.Run(ctx, MinIOImage,
		tcminio.WithUsername(MinIOAccessKey),
		tcminio.WithPassword(MinIOSecretKey),
	)
	if err != nil {
		t.Fatalf("containers: failed to start minio: %v", err)
	}
	cleanup(t, "minio", c)

	endpoint, err := c.ConnectionString(ctx)
	if err != nil {
		t.Fatalf("containers: minio endpoint: %v", err)
	}
	return endpoint
}
