package db

import (
	"context"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/docker/go-connections/nat"
	_ "github.com/jackc/pgx/v5/stdlib"
	tc "github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
)

const testImage = "postgres:16-alpine"

// StartTestPostgres runs a disposable Postgres with all migrations applied.
// NOTIFY_TEST_PG_IMAGE overrides the image.
func StartTestPostgres(t testing.TB) *DB {
	t.Helper()

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Minute)
	t.Cleanup(cancel)

	image := testImage
	if v := os.Getenv("NOTIFY_TEST_PG_IMAGE"); v != "" {
		image = v
	}
	c, err := tc.GenericContainer(ctx, tc.GenericContainerRequest{
		ContainerRequest: tc.ContainerRequest{
			Image: image,
			Env: map[string]string{
				"POSTGRES_USER":     "notify",
				"POSTGRES_PASSWORD": "notify",
				"POSTGRES_DB":       "notify",
			},
			ExposedPorts: []string{"5432/tcp"},
			// auth-ready, not just TCP open
			WaitingFor: wait.ForSQL("5432/tcp", "pgx", func(host string, port nat.Port) string {
				return testDSN(host, port.Port())
			}).WithStartupTimeout(120 * time.Second).WithPollInterval(300 * time.Millisecond),
		},
		Started: true,
	})
	if err != nil {
		t.Fatalf("start postgres: %v", err)
	}
	t.Cleanup(func() { _ = c.Terminate(context.Background()) })

	host, err := c.Host(ctx)
	if err != nil {
		t.Fatalf("container host: %v", err)
	}
	mp, err := c.MappedPort(ctx, "5432/tcp")
	if err != nil {
		t.Fatalf("mapped port: %v", err)
	}

	// the first DDL can still race the server's startup
	var db *DB
	err = retry(6, func() error {
		var err error
		db, err = Open(ctx, testDSN(host, mp.Port()), PoolOptions{MaxConns: 4, Migrate: true})
		return err
	})
	if err != nil {
		t.Fatalf("open test db: %v", err)
	}
	t.Cleanup(db.Close)
	return db
}

func testDSN(host, port string) string {
	return fmt.Sprintf("postgres://notify:notify@%s:%s/notify?sslmode=disable", host, port)
}

func retry(n int, fn func() error) error {
	backoff := 200 * time.Millisecond
	var err error
	for i := 0; i < n; i++ {
		if err = fn(); err == nil {
			return nil
		}
		time.Sleep(backoff)
		backoff = min(2*backoff, 3*time.Second)
	}
	return fmt.Errorf("giving up after %d tries: %w", n, err)
}
