package mediator

import (
	"context"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/bbblb/bbblb/internal/config"
	"github.com/bbblb/bbblb/internal/store"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
)

var sharedTestDSN string

// TestMain spins up a single PostgreSQL container for the whole package,
// the same shared-container shape the store package's own test suite uses.
func TestMain(m *testing.M) {
	ctx := context.Background()

	req := testcontainers.ContainerRequest{
		Image:        "postgres:16-alpine",
		ExposedPorts: []string{"5432/tcp"},
		Env: map[string]string{
			"POSTGRES_DB":       "bbblb_mediator_test",
			"POSTGRES_USER":     "bbblb_test",
			"POSTGRES_PASSWORD": "bbblb_test",
		},
		WaitingFor: wait.ForAll(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(60*time.Second),
			wait.ForListeningPort("5432/tcp"),
		),
	}

	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: req,
		Started:          true,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to start postgres container: %v\n", err)
		os.Exit(1)
	}

	host, err := container.Host(ctx)
	if err != nil {
		_ = container.Terminate(ctx)
		fmt.Fprintf(os.Stderr, "failed to get container host: %v\n", err)
		os.Exit(1)
	}
	port, err := container.MappedPort(ctx, "5432")
	if err != nil {
		_ = container.Terminate(ctx)
		fmt.Fprintf(os.Stderr, "failed to get container port: %v\n", err)
		os.Exit(1)
	}

	sharedTestDSN = fmt.Sprintf("postgres://bbblb_test:bbblb_test@%s:%s/bbblb_mediator_test?sslmode=disable",
		host, port.Port())

	exitCode := m.Run()

	if err := container.Terminate(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "failed to terminate container: %v\n", err)
	}
	os.Exit(exitCode)
}

func newTestStore(t *testing.T) *store.Store {
	t.Helper()

	s, err := store.Open(context.Background(), sharedTestDSN, store.DefaultConfig())
	if err != nil {
		t.Fatalf("store.Open: %v", err)
	}
	t.Cleanup(s.Close)

	_, err = s.Pool.Exec(context.Background(),
		`TRUNCATE leases, playback_formats, recordings, callbacks, meetings, servers, tenants RESTART IDENTITY CASCADE`)
	if err != nil {
		t.Fatalf("truncate: %v", err)
	}
	return s
}

func testConfig() config.Config {
	cfg := config.Defaults()
	cfg.Secret = "0123456789abcdef0123456789abcdef"
	cfg.DBURI = sharedTestDSN
	cfg.RecordingPath = "/tmp/bbblb-mediator-test"
	cfg.Domain = "lb.example.com"
	return cfg
}
