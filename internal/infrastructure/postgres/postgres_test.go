package postgres

import (
	"context"
	"errors"
	"os"
	"testing"

	"github.com/nerrad567/fieldlink-core/internal/infrastructure/config"
)

// TestDSNEnv names the variable that points integration tests at a
// disposable PostgreSQL database.
const TestDSNEnv = "FIELDLINK_TEST_POSTGRES_DSN"

func TestConnect_EmptyDSN(t *testing.T) {
	_, err := Connect(context.Background(), config.PostgresConfig{})
	if !errors.Is(err, ErrNoDSN) {
		t.Fatalf("Connect() error = %v, want ErrNoDSN", err)
	}
}

func TestConnect_BadDSN(t *testing.T) {
	_, err := Connect(context.Background(), config.PostgresConfig{DSN: "postgres://%zz"})
	if err == nil {
		t.Fatal("Connect() expected parse error")
	}
}

func TestEnsureSchema_Integration(t *testing.T) {
	dsn := os.Getenv(TestDSNEnv)
	if dsn == "" {
		t.Skipf("%s not set", TestDSNEnv)
	}

	ctx := context.Background()
	pool, err := Connect(ctx, config.PostgresConfig{DSN: dsn, MaxConns: 2})
	if err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	defer pool.Close()

	for i := 0; i < 2; i++ {
		if err := EnsureSchema(ctx, pool); err != nil {
			t.Fatalf("EnsureSchema() pass %d error = %v", i+1, err)
		}
	}
}
