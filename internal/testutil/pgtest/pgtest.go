// Package pgtest connects tests to the PostgreSQL server named by
// SQLGATE_TEST_POSTGRES. Tests skip when it is unset.
package pgtest

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/require"
)

// EnvVar holds the connection string of the test server.
const EnvVar = "SQLGATE_TEST_POSTGRES"

// Config parses the test connection string, skipping t when there is none.
// Server notices are written to the test log.
func Config(t testing.TB) *pgx.ConnConfig {
	t.Helper()
	dsn := os.Getenv(EnvVar)
	if dsn == "" {
		t.Skipf("%s not set", EnvVar)
	}
	cfg, err := pgx.ParseConfig(dsn)
	require.NoError(t, err)
	cfg.OnNotice = func(_ *pgconn.PgConn, n *pgconn.Notice) {
		t.Logf("postgres %s: %s", n.Severity, n.Message)
	}
	return cfg
}

// Connect opens a connection closed when t ends.
func Connect(ctx context.Context, t testing.TB) *pgx.Conn {
	t.Helper()
	conn, err := pgx.ConnectConfig(ctx, Config(t))
	require.NoError(t, err)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = conn.Close(ctx)
	})
	return conn
}
