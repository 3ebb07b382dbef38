package sqlexec

import (
	"context"
	"testing"
	"time"

	"github.com/edgeflare/sqlgate/internal/testutil/pgtest"
	"github.com/edgeflare/sqlgate/pkg/apperr"
	"github.com/edgeflare/sqlgate/pkg/params"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPgxExecutor(t *testing.T) {
	ctx := context.Background()
	conn := pgtest.Connect(ctx, t)
	exec := NewPgxExecutor(conn, nil)
	assert.Equal(t, params.Dollar, exec.Placeholder())

	t.Run("rows", func(t *testing.T) {
		rows, err := exec.Query(ctx, Statement{
			SQL:     "SELECT g AS n, 'x' || g AS label, gen_random_uuid() AS id FROM generate_series(1, $1::int) g",
			Args:    []any{"3"},
			Timeout: 5 * time.Second,
		})
		require.NoError(t, err)
		got := collect(t, rows)
		require.Len(t, got, 3)
		assert.Equal(t, []string{"n", "label", "id"}, got[0].Columns)
		id, _ := got[0].Get("id")
		assert.Len(t, id, 36, "uuid rendered as text")
	})

	t.Run("domain error", func(t *testing.T) {
		rows, err := exec.Query(ctx, Statement{
			SQL: "DO $$ BEGIN RAISE EXCEPTION 'no such order' USING ERRCODE = 'PT404'; END $$",
		})
		if err == nil {
			for rows.Next() {
			}
			err = rows.Close()
		}
		require.Error(t, err)
		ae := apperr.Classify(err, DomainCoder(50000))
		assert.Equal(t, apperr.KindDomain, ae.Kind)
		assert.Equal(t, 404, ae.Status)
		assert.Equal(t, "no such order", ae.Message)
	})

	t.Run("role and claims", func(t *testing.T) {
		rows, err := exec.Query(ctx, Statement{
			SQL:    "SELECT current_setting('request.jwt.claims', true)::json->>'sub' AS sub, current_user AS role",
			Role:   "pg_read_all_data",
			Claims: map[string]any{"sub": "user-1"},
		})
		if err != nil {
			t.Skipf("role switch not permitted for test user: %v", err)
		}
		got := collect(t, rows)
		require.Len(t, got, 1)
		sub, _ := got[0].Get("sub")
		assert.Equal(t, "user-1", sub)
	})
}

func TestPoolManager(t *testing.T) {
	ctx := context.Background()
	connString := pgtest.Config(t).ConnString()

	pm := NewPoolManager()
	defer pm.Close()
	assert.Empty(t, pm.List())

	_, err := pm.Add(ctx, Pool{Name: "primary", ConnString: connString})
	require.NoError(t, err)

	_, err = pm.Add(ctx, Pool{Name: "primary", ConnString: connString})
	assert.ErrorIs(t, err, ErrPoolAlreadyExists)

	poolConfig, err := pgxpool.ParseConfig(connString)
	require.NoError(t, err)
	_, err = pm.Add(ctx, Pool{Name: "config-based", Config: poolConfig})
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"primary", "config-based"}, pm.List())

	pool, err := pm.Get("primary")
	require.NoError(t, err)
	require.NoError(t, pool.Ping(ctx))

	require.NoError(t, pm.Remove("primary"))
	_, err = pm.Get("primary")
	assert.ErrorIs(t, err, ErrPoolNotFound)

	_, err = pm.Add(ctx, Pool{Name: "empty"})
	assert.Error(t, err)
}
