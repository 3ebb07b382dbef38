package sqlexec

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/edgeflare/sqlgate/pkg/params"
	"github.com/jackc/pgx/v5"
)

// Conn is the part of *pgx.Conn and *pgxpool.Pool the executor needs, so a
// single connection or a pool can back it.
type Conn interface {
	// Query executes sql with args. It returns a Rows object that can be used
	// to iterate over the results.
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	// Begin starts a transaction. Unlike database/sql, the context only affects the begin command.
	Begin(ctx context.Context) (pgx.Tx, error)
}

// ClaimsSetting is the run-time setting holding the caller's claims as JSON,
// compatible with PostgREST row level security policies.
const ClaimsSetting = "request.jwt.claims"

// PgxExecutor runs statements through pgx.
type PgxExecutor struct {
	conn  Conn
	close func()
}

// NewPgxExecutor wraps conn. closeFn, when not nil, is called by Close.
func NewPgxExecutor(conn Conn, closeFn func()) *PgxExecutor {
	return &PgxExecutor{conn: conn, close: closeFn}
}

func (e *PgxExecutor) Placeholder() params.Placeholder { return params.Dollar }

func (e *PgxExecutor) Close() error {
	if e.close != nil {
		e.close()
	}
	return nil
}

// Query runs stmt. When stmt.Role is set the statement runs in its own
// transaction after `set_config('role', ..., true)` and the claims setting,
// both scoped to that transaction.
func (e *PgxExecutor) Query(ctx context.Context, stmt Statement) (Rows, error) {
	ctx, cancel := withTimeout(ctx, stmt.Timeout)

	if stmt.Role == "" {
		rows, err := e.conn.Query(ctx, stmt.SQL, stmt.Args...)
		if err != nil {
			cancel()
			return nil, err
		}
		return &pgxRows{rows: rows, cancel: cancel}, nil
	}

	tx, err := e.conn.Begin(ctx)
	if err != nil {
		cancel()
		return nil, err
	}
	fail := func(err error) (Rows, error) {
		_ = tx.Rollback(context.Background())
		cancel()
		return nil, err
	}

	claims, err := json.Marshal(stmt.Claims)
	if err != nil {
		return fail(fmt.Errorf("marshal claims: %w", err))
	}
	if _, err := tx.Exec(ctx, "SELECT set_config('role', $1, true), set_config($2, $3, true)", stmt.Role, ClaimsSetting, string(claims)); err != nil {
		return fail(err)
	}

	rows, err := tx.Query(ctx, stmt.SQL, stmt.Args...)
	if err != nil {
		return fail(err)
	}
	return &pgxRows{rows: rows, tx: tx, cancel: cancel}, nil
}

type pgxRows struct {
	rows    pgx.Rows
	tx      pgx.Tx
	cancel  context.CancelFunc
	columns []string
	closed  bool
}

func (r *pgxRows) Next() bool { return r.rows.Next() }

func (r *pgxRows) Row() (Row, error) {
	if r.columns == nil {
		fds := r.rows.FieldDescriptions()
		r.columns = make([]string, len(fds))
		for i, fd := range fds {
			r.columns[i] = fd.Name
		}
	}
	values, err := r.rows.Values()
	if err != nil {
		return Row{}, err
	}
	return Row{Columns: r.columns, Values: values}, nil
}

func (r *pgxRows) Err() error { return r.rows.Err() }

func (r *pgxRows) Close() error {
	if r.closed {
		return nil
	}
	r.closed = true
	defer r.cancel()

	r.rows.Close()
	err := r.rows.Err()
	if r.tx == nil {
		return err
	}
	if err != nil {
		_ = r.tx.Rollback(context.Background())
		return err
	}
	return r.tx.Commit(context.Background())
}
