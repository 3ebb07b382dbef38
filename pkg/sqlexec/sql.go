package sqlexec

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/edgeflare/sqlgate/pkg/params"

	_ "github.com/denisenkom/go-mssqldb"
	_ "github.com/go-sql-driver/mysql"
	_ "github.com/lib/pq"
	_ "modernc.org/sqlite"
)

// driver describes a database/sql provider.
type driver struct {
	name        string
	placeholder params.Placeholder
}

var drivers = map[string]driver{
	"sqlserver": {name: "sqlserver", placeholder: params.AtP},
	"mssql":     {name: "sqlserver", placeholder: params.AtP},
	"mysql":     {name: "mysql", placeholder: params.Question},
	"pq":        {name: "postgres", placeholder: params.Dollar},
	"sqlite":    {name: "sqlite", placeholder: params.Question},
}

// SQLExecutor runs statements through database/sql.
type SQLExecutor struct {
	db          *sql.DB
	placeholder params.Placeholder
}

// OpenSQL opens a database/sql executor for provider.
func OpenSQL(ctx context.Context, provider, connString string) (*SQLExecutor, error) {
	d, ok := drivers[provider]
	if !ok {
		return nil, fmt.Errorf("unknown provider %q", provider)
	}
	db, err := sql.Open(d.name, connString)
	if err != nil {
		return nil, fmt.Errorf("%s: open: %w", provider, err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("%s: ping: %w", provider, err)
	}
	return NewSQLExecutor(db, d.placeholder), nil
}

// NewSQLExecutor wraps an open *sql.DB.
func NewSQLExecutor(db *sql.DB, ph params.Placeholder) *SQLExecutor {
	return &SQLExecutor{db: db, placeholder: ph}
}

func (e *SQLExecutor) Placeholder() params.Placeholder { return e.placeholder }

func (e *SQLExecutor) Close() error { return e.db.Close() }

// DB returns the underlying handle.
func (e *SQLExecutor) DB() *sql.DB { return e.db }

func (e *SQLExecutor) Query(ctx context.Context, stmt Statement) (Rows, error) {
	ctx, cancel := withTimeout(ctx, stmt.Timeout)
	rows, err := e.db.QueryContext(ctx, stmt.SQL, stmt.Args...)
	if err != nil {
		cancel()
		return nil, err
	}
	cols, err := rows.Columns()
	if err != nil {
		rows.Close()
		cancel()
		return nil, err
	}
	return &sqlRows{rows: rows, cancel: cancel, columns: cols}, nil
}

type sqlRows struct {
	rows    *sql.Rows
	cancel  context.CancelFunc
	columns []string
}

func (r *sqlRows) Next() bool { return r.rows.Next() }

func (r *sqlRows) Row() (Row, error) {
	values := make([]any, len(r.columns))
	ptrs := make([]any, len(r.columns))
	for i := range values {
		ptrs[i] = &values[i]
	}
	if err := r.rows.Scan(ptrs...); err != nil {
		return Row{}, err
	}
	for i, v := range values {
		// drivers reuse the buffer behind []byte between rows
		if b, ok := v.([]byte); ok {
			values[i] = append([]byte(nil), b...)
		}
	}
	return Row{Columns: r.columns, Values: values}, nil
}

func (r *sqlRows) Err() error { return r.rows.Err() }

func (r *sqlRows) Close() error {
	defer r.cancel()
	if err := r.rows.Close(); err != nil {
		return err
	}
	return r.rows.Err()
}

func withTimeout(ctx context.Context, d time.Duration) (context.Context, context.CancelFunc) {
	if d <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, d)
}
