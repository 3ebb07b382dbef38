// Package sqlexec runs bound statements against named connections and
// returns lazily read rows.
package sqlexec

import (
	"bytes"
	"context"
	"encoding/json"
	"time"
	"unicode/utf8"

	"github.com/edgeflare/sqlgate/pkg/params"
	"github.com/google/uuid"
)

// Statement is a bound query ready to run.
type Statement struct {
	Claims  map[string]any
	SQL     string
	Role    string // database role to assume for the statement (PostgreSQL only)
	Args    []any
	Timeout time.Duration
}

// Executor runs statements on one connection.
type Executor interface {
	// Query starts stmt. Rows are read lazily; the caller must Close them.
	Query(ctx context.Context, stmt Statement) (Rows, error)
	Placeholder() params.Placeholder
	Close() error
}

// Rows is a forward-only cursor.
type Rows interface {
	Next() bool
	Row() (Row, error)
	Err() error
	Close() error
}

// Row is one result row with its columns in select order.
type Row struct {
	Columns []string
	Values  []any
}

// Map returns the row as a map. Column order is lost.
func (r Row) Map() map[string]any {
	m := make(map[string]any, len(r.Columns))
	for i, c := range r.Columns {
		m[c] = normalize(r.Values[i])
	}
	return m
}

// Get returns the value of column name.
func (r Row) Get(name string) (any, bool) {
	for i, c := range r.Columns {
		if c == name {
			return normalize(r.Values[i]), true
		}
	}
	return nil, false
}

// MarshalJSON writes the row as an object keeping column order.
func (r Row) MarshalJSON() ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte('{')
	for i, c := range r.Columns {
		if i > 0 {
			buf.WriteByte(',')
		}
		k, err := json.Marshal(c)
		if err != nil {
			return nil, err
		}
		buf.Write(k)
		buf.WriteByte(':')
		v, err := json.Marshal(normalize(r.Values[i]))
		if err != nil {
			return nil, err
		}
		buf.Write(v)
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}

// normalize converts driver values that do not render usefully as JSON.
func normalize(v any) any {
	switch t := v.(type) {
	case [16]byte:
		return uuid.UUID(t).String()
	case []byte:
		if utf8.Valid(t) {
			return string(t)
		}
		return t
	}
	return v
}

// Func adapts a function to Executor, mostly for tests and composition.
type Func struct {
	QueryFunc func(ctx context.Context, stmt Statement) (Rows, error)
	PH        params.Placeholder
}

func (f Func) Query(ctx context.Context, stmt Statement) (Rows, error) {
	return f.QueryFunc(ctx, stmt)
}

func (f Func) Placeholder() params.Placeholder { return f.PH }

func (f Func) Close() error { return nil }
