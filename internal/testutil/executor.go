package testutil

import (
	"context"
	"sync"

	"github.com/edgeflare/sqlgate/pkg/params"
	"github.com/edgeflare/sqlgate/pkg/sqlexec"
)

// Result is one canned answer of a FakeExecutor.
type Result struct {
	Err     error // returned by Query
	IterErr error // surfaced after Rows are exhausted
	Columns []string
	Rows    [][]any
}

// FakeExecutor answers statements from canned results keyed by SQL text.
// Unknown statements get Default.
type FakeExecutor struct {
	Results    map[string]Result
	Default    Result
	Statements []sqlexec.Statement
	// Observe, when set, sees every statement before it is answered.
	Observe func(sqlexec.Statement)
	// Opened counts cursors not yet closed.
	Opened int
	PH     params.Placeholder
	mu     sync.Mutex
}

// NewFakeExecutor returns an executor using $n placeholders.
func NewFakeExecutor() *FakeExecutor {
	return &FakeExecutor{Results: make(map[string]Result)}
}

// On registers the answer for sql.
func (f *FakeExecutor) On(sql string, r Result) *FakeExecutor {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Results[sql] = r
	return f
}

func (f *FakeExecutor) Query(ctx context.Context, stmt sqlexec.Statement) (sqlexec.Rows, error) {
	if f.Observe != nil {
		f.Observe(stmt)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Statements = append(f.Statements, stmt)

	if err := ctx.Err(); err != nil {
		return nil, err
	}
	r, ok := f.Results[stmt.SQL]
	if !ok {
		r = f.Default
	}
	if r.Err != nil {
		return nil, r.Err
	}
	f.Opened++
	return &fakeRows{owner: f, result: r, pos: -1, ctx: ctx}, nil
}

func (f *FakeExecutor) Placeholder() params.Placeholder { return f.PH }

func (f *FakeExecutor) Close() error { return nil }

// OpenCursors returns how many cursors were not closed.
func (f *FakeExecutor) OpenCursors() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.Opened
}

// Last returns the most recent statement.
func (f *FakeExecutor) Last() sqlexec.Statement {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.Statements) == 0 {
		return sqlexec.Statement{}
	}
	return f.Statements[len(f.Statements)-1]
}

type fakeRows struct {
	ctx    context.Context
	owner  *FakeExecutor
	err    error
	result Result
	pos    int
	closed bool
}

func (r *fakeRows) Next() bool {
	if r.closed || r.err != nil {
		return false
	}
	if err := r.ctx.Err(); err != nil {
		r.err = err
		return false
	}
	r.pos++
	if r.pos < len(r.result.Rows) {
		return true
	}
	r.err = r.result.IterErr
	return false
}

func (r *fakeRows) Row() (sqlexec.Row, error) {
	return sqlexec.Row{Columns: r.result.Columns, Values: r.result.Rows[r.pos]}, nil
}

func (r *fakeRows) Err() error { return r.err }

func (r *fakeRows) Close() error {
	if r.closed {
		return nil
	}
	r.closed = true
	r.owner.mu.Lock()
	r.owner.Opened--
	r.owner.mu.Unlock()
	return r.err
}
