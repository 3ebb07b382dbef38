// Package respond renders query rows and failures as JSON responses.
//
// Rows are rendered in one of three shapes. Array writes every row, Single
// writes the first row (or null) and closes the cursor, Auto looks ahead two
// rows and picks Single when the result has at most one row. An optional
// count turns the payload into {success, count, data} and an optional root
// key nests the whole payload one level down.
package respond

import (
	"bufio"
	"context"
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/edgeflare/sqlgate/pkg/apperr"
	"github.com/edgeflare/sqlgate/pkg/route"
	"github.com/edgeflare/sqlgate/pkg/sqlexec"
)

// ContentType is set on every JSON response.
const ContentType = "application/json; charset=utf-8"

// flushEvery is the number of streamed rows between flushes.
const flushEvery = 64

// Options control how one endpoint renders its rows.
type Options struct {
	RootKey string
	Status  int
	Shape   route.Shape
	// Buffered reads every row before writing anything.
	Buffered        bool
	NotFoundOnEmpty bool
}

// OptionsFor returns the options configured on q.
func OptionsFor(q *route.Query) Options {
	return Options{
		RootKey:         q.RootKey,
		Status:          q.SuccessStatus,
		Shape:           q.Shape,
		Buffered:        q.Buffered,
		NotFoundOnEmpty: q.NotFoundOnEmpty,
	}
}

func (o Options) status() int {
	if o.Status == 0 {
		return http.StatusOK
	}
	return o.Status
}

// Count is the materialized result of a count query.
type Count struct {
	Value any
}

// ErrNoCount is returned by ReadCount when the count query produced no rows.
var ErrNoCount = apperr.Input(http.StatusNotFound, "not found")

// ReadCount reads the first row of a count query and closes rows. A single
// column row yields its scalar value, a wider row is kept as an object.
func ReadCount(rows sqlexec.Rows) (*Count, error) {
	defer rows.Close()
	if !rows.Next() {
		if err := rows.Err(); err != nil {
			return nil, err
		}
		return nil, ErrNoCount
	}
	row, err := rows.Row()
	if err != nil {
		return nil, err
	}
	if err := rows.Close(); err != nil {
		return nil, err
	}
	if len(row.Columns) == 1 {
		v, _ := row.Get(row.Columns[0])
		return &Count{Value: v}, nil
	}
	return &Count{Value: row}, nil
}

// Payload is a fully rendered response.
type Payload struct {
	Body   []byte
	Status int
}

// Write sends p.
func (p *Payload) Write(w http.ResponseWriter) error {
	w.Header().Set("Content-Type", ContentType)
	w.Header().Set("Content-Length", strconv.Itoa(len(p.Body)))
	w.WriteHeader(p.Status)
	_, err := w.Write(p.Body)
	return err
}

// Shape writes rows to w. Rows are always closed.
//
// When err is non-nil and committed is false nothing was written and the
// caller owns the response. When committed is true the response was started
// and a failure means the body was truncated.
func Shape(ctx context.Context, w http.ResponseWriter, opts Options, rows sqlexec.Rows, count *Count) (committed bool, err error) {
	if opts.Buffered {
		p, err := Render(ctx, opts, rows, count)
		if err != nil {
			return false, err
		}
		return true, p.Write(w)
	}
	return stream(ctx, w, opts, rows, count)
}

// Render reads every row and returns the rendered payload. Rows are always closed.
func Render(ctx context.Context, opts Options, rows sqlexec.Rows, count *Count) (*Payload, error) {
	defer rows.Close()

	limit := -1
	if opts.Shape == route.ShapeSingle {
		limit = 1
	}
	all, _, err := chamber(ctx, rows, limit)
	if err != nil {
		return nil, err
	}
	if err := rows.Close(); err != nil {
		return nil, err
	}

	var data any
	if opts.Shape == route.ShapeArray || (opts.Shape == route.ShapeAuto && len(all) > 1) {
		data = all
	} else if data, err = single(all, opts); err != nil {
		return nil, err
	}
	return render(opts, count, data)
}

func stream(ctx context.Context, w http.ResponseWriter, opts Options, rows sqlexec.Rows, count *Count) (bool, error) {
	defer rows.Close()

	// Prefetch so failures raised by the first fetch still map to a status.
	lookahead := 1
	if opts.Shape == route.ShapeAuto {
		lookahead = 2
	}
	head, exhausted, err := chamber(ctx, rows, lookahead)
	if err != nil {
		return false, err
	}

	if opts.Shape == route.ShapeSingle || (opts.Shape == route.ShapeAuto && exhausted) {
		if err := rows.Close(); err != nil {
			return false, err
		}
		data, err := single(head, opts)
		if err != nil {
			return false, err
		}
		p, err := render(opts, count, data)
		if err != nil {
			return false, err
		}
		return true, p.Write(w)
	}
	if exhausted {
		if err := rows.Close(); err != nil {
			return false, err
		}
		p, err := render(opts, count, head)
		if err != nil {
			return false, err
		}
		return true, p.Write(w)
	}

	prefix, suffix, err := frame(opts, count)
	if err != nil {
		return false, err
	}

	w.Header().Set("Content-Type", ContentType)
	w.WriteHeader(opts.status())
	rc := http.NewResponseController(w)
	bw := bufio.NewWriter(w)

	bw.Write(prefix)
	bw.WriteByte('[')
	n := 0
	emit := func(row sqlexec.Row) error {
		b, err := json.Marshal(row)
		if err != nil {
			return err
		}
		if n > 0 {
			bw.WriteByte(',')
		}
		bw.Write(b)
		n++
		if n%flushEvery == 0 {
			if err := bw.Flush(); err != nil {
				return err
			}
			_ = rc.Flush()
		}
		return nil
	}
	for _, row := range head {
		if err := emit(row); err != nil {
			return true, err
		}
	}
	for rows.Next() {
		row, err := rows.Row()
		if err != nil {
			return true, err
		}
		if err := emit(row); err != nil {
			return true, err
		}
	}
	if err := rows.Err(); err != nil {
		_ = bw.Flush()
		return true, err
	}
	if err := rows.Close(); err != nil {
		_ = bw.Flush()
		return true, err
	}
	bw.WriteByte(']')
	bw.Write(suffix)
	if err := bw.Flush(); err != nil {
		return true, err
	}
	_ = rc.Flush()
	return true, nil
}

// chamber reads up to limit rows (all rows when limit < 0). exhausted
// reports that the cursor has no rows beyond the ones returned.
func chamber(ctx context.Context, rows sqlexec.Rows, limit int) (head []sqlexec.Row, exhausted bool, err error) {
	head = []sqlexec.Row{}
	for limit < 0 || len(head) < limit {
		if !rows.Next() {
			if err := rows.Err(); err != nil {
				return nil, false, err
			}
			if err := ctx.Err(); err != nil {
				return nil, false, err
			}
			return head, true, nil
		}
		row, err := rows.Row()
		if err != nil {
			return nil, false, err
		}
		head = append(head, row)
	}
	return head, false, nil
}

func single(head []sqlexec.Row, opts Options) (any, error) {
	if len(head) == 0 {
		if opts.NotFoundOnEmpty {
			return nil, apperr.Input(http.StatusNotFound, "not found")
		}
		return nil, nil
	}
	return head[0], nil
}

type countEnvelope struct {
	Success bool `json:"success"`
	Count   any  `json:"count"`
	Data    any  `json:"data"`
}

func wrap(opts Options, count *Count, data any) any {
	payload := data
	if count != nil {
		payload = countEnvelope{Success: true, Count: count.Value, Data: data}
	}
	if opts.RootKey != "" {
		payload = map[string]any{opts.RootKey: payload}
	}
	return payload
}

func render(opts Options, count *Count, data any) (*Payload, error) {
	body, err := json.Marshal(wrap(opts, count, data))
	if err != nil {
		return nil, err
	}
	return &Payload{Status: opts.status(), Body: body}, nil
}

// frame returns the bytes written around a streamed array.
func frame(opts Options, count *Count) (prefix, suffix []byte, err error) {
	if opts.RootKey != "" {
		key, err := json.Marshal(opts.RootKey)
		if err != nil {
			return nil, nil, err
		}
		prefix = append(prefix, '{')
		prefix = append(prefix, key...)
		prefix = append(prefix, ':')
		suffix = append(suffix, '}')
	}
	if count != nil {
		v, err := json.Marshal(count.Value)
		if err != nil {
			return nil, nil, err
		}
		prefix = append(prefix, `{"success":true,"count":`...)
		prefix = append(prefix, v...)
		prefix = append(prefix, `,"data":`...)
		suffix = append([]byte{'}'}, suffix...)
	}
	return prefix, suffix, nil
}

// Failure is the body of every error response.
type Failure struct {
	Message string `json:"message,omitempty"`
	Success bool   `json:"success"`
}

// Error writes a failure envelope.
func Error(w http.ResponseWriter, status int, message string) {
	body, err := json.Marshal(Failure{Message: message})
	if err != nil {
		http.Error(w, "failed to encode error response", http.StatusInternalServerError)
		return
	}
	p := Payload{Status: status, Body: body}
	_ = p.Write(w)
}

// Problem writes e as a failure envelope. Cancellations write nothing.
func Problem(w http.ResponseWriter, e *apperr.Error, generic string, debug bool) {
	if e == nil || e.Kind == apperr.KindCanceled {
		return
	}
	Error(w, e.Status, e.PublicMessage(generic, debug))
}
