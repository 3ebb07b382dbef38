package middleware

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/edgeflare/sqlgate/pkg/httputil"
	"github.com/google/uuid"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// ResponseRecorder is a wrapper for http.ResponseWriter to capture status codes and sizes.
// It unwraps for http.NewResponseController so streaming writers can still flush.
type ResponseRecorder struct {
	start time.Time
	http.ResponseWriter
	StatusCode  int
	Bytes       int64
	wroteHeader bool
}

func NewResponseRecorder(w http.ResponseWriter) *ResponseRecorder {
	return &ResponseRecorder{
		ResponseWriter: w,
		StatusCode:     http.StatusOK,
		start:          time.Now(),
	}
}

func (rr *ResponseRecorder) WriteHeader(statusCode int) {
	if rr.wroteHeader {
		return
	}
	rr.wroteHeader = true
	rr.StatusCode = statusCode
	rr.ResponseWriter.WriteHeader(statusCode)
}

func (rr *ResponseRecorder) Write(b []byte) (int, error) {
	rr.wroteHeader = true
	n, err := rr.ResponseWriter.Write(b)
	rr.Bytes += int64(n)
	return n, err
}

// Flush sends buffered data to the client.
func (rr *ResponseRecorder) Flush() {
	rr.wroteHeader = true
	_ = http.NewResponseController(rr.ResponseWriter).Flush()
}

// Unwrap returns the wrapped writer.
func (rr *ResponseRecorder) Unwrap() http.ResponseWriter {
	return rr.ResponseWriter
}

// Written reports whether a status line has been sent.
func (rr *ResponseRecorder) Written() bool {
	return rr.wroteHeader
}

// Elapsed returns the time since the recorder was created.
func (rr *ResponseRecorder) Elapsed() time.Duration {
	return time.Since(rr.start)
}

// LoggerOptions defines configuration for the logger middleware.
type LoggerOptions struct {
	Logger *zap.Logger
	Format func(reqID string, rec *ResponseRecorder, r *http.Request, latency time.Duration) []zap.Field
}

func defaultFormat(reqID string, rec *ResponseRecorder, r *http.Request, latency time.Duration) []zap.Field {
	return []zap.Field{
		zap.String("req_id", reqID),
		zap.Int("status", rec.StatusCode),
		zap.String("method", r.Method),
		zap.String("host", r.Host),
		zap.String("url", r.URL.String()),
		zap.String("remote_addr", r.RemoteAddr),
		zap.String("user_agent", r.UserAgent()),
		zap.Int64("bytes", rec.Bytes),
		zap.Duration("latency", latency),
	}
}

// LoggerWithOptions logs one "response" entry per request. Fields added
// through httputil.Annotate while serving are appended. Requests abandoned by
// the client are logged at debug level.
func LoggerWithOptions(options *LoggerOptions) func(http.Handler) http.Handler {
	opts := LoggerOptions{}
	if options != nil {
		opts = *options
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.Format == nil {
		opts.Format = defaultFormat
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if httputil.GetLogEntry(r.Context()) != nil {
				next.ServeHTTP(w, r)
				return
			}

			reqID := httputil.RequestID(r.Context())
			if reqID == "" {
				reqID = uuid.Nil.String()
			}

			entry := &httputil.LogEntry{Logger: opts.Logger.With(zap.String("req_id", reqID))}
			rec := NewResponseRecorder(w)
			r = r.WithContext(context.WithValue(r.Context(), httputil.LogEntryCtxKey, entry))

			next.ServeHTTP(rec, r)

			fields := append(opts.Format(reqID, rec, r, rec.Elapsed()), entry.Fields()...)
			level := zapcore.InfoLevel
			if errors.Is(r.Context().Err(), context.Canceled) {
				level = zapcore.DebugLevel
				fields = append(fields, zap.Bool("canceled", true))
			}
			opts.Logger.Log(level, "response", fields...)
		})
	}
}
