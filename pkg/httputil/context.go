package httputil

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"

	"go.uber.org/zap"
)

type ContextKey string

const (
	RequestIDCtxKey ContextKey = "RequestID"
	LogEntryCtxKey  ContextKey = "LogEntry"
	PrincipalCtxKey ContextKey = "Principal"
)

// LogEntry is the request-scoped logger. Handlers add fields to it while
// serving and the logger middleware writes them with the response line.
type LogEntry struct {
	Logger *zap.Logger
	fields []zap.Field
	mu     sync.Mutex
}

// Add appends fields to the response log line.
func (e *LogEntry) Add(fields ...zap.Field) {
	e.mu.Lock()
	e.fields = append(e.fields, fields...)
	e.mu.Unlock()
}

// Fields returns the fields added so far.
func (e *LogEntry) Fields() []zap.Field {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]zap.Field(nil), e.fields...)
}

// GetLogEntry returns the entry the logger middleware put in ctx.
func GetLogEntry(ctx context.Context) *LogEntry {
	e, _ := ctx.Value(LogEntryCtxKey).(*LogEntry)
	return e
}

// Logger returns the request-scoped logger, or a no-op logger outside the
// logger middleware.
func Logger(ctx context.Context) *zap.Logger {
	if e := GetLogEntry(ctx); e != nil && e.Logger != nil {
		return e.Logger
	}
	return zap.NewNop()
}

// Annotate adds fields to the response log line of the request carrying ctx.
func Annotate(ctx context.Context, fields ...zap.Field) {
	if e := GetLogEntry(ctx); e != nil {
		e.Add(fields...)
	}
}

// RequestID returns the id assigned by the request id middleware.
func RequestID(ctx context.Context) string {
	id, _ := ctx.Value(RequestIDCtxKey).(string)
	return id
}

// WithPrincipal records who the credential check authenticated.
func WithPrincipal(ctx context.Context, principal string) context.Context {
	return context.WithValue(ctx, PrincipalCtxKey, principal)
}

// Principal returns the authenticated API key collection or basic user.
func Principal(ctx context.Context) (string, bool) {
	p, ok := ctx.Value(PrincipalCtxKey).(string)
	return p, ok && p != ""
}

// JSON writes a JSON response with the given status code and data.
func JSON(w http.ResponseWriter, statusCode int, data any) {
	body, err := json.Marshal(data)
	if err != nil {
		Error(w, http.StatusInternalServerError, "failed to encode response")
		return
	}
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(statusCode)
	_, _ = w.Write(body)
}

// ErrorResponse is the failure envelope shared by every endpoint.
type ErrorResponse struct {
	Message string `json:"message,omitempty"`
	Success bool   `json:"success"`
}

// Error sends a JSON response with an error code and message.
func Error(w http.ResponseWriter, statusCode int, message string) {
	body, _ := json.Marshal(ErrorResponse{Message: message})
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(statusCode)
	_, _ = w.Write(body)
}
