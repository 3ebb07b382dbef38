package middleware

import (
	"fmt"
	"net/http"
	"runtime/debug"

	"github.com/edgeflare/sqlgate/pkg/httputil"
	"go.uber.org/zap"
)

// Chain applies one or more middleware functions to a handler in the order they were provided.
// The first middleware in the list will be the outermost wrapper (executed first).
func Chain(h http.Handler, middlewares ...httputil.Middleware) http.Handler {
	for i := len(middlewares) - 1; i >= 0; i-- {
		h = middlewares[i](h)
	}
	return h
}

// Recover turns a panic in next into a 500 response. http.ErrAbortHandler
// is re-raised so the server aborts the connection as usual.
func Recover(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			v := recover()
			if v == nil {
				return
			}
			if v == http.ErrAbortHandler {
				panic(v)
			}
			httputil.Logger(r.Context()).Error("panic serving request",
				zap.String("panic", fmt.Sprint(v)),
				zap.ByteString("stack", debug.Stack()))
			httputil.Error(w, http.StatusInternalServerError, http.StatusText(http.StatusInternalServerError))
		}()
		next.ServeHTTP(w, r)
	})
}
