package httputil

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"net/http"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/edgeflare/sqlgate/pkg/util"
	"go.uber.org/zap"
)

// Middleware wraps an http.Handler to modify or enhance its behavior.
type Middleware func(http.Handler) http.Handler

// RouterOptions configures a Router.
type RouterOptions func(*Router)

// Router is the main structure for handling HTTP routing and middleware.
type Router struct {
	mux        *http.ServeMux
	server     *http.Server
	logger     *zap.Logger
	tls        *tlsFiles
	prefix     string
	middleware []Middleware
	mu         sync.RWMutex
}

type tlsFiles struct {
	cert, key string
}

// Default self-signed certificate location used when TLS is enabled without files.
const (
	DefaultCertFile = "./tls/tls.crt"
	DefaultKeyFile  = "./tls/tls.key"
)

// NewRouter creates a new instance of Router with the given options.
func NewRouter(opts ...RouterOptions) *Router {
	r := &Router{
		mux:    http.NewServeMux(),
		logger: zap.NewNop(),
		server: &http.Server{
			ReadHeaderTimeout: 10 * time.Second,
		},
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// WithServerOptions sets custom http.Server options.
func WithServerOptions(opts ...func(*http.Server)) RouterOptions {
	return func(r *Router) {
		for _, opt := range opts {
			opt(r.server)
		}
	}
}

// WithLogger sets the logger for server lifecycle messages.
func WithLogger(l *zap.Logger) RouterOptions {
	return func(r *Router) {
		if l != nil {
			r.logger = l
		}
	}
}

// WithTLS serves HTTPS with the given certificate. Empty paths use a
// self-signed certificate generated on first start.
func WithTLS(certFile, keyFile string) RouterOptions {
	return func(r *Router) {
		if certFile == "" || keyFile == "" {
			certFile, keyFile = DefaultCertFile, DefaultKeyFile
		}
		r.tls = &tlsFiles{cert: certFile, key: keyFile}
	}
}

// Use adds one or more middleware to the router. Middleware functions are
// applied in the order they are added.
func (r *Router) Use(mw Middleware, additional ...Middleware) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.middleware = append(r.middleware, mw)
	r.middleware = append(r.middleware, additional...)
}

// Group creates a sub-router with a prefix. The sub-router inherits the
// middleware of its parent registered so far.
func (r *Router) Group(prefix string) *Router {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return &Router{
		mux:        r.mux,
		middleware: slices.Clone(r.middleware),
		server:     r.server,
		logger:     r.logger,
		prefix:     r.prefix + prefix,
	}
}

// Handle registers handler for "METHOD /pattern" as introduced in
// [Routing Enhancements for Go 1.22](https://go.dev/blog/routing-enhancements).
// A pattern without a method matches every method. On a group with a
// /prefix, "METHOD /pattern" resolves to "METHOD /prefix/pattern".
func (r *Router) Handle(methodPattern string, handler http.Handler) {
	method, pattern, ok := strings.Cut(methodPattern, " ")
	if !ok {
		method, pattern = "", methodPattern
	}
	if !strings.HasPrefix(pattern, "/") {
		panic(fmt.Sprintf("httputil: invalid method pattern %q", methodPattern))
	}

	r.mu.RLock()
	defer r.mu.RUnlock()

	final := handler
	for i := len(r.middleware) - 1; i >= 0; i-- {
		final = r.middleware[i](final)
	}

	full := r.prefix + pattern
	if method != "" {
		full = method + " " + full
	}
	r.mux.Handle(full, final)
}

// Handler returns the router as a plain http.Handler.
func (r *Router) Handler() http.Handler {
	return r.mux
}

// ListenAndServe listens on addr and serves, over TLS when configured.
func (r *Router) ListenAndServe(addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	return r.Serve(ln)
}

// Serve accepts connections on ln until Shutdown.
func (r *Router) Serve(ln net.Listener) error {
	r.server.Addr = ln.Addr().String()
	r.server.Handler = r.mux

	if r.tls == nil {
		r.logger.Info("starting server", zap.String("addr", r.server.Addr))
		return r.server.Serve(ln)
	}

	cert, err := util.LoadOrGenerateCert(r.tls.cert, r.tls.key)
	if err != nil {
		_ = ln.Close()
		return fmt.Errorf("loading TLS certificate: %w", err)
	}
	r.server.TLSConfig = &tls.Config{
		MinVersion:   tls.VersionTLS12,
		Certificates: []tls.Certificate{cert},
	}
	r.logger.Info("starting server", zap.String("addr", r.server.Addr), zap.Bool("tls", true))
	return r.server.ServeTLS(ln, "", "")
}

// Shutdown gracefully shuts down the HTTP server.
func (r *Router) Shutdown(ctx context.Context) error {
	r.logger.Info("shutting down server")
	err := r.server.Shutdown(ctx)
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}
